package window

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type point struct {
	ts     time.Time
	price  decimal.Decimal
	volume decimal.Decimal
}

// deque is a slice-backed double-ended queue ordered by timestamp. Popping from the
// front only advances head; the backing array is compacted once head passes half of it.
type deque struct {
	items []point
	head  int
}

func (d *deque) len() int { return len(d.items) - d.head }

func (d *deque) at(i int) point { return d.items[d.head+i] }

func (d *deque) front() point { return d.items[d.head] }

func (d *deque) back() point { return d.items[len(d.items)-1] }

func (d *deque) pushBack(p point) { d.items = append(d.items, p) }

func (d *deque) popBack() { d.items = d.items[:len(d.items)-1] }

func (d *deque) popFront() {
	d.items[d.head] = point{}
	d.head++
	if d.head > 32 && d.head*2 >= len(d.items) {
		n := copy(d.items, d.items[d.head:])
		for i := n; i < len(d.items); i++ {
			d.items[i] = point{}
		}
		d.items = d.items[:n]
		d.head = 0
	}
}

// search returns the first index whose timestamp is not before ts.
func (d *deque) search(ts time.Time) int {
	n := d.len()
	if n == 0 || d.back().ts.Before(ts) {
		return n
	}
	return sort.Search(n, func(i int) bool { return !d.at(i).ts.Before(ts) })
}

func (d *deque) insertAt(i int, p point) {
	if i == d.len() {
		d.pushBack(p)
		return
	}
	pos := d.head + i
	d.items = append(d.items, point{})
	copy(d.items[pos+1:], d.items[pos:])
	d.items[pos] = p
}

func (d *deque) removeAt(i int) {
	pos := d.head + i
	copy(d.items[pos:], d.items[pos+1:])
	d.items[len(d.items)-1] = point{}
	d.items = d.items[:len(d.items)-1]
}

// extremes keeps the candidate extremes of a window: timestamps increase from front
// to back while prices strictly decrease (highs) or strictly increase (lows). The front
// is always the extreme of everything still inside the window.
type extremes struct {
	deque
	// dominates reports whether a makes b redundant when a is not older than b.
	dominates func(a, b decimal.Decimal) bool
}

func newHighs() extremes {
	return extremes{dominates: func(a, b decimal.Decimal) bool { return a.GreaterThanOrEqual(b) }}
}

func newLows() extremes {
	return extremes{dominates: func(a, b decimal.Decimal) bool { return a.LessThanOrEqual(b) }}
}

// add inserts p at its logical position. In-order samples cost amortised O(1); a late
// sample only touches the candidates around its position.
func (e *extremes) add(p point) {
	idx := e.search(p.ts)
	for idx < e.len() && e.at(idx).ts.Equal(p.ts) && e.dominates(p.price, e.at(idx).price) {
		e.removeAt(idx)
	}
	if idx < e.len() && e.dominates(e.at(idx).price, p.price) {
		return
	}
	for idx > 0 && e.dominates(p.price, e.at(idx-1).price) {
		e.removeAt(idx - 1)
		idx--
	}
	e.insertAt(idx, p)
}

func (e *extremes) evict(cutoff time.Time) {
	for e.len() > 0 && e.front().ts.Before(cutoff) {
		e.popFront()
	}
}
