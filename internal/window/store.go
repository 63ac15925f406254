package window

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"crash-guardian/internal/market"
)

var (
	// ErrFutureSample is returned for samples stamped too far ahead of the clock.
	ErrFutureSample = errors.New("window: sample timestamp beyond future skew tolerance")
	// ErrLateSample is returned for samples older than the late tolerance of their series.
	ErrLateSample = errors.New("window: sample older than late tolerance")
)

// Aggregate is the source id of the cross-source series kept for every asset.
const Aggregate = ""

// Window is a read-only snapshot of one rolling window.
type Window struct {
	Asset       string
	Source      string
	Duration    time.Duration
	High        decimal.Decimal
	HighAt      time.Time
	Low         decimal.Decimal
	LowAt       time.Time
	Latest      decimal.Decimal
	LatestAt    time.Time
	VolumeSum   decimal.Decimal
	SampleCount int
}

// Options tune the store.
type Options struct {
	Durations     []time.Duration
	FutureSkew    time.Duration
	LateTolerance time.Duration
	Clock         func() time.Time
}

type seriesKey struct {
	asset  string
	source string
}

type rolling struct {
	duration time.Duration
	samples  deque
	highs    extremes
	lows     extremes
	volume   decimal.Decimal
}

type series struct {
	latest  time.Time
	windows []*rolling // sorted by duration, longest last
}

type assetInfo struct {
	lastSeen   time.Time
	sources    map[string]time.Time
	sourceList []string
}

// Store maintains rolling high/low/volume windows per asset and per source.
// It is not safe for concurrent use; the guardian owns it from a single goroutine.
type Store struct {
	opts   Options
	series map[seriesKey]*series
	assets map[string]*assetInfo
}

// NewStore constructs an empty store.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	opts.Durations = normalizeDurations(opts.Durations)
	return &Store{
		opts:   opts,
		series: make(map[seriesKey]*series),
		assets: make(map[string]*assetInfo),
	}
}

func normalizeDurations(in []time.Duration) []time.Duration {
	seen := make(map[time.Duration]struct{}, len(in))
	out := make([]time.Duration, 0, len(in))
	for _, d := range in {
		if d <= 0 {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Durations returns the configured window durations, shortest first.
func (s *Store) Durations() []time.Duration {
	out := make([]time.Duration, len(s.opts.Durations))
	copy(out, s.opts.Durations)
	return out
}

// Ingest adds a sample to its source series and to the asset's aggregate series.
// It reports false when the sample was already present in both (a duplicate delivery).
// ErrLateSample is returned only when the source series itself rejects the sample.
func (s *Store) Ingest(sample market.Sample) (bool, error) {
	if err := sample.Validate(); err != nil {
		return false, err
	}
	now := s.opts.Clock()
	if s.opts.FutureSkew >= 0 && sample.Timestamp.After(now.Add(s.opts.FutureSkew)) {
		return false, fmt.Errorf("%w: %s at %s (now %s)", ErrFutureSample, sample.Asset,
			sample.Timestamp.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}

	p := point{ts: sample.Timestamp, price: sample.Price, volume: sample.Volume}
	srcAdded, err := s.add(seriesKey{asset: sample.Asset, source: sample.Source}, p)
	if err != nil {
		return false, err
	}
	// a source lagging the others stays usable for corroboration even when it is too
	// late for the aggregate series
	aggAdded, err := s.add(seriesKey{asset: sample.Asset, source: Aggregate}, p)
	if err != nil && !errors.Is(err, ErrLateSample) {
		return srcAdded, err
	}

	info := s.assets[sample.Asset]
	if info == nil {
		info = &assetInfo{sources: make(map[string]time.Time)}
		s.assets[sample.Asset] = info
	}
	info.lastSeen = now
	if _, ok := info.sources[sample.Source]; !ok {
		info.sourceList = append(info.sourceList, sample.Source)
		sort.Strings(info.sourceList)
	}
	info.sources[sample.Source] = now

	return aggAdded || srcAdded, nil
}

func (s *Store) add(key seriesKey, p point) (bool, error) {
	sr := s.series[key]
	if sr == nil {
		sr = s.newSeries()
		s.series[key] = sr
	}
	if !sr.latest.IsZero() && p.ts.Before(sr.latest.Add(-s.opts.LateTolerance)) {
		return false, fmt.Errorf("%w: %s/%s at %s (latest %s)", ErrLateSample, key.asset, key.source,
			p.ts.Format(time.RFC3339Nano), sr.latest.Format(time.RFC3339Nano))
	}
	return sr.add(p), nil
}

func (s *Store) newSeries() *series {
	sr := &series{windows: make([]*rolling, 0, len(s.opts.Durations))}
	for _, d := range s.opts.Durations {
		sr.windows = append(sr.windows, &rolling{duration: d, highs: newHighs(), lows: newLows()})
	}
	return sr
}

func (sr *series) add(p point) bool {
	if len(sr.windows) == 0 {
		return false
	}
	if sr.contains(p) {
		return false
	}
	latest := sr.latest
	if p.ts.After(latest) {
		latest = p.ts
	}
	added := false
	for _, w := range sr.windows {
		cutoff := latest.Add(-w.duration)
		if p.ts.Before(cutoff) {
			continue
		}
		w.insert(p)
		added = true
	}
	if latest.After(sr.latest) {
		sr.latest = latest
		for _, w := range sr.windows {
			w.evict(latest.Add(-w.duration))
		}
	}
	return added
}

// contains checks the longest window, which holds every sample still relevant.
func (sr *series) contains(p point) bool {
	longest := sr.windows[len(sr.windows)-1]
	for i := longest.samples.search(p.ts); i < longest.samples.len(); i++ {
		cur := longest.samples.at(i)
		if !cur.ts.Equal(p.ts) {
			break
		}
		if cur.price.Equal(p.price) {
			return true
		}
	}
	return false
}

func (w *rolling) insert(p point) {
	idx := w.samples.search(p.ts)
	for idx < w.samples.len() && w.samples.at(idx).ts.Equal(p.ts) {
		idx++
	}
	w.samples.insertAt(idx, p)
	w.volume = w.volume.Add(p.volume)
	w.highs.add(p)
	w.lows.add(p)
}

func (w *rolling) evict(cutoff time.Time) {
	for w.samples.len() > 0 && w.samples.front().ts.Before(cutoff) {
		w.volume = w.volume.Sub(w.samples.front().volume)
		w.samples.popFront()
	}
	w.highs.evict(cutoff)
	w.lows.evict(cutoff)
}

func (w *rolling) snapshot(key seriesKey) Window {
	out := Window{Asset: key.asset, Source: key.source, Duration: w.duration, VolumeSum: w.volume, SampleCount: w.samples.len()}
	if w.samples.len() == 0 {
		return out
	}
	last := w.samples.back()
	out.Latest, out.LatestAt = last.price, last.ts
	high, low := w.highs.front(), w.lows.front()
	out.High, out.HighAt = high.price, high.ts
	out.Low, out.LowAt = low.price, low.ts
	return out
}

// Window returns the aggregate window for asset and duration.
func (s *Store) Window(asset string, duration time.Duration) (Window, bool) {
	return s.SourceWindow(asset, Aggregate, duration)
}

// SourceWindow returns the window of a single source.
func (s *Store) SourceWindow(asset, source string, duration time.Duration) (Window, bool) {
	key := seriesKey{asset: asset, source: source}
	sr := s.series[key]
	if sr == nil {
		return Window{}, false
	}
	for _, w := range sr.windows {
		if w.duration == duration {
			if w.samples.len() == 0 {
				return Window{}, false
			}
			return w.snapshot(key), true
		}
	}
	return Window{}, false
}

// Assets lists every asset seen so far, sorted.
func (s *Store) Assets() []string {
	out := make([]string, 0, len(s.assets))
	for a := range s.assets {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Sources lists the named sources that have reported the asset.
func (s *Store) Sources(asset string) []string {
	info := s.assets[asset]
	if info == nil {
		return nil
	}
	out := make([]string, len(info.sourceList))
	copy(out, info.sourceList)
	return out
}

// LastSeen reports when a sample for the asset last arrived, by the store clock.
func (s *Store) LastSeen(asset string) (time.Time, bool) {
	info := s.assets[asset]
	if info == nil {
		return time.Time{}, false
	}
	return info.lastSeen, true
}

// SourceLastSeen reports when a sample for the asset last arrived from source.
func (s *Store) SourceLastSeen(asset, source string) (time.Time, bool) {
	info := s.assets[asset]
	if info == nil {
		return time.Time{}, false
	}
	ts, ok := info.sources[source]
	return ts, ok
}

// Resize changes the configured durations. Samples held by the previous longest window
// are replayed into the new windows so a reconfiguration keeps history that still fits.
func (s *Store) Resize(durations []time.Duration) {
	durations = normalizeDurations(durations)
	if equalDurations(durations, s.opts.Durations) {
		return
	}
	s.opts.Durations = durations
	for key, old := range s.series {
		sr := s.newSeries()
		if len(old.windows) > 0 {
			longest := old.windows[len(old.windows)-1]
			for i := 0; i < longest.samples.len(); i++ {
				sr.add(longest.samples.at(i))
			}
		}
		s.series[key] = sr
	}
}

// SetTolerances updates the skew tolerances applied to subsequent samples.
func (s *Store) SetTolerances(futureSkew, lateTolerance time.Duration) {
	s.opts.FutureSkew = futureSkew
	s.opts.LateTolerance = lateTolerance
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
