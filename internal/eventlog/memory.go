package eventlog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps events in process. Used by simulate and tests.
type MemoryLog struct {
	mu     sync.Mutex
	events []TriggerEvent
	fail   error
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, ev TriggerEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.events = append(l.events, ev)
	return nil
}

// FailWith makes subsequent appends return err; nil restores normal behaviour.
func (l *MemoryLog) FailWith(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

func (l *MemoryLog) Latest(context.Context) (TriggerEvent, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return TriggerEvent{}, false, nil
	}
	return l.events[len(l.events)-1], true, nil
}

func (l *MemoryLog) List(_ context.Context, limit int) ([]TriggerEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.events) {
		limit = len(l.events)
	}
	out := make([]TriggerEvent, 0, limit)
	for i := len(l.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.events[i])
	}
	return out, nil
}

func (l *MemoryLog) Between(_ context.Context, from, to time.Time) ([]TriggerEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TriggerEvent, 0)
	for _, ev := range l.events {
		if !ev.At.Before(from) && ev.At.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Events returns a copy of everything appended, oldest first.
func (l *MemoryLog) Events() []TriggerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TriggerEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *MemoryLog) Close() error { return nil }

var _ Log = (*MemoryLog)(nil)
