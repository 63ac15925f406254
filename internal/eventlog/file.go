package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const maxLineBytes = 4 << 20

// FileLog stores events as JSON lines. Each append is fsync'd before returning.
type FileLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFile opens (or creates) the log at path. A torn final line left by a crash is cut
// off so later appends start on a clean line.
func OpenFile(path string) (*FileLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := trimTornTail(f); err != nil {
		f.Close()
		return nil, err
	}
	// fsync parent dir so the file entry itself survives a crash
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return &FileLog{path: path, f: f}, nil
}

func trimTornTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("read event log tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	// walk back to the previous newline
	const chunk = 4096
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		buf := make([]byte, end-start)
		if _, err := f.ReadAt(buf, start); err != nil && err != io.EOF {
			return fmt.Errorf("read event log tail: %w", err)
		}
		if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
			return truncateSync(f, start+int64(i)+1)
		}
		end = start
	}
	return truncateSync(f, 0)
}

func truncateSync(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate torn event: %w", err)
	}
	return f.Sync()
}

// Append writes ev as one line and fsyncs.
func (l *FileLog) Append(_ context.Context, ev TriggerEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trigger event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("append trigger event: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("fsync event log: %w", err)
	}
	return nil
}

// readAll scans the file independently of the append handle. A final line that does
// not decode is treated as torn and skipped; corruption elsewhere is an error.
func (l *FileLog) readAll() ([]TriggerEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var (
		events  []TriggerEvent
		pending error
		lineNo  int
	)
	for scanner.Scan() {
		lineNo++
		if pending != nil {
			return nil, pending
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev TriggerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			pending = fmt.Errorf("decode event log line %d: %w", lineNo, err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}

// Latest returns the last event in the file.
func (l *FileLog) Latest(context.Context) (TriggerEvent, bool, error) {
	events, err := l.readAll()
	if err != nil || len(events) == 0 {
		return TriggerEvent{}, false, err
	}
	return events[len(events)-1], true, nil
}

// List returns up to limit events, newest first.
func (l *FileLog) List(_ context.Context, limit int) ([]TriggerEvent, error) {
	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}
	out := make([]TriggerEvent, 0, limit)
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, events[i])
	}
	return out, nil
}

// Between returns events in [from, to), oldest first.
func (l *FileLog) Between(_ context.Context, from, to time.Time) ([]TriggerEvent, error) {
	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]TriggerEvent, 0)
	for _, ev := range events {
		if !ev.At.Before(from) && ev.At.Before(to) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// Close releases the append handle.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

var _ Log = (*FileLog)(nil)
