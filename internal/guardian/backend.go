package guardian

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crash-guardian/internal/gate"
	"crash-guardian/internal/market"
)

// Stats accumulate over the guardian's lifetime and survive restarts through the backend.
type Stats struct {
	State            market.State    `json:"state"`
	Since            time.Time       `json:"since"`
	ActiveEventID    string          `json:"active_event_id,omitempty"`
	TotalTriggers    int64           `json:"total_triggers"`
	FalseTriggers    int64           `json:"false_triggers"`
	TotalDowntime    time.Duration   `json:"total_downtime"`
	CapitalProtected decimal.Decimal `json:"capital_protected_usd"`
	LastTriggeredAt  time.Time       `json:"last_triggered_at,omitempty"`
	LastTriggerID    string          `json:"last_trigger_id,omitempty"`
	LastCheckAt      time.Time       `json:"last_check_at,omitempty"`
}

// Record is what a state backend stores.
type Record struct {
	Snapshot gate.Snapshot `json:"snapshot"`
	Stats    Stats         `json:"stats"`
}

// StateBackend persists the published record so other processes can share it. The event
// log stays the source of truth for the state itself.
type StateBackend interface {
	Persist(ctx context.Context, rec Record) error
	Load(ctx context.Context) (Record, bool, error)
}

// MemoryBackend keeps the record in process; enough for a single node.
type MemoryBackend struct {
	mu  sync.RWMutex
	rec *Record
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Persist(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rec = &rec
	return nil
}

func (b *MemoryBackend) Load(context.Context) (Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.rec == nil {
		return Record{}, false, nil
	}
	return *b.rec, true, nil
}

var _ StateBackend = (*MemoryBackend)(nil)
