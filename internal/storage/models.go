package storage

import (
	"encoding/json"
	"time"
)

// EventRecord is a persisted trigger event row. The full event lives in Payload so the
// table schema does not follow every field added to the event.
type EventRecord struct {
	ID        string
	Kind      string
	At        time.Time
	StateFrom string
	StateTo   string
	Payload   json.RawMessage
	CreatedAt time.Time
}
