package audit

import (
	"context"
	"time"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event is one committed mutation of ledger state. Before and After hold JSON
// snapshots of the object; HashPrev/HashCurr link events into a chain.
type Event struct {
	AuditID    string
	OccurredAt time.Time
	RecordedAt time.Time
	ActorID    string
	ActorType  string
	ObjectType string
	ObjectID   string
	Action     string
	Before     []byte
	After      []byte
	Result     Result
	Reason     string
	HashPrev   string
	HashCurr   string
}

// Sink accepts audit events. Implementations assign the chain hashes.
type Sink interface {
	Append(ctx context.Context, e Event) (Event, error)
}
