package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventBalanceChanged = "balance.changed"
	EventHoldClosed     = "hold.closed"
	EventSettlement     = "settlement.finalized"
	EventWithdrawal     = "withdrawal.transitioned"
)

// Event tells collaborators that committed ledger state changed. Delivery is
// best effort; nothing ledger-side waits on it.
type Event struct {
	Type       string    `json:"type"`
	Action     string    `json:"action"`
	Owner      string    `json:"owner"`
	AccountID  string    `json:"account_id,omitempty"`
	ObjectID   string    `json:"object_id,omitempty"`
	Available  int64     `json:"available"`
	Frozen     int64     `json:"frozen"`
	Pending    int64     `json:"pending"`
	Display    int64     `json:"display"`
	Status     string    `json:"status,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PartitionKey keeps one owner's events ordered on partitioned transports.
func (e Event) PartitionKey() string { return e.Owner }

func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return b, nil
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
	Close() error
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }

// Recorder keeps events in memory. Tests use it to assert fan-out.
type Recorder struct {
	events chan Event
}

func NewRecorder(capacity int) *Recorder {
	return &Recorder{events: make(chan Event, capacity)}
}

func (r *Recorder) Notify(_ context.Context, e Event) error {
	select {
	case r.events <- e:
		return nil
	default:
		return fmt.Errorf("recorder full")
	}
}

func (r *Recorder) Close() error { return nil }

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	out := make([]Event, 0, len(r.events))
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
