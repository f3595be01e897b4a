package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/store"
)

// RecordEvent is the bus payload announcing a local record change.
type RecordEvent struct {
	EventID   string              `json:"event_id"`
	Timestamp int64               `json:"ts"`
	Type      string              `json:"type"`
	AccountID string              `json:"account_id"`
	Provider  domain.ProviderName `json:"provider"`
	Resource  domain.ResourceType `json:"resource"`
	RemoteID  string              `json:"remote_id"`
	LocalID   string              `json:"local_id"`
	Version   string              `json:"version,omitempty"`
	Data      json.RawMessage     `json:"data,omitempty"`
}

// EventSubject is the bus subject for record events of an account.
func EventSubject(accountID string, resource domain.ResourceType, outcome store.Outcome) string {
	return fmt.Sprintf("account.%s.%s.%s", accountID, resource, outcome)
}

// eventEmitter builds the outbox message written with each record change.
// The event id doubles as the bus dedup id so a re-published outbox row is
// dropped by JetStream.
func eventEmitter(acct domain.Account, now func() time.Time) store.EventFunc {
	return func(rec store.Record, outcome store.Outcome) *store.OutboxMessage {
		eventType := fmt.Sprintf("%s.%s", rec.Resource, outcome)
		ev := RecordEvent{
			EventID:   uuid.NewString(),
			Timestamp: now().Unix(),
			Type:      eventType,
			AccountID: rec.AccountID,
			Provider:  acct.Provider,
			Resource:  rec.Resource,
			RemoteID:  rec.RemoteID,
			LocalID:   rec.LocalID,
			Version:   rec.Version,
		}
		if outcome != store.OutcomeDeleted && json.Valid(rec.Data) {
			ev.Data = rec.Data
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			return nil
		}
		return &store.OutboxMessage{
			Subject:   EventSubject(rec.AccountID, rec.Resource, outcome),
			EventType: eventType,
			Payload:   payload,
			MsgID:     ev.EventID,
		}
	}
}
