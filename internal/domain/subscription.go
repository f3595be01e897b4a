package domain

import "time"

// SubscriptionStatus tracks a push subscription's lifecycle.
type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionExpired SubscriptionStatus = "expired"
	SubscriptionError   SubscriptionStatus = "error"
)

// Subscription is a provider push-notification registration.
// Secret is the plaintext validation secret; it is only populated in memory.
type Subscription struct {
	ID        string
	AccountID string
	Resource  ResourceType
	ExpiresAt time.Time
	Status    SubscriptionStatus
	Secret    string
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SignalReason records why a resync was requested.
type SignalReason string

const (
	ReasonNotification  SignalReason = "notification"
	ReasonMissed        SignalReason = "missed"
	ReasonRenewalFailed SignalReason = "renewal_failed"
	ReasonRemoved       SignalReason = "subscription_removed"
	ReasonManual        SignalReason = "manual"
)

// ChangeSignal is the lightweight "resource changed" hint emitted by webhooks.
// It never carries data; consumers run a delta sync for the pair.
type ChangeSignal struct {
	AccountID string       `json:"account_id"`
	Resource  ResourceType `json:"resource"`
	Reason    SignalReason `json:"reason"`
}

// Key identifies the (account, resource) pair.
func (s ChangeSignal) Key() string {
	return s.AccountID + ":" + string(s.Resource)
}

// SweepResult aggregates the per-item outcomes of one sweep.
type SweepResult struct {
	Name      string
	Succeeded int
	Failed    int
	Skipped   int
	Errors    map[string]string
}

// RecordFailure notes a failed item.
func (r *SweepResult) RecordFailure(item string, err error) {
	r.Failed++
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[item] = err.Error()
}
