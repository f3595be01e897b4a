package domain

import "time"

// ProviderName identifies the upstream collaboration provider of an account.
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// ParseProvider accepts either the canonical or the lower-case spelling.
func ParseProvider(s string) (ProviderName, bool) {
	switch s {
	case "GOOGLE", "google":
		return ProviderGoogle, true
	case "MICROSOFT", "microsoft":
		return ProviderMicrosoft, true
	default:
		return "", false
	}
}

// AccountStatus is the user-visible connection state of an account.
type AccountStatus string

const (
	StatusConnected   AccountStatus = "connected"
	StatusNeedsReauth AccountStatus = "needs_reauth"
	StatusDisabled    AccountStatus = "disabled"
	StatusError       AccountStatus = "error"
)

// Account is one connected mailbox.
type Account struct {
	ID                    string
	Provider              ProviderName
	Email                 string
	Status                AccountStatus
	StatusMessage         string
	ConsecutiveErrorCount int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Syncable reports whether background jobs may touch the account.
func (a Account) Syncable() bool {
	return a.Status == StatusConnected || a.Status == StatusError
}

// ResourceType selects which change feed a sync run consumes.
type ResourceType string

const (
	ResourceMail     ResourceType = "mail"
	ResourceCalendar ResourceType = "calendar"
	ResourceContacts ResourceType = "contacts"
)

// AllResources lists every resource type in a stable order.
var AllResources = []ResourceType{ResourceMail, ResourceCalendar, ResourceContacts}

// ParseResource validates a resource type string.
func ParseResource(s string) (ResourceType, bool) {
	for _, r := range AllResources {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}
