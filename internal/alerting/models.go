// Package alerting implements the durable alert pipeline: a suppression
// policy in front of a per-alert state machine with an event trail and
// delivery records.
package alerting

import (
	"errors"
	"time"
)

// Status is the persisted alert status.
type Status string

const (
	StatusOpen       Status = "open"
	StatusSuppressed Status = "suppressed"
	StatusSent       Status = "sent"
	StatusResolved   Status = "resolved"
)

// Severity levels, lowest to highest.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// validTransitions is the alert state machine. Acknowledge is orthogonal and
// not listed here.
var validTransitions = map[Status][]Status{
	StatusOpen:       {StatusSuppressed, StatusSent, StatusResolved},
	StatusSuppressed: {StatusSent, StatusResolved},
	StatusSent:       {StatusResolved},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound indicates an unknown alert id.
	ErrNotFound = errors.New("alert not found")
	// ErrInvalidTransition indicates a state machine violation; the store is
	// left unchanged.
	ErrInvalidTransition = errors.New("invalid alert state transition")
)

// Alert is one persisted alert.
type Alert struct {
	ID             string
	DedupeKey      string
	Source         string
	Reason         string
	Severity       string
	Status         Status
	Summary        string
	Message        string
	Metadata       string
	OccurredAt     time.Time
	CreatedAt      time.Time
	SuppressedAt   *time.Time
	SentAt         *time.Time
	ResolvedAt     *time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy string
	LastError      string
}

// Event is one row of an alert's audit trail.
type Event struct {
	ID        int64
	AlertID   string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// Delivery records one attempt to push an alert through a channel.
type Delivery struct {
	ID                int64
	AlertID           string
	Channel           string
	Status            string // retrying | sent | failed
	Attempt           int
	ProviderMessageID string
	Error             string
	Metadata          string
	CreatedAt         time.Time
}

// CreateInput is the payload for Create.
type CreateInput struct {
	DedupeKey  string
	Source     string
	Reason     string
	Severity   string
	Summary    string
	Message    string
	Metadata   string
	OccurredAt *time.Time
}

// DeliveryInput is the payload for RecordDelivery.
type DeliveryInput struct {
	AlertID           string
	Channel           string
	Status            string
	Attempt           int
	ProviderMessageID string
	Error             string
	Metadata          string
}
