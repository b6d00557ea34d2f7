package alerting

import (
	"errors"
	"time"

	"github.com/newsdigest/watchtower/internal/models"
)

// Package alerting turns findings into tracked alerts and owns the alert
// lifecycle.
//
// State Machine:
//
//   NEW ──► SUPPRESSED (terminal, may be reopened as a new alert)
//    │
//    ├──► ACKNOWLEDGED ──► RESOLVED (terminal)
//    │         ▲
//    └──► ESCALATED ───────► RESOLVED
//
//   Resolving a NEW alert passes through ACKNOWLEDGED in the same operation.
//   No transition ever moves backward.
//
// Deduplication:
//   - Key: metric:<name>|<severity> or pattern:<signature>|<severity>
//   - A finding whose key matches an open (or SUPPRESSED) alert updated
//     within the suppression window folds into it: updated_at and
//     occurrences advance, and with suppress_duplicates a NEW alert moves
//     to SUPPRESSED
//   - Otherwise a NEW alert is created and handed to the notifier
//
// Concurrency:
//   - Each alert has its own lock; each dedupe key has its own slot lock
//   - Lock order is slot, then alert. There is no global lock

var (
	// ErrNotFound is returned for an unknown alert ID.
	ErrNotFound = errors.New("alert not found")

	// ErrAlreadyTerminal is returned when operating on a RESOLVED or
	// SUPPRESSED alert. The alert is unchanged.
	ErrAlreadyTerminal = errors.New("alert is already terminal")

	// ErrInvalidTransition is returned for transitions the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid alert transition")
)

var transitions = map[models.AlertStatus][]models.AlertStatus{
	models.StatusNew:          {models.StatusSuppressed, models.StatusAcknowledged, models.StatusEscalated},
	models.StatusAcknowledged: {models.StatusResolved},
	models.StatusEscalated:    {models.StatusAcknowledged, models.StatusResolved},
}

// CanTransition reports whether the state machine allows from -> to in one step.
func CanTransition(from, to models.AlertStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config controls deduplication and default notification.
type Config struct {
	SuppressionWindow  time.Duration
	SuppressDuplicates bool
	DefaultChannels    []string
}

// Notifier hands alerts to the notification dispatcher without waiting.
type Notifier interface {
	Enqueue(alert models.Alert, channels []string)
}

// Store persists alerts. Implementations must not block on I/O.
type Store interface {
	SaveAlert(alert models.Alert)
}

// EventType names an alert lifecycle event.
type EventType string

const (
	EventCreated      EventType = "alert.created"
	EventUpdated      EventType = "alert.updated"
	EventSuppressed   EventType = "alert.suppressed"
	EventAcknowledged EventType = "alert.acknowledged"
	EventEscalated    EventType = "alert.escalated"
	EventResolved     EventType = "alert.resolved"
	EventReopened     EventType = "alert.reopened"
)

// Event is published to listeners after every alert change.
type Event struct {
	Type  EventType    `json:"type"`
	Actor string       `json:"actor,omitempty"`
	Alert models.Alert `json:"alert"`
	At    time.Time    `json:"at"`
}

// Filter selects alerts for Active.
type Filter struct {
	// Statuses restricts results; empty means every non-terminal status.
	Statuses    []models.AlertStatus
	MinSeverity models.Severity
	Limit       int
}

// Health summarizes the alert pipeline.
type Health struct {
	ActiveAlerts    int       `json:"active_alerts"`
	SoftFailures    int64     `json:"dispatch_soft_failures"`
	LastSoftFailure time.Time `json:"last_soft_failure,omitempty"`
}
