// Package mailing holds the email engine's persisted entities, the Postgres
// store, placeholder rendering, unsubscribe signatures, and suppression
// checks. Workers and the enrollment manager build on this package.
package mailing

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies a template for suppression and footer policy.
// It is a closed set: suppression and footer logic switch exhaustively on it.
type Category string

const (
	CategoryTransactional Category = "transactional"
	CategoryFollowUp      Category = "follow_up"
	CategoryMarketing     Category = "marketing"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryTransactional, CategoryFollowUp, CategoryMarketing:
		return true
	}
	return false
}

// Enrollment statuses.
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentCancelled = "cancelled"
)

// Queue entry statuses. Once an entry leaves "pending" it is terminal.
const (
	QueuePending    = "pending"
	QueueSent       = "sent"
	QueueSuppressed = "suppressed"
	QueueFailed     = "failed"
)

// Sequence is a named drip campaign bound to one trigger event.
// At most one active sequence exists per trigger event.
type Sequence struct {
	ID           uuid.UUID      `json:"id"`
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	TriggerEvent string         `json:"trigger_event"`
	IsActive     bool           `json:"is_active"`
	Steps        []SequenceStep `json:"steps,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SequenceStep binds a delay and a template to one stage of a sequence.
// StepOrder is strictly increasing within a sequence.
type SequenceStep struct {
	ID           uuid.UUID `json:"id"`
	SequenceID   uuid.UUID `json:"sequence_id"`
	TemplateID   uuid.UUID `json:"template_id"`
	StepOrder    int       `json:"step_order"`
	DelayMinutes int       `json:"delay_minutes"`
	Template     *Template `json:"template,omitempty"`
}

// Template is a reusable message subject/body with a compliance category.
type Template struct {
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	BodyHTML  string    `json:"body_html"`
	Category  Category  `json:"category"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Enrollment tracks one recipient's progress through one sequence instance.
// While status is active, NextSendAt is set and CurrentStep <= len(steps).
type Enrollment struct {
	ID              uuid.UUID              `json:"id"`
	SequenceID      uuid.UUID              `json:"sequence_id"`
	Recipient       string                 `json:"recipient"`
	TenantID        *uuid.UUID             `json:"tenant_id,omitempty"`
	RelatedEntityID *uuid.UUID             `json:"related_entity_id,omitempty"`
	Context         map[string]interface{} `json:"context"`
	CurrentStep     int                    `json:"current_step"`
	Status          string                 `json:"status"`
	NextSendAt      *time.Time             `json:"next_send_at"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// QueueEntry is one rendered, independently schedulable message. Its
// lifecycle is decoupled from the enrollment that spawned it.
type QueueEntry struct {
	ID           uuid.UUID  `json:"id"`
	Recipient    string     `json:"recipient"`
	Subject      string     `json:"subject"`
	BodyHTML     string     `json:"body_html"`
	Category     Category   `json:"category"`
	TenantID     *uuid.UUID `json:"tenant_id,omitempty"`
	EnrollmentID *uuid.UUID `json:"enrollment_id,omitempty"`
	Status       string     `json:"status"`
	SendAt       time.Time  `json:"send_at"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Bounce records a permanent delivery failure for a recipient.
// Suppressed=true blocks every future send to that recipient.
type Bounce struct {
	ID         uuid.UUID `json:"id"`
	Recipient  string    `json:"recipient"`
	Suppressed bool      `json:"suppressed"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Preference is a recipient's explicit opt-out state.
type Preference struct {
	ID                     uuid.UUID  `json:"id"`
	Recipient              string     `json:"recipient"`
	UnsubscribedAll        bool       `json:"unsubscribed_all"`
	UnsubscribedCategories []Category `json:"unsubscribed_categories"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// OptedOut reports whether the preference blocks the given category.
func (p *Preference) OptedOut(category Category) bool {
	if p == nil {
		return false
	}
	if p.UnsubscribedAll {
		return true
	}
	for _, c := range p.UnsubscribedCategories {
		if c == category {
			return true
		}
	}
	return false
}

// DeliveryConfig is the transport configuration handed to a Sender.
// A tenant row may carry an override; it only applies when fully specified.
type DeliveryConfig struct {
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	Region    string `json:"region,omitempty"`
	AccessKey string `json:"-"`
	SecretKey string `json:"-"`
}

// Complete reports whether the config can be used on its own as a
// tenant-specific override.
func (c DeliveryConfig) Complete() bool {
	return c.FromEmail != "" && c.AccessKey != "" && c.SecretKey != ""
}
