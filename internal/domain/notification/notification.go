// Package notification models the outbound messages LUMA hands to delivery
// collaborators. Delivery itself (push, SMS, pager) happens outside the engine;
// this package only defines what is sent and through which channel.
package notification

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// TYPES
// ══════════════════════════════════════════════════════════════════════════════

// Type is the kind of notification.
type Type string

const (
	// TypeDecisionReady - a new CONTENT or NO_ACTION decision is available.
	TypeDecisionReady Type = "decision_ready"
	// TypeEscalation - a Safety escalation needs a human.
	TypeEscalation Type = "escalation"
	// TypeBaselinePaused - onboarding stalled; the care team may reach out.
	TypeBaselinePaused Type = "baseline_paused"
	// TypePatternDetected - a new recurring pattern was found.
	TypePatternDetected Type = "pattern_detected"
)

// IsValid checks the type.
func (t Type) IsValid() bool {
	switch t {
	case TypeDecisionReady, TypeEscalation, TypeBaselinePaused, TypePatternDetected:
		return true
	}
	return false
}

// DefaultPriority returns the priority for the type.
func (t Type) DefaultPriority() Priority {
	switch t {
	case TypeEscalation:
		return PriorityUrgent
	case TypeBaselinePaused:
		return PriorityHigh
	case TypePatternDetected:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Priority orders deliveries.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*p = PriorityLow
	case "high":
		*p = PriorityHigh
	case "urgent":
		*p = PriorityUrgent
	default:
		*p = PriorityNormal
	}
	return nil
}

// ShouldSendImmediately reports priorities that bypass batching.
func (p Priority) ShouldSendImmediately() bool {
	return p >= PriorityHigh
}

// Channel is a delivery route.
type Channel string

const (
	// ChannelWebhook posts JSON to the care-team system.
	ChannelWebhook Channel = "webhook"
	// ChannelEscalationFeed publishes on the escalation pub/sub channel.
	ChannelEscalationFeed Channel = "escalation_feed"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Notification is one outbound message.
type Notification struct {
	ID         string           `json:"id"`
	Type       Type             `json:"type"`
	Priority   Priority         `json:"priority"`
	PatientID  shared.PatientID `json:"patient_id"`
	DecisionID string           `json:"decision_id,omitempty"`
	Action     string           `json:"action,omitempty"`
	ContentID  string           `json:"content_id,omitempty"`
	Tier       string           `json:"tier,omitempty"`
	Reasoning  []string         `json:"reasoning,omitempty"`
	Detail     map[string]any   `json:"detail,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
	CreatedAt  time.Time        `json:"created_at"`
}

// New creates a notification with the type's default priority.
func New(t Type, patientID shared.PatientID, occurredAt time.Time) *Notification {
	return &Notification{
		ID:         uuid.NewString(),
		Type:       t,
		Priority:   t.DefaultPriority(),
		PatientID:  patientID,
		OccurredAt: occurredAt,
		CreatedAt:  time.Now().UTC(),
	}
}

// FromDecisionEvent builds the notification for an emitted decision.
func FromDecisionEvent(e shared.DecisionEmittedEvent) *Notification {
	t := TypeDecisionReady
	if e.IsEscalation() {
		t = TypeEscalation
	}
	n := New(t, shared.PatientID(e.AggregateID()), e.OccurredAt())
	n.DecisionID = e.DecisionID
	n.Action = e.Action
	n.ContentID = string(e.ContentID)
	n.Tier = e.Tier
	n.Reasoning = e.Reasoning
	return n
}

// ══════════════════════════════════════════════════════════════════════════════
// DELIVERY
// ══════════════════════════════════════════════════════════════════════════════

// DeliveryResult is the outcome of one send.
type DeliveryResult struct {
	Success     bool
	Channel     Channel
	StatusCode  int
	DeliveredAt time.Time
	Error       error
	Retryable   bool
}

// Sender delivers notifications through one channel.
type Sender interface {
	// Channel names the route.
	Channel() Channel

	// Send delivers n. Implementations retry transient failures themselves.
	Send(ctx context.Context, n *Notification) DeliveryResult
}

// EscalationBroadcaster publishes escalations to live subscribers.
type EscalationBroadcaster interface {
	BroadcastEscalation(ctx context.Context, n *Notification) error
}
