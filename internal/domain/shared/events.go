// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"context"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Subscribers key off these strings, so they are stable.
const (
	// Patient lifecycle
	EventPatientEnrolled   EventType = "patient.enrolled"
	EventPatientActivated  EventType = "patient.activated"
	EventPatientDischarged EventType = "patient.discharged"

	// Micro-block state
	EventMicroBlockStateChanged EventType = "microblock.state_changed"
	EventOverrideReleased       EventType = "microblock.override_released"

	// Baseline
	EventBaselineStarted   EventType = "baseline.started"
	EventBaselinePaused    EventType = "baseline.paused"
	EventBaselineResumed   EventType = "baseline.resumed"
	EventBaselineCompleted EventType = "baseline.completed"

	// Patterns
	EventPatternDetected    EventType = "pattern.detected"
	EventPatternInvalidated EventType = "pattern.invalidated"

	// Decisions
	EventDecisionEmitted  EventType = "decision.emitted"
	EventEscalationRaised EventType = "decision.escalation_raised"

	// Safety
	EventCrisisFlagged EventType = "safety.crisis_flagged"

	// Notification
	EventNotificationSent   EventType = "notification.sent"
	EventNotificationFailed EventType = "notification.failed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped at the given time.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Micro-Block Events
// ═══════════════════════════════════════════════════════════════════════════

// MicroBlockStateChangedEvent is emitted when a block's light changes.
type MicroBlockStateChangedEvent struct {
	BaseEvent
	MicroBlockID MicroBlockID `json:"microblock_id"`
	From         Light        `json:"from"`
	To           Light        `json:"to"`
	Confidence   float64      `json:"confidence"`
	Source       Source       `json:"source"`
}

// Payload implements Event interface.
func (e MicroBlockStateChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"microblock_id": string(e.MicroBlockID),
		"from":          string(e.From),
		"to":            string(e.To),
		"confidence":    e.Confidence,
		"source":        string(e.Source),
	}
}

// NewMicroBlockStateChangedEvent creates a MicroBlockStateChangedEvent.
func NewMicroBlockStateChangedEvent(patientID PatientID, block MicroBlockID, from, to Light, confidence float64, source Source, at time.Time) MicroBlockStateChangedEvent {
	return MicroBlockStateChangedEvent{
		BaseEvent:    NewBaseEvent(EventMicroBlockStateChanged, patientID.String(), at),
		MicroBlockID: block,
		From:         from,
		To:           to,
		Confidence:   confidence,
		Source:       source,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Baseline Events
// ═══════════════════════════════════════════════════════════════════════════

// BaselineStatusEvent covers started/paused/resumed/completed transitions.
type BaselineStatusEvent struct {
	BaseEvent
	AssessedBlocks int `json:"assessed_blocks"`
	ElapsedDays    int `json:"elapsed_days"`
}

// Payload implements Event interface.
func (e BaselineStatusEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"assessed_blocks": e.AssessedBlocks,
		"elapsed_days":    e.ElapsedDays,
	}
}

// NewBaselineStatusEvent creates a BaselineStatusEvent of the given type.
func NewBaselineStatusEvent(eventType EventType, patientID PatientID, assessed, elapsedDays int, at time.Time) BaselineStatusEvent {
	return BaselineStatusEvent{
		BaseEvent:      NewBaseEvent(eventType, patientID.String(), at),
		AssessedBlocks: assessed,
		ElapsedDays:    elapsedDays,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Pattern Events
// ═══════════════════════════════════════════════════════════════════════════

// PatternEvent is emitted when a pattern is detected, reinforced, or invalidated.
type PatternEvent struct {
	BaseEvent
	PatternID   string         `json:"pattern_id"`
	Trigger     string         `json:"trigger"`
	MicroBlocks []MicroBlockID `json:"microblocks"`
	Confidence  float64        `json:"confidence"`
}

// Payload implements Event interface.
func (e PatternEvent) Payload() map[string]interface{} {
	blocks := make([]string, len(e.MicroBlocks))
	for i, b := range e.MicroBlocks {
		blocks[i] = string(b)
	}
	return map[string]interface{}{
		"pattern_id":  e.PatternID,
		"trigger":     e.Trigger,
		"microblocks": blocks,
		"confidence":  e.Confidence,
	}
}

// NewPatternEvent creates a PatternEvent.
func NewPatternEvent(eventType EventType, patientID PatientID, patternID, trigger string, blocks []MicroBlockID, confidence float64, at time.Time) PatternEvent {
	return PatternEvent{
		BaseEvent:   NewBaseEvent(eventType, patientID.String(), at),
		PatternID:   patternID,
		Trigger:     trigger,
		MicroBlocks: blocks,
		Confidence:  confidence,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Decision Events
// ═══════════════════════════════════════════════════════════════════════════

// DecisionEmittedEvent is published only after the decision is durably stored.
type DecisionEmittedEvent struct {
	BaseEvent
	DecisionID string       `json:"decision_id"`
	Action     string       `json:"action"`
	ContentID  ContentID    `json:"content_id,omitempty"`
	Tier       string       `json:"tier"`
	Primary    MicroBlockID `json:"primary_microblock,omitempty"`
	Reasoning  []string     `json:"reasoning"`
}

// Payload implements Event interface.
func (e DecisionEmittedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"decision_id":        e.DecisionID,
		"action":             e.Action,
		"content_id":         string(e.ContentID),
		"tier":               e.Tier,
		"primary_microblock": string(e.Primary),
		"reasoning":          e.Reasoning,
	}
}

// IsEscalation reports whether the decision escalates to a human.
func (e DecisionEmittedEvent) IsEscalation() bool {
	return e.Action == "ESCALATE"
}

// NewDecisionEmittedEvent creates a DecisionEmittedEvent. ESCALATE actions are
// published under EventEscalationRaised.
func NewDecisionEmittedEvent(patientID PatientID, decisionID, action string, content ContentID, tier string, primary MicroBlockID, reasoning []string, at time.Time) DecisionEmittedEvent {
	eventType := EventDecisionEmitted
	if action == "ESCALATE" {
		eventType = EventEscalationRaised
	}
	return DecisionEmittedEvent{
		BaseEvent:  NewBaseEvent(eventType, patientID.String(), at),
		DecisionID: decisionID,
		Action:     action,
		ContentID:  content,
		Tier:       tier,
		Primary:    primary,
		Reasoning:  reasoning,
	}
}

// CrisisFlaggedEvent records an inbound crisis flag.
type CrisisFlaggedEvent struct {
	BaseEvent
	FlagSource string `json:"flag_source"`
}

// Payload implements Event interface.
func (e CrisisFlaggedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"flag_source": e.FlagSource}
}

// NewCrisisFlaggedEvent creates a CrisisFlaggedEvent.
func NewCrisisFlaggedEvent(patientID PatientID, source string, at time.Time) CrisisFlaggedEvent {
	return CrisisFlaggedEvent{
		BaseEvent:  NewBaseEvent(EventCrisisFlagged, patientID.String(), at),
		FlagSource: source,
	}
}

// PatientLifecycleEvent covers enrolment and status changes.
type PatientLifecycleEvent struct {
	BaseEvent
	Status string `json:"status"`
}

// Payload implements Event interface.
func (e PatientLifecycleEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"status": e.Status}
}

// NewPatientLifecycleEvent creates a PatientLifecycleEvent.
func NewPatientLifecycleEvent(eventType EventType, patientID PatientID, status string, at time.Time) PatientLifecycleEvent {
	return PatientLifecycleEvent{
		BaseEvent: NewBaseEvent(eventType, patientID.String(), at),
		Status:    status,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(ctx context.Context, event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
