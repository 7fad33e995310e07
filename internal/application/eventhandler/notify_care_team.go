// Package eventhandler contains domain event subscribers.
package eventhandler

import (
	"context"
	"fmt"

	"github.com/recoverlution/luma/internal/domain/notification"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// NOTIFY CARE TEAM HANDLER
// Subscribes to decision, baseline and pattern events and hands them to the
// delivery collaborators. It only ever sees events for records that are
// already durably written, because the cycle publishes after its writes.
//
// Escalations go two ways: the webhook, and the live escalation feed when
// that channel is enabled.
// ═══════════════════════════════════════════════════════════════════════════

// NotifyCareTeamConfig selects which events are forwarded.
type NotifyCareTeamConfig struct {
	// NotifyContentDecisions forwards CONTENT and NO_ACTION decisions too.
	NotifyContentDecisions bool

	// NotifyPatterns forwards newly detected patterns.
	NotifyPatterns bool
}

// DefaultNotifyCareTeamConfig returns the defaults.
func DefaultNotifyCareTeamConfig() NotifyCareTeamConfig {
	return NotifyCareTeamConfig{
		NotifyContentDecisions: true,
		NotifyPatterns:         false,
	}
}

// NotifyCareTeamHandler forwards events to the care team.
type NotifyCareTeamHandler struct {
	sender      notification.Sender
	broadcaster notification.EscalationBroadcaster
	log         *logger.Logger
	config      NotifyCareTeamConfig
}

// NewNotifyCareTeamHandler creates the handler. broadcaster may be nil.
func NewNotifyCareTeamHandler(
	sender notification.Sender,
	broadcaster notification.EscalationBroadcaster,
	log *logger.Logger,
	config NotifyCareTeamConfig,
) *NotifyCareTeamHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &NotifyCareTeamHandler{
		sender:      sender,
		broadcaster: broadcaster,
		log:         log.With(logger.Component("notify_care_team")),
		config:      config,
	}
}

// Register subscribes the handler to the bus.
func (h *NotifyCareTeamHandler) Register(sub shared.EventSubscriber) error {
	types := []shared.EventType{
		shared.EventDecisionEmitted,
		shared.EventEscalationRaised,
		shared.EventBaselinePaused,
		shared.EventPatternDetected,
	}
	for _, t := range types {
		if err := sub.Subscribe(t, h.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	return nil
}

// Handle implements shared.EventHandler.
func (h *NotifyCareTeamHandler) Handle(ctx context.Context, event shared.Event) error {
	n, ok := h.build(event)
	if !ok {
		return nil
	}
	log := h.log.With(
		logger.PatientID(n.PatientID.String()),
		logger.String("notification_type", string(n.Type)),
		logger.String("priority", n.Priority.String()),
	)

	if n.Type == notification.TypeEscalation && h.broadcaster != nil {
		if err := h.broadcaster.BroadcastEscalation(ctx, n); err != nil {
			log.Error("escalation broadcast failed", logger.DecisionID(n.DecisionID), logger.Err(err))
		}
	}

	if h.sender == nil {
		return nil
	}
	res := h.sender.Send(ctx, n)
	if !res.Success {
		log.Error("notification delivery failed",
			logger.String("channel", string(res.Channel)),
			logger.Int("status_code", res.StatusCode),
			logger.Err(res.Error),
		)
		return fmt.Errorf("deliver %s notification: %w", n.Type, shared.ErrNotificationFailed)
	}
	log.Debug("notification delivered", logger.String("channel", string(res.Channel)))
	return nil
}

// build maps the event to a notification. Events arriving over Redis are
// reconstructed from their payload, so the mapping reads the payload only.
func (h *NotifyCareTeamHandler) build(event shared.Event) (*notification.Notification, bool) {
	pid := shared.PatientID(event.AggregateID())
	payload := event.Payload()

	switch event.EventType() {
	case shared.EventEscalationRaised, shared.EventDecisionEmitted:
		t := notification.TypeDecisionReady
		if event.EventType() == shared.EventEscalationRaised {
			t = notification.TypeEscalation
		} else if !h.config.NotifyContentDecisions {
			return nil, false
		}
		n := notification.New(t, pid, event.OccurredAt())
		n.DecisionID = str(payload["decision_id"])
		n.Action = str(payload["action"])
		n.ContentID = str(payload["content_id"])
		n.Tier = str(payload["tier"])
		n.Reasoning = strs(payload["reasoning"])
		return n, true

	case shared.EventBaselinePaused:
		n := notification.New(notification.TypeBaselinePaused, pid, event.OccurredAt())
		n.Detail = payload
		return n, true

	case shared.EventPatternDetected:
		if !h.config.NotifyPatterns {
			return nil, false
		}
		n := notification.New(notification.TypePatternDetected, pid, event.OccurredAt())
		n.Detail = payload
		return n, true
	}
	return nil, false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, str(e))
		}
		return out
	}
	return nil
}
