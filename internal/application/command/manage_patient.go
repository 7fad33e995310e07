package command

import (
	"context"
	"fmt"

	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PATIENT LIFECYCLE COMMANDS
// Enrolment, status changes and the suggestions pause preference.
// ══════════════════════════════════════════════════════════════════════════════

// EnrollPatientCommand enrols a new patient in onboarding.
type EnrollPatientCommand struct {
	// PatientID is optional; a UUID is generated when empty.
	PatientID   string
	ExternalRef string
	Timezone    string
}

// ChangePatientStatusCommand moves a patient along the lifecycle graph.
type ChangePatientStatusCommand struct {
	PatientID string
	Status    string
}

// Validate validates the command.
func (c ChangePatientStatusCommand) Validate() error {
	if _, err := shared.NewPatientID(c.PatientID); err != nil {
		return err
	}
	if !patient.Status(c.Status).IsValid() {
		return shared.ValidationError("patient", "Validate", fmt.Sprintf("unknown status %q", c.Status))
	}
	return nil
}

// SetSuggestionsPausedCommand records the patient's pause preference.
type SetSuggestionsPausedCommand struct {
	PatientID string
	Paused    bool
}

// PatientHandler handles the lifecycle commands.
type PatientHandler struct {
	cycle *Cycle
}

// NewPatientHandler creates a new handler.
func NewPatientHandler(cycle *Cycle) *PatientHandler {
	return &PatientHandler{cycle: cycle}
}

// Enroll creates the patient.
func (h *PatientHandler) Enroll(ctx context.Context, cmd EnrollPatientCommand) (*patient.Patient, error) {
	now := h.cycle.Now()
	p, err := patient.NewPatient(patient.NewPatientParams{
		ID:          cmd.PatientID,
		ExternalRef: cmd.ExternalRef,
		Timezone:    cmd.Timezone,
		EnrolledAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("enroll_patient: validation failed: %w", err)
	}
	if err := h.cycle.patients.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("enroll_patient: %w", err)
	}

	h.cycle.log.Info("patient enrolled", logger.PatientID(p.ID.String()), logger.String("timezone", p.Timezone))
	h.cycle.publish(ctx, []shared.Event{
		shared.NewPatientLifecycleEvent(shared.EventPatientEnrolled, p.ID, string(p.Status), now),
	})
	return p, nil
}

// ChangeStatus applies a lifecycle transition.
func (h *PatientHandler) ChangeStatus(ctx context.Context, cmd ChangePatientStatusCommand) (*patient.Patient, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("change_patient_status: validation failed: %w", err)
	}
	pid := shared.PatientID(cmd.PatientID)

	release, err := h.cycle.lockPatient(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("change_patient_status: %w", err)
	}
	defer release()

	p, err := h.cycle.patients.GetByID(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("change_patient_status: %w", err)
	}

	now := h.cycle.Now()
	next := patient.Status(cmd.Status)
	if err := p.TransitionTo(next, now); err != nil {
		return nil, fmt.Errorf("change_patient_status: %s -> %s: %w", p.Status, next, err)
	}
	if err := h.cycle.patients.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("change_patient_status: %w", err)
	}

	var events []shared.Event
	switch next {
	case patient.StatusActive:
		events = append(events, shared.NewPatientLifecycleEvent(shared.EventPatientActivated, pid, string(next), now))
	case patient.StatusDischarged:
		events = append(events, shared.NewPatientLifecycleEvent(shared.EventPatientDischarged, pid, string(next), now))
		if h.cycle.cache != nil {
			if err := h.cycle.cache.Invalidate(ctx, pid); err != nil {
				h.cycle.log.Warn("failed to drop cached decision", logger.PatientID(pid.String()), logger.Err(err))
			}
		}
	}
	h.cycle.publish(ctx, events)
	return p, nil
}

// SetSuggestionsPaused records the preference. The Rest tier reads it on the next cycle.
func (h *PatientHandler) SetSuggestionsPaused(ctx context.Context, cmd SetSuggestionsPausedCommand) (*patient.Patient, error) {
	pid, err := shared.NewPatientID(cmd.PatientID)
	if err != nil {
		return nil, fmt.Errorf("set_suggestions_paused: validation failed: %w", err)
	}

	release, err := h.cycle.lockPatient(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("set_suggestions_paused: %w", err)
	}
	defer release()

	p, err := h.cycle.loadTracked(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("set_suggestions_paused: %w", err)
	}
	p.SetSuggestionsPaused(cmd.Paused, h.cycle.Now())
	if err := h.cycle.patients.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("set_suggestions_paused: %w", err)
	}
	return p, nil
}
