package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-booking/internal/auth"
)

// Actor is the party attempting a transition.
type Actor string

const (
	ActorPatient Actor = "patient"
	ActorDoctor  Actor = "doctor"
	ActorSystem  Actor = "system"
)

// transitions lists, per source status and actor, the allowed targets.
// Anything not listed is rejected.
var transitions = map[AppointmentStatus]map[Actor][]AppointmentStatus{
	StatusPending: {
		ActorPatient: {StatusCancelled},
		ActorDoctor:  {StatusConfirmed, StatusDenied},
		ActorSystem:  {StatusConfirmed},
	},
	StatusConfirmed: {
		ActorPatient: {StatusCancelled},
		ActorDoctor:  {StatusInProgress, StatusCancelled},
	},
	StatusInProgress: {
		ActorDoctor: {StatusCompleted},
	},
}

// CanTransition reports whether actor may move an appointment from one
// status to another.
func CanTransition(from, to AppointmentStatus, actor Actor) bool {
	for _, allowed := range transitions[from][actor] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError names the rejected (from, to) pair. It matches
// ErrInvalidTransition.
type InvalidTransitionError struct {
	From AppointmentStatus
	To   AppointmentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var actions = map[string]AppointmentStatus{
	"confirm": StatusConfirmed,
	"deny":    StatusDenied,
	"start":   StatusInProgress,
	"finish":  StatusCompleted,
	"cancel":  StatusCancelled,
}

// ActionTarget maps a URL action verb to its target status.
func ActionTarget(action string) (AppointmentStatus, bool) {
	st, ok := actions[action]
	return st, ok
}

// actorFor resolves the caller's role on this appointment. Callers that are
// not its patient or doctor get ErrAppointmentNotFound so existence does not
// leak; admins get ErrForbidden.
func actorFor(p auth.Principal, a *Appointment) (Actor, error) {
	switch p.Role {
	case auth.RolePatient:
		if a.PatientID == p.UserID {
			return ActorPatient, nil
		}
	case auth.RoleDoctor:
		if a.DoctorID == p.UserID {
			return ActorDoctor, nil
		}
	case auth.RoleAdmin:
		return "", ErrForbidden
	}
	return "", ErrAppointmentNotFound
}

// Transition moves the appointment to status to on behalf of by. Entering
// DENIED or CANCELLED releases the slot in the same transaction as the
// status write.
func (s *Service) Transition(ctx context.Context, id int64, by auth.Principal, to AppointmentStatus) (*Appointment, error) {
	var (
		updated *Appointment
		from    AppointmentStatus
	)

	err := s.repo.InTx(ctx, func(tx Tx) error {
		appt, err := tx.LockAppointment(ctx, id)
		if err != nil {
			return err
		}

		actor, err := actorFor(by, appt)
		if err != nil {
			return err
		}
		if !CanTransition(appt.Status, to, actor) {
			return &InvalidTransitionError{From: appt.Status, To: to}
		}

		from = appt.Status
		updated, err = s.applyTransition(ctx, tx, appt, to, actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("appointment_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Int64("by", by.UserID).
		Msg("appointment transitioned")

	s.publish(ctx, EventAppointmentTransition, updated, map[string]any{"from": from})
	return updated, nil
}

// ConfirmPaid is the system transition driven by a verified payment. It runs
// on the caller's transaction. A doctor without auto-confirm, or an
// appointment no longer PENDING, is left untouched and changed is false.
func (s *Service) ConfirmPaid(ctx context.Context, tx Tx, id int64) (appt *Appointment, changed bool, err error) {
	appt, err = tx.LockAppointment(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !CanTransition(appt.Status, StatusConfirmed, ActorSystem) {
		return appt, false, nil
	}

	doctor, err := tx.GetDoctor(ctx, appt.DoctorID)
	if err != nil {
		return nil, false, fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.AutoConfirmPaid {
		return appt, false, nil
	}

	updated, err := s.applyTransition(ctx, tx, appt, StatusConfirmed, ActorSystem)
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (s *Service) applyTransition(ctx context.Context, tx Tx, appt *Appointment, to AppointmentStatus, actor Actor) (*Appointment, error) {
	if to.ReleasesSlot() && appt.AvailabilityID != nil {
		if err := tx.SetAvailabilityStatus(ctx, *appt.AvailabilityID, SlotEmpty); err != nil {
			return nil, fmt.Errorf("release slot: %w", err)
		}
	}

	updated, err := tx.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, to)
	if err != nil {
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	if err := s.logEvent(ctx, tx, appt.ID, EventAppointmentTransition, map[string]any{
		"from":  appt.Status,
		"to":    to,
		"actor": actor,
	}); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteAppointment is the administrative removal. A non-terminal appointment
// gives its slot back first. Appointments with payment records are kept.
func (s *Service) DeleteAppointment(ctx context.Context, id int64, by auth.Principal) error {
	if by.Role != auth.RoleAdmin {
		return ErrForbidden
	}

	var deleted *Appointment
	err := s.repo.InTx(ctx, func(tx Tx) error {
		appt, err := tx.LockAppointment(ctx, id)
		if err != nil {
			return err
		}

		if !appt.Status.Terminal() && appt.AvailabilityID != nil {
			if err := tx.SetAvailabilityStatus(ctx, *appt.AvailabilityID, SlotEmpty); err != nil && !errors.Is(err, ErrAvailabilityNotFound) {
				return fmt.Errorf("release slot: %w", err)
			}
		}
		if err := tx.DeleteAppointment(ctx, id); err != nil {
			return err
		}
		deleted = appt
		return s.logEvent(ctx, tx, id, EventAppointmentDeleted, map[string]any{"by": by.UserID})
	})
	if err != nil {
		return err
	}

	log.Info().Int64("appointment_id", id).Int64("by", by.UserID).Msg("appointment deleted")
	s.publish(ctx, EventAppointmentDeleted, deleted, nil)
	return nil
}
