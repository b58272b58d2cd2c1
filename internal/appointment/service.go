package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/calendar"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

const (
	EventAppointmentCreated    = "APPOINTMENT_CREATED"
	EventAppointmentTransition = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentDeleted    = "APPOINTMENT_DELETED"
)

var (
	ErrConflict          = errors.New("conflict")
	ErrSlotUnavailable   = errors.New("slot is not open for booking")
	ErrInvalidSlot       = errors.New("invalid slot")
	ErrInvalidChannel    = errors.New("channel type must be online or offline")
	ErrInvalidRange      = errors.New("invalid date range")
	ErrForbidden         = errors.New("not a participant of this appointment")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSlotRaceLost is returned to every booking attempt that loses the race
	// for a slot. It matches both ErrConflict and ErrSlotUnavailable.
	ErrSlotRaceLost = fmt.Errorf("%w: %w", ErrConflict, ErrSlotUnavailable)
	ErrSlotExists   = fmt.Errorf("%w: availability record already exists", ErrConflict)
	ErrHasPayments  = fmt.Errorf("%w: appointment has payment records", ErrConflict)
)

// MaxGridDays bounds a single availability projection.
const MaxGridDays = 31

// EventPublisher fans domain events out after commit.
type EventPublisher interface {
	Publish(ctx context.Context, ev redisclient.Event) error
}

type Service struct {
	repo      Repository
	locker    redisclient.Locker
	publisher EventPublisher
	loc       *time.Location
	now       func() time.Time
}

type Option func(*Service)

// WithClock overrides the wall clock used for past-date checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the scheduling core. loc is the single local time
// reference slots are defined in; publisher may be nil.
func NewService(repo Repository, locker redisclient.Locker, publisher EventPublisher, loc *time.Location, opts ...Option) *Service {
	if loc == nil {
		loc = time.Local
	}
	s := &Service{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		loc:       loc,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type BookRequest struct {
	PatientID   int64
	DoctorID    int64
	Date        time.Time
	Slot        calendar.Slot
	ChannelType ChannelType
	Reason      *string
}

// Book turns an open slot into a pending appointment. The slot flip and the
// appointment insert commit together; of any number of concurrent calls for
// the same doctor/date/slot exactly one succeeds and the rest get an error
// matching ErrSlotUnavailable.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if !req.Slot.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, int(req.Slot))
	}
	if !req.ChannelType.Valid() {
		return nil, ErrInvalidChannel
	}
	date := calendar.Date(req.Date)

	var created *Appointment

	book := func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(tx Tx) error {
			rec, err := tx.GetAvailability(lockCtx, req.DoctorID, date, req.Slot)
			if err != nil {
				if errors.Is(err, ErrAvailabilityNotFound) {
					return ErrSlotUnavailable
				}
				return fmt.Errorf("load availability: %w", err)
			}
			if rec.Status != SlotOpen {
				return ErrSlotUnavailable
			}
			if date.Before(s.Today()) {
				return fmt.Errorf("%w: %s is in the past", ErrInvalidSlot, date.Format(calendar.DateLayout))
			}

			booked, err := tx.SwapAvailabilityStatus(lockCtx, req.DoctorID, date, req.Slot, SlotOpen, SlotBooked)
			if err != nil {
				if errors.Is(err, ErrAvailabilityNotFound) {
					return ErrSlotRaceLost
				}
				return fmt.Errorf("book availability: %w", err)
			}

			appt, err := tx.CreateAppointment(lockCtx, &Appointment{
				PatientID:      req.PatientID,
				DoctorID:       req.DoctorID,
				AvailabilityID: &booked.ID,
				Date:           date,
				Slot:           req.Slot,
				ChannelType:    req.ChannelType,
				Reason:         req.Reason,
				Status:         StatusPending,
			})
			if err != nil {
				if errors.Is(err, ErrSlotRaceLost) {
					return err
				}
				return fmt.Errorf("create pending appointment: %w", err)
			}
			created = appt

			return s.logEvent(lockCtx, tx, appt.ID, EventAppointmentCreated, map[string]any{
				"patient_id":   appt.PatientID,
				"doctor_id":    appt.DoctorID,
				"date":         date.Format(calendar.DateLayout),
				"slot":         appt.Slot.String(),
				"channel_type": appt.ChannelType,
			})
		})
	}

	err := s.withSlotLock(ctx, redisclient.SlotKey(req.DoctorID, date, req.Slot.Ordinal()), book)
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotRaceLost
		}
		return nil, err
	}

	log.Info().
		Int64("appointment_id", created.ID).
		Int64("doctor_id", created.DoctorID).
		Str("date", date.Format(calendar.DateLayout)).
		Str("slot", created.Slot.String()).
		Msg("appointment booked")

	s.publish(ctx, EventAppointmentCreated, created, nil)
	return created, nil
}

// withSlotLock runs fn under the slot lock. When the lock backend cannot be
// reached fn runs unguarded: the availability compare-and-swap inside fn still
// admits a single winner.
func (s *Service) withSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	err := s.locker.WithSlotLock(ctx, key, fn)
	if errors.Is(err, redisclient.ErrLockUnavailable) {
		log.Warn().Err(err).Str("lock_key", key).Msg("slot lock unavailable, booking without it")
		return fn(ctx)
	}
	return err
}

// GetAppointment returns the appointment if by is one of its participants or
// an admin.
func (s *Service) GetAppointment(ctx context.Context, id int64, by auth.Principal) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if by.Role != auth.RoleAdmin {
		if _, err := actorFor(by, appt); err != nil {
			return nil, err
		}
	}
	return appt, nil
}

// ListAppointments returns the caller's own appointments, newest first.
// Admins see all.
func (s *Service) ListAppointments(ctx context.Context, by auth.Principal, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	f := ListFilter{Limit: limit, Offset: offset}
	switch by.Role {
	case auth.RolePatient:
		f.PatientID = &by.UserID
	case auth.RoleDoctor:
		f.DoctorID = &by.UserID
	case auth.RoleAdmin:
	default:
		return nil, ErrForbidden
	}

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

// Today is the current civil date in the slot time zone.
func (s *Service) Today() time.Time {
	return calendar.Today(s.now(), s.loc)
}

// logEvent writes the audit row inside tx. A failure aborts the transaction.
func (s *Service) logEvent(ctx context.Context, tx Tx, appointmentID int64, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := tx.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("log %s: %w", eventType, err)
	}
	return nil
}

// publish is best effort; the event log row is the durable record.
func (s *Service) publish(ctx context.Context, eventType string, appt *Appointment, data map[string]any) {
	if s.publisher == nil || appt == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = appt.Status

	ev := redisclient.Event{
		Type:          eventType,
		AppointmentID: appt.ID,
		OccurredAt:    s.now().UTC().Format(time.RFC3339),
		Data:          data,
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Int64("appointment_id", appt.ID).Msg("failed to publish event")
	}
}
