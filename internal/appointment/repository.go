package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/clinic-booking/internal/calendar"
)

var (
	ErrNotFound = errors.New("not found")

	ErrDoctorNotFound       = fmt.Errorf("doctor %w", ErrNotFound)
	ErrAvailabilityNotFound = fmt.Errorf("availability record %w", ErrNotFound)
	ErrAppointmentNotFound  = fmt.Errorf("appointment %w", ErrNotFound)
)

// Tx contains every DB interaction the scheduling code needs. All methods run
// against the same transaction when obtained through Repository.InTx.
type Tx interface {
	GetDoctor(ctx context.Context, id int64) (*Doctor, error)

	// Availability
	GetAvailability(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot) (*AvailabilityRecord, error)
	ListAvailability(ctx context.Context, doctorID int64, start, end time.Time) ([]AvailabilityRecord, error)
	// InsertAvailability creates an open record; ErrConflict if the key exists.
	InsertAvailability(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot) (*AvailabilityRecord, error)
	// SwapAvailabilityStatus moves the record from one status to another only if
	// it currently has from. Swapping to SlotEmpty deletes the row.
	// ErrAvailabilityNotFound if no row matched.
	SwapAvailabilityStatus(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot, from, to AvailabilityStatus) (*AvailabilityRecord, error)
	// SetAvailabilityStatus writes status unconditionally; SlotEmpty deletes.
	SetAvailabilityStatus(ctx context.Context, id int64, status AvailabilityStatus) error

	// Appointments
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	GetAppointment(ctx context.Context, id int64) (*Appointment, error)
	// LockAppointment reads the appointment and holds a row lock until the
	// transaction ends.
	LockAppointment(ctx context.Context, id int64) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id int64, from, to AppointmentStatus) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id int64) error
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

type Repository interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
