package appointment

import (
	"time"

	"github.com/hackgods/clinic-booking/internal/calendar"
)

type AppointmentStatus string

const (
	StatusPending    AppointmentStatus = "pending"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusDenied     AppointmentStatus = "denied"
	StatusCancelled  AppointmentStatus = "cancelled"
)

// Terminal statuses accept no further transitions.
func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDenied, StatusCancelled:
		return true
	}
	return false
}

// ReleasesSlot reports whether entering s frees the availability record.
// COMPLETED keeps its record for audit.
func (s AppointmentStatus) ReleasesSlot() bool {
	return s == StatusDenied || s == StatusCancelled
}

type AvailabilityStatus string

const (
	// SlotEmpty is never persisted; a missing row means empty.
	SlotEmpty  AvailabilityStatus = "empty"
	SlotOpen   AvailabilityStatus = "open"
	SlotBooked AvailabilityStatus = "booked"
)

type ChannelType string

const (
	ChannelOnline  ChannelType = "online"
	ChannelOffline ChannelType = "offline"
)

func (c ChannelType) Valid() bool {
	return c == ChannelOnline || c == ChannelOffline
}

type Doctor struct {
	ID              int64
	Name            string
	Specialty       *string
	ConsultationFee *int64
	AutoConfirmPaid bool
}

// AvailabilityRecord is one doctor's one slot on one date. ID is zero for
// synthetic empty records produced by the grid projection.
type AvailabilityRecord struct {
	ID        int64
	DoctorID  int64
	Date      time.Time
	Slot      calendar.Slot
	Status    AvailabilityStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID             int64
	PatientID      int64
	DoctorID       int64
	AvailabilityID *int64
	Date           time.Time
	Slot           calendar.Slot
	ChannelType    ChannelType
	Reason         *string
	Status         AppointmentStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *int64
	Payload       []byte
	CreatedAt     time.Time
}

type ListFilter struct {
	PatientID *int64
	DoctorID  *int64
	Limit     int
	Offset    int
}
