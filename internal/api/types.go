package api

import (
	"time"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/calendar"
	"github.com/hackgods/clinic-booking/internal/payment"
)

type BookAppointmentRequest struct {
	ProviderID  int64         `json:"providerId"`
	DoctorID    int64         `json:"doctorId"`
	Date        string        `json:"date"`
	Slot        calendar.Slot `json:"slot"`
	ChannelType string        `json:"channelType"`
	Reason      *string       `json:"reason,omitempty"`
}

type OpenSlotRequest struct {
	Date string        `json:"date"`
	Slot calendar.Slot `json:"slot"`
}

type InitPaymentRequest struct {
	AppointmentID int64 `json:"appointmentId"`
}

// NotificationRequest is the gateway callback body.
type NotificationRequest struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Signature     string `json:"signature"`
}

type AppointmentResponse struct {
	ID          int64     `json:"id"`
	PatientID   int64     `json:"patientId"`
	DoctorID    int64     `json:"doctorId"`
	Date        string    `json:"date"`
	Slot        string    `json:"slot"`
	StartsAt    time.Time `json:"startsAt"`
	EndsAt      time.Time `json:"endsAt"`
	ChannelType string    `json:"channelType"`
	Reason      *string   `json:"reason,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type AvailabilityResponse struct {
	ID       int64  `json:"id,omitempty"`
	DoctorID int64  `json:"doctorId"`
	Date     string `json:"date"`
	Slot     string `json:"slot"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Status   string `json:"status"`
}

type PaymentResponse struct {
	ID                   int64      `json:"id"`
	AppointmentID        int64      `json:"appointmentId"`
	OrderID              string     `json:"orderId"`
	InvoiceNumber        string     `json:"invoiceNumber"`
	Amount               int64      `json:"amount"`
	Status               string     `json:"status"`
	GatewayTransactionID *string    `json:"gatewayTransactionId,omitempty"`
	PaidAt               *time.Time `json:"paidAt,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment, loc *time.Location) AppointmentResponse {
	start, end := a.Slot.On(a.Date, loc)
	return AppointmentResponse{
		ID:          a.ID,
		PatientID:   a.PatientID,
		DoctorID:    a.DoctorID,
		Date:        a.Date.Format(calendar.DateLayout),
		Slot:        a.Slot.String(),
		StartsAt:    start,
		EndsAt:      end,
		ChannelType: string(a.ChannelType),
		Reason:      a.Reason,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func toAvailabilityResponses(recs []appointment.AvailabilityRecord) []AvailabilityResponse {
	out := make([]AvailabilityResponse, 0, len(recs))
	for _, rec := range recs {
		start, end := rec.Slot.RangeOf()
		out = append(out, AvailabilityResponse{
			ID:       rec.ID,
			DoctorID: rec.DoctorID,
			Date:     rec.Date.Format(calendar.DateLayout),
			Slot:     rec.Slot.String(),
			Start:    start.String(),
			End:      end.String(),
			Status:   string(rec.Status),
		})
	}
	return out
}

func toPaymentResponse(p *payment.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                   p.ID,
		AppointmentID:        p.AppointmentID,
		OrderID:              p.OrderID,
		InvoiceNumber:        p.InvoiceNumber,
		Amount:               p.Amount,
		Status:               string(p.Status),
		GatewayTransactionID: p.GatewayTransactionID,
		PaidAt:               p.PaidAt,
	}
}
