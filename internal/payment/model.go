package payment

import (
	"strconv"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Payment is the single payment row of an appointment. Re-initiating a
// failed or pending payment reuses the row with a fresh invoice number.
type Payment struct {
	ID                   int64
	AppointmentID        int64
	OrderID              string
	InvoiceNumber        string
	Amount               int64
	Status               Status
	GatewayTransactionID *string
	IdempotencyKey       string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	PaidAt               *time.Time
}

// PaymentIntent is what the patient needs to complete checkout.
type PaymentIntent struct {
	CheckoutURL   string `json:"checkoutUrl"`
	OrderID       string `json:"orderId"`
	InvoiceNumber string `json:"invoiceNumber"`
	Amount        int64  `json:"amount"`
}

const (
	NotifySuccess = "success"
	NotifyFailed  = "failed"
)

// Notification is an inbound gateway callback, delivered either by IPN POST or
// by the browser return redirect.
type Notification struct {
	OrderID       string
	Status        string
	TransactionID string
	Amount        int64
	Signature     string
}

// Params is the signed field set, without the signature itself.
func (n Notification) Params() map[string]string {
	return map[string]string{
		"orderId":       n.OrderID,
		"status":        n.Status,
		"transactionId": n.TransactionID,
		"amount":        strconv.FormatInt(n.Amount, 10),
	}
}

// OrderIDFor is the gateway order id of an appointment.
func OrderIDFor(appointmentID int64) string {
	return strconv.FormatInt(appointmentID, 10)
}
