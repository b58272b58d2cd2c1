package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/clinic-booking/internal/appointment"
)

var ErrPaymentNotFound = fmt.Errorf("payment %w", appointment.ErrNotFound)

// Tx is the payment view of one database transaction. Callers that lock both
// rows lock the appointment first (Appointments().LockAppointment) and the
// payment second.
type Tx interface {
	GetByAppointment(ctx context.Context, appointmentID int64) (*Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*Payment, error)
	// LockByOrderID reads the payment and holds a row lock until the
	// transaction ends.
	LockByOrderID(ctx context.Context, orderID string) (*Payment, error)
	LockByAppointment(ctx context.Context, appointmentID int64) (*Payment, error)
	// UpsertPending creates the appointment's payment, or resets a non-paid one
	// to PENDING with p's invoice number, amount and idempotency key.
	UpsertPending(ctx context.Context, p *Payment) (*Payment, error)
	MarkPaid(ctx context.Context, id int64, transactionID string, paidAt time.Time) (*Payment, error)
	MarkFailed(ctx context.Context, id int64, transactionID *string) (*Payment, error)
	// ExpirePending fails every PENDING payment last updated before cutoff.
	ExpirePending(ctx context.Context, cutoff time.Time) ([]Payment, error)

	// Appointments is the scheduling view of the same transaction.
	Appointments() appointment.Tx
}

type Repository interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
