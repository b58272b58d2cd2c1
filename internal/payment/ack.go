package payment

import (
	"errors"

	"github.com/hackgods/clinic-booking/internal/appointment"
)

// Ack is the body returned to the gateway. The gateway always gets HTTP 200;
// the code only tells it whether to stop or retry.
type Ack struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var (
	AckReceived = Ack{Code: "00", Message: "received"}
	AckRejected = Ack{Code: "97", Message: "rejected"}
	AckRetry    = Ack{Code: "99", Message: "retry"}
)

// AckFor maps a Reconcile outcome to the gateway acknowledgement without
// leaking error detail.
func AckFor(err error) Ack {
	switch {
	case err == nil:
		return AckReceived
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrInvalidNotification),
		errors.Is(err, ErrTransactionReused),
		errors.Is(err, appointment.ErrNotFound):
		return AckRejected
	default:
		return AckRetry
	}
}
