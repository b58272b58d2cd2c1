package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/config"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

const (
	EventPaymentInitiated = "PAYMENT_INITIATED"
	EventPaymentPaid      = "PAYMENT_PAID"
	EventPaymentFailed    = "PAYMENT_FAILED"
	EventPaymentExpired   = "PAYMENT_EXPIRED"
)

var (
	ErrInvalidSignature    = errors.New("invalid notification signature")
	ErrAmountMismatch      = errors.New("notified amount does not match payment")
	ErrAlreadyPaid         = errors.New("appointment is already paid")
	ErrGatewayTimeout      = errors.New("payment gateway timed out")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrInvalidNotification = errors.New("malformed payment notification")
	ErrNotPayable          = errors.New("appointment is not payable in its current status")
	ErrTransactionReused   = errors.New("gateway transaction id already recorded on another payment")
)

// AppointmentConfirmer applies the system transition of a verified payment on
// the caller's transaction.
type AppointmentConfirmer interface {
	ConfirmPaid(ctx context.Context, tx appointment.Tx, id int64) (*appointment.Appointment, bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev redisclient.Event) error
}

type Reconciler struct {
	repo      Repository
	confirmer AppointmentConfirmer
	gateway   CheckoutGateway
	signer    *Signer
	publisher EventPublisher
	cfg       config.PaymentConfig
	now       func() time.Time
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithPublisher(p EventPublisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

func NewReconciler(repo Repository, confirmer AppointmentConfirmer, gateway CheckoutGateway, cfg config.PaymentConfig, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:      repo,
		confirmer: confirmer,
		gateway:   gateway,
		signer:    NewSigner(cfg.Secret),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Signer exposes the notification signer, e.g. for a local gateway stub.
func (r *Reconciler) Signer() *Signer {
	return r.signer
}

// Initiate prepares a PENDING payment for the patient's appointment and asks
// the gateway for a hosted checkout. A gateway failure leaves the payment
// PENDING; calling Initiate again is safe.
func (r *Reconciler) Initiate(ctx context.Context, appointmentID, patientID int64) (*PaymentIntent, error) {
	var pending *Payment

	err := r.repo.InTx(ctx, func(tx Tx) error {
		appt, err := tx.Appointments().LockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appt.PatientID != patientID {
			return appointment.ErrAppointmentNotFound
		}

		existing, err := tx.LockByAppointment(ctx, appointmentID)
		switch {
		case err == nil && existing.Status == StatusPaid:
			return ErrAlreadyPaid
		case err != nil && !errors.Is(err, ErrPaymentNotFound):
			return fmt.Errorf("load payment: %w", err)
		}

		if appt.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrNotPayable, appt.Status)
		}

		amount, err := r.feeFor(ctx, tx, appt.DoctorID)
		if err != nil {
			return err
		}

		pending, err = tx.UpsertPending(ctx, &Payment{
			AppointmentID:  appointmentID,
			OrderID:        OrderIDFor(appointmentID),
			InvoiceNumber:  r.invoiceNumber(appointmentID),
			Amount:         amount,
			IdempotencyKey: uuid.NewString(),
		})
		if err != nil {
			if errors.Is(err, ErrAlreadyPaid) {
				return err
			}
			return fmt.Errorf("save pending payment: %w", err)
		}

		return logEvent(ctx, tx, r.now(), appointmentID, EventPaymentInitiated, map[string]any{
			"invoice_number": pending.InvoiceNumber,
			"amount":         pending.Amount,
		})
	})
	if err != nil {
		return nil, err
	}

	params := r.checkoutParams(pending)
	params[signatureParam] = r.signer.Sign(params)

	gwCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	res := r.gateway.Checkout(gwCtx, params)
	if !res.Success {
		log.Warn().
			Int64("appointment_id", appointmentID).
			Str("error_kind", string(res.ErrorKind)).
			Dur("retry_after", res.RetryAfter).
			Str("message", res.Message).
			Msg("checkout initiation failed")

		if res.ErrorKind == KindTimeout {
			return nil, ErrGatewayTimeout
		}
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, res.ErrorKind)
	}

	log.Info().
		Int64("appointment_id", appointmentID).
		Str("invoice_number", pending.InvoiceNumber).
		Int64("amount", pending.Amount).
		Msg("payment initiated")

	return &PaymentIntent{
		CheckoutURL:   res.CheckoutURL,
		OrderID:       pending.OrderID,
		InvoiceNumber: pending.InvoiceNumber,
		Amount:        pending.Amount,
	}, nil
}

// Reconcile applies a gateway notification exactly once. A PAID payment is
// returned unchanged however often the same notification is replayed.
func (r *Reconciler) Reconcile(ctx context.Context, n Notification) (*Payment, error) {
	if !r.signer.Verify(n.Params(), n.Signature) {
		log.Warn().
			Str("event", "invalid_signature").
			Str("order_id", n.OrderID).
			Msg("rejected payment notification")
		return nil, ErrInvalidSignature
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("%w: missing order id", ErrInvalidNotification)
	}

	var (
		result    *Payment
		eventType string
		apptState appointment.AppointmentStatus
	)

	err := r.repo.InTx(ctx, func(tx Tx) error {
		ref, err := tx.GetByOrderID(ctx, n.OrderID)
		if err != nil {
			return err
		}
		// appointment row before payment row, same as Initiate
		if _, err := tx.Appointments().LockAppointment(ctx, ref.AppointmentID); err != nil {
			return fmt.Errorf("lock appointment: %w", err)
		}
		p, err := tx.LockByOrderID(ctx, n.OrderID)
		if err != nil {
			return err
		}
		if p.Status == StatusPaid {
			result = p
			return nil
		}

		switch n.Status {
		case NotifySuccess:
			if n.Amount != p.Amount {
				log.Error().
					Str("event", "amount_mismatch").
					Str("order_id", n.OrderID).
					Int64("expected", p.Amount).
					Int64("notified", n.Amount).
					Msg("payment amount mismatch")
				return fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, p.Amount, n.Amount)
			}
			if n.TransactionID == "" {
				return fmt.Errorf("%w: missing transaction id", ErrInvalidNotification)
			}

			paid, err := tx.MarkPaid(ctx, p.ID, n.TransactionID, r.now())
			if err != nil {
				return err
			}

			appt, changed, err := r.confirmer.ConfirmPaid(ctx, tx.Appointments(), p.AppointmentID)
			if err != nil {
				return fmt.Errorf("confirm appointment: %w", err)
			}
			apptState = appt.Status

			result, eventType = paid, EventPaymentPaid
			return logEvent(ctx, tx, r.now(), p.AppointmentID, EventPaymentPaid, map[string]any{
				"transaction_id":        n.TransactionID,
				"amount":                n.Amount,
				"appointment_confirmed": changed,
			})

		case NotifyFailed:
			if p.Status == StatusFailed {
				result = p
				return nil
			}
			var txnID *string
			if n.TransactionID != "" {
				txnID = &n.TransactionID
			}
			failed, err := tx.MarkFailed(ctx, p.ID, txnID)
			if err != nil {
				return err
			}
			result, eventType = failed, EventPaymentFailed
			return logEvent(ctx, tx, r.now(), p.AppointmentID, EventPaymentFailed, map[string]any{
				"transaction_id": n.TransactionID,
			})

		default:
			return fmt.Errorf("%w: status %q", ErrInvalidNotification, n.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	if eventType != "" {
		log.Info().
			Str("order_id", result.OrderID).
			Str("status", string(result.Status)).
			Msg("payment reconciled")

		data := map[string]any{"payment_status": result.Status}
		if apptState != "" {
			data["status"] = apptState
		}
		r.publish(ctx, eventType, result.AppointmentID, data)
	}
	return result, nil
}

// GetPayment returns the payment of the patient's appointment.
func (r *Reconciler) GetPayment(ctx context.Context, appointmentID, patientID int64) (*Payment, error) {
	appt, err := r.repo.Appointments().GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.PatientID != patientID {
		return nil, appointment.ErrAppointmentNotFound
	}
	return r.repo.GetByAppointment(ctx, appointmentID)
}

// ExpireStale fails PENDING payments untouched for longer than the payment
// TTL. It returns how many were expired.
func (r *Reconciler) ExpireStale(ctx context.Context) (int, error) {
	var expired []Payment

	err := r.repo.InTx(ctx, func(tx Tx) error {
		var err error
		expired, err = tx.ExpirePending(ctx, r.now().Add(-r.cfg.TTL))
		if err != nil {
			return err
		}
		for _, p := range expired {
			if err := logEvent(ctx, tx, r.now(), p.AppointmentID, EventPaymentExpired, map[string]any{
				"invoice_number": p.InvoiceNumber,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, p := range expired {
		r.publish(ctx, EventPaymentExpired, p.AppointmentID, map[string]any{"payment_status": p.Status})
	}
	return len(expired), nil
}

func (r *Reconciler) feeFor(ctx context.Context, tx Tx, doctorID int64) (int64, error) {
	doctor, err := tx.Appointments().GetDoctor(ctx, doctorID)
	if err != nil {
		return 0, fmt.Errorf("load doctor: %w", err)
	}
	if doctor.ConsultationFee != nil && *doctor.ConsultationFee > 0 {
		return *doctor.ConsultationFee, nil
	}
	return r.cfg.DefaultFee, nil
}

// invoiceNumber is INV-<yyyymmdd>-<appointment>-<random>, unique per attempt.
func (r *Reconciler) invoiceNumber(appointmentID int64) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("INV-%s-%d-%s", r.now().Format("20060102"), appointmentID, suffix)
}

func (r *Reconciler) checkoutParams(p *Payment) map[string]string {
	return map[string]string{
		"merchantId":    r.cfg.MerchantID,
		"orderId":       p.OrderID,
		"amount":        strconv.FormatInt(p.Amount, 10),
		"currency":      r.cfg.Currency,
		"description":   fmt.Sprintf("Consultation appointment #%d", p.AppointmentID),
		"invoiceNumber": p.InvoiceNumber,
		"returnUrl":     r.cfg.ReturnURL,
		"notifyUrl":     r.cfg.NotifyURL,
	}
}

func (r *Reconciler) publish(ctx context.Context, eventType string, appointmentID int64, data map[string]any) {
	if r.publisher == nil {
		return
	}
	ev := redisclient.Event{
		Type:          eventType,
		AppointmentID: appointmentID,
		OccurredAt:    r.now().UTC().Format(time.RFC3339),
		Data:          data,
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Int64("appointment_id", appointmentID).Msg("failed to publish event")
	}
}

func logEvent(ctx context.Context, tx Tx, at time.Time, appointmentID int64, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}
	id := appointmentID
	if err := tx.Appointments().InsertEvent(ctx, appointment.EventLog{
		EventType:     eventType,
		AppointmentID: &id,
		Payload:       data,
		CreatedAt:     at,
	}); err != nil {
		return fmt.Errorf("log %s: %w", eventType, err)
	}
	return nil
}
