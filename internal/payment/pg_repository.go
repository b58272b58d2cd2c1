package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/db"
)

const paymentColumns = `id, appointment_id, order_id, invoice_number, amount, status, gateway_transaction_id, idempotency_key, created_at, updated_at, paid_at`

type PgRepository struct {
	pgStore
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{
		pgStore: pgStore{q: pool, appts: appointment.NewPgRepository(pool)},
		pool:    pool,
	}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgStore{q: tx, appts: appointment.NewPgTx(tx)})
	})
}

type pgStore struct {
	q     db.DBTX
	appts appointment.Tx
}

func (s *pgStore) Appointments() appointment.Tx {
	return s.appts
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.OrderID,
		&p.InvoiceNumber,
		&p.Amount,
		&p.Status,
		&p.GatewayTransactionID,
		&p.IdempotencyKey,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *pgStore) GetByAppointment(ctx context.Context, appointmentID int64) (*Payment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
	`, appointmentID)
	return scanPayment(row)
}

func (s *pgStore) GetByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
	`, orderID)
	return scanPayment(row)
}

func (s *pgStore) LockByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		FOR UPDATE
	`, orderID)
	return scanPayment(row)
}

func (s *pgStore) LockByAppointment(ctx context.Context, appointmentID int64) (*Payment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
		FOR UPDATE
	`, appointmentID)
	return scanPayment(row)
}

func (s *pgStore) UpsertPending(ctx context.Context, p *Payment) (*Payment, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO payments (appointment_id, order_id, invoice_number, amount, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, now(), now())
		ON CONFLICT (appointment_id) DO UPDATE
		SET invoice_number = EXCLUDED.invoice_number,
		    amount = EXCLUDED.amount,
		    status = 'pending',
		    idempotency_key = EXCLUDED.idempotency_key,
		    gateway_transaction_id = NULL,
		    updated_at = now()
		WHERE payments.status <> 'paid'
		RETURNING `+paymentColumns,
		p.AppointmentID, p.OrderID, p.InvoiceNumber, p.Amount, p.IdempotencyKey)

	saved, err := scanPayment(row)
	if errors.Is(err, ErrPaymentNotFound) {
		// the conflict row is already paid
		return nil, ErrAlreadyPaid
	}
	return saved, err
}

func (s *pgStore) MarkPaid(ctx context.Context, id int64, transactionID string, paidAt time.Time) (*Payment, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE payments
		SET status = 'paid',
		    gateway_transaction_id = $2,
		    paid_at = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'paid'
		RETURNING `+paymentColumns,
		id, transactionID, paidAt)

	p, err := scanPayment(row)
	if db.IsUniqueViolation(err, "payments_gateway_txn_key") {
		return nil, ErrTransactionReused
	}
	return p, err
}

func (s *pgStore) MarkFailed(ctx context.Context, id int64, transactionID *string) (*Payment, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE payments
		SET status = 'failed',
		    gateway_transaction_id = COALESCE($2, gateway_transaction_id),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING `+paymentColumns,
		id, transactionID)

	p, err := scanPayment(row)
	if db.IsUniqueViolation(err, "payments_gateway_txn_key") {
		return nil, ErrTransactionReused
	}
	return p, err
}

func (s *pgStore) ExpirePending(ctx context.Context, cutoff time.Time) ([]Payment, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE payments
		SET status = 'failed',
		    updated_at = now()
		WHERE status = 'pending'
		  AND updated_at < $1
		RETURNING `+paymentColumns,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire pending payments: %w", err)
	}
	defer rows.Close()

	var expired []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expired, nil
}
