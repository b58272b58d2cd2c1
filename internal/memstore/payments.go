package memstore

import (
	"context"
	"time"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/payment"
)

type PaymentRepo struct {
	payTx
}

func (r *PaymentRepo) InTx(ctx context.Context, fn func(tx payment.Tx) error) error {
	return r.store.inTx(func() error {
		return fn(&payTx{store: r.store, locked: true})
	})
}

type payTx struct {
	store  *Store
	locked bool
}

func (t *payTx) Appointments() appointment.Tx {
	return &apptTx{store: t.store, locked: t.locked}
}

func (t *payTx) find(match func(p payment.Payment) bool) (*payment.Payment, error) {
	var (
		found payment.Payment
		ok    bool
	)
	t.store.do(t.locked, func(st *state) {
		for _, p := range st.payments {
			if match(p) {
				found, ok = p, true
				return
			}
		}
	})
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return &found, nil
}

func (t *payTx) GetByAppointment(ctx context.Context, appointmentID int64) (*payment.Payment, error) {
	return t.find(func(p payment.Payment) bool { return p.AppointmentID == appointmentID })
}

func (t *payTx) GetByOrderID(ctx context.Context, orderID string) (*payment.Payment, error) {
	return t.find(func(p payment.Payment) bool { return p.OrderID == orderID })
}

func (t *payTx) LockByOrderID(ctx context.Context, orderID string) (*payment.Payment, error) {
	return t.GetByOrderID(ctx, orderID)
}

func (t *payTx) LockByAppointment(ctx context.Context, appointmentID int64) (*payment.Payment, error) {
	return t.GetByAppointment(ctx, appointmentID)
}

func (t *payTx) UpsertPending(ctx context.Context, in *payment.Payment) (*payment.Payment, error) {
	var (
		saved payment.Payment
		err   error
	)
	t.store.do(t.locked, func(st *state) {
		now := t.store.now()
		for id, p := range st.payments {
			if p.AppointmentID != in.AppointmentID {
				continue
			}
			if p.Status == payment.StatusPaid {
				err = payment.ErrAlreadyPaid
				return
			}
			p.InvoiceNumber = in.InvoiceNumber
			p.Amount = in.Amount
			p.Status = payment.StatusPending
			p.IdempotencyKey = in.IdempotencyKey
			p.GatewayTransactionID = nil
			p.UpdatedAt = now
			st.payments[id] = p
			saved = p
			return
		}

		saved = *in
		saved.ID = st.id()
		saved.Status = payment.StatusPending
		saved.CreatedAt = now
		saved.UpdatedAt = now
		st.payments[saved.ID] = saved
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func txnTaken(st *state, id int64, transactionID string) bool {
	for _, p := range st.payments {
		if p.ID != id && p.GatewayTransactionID != nil && *p.GatewayTransactionID == transactionID {
			return true
		}
	}
	return false
}

func (t *payTx) MarkPaid(ctx context.Context, id int64, transactionID string, paidAt time.Time) (*payment.Payment, error) {
	var (
		p   payment.Payment
		err error
	)
	t.store.do(t.locked, func(st *state) {
		var ok bool
		p, ok = st.payments[id]
		if !ok || p.Status == payment.StatusPaid {
			err = payment.ErrPaymentNotFound
			return
		}
		if txnTaken(st, id, transactionID) {
			err = payment.ErrTransactionReused
			return
		}
		txn := transactionID
		p.Status = payment.StatusPaid
		p.GatewayTransactionID = &txn
		p.PaidAt = &paidAt
		p.UpdatedAt = t.store.now()
		st.payments[id] = p
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *payTx) MarkFailed(ctx context.Context, id int64, transactionID *string) (*payment.Payment, error) {
	var (
		p   payment.Payment
		err error
	)
	t.store.do(t.locked, func(st *state) {
		var ok bool
		p, ok = st.payments[id]
		if !ok || p.Status != payment.StatusPending {
			err = payment.ErrPaymentNotFound
			return
		}
		if transactionID != nil {
			if txnTaken(st, id, *transactionID) {
				err = payment.ErrTransactionReused
				return
			}
			txn := *transactionID
			p.GatewayTransactionID = &txn
		}
		p.Status = payment.StatusFailed
		p.UpdatedAt = t.store.now()
		st.payments[id] = p
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *payTx) ExpirePending(ctx context.Context, cutoff time.Time) ([]payment.Payment, error) {
	var expired []payment.Payment
	t.store.do(t.locked, func(st *state) {
		for id, p := range st.payments {
			if p.Status != payment.StatusPending || !p.UpdatedAt.Before(cutoff) {
				continue
			}
			p.Status = payment.StatusFailed
			p.UpdatedAt = t.store.now()
			st.payments[id] = p
			expired = append(expired, p)
		}
	})
	return expired, nil
}
