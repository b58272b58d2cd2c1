// Package memstore keeps the scheduling and payment tables in memory. It
// serialises transactions and emulates the Postgres constraints the services
// rely on, so service tests run without a database.
//
// Transactions hold one store-wide lock, so the Lock* methods are plain reads
// and row-lock ordering cannot deadlock here the way it can on Postgres. Tests
// that care about lock order record it by wrapping the repositories.
package memstore

import (
	"sync"
	"time"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/payment"
)

type state struct {
	doctors      map[int64]appointment.Doctor
	availability map[int64]appointment.AvailabilityRecord
	appointments map[int64]appointment.Appointment
	payments     map[int64]payment.Payment
	events       []appointment.EventLog
	nextID       int64
}

func (s *state) clone() *state {
	c := &state{
		doctors:      make(map[int64]appointment.Doctor, len(s.doctors)),
		availability: make(map[int64]appointment.AvailabilityRecord, len(s.availability)),
		appointments: make(map[int64]appointment.Appointment, len(s.appointments)),
		payments:     make(map[int64]payment.Payment, len(s.payments)),
		events:       append([]appointment.EventLog(nil), s.events...),
		nextID:       s.nextID,
	}
	for k, v := range s.doctors {
		c.doctors[k] = v
	}
	for k, v := range s.availability {
		c.availability[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is shared by the appointment and payment views.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

func New() *Store {
	return &Store{
		st: &state{
			doctors:      map[int64]appointment.Doctor{},
			availability: map[int64]appointment.AvailabilityRecord{},
			appointments: map[int64]appointment.Appointment{},
			payments:     map[int64]payment.Payment{},
		},
		now: time.Now,
	}
}

// AddDoctor registers a doctor. Doctor ids are chosen by the caller.
func (s *Store) AddDoctor(d appointment.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.doctors[d.ID] = d
}

// Events returns a copy of the event log.
func (s *Store) Events() []appointment.EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appointment.EventLog(nil), s.st.events...)
}

// Appointments returns the appointment.Repository view.
func (s *Store) Appointments() *AppointmentRepo {
	return &AppointmentRepo{apptTx: apptTx{store: s}}
}

// Payments returns the payment.Repository view.
func (s *Store) Payments() *PaymentRepo {
	return &PaymentRepo{payTx: payTx{store: s}}
}

// do runs fn against the live state, taking the lock unless the caller
// already holds it inside a transaction.
func (s *Store) do(locked bool, fn func(st *state)) {
	if !locked {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	fn(s.st)
}

// inTx runs fn under the store lock on a copy of the state, publishing the
// copy only if fn succeeds.
func (s *Store) inTx(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.st
	s.st = saved.clone()
	if err := fn(); err != nil {
		s.st = saved
		return err
	}
	return nil
}

var (
	_ appointment.Repository = (*AppointmentRepo)(nil)
	_ payment.Repository     = (*PaymentRepo)(nil)
)
