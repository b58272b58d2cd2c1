package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/calendar"
)

type AppointmentRepo struct {
	apptTx
}

func (r *AppointmentRepo) InTx(ctx context.Context, fn func(tx appointment.Tx) error) error {
	return r.store.inTx(func() error {
		return fn(&apptTx{store: r.store, locked: true})
	})
}

type apptTx struct {
	store  *Store
	locked bool
}

func (t *apptTx) GetDoctor(ctx context.Context, id int64) (*appointment.Doctor, error) {
	var (
		d  appointment.Doctor
		ok bool
	)
	t.store.do(t.locked, func(st *state) { d, ok = st.doctors[id] })
	if !ok {
		return nil, appointment.ErrDoctorNotFound
	}
	return &d, nil
}

func findAvailability(st *state, doctorID int64, date time.Time, slot calendar.Slot) (appointment.AvailabilityRecord, bool) {
	date = calendar.Date(date)
	for _, rec := range st.availability {
		if rec.DoctorID == doctorID && rec.Slot == slot && rec.Date.Equal(date) {
			return rec, true
		}
	}
	return appointment.AvailabilityRecord{}, false
}

// deleteAvailability mirrors ON DELETE SET NULL on appointments.availability_id.
func deleteAvailability(st *state, id int64) {
	delete(st.availability, id)
	for apptID, a := range st.appointments {
		if a.AvailabilityID != nil && *a.AvailabilityID == id {
			a.AvailabilityID = nil
			st.appointments[apptID] = a
		}
	}
}

func (t *apptTx) GetAvailability(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot) (*appointment.AvailabilityRecord, error) {
	var (
		rec appointment.AvailabilityRecord
		ok  bool
	)
	t.store.do(t.locked, func(st *state) { rec, ok = findAvailability(st, doctorID, date, slot) })
	if !ok {
		return nil, appointment.ErrAvailabilityNotFound
	}
	return &rec, nil
}

func (t *apptTx) ListAvailability(ctx context.Context, doctorID int64, start, end time.Time) ([]appointment.AvailabilityRecord, error) {
	start, end = calendar.Date(start), calendar.Date(end)

	var out []appointment.AvailabilityRecord
	t.store.do(t.locked, func(st *state) {
		for _, rec := range st.availability {
			if rec.DoctorID != doctorID || rec.Date.Before(start) || rec.Date.After(end) {
				continue
			}
			out = append(out, rec)
		}
	})

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Slot < out[j].Slot
	})
	return out, nil
}

func (t *apptTx) InsertAvailability(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot) (*appointment.AvailabilityRecord, error) {
	var (
		rec appointment.AvailabilityRecord
		err error
	)
	t.store.do(t.locked, func(st *state) {
		if _, exists := findAvailability(st, doctorID, date, slot); exists {
			err = appointment.ErrSlotExists
			return
		}
		now := t.store.now()
		rec = appointment.AvailabilityRecord{
			ID:        st.id(),
			DoctorID:  doctorID,
			Date:      calendar.Date(date),
			Slot:      slot,
			Status:    appointment.SlotOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		st.availability[rec.ID] = rec
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *apptTx) SwapAvailabilityStatus(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot, from, to appointment.AvailabilityStatus) (*appointment.AvailabilityRecord, error) {
	var (
		rec appointment.AvailabilityRecord
		ok  bool
	)
	t.store.do(t.locked, func(st *state) {
		rec, ok = findAvailability(st, doctorID, date, slot)
		if !ok || rec.Status != from {
			ok = false
			return
		}
		if to == appointment.SlotEmpty {
			deleteAvailability(st, rec.ID)
			rec.ID = 0
			rec.Status = appointment.SlotEmpty
			return
		}
		rec.Status = to
		rec.UpdatedAt = t.store.now()
		st.availability[rec.ID] = rec
	})
	if !ok {
		return nil, appointment.ErrAvailabilityNotFound
	}
	return &rec, nil
}

func (t *apptTx) SetAvailabilityStatus(ctx context.Context, id int64, status appointment.AvailabilityStatus) error {
	var ok bool
	t.store.do(t.locked, func(st *state) {
		rec, exists := st.availability[id]
		if !exists {
			return
		}
		ok = true
		if status == appointment.SlotEmpty {
			deleteAvailability(st, id)
			return
		}
		rec.Status = status
		rec.UpdatedAt = t.store.now()
		st.availability[id] = rec
	})
	if !ok {
		return appointment.ErrAvailabilityNotFound
	}
	return nil
}

func (t *apptTx) CreateAppointment(ctx context.Context, a *appointment.Appointment) (*appointment.Appointment, error) {
	var (
		created appointment.Appointment
		err     error
	)
	t.store.do(t.locked, func(st *state) {
		if a.AvailabilityID != nil {
			if _, exists := st.availability[*a.AvailabilityID]; !exists {
				err = fmt.Errorf("availability %d does not exist", *a.AvailabilityID)
				return
			}
			for _, other := range st.appointments {
				if other.AvailabilityID != nil && *other.AvailabilityID == *a.AvailabilityID {
					err = appointment.ErrSlotRaceLost
					return
				}
			}
		}
		now := t.store.now()
		created = *a
		created.ID = st.id()
		created.Date = calendar.Date(a.Date)
		created.CreatedAt = now
		created.UpdatedAt = now
		st.appointments[created.ID] = created
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (t *apptTx) GetAppointment(ctx context.Context, id int64) (*appointment.Appointment, error) {
	var (
		a  appointment.Appointment
		ok bool
	)
	t.store.do(t.locked, func(st *state) { a, ok = st.appointments[id] })
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

// LockAppointment is a plain read; transactions are already serialised.
func (t *apptTx) LockAppointment(ctx context.Context, id int64) (*appointment.Appointment, error) {
	return t.GetAppointment(ctx, id)
}

func (t *apptTx) UpdateAppointmentStatus(ctx context.Context, id int64, from, to appointment.AppointmentStatus) (*appointment.Appointment, error) {
	var (
		a  appointment.Appointment
		ok bool
	)
	t.store.do(t.locked, func(st *state) {
		a, ok = st.appointments[id]
		if !ok || a.Status != from {
			ok = false
			return
		}
		a.Status = to
		a.UpdatedAt = t.store.now()
		st.appointments[id] = a
	})
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (t *apptTx) DeleteAppointment(ctx context.Context, id int64) error {
	var err error
	t.store.do(t.locked, func(st *state) {
		if _, ok := st.appointments[id]; !ok {
			err = appointment.ErrAppointmentNotFound
			return
		}
		for _, p := range st.payments {
			if p.AppointmentID == id {
				err = appointment.ErrHasPayments
				return
			}
		}
		delete(st.appointments, id)
	})
	return err
}

func (t *apptTx) ListAppointments(ctx context.Context, f appointment.ListFilter) ([]appointment.Appointment, error) {
	var all []appointment.Appointment
	t.store.do(t.locked, func(st *state) {
		for _, a := range st.appointments {
			if f.PatientID != nil && a.PatientID != *f.PatientID {
				continue
			}
			if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
				continue
			}
			all = append(all, a)
		}
	})

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		if a.Slot != b.Slot {
			return a.Slot > b.Slot
		}
		return a.ID > b.ID
	})

	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all, nil
}

func (t *apptTx) InsertEvent(ctx context.Context, ev appointment.EventLog) error {
	t.store.do(t.locked, func(st *state) {
		ev.ID = st.id()
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = t.store.now()
		}
		st.events = append(st.events, ev)
	})
	return nil
}
