package appointment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/calendar"
	"github.com/hackgods/clinic-booking/internal/memstore"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

const (
	doctorID  int64 = 7
	patientID int64 = 3
)

var (
	june10  = time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	patient = auth.Principal{UserID: patientID, Role: auth.RolePatient}
	doctor  = auth.Principal{UserID: doctorID, Role: auth.RoleDoctor}
	admin   = auth.Principal{UserID: 1, Role: auth.RoleAdmin}
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
}

type fixture struct {
	svc   *appointment.Service
	store *memstore.Store
	next  int
}

func newFixture(t *testing.T, locker redisclient.Locker) *fixture {
	t.Helper()

	store := memstore.New()
	store.AddDoctor(appointment.Doctor{ID: doctorID, Name: "Dr. Tran", AutoConfirmPaid: true})
	store.AddDoctor(appointment.Doctor{ID: 8, Name: "Dr. Le", AutoConfirmPaid: false})

	if locker == nil {
		locker = memstore.NewLocker()
	}
	svc := appointment.NewService(store.Appointments(), locker, nil, time.UTC, appointment.WithClock(fixedNow))
	return &fixture{svc: svc, store: store}
}

func bookReq(date time.Time, slot calendar.Slot) appointment.BookRequest {
	return appointment.BookRequest{
		PatientID:   patientID,
		DoctorID:    doctorID,
		Date:        date,
		Slot:        slot,
		ChannelType: appointment.ChannelOnline,
	}
}

// pending books a fresh slot and returns its PENDING appointment.
func (f *fixture) pending(t *testing.T) *appointment.Appointment {
	t.Helper()

	date := june10.AddDate(0, 0, f.next/calendar.Count())
	slot := calendar.All()[f.next%calendar.Count()]
	f.next++

	ctx := context.Background()
	_, err := f.svc.OpenSlot(ctx, doctorID, date, slot)
	require.NoError(t, err)

	appt, err := f.svc.Book(ctx, bookReq(date, slot))
	require.NoError(t, err)
	return appt
}

// reach drives a new appointment into status through legal transitions.
func (f *fixture) reach(t *testing.T, status appointment.AppointmentStatus) *appointment.Appointment {
	t.Helper()

	paths := map[appointment.AppointmentStatus][]struct {
		by auth.Principal
		to appointment.AppointmentStatus
	}{
		appointment.StatusPending:    nil,
		appointment.StatusConfirmed:  {{doctor, appointment.StatusConfirmed}},
		appointment.StatusInProgress: {{doctor, appointment.StatusConfirmed}, {doctor, appointment.StatusInProgress}},
		appointment.StatusCompleted:  {{doctor, appointment.StatusConfirmed}, {doctor, appointment.StatusInProgress}, {doctor, appointment.StatusCompleted}},
		appointment.StatusDenied:     {{doctor, appointment.StatusDenied}},
		appointment.StatusCancelled:  {{patient, appointment.StatusCancelled}},
	}

	appt := f.pending(t)
	for _, step := range paths[status] {
		var err error
		appt, err = f.svc.Transition(context.Background(), appt.ID, step.by, step.to)
		require.NoError(t, err)
	}
	require.Equal(t, status, appt.Status)
	return appt
}

func TestBookScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.OpenSlot(ctx, doctorID, june10, calendar.Slot2)
	require.NoError(t, err)

	appt, err := f.svc.Book(ctx, bookReq(june10, calendar.Slot2))
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, appt.Status)
	assert.Equal(t, patientID, appt.PatientID)
	assert.Equal(t, calendar.Slot2, appt.Slot)
	require.NotNil(t, appt.AvailabilityID)

	rec, err := f.svc.GetAvailability(ctx, doctorID, june10, calendar.Slot2)
	require.NoError(t, err)
	assert.Equal(t, appointment.SlotBooked, rec.Status)
	assert.Equal(t, *appt.AvailabilityID, rec.ID)

	_, err = f.svc.Book(ctx, bookReq(june10, calendar.Slot2))
	assert.ErrorIs(t, err, appointment.ErrSlotUnavailable)

	events := f.store.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, appointment.EventAppointmentCreated, events[0].EventType)
}

func TestBookRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	t.Run("empty slot", func(t *testing.T) {
		_, err := f.svc.Book(ctx, bookReq(june10, calendar.Slot3))
		assert.ErrorIs(t, err, appointment.ErrSlotUnavailable)
	})

	t.Run("unknown slot", func(t *testing.T) {
		_, err := f.svc.Book(ctx, bookReq(june10, calendar.Slot(9)))
		assert.ErrorIs(t, err, appointment.ErrInvalidSlot)
	})

	t.Run("bad channel", func(t *testing.T) {
		req := bookReq(june10, calendar.Slot1)
		req.ChannelType = "phone"
		_, err := f.svc.Book(ctx, req)
		assert.ErrorIs(t, err, appointment.ErrInvalidChannel)
	})

	t.Run("past date", func(t *testing.T) {
		past := time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)
		_, err := f.store.Appointments().InsertAvailability(ctx, doctorID, past, calendar.Slot1)
		require.NoError(t, err)

		_, err = f.svc.Book(ctx, bookReq(past, calendar.Slot1))
		assert.ErrorIs(t, err, appointment.ErrInvalidSlot)

		rec, err := f.svc.GetAvailability(ctx, doctorID, past, calendar.Slot1)
		require.NoError(t, err)
		assert.Equal(t, appointment.SlotOpen, rec.Status)
	})
}

// downLocker behaves like the Redis locker when the server cannot be reached.
type downLocker struct {
	mu    sync.Mutex
	calls int
}

func (l *downLocker) WithSlotLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return fmt.Errorf("acquire slot lock: %w: %w", redisclient.ErrLockUnavailable, errors.New("dial tcp 127.0.0.1:1: connection refused"))
}

func TestBookWithoutLockBackend(t *testing.T) {
	locker := &downLocker{}
	f := newFixture(t, locker)
	ctx := context.Background()

	_, err := f.svc.OpenSlot(ctx, doctorID, june10, calendar.Slot3)
	require.NoError(t, err)

	appt, err := f.svc.Book(ctx, bookReq(june10, calendar.Slot3))
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, appt.Status)
	assert.Equal(t, 1, locker.calls)

	rec, err := f.svc.GetAvailability(ctx, doctorID, june10, calendar.Slot3)
	require.NoError(t, err)
	assert.Equal(t, appointment.SlotBooked, rec.Status)

	_, err = f.svc.Book(ctx, bookReq(june10, calendar.Slot3))
	assert.ErrorIs(t, err, appointment.ErrSlotUnavailable)
}

func TestConcurrentBookSingleWinner(t *testing.T) {
	lockers := map[string]redisclient.Locker{
		"slot lock":    memstore.NewLocker(),
		"store only":   memstore.PassLocker{},
		"lock backend": &downLocker{},
	}

	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, locker)
			ctx := context.Background()

			rec, err := f.svc.OpenSlot(ctx, doctorID, june10, calendar.Slot2)
			require.NoError(t, err)

			const callers = 32
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners []*appointment.Appointment
				losers  []error
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					req := bookReq(june10, calendar.Slot2)
					req.PatientID = int64(100 + i)

					appt, err := f.svc.Book(ctx, req)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						losers = append(losers, err)
						return
					}
					winners = append(winners, appt)
				}(i)
			}
			wg.Wait()

			require.Len(t, winners, 1)
			require.Len(t, losers, callers-1)
			for _, err := range losers {
				assert.ErrorIs(t, err, appointment.ErrSlotUnavailable)
			}

			got, err := f.svc.GetAvailability(ctx, doctorID, june10, calendar.Slot2)
			require.NoError(t, err)
			assert.Equal(t, appointment.SlotBooked, got.Status)

			all, err := f.svc.ListAppointments(ctx, doctor, 100, 0)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, rec.ID, *all[0].AvailabilityID)
		})
	}
}

func TestWeeklyGrid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.OpenSlot(ctx, doctorID, june10, calendar.Slot1)
	require.NoError(t, err)
	_, err = f.svc.OpenSlot(ctx, doctorID, june10.AddDate(0, 0, 2), calendar.Slot4)
	require.NoError(t, err)
	_, err = f.svc.Book(ctx, bookReq(june10, calendar.Slot1))
	require.NoError(t, err)

	end := june10.AddDate(0, 0, 6)
	grid, err := f.svc.WeeklyGrid(ctx, doctorID, june10, end)
	require.NoError(t, err)
	require.Len(t, grid, 28)

	for i, rec := range grid {
		wantDate := june10.AddDate(0, 0, i/4)
		wantSlot := calendar.All()[i%4]
		assert.True(t, wantDate.Equal(rec.Date), "record %d date", i)
		assert.Equal(t, wantSlot, rec.Slot, "record %d slot", i)
	}

	assert.Equal(t, appointment.SlotBooked, grid[0].Status)
	assert.Equal(t, appointment.SlotOpen, grid[2*4+3].Status)
	assert.Equal(t, appointment.SlotEmpty, grid[1].Status)
	assert.Zero(t, grid[1].ID)

	t.Run("other doctor is all empty", func(t *testing.T) {
		grid, err := f.svc.WeeklyGrid(ctx, 8, june10, end)
		require.NoError(t, err)
		require.Len(t, grid, 28)
		for _, rec := range grid {
			assert.Equal(t, appointment.SlotEmpty, rec.Status)
		}
	})

	t.Run("single day", func(t *testing.T) {
		day, err := f.svc.DaySlots(ctx, doctorID, june10)
		require.NoError(t, err)
		assert.Len(t, day, calendar.Count())
	})

	t.Run("bad ranges", func(t *testing.T) {
		_, err := f.svc.WeeklyGrid(ctx, doctorID, end, june10)
		assert.ErrorIs(t, err, appointment.ErrInvalidRange)

		_, err = f.svc.WeeklyGrid(ctx, doctorID, june10, june10.AddDate(0, 0, appointment.MaxGridDays))
		assert.ErrorIs(t, err, appointment.ErrInvalidRange)

		_, err = f.svc.WeeklyGrid(ctx, doctorID, june10, june10.AddDate(200, 0, 0))
		assert.ErrorIs(t, err, appointment.ErrInvalidRange)
	})
}

func TestOpenAndCloseSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.OpenSlot(ctx, doctorID, june10, calendar.Slot3)
	require.NoError(t, err)
	assert.Equal(t, appointment.SlotOpen, rec.Status)

	_, err = f.svc.OpenSlot(ctx, doctorID, june10, calendar.Slot3)
	assert.ErrorIs(t, err, appointment.ErrConflict)

	_, err = f.svc.OpenSlot(ctx, doctorID, time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC), calendar.Slot3)
	assert.ErrorIs(t, err, appointment.ErrInvalidSlot)

	require.NoError(t, f.svc.CloseSlot(ctx, doctorID, june10, calendar.Slot3))
	got, err := f.svc.GetAvailability(ctx, doctorID, june10, calendar.Slot3)
	require.NoError(t, err)
	assert.Equal(t, appointment.SlotEmpty, got.Status)

	err = f.svc.CloseSlot(ctx, doctorID, june10, calendar.Slot3)
	assert.ErrorIs(t, err, appointment.ErrNotFound)

	appt := f.pending(t)
	err = f.svc.CloseSlot(ctx, doctorID, appt.Date, appt.Slot)
	assert.ErrorIs(t, err, appointment.ErrSlotUnavailable)
}

func TestSetAvailabilityStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.OpenSlot(ctx, doctorID, june10, calendar.Slot1)
	require.NoError(t, err)

	require.NoError(t, f.svc.SetAvailabilityStatus(ctx, rec.ID, appointment.SlotBooked))
	got, err := f.svc.GetAvailability(ctx, doctorID, june10, calendar.Slot1)
	require.NoError(t, err)
	assert.Equal(t, appointment.SlotBooked, got.Status)

	require.NoError(t, f.svc.SetAvailabilityStatus(ctx, rec.ID, appointment.SlotEmpty))
	assert.ErrorIs(t, f.svc.SetAvailabilityStatus(ctx, rec.ID, appointment.SlotOpen), appointment.ErrNotFound)
	assert.Error(t, f.svc.SetAvailabilityStatus(ctx, 999, "archived"))
}

var allStatuses = []appointment.AppointmentStatus{
	appointment.StatusPending,
	appointment.StatusConfirmed,
	appointment.StatusInProgress,
	appointment.StatusCompleted,
	appointment.StatusDenied,
	appointment.StatusCancelled,
}

func TestTransitionTableConformance(t *testing.T) {
	legal := map[string]bool{
		"pending>cancelled/patient":    true,
		"pending>confirmed/doctor":     true,
		"pending>denied/doctor":        true,
		"pending>confirmed/system":     true,
		"confirmed>cancelled/patient":  true,
		"confirmed>in_progress/doctor": true,
		"confirmed>cancelled/doctor":   true,
		"in_progress>completed/doctor": true,
	}

	actors := []appointment.Actor{appointment.ActorPatient, appointment.ActorDoctor, appointment.ActorSystem}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			for _, actor := range actors {
				key := fmt.Sprintf("%s>%s/%s", from, to, actor)
				assert.Equal(t, legal[key], appointment.CanTransition(from, to, actor), key)
			}
		}
	}

	f := newFixture(t, nil)
	ctx := context.Background()
	principals := map[appointment.Actor]auth.Principal{
		appointment.ActorPatient: patient,
		appointment.ActorDoctor:  doctor,
	}

	for _, from := range allStatuses {
		appt := f.reach(t, from)
		for _, to := range allStatuses {
			for actor, by := range principals {
				if legal[fmt.Sprintf("%s>%s/%s", from, to, actor)] {
					continue
				}
				t.Run(fmt.Sprintf("%s to %s by %s", from, to, actor), func(t *testing.T) {
					_, err := f.svc.Transition(ctx, appt.ID, by, to)
					require.ErrorIs(t, err, appointment.ErrInvalidTransition)

					var te *appointment.InvalidTransitionError
					require.True(t, errors.As(err, &te))
					assert.Equal(t, from, te.From)
					assert.Equal(t, to, te.To)

					got, err := f.svc.GetAppointment(ctx, appt.ID, admin)
					require.NoError(t, err)
					assert.Equal(t, from, got.Status)
				})
			}
		}
	}
}

func TestCancelReleasesSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	appt := f.reach(t, appointment.StatusConfirmed)

	cancelled, err := f.svc.Transition(ctx, appt.ID, doctor, appointment.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.AvailabilityID)

	rec, err := f.svc.GetAvailability(ctx, doctorID, appt.Date, appt.Slot)
	require.NoError(t, err)
	assert.Equal(t, appointment.SlotEmpty, rec.Status)

	_, err = f.svc.OpenSlot(ctx, doctorID, appt.Date, appt.Slot)
	require.NoError(t, err)

	req := bookReq(appt.Date, appt.Slot)
	req.PatientID = 4
	rebooked, err := f.svc.Book(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, rebooked.Status)
}

func TestDenyReleasesSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	appt := f.pending(t)
	_, err := f.svc.Transition(ctx, appt.ID, doctor, appointment.StatusDenied)
	require.NoError(t, err)

	rec, err := f.svc.GetAvailability(ctx, doctorID, appt.Date, appt.Slot)
	require.NoError(t, err)
	assert.Equal(t, appointment.SlotEmpty, rec.Status)
}

func TestCompletedRetainsSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	appt := f.reach(t, appointment.StatusCompleted)

	rec, err := f.svc.GetAvailability(ctx, doctorID, appt.Date, appt.Slot)
	require.NoError(t, err)
	assert.Equal(t, appointment.SlotBooked, rec.Status)
}

func TestTransitionAccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	appt := f.pending(t)

	stranger := auth.Principal{UserID: 99, Role: auth.RolePatient}
	_, err := f.svc.Transition(ctx, appt.ID, stranger, appointment.StatusCancelled)
	assert.ErrorIs(t, err, appointment.ErrNotFound)

	otherDoctor := auth.Principal{UserID: 8, Role: auth.RoleDoctor}
	_, err = f.svc.Transition(ctx, appt.ID, otherDoctor, appointment.StatusConfirmed)
	assert.ErrorIs(t, err, appointment.ErrNotFound)

	_, err = f.svc.Transition(ctx, appt.ID, admin, appointment.StatusConfirmed)
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	_, err = f.svc.Transition(ctx, 12345, doctor, appointment.StatusConfirmed)
	assert.ErrorIs(t, err, appointment.ErrNotFound)

	_, err = f.svc.GetAppointment(ctx, appt.ID, stranger)
	assert.ErrorIs(t, err, appointment.ErrNotFound)

	got, err := f.svc.GetAppointment(ctx, appt.ID, doctor)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, got.ID)
}

func TestConfirmPaid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	repo := f.store.Appointments()

	t.Run("auto confirm", func(t *testing.T) {
		appt := f.pending(t)
		var changed bool
		err := repo.InTx(ctx, func(tx appointment.Tx) error {
			var err error
			_, changed, err = f.svc.ConfirmPaid(ctx, tx, appt.ID)
			return err
		})
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := f.svc.GetAppointment(ctx, appt.ID, patient)
		require.NoError(t, err)
		assert.Equal(t, appointment.StatusConfirmed, got.Status)
	})

	t.Run("not pending is a no-op", func(t *testing.T) {
		appt := f.reach(t, appointment.StatusCancelled)
		var changed bool
		err := repo.InTx(ctx, func(tx appointment.Tx) error {
			var err error
			_, changed, err = f.svc.ConfirmPaid(ctx, tx, appt.ID)
			return err
		})
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("doctor confirms manually", func(t *testing.T) {
		date := june10.AddDate(0, 1, 0)
		_, err := f.svc.OpenSlot(ctx, 8, date, calendar.Slot1)
		require.NoError(t, err)
		req := bookReq(date, calendar.Slot1)
		req.DoctorID = 8
		appt, err := f.svc.Book(ctx, req)
		require.NoError(t, err)

		var changed bool
		err = repo.InTx(ctx, func(tx appointment.Tx) error {
			var err error
			_, changed, err = f.svc.ConfirmPaid(ctx, tx, appt.ID)
			return err
		})
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := f.svc.GetAppointment(ctx, appt.ID, patient)
		require.NoError(t, err)
		assert.Equal(t, appointment.StatusPending, got.Status)
	})
}

func TestDeleteAppointment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	appt := f.pending(t)

	assert.ErrorIs(t, f.svc.DeleteAppointment(ctx, appt.ID, doctor), appointment.ErrForbidden)

	require.NoError(t, f.svc.DeleteAppointment(ctx, appt.ID, admin))

	_, err := f.svc.GetAppointment(ctx, appt.ID, admin)
	assert.ErrorIs(t, err, appointment.ErrNotFound)

	rec, err := f.svc.GetAvailability(ctx, doctorID, appt.Date, appt.Slot)
	require.NoError(t, err)
	assert.Equal(t, appointment.SlotEmpty, rec.Status)

	assert.ErrorIs(t, f.svc.DeleteAppointment(ctx, appt.ID, admin), appointment.ErrNotFound)
}

func TestListAppointments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.pending(t)
	second := f.pending(t)

	mine, err := f.svc.ListAppointments(ctx, patient, 0, 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)
	assert.Equal(t, first.ID, mine[1].ID)

	other, err := f.svc.ListAppointments(ctx, auth.Principal{UserID: 99, Role: auth.RolePatient}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, other)

	paged, err := f.svc.ListAppointments(ctx, admin, 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, first.ID, paged[0].ID)
}

func TestActionTarget(t *testing.T) {
	st, ok := appointment.ActionTarget("finish")
	assert.True(t, ok)
	assert.Equal(t, appointment.StatusCompleted, st)

	_, ok = appointment.ActionTarget("reschedule")
	assert.False(t, ok)
}
