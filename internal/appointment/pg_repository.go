package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-booking/internal/calendar"
	"github.com/hackgods/clinic-booking/internal/db"
)

const (
	availabilityColumns = `id, doctor_id, date, slot, status, created_at, updated_at`
	appointmentColumns  = `id, patient_id, doctor_id, availability_id, date, slot, channel_type, reason, status, created_at, updated_at`
)

type PgRepository struct {
	pgStore
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pgStore: pgStore{q: pool}, pool: pool}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(NewPgTx(tx))
	})
}

// NewPgTx exposes the scheduling queries on an already open transaction so
// other packages can update appointments atomically with their own rows.
func NewPgTx(tx pgx.Tx) Tx {
	return &pgStore{q: tx}
}

type pgStore struct {
	q db.DBTX
}

// Helpers

func scanAvailability(row pgx.Row) (*AvailabilityRecord, error) {
	var rec AvailabilityRecord
	var slot int16

	err := row.Scan(
		&rec.ID,
		&rec.DoctorID,
		&rec.Date,
		&slot,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAvailabilityNotFound
		}
		return nil, err
	}

	rec.Date = calendar.Date(rec.Date)
	rec.Slot = calendar.Slot(slot)
	return &rec, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var slot int16

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.AvailabilityID,
		&a.Date,
		&slot,
		&a.ChannelType,
		&a.Reason,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = calendar.Date(a.Date)
	a.Slot = calendar.Slot(slot)
	return &a, nil
}

// Interface methods

func (s *pgStore) GetDoctor(ctx context.Context, id int64) (*Doctor, error) {
	var d Doctor
	err := s.q.QueryRow(ctx, `
		SELECT u.id, u.name, p.specialty, p.consultation_fee, COALESCE(p.auto_confirm_paid, TRUE)
		FROM users u
		LEFT JOIN doctor_profiles p ON p.user_id = u.id
		WHERE u.id = $1 AND u.role = 'doctor'
	`, id).Scan(&d.ID, &d.Name, &d.Specialty, &d.ConsultationFee, &d.AutoConfirmPaid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *pgStore) GetAvailability(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot) (*AvailabilityRecord, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+availabilityColumns+`
		FROM availability
		WHERE doctor_id = $1 AND date = $2 AND slot = $3
	`, doctorID, date, int16(slot))
	return scanAvailability(row)
}

func (s *pgStore) ListAvailability(ctx context.Context, doctorID int64, start, end time.Time) ([]AvailabilityRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+availabilityColumns+`
		FROM availability
		WHERE doctor_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date, slot
	`, doctorID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AvailabilityRecord
	for rows.Next() {
		rec, err := scanAvailability(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *pgStore) InsertAvailability(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot) (*AvailabilityRecord, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO availability (doctor_id, date, slot, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'open', now(), now())
		RETURNING `+availabilityColumns,
		doctorID, date, int16(slot))

	rec, err := scanAvailability(row)
	if db.IsUniqueViolation(err, "availability_doctor_date_slot_key") {
		return nil, ErrSlotExists
	}
	return rec, err
}

func (s *pgStore) SwapAvailabilityStatus(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot, from, to AvailabilityStatus) (*AvailabilityRecord, error) {
	if to == SlotEmpty {
		row := s.q.QueryRow(ctx, `
			DELETE FROM availability
			WHERE doctor_id = $1 AND date = $2 AND slot = $3 AND status = $4
			RETURNING `+availabilityColumns,
			doctorID, date, int16(slot), from)
		rec, err := scanAvailability(row)
		if err != nil {
			return nil, err
		}
		rec.ID = 0
		rec.Status = SlotEmpty
		return rec, nil
	}

	row := s.q.QueryRow(ctx, `
		UPDATE availability
		SET status = $5,
		    updated_at = now()
		WHERE doctor_id = $1 AND date = $2 AND slot = $3
		  AND status = $4
		RETURNING `+availabilityColumns,
		doctorID, date, int16(slot), from, to)
	return scanAvailability(row)
}

func (s *pgStore) SetAvailabilityStatus(ctx context.Context, id int64, status AvailabilityStatus) error {
	var tag pgconn.CommandTag
	var err error

	if status == SlotEmpty {
		tag, err = s.q.Exec(ctx, `DELETE FROM availability WHERE id = $1`, id)
	} else {
		tag, err = s.q.Exec(ctx, `
			UPDATE availability
			SET status = $2,
			    updated_at = now()
			WHERE id = $1
		`, id, status)
	}
	if err != nil {
		return fmt.Errorf("set availability status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAvailabilityNotFound
	}
	return nil
}

func (s *pgStore) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO appointments (patient_id, doctor_id, availability_id, date, slot, channel_type, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+appointmentColumns,
		a.PatientID, a.DoctorID, a.AvailabilityID, a.Date, int16(a.Slot), a.ChannelType, a.Reason, a.Status)

	created, err := scanAppointment(row)
	if db.IsUniqueViolation(err, "appointments_availability_key") {
		return nil, ErrSlotRaceLost
	}
	return created, err
}

func (s *pgStore) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *pgStore) LockAppointment(ctx context.Context, id int64) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (s *pgStore) UpdateAppointmentStatus(ctx context.Context, id int64, from, to AppointmentStatus) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, to, from)

	return scanAppointment(row)
}

func (s *pgStore) DeleteAppointment(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrHasPayments
		}
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (s *pgStore) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1::bigint IS NULL OR patient_id = $1)
		  AND ($2::bigint IS NULL OR doctor_id = $2)
		ORDER BY date DESC, slot DESC, id DESC
		LIMIT $3 OFFSET $4
	`, f.PatientID, f.DoctorID, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *pgStore) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
