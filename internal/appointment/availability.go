package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-booking/internal/calendar"
)

// GetAvailability returns the record for the key. A missing row comes back as
// a synthetic empty record with ID 0.
func (s *Service) GetAvailability(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot) (*AvailabilityRecord, error) {
	date = calendar.Date(date)
	rec, err := s.repo.GetAvailability(ctx, doctorID, date, slot)
	if errors.Is(err, ErrAvailabilityNotFound) {
		return emptyRecord(doctorID, date, slot), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get availability: %w", err)
	}
	return rec, nil
}

// OpenSlot publishes a slot as bookable. Any existing record for the key,
// whatever its status, is a conflict.
func (s *Service) OpenSlot(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot) (*AvailabilityRecord, error) {
	if !slot.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, int(slot))
	}
	date = calendar.Date(date)
	if date.Before(s.Today()) {
		return nil, fmt.Errorf("%w: %s is in the past", ErrInvalidSlot, date.Format(calendar.DateLayout))
	}

	rec, err := s.repo.InsertAvailability(ctx, doctorID, date, slot)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("open slot: %w", err)
	}

	log.Info().
		Int64("doctor_id", doctorID).
		Str("date", date.Format(calendar.DateLayout)).
		Str("slot", slot.String()).
		Msg("slot opened")
	return rec, nil
}

// CloseSlot withdraws an open slot. Booked slots can only be released through
// the appointment lifecycle.
func (s *Service) CloseSlot(ctx context.Context, doctorID int64, date time.Time, slot calendar.Slot) error {
	date = calendar.Date(date)
	_, err := s.repo.SwapAvailabilityStatus(ctx, doctorID, date, slot, SlotOpen, SlotEmpty)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrAvailabilityNotFound) {
		return fmt.Errorf("close slot: %w", err)
	}

	if _, getErr := s.repo.GetAvailability(ctx, doctorID, date, slot); getErr == nil {
		return ErrSlotUnavailable
	}
	return err
}

// SetAvailabilityStatus writes a record's status directly. SlotEmpty removes
// the record.
func (s *Service) SetAvailabilityStatus(ctx context.Context, id int64, status AvailabilityStatus) error {
	switch status {
	case SlotEmpty, SlotOpen, SlotBooked:
	default:
		return fmt.Errorf("unknown availability status %q", status)
	}
	return s.repo.SetAvailabilityStatus(ctx, id, status)
}

// WeeklyGrid projects every (date, slot) in [start, end] for the doctor, in
// date then slot order. Keys without a row are filled with synthetic empty
// records, so the result always has days*slots entries.
func (s *Service) WeeklyGrid(ctx context.Context, doctorID int64, start, end time.Time) ([]AvailabilityRecord, error) {
	if n := calendar.Span(start, end); n < 1 || n > MaxGridDays {
		return nil, fmt.Errorf("%w: %s..%s", ErrInvalidRange, start.Format(calendar.DateLayout), end.Format(calendar.DateLayout))
	}
	days := calendar.Days(start, end)

	persisted, err := s.repo.ListAvailability(ctx, doctorID, days[0], days[len(days)-1])
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}

	type key struct {
		date string
		slot calendar.Slot
	}
	byKey := make(map[key]AvailabilityRecord, len(persisted))
	for _, rec := range persisted {
		byKey[key{rec.Date.Format(calendar.DateLayout), rec.Slot}] = rec
	}

	slots := calendar.All()
	grid := make([]AvailabilityRecord, 0, len(days)*len(slots))
	for _, d := range days {
		for _, sl := range slots {
			if rec, ok := byKey[key{d.Format(calendar.DateLayout), sl}]; ok {
				grid = append(grid, rec)
				continue
			}
			grid = append(grid, *emptyRecord(doctorID, d, sl))
		}
	}
	return grid, nil
}

// DaySlots is the single-date projection behind the available-slots endpoint.
func (s *Service) DaySlots(ctx context.Context, doctorID int64, date time.Time) ([]AvailabilityRecord, error) {
	return s.WeeklyGrid(ctx, doctorID, date, date)
}

func emptyRecord(doctorID int64, date time.Time, slot calendar.Slot) *AvailabilityRecord {
	return &AvailabilityRecord{
		DoctorID: doctorID,
		Date:     date,
		Slot:     slot,
		Status:   SlotEmpty,
	}
}
