package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/calendar"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logger"
)

const (
	doctorCount  = 20
	patientCount = 500
	openDays     = 7
	tokenTTL     = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("seed", "dev")
		log.Fatal().Err(err).Msg("config load error")
	}
	logger.Init("seed", cfg.Env)
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	gofakeit.Seed(time.Now().UnixNano())

	doctors, err := seedDoctors(context.Background(), pool, doctorCount, cfg.Payment.DefaultFee)
	if err != nil {
		log.Fatal().Err(err).Msg("seed doctors")
	}
	patients, err := seedUsers(context.Background(), pool, auth.RolePatient, patientCount)
	if err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}
	admins, err := seedUsers(context.Background(), pool, auth.RoleAdmin, 1)
	if err != nil {
		log.Fatal().Err(err).Msg("seed admin")
	}

	// Opening slots never takes the booking lock.
	svc := appointment.NewService(appointment.NewPgRepository(pool), nil, nil, cfg.SlotLocation)
	opened, err := openAvailability(context.Background(), svc, doctors, openDays)
	if err != nil {
		log.Fatal().Err(err).Msg("open availability")
	}
	log.Info().Int("slots", opened).Msg("availability opened")

	v := auth.NewVerifier(cfg.JWTSecret)
	printToken(v, "doctor", auth.Principal{UserID: doctors[0], Role: auth.RoleDoctor})
	printToken(v, "patient", auth.Principal{UserID: patients[0], Role: auth.RolePatient})
	printToken(v, "admin", auth.Principal{UserID: admins[0], Role: auth.RoleAdmin})

	log.Info().Msg("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int, baseFee int64) ([]int64, error) {
	log.Info().Int("count", count).Msg("seeding doctors")

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO users (role, name, email)
			VALUES ('doctor', $1, $2)
			RETURNING id
		`, "Dr. "+gofakeit.Name(), gofakeit.Email()).Scan(&id)
		if err != nil {
			return nil, err
		}

		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		fee := baseFee + int64(gofakeit.Number(0, 6))*50000
		// roughly one in five doctors reviews paid bookings by hand
		autoConfirm := gofakeit.Number(1, 5) != 1

		_, err = tx.Exec(ctx, `
			INSERT INTO doctor_profiles (user_id, specialty, consultation_fee, auto_confirm_paid)
			VALUES ($1, $2, $3, $4)
		`, id, spec, fee, autoConfirm)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Info().Msg("doctors seeded")
	return ids, nil
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, role auth.Role, count int) ([]int64, error) {
	log.Info().Str("role", string(role)).Int("count", count).Msg("seeding users")

	const batchSize = 250

	ids := make([]int64, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO users (role, name, email)
				VALUES ($1, $2, $3)
				RETURNING id
			`, string(role), gofakeit.Name(), gofakeit.Email()).Scan(&id)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Info().Str("role", string(role)).Msgf("users seeded: %d/%d", end, count)
	}

	return ids, nil
}

// openAvailability opens a random subset of slots for every doctor, starting
// today in the slot time zone.
func openAvailability(ctx context.Context, svc *appointment.Service, doctors []int64, days int) (int, error) {
	start := svc.Today()
	opened := 0
	for _, doctorID := range doctors {
		for _, date := range calendar.Days(start, start.AddDate(0, 0, days-1)) {
			for _, slot := range calendar.All() {
				if gofakeit.Bool() {
					continue
				}
				if _, err := svc.OpenSlot(ctx, doctorID, date, slot); err != nil {
					return opened, fmt.Errorf("doctor %d %s %s: %w", doctorID, date.Format(calendar.DateLayout), slot, err)
				}
				opened++
			}
		}
	}
	return opened, nil
}

func printToken(v *auth.Verifier, label string, p auth.Principal) {
	token, err := v.Issue(p, tokenTTL)
	if err != nil {
		log.Error().Err(err).Str("role", string(p.Role)).Msg("issue token")
		return
	}
	fmt.Fprintf(os.Stdout, "%s (user %d): %s\n", label, p.UserID, token)
}
