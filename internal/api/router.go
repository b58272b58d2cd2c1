package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/payment"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Payments     *payment.Reconciler
	Verifier     *auth.Verifier
	Location     *time.Location
	Postgres     Pinger
	Redis        Pinger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	appts, pays := cfg.Appointments, cfg.Payments

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Gateway callbacks are authenticated by signature, not bearer token.
	r.Post("/payment/ipn", notificationHandler(pays))
	r.Get("/payment/confirm", notificationHandler(pays))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Verifier))

		r.Route("/appointments", func(r chi.Router) {
			r.With(auth.RequireRole(auth.RolePatient)).Post("/", bookAppointmentHandler(appts, loc))
			r.Get("/", listAppointmentsHandler(appts, loc))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", getAppointmentHandler(appts, loc))
				r.With(auth.RequireRole(auth.RoleAdmin)).Delete("/", deleteAppointmentHandler(appts))
				r.Get("/available-slots", availableSlotsHandler(appts))
				r.With(auth.RequireRole(auth.RolePatient, auth.RoleDoctor)).Patch("/{action}", transitionHandler(appts, loc))
			})
		})

		r.Route("/doctors", func(r chi.Router) {
			r.With(auth.RequireRole(auth.RoleDoctor)).Post("/me/availability", openSlotHandler(appts))
			r.With(auth.RequireRole(auth.RoleDoctor)).Delete("/me/availability", closeSlotHandler(appts))
			r.Get("/{doctorId}/schedule", scheduleHandler(appts))
		})

		r.With(auth.RequireRole(auth.RolePatient)).Post("/payment/init", initPaymentHandler(pays))
		r.With(auth.RequireRole(auth.RolePatient)).Get("/payment/{appointmentId}", getPaymentHandler(pays))
	})

	return r
}
