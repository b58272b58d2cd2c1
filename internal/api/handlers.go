package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/calendar"
)

const (
	defaultScheduleDays = 7
	defaultPageSize     = 20
)

func bookAppointmentHandler(svc *appointment.Service, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID := req.ProviderID
		if doctorID == 0 {
			doctorID = req.DoctorID
		}
		if doctorID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "providerId is required")
			return
		}

		date, err := calendar.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		p, _ := auth.PrincipalFrom(r.Context())
		appt, err := svc.Book(r.Context(), appointment.BookRequest{
			PatientID:   p.UserID,
			DoctorID:    doctorID,
			Date:        date,
			Slot:        req.Slot,
			ChannelType: appointment.ChannelType(req.ChannelType),
			Reason:      req.Reason,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt, loc))
	}
}

// availableSlotsHandler serves the single-date projection. The {id} segment is
// the doctor here.
func availableSlotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		date, err := calendar.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		recs, err := svc.DaySlots(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAvailabilityResponses(recs))
	}
}

func transitionHandler(svc *appointment.Service, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		action := chi.URLParam(r, "action")
		to, known := appointment.ActionTarget(action)
		if !known {
			writeError(w, http.StatusNotFound, "unknown_action", "action must be one of confirm, deny, start, finish, cancel")
			return
		}

		p, _ := auth.PrincipalFrom(r.Context())
		appt, err := svc.Transition(r.Context(), id, p, to)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt, loc))
	}
}

func getAppointmentHandler(svc *appointment.Service, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		p, _ := auth.PrincipalFrom(r.Context())
		appt, err := svc.GetAppointment(r.Context(), id, p)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt, loc))
	}
}

func listAppointmentsHandler(svc *appointment.Service, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", defaultPageSize)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be an integer")
			return
		}

		p, _ := auth.PrincipalFrom(r.Context())
		appts, err := svc.ListAppointments(r.Context(), p, limit, offset)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i], loc))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func deleteAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		p, _ := auth.PrincipalFrom(r.Context())
		if err := svc.DeleteAppointment(r.Context(), id, p); err != nil {
			handleServiceError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func openSlotHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenSlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		date, err := calendar.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		p, _ := auth.PrincipalFrom(r.Context())
		rec, err := svc.OpenSlot(r.Context(), p.UserID, date, req.Slot)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAvailabilityResponses([]appointment.AvailabilityRecord{*rec})[0])
	}
}

func closeSlotHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		date, err := calendar.ParseDate(q.Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		slot, err := calendar.Parse(q.Get("slot"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
			return
		}

		p, _ := auth.PrincipalFrom(r.Context())
		if err := svc.CloseSlot(r.Context(), p.UserID, date, slot); err != nil {
			handleServiceError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func scheduleHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(w, r, "doctorId")
		if !ok {
			return
		}

		start := svc.Today()
		if raw := r.URL.Query().Get("start"); raw != "" {
			parsed, err := calendar.ParseDate(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "start must be YYYY-MM-DD")
				return
			}
			start = parsed
		}

		days, err := queryInt(r, "days", defaultScheduleDays)
		if err != nil || days < 1 || days > appointment.MaxGridDays {
			writeError(w, http.StatusBadRequest, "invalid_range", "days must be between 1 and 31")
			return
		}

		grid, err := svc.WeeklyGrid(r.Context(), doctorID, start, start.AddDate(0, 0, days-1))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAvailabilityResponses(grid))
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+param, param+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
