package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-booking/internal/api"
	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/memstore"
	"github.com/hackgods/clinic-booking/internal/payment"
)

const paymentSecret = "ipn-secret"

type okGateway struct{}

func (okGateway) Checkout(ctx context.Context, params map[string]string) payment.CheckoutResult {
	return payment.CheckoutResult{Success: true, CheckoutURL: "https://pay.example.test/c/" + params["orderId"]}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type testServer struct {
	handler  http.Handler
	verifier *auth.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	now := func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) }

	store := memstore.New()
	store.AddDoctor(appointment.Doctor{ID: 7, Name: "Dr. Tran", AutoConfirmPaid: true})

	appts := appointment.NewService(store.Appointments(), memstore.NewLocker(), nil, time.UTC, appointment.WithClock(now))
	pays := payment.NewReconciler(store.Payments(), appts, okGateway{}, config.PaymentConfig{
		Secret:     paymentSecret,
		MerchantID: "CLINIC",
		Currency:   "VND",
		Timeout:    time.Second,
		TTL:        30 * time.Minute,
		DefaultFee: 200000,
	}, payment.WithClock(now))

	verifier := auth.NewVerifier("jwt-secret")
	handler := api.NewRouter(api.RouterConfig{
		Appointments: appts,
		Payments:     pays,
		Verifier:     verifier,
		Location:     time.UTC,
		Postgres:     pinger{},
		Redis:        pinger{},
		Env:          "test",
		Version:      "dev",
	})
	return &testServer{handler: handler, verifier: verifier}
}

func (s *testServer) token(t *testing.T, id int64, role auth.Role) string {
	t.Helper()
	tok, err := s.verifier.Issue(auth.Principal{UserID: id, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAppointmentFlow(t *testing.T) {
	s := newTestServer(t)
	doctor := s.token(t, 7, auth.RoleDoctor)
	patient := s.token(t, 3, auth.RolePatient)

	rec := s.do(t, http.MethodPost, "/doctors/me/availability", doctor, map[string]string{"date": "2025-06-10", "slot": "SLOT_2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	booking := map[string]any{"providerId": 7, "date": "2025-06-10", "slot": "SLOT_2", "channelType": "online"}
	rec = s.do(t, http.MethodPost, "/appointments", patient, booking)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	appt := decode[api.AppointmentResponse](t, rec)
	assert.Equal(t, "pending", appt.Status)
	assert.Equal(t, "SLOT_2", appt.Slot)
	assert.Equal(t, 9, appt.StartsAt.Hour())

	rec = s.do(t, http.MethodPost, "/appointments", patient, booking)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "slot_unavailable", decode[api.ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodGet, "/appointments/7/available-slots?date=2025-06-10", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slots := decode[[]api.AvailabilityResponse](t, rec)
	require.Len(t, slots, 4)
	assert.Equal(t, "empty", slots[0].Status)
	assert.Equal(t, "booked", slots[1].Status)
	assert.Equal(t, "09:45", slots[1].Start)

	base := "/appointments/" + strconv.FormatInt(appt.ID, 10)

	rec = s.do(t, http.MethodPatch, base+"/finish", doctor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_transition", decode[api.ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPatch, base+"/reschedule", doctor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPatch, base+"/confirm", doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmed", decode[api.AppointmentResponse](t, rec).Status)

	rec = s.do(t, http.MethodGet, base, patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, base, s.token(t, 99, auth.RolePatient), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/appointments?limit=5", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.AppointmentResponse](t, rec), 1)

	rec = s.do(t, http.MethodPatch, base+"/cancel", patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/appointments/7/available-slots?date=2025-06-10", patient, nil)
	assert.Equal(t, "empty", decode[[]api.AvailabilityResponse](t, rec)[1].Status)
}

func TestAuthAndRoles(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/appointments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/appointments", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	doctor := s.token(t, 7, auth.RoleDoctor)
	rec = s.do(t, http.MethodPost, "/appointments", doctor, map[string]any{"providerId": 7})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	patient := s.token(t, 3, auth.RolePatient)
	rec = s.do(t, http.MethodPost, "/doctors/me/availability", patient, map[string]string{"date": "2025-06-10", "slot": "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/appointments/1", patient, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBookValidation(t *testing.T) {
	s := newTestServer(t)
	patient := s.token(t, 3, auth.RolePatient)

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing provider", map[string]any{"date": "2025-06-10", "slot": "SLOT_1", "channelType": "online"}, "invalid_provider_id"},
		{"bad date", map[string]any{"providerId": 7, "date": "10/06/2025", "slot": "SLOT_1", "channelType": "online"}, "invalid_date"},
		{"bad channel", map[string]any{"providerId": 7, "date": "2025-06-10", "slot": "SLOT_1", "channelType": "phone"}, "invalid_channel"},
		{"bad slot", map[string]any{"providerId": 7, "date": "2025-06-10", "slot": "SLOT_9", "channelType": "online"}, "invalid_request_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/appointments", patient, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decode[api.ErrorResponse](t, rec).Error)
		})
	}
}

func TestSchedule(t *testing.T) {
	s := newTestServer(t)
	doctor := s.token(t, 7, auth.RoleDoctor)

	rec := s.do(t, http.MethodGet, "/doctors/7/schedule?start=2025-06-10", doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.AvailabilityResponse](t, rec), 28)

	rec = s.do(t, http.MethodGet, "/doctors/7/schedule?start=2025-06-10&days=2", doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.AvailabilityResponse](t, rec), 8)

	rec = s.do(t, http.MethodGet, "/doctors/7/schedule?days=40", doctor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/doctors/me/availability", doctor, map[string]string{"date": "2025-06-11", "slot": "3"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodDelete, "/doctors/me/availability?date=2025-06-11&slot=SLOT_3", doctor, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/doctors/me/availability?date=2025-06-11&slot=SLOT_3", doctor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func signedForm(n payment.Notification) url.Values {
	n.Signature = payment.NewSigner(paymentSecret).Sign(n.Params())
	return url.Values{
		"orderId":       {n.OrderID},
		"status":        {n.Status},
		"transactionId": {n.TransactionID},
		"amount":        {strconv.FormatInt(n.Amount, 10)},
		"signature":     {n.Signature},
	}
}

func TestPaymentFlow(t *testing.T) {
	s := newTestServer(t)
	doctor := s.token(t, 7, auth.RoleDoctor)
	patient := s.token(t, 3, auth.RolePatient)

	rec := s.do(t, http.MethodPost, "/doctors/me/availability", doctor, map[string]string{"date": "2025-06-10", "slot": "SLOT_1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, "/appointments", patient, map[string]any{"providerId": 7, "date": "2025-06-10", "slot": "SLOT_1", "channelType": "offline"})
	require.Equal(t, http.StatusOK, rec.Code)
	appt := decode[api.AppointmentResponse](t, rec)

	rec = s.do(t, http.MethodPost, "/payment/init", patient, map[string]int64{"appointmentId": appt.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	intent := decode[payment.PaymentIntent](t, rec)
	assert.Equal(t, int64(200000), intent.Amount)
	assert.NotEmpty(t, intent.CheckoutURL)

	n := payment.Notification{OrderID: intent.OrderID, Status: payment.NotifySuccess, TransactionID: "GW-77", Amount: 200000}

	t.Run("tampered amount is rejected", func(t *testing.T) {
		form := signedForm(n)
		form.Set("amount", "1")
		req := httptest.NewRequest(http.MethodPost, "/payment/ipn", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		res := httptest.NewRecorder()
		s.handler.ServeHTTP(res, req)

		assert.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, payment.AckRejected, decode[payment.Ack](t, res))
	})

	t.Run("ipn marks paid", func(t *testing.T) {
		n := n
		n.Signature = payment.NewSigner(paymentSecret).Sign(n.Params())
		res := s.do(t, http.MethodPost, "/payment/ipn", "", api.NotificationRequest{
			OrderID:       n.OrderID,
			Status:        n.Status,
			TransactionID: n.TransactionID,
			Amount:        n.Amount,
			Signature:     n.Signature,
		})
		assert.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, payment.AckReceived, decode[payment.Ack](t, res))
	})

	t.Run("return redirect replays idempotently", func(t *testing.T) {
		res := s.do(t, http.MethodGet, "/payment/confirm?"+signedForm(n).Encode(), "", nil)
		assert.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, payment.AckReceived, decode[payment.Ack](t, res))
	})

	rec = s.do(t, http.MethodGet, "/payment/"+strconv.FormatInt(appt.ID, 10), patient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pay := decode[api.PaymentResponse](t, rec)
	assert.Equal(t, "paid", pay.Status)
	require.NotNil(t, pay.GatewayTransactionID)
	assert.Equal(t, "GW-77", *pay.GatewayTransactionID)

	rec = s.do(t, http.MethodGet, "/appointments/"+strconv.FormatInt(appt.ID, 10), patient, nil)
	assert.Equal(t, "confirmed", decode[api.AppointmentResponse](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/payment/init", patient, map[string]int64{"appointmentId": appt.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	t.Run("garbage body is acknowledged", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/payment/ipn", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		res := httptest.NewRecorder()
		s.handler.ServeHTTP(res, req)
		assert.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, payment.AckRejected, decode[payment.Ack](t, res))
	})
}

func TestAdminDelete(t *testing.T) {
	s := newTestServer(t)
	doctor := s.token(t, 7, auth.RoleDoctor)
	patient := s.token(t, 3, auth.RolePatient)
	admin := s.token(t, 1, auth.RoleAdmin)

	s.do(t, http.MethodPost, "/doctors/me/availability", doctor, map[string]string{"date": "2025-06-12", "slot": "SLOT_4"})
	rec := s.do(t, http.MethodPost, "/appointments", patient, map[string]any{"providerId": 7, "date": "2025-06-12", "slot": "SLOT_4", "channelType": "online"})
	require.Equal(t, http.StatusOK, rec.Code)
	appt := decode[api.AppointmentResponse](t, rec)
	path := "/appointments/" + strconv.FormatInt(appt.ID, 10)

	rec = s.do(t, http.MethodDelete, path, admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, path, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	down := errors.New("down")

	tests := []struct {
		name       string
		pg, redis  api.Pinger
		wantCode   int
		wantStatus string
	}{
		{"all up", pinger{}, pinger{}, http.StatusOK, "ok"},
		{"redis down", pinger{}, pinger{err: down}, http.StatusOK, "degraded"},
		{"postgres down", pinger{err: down}, pinger{}, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := api.NewHealthHandler(tt.pg, tt.redis, "test", "dev")
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, decode[api.ReadinessResponse](t, rec).Status)
		})
	}

	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
