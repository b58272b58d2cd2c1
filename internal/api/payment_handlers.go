package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-booking/internal/auth"
	"github.com/hackgods/clinic-booking/internal/payment"
)

func initPaymentHandler(rec *payment.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InitPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.AppointmentID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointmentId is required")
			return
		}

		p, _ := auth.PrincipalFrom(r.Context())
		intent, err := rec.Initiate(r.Context(), req.AppointmentID, p.UserID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, intent)
	}
}

func getPaymentHandler(rec *payment.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "appointmentId")
		if !ok {
			return
		}

		p, _ := auth.PrincipalFrom(r.Context())
		pay, err := rec.GetPayment(r.Context(), id, p.UserID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toPaymentResponse(pay))
	}
}

// notificationHandler serves both the IPN POST and the browser return GET.
// The gateway always gets 200; only the ack code varies.
func notificationHandler(rec *payment.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := decodeNotification(r)
		if err != nil {
			log.Warn().
				Err(err).
				Str("request_id", GetRequestID(r.Context())).
				Msg("unreadable payment notification")
			writeJSON(w, http.StatusOK, payment.AckRejected)
			return
		}

		_, err = rec.Reconcile(r.Context(), n)
		ack := payment.AckFor(err)
		if err != nil && ack == payment.AckRetry {
			log.Error().
				Err(err).
				Str("request_id", GetRequestID(r.Context())).
				Str("order_id", n.OrderID).
				Msg("payment notification not applied")
		}

		writeJSON(w, http.StatusOK, ack)
	}
}

func decodeNotification(r *http.Request) (payment.Notification, error) {
	var body NotificationRequest

	if r.Method == http.MethodGet {
		return fromValues(r.URL.Query())
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return payment.Notification{}, err
		}
		return fromValues(r.PostForm)
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return payment.Notification{}, err
	}
	return payment.Notification{
		OrderID:       body.OrderID,
		Status:        body.Status,
		TransactionID: body.TransactionID,
		Amount:        body.Amount,
		Signature:     body.Signature,
	}, nil
}

func fromValues(v url.Values) (payment.Notification, error) {
	amount, err := strconv.ParseInt(v.Get("amount"), 10, 64)
	if err != nil {
		return payment.Notification{}, errors.New("amount must be an integer")
	}
	return payment.Notification{
		OrderID:       v.Get("orderId"),
		Status:        v.Get("status"),
		TransactionID: v.Get("transactionId"),
		Amount:        amount,
		Signature:     v.Get("signature"),
	}, nil
}
