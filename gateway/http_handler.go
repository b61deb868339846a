package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/flashsale/engine/domain"
)

type handler struct {
	service ReservationService
	logger  *zap.Logger
}

func NewHandler(service ReservationService, logger *zap.Logger) *handler {
	return &handler{service: service, logger: logger}
}

func (h *handler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/reservations", h.handleSubmitReservation)
	mux.HandleFunc("GET /api/reservations/{reservationID}", h.handleGetReservation)
	mux.HandleFunc("DELETE /api/reservations/{reservationID}", h.handleCancelReservation)
	mux.HandleFunc("POST /api/orders/checkout", h.handleCheckout)
	mux.HandleFunc("GET /api/orders/by-reservation/{reservationID}", h.handleGetOrder)
	mux.HandleFunc("GET /api/products/{skuID}/availability", h.handleAvailability)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type pendingResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

func (h *handler) handleSubmitReservation(w http.ResponseWriter, r *http.Request) {
	var in SubmitInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   string(domain.ReasonInvalidRequest),
			Message: "malformed request body",
		})
		return
	}

	result, err := h.service.Submit(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	switch result.Outcome {
	case OutcomeAccepted:
		writeJSON(w, http.StatusCreated, result.Reservation)
	case OutcomeRejected:
		writeJSON(w, statusForReason(result.Rejection.Reason), errorResponse{
			Error:   string(result.Rejection.Reason),
			Message: result.Rejection.Message,
		})
	case OutcomePending:
		writeJSON(w, http.StatusAccepted, pendingResponse{
			Status:    "PENDING",
			RequestID: result.RequestID,
		})
	}
}

func (h *handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.GetReservation(r.Context(), r.PathValue("reservationID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.CancelReservation(r.Context(), r.PathValue("reservationID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var in CheckoutInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   string(domain.ReasonInvalidRequest),
			Message: "malformed request body",
		})
		return
	}

	order, err := h.service.Checkout(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), r.PathValue("reservationID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	avail, err := h.service.Availability(r.Context(), r.PathValue("skuID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

// writeError maps domain sentinels onto the HTTP surface. Unknown errors
// read as 503: every store or bus hiccup is retryable from the caller's
// side, never a 500 with a stack trace.
func (h *handler) writeError(w http.ResponseWriter, err error) {
	reason := domain.ReasonForError(err)
	if reason == domain.ReasonUnavailable && !errors.Is(err, domain.ErrUnavailable) {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, statusForReason(reason), errorResponse{
		Error:   string(reason),
		Message: err.Error(),
	})
}

// statusForReason is the single mapping from reject reasons to status
// codes, shared by the rejection and error paths.
func statusForReason(reason domain.RejectReason) int {
	switch reason {
	case domain.ReasonInvalidRequest:
		return http.StatusBadRequest
	case domain.ReasonUserAlreadyPurchased:
		return http.StatusForbidden
	case domain.ReasonNotFound:
		return http.StatusNotFound
	case domain.ReasonOutOfStock,
		domain.ReasonDuplicateRequest,
		domain.ReasonUserActiveReservation,
		domain.ReasonInvalidState:
		return http.StatusConflict
	case domain.ReasonReservationExpired:
		return http.StatusGone
	case domain.ReasonUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
