package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flashsale/engine/domain"
)

type stubService struct {
	submitResult *SubmitResult
	submitErr    error
	reservation  *domain.Reservation
	resErr       error
	order        *domain.Order
	orderErr     error
	availability *domain.Availability
	availErr     error
}

func (s *stubService) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	return s.submitResult, s.submitErr
}

func (s *stubService) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.reservation, s.resErr
}

func (s *stubService) CancelReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.reservation, s.resErr
}

func (s *stubService) Checkout(ctx context.Context, in CheckoutInput) (*domain.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) Availability(ctx context.Context, skuID string) (*domain.Availability, error) {
	return s.availability, s.availErr
}

func newTestMux(svc ReservationService) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(svc, zap.NewNop()).registerRoutes(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestStatusForReason(t *testing.T) {
	cases := []struct {
		reason domain.RejectReason
		status int
	}{
		{domain.ReasonInvalidRequest, http.StatusBadRequest},
		{domain.ReasonUserAlreadyPurchased, http.StatusForbidden},
		{domain.ReasonNotFound, http.StatusNotFound},
		{domain.ReasonOutOfStock, http.StatusConflict},
		{domain.ReasonDuplicateRequest, http.StatusConflict},
		{domain.ReasonUserActiveReservation, http.StatusConflict},
		{domain.ReasonInvalidState, http.StatusConflict},
		{domain.ReasonReservationExpired, http.StatusGone},
		{domain.ReasonUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.status, statusForReason(tc.reason), string(tc.reason))
	}
}

func TestSubmitReservationCreated(t *testing.T) {
	svc := &stubService{submitResult: &SubmitResult{
		Outcome: OutcomeAccepted,
		Reservation: &domain.Reservation{
			ReservationID: "res-1",
			Status:        domain.StatusReserved,
			ExpiresAt:     time.Now().UTC().Add(2 * time.Minute),
		},
	}}

	rec := doJSON(t, newTestMux(svc), "POST", "/api/reservations",
		`{"user_id":"u1","sku_id":"sku-1"}`)

	require.Equal(t, http.StatusCreated, rec.Code)

	var res domain.Reservation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "res-1", res.ReservationID)
}

func TestSubmitReservationRejected(t *testing.T) {
	svc := &stubService{submitResult: &SubmitResult{
		Outcome:   OutcomeRejected,
		Rejection: domain.Rejection{Reason: domain.ReasonOutOfStock, Message: "sold out"},
	}}

	rec := doJSON(t, newTestMux(svc), "POST", "/api/reservations",
		`{"user_id":"u1","sku_id":"sku-1"}`)

	require.Equal(t, http.StatusConflict, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "OUT_OF_STOCK", body.Error)
	assert.Equal(t, "sold out", body.Message)
}

func TestSubmitReservationPending(t *testing.T) {
	svc := &stubService{submitResult: &SubmitResult{
		Outcome:   OutcomePending,
		RequestID: "req-1",
	}}

	rec := doJSON(t, newTestMux(svc), "POST", "/api/reservations",
		`{"user_id":"u1","sku_id":"sku-1"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var body pendingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PENDING", body.Status)
	assert.Equal(t, "req-1", body.RequestID)
}

func TestSubmitReservationMalformedBody(t *testing.T) {
	rec := doJSON(t, newTestMux(&stubService{}), "POST", "/api/reservations", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetReservationNotFound(t *testing.T) {
	svc := &stubService{resErr: domain.ErrNotFound}
	rec := doJSON(t, newTestMux(svc), "GET", "/api/reservations/res-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutGoneAfterExpiry(t *testing.T) {
	svc := &stubService{orderErr: domain.ErrReservationExpired}
	rec := doJSON(t, newTestMux(svc), "POST", "/api/orders/checkout",
		`{"reservation_id":"res-1"}`)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestCancelConfirmedReservationConflicts(t *testing.T) {
	svc := &stubService{resErr: domain.ErrInvalidState}
	rec := doJSON(t, newTestMux(svc), "DELETE", "/api/reservations/res-1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAvailabilityOK(t *testing.T) {
	svc := &stubService{availability: &domain.Availability{
		SKUID: "sku-1", AvailableCount: 5, TotalCount: 100, Active: true,
	}}

	rec := doJSON(t, newTestMux(svc), "GET", "/api/products/sku-1/availability", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body domain.Availability
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(5), body.AvailableCount)
}

func TestUnknownStoreErrorReadsAsUnavailable(t *testing.T) {
	svc := &stubService{availErr: context.DeadlineExceeded}
	rec := doJSON(t, newTestMux(svc), "GET", "/api/products/sku-1/availability", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
