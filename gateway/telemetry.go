package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/flashsale/engine/domain"
)

// TelemetryMiddleware annotates the active span with the service operation
// and its key identifiers.
type TelemetryMiddleware struct {
	next ReservationService
}

func NewTelemetryMiddleware(next ReservationService) ReservationService {
	return &TelemetryMiddleware{next}
}

func (t *TelemetryMiddleware) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Submit: user=%s sku=%s", in.UserID, in.SKUID))

	return t.next.Submit(ctx, in)
}

func (t *TelemetryMiddleware) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("GetReservation: %s", reservationID))

	return t.next.GetReservation(ctx, reservationID)
}

func (t *TelemetryMiddleware) CancelReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("CancelReservation: %s", reservationID))

	return t.next.CancelReservation(ctx, reservationID)
}

func (t *TelemetryMiddleware) Checkout(ctx context.Context, in CheckoutInput) (*domain.Order, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Checkout: reservation=%s", in.ReservationID))

	return t.next.Checkout(ctx, in)
}

func (t *TelemetryMiddleware) GetOrder(ctx context.Context, reservationID string) (*domain.Order, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("GetOrder: reservation=%s", reservationID))

	return t.next.GetOrder(ctx, reservationID)
}

func (t *TelemetryMiddleware) Availability(ctx context.Context, skuID string) (*domain.Availability, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Availability: %s", skuID))

	return t.next.Availability(ctx, skuID)
}
