package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flashsale/engine/domain"
)

type fakeSweepStore struct {
	overdue   []*domain.Reservation
	raceLost  map[string]bool
	expireErr map[string]error

	expired []string
}

func (f *fakeSweepStore) FindExpired(ctx context.Context, limit int) ([]*domain.Reservation, error) {
	if limit < len(f.overdue) {
		return f.overdue[:limit], nil
	}
	return f.overdue, nil
}

func (f *fakeSweepStore) Expire(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	if err := f.expireErr[reservationID]; err != nil {
		return nil, err
	}
	if f.raceLost[reservationID] {
		return nil, nil
	}
	f.expired = append(f.expired, reservationID)
	for _, r := range f.overdue {
		if r.ReservationID == reservationID {
			expired := *r
			expired.Status = domain.StatusExpired
			now := time.Now().UTC()
			expired.ExpiredAt = &now
			return &expired, nil
		}
	}
	return nil, domain.ErrNotFound
}

func overdueReservation(id, user, sku string) *domain.Reservation {
	return &domain.Reservation{
		ReservationID: id,
		UserID:        user,
		SKUID:         sku,
		Quantity:      1,
		Status:        domain.StatusReserved,
		ExpiresAt:     time.Now().UTC().Add(-time.Minute),
	}
}

func newTestReconciler(st *fakeSweepStore, coord *fakeCoord, ev *fakeEvents) *Reconciler {
	return NewReconciler(st, coord, ev, testMetrics, zap.NewNop(), 10*time.Second, 100)
}

func TestSweepExpiresOverdueReservations(t *testing.T) {
	st := &fakeSweepStore{
		overdue: []*domain.Reservation{
			overdueReservation("r1", "u1", "sku-1"),
			overdueReservation("r2", "u2", "sku-1"),
		},
	}
	coord := newFakeCoord()
	ev := &fakeEvents{}

	newTestReconciler(st, coord, ev).sweep(context.Background())

	assert.Equal(t, []string{"r1", "r2"}, st.expired)

	// Units returned to the cached counter, markers cleared.
	assert.Equal(t, int64(2), coord.incremented["sku-1"])
	assert.ElementsMatch(t, []string{"u1|sku-1", "u2|sku-1"}, coord.cleared)

	require.Len(t, ev.events, 2)
	assert.Equal(t, domain.EventExpired, ev.events[0].Type)
	assert.Equal(t, "r1", ev.events[0].ReservationID)
}

func TestSweepSkipsRaceLosers(t *testing.T) {
	// r1 was confirmed between the scan and the row lock; the sweep must
	// not touch its unit or its markers.
	st := &fakeSweepStore{
		overdue: []*domain.Reservation{
			overdueReservation("r1", "u1", "sku-1"),
			overdueReservation("r2", "u2", "sku-1"),
		},
		raceLost: map[string]bool{"r1": true},
	}
	coord := newFakeCoord()
	ev := &fakeEvents{}

	newTestReconciler(st, coord, ev).sweep(context.Background())

	assert.Equal(t, []string{"r2"}, st.expired)
	assert.Equal(t, int64(1), coord.incremented["sku-1"])
	assert.Equal(t, []string{"u2|sku-1"}, coord.cleared)
	require.Len(t, ev.events, 1)
	assert.Equal(t, "r2", ev.events[0].ReservationID)
}

func TestSweepContinuesPastRowErrors(t *testing.T) {
	st := &fakeSweepStore{
		overdue: []*domain.Reservation{
			overdueReservation("r1", "u1", "sku-1"),
			overdueReservation("r2", "u2", "sku-1"),
		},
		expireErr: map[string]error{"r1": errors.New("deadlock detected")},
	}
	coord := newFakeCoord()

	newTestReconciler(st, coord, &fakeEvents{}).sweep(context.Background())

	// One bad row does not wedge the sweep.
	assert.Equal(t, []string{"r2"}, st.expired)
	assert.Equal(t, int64(1), coord.incremented["sku-1"])
}

func TestSweepRespectsBatchLimit(t *testing.T) {
	st := &fakeSweepStore{}
	for i := 0; i < 150; i++ {
		st.overdue = append(st.overdue, overdueReservation(
			domain.IdempotencyKey("u", "s", string(rune(i))), "u", "sku-1"))
	}
	coord := newFakeCoord()

	newTestReconciler(st, coord, &fakeEvents{}).sweep(context.Background())

	assert.Len(t, st.expired, 100)
}
