package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flashsale/engine/common/bus"
	"github.com/flashsale/engine/common/metrics"
	"github.com/flashsale/engine/domain"
	"github.com/flashsale/engine/store"
)

// Prometheus collectors register globally once per process.
var testMetrics = metrics.NewReservationMetrics("allocator_test")

type fakeStore struct {
	existing  map[string]struct{}
	purchased map[string]bool
	active    map[string]bool

	available  int64
	unknownSKU bool
	allocErr   error
	oversell   int64

	gotCandidates []store.Candidate
	allocCalls    int
}

func (f *fakeStore) ExistingIdempotencyKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, k := range keys {
		if _, ok := f.existing[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeStore) HasUserPurchased(ctx context.Context, userID, skuID string) (bool, error) {
	return f.purchased[userID+"|"+skuID], nil
}

func (f *fakeStore) GetActiveReservation(ctx context.Context, userID, skuID string) (*domain.Reservation, error) {
	if f.active[userID+"|"+skuID] {
		return &domain.Reservation{ReservationID: "held", UserID: userID, SKUID: skuID}, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) AllocateBatch(ctx context.Context, skuID string, candidates []store.Candidate, holdDuration time.Duration) (*store.AllocationResult, error) {
	f.allocCalls++
	f.gotCandidates = append(f.gotCandidates, candidates...)

	if f.allocErr != nil {
		return nil, f.allocErr
	}
	if f.unknownSKU {
		return nil, domain.ErrNotFound
	}

	granted := int64(len(candidates))
	if granted > f.available {
		granted = f.available
	}
	f.available -= granted

	res := &store.AllocationResult{InventoryWrites: 1}
	now := time.Now().UTC()
	for i, c := range candidates {
		if int64(i) < granted {
			res.Allocated = append(res.Allocated, domain.Reservation{
				ReservationID:  "res-" + c.RequestID,
				UserID:         c.UserID,
				SKUID:          c.SKUID,
				Quantity:       1,
				Status:         domain.StatusReserved,
				IdempotencyKey: c.IdempotencyKey,
				CreatedAt:      now,
				ExpiresAt:      now.Add(holdDuration),
			})
		} else {
			res.OutOfStock = append(res.OutOfStock, c)
		}
	}
	return res, nil
}

func (f *fakeStore) OversellDelta(ctx context.Context, skuID string) (int64, error) {
	return f.oversell, nil
}

type fakeCoord struct {
	purchased map[string]bool
	active    map[string]string
	failReads bool

	rejections  map[string]domain.Rejection
	setActive   map[string]string
	cleared     []string
	decremented map[string]int64
	incremented map[string]int64
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{
		purchased:   make(map[string]bool),
		active:      make(map[string]string),
		rejections:  make(map[string]domain.Rejection),
		setActive:   make(map[string]string),
		decremented: make(map[string]int64),
		incremented: make(map[string]int64),
	}
}

func (f *fakeCoord) IsUserPurchased(ctx context.Context, userID, skuID string) (bool, error) {
	if f.failReads {
		return false, errors.New("redis down")
	}
	return f.purchased[userID+"|"+skuID], nil
}

func (f *fakeCoord) GetActiveReservation(ctx context.Context, userID, skuID string) (string, error) {
	if f.failReads {
		return "", errors.New("redis down")
	}
	return f.active[userID+"|"+skuID], nil
}

func (f *fakeCoord) SetActiveReservation(ctx context.Context, userID, skuID, reservationID string) error {
	f.setActive[userID+"|"+skuID] = reservationID
	return nil
}

func (f *fakeCoord) ClearActiveReservation(ctx context.Context, userID, skuID string) error {
	f.cleared = append(f.cleared, userID+"|"+skuID)
	return nil
}

func (f *fakeCoord) DecrStock(ctx context.Context, skuID string, n int64) error {
	f.decremented[skuID] += n
	return nil
}

func (f *fakeCoord) IncrStock(ctx context.Context, skuID string, n int64) error {
	f.incremented[skuID] += n
	return nil
}

func (f *fakeCoord) SetRejection(ctx context.Context, userID, skuID string, rej domain.Rejection) error {
	f.rejections[userID+"|"+skuID] = rej
	return nil
}

type fakeEvents struct {
	events []domain.ReservationEvent
	err    error
}

func (f *fakeEvents) Publish(ctx context.Context, ev domain.ReservationEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func req(user, sku string) bus.Message {
	return bus.Message{Request: domain.ReservationRequest{
		RequestID:      user + "-" + sku,
		UserID:         user,
		SKUID:          sku,
		Quantity:       1,
		IdempotencyKey: domain.IdempotencyKey(user, sku, ""),
	}}
}

func newTestAllocator(st *fakeStore, coord *fakeCoord, ev *fakeEvents) *Allocator {
	return NewAllocator(st, coord, ev, testMetrics, zap.NewNop(), 2*time.Minute)
}

func TestProcessBatchAllocatesInArrivalOrder(t *testing.T) {
	st := &fakeStore{available: 2}
	coord := newFakeCoord()
	ev := &fakeEvents{}
	alloc := newTestAllocator(st, coord, ev)

	batch := []bus.Message{req("u1", "sku-1"), req("u2", "sku-1"), req("u3", "sku-1")}
	require.NoError(t, alloc.ProcessBatch(context.Background(), batch))

	// Candidates reach the store in arrival order.
	require.Len(t, st.gotCandidates, 3)
	assert.Equal(t, "u1", st.gotCandidates[0].UserID)
	assert.Equal(t, "u2", st.gotCandidates[1].UserID)
	assert.Equal(t, "u3", st.gotCandidates[2].UserID)

	// First two win, third is out of stock.
	require.Len(t, ev.events, 2)
	assert.Equal(t, domain.EventCreated, ev.events[0].Type)
	assert.Equal(t, "u1", ev.events[0].UserID)
	assert.Equal(t, "u2", ev.events[1].UserID)

	rej, ok := coord.rejections["u3|sku-1"]
	require.True(t, ok, "loser must get a rejection marker")
	assert.Equal(t, domain.ReasonOutOfStock, rej.Reason)

	// Cached stock decremented by the granted count only.
	assert.Equal(t, int64(2), coord.decremented["sku-1"])

	// Winners get active-reservation markers.
	assert.Equal(t, "res-u1-sku-1", coord.setActive["u1|sku-1"])
	assert.Equal(t, "res-u2-sku-1", coord.setActive["u2|sku-1"])
}

func TestProcessBatchValidationOrder(t *testing.T) {
	st := &fakeStore{
		available: 10,
		existing:  map[string]struct{}{domain.IdempotencyKey("u-old", "sku-1", ""): {}},
		purchased: map[string]bool{"u-bought|sku-1": true},
	}
	coord := newFakeCoord()
	coord.active["u-holding|sku-1"] = "res-earlier"
	ev := &fakeEvents{}
	alloc := newTestAllocator(st, coord, ev)

	multi := req("u-multi", "sku-1")
	multi.Request.Quantity = 3

	batch := []bus.Message{
		multi,
		req("u-old", "sku-1"),     // key already in store
		req("u-bought", "sku-1"),  // purchased (store authoritative)
		req("u-holding", "sku-1"), // active hold (cache hit)
		req("u-dup", "sku-1"),
		req("u-dup", "sku-1"), // same key twice in one batch
		req("u-ok", "sku-1"),
	}
	require.NoError(t, alloc.ProcessBatch(context.Background(), batch))

	// Only the clean requests become candidates; one per duplicate pair.
	require.Len(t, st.gotCandidates, 2)
	assert.Equal(t, "u-dup", st.gotCandidates[0].UserID)
	assert.Equal(t, "u-ok", st.gotCandidates[1].UserID)

	assert.Equal(t, domain.ReasonInvalidRequest, coord.rejections["u-multi|sku-1"].Reason)
	assert.Equal(t, domain.ReasonDuplicateRequest, coord.rejections["u-old|sku-1"].Reason)
	assert.Equal(t, domain.ReasonUserAlreadyPurchased, coord.rejections["u-bought|sku-1"].Reason)
	assert.Equal(t, domain.ReasonUserActiveReservation, coord.rejections["u-holding|sku-1"].Reason)
}

func TestProcessBatchOneHoldPerUserWithinBatch(t *testing.T) {
	st := &fakeStore{available: 10}
	coord := newFakeCoord()
	ev := &fakeEvents{}
	alloc := newTestAllocator(st, coord, ev)

	// Same (user, sku) twice with distinct client-supplied keys. Neither
	// row is committed while the batch validates, so only the in-batch
	// check can stop the second one.
	first := req("u1", "sku-1")
	second := req("u1", "sku-1")
	second.Request.RequestID = "u1-sku-1-retry"
	second.Request.IdempotencyKey = domain.IdempotencyKey("u1", "sku-1", "client-nonce")

	batch := []bus.Message{first, second, req("u2", "sku-1")}
	require.NoError(t, alloc.ProcessBatch(context.Background(), batch))

	// One hold for u1, one for u2; the retry is turned away.
	require.Len(t, st.gotCandidates, 2)
	assert.Equal(t, "u1", st.gotCandidates[0].UserID)
	assert.Equal(t, "u2", st.gotCandidates[1].UserID)

	require.Len(t, ev.events, 2)
	assert.Equal(t, "u1", ev.events[0].UserID)
	assert.Equal(t, "u2", ev.events[1].UserID)

	assert.Equal(t, domain.ReasonUserActiveReservation, coord.rejections["u1|sku-1"].Reason)
}

func TestProcessBatchCacheDownFallsBackToStore(t *testing.T) {
	st := &fakeStore{
		available: 10,
		purchased: map[string]bool{"u1|sku-1": true},
	}
	coord := newFakeCoord()
	coord.failReads = true
	alloc := newTestAllocator(st, coord, &fakeEvents{})

	batch := []bus.Message{req("u1", "sku-1"), req("u2", "sku-1")}
	require.NoError(t, alloc.ProcessBatch(context.Background(), batch))

	// The store still catches the repeat buyer with the cache down.
	assert.Equal(t, domain.ReasonUserAlreadyPurchased, coord.rejections["u1|sku-1"].Reason)
	require.Len(t, st.gotCandidates, 1)
	assert.Equal(t, "u2", st.gotCandidates[0].UserID)
}

func TestProcessBatchUnknownSKU(t *testing.T) {
	st := &fakeStore{unknownSKU: true}
	coord := newFakeCoord()
	alloc := newTestAllocator(st, coord, &fakeEvents{})

	// Unknown SKU is terminal for the request, not for the batch: no error,
	// so the consumer acknowledges instead of redelivering forever.
	batch := []bus.Message{req("u1", "nope")}
	require.NoError(t, alloc.ProcessBatch(context.Background(), batch))

	assert.Equal(t, domain.ReasonInvalidRequest, coord.rejections["u1|nope"].Reason)
}

func TestProcessBatchStoreFailurePropagates(t *testing.T) {
	st := &fakeStore{allocErr: errors.New("connection refused")}
	alloc := newTestAllocator(st, newFakeCoord(), &fakeEvents{})

	err := alloc.ProcessBatch(context.Background(), []bus.Message{req("u1", "sku-1")})
	require.Error(t, err)
}

func TestProcessBatchSkipsMalformedPayloads(t *testing.T) {
	st := &fakeStore{available: 10}
	coord := newFakeCoord()
	ev := &fakeEvents{}
	alloc := newTestAllocator(st, coord, ev)

	batch := []bus.Message{
		{ParseErr: fmt.Errorf("invalid character 'x'")},
		req("u1", "sku-1"),
	}
	require.NoError(t, alloc.ProcessBatch(context.Background(), batch))

	require.Len(t, st.gotCandidates, 1)
	assert.Equal(t, "u1", st.gotCandidates[0].UserID)
	require.Len(t, ev.events, 1)
}

func TestProcessBatchGroupsPerSKU(t *testing.T) {
	st := &fakeStore{available: 10}
	coord := newFakeCoord()
	alloc := newTestAllocator(st, coord, &fakeEvents{})

	batch := []bus.Message{
		req("u1", "sku-a"),
		req("u2", "sku-b"),
		req("u3", "sku-a"),
	}
	require.NoError(t, alloc.ProcessBatch(context.Background(), batch))

	// One store transaction per SKU, arrival order kept within each group.
	assert.Equal(t, 2, st.allocCalls)
	require.Len(t, st.gotCandidates, 3)
	assert.Equal(t, "sku-a", st.gotCandidates[0].SKUID)
	assert.Equal(t, "u1", st.gotCandidates[0].UserID)
	assert.Equal(t, "u3", st.gotCandidates[1].UserID)
	assert.Equal(t, "sku-b", st.gotCandidates[2].SKUID)
}

func TestProcessBatchEventFailureIsBestEffort(t *testing.T) {
	st := &fakeStore{available: 10}
	coord := newFakeCoord()
	ev := &fakeEvents{err: errors.New("broker down")}
	alloc := newTestAllocator(st, coord, ev)

	// The allocation stands even when the event stream is unavailable.
	require.NoError(t, alloc.ProcessBatch(context.Background(), []bus.Message{req("u1", "sku-1")}))
	assert.Equal(t, "res-u1-sku-1", coord.setActive["u1|sku-1"])
}
