package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
	"github.com/pkordes/vehicle-escrow/backend/internal/repo"
	"github.com/pkordes/vehicle-escrow/backend/internal/service"
)

// ---- test doubles ----------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubSnapshots is a hand-written test double for service.SnapshotSource.
type stubSnapshots struct {
	get func(ctx context.Context, vehicleID uuid.UUID) (domain.VehicleSnapshot, error)
}

func (s *stubSnapshots) GetVehicleAttestationSnapshot(ctx context.Context, vehicleID uuid.UUID) (domain.VehicleSnapshot, error) {
	return s.get(ctx, vehicleID)
}

// stubAnchor hands out one reference per idempotency key. The first fail
// calls return an error. When hold is set, each call signals entered and then
// blocks until hold is closed or its context ends.
type stubAnchor struct {
	mu    sync.Mutex
	fail  int
	calls []domain.AnchorRequest
	refs  map[string]string

	hold    chan struct{}
	entered chan struct{}
}

func (a *stubAnchor) AnchorOwnershipTransfer(ctx context.Context, req domain.AnchorRequest) (string, error) {
	if a.hold != nil {
		a.entered <- struct{}{}
		select {
		case <-a.hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	if a.fail > 0 {
		a.fail--
		return "", errors.New("ledger unreachable")
	}
	if ref, ok := a.refs[req.IdempotencyKey]; ok {
		return ref, nil
	}
	ref := fmt.Sprintf("0xtx%d", len(a.refs)+1)
	a.refs[req.IdempotencyKey] = ref
	return ref, nil
}

func (a *stubAnchor) Calls() []domain.AnchorRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AnchorRequest(nil), a.calls...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	err      error
	statuses []domain.Status
}

func (n *recordingNotifier) NotifyStatusChanged(_ context.Context, _ uuid.UUID, status domain.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
	return n.err
}

func (n *recordingNotifier) Statuses() []domain.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Status(nil), n.statuses...)
}

type countingRecorder struct {
	transitions atomic.Int64
	failures    atomic.Int64
}

func (r *countingRecorder) Transition(domain.Status, domain.Status) { r.transitions.Add(1) }
func (r *countingRecorder) Failure(string, error)                   { r.failures.Add(1) }

// compile-time checks: the doubles must satisfy the collaborator interfaces.
var (
	_ service.SnapshotSource = (*stubSnapshots)(nil)
	_ service.Anchor         = (*stubAnchor)(nil)
	_ service.Notifier       = (*recordingNotifier)(nil)
	_ service.Recorder       = (*countingRecorder)(nil)
)

// ---- harness ---------------------------------------------------------------

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc      *service.PurchaseService
	store    *repo.MemoryStore
	clock    *fakeClock
	snaps    *stubSnapshots
	anchor   *stubAnchor
	notifier *recordingNotifier
	recorder *countingRecorder

	buyer, seller, vehicle uuid.UUID
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil, service.Options{})
}

// newHarnessWith builds a service over a MemoryStore. wrap, when set, lets a
// test put a fault-injecting Store in front of the memory store.
func newHarnessWith(t *testing.T, wrap func(repo.Store) repo.Store, opts service.Options) *harness {
	t.Helper()

	h := &harness{
		clock:    &fakeClock{now: t0},
		anchor:   &stubAnchor{refs: map[string]string{}},
		notifier: &recordingNotifier{},
		recorder: &countingRecorder{},
		buyer:    uuid.New(),
		seller:   uuid.New(),
		vehicle:  uuid.New(),
	}
	h.snaps = &stubSnapshots{get: func(_ context.Context, id uuid.UUID) (domain.VehicleSnapshot, error) {
		return healthySnapshot(id, h.clock.Now()), nil
	}}
	h.store = repo.NewMemoryStoreWithClock(h.clock.Now)

	var store repo.Store = h.store
	if wrap != nil {
		store = wrap(store)
	}
	h.svc = service.NewPurchaseService(store, service.Deps{
		Snapshots: h.snaps,
		Anchor:    h.anchor,
		Notifier:  h.notifier,
		Recorder:  h.recorder,
		Clock:     h.clock,
	}, opts)
	return h
}

func healthySnapshot(vehicleID uuid.UUID, now time.Time) domain.VehicleSnapshot {
	seen := now.Add(-time.Hour)
	return domain.VehicleSnapshot{
		VehicleID:             vehicleID,
		TrustScore:            80,
		LastTelemetryAt:       &seen,
		HasLedgerAttestation:  true,
		HasStorageAttestation: true,
	}
}

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (h *harness) create(t *testing.T, price int64) domain.PurchaseRequest {
	t.Helper()
	pr, err := h.svc.CreateRequest(context.Background(), service.CreateInput{
		ListingID:    uuid.New(),
		VehicleID:    h.vehicle,
		BuyerID:      h.buyer,
		SellerID:     h.seller,
		OfferedPrice: money(price),
	})
	require.NoError(t, err)
	return pr
}

func (h *harness) toAccepted(t *testing.T) domain.PurchaseRequest {
	t.Helper()
	pr := h.create(t, 500000)
	pr, err := h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{Action: domain.ActionAccept})
	require.NoError(t, err)
	return pr
}

func (h *harness) toEscrowFunded(t *testing.T) domain.PurchaseRequest {
	t.Helper()
	pr := h.toAccepted(t)
	_, err := h.svc.FundEscrow(context.Background(), pr.ID, h.buyer, money(500000), "F1")
	require.NoError(t, err)
	return h.get(t, pr.ID)
}

func (h *harness) toTransferPending(t *testing.T) domain.PurchaseRequest {
	t.Helper()
	pr := h.toEscrowFunded(t)
	res, err := h.svc.RunVerification(context.Background(), pr.ID, h.buyer)
	require.NoError(t, err)
	require.True(t, res.Passed())
	pr, err = h.svc.InitTransfer(context.Background(), pr.ID, h.seller)
	require.NoError(t, err)
	return pr
}

func (h *harness) get(t *testing.T, id uuid.UUID) domain.PurchaseRequest {
	t.Helper()
	pr, err := h.svc.GetRequest(context.Background(), id, h.buyer)
	require.NoError(t, err)
	return pr
}

// ---- CreateRequest ----------------------------------------------------------

func TestPurchaseService_CreateRequest_Valid(t *testing.T) {
	h := newHarness(t)

	pr, err := h.svc.CreateRequest(context.Background(), service.CreateInput{
		ListingID:    uuid.New(),
		VehicleID:    h.vehicle,
		BuyerID:      h.buyer,
		SellerID:     h.seller,
		OfferedPrice: money(500000),
		Message:      "  Still available?  ",
	})

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, pr.ID)
	assert.Equal(t, domain.StatusPendingSeller, pr.Status)
	require.Len(t, pr.Messages, 1)
	assert.Equal(t, "Still available?", pr.Messages[0].Text)
	assert.Equal(t, []domain.Status{domain.StatusPendingSeller}, h.notifier.Statuses())
}

func TestPurchaseService_CreateRequest_Invalid(t *testing.T) {
	h := newHarness(t)
	base := service.CreateInput{
		ListingID:    uuid.New(),
		VehicleID:    h.vehicle,
		BuyerID:      h.buyer,
		SellerID:     h.seller,
		OfferedPrice: money(500000),
	}

	tests := []struct {
		name   string
		mutate func(in *service.CreateInput)
	}{
		{"zero price", func(in *service.CreateInput) { in.OfferedPrice = decimal.Zero }},
		{"negative price", func(in *service.CreateInput) { in.OfferedPrice = money(-1) }},
		{"sub-cent price", func(in *service.CreateInput) { in.OfferedPrice = decimal.RequireFromString("500000.005") }},
		{"price too large", func(in *service.CreateInput) { in.OfferedPrice = decimal.RequireFromString("1000000000000") }},
		{"buyer is seller", func(in *service.CreateInput) { in.SellerID = in.BuyerID }},
		{"missing vehicle", func(in *service.CreateInput) { in.VehicleID = uuid.Nil }},
		{"missing listing", func(in *service.CreateInput) { in.ListingID = uuid.Nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			_, err := h.svc.CreateRequest(context.Background(), in)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

// ---- Negotiation ------------------------------------------------------------

func TestPurchaseService_RespondToRequest_SellerAccepts(t *testing.T) {
	h := newHarness(t)
	pr := h.create(t, 500000)

	got, err := h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{
		Action:  domain.ActionAccept,
		Message: "Deal.",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, got.Status)
	assert.True(t, got.AgreedPrice().Equal(money(500000)))
	require.Len(t, h.get(t, pr.ID).Messages, 1)
	assert.Equal(t, int64(1), h.recorder.transitions.Load())
}

func TestPurchaseService_RespondToRequest_CounterThenBuyerAccepts(t *testing.T) {
	h := newHarness(t)
	pr := h.create(t, 500000)
	counter := money(520000)

	got, err := h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{
		Action:       domain.ActionCounter,
		CounterPrice: &counter,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCounterOffer, got.Status)

	// Negotiation has a single counter round.
	_, err = h.svc.RespondToRequest(context.Background(), pr.ID, h.buyer, service.RespondInput{
		Action:       domain.ActionCounter,
		CounterPrice: &counter,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// The counter is the buyer's to answer.
	_, err = h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{Action: domain.ActionAccept})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err = h.svc.RespondToRequest(context.Background(), pr.ID, h.buyer, service.RespondInput{Action: domain.ActionAccept})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, got.Status)
	assert.True(t, got.AgreedPrice().Equal(counter))
}

func TestPurchaseService_RespondToRequest_BuyerDeclinesCounter(t *testing.T) {
	h := newHarness(t)
	pr := h.create(t, 500000)
	counter := money(520000)

	_, err := h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{
		Action:       domain.ActionCounter,
		CounterPrice: &counter,
	})
	require.NoError(t, err)

	got, err := h.svc.RespondToRequest(context.Background(), pr.ID, h.buyer, service.RespondInput{Action: domain.ActionReject})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)

	_, err = h.svc.PostMessage(context.Background(), pr.ID, h.buyer, "one more thing")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "terminal requests take no messages")
}

func TestPurchaseService_RespondToRequest_NonSellerForbidden(t *testing.T) {
	h := newHarness(t)
	pr := h.create(t, 500000)

	for _, actor := range []uuid.UUID{h.buyer, uuid.New()} {
		_, err := h.svc.RespondToRequest(context.Background(), pr.ID, actor, service.RespondInput{Action: domain.ActionAccept})
		assert.ErrorIs(t, err, domain.ErrForbidden)
	}

	assert.Equal(t, domain.StatusPendingSeller, h.get(t, pr.ID).Status)
	assert.Equal(t, int64(0), h.recorder.transitions.Load())
}

func TestPurchaseService_RespondToRequest_InvalidInput(t *testing.T) {
	h := newHarness(t)
	pr := h.create(t, 500000)
	zero := decimal.Zero

	_, err := h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{Action: "haggle"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{Action: domain.ActionCounter})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{Action: domain.ActionCounter, CounterPrice: &zero})
	assert.ErrorIs(t, err, domain.ErrValidation)

	subCent := decimal.RequireFromString("520000.001")
	_, err = h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{Action: domain.ActionCounter, CounterPrice: &subCent})
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, domain.StatusPendingSeller, h.get(t, pr.ID).Status)
}

func TestPurchaseService_RespondToRequest_AfterAcceptIsInvalid(t *testing.T) {
	h := newHarness(t)
	pr := h.toAccepted(t)

	_, err := h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{Action: domain.ActionReject})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPurchaseService_RespondToRequest_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.RespondToRequest(context.Background(), uuid.New(), h.seller, service.RespondInput{Action: domain.ActionAccept})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// ---- Messages and reads -----------------------------------------------------

func TestPurchaseService_PostMessage(t *testing.T) {
	h := newHarness(t)
	pr := h.create(t, 500000)

	_, err := h.svc.PostMessage(context.Background(), pr.ID, h.buyer, "Can I see the service records?")
	require.NoError(t, err)
	_, err = h.svc.PostMessage(context.Background(), pr.ID, h.seller, "Sure, attached.")
	require.NoError(t, err)

	_, err = h.svc.PostMessage(context.Background(), pr.ID, uuid.New(), "hi")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.svc.PostMessage(context.Background(), pr.ID, h.buyer, "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	got := h.get(t, pr.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, h.buyer, got.Messages[0].SenderID)
	assert.Equal(t, h.seller, got.Messages[1].SenderID)
}

func TestPurchaseService_GetRequest_StrangerForbidden(t *testing.T) {
	h := newHarness(t)
	pr := h.create(t, 500000)

	_, err := h.svc.GetRequest(context.Background(), pr.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestPurchaseService_ListRequests(t *testing.T) {
	h := newHarness(t)
	h.create(t, 500000)
	h.create(t, 510000)

	h.create(t, 520000)
	firstPage := domain.NewPaginationParams(nil, nil)

	got, total, err := h.svc.ListRequests(context.Background(), h.seller, firstPage)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, int64(3), total)

	page, limit := 2, 2
	got, total, err = h.svc.ListRequests(context.Background(), h.buyer, domain.NewPaginationParams(&page, &limit))
	require.NoError(t, err)
	assert.Len(t, got, 1, "second page holds the remainder")
	assert.Equal(t, int64(3), total)

	none, total, err := h.svc.ListRequests(context.Background(), uuid.New(), firstPage)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
	assert.Zero(t, total)
}

// ---- FundEscrow -------------------------------------------------------------

func TestPurchaseService_FundEscrow_Valid(t *testing.T) {
	h := newHarness(t)
	pr := h.toAccepted(t)

	e, err := h.svc.FundEscrow(context.Background(), pr.ID, h.buyer, money(500000), "F1")

	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, e.Status)
	assert.Equal(t, "F1", e.FundingReference)
	require.NotNil(t, e.FundedAt)

	got := h.get(t, pr.ID)
	assert.Equal(t, domain.StatusEscrowFunded, got.Status)
	require.NotNil(t, got.Escrow)
	assert.Equal(t, e.ID, got.Escrow.ID)
}

func TestPurchaseService_FundEscrow_AmountMismatchAfterCounter(t *testing.T) {
	h := newHarness(t)
	pr := h.create(t, 500000)
	counter := money(520000)
	_, err := h.svc.RespondToRequest(context.Background(), pr.ID, h.seller, service.RespondInput{Action: domain.ActionCounter, CounterPrice: &counter})
	require.NoError(t, err)
	_, err = h.svc.RespondToRequest(context.Background(), pr.ID, h.buyer, service.RespondInput{Action: domain.ActionAccept})
	require.NoError(t, err)

	_, err = h.svc.FundEscrow(context.Background(), pr.ID, h.buyer, money(500000), "F1")
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)
	got := h.get(t, pr.ID)
	assert.Equal(t, domain.StatusAccepted, got.Status)
	assert.Nil(t, got.Escrow)

	e, err := h.svc.FundEscrow(context.Background(), pr.ID, h.buyer, money(520000), "F1")
	require.NoError(t, err)
	assert.True(t, e.Amount.Equal(counter))
}

func TestPurchaseService_FundEscrow_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	pr := h.toAccepted(t)

	first, err := h.svc.FundEscrow(context.Background(), pr.ID, h.buyer, money(500000), "F1")
	require.NoError(t, err)
	before := h.recorder.transitions.Load()

	again, err := h.svc.FundEscrow(context.Background(), pr.ID, h.buyer, money(500000), "F1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, before, h.recorder.transitions.Load(), "replay must not transition")

	_, err = h.svc.FundEscrow(context.Background(), pr.ID, h.buyer, money(500000), "F2")
	assert.ErrorIs(t, err, domain.ErrAlreadyFunded)

	_, err = h.svc.FundEscrow(context.Background(), pr.ID, h.buyer, money(400000), "F1")
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)

	assert.Equal(t, domain.StatusEscrowFunded, h.get(t, pr.ID).Status)
}

func TestPurchaseService_FundEscrow_Rejections(t *testing.T) {
	h := newHarness(t)
	pending := h.create(t, 500000)
	accepted := h.toAccepted(t)

	_, err := h.svc.FundEscrow(context.Background(), pending.ID, h.buyer, money(500000), "F1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.svc.FundEscrow(context.Background(), accepted.ID, h.seller, money(500000), "F1")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.svc.FundEscrow(context.Background(), accepted.ID, h.buyer, money(500000), " ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.FundEscrow(context.Background(), accepted.ID, h.buyer, decimal.Zero, "F1")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.FundEscrow(context.Background(), accepted.ID, h.buyer, decimal.RequireFromString("500000.004"), "F1")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.FundEscrow(context.Background(), accepted.ID, h.buyer, decimal.RequireFromString("1000000000000"), "F1")
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, domain.StatusAccepted, h.get(t, accepted.ID).Status)
}

func TestPurchaseService_FundEscrow_ConcurrentReferencesSingleWinner(t *testing.T) {
	h := newHarness(t)
	pr := h.toAccepted(t)

	const racers = 12
	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		funded atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.FundEscrow(context.Background(), pr.ID, h.buyer, money(500000), fmt.Sprintf("F%d", i))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrAlreadyFunded):
				funded.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(racers-1), funded.Load())
}

// ---- Verification -----------------------------------------------------------

func TestPurchaseService_RunVerification_Passes(t *testing.T) {
	h := newHarness(t)
	pr := h.toEscrowFunded(t)

	res, err := h.svc.RunVerification(context.Background(), pr.ID, h.buyer)

	require.NoError(t, err)
	assert.True(t, res.Passed())
	got := h.get(t, pr.ID)
	assert.Equal(t, domain.StatusVerificationPassed, got.Status)
	require.NotNil(t, got.Verification)
	assert.Equal(t, 1, got.VerificationAttempts)
}

func TestPurchaseService_RunVerification_StaleTelemetryThenRetry(t *testing.T) {
	h := newHarness(t)
	pr := h.toEscrowFunded(t)

	stale := h.clock.Now().Add(-30 * time.Hour)
	h.snaps.get = func(_ context.Context, id uuid.UUID) (domain.VehicleSnapshot, error) {
		snap := healthySnapshot(id, h.clock.Now())
		snap.LastTelemetryAt = &stale
		return snap, nil
	}

	res, err := h.svc.RunVerification(context.Background(), pr.ID, h.buyer)
	require.NoError(t, err)
	assert.False(t, res.Passed())
	assert.Equal(t, []string{"stale telemetry"}, res.FailureReasons)
	assert.Equal(t, domain.StatusVerificationFailed, h.get(t, pr.ID).Status)

	// Transfer cannot start from a failed verification.
	_, err = h.svc.InitTransfer(context.Background(), pr.ID, h.seller)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	h.snaps.get = func(_ context.Context, id uuid.UUID) (domain.VehicleSnapshot, error) {
		return healthySnapshot(id, h.clock.Now()), nil
	}
	res, err = h.svc.RunVerification(context.Background(), pr.ID, h.buyer)
	require.NoError(t, err)
	assert.True(t, res.Passed())
	got := h.get(t, pr.ID)
	assert.Equal(t, domain.StatusVerificationPassed, got.Status)
	assert.Equal(t, 2, got.VerificationAttempts)
}

func TestPurchaseService_RunVerification_AttemptsExhausted(t *testing.T) {
	h := newHarnessWith(t, nil, service.Options{MaxVerificationAttempts: 2})
	pr := h.toEscrowFunded(t)
	h.snaps.get = func(_ context.Context, id uuid.UUID) (domain.VehicleSnapshot, error) {
		snap := healthySnapshot(id, h.clock.Now())
		snap.TrustScore = 10
		return snap, nil
	}

	for i := 0; i < 2; i++ {
		res, err := h.svc.RunVerification(context.Background(), pr.ID, h.buyer)
		require.NoError(t, err)
		assert.Equal(t, []string{"trust score below threshold"}, res.FailureReasons)
	}

	_, err := h.svc.RunVerification(context.Background(), pr.ID, h.buyer)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 2, h.get(t, pr.ID).VerificationAttempts)
}

func TestPurchaseService_RunVerification_SourceUnavailable(t *testing.T) {
	h := newHarness(t)
	pr := h.toEscrowFunded(t)
	h.snaps.get = func(context.Context, uuid.UUID) (domain.VehicleSnapshot, error) {
		return domain.VehicleSnapshot{}, errors.New("connection refused")
	}

	_, err := h.svc.RunVerification(context.Background(), pr.ID, h.buyer)

	assert.ErrorIs(t, err, domain.ErrVerificationUnavailable)
	got := h.get(t, pr.ID)
	assert.Equal(t, domain.StatusEscrowFunded, got.Status)
	assert.Nil(t, got.Verification)
	assert.Equal(t, 0, got.VerificationAttempts)
}

func TestPurchaseService_RunVerification_Timeout(t *testing.T) {
	h := newHarnessWith(t, nil, service.Options{VerifyTimeout: 20 * time.Millisecond})
	pr := h.toEscrowFunded(t)
	h.snaps.get = func(ctx context.Context, _ uuid.UUID) (domain.VehicleSnapshot, error) {
		<-ctx.Done()
		return domain.VehicleSnapshot{}, ctx.Err()
	}

	_, err := h.svc.RunVerification(context.Background(), pr.ID, h.buyer)

	assert.ErrorIs(t, err, domain.ErrVerificationUnavailable)
	assert.Equal(t, domain.StatusEscrowFunded, h.get(t, pr.ID).Status)
}

func TestPurchaseService_RunVerification_Rejections(t *testing.T) {
	h := newHarness(t)
	accepted := h.toAccepted(t)
	funded := h.toEscrowFunded(t)

	_, err := h.svc.RunVerification(context.Background(), accepted.ID, h.buyer)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.svc.RunVerification(context.Background(), funded.ID, h.seller)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

// ---- Transfer ---------------------------------------------------------------

func TestPurchaseService_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The seller is the vehicle's recorded owner.
	_, err := h.store.Repos().History.Append(ctx, domain.OwnershipHistoryEntry{
		VehicleID:   h.vehicle,
		OwnerUserID: h.seller,
		FromDate:    t0.Add(-365 * 24 * time.Hour),
	})
	require.NoError(t, err)

	pr := h.toTransferPending(t)
	assert.Equal(t, domain.StatusTransferPending, pr.Status)

	sale, err := h.svc.ConfirmTransfer(ctx, pr.ID, h.seller)
	require.NoError(t, err)

	assert.Equal(t, pr.ID, sale.PurchaseRequestID)
	assert.True(t, sale.FinalPrice.Equal(money(500000)))
	assert.Equal(t, "0xtx1", sale.LedgerTxReference)
	assert.Equal(t, h.buyer, sale.BuyerID)

	got := h.get(t, pr.ID)
	assert.Equal(t, domain.StatusSold, got.Status)
	require.NotNil(t, got.Escrow)
	assert.Equal(t, domain.EscrowReleased, got.Escrow.Status)

	history, err := h.svc.GetOwnershipHistory(ctx, h.vehicle)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, h.seller, history[0].OwnerUserID)
	require.NotNil(t, history[0].ToDate)
	assert.Equal(t, h.buyer, history[1].OwnerUserID)
	assert.Nil(t, history[1].ToDate)
	assert.Equal(t, "0xtx1", history[1].TxHash)

	calls := h.anchor.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "purchase-transfer:"+pr.ID.String(), calls[0].IdempotencyKey)

	assert.Equal(t, []domain.Status{
		domain.StatusPendingSeller,
		domain.StatusAccepted,
		domain.StatusEscrowFunded,
		domain.StatusVerificationPassed,
		domain.StatusTransferPending,
		domain.StatusSold,
	}, h.notifier.Statuses())
}

func TestPurchaseService_ConfirmTransfer_ReplayOnSold(t *testing.T) {
	h := newHarness(t)
	pr := h.toTransferPending(t)

	first, err := h.svc.ConfirmTransfer(context.Background(), pr.ID, h.seller)
	require.NoError(t, err)

	again, err := h.svc.ConfirmTransfer(context.Background(), pr.ID, h.seller)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, h.anchor.Calls(), 1, "a sold request is never anchored again")
}

func TestPurchaseService_ConfirmTransfer_AnchorFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	pr := h.toTransferPending(t)
	h.anchor.fail = 1

	_, err := h.svc.ConfirmTransfer(context.Background(), pr.ID, h.seller)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	got := h.get(t, pr.ID)
	assert.Equal(t, domain.StatusTransferPending, got.Status)
	assert.Equal(t, domain.EscrowFunded, got.Escrow.Status)
	_, err = h.store.Repos().Sales.GetByPurchaseID(context.Background(), pr.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	sale, err := h.svc.ConfirmTransfer(context.Background(), pr.ID, h.seller)
	require.NoError(t, err)
	assert.Equal(t, "0xtx1", sale.LedgerTxReference)
	assert.Equal(t, domain.StatusSold, h.get(t, pr.ID).Status)
}

// faultyStore makes the first failAppends history appends inside a
// transaction fail, which aborts the transfer after the anchor succeeded.
type faultyStore struct {
	repo.Store
	failAppends atomic.Int32
}

func (f *faultyStore) InTx(ctx context.Context, fn func(ctx context.Context, r repo.Repos) error) error {
	return f.Store.InTx(ctx, func(ctx context.Context, r repo.Repos) error {
		r.History = &faultyHistory{HistoryRepo: r.History, store: f}
		return fn(ctx, r)
	})
}

type faultyHistory struct {
	repo.HistoryRepo
	store *faultyStore
}

func (h *faultyHistory) Append(ctx context.Context, e domain.OwnershipHistoryEntry) (domain.OwnershipHistoryEntry, error) {
	if h.store.failAppends.Add(-1) >= 0 {
		return domain.OwnershipHistoryEntry{}, errors.New("disk full")
	}
	return h.HistoryRepo.Append(ctx, e)
}

func TestPurchaseService_ConfirmTransfer_PartialFailureConverges(t *testing.T) {
	faulty := &faultyStore{}
	h := newHarnessWith(t, func(s repo.Store) repo.Store {
		faulty.Store = s
		return faulty
	}, service.Options{})
	pr := h.toTransferPending(t)
	faulty.failAppends.Store(1)

	_, err := h.svc.ConfirmTransfer(context.Background(), pr.ID, h.seller)
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	// The failed attempt rolled back the sale and the release together.
	got := h.get(t, pr.ID)
	assert.Equal(t, domain.StatusTransferPending, got.Status)
	assert.Equal(t, domain.EscrowFunded, got.Escrow.Status)
	_, err = h.store.Repos().Sales.GetByPurchaseID(context.Background(), pr.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	sale, err := h.svc.ConfirmTransfer(context.Background(), pr.ID, h.seller)
	require.NoError(t, err)

	calls := h.anchor.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)
	assert.Equal(t, "0xtx1", sale.LedgerTxReference, "the ledger answered the retry with the same reference")

	history, err := h.svc.GetOwnershipHistory(context.Background(), h.vehicle)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, h.buyer, history[0].OwnerUserID)
}

func TestPurchaseService_ConfirmTransfer_Concurrent(t *testing.T) {
	h := newHarness(t)
	pr := h.toTransferPending(t)

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sale = map[uuid.UUID]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.svc.ConfirmTransfer(context.Background(), pr.ID, h.seller)
			if assert.NoError(t, err) {
				mu.Lock()
				sale[s.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, sale, 1, "every caller sees the same sale record")
	history, err := h.svc.GetOwnershipHistory(context.Background(), h.vehicle)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPurchaseService_ConfirmTransfer_FirstCallerCancels(t *testing.T) {
	h := newHarness(t)
	pr := h.toTransferPending(t)
	h.anchor.hold = make(chan struct{})
	h.anchor.entered = make(chan struct{}, 1)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.svc.ConfirmTransfer(firstCtx, pr.ID, h.seller)
		firstErr <- err
	}()
	<-h.anchor.entered

	type result struct {
		sale domain.SaleRecord
		err  error
	}
	second := make(chan result, 1)
	go func() {
		s, err := h.svc.ConfirmTransfer(context.Background(), pr.ID, h.seller)
		second <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(h.anchor.hold)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, pr.ID, got.sale.PurchaseRequestID)
	assert.Len(t, h.anchor.Calls(), 1)
	assert.Equal(t, domain.StatusSold, h.get(t, pr.ID).Status)
}

func TestPurchaseService_ConfirmTransfer_Rejections(t *testing.T) {
	h := newHarness(t)
	funded := h.toEscrowFunded(t)
	pending := h.toTransferPending(t)

	_, err := h.svc.ConfirmTransfer(context.Background(), funded.ID, h.seller)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.svc.ConfirmTransfer(context.Background(), pending.ID, h.buyer)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.svc.InitTransfer(context.Background(), pending.ID, h.seller)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, h.anchor.Calls())
}

func TestPurchaseService_NotifierFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("webhook down")

	pr := h.toAccepted(t)

	assert.Equal(t, domain.StatusAccepted, pr.Status)
	assert.Len(t, h.notifier.Statuses(), 2)
}

func TestPurchaseService_ListStalledTransfers(t *testing.T) {
	h := newHarness(t)
	stalled := h.toTransferPending(t)

	h.clock.Advance(2 * time.Hour)
	fresh := h.toTransferPending(t)

	got, err := h.svc.ListStalledTransfers(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stalled.ID, got[0].ID)

	got, err = h.svc.ListStalledTransfers(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, got, 1, "%s was updated at the current instant", fresh.ID)

	_, err = h.svc.ListStalledTransfers(context.Background(), -time.Minute)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPurchaseService_GetOwnershipHistory_UnknownVehicle(t *testing.T) {
	h := newHarness(t)

	got, err := h.svc.GetOwnershipHistory(context.Background(), uuid.New())

	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
