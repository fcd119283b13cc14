package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
	"github.com/pkordes/vehicle-escrow/backend/internal/repo"
)

// The contract tests below run against every Store implementation so the
// MemoryStore used by service tests cannot drift from Postgres behaviour.

func purchaseFixture() domain.PurchaseRequest {
	return domain.PurchaseRequest{
		ListingID:    uuid.New(),
		VehicleID:    uuid.New(),
		BuyerID:      uuid.New(),
		SellerID:     uuid.New(),
		OfferedPrice: decimal.NewFromInt(500000),
		Status:       domain.StatusPendingSeller,
	}
}

func runRepoContract(t *testing.T, newRepos func(t *testing.T) repo.Repos) {
	t.Run("PurchaseCreateAndGet", func(t *testing.T) { testPurchaseCreateAndGet(t, newRepos(t)) })
	t.Run("PurchaseGetNotFound", func(t *testing.T) { testPurchaseGetNotFound(t, newRepos(t)) })
	t.Run("PurchaseCompareAndSwap", func(t *testing.T) { testPurchaseCompareAndSwap(t, newRepos(t)) })
	t.Run("PurchaseMessagesKeepOrder", func(t *testing.T) { testPurchaseMessagesKeepOrder(t, newRepos(t)) })
	t.Run("PurchaseListByActor", func(t *testing.T) { testPurchaseListByActor(t, newRepos(t)) })
	t.Run("EscrowLifecycle", func(t *testing.T) { testEscrowLifecycle(t, newRepos(t)) })
	t.Run("SaleCreateOnce", func(t *testing.T) { testSaleCreateOnce(t, newRepos(t)) })
	t.Run("HistorySingleOpenEntry", func(t *testing.T) { testHistorySingleOpenEntry(t, newRepos(t)) })
}

func testPurchaseCreateAndGet(t *testing.T, r repo.Repos) {
	ctx := context.Background()
	input := purchaseFixture()
	input.Messages = []domain.Message{{SenderID: input.BuyerID, Text: "Is the price negotiable?"}}

	created, err := r.Purchases.Create(ctx, input)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, domain.StatusPendingSeller, created.Status)
	assert.True(t, created.OfferedPrice.Equal(input.OfferedPrice), "OfferedPrice mismatch")
	assert.False(t, created.CreatedAt.IsZero())

	got, err := r.Purchases.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.BuyerID, got.BuyerID)
	assert.Nil(t, got.CounterPrice)
	assert.Nil(t, got.Verification)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Is the price negotiable?", got.Messages[0].Text)
}

func testPurchaseGetNotFound(t *testing.T, r repo.Repos) {
	_, err := r.Purchases.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testPurchaseCompareAndSwap(t *testing.T, r repo.Repos) {
	ctx := context.Background()
	created, err := r.Purchases.Create(ctx, purchaseFixture())
	require.NoError(t, err)

	counter := decimal.NewFromInt(520000)
	next := created
	next.Status = domain.StatusCounterOffer
	next.CounterPrice = &counter

	updated, err := r.Purchases.CompareAndSwap(ctx, domain.StatusPendingSeller, next)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCounterOffer, updated.Status)
	require.NotNil(t, updated.CounterPrice)
	assert.True(t, updated.CounterPrice.Equal(counter))

	// Stale expectation: the status already moved.
	stale := created
	stale.Status = domain.StatusAccepted
	_, err = r.Purchases.CompareAndSwap(ctx, domain.StatusPendingSeller, stale)
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := r.Purchases.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCounterOffer, got.Status, "failed swap must not write")

	verified := got
	verified.Status = domain.StatusAccepted
	verified.Verification = &domain.VerificationResult{
		TelemetryCheck: true,
		FailureReasons: []string{"missing ledger attestation"},
		CheckedAt:      time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	verified.VerificationAttempts = 1
	updated, err = r.Purchases.CompareAndSwap(ctx, domain.StatusCounterOffer, verified)
	require.NoError(t, err)
	require.NotNil(t, updated.Verification)
	assert.Equal(t, []string{"missing ledger attestation"}, updated.Verification.FailureReasons)
	assert.Equal(t, 1, updated.VerificationAttempts)

	missing := purchaseFixture()
	missing.ID = uuid.New()
	_, err = r.Purchases.CompareAndSwap(ctx, domain.StatusPendingSeller, missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testPurchaseMessagesKeepOrder(t *testing.T, r repo.Repos) {
	ctx := context.Background()
	created, err := r.Purchases.Create(ctx, purchaseFixture())
	require.NoError(t, err)

	for _, text := range []string{"first", "second", "third"} {
		_, err := r.Purchases.AppendMessage(ctx, created.ID, domain.Message{SenderID: created.BuyerID, Text: text})
		require.NoError(t, err)
	}

	got, err := r.Purchases.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "first", got.Messages[0].Text)
	assert.Equal(t, "second", got.Messages[1].Text)
	assert.Equal(t, "third", got.Messages[2].Text)
}

func testPurchaseListByActor(t *testing.T, r repo.Repos) {
	ctx := context.Background()
	seller := uuid.New()

	for i := 0; i < 2; i++ {
		pr := purchaseFixture()
		pr.SellerID = seller
		_, err := r.Purchases.Create(ctx, pr)
		require.NoError(t, err)
	}
	_, err := r.Purchases.Create(ctx, purchaseFixture())
	require.NoError(t, err)

	got, total, err := r.Purchases.ListByActor(ctx, seller, domain.NewPaginationParams(nil, nil))
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int64(2), total)
	for _, pr := range got {
		assert.Equal(t, seller, pr.SellerID)
	}

	limit := 1
	got, total, err = r.Purchases.ListByActor(ctx, seller, domain.NewPaginationParams(nil, &limit))
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int64(2), total)
}

func testEscrowLifecycle(t *testing.T, r repo.Repos) {
	ctx := context.Background()
	pr, err := r.Purchases.Create(ctx, purchaseFixture())
	require.NoError(t, err)

	_, err = r.Escrows.GetByPurchaseID(ctx, pr.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	e, err := r.Escrows.Create(ctx, domain.Escrow{
		PurchaseRequestID: pr.ID,
		Amount:            pr.OfferedPrice,
		FundingReference:  "F1",
		Status:            domain.EscrowPending,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowPending, e.Status)

	_, err = r.Escrows.Create(ctx, domain.Escrow{
		PurchaseRequestID: pr.ID,
		Amount:            pr.OfferedPrice,
		FundingReference:  "F2",
		Status:            domain.EscrowPending,
	})
	assert.ErrorIs(t, err, domain.ErrConflict, "one escrow per request")

	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	funded, err := r.Escrows.Transition(ctx, e.ID, domain.EscrowPending, domain.EscrowFunded, at)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, funded.Status)
	require.NotNil(t, funded.FundedAt)
	assert.True(t, funded.FundedAt.Equal(at))

	_, err = r.Escrows.Transition(ctx, e.ID, domain.EscrowPending, domain.EscrowFunded, at)
	assert.ErrorIs(t, err, domain.ErrConflict)

	released, err := r.Escrows.Transition(ctx, e.ID, domain.EscrowFunded, domain.EscrowReleased, at)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, released.Status)
	assert.NotNil(t, released.ReleasedAt)
}

func testSaleCreateOnce(t *testing.T, r repo.Repos) {
	ctx := context.Background()
	pr, err := r.Purchases.Create(ctx, purchaseFixture())
	require.NoError(t, err)

	sale := domain.SaleRecord{
		PurchaseRequestID:      pr.ID,
		ListingID:              pr.ListingID,
		VehicleID:              pr.VehicleID,
		BuyerID:                pr.BuyerID,
		SellerID:               pr.SellerID,
		FinalPrice:             pr.OfferedPrice,
		LedgerTxReference:      "0xabc",
		OwnershipTransferredAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	first, created, err := r.Sales.CreateOnce(ctx, sale)
	require.NoError(t, err)
	assert.True(t, created)

	sale.LedgerTxReference = "0xdifferent"
	second, created, err := r.Sales.CreateOnce(ctx, sale)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "0xabc", second.LedgerTxReference, "existing record is immutable")
}

func testHistorySingleOpenEntry(t *testing.T, r repo.Repos) {
	ctx := context.Background()
	vehicle := uuid.New()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := r.History.Current(ctx, vehicle)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	first, err := r.History.Append(ctx, domain.OwnershipHistoryEntry{VehicleID: vehicle, OwnerUserID: uuid.New(), FromDate: t0})
	require.NoError(t, err)

	_, err = r.History.Append(ctx, domain.OwnershipHistoryEntry{VehicleID: vehicle, OwnerUserID: uuid.New(), FromDate: t0})
	assert.ErrorIs(t, err, domain.ErrConflict, "second open entry must be rejected")

	t1 := t0.Add(24 * time.Hour)
	require.NoError(t, r.History.Close(ctx, first.ID, t1))
	assert.ErrorIs(t, r.History.Close(ctx, first.ID, t1), domain.ErrConflict)

	buyer := uuid.New()
	_, err = r.History.Append(ctx, domain.OwnershipHistoryEntry{VehicleID: vehicle, OwnerUserID: buyer, FromDate: t1, TxHash: "0xabc"})
	require.NoError(t, err)

	entries, err := r.History.ListByVehicle(ctx, vehicle)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[0].ToDate)
	assert.True(t, entries[0].ToDate.Equal(t1))
	assert.Nil(t, entries[1].ToDate)
	assert.Equal(t, buyer, entries[1].OwnerUserID)

	current, err := r.History.Current(ctx, vehicle)
	require.NoError(t, err)
	assert.Equal(t, buyer, current.OwnerUserID)
}
