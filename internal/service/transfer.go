package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
	"github.com/pkordes/vehicle-escrow/backend/internal/repo"
)

// TransferExecutor carries out an ownership transfer in two phases. Anchor
// talks to the external ledger and must run outside any transaction. Commit
// writes the sale, releases the escrow, and rewrites ownership history inside
// the caller's transaction. Every step of Commit tolerates having already been
// applied, so a retry after a partial failure converges on one sale, one
// release, and one history entry.
type TransferExecutor struct {
	anchor  Anchor
	escrow  *EscrowLedger
	clock   Clock
	timeout time.Duration
	log     *slog.Logger
}

// NewTransferExecutor constructs a TransferExecutor. A zero timeout disables
// the per-call deadline on the anchor.
func NewTransferExecutor(a Anchor, escrow *EscrowLedger, clock Clock, timeout time.Duration, log *slog.Logger) *TransferExecutor {
	return &TransferExecutor{anchor: a, escrow: escrow, clock: clock, timeout: timeout, log: log}
}

// idempotencyKey is stable per request so a retried transfer never anchors twice.
func idempotencyKey(pr domain.PurchaseRequest) string {
	return "purchase-transfer:" + pr.ID.String()
}

// Anchor records the transfer on the external ledger and returns its
// transaction reference.
func (x *TransferExecutor) Anchor(ctx context.Context, pr domain.PurchaseRequest) (string, error) {
	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	ref, err := x.anchor.AnchorOwnershipTransfer(ctx, domain.AnchorRequest{
		IdempotencyKey: idempotencyKey(pr),
		VehicleID:      pr.VehicleID,
		BuyerID:        pr.BuyerID,
		SellerID:       pr.SellerID,
		FinalPrice:     pr.AgreedPrice(),
	})
	if err != nil {
		return "", fmt.Errorf("anchor ownership transfer: %w", err)
	}
	if ref == "" {
		return "", errors.New("anchor ownership transfer: empty ledger reference")
	}
	return ref, nil
}

// Commit applies the persistent side of the transfer for pr, which the caller
// holds locked in transfer_pending. txRef is the reference returned by Anchor.
func (x *TransferExecutor) Commit(ctx context.Context, r repo.Repos, pr domain.PurchaseRequest, txRef string) (domain.SaleRecord, error) {
	now := x.clock.Now()

	sale, created, err := r.Sales.CreateOnce(ctx, domain.SaleRecord{
		PurchaseRequestID:      pr.ID,
		ListingID:              pr.ListingID,
		VehicleID:              pr.VehicleID,
		BuyerID:                pr.BuyerID,
		SellerID:               pr.SellerID,
		FinalPrice:             pr.AgreedPrice(),
		LedgerTxReference:      txRef,
		OwnershipTransferredAt: now,
	})
	if err != nil {
		return domain.SaleRecord{}, fmt.Errorf("create sale record: %w", err)
	}
	if !created {
		// The ledger already answered once for this key; keep what was stored.
		txRef = sale.LedgerTxReference
	}

	e, err := r.Escrows.GetByPurchaseID(ctx, pr.ID)
	if err != nil {
		return domain.SaleRecord{}, fmt.Errorf("load escrow: %w", err)
	}
	if e.Status != domain.EscrowReleased {
		if _, err := x.escrow.Release(ctx, r, pr.ID); err != nil {
			return domain.SaleRecord{}, fmt.Errorf("release escrow: %w", err)
		}
	}

	if err := x.recordOwnership(ctx, r, pr, txRef, now); err != nil {
		return domain.SaleRecord{}, fmt.Errorf("record ownership: %w", err)
	}

	x.log.InfoContext(ctx, "ownership transferred",
		"purchase_request_id", pr.ID,
		"vehicle_id", pr.VehicleID,
		"buyer_id", pr.BuyerID,
		"ledger_tx_reference", txRef,
	)
	return sale, nil
}

// recordOwnership closes the vehicle's open history entry and opens one for
// the buyer, unless the buyer's entry for txRef is already the open one.
func (x *TransferExecutor) recordOwnership(ctx context.Context, r repo.Repos, pr domain.PurchaseRequest, txRef string, at time.Time) error {
	cur, err := r.History.Current(ctx, pr.VehicleID)
	switch {
	case err == nil:
		if cur.OwnerUserID == pr.BuyerID && cur.TxHash == txRef {
			return nil
		}
		if err := r.History.Close(ctx, cur.ID, at); err != nil {
			return err
		}
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}

	_, err = r.History.Append(ctx, domain.OwnershipHistoryEntry{
		VehicleID:   pr.VehicleID,
		OwnerUserID: pr.BuyerID,
		FromDate:    at,
		TxHash:      txRef,
	})
	return err
}
