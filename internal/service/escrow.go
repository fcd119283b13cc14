package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
	"github.com/pkordes/vehicle-escrow/backend/internal/repo"
)

// EscrowLedger owns the custody record of a purchase request. It never opens
// its own transaction: callers pass the Repos of the transaction that holds
// the request's row lock, so funding and the status flip commit together.
type EscrowLedger struct {
	clock Clock
	log   *slog.Logger
}

// NewEscrowLedger constructs an EscrowLedger.
func NewEscrowLedger(clock Clock, log *slog.Logger) *EscrowLedger {
	return &EscrowLedger{clock: clock, log: log}
}

// Fund takes the agreed price into custody for pr, keyed by ref.
//
// A repeated call with the same ref returns the stored escrow and reports
// replay=true without touching anything. Any other ref against a request that
// already owns an escrow fails with domain.ErrAlreadyFunded. Otherwise pr
// must be accepted and amount must equal the agreed price exactly.
//
// The escrow is created pending and moved to funded in the caller's
// transaction, so a pending escrow is never visible outside it.
func (l *EscrowLedger) Fund(ctx context.Context, r repo.Repos, pr domain.PurchaseRequest, amount decimal.Decimal, ref string) (e domain.Escrow, replay bool, err error) {
	existing, err := r.Escrows.GetByPurchaseID(ctx, pr.ID)
	switch {
	case err == nil:
		if existing.FundingReference != ref {
			return domain.Escrow{}, false, fmt.Errorf("%w: escrow %s is %s", domain.ErrAlreadyFunded, existing.ID, existing.Status)
		}
		if !existing.Amount.Equal(amount) {
			return domain.Escrow{}, false, fmt.Errorf("%w: reference %q was funded with %s", domain.ErrAmountMismatch, ref, existing.Amount)
		}
		return existing, true, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Escrow{}, false, err
	}

	if pr.Status != domain.StatusAccepted {
		return domain.Escrow{}, false, fmt.Errorf("%w: cannot fund escrow from %s", domain.ErrInvalidTransition, pr.Status)
	}
	if agreed := pr.AgreedPrice(); !amount.Equal(agreed) {
		return domain.Escrow{}, false, fmt.Errorf("%w: expected %s, got %s", domain.ErrAmountMismatch, agreed, amount)
	}

	pending, err := r.Escrows.Create(ctx, domain.Escrow{
		PurchaseRequestID: pr.ID,
		Amount:            amount,
		FundingReference:  ref,
		Status:            domain.EscrowPending,
	})
	if err != nil {
		return domain.Escrow{}, false, err
	}

	funded, err := r.Escrows.Transition(ctx, pending.ID, domain.EscrowPending, domain.EscrowFunded, l.clock.Now())
	if err != nil {
		return domain.Escrow{}, false, err
	}

	l.log.InfoContext(ctx, "escrow funded",
		"purchase_request_id", pr.ID,
		"escrow_id", funded.ID,
		"amount", funded.Amount.String(),
	)
	return funded, false, nil
}

// Release hands the custody over to the seller. It is called once, by the
// transfer executor. Returns domain.ErrInvalidEscrowState unless the escrow is
// currently funded.
func (l *EscrowLedger) Release(ctx context.Context, r repo.Repos, purchaseID uuid.UUID) (domain.Escrow, error) {
	e, err := r.Escrows.GetByPurchaseID(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("%w: no escrow for request %s", domain.ErrInvalidEscrowState, purchaseID)
			l.log.ErrorContext(ctx, "escrow release", "purchase_request_id", purchaseID, "error", err)
		}
		return domain.Escrow{}, err
	}
	if e.Status != domain.EscrowFunded {
		err := fmt.Errorf("%w: escrow %s is %s", domain.ErrInvalidEscrowState, e.ID, e.Status)
		l.log.ErrorContext(ctx, "escrow release", "purchase_request_id", purchaseID, "error", err)
		return domain.Escrow{}, err
	}

	released, err := r.Escrows.Transition(ctx, e.ID, domain.EscrowFunded, domain.EscrowReleased, l.clock.Now())
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			err = fmt.Errorf("%w: escrow %s changed concurrently", domain.ErrInvalidEscrowState, e.ID)
		}
		return domain.Escrow{}, err
	}
	return released, nil
}
