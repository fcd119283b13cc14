// Package service contains the business logic for the vehicle purchase API.
// Services validate inputs, enforce the purchase state machine, and
// orchestrate repo calls inside transactions. No SQL lives here; services
// depend on repo interfaces, not implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
	"github.com/pkordes/vehicle-escrow/backend/internal/repo"
)

// DefaultMaxVerificationAttempts bounds how often a buyer may re-run
// verification before the request is stuck in verification_failed.
const DefaultMaxVerificationAttempts = 3

// maxMessageLen caps a single negotiation message.
const maxMessageLen = 2000

// Options tunes the workflow. Zero values select the defaults.
type Options struct {
	VerifyTimeout           time.Duration
	AnchorTimeout           time.Duration
	MaxVerificationAttempts int
}

// Deps are the collaborators of a PurchaseService. Only Snapshots and Anchor
// are required; the rest fall back to no-op or real-time implementations.
type Deps struct {
	Snapshots SnapshotSource
	Anchor    Anchor
	Notifier  Notifier
	Recorder  Recorder
	Clock     Clock
	Logger    *slog.Logger
}

// PurchaseService drives a purchase request through its lifecycle. Every
// mutation locks the request row, re-checks the status under the lock, and
// writes with a compare-and-swap on the status it read, so concurrent callers
// cannot both win the same transition.
type PurchaseService struct {
	store     repo.Store
	snapshots SnapshotSource
	escrow    *EscrowLedger
	transfer  *TransferExecutor
	notifier  Notifier
	recorder  Recorder
	clock     Clock
	log       *slog.Logger
	opts      Options

	confirms singleflight.Group
}

// NewPurchaseService constructs a PurchaseService.
func NewPurchaseService(store repo.Store, deps Deps, opts Options) *PurchaseService {
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxVerificationAttempts <= 0 {
		opts.MaxVerificationAttempts = DefaultMaxVerificationAttempts
	}

	ledger := NewEscrowLedger(deps.Clock, deps.Logger)
	return &PurchaseService{
		store:     store,
		snapshots: deps.Snapshots,
		escrow:    ledger,
		transfer:  NewTransferExecutor(deps.Anchor, ledger, deps.Clock, opts.AnchorTimeout, deps.Logger),
		notifier:  deps.Notifier,
		recorder:  deps.Recorder,
		clock:     deps.Clock,
		log:       deps.Logger,
		opts:      opts,
	}
}

// CreateInput is the buyer's opening offer.
type CreateInput struct {
	ListingID    uuid.UUID
	VehicleID    uuid.UUID
	BuyerID      uuid.UUID
	SellerID     uuid.UUID
	OfferedPrice decimal.Decimal
	Message      string
}

// CreateRequest validates and persists a new request in pending_seller.
func (s *PurchaseService) CreateRequest(ctx context.Context, in CreateInput) (domain.PurchaseRequest, error) {
	if err := validateCreate(in); err != nil {
		return domain.PurchaseRequest{}, s.fail("CreateRequest", err)
	}

	pr := domain.PurchaseRequest{
		ListingID:    in.ListingID,
		VehicleID:    in.VehicleID,
		BuyerID:      in.BuyerID,
		SellerID:     in.SellerID,
		OfferedPrice: in.OfferedPrice,
		Status:       domain.StatusPendingSeller,
	}
	if text := strings.TrimSpace(in.Message); text != "" {
		pr.Messages = []domain.Message{{SenderID: in.BuyerID, Text: text}}
	}

	created, err := s.store.Repos().Purchases.Create(ctx, pr)
	if err != nil {
		return domain.PurchaseRequest{}, s.fail("CreateRequest", err)
	}

	s.log.InfoContext(ctx, "purchase request created",
		"purchase_request_id", created.ID,
		"vehicle_id", created.VehicleID,
		"buyer_id", created.BuyerID,
	)
	s.notify(ctx, created.ID, created.Status)
	return created, nil
}

func validateCreate(in CreateInput) error {
	switch {
	case in.ListingID == uuid.Nil:
		return fmt.Errorf("%w: listing_id is required", domain.ErrValidation)
	case in.VehicleID == uuid.Nil:
		return fmt.Errorf("%w: vehicle_id is required", domain.ErrValidation)
	case in.BuyerID == uuid.Nil:
		return fmt.Errorf("%w: buyer_id is required", domain.ErrValidation)
	case in.SellerID == uuid.Nil:
		return fmt.Errorf("%w: seller_id is required", domain.ErrValidation)
	case in.BuyerID == in.SellerID:
		return fmt.Errorf("%w: buyer and seller must differ", domain.ErrValidation)
	case len(in.Message) > maxMessageLen:
		return fmt.Errorf("%w: message exceeds %d characters", domain.ErrValidation, maxMessageLen)
	}
	return domain.ValidatePrice("offered_price", in.OfferedPrice)
}

// GetRequest returns the request with its escrow attached. Only the buyer
// and the seller may read it.
func (s *PurchaseService) GetRequest(ctx context.Context, id, actorID uuid.UUID) (domain.PurchaseRequest, error) {
	r := s.store.Repos()

	pr, err := r.Purchases.GetByID(ctx, id)
	if err != nil {
		return domain.PurchaseRequest{}, s.fail("GetRequest", err)
	}
	if !pr.IsBuyer(actorID) && !pr.IsSeller(actorID) {
		return domain.PurchaseRequest{}, s.fail("GetRequest", domain.ErrForbidden)
	}

	e, err := r.Escrows.GetByPurchaseID(ctx, id)
	switch {
	case err == nil:
		pr.Escrow = &e
	case !errors.Is(err, domain.ErrNotFound):
		return domain.PurchaseRequest{}, s.fail("GetRequest", err)
	}
	return pr, nil
}

// ListRequests returns one page of the requests the actor is party to,
// newest first, and the total across all pages.
func (s *PurchaseService) ListRequests(ctx context.Context, actorID uuid.UUID, p domain.PaginationParams) ([]domain.PurchaseRequest, int64, error) {
	if actorID == uuid.Nil {
		return nil, 0, s.fail("ListRequests", fmt.Errorf("%w: actor is required", domain.ErrValidation))
	}
	prs, total, err := s.store.Repos().Purchases.ListByActor(ctx, actorID, p)
	if err != nil {
		return nil, 0, s.fail("ListRequests", err)
	}
	if prs == nil {
		prs = []domain.PurchaseRequest{}
	}
	return prs, total, nil
}

// PostMessage appends a negotiation message. Either party may post until the
// request reaches a terminal status.
func (s *PurchaseService) PostMessage(ctx context.Context, id, actorID uuid.UUID, text string) (domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, s.fail("PostMessage", fmt.Errorf("%w: message text is required", domain.ErrValidation))
	}
	if len(text) > maxMessageLen {
		return domain.Message{}, s.fail("PostMessage", fmt.Errorf("%w: message exceeds %d characters", domain.ErrValidation, maxMessageLen))
	}

	var msg domain.Message
	err := s.store.InTx(ctx, func(ctx context.Context, r repo.Repos) error {
		pr, err := r.Purchases.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !pr.IsBuyer(actorID) && !pr.IsSeller(actorID) {
			return domain.ErrForbidden
		}
		if pr.Status.Terminal() {
			return fmt.Errorf("%w: request is %s", domain.ErrInvalidTransition, pr.Status)
		}
		msg, err = r.Purchases.AppendMessage(ctx, id, domain.Message{SenderID: actorID, Text: text})
		return err
	})
	if err != nil {
		return domain.Message{}, s.fail("PostMessage", err)
	}
	return msg, nil
}

// RespondInput is an answer to an open offer.
type RespondInput struct {
	Action       domain.Action
	CounterPrice *decimal.Decimal
	Message      string
}

// RespondToRequest applies an accept, reject, or counter action. In
// pending_seller only the seller may answer; in counter_offer only the buyer
// may, and only with accept or reject.
func (s *PurchaseService) RespondToRequest(ctx context.Context, id, actorID uuid.UUID, in RespondInput) (domain.PurchaseRequest, error) {
	switch in.Action {
	case domain.ActionAccept, domain.ActionReject:
	case domain.ActionCounter:
		if in.CounterPrice == nil {
			return domain.PurchaseRequest{}, s.fail("RespondToRequest", fmt.Errorf("%w: counter requires a counter_price", domain.ErrValidation))
		}
		if err := domain.ValidatePrice("counter_price", *in.CounterPrice); err != nil {
			return domain.PurchaseRequest{}, s.fail("RespondToRequest", err)
		}
	default:
		return domain.PurchaseRequest{}, s.fail("RespondToRequest", fmt.Errorf("%w: unknown action %q", domain.ErrValidation, in.Action))
	}
	if len(in.Message) > maxMessageLen {
		return domain.PurchaseRequest{}, s.fail("RespondToRequest", fmt.Errorf("%w: message exceeds %d characters", domain.ErrValidation, maxMessageLen))
	}

	var from, to domain.Status
	out, err := s.mutate(ctx, id, func(ctx context.Context, r repo.Repos, pr domain.PurchaseRequest) (domain.PurchaseRequest, error) {
		if err := authorizeResponse(pr, actorID); err != nil {
			return pr, err
		}

		next := pr
		switch {
		case in.Action == domain.ActionAccept:
			next.Status = domain.StatusAccepted
			next.CounterAccepted = pr.Status == domain.StatusCounterOffer
		case in.Action == domain.ActionReject:
			next.Status = domain.StatusRejected
		case in.Action == domain.ActionCounter && pr.Status == domain.StatusPendingSeller:
			price := *in.CounterPrice
			next.Status = domain.StatusCounterOffer
			next.CounterPrice = &price
		default:
			return pr, fmt.Errorf("%w: cannot %s from %s", domain.ErrInvalidTransition, in.Action, pr.Status)
		}
		if !pr.Status.CanTransition(next.Status) {
			return pr, fmt.Errorf("%w: cannot %s from %s", domain.ErrInvalidTransition, in.Action, pr.Status)
		}

		if text := strings.TrimSpace(in.Message); text != "" {
			msg, err := r.Purchases.AppendMessage(ctx, pr.ID, domain.Message{SenderID: actorID, Text: text})
			if err != nil {
				return pr, err
			}
			next.Messages = append(next.Messages, msg)
		}

		from, to = pr.Status, next.Status
		return next, nil
	})
	if err != nil {
		return domain.PurchaseRequest{}, s.fail("RespondToRequest", err)
	}

	s.committed(ctx, out.ID, from, to)
	return out, nil
}

// authorizeResponse checks that actorID is the party whose turn it is.
func authorizeResponse(pr domain.PurchaseRequest, actorID uuid.UUID) error {
	switch pr.Status {
	case domain.StatusPendingSeller:
		if !pr.IsSeller(actorID) {
			return domain.ErrForbidden
		}
	case domain.StatusCounterOffer:
		if !pr.IsBuyer(actorID) {
			return domain.ErrForbidden
		}
	default:
		if !pr.IsBuyer(actorID) && !pr.IsSeller(actorID) {
			return domain.ErrForbidden
		}
		return fmt.Errorf("%w: no response is expected in %s", domain.ErrInvalidTransition, pr.Status)
	}
	return nil
}

// FundEscrow takes the agreed price into custody and moves the request to
// escrow_funded. Replaying the same reference and amount returns the stored
// escrow and changes nothing.
func (s *PurchaseService) FundEscrow(ctx context.Context, id, actorID uuid.UUID, amount decimal.Decimal, ref string) (domain.Escrow, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Escrow{}, s.fail("FundEscrow", fmt.Errorf("%w: funding reference is required", domain.ErrValidation))
	}
	if err := domain.ValidatePrice("amount", amount); err != nil {
		return domain.Escrow{}, s.fail("FundEscrow", err)
	}

	var (
		escrow domain.Escrow
		replay bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, r repo.Repos) error {
		pr, err := r.Purchases.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !pr.IsBuyer(actorID) {
			return domain.ErrForbidden
		}

		escrow, replay, err = s.escrow.Fund(ctx, r, pr, amount, ref)
		if err != nil || replay {
			return err
		}

		next := pr
		next.Status = domain.StatusEscrowFunded
		_, err = r.Purchases.CompareAndSwap(ctx, pr.Status, next)
		return err
	})
	if err != nil {
		return domain.Escrow{}, s.fail("FundEscrow", err)
	}

	if !replay {
		s.committed(ctx, id, domain.StatusAccepted, domain.StatusEscrowFunded)
	}
	return escrow, nil
}

// InitTransfer moves a verified request to transfer_pending. Only the seller
// may start the transfer.
func (s *PurchaseService) InitTransfer(ctx context.Context, id, actorID uuid.UUID) (domain.PurchaseRequest, error) {
	out, err := s.mutate(ctx, id, func(_ context.Context, _ repo.Repos, pr domain.PurchaseRequest) (domain.PurchaseRequest, error) {
		if !pr.IsSeller(actorID) {
			return pr, domain.ErrForbidden
		}
		if !pr.Status.CanTransition(domain.StatusTransferPending) {
			return pr, fmt.Errorf("%w: cannot start transfer from %s", domain.ErrInvalidTransition, pr.Status)
		}
		next := pr
		next.Status = domain.StatusTransferPending
		return next, nil
	})
	if err != nil {
		return domain.PurchaseRequest{}, s.fail("InitTransfer", err)
	}

	s.committed(ctx, id, domain.StatusVerificationPassed, domain.StatusTransferPending)
	return out, nil
}

// ConfirmTransfer anchors the ownership transfer on the external ledger,
// writes the sale record, releases the escrow, and marks the request sold.
//
// A failure in any step leaves the request in transfer_pending and returns
// domain.ErrTransferFailed; calling again completes the remaining steps
// without duplicating the ones already done. Calling it on a sold request
// returns the existing sale. Concurrent calls for the same request and actor
// share one execution.
//
// The shared execution is detached from the cancellation of the caller that
// started it and bounded by confirmTimeout instead. A caller whose own
// context ends stops waiting and gets its context error; the execution keeps
// going for the callers still joined to it.
func (s *PurchaseService) ConfirmTransfer(ctx context.Context, id, actorID uuid.UUID) (domain.SaleRecord, error) {
	key := id.String() + "/" + actorID.String()
	ch := s.confirms.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.confirmTimeout())
		defer cancel()
		return s.confirmTransfer(shared, id, actorID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.SaleRecord{}, s.fail("ConfirmTransfer", res.Err)
		}
		return res.Val.(domain.SaleRecord), nil
	case <-ctx.Done():
		return domain.SaleRecord{}, s.fail("ConfirmTransfer", ctx.Err())
	}
}

// confirmCommitBudget is the time a confirm may spend outside the anchor call.
const confirmCommitBudget = 10 * time.Second

func (s *PurchaseService) confirmTimeout() time.Duration {
	return s.opts.AnchorTimeout + confirmCommitBudget
}

func (s *PurchaseService) confirmTransfer(ctx context.Context, id, actorID uuid.UUID) (domain.SaleRecord, error) {
	r := s.store.Repos()

	pr, err := r.Purchases.GetByID(ctx, id)
	if err != nil {
		return domain.SaleRecord{}, err
	}
	if !pr.IsSeller(actorID) {
		return domain.SaleRecord{}, domain.ErrForbidden
	}
	if pr.Status == domain.StatusSold {
		return r.Sales.GetByPurchaseID(ctx, id)
	}
	if pr.Status != domain.StatusTransferPending {
		return domain.SaleRecord{}, fmt.Errorf("%w: cannot confirm transfer from %s", domain.ErrInvalidTransition, pr.Status)
	}

	txRef, err := s.transfer.Anchor(ctx, pr)
	if err != nil {
		return domain.SaleRecord{}, s.transferFailed(ctx, pr, err)
	}

	var (
		sale   domain.SaleRecord
		replay bool
	)
	err = s.store.InTx(ctx, func(ctx context.Context, r repo.Repos) error {
		locked, err := r.Purchases.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch locked.Status {
		case domain.StatusSold:
			replay = true
			sale, err = r.Sales.GetByPurchaseID(ctx, id)
			return err
		case domain.StatusTransferPending:
		default:
			return fmt.Errorf("%w: cannot confirm transfer from %s", domain.ErrInvalidTransition, locked.Status)
		}

		sale, err = s.transfer.Commit(ctx, r, locked, txRef)
		if err != nil {
			return err
		}

		next := locked
		next.Status = domain.StatusSold
		_, err = r.Purchases.CompareAndSwap(ctx, locked.Status, next)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			return domain.SaleRecord{}, err
		}
		return domain.SaleRecord{}, s.transferFailed(ctx, pr, err)
	}

	if !replay {
		s.committed(ctx, id, domain.StatusTransferPending, domain.StatusSold)
	}
	return sale, nil
}

// transferFailed logs the underlying cause and hides it behind
// domain.ErrTransferFailed so collaborator errors never leak their codes.
func (s *PurchaseService) transferFailed(ctx context.Context, pr domain.PurchaseRequest, err error) error {
	level := slog.LevelWarn
	if errors.Is(err, domain.ErrInvalidEscrowState) {
		level = slog.LevelError
	}
	s.log.Log(ctx, level, "ownership transfer failed",
		"purchase_request_id", pr.ID,
		"vehicle_id", pr.VehicleID,
		"error", err,
	)
	return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
}

// GetOwnershipHistory returns the vehicle's ownership entries in order,
// oldest first. An unknown vehicle has an empty history.
func (s *PurchaseService) GetOwnershipHistory(ctx context.Context, vehicleID uuid.UUID) ([]domain.OwnershipHistoryEntry, error) {
	entries, err := s.store.Repos().History.ListByVehicle(ctx, vehicleID)
	if err != nil {
		return nil, s.fail("GetOwnershipHistory", err)
	}
	if entries == nil {
		entries = []domain.OwnershipHistoryEntry{}
	}
	return entries, nil
}

// ListStalledTransfers returns requests that have sat in transfer_pending
// for longer than olderThan. They need a retry or manual intervention.
func (s *PurchaseService) ListStalledTransfers(ctx context.Context, olderThan time.Duration) ([]domain.PurchaseRequest, error) {
	if olderThan < 0 {
		return nil, s.fail("ListStalledTransfers", fmt.Errorf("%w: older_than must not be negative", domain.ErrValidation))
	}
	prs, err := s.store.Repos().Purchases.ListStale(ctx, domain.StatusTransferPending, s.clock.Now().Add(-olderThan))
	if err != nil {
		return nil, s.fail("ListStalledTransfers", err)
	}
	if prs == nil {
		prs = []domain.PurchaseRequest{}
	}
	return prs, nil
}

// mutateFunc computes the next state of a locked request.
type mutateFunc func(ctx context.Context, r repo.Repos, pr domain.PurchaseRequest) (domain.PurchaseRequest, error)

// mutate locks the request, applies fn, and swaps the result in on the
// status fn saw. A swap that loses a race surfaces as ErrInvalidTransition.
func (s *PurchaseService) mutate(ctx context.Context, id uuid.UUID, fn mutateFunc) (domain.PurchaseRequest, error) {
	var out domain.PurchaseRequest
	err := s.store.InTx(ctx, func(ctx context.Context, r repo.Repos) error {
		pr, err := r.Purchases.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := fn(ctx, r, pr)
		if err != nil {
			return err
		}
		out, err = r.Purchases.CompareAndSwap(ctx, pr.Status, next)
		return err
	})
	return out, err
}

// committed records a transition after its transaction committed.
func (s *PurchaseService) committed(ctx context.Context, id uuid.UUID, from, to domain.Status) {
	s.recorder.Transition(from, to)
	s.log.InfoContext(ctx, "purchase request transitioned",
		"purchase_request_id", id,
		"from", from,
		"to", to,
	)
	s.notify(ctx, id, to)
}

func (s *PurchaseService) notify(ctx context.Context, id uuid.UUID, status domain.Status) {
	if err := s.notifier.NotifyStatusChanged(context.WithoutCancel(ctx), id, status); err != nil {
		s.log.WarnContext(ctx, "status notification failed",
			"purchase_request_id", id,
			"status", status,
			"error", err,
		)
	}
}

// fail wraps err with the operation name and counts it.
func (s *PurchaseService) fail(op string, err error) error {
	if errors.Is(err, domain.ErrConflict) {
		err = fmt.Errorf("%w: request changed concurrently", domain.ErrInvalidTransition)
	}
	s.recorder.Failure(op, err)
	return fmt.Errorf("service.PurchaseService.%s: %w", op, err)
}
