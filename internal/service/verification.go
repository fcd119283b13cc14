package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
	"github.com/pkordes/vehicle-escrow/backend/internal/repo"
	"github.com/pkordes/vehicle-escrow/backend/internal/verify"
)

// RunVerification reads the vehicle's attestation snapshot, evaluates it,
// and records the result. The buyer may run it from escrow_funded and re-run
// it from verification_failed, up to the configured number of attempts.
//
// If the snapshot cannot be read within the verification timeout the call
// fails with domain.ErrVerificationUnavailable and nothing is recorded.
func (s *PurchaseService) RunVerification(ctx context.Context, id, actorID uuid.UUID) (domain.VerificationResult, error) {
	pr, err := s.store.Repos().Purchases.GetByID(ctx, id)
	if err != nil {
		return domain.VerificationResult{}, s.fail("RunVerification", err)
	}
	if err := s.checkVerifiable(pr, actorID); err != nil {
		return domain.VerificationResult{}, s.fail("RunVerification", err)
	}

	snap, err := s.snapshot(ctx, pr.VehicleID)
	if err != nil {
		s.log.WarnContext(ctx, "attestation snapshot unavailable",
			"purchase_request_id", pr.ID,
			"vehicle_id", pr.VehicleID,
			"error", err,
		)
		return domain.VerificationResult{}, s.fail("RunVerification", fmt.Errorf("%w: %v", domain.ErrVerificationUnavailable, err))
	}

	result := verify.Evaluate(snap, s.clock.Now())

	var from domain.Status
	_, err = s.mutate(ctx, id, func(_ context.Context, _ repo.Repos, locked domain.PurchaseRequest) (domain.PurchaseRequest, error) {
		// The snapshot was read without the lock; re-check on the locked row.
		if err := s.checkVerifiable(locked, actorID); err != nil {
			return locked, err
		}

		next := locked
		next.Verification = &result
		next.VerificationAttempts++
		next.Status = domain.StatusVerificationFailed
		if result.Passed() {
			next.Status = domain.StatusVerificationPassed
		}
		from = locked.Status
		return next, nil
	})
	if err != nil {
		return domain.VerificationResult{}, s.fail("RunVerification", err)
	}

	to := domain.StatusVerificationFailed
	if result.Passed() {
		to = domain.StatusVerificationPassed
	}
	s.log.InfoContext(ctx, "verification recorded",
		"purchase_request_id", id,
		"passed", result.Passed(),
		"failure_reasons", result.FailureReasons,
	)
	s.committed(ctx, id, from, to)
	return result, nil
}

func (s *PurchaseService) checkVerifiable(pr domain.PurchaseRequest, actorID uuid.UUID) error {
	if !pr.IsBuyer(actorID) {
		return domain.ErrForbidden
	}
	if pr.Status != domain.StatusEscrowFunded && pr.Status != domain.StatusVerificationFailed {
		return fmt.Errorf("%w: cannot verify from %s", domain.ErrInvalidTransition, pr.Status)
	}
	if pr.VerificationAttempts >= s.opts.MaxVerificationAttempts {
		return fmt.Errorf("%w: verification attempts exhausted (%d)", domain.ErrInvalidTransition, pr.VerificationAttempts)
	}
	return nil
}

// snapshot reads from the source under the verification timeout. A source
// that ignores ctx and returns late still counts as unavailable.
func (s *PurchaseService) snapshot(ctx context.Context, vehicleID uuid.UUID) (domain.VehicleSnapshot, error) {
	if s.opts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.VerifyTimeout)
		defer cancel()
	}

	snap, err := s.snapshots.GetVehicleAttestationSnapshot(ctx, vehicleID)
	if err != nil {
		return domain.VehicleSnapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.VehicleSnapshot{}, err
	}
	return snap, nil
}
