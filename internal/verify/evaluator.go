// Package verify runs the fixed battery of pre-transfer checks against a
// vehicle attestation snapshot. It performs no I/O.
package verify

import (
	"time"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

const (
	// TelemetryFreshness is how recent the last telemetry sample must be.
	TelemetryFreshness = 24 * time.Hour

	// MinTrustScore is the lowest passing trust score on the 0–100 scale.
	MinTrustScore = 50
)

// Failure reasons, reported in this order.
const (
	ReasonStaleTelemetry = "stale telemetry"
	ReasonLowTrustScore  = "trust score below threshold"
	ReasonNoLedgerProof  = "missing ledger attestation"
	ReasonNoStorageProof = "missing storage attestation"
)

// Evaluate checks snap as of now. The same inputs always produce the same
// result; FailureReasons is nil when every check passes.
func Evaluate(snap domain.VehicleSnapshot, now time.Time) domain.VerificationResult {
	res := domain.VerificationResult{
		TelemetryCheck:  telemetryFresh(snap.LastTelemetryAt, now),
		TrustScoreCheck: snap.TrustScore >= MinTrustScore,
		LedgerCheck:     snap.HasLedgerAttestation,
		StorageCheck:    snap.HasStorageAttestation,
		CheckedAt:       now,
	}

	if !res.TelemetryCheck {
		res.FailureReasons = append(res.FailureReasons, ReasonStaleTelemetry)
	}
	if !res.TrustScoreCheck {
		res.FailureReasons = append(res.FailureReasons, ReasonLowTrustScore)
	}
	if !res.LedgerCheck {
		res.FailureReasons = append(res.FailureReasons, ReasonNoLedgerProof)
	}
	if !res.StorageCheck {
		res.FailureReasons = append(res.FailureReasons, ReasonNoStorageProof)
	}
	return res
}

// telemetryFresh treats a sample stamped after now (clock skew) as fresh.
func telemetryFresh(last *time.Time, now time.Time) bool {
	if last == nil {
		return false
	}
	return now.Sub(*last) <= TelemetryFreshness
}
