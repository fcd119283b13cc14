package domain

import (
	"time"

	"github.com/google/uuid"
)

// VehicleSnapshot is the read-only view of a vehicle's attestations used by
// verification. LastTelemetryAt is nil when the vehicle never reported.
type VehicleSnapshot struct {
	VehicleID             uuid.UUID
	TrustScore            int
	LastTelemetryAt       *time.Time
	HasLedgerAttestation  bool
	HasStorageAttestation bool
}

// VerificationResult is the outcome of one verification run. A new run
// replaces the previous result entirely.
type VerificationResult struct {
	TelemetryCheck  bool      `json:"telemetry_check"`
	TrustScoreCheck bool      `json:"trust_score_check"`
	LedgerCheck     bool      `json:"ledger_check"`
	StorageCheck    bool      `json:"storage_check"`
	FailureReasons  []string  `json:"failure_reasons,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Passed is the logical AND of all four checks.
func (r VerificationResult) Passed() bool {
	return r.TelemetryCheck && r.TrustScoreCheck && r.LedgerCheck && r.StorageCheck
}
