package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// SnapshotSource reads the attestation state of a vehicle. Implementations
// live in package attest.
type SnapshotSource interface {
	GetVehicleAttestationSnapshot(ctx context.Context, vehicleID uuid.UUID) (domain.VehicleSnapshot, error)
}

// Anchor records an ownership transfer on the external ledger and returns its
// transaction reference. Calls with the same IdempotencyKey must return the
// same reference. Implementations live in package anchor.
type Anchor interface {
	AnchorOwnershipTransfer(ctx context.Context, req domain.AnchorRequest) (string, error)
}

// Notifier is told about every committed status change. Delivery is
// best-effort: errors are logged and never affect the transition.
type Notifier interface {
	NotifyStatusChanged(ctx context.Context, purchaseID uuid.UUID, status domain.Status) error
}

// Recorder receives workflow telemetry. Package metrics implements it.
type Recorder interface {
	Transition(from, to domain.Status)
	Failure(operation string, err error)
}

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

type nopNotifier struct{}

func (nopNotifier) NotifyStatusChanged(context.Context, uuid.UUID, domain.Status) error { return nil }

type nopRecorder struct{}

func (nopRecorder) Transition(domain.Status, domain.Status) {}
func (nopRecorder) Failure(string, error)                   {}
