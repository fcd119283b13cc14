package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EscrowStatus is the custody state of an Escrow.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Escrow is the simulated custody record owned by exactly one PurchaseRequest.
type Escrow struct {
	ID                uuid.UUID
	PurchaseRequestID uuid.UUID
	Amount            decimal.Decimal
	FundingReference  string
	Status            EscrowStatus
	FundedAt          *time.Time
	ReleasedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
