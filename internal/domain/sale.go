package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SaleRecord is written exactly once, when a PurchaseRequest becomes sold.
// It is immutable afterwards.
type SaleRecord struct {
	ID                     uuid.UUID
	PurchaseRequestID      uuid.UUID
	ListingID              uuid.UUID
	VehicleID              uuid.UUID
	BuyerID                uuid.UUID
	SellerID               uuid.UUID
	FinalPrice             decimal.Decimal
	LedgerTxReference      string // empty when anchoring was skipped
	OwnershipTransferredAt time.Time
	CreatedAt              time.Time
}

// OwnershipHistoryEntry is one span of ownership of a vehicle. History is
// append-only; ToDate is nil on the newest entry and set once superseded.
type OwnershipHistoryEntry struct {
	ID          uuid.UUID
	VehicleID   uuid.UUID
	OwnerUserID uuid.UUID
	FromDate    time.Time
	ToDate      *time.Time
	TxHash      string
}

// AnchorRequest is the payload recorded by the external anchor service.
// IdempotencyKey lets the service return the same reference on retry.
type AnchorRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	VehicleID      uuid.UUID       `json:"vehicle_id"`
	BuyerID        uuid.UUID       `json:"buyer_id"`
	SellerID       uuid.UUID       `json:"seller_id"`
	FinalPrice     decimal.Decimal `json:"final_price"`
}
