// Package domain contains the core data types for the vehicle purchase service.
// This package depends only on id and money types and is imported by every
// other internal package (repo, service, handler).
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a PurchaseRequest.
type Status string

const (
	StatusPendingSeller      Status = "pending_seller"
	StatusCounterOffer       Status = "counter_offer"
	StatusAccepted           Status = "accepted"
	StatusRejected           Status = "rejected"
	StatusEscrowFunded       Status = "escrow_funded"
	StatusVerificationPassed Status = "verification_passed"
	StatusVerificationFailed Status = "verification_failed"
	StatusTransferPending    Status = "transfer_pending"
	StatusSold               Status = "sold"
)

// transitions is the complete successor table. A status absent from the
// map, or a successor absent from its slice, is not a legal move.
var transitions = map[Status][]Status{
	StatusPendingSeller:      {StatusAccepted, StatusRejected, StatusCounterOffer},
	StatusCounterOffer:       {StatusAccepted, StatusRejected},
	StatusAccepted:           {StatusEscrowFunded},
	StatusEscrowFunded:       {StatusVerificationPassed, StatusVerificationFailed},
	StatusVerificationFailed: {StatusVerificationPassed, StatusVerificationFailed},
	StatusVerificationPassed: {StatusTransferPending},
	StatusTransferPending:    {StatusSold},
}

// CanTransition reports whether to is a legal successor of s.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusSold
}

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}

// Action is the seller's (or, for a counter-offer, the buyer's) answer.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionCounter Action = "counter"
)

// Message is one entry of a request's negotiation log.
type Message struct {
	SenderID  uuid.UUID `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// PurchaseRequest is the aggregate root of a purchase. Listing, vehicle,
// buyer, seller, and offered price never change after creation.
type PurchaseRequest struct {
	ID           uuid.UUID
	ListingID    uuid.UUID
	VehicleID    uuid.UUID
	BuyerID      uuid.UUID
	SellerID     uuid.UUID
	OfferedPrice decimal.Decimal

	// CounterPrice is set only by a counter-offer transition.
	CounterPrice *decimal.Decimal
	// CounterAccepted is true once the buyer accepted the counter-offer.
	CounterAccepted bool

	Status Status

	// Escrow is nil until the buyer funds it.
	Escrow *Escrow
	// Verification is the snapshot of the last recorded run, nil before the first.
	Verification         *VerificationResult
	VerificationAttempts int

	Messages []Message

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgreedPrice is the price the buyer must fund and the sale records:
// the counter price when a counter-offer was accepted, else the offer.
func (p PurchaseRequest) AgreedPrice() decimal.Decimal {
	if p.CounterPrice != nil && p.CounterAccepted {
		return *p.CounterPrice
	}
	return p.OfferedPrice
}

// IsBuyer reports whether actorID is the buyer on this request.
func (p PurchaseRequest) IsBuyer(actorID uuid.UUID) bool { return actorID == p.BuyerID }

// IsSeller reports whether actorID is the seller on this request.
func (p PurchaseRequest) IsSeller(actorID uuid.UUID) bool { return actorID == p.SellerID }
