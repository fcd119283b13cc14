package handler

import (
	"time"

	openapi_types "github.com/oapi-codegen/runtime/types"
	"github.com/shopspring/decimal"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// Request and response bodies. They mirror the schemas in spec/openapi.yaml.
// Money travels as a decimal string ("520000.00") so no precision is lost in
// JSON numbers.

type createRequestBody struct {
	ListingID    openapi_types.UUID `json:"listing_id"`
	VehicleID    openapi_types.UUID `json:"vehicle_id"`
	SellerID     openapi_types.UUID `json:"seller_id"`
	OfferedPrice decimal.Decimal    `json:"offered_price"`
	Message      string             `json:"message,omitempty"`
}

type messageBody struct {
	Text string `json:"text"`
}

type respondBody struct {
	Action       domain.Action    `json:"action"`
	CounterPrice *decimal.Decimal `json:"counter_price,omitempty"`
	Message      string           `json:"message,omitempty"`
}

type fundBody struct {
	Amount           decimal.Decimal `json:"amount"`
	FundingReference string          `json:"funding_reference,omitempty"`
}

type messageResponse struct {
	SenderID  openapi_types.UUID `json:"sender_id"`
	Text      string             `json:"text"`
	CreatedAt time.Time          `json:"created_at"`
}

type escrowResponse struct {
	ID                openapi_types.UUID  `json:"id"`
	PurchaseRequestID openapi_types.UUID  `json:"purchase_request_id"`
	Amount            decimal.Decimal     `json:"amount"`
	FundingReference  string              `json:"funding_reference"`
	Status            domain.EscrowStatus `json:"status"`
	FundedAt          *time.Time          `json:"funded_at,omitempty"`
	ReleasedAt        *time.Time          `json:"released_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

type verificationResponse struct {
	domain.VerificationResult
	Passed bool `json:"passed"`
}

type purchaseResponse struct {
	ID                   openapi_types.UUID    `json:"id"`
	ListingID            openapi_types.UUID    `json:"listing_id"`
	VehicleID            openapi_types.UUID    `json:"vehicle_id"`
	BuyerID              openapi_types.UUID    `json:"buyer_id"`
	SellerID             openapi_types.UUID    `json:"seller_id"`
	OfferedPrice         decimal.Decimal       `json:"offered_price"`
	CounterPrice         *decimal.Decimal      `json:"counter_price,omitempty"`
	AgreedPrice          decimal.Decimal       `json:"agreed_price"`
	Status               domain.Status         `json:"status"`
	Escrow               *escrowResponse       `json:"escrow,omitempty"`
	Verification         *verificationResponse `json:"verification,omitempty"`
	VerificationAttempts int                   `json:"verification_attempts"`
	Messages             []messageResponse     `json:"messages"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

type pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

type purchaseListResponse struct {
	Data       []purchaseResponse `json:"data"`
	Pagination *pagination        `json:"pagination,omitempty"`
}

type saleResponse struct {
	ID                     openapi_types.UUID `json:"id"`
	PurchaseRequestID      openapi_types.UUID `json:"purchase_request_id"`
	ListingID              openapi_types.UUID `json:"listing_id"`
	VehicleID              openapi_types.UUID `json:"vehicle_id"`
	BuyerID                openapi_types.UUID `json:"buyer_id"`
	SellerID               openapi_types.UUID `json:"seller_id"`
	FinalPrice             decimal.Decimal    `json:"final_price"`
	LedgerTxReference      string             `json:"ledger_tx_reference"`
	OwnershipTransferredAt time.Time          `json:"ownership_transferred_at"`
}

type historyEntryResponse struct {
	OwnerUserID openapi_types.UUID `json:"owner_user_id"`
	FromDate    time.Time          `json:"from_date"`
	ToDate      *time.Time         `json:"to_date,omitempty"`
	TxHash      string             `json:"tx_hash,omitempty"`
}

type historyResponse struct {
	VehicleID openapi_types.UUID     `json:"vehicle_id"`
	Data      []historyEntryResponse `json:"data"`
}

// ---- domain → response -----------------------------------------------------

func purchaseToResponse(pr domain.PurchaseRequest) purchaseResponse {
	out := purchaseResponse{
		ID:                   pr.ID,
		ListingID:            pr.ListingID,
		VehicleID:            pr.VehicleID,
		BuyerID:              pr.BuyerID,
		SellerID:             pr.SellerID,
		OfferedPrice:         pr.OfferedPrice,
		CounterPrice:         pr.CounterPrice,
		AgreedPrice:          pr.AgreedPrice(),
		Status:               pr.Status,
		VerificationAttempts: pr.VerificationAttempts,
		Messages:             make([]messageResponse, len(pr.Messages)),
		CreatedAt:            pr.CreatedAt,
		UpdatedAt:            pr.UpdatedAt,
	}
	for i, m := range pr.Messages {
		out.Messages[i] = messageToResponse(m)
	}
	if pr.Escrow != nil {
		e := escrowToResponse(*pr.Escrow)
		out.Escrow = &e
	}
	if pr.Verification != nil {
		v := verificationToResponse(*pr.Verification)
		out.Verification = &v
	}
	return out
}

func messageToResponse(m domain.Message) messageResponse {
	return messageResponse{SenderID: m.SenderID, Text: m.Text, CreatedAt: m.CreatedAt}
}

func escrowToResponse(e domain.Escrow) escrowResponse {
	return escrowResponse{
		ID:                e.ID,
		PurchaseRequestID: e.PurchaseRequestID,
		Amount:            e.Amount,
		FundingReference:  e.FundingReference,
		Status:            e.Status,
		FundedAt:          e.FundedAt,
		ReleasedAt:        e.ReleasedAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func verificationToResponse(v domain.VerificationResult) verificationResponse {
	return verificationResponse{VerificationResult: v, Passed: v.Passed()}
}

func saleToResponse(s domain.SaleRecord) saleResponse {
	return saleResponse{
		ID:                     s.ID,
		PurchaseRequestID:      s.PurchaseRequestID,
		ListingID:              s.ListingID,
		VehicleID:              s.VehicleID,
		BuyerID:                s.BuyerID,
		SellerID:               s.SellerID,
		FinalPrice:             s.FinalPrice,
		LedgerTxReference:      s.LedgerTxReference,
		OwnershipTransferredAt: s.OwnershipTransferredAt,
	}
}

func historyToResponse(vehicleID openapi_types.UUID, entries []domain.OwnershipHistoryEntry) historyResponse {
	out := historyResponse{VehicleID: vehicleID, Data: make([]historyEntryResponse, len(entries))}
	for i, e := range entries {
		out.Data[i] = historyEntryResponse{
			OwnerUserID: e.OwnerUserID,
			FromDate:    e.FromDate,
			ToDate:      e.ToDate,
			TxHash:      e.TxHash,
		}
	}
	return out
}
