package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// SaleRepo defines the persistence operations for SaleRecords.
// Records are insert-only; purchase_request_id is unique.
type SaleRepo interface {
	// CreateOnce inserts s unless a record already exists for its purchase
	// request, in which case the existing record is returned unchanged.
	// created reports whether this call inserted the row.
	CreateOnce(ctx context.Context, s domain.SaleRecord) (rec domain.SaleRecord, created bool, err error)

	// GetByPurchaseID returns the sale for a request.
	// Returns domain.ErrNotFound if the request has not been sold.
	GetByPurchaseID(ctx context.Context, purchaseID uuid.UUID) (domain.SaleRecord, error)
}

// pgSaleRepo is the Postgres implementation of SaleRepo.
type pgSaleRepo struct {
	db db
}

// NewSaleRepo constructs a SaleRepo backed by the provided db connection.
func NewSaleRepo(db db) SaleRepo {
	return &pgSaleRepo{db: db}
}

const saleColumns = `
	id, purchase_request_id, listing_id, vehicle_id, buyer_id, seller_id,
	final_price::text, ledger_tx_reference, ownership_transferred_at, created_at`

func (r *pgSaleRepo) CreateOnce(ctx context.Context, s domain.SaleRecord) (domain.SaleRecord, bool, error) {
	const q = `
		INSERT INTO sale_records (
			purchase_request_id, listing_id, vehicle_id, buyer_id, seller_id,
			final_price, ledger_tx_reference, ownership_transferred_at)
		VALUES (
			@purchase_request_id, @listing_id, @vehicle_id, @buyer_id, @seller_id,
			@final_price::text::numeric, @ledger_tx_reference, @ownership_transferred_at)
		ON CONFLICT (purchase_request_id) DO NOTHING
		RETURNING` + saleColumns

	args := pgx.NamedArgs{
		"purchase_request_id":      s.PurchaseRequestID,
		"listing_id":               s.ListingID,
		"vehicle_id":               s.VehicleID,
		"buyer_id":                 s.BuyerID,
		"seller_id":                s.SellerID,
		"final_price":              moneyArg(s.FinalPrice),
		"ledger_tx_reference":      s.LedgerTxReference,
		"ownership_transferred_at": s.OwnershipTransferredAt,
	}

	created, err := scanSale(r.db.QueryRow(ctx, q, args))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.SaleRecord{}, false, fmt.Errorf("repo.SaleRepo.CreateOnce: %w", mapErr(err))
	}

	// DO NOTHING returns no row: the sale already exists.
	existing, err := r.GetByPurchaseID(ctx, s.PurchaseRequestID)
	if err != nil {
		return domain.SaleRecord{}, false, fmt.Errorf("repo.SaleRepo.CreateOnce: %w", err)
	}
	return existing, false, nil
}

func (r *pgSaleRepo) GetByPurchaseID(ctx context.Context, purchaseID uuid.UUID) (domain.SaleRecord, error) {
	const q = `SELECT` + saleColumns + ` FROM sale_records WHERE purchase_request_id = @purchase_request_id`

	s, err := scanSale(r.db.QueryRow(ctx, q, pgx.NamedArgs{"purchase_request_id": purchaseID}))
	if err != nil {
		return domain.SaleRecord{}, fmt.Errorf("repo.SaleRepo.GetByPurchaseID: %w", mapErr(err))
	}
	return s, nil
}

// scanSale maps a single sale_records row into a domain.SaleRecord.
func scanSale(s scanner) (domain.SaleRecord, error) {
	var (
		rec                                       domain.SaleRecord
		id, prID, listingID, vehicleID, buyer, sl pgtype.UUID
		price                                     string
	)

	err := s.Scan(&id, &prID, &listingID, &vehicleID, &buyer, &sl,
		&price, &rec.LedgerTxReference, &rec.OwnershipTransferredAt, &rec.CreatedAt)
	if err != nil {
		return domain.SaleRecord{}, err
	}

	rec.ID = uuid.UUID(id.Bytes)
	rec.PurchaseRequestID = uuid.UUID(prID.Bytes)
	rec.ListingID = uuid.UUID(listingID.Bytes)
	rec.VehicleID = uuid.UUID(vehicleID.Bytes)
	rec.BuyerID = uuid.UUID(buyer.Bytes)
	rec.SellerID = uuid.UUID(sl.Bytes)
	if rec.FinalPrice, err = parseMoney(price); err != nil {
		return domain.SaleRecord{}, err
	}
	return rec, nil
}
