package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// EscrowRepo defines the persistence operations for Escrows.
// There is at most one escrow per purchase request.
type EscrowRepo interface {
	// GetByPurchaseID returns the escrow owned by the given request.
	// Returns domain.ErrNotFound if the request has none yet.
	GetByPurchaseID(ctx context.Context, purchaseID uuid.UUID) (domain.Escrow, error)

	// Create inserts a new escrow. Returns domain.ErrConflict if the request
	// already owns one.
	Create(ctx context.Context, e domain.Escrow) (domain.Escrow, error)

	// Transition moves the escrow from one status to another, stamping
	// funded_at or released_at as appropriate. Returns domain.ErrConflict if
	// the stored status is not from.
	Transition(ctx context.Context, id uuid.UUID, from, to domain.EscrowStatus, at time.Time) (domain.Escrow, error)
}

// pgEscrowRepo is the Postgres implementation of EscrowRepo.
type pgEscrowRepo struct {
	db db
}

// NewEscrowRepo constructs an EscrowRepo backed by the provided db connection.
func NewEscrowRepo(db db) EscrowRepo {
	return &pgEscrowRepo{db: db}
}

const escrowColumns = `
	id, purchase_request_id, amount::text, funding_reference, status,
	funded_at, released_at, created_at, updated_at`

func (r *pgEscrowRepo) GetByPurchaseID(ctx context.Context, purchaseID uuid.UUID) (domain.Escrow, error) {
	const q = `SELECT` + escrowColumns + ` FROM escrows WHERE purchase_request_id = @purchase_request_id`

	e, err := scanEscrow(r.db.QueryRow(ctx, q, pgx.NamedArgs{"purchase_request_id": purchaseID}))
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("repo.EscrowRepo.GetByPurchaseID: %w", mapErr(err))
	}
	return e, nil
}

func (r *pgEscrowRepo) Create(ctx context.Context, e domain.Escrow) (domain.Escrow, error) {
	const q = `
		INSERT INTO escrows (purchase_request_id, amount, funding_reference, status)
		VALUES (@purchase_request_id, @amount::text::numeric, @funding_reference, @status)
		ON CONFLICT (purchase_request_id) DO NOTHING
		RETURNING` + escrowColumns

	args := pgx.NamedArgs{
		"purchase_request_id": e.PurchaseRequestID,
		"amount":              moneyArg(e.Amount),
		"funding_reference":   e.FundingReference,
		"status":              string(e.Status),
	}

	// DO NOTHING keeps the surrounding transaction usable; no row means the
	// request already owns an escrow.
	created, err := scanEscrow(r.db.QueryRow(ctx, q, args))
	if err != nil {
		err = mapErr(err)
		if errors.Is(err, domain.ErrNotFound) {
			err = domain.ErrConflict
		}
		return domain.Escrow{}, fmt.Errorf("repo.EscrowRepo.Create: %w", err)
	}
	return created, nil
}

func (r *pgEscrowRepo) Transition(ctx context.Context, id uuid.UUID, from, to domain.EscrowStatus, at time.Time) (domain.Escrow, error) {
	const q = `
		UPDATE escrows
		SET status      = @to,
		    funded_at   = CASE WHEN @to = 'funded'   THEN @at ELSE funded_at END,
		    released_at = CASE WHEN @to = 'released' THEN @at ELSE released_at END,
		    updated_at  = now()
		WHERE id = @id AND status = @from
		RETURNING` + escrowColumns

	args := pgx.NamedArgs{
		"id":   id,
		"from": string(from),
		"to":   string(to),
		"at":   at,
	}

	updated, err := scanEscrow(r.db.QueryRow(ctx, q, args))
	if err != nil {
		err = mapErr(err)
		if errors.Is(err, domain.ErrNotFound) {
			err = domain.ErrConflict
		}
		return domain.Escrow{}, fmt.Errorf("repo.EscrowRepo.Transition: %w", err)
	}
	return updated, nil
}

// scanEscrow maps a single escrows row into a domain.Escrow.
func scanEscrow(s scanner) (domain.Escrow, error) {
	var (
		e           domain.Escrow
		id, prID    pgtype.UUID
		amount      string
		status      string
		funded, rel pgtype.Timestamptz
	)

	err := s.Scan(&id, &prID, &amount, &e.FundingReference, &status, &funded, &rel, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return domain.Escrow{}, err
	}

	e.ID = uuid.UUID(id.Bytes)
	e.PurchaseRequestID = uuid.UUID(prID.Bytes)
	e.Status = domain.EscrowStatus(status)
	if e.Amount, err = parseMoney(amount); err != nil {
		return domain.Escrow{}, err
	}
	if funded.Valid {
		t := funded.Time
		e.FundedAt = &t
	}
	if rel.Valid {
		t := rel.Time
		e.ReleasedAt = &t
	}
	return e, nil
}
