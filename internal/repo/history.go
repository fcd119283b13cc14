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

// HistoryRepo defines the persistence operations for vehicle ownership history.
// Entries are append-only; only to_date of the open entry is ever updated.
type HistoryRepo interface {
	// ListByVehicle returns the vehicle's entries oldest first.
	ListByVehicle(ctx context.Context, vehicleID uuid.UUID) ([]domain.OwnershipHistoryEntry, error)

	// Current returns the open entry (to_date IS NULL) for the vehicle.
	// Returns domain.ErrNotFound if the vehicle has no open entry.
	Current(ctx context.Context, vehicleID uuid.UUID) (domain.OwnershipHistoryEntry, error)

	// Close sets to_date on an open entry. Returns domain.ErrConflict if the
	// entry was already closed.
	Close(ctx context.Context, id uuid.UUID, at time.Time) error

	// Append inserts a new open entry. Returns domain.ErrConflict if the
	// vehicle still has another open entry.
	Append(ctx context.Context, e domain.OwnershipHistoryEntry) (domain.OwnershipHistoryEntry, error)
}

// pgHistoryRepo is the Postgres implementation of HistoryRepo.
type pgHistoryRepo struct {
	db db
}

// NewHistoryRepo constructs a HistoryRepo backed by the provided db connection.
func NewHistoryRepo(db db) HistoryRepo {
	return &pgHistoryRepo{db: db}
}

const historyColumns = `id, vehicle_id, owner_user_id, from_date, to_date, tx_hash`

func (r *pgHistoryRepo) ListByVehicle(ctx context.Context, vehicleID uuid.UUID) ([]domain.OwnershipHistoryEntry, error) {
	const q = `
		SELECT ` + historyColumns + `
		FROM ownership_history
		WHERE vehicle_id = @vehicle_id
		ORDER BY seq ASC`

	rows, err := r.db.Query(ctx, q, pgx.NamedArgs{"vehicle_id": vehicleID})
	if err != nil {
		return nil, fmt.Errorf("repo.HistoryRepo.ListByVehicle: %w", err)
	}
	defer rows.Close()

	var out []domain.OwnershipHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("repo.HistoryRepo.ListByVehicle: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo.HistoryRepo.ListByVehicle: rows: %w", err)
	}
	return out, nil
}

func (r *pgHistoryRepo) Current(ctx context.Context, vehicleID uuid.UUID) (domain.OwnershipHistoryEntry, error) {
	const q = `
		SELECT ` + historyColumns + `
		FROM ownership_history
		WHERE vehicle_id = @vehicle_id AND to_date IS NULL`

	e, err := scanHistory(r.db.QueryRow(ctx, q, pgx.NamedArgs{"vehicle_id": vehicleID}))
	if err != nil {
		return domain.OwnershipHistoryEntry{}, fmt.Errorf("repo.HistoryRepo.Current: %w", mapErr(err))
	}
	return e, nil
}

func (r *pgHistoryRepo) Close(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE ownership_history SET to_date = @at WHERE id = @id AND to_date IS NULL`

	tag, err := r.db.Exec(ctx, q, pgx.NamedArgs{"id": id, "at": at})
	if err != nil {
		return fmt.Errorf("repo.HistoryRepo.Close: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo.HistoryRepo.Close: %w", domain.ErrConflict)
	}
	return nil
}

func (r *pgHistoryRepo) Append(ctx context.Context, e domain.OwnershipHistoryEntry) (domain.OwnershipHistoryEntry, error) {
	const q = `
		INSERT INTO ownership_history (vehicle_id, owner_user_id, from_date, tx_hash)
		VALUES (@vehicle_id, @owner_user_id, @from_date, @tx_hash)
		ON CONFLICT (vehicle_id) WHERE to_date IS NULL DO NOTHING
		RETURNING ` + historyColumns

	args := pgx.NamedArgs{
		"vehicle_id":    e.VehicleID,
		"owner_user_id": e.OwnerUserID,
		"from_date":     e.FromDate,
		"tx_hash":       e.TxHash,
	}

	created, err := scanHistory(r.db.QueryRow(ctx, q, args))
	if err != nil {
		err = mapErr(err)
		if errors.Is(err, domain.ErrNotFound) {
			err = domain.ErrConflict
		}
		return domain.OwnershipHistoryEntry{}, fmt.Errorf("repo.HistoryRepo.Append: %w", err)
	}
	return created, nil
}

// scanHistory maps a single ownership_history row into a domain.OwnershipHistoryEntry.
func scanHistory(s scanner) (domain.OwnershipHistoryEntry, error) {
	var (
		e                  domain.OwnershipHistoryEntry
		id, vehicle, owner pgtype.UUID
		toDate             pgtype.Timestamptz
	)

	if err := s.Scan(&id, &vehicle, &owner, &e.FromDate, &toDate, &e.TxHash); err != nil {
		return domain.OwnershipHistoryEntry{}, err
	}

	e.ID = uuid.UUID(id.Bytes)
	e.VehicleID = uuid.UUID(vehicle.Bytes)
	e.OwnerUserID = uuid.UUID(owner.Bytes)
	if toDate.Valid {
		t := toDate.Time
		e.ToDate = &t
	}
	return e, nil
}
