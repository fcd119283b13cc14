// Package attest provides the vehicle attestation snapshots read by
// verification. PGSource reads the registry's read model from Postgres;
// StaticSource serves fixed snapshots for local runs and tests.
package attest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// db is the subset of *pgxpool.Pool and pgx.Tx used here.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Attestation is one row of the vehicle_attestations read model.
type Attestation struct {
	VehicleID       uuid.UUID
	TrustScore      int
	LastTelemetryAt *time.Time
	// LedgerTxHash is the anchor of the vehicle's latest ledger attestation.
	LedgerTxHash string
	// StorageRef points at the vehicle's documents in the storage network.
	StorageRef string
}

// Snapshot reduces the row to what verification evaluates.
func (a Attestation) Snapshot() domain.VehicleSnapshot {
	return domain.VehicleSnapshot{
		VehicleID:             a.VehicleID,
		TrustScore:            a.TrustScore,
		LastTelemetryAt:       a.LastTelemetryAt,
		HasLedgerAttestation:  a.LedgerTxHash != "",
		HasStorageAttestation: a.StorageRef != "",
	}
}

// PGSource reads snapshots from the vehicle_attestations table.
type PGSource struct {
	db db
}

// NewPGSource constructs a PGSource backed by the provided db connection.
func NewPGSource(db db) *PGSource {
	return &PGSource{db: db}
}

// GetVehicleAttestationSnapshot returns the vehicle's snapshot. A vehicle the
// registry has never attested yields an empty snapshot, which fails every
// check, rather than an error.
func (s *PGSource) GetVehicleAttestationSnapshot(ctx context.Context, vehicleID uuid.UUID) (domain.VehicleSnapshot, error) {
	const q = `
		SELECT trust_score, last_telemetry_at, ledger_tx_hash, storage_ref
		FROM vehicle_attestations
		WHERE vehicle_id = @vehicle_id`

	var (
		a    = Attestation{VehicleID: vehicleID}
		seen pgtype.Timestamptz
	)
	err := s.db.QueryRow(ctx, q, pgx.NamedArgs{"vehicle_id": vehicleID}).
		Scan(&a.TrustScore, &seen, &a.LedgerTxHash, &a.StorageRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return a.Snapshot(), nil
	}
	if err != nil {
		return domain.VehicleSnapshot{}, fmt.Errorf("attest.PGSource.GetVehicleAttestationSnapshot: %w", err)
	}
	if seen.Valid {
		t := seen.Time
		a.LastTelemetryAt = &t
	}
	return a.Snapshot(), nil
}

// Upsert writes a row. The registry owns the table in production; this is
// how local environments and integration tests seed it.
func (s *PGSource) Upsert(ctx context.Context, a Attestation) error {
	const q = `
		INSERT INTO vehicle_attestations (vehicle_id, trust_score, last_telemetry_at, ledger_tx_hash, storage_ref)
		VALUES (@vehicle_id, @trust_score, @last_telemetry_at, @ledger_tx_hash, @storage_ref)
		ON CONFLICT (vehicle_id) DO UPDATE
		SET trust_score       = EXCLUDED.trust_score,
		    last_telemetry_at = EXCLUDED.last_telemetry_at,
		    ledger_tx_hash    = EXCLUDED.ledger_tx_hash,
		    storage_ref       = EXCLUDED.storage_ref,
		    updated_at        = now()`

	_, err := s.db.Exec(ctx, q, pgx.NamedArgs{
		"vehicle_id":        a.VehicleID,
		"trust_score":       a.TrustScore,
		"last_telemetry_at": a.LastTelemetryAt,
		"ledger_tx_hash":    a.LedgerTxHash,
		"storage_ref":       a.StorageRef,
	})
	if err != nil {
		return fmt.Errorf("attest.PGSource.Upsert: %w", err)
	}
	return nil
}

// StaticSource serves snapshots from memory. Unknown vehicles get the empty
// snapshot, like PGSource.
type StaticSource struct {
	mu    sync.RWMutex
	snaps map[uuid.UUID]domain.VehicleSnapshot
}

// NewStaticSource returns a StaticSource holding snaps.
func NewStaticSource(snaps ...domain.VehicleSnapshot) *StaticSource {
	s := &StaticSource{snaps: make(map[uuid.UUID]domain.VehicleSnapshot, len(snaps))}
	for _, snap := range snaps {
		s.snaps[snap.VehicleID] = snap
	}
	return s
}

// Set stores or replaces the snapshot for snap.VehicleID.
func (s *StaticSource) Set(snap domain.VehicleSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.VehicleID] = snap
}

func (s *StaticSource) GetVehicleAttestationSnapshot(ctx context.Context, vehicleID uuid.UUID) (domain.VehicleSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.VehicleSnapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if snap, ok := s.snaps[vehicleID]; ok {
		return snap, nil
	}
	return domain.VehicleSnapshot{VehicleID: vehicleID}, nil
}

// seedEntry is one element of a seed file.
type seedEntry struct {
	VehicleID       uuid.UUID  `json:"vehicle_id"`
	TrustScore      int        `json:"trust_score"`
	LastTelemetryAt *time.Time `json:"last_telemetry_at"`
	LedgerTxHash    string     `json:"ledger_tx_hash"`
	StorageRef      string     `json:"storage_ref"`
}

// ReadSeed decodes a JSON array of attestations, for example:
//
//	[{"vehicle_id": "3f0c...", "trust_score": 80, "last_telemetry_at": "2025-03-10T11:00:00Z",
//	  "ledger_tx_hash": "0xfeed", "storage_ref": "bafy..."}]
func ReadSeed(r io.Reader) ([]Attestation, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var entries []seedEntry
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("attest.ReadSeed: %w", err)
	}
	out := make([]Attestation, 0, len(entries))
	for i, e := range entries {
		if e.VehicleID == uuid.Nil {
			return nil, fmt.Errorf("attest.ReadSeed: entry %d: vehicle_id is required", i)
		}
		out = append(out, Attestation(e))
	}
	return out, nil
}

// LoadStaticSource builds a StaticSource from the seed file at path. An empty
// path yields an empty source.
func LoadStaticSource(path string) (*StaticSource, error) {
	src := NewStaticSource()
	if path == "" {
		return src, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("attest.LoadStaticSource: %w", err)
	}
	defer f.Close()

	seed, err := ReadSeed(f)
	if err != nil {
		return nil, err
	}
	for _, a := range seed {
		src.Set(a.Snapshot())
	}
	return src, nil
}
