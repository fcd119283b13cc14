package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repos bundles the repositories that share one connection or transaction.
type Repos struct {
	Purchases PurchaseRepo
	Escrows   EscrowRepo
	Sales     SaleRepo
	History   HistoryRepo
}

// Store hands out repositories and runs units of work atomically.
// The service layer depends on this interface; PGStore and MemoryStore implement it.
type Store interface {
	// Repos returns repositories outside any transaction, for plain reads.
	Repos() Repos

	// InTx runs fn inside a transaction. Every write fn makes through the
	// supplied Repos is committed together when fn returns nil and discarded
	// when it returns an error.
	InTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}

// NewRepos binds every repository to the same db handle.
// In production pass *pgxpool.Pool; in tests pass a pgx.Tx for rollback isolation.
func NewRepos(db db) Repos {
	return Repos{
		Purchases: NewPurchaseRepo(db),
		Escrows:   NewEscrowRepo(db),
		Sales:     NewSaleRepo(db),
		History:   NewHistoryRepo(db),
	}
}

// PGStore is the Postgres implementation of Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a Store backed by the provided pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Repos returns pool-backed repositories.
func (s *PGStore) Repos() Repos {
	return NewRepos(s.pool)
}

// InTx begins a read-committed transaction. Callers that need linearizable
// transitions take a row lock with PurchaseRepo.GetForUpdate first.
func (s *PGStore) InTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("repo.PGStore.InTx: begin: %w", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, NewRepos(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repo.PGStore.InTx: commit: %w", err)
	}
	return nil
}
