package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// PurchaseRepo defines the persistence operations for PurchaseRequests.
// Escrow is stored separately (EscrowRepo) and is not populated by these methods.
type PurchaseRepo interface {
	// Create inserts a new request and returns the persisted record (with
	// DB-generated id, created_at, and updated_at populated).
	Create(ctx context.Context, pr domain.PurchaseRequest) (domain.PurchaseRequest, error)

	// GetByID retrieves a request with its message log.
	// Returns domain.ErrNotFound if no request with that ID exists.
	GetByID(ctx context.Context, id uuid.UUID) (domain.PurchaseRequest, error)

	// GetForUpdate is GetByID that also locks the row until the surrounding
	// transaction ends. Outside a transaction it behaves like GetByID.
	GetForUpdate(ctx context.Context, id uuid.UUID) (domain.PurchaseRequest, error)

	// CompareAndSwap writes the mutable fields of pr (status, counter price,
	// verification) only if the stored status still equals expected.
	// Returns domain.ErrConflict if the status moved in between, and
	// domain.ErrNotFound if the request does not exist.
	CompareAndSwap(ctx context.Context, expected domain.Status, pr domain.PurchaseRequest) (domain.PurchaseRequest, error)

	// AppendMessage adds an entry to the end of the request's message log.
	AppendMessage(ctx context.Context, id uuid.UUID, msg domain.Message) (domain.Message, error)

	// ListByActor returns one page of requests where actorID is buyer or
	// seller, newest first, and the total across all pages.
	ListByActor(ctx context.Context, actorID uuid.UUID, p domain.PaginationParams) ([]domain.PurchaseRequest, int64, error)

	// ListStale returns requests in status whose updated_at is before cutoff,
	// oldest first.
	ListStale(ctx context.Context, status domain.Status, cutoff time.Time) ([]domain.PurchaseRequest, error)
}

// pgPurchaseRepo is the Postgres implementation of PurchaseRepo.
type pgPurchaseRepo struct {
	db db
}

// NewPurchaseRepo constructs a PurchaseRepo backed by the provided db connection.
func NewPurchaseRepo(db db) PurchaseRepo {
	return &pgPurchaseRepo{db: db}
}

const purchaseColumns = `
	id, listing_id, vehicle_id, buyer_id, seller_id,
	offered_price::text, counter_price::text, counter_accepted,
	status, verification, verification_attempts, created_at, updated_at`

// Create inserts a new request row and, when present, its opening messages.
func (r *pgPurchaseRepo) Create(ctx context.Context, pr domain.PurchaseRequest) (domain.PurchaseRequest, error) {
	const q = `
		INSERT INTO purchase_requests (listing_id, vehicle_id, buyer_id, seller_id, offered_price, status)
		VALUES (@listing_id, @vehicle_id, @buyer_id, @seller_id, @offered_price::text::numeric, @status)
		RETURNING` + purchaseColumns

	args := pgx.NamedArgs{
		"listing_id":    pr.ListingID,
		"vehicle_id":    pr.VehicleID,
		"buyer_id":      pr.BuyerID,
		"seller_id":     pr.SellerID,
		"offered_price": moneyArg(pr.OfferedPrice),
		"status":        string(pr.Status),
	}

	created, err := scanPurchase(r.db.QueryRow(ctx, q, args))
	if err != nil {
		return domain.PurchaseRequest{}, fmt.Errorf("repo.PurchaseRepo.Create: %w", mapErr(err))
	}

	for _, m := range pr.Messages {
		msg, err := r.AppendMessage(ctx, created.ID, m)
		if err != nil {
			return domain.PurchaseRequest{}, fmt.Errorf("repo.PurchaseRepo.Create: %w", err)
		}
		created.Messages = append(created.Messages, msg)
	}
	return created, nil
}

// GetByID retrieves a request by primary key.
func (r *pgPurchaseRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.PurchaseRequest, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate retrieves a request by primary key holding a row lock.
func (r *pgPurchaseRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.PurchaseRequest, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *pgPurchaseRepo) get(ctx context.Context, id uuid.UUID, lock string) (domain.PurchaseRequest, error) {
	q := `SELECT` + purchaseColumns + ` FROM purchase_requests WHERE id = @id` + lock

	pr, err := scanPurchase(r.db.QueryRow(ctx, q, pgx.NamedArgs{"id": id}))
	if err != nil {
		return domain.PurchaseRequest{}, fmt.Errorf("repo.PurchaseRepo.GetByID: %w", mapErr(err))
	}

	pr.Messages, err = r.messages(ctx, id)
	if err != nil {
		return domain.PurchaseRequest{}, fmt.Errorf("repo.PurchaseRepo.GetByID: %w", err)
	}
	return pr, nil
}

// CompareAndSwap performs the status check and the write in one statement.
func (r *pgPurchaseRepo) CompareAndSwap(ctx context.Context, expected domain.Status, pr domain.PurchaseRequest) (domain.PurchaseRequest, error) {
	const q = `
		UPDATE purchase_requests
		SET status                = @status,
		    counter_price         = @counter_price::text::numeric,
		    counter_accepted      = @counter_accepted,
		    verification          = @verification,
		    verification_attempts = @verification_attempts,
		    updated_at            = now()
		WHERE id = @id AND status = @expected
		RETURNING` + purchaseColumns

	var verification []byte
	if pr.Verification != nil {
		b, err := json.Marshal(pr.Verification)
		if err != nil {
			return domain.PurchaseRequest{}, fmt.Errorf("repo.PurchaseRepo.CompareAndSwap: encode verification: %w", err)
		}
		verification = b
	}

	args := pgx.NamedArgs{
		"id":                    pr.ID,
		"expected":              string(expected),
		"status":                string(pr.Status),
		"counter_price":         optMoneyArg(pr.CounterPrice),
		"counter_accepted":      pr.CounterAccepted,
		"verification":          verification,
		"verification_attempts": pr.VerificationAttempts,
	}

	updated, err := scanPurchase(r.db.QueryRow(ctx, q, args))
	if err != nil {
		err = mapErr(err)
		if errors.Is(err, domain.ErrNotFound) {
			// Distinguish a missing row from a moved status.
			if _, getErr := r.GetByID(ctx, pr.ID); getErr == nil {
				err = domain.ErrConflict
			}
		}
		return domain.PurchaseRequest{}, fmt.Errorf("repo.PurchaseRepo.CompareAndSwap: %w", err)
	}

	updated.Messages, err = r.messages(ctx, pr.ID)
	if err != nil {
		return domain.PurchaseRequest{}, fmt.Errorf("repo.PurchaseRepo.CompareAndSwap: %w", err)
	}
	return updated, nil
}

// AppendMessage inserts a message; seq preserves insertion order.
func (r *pgPurchaseRepo) AppendMessage(ctx context.Context, id uuid.UUID, msg domain.Message) (domain.Message, error) {
	const q = `
		INSERT INTO purchase_messages (purchase_request_id, sender_id, body)
		VALUES (@purchase_request_id, @sender_id, @body)
		RETURNING sender_id, body, created_at`

	args := pgx.NamedArgs{
		"purchase_request_id": id,
		"sender_id":           msg.SenderID,
		"body":                msg.Text,
	}

	var (
		out    domain.Message
		sender pgtype.UUID
	)
	if err := r.db.QueryRow(ctx, q, args).Scan(&sender, &out.Text, &out.CreatedAt); err != nil {
		return domain.Message{}, fmt.Errorf("repo.PurchaseRepo.AppendMessage: %w", mapErr(err))
	}
	out.SenderID = uuid.UUID(sender.Bytes)
	return out, nil
}

// ListByActor returns one page of the actor's requests without message logs.
func (r *pgPurchaseRepo) ListByActor(ctx context.Context, actorID uuid.UUID, p domain.PaginationParams) ([]domain.PurchaseRequest, int64, error) {
	const countQ = `
		SELECT count(*)
		FROM purchase_requests
		WHERE buyer_id = @actor OR seller_id = @actor`

	var total int64
	if err := r.db.QueryRow(ctx, countQ, pgx.NamedArgs{"actor": actorID}).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("repo.PurchaseRepo.ListByActor: count: %w", err)
	}

	q := `SELECT` + purchaseColumns + `
		FROM purchase_requests
		WHERE buyer_id = @actor OR seller_id = @actor
		ORDER BY created_at DESC, id
		LIMIT @limit OFFSET @offset`

	out, err := r.list(ctx, q, pgx.NamedArgs{"actor": actorID, "limit": p.Limit, "offset": p.Offset()})
	if err != nil {
		return nil, 0, fmt.Errorf("repo.PurchaseRepo.ListByActor: %w", err)
	}
	return out, total, nil
}

// ListStale returns requests stuck in status since before cutoff.
func (r *pgPurchaseRepo) ListStale(ctx context.Context, status domain.Status, cutoff time.Time) ([]domain.PurchaseRequest, error) {
	q := `SELECT` + purchaseColumns + `
		FROM purchase_requests
		WHERE status = @status AND updated_at < @cutoff
		ORDER BY updated_at ASC`

	out, err := r.list(ctx, q, pgx.NamedArgs{"status": string(status), "cutoff": cutoff})
	if err != nil {
		return nil, fmt.Errorf("repo.PurchaseRepo.ListStale: %w", err)
	}
	return out, nil
}

func (r *pgPurchaseRepo) list(ctx context.Context, q string, args pgx.NamedArgs) ([]domain.PurchaseRequest, error) {
	rows, err := r.db.Query(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PurchaseRequest
	for rows.Next() {
		pr, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (r *pgPurchaseRepo) messages(ctx context.Context, id uuid.UUID) ([]domain.Message, error) {
	const q = `
		SELECT sender_id, body, created_at
		FROM purchase_messages
		WHERE purchase_request_id = @id
		ORDER BY seq ASC`

	rows, err := r.db.Query(ctx, q, pgx.NamedArgs{"id": id})
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			m      domain.Message
			sender pgtype.UUID
		)
		if err := rows.Scan(&sender, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("messages: scan: %w", err)
		}
		m.SenderID = uuid.UUID(sender.Bytes)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages: rows: %w", err)
	}
	return out, nil
}

// scanPurchase maps a single purchase_requests row into a domain.PurchaseRequest.
// It handles UUID, NUMERIC-as-text, and JSONB conversions.
func scanPurchase(s scanner) (domain.PurchaseRequest, error) {
	var (
		pr                                      domain.PurchaseRequest
		id, listingID, vehicleID, buyer, seller pgtype.UUID
		offered                                 string
		counter                                 *string
		status                                  string
		verification                            []byte
	)

	err := s.Scan(
		&id, &listingID, &vehicleID, &buyer, &seller,
		&offered, &counter, &pr.CounterAccepted,
		&status, &verification, &pr.VerificationAttempts, &pr.CreatedAt, &pr.UpdatedAt,
	)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}

	pr.ID = uuid.UUID(id.Bytes)
	pr.ListingID = uuid.UUID(listingID.Bytes)
	pr.VehicleID = uuid.UUID(vehicleID.Bytes)
	pr.BuyerID = uuid.UUID(buyer.Bytes)
	pr.SellerID = uuid.UUID(seller.Bytes)
	pr.Status = domain.Status(status)

	if pr.OfferedPrice, err = parseMoney(offered); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if pr.CounterPrice, err = parseOptMoney(counter); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if len(verification) > 0 {
		var v domain.VerificationResult
		if err := json.Unmarshal(verification, &v); err != nil {
			return domain.PurchaseRequest{}, fmt.Errorf("decode verification: %w", err)
		}
		pr.Verification = &v
	}
	return pr, nil
}
