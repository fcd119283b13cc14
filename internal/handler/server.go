// Package handler implements the HTTP handlers for the vehicle purchase API.
// Methods are split into domain-specific files (health.go, purchase.go) but
// all share the same Server struct so they can access its dependencies.
package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
	"github.com/pkordes/vehicle-escrow/backend/internal/service"
)

// PurchaseServicer defines the business operations the purchase handlers
// depend on. Defining the interface here (in the consumer package) lets
// handler tests inject a mock without touching the store or the service.
type PurchaseServicer interface {
	CreateRequest(ctx context.Context, in service.CreateInput) (domain.PurchaseRequest, error)
	GetRequest(ctx context.Context, id, actorID uuid.UUID) (domain.PurchaseRequest, error)
	ListRequests(ctx context.Context, actorID uuid.UUID, p domain.PaginationParams) ([]domain.PurchaseRequest, int64, error)
	PostMessage(ctx context.Context, id, actorID uuid.UUID, text string) (domain.Message, error)
	RespondToRequest(ctx context.Context, id, actorID uuid.UUID, in service.RespondInput) (domain.PurchaseRequest, error)
	FundEscrow(ctx context.Context, id, actorID uuid.UUID, amount decimal.Decimal, ref string) (domain.Escrow, error)
	RunVerification(ctx context.Context, id, actorID uuid.UUID) (domain.VerificationResult, error)
	InitTransfer(ctx context.Context, id, actorID uuid.UUID) (domain.PurchaseRequest, error)
	ConfirmTransfer(ctx context.Context, id, actorID uuid.UUID) (domain.SaleRecord, error)
	GetOwnershipHistory(ctx context.Context, vehicleID uuid.UUID) ([]domain.OwnershipHistoryEntry, error)
	ListStalledTransfers(ctx context.Context, olderThan time.Duration) ([]domain.PurchaseRequest, error)
}

// Server holds the dependencies shared by every handler.
type Server struct {
	purchases PurchaseServicer
	log       *slog.Logger
}

// NewServer constructs the Server with all its dependencies.
func NewServer(purchases PurchaseServicer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{purchases: purchases, log: log}
}

// Routes registers every API endpoint on r. Middleware belongs to the caller;
// the purchase routes expect middleware.Actor to have run.
func (s *Server) Routes(r chi.Router) {
	r.Get("/healthz", s.GetHealth)
	r.Get("/openapi.yaml", s.GetOpenAPI)

	r.Route("/purchase-requests", func(r chi.Router) {
		r.Post("/", s.CreateRequest)
		r.Get("/", s.ListRequests)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetRequest)
			r.Post("/messages", s.PostMessage)
			r.Post("/response", s.RespondToRequest)
			r.Post("/escrow", s.FundEscrow)
			r.Post("/verification", s.RunVerification)
			r.Post("/transfer", s.InitTransfer)
			r.Post("/transfer/confirm", s.ConfirmTransfer)
		})
	})

	r.Get("/vehicles/{id}/ownership-history", s.GetOwnershipHistory)
	r.Get("/admin/stalled-transfers", s.ListStalledTransfers)
}
