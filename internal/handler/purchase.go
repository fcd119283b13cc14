package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
	"github.com/pkordes/vehicle-escrow/backend/internal/middleware"
	"github.com/pkordes/vehicle-escrow/backend/internal/service"
)

// defaultStalledAfter is the older_than used when the query omits it.
const defaultStalledAfter = 24 * time.Hour

// CreateRequest handles POST /purchase-requests. The actor is the buyer.
func (s *Server) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body createRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	pr, err := s.purchases.CreateRequest(r.Context(), service.CreateInput{
		ListingID:    body.ListingID,
		VehicleID:    body.VehicleID,
		BuyerID:      actor,
		SellerID:     body.SellerID,
		OfferedPrice: body.OfferedPrice,
		Message:      body.Message,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/purchase-requests/"+pr.ID.String())
	writeJSON(w, http.StatusCreated, purchaseToResponse(pr))
}

// ListRequests handles GET /purchase-requests: every request the actor is party to.
// Supports ?page= and ?limit= query parameters (defaults: page=1, limit=20, max=100).
func (s *Server) ListRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var page, limit *int
	if !queryInt(w, r, "page", &page) || !queryInt(w, r, "limit", &limit) {
		return
	}
	params := domain.NewPaginationParams(page, limit)

	prs, total, err := s.purchases.ListRequests(r.Context(), actor, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := purchasesToResponse(prs)
	out.Pagination = &pagination{Page: params.Page, Limit: params.Limit, Total: total}
	writeJSON(w, http.StatusOK, out)
}

// GetRequest handles GET /purchase-requests/{id}.
func (s *Server) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := pathAndActor(w, r)
	if !ok {
		return
	}

	pr, err := s.purchases.GetRequest(r.Context(), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseToResponse(pr))
}

// PostMessage handles POST /purchase-requests/{id}/messages.
func (s *Server) PostMessage(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := pathAndActor(w, r)
	if !ok {
		return
	}
	var body messageBody
	if !decodeJSON(w, r, &body) {
		return
	}

	msg, err := s.purchases.PostMessage(r.Context(), id, actor, body.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageToResponse(msg))
}

// RespondToRequest handles POST /purchase-requests/{id}/response.
func (s *Server) RespondToRequest(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := pathAndActor(w, r)
	if !ok {
		return
	}
	var body respondBody
	if !decodeJSON(w, r, &body) {
		return
	}

	pr, err := s.purchases.RespondToRequest(r.Context(), id, actor, service.RespondInput{
		Action:       body.Action,
		CounterPrice: body.CounterPrice,
		Message:      body.Message,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseToResponse(pr))
}

// FundEscrow handles POST /purchase-requests/{id}/escrow. The funding
// reference comes from the Idempotency-Key header or the body; when both are
// present they must agree.
func (s *Server) FundEscrow(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := pathAndActor(w, r)
	if !ok {
		return
	}
	var body fundBody
	if !decodeJSON(w, r, &body) {
		return
	}

	ref := body.FundingReference
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		if ref != "" && ref != key {
			writeErrorBody(w, http.StatusUnprocessableEntity, "validation_error", "Idempotency-Key and funding_reference differ")
			return
		}
		ref = key
	}

	e, err := s.purchases.FundEscrow(r.Context(), id, actor, body.Amount, ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowToResponse(e))
}

// RunVerification handles POST /purchase-requests/{id}/verification.
func (s *Server) RunVerification(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := pathAndActor(w, r)
	if !ok {
		return
	}

	res, err := s.purchases.RunVerification(r.Context(), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verificationToResponse(res))
}

// InitTransfer handles POST /purchase-requests/{id}/transfer.
func (s *Server) InitTransfer(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := pathAndActor(w, r)
	if !ok {
		return
	}

	pr, err := s.purchases.InitTransfer(r.Context(), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseToResponse(pr))
}

// ConfirmTransfer handles POST /purchase-requests/{id}/transfer/confirm.
func (s *Server) ConfirmTransfer(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := pathAndActor(w, r)
	if !ok {
		return
	}

	sale, err := s.purchases.ConfirmTransfer(r.Context(), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saleToResponse(sale))
}

// GetOwnershipHistory handles GET /vehicles/{id}/ownership-history.
func (s *Server) GetOwnershipHistory(w http.ResponseWriter, r *http.Request) {
	vehicleID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	entries, err := s.purchases.GetOwnershipHistory(r.Context(), vehicleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyToResponse(vehicleID, entries))
}

// ListStalledTransfers handles GET /admin/stalled-transfers?older_than=24h.
func (s *Server) ListStalledTransfers(w http.ResponseWriter, r *http.Request) {
	olderThan := defaultStalledAfter
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeErrorBody(w, http.StatusUnprocessableEntity, "validation_error", "older_than must be a duration such as 24h")
			return
		}
		olderThan = d
	}

	prs, err := s.purchases.ListStalledTransfers(r.Context(), olderThan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchasesToResponse(prs))
}

func purchasesToResponse(prs []domain.PurchaseRequest) purchaseListResponse {
	out := purchaseListResponse{Data: make([]purchaseResponse, len(prs))}
	for i, pr := range prs {
		out.Data[i] = purchaseToResponse(pr)
	}
	return out
}

// ---- request plumbing ------------------------------------------------------

// requireActor returns the acting user, or writes 401 when there is none.
func requireActor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		writeErrorBody(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid "+middleware.ActorHeader+" header")
	}
	return actor, ok
}

// pathUUID binds a UUID path parameter the way generated oapi-codegen
// servers do, writing 422 when it is malformed.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		writeErrorBody(w, http.StatusUnprocessableEntity, "validation_error", "invalid "+name+" parameter: "+err.Error())
		return uuid.Nil, false
	}
	return id, true
}

// queryInt binds an optional integer query parameter, writing 422 when it is
// not a number.
func queryInt(w http.ResponseWriter, r *http.Request, name string, dst **int) bool {
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), dst); err != nil {
		writeErrorBody(w, http.StatusUnprocessableEntity, "validation_error", "invalid "+name+" parameter: "+err.Error())
		return false
	}
	return true
}

func pathAndActor(w http.ResponseWriter, r *http.Request) (id, actor uuid.UUID, ok bool) {
	if id, ok = pathUUID(w, r, "id"); !ok {
		return uuid.Nil, uuid.Nil, false
	}
	if actor, ok = requireActor(w, r); !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return id, actor, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeBodyError(w, err)
		return false
	}
	return true
}
