// Package api exposes the settlement core over HTTP and WebSocket.
//
// The caller's identity is taken from the X-User-ID header. On the direct
// path it is the owner the operation acts on; on the delegated path the
// owner comes from the request body and the header is optional.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/quickbet/settlement/internal/delegation"
	"github.com/quickbet/settlement/internal/events"
	"github.com/quickbet/settlement/internal/model"
	"github.com/quickbet/settlement/internal/oracle"
	"github.com/quickbet/settlement/internal/settlement"
)

// CallerHeader carries the identity of the caller.
const CallerHeader = "X-User-ID"

// Service handles settlement requests.
type Service struct {
	engine    *settlement.Engine
	coord     *delegation.Coordinator
	quotes    oracle.Publisher // nil when quotes come from an external relay
	publisher events.Publisher
}

// NewService creates the HTTP service. Pass nil for quotes to disable the
// quote push endpoint and nil for publisher to drop price updates.
func NewService(engine *settlement.Engine, coord *delegation.Coordinator, quotes oracle.Publisher, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Service{
		engine:    engine,
		coord:     coord,
		quotes:    quotes,
		publisher: publisher,
	}
}

// Mount registers the /api/v1 routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Post("/users/{userID}/init", s.InitializeUser)
	r.Get("/users/{userID}", s.GetUser)
	r.Get("/users/{userID}/delegation/message", s.DelegationMessage)

	r.Post("/wagers", s.OpenWagerDirect)
	r.Post("/wagers/resolve", s.ResolveWagerDirect)
	r.Post("/delegated/wagers", s.OpenWagerDelegated)
	r.Post("/delegated/wagers/resolve", s.ResolveWagerDelegated)

	r.Post("/delegation/request", s.RequestDelegation)
	r.Post("/delegation/transfer", s.TransferResource)
	r.Post("/delegation/undelegate", s.Undelegate)
	r.Post("/delegation/finalize", s.FinalizeLocal)

	r.Put("/oracle/quote", s.PushQuote)
}

// --- Request/Response types ---

// OpenWagerRequest is the JSON body of both open endpoints.
type OpenWagerRequest struct {
	Owner           model.UserID     `json:"owner,omitempty"`
	Asset           string           `json:"asset"`
	Direction       *model.Direction `json:"direction"` // "up" or "down"; nil when absent
	Stake           uint64           `json:"stake"`
	DurationSeconds int64            `json:"duration_seconds"`
}

// ResolveWagerRequest is the JSON body of both resolve endpoints.
type ResolveWagerRequest struct {
	Owner model.UserID `json:"owner,omitempty"`
}

// DelegationRequest is the JSON body of POST /delegation/request.
type DelegationRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature,omitempty"` // hex, optional 0x prefix
}

// TransferRequest is the JSON body of POST /delegation/transfer.
type TransferRequest struct {
	Resource model.ResourceKind `json:"resource"`
}

// MessageResponse is returned by GET /users/{userID}/delegation/message.
type MessageResponse struct {
	Message string `json:"message"`
	Nonce   uint64 `json:"nonce"`
}

// SnapshotResponse is the user's state after an operation, with the wager
// prices rendered as decimals.
type SnapshotResponse struct {
	*model.Snapshot
	OpenedPrice   *decimal.Decimal `json:"opened_price,omitempty"`
	ResolvedPrice *decimal.Decimal `json:"resolved_price,omitempty"`
}

// PriceUpdate is the payload of a price_update event.
type PriceUpdate struct {
	FeedID      oracle.FeedID   `json:"feed_id"`
	Price       decimal.Decimal `json:"price"`
	PublishedAt int64           `json:"published_at"`
}

func newSnapshotResponse(snap *model.Snapshot) SnapshotResponse {
	resp := SnapshotResponse{Snapshot: snap}
	if snap.Wager != nil && snap.Wager.Status != model.StatusNone {
		opened := snap.Wager.OpenedPrice.Decimal()
		resp.OpenedPrice = &opened
		if snap.Wager.Status.Terminal() {
			resolved := snap.Wager.ResolvedPrice.Decimal()
			resp.ResolvedPrice = &resolved
		}
	}
	return resp
}

// --- HTTP Handlers ---

// InitializeUser handles POST /api/v1/users/{userID}/init
func (s *Service) InitializeUser(w http.ResponseWriter, r *http.Request) {
	user := model.UserID(chi.URLParam(r, "userID"))
	if caller := callerOf(r); caller != user {
		writeErr(w, r, "initialize_user", fmt.Errorf("%w: caller %q initializing %q", model.ErrOwnerMismatch, caller, user))
		return
	}
	snap, err := s.engine.InitializeUser(r.Context(), user)
	if err != nil {
		writeErr(w, r, "initialize_user", err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), model.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		writeErr(w, r, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

// DelegationMessage handles GET /api/v1/users/{userID}/delegation/message
func (s *Service) DelegationMessage(w http.ResponseWriter, r *http.Request) {
	msg, nonce, err := s.coord.ExpectedMessage(r.Context(), model.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		writeErr(w, r, "delegation_message", err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: msg, Nonce: nonce})
}

// OpenWagerDirect handles POST /api/v1/wagers
func (s *Service) OpenWagerDirect(w http.ResponseWriter, r *http.Request) {
	s.openWager(w, r, model.Direct)
}

// OpenWagerDelegated handles POST /api/v1/delegated/wagers
func (s *Service) OpenWagerDelegated(w http.ResponseWriter, r *http.Request) {
	s.openWager(w, r, model.Delegated)
}

func (s *Service) openWager(w http.ResponseWriter, r *http.Request, mode model.AccessMode) {
	var req OpenWagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "BadRequest", http.StatusBadRequest)
		return
	}
	direction := model.DirectionUnknown
	if req.Direction != nil {
		direction = *req.Direction
	}
	snap, err := s.engine.OpenWager(r.Context(), mode, callerOf(r), settlement.OpenRequest{
		Owner:     req.Owner,
		Asset:     req.Asset,
		Direction: direction,
		Stake:     req.Stake,
		Duration:  req.DurationSeconds,
	})
	if err != nil {
		writeErr(w, r, "open_wager_"+mode.String(), err)
		return
	}
	writeJSON(w, http.StatusCreated, newSnapshotResponse(snap))
}

// ResolveWagerDirect handles POST /api/v1/wagers/resolve
func (s *Service) ResolveWagerDirect(w http.ResponseWriter, r *http.Request) {
	s.resolveWager(w, r, model.Direct)
}

// ResolveWagerDelegated handles POST /api/v1/delegated/wagers/resolve
func (s *Service) ResolveWagerDelegated(w http.ResponseWriter, r *http.Request) {
	s.resolveWager(w, r, model.Delegated)
}

func (s *Service) resolveWager(w http.ResponseWriter, r *http.Request, mode model.AccessMode) {
	var req ResolveWagerRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, "invalid request body", "BadRequest", http.StatusBadRequest)
		return
	}
	snap, err := s.engine.ResolveWager(r.Context(), mode, callerOf(r), req.Owner)
	if err != nil {
		writeErr(w, r, "resolve_wager_"+mode.String(), err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

// RequestDelegation handles POST /api/v1/delegation/request
func (s *Service) RequestDelegation(w http.ResponseWriter, r *http.Request) {
	var req DelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "BadRequest", http.StatusBadRequest)
		return
	}
	var sig []byte
	if req.Signature != "" {
		b, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
		if err != nil {
			writeErr(w, r, "request_delegation", fmt.Errorf("%w: signature is not hex", model.ErrInvalidSignaturePayload))
			return
		}
		sig = b
	}
	caller := callerOf(r)
	if _, err := s.coord.RequestDelegation(r.Context(), caller, req.Message, sig); err != nil {
		writeErr(w, r, "request_delegation", err)
		return
	}
	s.respondSnapshot(w, r, caller)
}

// TransferResource handles POST /api/v1/delegation/transfer
func (s *Service) TransferResource(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "BadRequest", http.StatusBadRequest)
		return
	}
	caller := callerOf(r)
	if err := s.coord.TransferToSecondary(r.Context(), caller, req.Resource); err != nil {
		writeErr(w, r, "transfer_resource", err)
		return
	}
	s.respondSnapshot(w, r, caller)
}

// Undelegate handles POST /api/v1/delegation/undelegate
func (s *Service) Undelegate(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	if err := s.coord.Undelegate(r.Context(), caller); err != nil {
		writeErr(w, r, "undelegate", err)
		return
	}
	s.respondSnapshot(w, r, caller)
}

// FinalizeLocal handles POST /api/v1/delegation/finalize
func (s *Service) FinalizeLocal(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	if _, err := s.coord.FinalizeLocal(r.Context(), caller); err != nil {
		writeErr(w, r, "finalize_local", err)
		return
	}
	s.respondSnapshot(w, r, caller)
}

// PushQuote handles PUT /api/v1/oracle/quote
// Accepts the latest quote from a price relay and broadcasts it.
func (s *Service) PushQuote(w http.ResponseWriter, r *http.Request) {
	if s.quotes == nil {
		writeError(w, "quotes are read from an external relay", "QuotePushDisabled", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, "invalid request body", "BadRequest", http.StatusBadRequest)
		return
	}
	q, err := oracle.DecodeQuote(body)
	if err != nil {
		writeError(w, err.Error(), "BadRequest", http.StatusBadRequest)
		return
	}
	if err := s.quotes.PublishQuote(r.Context(), q); err != nil {
		writeErr(w, r, "push_quote", err)
		return
	}

	update := PriceUpdate{
		FeedID:      q.FeedID,
		Price:       decimal.New(q.Mantissa, q.Exponent),
		PublishedAt: q.PublishedAt,
	}
	slog.Info("quote pushed", "feed", q.FeedID.String(), "price", update.Price.String(), "published_at", q.PublishedAt)
	ev := events.New(events.PriceUpdate, "", s.engine.Now(), update)
	if err := s.publisher.Publish(r.Context(), ev); err != nil {
		slog.Warn("event not published", "type", ev.Type, "err", err)
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *Service) respondSnapshot(w http.ResponseWriter, r *http.Request, user model.UserID) {
	snap, err := s.engine.Snapshot(r.Context(), user)
	if err != nil {
		writeErr(w, r, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

func callerOf(r *http.Request) model.UserID {
	return model.UserID(strings.TrimSpace(r.Header.Get(CallerHeader)))
}

// decodeOptional decodes a JSON body into v, accepting an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
