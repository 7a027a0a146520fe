package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"xswap/services/htlcd/confirmations"
	"xswap/services/htlcd/events"
	"xswap/services/htlcd/ledger"
	"xswap/services/htlcd/reservation"
	"xswap/services/htlcd/secrets"
	"xswap/services/htlcd/swap"
)

// Engine is the swap API surface served over HTTP.
type Engine interface {
	Initiate(ctx context.Context, req swap.InitiateRequest) (swap.Receipt, error)
	Get(ctx context.Context, id, caller string) (swap.Swap, error)
	List(ctx context.Context, filter swap.Filter, caller string) ([]swap.Swap, error)
	ClaimLeg(ctx context.Context, id string, idx int, secret secrets.Secret) (ledger.ClaimRef, error)
	Cancel(ctx context.Context, id, caller string) (swap.Swap, error)
}

// Availability answers balance pre-checks.
type Availability interface {
	ValidateAvailability(ctx context.Context, ledgerID, account, asset string, amount *big.Int) (reservation.Availability, error)
}

// Confirmations reads the confirmation log.
type Confirmations interface {
	Get(ctx context.Context, swapID string) ([]confirmations.Record, error)
}

// Notifier is told about swaps that should be driven promptly.
type Notifier interface {
	Notify(swapID string)
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	MaxListLimit  int
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Engine        Engine
	Availability  Availability
	Confirmations Confirmations
	Events        *events.Bus
	Notifier      Notifier
	Auth          *Authenticator
}

// Server hosts the swap API, the event stream, health and metrics endpoints.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router http.Handler
}

// New constructs a new HTTP server.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("swap engine required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxListLimit <= 0 {
		cfg.MaxListLimit = 500
	}
	srv := &Server{cfg: cfg, deps: deps, logger: logger}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.deps.Auth.Middleware)
		api.Post("/swaps", s.handleInitiate)
		api.Get("/swaps", s.handleList)
		api.Get("/swaps/{id}", s.handleGet)
		api.Post("/swaps/{id}/claim", s.handleClaim)
		api.Post("/swaps/{id}/cancel", s.handleCancel)
		api.Get("/swaps/{id}/confirmations", s.handleConfirmations)
		api.Post("/reservations/availability", s.handleAvailability)
		api.Get("/events", s.handleEvents)
	})
	return otelhttp.NewHandler(r, "htlcd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("htlcd/server: listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type legPayload struct {
	Chain          string `json:"chain"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	From           string `json:"from"`
	To             string `json:"to"`
	TimeoutSeconds int64  `json:"timeoutSeconds"`
	Confirmations  uint64 `json:"confirmations"`
}

type initiatePayload struct {
	ID            string       `json:"id"`
	Initiator     string       `json:"initiator"`
	Responder     string       `json:"responder"`
	HashLock      string       `json:"hashLock"`
	HashAlgorithm string       `json:"hashAlgorithm"`
	Legs          []legPayload `json:"legs"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	initiator := strings.TrimSpace(req.Initiator)
	if caller := callerFrom(r); caller != "" {
		if initiator != "" && initiator != caller {
			writeError(w, http.StatusForbidden, "initiator must be the authenticated caller")
			return
		}
		initiator = caller
	}
	if len(req.Legs) != 2 {
		writeError(w, http.StatusBadRequest, "exactly two legs required")
		return
	}
	in := swap.InitiateRequest{
		ID:            req.ID,
		Initiator:     initiator,
		Responder:     req.Responder,
		HashLock:      req.HashLock,
		HashAlgorithm: req.HashAlgorithm,
	}
	for i, leg := range req.Legs {
		amount, ok := parseAmount(leg.Amount)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("legs[%d].amount must be a positive integer", i))
			return
		}
		in.Legs[i] = swap.LegRequest{
			Chain:                 leg.Chain,
			AssetID:               leg.Asset,
			Amount:                amount,
			From:                  leg.From,
			To:                    leg.To,
			Timeout:               time.Duration(leg.TimeoutSeconds) * time.Second,
			RequiredConfirmations: leg.Confirmations,
		}
	}
	receipt, err := s.deps.Engine.Initiate(r.Context(), in)
	if err != nil {
		s.writeSwapError(w, err)
		return
	}
	if s.deps.Notifier != nil {
		s.deps.Notifier.Notify(receipt.SwapID)
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	query := r.URL.Query()
	filter := swap.Filter{Participant: caller, Limit: s.cfg.MaxListLimit}
	if caller == "" {
		filter.Participant = strings.TrimSpace(query.Get("participant"))
	}
	for _, raw := range query["status"] {
		status, ok := swap.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit < filter.Limit {
			filter.Limit = limit
		}
	}
	filter.NonTerminal = query.Get("active") == "true"
	swaps, err := s.deps.Engine.List(r.Context(), filter, caller)
	if err != nil {
		s.writeSwapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swaps": swaps})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	out, ok := s.loadVisible(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadVisible(w, r, chi.URLParam(r, "id")); !ok {
		return
	}
	var req struct {
		Leg    *int   `json:"leg"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Leg == nil {
		writeError(w, http.StatusBadRequest, "leg required")
		return
	}
	secret, err := secrets.ParseSecret(req.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, "secret must be hex encoded")
		return
	}
	ref, err := s.deps.Engine.ClaimLeg(r.Context(), chi.URLParam(r, "id"), *req.Leg, secret)
	if err != nil {
		s.writeSwapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadVisible(w, r, chi.URLParam(r, "id")); !ok {
		return
	}
	caller := callerFrom(r)
	out, err := s.deps.Engine.Cancel(r.Context(), chi.URLParam(r, "id"), caller)
	if err != nil {
		s.writeSwapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out.Redacted(caller))
}

func (s *Server) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Confirmations == nil {
		writeError(w, http.StatusServiceUnavailable, "confirmation log unavailable")
		return
	}
	target, ok := s.loadVisible(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	records, err := s.deps.Confirmations.Get(r.Context(), target.ID)
	if err != nil {
		s.logger.Error("htlcd/server: load confirmations", "swap_id", target.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load confirmations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swapId": target.ID, "records": records})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if s.deps.Availability == nil {
		writeError(w, http.StatusServiceUnavailable, "reservations unavailable")
		return
	}
	var req struct {
		Ledger  string `json:"ledger"`
		Account string `json:"account"`
		Asset   string `json:"asset"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}
	out, err := s.deps.Availability.ValidateAvailability(r.Context(), req.Ledger, req.Account, req.Asset, amount)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrUnknownChain), errors.Is(err, reservation.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.Error("htlcd/server: availability", "ledger", req.Ledger, "error", err)
		writeError(w, http.StatusBadGateway, "availability check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available":        out.Available,
		"availableBalance": out.AvailableBalance.String(),
		"reason":           out.Reason,
	})
}

// loadVisible fetches swap id. Authenticated callers only
// see swaps they participate in; others get a 404.
func (s *Server) loadVisible(w http.ResponseWriter, r *http.Request, id string) (swap.Swap, bool) {
	caller := callerFrom(r)
	out, err := s.deps.Engine.Get(r.Context(), id, caller)
	if err != nil {
		s.writeSwapError(w, err)
		return swap.Swap{}, false
	}
	if caller != "" && caller != out.Initiator && caller != out.Responder {
		writeError(w, http.StatusNotFound, "swap not found")
		return swap.Swap{}, false
	}
	return out, true
}

func (s *Server) writeSwapError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, swap.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, swap.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, swap.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, swap.ErrClaimFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, swap.ErrCancelNotAllowed),
		errors.Is(err, swap.ErrInvalidTransition),
		errors.Is(err, swap.ErrTimeout):
		status = http.StatusConflict
	case errors.Is(err, swap.ErrLockFailed):
		status = http.StatusBadGateway
	case ledger.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("htlcd/server: request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func parseAmount(raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
