// Package api exposes the engine over HTTP.
//
// Every route except /health, /instance-classes, /metrics and account
// opening acts on the account named by the X-Account-ID header, which the
// auth layer in front of this service is trusted to set.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/types"
	"github.com/xraph/vmledger/vm"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the HTTP contract on top of an Engine.
type Handler struct {
	engine  *vmledger.Engine
	logger  *slog.Logger
	limiter *RateLimiter
	metrics http.Handler
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request and error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithRateLimiter applies rl to every route. Without it requests are not limited.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(h *Handler) { h.limiter = rl }
}

// WithMetricsHandler serves m on /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// New creates a Handler for engine.
func New(engine *vmledger.Engine, opts ...Option) *Handler {
	h := &Handler{
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the routed handler wrapped in request ID, logging and
// rate limiting middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /instance-classes", h.handleCatalog)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	mux.HandleFunc("POST /accounts", h.handleOpenAccount)
	mux.HandleFunc("GET /accounts/me", h.withAccount(h.handleGetAccount))

	mux.HandleFunc("POST /vms", h.withAccount(h.handleCreateVM))
	mux.HandleFunc("GET /vms", h.withAccount(h.handleListVMs))
	mux.HandleFunc("GET /vms/{id}", h.withVM(h.handleGetVM))
	mux.HandleFunc("POST /vms/{id}/start", h.withVM(h.handleStartVM))
	mux.HandleFunc("POST /vms/{id}/stop", h.withVM(h.handleStopVM))
	mux.HandleFunc("POST /vms/{id}/restart", h.withVM(h.handleRestartVM))
	mux.HandleFunc("DELETE /vms/{id}", h.withVM(h.handleDeleteVM))

	mux.HandleFunc("POST /billing/credits/add", h.withAccount(h.handleAddCredits))
	mux.HandleFunc("GET /billing/history", h.withAccount(h.handleHistory))
	mux.HandleFunc("GET /billing/credits", h.withAccount(h.handleCredits))
	mux.HandleFunc("GET /billing/usage-summary", h.withAccount(h.handleUsageSummary))
	mux.HandleFunc("GET /billing/vm-costs", h.withAccount(h.handleVMCosts))
	mux.HandleFunc("GET /billing/reconcile", h.withAccount(h.handleReconcile))

	mux.HandleFunc("GET /audit", h.withAccount(h.handleAudit))

	return requestID(logRequests(h.logger, rateLimit(h.limiter, mux)))
}

type accountHandler func(w http.ResponseWriter, r *http.Request, accountID id.AccountID)

type vmHandler func(w http.ResponseWriter, r *http.Request, accountID id.AccountID, vmID id.VMID)

func (h *Handler) withAccount(next accountHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(HeaderAccountID)
		if raw == "" {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, HeaderAccountID+" header required", nil)
			return
		}
		accountID, err := id.ParseAccountID(raw)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid account id", nil)
			return
		}
		next(w, r, accountID)
	}
}

func (h *Handler) withVM(next vmHandler) http.HandlerFunc {
	return h.withAccount(func(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
		vmID, err := id.ParseVMID(r.PathValue("id"))
		if err != nil {
			writeError(w, r, http.StatusNotFound, codeNotFound, "vm not found", nil)
			return
		}
		next(w, r, accountID, vmID)
	})
}

// ──────────────────────────────────────────────────
// Service
// ──────────────────────────────────────────────────

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "store unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_classes": h.engine.Catalog(),
		"images":           vm.Images(),
		"default_image":    vm.DefaultImage,
	})
}

// ──────────────────────────────────────────────────
// Accounts and credits
// ──────────────────────────────────────────────────

func (h *Handler) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID        string      `json:"owner_id"`
		InitialBalance json.Number `json:"initial_balance"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		writeError(w, r, http.StatusBadRequest, codeValidation, "owner_id required", nil)
		return
	}

	initial := types.Zero(h.engine.Config().Currency)
	if req.InitialBalance != "" {
		m, err := h.amount(req.InitialBalance)
		if err != nil {
			h.writeEngineError(w, r, err, nil)
			return
		}
		initial = m
	}

	a, err := h.engine.OpenAccount(r.Context(), req.OwnerID, initial)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
	a, err := h.engine.GetAccount(r.Context(), accountID)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleAddCredits(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
	var req struct {
		Amount      json.Number `json:"amount"`
		Description string      `json:"description"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if key != "" {
		if _, err := uuid.Parse(key); err != nil {
			writeError(w, r, http.StatusBadRequest, codeValidation, HeaderIdempotencyKey+" must be a UUID", nil)
			return
		}
	}

	amount, err := h.amount(req.Amount)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}

	a, err := h.engine.AddCredits(r.Context(), accountID, vmledger.CreditInput{
		Amount:         amount,
		Description:    req.Description,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ──────────────────────────────────────────────────
// VMs
// ──────────────────────────────────────────────────

func (h *Handler) handleCreateVM(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
	var req vmledger.CreateVMInput
	if !h.decode(w, r, &req) {
		return
	}

	v, err := h.engine.CreateVM(r.Context(), accountID, req)
	if err != nil {
		h.writeEngineError(w, r, err, v)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) handleListVMs(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
	q := r.URL.Query()
	opts := vm.ListOpts{ProjectID: q.Get("project_id")}

	if s := q.Get("status"); s != "" {
		st := vm.Status(s)
		if !st.Valid() {
			writeError(w, r, http.StatusBadRequest, codeValidation, fmt.Sprintf("unknown status %q", s), nil)
			return
		}
		opts.Statuses = []vm.Status{st}
	}
	var err error
	if opts.IncludeTerminated, err = boolParam(q.Get("include_terminated")); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "include_terminated must be a boolean", nil)
		return
	}
	if opts.Limit, opts.Offset, err = limitOffset(q.Get("limit"), q.Get("offset")); err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}

	vms, err := h.engine.ListVMs(r.Context(), accountID, opts)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	if vms == nil {
		vms = []*vm.VM{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vms": vms, "count": len(vms)})
}

func (h *Handler) handleGetVM(w http.ResponseWriter, r *http.Request, accountID id.AccountID, vmID id.VMID) {
	v, err := h.engine.GetVM(r.Context(), accountID, vmID)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleStartVM(w http.ResponseWriter, r *http.Request, accountID id.AccountID, vmID id.VMID) {
	v, err := h.engine.StartVM(r.Context(), accountID, vmID)
	h.transition(w, r, v, err)
}

func (h *Handler) handleStopVM(w http.ResponseWriter, r *http.Request, accountID id.AccountID, vmID id.VMID) {
	v, err := h.engine.StopVM(r.Context(), accountID, vmID)
	h.transition(w, r, v, err)
}

func (h *Handler) handleRestartVM(w http.ResponseWriter, r *http.Request, accountID id.AccountID, vmID id.VMID) {
	v, err := h.engine.RestartVM(r.Context(), accountID, vmID)
	h.transition(w, r, v, err)
}

// handleDeleteVM terminates the VM and returns its final resource.
func (h *Handler) handleDeleteVM(w http.ResponseWriter, r *http.Request, accountID id.AccountID, vmID id.VMID) {
	v, err := h.engine.DeleteVM(r.Context(), accountID, vmID)
	h.transition(w, r, v, err)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, v *vm.VM, err error) {
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ──────────────────────────────────────────────────
// Billing
// ──────────────────────────────────────────────────

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
	q := r.URL.Query()
	hq := vmledger.HistoryQuery{Reason: entry.Reason(q.Get("reason"))}

	var err error
	if hq.Page, err = intParam(q.Get("page"), "page"); err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	if hq.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	if s := q.Get("vm_id"); s != "" {
		if hq.VMID, err = id.ParseVMID(s); err != nil {
			h.writeEngineError(w, r, vmledger.ValidationError{Field: "vm_id", Message: "invalid vm id"}, nil)
			return
		}
	}
	if hq.Start, err = timeParam(q.Get("start"), "start"); err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	if hq.End, err = timeParam(q.Get("end"), "end"); err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}

	page, err := h.engine.History(r.Context(), accountID, hq)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleCredits(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
	s, err := h.engine.CreditSummary(r.Context(), accountID)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) handleUsageSummary(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
	s, err := h.engine.UsageSummary(r.Context(), accountID)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) handleVMCosts(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
	costs, err := h.engine.VMCosts(r.Context(), accountID)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	if costs == nil {
		costs = []vmledger.VMCost{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vm_costs": costs})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
	rec, err := h.engine.Reconcile(r.Context(), accountID)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request, accountID id.AccountID) {
	q := r.URL.Query()
	limit, offset, err := limitOffset(q.Get("limit"), q.Get("offset"))
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	if limit == 0 {
		limit = entry.DefaultLimit
	}

	records, err := h.engine.Audit(r.Context(), accountID, q.Get("entity_id"), limit, offset)
	if err != nil {
		h.writeEngineError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

// ──────────────────────────────────────────────────
// Decoding
// ──────────────────────────────────────────────────

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid JSON payload", nil)
		return false
	}
	return true
}

// amount parses a major-unit amount such as 10.50 or "10.50" in the
// engine currency.
func (h *Handler) amount(n json.Number) (types.Money, error) {
	if n == "" {
		return types.Money{}, fmt.Errorf("%w: amount is required", vmledger.ErrInvalidAmount)
	}
	m, err := types.ParseMajor(n.String(), h.engine.Config().Currency)
	if err != nil {
		return types.Money{}, fmt.Errorf("%w: %w", vmledger.ErrInvalidAmount, err)
	}
	return m, nil
}

func intParam(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, vmledger.ValidationError{Field: field, Message: "must be an integer"}
	}
	return n, nil
}

func limitOffset(limit, offset string) (int, int, error) {
	l, err := intParam(limit, "limit")
	if err != nil {
		return 0, 0, err
	}
	o, err := intParam(offset, "offset")
	if err != nil {
		return 0, 0, err
	}
	if l < 0 || l > entry.MaxLimit {
		return 0, 0, vmledger.ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 0 and %d", entry.MaxLimit)}
	}
	if o < 0 {
		return 0, 0, vmledger.ValidationError{Field: "offset", Message: "must not be negative"}
	}
	return l, o, nil
}

func timeParam(s, field string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, vmledger.ValidationError{Field: field, Message: "must be an RFC 3339 time"}
	}
	return t, nil
}

func boolParam(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.New("not a boolean")
	}
	return b, nil
}
