// Package api exposes the workflow and the ledger over REST/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
	"github.com/gyaneshwarpardhi/quorumledger/internal/config"
	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
	"github.com/gyaneshwarpardhi/quorumledger/internal/ledger"
	"github.com/gyaneshwarpardhi/quorumledger/internal/query"
	"github.com/gyaneshwarpardhi/quorumledger/internal/workflow"
)

const maxBodyBytes = 1 << 20

// Options configures the HTTP handler.
type Options struct {
	Coordinator *workflow.Coordinator
	Ledger      *ledger.Store
	Loader      *config.Loader                  // nil disables POST /v1/policies/reload
	Ready       func(ctx context.Context) error // storage probe for /readyz; optional
	RateLimit   float64                         // requests per second per actor; 0 disables
	RateBurst   int
	Logger      *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	coord  *workflow.Coordinator
	chain  *ledger.Store
	query  *query.Service
	loader *config.Loader
	ready  func(ctx context.Context) error
	log    *slog.Logger
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		coord:  opts.Coordinator,
		chain:  opts.Ledger,
		query:  query.NewService(opts.Coordinator, opts.Ledger),
		loader: opts.Loader,
		ready:  opts.Ready,
		log:    opts.Logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/records", h.createRecord)
	h.mux.HandleFunc("POST /v1/transfers", h.createTransfer)
	h.mux.HandleFunc("POST /v1/contracts", h.createContract)
	h.mux.HandleFunc("GET /v1/records", h.listRecords)
	h.mux.HandleFunc("GET /v1/records/{id}", h.getRecord)
	h.mux.HandleFunc("GET /v1/records/{id}/ledger", h.getRecordLedger)
	h.mux.HandleFunc("POST /v1/records/{id}/responses", h.respond)
	h.mux.HandleFunc("POST /v1/records/{id}/execute", h.execute)
	h.mux.HandleFunc("GET /v1/ledger/blocks", h.listBlocks)
	h.mux.HandleFunc("GET /v1/ledger/blocks/{number}", h.getBlock)
	h.mux.HandleFunc("GET /v1/ledger/head", h.head)
	h.mux.HandleFunc("POST /v1/ledger/verify", h.verify)
	h.mux.HandleFunc("GET /v1/policies", h.listPolicies)
	h.mux.HandleFunc("POST /v1/policies/reload", h.reloadPolicies)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	var next http.Handler = h.mux
	if opts.RateLimit > 0 {
		next = newRateLimiter(opts.RateLimit, opts.RateBurst).middleware(next)
	}
	return loggingMiddleware(h.log, next)
}

// POST /v1/records: create a record of any configured type.
func (h *Handler) createRecord(w http.ResponseWriter, r *http.Request) {
	var req workflow.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	h.create(w, r, req)
}

type transferRequest struct {
	ID          string              `json:"id,omitempty"`
	FromAccount string              `json:"from_account"`
	ToAccount   string              `json:"to_account"`
	Amount      float64             `json:"amount"`
	Description string              `json:"description,omitempty"`
	Approvers   []approval.Approver `json:"approvers"`
	ActorID     string              `json:"actor_id,omitempty"`
}

// POST /v1/transfers: create a TRANSFER between two accounts.
func (h *Handler) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FromAccount == "" || req.ToAccount == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, "from_account and to_account are required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, "amount must be positive")
		return
	}
	h.create(w, r, workflow.CreateRequest{
		ID:          req.ID,
		Type:        approval.TypeTransfer,
		Approvers:   req.Approvers,
		Amount:      req.Amount,
		Description: req.Description,
		Attributes:  map[string]string{"from_account": req.FromAccount, "to_account": req.ToAccount},
		ActorID:     req.ActorID,
	})
}

type contractRequest struct {
	ID            string              `json:"id,omitempty"`
	Description   string              `json:"description"`
	AttachmentURL string              `json:"attachment_url,omitempty"`
	Suppliers     []approval.Approver `json:"suppliers"`
	Amount        float64             `json:"amount,omitempty"` // defaults to the sum of allocations
	ActorID       string              `json:"actor_id,omitempty"`
}

// POST /v1/contracts: create a CONTRACT split across suppliers.
func (h *Handler) createContract(w http.ResponseWriter, r *http.Request) {
	var req contractRequest
	if !decode(w, r, &req) {
		return
	}
	h.create(w, r, workflow.CreateRequest{
		ID:            req.ID,
		Type:          approval.TypeContract,
		Approvers:     req.Suppliers,
		Amount:        req.Amount,
		Description:   req.Description,
		AttachmentURL: req.AttachmentURL,
		ActorID:       req.ActorID,
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, req workflow.CreateRequest) {
	actor, ok := resolveActor(w, r, req.ActorID)
	if !ok {
		return
	}
	req.ActorID = actor
	rec, err := h.coord.CreateRecord(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/records/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

type respondRequest struct {
	ApproverID string `json:"approver_id"`
	Decision   string `json:"decision"`
}

// POST /v1/records/{id}/responses: an approver's APPROVE or REJECT.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := approval.ParseDecision(req.Decision)
	if err != nil {
		writeAppError(w, err)
		return
	}
	approver, ok := resolveActor(w, r, req.ApproverID)
	if !ok {
		return
	}
	rec, err := h.coord.Respond(r.Context(), r.PathValue("id"), approver, d)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type executeRequest struct {
	ActorID string `json:"actor_id"`
}

// POST /v1/records/{id}/execute: settle an approved record.
func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	actor, ok := resolveActor(w, r, req.ActorID)
	if !ok {
		return
	}
	rec, err := h.coord.Execute(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /v1/records/{id}
func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.query.GetStatus(r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /v1/records?status=&approver=&page=&size=
func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if approver := q.Get("approver"); approver != "" {
		writeJSON(w, http.StatusOK, h.query.ListForApprover(approver, page))
		return
	}
	var status approval.Status
	if s := q.Get("status"); s != "" {
		var err error
		if status, err = approval.ParseStatus(s); err != nil {
			writeAppError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, h.query.ListByStatus(status, page))
}

// GET /v1/records/{id}/ledger: a record's events and the blocks sealing them.
func (h *Handler) getRecordLedger(w http.ResponseWriter, r *http.Request) {
	view, err := h.query.GetLedgerView(r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /v1/ledger/blocks?page=&size=
func (h *Handler) listBlocks(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.query.ListBlocks(page))
}

// GET /v1/ledger/blocks/{number}
func (h *Handler) getBlock(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(r.PathValue("number"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, fmt.Sprintf("invalid block number %q", r.PathValue("number")))
		return
	}
	b, err := h.query.GetBlock(n)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GET /v1/ledger/head
func (h *Handler) head(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.query.Head())
}

// POST /v1/ledger/verify: re-verify the whole chain. A failure halts
// appends; a success after a failure resumes them.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	err := h.chain.Verify()
	resp := map[string]interface{}{
		"valid": err == nil,
		"head":  h.chain.Head(),
	}
	if err != nil {
		if apperrors.CodeOf(err) != apperrors.CodeIntegrityFailure {
			writeAppError(w, err)
			return
		}
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/policies: the record-type policies new records are created with.
func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"record_types": h.coord.Policies()}
	if h.loader != nil {
		resp["version"] = h.loader.Config().Version
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /v1/policies/reload: hot-reload record-type policies from disk.
func (h *Handler) reloadPolicies(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusNotImplemented, apperrors.CodeInvalidArgument, "config reload is not available")
		return
	}
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, apperrors.CodeInvalidArgument, err.Error())
		return
	}
	if err := h.coord.SwapPolicies(cfg.Policies()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, apperrors.CodeInvalidArgument, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":     true,
		"record_types": len(cfg.RecordTypes),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 while the ledger is halted or storage is unreachable.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	head := h.chain.Head()
	if head.Halted {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "halted",
			"reason": head.HaltReason,
		})
		return
	}
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "storage unavailable",
				"reason": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"height": head.Height,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, fmt.Sprintf("invalid JSON: %s", err))
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, fmt.Sprintf("invalid JSON: %s", err))
		return false
	}
	return true
}

// resolveActor returns the caller identity. The X-Actor-ID header wins; a body
// value naming someone else is refused.
func resolveActor(w http.ResponseWriter, r *http.Request, bodyActor string) (string, bool) {
	header := strings.TrimSpace(r.Header.Get(ActorHeader))
	bodyActor = strings.TrimSpace(bodyActor)
	switch {
	case header != "" && bodyActor != "" && header != bodyActor:
		writeError(w, http.StatusForbidden, apperrors.CodeNotEligible,
			fmt.Sprintf("actor %s cannot act as %s", header, bodyActor))
		return "", false
	case header != "":
		return header, true
	case bodyActor != "":
		return bodyActor, true
	}
	writeError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, "actor is required ("+ActorHeader+" header or actor_id)")
	return "", false
}

func parsePage(w http.ResponseWriter, r *http.Request) (query.Page, bool) {
	var p query.Page
	for _, f := range []struct {
		name string
		dst  *int
	}{{"page", &p.Number}, {"size", &p.Size}} {
		raw := r.URL.Query().Get(f.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, fmt.Sprintf("invalid %s %q", f.name, raw))
			return p, false
		}
		*f.dst = n
	}
	return p, true
}
