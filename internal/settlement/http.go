package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
	"github.com/gyaneshwarpardhi/quorumledger/internal/metrics"
)

// IdempotencyKeyHeader carries the transaction id on every settlement call.
// The endpoint must settle a given key at most once and answer repeats with
// the original result.
const IdempotencyKeyHeader = "Idempotency-Key"

// Request is the body posted to the settlement endpoint.
type Request struct {
	TransactionID string              `json:"transaction_id"`
	RecordType    string              `json:"record_type"`
	FromAccount   string              `json:"from_account,omitempty"`
	ToAccount     string              `json:"to_account,omitempty"`
	Amount        float64             `json:"amount"`
	Approvers     []approval.Approver `json:"approvers"`
}

// Response is the settlement endpoint's answer. Only status SUCCESS settles.
type Response struct {
	Status    string    `json:"status"`
	Reference string    `json:"reference,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HTTPSettler posts approved records to a settlement endpoint.
type HTTPSettler struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// NewHTTPSettler returns a settler for url with a per-call timeout.
func NewHTTPSettler(url string, timeout time.Duration, logger *slog.Logger) *HTTPSettler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSettler{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    logger.With("component", "settlement"),
	}
}

// Settle posts rec and returns the endpoint's reference. Transport errors,
// non-200 responses and any status other than SUCCESS fail with EXTERNAL.
func (h *HTTPSettler) Settle(ctx context.Context, rec *approval.Record) (string, error) {
	body, err := json.Marshal(Request{
		TransactionID: rec.ID,
		RecordType:    rec.Type,
		FromAccount:   rec.Attributes["from_account"],
		ToAccount:     rec.Attributes["to_account"],
		Amount:        rec.Amount,
		Approvers:     rec.Approvers,
	})
	if err != nil {
		return "", fmt.Errorf("encode settlement request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build settlement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, rec.ID)

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		metrics.SettlementCalls.WithLabelValues("transport_error").Inc()
		return "", apperrors.Wrap(apperrors.CodeExternal, err, "settle %s", rec.ID)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.SettlementCalls.WithLabelValues("transport_error").Inc()
		return "", apperrors.Wrap(apperrors.CodeExternal, err, "read settlement response for %s", rec.ID)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.SettlementCalls.WithLabelValues("http_error").Inc()
		return "", apperrors.New(apperrors.CodeExternal, "settle %s: endpoint returned %d: %s", rec.ID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		metrics.SettlementCalls.WithLabelValues("bad_response").Inc()
		return "", apperrors.Wrap(apperrors.CodeExternal, err, "decode settlement response for %s", rec.ID)
	}
	if !strings.EqualFold(out.Status, "SUCCESS") {
		metrics.SettlementCalls.WithLabelValues("declined").Inc()
		return "", apperrors.New(apperrors.CodeExternal, "settle %s: status %q", rec.ID, out.Status)
	}

	metrics.SettlementCalls.WithLabelValues("success").Inc()
	ref := out.Reference
	if ref == "" && !out.Timestamp.IsZero() {
		ref = fmt.Sprintf("%s@%s", rec.ID, out.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	h.log.Info("record settled", "record_id", rec.ID, "amount", rec.Amount, "reference", ref, "duration_ms", time.Since(start).Milliseconds())
	return ref, nil
}
