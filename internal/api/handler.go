package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/adityaverma/withdrawguard/internal/audit"
	"github.com/adityaverma/withdrawguard/internal/config"
	"github.com/adityaverma/withdrawguard/internal/gateway"
	"github.com/adityaverma/withdrawguard/internal/ledger"
	"github.com/adityaverma/withdrawguard/internal/metrics"
	"github.com/adityaverma/withdrawguard/internal/pipeline"
	"github.com/adityaverma/withdrawguard/internal/transaction"
)

const maxBatchSize = 500

// Handler holds all HTTP handler dependencies.
type Handler struct {
	pipe     *pipeline.Pipeline
	accounts ledger.Service
	auditLog *audit.Log
	gw       *gateway.Gateway
	loader   *config.Loader
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(pipe *pipeline.Pipeline, accounts ledger.Service, auditLog *audit.Log,
	gw *gateway.Gateway, loader *config.Loader, logger *slog.Logger) http.Handler {

	h := &Handler{
		pipe:     pipe,
		accounts: accounts,
		auditLog: auditLog,
		gw:       gw,
		loader:   loader,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/withdrawals", h.submitWithdrawal)
	h.mux.HandleFunc("POST /v1/withdrawals/batch", h.submitBatch)
	h.mux.HandleFunc("GET /v1/accounts/{id}/audit", h.auditTrail)
	h.mux.HandleFunc("GET /v1/accounts/{id}/balance", h.balance)
	h.mux.HandleFunc("POST /v1/accounts/{id}/credit", h.credit)
	h.mux.HandleFunc("GET /v1/limits", h.limits)
	h.mux.HandleFunc("POST /v1/limits/reload", h.reloadLimits)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h.loggingMiddleware(h.mux)
}

// withdrawalRequest is the wire form of a withdrawal submission.
type withdrawalRequest struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id"`
	Amount           decimal.Decimal `json:"amount"`
	Channel          string          `json:"channel"`
	MerchantCategory string          `json:"merchant_category"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

func (r withdrawalRequest) toTransaction() transaction.Transaction {
	tx := transaction.Transaction{
		ID:               r.ID,
		AccountID:        r.AccountID,
		Amount:           r.Amount,
		Channel:          transaction.Channel(r.Channel),
		MerchantCategory: r.MerchantCategory,
		OccurredAt:       r.OccurredAt,
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.OccurredAt.IsZero() {
		tx.OccurredAt = time.Now().UTC()
	}
	return tx
}

// POST /v1/withdrawals — synchronous single-withdrawal submission.
func (h *Handler) submitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}

	res := h.pipe.Submit(r.Context(), req.toTransaction())
	writeJSON(w, statusFor(res), res)
}

// POST /v1/withdrawals/batch — bounded batch submission; one result per
// input, positionally aligned.
func (h *Handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one withdrawal")
		return
	}
	if len(reqs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(reqs), maxBatchSize))
		return
	}

	txs := make([]transaction.Transaction, len(reqs))
	for i, req := range reqs {
		txs[i] = req.toTransaction()
	}

	results := h.pipe.ProcessBatch(r.Context(), txs)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   len(results),
		"results": results,
	})
}

// GET /v1/accounts/{id}/audit?from=&to= — ordered audit trail for an account.
func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from: %s", err))
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid to: %s", err))
			return
		}
		to = parsed
	}

	entries := make([]audit.Entry, 0)
	for e := range h.auditLog.QueryRange(accountID, from, to) {
		entries = append(entries, e)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"entries":    entries,
	})
}

// GET /v1/accounts/{id}/balance — current balance.
func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	balance, err := h.accounts.Balance(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"balance":    balance,
	})
}

// POST /v1/accounts/{id}/credit — fund an account.
func (h *Handler) credit(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")

	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}

	balance, err := h.accounts.Credit(r.Context(), accountID, req.Amount)
	if err != nil {
		if errors.Is(err, transaction.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"balance":    balance,
	})
}

// GET /v1/limits — active policy.
func (h *Handler) limits(w http.ResponseWriter, r *http.Request) {
	cfg := h.loader.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": cfg.Version,
		"risk":    cfg.Risk,
	})
}

// POST /v1/limits/reload — re-read the policy file immediately.
func (h *Handler) reloadLimits(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"version":  cfg.Version,
	})
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 if the pipeline queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.pipe.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
			"breaker":           h.gw.State(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
		"breaker":           h.gw.State(),
	})
}

// statusFor maps a terminal result to an HTTP status code using the result's
// typed classification.
func statusFor(res transaction.Result) int {
	if res.Status != transaction.StatusErrored {
		return http.StatusOK
	}
	switch res.Code {
	case transaction.CodeValidation:
		return http.StatusBadRequest
	case transaction.CodeInFlight:
		return http.StatusConflict
	case transaction.CodeCancelled:
		return http.StatusGatewayTimeout
	case transaction.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
