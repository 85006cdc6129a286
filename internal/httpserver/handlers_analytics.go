package httpserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/gate"
	"github.com/tollgate/server/internal/revenue"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/pkg/x402"
)

const maxReportBatch = 50

// ingestReports accepts a batch shipped by a seller gate and records each
// paid call as a transaction.
func (s *handlers) ingestReports(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reports []gate.Report `json:"reports"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if len(req.Reports) == 0 {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeMissingField, "reports is required")
		return
	}
	if len(req.Reports) > maxReportBatch {
		apperrors.WriteErrorWithDetail(w, apperrors.ErrCodeInvalidField,
			"batch too large", "max", maxReportBatch)
		return
	}

	accepted := 0
	for _, report := range req.Reports {
		if err := s.recordReport(r, report); err != nil {
			s.log.Warn().Err(err).Str("endpoint", report.Endpoint).Msg("discarding analytics report")
			s.metrics.ObserveAnalyticsDropped()
			continue
		}
		accepted++
	}
	respond(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func (s *handlers) recordReport(r *http.Request, report gate.Report) error {
	org, _ := OrgFromContext(r.Context())
	amount, err := x402.ParseAmount(report.Receipt.Amount)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidAmount, "parse report amount")
	}

	tx := &store.Transaction{
		ID:          uuid.NewString(),
		TxHash:      report.Receipt.TxHash,
		AgentWallet: report.Receipt.From,
		Path:        report.Endpoint,
		Method:      report.Method,
		Amount:      amount.String(),
		Chain:       report.Receipt.Chain,
		Status:      store.TxPending,
		RequestedAt: report.Receipt.Timestamp,
	}
	if fees := report.FeeBreakdown; fees != nil {
		tx.Split = store.FeeSplit{
			PlatformFee:  fees.PlatformFee,
			SellerAmount: fees.SellerAmount,
			FeeBps:       fees.FeeBps,
		}
	}
	if err := s.store.CreateTransaction(r.Context(), tx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStoreError, "create transaction")
	}

	final := store.TxSettled
	event := store.EventPaymentCompleted
	if report.Status != "settled" {
		final = store.TxFailed
		event = store.EventPaymentFailed
	}
	if err := s.store.UpdateTransactionStatus(r.Context(), tx.ID, final, report.ResponseStatus, report.LatencyMs); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStoreError, "finalize transaction")
	}
	tx.Status = final
	s.publishEvent(r.Context(), org.ID, event, tx)
	return nil
}

// revenueSummary aggregates the platform ledger over a window clamped to
// the org's plan retention.
func (s *handlers) revenueSummary(w http.ResponseWriter, r *http.Request) {
	org, _ := OrgFromContext(r.Context())
	retention := revenue.RetentionForPlan(org.Plan)
	oldest := s.now().Add(-retention)

	since := oldest
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "since must be RFC3339")
			return
		}
		if t.After(oldest) {
			since = t
		}
	}
	var until time.Time
	if raw := r.URL.Query().Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "until must be RFC3339")
			return
		}
		until = t
	}

	summary, err := s.revenue.Aggregate(r.Context(), since, until, r.URL.Query().Get("chain"))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "aggregate revenue")
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"since":     since,
		"retention": retention.String(),
		"summary":   summary,
	})
}

func (s *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TransactionFilter{
		AgentWallet: q.Get("agentWallet"),
		SellerID:    q.Get("sellerId"),
		Chain:       q.Get("chain"),
		Limit:       clampInt(r, "limit", 1, 200, 50),
	}
	if status := q.Get("status"); status != "" {
		filter.Status = store.TransactionStatus(status)
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	txs, err := s.store.ListTransactions(r.Context(), filter)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "list transactions")
		return
	}
	respond(w, http.StatusOK, txs)
}
