// Package facilitator is the standalone payment relay: it takes payment
// orders, settles them on-chain, and replays the original request to the
// origin once the transfer confirms.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/chain"
	"github.com/tollgate/server/internal/config"
	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/httputil"
	"github.com/tollgate/server/internal/metrics"
	"github.com/tollgate/server/internal/revenue"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/pkg/responders"
	"github.com/tollgate/server/pkg/x402"
)

const (
	defaultForwardTimeout = 30 * time.Second
	defaultConfirmTimeout = 60 * time.Second
	maxPayBody            = 1 << 20 // 1 MiB
)

// Service exposes the facilitator HTTP API and runs settlements.
type Service struct {
	cfg       config.FacilitatorConfig
	store     store.Store
	secret    string
	executors map[x402.Chain]chain.Executor
	revenue   revenue.Repository
	metrics   *metrics.Metrics
	log       zerolog.Logger
	lookup    lookupFunc
	forward   *http.Client
	startedAt time.Time
	now       func() time.Time
}

// New wires the facilitator together.
func New(cfg config.FacilitatorConfig, st store.Store, executors map[x402.Chain]chain.Executor, rev revenue.Repository, m *metrics.Metrics, log zerolog.Logger) *Service {
	forwardTimeout := cfg.ForwardTimeout.Duration
	if forwardTimeout <= 0 {
		forwardTimeout = defaultForwardTimeout
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		secret:    cfg.SharedSecret,
		executors: executors,
		revenue:   rev,
		metrics:   m,
		log:       log.With().Str("component", "facilitator").Logger(),
		lookup:    defaultLookup,
		forward:   httputil.NewClient(forwardTimeout),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Router builds the facilitator's HTTP surface.
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/pay", s.handlePay)
	r.Get("/pay/{id}", s.handleGetPayment)
	r.Post("/forward/{id}", s.handleForward)
	r.Post("/verify", s.handleVerify)
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Service) handlePay(w http.ResponseWriter, r *http.Request) {
	var req x402.PayRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayBody)).Decode(&req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if err := s.validatePayRequest(r.Context(), &req); err != nil {
		apperrors.Write(w, err)
		return
	}

	payment, created, err := s.intake(r.Context(), &req)
	if err != nil {
		apperrors.Write(w, err)
		return
	}
	if created {
		solanaTx := solanaTxFromAuth(req.AgentAuth)
		go s.process(context.WithoutCancel(r.Context()), payment, solanaTx)
		s.log.Info().Str("payment_id", payment.PaymentID).
			Str("network", payment.Requirement.Network).
			Str("amount", payment.Requirement.MaxAmountRequired).Msg("payment accepted")
	} else {
		s.log.Debug().Str("payment_id", payment.PaymentID).Msg("idempotent replay, returning existing payment")
	}

	responders.JSON(w, http.StatusAccepted, x402.PayResponse{
		PaymentID: payment.PaymentID,
		Status:    string(payment.Status),
	})
}

func (s *Service) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "payment not found")
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "load payment")
		return
	}
	responders.JSON(w, http.StatusOK, x402.PaymentStatusResponse{
		PaymentID:   p.PaymentID,
		Status:      string(p.Status),
		TxHash:      p.TxHash,
		BlockNumber: p.BlockNumber,
		Error:       p.Error,
		CreatedAt:   p.CreatedAt,
		CompletedAt: p.CompletedAt,
	})
}

func (s *Service) handleForward(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apperrors.WriteSimpleError(w, apperrors.ErrCodeNotFound, "payment not found")
			return
		}
		apperrors.WriteSimpleError(w, apperrors.ErrCodeStoreError, "load payment")
		return
	}
	if p.Status != store.PaymentCompleted {
		apperrors.WriteErrorWithDetail(w, apperrors.ErrCodeConflict,
			"payment is not completed", "status", string(p.Status))
		return
	}
	s.replay(r.Context(), w, p)
}

func (s *Service) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req x402.VerifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayBody)).Decode(&req); err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	responders.JSON(w, http.StatusOK, s.verifyOnly(req.Payload, req.Requirements))
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// replay re-issues the captured origin request with the receipt header
// attached and streams the origin's answer back.
func (s *Service) replay(ctx context.Context, w http.ResponseWriter, p *store.FacilitatorPayment) {
	var body io.Reader
	if len(p.OriginalBody) > 0 {
		body = bytes.NewReader(p.OriginalBody)
	}
	req, err := http.NewRequestWithContext(ctx, p.OriginalMethod, p.OriginalURL, body)
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.ErrCodeInvalidURL, "rebuild original request")
		return
	}
	for k, v := range p.OriginalHeaders {
		if k == "" || k == x402.ReceiptHeader {
			continue
		}
		req.Header.Set(k, v)
	}

	receipt := x402.Receipt{
		PaymentID:   p.PaymentID,
		TxHash:      p.TxHash,
		Network:     p.Requirement.Network,
		Amount:      humanAmount(p.Requirement.MaxAmountRequired),
		From:        p.AgentWallet,
		To:          p.SellerAddress,
		Timestamp:   s.now().UTC(),
		BlockNumber: p.BlockNumber,
	}
	if info, ok := x402.LookupNetwork(p.Requirement.Network); ok {
		receipt.Chain = info.Chain
	}
	if encoded, err := x402.EncodeReceipt(receipt); err == nil {
		req.Header.Set(x402.ReceiptHeader, encoded)
	}

	resp, err := s.forward.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("payment_id", p.PaymentID).Msg("origin unreachable during forward")
		apperrors.WriteSimpleError(w, apperrors.ErrCodeFacilitatorUnreachable, "origin unreachable")
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.Warn().Err(err).Str("payment_id", p.PaymentID).Msg("streaming origin response failed")
	}
}

func humanAmount(atomic string) string {
	v, err := x402.ParseAtomic(atomic)
	if err != nil {
		return atomic
	}
	return x402.FormatAmount(v)
}

// solanaTxFromAuth extracts the pre-signed Solana transaction when the
// authorization carries one.
func solanaTxFromAuth(auth x402.PaymentPayload) string {
	if !x402.IsSolanaNetwork(auth.Network) || auth.Payload == nil {
		return ""
	}
	inner, err := json.Marshal(auth.Payload)
	if err != nil {
		return ""
	}
	var sol x402.SolanaPayload
	if err := json.Unmarshal(inner, &sol); err != nil {
		return ""
	}
	return sol.Transaction
}
