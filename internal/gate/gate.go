// Package gate is the middleware in front of paid seller endpoints. It
// issues 402 challenges, verifies payment proofs with the facilitator,
// attaches receipts, and reports completed calls.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/fees"
	"github.com/tollgate/server/internal/metrics"
	"github.com/tollgate/server/internal/ratelimit"
	"github.com/tollgate/server/pkg/x402"
)

// Config tunes the gate.
type Config struct {
	FacilitatorURL string
	VerifyTimeout  time.Duration
	Fees           fees.Config
	LimitPerMinute int // per client IP, 0 disables
}

// PaymentContext is what a paid handler receives once the proof checked
// out.
type PaymentContext struct {
	Receipt      x402.Receipt
	FeeBreakdown *x402.FeeBreakdown
	Route        *Route
	Params       map[string]string
}

var errNoNetworks = errors.New("gate: route has no settleable network")

type ctxKey int

const paymentCtxKey ctxKey = 0

// PaymentFromContext returns the verified payment for this request.
func PaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	pc, ok := ctx.Value(paymentCtxKey).(*PaymentContext)
	return pc, ok
}

// Gate guards a route table.
type Gate struct {
	cfg      Config
	table    routeTable
	limiter  *ratelimit.Limiter
	verifier *Verifier
	reporter *Reporter
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// New builds a gate over the given routes.
func New(cfg Config, routes []Route, limiter *ratelimit.Limiter, reporter *Reporter, m *metrics.Metrics, log zerolog.Logger) *Gate {
	return &Gate{
		cfg:      cfg,
		table:    routeTable{routes: routes},
		limiter:  limiter,
		verifier: NewVerifier(cfg.FacilitatorURL, cfg.VerifyTimeout),
		reporter: reporter,
		metrics:  m,
		log:      log.With().Str("component", "gate").Logger(),
		now:      time.Now,
	}
}

// Middleware runs the 402 state machine. Requests that miss the route
// table pass straight through.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, params, ok := g.table.match(r.Method, r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if g.limiter != nil && g.cfg.LimitPerMinute > 0 {
			d := g.limiter.Allow(r.Context(), "gate:"+clientIP(r), g.cfg.LimitPerMinute)
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
				apperrors.WriteSimpleError(w, apperrors.ErrCodeRateLimited, "too many requests")
				return
			}
		}

		reqs, breakdown, err := g.requirements(route)
		if err == nil && len(reqs) == 0 {
			err = errNoNetworks
		}
		if err != nil {
			g.log.Error().Err(err).Str("pattern", route.Pattern).Msg("building requirements failed")
			apperrors.WriteSimpleError(w, apperrors.ErrCodeInternalError, "internal error")
			return
		}

		// Forwarded replays from the facilitator carry a settlement
		// receipt instead of a fresh authorization.
		if encoded := r.Header.Get(x402.ReceiptHeader); encoded != "" {
			receipt, ok := g.confirmReceipt(w, r, route, reqs, breakdown, encoded)
			if !ok {
				return
			}
			g.servePaid(next, w, r, route, params, breakdown, receipt)
			return
		}

		header := r.Header.Get(x402.PaymentHeader)
		if header == "" {
			g.write402(w, route, reqs, breakdown, "payment required")
			return
		}

		auth, err := x402.ParsePaymentHeader(header)
		if err != nil {
			g.write402(w, route, reqs, breakdown, "invalid payment header")
			return
		}

		verdict, err := g.verifier.Verify(r.Context(), header, reqs)
		if err != nil {
			g.log.Warn().Err(err).Str("pattern", route.Pattern).Msg("facilitator verify unreachable")
			apperrors.WriteSimpleError(w, apperrors.ErrCodeFacilitatorUnreachable, "payment verification unavailable")
			return
		}
		if !verdict.Accepted() {
			reason := verdict.Error
			if reason == "" {
				reason = "payment rejected"
			}
			g.write402(w, route, reqs, breakdown, reason)
			return
		}

		matched := matchRequirement(reqs, auth.Network)
		receipt := x402.Receipt{
			TxHash:    verdict.TxHash,
			Network:   matched.Network,
			Amount:    humanAmount(matched.MaxAmountRequired),
			From:      auth.From(),
			To:        matched.PayTo,
			Timestamp: g.now().UTC(),
		}
		if info, ok := x402.LookupNetwork(matched.Network); ok {
			receipt.Chain = info.Chain
		}
		g.servePaid(next, w, r, route, params, breakdown, receipt)
	})
}

// confirmReceipt checks a forwarded receipt against the route's terms and
// against the facilitator's payment record. Receipts that do not name a
// settled payment matching the route are re-challenged.
func (g *Gate) confirmReceipt(w http.ResponseWriter, r *http.Request, route *Route, reqs []x402.PaymentRequirement, breakdown fees.Breakdown, encoded string) (x402.Receipt, bool) {
	receipt, err := x402.DecodeReceipt(encoded)
	if err != nil || receipt.PaymentID == "" {
		g.write402(w, route, reqs, breakdown, "invalid payment receipt")
		return x402.Receipt{}, false
	}

	var wantAmount, wantTo string
	found := false
	for _, req := range reqs {
		if req.Network == receipt.Network {
			wantAmount = humanAmount(req.MaxAmountRequired)
			wantTo = req.PayTo
			found = true
			break
		}
	}
	if !found || receipt.Amount != wantAmount || receipt.To != wantTo {
		g.write402(w, route, reqs, breakdown, "receipt does not satisfy this endpoint")
		return x402.Receipt{}, false
	}

	record, err := g.verifier.Confirm(r.Context(), receipt.PaymentID)
	if err != nil {
		g.log.Warn().Err(err).Str("pattern", route.Pattern).Msg("facilitator confirm unreachable")
		apperrors.WriteSimpleError(w, apperrors.ErrCodeFacilitatorUnreachable, "payment verification unavailable")
		return x402.Receipt{}, false
	}
	if record.Status != "completed" || record.TxHash == "" || record.TxHash != receipt.TxHash {
		g.write402(w, route, reqs, breakdown, "receipt does not match a settled payment")
		return x402.Receipt{}, false
	}
	return receipt, true
}

// servePaid runs the downstream handler with the receipt in context and
// reports the completed call.
func (g *Gate) servePaid(next http.Handler, w http.ResponseWriter, r *http.Request, route *Route, params map[string]string, breakdown fees.Breakdown, receipt x402.Receipt) {
	pc := &PaymentContext{
		Receipt:      receipt,
		FeeBreakdown: breakdown.FeeBreakdown(),
		Route:        route,
		Params:       params,
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := g.now()
	next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), paymentCtxKey, pc)))

	if g.reporter != nil {
		status := "settled"
		if rec.status >= 400 {
			status = "failed"
		}
		g.reporter.Enqueue(Report{
			Endpoint:       route.Pattern,
			Method:         route.Method,
			Receipt:        receipt,
			ResponseStatus: rec.status,
			LatencyMs:      g.now().Sub(start).Milliseconds(),
			FeeBreakdown:   pc.FeeBreakdown,
			Status:         status,
		})
	}
}

// requirements builds one PaymentRequirement per supported chain.
func (g *Gate) requirements(route *Route) ([]x402.PaymentRequirement, fees.Breakdown, error) {
	breakdown, err := fees.SplitHuman(route.Price, &g.cfg.Fees)
	if err != nil {
		return nil, fees.Breakdown{}, err
	}
	var reqs []x402.PaymentRequirement
	for _, chain := range route.Chains {
		info, ok := x402.NetworkForChain(chain)
		if !ok {
			continue
		}
		reqs = append(reqs, x402.PaymentRequirement{
			Scheme:            x402.SchemeExact,
			Network:           info.CAIP2,
			MaxAmountRequired: breakdown.TotalAmount.String(),
			Description:       route.Description,
			PayTo:             route.PayTo,
			Asset:             info.USDCAsset,
			Extra: x402.RequirementExtra{
				Name:        "USD Coin",
				Decimals:    x402.USDCDecimals,
				PlatformFee: breakdown.PlatformFeeExtra(g.cfg.Fees.PlatformWallet),
			},
		})
	}
	return reqs, breakdown, nil
}

func (g *Gate) write402(w http.ResponseWriter, route *Route, reqs []x402.PaymentRequirement, breakdown fees.Breakdown, reason string) {
	if encoded, err := x402.EncodeRequirements(reqs); err == nil {
		w.Header().Set(x402.RequirementsHeader, encoded)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(x402.PaymentRequiredResponse{
		Error:               reason,
		PaymentRequirements: reqs,
		Description:         route.Description,
		FeeBreakdown:        breakdown.FeeBreakdown(),
	})
}

func matchRequirement(reqs []x402.PaymentRequirement, network string) x402.PaymentRequirement {
	for _, r := range reqs {
		if r.Network == network {
			return r
		}
	}
	return reqs[0]
}

func humanAmount(atomic string) string {
	v, err := x402.ParseAtomic(atomic)
	if err != nil {
		return atomic
	}
	return x402.FormatAmount(v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}
