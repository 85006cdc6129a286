// Package wallet is the buyer-side x402 client. It wraps an http.Client:
// a request that comes back 402 is paid through the facilitator, subject
// to the agent's spend policies, and then replayed against the origin.
package wallet

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/chain"
	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/facilitator"
	"github.com/tollgate/server/internal/httputil"
	"github.com/tollgate/server/internal/logger"
	"github.com/tollgate/server/internal/policy"
	"github.com/tollgate/server/pkg/x402"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollTimeout  = 90 * time.Second
	defaultHTTPTimeout  = 30 * time.Second
	maxBufferedBody     = 4 << 20 // 4 MiB
)

// PolicySource supplies the agent's active policies and its usage snapshot
// at decision time. Both are read before any signature or network call.
type PolicySource interface {
	Policies(ctx context.Context) ([]policy.Attached, error)
	Usage(ctx context.Context) (policy.Usage, error)
}

// Config configures a wallet client.
type Config struct {
	// FacilitatorURL is the base URL of the payment facilitator.
	FacilitatorURL string
	// PrivateKey signs EIP-3009 authorizations. The agent's address is
	// derived from it.
	PrivateKey *ecdsa.PrivateKey
	// Policies gates outbound payments. Nil means no spend controls.
	Policies PolicySource

	PollInterval time.Duration
	PollTimeout  time.Duration
	HTTPClient   *http.Client
}

// Client is an x402-aware HTTP client for one agent wallet.
type Client struct {
	cfg      Config
	address  string
	http     *http.Client
	log      zerolog.Logger
	now      func() time.Time
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	orphaned []string
}

// NewClient validates the config and derives the agent address.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.FacilitatorURL == "" {
		return nil, apperrors.New(apperrors.ErrCodeMissingField, "facilitator url is required")
	}
	if cfg.PrivateKey == nil {
		return nil, apperrors.New(apperrors.ErrCodeMissingField, "signing key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httputil.NewClient(defaultHTTPTimeout)
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	addr := crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey).Hex()
	return &Client{
		cfg:      cfg,
		address:  addr,
		http:     httpClient,
		log:      log.With().Str("component", "wallet").Str("agent", logger.TruncateAddress(addr)).Logger(),
		now:      time.Now,
		interval: interval,
		timeout:  timeout,
	}, nil
}

// Address returns the agent's EVM address.
func (c *Client) Address() string { return c.address }

// OrphanedPayments lists payment ids whose polling was cut short by caller
// cancellation. They may have settled; reconcile them out of band.
func (c *Client) OrphanedPayments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.orphaned...)
}

func (c *Client) recordOrphan(id string) {
	c.mu.Lock()
	c.orphaned = append(c.orphaned, id)
	c.mu.Unlock()
}

// Do issues the request, and on a 402 challenge pays for it and returns
// the origin's paid response. Any other status passes through untouched.
// The request body, if present, is buffered so it can be replayed.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(io.LimitReader(req.Body, maxBufferedBody))
		req.Body.Close()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidField, "buffer request body")
		}
		body = b
	}

	resp, err := c.send(ctx, req, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	reqs, err := parseChallenge(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	chosen, err := c.selectRequirement(reqs)
	if err != nil {
		return nil, err
	}
	return c.pay(ctx, req, body, chosen)
}

func (c *Client) send(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidURL, "build request")
	}
	out.Header = req.Header.Clone()
	return c.http.Do(out)
}

// parseChallenge reads the payment requirements from the 402 response,
// preferring the header form over the body.
func parseChallenge(resp *http.Response) ([]x402.PaymentRequirement, error) {
	if h := resp.Header.Get(x402.RequirementsHeader); h != "" {
		reqs, err := x402.DecodeRequirements(h)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodePaymentRequired, "decode challenge header")
		}
		return reqs, nil
	}
	var body x402.PaymentRequiredResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBufferedBody)).Decode(&body); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodePaymentRequired, "decode challenge body")
	}
	if len(body.PaymentRequirements) == 0 {
		return nil, apperrors.New(apperrors.ErrCodePaymentRequired, "challenge carries no payment requirements")
	}
	return body.PaymentRequirements, nil
}

// selectRequirement picks the first requirement this wallet can sign for.
// Only EVM networks are signable; Solana requires a locally built
// transaction the wallet does not support.
func (c *Client) selectRequirement(reqs []x402.PaymentRequirement) (x402.PaymentRequirement, error) {
	for _, r := range reqs {
		if r.Scheme != x402.SchemeExact {
			continue
		}
		if x402.IsEVMNetwork(r.Network) {
			if _, ok := x402.LookupNetwork(r.Network); ok {
				return r, nil
			}
		}
	}
	return x402.PaymentRequirement{}, apperrors.New(apperrors.ErrCodeNetworkMismatch,
		"no requirement on a signable network")
}

// pay runs the policy gate, signs the authorization, submits the order,
// polls it to a terminal status, and forwards on completion.
func (c *Client) pay(ctx context.Context, req *http.Request, body []byte, chosen x402.PaymentRequirement) (*http.Response, error) {
	amount, err := x402.ParseAtomic(chosen.MaxAmountRequired)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidAmount, "parse required amount")
	}
	info, _ := x402.LookupNetwork(chosen.Network)

	if err := c.checkPolicies(ctx, chosen, amount, info.Chain, req.URL.String()); err != nil {
		return nil, err
	}

	payload, err := chain.SignEIP3009(c.cfg.PrivateKey, chosen, info.ChainID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodePaymentInvalid, "sign authorization")
	}
	auth := x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     chosen.Network,
		Payload:     payload,
	}

	order := x402.PayRequest{
		OriginalURL:     req.URL.String(),
		OriginalMethod:  req.Method,
		OriginalHeaders: flattenHeaders(req.Header),
		PaymentRequired: chosen,
		AgentWallet:     c.address,
		AgentAuth:       auth,
		IdempotencyKey:  facilitator.IdempotencyKey(c.address, req.URL.String(), req.Method, body, chosen.MaxAmountRequired),
	}
	if len(body) > 0 {
		order.OriginalBody = base64.StdEncoding.EncodeToString(body)
	}

	accepted, err := c.submit(ctx, order)
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("payment_id", accepted.PaymentID).
		Str("amount", chosen.MaxAmountRequired).
		Str("network", chosen.Network).Msg("payment submitted")

	status, err := c.poll(ctx, accepted.PaymentID)
	if err != nil {
		return nil, err
	}
	if status.Status != "completed" {
		return nil, apperrors.New(apperrors.ErrCodePaymentInvalid,
			"payment %s failed: %s", accepted.PaymentID, status.Error).
			WithDetail("payment_id", accepted.PaymentID)
	}
	return c.forward(ctx, accepted.PaymentID)
}

// checkPolicies evaluates spend controls. A deny produces zero facilitator
// traffic and no signature.
func (c *Client) checkPolicies(ctx context.Context, chosen x402.PaymentRequirement, amount *big.Int, chainName x402.Chain, endpoint string) error {
	if c.cfg.Policies == nil {
		return nil
	}
	attached, err := c.cfg.Policies.Policies(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStoreError, "load policies")
	}
	usage, err := c.cfg.Policies.Usage(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStoreError, "load usage")
	}
	decision := policy.Evaluate(attached, policy.Request{
		SellerWallet: chosen.PayTo,
		Amount:       amount,
		Chain:        chainName,
		Endpoint:     endpoint,
		Now:          c.now(),
	}, usage)
	if !decision.Allowed {
		c.log.Warn().Str("reason", string(decision.Reason)).
			Str("seller", logger.TruncateAddress(chosen.PayTo)).Msg("payment denied by policy")
		return apperrors.New(apperrors.ErrCodePolicyDenied, "%s", decision.Detail).
			WithDetail("reason", string(decision.Reason))
	}
	return nil
}

func (c *Client) submit(ctx context.Context, order x402.PayRequest) (*x402.PayResponse, error) {
	raw, err := json.Marshal(order)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "encode pay request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.FacilitatorURL, "/")+"/pay", bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidURL, "build pay request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeFacilitatorUnreachable, "submit payment")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return nil, facilitatorError(resp)
	}
	var out x402.PayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeFacilitatorUnreachable, "decode pay response")
	}
	return &out, nil
}

// poll watches the payment until it reaches a terminal status. Caller
// cancellation records the payment as orphaned before returning.
func (c *Client) poll(ctx context.Context, paymentID string) (*x402.PaymentStatusResponse, error) {
	deadline := c.now().Add(c.timeout)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		status, err := c.getStatus(ctx, paymentID)
		if err == nil {
			switch status.Status {
			case "completed", "failed":
				return status, nil
			}
		} else {
			c.log.Warn().Err(err).Str("payment_id", paymentID).Msg("status poll failed")
		}
		if c.now().After(deadline) {
			c.recordOrphan(paymentID)
			return nil, apperrors.New(apperrors.ErrCodeSettlementExpired,
				"payment %s did not settle within %s", paymentID, c.timeout)
		}
		select {
		case <-ctx.Done():
			c.recordOrphan(paymentID)
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeSettlementExpired,
				"canceled while awaiting payment %s", paymentID)
		case <-ticker.C:
		}
	}
}

func (c *Client) getStatus(ctx context.Context, paymentID string) (*x402.PaymentStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.cfg.FacilitatorURL, "/")+"/pay/"+paymentID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from facilitator", resp.StatusCode)
	}
	var out x402.PaymentStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// forward asks the facilitator to replay the original request. The caller
// owns the returned response body.
func (c *Client) forward(ctx context.Context, paymentID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.FacilitatorURL, "/")+"/forward/"+paymentID, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidURL, "build forward request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeFacilitatorUnreachable, "forward request")
	}
	return resp, nil
}

func facilitatorError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		return apperrors.New(apperrors.ErrorCode(envelope.Error.Code), "%s", envelope.Error.Message)
	}
	return apperrors.New(apperrors.ErrCodeFacilitatorUnreachable,
		"facilitator returned %d", resp.StatusCode)
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
