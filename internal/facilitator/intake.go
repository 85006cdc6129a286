package facilitator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/tollgate/server/internal/chain"
	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/pkg/x402"
)

// lookupFunc resolves a hostname; swapped out in tests.
type lookupFunc func(ctx context.Context, host string) ([]net.IP, error)

func defaultLookup(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// guardOriginURL rejects forward targets inside our own network. Both the
// literal host and every resolved address must be public.
func guardOriginURL(ctx context.Context, raw string, lookup lookupFunc) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidURL, "parse original url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.New(apperrors.ErrCodeInvalidURL, "original url scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return apperrors.New(apperrors.ErrCodeInvalidURL, "original url missing host")
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return apperrors.New(apperrors.ErrCodeInvalidURL, "original url must not target internal hosts")
	}
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return apperrors.New(apperrors.ErrCodeInvalidURL, "original url must not target private addresses")
		}
		return nil
	}
	ips, err := lookup(ctx, host)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidURL, "resolve original url host")
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return apperrors.New(apperrors.ErrCodeInvalidURL, "original url resolves to a private address")
		}
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// validatePayRequest checks everything intake needs before touching the
// store.
func (s *Service) validatePayRequest(ctx context.Context, req *x402.PayRequest) error {
	if req.OriginalURL == "" {
		return apperrors.New(apperrors.ErrCodeMissingField, "original_url is required")
	}
	if req.OriginalMethod == "" {
		return apperrors.New(apperrors.ErrCodeMissingField, "original_method is required")
	}
	if err := guardOriginURL(ctx, req.OriginalURL, s.lookup); err != nil {
		return err
	}

	r := req.PaymentRequired
	if r.Scheme != x402.SchemeExact {
		return apperrors.New(apperrors.ErrCodeInvalidField, "unsupported scheme %q", r.Scheme)
	}
	info, ok := x402.LookupNetwork(r.Network)
	if !ok {
		return apperrors.New(apperrors.ErrCodeNetworkMismatch, "unsupported network %q", r.Network)
	}
	if _, err := x402.ParseAtomic(r.MaxAmountRequired); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidAmount, "parse maxAmountRequired")
	}
	if err := chain.ValidateAddress(info.Chain, r.PayTo); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidWallet, "validate payTo")
	}
	if req.AgentWallet != "" {
		if err := chain.ValidateAddress(info.Chain, req.AgentWallet); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInvalidWallet, "validate agent wallet")
		}
	}
	if req.AgentAuth.Network != "" && req.AgentAuth.Network != r.Network {
		return apperrors.New(apperrors.ErrCodeNetworkMismatch,
			"authorization network %q does not match requirement %q", req.AgentAuth.Network, r.Network)
	}
	return nil
}

// intake creates the payment record or returns the existing one for a
// repeated idempotency key. Created reports whether execution should be
// scheduled.
func (s *Service) intake(ctx context.Context, req *x402.PayRequest) (*store.FacilitatorPayment, bool, error) {
	var body []byte
	if req.OriginalBody != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.OriginalBody)
		if err != nil {
			return nil, false, apperrors.Wrap(err, apperrors.ErrCodeInvalidField, "decode original_body")
		}
		body = decoded
	}

	p := &store.FacilitatorPayment{
		PaymentID:       uuid.NewString(),
		IdempotencyKey:  req.IdempotencyKey,
		OriginalURL:     req.OriginalURL,
		OriginalMethod:  strings.ToUpper(req.OriginalMethod),
		OriginalHeaders: req.OriginalHeaders,
		OriginalBody:    body,
		Requirement:     req.PaymentRequired,
		AgentWallet:     req.AgentWallet,
		SellerAddress:   req.PaymentRequired.PayTo,
		Status:          store.PaymentPending,
	}
	stored, created, err := s.store.UpsertPayment(ctx, s.secret, p)
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrCodeStoreError, "persist payment")
	}
	return stored, created, nil
}

// IdempotencyKey derives the deterministic intake key wallets use so that
// a retried call can never double-pay.
func IdempotencyKey(agentWallet, originalURL, method string, body []byte, amountAtomic string) string {
	bodyHash := sha256.Sum256(body)
	h := sha256.New()
	h.Write([]byte(agentWallet))
	h.Write([]byte("|"))
	h.Write([]byte(originalURL))
	h.Write([]byte("|"))
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte("|"))
	h.Write(bodyHash[:])
	h.Write([]byte("|"))
	h.Write([]byte(amountAtomic))
	return hex.EncodeToString(h.Sum(nil))
}
