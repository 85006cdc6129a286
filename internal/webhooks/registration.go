package webhooks

import (
	"context"
	"net"
	"net/url"
	"strings"

	apperrors "github.com/tollgate/server/internal/errors"
	"github.com/tollgate/server/internal/store"
)

// lookupHost resolves a hostname; swapped out in tests.
var lookupHost = func(ctx context.Context, host string) ([]net.IP, error) {
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

// ValidateURL accepts only HTTPS endpoints on public hosts. Both the
// literal host and every resolved address must be public, so a registered
// webhook cannot be pointed at the platform's own network. A hostname
// that does not resolve is allowed through: delivery to it fails on its
// own, and rejecting it here would couple registration to DNS uptime.
func ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidURL, "parse webhook url")
	}
	if u.Scheme != "https" {
		return apperrors.New(apperrors.ErrCodeInvalidURL, "webhook url must use https")
	}
	host := u.Hostname()
	if host == "" {
		return apperrors.New(apperrors.ErrCodeInvalidURL, "webhook url missing host")
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return apperrors.New(apperrors.ErrCodeInvalidURL, "webhook url must resolve to a public host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return apperrors.New(apperrors.ErrCodeInvalidURL, "webhook url must resolve to a public host")
		}
		return nil
	}
	ips, err := lookupHost(ctx, host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return apperrors.New(apperrors.ErrCodeInvalidURL, "webhook url must resolve to a public host")
		}
	}
	return nil
}

// ValidateEvents rejects subscriptions outside the supported event set.
func ValidateEvents(events []store.WebhookEvent) error {
	if len(events) == 0 {
		return apperrors.New(apperrors.ErrCodeMissingField, "at least one event is required")
	}
	for _, e := range events {
		if !store.KnownEvent(e) {
			return apperrors.New(apperrors.ErrCodeInvalidField, "unknown event type %q", e)
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
