// Package httputil holds the shared outbound HTTP client settings used
// by the facilitator forwarder, the webhook dispatcher, the gate's
// report shipper and the wallet.
package httputil

import (
	"net/http"
	"time"
)

// NewClient returns a client with the given overall timeout and pooled
// keep-alive connections, sized for repeated calls to a small set of
// hosts (facilitator, webhook receivers, RPC nodes).
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
