package gate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tollgate/server/internal/httputil"
	"github.com/tollgate/server/pkg/x402"
)

const defaultVerifyTimeout = 5 * time.Second

// Verifier asks the facilitator whether a payment authorization satisfies
// the endpoint's requirements, and looks up settled payments so forwarded
// receipts can be confirmed. It never settles.
type Verifier struct {
	base   string
	client *http.Client
}

// NewVerifier points at the facilitator.
func NewVerifier(facilitatorURL string, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &Verifier{
		base:   strings.TrimRight(facilitatorURL, "/"),
		client: httputil.NewClient(timeout),
	}
}

// Verify decodes the X-PAYMENT header and POSTs {payload, requirements}.
// The payment is valid iff the response is 2xx and flags acceptance.
func (v *Verifier) Verify(ctx context.Context, paymentHeader string, reqs []x402.PaymentRequirement) (x402.VerifyResponse, error) {
	payload, err := decodePayload(paymentHeader)
	if err != nil {
		return x402.VerifyResponse{}, err
	}
	body, err := json.Marshal(x402.VerifyRequest{Payload: payload, Requirements: reqs})
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("gate: marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.base+"/verify", bytes.NewReader(body))
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("gate: build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("gate: reach facilitator: %w", err)
	}
	defer resp.Body.Close()

	var out x402.VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("gate: decode verify response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.Valid, out.Success = false, false
	}
	return out, nil
}

// Confirm fetches the facilitator's record for a payment id. The caller
// decides whether the record honors the receipt it came with.
func (v *Verifier) Confirm(ctx context.Context, paymentID string) (x402.PaymentStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.base+"/pay/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return x402.PaymentStatusResponse{}, fmt.Errorf("gate: build confirm request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return x402.PaymentStatusResponse{}, fmt.Errorf("gate: reach facilitator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return x402.PaymentStatusResponse{}, nil
	}
	var out x402.PaymentStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return x402.PaymentStatusResponse{}, fmt.Errorf("gate: decode payment record: %w", err)
	}
	return out, nil
}

func decodePayload(header string) (x402.PaymentPayload, error) {
	raw := strings.TrimSpace(header)
	var data []byte
	if strings.HasPrefix(raw, "{") {
		data = []byte(raw)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(raw)
			if err != nil {
				return x402.PaymentPayload{}, fmt.Errorf("gate: decode payment header: %w", err)
			}
		}
		data = decoded
	}
	var payload x402.PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("gate: parse payment payload: %w", err)
	}
	return payload, nil
}
