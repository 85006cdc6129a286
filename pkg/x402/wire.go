package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// ReceiptHeader carries the settlement receipt on requests the facilitator
// forwards to the origin.
const ReceiptHeader = "X-Payment-Receipt"

// Receipt is the proof of settlement attached to a forwarded request and
// to the gate's request context.
type Receipt struct {
	// PaymentID names the facilitator payment the receipt settles, so a
	// receiver can confirm the receipt against the facilitator's record.
	PaymentID   string    `json:"paymentId,omitempty"`
	TxHash      string    `json:"txHash"`
	Chain       Chain     `json:"chain"`
	Network     string    `json:"network"`
	Amount      string    `json:"amount"` // human-readable units
	From        string    `json:"from"`
	To          string    `json:"to"`
	Timestamp   time.Time `json:"timestamp"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
}

// EncodeReceipt renders a receipt for the X-Payment-Receipt header.
func EncodeReceipt(r Receipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("x402: marshal receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeReceipt is the inverse of EncodeReceipt.
func DecodeReceipt(header string) (Receipt, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return Receipt{}, fmt.Errorf("x402: decode receipt: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, fmt.Errorf("x402: parse receipt: %w", err)
	}
	return r, nil
}

// VerifyRequest is the gate's POST body to the facilitator's /verify.
type VerifyRequest struct {
	Payload      PaymentPayload       `json:"payload"`
	Requirements []PaymentRequirement `json:"requirements"`
}

// VerifyResponse reports whether a payment authorization is acceptable.
// Either Valid or Success signals acceptance; both names exist in the
// wild, so emit and accept both.
type VerifyResponse struct {
	Valid   bool   `json:"valid"`
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Accepted reports whether the response signals a valid payment.
func (v VerifyResponse) Accepted() bool { return v.Valid || v.Success }

// PayRequest is the wallet's POST body to the facilitator's /pay.
type PayRequest struct {
	OriginalURL     string             `json:"original_url"`
	OriginalMethod  string             `json:"original_method"`
	OriginalHeaders map[string]string  `json:"original_headers,omitempty"`
	OriginalBody    string             `json:"original_body,omitempty"` // base64
	PaymentRequired PaymentRequirement `json:"payment_required"`
	AgentWallet     string             `json:"agent_wallet"`
	AgentAuth       PaymentPayload     `json:"agent_auth"`
	IdempotencyKey  string             `json:"idempotency_key,omitempty"`
}

// PayResponse acknowledges payment intake.
type PayResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// PaymentStatusResponse is the GET /pay/{id} body.
type PaymentStatusResponse struct {
	PaymentID   string     `json:"payment_id"`
	Status      string     `json:"status"`
	TxHash      string     `json:"txHash,omitempty"`
	BlockNumber uint64     `json:"blockNumber,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
