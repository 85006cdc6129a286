package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RequirementsHeader is the response header carrying the base64-encoded
// payment requirements alongside the structured 402 body.
const RequirementsHeader = "PAYMENT-REQUIRED"

// PaymentHeader is the request header carrying the signed payment
// authorization. Reference: https://github.com/coinbase/x402
const PaymentHeader = "X-PAYMENT"

// SchemeExact is the only scheme this gateway emits: the client authorizes a
// transfer for exactly the advertised amount.
const SchemeExact = "exact"

// PlatformFee describes the revenue split advertised inside a requirement's
// extra block. Amounts are decimal strings in the asset's smallest unit.
type PlatformFee struct {
	FeeBps         int    `json:"feeBps"`
	PlatformWallet string `json:"platformWallet"`
	SellerAmount   string `json:"sellerAmount"`
	PlatformAmount string `json:"platformAmount"`
}

// RequirementExtra carries asset metadata and the optional fee split.
type RequirementExtra struct {
	Name        string       `json:"name"`
	Decimals    int          `json:"decimals"`
	PlatformFee *PlatformFee `json:"platformFee,omitempty"`
}

// PaymentRequirement is a single payment option from a 402 response.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier; always "exact" here.
	Scheme string `json:"scheme"`

	// Network is the CAIP-2 chain identifier (e.g. "eip155:8453").
	Network string `json:"network"`

	// MaxAmountRequired is the price in the asset's smallest unit,
	// as a decimal string ("5000" = 0.005 USDC).
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Description is a human-readable label for the paid resource.
	Description string `json:"description"`

	// PayTo is the seller wallet receiving the transfer.
	PayTo string `json:"payTo"`

	// Asset is the token contract address (EVM) or mint (Solana).
	Asset string `json:"asset"`

	Extra RequirementExtra `json:"extra"`
}

// FeeBreakdown mirrors the split advertised to buyers in the 402 body.
type FeeBreakdown struct {
	TotalAmount  string `json:"totalAmount"`
	SellerAmount string `json:"sellerAmount"`
	PlatformFee  string `json:"platformFee"`
	FeeBps       int    `json:"feeBps"`
}

// PaymentRequiredResponse is the complete 402 response body.
type PaymentRequiredResponse struct {
	Error               string               `json:"error"`
	PaymentRequirements []PaymentRequirement `json:"paymentRequirements"`
	Description         string               `json:"description,omitempty"`
	FeeBreakdown        *FeeBreakdown        `json:"feeBreakdown,omitempty"`
}

// EncodeRequirements renders requirements for the PAYMENT-REQUIRED header.
func EncodeRequirements(reqs []PaymentRequirement) (string, error) {
	data, err := json.Marshal(reqs)
	if err != nil {
		return "", fmt.Errorf("x402: marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeRequirements is the exact inverse of EncodeRequirements.
func DecodeRequirements(header string) ([]PaymentRequirement, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return nil, errors.New("x402: empty requirements header")
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("x402: decode base64: %w", err)
		}
	}
	var reqs []PaymentRequirement
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("x402: parse requirements: %w", err)
	}
	return reqs, nil
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Payload     any    `json:"payload"` // scheme-dependent
}

// EVMAuthorization holds EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// EVMPayload is the scheme payload for EVM networks.
type EVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// SolanaPayload is the scheme payload for Solana networks: a base64-encoded
// partially signed transaction the facilitator completes and submits.
type SolanaPayload struct {
	Transaction string `json:"transaction"`
	Signature   string `json:"signature,omitempty"`
}

// Authorization is the internal representation after parsing the X-PAYMENT
// header. Exactly one of EVM/Solana is populated, matching Network.
type Authorization struct {
	X402Version int
	Scheme      string
	Network     string
	EVM         *EVMPayload
	Solana      *SolanaPayload
}

// From returns the payer address when it is recoverable from the payload.
func (a Authorization) From() string {
	if a.EVM != nil {
		return a.EVM.Authorization.From
	}
	return ""
}

// ParsePaymentHeader decodes the X-PAYMENT header into an Authorization.
// Raw JSON is accepted alongside base64 to ease testing.
func ParsePaymentHeader(header string) (Authorization, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return Authorization{}, errors.New("x402: empty payment header")
	}

	var data []byte
	if strings.HasPrefix(raw, "{") {
		data = []byte(raw)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(raw)
			if err != nil {
				return Authorization{}, fmt.Errorf("x402: decode base64: %w", err)
			}
		}
		data = decoded
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Authorization{}, fmt.Errorf("x402: parse payment payload: %w", err)
	}

	auth := Authorization{
		X402Version: payload.X402Version,
		Scheme:      payload.Scheme,
		Network:     payload.Network,
	}

	inner, err := json.Marshal(payload.Payload)
	if err != nil {
		return auth, fmt.Errorf("x402: marshal payload: %w", err)
	}

	switch {
	case IsEVMNetwork(payload.Network):
		var evm EVMPayload
		if err := json.Unmarshal(inner, &evm); err != nil {
			return auth, fmt.Errorf("x402: parse evm payload: %w", err)
		}
		if evm.Signature == "" {
			return auth, errors.New("x402: evm payload missing signature")
		}
		auth.EVM = &evm
	case IsSolanaNetwork(payload.Network):
		var sol SolanaPayload
		if err := json.Unmarshal(inner, &sol); err != nil {
			return auth, fmt.Errorf("x402: parse solana payload: %w", err)
		}
		if sol.Transaction == "" {
			return auth, errors.New("x402: solana payload missing transaction")
		}
		auth.Solana = &sol
	default:
		return auth, fmt.Errorf("x402: unsupported network %q", payload.Network)
	}

	return auth, nil
}

// EncodePaymentPayload renders a payment payload for the X-PAYMENT header.
func EncodePaymentPayload(payload PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("x402: marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
