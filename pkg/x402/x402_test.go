package x402

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"0.005", "5000", true},
		{"1", "1000000", true},
		{"0.000001", "1", true},
		{".5", "500000", true},
		{"25.00", "25000000", true},
		{"-0.01", "-10000", true},
		{"0.0000001", "", false}, // 7 decimal places
		{"", "", false},
		{"abc", "", false},
		{"1.2.3", "", false},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("ParseAmount(%q) err = %v", tt.in, err)
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("ParseAmount(%q) error not ErrInvalidAmount: %v", tt.in, err)
			}
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormatAmountRoundTrip(t *testing.T) {
	for _, human := range []string{"0.005", "1", "0.000001", "123.456789"} {
		atomic, err := ParseAmount(human)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", human, err)
		}
		if got := FormatAmount(atomic); got != human {
			t.Errorf("FormatAmount(ParseAmount(%q)) = %q", human, got)
		}
	}
	if got := FormatAmount(nil); got != "0" {
		t.Errorf("FormatAmount(nil) = %q", got)
	}
}

func TestRequirementsHeaderRoundTrip(t *testing.T) {
	reqs := []PaymentRequirement{{
		Scheme:            SchemeExact,
		Network:           "eip155:8453",
		MaxAmountRequired: "5000",
		PayTo:             "0x1111111111111111111111111111111111111111",
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Extra:             RequirementExtra{Name: "USDC", Decimals: 6},
	}}
	header, err := EncodeRequirements(reqs)
	if err != nil {
		t.Fatalf("EncodeRequirements: %v", err)
	}
	decoded, err := DecodeRequirements(header)
	if err != nil {
		t.Fatalf("DecodeRequirements: %v", err)
	}
	if len(decoded) != 1 || decoded[0] != reqs[0] {
		t.Errorf("round trip = %+v, want %+v", decoded, reqs)
	}
}

func TestParsePaymentHeaderEVM(t *testing.T) {
	payload := `{"x402Version":1,"scheme":"exact","network":"eip155:8453",` +
		`"payload":{"signature":"0xsig","authorization":{"from":"0xaa","to":"0xbb",` +
		`"value":"5000","validAfter":"0","validBefore":"9999999999","nonce":"0x01"}}}`

	// Both raw JSON and base64 forms decode.
	for _, header := range []string{payload, base64.StdEncoding.EncodeToString([]byte(payload))} {
		auth, err := ParsePaymentHeader(header)
		if err != nil {
			t.Fatalf("ParsePaymentHeader: %v", err)
		}
		if auth.EVM == nil || auth.Solana != nil {
			t.Fatal("expected EVM payload")
		}
		if auth.From() != "0xaa" || auth.EVM.Authorization.Value != "5000" {
			t.Errorf("auth = %+v", auth.EVM.Authorization)
		}
	}
}

func TestParsePaymentHeaderRejects(t *testing.T) {
	tests := map[string]string{
		"empty":             "",
		"garbage":           "!!not-base64!!",
		"unknown network":   `{"x402Version":1,"scheme":"exact","network":"cosmos:hub","payload":{}}`,
		"missing signature": `{"x402Version":1,"scheme":"exact","network":"eip155:8453","payload":{"authorization":{"from":"0xaa"}}}`,
		"missing solana tx": `{"x402Version":1,"scheme":"exact","network":"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp","payload":{}}`,
	}
	for name, header := range tests {
		if _, err := ParsePaymentHeader(header); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestReceiptHeaderRoundTrip(t *testing.T) {
	r := Receipt{
		PaymentID: "pay-9",
		TxHash:    "0xfeed",
		Chain:     ChainBase,
		Network:   "eip155:8453",
		Amount:    "0.005",
		From:      "0xaa",
		To:        "0xbb",
	}
	header, err := EncodeReceipt(r)
	if err != nil {
		t.Fatalf("EncodeReceipt: %v", err)
	}
	got, err := DecodeReceipt(header)
	if err != nil {
		t.Fatalf("DecodeReceipt: %v", err)
	}
	if got != r {
		t.Errorf("round trip = %+v, want %+v", got, r)
	}
}

func TestLookupNetwork(t *testing.T) {
	info, ok := LookupNetwork("eip155:8453")
	if !ok || info.Chain != ChainBase || info.ChainID != 8453 || info.USDCAsset == "" {
		t.Errorf("base mainnet = %+v, ok=%v", info, ok)
	}
	if _, ok := LookupNetwork("eip155:1"); ok {
		t.Error("ethereum mainnet should be unsupported")
	}
	sol, ok := NetworkForChain(ChainSolana)
	if !ok || sol.ChainID != 0 || !IsSolanaNetwork(sol.CAIP2) {
		t.Errorf("solana default = %+v, ok=%v", sol, ok)
	}
}
