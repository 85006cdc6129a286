package fees

import (
	"math/big"
	"testing"
)

func TestSplitZeroFee(t *testing.T) {
	b, err := Split(big.NewInt(5000), nil)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if b.PlatformFee.Sign() != 0 {
		t.Errorf("expected zero platform fee, got %s", b.PlatformFee)
	}
	if b.SellerAmount.Cmp(big.NewInt(5000)) != 0 {
		t.Errorf("expected seller to receive full amount, got %s", b.SellerAmount)
	}
}

func TestSplitRoundsDown(t *testing.T) {
	// 250 bps of 1001 = 25.025, platform gets 25, seller absorbs the rest.
	cfg := &Config{FeeBps: 250, PlatformWallet: "0xPlatform"}
	b, err := Split(big.NewInt(1001), cfg)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if b.PlatformFee.Cmp(big.NewInt(25)) != 0 {
		t.Errorf("platform fee = %s, want 25", b.PlatformFee)
	}
	if b.SellerAmount.Cmp(big.NewInt(976)) != 0 {
		t.Errorf("seller amount = %s, want 976", b.SellerAmount)
	}
}

func TestSplitConservation(t *testing.T) {
	amounts := []int64{0, 1, 7, 99, 1000, 999999, 1000000, 123456789}
	bpsValues := []int{0, 1, 30, 250, 999, 10000}
	for _, amt := range amounts {
		for _, bps := range bpsValues {
			b, err := Split(big.NewInt(amt), &Config{FeeBps: bps})
			if err != nil {
				t.Fatalf("Split(%d, %d bps): %v", amt, bps, err)
			}
			sum := new(big.Int).Add(b.PlatformFee, b.SellerAmount)
			if sum.Cmp(b.TotalAmount) != 0 {
				t.Errorf("Split(%d, %d bps): fee %s + seller %s != total %s",
					amt, bps, b.PlatformFee, b.SellerAmount, b.TotalAmount)
			}
			if b.PlatformFee.Sign() < 0 || b.SellerAmount.Sign() < 0 {
				t.Errorf("Split(%d, %d bps): negative component", amt, bps)
			}
		}
	}
}

func TestSplitRejectsBadInput(t *testing.T) {
	if _, err := Split(big.NewInt(-1), nil); err == nil {
		t.Error("expected error for negative amount")
	}
	if _, err := Split(nil, nil); err == nil {
		t.Error("expected error for nil amount")
	}
	if _, err := Split(big.NewInt(100), &Config{FeeBps: 10001}); err == nil {
		t.Error("expected error for bps > 10000")
	}
	if _, err := Split(big.NewInt(100), &Config{FeeBps: -5}); err == nil {
		t.Error("expected error for negative bps")
	}
}

func TestSplitHuman(t *testing.T) {
	b, err := SplitHuman("0.005", &Config{FeeBps: 250})
	if err != nil {
		t.Fatalf("SplitHuman: %v", err)
	}
	if b.TotalAmount.Cmp(big.NewInt(5000)) != 0 {
		t.Errorf("total = %s, want 5000", b.TotalAmount)
	}
	if b.PlatformFee.Cmp(big.NewInt(125)) != 0 {
		t.Errorf("fee = %s, want 125", b.PlatformFee)
	}
}

func TestPlatformFeeExtra(t *testing.T) {
	b, _ := Split(big.NewInt(10000), &Config{FeeBps: 100})
	extra := b.PlatformFeeExtra("0xPlatform")
	if extra == nil {
		t.Fatal("expected non-nil extra")
	}
	if extra.SellerAmount != "9900" || extra.PlatformAmount != "100" {
		t.Errorf("extra split = %s/%s, want 9900/100", extra.SellerAmount, extra.PlatformAmount)
	}

	b, _ = Split(big.NewInt(10000), nil)
	if b.PlatformFeeExtra("0xPlatform") != nil {
		t.Error("expected nil extra when fee is zero")
	}
}
