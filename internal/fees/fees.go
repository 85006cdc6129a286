// Package fees implements the pure revenue-split kernel. All arithmetic is
// in token smallest units so that platformFee + sellerAmount == totalAmount
// holds exactly for every input.
package fees

import (
	"fmt"
	"math/big"

	"github.com/tollgate/server/pkg/x402"
)

// Config is the platform's fee policy. A nil config or FeeBps of zero means
// the whole amount goes to the seller and no platform wallet is advertised.
type Config struct {
	FeeBps         int
	PlatformWallet string
}

// Breakdown is the exact split of one payment, in smallest units.
type Breakdown struct {
	TotalAmount  *big.Int
	PlatformFee  *big.Int
	SellerAmount *big.Int
	FeeBps       int
}

// Split divides an atomic amount between the seller and the platform.
// The platform fee rounds toward zero; the seller absorbs the remainder.
func Split(atomicAmount *big.Int, cfg *Config) (Breakdown, error) {
	if atomicAmount == nil || atomicAmount.Sign() < 0 {
		return Breakdown{}, fmt.Errorf("fees: amount must be non-negative")
	}

	total := new(big.Int).Set(atomicAmount)
	if cfg == nil || cfg.FeeBps == 0 {
		return Breakdown{
			TotalAmount:  total,
			PlatformFee:  big.NewInt(0),
			SellerAmount: new(big.Int).Set(total),
			FeeBps:       0,
		}, nil
	}
	if cfg.FeeBps < 0 || cfg.FeeBps > 10000 {
		return Breakdown{}, fmt.Errorf("fees: feeBps %d out of range [0,10000]", cfg.FeeBps)
	}

	// floor(total * bps / 10000)
	fee := new(big.Int).Mul(total, big.NewInt(int64(cfg.FeeBps)))
	fee.Quo(fee, big.NewInt(10000))
	seller := new(big.Int).Sub(total, fee)

	return Breakdown{
		TotalAmount:  total,
		PlatformFee:  fee,
		SellerAmount: seller,
		FeeBps:       cfg.FeeBps,
	}, nil
}

// SplitHuman splits a human-readable decimal price ("0.005").
func SplitHuman(price string, cfg *Config) (Breakdown, error) {
	atomic, err := x402.ParseAmount(price)
	if err != nil {
		return Breakdown{}, err
	}
	return Split(atomic, cfg)
}

// PlatformFeeExtra renders the breakdown for a 402 requirement's extra
// block. Returns nil when there is no platform cut.
func (b Breakdown) PlatformFeeExtra(platformWallet string) *x402.PlatformFee {
	if b.PlatformFee == nil || b.PlatformFee.Sign() == 0 {
		return nil
	}
	return &x402.PlatformFee{
		FeeBps:         b.FeeBps,
		PlatformWallet: platformWallet,
		SellerAmount:   b.SellerAmount.String(),
		PlatformAmount: b.PlatformFee.String(),
	}
}

// FeeBreakdown renders the breakdown for the 402 response body.
func (b Breakdown) FeeBreakdown() *x402.FeeBreakdown {
	if b.TotalAmount == nil {
		return nil
	}
	return &x402.FeeBreakdown{
		TotalAmount:  b.TotalAmount.String(),
		SellerAmount: b.SellerAmount.String(),
		PlatformFee:  b.PlatformFee.String(),
		FeeBps:       b.FeeBps,
	}
}
