package x402

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidAmount is returned when a decimal amount cannot be parsed.
var ErrInvalidAmount = errors.New("x402: invalid amount")

var atomicPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(USDCDecimals), nil)

// ParseAmount converts a human-readable decimal string ("0.005") into
// smallest units (micro-dollars for USDC). Digits beyond the asset's
// precision are rejected rather than rounded: prices and payments must be
// representable exactly.
func ParseAmount(human string) (*big.Int, error) {
	s := strings.TrimSpace(human)
	if s == "" {
		return nil, ErrInvalidAmount
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > USDCDecimals {
		return nil, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, USDCDecimals)
	}
	frac += strings.Repeat("0", USDCDecimals-len(frac))

	wholeInt, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	fracInt := big.NewInt(0)
	if frac != "" {
		fracInt, ok = new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, ErrInvalidAmount
		}
	}

	atomic := new(big.Int).Mul(wholeInt, atomicPerUnit)
	atomic.Add(atomic, fracInt)
	if neg {
		atomic.Neg(atomic)
	}
	return atomic, nil
}

// FormatAmount converts smallest units back to a human-readable decimal
// string with trailing zeros trimmed ("5000" -> "0.005").
func FormatAmount(atomic *big.Int) string {
	if atomic == nil {
		return "0"
	}
	sign := ""
	v := new(big.Int).Set(atomic)
	if v.Sign() < 0 {
		sign = "-"
		v.Neg(v)
	}
	whole, frac := new(big.Int).DivMod(v, atomicPerUnit, new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}
	fracStr := fmt.Sprintf("%0*d", USDCDecimals, frac)
	fracStr = strings.TrimRight(fracStr, "0")
	return sign + whole.String() + "." + fracStr
}

// ParseAtomic parses a smallest-units decimal string ("5000").
func ParseAtomic(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return v, nil
}
