package chain

import (
	"regexp"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/tollgate/server/pkg/x402"
)

var evmAddrRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

const evmZeroAddr = "0x0000000000000000000000000000000000000000"

// ValidateEVMAddress accepts 0x plus 40 hex digits, rejecting the zero
// address.
func ValidateEVMAddress(addr string) error {
	if !evmAddrRe.MatchString(addr) {
		return newErr(ClassValidation, "invalid EVM address %q", addr)
	}
	if strings.EqualFold(addr, evmZeroAddr) {
		return newErr(ClassValidation, "zero address is not a valid recipient")
	}
	return nil
}

// ValidateSolanaAddress accepts base58 public keys of length 32-44.
func ValidateSolanaAddress(addr string) error {
	if len(addr) < 32 || len(addr) > 44 {
		return newErr(ClassValidation, "solana address length %d outside 32-44", len(addr))
	}
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return newErr(ClassValidation, "invalid solana address %q: %v", addr, err)
	}
	return nil
}

// ValidateAddress dispatches on chain.
func ValidateAddress(chain x402.Chain, addr string) error {
	switch chain {
	case x402.ChainBase:
		return ValidateEVMAddress(addr)
	case x402.ChainSolana:
		return ValidateSolanaAddress(addr)
	default:
		return newErr(ClassValidation, "unknown chain %q", chain)
	}
}
