package x402

import "strings"

// Chain is the coarse chain family an agent or endpoint supports.
type Chain string

const (
	ChainBase   Chain = "base"
	ChainSolana Chain = "solana"
)

// USDC uses 6-decimal fixed point on every supported network.
const USDCDecimals = 6

// NetworkInfo describes one supported settlement network.
type NetworkInfo struct {
	Chain     Chain
	CAIP2     string // canonical chain id, e.g. "eip155:8453"
	ChainID   int64  // EVM chain id; 0 for Solana
	USDCAsset string // token contract (EVM) or mint (Solana)
}

var networks = map[string]NetworkInfo{
	"eip155:8453": {
		Chain:     ChainBase,
		CAIP2:     "eip155:8453",
		ChainID:   8453,
		USDCAsset: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	},
	"eip155:84532": {
		Chain:     ChainBase,
		CAIP2:     "eip155:84532",
		ChainID:   84532,
		USDCAsset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	},
	"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp": {
		Chain:     ChainSolana,
		CAIP2:     "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		USDCAsset: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	},
}

// chainDefaults maps a chain family to its mainnet network.
var chainDefaults = map[Chain]string{
	ChainBase:   "eip155:8453",
	ChainSolana: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
}

// LookupNetwork resolves a CAIP-2 identifier.
func LookupNetwork(caip2 string) (NetworkInfo, bool) {
	info, ok := networks[caip2]
	return info, ok
}

// NetworkForChain returns the default (mainnet) network for a chain family.
func NetworkForChain(chain Chain) (NetworkInfo, bool) {
	caip2, ok := chainDefaults[chain]
	if !ok {
		return NetworkInfo{}, false
	}
	return networks[caip2], true
}

// IsEVMNetwork reports whether the CAIP-2 id names an EVM chain.
func IsEVMNetwork(caip2 string) bool {
	return strings.HasPrefix(caip2, "eip155:")
}

// IsSolanaNetwork reports whether the CAIP-2 id names a Solana cluster.
func IsSolanaNetwork(caip2 string) bool {
	return strings.HasPrefix(caip2, "solana:")
}
