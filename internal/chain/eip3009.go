package chain

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/tollgate/server/pkg/x402"
)

// authValidityWindow is how long a signed authorization stays acceptable.
const authValidityWindow = 10 * time.Minute

// clockDriftSlack backdates validAfter so a slightly-fast client clock
// does not produce a not-yet-valid authorization.
const clockDriftSlack = 10 * time.Second

// SignEIP3009 produces an EIP-712 signed transferWithAuthorization payload
// for the given requirement. The token name and decimals come from the
// requirement's extra block.
func SignEIP3009(key *ecdsa.PrivateKey, req x402.PaymentRequirement, chainID int64) (*x402.EVMPayload, error) {
	if err := ValidateEVMAddress(req.PayTo); err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || value.Sign() <= 0 {
		return nil, newErr(ClassValidation, "invalid amount %q", req.MaxAmountRequired)
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, newErr(ClassFatal, "generate nonce: %v", err)
	}

	now := time.Now()
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress(req.PayTo)
	validAfter := big.NewInt(now.Add(-clockDriftSlack).Unix())
	validBefore := big.NewInt(now.Add(authValidityWindow).Unix())

	tokenName := "USD Coin"
	if req.Extra.Name != "" {
		tokenName = req.Extra.Name
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              tokenName,
			Version:           "2",
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(chainID)),
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          to.Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       common.BytesToHash(nonce[:]).Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, newErr(ClassFatal, "hash domain: %v", err)
	}
	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, newErr(ClassFatal, "hash message: %v", err)
	}

	// keccak256("\x19\x01" || domainSeparator || structHash)
	raw := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	digest := crypto.Keccak256(raw)

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, newErr(ClassFatal, "sign authorization: %v", err)
	}
	sig[64] += 27 // Ethereum recovery id convention

	return &x402.EVMPayload{
		Signature: "0x" + hex.EncodeToString(sig),
		Authorization: x402.EVMAuthorization{
			From:        from.Hex(),
			To:          to.Hex(),
			Value:       value.String(),
			ValidAfter:  validAfter.String(),
			ValidBefore: validBefore.String(),
			Nonce:       common.BytesToHash(nonce[:]).Hex(),
		},
	}, nil
}

// ParsePrivateKey decodes a hex-encoded secp256k1 key with or without the
// 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, newErr(ClassValidation, "invalid private key: %v", err)
	}
	return key, nil
}
