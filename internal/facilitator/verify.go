package facilitator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tollgate/server/pkg/x402"
)

// clockSlack tolerates small clock drift between agent and facilitator
// when checking authorization validity windows.
const clockSlack = 10 // seconds

// verifyOnly inspects a signed authorization against the endpoint's
// requirements without settling or touching the chain.
func (s *Service) verifyOnly(payload x402.PaymentPayload, reqs []x402.PaymentRequirement) x402.VerifyResponse {
	if payload.Scheme != x402.SchemeExact {
		return invalid("unsupported scheme %q", payload.Scheme)
	}
	var matched *x402.PaymentRequirement
	for i := range reqs {
		if reqs[i].Network == payload.Network {
			matched = &reqs[i]
			break
		}
	}
	if matched == nil {
		return invalid("no requirement for network %q", payload.Network)
	}

	inner, err := json.Marshal(payload.Payload)
	if err != nil {
		return invalid("unreadable payload")
	}

	switch {
	case x402.IsEVMNetwork(payload.Network):
		var evm x402.EVMPayload
		if err := json.Unmarshal(inner, &evm); err != nil {
			return invalid("malformed evm payload")
		}
		return s.verifyEVM(evm, matched)
	case x402.IsSolanaNetwork(payload.Network):
		var sol x402.SolanaPayload
		if err := json.Unmarshal(inner, &sol); err != nil {
			return invalid("malformed solana payload")
		}
		if sol.Transaction == "" {
			return invalid("solana payload missing transaction")
		}
		return x402.VerifyResponse{Valid: true}
	default:
		return invalid("unsupported network %q", payload.Network)
	}
}

func (s *Service) verifyEVM(evm x402.EVMPayload, req *x402.PaymentRequirement) x402.VerifyResponse {
	if evm.Signature == "" {
		return invalid("missing signature")
	}
	auth := evm.Authorization
	if auth.Value != req.MaxAmountRequired {
		return invalid("authorized value %s does not match required %s", auth.Value, req.MaxAmountRequired)
	}
	if !strings.EqualFold(auth.To, req.PayTo) {
		return invalid("authorization pays %s, requirement pays %s", auth.To, req.PayTo)
	}

	now := s.now().Unix()
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return invalid("malformed validAfter")
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return invalid("malformed validBefore")
	}
	if now+clockSlack < validAfter {
		return invalid("authorization not yet valid")
	}
	if now-clockSlack >= validBefore {
		return invalid("authorization expired")
	}
	return x402.VerifyResponse{Valid: true}
}

func invalid(format string, args ...interface{}) x402.VerifyResponse {
	return x402.VerifyResponse{Valid: false, Error: fmt.Sprintf(format, args...)}
}
