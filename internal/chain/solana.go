package chain

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/metrics"
)

// SolanaRelay settles payments by relaying the agent's pre-signed SPL
// transfer transaction. The facilitator never holds Solana keys; it only
// submits what the agent already authorized.
type SolanaRelay struct {
	client       *rpc.Client
	confirmations uint64
	rpcTimeout   time.Duration
	pollInterval time.Duration
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

// NewSolanaRelay creates a relay for the given RPC endpoint.
func NewSolanaRelay(rpcURL string, confirmations uint64, rpcTimeout time.Duration, log zerolog.Logger, m *metrics.Metrics) *SolanaRelay {
	if confirmations == 0 {
		confirmations = 2
	}
	if rpcTimeout == 0 {
		rpcTimeout = 30 * time.Second
	}
	return &SolanaRelay{
		client:        rpc.New(rpcURL),
		confirmations: confirmations,
		rpcTimeout:    rpcTimeout,
		pollInterval:  2 * time.Second,
		log:           log.With().Str("component", "solana_relay").Logger(),
		metrics:       m,
	}
}

// Submit relays a base64-encoded signed transaction, retrying transient
// errors, and waits for confirmation.
func (r *SolanaRelay) Submit(ctx context.Context, signedTxBase64 string) (*Receipt, error) {
	tx, err := solana.TransactionFromBase64(signedTxBase64)
	if err != nil {
		return nil, newErr(ClassValidation, "decode transaction: %v", err)
	}

	var sig solana.Signature
	submit := func() error {
		rpcCtx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
		defer cancel()
		start := time.Now()
		s, err := r.client.SendTransactionWithOpts(rpcCtx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		r.metrics.ObserveRPC("send_transaction", "solana", time.Since(start), err)
		if err != nil {
			return err
		}
		sig = s
		return nil
	}
	if err := withRetry(ctx, submit); err != nil {
		return nil, err
	}

	r.log.Info().Str("signature", sig.String()).Msg("transaction relayed")
	return r.waitConfirmed(ctx, sig)
}

func (r *SolanaRelay) waitConfirmed(ctx context.Context, sig solana.Signature) (*Receipt, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		receipt, done, err := r.checkStatus(ctx, sig)
		if err != nil && Classify(err) != ClassTransient {
			return nil, err
		}
		if done {
			return receipt, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, newErr(ClassTransient, "confirmation wait: %v", ctx.Err())
		}
	}
}

func (r *SolanaRelay) checkStatus(ctx context.Context, sig solana.Signature) (*Receipt, bool, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
	defer cancel()

	start := time.Now()
	out, err := r.client.GetSignatureStatuses(rpcCtx, true, sig)
	r.metrics.ObserveRPC("signature_statuses", "solana", time.Since(start), err)
	if err != nil {
		return nil, false, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, false, nil
	}
	status := out.Value[0]
	if status.Err != nil {
		return nil, false, newErr(ClassFatal, "transaction %s failed on chain: %v", sig, status.Err)
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return &Receipt{TxHash: sig.String(), BlockNumber: status.Slot}, true, nil
	}
	if status.Confirmations != nil && *status.Confirmations >= r.confirmations {
		return &Receipt{TxHash: sig.String(), BlockNumber: status.Slot}, true, nil
	}
	return nil, false, nil
}

// Transfer implements Executor for interface symmetry. The amount argument
// carries the agent's base64 transaction: Solana settlement relays a
// pre-signed transfer rather than spending from an executor key, so the
// recipient and amount are fixed inside the signed bytes.
func (r *SolanaRelay) Transfer(ctx context.Context, _ string, signedTxBase64 string) (*Receipt, error) {
	return r.Submit(ctx, signedTxBase64)
}

// Confirmed reports whether a relayed transaction has confirmed.
func (r *SolanaRelay) Confirmed(ctx context.Context, txHash string) (*Receipt, bool, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return nil, false, newErr(ClassValidation, "invalid signature %q: %v", txHash, err)
	}
	receipt, done, err := r.checkStatus(ctx, sig)
	if err != nil {
		return nil, false, err
	}
	return receipt, done, nil
}

var _ Executor = (*SolanaRelay)(nil)
