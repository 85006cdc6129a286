package facilitator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/tollgate/server/internal/chain"
	"github.com/tollgate/server/internal/revenue"
	"github.com/tollgate/server/internal/store"
	"github.com/tollgate/server/pkg/x402"
)

// process drives one payment from pending to a terminal status. The
// solanaTx argument carries the agent's pre-signed transaction for Solana
// settlements; EVM settlements transfer from the executor key.
func (s *Service) process(ctx context.Context, p *store.FacilitatorPayment, solanaTx string) {
	if err := s.store.TransitionPayment(ctx, s.secret, p.PaymentID,
		store.PaymentPending, store.PaymentProcessing, store.PaymentPatch{}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another worker claimed it.
			return
		}
		s.log.Error().Err(err).Str("payment_id", p.PaymentID).Msg("claim payment failed")
		return
	}

	info, ok := x402.LookupNetwork(p.Requirement.Network)
	if !ok {
		s.fail(ctx, p, "unsupported network "+p.Requirement.Network)
		return
	}
	exec := s.executors[info.Chain]
	if exec == nil {
		s.fail(ctx, p, "no executor configured for chain "+string(info.Chain))
		return
	}

	transferArg := p.Requirement.MaxAmountRequired
	if info.Chain == x402.ChainSolana {
		if solanaTx == "" {
			s.fail(ctx, p, "solana settlement requires a signed transaction")
			return
		}
		transferArg = solanaTx
	}

	start := s.now()
	receipt, err := exec.Transfer(ctx, p.SellerAddress, transferArg)
	if err != nil {
		class := chain.Classify(err)
		s.metrics.ObservePaymentFailure(string(info.Chain), class.String())
		s.fail(ctx, p, err.Error())
		return
	}

	now := s.now().UTC()
	patch := store.PaymentPatch{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		CompletedAt: &now,
	}
	if err := s.store.TransitionPayment(ctx, s.secret, p.PaymentID,
		store.PaymentProcessing, store.PaymentCompleted, patch); err != nil {
		s.log.Error().Err(err).Str("payment_id", p.PaymentID).
			Str("tx_hash", receipt.TxHash).Msg("settled on-chain but completion not recorded")
		return
	}

	atomicAmount, _ := strconv.ParseFloat(p.Requirement.MaxAmountRequired, 64)
	s.metrics.ObservePayment(string(info.Chain), "completed", atomicAmount, s.now().Sub(start))
	s.recordRevenue(ctx, p, string(info.Chain))
	s.log.Info().Str("payment_id", p.PaymentID).Str("tx_hash", receipt.TxHash).
		Uint64("block", receipt.BlockNumber).Msg("payment settled")
}

func (s *Service) fail(ctx context.Context, p *store.FacilitatorPayment, reason string) {
	now := s.now().UTC()
	patch := store.PaymentPatch{Error: reason, CompletedAt: &now}
	if err := s.store.TransitionPayment(ctx, s.secret, p.PaymentID,
		store.PaymentProcessing, store.PaymentFailed, patch); err != nil {
		s.log.Error().Err(err).Str("payment_id", p.PaymentID).Msg("record failure failed")
	}
	s.log.Warn().Str("payment_id", p.PaymentID).Str("reason", reason).Msg("payment failed")
}

// recordRevenue writes the platform's cut for a settled payment. Keyed by
// payment id so recovery replays never double-count.
func (s *Service) recordRevenue(ctx context.Context, p *store.FacilitatorPayment, chainName string) {
	if s.revenue == nil {
		return
	}
	total, err := strconv.ParseInt(p.Requirement.MaxAmountRequired, 10, 64)
	if err != nil {
		s.log.Error().Err(err).Str("payment_id", p.PaymentID).Msg("revenue amount unparseable")
		return
	}
	entry := &revenue.Entry{
		TransactionID: p.PaymentID,
		Chain:         chainName,
		Amount:        total,
		SellerAmount:  total,
	}
	if fee := p.Requirement.Extra.PlatformFee; fee != nil {
		entry.FeeBps = fee.FeeBps
		if v, err := strconv.ParseInt(fee.PlatformAmount, 10, 64); err == nil {
			entry.PlatformFee = v
		}
		if v, err := strconv.ParseInt(fee.SellerAmount, 10, 64); err == nil {
			entry.SellerAmount = v
		}
	}
	if err := s.revenue.Record(ctx, entry); err != nil && !errors.Is(err, revenue.ErrDuplicate) {
		s.log.Error().Err(err).Str("payment_id", p.PaymentID).Msg("record revenue failed")
	}
}

// Recover resumes interrupted payments after a restart.
func (s *Service) Recover(ctx context.Context) error {
	confirmTimeout := s.cfg.ConfirmationTimeout.Duration
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}

	processing, err := s.store.ListPaymentsByStatus(ctx, store.PaymentProcessing, 0)
	if err != nil {
		return err
	}
	for _, p := range processing {
		s.recoverProcessing(ctx, p, confirmTimeout)
	}

	pending, err := s.store.ListPaymentsByStatus(ctx, store.PaymentPending, 0)
	if err != nil {
		return err
	}
	for _, p := range pending {
		s.recoverPending(ctx, p)
	}
	return nil
}

// recoverProcessing polls a submitted transaction until it confirms or
// the window closes.
func (s *Service) recoverProcessing(ctx context.Context, p *store.FacilitatorPayment, window time.Duration) {
	if p.TxHash == "" {
		// Crashed between claim and submission; the transfer may or may
		// not be on-chain, so never resubmit.
		s.fail(ctx, p, "interrupted before submission was recorded")
		return
	}
	info, ok := x402.LookupNetwork(p.Requirement.Network)
	if !ok {
		s.fail(ctx, p, "unsupported network "+p.Requirement.Network)
		return
	}
	exec := s.executors[info.Chain]
	if exec == nil {
		s.fail(ctx, p, "no executor configured for chain "+string(info.Chain))
		return
	}

	deadline := s.now().Add(window)
	for s.now().Before(deadline) {
		receipt, done, err := exec.Confirmed(ctx, p.TxHash)
		if err != nil {
			s.log.Warn().Err(err).Str("payment_id", p.PaymentID).Msg("confirmation poll failed")
		} else if done {
			now := s.now().UTC()
			patch := store.PaymentPatch{TxHash: receipt.TxHash, BlockNumber: receipt.BlockNumber, CompletedAt: &now}
			if err := s.store.TransitionPayment(ctx, s.secret, p.PaymentID,
				store.PaymentProcessing, store.PaymentCompleted, patch); err == nil {
				s.recordRevenue(ctx, p, string(info.Chain))
				s.log.Info().Str("payment_id", p.PaymentID).Msg("recovered payment confirmed")
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
	s.fail(ctx, p, "confirmation window elapsed after restart")
}

// recoverPending re-submits a payment that never reached the chain.
// Solana orders cannot be replayed because the signed transaction is not
// persisted.
func (s *Service) recoverPending(ctx context.Context, p *store.FacilitatorPayment) {
	if x402.IsSolanaNetwork(p.Requirement.Network) {
		if err := s.store.TransitionPayment(ctx, s.secret, p.PaymentID,
			store.PaymentPending, store.PaymentFailed,
			store.PaymentPatch{Error: "signed transaction lost across restart"}); err != nil {
			s.log.Error().Err(err).Str("payment_id", p.PaymentID).Msg("record failure failed")
		}
		return
	}
	s.process(ctx, p, "")
}
