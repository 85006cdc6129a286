// Package chain moves stablecoin on Base and Solana for the facilitator
// and signs EIP-3009 authorizations for agent wallets.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Class buckets chain errors by how the caller should react.
type Class int

const (
	// ClassValidation: malformed address or amount; fail immediately.
	ClassValidation Class = iota
	// ClassInsufficientFunds: executor balance too low; terminal.
	ClassInsufficientFunds
	// ClassTransient: RPC timeout, nonce too low, mempool rejection;
	// retried with backoff before going terminal.
	ClassTransient
	// ClassFatal: reverted or otherwise unrecoverable.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassInsufficientFunds:
		return "insufficient_funds"
	case ClassTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Error is a chain failure tagged with its class.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("chain: %s: %v", e.Class, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newErr(class Class, format string, args ...interface{}) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// Classify tags an arbitrary RPC/submission error. Unknown errors are
// treated as transient so the retry loop gets a chance; the attempt cap
// bounds the damage of a misclassified fatal.
func Classify(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "insufficient balance"):
		return ClassInsufficientFunds
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "mempool"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "blockhash not found"):
		return ClassTransient
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "invalid signature"):
		return ClassFatal
	default:
		return ClassTransient
	}
}

// Receipt is the result of a confirmed transfer.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// Executor submits one stablecoin transfer and waits for confirmations.
type Executor interface {
	// Transfer moves amount (smallest units) to the recipient and blocks
	// until the configured confirmation depth or ctx expiry.
	Transfer(ctx context.Context, to string, amount string) (*Receipt, error)
	// Confirmed reports whether a previously submitted transaction has
	// reached the confirmation depth. Used by boot recovery.
	Confirmed(ctx context.Context, txHash string) (*Receipt, bool, error)
}

// transientBackoff is the retry schedule for transient submission errors.
var transientBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// withRetry runs fn up to len(transientBackoff) times, sleeping between
// attempts, as long as failures classify as transient.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < len(transientBackoff); attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if Classify(err) != ClassTransient || attempt == len(transientBackoff)-1 {
			return err
		}
		select {
		case <-time.After(transientBackoff[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
