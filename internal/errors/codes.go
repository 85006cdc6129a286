package errors

// ErrorCode is a machine-readable error identifier shared by the gateway,
// the facilitator, and SDK clients.
type ErrorCode string

// Authentication and plan enforcement.
const (
	ErrCodeUnauthorized     ErrorCode = "unauthorized"
	ErrCodePlanLimitReached ErrorCode = "plan_limit_reached"
	ErrCodeRateLimited      ErrorCode = "rate_limited"
)

// Payment lifecycle. payment_required is protocol state, not a failure:
// it still flows through the error writer so the 402 body stays uniform.
const (
	ErrCodePaymentRequired ErrorCode = "payment_required"
	ErrCodePaymentInvalid  ErrorCode = "payment_invalid"
	ErrCodePolicyDenied    ErrorCode = "policy_denied"
)

// Request validation.
const (
	ErrCodeMissingField  ErrorCode = "missing_field"
	ErrCodeInvalidField  ErrorCode = "invalid_field"
	ErrCodeInvalidAmount ErrorCode = "invalid_amount"
	ErrCodeInvalidWallet ErrorCode = "invalid_wallet"
	ErrCodeInvalidURL    ErrorCode = "invalid_url"
)

// Resource state.
const (
	ErrCodeNotFound      ErrorCode = "not_found"
	ErrCodeConflict      ErrorCode = "conflict"
	ErrCodeDuplicateSlug ErrorCode = "duplicate_slug"
)

// On-chain settlement.
const (
	ErrCodeChainTransient     ErrorCode = "chain_transient"
	ErrCodeChainFatal         ErrorCode = "chain_fatal"
	ErrCodeInsufficientFunds  ErrorCode = "insufficient_funds"
	ErrCodeNetworkMismatch    ErrorCode = "network_mismatch"
	ErrCodeSettlementExpired  ErrorCode = "settlement_expired"
	ErrCodeSettlementConflict ErrorCode = "settlement_conflict"
)

// External services and internals.
const (
	ErrCodeStripeError            ErrorCode = "stripe_error"
	ErrCodeWebhookDeliveryFailed  ErrorCode = "webhook_delivery_failed"
	ErrCodeStoreError             ErrorCode = "store_error"
	ErrCodeInternalError          ErrorCode = "internal_error"
	ErrCodeFacilitatorUnreachable ErrorCode = "facilitator_unreachable"
)

// IsRetryable reports whether a client should retry the same request.
// Transient infrastructure errors are retryable; validation, authorization
// and terminal settlement failures are not.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeChainTransient,
		ErrCodeStripeError,
		ErrCodeStoreError,
		ErrCodeFacilitatorUnreachable,
		ErrCodeWebhookDeliveryFailed:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error code to the response status.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidWallet,
		ErrCodeInvalidURL:
		return 400

	case ErrCodeUnauthorized:
		return 401

	case ErrCodePaymentRequired,
		ErrCodePaymentInvalid,
		ErrCodeInsufficientFunds,
		ErrCodeNetworkMismatch,
		ErrCodeSettlementExpired:
		return 402

	case ErrCodePolicyDenied:
		return 403

	case ErrCodeNotFound:
		return 404

	case ErrCodeConflict,
		ErrCodeDuplicateSlug,
		ErrCodeSettlementConflict:
		return 409

	case ErrCodePlanLimitReached,
		ErrCodeRateLimited:
		return 429

	case ErrCodeStripeError,
		ErrCodeFacilitatorUnreachable:
		return 502

	default:
		return 500
	}
}
