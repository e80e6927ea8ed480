package settlement

import (
	"context"
	"errors"

	"reserve-bridge/internal/domain"
	"reserve-bridge/internal/ledger"
	"reserve-bridge/internal/storage"
)

// Failure kinds surfaced to callers of the synchronous entry points and
// recorded in the settlement journal.
const (
	KindInvalidRequest      = "InvalidRequest"
	KindInsufficientReserve = "InsufficientReserve"
	KindInsufficientBalance = "InsufficientBalance"
	KindIdentityNotVerified = "IdentityNotVerified"
	KindUnauthorizedSigner  = "UnauthorizedSigner"
	KindSignerMisconfigured = "SignerMisconfigured"
	KindChainCallFailed     = "ChainCallFailed"
	KindTimeout             = "Timeout"
	KindInternal            = "Internal"
)

// Kind maps an error to its failure kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, storage.ErrInsufficientReserve):
		return KindInsufficientReserve
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ledger.ErrIdentityNotVerified):
		return KindIdentityNotVerified
	case errors.Is(err, ledger.ErrUnauthorizedSigner):
		return KindUnauthorizedSigner
	case errors.Is(err, ledger.ErrSignerMisconfigured):
		return KindSignerMisconfigured
	case errors.Is(err, ledger.ErrConfirmTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ledger.ErrChainCall):
		return KindChainCallFailed
	default:
		return KindInternal
	}
}
