package ledger

import "errors"

// Ledger errors. None of these are retried inside the adapter; retry is a
// decision for the caller because a blind retry of a mint or burn risks
// duplicate effects.
var (
	// ErrIdentityNotVerified is returned when the user address is not
	// marked verified in the identity registry tied to the token.
	ErrIdentityNotVerified = errors.New("identity not verified")

	// ErrSignerMisconfigured is returned when no signing key is configured.
	ErrSignerMisconfigured = errors.New("signer misconfigured")

	// ErrUnauthorizedSigner is returned when the operating signer does not
	// hold agent authorization on the target token contract.
	ErrUnauthorizedSigner = errors.New("signer not authorized as agent")

	// ErrInsufficientBalance is returned when a burn exceeds the user's
	// current token balance.
	ErrInsufficientBalance = errors.New("insufficient token balance")

	// ErrChainCall is returned when an RPC call, gas estimation, or
	// transaction submission fails.
	ErrChainCall = errors.New("chain call failed")

	// ErrConfirmTimeout is returned when a confirmation wait is cancelled
	// before the transaction is mined. The transaction hash is still
	// returned alongside so the submission can be reconciled later.
	ErrConfirmTimeout = errors.New("confirmation wait timed out")
)
