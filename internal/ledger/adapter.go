package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"reserve-bridge/internal/domain"
	"reserve-bridge/internal/observability"
)

// Gas limit safety margin over the node's estimate, in percent.
const GasMarginPercent = 20

// DefaultConfirmPollInterval is how often a confirmation wait polls for
// the transaction receipt.
const DefaultConfirmPollInterval = 2 * time.Second

// ChainBackend is the subset of the Ethereum RPC the adapter uses.
// *ethclient.Client implements it.
type ChainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// AdapterConfig configures the token ledger adapter.
type AdapterConfig struct {
	// Signer is the operating key holding agent authorization on the
	// token contracts. Nil means no key is configured.
	Signer *ecdsa.PrivateKey

	// IdentityRegistry is the on-chain registry consulted before any
	// token mutation.
	IdentityRegistry common.Address

	// AwaitConfirmation selects the submission policy: when true,
	// Mint/Burn block until the transaction is mined (or the context is
	// done); when false they return right after submission. The policy
	// applies uniformly to mint and burn.
	AwaitConfirmation bool

	// ConfirmPollInterval is the receipt polling interval when awaiting.
	ConfirmPollInterval time.Duration

	Logger *log.Logger
}

// Adapter mutates regulated token balances on-chain with compliance and
// safety checks. It owns signer nonce sequencing; all other state is
// resolved per call in a LedgerSession.
type Adapter struct {
	backend ChainBackend
	config  AdapterConfig

	// nonce sequencing for the signing account
	nonceMu   sync.Mutex
	nonceInit bool
	nextNonce uint64
}

// NewAdapter creates a new token ledger adapter.
func NewAdapter(backend ChainBackend, config AdapterConfig) *Adapter {
	if config.ConfirmPollInterval <= 0 {
		config.ConfirmPollInterval = DefaultConfirmPollInterval
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Adapter{backend: backend, config: config}
}

// VerifyIdentity checks the identity registry for the user and returns
// ErrIdentityNotVerified when the user is not verified. Mint and Burn
// repeat the check themselves; this entry point lets callers reject an
// order before mutating any local state.
func (a *Adapter) VerifyIdentity(ctx context.Context, user common.Address) error {
	if user == (common.Address{}) {
		return fmt.Errorf("%w: zero address", domain.ErrInvalidRequest)
	}
	verified, err := a.isVerified(ctx, user)
	if err != nil {
		return err
	}
	if !verified {
		return fmt.Errorf("%w: %s", ErrIdentityNotVerified, user.Hex())
	}
	return nil
}

// Mint issues amount of the token to user. Returns the transaction hash.
func (a *Adapter) Mint(ctx context.Context, user, token common.Address, amount decimal.Decimal) (common.Hash, error) {
	return a.execute(ctx, "mint", user, token, amount)
}

// Burn destroys amount of the token held by user. Returns the transaction hash.
func (a *Adapter) Burn(ctx context.Context, user, token common.Address, amount decimal.Decimal) (common.Hash, error) {
	return a.execute(ctx, "burn", user, token, amount)
}

// execute runs the shared mint/burn protocol:
// identity check, signer resolution, agent authorization, decimal
// rescaling, balance check (burn only), gas estimation with margin,
// submission, and optional confirmation wait.
func (a *Adapter) execute(ctx context.Context, method string, user, token common.Address, amount decimal.Decimal) (common.Hash, error) {
	if user == (common.Address{}) || token == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("%w: zero address", domain.ErrInvalidRequest)
	}
	if !amount.IsPositive() {
		return common.Hash{}, fmt.Errorf("%w: amount must be positive, got %s", domain.ErrInvalidRequest, amount)
	}

	verified, err := a.isVerified(ctx, user)
	if err != nil {
		return common.Hash{}, err
	}
	if !verified {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrIdentityNotVerified, user.Hex())
	}

	session, err := a.openSession(ctx, token)
	if err != nil {
		return common.Hash{}, err
	}
	if !session.AgentAuthorized {
		return common.Hash{}, fmt.Errorf("%w: %s on token %s", ErrUnauthorizedSigner, session.Signer.Hex(), token.Hex())
	}

	units := ToBaseUnits(amount, session.Decimals)
	if units.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("%w: amount %s truncates to zero at %d decimals",
			domain.ErrInvalidRequest, amount, session.Decimals)
	}

	if method == "burn" {
		balance, err := a.balanceOf(ctx, token, user)
		if err != nil {
			return common.Hash{}, err
		}
		if balance.Cmp(units) < 0 {
			return common.Hash{}, fmt.Errorf("%w: have %s, want %s", ErrInsufficientBalance, balance, units)
		}
	}

	calldata, err := tokenABI.Pack(method, user, units)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s calldata: %w", method, err)
	}

	tx, err := a.submit(ctx, session, token, calldata)
	if err != nil {
		return common.Hash{}, err
	}

	hash := tx.Hash()
	observability.RecordTxSubmitted(method)
	a.config.Logger.Printf("submitted %s tx=%s token=%s user=%s units=%s", method, hash.Hex(), token.Hex(), user.Hex(), units)

	if !a.config.AwaitConfirmation {
		return hash, nil
	}
	return hash, a.awaitReceipt(ctx, hash)
}

// openSession resolves the per-call signer, token decimals, and agent
// status. Sessions are never cached across calls: decimals and agent
// status can change if the contract is redeployed or reconfigured.
func (a *Adapter) openSession(ctx context.Context, token common.Address) (*LedgerSession, error) {
	if a.config.Signer == nil {
		return nil, fmt.Errorf("%w: no signing key configured", ErrSignerMisconfigured)
	}
	signer := crypto.PubkeyToAddress(a.config.Signer.PublicKey)

	chainID, err := a.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %v", ErrChainCall, err)
	}

	var authorized bool
	if err := a.viewCall(ctx, token, tokenABI, "isAgent", &authorized, signer); err != nil {
		return nil, err
	}

	var decimals uint8
	if err := a.viewCall(ctx, token, tokenABI, "decimals", &decimals); err != nil {
		return nil, err
	}

	return &LedgerSession{
		Signer:          signer,
		ChainID:         chainID,
		Token:           token,
		Decimals:        decimals,
		AgentAuthorized: authorized,
	}, nil
}

// isVerified queries the identity registry for the user.
func (a *Adapter) isVerified(ctx context.Context, user common.Address) (bool, error) {
	var verified bool
	if err := a.viewCall(ctx, a.config.IdentityRegistry, registryABI, "isVerified", &verified, user); err != nil {
		return false, err
	}
	return verified, nil
}

// balanceOf reads the user's token balance in smallest units.
func (a *Adapter) balanceOf(ctx context.Context, token, user common.Address) (*big.Int, error) {
	balance := new(big.Int)
	if err := a.viewCall(ctx, token, tokenABI, "balanceOf", &balance, user); err != nil {
		return nil, err
	}
	return balance, nil
}

// viewCall performs a read-only contract call and unpacks one result.
func (a *Adapter) viewCall(ctx context.Context, to common.Address, contract abi.ABI, method string, out interface{}, args ...interface{}) error {
	calldata, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}

	start := time.Now()
	ret, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: calldata}, nil)
	observability.RecordChainCall(method, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrChainCall, method, err)
	}

	if err := contract.UnpackIntoInterface(out, method, ret); err != nil {
		return fmt.Errorf("unpack %s result: %w", method, err)
	}
	return nil
}

// submit estimates gas, signs, and sends the transaction.
// The gas limit carries a +20% margin over the node's estimate to reduce
// out-of-gas failures.
func (a *Adapter) submit(ctx context.Context, session *LedgerSession, to common.Address, calldata []byte) (*types.Transaction, error) {
	msg := ethereum.CallMsg{From: session.Signer, To: &to, Data: calldata}

	estimate, err := a.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: estimate gas: %v", ErrChainCall, err)
	}
	gasLimit := estimate + estimate*GasMarginPercent/100

	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: suggest gas price: %v", ErrChainCall, err)
	}

	nonce, err := a.reserveNonce(ctx, session.Signer)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(session.ChainID), a.config.Signer)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		a.resetNonce()
		return nil, fmt.Errorf("%w: send transaction: %v", ErrChainCall, err)
	}

	return signed, nil
}

// reserveNonce hands out the next nonce for the signing account,
// fetching the pending nonce on first use.
func (a *Adapter) reserveNonce(ctx context.Context, signer common.Address) (uint64, error) {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()

	if !a.nonceInit {
		pending, err := a.backend.PendingNonceAt(ctx, signer)
		if err != nil {
			return 0, fmt.Errorf("%w: pending nonce: %v", ErrChainCall, err)
		}
		a.nextNonce = pending
		a.nonceInit = true
	}

	nonce := a.nextNonce
	a.nextNonce++
	return nonce, nil
}

// resetNonce forces a refetch after a failed submission, since the chain
// may or may not have consumed the reserved nonce.
func (a *Adapter) resetNonce() {
	a.nonceMu.Lock()
	a.nonceInit = false
	a.nonceMu.Unlock()
}

// awaitReceipt polls for the transaction receipt until the context is
// done. Failures during confirmation are surfaced, not retried.
func (a *Adapter) awaitReceipt(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(a.config.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: transaction %s reverted", ErrChainCall, hash.Hex())
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrConfirmTimeout, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
