package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerSession holds per-call context for one mint or burn: the resolved
// signer, the token's on-chain decimal count, and the signer's agent
// status on that token. Scoped to a single call and never cached.
type LedgerSession struct {
	Signer          common.Address
	ChainID         *big.Int
	Token           common.Address
	Decimals        uint8
	AgentAuthorized bool
}
