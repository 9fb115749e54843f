// Package replay guards against double-processing of logically identical
// requests, through monotonically issued nonces and fixed-window rate
// limiting.
package replay

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/ledger-engine/internal/fixedpoint"
	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// NonceRegistry issues strictly increasing nonces for one owner.
//
// Nonces are issued as 1, 2, 3, ... and are never released, so the set of
// used nonces is exactly 1..CurrentNonce and is stored as that bound.
type NonceRegistry struct {
	Owner        common.Address `json:"owner"`
	CurrentNonce uint256.Int    `json:"current_nonce"`
}

// NewNonceRegistry returns a registry that has issued nothing.
func NewNonceRegistry(owner common.Address) NonceRegistry {
	return NonceRegistry{Owner: owner}
}

// NextNonce issues CurrentNonce + 1.
func NextNonce(r NonceRegistry) (NonceRegistry, uint256.Int, error) {
	nonce, err := fixedpoint.Add(r.CurrentNonce, fixedpoint.FromUint64(1))
	if err != nil {
		return r, fixedpoint.Zero, fmt.Errorf("%w: nonce space for %s", ledgererr.ErrExhausted, r.Owner.Hex())
	}
	next := r
	next.CurrentNonce = nonce
	return next, nonce, nil
}

// IsNonceUsed reports whether nonce has been issued by r.
func IsNonceUsed(r NonceRegistry, nonce uint256.Int) bool {
	if nonce.IsZero() {
		return false
	}
	return !nonce.Gt(&r.CurrentNonce)
}
