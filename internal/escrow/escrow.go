// Package escrow implements a two-party escrow with an attached dispute
// process.
//
// Escrows move Pending -> {Released, Refunded, Disputed} and
// Disputed -> Resolved. Released, Refunded and Resolved are terminal. Every
// function takes the current snapshot and returns a new one; a failed call
// leaves the caller's snapshot valid.
package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// Escrow holds amount of token from buyer until it is released to the
// seller, refunded to the buyer, or awarded by a dispute.
type Escrow struct {
	ID        string         `json:"id"`
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	Token     common.Address `json:"token"`
	Amount    uint256.Int    `json:"amount"`
	State     State          `json:"state"`
	CreatedAt uint64         `json:"created_at"`
	ExpiresAt uint64         `json:"expires_at"`
	SettledAt uint64         `json:"settled_at,omitempty"`
	Winner    common.Address `json:"winner"`
	DisputeID string         `json:"dispute_id,omitempty"`
}

// IsParty reports whether addr is the buyer or the seller.
func (e Escrow) IsParty(addr common.Address) bool {
	return addr == e.Buyer || addr == e.Seller
}

// Counterparty returns the other party to addr.
func (e Escrow) Counterparty(addr common.Address) common.Address {
	if addr == e.Buyer {
		return e.Seller
	}
	return e.Buyer
}

// IsExpired reports whether now is past the escrow's expiry.
func IsExpired(e Escrow, now uint64) bool {
	return now > e.ExpiresAt
}

// Create opens a pending escrow that expires duration ms after now.
func Create(id string, buyer, seller common.Address, amount uint256.Int, token common.Address, duration, now uint64) (Escrow, error) {
	if amount.IsZero() {
		return Escrow{}, fmt.Errorf("%w: escrow amount is zero", ledgererr.ErrInvalidAmount)
	}
	if buyer == seller {
		return Escrow{}, fmt.Errorf("%w: buyer and seller are the same address", ledgererr.ErrUnauthorized)
	}
	expiresAt := now + duration
	if expiresAt < now {
		return Escrow{}, fmt.Errorf("%w: expiry %d + %d", ledgererr.ErrOverflow, now, duration)
	}
	return Escrow{
		ID:        id,
		Buyer:     buyer,
		Seller:    seller,
		Token:     token,
		Amount:    amount,
		State:     StatePending,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

func transition(e Escrow, to State) error {
	if !e.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: escrow %s is %s, cannot move to %s", ledgererr.ErrInvalidState, e.ID, e.State, to)
	}
	return nil
}

// Release pays the escrow out to the seller. Either party may release.
func Release(e Escrow, releaser common.Address, now uint64) (Escrow, error) {
	if err := transition(e, StateReleased); err != nil {
		return e, err
	}
	if !e.IsParty(releaser) {
		return e, fmt.Errorf("%w: %s is not a party to escrow %s", ledgererr.ErrUnauthorized, releaser.Hex(), e.ID)
	}
	next := e
	next.State = StateReleased
	next.SettledAt = now
	next.Winner = e.Seller
	return next, nil
}

// Refund returns the escrow to the buyer. Only the buyer may refund, and
// under RefundAfterExpiry only once the escrow has expired.
func Refund(e Escrow, requester common.Address, now uint64, policy RefundPolicy) (Escrow, error) {
	if err := transition(e, StateRefunded); err != nil {
		return e, err
	}
	if requester != e.Buyer {
		return e, fmt.Errorf("%w: only the buyer may refund escrow %s", ledgererr.ErrUnauthorized, e.ID)
	}
	if policy == RefundAfterExpiry && !IsExpired(e, now) {
		return e, fmt.Errorf("%w: escrow %s expires at %d", ledgererr.ErrOutOfWindow, e.ID, e.ExpiresAt)
	}
	next := e
	next.State = StateRefunded
	next.SettledAt = now
	next.Winner = e.Buyer
	return next, nil
}

// Payout returns who receives the escrowed amount of a settled escrow.
func Payout(e Escrow) (common.Address, uint256.Int, error) {
	if !e.State.Terminal() {
		return common.Address{}, uint256.Int{}, fmt.Errorf("%w: escrow %s is %s", ledgererr.ErrInvalidState, e.ID, e.State)
	}
	return e.Winner, e.Amount, nil
}
