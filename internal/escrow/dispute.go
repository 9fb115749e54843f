package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// Dispute records a claim against a pending escrow. It references its
// escrow by ID and outlives the dispute process as a historical record.
type Dispute struct {
	ID         string         `json:"id"`
	EscrowID   string         `json:"escrow_id"`
	Claimant   common.Address `json:"claimant"`
	Respondent common.Address `json:"respondent"`
	Reason     string         `json:"reason"`
	State      DisputeState   `json:"state"`
	Resolution string         `json:"resolution,omitempty"`
	Winner     common.Address `json:"winner"`
	OpenedAt   uint64         `json:"opened_at"`
	ClosedAt   uint64         `json:"closed_at,omitempty"`
}

// FileDispute moves a pending escrow to Disputed and opens a dispute.
func FileDispute(e Escrow, disputeID string, claimant, respondent common.Address, reason string, now uint64) (Escrow, Dispute, error) {
	if err := transition(e, StateDisputed); err != nil {
		return e, Dispute{}, err
	}
	if !e.IsParty(claimant) {
		return e, Dispute{}, fmt.Errorf("%w: claimant %s is not a party to escrow %s", ledgererr.ErrUnauthorized, claimant.Hex(), e.ID)
	}
	if respondent != e.Counterparty(claimant) {
		return e, Dispute{}, fmt.Errorf("%w: respondent %s is not the counterparty", ledgererr.ErrUnauthorized, respondent.Hex())
	}

	next := e
	next.State = StateDisputed
	next.DisputeID = disputeID
	return next, Dispute{
		ID:         disputeID,
		EscrowID:   e.ID,
		Claimant:   claimant,
		Respondent: respondent,
		Reason:     reason,
		State:      DisputeOpen,
		OpenedAt:   now,
	}, nil
}

func checkOpenDispute(e Escrow, d Dispute) error {
	if err := transition(e, StateResolved); err != nil {
		return err
	}
	if d.State != DisputeOpen {
		return fmt.Errorf("%w: dispute %s is %s", ledgererr.ErrInvalidState, d.ID, d.State)
	}
	if d.EscrowID != e.ID || e.DisputeID != d.ID {
		return fmt.Errorf("%w: dispute %s is not attached to escrow %s", ledgererr.ErrInvalidState, d.ID, e.ID)
	}
	return nil
}

// ResolveDispute closes an open dispute in favour of winner, who must be a
// party to the escrow.
func ResolveDispute(e Escrow, d Dispute, resolution string, winner common.Address, now uint64) (Escrow, Dispute, error) {
	if err := checkOpenDispute(e, d); err != nil {
		return e, d, err
	}
	if !e.IsParty(winner) {
		return e, d, fmt.Errorf("%w: winner %s is not a party to escrow %s", ledgererr.ErrUnauthorized, winner.Hex(), e.ID)
	}
	return settle(e, d, DisputeResolved, resolution, winner, now)
}

// RejectDispute dismisses an open dispute. The escrow resolves in favour of
// the respondent.
func RejectDispute(e Escrow, d Dispute, resolution string, now uint64) (Escrow, Dispute, error) {
	if err := checkOpenDispute(e, d); err != nil {
		return e, d, err
	}
	return settle(e, d, DisputeRejected, resolution, d.Respondent, now)
}

func settle(e Escrow, d Dispute, outcome DisputeState, resolution string, winner common.Address, now uint64) (Escrow, Dispute, error) {
	nextEscrow := e
	nextEscrow.State = StateResolved
	nextEscrow.Winner = winner
	nextEscrow.SettledAt = now

	nextDispute := d
	nextDispute.State = outcome
	nextDispute.Resolution = resolution
	nextDispute.Winner = winner
	nextDispute.ClosedAt = now
	return nextEscrow, nextDispute, nil
}
