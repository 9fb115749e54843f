// Package ledgererr defines the failure kinds shared by every ledger primitive.
//
// Each engine function fails with exactly one of these sentinels, usually
// wrapped with context via fmt.Errorf("%w: ..."). Callers match with
// errors.Is or map an error to its kind name with Kind.
package ledgererr

import "errors"

var (
	ErrInvalidAmount         = errors.New("ledger: invalid amount")
	ErrInvalidRange          = errors.New("ledger: value out of range")
	ErrInsufficientLiquidity = errors.New("ledger: insufficient liquidity")
	ErrInsufficientShares    = errors.New("ledger: insufficient shares")
	ErrRatioMismatch         = errors.New("ledger: deposit ratio mismatch")
	ErrInsufficientSupply    = errors.New("ledger: insufficient supply")
	ErrDivisionByZero        = errors.New("ledger: division by zero")
	ErrUnderflow             = errors.New("ledger: arithmetic underflow")
	ErrOutOfWindow           = errors.New("ledger: outside allowed time window")
	ErrInvalidState          = errors.New("ledger: invalid state transition")
	ErrUnauthorized          = errors.New("ledger: unauthorized")
	ErrExhausted             = errors.New("ledger: counter exhausted")

	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("ledger: arithmetic overflow")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidRange, "InvalidRange"},
	{ErrInsufficientLiquidity, "InsufficientLiquidity"},
	{ErrInsufficientShares, "InsufficientShares"},
	{ErrRatioMismatch, "RatioMismatch"},
	{ErrInsufficientSupply, "InsufficientSupply"},
	{ErrDivisionByZero, "DivisionByZero"},
	{ErrUnderflow, "Underflow"},
	{ErrOutOfWindow, "OutOfWindow"},
	{ErrInvalidState, "InvalidState"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrExhausted, "Exhausted"},
	{ErrOverflow, "Overflow"},
}

// Kind returns the failure kind name for err, or "" if err does not wrap
// one of the ledger sentinels.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}
