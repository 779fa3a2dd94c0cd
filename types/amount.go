package types

import (
	"errors"
	"fmt"
	"math"
)

// Amount is a quantity of microTOS. The total supply is bounded well below
// the uint64 range, so overflow of a persisted balance indicates a
// configuration error rather than a reachable contract failure.
type Amount uint64

// MicroPerTOS is the number of microTOS in one TOS.
const MicroPerTOS uint64 = 1_000_000

// ErrAmountOverflow indicates that an amount computation left the uint64
// range.
var ErrAmountOverflow = errors.New("types: amount overflow")

// AmountFromMicro constructs an amount from microTOS.
func AmountFromMicro(micro uint64) Amount { return Amount(micro) }

// AmountFromTOS constructs an amount from whole TOS.
func AmountFromTOS(tos uint64) Amount { return Amount(tos * MicroPerTOS) }

// Micro returns the amount in microTOS.
func (a Amount) Micro() uint64 { return uint64(a) }

// AddChecked returns a+b, or ErrAmountOverflow if the sum does not fit.
func (a Amount) AddChecked(b Amount) (Amount, error) {
	if uint64(a) > math.MaxUint64-uint64(b) {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}

// SubChecked returns a-b, or ErrAmountOverflow if b exceeds a.
func (a Amount) SubChecked(b Amount) (Amount, error) {
	if b > a {
		return 0, ErrAmountOverflow
	}
	return a - b, nil
}

func (a Amount) String() string {
	return fmt.Sprintf("%d.%06d TOS", uint64(a)/MicroPerTOS, uint64(a)%MicroPerTOS)
}

// Energy is the metered execution-cost budget consumed by a call tree.
type Energy uint64
