package core

import (
	"errors"
	"fmt"

	"github.com/tos-network/chaintest/engine"
	"github.com/tos-network/chaintest/types"
)

var (
	// ErrOutOfEnergy is returned when an invocation exhausts its energy
	// budget. The whole budget is charged and every pending change is
	// discarded.
	ErrOutOfEnergy = errors.New("core: out of energy")

	// ErrBalanceOverflow is returned when applying pending deltas would
	// overflow or underflow a balance. This is a misconfiguration of the
	// test chain, not a contract-visible failure.
	ErrBalanceOverflow = errors.New("core: balance delta overflows")

	// ErrInvokerDoesNotExist is returned when the paying account of a
	// transaction is unknown.
	ErrInvokerDoesNotExist = errors.New("core: invoker account does not exist")

	// ErrSenderDoesNotExist is returned when the immediate sender of a
	// transaction is unknown.
	ErrSenderDoesNotExist = errors.New("core: sender does not exist")

	// ErrContractDoesNotExist is returned when the target contract
	// instance is unknown.
	ErrContractDoesNotExist = errors.New("core: contract instance does not exist")

	// ErrModuleDoesNotExist is returned when a referenced module is
	// unknown.
	ErrModuleDoesNotExist = errors.New("core: module does not exist")

	// ErrEntrypointDoesNotExist is returned when the target module has no
	// matching entrypoint.
	ErrEntrypointDoesNotExist = errors.New("core: entrypoint does not exist")

	// ErrAmountTooLarge is returned when the attached amount exceeds the
	// sender's available balance.
	ErrAmountTooLarge = errors.New("core: amount exceeds available balance")

	// ErrInsufficientFunds is returned when the invoker cannot cover the
	// energy reservation or a deploy fee.
	ErrInsufficientFunds = errors.New("core: insufficient funds for transaction fee")

	// ErrParameterTooLarge is returned when a parameter exceeds the
	// protocol limit.
	ErrParameterTooLarge = errors.New("core: parameter exceeds size limit")

	// ErrModuleTooLarge is returned when a deployed module exceeds the
	// protocol limit.
	ErrModuleTooLarge = errors.New("core: module exceeds size limit")

	// ErrDuplicateModule is returned when deploying a module whose
	// reference is already known. The deploy fee is still charged.
	ErrDuplicateModule = errors.New("core: module already deployed")

	// ErrExceedsBlockEnergy is returned when the requested energy budget
	// exceeds the per-block limit.
	ErrExceedsBlockEnergy = errors.New("core: energy exceeds block limit")

	// ErrParseResult is returned when a return value cannot be decoded
	// into the expected shape, distinct from a logical reject.
	ErrParseResult = errors.New("core: unparsable return value")
)

// ExecutionError is a contract-level failure surfaced at the top of an
// invocation: the target (or the transaction as seen from the outside)
// rejected or trapped rather than the chain refusing the transaction.
type ExecutionError struct {
	Failure engine.InvokeFailure
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("core: execution failed: %v", &e.Failure)
}

// TransactionError is returned by failed chain transactions. Energy is
// charged for work performed even when the transaction fails, so the error
// carries what the invoker paid.
type TransactionError struct {
	Err            error
	EnergyUsed     types.Energy
	TransactionFee types.Amount
}

func (e *TransactionError) Error() string { return e.Err.Error() }

func (e *TransactionError) Unwrap() error { return e.Err }
