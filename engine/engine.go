// Package engine defines the contract between the invocation handler and
// the external execution engine that runs compiled contract logic. The
// handler treats the engine as opaque: it hands over a state view, a
// parameter and an energy budget, and reacts to the tagged outcome: either
// a final result or an interrupt that must be resolved before the suspended
// execution is resumed.
package engine

import "github.com/tos-network/chaintest/types"

// InitContext describes one contract initialization to the engine.
type InitContext struct {
	Module       types.ModuleReference
	ContractName types.ContractName
	Origin       types.AccountAddress
	Amount       types.Amount
}

// ReceiveContext describes one entrypoint call to the engine.
type ReceiveContext struct {
	Module       types.ModuleReference
	ContractName types.ContractName
	Entrypoint   types.EntrypointName
	Invoker      types.AccountAddress
	Sender       types.Address
	SelfAddress  types.ContractAddress
	// SelfBalance includes the amount carried by this call.
	SelfBalance types.Amount
	Amount      types.Amount
	// State is the contract's state at call entry. The engine must not
	// retain this handle across interrupts; ResumeView carries the
	// re-fetched handle.
	State types.ContractState
}

// ResumeView is the refreshed view handed to a suspended execution. Nested
// calls may have replaced the contract's state or moved its balance, so the
// engine must discard anything cached before the interrupt.
type ResumeView struct {
	State       types.ContractState
	SelfBalance types.Amount
}

// ContractEvent is one log entry emitted by contract execution.
type ContractEvent []byte

// Suspension is an opaque handle to an interrupted execution. It must be
// resumed or dropped exactly once.
type Suspension interface{}

// Outcome is the tagged result of one engine step: Success, Reject, Trap,
// OutOfEnergy or Interrupt.
type Outcome interface {
	// Remaining is the energy left after the step.
	Remaining() types.Energy
}

// Success is a final successful result.
type Success struct {
	ReturnValue []byte
	// NewState is the state to persist; nil when StateChanged is false.
	NewState        types.ContractState
	StateChanged    bool
	Logs            []ContractEvent
	RemainingEnergy types.Energy
}

// Reject is a final, contract-directed failure. State changes are not
// retained but the caller may continue.
type Reject struct {
	Reason          int32
	ReturnValue     []byte
	RemainingEnergy types.Energy
}

// Trap is a final failure caused by the contract logic misbehaving.
type Trap struct {
	Err             error
	RemainingEnergy types.Energy
}

// OutOfEnergy signals that the engine exhausted the budget mid-execution.
// It is fatal to the whole transaction.
type OutOfEnergy struct{}

// Interrupt is a partial result: execution is suspended on Request and the
// handler must Resume (or Drop) the Suspension.
type Interrupt struct {
	Request    Request
	Suspension Suspension
	// StateChanged reports whether the contract wrote its own state since
	// the last boundary; State then carries the snapshot to record.
	StateChanged    bool
	State           types.ContractState
	RemainingEnergy types.Energy
}

func (s Success) Remaining() types.Energy   { return s.RemainingEnergy }
func (r Reject) Remaining() types.Energy    { return r.RemainingEnergy }
func (t Trap) Remaining() types.Energy      { return t.RemainingEnergy }
func (OutOfEnergy) Remaining() types.Energy { return 0 }
func (i Interrupt) Remaining() types.Energy { return i.RemainingEnergy }

// Request is the payload of an interrupt: a transfer, a nested call, a
// module upgrade, or a balance query.
type Request interface{ isRequest() }

// TransferRequest asks the handler to move an amount from the running
// contract to an account.
type TransferRequest struct {
	To     types.AccountAddress
	Amount types.Amount
}

// CallRequest asks the handler to invoke another contract's entrypoint.
type CallRequest struct {
	Address    types.ContractAddress
	Entrypoint types.EntrypointName
	Parameter  types.Parameter
	Amount     types.Amount
}

// UpgradeRequest asks the handler to switch the running contract to a new
// module.
type UpgradeRequest struct {
	Module types.ModuleReference
}

// AccountBalanceRequest queries an account's current available balance.
type AccountBalanceRequest struct {
	Address types.AccountAddress
}

// ContractBalanceRequest queries a contract's current self balance.
type ContractBalanceRequest struct {
	Address types.ContractAddress
}

func (TransferRequest) isRequest()        {}
func (CallRequest) isRequest()            {}
func (UpgradeRequest) isRequest()         {}
func (AccountBalanceRequest) isRequest()  {}
func (ContractBalanceRequest) isRequest() {}

// Engine runs compiled contract logic. Implementations are driven
// synchronously: exactly one execution is in flight at any instant, and a
// Suspension is resumed or dropped before its caller returns.
type Engine interface {
	// SupportsEntrypoint reports whether the module exports the given
	// entrypoint for the given contract.
	SupportsEntrypoint(module types.ModuleReference, contract types.ContractName, entrypoint types.EntrypointName) bool

	// InvokeInit runs a contract constructor. Init code cannot interrupt,
	// so the outcome is always final.
	InvokeInit(ctx InitContext, parameter []byte, energy types.Energy) Outcome

	// InvokeReceive runs an entrypoint until it finishes or interrupts.
	InvokeReceive(ctx ReceiveContext, parameter []byte, energy types.Energy) Outcome

	// Resume continues a suspended execution with the response to its
	// interrupt and a refreshed state view.
	Resume(s Suspension, response *InvokeResponse, view ResumeView, energy types.Energy) Outcome

	// Drop abandons a suspended execution during fatal unwinding.
	Drop(s Suspension)
}
