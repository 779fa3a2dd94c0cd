package core

import (
	"fmt"

	"github.com/tos-network/chaintest/engine"
	"github.com/tos-network/chaintest/types"
)

// TraceKind identifies the effect recorded by a TraceElement.
type TraceKind int

const (
	// TraceUpdated records a contract invocation that ran to success.
	TraceUpdated TraceKind = iota + 1
	// TraceTransferred records a transfer from a contract to an account.
	TraceTransferred
	// TraceInterrupted records a contract suspending for a nested call.
	TraceInterrupted
	// TraceResumed records a contract resuming after a nested call.
	TraceResumed
	// TraceUpgraded records a contract replacing its own module.
	TraceUpgraded
)

func (k TraceKind) String() string {
	switch k {
	case TraceUpdated:
		return "Updated"
	case TraceTransferred:
		return "Transferred"
	case TraceInterrupted:
		return "Interrupted"
	case TraceResumed:
		return "Resumed"
	case TraceUpgraded:
		return "Upgraded"
	default:
		return fmt.Sprintf("TraceKind(%d)", int(k))
	}
}

// TraceElement is one entry of the execution trace accumulated during an
// invocation. Entries produced under a frame that is later rolled back are
// truncated away, so a final trace only records effects that stuck.
type TraceElement struct {
	Kind     TraceKind
	Contract types.ContractAddress

	// Updated.
	Entrypoint types.EntrypointName
	Sender     types.Address
	Amount     types.Amount
	Events     []engine.ContractEvent

	// Transferred.
	To types.AccountAddress

	// Resumed.
	Success bool

	// Upgraded.
	From   types.ModuleReference
	Module types.ModuleReference
}
