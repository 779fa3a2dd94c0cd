package engine

import "fmt"

// FailureKind classifies why resolving an interrupt or a nested call failed.
type FailureKind int

const (
	// FailureLogicReject is an ordinary contract reject with a reason code.
	FailureLogicReject FailureKind = iota + 1
	// FailureTrap is a contract that misbehaved during the nested call.
	FailureTrap
	// FailureMissingAccount is a transfer or query against an unknown
	// account.
	FailureMissingAccount
	// FailureMissingContract is a call or query against an unknown
	// contract instance.
	FailureMissingContract
	// FailureMissingEntrypoint is a call to an entrypoint the target
	// module does not export.
	FailureMissingEntrypoint
	// FailureInsufficientAmount is a transfer or call carrying more than
	// the sender's available balance.
	FailureInsufficientAmount
	// FailureMissingModule is an upgrade to an unknown module.
	FailureMissingModule
)

func (k FailureKind) String() string {
	switch k {
	case FailureLogicReject:
		return "LogicReject"
	case FailureTrap:
		return "Trap"
	case FailureMissingAccount:
		return "MissingAccount"
	case FailureMissingContract:
		return "MissingContract"
	case FailureMissingEntrypoint:
		return "MissingEntrypoint"
	case FailureInsufficientAmount:
		return "InsufficientAmount"
	case FailureMissingModule:
		return "MissingModule"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// InvokeFailure is the failure payload of an InvokeResponse.
type InvokeFailure struct {
	Kind FailureKind
	// Reason and ReturnValue are meaningful for LogicReject.
	Reason      int32
	ReturnValue []byte
}

func (f *InvokeFailure) Error() string {
	if f.Kind == FailureLogicReject {
		return fmt.Sprintf("invoke failed: %s (reason %d)", f.Kind, f.Reason)
	}
	return fmt.Sprintf("invoke failed: %s", f.Kind)
}

// InvokeResponse is the value fed back into a suspended execution after its
// interrupt was resolved. Failure is nil on success; Data carries the
// success payload (a nested call's return value, or an encoded query
// answer).
type InvokeResponse struct {
	Failure *InvokeFailure
	Data    []byte
}

// Succeeded reports whether the interrupt resolved successfully.
func (r *InvokeResponse) Succeeded() bool { return r.Failure == nil }
