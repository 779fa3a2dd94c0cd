// Package scripted implements the execution engine interface with contract
// logic written as plain Go functions. Each entrypoint runs as a coroutine:
// host operations suspend the script by yielding an interrupt to the driver
// and block until the driver resumes it, which reproduces the
// interrupt/resume protocol of a real byte-code engine without one.
package scripted

import (
	"fmt"

	"github.com/tos-network/chaintest/engine"
	"github.com/tos-network/chaintest/types"
)

// Energy charged by the scripted engine itself. The handler charges its own
// dispatch costs on top of these.
const (
	CostEntry      types.Energy = 50 // per entrypoint or init entry
	CostHostOp     types.Energy = 10 // per transfer/call/upgrade/query
	CostStateWrite types.Energy = 20 // per SetState
	CostLog        types.Energy = 5  // per emitted event
)

// InitFn is a scripted contract constructor. It returns the initial state.
type InitFn func(env *InitEnv) (types.ContractState, error)

// ReceiveFn is a scripted entrypoint. It returns the call's return value.
type ReceiveFn func(env *Env) ([]byte, error)

// RejectError makes a script finish with a contract-directed reject rather
// than a trap. Any other non-nil error traps.
type RejectError struct {
	Reason      int32
	ReturnValue []byte
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("scripted: reject with reason %d", e.Reason)
}

// Reject returns a RejectError with the given reason code.
func Reject(reason int32) error { return &RejectError{Reason: reason} }

type initKey struct {
	module   types.ModuleReference
	contract types.ContractName
}

type receiveKey struct {
	module     types.ModuleReference
	contract   types.ContractName
	entrypoint types.EntrypointName
}

// Engine dispatches init and receive scripts registered per module.
type Engine struct {
	inits    map[initKey]InitFn
	receives map[receiveKey]ReceiveFn
}

// New returns an engine with no registered scripts.
func New() *Engine {
	return &Engine{
		inits:    make(map[initKey]InitFn),
		receives: make(map[receiveKey]ReceiveFn),
	}
}

// RegisterInit registers the constructor of a contract in the module with
// the given source, returning the module reference for deployment.
func (e *Engine) RegisterInit(source []byte, contract types.ContractName, fn InitFn) types.ModuleReference {
	ref := types.ModuleReferenceOf(source)
	e.inits[initKey{module: ref, contract: contract}] = fn
	return ref
}

// RegisterReceive registers an entrypoint of a contract in the module with
// the given source, returning the module reference.
func (e *Engine) RegisterReceive(source []byte, contract types.ContractName, entrypoint types.EntrypointName, fn ReceiveFn) types.ModuleReference {
	ref := types.ModuleReferenceOf(source)
	e.receives[receiveKey{module: ref, contract: contract, entrypoint: entrypoint}] = fn
	return ref
}

// SupportsEntrypoint implements engine.Engine.
func (e *Engine) SupportsEntrypoint(module types.ModuleReference, contract types.ContractName, entrypoint types.EntrypointName) bool {
	_, ok := e.receives[receiveKey{module: module, contract: contract, entrypoint: entrypoint}]
	return ok
}

// InvokeInit implements engine.Engine. Init scripts cannot interrupt, so
// they run synchronously on the caller's goroutine.
func (e *Engine) InvokeInit(ctx engine.InitContext, parameter []byte, energy types.Energy) (out engine.Outcome) {
	fn, ok := e.inits[initKey{module: ctx.Module, contract: ctx.ContractName}]
	if !ok {
		return engine.Trap{
			Err:             fmt.Errorf("scripted: no init for %q in module %s", ctx.ContractName, ctx.Module),
			RemainingEnergy: energy,
		}
	}
	env := &InitEnv{ctx: ctx, parameter: parameter, remaining: energy}
	defer func() {
		if r := recover(); r != nil {
			if r == signalOutOfEnergy {
				out = engine.OutOfEnergy{}
				return
			}
			out = engine.Trap{Err: fmt.Errorf("scripted: init panic: %v", r), RemainingEnergy: env.remaining}
		}
	}()
	env.charge(CostEntry)
	state, err := fn(env)
	if err != nil {
		if rej, ok := err.(*RejectError); ok {
			return engine.Reject{Reason: rej.Reason, ReturnValue: rej.ReturnValue, RemainingEnergy: env.remaining}
		}
		return engine.Trap{Err: err, RemainingEnergy: env.remaining}
	}
	return engine.Success{
		NewState:        state.Clone(),
		StateChanged:    true,
		Logs:            env.logs,
		RemainingEnergy: env.remaining,
	}
}

// InvokeReceive implements engine.Engine.
func (e *Engine) InvokeReceive(ctx engine.ReceiveContext, parameter []byte, energy types.Energy) engine.Outcome {
	fn, ok := e.receives[receiveKey{module: ctx.Module, contract: ctx.ContractName, entrypoint: ctx.Entrypoint}]
	if !ok {
		return engine.Trap{
			Err:             fmt.Errorf("scripted: no handler for %s.%s in module %s", ctx.ContractName, ctx.Entrypoint, ctx.Module),
			RemainingEnergy: energy,
		}
	}
	inv := &invocation{
		in:  make(chan resumeInput),
		out: make(chan engine.Outcome),
	}
	env := &Env{
		ctx:         ctx,
		parameter:   parameter,
		remaining:   energy,
		state:       ctx.State.Clone(),
		selfBalance: ctx.SelfBalance,
		inv:         inv,
	}
	go env.run(fn)
	return <-inv.out
}

// Resume implements engine.Engine. A suspension may be resumed once.
func (e *Engine) Resume(s engine.Suspension, response *engine.InvokeResponse, view engine.ResumeView, energy types.Energy) engine.Outcome {
	sus, ok := s.(*suspension)
	if !ok {
		panic("scripted: resume with foreign suspension")
	}
	if sus.used {
		panic("scripted: suspension resumed twice")
	}
	sus.used = true
	sus.inv.in <- resumeInput{response: response, view: view, energy: energy}
	return <-sus.inv.out
}

// Drop implements engine.Engine. The suspended script unwinds and its
// coroutine exits without producing an outcome.
func (e *Engine) Drop(s engine.Suspension) {
	sus, ok := s.(*suspension)
	if !ok {
		panic("scripted: drop of foreign suspension")
	}
	if sus.used {
		return
	}
	sus.used = true
	sus.inv.in <- resumeInput{drop: true}
}
