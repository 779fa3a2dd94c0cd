package scripted

import (
	"encoding/binary"
	"fmt"

	"github.com/tos-network/chaintest/engine"
	"github.com/tos-network/chaintest/types"
)

// Panic signals used to unwind a script goroutine.
type signal int

const (
	signalOutOfEnergy signal = iota + 1
	signalDropped
)

// invocation is the channel pair linking one running script to its driver.
type invocation struct {
	in  chan resumeInput
	out chan engine.Outcome
}

type resumeInput struct {
	response *engine.InvokeResponse
	view     engine.ResumeView
	energy   types.Energy
	drop     bool
}

// suspension is the engine.Suspension handed out with each interrupt.
type suspension struct {
	inv  *invocation
	used bool
}

// Env is the host interface visible to a receive script. All methods must
// be called from the script's own goroutine.
type Env struct {
	ctx         engine.ReceiveContext
	parameter   []byte
	remaining   types.Energy
	state       types.ContractState
	selfBalance types.Amount
	// stateChanged tracks writes since the last interrupt boundary; the
	// driver records the snapshot carried by each interrupt and by the
	// final success.
	stateChanged bool
	logs         []engine.ContractEvent
	inv          *invocation
}

func (e *Env) run(fn ReceiveFn) {
	defer func() {
		if r := recover(); r != nil {
			switch r {
			case signalOutOfEnergy:
				e.inv.out <- engine.OutOfEnergy{}
			case signalDropped:
				// Abandoned during fatal unwinding; no outcome.
			default:
				e.inv.out <- engine.Trap{Err: fmt.Errorf("scripted: panic: %v", r), RemainingEnergy: e.remaining}
			}
		}
	}()
	e.charge(CostEntry)
	returnValue, err := fn(e)
	if err != nil {
		if rej, ok := err.(*RejectError); ok {
			e.inv.out <- engine.Reject{Reason: rej.Reason, ReturnValue: rej.ReturnValue, RemainingEnergy: e.remaining}
			return
		}
		e.inv.out <- engine.Trap{Err: err, RemainingEnergy: e.remaining}
		return
	}
	out := engine.Success{
		ReturnValue:     returnValue,
		StateChanged:    e.stateChanged,
		Logs:            e.logs,
		RemainingEnergy: e.remaining,
	}
	if e.stateChanged {
		out.NewState = e.state.Clone()
	}
	e.inv.out <- out
}

func (e *Env) charge(c types.Energy) {
	if c >= e.remaining {
		e.remaining = 0
		panic(signalOutOfEnergy)
	}
	e.remaining -= c
}

// yield suspends the script on the given request and blocks until the
// driver resumes it. Pending state writes travel with the interrupt.
func (e *Env) yield(req engine.Request) resumeInput {
	out := engine.Interrupt{
		Request:         req,
		Suspension:      &suspension{inv: e.inv},
		StateChanged:    e.stateChanged,
		RemainingEnergy: e.remaining,
	}
	if e.stateChanged {
		out.State = e.state.Clone()
	}
	e.inv.out <- out
	in := <-e.inv.in
	if in.drop {
		panic(signalDropped)
	}
	// The nested work may have replaced this contract's state or moved its
	// balance; adopt the refreshed view and drop anything cached.
	e.remaining = in.energy
	e.state = in.view.State.Clone()
	e.selfBalance = in.view.SelfBalance
	e.stateChanged = false
	return in
}

// Parameter returns the call's parameter bytes.
func (e *Env) Parameter() []byte { return e.parameter }

// Amount returns the amount carried by the call.
func (e *Env) Amount() types.Amount { return e.ctx.Amount }

// Sender returns the direct sender of the call.
func (e *Env) Sender() types.Address { return e.ctx.Sender }

// Invoker returns the account that signed the top-level transaction.
func (e *Env) Invoker() types.AccountAddress { return e.ctx.Invoker }

// SelfAddress returns the running contract's address.
func (e *Env) SelfAddress() types.ContractAddress { return e.ctx.SelfAddress }

// SelfBalance returns the running contract's current balance.
func (e *Env) SelfBalance() types.Amount { return e.selfBalance }

// State returns the contract's current state.
func (e *Env) State() types.ContractState { return e.state }

// SetState replaces the contract's state.
func (e *Env) SetState(state []byte) {
	e.charge(CostStateWrite)
	e.state = types.ContractState(cloneBytes(state))
	e.stateChanged = true
}

// Log emits a contract event.
func (e *Env) Log(event []byte) {
	e.charge(CostLog)
	e.logs = append(e.logs, engine.ContractEvent(cloneBytes(event)))
}

// ChargeEnergy consumes extra energy, simulating heavy computation.
func (e *Env) ChargeEnergy(c types.Energy) { e.charge(c) }

// Transfer suspends on a transfer interrupt. A failure response is returned
// as an *engine.InvokeFailure; the script may recover from it.
func (e *Env) Transfer(to types.AccountAddress, amount types.Amount) error {
	e.charge(CostHostOp)
	in := e.yield(engine.TransferRequest{To: to, Amount: amount})
	if !in.response.Succeeded() {
		return in.response.Failure
	}
	return nil
}

// Invoke suspends on a nested call interrupt and returns the callee's
// return value.
func (e *Env) Invoke(addr types.ContractAddress, entrypoint types.EntrypointName, parameter []byte, amount types.Amount) ([]byte, error) {
	e.charge(CostHostOp)
	in := e.yield(engine.CallRequest{
		Address:    addr,
		Entrypoint: entrypoint,
		Parameter:  types.Parameter(parameter),
		Amount:     amount,
	})
	if !in.response.Succeeded() {
		return nil, in.response.Failure
	}
	return in.response.Data, nil
}

// Upgrade suspends on a module upgrade interrupt.
func (e *Env) Upgrade(module types.ModuleReference) error {
	e.charge(CostHostOp)
	in := e.yield(engine.UpgradeRequest{Module: module})
	if !in.response.Succeeded() {
		return in.response.Failure
	}
	return nil
}

// AccountBalance queries an account's available balance.
func (e *Env) AccountBalance(addr types.AccountAddress) (types.Amount, error) {
	e.charge(CostHostOp)
	in := e.yield(engine.AccountBalanceRequest{Address: addr})
	if !in.response.Succeeded() {
		return 0, in.response.Failure
	}
	return decodeAmount(in.response.Data), nil
}

// ContractBalance queries a contract's self balance.
func (e *Env) ContractBalance(addr types.ContractAddress) (types.Amount, error) {
	e.charge(CostHostOp)
	in := e.yield(engine.ContractBalanceRequest{Address: addr})
	if !in.response.Succeeded() {
		return 0, in.response.Failure
	}
	return decodeAmount(in.response.Data), nil
}

func decodeAmount(data []byte) types.Amount {
	if len(data) != 8 {
		return 0
	}
	return types.AmountFromMicro(binary.LittleEndian.Uint64(data))
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// InitEnv is the host interface visible to an init script. Init code cannot
// interrupt, so it only carries the context, energy metering and logging.
type InitEnv struct {
	ctx       engine.InitContext
	parameter []byte
	remaining types.Energy
	logs      []engine.ContractEvent
}

func (e *InitEnv) charge(c types.Energy) {
	if c >= e.remaining {
		e.remaining = 0
		panic(signalOutOfEnergy)
	}
	e.remaining -= c
}

// Parameter returns the init parameter bytes.
func (e *InitEnv) Parameter() []byte { return e.parameter }

// Amount returns the amount endowed to the new instance.
func (e *InitEnv) Amount() types.Amount { return e.ctx.Amount }

// Origin returns the account initializing the contract.
func (e *InitEnv) Origin() types.AccountAddress { return e.ctx.Origin }

// Log emits a contract event.
func (e *InitEnv) Log(event []byte) {
	e.charge(CostLog)
	e.logs = append(e.logs, engine.ContractEvent(cloneBytes(event)))
}

// ChargeEnergy consumes extra energy.
func (e *InitEnv) ChargeEnergy(c types.Energy) { e.charge(c) }
