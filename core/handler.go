package core

import (
	"encoding/binary"
	"errors"

	"github.com/rs/zerolog"

	"github.com/tos-network/chaintest/engine"
	"github.com/tos-network/chaintest/ledger"
	"github.com/tos-network/chaintest/params"
	"github.com/tos-network/chaintest/types"
)

// callSpec is one resolved entrypoint call: the top-level transaction
// target, or a nested call requested through an interrupt.
type callSpec struct {
	sender     types.Address
	address    types.ContractAddress
	entrypoint types.EntrypointName
	// contract, when non-empty, must match the instance name. Top-level
	// calls name the contract through the receive name; nested calls
	// address instances directly.
	contract  types.ContractName
	parameter types.Parameter
	amount    types.Amount
}

// invocationRecord is the handler-side continuation of one suspended or
// running invocation.
type invocationRecord struct {
	sender     types.Address
	address    types.ContractAddress
	name       types.ContractName
	entrypoint types.EntrypointName
	amount     types.Amount

	// traceCheckpoint is the trace length at entry; a rollback truncates
	// back to it.
	traceCheckpoint int
	// modIdxAtStart is the contract's modification index before this
	// invocation ran, used to report whether the call changed state.
	modIdxAtStart uint32
}

// invokeResult is the outcome of one entrypoint invocation as seen by its
// caller.
type invokeResult struct {
	response engine.InvokeResponse
	// logs are the target's own events; non-empty only on success.
	logs []engine.ContractEvent
	// stateChanged reports whether the target's state differs after the
	// call, detected through its modification index.
	stateChanged bool
}

// directiveKind selects the next step of the invocation loop.
type directiveKind int

const (
	// directiveStart dispatches a fresh invocation.
	directiveStart directiveKind = iota + 1
	// directiveResume feeds an interrupt response back into a suspended
	// execution; when the response is still pending the nested call runs
	// first.
	directiveResume
)

// directive is one step of the invocation loop: either start the given call
// or resume a suspended execution. Keeping the next step as data instead of
// recursing on every interrupt bounds the Go stack to the chain call depth.
type directive struct {
	kind directiveKind

	// Start.
	spec callSpec

	// Resume.
	record     *invocationRecord
	suspension engine.Suspension
	response   *engine.InvokeResponse
	// pendingCall, when set, must be run to completion to produce the
	// response before resuming.
	pendingCall *engine.CallRequest
}

// invocationHandler drives one top-level entrypoint invocation to
// completion: it dispatches the target, resolves every interrupt the engine
// raises, and maintains the change stack, the energy budget and the trace.
type invocationHandler struct {
	chain     *Chain
	invoker   types.AccountAddress
	reserved  types.Amount
	remaining types.Energy
	cs        *changeSet
	trace     []TraceElement
	logger    zerolog.Logger
}

func newInvocationHandler(c *Chain, invoker types.AccountAddress, reserved types.Amount, budget types.Energy) *invocationHandler {
	return &invocationHandler{
		chain:     c,
		invoker:   invoker,
		reserved:  reserved,
		remaining: budget,
		cs:        newChangeSet(),
		logger:    c.logger,
	}
}

// chargeEnergy deducts a cost from the remaining budget. A cost that would
// bring the budget to or below zero exhausts it and fails.
func (h *invocationHandler) chargeEnergy(cost types.Energy) error {
	if cost >= h.remaining {
		h.remaining = 0
		return ErrOutOfEnergy
	}
	h.remaining -= cost
	return nil
}

// persistedAccount reads an account from the ledger, recording database
// failures on the chain.
func (h *invocationHandler) persistedAccount(addr types.AccountAddress) (ledger.Account, bool) {
	acc, err := h.chain.ledger.Account(addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, false
	}
	if err != nil {
		h.chain.setError(err)
		return ledger.Account{}, false
	}
	return acc, true
}

// persistedInstance reads a contract instance from the ledger, recording
// database failures on the chain.
func (h *invocationHandler) persistedInstance(addr types.ContractAddress) (ledger.ContractInstance, bool) {
	inst, err := h.chain.ledger.Instance(addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.ContractInstance{}, false
	}
	if err != nil {
		h.chain.setError(err)
		return ledger.ContractInstance{}, false
	}
	return inst, true
}

// accountOriginal is the balance pending deltas apply on top of: the
// persisted balance, with the energy reservation already removed for the
// invoker. Contract logic can never spend the reserved amount.
func (h *invocationHandler) accountOriginal(addr types.AccountAddress) (types.Amount, bool) {
	acc, ok := h.persistedAccount(addr)
	if !ok {
		return 0, false
	}
	if !addr.IsAliasOf(h.invoker) {
		return acc.Balance, true
	}
	avail, err := acc.Balance.SubChecked(h.reserved)
	if err != nil {
		// The chain checked the reservation against the balance up front.
		h.chain.setError(ErrBalanceOverflow)
		return 0, false
	}
	return avail, true
}

// accountAvailable is the account's effective balance: the original plus
// every frame's pending delta.
func (h *invocationHandler) accountAvailable(addr types.AccountAddress) (types.Amount, bool, error) {
	original, ok := h.accountOriginal(addr)
	if !ok {
		return 0, false, nil
	}
	avail, err := h.cs.applyAccountDeltas(addr.Eq(), original)
	return avail, true, err
}

// contractAvailable is the contract's effective self balance.
func (h *invocationHandler) contractAvailable(addr types.ContractAddress, persisted types.Amount) (types.Amount, error) {
	return h.cs.applyContractDeltas(addr, persisted)
}

// moduleView is the contract's current module reference, honoring pending
// upgrades.
func (h *invocationHandler) moduleView(addr types.ContractAddress, inst ledger.ContractInstance) types.ModuleReference {
	if ref, ok := h.cs.contractModule(addr); ok {
		return ref
	}
	return inst.Module
}

// stateView is the contract's current state, honoring pending writes.
func (h *invocationHandler) stateView(addr types.ContractAddress, inst ledger.ContractInstance) types.ContractState {
	if state, ok := h.cs.contractState(addr); ok {
		return state
	}
	return inst.State
}

func failure(kind engine.FailureKind) invokeResult {
	return invokeResult{response: engine.InvokeResponse{Failure: &engine.InvokeFailure{Kind: kind}}}
}

// invokeEntrypoint runs one entrypoint invocation, including every nested
// call it makes, and returns the caller-visible result. A non-nil error is
// fatal to the whole transaction: the chain discards all pending changes.
func (h *invocationHandler) invokeEntrypoint(spec callSpec) (invokeResult, error) {
	checkpoint := len(h.trace)
	next := directive{kind: directiveStart, spec: spec}
	for {
		var (
			out engine.Outcome
			rec *invocationRecord
		)
		switch next.kind {
		case directiveStart:
			var (
				fail *invokeResult
				err  error
			)
			out, rec, fail, err = h.dispatch(next.spec, checkpoint)
			if err != nil {
				return invokeResult{}, err
			}
			if fail != nil {
				return *fail, nil
			}
		case directiveResume:
			rec = next.record
			response := next.response
			if response == nil {
				// A nested call runs to completion before its caller sees
				// the response.
				nested, err := h.nestedCall(rec, *next.pendingCall)
				if err != nil {
					h.chain.engine.Drop(next.suspension)
					return invokeResult{}, err
				}
				response = nested
			}
			out = h.chain.engine.Resume(next.suspension, response, h.resumeView(rec), h.remaining)
		}

		result, nextDirective, err := h.handleOutcome(out, rec)
		if err != nil {
			return invokeResult{}, err
		}
		if nextDirective != nil {
			next = *nextDirective
			continue
		}
		return result, nil
	}
}

// dispatch resolves a call spec against the current view, moves the carried
// amount in a fresh frame and hands execution to the engine. A nil outcome
// with a non-nil result reports a resolution failure to the caller without
// having touched the change stack.
func (h *invocationHandler) dispatch(spec callSpec, checkpoint int) (engine.Outcome, *invocationRecord, *invokeResult, error) {
	if h.chain.dbErr != nil {
		return nil, nil, nil, h.chain.dbErr
	}
	inst, ok := h.persistedInstance(spec.address)
	if !ok {
		fail := failure(engine.FailureMissingContract)
		return nil, nil, &fail, h.chain.dbErr
	}
	if spec.contract != "" && spec.contract != inst.Name {
		fail := failure(engine.FailureMissingEntrypoint)
		return nil, nil, &fail, nil
	}
	moduleRef := h.moduleView(spec.address, inst)
	module, err := h.chain.ledger.Module(moduleRef)
	if err != nil {
		// Instances always point at a deployed module; upgrades verify the
		// target before switching.
		return nil, nil, nil, err
	}
	if err := h.chargeEnergy(params.ModuleLookupCost(len(module.Source))); err != nil {
		return nil, nil, nil, err
	}
	if !h.chain.engine.SupportsEntrypoint(moduleRef, inst.Name, spec.entrypoint) {
		fail := failure(engine.FailureMissingEntrypoint)
		return nil, nil, &fail, nil
	}
	avail, failKind, err := h.senderAvailable(spec.sender)
	if err != nil {
		return nil, nil, nil, err
	}
	if failKind != 0 {
		fail := failure(failKind)
		return nil, nil, &fail, nil
	}
	if spec.amount > avail {
		fail := failure(engine.FailureInsufficientAmount)
		return nil, nil, &fail, nil
	}

	// The frame holds the amount move and everything the invocation
	// changes; a rollback discards it wholesale.
	h.cs.pushFrame()
	if spec.amount > 0 {
		if err := h.debitSender(spec.sender, spec.amount); err != nil {
			return nil, nil, nil, err
		}
		if err := h.cs.creditContract(spec.address, inst.SelfBalance, spec.amount); err != nil {
			return nil, nil, nil, err
		}
	}
	selfBalance, err := h.contractAvailable(spec.address, inst.SelfBalance)
	if err != nil {
		return nil, nil, nil, err
	}
	rec := &invocationRecord{
		sender:          spec.sender,
		address:         spec.address,
		name:            inst.Name,
		entrypoint:      spec.entrypoint,
		amount:          spec.amount,
		traceCheckpoint: checkpoint,
		modIdxAtStart:   h.cs.modificationIndex(spec.address),
	}
	ctx := engine.ReceiveContext{
		Module:       moduleRef,
		ContractName: inst.Name,
		Entrypoint:   spec.entrypoint,
		Invoker:      h.invoker,
		Sender:       spec.sender,
		SelfAddress:  spec.address,
		SelfBalance:  selfBalance,
		Amount:       spec.amount,
		State:        h.stateView(spec.address, inst),
	}
	h.logger.Debug().
		Stringer("contract", spec.address).
		Str("entrypoint", string(spec.entrypoint)).
		Stringer("amount", spec.amount).
		Msg("invoking entrypoint")
	return h.chain.engine.InvokeReceive(ctx, spec.parameter, h.remaining), rec, nil, nil
}

// senderAvailable resolves the sender's effective balance. A zero failure
// kind means the sender exists.
func (h *invocationHandler) senderAvailable(sender types.Address) (types.Amount, engine.FailureKind, error) {
	if acc, ok := sender.Account(); ok {
		avail, exists, err := h.accountAvailable(acc)
		if err != nil {
			return 0, 0, err
		}
		if !exists {
			return 0, engine.FailureMissingAccount, nil
		}
		return avail, 0, nil
	}
	addr, _ := sender.Contract()
	inst, ok := h.persistedInstance(addr)
	if !ok {
		return 0, engine.FailureMissingContract, h.chain.dbErr
	}
	avail, err := h.contractAvailable(addr, inst.SelfBalance)
	return avail, 0, err
}

// debitSender records the amount move out of the sender in the top frame.
func (h *invocationHandler) debitSender(sender types.Address, amount types.Amount) error {
	if acc, ok := sender.Account(); ok {
		original, exists := h.accountOriginal(acc)
		if !exists {
			return h.chain.dbErr
		}
		return h.cs.debitAccount(acc, original, amount)
	}
	addr, _ := sender.Contract()
	inst, ok := h.persistedInstance(addr)
	if !ok {
		return h.chain.dbErr
	}
	return h.cs.debitContract(addr, inst.SelfBalance, amount)
}

// recordState saves an engine-reported state snapshot into the change
// stack, bumping the contract's modification index.
func (h *invocationHandler) recordState(rec *invocationRecord, state types.ContractState) {
	inst, ok := h.persistedInstance(rec.address)
	if !ok {
		// The instance existed at dispatch; the ledger is never mutated
		// mid-transaction.
		return
	}
	h.cs.setContractState(rec.address, inst.SelfBalance, state)
}

// resumeView builds the refreshed view a suspended execution resumes with.
// Nested calls may have rewritten the state or moved the self balance, so
// the engine must not trust anything it saw before the interrupt.
func (h *invocationHandler) resumeView(rec *invocationRecord) engine.ResumeView {
	inst, ok := h.persistedInstance(rec.address)
	if !ok {
		return engine.ResumeView{}
	}
	balance, err := h.contractAvailable(rec.address, inst.SelfBalance)
	if err != nil {
		h.chain.setError(err)
		balance = 0
	}
	return engine.ResumeView{
		State:       h.stateView(rec.address, inst),
		SelfBalance: balance,
	}
}

// handleOutcome reacts to one engine outcome: it finalizes the invocation
// on a terminal outcome, or resolves the interrupt and schedules the resume
// directive.
func (h *invocationHandler) handleOutcome(out engine.Outcome, rec *invocationRecord) (invokeResult, *directive, error) {
	h.remaining = out.Remaining()
	switch o := out.(type) {
	case engine.Success:
		if o.StateChanged {
			h.recordState(rec, o.NewState)
		}
		stateChanged := h.cs.modificationIndex(rec.address) != rec.modIdxAtStart
		if err := h.cs.popCommit(); err != nil {
			return invokeResult{}, nil, err
		}
		h.trace = append(h.trace, TraceElement{
			Kind:       TraceUpdated,
			Contract:   rec.address,
			Entrypoint: rec.entrypoint,
			Sender:     rec.sender,
			Amount:     rec.amount,
			Events:     o.Logs,
		})
		return invokeResult{
			response:     engine.InvokeResponse{Data: o.ReturnValue},
			logs:         o.Logs,
			stateChanged: stateChanged,
		}, nil, nil

	case engine.Reject:
		h.rollback(rec)
		return invokeResult{response: engine.InvokeResponse{Failure: &engine.InvokeFailure{
			Kind:        engine.FailureLogicReject,
			Reason:      o.Reason,
			ReturnValue: o.ReturnValue,
		}}}, nil, nil

	case engine.Trap:
		h.logger.Debug().Stringer("contract", rec.address).Err(o.Err).Msg("contract trapped")
		h.rollback(rec)
		return invokeResult{response: engine.InvokeResponse{Failure: &engine.InvokeFailure{
			Kind: engine.FailureTrap,
		}}}, nil, nil

	case engine.OutOfEnergy:
		h.rollback(rec)
		return invokeResult{}, nil, ErrOutOfEnergy

	case engine.Interrupt:
		// An engine-reported state write is recorded before the request is
		// resolved, so nested executions observe it and the modification
		// index reflects it.
		if o.StateChanged {
			h.recordState(rec, o.State)
		}
		next, err := h.resolveInterrupt(rec, o)
		if err != nil {
			h.chain.engine.Drop(o.Suspension)
			return invokeResult{}, nil, err
		}
		return invokeResult{}, next, nil

	default:
		return invokeResult{}, nil, errors.New("core: unknown engine outcome")
	}
}

// rollback discards the invocation's frame and every trace entry recorded
// under it.
func (h *invocationHandler) rollback(rec *invocationRecord) {
	h.cs.popDiscard()
	h.trace = h.trace[:rec.traceCheckpoint]
}

// resolveInterrupt resolves a request raised by a suspended execution and
// returns the directive that resumes it. Requests other than nested calls
// are answered immediately; nested calls are deferred to the next loop
// iteration so the callee's own interrupts are handled by the same loop.
func (h *invocationHandler) resolveInterrupt(rec *invocationRecord, o engine.Interrupt) (*directive, error) {
	resume := func(resp engine.InvokeResponse) *directive {
		r := resp
		return &directive{kind: directiveResume, record: rec, suspension: o.Suspension, response: &r}
	}
	switch req := o.Request.(type) {
	case engine.TransferRequest:
		resp, err := h.handleTransfer(rec, req)
		if err != nil {
			return nil, err
		}
		return resume(resp), nil

	case engine.CallRequest:
		h.trace = append(h.trace, TraceElement{
			Kind:     TraceInterrupted,
			Contract: rec.address,
		})
		return &directive{
			kind:        directiveResume,
			record:      rec,
			suspension:  o.Suspension,
			pendingCall: &req,
		}, nil

	case engine.UpgradeRequest:
		resp, err := h.handleUpgrade(rec, req)
		if err != nil {
			return nil, err
		}
		return resume(resp), nil

	case engine.AccountBalanceRequest:
		if err := h.chargeEnergy(params.QueryBaseCost); err != nil {
			return nil, err
		}
		balance, exists, err := h.accountAvailable(req.Address)
		if err != nil {
			return nil, err
		}
		if !exists {
			return resume(failure(engine.FailureMissingAccount).response), nil
		}
		return resume(engine.InvokeResponse{Data: encodeAmount(balance)}), nil

	case engine.ContractBalanceRequest:
		if err := h.chargeEnergy(params.QueryBaseCost); err != nil {
			return nil, err
		}
		inst, ok := h.persistedInstance(req.Address)
		if !ok {
			if h.chain.dbErr != nil {
				return nil, h.chain.dbErr
			}
			return resume(failure(engine.FailureMissingContract).response), nil
		}
		balance, err := h.contractAvailable(req.Address, inst.SelfBalance)
		if err != nil {
			return nil, err
		}
		return resume(engine.InvokeResponse{Data: encodeAmount(balance)}), nil

	default:
		return nil, errors.New("core: unknown interrupt request")
	}
}

// handleTransfer moves an amount from the running contract to an account,
// in the current frame. Failures are reported to the contract, which may
// handle them and continue.
func (h *invocationHandler) handleTransfer(rec *invocationRecord, req engine.TransferRequest) (engine.InvokeResponse, error) {
	if err := h.chargeEnergy(params.TransferCost); err != nil {
		return engine.InvokeResponse{}, err
	}
	original, exists := h.accountOriginal(req.To)
	if !exists {
		if h.chain.dbErr != nil {
			return engine.InvokeResponse{}, h.chain.dbErr
		}
		return failure(engine.FailureMissingAccount).response, nil
	}
	inst, ok := h.persistedInstance(rec.address)
	if !ok {
		return engine.InvokeResponse{}, h.chain.dbErr
	}
	avail, err := h.contractAvailable(rec.address, inst.SelfBalance)
	if err != nil {
		return engine.InvokeResponse{}, err
	}
	if req.Amount > avail {
		return failure(engine.FailureInsufficientAmount).response, nil
	}
	if err := h.cs.debitContract(rec.address, inst.SelfBalance, req.Amount); err != nil {
		return engine.InvokeResponse{}, err
	}
	if err := h.cs.creditAccount(req.To, original, req.Amount); err != nil {
		return engine.InvokeResponse{}, err
	}
	h.trace = append(h.trace, TraceElement{
		Kind:     TraceTransferred,
		Contract: rec.address,
		Amount:   req.Amount,
		To:       req.To,
	})
	h.logger.Debug().
		Stringer("contract", rec.address).
		Stringer("to", req.To).
		Stringer("amount", req.Amount).
		Msg("transfer")
	return engine.InvokeResponse{}, nil
}

// handleUpgrade switches the running contract to a new module. The switch
// takes effect for subsequent dispatches against the contract; the running
// execution continues under its old code.
func (h *invocationHandler) handleUpgrade(rec *invocationRecord, req engine.UpgradeRequest) (engine.InvokeResponse, error) {
	module, err := h.chain.ledger.Module(req.Module)
	if errors.Is(err, ledger.ErrNotFound) {
		return failure(engine.FailureMissingModule).response, nil
	}
	if err != nil {
		return engine.InvokeResponse{}, err
	}
	if err := h.chargeEnergy(params.ModuleLookupCost(len(module.Source))); err != nil {
		return engine.InvokeResponse{}, err
	}
	inst, ok := h.persistedInstance(rec.address)
	if !ok {
		return engine.InvokeResponse{}, h.chain.dbErr
	}
	from := h.moduleView(rec.address, inst)
	h.cs.setContractModule(rec.address, inst.SelfBalance, req.Module)
	h.trace = append(h.trace, TraceElement{
		Kind:     TraceUpgraded,
		Contract: rec.address,
		From:     from,
		Module:   req.Module,
	})
	return engine.InvokeResponse{}, nil
}

// nestedCall runs a call requested through an interrupt to completion and
// shapes the response the suspended caller resumes with.
func (h *invocationHandler) nestedCall(rec *invocationRecord, req engine.CallRequest) (*engine.InvokeResponse, error) {
	result, err := h.invokeEntrypoint(callSpec{
		sender:     types.AddressContract(rec.address),
		address:    req.Address,
		entrypoint: req.Entrypoint,
		parameter:  req.Parameter,
		amount:     req.Amount,
	})
	if err != nil {
		return nil, err
	}
	h.trace = append(h.trace, TraceElement{
		Kind:     TraceResumed,
		Contract: rec.address,
		Success:  result.response.Succeeded(),
	})
	resp := result.response
	return &resp, nil
}

func encodeAmount(a types.Amount) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, a.Micro())
	return buf
}
