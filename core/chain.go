// Package core implements the test chain: a single-node ledger with an
// invocation engine for nested, reentrant contract calls. Pending effects of
// a transaction live in a stack of change frames; only a transaction that
// runs to success is written back to the ledger. Energy is metered against
// an up-front reservation and converted into a fee that is charged even when
// the transaction fails.
//
// A Chain is not safe for concurrent use; transactions execute one at a
// time, matching block execution.
package core

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/tos-network/chaintest/chaindb"
	"github.com/tos-network/chaintest/chaindb/memorydb"
	"github.com/tos-network/chaintest/engine"
	"github.com/tos-network/chaintest/ledger"
	"github.com/tos-network/chaintest/params"
	"github.com/tos-network/chaintest/types"
)

// Chain is a test chain instance: persisted state plus the execution engine
// that runs contract logic.
type Chain struct {
	params params.ChainParameters
	ledger *ledger.Ledger
	engine engine.Engine
	logger zerolog.Logger

	// dbErr records the first database failure observed on a path without
	// an error return. It aborts the enclosing transaction.
	dbErr error
}

// NewChain creates a chain over a fresh in-memory store with default
// parameters.
func NewChain(eng engine.Engine) *Chain {
	c, err := NewChainWithDatabase(eng, memorydb.New())
	if err != nil {
		panic(err) // memorydb cannot fail
	}
	return c
}

// NewChainWithDatabase creates a chain over the given store. The store may
// hold state from an earlier chain instance.
func NewChainWithDatabase(eng engine.Engine, db chaindb.KeyValueStore) (*Chain, error) {
	l, err := ledger.New(db)
	if err != nil {
		return nil, err
	}
	return &Chain{
		params: params.DefaultChainParameters(),
		ledger: l,
		engine: eng,
		logger: zerolog.Nop(),
	}, nil
}

// NewChainWithParameters creates an in-memory chain with explicit
// parameters.
func NewChainWithParameters(eng engine.Engine, p params.ChainParameters) *Chain {
	c := NewChain(eng)
	c.params = p
	return c
}

// SetLogger routes the chain's structured log output.
func (c *Chain) SetLogger(l zerolog.Logger) { c.logger = l }

// Parameters returns the chain's parameters.
func (c *Chain) Parameters() params.ChainParameters { return c.params }

func (c *Chain) setError(err error) {
	if c.dbErr == nil {
		c.dbErr = err
	}
}

// takeError returns and clears the recorded database failure, if any.
func (c *Chain) takeError() error {
	err := c.dbErr
	c.dbErr = nil
	return err
}

// energyToAmount converts energy into a microTOS fee at the chain's
// exchange rate, rounding down.
func (c *Chain) energyToAmount(e types.Energy) (types.Amount, error) {
	rate := c.params.MicroPerEnergy
	fee := new(uint256.Int).Mul(uint256.NewInt(uint64(e)), uint256.NewInt(rate.Numerator))
	fee.Div(fee, uint256.NewInt(rate.Denominator))
	if !fee.IsUint64() {
		return 0, ErrBalanceOverflow
	}
	return types.AmountFromMicro(fee.Uint64()), nil
}

// CreateAccount inserts an account, replacing any existing account under an
// alias of the same address.
func (c *Chain) CreateAccount(acc ledger.Account) error {
	return c.ledger.PutAccount(acc)
}

// AccountBalanceAvailable returns the account's spendable balance, or false
// if no alias of addr denotes a known account.
func (c *Chain) AccountBalanceAvailable(addr types.AccountAddress) (types.Amount, bool) {
	acc, err := c.ledger.Account(addr)
	if err != nil {
		return 0, false
	}
	return acc.Balance, true
}

// AccountExists reports whether any alias of addr denotes a known account.
func (c *Chain) AccountExists(addr types.AccountAddress) bool {
	exists, err := c.ledger.AccountExists(addr)
	return err == nil && exists
}

// GetAccount returns the persisted account record for any alias of addr.
func (c *Chain) GetAccount(addr types.AccountAddress) (ledger.Account, bool) {
	acc, err := c.ledger.Account(addr)
	if err != nil {
		return ledger.Account{}, false
	}
	return acc, true
}

// GetContract returns the persisted contract instance at addr.
func (c *Chain) GetContract(addr types.ContractAddress) (ledger.ContractInstance, bool) {
	inst, err := c.ledger.Instance(addr)
	if err != nil {
		return ledger.ContractInstance{}, false
	}
	return inst, true
}

// GetModule returns the deployed module artifact under ref.
func (c *Chain) GetModule(ref types.ModuleReference) (ledger.Module, bool) {
	m, err := c.ledger.Module(ref)
	if err != nil {
		return ledger.Module{}, false
	}
	return m, true
}

// ModuleDeployResult reports a successful module deployment.
type ModuleDeployResult struct {
	Reference      types.ModuleReference
	EnergyUsed     types.Energy
	TransactionFee types.Amount
}

// ModuleDeploy registers a module's source on the chain and charges the
// sender the size-dependent deploy fee. Deploying an already-known module
// fails but still charges, like any other transaction that performed work.
func (c *Chain) ModuleDeploy(sender types.AccountAddress, source []byte) (*ModuleDeployResult, error) {
	acc, err := c.ledger.Account(sender)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrSenderDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	if len(source) > params.MaxModuleSize {
		return nil, ErrModuleTooLarge
	}
	energy := params.ModuleDeployCost(len(source))
	fee, err := c.energyToAmount(energy)
	if err != nil {
		return nil, err
	}
	balance, err := acc.Balance.SubChecked(fee)
	if err != nil {
		return nil, ErrInsufficientFunds
	}
	if err := c.ledger.SetAccountBalance(sender, balance); err != nil {
		return nil, err
	}
	ref := types.ModuleReferenceOf(source)
	exists, err := c.ledger.ModuleExists(ref)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &TransactionError{Err: ErrDuplicateModule, EnergyUsed: energy, TransactionFee: fee}
	}
	if err := c.ledger.PutModule(ledger.Module{Reference: ref, Source: source}); err != nil {
		return nil, err
	}
	c.logger.Info().Stringer("module", ref).Int("size", len(source)).Msg("module deployed")
	return &ModuleDeployResult{Reference: ref, EnergyUsed: energy, TransactionFee: fee}, nil
}

// InitContractPayload is the payload of a contract initialization.
type InitContractPayload struct {
	// Amount is the endowment moved from the creator to the new instance.
	Amount       types.Amount
	ModuleRef    types.ModuleReference
	ContractName types.ContractName
	Parameter    types.Parameter
}

// ContractInitResult reports a successful contract initialization.
type ContractInitResult struct {
	ContractAddress types.ContractAddress
	Logs            []engine.ContractEvent
	EnergyUsed      types.Energy
	TransactionFee  types.Amount
}

// ContractInit creates a contract instance from a deployed module. The
// creator pays for the energy consumed whether or not the constructor
// succeeds; on failure nothing else is persisted.
func (c *Chain) ContractInit(sender types.AccountAddress, energy types.Energy, payload InitContractPayload) (*ContractInitResult, error) {
	acc, err := c.ledger.Account(sender)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrSenderDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	if err := payload.ContractName.Validate(); err != nil {
		return nil, err
	}
	if energy > c.params.BlockEnergyLimit {
		return nil, ErrExceedsBlockEnergy
	}
	if len(payload.Parameter) > params.MaxParameterSize {
		return nil, ErrParameterTooLarge
	}
	reserved, err := c.energyToAmount(energy)
	if err != nil {
		return nil, err
	}
	available, err := acc.Balance.SubChecked(reserved)
	if err != nil {
		return nil, ErrInsufficientFunds
	}
	if payload.Amount > available {
		return nil, ErrAmountTooLarge
	}

	remaining := energy
	charge := func(cost types.Energy) bool {
		if cost >= remaining {
			remaining = 0
			return false
		}
		remaining -= cost
		return true
	}
	// fail settles the fee for the energy consumed and wraps the cause.
	fail := func(cause error) (*ContractInitResult, error) {
		used := energy - remaining
		fee, ferr := c.energyToAmount(used)
		if ferr != nil {
			return nil, ferr
		}
		if cerr := c.chargeFee(sender, fee); cerr != nil {
			return nil, cerr
		}
		return nil, &TransactionError{Err: cause, EnergyUsed: used, TransactionFee: fee}
	}

	if !charge(params.InitializeContractBaseCost) {
		return fail(ErrOutOfEnergy)
	}
	module, err := c.ledger.Module(payload.ModuleRef)
	if errors.Is(err, ledger.ErrNotFound) {
		return fail(ErrModuleDoesNotExist)
	}
	if err != nil {
		return nil, err
	}
	if !charge(params.ModuleLookupCost(len(module.Source))) {
		return fail(ErrOutOfEnergy)
	}

	ctx := engine.InitContext{
		Module:       payload.ModuleRef,
		ContractName: payload.ContractName,
		Origin:       sender,
		Amount:       payload.Amount,
	}
	out := c.engine.InvokeInit(ctx, payload.Parameter, remaining)
	remaining = out.Remaining()
	switch o := out.(type) {
	case engine.Success:
		used := energy - remaining
		fee, err := c.energyToAmount(used)
		if err != nil {
			return nil, err
		}
		addr, err := c.ledger.AllocateContractAddress()
		if err != nil {
			return nil, err
		}
		inst := ledger.ContractInstance{
			Address:     addr,
			Name:        payload.ContractName,
			Module:      payload.ModuleRef,
			Owner:       acc.Address,
			SelfBalance: payload.Amount,
			State:       o.NewState,
		}
		if err := c.ledger.PutInstance(inst); err != nil {
			return nil, err
		}
		spent, err := payload.Amount.AddChecked(fee)
		if err != nil {
			return nil, ErrBalanceOverflow
		}
		balance, err := acc.Balance.SubChecked(spent)
		if err != nil {
			return nil, ErrBalanceOverflow
		}
		if err := c.ledger.SetAccountBalance(sender, balance); err != nil {
			return nil, err
		}
		c.logger.Info().
			Stringer("contract", addr).
			Str("name", string(payload.ContractName)).
			Msg("contract initialized")
		return &ContractInitResult{
			ContractAddress: addr,
			Logs:            o.Logs,
			EnergyUsed:      used,
			TransactionFee:  fee,
		}, nil

	case engine.Reject:
		return fail(&ExecutionError{Failure: engine.InvokeFailure{
			Kind:        engine.FailureLogicReject,
			Reason:      o.Reason,
			ReturnValue: o.ReturnValue,
		}})

	case engine.Trap:
		return fail(&ExecutionError{Failure: engine.InvokeFailure{Kind: engine.FailureTrap}})

	case engine.OutOfEnergy:
		return fail(ErrOutOfEnergy)

	default:
		return nil, fmt.Errorf("core: init produced unexpected outcome %T", out)
	}
}

// UpdateContractPayload is the payload of an entrypoint invocation.
type UpdateContractPayload struct {
	Amount      types.Amount
	Address     types.ContractAddress
	ReceiveName types.ReceiveName
	Parameter   types.Parameter
}

// ContractInvokeResult reports a successful entrypoint invocation.
type ContractInvokeResult struct {
	// ReturnValue is the target's return value.
	ReturnValue []byte
	// StateChanged reports whether the target's own state differs after
	// the invocation.
	StateChanged bool
	// Logs are events emitted by the target itself.
	Logs []engine.ContractEvent
	// Trace records the committed effects of the whole call tree in
	// execution order.
	Trace          []TraceElement
	EnergyUsed     types.Energy
	TransactionFee types.Amount
}

// ParseReturnValue decodes the return value with the given decoder, mapping
// decode failures to ErrParseResult so callers can tell a malformed return
// value apart from a logical reject.
func (r *ContractInvokeResult) ParseReturnValue(decode func([]byte) error) error {
	if err := decode(r.ReturnValue); err != nil {
		return fmt.Errorf("%w: %v", ErrParseResult, err)
	}
	return nil
}

// ContractUpdate invokes an entrypoint as a transaction: committed changes
// are persisted and the invoker pays for the energy consumed, also on
// failure.
func (c *Chain) ContractUpdate(invoker types.AccountAddress, sender types.Address, energy types.Energy, payload UpdateContractPayload) (*ContractInvokeResult, error) {
	return c.contractInvocation(invoker, sender, energy, payload, true)
}

// ContractInvoke invokes an entrypoint as a dry run: the full call tree
// executes against the current state, but nothing is persisted and no fee
// is charged. The result reports what an identical update would cost.
func (c *Chain) ContractInvoke(invoker types.AccountAddress, sender types.Address, energy types.Energy, payload UpdateContractPayload) (*ContractInvokeResult, error) {
	return c.contractInvocation(invoker, sender, energy, payload, false)
}

func (c *Chain) contractInvocation(invoker types.AccountAddress, sender types.Address, energy types.Energy, payload UpdateContractPayload, persist bool) (*ContractInvokeResult, error) {
	invokerAcc, err := c.ledger.Account(invoker)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrInvokerDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	if err := c.senderExists(sender); err != nil {
		return nil, err
	}
	if energy > c.params.BlockEnergyLimit {
		return nil, ErrExceedsBlockEnergy
	}
	if len(payload.Parameter) > params.MaxParameterSize {
		return nil, ErrParameterTooLarge
	}
	contract, entrypoint, err := payload.ReceiveName.Split()
	if err != nil {
		return nil, err
	}
	reserved, err := c.energyToAmount(energy)
	if err != nil {
		return nil, err
	}
	if _, err := invokerAcc.Balance.SubChecked(reserved); err != nil {
		return nil, ErrInsufficientFunds
	}

	h := newInvocationHandler(c, invoker, reserved, energy)
	var result invokeResult
	err = h.chargeEnergy(params.UpdateContractBaseCost)
	if err == nil {
		result, err = h.invokeEntrypoint(callSpec{
			sender:     sender,
			address:    payload.Address,
			entrypoint: entrypoint,
			contract:   contract,
			parameter:  payload.Parameter,
			amount:     payload.Amount,
		})
	}
	if dbErr := c.takeError(); dbErr != nil {
		return nil, dbErr
	}
	used := energy - h.remaining
	fee, ferr := c.energyToAmount(used)
	if ferr != nil {
		return nil, ferr
	}
	if errors.Is(err, ErrOutOfEnergy) {
		if persist {
			if cerr := c.chargeFee(invoker, fee); cerr != nil {
				return nil, cerr
			}
		}
		return nil, &TransactionError{Err: ErrOutOfEnergy, EnergyUsed: used, TransactionFee: fee}
	}
	if err != nil {
		return nil, err
	}
	if f := result.response.Failure; f != nil {
		if persist {
			if cerr := c.chargeFee(invoker, fee); cerr != nil {
				return nil, cerr
			}
		}
		return nil, &TransactionError{Err: invocationFailureError(f), EnergyUsed: used, TransactionFee: fee}
	}
	if persist {
		if err := c.commit(h, fee); err != nil {
			return nil, err
		}
	}
	return &ContractInvokeResult{
		ReturnValue:    result.response.Data,
		StateChanged:   result.stateChanged,
		Logs:           result.logs,
		Trace:          h.trace,
		EnergyUsed:     used,
		TransactionFee: fee,
	}, nil
}

// senderExists validates the immediate sender of a transaction.
func (c *Chain) senderExists(sender types.Address) error {
	if acc, ok := sender.Account(); ok {
		exists, err := c.ledger.AccountExists(acc)
		if err != nil {
			return err
		}
		if !exists {
			return ErrSenderDoesNotExist
		}
		return nil
	}
	addr, _ := sender.Contract()
	exists, err := c.ledger.InstanceExists(addr)
	if err != nil {
		return err
	}
	if !exists {
		return ErrSenderDoesNotExist
	}
	return nil
}

// invocationFailureError maps a top-level resolution failure onto the
// transaction error the invoker observes.
func invocationFailureError(f *engine.InvokeFailure) error {
	switch f.Kind {
	case engine.FailureMissingContract:
		return ErrContractDoesNotExist
	case engine.FailureMissingEntrypoint:
		return ErrEntrypointDoesNotExist
	case engine.FailureInsufficientAmount:
		return ErrAmountTooLarge
	case engine.FailureMissingAccount:
		return ErrSenderDoesNotExist
	default:
		return &ExecutionError{Failure: *f}
	}
}

// chargeFee deducts the transaction fee from the invoker's persisted
// balance. It is the only ledger write of a failed transaction.
func (c *Chain) chargeFee(invoker types.AccountAddress, fee types.Amount) error {
	if fee == 0 {
		return nil
	}
	acc, err := c.ledger.Account(invoker)
	if err != nil {
		return err
	}
	balance, err := acc.Balance.SubChecked(fee)
	if err != nil {
		// The reservation was checked against the balance up front.
		return ErrBalanceOverflow
	}
	return c.ledger.SetAccountBalance(invoker, balance)
}

// commit writes a fully committed change stack back to the ledger and
// settles the invoker's fee. At this point the stack has collapsed to its
// base frame.
func (c *Chain) commit(h *invocationHandler, fee types.Amount) error {
	if h.cs.depth() != 1 {
		panic("core: commit with unresolved frames")
	}
	base := h.cs.top()
	invokerEq := h.invoker.Eq()
	invokerTouched := false
	for eq, ac := range base.accounts {
		balance, err := ac.balanceDelta.apply(ac.originalBalance)
		if err != nil {
			return err
		}
		if eq == invokerEq {
			// The original already excludes the reservation; hand back the
			// unspent part. The fee can never exceed the reservation.
			invokerTouched = true
			balance, err = balance.AddChecked(h.reserved - fee)
			if err != nil {
				return ErrBalanceOverflow
			}
		}
		if err := c.ledger.SetAccountBalance(ac.address, balance); err != nil {
			return err
		}
	}
	if !invokerTouched {
		if err := c.chargeFee(h.invoker, fee); err != nil {
			return err
		}
	}
	for addr, cc := range base.contracts {
		inst, err := c.ledger.Instance(addr)
		if err != nil {
			return err
		}
		inst.SelfBalance, err = cc.selfBalanceDelta.apply(cc.selfBalanceOriginal)
		if err != nil {
			return err
		}
		if cc.state != nil {
			inst.State = cc.state
		}
		if cc.module != nil {
			inst.Module = *cc.module
		}
		if err := c.ledger.PutInstance(inst); err != nil {
			return err
		}
	}
	return nil
}
