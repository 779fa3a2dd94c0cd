package core

import "github.com/tos-network/chaintest/types"

// amountDelta is a signed pending adjustment to an amount, kept separate
// from the immutable original so that intermediate balance effects never
// touch the persisted value.
type amountDelta struct {
	negative bool
	value    types.Amount
}

// addAmount grows the delta by a.
func (d *amountDelta) addAmount(a types.Amount) error {
	if d.negative {
		if d.value >= a {
			d.value -= a
			if d.value == 0 {
				d.negative = false
			}
			return nil
		}
		d.negative = false
		d.value = a - d.value
		return nil
	}
	sum, err := d.value.AddChecked(a)
	if err != nil {
		return ErrBalanceOverflow
	}
	d.value = sum
	return nil
}

// subAmount shrinks the delta by a.
func (d *amountDelta) subAmount(a types.Amount) error {
	if !d.negative {
		if d.value >= a {
			d.value -= a
			return nil
		}
		d.negative = true
		d.value = a - d.value
		return nil
	}
	sum, err := d.value.AddChecked(a)
	if err != nil {
		return ErrBalanceOverflow
	}
	d.value = sum
	return nil
}

// add folds another delta into this one.
func (d *amountDelta) add(o amountDelta) error {
	if o.negative {
		return d.subAmount(o.value)
	}
	return d.addAmount(o.value)
}

// apply resolves the delta against an original amount. Overflow in either
// direction is a configuration error, never a contract-visible reject.
func (d amountDelta) apply(original types.Amount) (types.Amount, error) {
	var (
		out types.Amount
		err error
	)
	if d.negative {
		out, err = original.SubChecked(d.value)
	} else {
		out, err = original.AddChecked(d.value)
	}
	if err != nil {
		return 0, ErrBalanceOverflow
	}
	return out, nil
}

func (d amountDelta) isZero() bool { return d.value == 0 }

// accountChanges is one frame's view of an account. The original balance is
// snapshotted on first touch and never mutated afterwards; only the delta
// accumulates the frame's own effects.
type accountChanges struct {
	// address is the canonical address, retained for the write-back.
	address         types.AccountAddress
	originalBalance types.Amount
	balanceDelta    amountDelta
}

// contractChanges is one frame's view of a contract instance.
type contractChanges struct {
	// modificationIndex increments on every direct write to this
	// contract's own state or module. Writes to other contracts never
	// touch it, even when caused transitively by this contract's calls.
	modificationIndex   uint32
	selfBalanceDelta    amountDelta
	selfBalanceOriginal types.Amount
	// state is the replaced state snapshot, nil while untouched.
	state types.ContractState
	// module is the replaced module reference, nil while untouched.
	module *types.ModuleReference
}

// changes is a single change frame: one nesting level's overlay of pending
// account and contract modifications.
type changes struct {
	accounts  map[types.AccountAddressEq]*accountChanges
	contracts map[types.ContractAddress]*contractChanges
}

func newChanges() *changes {
	return &changes{
		accounts:  make(map[types.AccountAddressEq]*accountChanges),
		contracts: make(map[types.ContractAddress]*contractChanges),
	}
}

// changeSet is the ordered stack of change frames, innermost last. It lives
// for one top-level transaction and is owned by exactly one handler; an
// empty stack means no pending effects.
type changeSet struct {
	stack []*changes
}

// newChangeSet starts with the transaction's base frame, which collects the
// committed effects of the outermost call for the final write-back.
func newChangeSet() *changeSet {
	return &changeSet{stack: []*changes{newChanges()}}
}

func (cs *changeSet) depth() int { return len(cs.stack) }

func (cs *changeSet) top() *changes { return cs.stack[len(cs.stack)-1] }

// pushFrame adds an empty frame for a new invocation.
func (cs *changeSet) pushFrame() {
	cs.stack = append(cs.stack, newChanges())
}

// popCommit merges the top frame into the frame beneath and removes it:
// account and self-balance deltas add, the modification index takes the
// max, replaced state and module overwrite if present.
func (cs *changeSet) popCommit() error {
	n := len(cs.stack)
	if n < 2 {
		panic("core: popCommit on changeset without parent frame")
	}
	top, parent := cs.stack[n-1], cs.stack[n-2]
	for eq, ac := range top.accounts {
		pc, ok := parent.accounts[eq]
		if !ok {
			parent.accounts[eq] = ac
			continue
		}
		if err := pc.balanceDelta.add(ac.balanceDelta); err != nil {
			return err
		}
	}
	for addr, cc := range top.contracts {
		pc, ok := parent.contracts[addr]
		if !ok {
			parent.contracts[addr] = cc
			continue
		}
		if cc.modificationIndex > pc.modificationIndex {
			pc.modificationIndex = cc.modificationIndex
		}
		if err := pc.selfBalanceDelta.add(cc.selfBalanceDelta); err != nil {
			return err
		}
		if cc.state != nil {
			pc.state = cc.state
		}
		if cc.module != nil {
			pc.module = cc.module
		}
	}
	cs.stack = cs.stack[:n-1]
	return nil
}

// popDiscard removes the top frame without merging, unwinding everything
// the frame's invocation (and its committed sub-calls) changed. Discarding
// with no frame above the base is a no-op, so a double discard cannot
// damage ancestor frames.
func (cs *changeSet) popDiscard() {
	if len(cs.stack) < 2 {
		return
	}
	cs.stack = cs.stack[:len(cs.stack)-1]
}

// applyAccountDeltas folds every frame's delta for the account onto the
// given base, bottom to top.
func (cs *changeSet) applyAccountDeltas(eq types.AccountAddressEq, base types.Amount) (types.Amount, error) {
	total := amountDelta{}
	for _, frame := range cs.stack {
		if ac, ok := frame.accounts[eq]; ok {
			if err := total.add(ac.balanceDelta); err != nil {
				return 0, err
			}
		}
	}
	return total.apply(base)
}

// applyContractDeltas folds every frame's self-balance delta for the
// contract onto the given base, bottom to top.
func (cs *changeSet) applyContractDeltas(addr types.ContractAddress, base types.Amount) (types.Amount, error) {
	total := amountDelta{}
	for _, frame := range cs.stack {
		if cc, ok := frame.contracts[addr]; ok {
			if err := total.add(cc.selfBalanceDelta); err != nil {
				return 0, err
			}
		}
	}
	return total.apply(base)
}

// contractState returns the innermost replaced state for the contract, if
// any frame holds one.
func (cs *changeSet) contractState(addr types.ContractAddress) (types.ContractState, bool) {
	for i := len(cs.stack) - 1; i >= 0; i-- {
		if cc, ok := cs.stack[i].contracts[addr]; ok && cc.state != nil {
			return cc.state, true
		}
	}
	return nil, false
}

// contractModule returns the innermost replaced module for the contract, if
// any frame holds one.
func (cs *changeSet) contractModule(addr types.ContractAddress) (types.ModuleReference, bool) {
	for i := len(cs.stack) - 1; i >= 0; i-- {
		if cc, ok := cs.stack[i].contracts[addr]; ok && cc.module != nil {
			return *cc.module, true
		}
	}
	return types.ModuleReference{}, false
}

// modificationIndex returns the contract's current modification index: the
// innermost frame entry's value, or zero if the contract is untouched.
func (cs *changeSet) modificationIndex(addr types.ContractAddress) uint32 {
	for i := len(cs.stack) - 1; i >= 0; i-- {
		if cc, ok := cs.stack[i].contracts[addr]; ok {
			return cc.modificationIndex
		}
	}
	return 0
}

// ensureAccount returns the top frame's entry for the account, creating it
// with the given original balance on first touch.
func (cs *changeSet) ensureAccount(addr types.AccountAddress, original types.Amount) *accountChanges {
	eq := addr.Eq()
	frame := cs.top()
	if ac, ok := frame.accounts[eq]; ok {
		return ac
	}
	ac := &accountChanges{address: addr, originalBalance: original}
	frame.accounts[eq] = ac
	return ac
}

// ensureContract returns the top frame's entry for the contract, creating
// it on first touch. The new entry inherits the contract's current
// modification index so that staleness checks and commit merging stay
// monotonic.
func (cs *changeSet) ensureContract(addr types.ContractAddress, original types.Amount) *contractChanges {
	frame := cs.top()
	if cc, ok := frame.contracts[addr]; ok {
		return cc
	}
	cc := &contractChanges{
		selfBalanceOriginal: original,
		modificationIndex:   cs.modificationIndex(addr),
	}
	frame.contracts[addr] = cc
	return cc
}

// creditAccount records a pending balance increase in the top frame.
func (cs *changeSet) creditAccount(addr types.AccountAddress, original, amount types.Amount) error {
	return cs.ensureAccount(addr, original).balanceDelta.addAmount(amount)
}

// debitAccount records a pending balance decrease in the top frame. The
// caller has already checked the available balance.
func (cs *changeSet) debitAccount(addr types.AccountAddress, original, amount types.Amount) error {
	return cs.ensureAccount(addr, original).balanceDelta.subAmount(amount)
}

// creditContract records a pending self-balance increase in the top frame.
func (cs *changeSet) creditContract(addr types.ContractAddress, original, amount types.Amount) error {
	return cs.ensureContract(addr, original).selfBalanceDelta.addAmount(amount)
}

// debitContract records a pending self-balance decrease in the top frame.
func (cs *changeSet) debitContract(addr types.ContractAddress, original, amount types.Amount) error {
	return cs.ensureContract(addr, original).selfBalanceDelta.subAmount(amount)
}

// setContractState records a direct state write, bumping the modification
// index.
func (cs *changeSet) setContractState(addr types.ContractAddress, original types.Amount, state types.ContractState) {
	cc := cs.ensureContract(addr, original)
	cc.state = state
	cc.modificationIndex++
}

// setContractModule records a direct module replacement, bumping the
// modification index.
func (cs *changeSet) setContractModule(addr types.ContractAddress, original types.Amount, module types.ModuleReference) {
	cc := cs.ensureContract(addr, original)
	ref := module
	cc.module = &ref
	cc.modificationIndex++
}
