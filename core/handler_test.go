package core

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tos-network/chaintest/engine/scripted"
	"github.com/tos-network/chaintest/params"
	"github.com/tos-network/chaintest/types"
)

func u64le(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// initContract deploys src's module and initializes contract name from it.
func initContract(t *testing.T, c *Chain, owner types.AccountAddress, src []byte, name types.ContractName, amount types.Amount) types.ContractAddress {
	t.Helper()
	_, err := c.ModuleDeploy(owner, src)
	require.NoError(t, err)
	res, err := c.ContractInit(owner, testEnergy, InitContractPayload{
		Amount:       amount,
		ModuleRef:    types.ModuleReferenceOf(src),
		ContractName: name,
		Parameter:    nil,
	})
	require.NoError(t, err)
	return res.ContractAddress
}

// registerBank wires a contract that holds deposits and pays out on demand.
func registerBank(eng *scripted.Engine) []byte {
	src := []byte("bank-v1")
	eng.RegisterInit(src, "bank", func(*scripted.InitEnv) (types.ContractState, error) {
		return types.ContractState{}, nil
	})
	eng.RegisterReceive(src, "bank", "deposit", func(env *scripted.Env) ([]byte, error) {
		if err := env.Transfer(env.Invoker(), types.AmountFromMicro(100)); err != nil {
			return nil, scripted.Reject(-1)
		}
		return nil, nil
	})
	eng.RegisterReceive(src, "bank", "payout", func(env *scripted.Env) ([]byte, error) {
		var to types.AccountAddress
		copy(to[:], env.Parameter())
		amount := types.AmountFromMicro(binary.LittleEndian.Uint64(env.Parameter()[32:]))
		if err := env.Transfer(to, amount); err != nil {
			return nil, scripted.Reject(-4)
		}
		return nil, nil
	})
	eng.RegisterReceive(src, "bank", "tomissing", func(env *scripted.Env) ([]byte, error) {
		if err := env.Transfer(accAddr(77), 1); err != nil {
			return nil, scripted.Reject(-5)
		}
		return nil, nil
	})
	return src
}

func TestTransferScenario(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)
	bank := initContract(t, c, acc, registerBank(eng), "bank", 0)
	before, _ := c.AccountBalanceAvailable(acc)

	deposit := types.AmountFromMicro(500)
	res, err := c.ContractUpdate(acc, types.AddressAccount(acc), testEnergy, UpdateContractPayload{
		Amount:      deposit,
		Address:     bank,
		ReceiveName: "bank.deposit",
	})
	require.NoError(t, err)

	// The contract kept 400 and sent 100 back to the invoker.
	inst, _ := c.GetContract(bank)
	assert.Equal(t, types.AmountFromMicro(400), inst.SelfBalance)
	balance, _ := c.AccountBalanceAvailable(acc)
	assert.Equal(t, before-res.TransactionFee-deposit+types.AmountFromMicro(100), balance)

	// Nothing minted, nothing burned beyond the fee.
	assert.Equal(t, before, balance+inst.SelfBalance+res.TransactionFee)

	require.Len(t, res.Trace, 2)
	assert.Equal(t, TraceTransferred, res.Trace[0].Kind)
	assert.Equal(t, types.AmountFromMicro(100), res.Trace[0].Amount)
	assert.Equal(t, TraceUpdated, res.Trace[1].Kind)
}

func TestTransferToAlias(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)
	other := fund(t, c, 2)
	bank := initContract(t, c, acc, registerBank(eng), "bank", types.AmountFromMicro(10_000))

	// Pay out to an alias of the other account: same first 29 bytes.
	alias := other
	alias[30] = 0xab
	alias[31] = 0xcd
	param := append(alias[:], u64le(250)...)
	_, err := c.ContractUpdate(acc, types.AddressAccount(acc), testEnergy, UpdateContractPayload{
		Address:     bank,
		ReceiveName: "bank.payout",
		Parameter:   param,
	})
	require.NoError(t, err)

	balance, ok := c.AccountBalanceAvailable(other)
	require.True(t, ok)
	assert.Equal(t, initialBalance+types.AmountFromMicro(250), balance)

	// The alias resolves to the same account from the outside too.
	aliased, ok := c.AccountBalanceAvailable(alias)
	require.True(t, ok)
	assert.Equal(t, balance, aliased)
}

func TestTransferFailuresAreRecoverable(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)
	bank := initContract(t, c, acc, registerBank(eng), "bank", types.AmountFromMicro(100))
	sender := types.AddressAccount(acc)

	// More than the self balance: the script observes the failure and
	// turns it into its own reject.
	to := accAddr(1)
	param := append(to[:], u64le(1_000_000)...)
	_, err := c.ContractUpdate(acc, sender, testEnergy, UpdateContractPayload{
		Address:     bank,
		ReceiveName: "bank.payout",
		Parameter:   param,
	})
	assert.Equal(t, int32(-4), rejectReason(t, err))

	_, err = c.ContractUpdate(acc, sender, testEnergy, UpdateContractPayload{
		Address:     bank,
		ReceiveName: "bank.tomissing",
	})
	assert.Equal(t, int32(-5), rejectReason(t, err))

	// Neither attempt moved anything.
	inst, _ := c.GetContract(bank)
	assert.Equal(t, types.AmountFromMicro(100), inst.SelfBalance)
}

func TestOutOfEnergy(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)
	src := []byte("burn-v1")
	eng.RegisterInit(src, "burn", func(*scripted.InitEnv) (types.ContractState, error) {
		return types.ContractState{1}, nil
	})
	eng.RegisterReceive(src, "burn", "run", func(env *scripted.Env) ([]byte, error) {
		env.SetState([]byte{9})
		env.ChargeEnergy(1 << 40)
		return nil, nil
	})
	burn := initContract(t, c, acc, src, "burn", 0)
	before, _ := c.AccountBalanceAvailable(acc)

	budget := types.Energy(1000)
	_, err := c.ContractUpdate(acc, types.AddressAccount(acc), budget, UpdateContractPayload{
		Address:     burn,
		ReceiveName: "burn.run",
	})
	require.ErrorIs(t, err, ErrOutOfEnergy)

	// The whole budget is consumed and charged; nothing else sticks.
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, budget, txErr.EnergyUsed)
	assert.Equal(t, feeOf(budget), txErr.TransactionFee)
	balance, _ := c.AccountBalanceAvailable(acc)
	assert.Equal(t, before-feeOf(budget), balance)
	inst, _ := c.GetContract(burn)
	assert.Equal(t, types.ContractState{1}, inst.State)

	// A dry run reports the exhaustion without charging.
	_, err = c.ContractInvoke(acc, types.AddressAccount(acc), budget, UpdateContractPayload{
		Address:     burn,
		ReceiveName: "burn.run",
	})
	require.ErrorIs(t, err, ErrOutOfEnergy)
	after, _ := c.AccountBalanceAvailable(acc)
	assert.Equal(t, balance, after)
}

func TestOutOfEnergyDuringLookup(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)
	src := []byte("burn-v2")
	eng.RegisterInit(src, "burn", func(*scripted.InitEnv) (types.ContractState, error) {
		return types.ContractState{1}, nil
	})
	eng.RegisterReceive(src, "burn", "run", func(env *scripted.Env) ([]byte, error) {
		env.SetState([]byte{9})
		return nil, nil
	})
	burn := initContract(t, c, acc, src, "burn", 0)
	before, _ := c.AccountBalanceAvailable(acc)

	// Enough for the base cost but not for the module lookup: the budget
	// runs out before the engine is ever entered.
	budget := params.UpdateContractBaseCost + 1
	_, err := c.ContractUpdate(acc, types.AddressAccount(acc), budget, UpdateContractPayload{
		Address:     burn,
		ReceiveName: "burn.run",
	})
	require.ErrorIs(t, err, ErrOutOfEnergy)

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, budget, txErr.EnergyUsed)
	assert.Equal(t, feeOf(budget), txErr.TransactionFee)
	balance, _ := c.AccountBalanceAvailable(acc)
	assert.Equal(t, before-feeOf(budget), balance)
	inst, _ := c.GetContract(burn)
	assert.Equal(t, types.ContractState{1}, inst.State)
}

func TestReentrantRollback(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)
	src := []byte("cell-v1")
	eng.RegisterInit(src, "cell", func(*scripted.InitEnv) (types.ContractState, error) {
		return types.ContractState{0}, nil
	})
	eng.RegisterReceive(src, "cell", "outer", func(env *scripted.Env) ([]byte, error) {
		env.SetState([]byte{1})
		if _, err := env.Invoke(env.SelfAddress(), "inner", nil, 0); err == nil {
			return nil, scripted.Reject(-1) // the inner reject must surface
		}
		return env.State(), nil
	})
	eng.RegisterReceive(src, "cell", "inner", func(env *scripted.Env) ([]byte, error) {
		env.SetState([]byte{9})
		return nil, scripted.Reject(-5)
	})
	cell := initContract(t, c, acc, src, "cell", 0)

	res, err := c.ContractUpdate(acc, types.AddressAccount(acc), testEnergy, UpdateContractPayload{
		Address:     cell,
		ReceiveName: "cell.outer",
	})
	require.NoError(t, err)

	// The inner write rolled back; the outer write from before the call
	// survived and is what the resumed outer observes.
	assert.Equal(t, []byte{1}, res.ReturnValue)
	assert.True(t, res.StateChanged)
	inst, _ := c.GetContract(cell)
	assert.Equal(t, types.ContractState{1}, inst.State)
}

func TestReentrantStateVisibility(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)
	src := []byte("cell-v2")
	eng.RegisterInit(src, "cell", func(*scripted.InitEnv) (types.ContractState, error) {
		return types.ContractState{0}, nil
	})
	eng.RegisterReceive(src, "cell", "outer", func(env *scripted.Env) ([]byte, error) {
		env.SetState([]byte{1})
		if _, err := env.Invoke(env.SelfAddress(), "bump", nil, 0); err != nil {
			return nil, err
		}
		return env.State(), nil
	})
	eng.RegisterReceive(src, "cell", "bump", func(env *scripted.Env) ([]byte, error) {
		// The outer write must be visible here despite never committing.
		state := env.State()
		env.SetState([]byte{state[0] + 1})
		return nil, nil
	})
	cell := initContract(t, c, acc, src, "cell", 0)

	res, err := c.ContractUpdate(acc, types.AddressAccount(acc), testEnergy, UpdateContractPayload{
		Address:     cell,
		ReceiveName: "cell.outer",
	})
	require.NoError(t, err)

	// The resumed outer sees the reentrant write, not its stale snapshot.
	assert.Equal(t, []byte{2}, res.ReturnValue)
	inst, _ := c.GetContract(cell)
	assert.Equal(t, types.ContractState{2}, inst.State)
}

func TestSiblingCommitRetained(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)

	cellSrc := []byte("cell-v3")
	eng.RegisterInit(cellSrc, "cell", func(*scripted.InitEnv) (types.ContractState, error) {
		return types.ContractState{0}, nil
	})
	eng.RegisterReceive(cellSrc, "cell", "set", func(env *scripted.Env) ([]byte, error) {
		env.SetState([]byte{7})
		return nil, nil
	})
	eng.RegisterReceive(cellSrc, "cell", "fail", func(*scripted.Env) ([]byte, error) {
		return nil, scripted.Reject(-2)
	})
	cell := initContract(t, c, acc, cellSrc, "cell", 0)

	driverSrc := []byte("driver-v1")
	eng.RegisterInit(driverSrc, "driver", func(*scripted.InitEnv) (types.ContractState, error) {
		return nil, nil
	})
	eng.RegisterReceive(driverSrc, "driver", "run", func(env *scripted.Env) ([]byte, error) {
		var addr types.ContractAddress
		addr.Index = binary.LittleEndian.Uint64(env.Parameter())
		if _, err := env.Invoke(addr, "set", nil, 0); err != nil {
			return nil, err
		}
		if _, err := env.Invoke(addr, "fail", nil, 0); err == nil {
			return nil, scripted.Reject(-3)
		}
		return nil, nil
	})
	driver := initContract(t, c, acc, driverSrc, "driver", 0)

	res, err := c.ContractUpdate(acc, types.AddressAccount(acc), testEnergy, UpdateContractPayload{
		Address:     driver,
		ReceiveName: "driver.run",
		Parameter:   u64le(cell.Index),
	})
	require.NoError(t, err)

	// The first sibling committed before the second rolled back.
	inst, _ := c.GetContract(cell)
	assert.Equal(t, types.ContractState{7}, inst.State)

	kinds := make([]TraceKind, len(res.Trace))
	for i, el := range res.Trace {
		kinds[i] = el.Kind
	}
	assert.Equal(t, []TraceKind{
		TraceInterrupted, TraceUpdated, TraceResumed,
		TraceInterrupted, TraceResumed,
		TraceUpdated,
	}, kinds)
	assert.True(t, res.Trace[2].Success)
	assert.False(t, res.Trace[4].Success)
}

func TestReentrancyFib(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)
	src := []byte("fib-v1")
	eng.RegisterInit(src, "fib", func(*scripted.InitEnv) (types.ContractState, error) {
		return types.ContractState(u64le(0)), nil
	})
	eng.RegisterReceive(src, "fib", "compute", func(env *scripted.Env) ([]byte, error) {
		n := binary.LittleEndian.Uint64(env.Parameter())
		if n <= 1 {
			env.SetState(u64le(1))
			return u64le(1), nil
		}
		a, err := env.Invoke(env.SelfAddress(), "compute", u64le(n-1), 0)
		if err != nil {
			return nil, err
		}
		b, err := env.Invoke(env.SelfAddress(), "compute", u64le(n-2), 0)
		if err != nil {
			return nil, err
		}
		sum := binary.LittleEndian.Uint64(a) + binary.LittleEndian.Uint64(b)
		env.SetState(u64le(sum))
		return u64le(sum), nil
	})
	fib := initContract(t, c, acc, src, "fib", 0)

	res, err := c.ContractUpdate(acc, types.AddressAccount(acc), 1_000_000, UpdateContractPayload{
		Address:     fib,
		ReceiveName: "fib.compute",
		Parameter:   u64le(6),
	})
	require.NoError(t, err)
	assert.Equal(t, u64le(13), res.ReturnValue)
	inst, _ := c.GetContract(fib)
	assert.Equal(t, types.ContractState(u64le(13)), inst.State)
}

func TestBalanceQueries(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)
	src := []byte("query-v1")
	eng.RegisterInit(src, "query", func(*scripted.InitEnv) (types.ContractState, error) {
		return nil, nil
	})
	eng.RegisterReceive(src, "query", "self", func(env *scripted.Env) ([]byte, error) {
		balance, err := env.ContractBalance(env.SelfAddress())
		if err != nil {
			return nil, err
		}
		return u64le(balance.Micro()), nil
	})
	eng.RegisterReceive(src, "query", "invoker", func(env *scripted.Env) ([]byte, error) {
		balance, err := env.AccountBalance(env.Invoker())
		if err != nil {
			return nil, err
		}
		return u64le(balance.Micro()), nil
	})
	eng.RegisterReceive(src, "query", "missing", func(env *scripted.Env) ([]byte, error) {
		if _, err := env.AccountBalance(accAddr(77)); err != nil {
			return nil, scripted.Reject(-2)
		}
		return nil, nil
	})
	query := initContract(t, c, acc, src, "query", 0)
	sender := types.AddressAccount(acc)

	// The self balance includes the amount carried by the call.
	res, err := c.ContractUpdate(acc, sender, testEnergy, UpdateContractPayload{
		Amount:      types.AmountFromMicro(300),
		Address:     query,
		ReceiveName: "query.self",
	})
	require.NoError(t, err)
	assert.Equal(t, u64le(300), res.ReturnValue)

	// The invoker's visible balance excludes the whole energy reservation,
	// not just what execution ends up costing.
	invokerBefore, _ := c.AccountBalanceAvailable(acc)
	res, err = c.ContractUpdate(acc, sender, testEnergy, UpdateContractPayload{
		Address:     query,
		ReceiveName: "query.invoker",
	})
	require.NoError(t, err)
	assert.Equal(t, u64le((invokerBefore - feeOf(testEnergy)).Micro()), res.ReturnValue)

	_, err = c.ContractUpdate(acc, sender, testEnergy, UpdateContractPayload{
		Address:     query,
		ReceiveName: "query.missing",
	})
	assert.Equal(t, int32(-2), rejectReason(t, err))
}

func TestUpgrade(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)

	srcV2 := []byte("up-v2")
	refV2 := eng.RegisterReceive(srcV2, "up", "ping", func(*scripted.Env) ([]byte, error) {
		return []byte("v2"), nil
	})
	_, err := c.ModuleDeploy(acc, srcV2)
	require.NoError(t, err)

	srcV1 := []byte("up-v1")
	eng.RegisterInit(srcV1, "up", func(*scripted.InitEnv) (types.ContractState, error) {
		return nil, nil
	})
	eng.RegisterReceive(srcV1, "up", "go", func(env *scripted.Env) ([]byte, error) {
		if err := env.Upgrade(types.ModuleReferenceOf([]byte("up-v2"))); err != nil {
			return nil, err
		}
		// Calls after the upgrade already dispatch against the new module.
		return env.Invoke(env.SelfAddress(), "ping", nil, 0)
	})
	up := initContract(t, c, acc, srcV1, "up", 0)
	sender := types.AddressAccount(acc)

	res, err := c.ContractUpdate(acc, sender, testEnergy, UpdateContractPayload{
		Address:     up,
		ReceiveName: "up.go",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), res.ReturnValue)
	assert.True(t, res.StateChanged) // a module swap counts as a modification
	inst, _ := c.GetContract(up)
	assert.Equal(t, refV2, inst.Module)

	var kinds []TraceKind
	for _, el := range res.Trace {
		kinds = append(kinds, el.Kind)
	}
	assert.Contains(t, kinds, TraceUpgraded)
}

func TestUpgradeToMissingModule(t *testing.T) {
	eng := scripted.New()
	c := NewChain(eng)
	acc := fund(t, c, 1)

	src := []byte("upbad-v1")
	eng.RegisterInit(src, "up", func(*scripted.InitEnv) (types.ContractState, error) {
		return nil, nil
	})
	ref := eng.RegisterReceive(src, "up", "bad", func(env *scripted.Env) ([]byte, error) {
		if err := env.Upgrade(types.ModuleReference{0xde, 0xad}); err != nil {
			return nil, scripted.Reject(-9)
		}
		return nil, nil
	})
	up := initContract(t, c, acc, src, "up", 0)

	_, err := c.ContractUpdate(acc, types.AddressAccount(acc), testEnergy, UpdateContractPayload{
		Address:     up,
		ReceiveName: "up.bad",
	})
	assert.Equal(t, int32(-9), rejectReason(t, err))
	inst, _ := c.GetContract(up)
	assert.Equal(t, ref, inst.Module)
}
