package scripted

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tos-network/chaintest/engine"
	"github.com/tos-network/chaintest/types"
)

func receiveCtx(ref types.ModuleReference) engine.ReceiveContext {
	return engine.ReceiveContext{
		Module:       ref,
		ContractName: "test",
		Entrypoint:   "run",
		SelfBalance:  types.AmountFromMicro(1000),
		State:        types.ContractState{1},
	}
}

func TestInvokeReceiveSuccess(t *testing.T) {
	eng := New()
	ref := eng.RegisterReceive([]byte("src"), "test", "run", func(env *Env) ([]byte, error) {
		env.SetState([]byte{2})
		env.Log([]byte("hello"))
		return []byte("done"), nil
	})

	out := eng.InvokeReceive(receiveCtx(ref), nil, 1000)
	success, ok := out.(engine.Success)
	require.True(t, ok, "outcome is %T", out)
	assert.Equal(t, []byte("done"), success.ReturnValue)
	assert.True(t, success.StateChanged)
	assert.Equal(t, types.ContractState{2}, success.NewState)
	require.Len(t, success.Logs, 1)
	assert.Equal(t, 1000-CostEntry-CostStateWrite-CostLog, success.RemainingEnergy)
}

func TestInvokeReceiveReject(t *testing.T) {
	eng := New()
	ref := eng.RegisterReceive([]byte("src"), "test", "run", func(*Env) ([]byte, error) {
		return nil, Reject(-7)
	})

	out := eng.InvokeReceive(receiveCtx(ref), nil, 1000)
	reject, ok := out.(engine.Reject)
	require.True(t, ok, "outcome is %T", out)
	assert.Equal(t, int32(-7), reject.Reason)
}

func TestInvokeReceiveTrapsOnPanic(t *testing.T) {
	eng := New()
	ref := eng.RegisterReceive([]byte("src"), "test", "run", func(*Env) ([]byte, error) {
		panic("boom")
	})

	out := eng.InvokeReceive(receiveCtx(ref), nil, 1000)
	_, ok := out.(engine.Trap)
	require.True(t, ok, "outcome is %T", out)

	// An unregistered entrypoint traps too.
	out = eng.InvokeReceive(engine.ReceiveContext{Module: ref, ContractName: "test", Entrypoint: "gone"}, nil, 1000)
	_, ok = out.(engine.Trap)
	assert.True(t, ok, "outcome is %T", out)
}

func TestInvokeReceiveOutOfEnergy(t *testing.T) {
	eng := New()
	ref := eng.RegisterReceive([]byte("src"), "test", "run", func(env *Env) ([]byte, error) {
		env.ChargeEnergy(1 << 40)
		return nil, nil
	})

	out := eng.InvokeReceive(receiveCtx(ref), nil, 1000)
	_, ok := out.(engine.OutOfEnergy)
	require.True(t, ok, "outcome is %T", out)
	assert.Zero(t, out.Remaining())
}

func TestInterruptResume(t *testing.T) {
	eng := New()
	to := types.AccountAddress{0x01}
	ref := eng.RegisterReceive([]byte("src"), "test", "run", func(env *Env) ([]byte, error) {
		env.SetState([]byte{9})
		if err := env.Transfer(to, types.AmountFromMicro(10)); err != nil {
			return nil, err
		}
		// The refreshed view replaced the locally cached one.
		return append(env.State(), byte(env.SelfBalance().Micro())), nil
	})

	out := eng.InvokeReceive(receiveCtx(ref), nil, 1000)
	interrupt, ok := out.(engine.Interrupt)
	require.True(t, ok, "outcome is %T", out)
	req, ok := interrupt.Request.(engine.TransferRequest)
	require.True(t, ok, "request is %T", interrupt.Request)
	assert.Equal(t, to, req.To)

	// The pending write travels with the interrupt.
	assert.True(t, interrupt.StateChanged)
	assert.Equal(t, types.ContractState{9}, interrupt.State)

	out = eng.Resume(interrupt.Suspension, &engine.InvokeResponse{}, engine.ResumeView{
		State:       types.ContractState{42},
		SelfBalance: types.AmountFromMicro(77),
	}, interrupt.RemainingEnergy)
	success, ok := out.(engine.Success)
	require.True(t, ok, "outcome is %T", out)
	assert.Equal(t, []byte{42, 77}, success.ReturnValue)
	// Nothing was written after the boundary, so the final outcome does
	// not re-report the earlier write.
	assert.False(t, success.StateChanged)
}

func TestInterruptFailureResponse(t *testing.T) {
	eng := New()
	ref := eng.RegisterReceive([]byte("src"), "test", "run", func(env *Env) ([]byte, error) {
		if err := env.Transfer(types.AccountAddress{1}, 10); err != nil {
			return nil, Reject(-1)
		}
		return nil, nil
	})

	out := eng.InvokeReceive(receiveCtx(ref), nil, 1000)
	interrupt := out.(engine.Interrupt)
	out = eng.Resume(interrupt.Suspension, &engine.InvokeResponse{
		Failure: &engine.InvokeFailure{Kind: engine.FailureMissingAccount},
	}, engine.ResumeView{}, interrupt.RemainingEnergy)
	reject, ok := out.(engine.Reject)
	require.True(t, ok, "outcome is %T", out)
	assert.Equal(t, int32(-1), reject.Reason)
}

func TestDropAbandonsSuspension(t *testing.T) {
	eng := New()
	ref := eng.RegisterReceive([]byte("src"), "test", "run", func(env *Env) ([]byte, error) {
		_ = env.Transfer(types.AccountAddress{1}, 10)
		t.Error("script continued after drop")
		return nil, nil
	})

	out := eng.InvokeReceive(receiveCtx(ref), nil, 1000)
	interrupt := out.(engine.Interrupt)
	eng.Drop(interrupt.Suspension)
	// Dropping again is a no-op.
	eng.Drop(interrupt.Suspension)
}

func TestResumeTwicePanics(t *testing.T) {
	eng := New()
	ref := eng.RegisterReceive([]byte("src"), "test", "run", func(env *Env) ([]byte, error) {
		_ = env.Transfer(types.AccountAddress{1}, 10)
		return nil, nil
	})

	out := eng.InvokeReceive(receiveCtx(ref), nil, 1000)
	interrupt := out.(engine.Interrupt)
	out = eng.Resume(interrupt.Suspension, &engine.InvokeResponse{}, engine.ResumeView{}, interrupt.RemainingEnergy)
	if _, ok := out.(engine.Success); !ok {
		t.Fatalf("outcome is %T", out)
	}
	assert.Panics(t, func() {
		eng.Resume(interrupt.Suspension, &engine.InvokeResponse{}, engine.ResumeView{}, 0)
	})
}

func TestInvokeInit(t *testing.T) {
	eng := New()
	ref := eng.RegisterInit([]byte("src"), "test", func(env *InitEnv) (types.ContractState, error) {
		if len(env.Parameter()) == 0 {
			return nil, Reject(-3)
		}
		env.Log([]byte("created"))
		return types.ContractState(env.Parameter()), nil
	})
	ctx := engine.InitContext{Module: ref, ContractName: "test"}

	out := eng.InvokeInit(ctx, []byte{5}, 1000)
	success, ok := out.(engine.Success)
	require.True(t, ok, "outcome is %T", out)
	assert.Equal(t, types.ContractState{5}, success.NewState)
	require.Len(t, success.Logs, 1)

	out = eng.InvokeInit(ctx, nil, 1000)
	reject, ok := out.(engine.Reject)
	require.True(t, ok, "outcome is %T", out)
	assert.Equal(t, int32(-3), reject.Reason)

	out = eng.InvokeInit(engine.InitContext{Module: ref, ContractName: "nope"}, nil, 1000)
	_, ok = out.(engine.Trap)
	assert.True(t, ok, "outcome is %T", out)
}
