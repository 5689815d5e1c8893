package irt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitializeRejectsZeroInstances(t *testing.T) {
	t.Parallel()
	tm := New()
	require.ErrorIs(t, tm.Initialize(0, 8), ErrBadArg)
}

func TestDoubleInitializeFails(t *testing.T) {
	t.Parallel()
	tm := New()
	require.NoError(t, tm.Initialize(1, 8))
	require.ErrorIs(t, tm.Initialize(1, 8), ErrNok)
}

func TestDeInitializeRequiresInitialized(t *testing.T) {
	t.Parallel()
	tm := New()
	require.ErrorIs(t, tm.DeInitialize(), ErrInvalidState)

	require.NoError(t, tm.Initialize(1, 8))
	require.NoError(t, tm.DeInitialize())
	require.ErrorIs(t, tm.DeInitialize(), ErrInvalidState)
}

func TestInstanceInitRejectsOutOfRangeID(t *testing.T) {
	t.Parallel()
	tm := New()
	require.NoError(t, tm.Initialize(1, 8))
	require.ErrorIs(t, tm.InstanceInit(1, 1, 0, nil, nil, nil, nil, Disabled), ErrBadArg)
}

// Verifies the start/elapsed/stop edge sequence against a hand-traced tick
// schedule: period=3, offset=0 elapses on ticks whose absolute value is a
// multiple of 3, and start/stop only fire on the tick where Update first
// observes the configuration change armed by Start/Stop.
func TestStartElapsedStopEdgeSequence(t *testing.T) {
	t.Parallel()
	tm := New()
	require.NoError(t, tm.Initialize(1, 4))

	var starts, stops int
	var elapsed [][]byte
	cbStart := func(id uint32, ctx any) { starts++ }
	cbStop := func(id uint32, ctx any) { stops++ }
	cbElapsed := func(id uint32, ctx any, data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)
		elapsed = append(elapsed, cp)
	}

	require.NoError(t, tm.InstanceInit(0, 3, 0, nil, cbStart, cbElapsed, cbStop, Disabled))
	require.NoError(t, tm.Start(0))

	require.NoError(t, tm.Update(1))
	require.Equal(t, 1, starts)
	require.Empty(t, elapsed)

	require.NoError(t, tm.Update(2))
	require.Equal(t, 1, starts)
	require.Empty(t, elapsed)

	require.NoError(t, tm.SetData(0, []byte("ab")))
	require.NoError(t, tm.Update(3))
	require.Len(t, elapsed, 1)
	require.Equal(t, "ab", string(elapsed[0]))
	require.Zero(t, stops)

	require.NoError(t, tm.Stop(0))
	require.NoError(t, tm.Update(4))
	require.Equal(t, 1, stops)
	require.Equal(t, 1, starts)
	require.Len(t, elapsed, 1) // disabled instances never elapse
}

func TestUpdateDetects32BitWraparound(t *testing.T) {
	t.Parallel()
	tm := New()
	require.NoError(t, tm.Initialize(1, 4))

	require.NoError(t, tm.Update(0xFFFFFFF0))
	require.Equal(t, uint64(0xFFFFFFF0), tm.ticks.Load())

	require.NoError(t, tm.Update(5))
	require.Equal(t, uint64(0x100000005), tm.ticks.Load())

	// A second wrap must carry into the high bits again, not saturate.
	require.NoError(t, tm.Update(0xFFFFFFFF))
	require.NoError(t, tm.Update(7))
	require.Equal(t, uint64(0x200000007), tm.ticks.Load())
}

func TestUpdateRejectsReentrantCall(t *testing.T) {
	t.Parallel()
	tm := New()
	require.NoError(t, tm.Initialize(1, 4))

	tm.tickGate.Store(int32(instReserved))
	require.ErrorIs(t, tm.Update(1), ErrInvalidState)
	tm.tickGate.Store(int32(instNotUsed))

	require.NoError(t, tm.Update(1))
}

func TestDataHandleRoundTripFeedsElapsedCallback(t *testing.T) {
	t.Parallel()
	tm := New()
	require.NoError(t, tm.Initialize(1, 8))

	var got []byte
	cbElapsed := func(id uint32, ctx any, data []byte) {
		got = append([]byte(nil), data...)
	}
	require.NoError(t, tm.InstanceInit(0, 1, 0, nil, nil, cbElapsed, nil, Enabled))

	h := tm.NewDataHandle(0)
	require.NoError(t, h.Init())
	_, _, buf := h.Get()
	n := copy(buf, "hello")
	require.NoError(t, h.SetLen(n))
	require.NoError(t, h.End(false))

	require.NoError(t, tm.Update(1))
	require.Equal(t, "hello", string(got))
}

func TestDataHandleCancelDoesNotPublish(t *testing.T) {
	t.Parallel()
	tm := New()
	require.NoError(t, tm.Initialize(1, 8))

	var seen [][]byte
	cbElapsed := func(id uint32, ctx any, data []byte) {
		seen = append(seen, append([]byte(nil), data...))
	}
	require.NoError(t, tm.InstanceInit(0, 1, 0, nil, nil, cbElapsed, nil, Enabled))

	h := tm.NewDataHandle(0)
	require.NoError(t, h.Init())
	_, _, buf := h.Get()
	copy(buf, "nope")
	require.NoError(t, h.SetLen(4))
	require.NoError(t, h.End(true))

	require.NoError(t, tm.Update(1))
	require.Len(t, seen, 1)
	require.Empty(t, seen[0])

	h2 := tm.NewDataHandle(0)
	require.NoError(t, h2.Init())
	_, _, buf2 := h2.Get()
	n := copy(buf2, "real")
	require.NoError(t, h2.SetLen(n))
	require.NoError(t, h2.End(false))

	require.NoError(t, tm.Update(2))
	require.Len(t, seen, 2)
	require.Equal(t, "real", string(seen[1]))
}

func TestSetDataRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	tm := New()
	require.NoError(t, tm.Initialize(1, 2))
	require.NoError(t, tm.InstanceInit(0, 1, 0, nil, nil, nil, nil, Disabled))

	require.ErrorIs(t, tm.SetData(0, []byte("abc")), ErrOverflow)
}

func TestLastStatusReflectsConfiguration(t *testing.T) {
	t.Parallel()
	tm := New()
	require.NoError(t, tm.Initialize(1, 4))
	require.NoError(t, tm.InstanceInit(0, 1, 0, nil, nil, nil, nil, Disabled))

	s, err := tm.LastStatus(0)
	require.NoError(t, err)
	require.Equal(t, Disabled, s)

	require.NoError(t, tm.Start(0))
	s, err = tm.LastStatus(0)
	require.NoError(t, err)
	require.Equal(t, Enabled, s)
}
