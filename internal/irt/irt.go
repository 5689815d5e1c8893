// Package irt implements the interrupt timer: a tick-driven scheduler that
// evaluates up to N independent timer instances on every external tick and
// invokes user callbacks on start, period-elapsed, and stop edges.
//
// Configuration (period, offset, enabled/disabled, callbacks, user context)
// is published by copy-on-write generations behind an atomic.Pointer, the
// same lock-free-register idea as dbo.DoubleBuffer but sized for arbitrary
// Go values rather than raw bytes — callbacks and a user context cannot be
// serialized into a byte-oriented double buffer. Per-instance published
// data (the payload handed to the elapsed callback) is raw bytes and does
// use a 2-slot dbo.DoubleBuffer directly.
//
// The workspace status is a single atomic counter whose value also encodes
// "how many API calls are currently in flight" once the workspace is
// initialized, so Initialize/DeInitialize can detect "nobody is using this
// instance API right now" with one compare-and-swap instead of a separate
// refcount.
package irt

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/s2opc-rt/pubsubcore/internal/dbo"
	"github.com/s2opc-rt/pubsubcore/internal/status"
)

// dataLenPrefix is the size of the big-endian length prefix stored in the
// same DBO bank as an instance's published bytes, so a commit publishes the
// length and the payload atomically together.
const dataLenPrefix = 4

var (
	// ErrBadArg marks an invalid instance id or out-of-range argument.
	ErrBadArg = status.ErrBadArg
	// ErrInvalidState marks a call made while the workspace or the target
	// instance is already in use by another caller.
	ErrInvalidState = status.ErrInvalidState
	// ErrNok marks a call made on a workspace that is not initialized, or
	// an Initialize call on a workspace that already is.
	ErrNok = status.ErrNok
	// ErrOverflow marks a published data size exceeding the instance's
	// configured maximum; the committed state is left unchanged.
	ErrOverflow = status.ErrOverflow
)

// InstanceStatus is the enabled/disabled state of a timer instance.
type InstanceStatus int32

const (
	Disabled InstanceStatus = iota
	Enabled
)

// StartFunc is invoked when an instance transitions from Disabled to Enabled.
type StartFunc func(instanceID uint32, userCtx any)

// StopFunc is invoked when an instance transitions from Enabled to Disabled.
type StopFunc func(instanceID uint32, userCtx any)

// ElapsedFunc is invoked when an enabled instance's period elapses, with the
// most recently published payload for that instance.
type ElapsedFunc func(instanceID uint32, userCtx any, data []byte)

// wsState is the workspace sync status. Values above wsInitialized are not
// distinct states: they mean "initialized, with (value - wsInitialized)
// instance-API calls currently in flight".
type wsState int32

const (
	wsNotInitialized wsState = iota
	wsInitializing
	wsDeinitializing
	wsInitialized
)

// instState is the per-instance sync status guarding configuration and data
// handle access against concurrent calls on the same instance.
type instState int32

const (
	instNotUsed instState = iota
	instReserving
	instReserved
	instReleasing
)

const mask32 = 0xFFFFFFFF

type instanceConfig struct {
	status    InstanceStatus
	period    uint32
	offset    uint32
	userCtx   any
	cbStart   StartFunc
	cbElapsed ElapsedFunc
	cbStop    StopFunc
}

type instance struct {
	sync       atomic.Int32
	cfg        atomic.Pointer[instanceConfig]
	prevStatus InstanceStatus // touched only by Update, which is single-flight
	data       *dbo.DoubleBuffer
	maxPayload int
}

// Timer is an interrupt timer workspace holding a fixed number of instances,
// each independently configurable and evaluated together on every Update.
type Timer struct {
	wsSync      atomic.Int32
	tickGate    atomic.Int32
	nbInstances uint32
	ticks       atomic.Uint64
	instances   []*instance
}

// New creates an uninitialized interrupt timer workspace.
func New() *Timer {
	return &Timer{}
}

func (t *Timer) incrementInUse() wsState {
	for {
		cur := t.wsSync.Load()
		next := cur
		if wsState(cur) >= wsInitialized {
			next = cur + 1
		}
		if t.wsSync.CompareAndSwap(cur, next) {
			return wsState(next)
		}
	}
}

func (t *Timer) decrementInUse() wsState {
	for {
		cur := t.wsSync.Load()
		next := cur
		if wsState(cur) > wsInitialized {
			next = cur - 1
		}
		if t.wsSync.CompareAndSwap(cur, next) {
			return wsState(next)
		}
	}
}

// Initialize allocates nbInstances timer instances, each able to publish up
// to maxInstanceDataSize bytes. Returns ErrInvalidState if the workspace is
// initializing, deinitializing, or already in use; ErrNok if it is already
// initialized.
func (t *Timer) Initialize(nbInstances, maxInstanceDataSize uint32) error {
	if nbInstances < 1 {
		return ErrBadArg
	}
	if !t.wsSync.CompareAndSwap(int32(wsNotInitialized), int32(wsInitializing)) {
		switch wsState(t.wsSync.Load()) {
		case wsDeinitializing, wsInitializing:
			return ErrInvalidState
		default:
			if wsState(t.wsSync.Load()) > wsInitialized {
				return ErrInvalidState
			}
			return ErrNok
		}
	}

	instances := make([]*instance, nbInstances)
	for i := range instances {
		d, err := dbo.New(2, dataLenPrefix+int(maxInstanceDataSize))
		if err != nil {
			t.wsSync.Store(int32(wsNotInitialized))
			return ErrNok
		}
		inst := &instance{data: d, maxPayload: int(maxInstanceDataSize)}
		inst.cfg.Store(&instanceConfig{status: Disabled})
		instances[i] = inst
	}

	t.nbInstances = nbInstances
	t.instances = instances
	t.wsSync.Store(int32(wsInitialized))
	return nil
}

// DeInitialize tears down the workspace. Returns ErrInvalidState if the
// workspace is not in the plain initialized state (initializing,
// deinitializing, or an instance API call is in flight).
func (t *Timer) DeInitialize() error {
	if !t.wsSync.CompareAndSwap(int32(wsInitialized), int32(wsDeinitializing)) {
		return ErrInvalidState
	}
	t.instances = nil
	t.nbInstances = 0
	t.wsSync.Store(int32(wsNotInitialized))
	return nil
}

func (t *Timer) instanceAt(id uint32) (*instance, error) {
	if id >= t.nbInstances {
		return nil, ErrBadArg
	}
	return t.instances[id], nil
}

// withInstance pins the workspace as in-use, acquires exclusive access to
// instance id, runs fn, then releases both in reverse order. It is the
// common guard shared by every per-instance configuration call.
func (t *Timer) withInstance(id uint32, fn func(*instance) error) error {
	cur := t.incrementInUse()
	defer t.decrementInUse()
	if cur <= wsInitialized {
		return ErrNok
	}
	inst, err := t.instanceAt(id)
	if err != nil {
		return err
	}
	if !inst.sync.CompareAndSwap(int32(instNotUsed), int32(instReserving)) {
		return ErrInvalidState
	}
	defer inst.sync.Store(int32(instNotUsed))
	return fn(inst)
}

func eraseInstanceData(inst *instance) error {
	slot, err := inst.data.GetWriteSlot()
	if err != nil {
		return err
	}
	inst.data.Erase(slot)
	return inst.data.ReleaseWrite(slot)
}

// InstanceInit (re)configures instance id, to be taken into account by the
// next Update call. Any previously published data is discarded.
func (t *Timer) InstanceInit(id uint32, period, offset uint32, userCtx any,
	cbStart StartFunc, cbElapsed ElapsedFunc, cbStop StopFunc, initStatus InstanceStatus) error {
	if initStatus != Disabled && initStatus != Enabled {
		return ErrBadArg
	}
	return t.withInstance(id, func(inst *instance) error {
		if err := eraseInstanceData(inst); err != nil {
			return err
		}
		inst.cfg.Store(&instanceConfig{
			status:    initStatus,
			period:    period,
			offset:    offset,
			userCtx:   userCtx,
			cbStart:   cbStart,
			cbElapsed: cbElapsed,
			cbStop:    cbStop,
		})
		return nil
	})
}

// InstanceDeInit forces instance id to a disabled, unconfigured state on the
// next Update, without invoking any intermediate callback.
func (t *Timer) InstanceDeInit(id uint32) error {
	return t.withInstance(id, func(inst *instance) error {
		if err := eraseInstanceData(inst); err != nil {
			return err
		}
		inst.cfg.Store(&instanceConfig{status: Disabled})
		return nil
	})
}

func (t *Timer) setStatus(id uint32, s InstanceStatus) error {
	return t.withInstance(id, func(inst *instance) error {
		old := inst.cfg.Load()
		next := *old
		next.status = s
		inst.cfg.Store(&next)
		return nil
	})
}

// Start arms instance id to switch to Enabled on the next Update.
func (t *Timer) Start(id uint32) error { return t.setStatus(id, Enabled) }

// Stop arms instance id to switch to Disabled on the next Update.
func (t *Timer) Stop(id uint32) error { return t.setStatus(id, Disabled) }

// SetPeriod arms a new period in ticks, taken into account on the next
// Update.
func (t *Timer) SetPeriod(id uint32, period uint32) error {
	return t.withInstance(id, func(inst *instance) error {
		old := inst.cfg.Load()
		next := *old
		next.period = period
		inst.cfg.Store(&next)
		return nil
	})
}

// SetOffset arms a new phase offset in ticks, taken into account on the next
// Update.
func (t *Timer) SetOffset(id uint32, offset uint32) error {
	return t.withInstance(id, func(inst *instance) error {
		old := inst.cfg.Load()
		next := *old
		next.offset = offset
		inst.cfg.Store(&next)
		return nil
	})
}

// SetCallbacks replaces the user context and all three callbacks, taken into
// account on the next Update.
func (t *Timer) SetCallbacks(id uint32, userCtx any, cbStart StartFunc, cbElapsed ElapsedFunc, cbStop StopFunc) error {
	return t.withInstance(id, func(inst *instance) error {
		old := inst.cfg.Load()
		next := *old
		next.userCtx = userCtx
		next.cbStart = cbStart
		next.cbElapsed = cbElapsed
		next.cbStop = cbStop
		inst.cfg.Store(&next)
		return nil
	})
}

// SetData publishes data as instance id's payload in one call, for callers
// who don't need the zero-copy DataHandle bracket.
func (t *Timer) SetData(id uint32, data []byte) error {
	return t.withInstance(id, func(inst *instance) error {
		if len(data) > inst.maxPayload {
			return ErrOverflow
		}
		slot, err := inst.data.GetWriteSlot()
		if err != nil {
			return err
		}
		buf := inst.data.ExposeWritePtr(slot, false)
		binary.BigEndian.PutUint32(buf[0:dataLenPrefix], uint32(len(data)))
		copy(buf[dataLenPrefix:], data)
		return inst.data.ReleaseWrite(slot)
	})
}

// LastStatus returns instance id's status as of the last committed
// configuration (not necessarily the status Update last observed).
func (t *Timer) LastStatus(id uint32) (InstanceStatus, error) {
	var s InstanceStatus
	err := t.withInstance(id, func(inst *instance) error {
		s = inst.cfg.Load().status
		return nil
	})
	return s, err
}

// DataHandle is a zero-copy write session over one instance's published
// data, pinning the instance (and the workspace, across the bracket) until
// End is called.
type DataHandle struct {
	t          *Timer
	instanceID uint32
	inst       *instance
	slot       dbo.SlotID
	full       []byte // whole bank: dataLenPrefix bytes of length, then payload
	buf        []byte // full[dataLenPrefix:], the payload area only
	length     int
	open       bool
}

// NewDataHandle creates a data handle bound to instance id. The handle must
// be opened with Init before Get/SetLen are valid, and closed with End.
func (t *Timer) NewDataHandle(instanceID uint32) *DataHandle {
	return &DataHandle{t: t, instanceID: instanceID}
}

// Init opens the write session, pinning the workspace as in-use for the
// entire Init..End bracket (not just this call) so a concurrent DeInitialize
// cannot tear down the workspace out from under an open handle.
func (h *DataHandle) Init() error {
	if h.open {
		return ErrInvalidState
	}
	t := h.t
	cur := t.incrementInUse()
	if cur <= wsInitialized {
		t.decrementInUse()
		return ErrNok
	}
	inst, err := t.instanceAt(h.instanceID)
	if err != nil {
		t.decrementInUse()
		return err
	}
	if !inst.sync.CompareAndSwap(int32(instNotUsed), int32(instReserving)) {
		t.decrementInUse()
		return ErrInvalidState
	}
	slot, err := inst.data.GetWriteSlot()
	if err != nil {
		inst.sync.Store(int32(instNotUsed))
		t.decrementInUse()
		return err
	}

	t.incrementInUse() // held until End: balances End's second decrement
	h.inst = inst
	h.slot = slot
	h.full = inst.data.ExposeWritePtr(slot, false)
	h.buf = h.full[dataLenPrefix:]
	h.length = 0
	h.open = true
	inst.sync.Store(int32(instReserved))
	t.decrementInUse()
	return nil
}

// Get returns the instance's maximum payload size, the length set so far in
// this session, and the write-only buffer to fill.
func (h *DataHandle) Get() (maxSize, curSize int, buf []byte) {
	return h.inst.maxPayload, h.length, h.buf
}

// SetLen records how many bytes of buf are significant.
func (h *DataHandle) SetLen(n int) error {
	if !h.open {
		return ErrInvalidState
	}
	if n < 0 || n > h.inst.maxPayload {
		return ErrBadArg
	}
	h.length = n
	return nil
}

// End closes the session: commits the published data unless cancel is true,
// always releasing both the instance and the workspace pin taken by Init.
func (h *DataHandle) End(cancel bool) error {
	if !h.open {
		return ErrInvalidState
	}
	t := h.t
	cur := t.incrementInUse()
	if cur <= wsInitialized {
		t.decrementInUse()
		return ErrNok
	}
	if !h.inst.sync.CompareAndSwap(int32(instReserved), int32(instReleasing)) {
		t.decrementInUse()
		return ErrInvalidState
	}

	var err error
	if cancel {
		h.inst.data.Erase(h.slot)
	} else if h.length > h.inst.maxPayload {
		err = ErrOverflow
	} else {
		binary.BigEndian.PutUint32(h.full[0:dataLenPrefix], uint32(h.length))
		err = h.inst.data.ReleaseWrite(h.slot)
	}

	h.open = false
	h.inst.sync.Store(int32(instNotUsed))
	t.decrementInUse() // balances Init's extra pin
	t.decrementInUse() // balances this call's own increment
	return err
}

// Update merges externalTick into the workspace's 64-bit tick counter,
// detecting a single 32-bit wraparound since the last call, then evaluates
// every instance: a status change to Enabled fires cbStart, a reached
// period fires cbElapsed with the instance's current published data, and a
// status change to Disabled fires cbStop. If an instance's published data
// cannot be read, its cbElapsed is skipped, the remaining instances are
// still evaluated, and the last such error is returned. Returns
// ErrInvalidState if a concurrent Update is already in flight.
func (t *Timer) Update(externalTick uint32) error {
	cur := t.incrementInUse()
	defer t.decrementInUse()
	if cur <= wsInitialized {
		return ErrNok
	}
	if !t.tickGate.CompareAndSwap(int32(instNotUsed), int32(instReserved)) {
		return ErrInvalidState
	}
	defer t.tickGate.Store(int32(instNotUsed))

	tick := uint64(externalTick)
	old := t.ticks.Load()
	high := old &^ mask32
	if tick < (old & mask32) {
		high += mask32 + 1
	}
	now := high | tick
	t.ticks.Store(now)

	var lastErr error
	for i, inst := range t.instances {
		cfg := inst.cfg.Load()
		changed := inst.prevStatus != cfg.status

		if changed && cfg.status == Enabled && cfg.cbStart != nil {
			cfg.cbStart(uint32(i), cfg.userCtx)
		}

		if cfg.status == Enabled && cfg.period > 0 && (now+uint64(cfg.offset))%uint64(cfg.period) == 0 {
			if cfg.cbElapsed != nil {
				if slot, _, err := inst.data.GetReadSlot(); err == nil {
					full := inst.data.ExposeReadPtr(slot)
					n := binary.BigEndian.Uint32(full[0:dataLenPrefix])
					if max := uint32(len(full) - dataLenPrefix); n > max {
						n = max
					}
					cfg.cbElapsed(uint32(i), cfg.userCtx, full[dataLenPrefix:dataLenPrefix+n])
					inst.data.ReleaseRead(slot)
				} else {
					lastErr = err
				}
			}
		}

		if changed && cfg.status == Disabled && cfg.cbStop != nil {
			cfg.cbStop(uint32(i), cfg.userCtx)
		}

		inst.prevStatus = cfg.status
	}
	return lastErr
}
