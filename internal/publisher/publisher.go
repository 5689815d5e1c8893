// Package publisher implements the RT Publisher façade: configuration and
// data-publication over one IRT, with one message per IRT instance and a
// zero-copy data handle per message for the application side.
package publisher

import (
	"github.com/s2opc-rt/pubsubcore/internal/irt"
	"github.com/s2opc-rt/pubsubcore/internal/status"
)

// StartFunc fires when message id transitions from disabled to enabled.
type StartFunc func(msgID uint32, ctx any)

// StopFunc fires when message id transitions from enabled to disabled.
type StopFunc func(msgID uint32, ctx any)

// SendFunc fires when message id's period elapses, with its most recently
// published payload.
type SendFunc func(msgID uint32, ctx any, payload []byte)

// Descriptor is one message's configuration, accumulated into an
// Initializer before Publisher.Initialize allocates the backing IRT.
type Descriptor struct {
	Period, Offset uint32
	Ctx            any
	OnStart        StartFunc
	OnElapsed      SendFunc
	OnStop         StopFunc
	InitialEnabled bool
}

// Initializer is an append-only builder: it accumulates per-message
// descriptors and assigns sequential message ids in AddMessage's call
// order.
type Initializer struct {
	maxMessageSize uint32
	descriptors    []Descriptor
}

// NewInitializer creates a builder sharing maxMessageSize across every
// message it will accumulate.
func NewInitializer(maxMessageSize uint32) *Initializer {
	return &Initializer{maxMessageSize: maxMessageSize}
}

// AddMessage appends d and returns its assigned message id.
func (b *Initializer) AddMessage(d Descriptor) uint32 {
	id := uint32(len(b.descriptors))
	b.descriptors = append(b.descriptors, d)
	return id
}

// Publisher owns one IRT and one data handle per message.
type Publisher struct {
	irt     *irt.Timer
	handles []*irt.DataHandle
}

// New creates an uninitialized Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Initialize allocates the IRT for len(init.descriptors) messages, each up
// to init.maxMessageSize bytes, configures every instance, and creates a
// reusable data handle per message for the zero-copy write path.
func (p *Publisher) Initialize(init *Initializer) error {
	t := irt.New()
	if err := t.Initialize(uint32(len(init.descriptors)), init.maxMessageSize); err != nil {
		return err
	}

	handles := make([]*irt.DataHandle, len(init.descriptors))
	for id, d := range init.descriptors {
		initStatus := irt.Disabled
		if d.InitialEnabled {
			initStatus = irt.Enabled
		}
		err := t.InstanceInit(uint32(id), d.Period, d.Offset, d.Ctx,
			irt.StartFunc(d.OnStart), toElapsed(d.OnElapsed), irt.StopFunc(d.OnStop), initStatus)
		if err != nil {
			return err
		}
		handles[id] = t.NewDataHandle(uint32(id))
	}

	p.irt = t
	p.handles = handles
	return nil
}

func toElapsed(f SendFunc) irt.ElapsedFunc {
	if f == nil {
		return nil
	}
	return func(id uint32, ctx any, data []byte) { f(id, ctx, data) }
}

// GetMessageStatus reports whether msgID is currently enabled or disabled.
func (p *Publisher) GetMessageStatus(msgID uint32) (irt.InstanceStatus, error) {
	return p.irt.LastStatus(msgID)
}

// SetMessageValue publishes data as msgID's payload via the copy path.
// ErrOverflow if data exceeds the message's configured maximum size.
func (p *Publisher) SetMessageValue(msgID uint32, data []byte) error {
	return p.irt.SetData(msgID, data)
}

// WriteView is a zero-copy write session returned by GetBuffer; it must be
// released by ReleaseBuffer.
type WriteView struct {
	handle  *irt.DataHandle
	Buf     []byte
	MaxSize int
}

func (p *Publisher) handleFor(msgID uint32) (*irt.DataHandle, error) {
	if int(msgID) >= len(p.handles) {
		return nil, status.ErrBadArg
	}
	return p.handles[msgID], nil
}

// GetBuffer opens a zero-copy write session over msgID's payload buffer.
func (p *Publisher) GetBuffer(msgID uint32) (WriteView, error) {
	h, err := p.handleFor(msgID)
	if err != nil {
		return WriteView{}, err
	}
	if err := h.Init(); err != nil {
		return WriteView{}, err
	}
	maxSize, _, buf := h.Get()
	return WriteView{handle: h, Buf: buf, MaxSize: maxSize}, nil
}

// ReleaseBuffer closes a session opened by GetBuffer, publishing n
// significant bytes of view.Buf unless cancel is set.
func (p *Publisher) ReleaseBuffer(view WriteView, n int, cancel bool) error {
	if view.handle == nil {
		return status.ErrInvalidState
	}
	if !cancel {
		if err := view.handle.SetLen(n); err != nil {
			return err
		}
	}
	return view.handle.End(cancel)
}

// HeartBeat forwards externalTick to the underlying IRT, intended to be
// called from the RT thread at a fixed cadence.
func (p *Publisher) HeartBeat(externalTick uint32) error {
	return p.irt.Update(externalTick)
}
