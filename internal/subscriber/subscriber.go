// Package subscriber implements the RT Subscriber façade: heart-beat
// dispatch of input message boxes to a user step callback, and output
// message boxes for downstream readers.
package subscriber

import (
	"sync/atomic"

	"github.com/s2opc-rt/pubsubcore/internal/mbx"
	"github.com/s2opc-rt/pubsubcore/internal/status"
)

// StepFunc is the user callback invoked once per event popped from an
// input pin during HeartBeat. It is expected to call OutputWrite (or the
// zero-copy begin/end pair) on the Subscriber to publish downstream.
type StepFunc func(sub *Subscriber, globalCtx, inputCtx any, pin int, payload []byte)

// InputSpec configures one input pin.
type InputSpec struct {
	MaxEvents  int
	MaxPayload int
	Mode       mbx.Mode
	Ctx        any
}

// OutputSpec configures one output pin.
type OutputSpec struct {
	MaxClients int
	MaxEvents  int
	MaxPayload int
}

// Initializer collects input/output pin specs plus the single step
// callback and global context shared by every input.
type Initializer struct {
	globalCtx any
	onStep    StepFunc
	inputs    []InputSpec
	outputs   []OutputSpec
}

// NewInitializer creates a builder for one subscriber's pins.
func NewInitializer(globalCtx any, onStep StepFunc) *Initializer {
	return &Initializer{globalCtx: globalCtx, onStep: onStep}
}

// AddInput appends an input pin and returns its index.
func (b *Initializer) AddInput(spec InputSpec) int {
	idx := len(b.inputs)
	b.inputs = append(b.inputs, spec)
	return idx
}

// AddOutput appends an output pin and returns its index.
func (b *Initializer) AddOutput(spec OutputSpec) int {
	idx := len(b.outputs)
	b.outputs = append(b.outputs, spec)
	return idx
}

// Subscriber owns one MBX per input pin and one MBX per output pin.
type Subscriber struct {
	globalCtx  any
	onStep     StepFunc
	inputs     []*mbx.MsgBox
	inputMode  []mbx.Mode
	inputCtx   []any
	outputs    []*mbx.MsgBox
	inUse      atomic.Int64 // held incremented across OutputRead/teardown-sensitive brackets
}

// New creates an uninitialized Subscriber.
func New() *Subscriber {
	return &Subscriber{}
}

const inputClient = 0 // a subscriber's tick context is the sole reader of any input pin

// Initialize allocates the input and output message boxes described by
// init and records its step callback and global context.
func (s *Subscriber) Initialize(init *Initializer) error {
	inputs := make([]*mbx.MsgBox, len(init.inputs))
	modes := make([]mbx.Mode, len(init.inputs))
	ctxs := make([]any, len(init.inputs))
	for i, spec := range init.inputs {
		mb, err := mbx.New(1, spec.MaxEvents, spec.MaxPayload)
		if err != nil {
			return err
		}
		inputs[i] = mb
		modes[i] = spec.Mode
		ctxs[i] = spec.Ctx
	}

	outputs := make([]*mbx.MsgBox, len(init.outputs))
	for i, spec := range init.outputs {
		mb, err := mbx.New(spec.MaxClients, spec.MaxEvents, spec.MaxPayload)
		if err != nil {
			return err
		}
		outputs[i] = mb
	}

	s.inputs = inputs
	s.inputMode = modes
	s.inputCtx = ctxs
	s.outputs = outputs
	s.globalCtx = init.globalCtx
	s.onStep = init.onStep
	return nil
}

// InputWrite is the entry point for external writers (a network receive
// thread, a transport adapter) feeding pin's input box.
func (s *Subscriber) InputWrite(pin int, data []byte) error {
	mb, err := s.inputAt(pin)
	if err != nil {
		return err
	}
	return mb.Push(data)
}

// HeartBeat drains every input pin according to its configured read mode,
// invoking the step callback for each event obtained. It continues
// processing every input even after one reports an error and returns the
// last non-nil error observed, matching the core's "continue across
// inputs" contract.
func (s *Subscriber) HeartBeat() error {
	var lastErr error
	for i, mb := range s.inputs {
		if err := s.drainInput(i, mb); err != nil && err != mbx.ErrEmpty {
			lastErr = err
		}
	}
	return lastErr
}

func (s *Subscriber) drainInput(pin int, mb *mbx.MsgBox) error {
	tok, err := mb.PopBegin(inputClient)
	if err != nil {
		return err
	}
	defer mb.PopEnd(tok)

	mode := s.inputMode[pin]
	for {
		ev, err := mb.PopGet(tok, inputClient, mode)
		if err != nil {
			if err == mbx.ErrEmpty {
				return nil
			}
			return err
		}
		if s.onStep != nil {
			s.onStep(s, s.globalCtx, s.inputCtx[pin], pin, ev.Payload)
		}
		if mode == mbx.Latest {
			// Latest is idempotent peek; looping again would spin forever
			// since the cursor never advances.
			return nil
		}
	}
}

func (s *Subscriber) inputAt(pin int) (*mbx.MsgBox, error) {
	if pin < 0 || pin >= len(s.inputs) {
		return nil, status.ErrBadArg
	}
	return s.inputs[pin], nil
}

func (s *Subscriber) outputAt(pin int) (*mbx.MsgBox, error) {
	if pin < 0 || pin >= len(s.outputs) {
		return nil, status.ErrBadArg
	}
	return s.outputs[pin], nil
}

// OutputWrite publishes data to pin via the copy path. Called by step
// callbacks (on the tick thread) or by any other producer of downstream
// data.
func (s *Subscriber) OutputWrite(pin int, data []byte) error {
	mb, err := s.outputAt(pin)
	if err != nil {
		return err
	}
	return mb.Push(data)
}

// OutputWriteBegin opens a zero-copy write session over pin, returning a
// buffer to fill. Must be paired with OutputWriteEnd.
func (s *Subscriber) OutputWriteBegin(pin int) ([]byte, error) {
	mb, err := s.outputAt(pin)
	if err != nil {
		return nil, err
	}
	return mb.WriteBegin()
}

// OutputWriteEnd commits (or cancels) the session opened by
// OutputWriteBegin, publishing n significant bytes.
func (s *Subscriber) OutputWriteEnd(pin, n int, cancel bool) error {
	mb, err := s.outputAt(pin)
	if err != nil {
		return err
	}
	if !cancel {
		if err := mb.WriteSetLen(n); err != nil {
			return err
		}
	}
	return mb.WriteEnd(cancel)
}

// OutputReadBegin pins pin's latest event for an out-of-tick reader,
// holding the subscriber's use-counter (reported by InUse) incremented for
// the duration of the bracket. The reader's client id is passed to
// OutputRead, not here.
func (s *Subscriber) OutputReadBegin(pin int) (mbx.Token, error) {
	mb, err := s.outputAt(pin)
	if err != nil {
		return mbx.Token{}, err
	}
	s.inUse.Add(1)
	tok, err := mb.PopBegin(0)
	if err != nil {
		s.inUse.Add(-1)
		return mbx.Token{}, err
	}
	return tok, nil
}

// OutputRead pops the next event for clientID from pin under mode.
func (s *Subscriber) OutputRead(pin int, clientID int, tok mbx.Token, mode mbx.Mode) (mbx.Event, error) {
	mb, err := s.outputAt(pin)
	if err != nil {
		return mbx.Event{}, err
	}
	return mb.PopGet(tok, clientID, mode)
}

// OutputReadEnd releases the bracket opened by OutputReadBegin.
func (s *Subscriber) OutputReadEnd(pin int, tok mbx.Token) error {
	mb, err := s.outputAt(pin)
	if err != nil {
		return err
	}
	err = mb.PopEnd(tok)
	s.inUse.Add(-1)
	return err
}

// InUse reports the number of OutputReadBegin/OutputReadEnd brackets
// currently open, for callers that want to wait out in-flight readers
// before tearing the subscriber down.
func (s *Subscriber) InUse() int64 { return s.inUse.Load() }

// NumInputs returns the number of configured input pins.
func (s *Subscriber) NumInputs() int { return len(s.inputs) }

// NumOutputs returns the number of configured output pins.
func (s *Subscriber) NumOutputs() int { return len(s.outputs) }
