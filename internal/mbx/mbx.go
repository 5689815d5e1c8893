// Package mbx implements the message box: a bounded multi-event queue
// built atop a dbo.DoubleBuffer, supporting three read disciplines (FIFO,
// pop-latest-new, peek-latest) for any number of independent clients.
//
// An MBX is a DoubleBuffer with exactly one slot per possible in-flight
// event (maxEvents == DBO n_slots, per the core's sizing rule). The
// writer addresses slots deterministically by sequence number
// (slot = (seq-1) mod maxEvents), so that a slow reader's FIFO drain can
// walk backward through up to maxEvents physical slots in sequence
// order rather than only ever seeing the latest commit.
package mbx

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/s2opc-rt/pubsubcore/internal/dbo"
	"github.com/s2opc-rt/pubsubcore/internal/status"
)

// Mode selects the read discipline used by PopGet.
type Mode int

const (
	// Normal pops events in strict FIFO order, one sequence number at a
	// time, returning ErrEmpty once the client has caught up.
	Normal Mode = iota
	// NewLatest returns the most recent event only if the client has not
	// already seen it, discarding any intermediate events from that
	// client's perspective.
	NewLatest
	// Latest returns the most recent event unconditionally and never
	// advances the read cursor; repeated calls with no intervening Push
	// return the same event.
	Latest
)

var (
	// ErrBadArg marks a null/zero-sized argument or an out-of-range id.
	ErrBadArg = status.ErrBadArg
	// ErrOverflow marks a payload larger than the configured maximum.
	ErrOverflow = status.ErrOverflow
	// ErrEmpty marks "nothing new to deliver" for Normal/NewLatest pops.
	ErrEmpty = status.ErrNok
)

// eventHeaderSize is the on-slot layout: {u64 seq, u32 len} followed by
// up to maxPayload bytes.
const eventHeaderSize = 8 + 4

// Event is a single popped message: its sequence number, payload, and the
// client's pending count immediately after the pop.
type Event struct {
	Seq     uint64
	Payload []byte
	Pending uint32
}

// Token is an opaque read-session handle returned by PopBegin. It pins
// the slot holding the latest event for the duration of the bracket, so
// Latest/NewLatest reads are O(1); Normal mode additionally visits older
// slots transiently as it drains.
type Token struct {
	latestSlot dbo.SlotID
	heldLatest bool
}

// MsgBox is a bounded multi-event queue with per-client read cursors.
type MsgBox struct {
	d          *dbo.DoubleBuffer
	maxPayload int
	maxEvents  uint64

	writeCursor atomic.Uint64
	readCursors []atomic.Uint64

	pendingWriteSeq atomic.Uint64 // 0 means no WriteBegin session open
}

// New creates a message box backed by maxEvents DBO slots of maxPayload
// payload bytes each, serving up to maxClients independent readers.
// Returns ErrBadArg if maxClients == 0, matching the boundary rule that a
// message box with no possible readers is a misconfiguration.
func New(maxClients, maxEvents, maxPayload int) (*MsgBox, error) {
	if maxClients <= 0 {
		return nil, ErrBadArg
	}
	d, err := dbo.New(maxEvents, eventHeaderSize+maxPayload)
	if err != nil {
		return nil, err
	}
	return &MsgBox{
		d:           d,
		maxPayload:  maxPayload,
		maxEvents:   uint64(maxEvents),
		readCursors: make([]atomic.Uint64, maxClients),
	}, nil
}

// MaxClients returns the configured client capacity.
func (m *MsgBox) MaxClients() int { return len(m.readCursors) }

func (m *MsgBox) slotForSeq(seq uint64) dbo.SlotID {
	return dbo.SlotID((seq - 1) % m.maxEvents)
}

// Push writes a new event, assigning it the next sequence number. If a
// reader currently holds a read reference on the target slot, the write
// fails transiently with ErrNoWritableSlot (distinct from ErrOverflow);
// whether that slot's event was consumed is not checked. If it succeeds,
// any client that had not yet consumed the event being overwritten
// silently drops it and observes a sequence jump on its next pop, with
// Pending capped at maxEvents.
func (m *MsgBox) Push(data []byte) error {
	if len(data) == 0 {
		return ErrBadArg
	}
	if len(data) > m.maxPayload {
		return ErrOverflow
	}

	seq := m.writeCursor.Load() + 1
	slot := m.slotForSeq(seq)
	if err := m.d.CheckWritable(slot); err != nil {
		return err
	}

	buf := m.d.ExposeWritePtr(slot, false)
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(data)))
	copy(buf[eventHeaderSize:], data)

	if err := m.d.ReleaseWrite(slot); err != nil {
		return err
	}
	m.writeCursor.Store(seq)
	return nil
}

// WriteBegin acquires the write slot for the next sequence number and
// returns a buffer of capacity maxPayload for the caller to fill without
// an intermediate copy. The session must be closed with WriteEnd.
func (m *MsgBox) WriteBegin() ([]byte, error) {
	seq := m.writeCursor.Load() + 1
	slot := m.slotForSeq(seq)
	if err := m.d.CheckWritable(slot); err != nil {
		return nil, err
	}
	m.pendingWriteSeq.Store(seq)
	buf := m.d.ExposeWritePtr(slot, false)
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], 0)
	return buf[eventHeaderSize : eventHeaderSize+m.maxPayload], nil
}

// WriteSetLen records the significant length of the in-flight WriteBegin
// payload.
func (m *MsgBox) WriteSetLen(n int) error {
	seq := m.pendingWriteSeq.Load()
	if seq == 0 {
		return status.ErrInvalidState
	}
	if n < 0 || n > m.maxPayload {
		return ErrOverflow
	}
	slot := m.slotForSeq(seq)
	buf := m.d.ExposeWritePtr(slot, false)
	binary.BigEndian.PutUint32(buf[8:12], uint32(n))
	return nil
}

// WriteEnd commits (or, if cancel, discards) the pending WriteBegin
// session, always releasing the underlying DBO write slot so the core
// never leaks one regardless of the caller's outcome.
func (m *MsgBox) WriteEnd(cancel bool) error {
	seq := m.pendingWriteSeq.Load()
	if seq == 0 {
		return status.ErrInvalidState
	}
	slot := m.slotForSeq(seq)
	m.pendingWriteSeq.Store(0)

	if cancel {
		m.d.Erase(slot)
		return nil
	}
	if err := m.d.ReleaseWrite(slot); err != nil {
		return err
	}
	m.writeCursor.Store(seq)
	return nil
}

// PopBegin pins the slot holding the current latest event for the
// duration of the read bracket. One token per client may be live at a
// time; callers are responsible for pairing every PopBegin with a
// PopEnd.
func (m *MsgBox) PopBegin(client int) (Token, error) {
	if client < 0 || client >= len(m.readCursors) {
		return Token{}, ErrBadArg
	}
	write := m.writeCursor.Load()
	if write == 0 {
		// Nothing has ever been pushed; no slot to pin yet.
		return Token{}, nil
	}
	slot := m.slotForSeq(write)
	if _, err := m.d.AcquireReadAt(slot); err != nil {
		return Token{}, err
	}
	return Token{latestSlot: slot, heldLatest: true}, nil
}

// PopGet returns the next event for client under the given mode. Returns
// ErrEmpty if there is nothing new to deliver (Normal/NewLatest only —
// Latest always has something once at least one Push has occurred).
func (m *MsgBox) PopGet(tok Token, client int, mode Mode) (Event, error) {
	if client < 0 || client >= len(m.readCursors) {
		return Event{}, ErrBadArg
	}
	write := m.writeCursor.Load()
	cursor := &m.readCursors[client]

	switch mode {
	case Normal:
		cur := cursor.Load()
		if cur >= write {
			return Event{}, ErrEmpty
		}
		target := cur + 1
		oldest := write - m.maxEvents + 1
		if write <= m.maxEvents {
			oldest = 1
		}
		if target < oldest {
			target = oldest // the event was overwritten; jump forward
		}

		ev, err := m.readSlotForSeq(target, tok)
		if err != nil {
			return Event{}, err
		}
		cursor.Store(target)
		ev.Pending = m.pendingFor(client)
		return ev, nil

	case NewLatest:
		if !tok.heldLatest {
			return Event{}, ErrEmpty
		}
		cur := cursor.Load()
		if cur >= write {
			return Event{}, ErrEmpty
		}
		ev := m.eventFromBuf(m.d.ExposeReadPtr(tok.latestSlot))
		cursor.Store(write)
		ev.Pending = m.pendingFor(client)
		return ev, nil

	case Latest:
		if !tok.heldLatest {
			return Event{}, ErrEmpty
		}
		ev := m.eventFromBuf(m.d.ExposeReadPtr(tok.latestSlot))
		ev.Pending = m.pendingFor(client)
		return ev, nil

	default:
		return Event{}, ErrBadArg
	}
}

// readSlotForSeq fetches the event at sequence seq. If seq's slot is the
// one pinned by tok, the already-held reference is reused; otherwise a
// transient read reference on that specific slot is acquired and
// released within this call, which is safe because the writer never
// targets a slot whose reader count is non-zero.
func (m *MsgBox) readSlotForSeq(seq uint64, tok Token) (Event, error) {
	slot := m.slotForSeq(seq)
	if tok.heldLatest && slot == tok.latestSlot {
		return m.eventFromBuf(m.d.ExposeReadPtr(slot)), nil
	}
	if _, err := m.d.AcquireReadAt(slot); err != nil {
		return Event{}, err
	}
	defer m.d.ReleaseRead(slot)
	return m.eventFromBuf(m.d.ExposeReadPtr(slot)), nil
}

func (m *MsgBox) eventFromBuf(buf []byte) Event {
	seq := binary.BigEndian.Uint64(buf[0:8])
	length := binary.BigEndian.Uint32(buf[8:12])
	payload := make([]byte, length)
	copy(payload, buf[eventHeaderSize:eventHeaderSize+int(length)])
	return Event{Seq: seq, Payload: payload}
}

func (m *MsgBox) pendingFor(client int) uint32 {
	write := m.writeCursor.Load()
	read := m.readCursors[client].Load()
	p := write - read
	if p > m.maxEvents {
		p = m.maxEvents
	}
	return uint32(p)
}

// PopEnd releases the DBO read reference acquired by PopBegin.
func (m *MsgBox) PopEnd(tok Token) error {
	if !tok.heldLatest {
		return nil
	}
	return m.d.ReleaseRead(tok.latestSlot)
}

// Reset clears all cursors back to zero. Only safe when no
// PopBegin/PopEnd session is outstanding; the caller is responsible for
// that discipline, as with the rest of the core.
func (m *MsgBox) Reset() {
	m.writeCursor.Store(0)
	for i := range m.readCursors {
		m.readCursors[i].Store(0)
	}
}

// Pending returns client's current pending count without popping.
func (m *MsgBox) Pending(client int) uint32 {
	return m.pendingFor(client)
}
