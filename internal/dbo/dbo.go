// Package dbo implements the double-buffer slot array: a lock-free
// register abstraction with a single writer and many concurrent readers.
//
// Each slot holds two memory banks of a fixed size. The writer always
// targets the bank that is not currently exposed to readers; committing a
// write flips a per-slot selector bit and updates the array-level
// last-written index. Readers never block a writer and a writer never
// blocks a reader: a write that would need to touch a slot currently being
// read instead fails with ErrNoWritableSlot, to be retried by the caller.
package dbo

import (
	"sync/atomic"
)

// SlotID identifies one element of a DoubleBuffer.
type SlotID int

// DoubleBuffer is a fixed-size array of double-buffered slots with one
// writer and any number of concurrent readers. It never allocates after
// Create and never resizes.
type DoubleBuffer struct {
	slotSize int
	nSlots   int

	// lastWritten is only ever touched by the single writer, but readers
	// load it to find the slot to acquire; a plain int64 with atomic
	// load/store gives readers a consistent snapshot without a lock.
	lastWritten atomic.Int64

	readers []atomic.Int32 // per-slot reader count
	bankB   []atomic.Bool  // per-slot selector: false = bank 0 current, true = bank 1 current

	banks []byte // 2 * nSlots * slotSize bytes, bank-major within each slot
}

// New creates a double-buffer array of nSlots slots, each slotSize bytes
// per bank. Returns ErrBadArg if nSlots < 2 or slotSize < 1, matching the
// invariant that at least one slot besides last-written must exist for a
// write to ever succeed.
func New(nSlots, slotSize int) (*DoubleBuffer, error) {
	if nSlots < 2 || slotSize < 1 {
		return nil, ErrBadArg
	}
	d := &DoubleBuffer{
		slotSize: slotSize,
		nSlots:   nSlots,
		readers:  make([]atomic.Int32, nSlots),
		bankB:    make([]atomic.Bool, nSlots),
		banks:    make([]byte, 2*nSlots*slotSize),
	}
	return d, nil
}

// NSlots returns the configured slot count.
func (d *DoubleBuffer) NSlots() int { return d.nSlots }

// SlotSize returns the configured per-bank size in bytes.
func (d *DoubleBuffer) SlotSize() int { return d.slotSize }

func (d *DoubleBuffer) bankOffset(slot SlotID, write bool) int {
	idx := int(slot) * 2
	// Write targets the bank that is NOT currently committed.
	if d.bankB[slot].Load() != write {
		idx++
	}
	return idx * d.slotSize
}

func (d *DoubleBuffer) bankBytes(slot SlotID, write bool) []byte {
	off := d.bankOffset(slot, write)
	return d.banks[off : off+d.slotSize]
}

// GetWriteSlot scans starting at (lastWritten+1) mod nSlots for the first
// slot with a zero reader count and returns it. It never returns
// lastWritten itself, since that slot is what readers acquire next.
func (d *DoubleBuffer) GetWriteSlot() (SlotID, error) {
	last := int(d.lastWritten.Load())
	for i := 1; i < d.nSlots; i++ {
		idx := (last + i) % d.nSlots
		if d.readers[idx].Load() == 0 {
			return SlotID(idx), nil
		}
	}
	return 0, ErrNoWritableSlot
}

// WritePartial writes bytes at offset into slot's non-committed bank. If
// keepPrefix, [0,offset) is first seeded from the committed bank of
// lastWritten; if keepSuffix and bytes remain after offset+len(bytes), that
// tail is seeded the same way. Returns the number of bytes considered
// significant (i.e. touched by this call, directly or via carry-forward).
func (d *DoubleBuffer) WritePartial(slot SlotID, offset int, data []byte, keepPrefix, keepSuffix bool) (int, error) {
	if offset < 0 || offset+len(data) > d.slotSize {
		return 0, ErrOutOfRange
	}

	dst := d.bankBytes(slot, true)
	written := len(data)

	if keepPrefix && offset > 0 {
		src := d.bankBytes(d.lastWrittenSlot(), false)
		copy(dst[:offset], src[:offset])
		written += offset
	}

	copy(dst[offset:offset+len(data)], data)

	remaining := d.slotSize - offset - len(data)
	if keepSuffix && remaining > 0 {
		src := d.bankBytes(d.lastWrittenSlot(), false)
		tailStart := offset + len(data)
		copy(dst[tailStart:], src[tailStart:])
		written += remaining
	}

	return written, nil
}

// ExposeWritePtr returns a mutable view over slot's non-committed bank,
// optionally pre-populated with the full contents of lastWritten's
// committed bank. The slice is valid until ReleaseWrite or Erase.
func (d *DoubleBuffer) ExposeWritePtr(slot SlotID, copyPrevious bool) []byte {
	dst := d.bankBytes(slot, true)
	if copyPrevious {
		copy(dst, d.bankBytes(d.lastWrittenSlot(), false))
	}
	return dst
}

// Erase zeroes slot's non-committed bank.
func (d *DoubleBuffer) Erase(slot SlotID) {
	dst := d.bankBytes(slot, true)
	clear(dst)
}

// ReleaseWrite commits slot: flips its bank selector and sets lastWritten,
// provided no reader acquired the slot in the meantime. A non-zero reader
// count at commit time is a caller discipline violation (a reader raced a
// writer onto the same slot) and is reported as ErrViolation rather than
// silently corrupting state.
func (d *DoubleBuffer) ReleaseWrite(slot SlotID) error {
	if d.readers[slot].Load() > 0 {
		return ErrViolation
	}
	d.bankB[slot].Store(!d.bankB[slot].Load())
	d.lastWritten.Store(int64(slot))
	return nil
}

// GetReadSlot atomically increments the reader count of the current
// last-written slot and returns it along with the configured slot size.
// The reader count invariant (<= nSlots-1) is enforced defensively: if a
// caller manages to violate the single-writer/bounded-reader discipline,
// this returns ErrViolation instead of returning a runaway count.
func (d *DoubleBuffer) GetReadSlot() (SlotID, int, error) {
	slot := d.lastWrittenSlot()
	n := d.readers[slot].Add(1)
	if int(n) > d.nSlots-1 {
		d.readers[slot].Add(-1)
		return 0, 0, ErrViolation
	}
	return slot, d.slotSize, nil
}

// Read copies up to len(out) bytes starting at offset from slot's
// committed bank into out, returning the number of bytes copied.
func (d *DoubleBuffer) Read(slot SlotID, offset int, out []byte) (int, error) {
	if offset < 0 || offset > d.slotSize {
		return 0, ErrOutOfRange
	}
	src := d.bankBytes(slot, false)
	n := copy(out, src[offset:])
	return n, nil
}

// ExposeReadPtr returns a read-only view over slot's committed bank, valid
// until the matching ReleaseRead.
func (d *DoubleBuffer) ExposeReadPtr(slot SlotID) []byte {
	return d.bankBytes(slot, false)
}

// ReleaseRead atomically decrements slot's reader count.
func (d *DoubleBuffer) ReleaseRead(slot SlotID) error {
	n := d.readers[slot].Add(-1)
	if n < 0 {
		// Caller released more reads than it acquired; restore the
		// counter and report the violation instead of going negative.
		d.readers[slot].Add(1)
		return ErrViolation
	}
	return nil
}

// CheckWritable reports whether slot currently has zero readers, without
// scanning for a free slot. Used by callers (MBX) that address slots
// deterministically instead of via GetWriteSlot's free scan.
func (d *DoubleBuffer) CheckWritable(slot SlotID) error {
	if d.readers[slot].Load() > 0 {
		return ErrNoWritableSlot
	}
	return nil
}

// AcquireReadAt atomically increments the reader count of an arbitrary
// slot (not necessarily lastWritten) and returns the configured slot
// size. Used by callers that address slots deterministically instead of
// through GetReadSlot's implicit "latest" target.
func (d *DoubleBuffer) AcquireReadAt(slot SlotID) (int, error) {
	n := d.readers[slot].Add(1)
	if int(n) > d.nSlots-1 {
		d.readers[slot].Add(-1)
		return 0, ErrViolation
	}
	return d.slotSize, nil
}

// ReaderCount returns the current reader count of slot, for diagnostics
// and tests.
func (d *DoubleBuffer) ReaderCount(slot SlotID) int32 {
	return d.readers[slot].Load()
}

// LastWritten returns the slot most recently committed via ReleaseWrite.
func (d *DoubleBuffer) LastWritten() SlotID { return d.lastWrittenSlot() }

func (d *DoubleBuffer) lastWrittenSlot() SlotID { return SlotID(d.lastWritten.Load()) }
