package dbo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadSizing(t *testing.T) {
	t.Parallel()

	_, err := New(1, 4)
	require.ErrorIs(t, err, ErrBadArg)

	_, err = New(4, 0)
	require.ErrorIs(t, err, ErrBadArg)

	d, err := New(2, 4)
	require.NoError(t, err)
	require.Equal(t, 2, d.NSlots())
	require.Equal(t, 4, d.SlotSize())
}

func TestWriteCommitThenReadObservesBytes(t *testing.T) {
	t.Parallel()

	d, err := New(3, 8)
	require.NoError(t, err)

	slot, err := d.GetWriteSlot()
	require.NoError(t, err)

	n, err := d.WritePartial(slot, 0, []byte("hello"), false, false)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.NoError(t, d.ReleaseWrite(slot))
	require.Equal(t, slot, d.LastWritten())

	rs, size, err := d.GetReadSlot()
	require.NoError(t, err)
	require.Equal(t, slot, rs)
	require.Equal(t, 8, size)

	got := make([]byte, 5)
	n, err = d.Read(rs, 0, got)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(got))

	require.NoError(t, d.ReleaseRead(rs))
}

func TestWritePartialKeepsPrefixAndSuffix(t *testing.T) {
	t.Parallel()

	d, err := New(2, 6)
	require.NoError(t, err)

	s0, err := d.GetWriteSlot()
	require.NoError(t, err)
	_, err = d.WritePartial(s0, 0, []byte("abcdef"), false, false)
	require.NoError(t, err)
	require.NoError(t, d.ReleaseWrite(s0))

	s1, err := d.GetWriteSlot()
	require.NoError(t, err)
	require.NotEqual(t, s0, s1)

	_, err = d.WritePartial(s1, 2, []byte("XY"), true, true)
	require.NoError(t, err)
	require.NoError(t, d.ReleaseWrite(s1))

	rs, _, err := d.GetReadSlot()
	require.NoError(t, err)
	require.Equal(t, s1, rs)

	got := make([]byte, 6)
	_, err = d.Read(rs, 0, got)
	require.NoError(t, err)
	require.Equal(t, "abXYef", string(got))
	require.NoError(t, d.ReleaseRead(rs))
}

func TestWritePartialOutOfRange(t *testing.T) {
	t.Parallel()

	d, err := New(2, 4)
	require.NoError(t, err)
	slot, err := d.GetWriteSlot()
	require.NoError(t, err)

	_, err = d.WritePartial(slot, 2, []byte("abc"), false, false)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestGetWriteSlotFailsWhenAllOthersAreRead(t *testing.T) {
	t.Parallel()

	// n_slots = 2: after one commit there is exactly one "other" slot;
	// once that slot is also the last-written (impossible) or being read,
	// no writable slot remains.
	d, err := New(2, 4)
	require.NoError(t, err)

	s0, err := d.GetWriteSlot()
	require.NoError(t, err)
	_, err = d.WritePartial(s0, 0, []byte("1234"), false, false)
	require.NoError(t, err)
	require.NoError(t, d.ReleaseWrite(s0))

	// The only other slot is now free, so a write should succeed.
	s1, err := d.GetWriteSlot()
	require.NoError(t, err)
	require.NotEqual(t, s0, s1)

	// Commit s1 so it becomes last-written, then hold a read on it.
	_, err = d.WritePartial(s1, 0, []byte("5678"), false, false)
	require.NoError(t, err)
	require.NoError(t, d.ReleaseWrite(s1))

	rs, _, err := d.GetReadSlot() // acquires s1 (now last-written)
	require.NoError(t, err)
	require.Equal(t, s1, rs)

	// s0 is the only other slot and is free, so this should still work.
	_, err = d.GetWriteSlot()
	require.NoError(t, err)

	// Once a reader also holds s0, every slot other than last-written is
	// being read and no writable slot remains.
	_, err = d.AcquireReadAt(s0)
	require.NoError(t, err)
	_, err = d.GetWriteSlot()
	require.ErrorIs(t, err, ErrNoWritableSlot)
	require.NoError(t, d.ReleaseRead(s0))

	require.NoError(t, d.ReleaseRead(rs))
}

func TestReleaseWriteDetectsReaderRace(t *testing.T) {
	t.Parallel()

	d, err := New(2, 4)
	require.NoError(t, err)

	slot, err := d.GetWriteSlot()
	require.NoError(t, err)

	// Simulate a caller-discipline violation: a reader acquires the
	// write-target slot before the writer commits.
	d.readers[slot].Add(1)

	err = d.ReleaseWrite(slot)
	require.ErrorIs(t, err, ErrViolation)

	d.readers[slot].Add(-1)
}

func TestReaderCountIsBoundedByNSlots(t *testing.T) {
	t.Parallel()

	d, err := New(2, 4)
	require.NoError(t, err)
	slot, err := d.GetWriteSlot()
	require.NoError(t, err)
	require.NoError(t, d.ReleaseWrite(slot))

	// n_slots - 1 == 1, so a single reader is fine, a second is a
	// violation of the documented invariant.
	_, _, err = d.GetReadSlot()
	require.NoError(t, err)

	_, _, err = d.GetReadSlot()
	require.ErrorIs(t, err, ErrViolation)
}

func TestConcurrentReadersDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	d, err := New(4, 4)
	require.NoError(t, err)
	slot, err := d.GetWriteSlot()
	require.NoError(t, err)
	_, err = d.WritePartial(slot, 0, []byte("data"), false, false)
	require.NoError(t, err)
	require.NoError(t, d.ReleaseWrite(slot))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs, _, err := d.GetReadSlot()
			require.NoError(t, err)
			buf := make([]byte, 4)
			_, _ = d.Read(rs, 0, buf)
			require.Equal(t, "data", string(buf))
			require.NoError(t, d.ReleaseRead(rs))
		}()
	}
	wg.Wait()
}
