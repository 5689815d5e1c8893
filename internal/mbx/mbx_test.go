package mbx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsZeroClients(t *testing.T) {
	t.Parallel()
	_, err := New(0, 4, 16)
	require.ErrorIs(t, err, ErrBadArg)
}

func TestPushRejectsBadArgs(t *testing.T) {
	t.Parallel()
	m, err := New(1, 4, 16)
	require.NoError(t, err)

	require.ErrorIs(t, m.Push(nil), ErrBadArg)
	require.ErrorIs(t, m.Push(make([]byte, 17)), ErrOverflow)
}

func TestPushPopRoundTripNormal(t *testing.T) {
	t.Parallel()
	m, err := New(1, 16, 16)
	require.NoError(t, err)

	require.NoError(t, m.Push([]byte("x")))

	tok, err := m.PopBegin(0)
	require.NoError(t, err)

	ev, err := m.PopGet(tok, 0, Normal)
	require.NoError(t, err)
	require.Equal(t, "x", string(ev.Payload))
	require.Equal(t, uint64(1), ev.Seq)

	_, err = m.PopGet(tok, 0, Normal)
	require.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, m.PopEnd(tok))
}

// A slow reader with max_events=2 observes the oldest events silently
// dropped and never sees pending exceed capacity.
func TestSlowReaderDropsOldestEvents(t *testing.T) {
	t.Parallel()
	m, err := New(1, 2, 8)
	require.NoError(t, err)

	require.NoError(t, m.Push([]byte("e1")))
	require.NoError(t, m.Push([]byte("e2")))
	require.NoError(t, m.Push([]byte("e3")))
	require.NoError(t, m.Push([]byte("e4")))

	tok, err := m.PopBegin(0)
	require.NoError(t, err)

	var seqs []uint64
	for {
		ev, err := m.PopGet(tok, 0, Normal)
		if err == ErrEmpty {
			break
		}
		require.NoError(t, err)
		require.LessOrEqual(t, ev.Pending, uint32(2))
		seqs = append(seqs, ev.Seq)
	}
	require.NoError(t, m.PopEnd(tok))

	require.Len(t, seqs, 2)
	require.Subset(t, []uint64{3, 4}, seqs)
}

// Two fast-enough readers in Normal mode each see every message, in
// order.
func TestTwoClientsNormalFIFO(t *testing.T) {
	t.Parallel()
	m, err := New(2, 16, 16)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Push([]byte{byte(i)}))
	}

	for client := 0; client < 2; client++ {
		tok, err := m.PopBegin(client)
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			ev, err := m.PopGet(tok, client, Normal)
			require.NoError(t, err)
			require.Equal(t, byte(i), ev.Payload[0])
			require.Equal(t, uint64(i+1), ev.Seq)
		}
		_, err = m.PopGet(tok, client, Normal)
		require.ErrorIs(t, err, ErrEmpty)
		require.NoError(t, m.PopEnd(tok))
	}
}

// Latest mode repeated reads with no intervening push return the same
// payload every time.
func TestLatestModeIsIdempotentBetweenPushes(t *testing.T) {
	t.Parallel()
	m, err := New(1, 4, 16)
	require.NoError(t, err)
	require.NoError(t, m.Push([]byte("v1")))

	tok, err := m.PopBegin(0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ev, err := m.PopGet(tok, 0, Latest)
		require.NoError(t, err)
		require.Equal(t, "v1", string(ev.Payload))
	}
	require.NoError(t, m.PopEnd(tok))
}

func TestNewLatestDiscardsIntermediateEvents(t *testing.T) {
	t.Parallel()
	m, err := New(1, 16, 16)
	require.NoError(t, err)

	require.NoError(t, m.Push([]byte("a")))
	require.NoError(t, m.Push([]byte("b")))
	require.NoError(t, m.Push([]byte("c")))

	tok, err := m.PopBegin(0)
	require.NoError(t, err)

	ev, err := m.PopGet(tok, 0, NewLatest)
	require.NoError(t, err)
	require.Equal(t, "c", string(ev.Payload))

	_, err = m.PopGet(tok, 0, NewLatest)
	require.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, m.PopEnd(tok))
}

func TestWriteBeginEndZeroCopyRoundTrip(t *testing.T) {
	t.Parallel()
	m, err := New(1, 4, 8)
	require.NoError(t, err)

	buf, err := m.WriteBegin()
	require.NoError(t, err)
	n := copy(buf, "hi")
	require.NoError(t, m.WriteSetLen(n))
	require.NoError(t, m.WriteEnd(false))

	tok, err := m.PopBegin(0)
	require.NoError(t, err)
	ev, err := m.PopGet(tok, 0, Normal)
	require.NoError(t, err)
	require.Equal(t, "hi", string(ev.Payload))
	require.NoError(t, m.PopEnd(tok))
}

func TestWriteEndCancelDoesNotCommit(t *testing.T) {
	t.Parallel()
	m, err := New(1, 4, 8)
	require.NoError(t, err)

	_, err = m.WriteBegin()
	require.NoError(t, err)
	require.NoError(t, m.WriteEnd(true))

	tok, err := m.PopBegin(0)
	require.NoError(t, err)
	_, err = m.PopGet(tok, 0, Normal)
	require.ErrorIs(t, err, ErrEmpty)
	require.NoError(t, m.PopEnd(tok))
}

func TestResetClearsCursors(t *testing.T) {
	t.Parallel()
	m, err := New(1, 4, 8)
	require.NoError(t, err)
	require.NoError(t, m.Push([]byte("a")))

	tok, err := m.PopBegin(0)
	require.NoError(t, err)
	_, err = m.PopGet(tok, 0, Normal)
	require.NoError(t, err)
	require.NoError(t, m.PopEnd(tok))

	m.Reset()
	require.Equal(t, uint32(0), m.Pending(0))
}
