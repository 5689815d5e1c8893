package publisher

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s2opc-rt/pubsubcore/internal/irt"
)

func TestInitializeAssignsSequentialMessageIDs(t *testing.T) {
	t.Parallel()
	init := NewInitializer(16)
	id0 := init.AddMessage(Descriptor{Period: 1, InitialEnabled: true})
	id1 := init.AddMessage(Descriptor{Period: 1, InitialEnabled: true})
	require.Equal(t, uint32(0), id0)
	require.Equal(t, uint32(1), id1)

	p := New()
	require.NoError(t, p.Initialize(init))

	status0, err := p.GetMessageStatus(id0)
	require.NoError(t, err)
	require.Equal(t, irt.Enabled, status0)
}

func TestSetMessageValueDeliveredToElapsed(t *testing.T) {
	t.Parallel()
	init := NewInitializer(16)
	var delivered []byte
	init.AddMessage(Descriptor{
		Period:         1,
		InitialEnabled: true,
		OnElapsed: func(_ uint32, _ any, payload []byte) {
			delivered = append([]byte(nil), payload...)
		},
	})
	p := New()
	require.NoError(t, p.Initialize(init))

	require.NoError(t, p.SetMessageValue(0, []byte("A")))
	require.NoError(t, p.HeartBeat(1))
	require.Equal(t, []byte("A"), delivered)

	require.NoError(t, p.SetMessageValue(0, []byte("B")))
	require.NoError(t, p.HeartBeat(2))
	require.Equal(t, []byte("B"), delivered)
}

func TestGetBufferZeroCopyPublication(t *testing.T) {
	t.Parallel()
	init := NewInitializer(8)
	var delivered []byte
	init.AddMessage(Descriptor{
		Period:         1,
		InitialEnabled: true,
		OnElapsed: func(_ uint32, _ any, payload []byte) {
			delivered = append([]byte(nil), payload...)
		},
	})
	p := New()
	require.NoError(t, p.Initialize(init))

	view, err := p.GetBuffer(0)
	require.NoError(t, err)
	n := copy(view.Buf, "hi")
	require.NoError(t, p.ReleaseBuffer(view, n, false))

	require.NoError(t, p.HeartBeat(1))
	require.Equal(t, []byte("hi"), delivered)
}

// A writer alternating between two payloads while the tick thread runs
// concurrently must never expose a mixed or truncated payload to the
// elapsed callback.
func TestSetMessageValueNeverTornUnderConcurrentTicks(t *testing.T) {
	t.Parallel()

	valueA := []byte("AAAAAAAA")
	valueB := []byte("BBBBBBBB")

	var torn atomic.Int64
	init := NewInitializer(uint32(len(valueA)))
	init.AddMessage(Descriptor{
		Period:         1,
		InitialEnabled: true,
		OnElapsed: func(_ uint32, _ any, payload []byte) {
			if len(payload) == 0 {
				return // nothing published yet
			}
			if !bytes.Equal(payload, valueA) && !bytes.Equal(payload, valueB) {
				torn.Add(1)
			}
		},
	})
	p := New()
	require.NoError(t, p.Initialize(init))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint32(1); i <= 1000; i++ {
			_ = p.HeartBeat(i)
		}
	}()

	for i := 0; i < 1000; i++ {
		v := valueA
		if i%2 == 1 {
			v = valueB
		}
		// A write can transiently fail with ErrNoWritableSlot while the
		// tick holds a read reference; only torn payloads are failures.
		_ = p.SetMessageValue(0, v)
	}
	<-done

	require.Zero(t, torn.Load(), "elapsed callback observed a torn payload")
}

func TestGetBufferCancelDiscardsWrite(t *testing.T) {
	t.Parallel()
	init := NewInitializer(8)
	init.AddMessage(Descriptor{Period: 1, InitialEnabled: true})
	p := New()
	require.NoError(t, p.Initialize(init))

	view, err := p.GetBuffer(0)
	require.NoError(t, err)
	copy(view.Buf, "discarded")
	require.NoError(t, p.ReleaseBuffer(view, 9, true))

	// A second session must still be obtainable: the cancel must not have
	// leaked the write slot.
	view2, err := p.GetBuffer(0)
	require.NoError(t, err)
	require.NoError(t, p.ReleaseBuffer(view2, 0, true))
}
