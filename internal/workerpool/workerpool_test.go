package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTasks(t *testing.T) {
	t.Parallel()
	p := New(2, 16, nil)
	p.Start(context.Background())

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		})
	}
	wg.Wait()
	p.Stop()

	require.Equal(t, int64(10), ran.Load())
	require.Zero(t, p.Dropped())
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	p := New(1, 1, nil)
	// Not started: nothing drains the queue, so the second submit must be
	// dropped instead of blocking the caller.
	p.Submit(func() {})
	p.Submit(func() {})
	require.Equal(t, int64(1), p.Dropped())
}

func TestPanicInTaskDoesNotKillWorker(t *testing.T) {
	t.Parallel()
	p := New(1, 4, nil)
	p.Start(context.Background())

	p.Submit(func() { panic("bad record") })

	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	p.Stop()
}
