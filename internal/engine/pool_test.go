package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(4, 0)
	defer p.Close()

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Submit(func() {
			atomic.AddInt32(&n, 1)
			wg.Done()
		})
	}
	wg.Wait()
	require.EqualValues(t, 100, atomic.LoadInt32(&n))
}

func TestPoolNewPoolClampsDefaults(t *testing.T) {
	p := NewPool(0, 0)
	defer p.Close()
	require.NotNil(t, p.tasks)
	require.Equal(t, 1, cap(p.tasks))
}

func TestPoolTrySubmitFailsWhenQueueFull(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-block
	})
	<-started // worker is now busy running the blocking task

	require.True(t, p.TrySubmit(func() {})) // fills the one queue slot
	require.False(t, p.TrySubmit(func() {})) // worker busy, queue full

	close(block)
}

func TestPoolSubmitAfterCloseReturnsWithoutRunning(t *testing.T) {
	p := NewPool(1, 1)
	p.Close()

	ran := false
	done := make(chan struct{})
	go func() {
		p.Submit(func() { ran = true })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit did not return after Close")
	}
	require.False(t, ran)
}
