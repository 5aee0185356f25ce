package pool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drawbridge-io/chatbroker/internal/errs"
)

type countingTask struct {
	counter *atomic.Int64
	done    chan struct{}
}

func (t *countingTask) Execute() {
	t.counter.Add(1)
	if t.done != nil {
		close(t.done)
	}
}

func TestSubmitBeforeInitializeFails(t *testing.T) {
	p := New(2)
	err := p.Submit(&countingTask{counter: new(atomic.Int64)})
	require.ErrorIs(t, err, errs.ErrNotReady)
}

func TestSubmitAfterInitializeRunsTask(t *testing.T) {
	p := New(3)
	p.Initialize()
	defer p.Shutdown()

	var counter atomic.Int64
	done := make(chan struct{})
	require.NoError(t, p.Submit(&countingTask{counter: &counter, done: done}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	require.Equal(t, int64(1), counter.Load())
}

func TestSubmitAfterShutdownIsSilentNoOp(t *testing.T) {
	p := New(1)
	p.Initialize()
	p.Shutdown()

	var counter atomic.Int64
	err := p.Submit(&countingTask{counter: &counter})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int64(0), counter.Load())
}

func TestManyTasksAllExecuteExactlyOnce(t *testing.T) {
	p := New(5)
	p.Initialize()
	defer p.Shutdown()

	const n = 200
	var counter atomic.Int64
	var dones []chan struct{}
	for i := 0; i < n; i++ {
		done := make(chan struct{})
		dones = append(dones, done)
		require.NoError(t, p.Submit(&countingTask{counter: &counter, done: done}))
	}
	for _, done := range dones {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task did not complete")
		}
	}
	require.Equal(t, int64(n), counter.Load())
}
