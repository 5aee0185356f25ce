package signalmgr

import (
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	shutdowns atomic.Int32
}

func (f *fakeEngine) Shutdown() { f.shutdowns.Add(1) }

func TestSigtermTriggersShutdown(t *testing.T) {
	m := New()
	defer m.Stop()

	engine := &fakeEngine{}
	go m.Run(engine, nil)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	require.Eventually(t, func() bool {
		return engine.shutdowns.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSighupTriggersReload(t *testing.T) {
	m := New()
	defer m.Stop()

	var reloads atomic.Int32
	engine := &fakeEngine{}
	go m.Run(engine, func() { reloads.Add(1) })

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))

	require.Eventually(t, func() bool {
		return reloads.Load() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(0), engine.shutdowns.Load())
}

func TestStopTerminatesRun(t *testing.T) {
	m := New()
	engineDone := make(chan struct{})
	go func() {
		m.Run(&fakeEngine{}, nil)
		close(engineDone)
	}()

	m.Stop()

	select {
	case <-engineDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
