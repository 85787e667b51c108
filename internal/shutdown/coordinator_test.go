package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPhasesRunInOrder(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownFunc {
		return func(_ context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.RegisterFunc("storage", PhaseStorage, record("storage"))
	c.RegisterFunc("sessions", PhaseSessions, record("sessions"))
	c.RegisterFunc("connections", PhaseConnections, record("connections"))
	c.RegisterFunc("cleanup", PhaseCleanup, record("cleanup"))

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"sessions", "connections", "storage", "cleanup"}, order)
}

func TestPriorityWithinPhase(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownFunc {
		return func(_ context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.Register(&Handler{Name: "low", Phase: PhaseConnections, Priority: 1, Fn: record("low")})
	c.Register(&Handler{Name: "high", Phase: PhaseConnections, Priority: 10, Fn: record("high")})

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestShutdownOnlyRunsOnce(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	var calls int
	var mu sync.Mutex
	c.RegisterFunc("counter", PhaseCleanup, func(_ context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 1, calls)
	assert.True(t, c.IsShuttingDown())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel should be closed after shutdown")
	}
}

func TestFailingHandlerDoesNotStopLaterPhases(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	var storageClosed bool
	c.RegisterFunc("broken", PhaseConnections, func(_ context.Context) error {
		return errors.New("refused to close")
	})
	c.RegisterFunc("storage", PhaseStorage, func(_ context.Context) error {
		storageClosed = true
		return nil
	})

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused to close")
	assert.True(t, storageClosed, "storage must close even when a connection handler fails")
}

func TestSlowHandlerTimesOut(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	c.SetDefaultTimeout(50 * time.Millisecond)

	c.RegisterFunc("stuck", PhaseConnections, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Second)
		return nil
	})

	start := time.Now()
	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHandlerCount(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	assert.Equal(t, 0, c.HandlerCount())

	c.RegisterFunc("a", PhaseSessions, func(_ context.Context) error { return nil })
	c.RegisterFunc("b", PhaseStorage, func(_ context.Context) error { return nil })
	assert.Equal(t, 2, c.HandlerCount())
}
