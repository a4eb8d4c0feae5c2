package goroutine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.ErrorLevel)
	return zap.New(core).Sugar(), logs
}

func TestRecoverNoPanic(t *testing.T) {
	logger, logs := observedLogger()

	func() {
		defer Recover("quiet", logger)
	}()

	assert.Zero(t, logs.Len())
}

func TestRecoverLogsPanic(t *testing.T) {
	logger, logs := observedLogger()

	func() {
		defer Recover("worker-1", logger)
		panic("boom")
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Goroutine panic recovered", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "worker-1", fields["goroutine"])
	assert.Equal(t, "boom", fields["panic"])
	assert.NotEmpty(t, fields["stack"])
}

func TestRecoverNonStringPanicValues(t *testing.T) {
	logger, logs := observedLogger()

	func() {
		defer Recover("worker-2", logger)
		panic(42)
	}()
	func() {
		defer Recover("worker-3", logger)
		panic(assert.AnError)
	}()

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(42), entries[0].ContextMap()["panic"])
	assert.NotNil(t, entries[1].ContextMap()["panic"])
}

func TestRecoverNilLoggerFallsBackToStderr(t *testing.T) {
	// Must not panic a second time while handling the first.
	func() {
		defer Recover("no-logger", nil)
		panic("lost logger")
	}()
}

func TestGoGuardsGoroutine(t *testing.T) {
	logger, logs := observedLogger()

	var wg sync.WaitGroup
	wg.Add(1)
	Go("guarded", logger, func() {
		defer wg.Done()
		panic("guarded boom")
	})
	wg.Wait()

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "guarded", entries[0].ContextMap()["goroutine"])
}
