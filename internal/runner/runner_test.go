package runner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swpttrade/pkg/logger"
)

func TestPollDrainsThenQuitsEarly(t *testing.T) {
	var calls int
	step := func(context.Context) (bool, error) {
		calls++
		return calls < 3, nil
	}
	err := Poll(context.Background(), "test", step, Options{Wait: time.Hour, QuitEarly: true}, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollContinuesAfterErrors(t *testing.T) {
	var calls int
	step := func(context.Context) (bool, error) {
		calls++
		if calls == 1 {
			return true, errors.New("bus unavailable")
		}
		return calls < 3, nil
	}
	err := Poll(context.Background(), "test", step, Options{QuitEarly: true}, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	step2 := func(context.Context) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("bus unavailable")
		}
		cancel()
		return false, nil
	}
	require.NoError(t, Poll(ctx, "test", step2, Options{Wait: time.Millisecond}, logger.NewNop()))
	assert.Equal(t, 2, calls)
}

func TestPollStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Poll(ctx, "test", func(context.Context) (bool, error) { return false, nil },
			Options{Wait: time.Hour}, logger.NewNop())
	}()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestPanicIsFatal(t *testing.T) {
	step := func(context.Context) (bool, error) { panic("broken invariant") }
	err := Run(context.Background(), "test", Same(step), Options{Processes: 2}, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken invariant")
}

func TestRunStartsEveryProcess(t *testing.T) {
	var started int32
	newStep := func(int) (Step, error) {
		return func(context.Context) (bool, error) {
			atomic.AddInt32(&started, 1)
			return false, nil
		}, nil
	}
	require.NoError(t, Run(context.Background(), "test", newStep, Options{Processes: 3, QuitEarly: true}, logger.NewNop()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&started))
}

func TestProbes(t *testing.T) {
	var failing bool
	h := NewProbeRouter("worker", map[string]Check{
		"db": func(context.Context) error {
			if failing {
				return errors.New("connection refused")
			}
			return nil
		},
	}, logger.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	failing = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestPerProcessBuildsFreshSteps(t *testing.T) {
	var built int32
	newStep := PerProcess(func() Step {
		atomic.AddInt32(&built, 1)
		iterations := 0
		return func(context.Context) (bool, error) {
			iterations++
			return iterations < 5, nil
		}
	})
	err := Run(context.Background(), "test", newStep, Options{Processes: 3, QuitEarly: true}, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&built))
}
