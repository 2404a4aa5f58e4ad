package greenrt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timewinder-dev/greenrt/config"
	"github.com/timewinder-dev/greenrt/sched"
	"github.com/timewinder-dev/greenrt/tso"
)

type exitRecorder struct {
	calls atomic.Int32
	code  atomic.Int32
}

func (e *exitRecorder) exit(code int) {
	e.calls.Add(1)
	e.code.Store(int32(code))
}

func newTestRuntime(t *testing.T, cfg *config.Config) (*Runtime, *bytes.Buffer, *exitRecorder) {
	t.Helper()
	var out bytes.Buffer
	rec := &exitRecorder{}
	rt, err := New(cfg,
		WithLogger(zerolog.Nop()),
		WithStdout(&out),
		WithExitFunc(rec.exit),
	)
	require.NoError(t, err)
	return rt, &out, rec
}

func TestStartReturnsZeroAndFlushes(t *testing.T) {
	rt, out, rec := newTestRuntime(t, nil)
	code := rt.Start(sched.Func(func(ctx *sched.Context) (any, error) {
		fmt.Fprintln(ctx.Stdout(), "hello from main")
		return nil, nil
	}))
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello from main\n", out.String())
	assert.Zero(t, rec.calls.Load())
	assert.Equal(t, tso.Finished, rt.MainThread().State())
}

func TestStartReturnsOneWhenMainKilled(t *testing.T) {
	rt, _, _ := newTestRuntime(t, nil)
	code := rt.Start(sched.Func(func(*sched.Context) (any, error) {
		return nil, errors.New("main failed")
	}))
	assert.Equal(t, 1, code)
	assert.Equal(t, tso.Killed, rt.MainThread().State())
}

func TestStartTwiceFails(t *testing.T) {
	rt, _, _ := newTestRuntime(t, nil)
	assert.Equal(t, 0, rt.Start(sched.Func(func(*sched.Context) (any, error) { return nil, nil })))
	assert.Equal(t, 1, rt.Start(sched.Func(func(*sched.Context) (any, error) { return nil, nil })))
}

func TestConfigFrozenAfterNew(t *testing.T) {
	cfg := config.New()
	require.NoError(t, cfg.SetMaxGlobalSparks(8))
	rt, _, _ := newTestRuntime(t, cfg)
	assert.Equal(t, 8, rt.Sparks().Max())

	assert.ErrorIs(t, cfg.SetMaxGlobalSparks(16), config.ErrFrozen)
	assert.ErrorIs(t, cfg.SetMaxWorkerCapabilities(2), config.ErrFrozen)
	assert.ErrorIs(t, cfg.SetGCOnWeakFinalization(true), config.ErrFrozen)
}

func TestSubmitFromMain(t *testing.T) {
	rt, _, _ := newTestRuntime(t, nil)
	var got atomic.Int64
	code := rt.Start(sched.Coroutine(func(y *sched.Yielder) (any, error) {
		var hs []*sched.Handle
		for i := 1; i <= 10; i++ {
			n := int64(i)
			hs = append(hs, rt.Submit(sched.Func(func(*sched.Context) (any, error) {
				return n, nil
			})))
		}
		for _, h := range hs {
			v, err := y.Wait(h)
			if err != nil {
				return nil, err
			}
			got.Add(v.(int64))
		}
		return nil, nil
	}))
	assert.Equal(t, 0, code)
	assert.Equal(t, int64(55), got.Load())
}

func TestSubmitWaitPropagatesFailure(t *testing.T) {
	rt, _, _ := newTestRuntime(t, nil)
	cause := errors.New("worker failed")
	var waitErr error
	rt.Start(sched.Func(func(*sched.Context) (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, waitErr = rt.SubmitWait(ctx, sched.Func(func(*sched.Context) (any, error) {
			return nil, cause
		}))
		return nil, nil
	}))
	var tk *sched.ThreadKilledError
	require.ErrorAs(t, waitErr, &tk)
	assert.ErrorIs(t, waitErr, cause)
}

func TestShutdownHardCallsExit(t *testing.T) {
	rt, out, rec := newTestRuntime(t, nil)
	fmt.Fprint(rt.Stdout(), "pending")
	rt.Shutdown(0, false, true)
	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, int32(0), rec.code.Load())
	assert.Equal(t, "pending", out.String(), "graceful path flushes before exiting")
}

func TestShutdownFastSkipsFlush(t *testing.T) {
	rt, out, rec := newTestRuntime(t, nil)
	fmt.Fprint(rt.Stdout(), "pending")
	rt.Shutdown(3, true, false)
	assert.Equal(t, int32(3), rec.code.Load())
	assert.Empty(t, out.String())
}

func TestShutdownSignalExitsWithOne(t *testing.T) {
	rt, _, rec := newTestRuntime(t, nil)
	rt.ShutdownSignal(syscall.SIGTERM, false)
	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, int32(1), rec.code.Load())
}

func TestShutdownUnwindsMainThread(t *testing.T) {
	rt, _, rec := newTestRuntime(t, nil)
	code := rt.Start(sched.Coroutine(func(y *sched.Yielder) (any, error) {
		rt.Submit(sched.Func(func(*sched.Context) (any, error) {
			rt.Shutdown(0, false, false)
			return nil, nil
		}))
		return nil, y.Block(tso.BlockIO, sched.NewEvent())
	}))
	assert.Equal(t, 0, code)
	assert.Zero(t, rec.calls.Load())
	_, err := rt.MainThread().Result()
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestFinalizersRunBeforeStartReturns(t *testing.T) {
	rt, _, _ := newTestRuntime(t, nil)
	var ran atomic.Int32
	code := rt.Start(sched.Func(func(*sched.Context) (any, error) {
		v := new(int)
		ref := Register(rt, v, func() { ran.Add(1) })
		rt.Weak().ReportUnreachable(ref.ID())
		return nil, nil
	}))
	assert.Equal(t, 0, code)
	assert.Equal(t, int32(1), ran.Load())
}
