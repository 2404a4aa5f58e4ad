package weakref

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	name string
	buf  []byte
}

func newPayload(name string) *payload {
	return &payload{name: name, buf: make([]byte, 1024)}
}

func TestFinalizerRunsExactlyOnce(t *testing.T) {
	tab := NewTable()
	target := newPayload("a")
	var runs atomic.Int32
	var sawTarget atomic.Bool
	var ref *Ref[payload]
	ref = Register(tab, target, func() {
		runs.Add(1)
		sawTarget.Store(ref.Deref() != nil)
	})
	assert.Same(t, target, ref.Deref())

	require.True(t, tab.ReportUnreachable(ref.ID()))
	assert.Nil(t, ref.Deref(), "reference is cleared before the finalizer runs")
	assert.Equal(t, int32(0), runs.Load(), "finalizers run only at controlled points")
	assert.Equal(t, 1, tab.Pending())

	assert.False(t, tab.ReportUnreachable(ref.ID()), "second report is a no-op")
	assert.Equal(t, 1, tab.Pending())

	assert.Equal(t, 1, tab.RunFinalizers(0))
	assert.Equal(t, 0, tab.RunFinalizers(0))
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, sawTarget.Load(), "finalizer must not observe a live target")
	runtime.KeepAlive(target)
}

func TestFinalizersRunInMarkOrder(t *testing.T) {
	tab := NewTable()
	var order []string
	var refs []*Ref[payload]
	var keep []*payload
	for _, n := range []string{"a", "b", "c"} {
		p := newPayload(n)
		keep = append(keep, p)
		name := n
		refs = append(refs, Register(tab, p, func() { order = append(order, name) }))
	}
	tab.ReportUnreachable(refs[2].ID())
	tab.ReportUnreachable(refs[0].ID())
	tab.ReportUnreachable(refs[1].ID())

	assert.Equal(t, 2, tab.RunFinalizers(2))
	assert.Equal(t, []string{"c", "a"}, order)
	assert.Equal(t, 1, tab.RunFinalizers(0))
	assert.Equal(t, []string{"c", "a", "b"}, order)
	runtime.KeepAlive(keep)
}

func TestEntryWithoutFinalizer(t *testing.T) {
	tab := NewTable()
	p := newPayload("x")
	ref := Register(tab, p, nil)
	require.True(t, tab.ReportUnreachable(ref.ID()))
	assert.Nil(t, ref.Deref())
	assert.Equal(t, 0, tab.Pending())
	assert.Equal(t, 0, tab.Stats().Live)
	runtime.KeepAlive(p)
}

func TestExplicitFinalize(t *testing.T) {
	tab := NewTable()
	p := newPayload("x")
	runs := 0
	ref := Register(tab, p, func() { runs++ })

	assert.True(t, ref.Finalize())
	assert.Equal(t, 1, runs)
	assert.Nil(t, ref.Deref())
	assert.False(t, ref.Finalize())
	assert.False(t, tab.ReportUnreachable(ref.ID()))
	assert.Equal(t, 0, tab.RunFinalizers(0))
	assert.Equal(t, 1, runs)
	runtime.KeepAlive(p)
}

func TestFinalizerPanicIsContained(t *testing.T) {
	tab := NewTable()
	p, q := newPayload("p"), newPayload("q")
	ran := false
	r1 := Register(tab, p, func() { panic("bad finalizer") })
	r2 := Register(tab, q, func() { ran = true })
	tab.ReportUnreachable(r1.ID())
	tab.ReportUnreachable(r2.ID())

	assert.Equal(t, 2, tab.RunFinalizers(0))
	assert.True(t, ran)
	st := tab.Stats()
	assert.Equal(t, uint64(1), st.Panics)
	assert.Equal(t, uint64(2), st.Finalized)
	runtime.KeepAlive(p)
	runtime.KeepAlive(q)
}

func TestCollectorReportsUnreachable(t *testing.T) {
	tab := NewTable(WithGCOnFinalization(true))
	var runs atomic.Int32
	func() {
		p := newPayload("garbage")
		Register(tab, p, func() { runs.Add(1) })
	}()

	require.Eventually(t, func() bool {
		tab.ResolvePending()
		return runs.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	runtime.GC()
	tab.ResolvePending()
	assert.Equal(t, int32(1), runs.Load())
}
