package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timewinder-dev/greenrt/config"
	"github.com/timewinder-dev/greenrt/sched"
	"github.com/timewinder-dev/greenrt/snapshot"
)

type fakeSource struct {
	snap *snapshot.Snapshot
	err  error
}

func (f *fakeSource) Stats() sched.Stats           { return sched.Stats{Capabilities: 2, Threads: 3} }
func (f *fakeSource) Snapshot() *snapshot.Snapshot { return f.snap }
func (f *fakeSource) CheckInvariants() error       { return f.err }

func sampleSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		TakenNS: 1,
		Capabilities: []snapshot.Capability{
			{ID: 0, Bootstrap: true, Current: -1, Local: []int64{4}},
		},
		Runnable: []int64{4},
		States:   []snapshot.StateCount{{State: "Runnable", Count: 1}},
	}
}

func doGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	src := &fakeSource{snap: sampleSnapshot()}
	srv := New(src, WithLogger(zerolog.Nop()))

	w := doGet(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	src.err = errors.New("runnable thread 9 is in no run queue")
	w = doGet(t, srv, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Error, "no run queue")
}

func TestSchedState(t *testing.T) {
	srv := New(&fakeSource{snap: sampleSnapshot()}, WithLogger(zerolog.Nop()))
	w := doGet(t, srv, "/debug/sched/")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp schedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Stats.Capabilities)
	assert.Equal(t, []int64{4}, resp.Snapshot.Runnable)
	assert.NotEmpty(t, resp.Hash)
}

func TestSnapshotIsMsgpack(t *testing.T) {
	srv := New(&fakeSource{snap: sampleSnapshot()}, WithLogger(zerolog.Nop()))
	w := doGet(t, srv, "/debug/sched/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/msgpack", w.Header().Get("Content-Type"))

	var got snapshot.Snapshot
	require.NoError(t, got.Deserialize(w.Body))
	assert.Equal(t, []int64{4}, got.Capabilities[0].Local)
}

func TestStoredSnapshots(t *testing.T) {
	store := snapshot.NewStore(4)
	h, err := store.Put(sampleSnapshot())
	require.NoError(t, err)

	srv := New(&fakeSource{snap: sampleSnapshot()}, WithLogger(zerolog.Nop()), WithSnapshots(store))
	w := doGet(t, srv, "/debug/sched/snapshots/"+strconv.FormatUint(uint64(h), 16))
	require.Equal(t, http.StatusOK, w.Code)

	w = doGet(t, srv, "/debug/sched/snapshots/zz")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doGet(t, srv, "/debug/sched/snapshots/1")
	assert.Equal(t, http.StatusNotFound, w.Code)

	bare := New(&fakeSource{snap: sampleSnapshot()}, WithLogger(zerolog.Nop()))
	w = doGet(t, bare, "/debug/sched/snapshots/1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsFromScheduler(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := sched.New(config.Default(), sched.WithLogger(zerolog.Nop()), sched.WithMetrics(reg))
	require.NoError(t, err)

	srv := New(s, WithLogger(zerolog.Nop()), WithGatherer(reg))
	w := doGet(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "greenrt_sched_capabilities")
	assert.Contains(t, w.Body.String(), "greenrt_sched_global_queue_depth")
}
