package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/timewinder-dev/greenrt/sched"
	"github.com/timewinder-dev/greenrt/snapshot"
)

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Error  string `json:"error,omitempty"`
}

// handleHealth reports 503 when a scheduler invariant does not hold.
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Uptime: time.Since(s.startTime).Round(time.Second).String()}
	status := http.StatusOK
	if err := s.src.CheckInvariants(); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

type schedResponse struct {
	Stats    sched.Stats        `json:"stats"`
	Snapshot *snapshot.Snapshot `json:"snapshot"`
	Hash     string             `json:"hash"`
}

// GET /debug/sched
func (s *Server) handleSched(w http.ResponseWriter, r *http.Request) {
	snap := s.src.Snapshot()
	h, err := snap.Hash()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, schedResponse{
		Stats:    s.src.Stats(),
		Snapshot: snap,
		Hash:     strconv.FormatUint(uint64(h), 16),
	})
}

// handleSnapshot streams a fresh snapshot as msgpack.
// GET /debug/sched/snapshot
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeMsgpack(w, s.src.Snapshot())
}

// GET /debug/sched/snapshots/{hash}
func (s *Server) handleStoredSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotFound, errors.New("snapshot recording is disabled"))
		return
	}
	raw, err := strconv.ParseUint(chi.URLParam(r, "hash"), 16, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.store.Get(snapshot.Hash(raw))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	writeMsgpack(w, snap)
}

func writeMsgpack(w http.ResponseWriter, snap *snapshot.Snapshot) {
	w.Header().Set("Content-Type", "application/msgpack")
	w.WriteHeader(http.StatusOK)
	_ = snap.Serialize(w)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
