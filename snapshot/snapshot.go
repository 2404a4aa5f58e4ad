// Package snapshot holds point-in-time dumps of scheduler state and a small
// content-addressed store for them.
package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/dgryski/go-farm"
	"github.com/shamaton/msgpack/v2"
)

type Hash uint64

// Capability is the dump of one capability.
type Capability struct {
	ID        int
	Bootstrap bool
	Current   int64
	Local     []int64
	Blocked   []int64
	IdleForNS int64
}

// StateCount is the number of live threads in one run state. Counts are kept
// as a sorted slice so serialization, and therefore the hash, is stable.
type StateCount struct {
	State string
	Count int
}

// Snapshot is a dump of the run queues, capabilities and counters. It is
// collected one structure at a time and is only consistent when the
// scheduler is quiescent.
type Snapshot struct {
	TakenNS           int64
	Capabilities      []Capability
	Global            []int64
	Runnable          []int64
	States            []StateCount
	SparkPool         int
	PendingFinalizers int
}

func (s *Snapshot) Serialize(w io.Writer) error {
	return msgpack.MarshalWrite(w, s)
}

func (s *Snapshot) Deserialize(r io.Reader) error {
	return msgpack.UnmarshalRead(r, s)
}

// Hash is a content hash that ignores when the snapshot was taken, so two
// identical scheduler states hash the same.
func (s *Snapshot) Hash() (Hash, error) {
	c := *s
	c.TakenNS = 0
	var buf bytes.Buffer
	if err := c.Serialize(&buf); err != nil {
		return 0, err
	}
	return Hash(farm.Hash64(buf.Bytes())), nil
}

// Membership counts how many queues each thread id appears in.
func (s *Snapshot) Membership() map[int64]int {
	out := make(map[int64]int)
	for _, id := range s.Global {
		out[id]++
	}
	for _, c := range s.Capabilities {
		for _, id := range c.Local {
			out[id]++
		}
	}
	return out
}

// CheckQueues verifies that every Runnable thread is in exactly one run
// queue and that the queues hold nothing else.
func (s *Snapshot) CheckQueues() error {
	member := s.Membership()
	runnable := make(map[int64]bool, len(s.Runnable))
	for _, id := range s.Runnable {
		runnable[id] = true
		switch n := member[id]; n {
		case 1:
		case 0:
			return fmt.Errorf("runnable thread %d is in no run queue", id)
		default:
			return fmt.Errorf("runnable thread %d is in %d run queues", id, n)
		}
	}
	var extra []int64
	for id := range member {
		if !runnable[id] {
			extra = append(extra, id)
		}
	}
	if len(extra) > 0 {
		sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
		return fmt.Errorf("run queues hold non-runnable threads %v", extra)
	}
	return nil
}

// QueuedCount is the total number of queue entries.
func (s *Snapshot) QueuedCount() int {
	n := len(s.Global)
	for _, c := range s.Capabilities {
		n += len(c.Local)
	}
	return n
}
