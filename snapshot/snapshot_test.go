package snapshot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Snapshot {
	return &Snapshot{
		TakenNS: 100,
		Capabilities: []Capability{
			{ID: 0, Bootstrap: true, Current: 1, Local: []int64{2, 3}},
			{ID: 1, Local: []int64{4}, Blocked: []int64{5}},
		},
		Global:   []int64{6},
		Runnable: []int64{2, 3, 4, 6},
		States: []StateCount{
			{State: "Blocked", Count: 1},
			{State: "Runnable", Count: 4},
			{State: "Running", Count: 1},
		},
		SparkPool: 3,
	}
}

func TestSnapshot_SerializeRoundTrip(t *testing.T) {
	s := sample()
	var buf bytes.Buffer
	require.NoError(t, s.Serialize(&buf))

	back := &Snapshot{}
	require.NoError(t, back.Deserialize(&buf))
	assert.Equal(t, s.Global, back.Global)
	assert.Equal(t, s.Capabilities[1].Blocked, back.Capabilities[1].Blocked)
	assert.Equal(t, s.States, back.States)
}

func TestSnapshot_HashIgnoresTime(t *testing.T) {
	a, b := sample(), sample()
	b.TakenNS = 999
	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	b.Global = append(b.Global, 7)
	hc, err := b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestSnapshot_CheckQueues(t *testing.T) {
	s := sample()
	require.NoError(t, s.CheckQueues())
	assert.Equal(t, 4, s.QueuedCount())

	dup := sample()
	dup.Global = append(dup.Global, 2)
	assert.ErrorContains(t, dup.CheckQueues(), "in 2 run queues")

	missing := sample()
	missing.Runnable = append(missing.Runnable, 9)
	assert.ErrorContains(t, missing.CheckQueues(), "in no run queue")

	extra := sample()
	extra.Runnable = []int64{2, 3, 4}
	assert.ErrorContains(t, extra.CheckQueues(), "non-runnable threads [6]")
}

func TestStore_DedupAndEvict(t *testing.T) {
	st := NewStore(2)
	h1, err := st.Put(sample())
	require.NoError(t, err)
	again := sample()
	again.TakenNS = 5
	h1b, err := st.Put(again)
	require.NoError(t, err)
	assert.Equal(t, h1, h1b)
	assert.Equal(t, 1, st.Len())

	s2 := sample()
	s2.SparkPool = 10
	h2, err := st.Put(s2)
	require.NoError(t, err)
	s3 := sample()
	s3.SparkPool = 11
	h3, err := st.Put(s3)
	require.NoError(t, err)

	assert.Equal(t, 2, st.Len())
	assert.False(t, st.Has(h1), "oldest entry evicted")
	assert.True(t, st.Has(h2))
	latest, ok := st.Latest()
	require.True(t, ok)
	assert.Equal(t, h3, latest)

	got, err := st.Get(h3)
	require.NoError(t, err)
	assert.Equal(t, 11, got.SparkPool)

	_, err = st.Get(h1)
	assert.Error(t, err)
}
