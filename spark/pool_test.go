package spark

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	name string
	done atomic.Bool
}

func (f *fakeTarget) Evaluated() bool { return f.done.Load() }

func target(name string) *fakeTarget { return &fakeTarget{name: name} }

func TestPool_OfferAndClaimFIFO(t *testing.T) {
	p := New(8, true)
	for _, n := range []string{"a", "b", "c"} {
		_, res := p.Offer(target(n))
		assert.Equal(t, OfferAdded, res)
	}
	assert.Equal(t, 3, p.Len())

	for _, want := range []string{"a", "b", "c"} {
		s, ok := p.Claim()
		require.True(t, ok)
		assert.Equal(t, want, s.Target.(*fakeTarget).name)
	}
	_, ok := p.Claim()
	assert.False(t, ok)
}

func TestPool_FullPoolEvictsOldest(t *testing.T) {
	const max = 16
	p := New(max, true)
	var first Spark
	for i := 0; i < max; i++ {
		s, res := p.Offer(target("never-claimed"))
		require.Equal(t, OfferAdded, res)
		if i == 0 {
			first = s
		}
	}
	require.Equal(t, max, p.Len())

	extra, res := p.Offer(target("extra"))
	assert.Equal(t, OfferEvicted, res)
	assert.Equal(t, max, p.Len(), "pool stays at the cap")

	seen := map[uuid.UUID]bool{}
	for {
		s, ok := p.Claim()
		if !ok {
			break
		}
		seen[s.Token] = true
	}
	assert.False(t, seen[first.Token], "oldest spark was evicted")
	assert.True(t, seen[extra.Token])
	assert.Equal(t, uint64(1), p.Stats().Evicted)
}

func TestPool_FullPoolDropsWhenEvictionDisabled(t *testing.T) {
	p := New(2, false)
	a, _ := p.Offer(target("a"))
	p.Offer(target("b"))
	_, res := p.Offer(target("c"))
	assert.Equal(t, OfferDropped, res)
	assert.Equal(t, 2, p.Len())

	s, ok := p.Claim()
	require.True(t, ok)
	assert.Equal(t, a.Token, s.Token)
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestPool_ClaimPrunesEvaluatedLazily(t *testing.T) {
	p := New(4, true)
	a, b := target("a"), target("b")
	p.Offer(a)
	p.Offer(b)
	a.done.Store(true)

	assert.Equal(t, 2, p.Len(), "pruning is lazy")
	s, ok := p.Claim()
	require.True(t, ok)
	assert.Equal(t, "b", s.Target.(*fakeTarget).name)
	st := p.Stats()
	assert.Equal(t, uint64(1), st.Pruned)
	assert.Equal(t, uint64(1), st.Claimed)
}

func TestPool_ConcurrentClaimNeverDuplicates(t *testing.T) {
	const (
		sparks   = 5000
		claimers = 8
		max      = 256
	)
	p := New(max, true)

	var (
		mu      sync.Mutex
		claimed = map[uuid.UUID]int{}
		offers  sync.WaitGroup
		claimWG sync.WaitGroup
		stop    atomic.Bool
		maxSeen atomic.Int64
	)

	offers.Add(2)
	for w := 0; w < 2; w++ {
		go func() {
			defer offers.Done()
			for i := 0; i < sparks/2; i++ {
				p.Offer(target("s"))
				if n := int64(p.Len()); n > maxSeen.Load() {
					maxSeen.Store(n)
				}
			}
		}()
	}

	claimWG.Add(claimers)
	for c := 0; c < claimers; c++ {
		go func() {
			defer claimWG.Done()
			for {
				s, ok := p.Claim()
				if !ok {
					if stop.Load() {
						return
					}
					continue
				}
				mu.Lock()
				claimed[s.Token]++
				mu.Unlock()
			}
		}()
	}

	offers.Wait()
	stop.Store(true)
	claimWG.Wait()

	for tok, n := range claimed {
		assert.Equal(t, 1, n, "spark %s claimed more than once", tok)
	}
	st := p.Stats()
	assert.LessOrEqual(t, maxSeen.Load(), int64(max))
	assert.Equal(t, uint64(sparks), st.Offered)
	assert.Equal(t, st.Offered, st.Claimed+st.Evicted+uint64(st.Size))
}
