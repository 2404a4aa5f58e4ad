package snapshot

import (
	"bytes"
	"container/list"
	"fmt"
	"sync"
)

// Store keeps the most recent distinct snapshots, keyed by content hash,
// evicting the least recently stored one when full.
type Store struct {
	mu        sync.Mutex
	data      map[Hash]*list.Element
	evictList *list.List
	maxSize   int
	latest    Hash
	hasLatest bool
}

type storeEntry struct {
	hash  Hash
	value []byte
}

// NewStore creates a store holding at most maxSize snapshots (0 or negative
// means the default of 64).
func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &Store{
		data:      make(map[Hash]*list.Element),
		evictList: list.New(),
		maxSize:   maxSize,
	}
}

// Put serializes s and stores it under its content hash. Storing an
// identical snapshot again only refreshes its position.
func (st *Store) Put(s *Snapshot) (Hash, error) {
	h, err := s.Hash()
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := s.Serialize(&buf); err != nil {
		return 0, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.latest, st.hasLatest = h, true
	if elem, ok := st.data[h]; ok {
		st.evictList.MoveToFront(elem)
		elem.Value.(*storeEntry).value = buf.Bytes()
		return h, nil
	}
	elem := st.evictList.PushFront(&storeEntry{hash: h, value: buf.Bytes()})
	st.data[h] = elem
	if st.evictList.Len() > st.maxSize {
		st.evictOldest()
	}
	return h, nil
}

// evictOldest removes the least recently stored entry.
func (st *Store) evictOldest() {
	elem := st.evictList.Back()
	if elem != nil {
		st.evictList.Remove(elem)
		delete(st.data, elem.Value.(*storeEntry).hash)
	}
}

// Get decodes the snapshot stored under h.
func (st *Store) Get(h Hash) (*Snapshot, error) {
	st.mu.Lock()
	elem, ok := st.data[h]
	var data []byte
	if ok {
		data = elem.Value.(*storeEntry).value
	}
	st.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("snapshot not found: %d", h)
	}
	out := &Snapshot{}
	if err := out.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("deserializing snapshot: %w", err)
	}
	return out, nil
}

func (st *Store) Has(h Hash) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.data[h]
	return ok
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.evictList.Len()
}

// Latest returns the hash of the most recently stored snapshot.
func (st *Store) Latest() (Hash, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.latest, st.hasLatest
}
