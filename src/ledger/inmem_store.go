package ledger

import (
	"bytes"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	cm "github.com/gleisnetz/blockstelle/src/common"
)

// InmemStore is a Store that only lives in memory. It backs tests and
// ephemeral nodes, and serves as the cache layer of the BadgerStore. Old
// blocks fall out of the LRU cache; reading them yields a TooLate error
// because no durable copy exists.
type InmemStore struct {
	l sync.RWMutex

	cacheSize  int
	blockCache *lru.Cache[int64, *Block]

	lastBlockIndex int64
	headHash       []byte

	snapshotIndex int64
	snapshot      []byte
}

// NewInmemStore instantiates a new InmemStore with the given cache size.
func NewInmemStore(cacheSize int) *InmemStore {
	if cacheSize < 2 {
		cacheSize = 2
	}

	blockCache, _ := lru.New[int64, *Block](cacheSize)

	return &InmemStore{
		cacheSize:      cacheSize,
		blockCache:     blockCache,
		lastBlockIndex: -1,
		snapshotIndex:  -1,
	}
}

// CacheSize ...
func (s *InmemStore) CacheSize() int {
	return s.cacheSize
}

// LastBlockIndex ...
func (s *InmemStore) LastBlockIndex() int64 {
	s.l.RLock()
	defer s.l.RUnlock()
	return s.lastBlockIndex
}

// HeadHash returns the hash of the chain head, or nil for an empty chain.
func (s *InmemStore) HeadHash() []byte {
	s.l.RLock()
	defer s.l.RUnlock()
	res := make([]byte, len(s.headHash))
	copy(res, s.headHash)
	return res
}

// GetBlock ...
func (s *InmemStore) GetBlock(index int64) (*Block, error) {
	s.l.RLock()
	defer s.l.RUnlock()

	key := strconv.FormatInt(index, 10)

	if index < 0 || index > s.lastBlockIndex {
		return nil, cm.NewStoreErr("Block", cm.KeyNotFound, key)
	}

	res, ok := s.blockCache.Get(index)
	if !ok {
		// the block existed but was evicted from the cache
		return nil, cm.NewStoreErr("Block", cm.TooLate, key)
	}

	return res, nil
}

// SetBlock appends the block after checking height sequencing and the chain
// link against the current head.
func (s *InmemStore) SetBlock(block *Block) error {
	s.l.Lock()
	defer s.l.Unlock()

	return s.setBlockLocked(block)
}

func (s *InmemStore) setBlockLocked(block *Block) error {
	index := block.Index()
	key := strconv.FormatInt(index, 10)

	expected := s.lastBlockIndex + 1
	if index < expected {
		return cm.NewStoreErr("Block", cm.PassedIndex, key)
	}
	if index > expected {
		return cm.NewStoreErr("Block", cm.SkippedIndex, key)
	}

	if s.lastBlockIndex >= 0 {
		if !bytes.Equal(block.PreviousHash(), s.headHash) {
			return cm.NewStoreErr("Block", cm.ChainMismatch, key)
		}
	} else if len(block.PreviousHash()) != 0 {
		return cm.NewStoreErr("Block", cm.ChainMismatch, key)
	}

	hash, err := block.Hash()
	if err != nil {
		return err
	}

	s.blockCache.Add(index, block)
	s.lastBlockIndex = index
	s.headHash = hash

	return nil
}

// Blocks ...
func (s *InmemStore) Blocks(from, to int64) ([]*Block, error) {
	s.l.RLock()
	last := s.lastBlockIndex
	s.l.RUnlock()

	if from < 0 {
		from = 0
	}
	if to > last {
		to = last
	}

	res := []*Block{}
	for i := from; i <= to; i++ {
		block, err := s.GetBlock(i)
		if err != nil {
			return nil, err
		}
		res = append(res, block)
	}

	return res, nil
}

// GetSnapshot ...
func (s *InmemStore) GetSnapshot() (int64, []byte, error) {
	s.l.RLock()
	defer s.l.RUnlock()

	if s.snapshotIndex < 0 {
		return -1, nil, cm.NewStoreErr("Snapshot", cm.KeyNotFound, "")
	}

	data := make([]byte, len(s.snapshot))
	copy(data, s.snapshot)

	return s.snapshotIndex, data, nil
}

// SetSnapshot ...
func (s *InmemStore) SetSnapshot(index int64, data []byte) error {
	s.l.Lock()
	defer s.l.Unlock()

	s.snapshotIndex = index
	s.snapshot = make([]byte, len(data))
	copy(s.snapshot, data)

	return nil
}

// Reset points the store at an arbitrary chain head without holding the
// blocks below it. It is used when a durable store rebuilds its cache layer
// on startup: subsequent appends chain from the given head and older blocks
// are served from disk.
func (s *InmemStore) Reset(index int64, headHash []byte) {
	s.l.Lock()
	defer s.l.Unlock()

	s.blockCache.Purge()
	s.lastBlockIndex = index
	s.headHash = make([]byte, len(headHash))
	copy(s.headHash, headHash)
}

// Close ...
func (s *InmemStore) Close() error {
	return nil
}
