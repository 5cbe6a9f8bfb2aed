package ledger

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"

	cm "github.com/gleisnetz/blockstelle/src/common"
)

const (
	blockPrefix = "block"
	snapshotKey = "state_snapshot"
)

// BadgerStore is a write-through Store: every block lands in a Badger
// database before the append returns, with an InmemStore in front serving the
// hot suffix of the chain. SyncWrites is on, a successful SetBlock survives a
// crash.
type BadgerStore struct {
	l sync.Mutex

	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

// NewBadgerStore creates a brand new Store with a new database.
func NewBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: NewInmemStore(cacheSize),
		db:         handle,
		path:       path,
	}

	return store, nil
}

// LoadBadgerStore opens an existing database and recovers the chain head
// from it.
func LoadBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: NewInmemStore(cacheSize),
		db:         handle,
		path:       path,
	}

	head, err := store.dbLastBlockIndex()
	if err != nil {
		store.db.Close()
		return nil, err
	}

	if head >= 0 {
		headBlock, err := store.dbGetBlock(head)
		if err != nil {
			store.db.Close()
			return nil, err
		}
		headHash, err := headBlock.Hash()
		if err != nil {
			store.db.Close()
			return nil, err
		}
		store.inmemStore.Reset(head, headHash)
	}

	return store, nil
}

// LoadOrCreateBadgerStore loads an existing database or creates a new one.
func LoadOrCreateBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	store, err := LoadBadgerStore(cacheSize, path)

	if err != nil {
		store, err = NewBadgerStore(cacheSize, path)

		if err != nil {
			return nil, err
		}
	}

	return store, nil
}

//==============================================================================
//Keys

func blockKey(index int64) []byte {
	return []byte(fmt.Sprintf("%s_%09d", blockPrefix, index))
}

//==============================================================================
//Implement the Store interface

// CacheSize ...
func (s *BadgerStore) CacheSize() int {
	return s.inmemStore.CacheSize()
}

// LastBlockIndex ...
func (s *BadgerStore) LastBlockIndex() int64 {
	return s.inmemStore.LastBlockIndex()
}

// GetBlock reads from the cache first and falls back to the database for
// blocks that were evicted.
func (s *BadgerStore) GetBlock(index int64) (*Block, error) {
	res, err := s.inmemStore.GetBlock(index)
	if err != nil {
		res, err = s.dbGetBlock(index)
	}
	return res, err
}

// SetBlock validates sequencing and the chain link against the current head,
// writes the block durably, and only then updates the cache layer.
func (s *BadgerStore) SetBlock(block *Block) error {
	s.l.Lock()
	defer s.l.Unlock()

	index := block.Index()
	key := strconv.FormatInt(index, 10)

	expected := s.inmemStore.LastBlockIndex() + 1
	if index < expected {
		return cm.NewStoreErr("Block", cm.PassedIndex, key)
	}
	if index > expected {
		return cm.NewStoreErr("Block", cm.SkippedIndex, key)
	}

	headHash := s.inmemStore.HeadHash()
	if expected > 0 {
		if !bytes.Equal(block.PreviousHash(), headHash) {
			return cm.NewStoreErr("Block", cm.ChainMismatch, key)
		}
	} else if len(block.PreviousHash()) != 0 {
		return cm.NewStoreErr("Block", cm.ChainMismatch, key)
	}

	if err := s.dbSetBlock(block); err != nil {
		return err
	}

	return s.inmemStore.SetBlock(block)
}

// Blocks ...
func (s *BadgerStore) Blocks(from, to int64) ([]*Block, error) {
	last := s.LastBlockIndex()

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
func (s *BadgerStore) GetSnapshot() (int64, []byte, error) {
	if index, data, err := s.inmemStore.GetSnapshot(); err == nil {
		return index, data, nil
	}
	return s.dbGetSnapshot()
}

// SetSnapshot ...
func (s *BadgerStore) SetSnapshot(index int64, data []byte) error {
	if err := s.dbSetSnapshot(index, data); err != nil {
		return err
	}
	return s.inmemStore.SetSnapshot(index, data)
}

// Close ...
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

//==============================================================================
//DB Methods

func (s *BadgerStore) dbGetBlock(index int64) (*Block, error) {
	var blockBytes []byte
	key := blockKey(index)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		blockBytes, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return nil, mapError(err, "Block", string(key))
	}

	block := new(Block)
	if err := block.Unmarshal(blockBytes); err != nil {
		return nil, err
	}

	return block, nil
}

func (s *BadgerStore) dbSetBlock(block *Block) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	key := blockKey(block.Index())
	val, err := block.Marshal()
	if err != nil {
		return err
	}

	//insert [index] => [block bytes]
	if err := tx.Set(key, val); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *BadgerStore) dbLastBlockIndex() (int64, error) {
	last := int64(-1)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(blockPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			index, err := strconv.ParseInt(key[len(prefix):], 10, 64)
			if err != nil {
				continue
			}
			if index > last {
				last = index
			}
		}
		return nil
	})

	return last, err
}

type snapshotRecord struct {
	Index int64
	Data  []byte
}

func marshalSnapshotRecord(rec *snapshotRecord) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(rec); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func unmarshalSnapshotRecord(data []byte, rec *snapshotRecord) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(rec)
}

func (s *BadgerStore) dbGetSnapshot() (int64, []byte, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotKey))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return -1, nil, mapError(err, "Snapshot", snapshotKey)
	}

	rec := new(snapshotRecord)
	if err := unmarshalSnapshotRecord(raw, rec); err != nil {
		return -1, nil, err
	}

	return rec.Index, rec.Data, nil
}

func (s *BadgerStore) dbSetSnapshot(index int64, data []byte) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	raw, err := marshalSnapshotRecord(&snapshotRecord{Index: index, Data: data})
	if err != nil {
		return err
	}

	if err := tx.Set([]byte(snapshotKey), raw); err != nil {
		return err
	}

	return tx.Commit()
}

func mapError(err error, dataType, key string) error {
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return cm.NewStoreErr(dataType, cm.KeyNotFound, key)
		}
	}
	return err
}
