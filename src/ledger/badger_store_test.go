package ledger

import (
	"os"
	"path/filepath"
	"testing"

	cm "github.com/gleisnetz/blockstelle/src/common"
)

func initBadgerStore(cacheSize int, t *testing.T) *BadgerStore {
	dir := filepath.Join(t.TempDir(), "badger")

	store, err := NewBadgerStore(cacheSize, dir)
	if err != nil {
		t.Fatal(err)
	}

	return store
}

func TestNewBadgerStore(t *testing.T) {
	store := initBadgerStore(10, t)
	defer store.Close()

	if _, err := os.Stat(store.path); err != nil {
		t.Fatalf("err: %s", err)
	}

	chain := createTestChain(t, 3)
	for _, block := range chain {
		if err := store.SetBlock(block); err != nil {
			t.Fatal(err)
		}
	}

	//blocks must land in the database, not just the cache
	for i, block := range chain {
		dbBlock, err := store.dbGetBlock(int64(i))
		if err != nil {
			t.Fatal(err)
		}
		if dbBlock.Hex() != block.Hex() {
			t.Fatalf("block %d changed in the database", i)
		}
	}
}

func TestBadgerSequencing(t *testing.T) {
	store := initBadgerStore(10, t)
	defer store.Close()

	chain := createTestChain(t, 3)

	err := store.SetBlock(chain[2])
	if !cm.IsStore(err, cm.SkippedIndex) {
		t.Fatalf("expected SkippedIndex, got %v", err)
	}

	if err := store.SetBlock(chain[0]); err != nil {
		t.Fatal(err)
	}

	err = store.SetBlock(chain[0])
	if !cm.IsStore(err, cm.PassedIndex) {
		t.Fatalf("expected PassedIndex, got %v", err)
	}

	//right index, wrong chain link
	mislinked, err := NewBlock(1, []byte("bogus"), chain[1].Proposer(), 2000, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = store.SetBlock(mislinked)
	if !cm.IsStore(err, cm.ChainMismatch) {
		t.Fatalf("expected ChainMismatch, got %v", err)
	}

	//rejected blocks must not reach the database
	if _, err := store.dbGetBlock(1); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}
	if _, err := store.dbGetBlock(2); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}
}

func TestBadgerEvictionFallback(t *testing.T) {
	store := initBadgerStore(2, t)
	defer store.Close()

	chain := createTestChain(t, 5)
	for _, block := range chain {
		if err := store.SetBlock(block); err != nil {
			t.Fatal(err)
		}
	}

	//index 0 left the cache long ago; the store must serve it from disk
	block, err := store.GetBlock(0)
	if err != nil {
		t.Fatal(err)
	}
	if block.Hex() != chain[0].Hex() {
		t.Fatal("block 0 changed on its way through the database")
	}

	blocks, err := store.Blocks(0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 5 {
		t.Fatalf("unexpected range length %d", len(blocks))
	}
}

func TestLoadBadgerStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")

	store, err := NewBadgerStore(10, dir)
	if err != nil {
		t.Fatal(err)
	}

	chain := createTestChain(t, 4)
	for _, block := range chain[:3] {
		if err := store.SetBlock(block); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.SetSnapshot(2, []byte("worldstate")); err != nil {
		t.Fatal(err)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadBadgerStore(10, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer loaded.Close()

	if loaded.LastBlockIndex() != 2 {
		t.Fatalf("unexpected recovered index %d", loaded.LastBlockIndex())
	}

	block, err := loaded.GetBlock(1)
	if err != nil {
		t.Fatal(err)
	}
	if block.Hex() != chain[1].Hex() {
		t.Fatal("block 1 changed across a restart")
	}

	index, data, err := loaded.GetSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if index != 2 || string(data) != "worldstate" {
		t.Fatalf("snapshot changed across a restart: %d %q", index, data)
	}

	//the recovered head must accept the next block in the chain
	if err := loaded.SetBlock(chain[3]); err != nil {
		t.Fatal(err)
	}
	if loaded.LastBlockIndex() != 3 {
		t.Fatalf("unexpected index %d after append", loaded.LastBlockIndex())
	}
}

func TestLoadBadgerStoreMissing(t *testing.T) {
	if _, err := LoadBadgerStore(10, filepath.Join(t.TempDir(), "nothing")); err == nil {
		t.Fatal("expected an error for a missing database")
	}
}

func TestLoadOrCreateBadgerStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")

	store, err := LoadOrCreateBadgerStore(10, dir)
	if err != nil {
		t.Fatal(err)
	}

	chain := createTestChain(t, 2)
	for _, block := range chain {
		if err := store.SetBlock(block); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := LoadOrCreateBadgerStore(10, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if reopened.LastBlockIndex() != 1 {
		t.Fatalf("unexpected index %d after reopen", reopened.LastBlockIndex())
	}
}
