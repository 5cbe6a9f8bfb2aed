package ledger

import (
	"testing"

	cm "github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/crypto/keys"
)

func createTestChain(t *testing.T, n int) []*Block {
	privateKey, _ := keys.GenerateECDSAKey()
	proposer := keys.PublicKeyHex(&privateKey.PublicKey)

	chain := []*Block{}
	previousHash := []byte{}
	for i := 0; i < n; i++ {
		block, err := NewBlock(int64(i), previousHash, proposer, int64(1000+i), createTestTransactions(t, 2))
		if err != nil {
			t.Fatal(err)
		}
		chain = append(chain, block)

		previousHash, err = block.Hash()
		if err != nil {
			t.Fatal(err)
		}
	}

	return chain
}

func TestInmemSetBlock(t *testing.T) {
	store := NewInmemStore(10)

	if store.LastBlockIndex() != -1 {
		t.Fatalf("empty store should report index -1, not %d", store.LastBlockIndex())
	}

	chain := createTestChain(t, 3)
	for _, block := range chain {
		if err := store.SetBlock(block); err != nil {
			t.Fatal(err)
		}
	}

	if store.LastBlockIndex() != 2 {
		t.Fatalf("unexpected last index %d", store.LastBlockIndex())
	}

	for i, block := range chain {
		stored, err := store.GetBlock(int64(i))
		if err != nil {
			t.Fatal(err)
		}
		if stored.Hex() != block.Hex() {
			t.Fatalf("block %d changed in the store", i)
		}
	}

	blocks, err := store.Blocks(0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 3 {
		t.Fatalf("unexpected range length %d", len(blocks))
	}
}

func TestInmemSequencing(t *testing.T) {
	store := NewInmemStore(10)
	chain := createTestChain(t, 4)

	//appending out of order must fail
	err := store.SetBlock(chain[1])
	if !cm.IsStore(err, cm.SkippedIndex) {
		t.Fatalf("expected SkippedIndex, got %v", err)
	}

	if err := store.SetBlock(chain[0]); err != nil {
		t.Fatal(err)
	}
	if err := store.SetBlock(chain[1]); err != nil {
		t.Fatal(err)
	}

	//re-appending an old index must fail
	err = store.SetBlock(chain[0])
	if !cm.IsStore(err, cm.PassedIndex) {
		t.Fatalf("expected PassedIndex, got %v", err)
	}

	//right index, wrong chain link
	mislinked, err := NewBlock(2, []byte("bogus"), chain[2].Proposer(), 2000, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = store.SetBlock(mislinked)
	if !cm.IsStore(err, cm.ChainMismatch) {
		t.Fatalf("expected ChainMismatch, got %v", err)
	}

	if store.LastBlockIndex() != 1 {
		t.Fatalf("failed appends must not move the head, index is %d", store.LastBlockIndex())
	}
}

func TestInmemGenesisLink(t *testing.T) {
	store := NewInmemStore(10)

	privateKey, _ := keys.GenerateECDSAKey()
	proposer := keys.PublicKeyHex(&privateKey.PublicKey)

	block, err := NewBlock(0, []byte("bogus"), proposer, 1000, nil)
	if err != nil {
		t.Fatal(err)
	}

	err = store.SetBlock(block)
	if !cm.IsStore(err, cm.ChainMismatch) {
		t.Fatalf("expected ChainMismatch for a genesis block with a previous hash, got %v", err)
	}
}

func TestInmemTooLate(t *testing.T) {
	store := NewInmemStore(2)

	chain := createTestChain(t, 5)
	for _, block := range chain {
		if err := store.SetBlock(block); err != nil {
			t.Fatal(err)
		}
	}

	_, err := store.GetBlock(0)
	if !cm.IsStore(err, cm.TooLate) {
		t.Fatalf("expected TooLate for an evicted block, got %v", err)
	}

	if _, err := store.GetBlock(4); err != nil {
		t.Fatal(err)
	}
}

func TestInmemGetBlockOutOfRange(t *testing.T) {
	store := NewInmemStore(10)

	chain := createTestChain(t, 2)
	for _, block := range chain {
		if err := store.SetBlock(block); err != nil {
			t.Fatal(err)
		}
	}

	_, err := store.GetBlock(7)
	if !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound above the head, got %v", err)
	}

	_, err = store.GetBlock(-1)
	if !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound below zero, got %v", err)
	}
}

func TestInmemSnapshot(t *testing.T) {
	store := NewInmemStore(10)

	_, _, err := store.GetSnapshot()
	if !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound without a snapshot, got %v", err)
	}

	if err := store.SetSnapshot(7, []byte("worldstate")); err != nil {
		t.Fatal(err)
	}

	index, data, err := store.GetSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if index != 7 {
		t.Fatalf("unexpected snapshot index %d", index)
	}
	if string(data) != "worldstate" {
		t.Fatalf("unexpected snapshot data %q", data)
	}
}
