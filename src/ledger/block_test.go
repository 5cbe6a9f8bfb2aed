package ledger

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/gleisnetz/blockstelle/src/crypto/keys"
	"github.com/gleisnetz/blockstelle/src/peers"
)

func createTestTransactions(t *testing.T, n int) []Transaction {
	privateKey, _ := keys.GenerateECDSAKey()
	sender := keys.PublicKeyHex(&privateKey.PublicKey)

	txs := []Transaction{}
	for i := 0; i < n; i++ {
		tx := NewKeyValueWrite(sender, fmt.Sprintf("speed-%d", i), []byte("87.2"))
		tx.Body.Timestamp = int64(i + 1)
		if err := tx.Sign(privateKey); err != nil {
			t.Fatal(err)
		}
		txs = append(txs, *tx)
	}

	return txs
}

func createTestBlock(t *testing.T) *Block {
	privateKey, _ := keys.GenerateECDSAKey()
	proposer := keys.PublicKeyHex(&privateKey.PublicKey)

	block, err := NewBlock(0, []byte{}, proposer, 12345, createTestTransactions(t, 3))
	if err != nil {
		t.Fatal(err)
	}

	return block
}

func TestNewBlock(t *testing.T) {
	block := createTestBlock(t)

	if block.Index() != 0 {
		t.Fatalf("unexpected index %d", block.Index())
	}
	if len(block.PreviousHash()) != 0 {
		t.Fatalf("genesis block should have an empty previous hash")
	}
	if len(block.Body.TxRoot) != 32 {
		t.Fatalf("unexpected tx root length %d", len(block.Body.TxRoot))
	}
	if len(block.Transactions()) != 3 {
		t.Fatalf("unexpected transaction count %d", len(block.Transactions()))
	}
}

func TestTxRoot(t *testing.T) {
	txs := createTestTransactions(t, 3)

	root, err := TxRoot(txs)
	if err != nil {
		t.Fatal(err)
	}

	again, err := TxRoot(txs)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(root, again) {
		t.Fatal("tx root is not deterministic")
	}

	reordered := []Transaction{txs[1], txs[0], txs[2]}
	other, err := TxRoot(reordered)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(root, other) {
		t.Fatal("tx root should depend on transaction order")
	}

	empty, err := TxRoot(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 32 {
		t.Fatalf("unexpected empty root length %d", len(empty))
	}
	if bytes.Equal(empty, root) {
		t.Fatal("empty root should differ from a populated root")
	}
}

func TestSignBlock(t *testing.T) {
	privateKey, _ := keys.GenerateECDSAKey()

	block := createTestBlock(t)

	sig, err := block.Sign(privateKey)
	if err != nil {
		t.Fatal(err)
	}

	res, err := block.Verify(sig)
	if err != nil {
		t.Fatalf("Error verifying signature: %v", err)
	}
	if !res {
		t.Fatal("Verify returned false")
	}
}

func TestAppendSignature(t *testing.T) {
	privateKey, _ := keys.GenerateECDSAKey()

	block := createTestBlock(t)

	sig, err := block.Sign(privateKey)
	if err != nil {
		t.Fatal(err)
	}

	if err := block.AppendSignature(sig); err != nil {
		t.Fatal(err)
	}

	blockSignature, err := block.GetSignature(keys.PublicKeyHex(&privateKey.PublicKey))
	if err != nil {
		t.Fatal(err)
	}

	res, err := block.Verify(blockSignature)
	if err != nil {
		t.Fatalf("Error verifying signature: %v", err)
	}
	if !res {
		t.Fatal("Verify returned false")
	}
}

func TestBlockHashExcludesSignatures(t *testing.T) {
	privateKey, _ := keys.GenerateECDSAKey()
	proposer := keys.PublicKeyHex(&privateKey.PublicKey)

	txs := createTestTransactions(t, 2)

	bare, err := NewBlock(0, []byte{}, proposer, 12345, txs)
	if err != nil {
		t.Fatal(err)
	}

	signed, err := NewBlock(0, []byte{}, proposer, 12345, txs)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signed.Sign(privateKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := signed.AppendSignature(sig); err != nil {
		t.Fatal(err)
	}

	if bare.Hex() != signed.Hex() {
		t.Fatalf("signatures changed the block hash: %s != %s", bare.Hex(), signed.Hex())
	}
}

func TestVerifyQuorum(t *testing.T) {
	n := 4

	pirs := []*peers.Peer{}
	privateKeys := []*ecdsa.PrivateKey{}
	for i := 0; i < n; i++ {
		key, _ := keys.GenerateECDSAKey()
		peer := peers.NewPeer(
			keys.PublicKeyHex(&key.PublicKey),
			fmt.Sprintf("127.0.0.1:%d", 1337+i),
			fmt.Sprintf("127.0.0.1:%d", 3130+i),
			fmt.Sprintf("rpu%d", i),
		)
		pirs = append(pirs, peer)
		privateKeys = append(privateKeys, key)
	}

	peerSet := peers.NewPeerSet(pirs)

	block := createTestBlock(t)

	//SuperMajority(4) = 3
	for i := 0; i < 2; i++ {
		sig, err := block.Sign(privateKeys[i])
		if err != nil {
			t.Fatal(err)
		}
		if err := block.AppendSignature(sig); err != nil {
			t.Fatal(err)
		}
	}

	ok, err := block.VerifyQuorum(peerSet)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("2 signatures out of 4 should not form a quorum")
	}

	//a signature from outside the committee must not count
	outsider, _ := keys.GenerateECDSAKey()
	sig, err := block.Sign(outsider)
	if err != nil {
		t.Fatal(err)
	}
	if err := block.AppendSignature(sig); err != nil {
		t.Fatal(err)
	}

	ok, err = block.VerifyQuorum(peerSet)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("an outsider signature should not count towards the quorum")
	}

	sig, err = block.Sign(privateKeys[2])
	if err != nil {
		t.Fatal(err)
	}
	if err := block.AppendSignature(sig); err != nil {
		t.Fatal(err)
	}

	ok, err = block.VerifyQuorum(peerSet)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("3 committee signatures out of 4 should form a quorum")
	}
}

func TestBlockMarshal(t *testing.T) {
	privateKey, _ := keys.GenerateECDSAKey()

	block := createTestBlock(t)

	sig, err := block.Sign(privateKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := block.AppendSignature(sig); err != nil {
		t.Fatal(err)
	}

	raw, err := block.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	decoded := new(Block)
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}

	if decoded.Hex() != block.Hex() {
		t.Fatalf("hash changed across encoding: %s != %s", decoded.Hex(), block.Hex())
	}
	if len(decoded.GetSignatures()) != 1 {
		t.Fatalf("signatures were dropped across encoding")
	}

	decodedSig, err := decoded.GetSignature(keys.PublicKeyHex(&privateKey.PublicKey))
	if err != nil {
		t.Fatal(err)
	}
	ok, err := decoded.Verify(decodedSig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("decoded signature does not verify")
	}
}
