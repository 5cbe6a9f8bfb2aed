package ledger

import (
	"bytes"
	"testing"

	"github.com/gleisnetz/blockstelle/src/crypto/keys"
)

func newSignedWrite(t *testing.T, key, value string) *Transaction {
	privateKey, _ := keys.GenerateECDSAKey()
	sender := keys.PublicKeyHex(&privateKey.PublicKey)

	tx := NewKeyValueWrite(sender, key, []byte(value))
	if err := tx.Sign(privateKey); err != nil {
		t.Fatal(err)
	}

	return tx
}

func TestSignTransaction(t *testing.T) {
	tx := newSignedWrite(t, "speed", "87.2")

	ok, err := tx.Verify()
	if err != nil {
		t.Fatalf("Error verifying signature: %v", err)
	}
	if !ok {
		t.Fatal("Verify returned false")
	}
}

func TestTransactionHashExcludesSignature(t *testing.T) {
	privateKey, _ := keys.GenerateECDSAKey()
	sender := keys.PublicKeyHex(&privateKey.PublicKey)

	body := TransactionBody{
		Type:      KEY_VALUE,
		Sender:    sender,
		Timestamp: 12345,
		Key:       "speed",
		Value:     []byte("87.2"),
	}

	unsigned := &Transaction{Body: body}
	signed := &Transaction{Body: body}
	if err := signed.Sign(privateKey); err != nil {
		t.Fatal(err)
	}

	h1, err := unsigned.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := signed.Hash()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(h1, h2) {
		t.Fatalf("signing changed the hash: %X != %X", h1, h2)
	}
}

func TestTransactionHashTimestamp(t *testing.T) {
	privateKey, _ := keys.GenerateECDSAKey()
	sender := keys.PublicKeyHex(&privateKey.PublicKey)

	tx1 := NewKeyValueWrite(sender, "speed", []byte("87.2"))
	tx2 := NewKeyValueWrite(sender, "speed", []byte("87.2"))
	tx1.Body.Timestamp = 1
	tx2.Body.Timestamp = 2

	if tx1.Hex() == tx2.Hex() {
		t.Fatal("identical writes with different timestamps should hash differently")
	}

	tx2.Body.Timestamp = 1
	tx2.hash = nil
	tx2.hex = ""
	if tx1.Hex() != tx2.Hex() {
		t.Fatalf("identical bodies should hash identically: %s != %s", tx1.Hex(), tx2.Hex())
	}
}

func TestVerifyTamperedTransaction(t *testing.T) {
	tx := newSignedWrite(t, "speed", "87.2")

	tx.Body.Value = []byte("187.2")

	ok, err := tx.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Verify accepted a tampered body")
	}
}

func TestVerifyMalformedSender(t *testing.T) {
	tx := NewKeyValueWrite("0Xnothex", "speed", []byte("87.2"))
	tx.Signature = "1|2"

	if _, err := tx.Verify(); err == nil {
		t.Fatal("expected an error for a malformed sender key")
	}

	tx = newSignedWrite(t, "speed", "87.2")
	tx.Signature = "nonsense"

	if _, err := tx.Verify(); err == nil {
		t.Fatal("expected an error for a malformed signature")
	}
}

func TestTransactionMarshal(t *testing.T) {
	tx := newSignedWrite(t, "speed", "87.2")

	raw, err := tx.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	decoded := new(Transaction)
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}

	if decoded.Hex() != tx.Hex() {
		t.Fatalf("hash changed across encoding: %s != %s", decoded.Hex(), tx.Hex())
	}

	ok, err := decoded.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("decoded transaction does not verify")
	}
}

func TestAccountTransactionMarshal(t *testing.T) {
	privateKey, _ := keys.GenerateECDSAKey()
	sender := keys.PublicKeyHex(&privateKey.PublicKey)

	targetKey, _ := keys.GenerateECDSAKey()
	target := keys.PublicKeyHex(&targetKey.PublicKey)

	accountType := RPU
	expiry := int64(2051222400000000000)
	writing := true
	peerAddr := "10.1.0.7:1337"
	turiAddr := "10.1.0.7:3130"

	tx := NewCreateAccount(sender, target, "rpu-wheelset-4", &AccountUpdate{
		AccountType:   &accountType,
		Expiry:        &expiry,
		WritingRights: &writing,
		PeerAddr:      &peerAddr,
		TuriAddr:      &turiAddr,
	})
	if err := tx.Sign(privateKey); err != nil {
		t.Fatal(err)
	}

	raw, err := tx.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	decoded := new(Transaction)
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}

	if decoded.Body.Type != CREATE_ACCOUNT {
		t.Fatalf("unexpected type %v", decoded.Body.Type)
	}
	if decoded.Body.Target != target {
		t.Fatalf("unexpected target %s", decoded.Body.Target)
	}
	if decoded.Body.Update == nil {
		t.Fatal("update payload was dropped")
	}
	if got := *decoded.Body.Update.AccountType; got != RPU {
		t.Fatalf("unexpected account type %v", got)
	}
	if got := *decoded.Body.Update.TuriAddr; got != turiAddr {
		t.Fatalf("unexpected turi address %s", got)
	}

	ok, err := decoded.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("decoded transaction does not verify")
	}
}
