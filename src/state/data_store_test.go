package state

import (
	"bytes"
	"context"
	"path/filepath"
	"reflect"
	"testing"

	cm "github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/ledger"
)

func openTestDataStore(t *testing.T) *DataStore {
	store, err := OpenDataStore(filepath.Join(t.TempDir(), "values.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func unsignedWrite(owner, key string, value []byte, timestamp int64) ledger.Transaction {
	tx := ledger.NewKeyValueWrite(owner, key, value)
	tx.Body.Timestamp = timestamp
	return *tx
}

func kvBlock(t *testing.T, index int64, timestamp int64, txs []ledger.Transaction) *ledger.Block {
	block, err := ledger.NewBlock(index, []byte{}, "", timestamp, txs)
	if err != nil {
		t.Fatal(err)
	}
	return block
}

func TestDataStoreWriteAndQuery(t *testing.T) {
	store := openTestDataStore(t)
	ctx := context.Background()

	block := kvBlock(t, 0, 100, []ledger.Transaction{
		unsignedWrite("0XA", "speed", []byte("30"), 30),
		unsignedWrite("0XA", "speed", []byte("10"), 10),
		unsignedWrite("0XA", "speed", []byte("20"), 20),
		unsignedWrite("0XA", "temperature", []byte("21.5"), 15),
	})
	if err := store.WriteBlock(ctx, block, nil); err != nil {
		t.Fatal(err)
	}

	values, err := store.GetValues(ctx, "0XA", "speed", ValueFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 3 {
		t.Fatalf("unexpected value count %d", len(values))
	}
	for i, want := range []int64{10, 20, 30} {
		if values[i].Timestamp != want {
			t.Fatalf("value %d has timestamp %d, want %d", i, values[i].Timestamp, want)
		}
	}

	current, err := store.CurrentValue(ctx, "0XA", "speed")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(current.Value, []byte("30")) {
		t.Fatalf("unexpected current value %s", current.Value)
	}

	keys, err := store.Keys(ctx, "0XA")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys, []string{"speed", "temperature"}) {
		t.Fatalf("unexpected keys %v", keys)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Fatalf("unexpected count %d", count)
	}
}

func TestDataStoreTieBreak(t *testing.T) {
	store := openTestDataStore(t)
	ctx := context.Background()

	//two writes with the same timestamp in one block, a third in the next
	if err := store.WriteBlock(ctx, kvBlock(t, 0, 100, []ledger.Transaction{
		unsignedWrite("0XA", "speed", []byte("first"), 50),
		unsignedWrite("0XA", "speed", []byte("second"), 50),
	}), nil); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteBlock(ctx, kvBlock(t, 1, 200, []ledger.Transaction{
		unsignedWrite("0XA", "speed", []byte("third"), 50),
	}), nil); err != nil {
		t.Fatal(err)
	}

	values, err := store.GetValues(ctx, "0XA", "speed", ValueFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 3 {
		t.Fatalf("unexpected value count %d", len(values))
	}
	for i, want := range []string{"first", "second", "third"} {
		if string(values[i].Value) != want {
			t.Fatalf("value %d is %s, want %s", i, values[i].Value, want)
		}
	}

	//the newest by (timestamp, block, position) wins
	current, err := store.CurrentValue(ctx, "0XA", "speed")
	if err != nil {
		t.Fatal(err)
	}
	if string(current.Value) != "third" {
		t.Fatalf("unexpected current value %s", current.Value)
	}
}

func TestDataStoreFilter(t *testing.T) {
	store := openTestDataStore(t)
	ctx := context.Background()

	txs := []ledger.Transaction{}
	for _, ts := range []int64{10, 20, 30, 40, 50} {
		txs = append(txs, unsignedWrite("0XA", "speed", []byte{byte(ts)}, ts))
	}
	if err := store.WriteBlock(ctx, kvBlock(t, 0, 100, txs), nil); err != nil {
		t.Fatal(err)
	}

	ranged, err := store.GetValues(ctx, "0XA", "speed", ValueFilter{Start: 20, End: 40})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 3 || ranged[0].Timestamp != 20 || ranged[2].Timestamp != 40 {
		t.Fatalf("unexpected range result %v", ranged)
	}

	last, err := store.GetValues(ctx, "0XA", "speed", ValueFilter{Last: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 2 || last[0].Timestamp != 40 || last[1].Timestamp != 50 {
		t.Fatalf("unexpected last result %v", last)
	}
}

func TestDataStoreRejectedSkipped(t *testing.T) {
	store := openTestDataStore(t)
	ctx := context.Background()

	block := kvBlock(t, 0, 100, []ledger.Transaction{
		unsignedWrite("0XA", "speed", []byte("ok"), 10),
		unsignedWrite("0XB", "speed", []byte("denied"), 20),
	})
	receipts := []TxReceipt{
		{Index: 0, Accepted: true},
		{Index: 1, Accepted: false, Reason: "Write Denied, 0XB"},
	}
	if err := store.WriteBlock(ctx, block, receipts); err != nil {
		t.Fatal(err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("unexpected count %d", count)
	}

	if _, err := store.CurrentValue(ctx, "0XB", "speed"); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}
}

func TestDataStoreIdempotence(t *testing.T) {
	store := openTestDataStore(t)
	ctx := context.Background()

	block := kvBlock(t, 3, 100, []ledger.Transaction{
		unsignedWrite("0XA", "speed", []byte("87.2"), 10),
	})

	if err := store.WriteBlock(ctx, block, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteBlock(ctx, block, nil); err != nil {
		t.Fatal(err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("unexpected count %d", count)
	}

	height, err := store.IndexedHeight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if height != 3 {
		t.Fatalf("unexpected indexed height %d", height)
	}
}

func TestIndexedHeightAdvanceOnly(t *testing.T) {
	store := openTestDataStore(t)
	ctx := context.Background()

	height, err := store.IndexedHeight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if height != -1 {
		t.Fatalf("unexpected initial height %d", height)
	}

	if err := store.WriteBlock(ctx, kvBlock(t, 5, 100, nil), nil); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteBlock(ctx, kvBlock(t, 1, 50, nil), nil); err != nil {
		t.Fatal(err)
	}

	height, err = store.IndexedHeight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if height != 5 {
		t.Fatalf("indexed height moved backwards: %d", height)
	}
}

func TestCurrentValueMissing(t *testing.T) {
	store := openTestDataStore(t)

	if _, err := store.CurrentValue(context.Background(), "0XA", "speed"); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}
}
