package net

import (
	"crypto/ecdsa"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/crypto/keys"
	"github.com/gleisnetz/blockstelle/src/ledger"
)

const (
	INMEM = iota
	TCP
	numTestTransports // NOTE: must be last
)

func NewTestTransport(ttype int, addr string, t *testing.T) Transport {
	switch ttype {
	case INMEM:
		_, it := NewInmemTransport(addr)
		return it
	case TCP:
		tt, err := NewTCPTransport(addr, "", 2, time.Second, 2*time.Second, common.NewTestEntry(t, common.TestLogLevel))
		if err != nil {
			t.Fatal(err)
		}
		go tt.Listen()
		return tt
	default:
		panic("Unknown transport type")
	}
}

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	return key, keys.PublicKeyHex(&key.PublicKey)
}

// newTestBlock builds a small signed-transaction block at height 1.
func newTestBlock(t *testing.T, key *ecdsa.PrivateKey, sender string) *ledger.Block {
	tx := ledger.NewKeyValueWrite(sender, "speed", []byte("87.2"))
	tx.Body.Timestamp = 1000
	if err := tx.Sign(key); err != nil {
		t.Fatal(err)
	}

	block, err := ledger.NewBlock(1, []byte("prevhash"), sender, 2000, []ledger.Transaction{*tx})
	if err != nil {
		t.Fatal(err)
	}
	return block
}

func connectInmem(trans1, trans2 Transport, addr1, addr2 string) {
	itrans1 := trans1.(*InmemTransport)
	itrans2 := trans2.(*InmemTransport)
	itrans1.Connect(addr2, trans2)
	itrans2.Connect(addr1, trans1)
}

func TestTransport_StartStop(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans := NewTestTransport(ttype, "127.0.0.1:0", t)
		if err := trans.Close(); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
}

func TestTransport_Propose(t *testing.T) {
	key, sender := newTestKey(t)

	addr1 := "127.0.0.1:10341"
	addr2 := "127.0.0.1:10342"
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, addr1, t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		// Make the RPC request
		args := ProposeRequest{
			Body: ProposeBody{
				From:   sender,
				Height: 1,
				View:   0,
				Block:  *newTestBlock(t, key, sender),
			},
		}
		if err := args.Sign(key); err != nil {
			t.Fatal(err)
		}

		resp := ProposeResponse{
			From:     "responder",
			Accepted: true,
		}

		// Listen for a request
		go func() {
			select {
			case rpc := <-rpcCh:
				// Verify the command
				req := rpc.Command.(*ProposeRequest)
				if req.Body.From != args.Body.From {
					t.Errorf("sender mismatch: %s %s", req.Body.From, args.Body.From)
					return
				}
				if req.Body.Block.Hex() != args.Body.Block.Hex() {
					t.Errorf("block mismatch")
					return
				}
				if ok, err := req.Verify(); err != nil || !ok {
					t.Errorf("received proposal does not verify: %v", err)
					return
				}
				rpc.Respond(&resp, nil)

			case <-time.After(200 * time.Millisecond):
				t.Errorf("timeout")
			}
		}()

		// Transport 2 makes outbound request
		trans2 := NewTestTransport(ttype, addr2, t)
		defer trans2.Close()

		if ttype == INMEM {
			connectInmem(trans1, trans2, addr1, addr2)
		}

		var out ProposeResponse
		if err := trans2.Propose(trans1.LocalAddr(), &args, &out); err != nil {
			t.Fatalf("err: %v", err)
		}

		// Verify the response
		if !reflect.DeepEqual(resp, out) {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
	}
}

func TestTransport_Vote(t *testing.T) {
	key, sender := newTestKey(t)

	block := newTestBlock(t, key, sender)
	blockSignature, err := block.Sign(key)
	if err != nil {
		t.Fatal(err)
	}
	blockHash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}

	addr1 := "127.0.0.1:10343"
	addr2 := "127.0.0.1:10344"
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, addr1, t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		// Make the RPC request
		args := VoteRequest{
			Body: VoteBody{
				From:           sender,
				Height:         1,
				View:           0,
				Phase:          Commit,
				BlockHash:      blockHash,
				BlockSignature: blockSignature,
			},
		}
		if err := args.Sign(key); err != nil {
			t.Fatal(err)
		}

		resp := VoteResponse{
			From:     "responder",
			Accepted: true,
		}

		// Listen for a request
		go func() {
			select {
			case rpc := <-rpcCh:
				// Verify the command
				req := rpc.Command.(*VoteRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
					return
				}
				rpc.Respond(&resp, nil)

			case <-time.After(200 * time.Millisecond):
				t.Errorf("timeout")
			}
		}()

		// Transport 2 makes outbound request
		trans2 := NewTestTransport(ttype, addr2, t)
		defer trans2.Close()

		if ttype == INMEM {
			connectInmem(trans1, trans2, addr1, addr2)
		}

		var out VoteResponse
		if err := trans2.Vote(trans1.LocalAddr(), &args, &out); err != nil {
			t.Fatalf("err: %v", err)
		}

		// Verify the response
		if !reflect.DeepEqual(resp, out) {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
	}
}

func TestTransport_ViewChange(t *testing.T) {
	key, sender := newTestKey(t)

	addr1 := "127.0.0.1:10345"
	addr2 := "127.0.0.1:10346"
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, addr1, t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		// Make the RPC request
		args := ViewChangeRequest{
			Body: ViewChangeBody{
				From:    sender,
				Height:  4,
				NewView: 2,
			},
		}
		if err := args.Sign(key); err != nil {
			t.Fatal(err)
		}

		resp := ViewChangeResponse{
			From:     "responder",
			Accepted: true,
		}

		// Listen for a request
		go func() {
			select {
			case rpc := <-rpcCh:
				// Verify the command
				req := rpc.Command.(*ViewChangeRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
					return
				}
				rpc.Respond(&resp, nil)

			case <-time.After(200 * time.Millisecond):
				t.Errorf("timeout")
			}
		}()

		// Transport 2 makes outbound request
		trans2 := NewTestTransport(ttype, addr2, t)
		defer trans2.Close()

		if ttype == INMEM {
			connectInmem(trans1, trans2, addr1, addr2)
		}

		var out ViewChangeResponse
		if err := trans2.ViewChange(trans1.LocalAddr(), &args, &out); err != nil {
			t.Fatalf("err: %v", err)
		}

		// Verify the response
		if !reflect.DeepEqual(resp, out) {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
	}
}

func TestTransport_Sync(t *testing.T) {
	key, sender := newTestKey(t)

	block := newTestBlock(t, key, sender)

	addr1 := "127.0.0.1:10347"
	addr2 := "127.0.0.1:10348"
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, addr1, t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		// Make the RPC request
		args := SyncRequest{
			Body: SyncBody{
				From:       sender,
				FromHeight: 1,
				Limit:      20,
			},
		}
		if err := args.Sign(key); err != nil {
			t.Fatal(err)
		}

		resp := SyncResponse{
			From:   "responder",
			Head:   1,
			Blocks: []ledger.Block{*block},
		}

		// Listen for a request
		go func() {
			select {
			case rpc := <-rpcCh:
				// Verify the command
				req := rpc.Command.(*SyncRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
					return
				}
				rpc.Respond(&resp, nil)

			case <-time.After(200 * time.Millisecond):
				t.Errorf("timeout")
			}
		}()

		// Transport 2 makes outbound request
		trans2 := NewTestTransport(ttype, addr2, t)
		defer trans2.Close()

		if ttype == INMEM {
			connectInmem(trans1, trans2, addr1, addr2)
		}

		var out SyncResponse
		if err := trans2.Sync(trans1.LocalAddr(), &args, &out); err != nil {
			t.Fatalf("err: %v", err)
		}

		// Verify the response
		if out.Head != resp.Head || len(out.Blocks) != 1 {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
		if out.Blocks[0].Hex() != block.Hex() {
			t.Fatalf("block mismatch")
		}
	}
}

func TestTransport_TxGossip(t *testing.T) {
	key, sender := newTestKey(t)

	tx := ledger.NewKeyValueWrite(sender, "speed", []byte("87.2"))
	tx.Body.Timestamp = 1000
	if err := tx.Sign(key); err != nil {
		t.Fatal(err)
	}

	addr1 := "127.0.0.1:10349"
	addr2 := "127.0.0.1:10350"
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, addr1, t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		// Make the RPC request
		args := TxGossipRequest{
			Body: TxGossipBody{
				From:         sender,
				Transactions: []ledger.Transaction{*tx},
			},
		}
		if err := args.Sign(key); err != nil {
			t.Fatal(err)
		}

		resp := TxGossipResponse{
			From:     "responder",
			Received: 1,
		}

		// Listen for a request
		go func() {
			select {
			case rpc := <-rpcCh:
				// Verify the command
				req := rpc.Command.(*TxGossipRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
					return
				}

				// the forwarded transaction still verifies
				if ok, err := req.Body.Transactions[0].Verify(); err != nil || !ok {
					t.Errorf("gossiped transaction does not verify: %v", err)
					return
				}
				rpc.Respond(&resp, nil)

			case <-time.After(200 * time.Millisecond):
				t.Errorf("timeout")
			}
		}()

		// Transport 2 makes outbound request
		trans2 := NewTestTransport(ttype, addr2, t)
		defer trans2.Close()

		if ttype == INMEM {
			connectInmem(trans1, trans2, addr1, addr2)
		}

		var out TxGossipResponse
		if err := trans2.TxGossip(trans1.LocalAddr(), &args, &out); err != nil {
			t.Fatalf("err: %v", err)
		}

		// Verify the response
		if !reflect.DeepEqual(resp, out) {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
	}
}

func TestTransport_RejectsTampered(t *testing.T) {
	key, sender := newTestKey(t)

	addr1 := "127.0.0.1:10351"
	addr2 := "127.0.0.1:10352"
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, addr1, t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		args := ViewChangeRequest{
			Body: ViewChangeBody{
				From:    sender,
				Height:  4,
				NewView: 2,
			},
		}
		if err := args.Sign(key); err != nil {
			t.Fatal(err)
		}

		// Tamper after signing
		args.Body.NewView = 3

		trans2 := NewTestTransport(ttype, addr2, t)
		defer trans2.Close()

		if ttype == INMEM {
			connectInmem(trans1, trans2, addr1, addr2)
		}

		var out ViewChangeResponse
		if err := trans2.ViewChange(trans1.LocalAddr(), &args, &out); err == nil {
			t.Fatalf("tampered command was accepted")
		}

		// Nothing must have reached the consumer
		select {
		case <-rpcCh:
			t.Fatalf("tampered command was dispatched")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestBroadcast(t *testing.T) {
	targets := []string{"a", "b", "c", "d", "e"}

	var calls int32
	err := Broadcast(targets, 2, func(target string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != int32(len(targets)) {
		t.Fatalf("unexpected call count %d", calls)
	}
}
