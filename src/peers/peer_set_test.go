package peers

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/gleisnetz/blockstelle/src/crypto/keys"
)

func newTestPeers(t *testing.T, n int) []*Peer {
	t.Helper()

	res := []*Peer{}
	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		peer := NewPeer(
			keys.PublicKeyHex(&key.PublicKey),
			fmt.Sprintf("127.0.0.1:%d", 1337+i),
			fmt.Sprintf("127.0.0.1:%d", 7000+i),
			fmt.Sprintf("rpu%d", i),
		)
		res = append(res, peer)
	}
	return res
}

func TestPeerSetSorted(t *testing.T) {
	peers := newTestPeers(t, 4)

	forward := NewPeerSet(peers)

	reversed := make([]*Peer, len(peers))
	for i, p := range peers {
		reversed[len(peers)-1-i] = p
	}
	backward := NewPeerSet(reversed)

	if !reflect.DeepEqual(forward.PubKeys(), backward.PubKeys()) {
		t.Fatalf("PeerSet order should not depend on input order")
	}

	for i := 1; i < len(forward.Peers); i++ {
		if forward.Peers[i-1].PubKeyHex >= forward.Peers[i].PubKeyHex {
			t.Fatalf("peers not sorted by PubKeyHex at %d", i)
		}
	}
}

func TestSuperMajority(t *testing.T) {
	testCases := []struct {
		n    int
		want int
	}{
		{4, 3},
		{5, 4},
		{6, 5},
		{7, 5},
		{10, 7},
	}

	for _, tc := range testCases {
		ps := NewPeerSet(newTestPeers(t, tc.n))
		if sm := ps.SuperMajority(); sm != tc.want {
			t.Fatalf("SuperMajority(%d peers) should be %d, not %d", tc.n, tc.want, sm)
		}
	}
}

func TestTrustCount(t *testing.T) {
	testCases := []struct {
		n    int
		want int
	}{
		{4, 2},
		{7, 3},
		{10, 4},
	}

	for _, tc := range testCases {
		ps := NewPeerSet(newTestPeers(t, tc.n))
		if c := ps.TrustCount(); c != tc.want {
			t.Fatalf("TrustCount(%d peers) should be %d, not %d", tc.n, tc.want, c)
		}
	}
}

func TestLeaderRotation(t *testing.T) {
	ps := NewPeerSet(newTestPeers(t, 4))

	// Rotation is round-robin over the height axis,
	seen := map[string]int{}
	for h := int64(0); h < 4; h++ {
		leader := ps.Leader(h, 0)
		if leader == nil {
			t.Fatalf("no leader for height %d", h)
		}
		seen[leader.PubKeyHex]++
	}
	if len(seen) != 4 {
		t.Fatalf("4 consecutive heights should rotate through 4 leaders, got %d", len(seen))
	}

	// and a view change moves to the next peer at the same height.
	if ps.Leader(2, 1) != ps.Leader(3, 0) {
		t.Fatalf("view+1 at height h should select the same peer as view 0 at h+1")
	}

	// Different PeerSet instances over the same peers agree.
	other := NewPeerSet(ps.Peers)
	for h := int64(0); h < 8; h++ {
		for v := 0; v < 3; v++ {
			if ps.Leader(h, v).PubKeyHex != other.Leader(h, v).PubKeyHex {
				t.Fatalf("leader disagreement at height %d view %d", h, v)
			}
		}
	}
}

func TestPeerSetHash(t *testing.T) {
	peers := newTestPeers(t, 4)

	a := NewPeerSet(peers)

	reversed := make([]*Peer, len(peers))
	for i, p := range peers {
		reversed[len(peers)-1-i] = p
	}
	b := NewPeerSet(reversed)

	if a.Hex() != b.Hex() {
		t.Fatalf("PeerSet hash should not depend on input order: %s != %s", a.Hex(), b.Hex())
	}

	c := NewPeerSet(peers[:3])
	if a.Hex() == c.Hex() {
		t.Fatalf("different memberships should have different hashes")
	}
}

func TestPeerSetMarshal(t *testing.T) {
	ps := NewPeerSet(newTestPeers(t, 4))

	raw, err := ps.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	back, err := NewPeerSetFromPeerSliceBytes(raw)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(ps.PubKeys(), back.PubKeys()) {
		t.Fatalf("round-tripped PeerSet should carry the same peers")
	}

	for _, pub := range ps.PubKeys() {
		orig := ps.ByPubKey[pub]
		got := back.ByPubKey[pub]
		if got.NetAddr != orig.NetAddr || got.TuriAddr != orig.TuriAddr {
			t.Fatalf("round-tripped peer %s lost its endpoints", orig.Moniker)
		}
	}
}
