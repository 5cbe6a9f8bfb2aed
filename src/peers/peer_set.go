package peers

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"

	"github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/crypto"
)

//PeerSet is the set of RPUs forming the consensus committee for a range of
//heights. It is always derived from committed ledger state (or from the
//genesis document), never from in-flight transactions. Peers are kept sorted
//by public key so that every honest RPU computes the same leader rotation.
type PeerSet struct {
	Peers    []*Peer          `json:"peers"`
	ByPubKey map[string]*Peer `json:"-"`
	ByID     map[uint32]*Peer `json:"-"`

	//cached values
	hash          []byte
	hex           string
	superMajority *int
	trustCount    *int
}

/* Constructors */

//NewPeerSet creates a new PeerSet from a list of Peers. The input slice is
//re-sorted by public key; the caller's ordering does not matter.
func NewPeerSet(peers []*Peer) *PeerSet {
	sorted := make([]*Peer, len(peers))
	copy(sorted, peers)
	sort.Sort(ByPubHex(sorted))

	peerSet := &PeerSet{
		ByPubKey: make(map[string]*Peer),
		ByID:     make(map[uint32]*Peer),
	}

	for _, peer := range sorted {
		peerSet.ByPubKey[peer.PubKeyString()] = peer
		peerSet.ByID[peer.ID()] = peer
	}

	peerSet.Peers = sorted

	return peerSet
}

//NewPeerSetFromPeerSliceBytes creates a new PeerSet from a JSON encoded slice
//of peers.
func NewPeerSetFromPeerSliceBytes(peerSliceBytes []byte) (*PeerSet, error) {
	peers := []*Peer{}

	b := bytes.NewBuffer(peerSliceBytes)
	dec := json.NewDecoder(b)

	err := dec.Decode(&peers)
	if err != nil {
		return nil, err
	}

	return NewPeerSet(peers), nil
}

/* ToSlice Methods */

//PubKeys returns the PeerSet's slice of public keys
func (peerSet *PeerSet) PubKeys() []string {
	res := []string{}

	for _, peer := range peerSet.Peers {
		res = append(res, peer.PubKeyString())
	}

	return res
}

//IDs returns the PeerSet's slice of IDs
func (peerSet *PeerSet) IDs() []uint32 {
	res := []uint32{}

	for _, peer := range peerSet.Peers {
		res = append(res, peer.ID())
	}

	return res
}

/* Utilities */

//Len returns the number of Peers in the PeerSet
func (peerSet *PeerSet) Len() int {
	return len(peerSet.ByPubKey)
}

//Leader returns the peer designated to propose the block at the given height
//and view. Rotation is round-robin over the sorted peer list; each
//view-change at a height moves leadership to the next peer.
func (peerSet *PeerSet) Leader(height int64, view int) *Peer {
	n := len(peerSet.Peers)
	if n == 0 {
		return nil
	}
	idx := (uint64(height) + uint64(view)) % uint64(n)
	return peerSet.Peers[idx]
}

// Hash uniquely identifies a PeerSet. It is computed by hashing (SHA256) the
// sorted public keys together, one by one.
func (peerSet *PeerSet) Hash() ([]byte, error) {
	if len(peerSet.hash) == 0 {
		hash := []byte{}
		for _, p := range peerSet.Peers {
			pk := p.PubKeyBytes()
			hash = crypto.SimpleHashFromTwoHashes(hash, pk)
		}
		peerSet.hash = hash
	}
	return peerSet.hash, nil
}

//Hex is the hexadecimal representation of Hash
func (peerSet *PeerSet) Hex() string {
	if len(peerSet.hex) == 0 {
		hash, _ := peerSet.Hash()
		peerSet.hex = common.EncodeToString(hash)
	}
	return peerSet.hex
}

//Marshal marshals the peerset
func (peerSet *PeerSet) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(peerSet.Peers); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

//SuperMajority returns the number of peers that form a strong majority (+2/3)
//in the PeerSet. With n = 3f+1 peers this is the 2f+1 quorum required to
//finalize a block.
func (peerSet *PeerSet) SuperMajority() int {
	if peerSet.superMajority == nil {
		val := 2*peerSet.Len()/3 + 1
		peerSet.superMajority = &val
	}
	return *peerSet.superMajority
}

//TrustCount returns ceil(n/3), which with n = 3f+1 peers is f+1: the number
//of matching votes that is guaranteed to contain at least one honest peer.
func (peerSet *PeerSet) TrustCount() int {
	if peerSet.trustCount == nil {
		val := 0
		if len(peerSet.Peers) > 1 {
			val = int(math.Ceil(float64(peerSet.Len()) / float64(3)))
		}
		peerSet.trustCount = &val
	}
	return *peerSet.trustCount
}

// ByPubHex implements sort.Interface for []*Peer based on the PubKeyHex field.
type ByPubHex []*Peer

func (a ByPubHex) Len() int      { return len(a) }
func (a ByPubHex) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a ByPubHex) Less(i, j int) bool {
	ai := a[i].PubKeyHex
	aj := a[j].PubKeyHex
	return ai < aj
}
