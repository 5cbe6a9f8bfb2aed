package node

import (
	"math/rand"

	"github.com/gleisnetz/blockstelle/src/peers"
)

//PeerSelector defines an interface for Peer Selectors
type PeerSelector interface {
	Peers() *peers.PeerSet
	UpdateLast(peer uint32)
	Next() *peers.Peer
}

//+++++++++++++++++++++++++++++++++++++++
//RANDOM

//RandomPeerSelector defines a struct which controls the random selection of
//peers. It never selects the local RPU and avoids returning the same peer
//twice in a row when there is a choice.
type RandomPeerSelector struct {
	peers      *peers.PeerSet
	selfPubHex string
	last       uint32
}

//NewRandomPeerSelector is a factory method that returns a new instance of
//RandomPeerSelector
func NewRandomPeerSelector(peerSet *peers.PeerSet, selfPubHex string) *RandomPeerSelector {
	return &RandomPeerSelector{
		peers:      peerSet,
		selfPubHex: selfPubHex,
	}
}

//Peers returns the full peer set the selector draws from
func (ps *RandomPeerSelector) Peers() *peers.PeerSet {
	return ps.peers
}

//UpdateLast sets the last peer
func (ps *RandomPeerSelector) UpdateLast(peer uint32) {
	ps.last = peer
}

//Next returns the next peer
func (ps *RandomPeerSelector) Next() *peers.Peer {
	selectablePeers := excludePeer(ps.peers.Peers, ps.selfPubHex)

	if len(selectablePeers) == 0 {
		return nil
	}

	if len(selectablePeers) > 1 {
		filtered := make([]*peers.Peer, 0, len(selectablePeers))
		for _, p := range selectablePeers {
			if p.ID() == ps.last {
				continue
			}
			filtered = append(filtered, p)
		}
		if len(filtered) > 0 {
			selectablePeers = filtered
		}
	}

	i := rand.Intn(len(selectablePeers))

	peer := selectablePeers[i]

	return peer
}

func excludePeer(list []*peers.Peer, pubHex string) []*peers.Peer {
	res := make([]*peers.Peer, 0, len(list))
	for _, p := range list {
		if p.PubKeyHex == pubHex {
			continue
		}
		res = append(res, p)
	}
	return res
}
