package peers

import (
	"encoding/hex"

	"github.com/gleisnetz/blockstelle/src/common"
)

// Peer is one RPU in the consensus network. It is identified by the
// uncompressed hex representation of its public key, and carries the two
// network endpoints of a running RPU: NetAddr where it exchanges consensus
// messages with other RPUs, and TuriAddr where it accepts client
// transactions.
type Peer struct {
	NetAddr   string `json:"NetAddr"`
	TuriAddr  string `json:"TuriAddr,omitempty"`
	PubKeyHex string `json:"PubKeyHex"`
	Moniker   string `json:"Moniker,omitempty"`

	id uint32
}

// NewPeer instantiates a new Peer from a public key and its two endpoints.
func NewPeer(pubKeyHex, netAddr, turiAddr, moniker string) *Peer {
	peer := &Peer{
		PubKeyHex: pubKeyHex,
		NetAddr:   netAddr,
		TuriAddr:  turiAddr,
		Moniker:   moniker,
	}

	return peer
}

// ID returns a compact numeric identifier derived from the public key. It is
// computed lazily and cached. It is used in log output and local maps, never
// on the wire.
func (p *Peer) ID() uint32 {
	if p.id == 0 {
		pubKeyBytes := p.PubKeyBytes()
		p.id = common.Hash32(pubKeyBytes)
	}
	return p.id
}

// PubKeyString returns the hex representation of the public key, which is the
// peer's PeerID on the ledger.
func (p *Peer) PubKeyString() string {
	return p.PubKeyHex
}

// PubKeyBytes returns the byte representation of the public key. A malformed
// hex string yields an empty slice; callers that need to verify signatures
// check the resulting key with keys.ToPublicKey.
func (p *Peer) PubKeyBytes() []byte {
	res, err := hex.DecodeString(p.PubKeyHex[2:])
	if err != nil {
		return []byte{}
	}
	return res
}
