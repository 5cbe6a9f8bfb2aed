package state

import (
	"github.com/gleisnetz/blockstelle/src/ledger"
	"github.com/gleisnetz/blockstelle/src/peers"
)

// MinRPUs is the smallest committee the protocol can run with (3f+1 with
// f=1). Account transactions that would shrink the live RPU set below this
// bound are rejected.
const MinRPUs = 4

// Account is the permission record behind a PeerID. It is mutated only by
// committed account transactions; deleted accounts stay in the state as
// tombstones so their historical data remains attributable and queryable.
type Account struct {
	PeerID        string
	Name          string
	Type          ledger.AccountType
	Expiry        int64                 `json:"Expiry,omitempty"`
	WritingRights bool                  `json:"WritingRights,omitempty"`
	ReadingRights []ledger.ReadingRight `json:"ReadingRights,omitempty"`

	// Network endpoints, meaningful for RPU accounts only.
	PeerAddr string `json:"PeerAddr,omitempty"`
	TuriAddr string `json:"TuriAddr,omitempty"`

	Tombstone bool `json:"Tombstone,omitempty"`
}

// NewAccount returns a Normal account with no rights.
func NewAccount(peerID, name string) *Account {
	return &Account{
		PeerID: peerID,
		Name:   name,
		Type:   ledger.NORMAL,
	}
}

// Expired reports whether the account has passed its expiry date. A zero
// Expiry never expires. now is unix nanoseconds; callers on the consensus
// path pass the block timestamp so every replica reaches the same verdict.
func (a *Account) Expired(now int64) bool {
	return a.Expiry != 0 && now > a.Expiry
}

// IsRPU ...
func (a *Account) IsRPU() bool {
	return a.Type == ledger.RPU
}

// ApplyUpdate folds an update into the record. Nil fields keep their current
// value.
func (a *Account) ApplyUpdate(update *ledger.AccountUpdate) {
	if update == nil {
		return
	}
	if update.AccountType != nil {
		a.Type = *update.AccountType
	}
	if update.Expiry != nil {
		a.Expiry = *update.Expiry
	}
	if update.WritingRights != nil {
		a.WritingRights = *update.WritingRights
	}
	if update.ReadingRights != nil {
		a.ReadingRights = *update.ReadingRights
	}
	if update.PeerAddr != nil {
		a.PeerAddr = *update.PeerAddr
	}
	if update.TuriAddr != nil {
		a.TuriAddr = *update.TuriAddr
	}
}

// Copy returns a deep copy of the account.
func (a *Account) Copy() *Account {
	res := *a
	if a.ReadingRights != nil {
		rights := make([]ledger.ReadingRight, len(a.ReadingRights))
		for i, r := range a.ReadingRights {
			rights[i] = ledger.ReadingRight{
				Blacklist:  r.Blacklist,
				Accounts:   append([]string(nil), r.Accounts...),
				Namespaces: append([]string(nil), r.Namespaces...),
			}
		}
		res.ReadingRights = rights
	}
	return &res
}

// Peer converts an RPU account into its transport peer record.
func (a *Account) Peer() *peers.Peer {
	return peers.NewPeer(a.PeerID, a.PeerAddr, a.TuriAddr, a.Name)
}
