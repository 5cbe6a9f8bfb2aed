// Package peers defines the RPUs participating in consensus and implements
// functions to manage collections of them.
//
// A peer is one redundant processing unit (RPU): a machine that holds an RPU
// account on the ledger and runs the consensus protocol. The set of peers
// engaged in consensus at a given height is the committee for that height; it
// is always derived from the last committed ledger state, so a transaction
// that promotes or demotes an RPU only affects the committee of heights after
// the block containing it.
//
// Peers are identified by their public keys, and optionally a moniker which
// is a non-unique user-friendly name. An RPU exposes two endpoints: NetAddr,
// where other RPUs reach it for consensus traffic, and TuriAddr, where
// clients submit transactions.
//
// The PeerSet keeps its peers sorted by public key. All quorum arithmetic
// (SuperMajority, TrustCount) and the deterministic leader rotation are
// defined on this sorted order, so that every honest RPU derives the same
// committee behavior from the same committed state.
package peers
