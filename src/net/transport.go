package net

// Transport provides an interface for network transports to allow an RPU to
// communicate with its peers.
type Transport interface {

	// Listen starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to consume and respond to
	// RPC requests. Commands on this channel have passed signature
	// verification against their claimed sender.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// Propose, Vote, ViewChange, Sync and TxGossip send the appropriate RPC
	// to the target node.

	Propose(target string, args *ProposeRequest, resp *ProposeResponse) error

	Vote(target string, args *VoteRequest, resp *VoteResponse) error

	ViewChange(target string, args *ViewChangeRequest, resp *ViewChangeResponse) error

	Sync(target string, args *SyncRequest, resp *SyncResponse) error

	TxGossip(target string, args *TxGossipRequest, resp *TxGossipResponse) error

	// Close permanently closes a transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
