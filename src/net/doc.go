// Package net implements the transports that carry consensus traffic between
// RPUs.
//
// This package contains implementations of the Transport interface, which is
// used by RPU nodes to send and receive the consensus RPCs (ProposeRequest,
// VoteRequest, ViewChangeRequest, SyncRequest, TxGossipRequest). There are two
// implementations:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: communicating over plain TCP, or over whatever authenticated stream
// the deployment injects through the StreamLayer interface
//
// Every request carries the sender's signature over its canonical encoding.
// The transport verifies it before handing the command to the consumer, so
// consumers always see authenticated commands tagged with a verified sender.
// Delivery and ordering are not guaranteed; the consensus core tolerates
// drops, duplicates and reorders.
package net
