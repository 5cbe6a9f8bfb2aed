// Package node implements the reactive component of a blockstelle RPU.
//
// This is the part that drives the leader-rotating agreement protocol over
// the peer transport and feeds committed blocks into the ledger. Node
// implements a state machine where the states are defined in state.go; the
// protocol logic itself lives in Core and is exercised through a small set of
// handlers, one per RPC command.
//
// Agreement
//
// RPUs communicate in a fully connected p2p network using the RPC protocol
// defined in the net package. Consensus advances one block height at a time.
// The leader for a height, chosen by round-robin rotation over the committee
// derived from the last committed state, drains its transaction queue into a
// candidate block and broadcasts a ProposeRequest. The other committee
// members validate the proposal against their own committed state and answer
// with two waves of VoteRequests: Prepare votes establish that a
// super-majority saw the same valid proposal, Commit votes carry the
// signatures that form the block's quorum certificate. A node that has
// collected a super-majority of matching Commit votes appends the certified
// block durably, executes it, and moves to the next height.
//
// A leader that stalls, censors, or equivocates is voted out: each node runs
// a control timer and broadcasts a ViewChangeRequest when the current round
// exceeds its deadline, when a fresh leader owes a proposal, or when the
// oldest queued transaction has waited past the censorship bound. A
// super-majority of matching view-change votes moves the height to the next
// view, whose leader takes over. Observing f+1 such votes is proof enough
// that an honest peer timed out, so nodes join a view change early rather
// than wait for their own timer. Once a node has commit-voted for a block it
// only ever votes for that same block at that height, whatever the view,
// which is what makes two conflicting quorum certificates impossible.
//
// Block transfer
//
// A node that falls behind detects the gap from the heights carried in
// received messages and switches to the CatchingUp state, where it polls its
// peers with SyncRequests and folds the longest verified run of blocks into
// its ledger before resuming. Every block obtained this way must carry a
// valid quorum certificate, so a lying peer cannot feed a forged chain. The
// same mechanism keeps a Suspended node, one whose key is not in the current
// committee, mirroring the chain so it can still serve reads and rejoin
// promptly when a committed account change readmits it.
//
// Client transactions enter through the ingress channel, are validated and
// queued, and are forwarded once to the other committee members so that every
// queue converges on the same pending set regardless of which RPU the client
// happened to reach.
package node
