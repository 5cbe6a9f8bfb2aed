package node

import (
	"bytes"
	"time"

	"github.com/gleisnetz/blockstelle/src/ledger"
	"github.com/gleisnetz/blockstelle/src/net"
)

// RoundState tracks how far this RPU has progressed in deciding one height.
type RoundState uint8

const (
	// RoundIdle means no proposal has been accepted for the current view.
	RoundIdle RoundState = iota
	// RoundProposed means a valid proposal was accepted but this RPU has not
	// voted yet.
	RoundProposed
	// RoundVotedPrepare means this RPU broadcast its Prepare vote.
	RoundVotedPrepare
	// RoundVotedCommit means this RPU broadcast its Commit vote. From here
	// on it is locked on the block hash and will never commit-vote another
	// block at this height.
	RoundVotedCommit
	// RoundCommitted means the block is durable and the height is decided.
	RoundCommitted
)

// String ...
func (s RoundState) String() string {
	switch s {
	case RoundIdle:
		return "Idle"
	case RoundProposed:
		return "Proposed"
	case RoundVotedPrepare:
		return "VotedPrepare"
	case RoundVotedCommit:
		return "VotedCommit"
	case RoundCommitted:
		return "Committed"
	default:
		return "Unknown"
	}
}

// round is the consensus state for one height. It lives in the core's round
// ring and is only ever touched through the core's mutation path.
type round struct {
	height int64
	view   int64
	state  RoundState

	// startedAt is when this view began; the control timer compares round
	// age against it.
	startedAt time.Time

	// expectProposal is set when a view change completes: the new leader
	// owes a proposal within one timeout period.
	expectProposal bool

	// block is the proposal accepted for (height, view).
	block *ledger.Block

	// lockedHash pins the block this RPU commit-voted. Across view changes
	// at this height, only a proposal with this hash gets another vote.
	lockedHash  []byte
	lockedBlock *ledger.Block

	// Vote sets for the current view, keyed by voter public key. Reset on
	// every view change.
	prepareVotes map[string]*net.VoteRequest
	commitVotes  map[string]*net.VoteRequest

	// viewChangeVotes outlive view resets: votes for views higher than the
	// current one remain relevant. Keyed by proposed view, then voter.
	viewChangeVotes map[int64]map[string]*net.ViewChangeRequest

	// suspectedView is the highest view this RPU has voted to change to.
	suspectedView int64
	lastSuspectAt time.Time

	// Messages for this height that arrived while the previous height was
	// still being committed. Replayed when the height becomes current.
	pendingProposes []*net.ProposeRequest
	pendingVotes    []*net.VoteRequest
}

func newRound(height int64, now time.Time) *round {
	return &round{
		height:          height,
		view:            0,
		state:           RoundIdle,
		startedAt:       now,
		prepareVotes:    make(map[string]*net.VoteRequest),
		commitVotes:     make(map[string]*net.VoteRequest),
		viewChangeVotes: make(map[int64]map[string]*net.ViewChangeRequest),
	}
}

// reset moves the round to a higher view after a completed view change. The
// proposal and the per-view vote sets are discarded; the lock and the
// view-change votes for even higher views survive.
func (r *round) reset(view int64, now time.Time) {
	r.view = view
	r.state = RoundIdle
	r.startedAt = now
	r.expectProposal = true
	r.block = nil
	r.prepareVotes = make(map[string]*net.VoteRequest)
	r.commitVotes = make(map[string]*net.VoteRequest)

	for v := range r.viewChangeVotes {
		if v <= view {
			delete(r.viewChangeVotes, v)
		}
	}
}

// addViewChangeVote records a vote to move this height to newView. It
// returns the number of distinct voters for newView.
func (r *round) addViewChangeVote(cmd *net.ViewChangeRequest) int {
	nv := cmd.Body.NewView

	votes, ok := r.viewChangeVotes[nv]
	if !ok {
		votes = make(map[string]*net.ViewChangeRequest)
		r.viewChangeVotes[nv] = votes
	}

	votes[cmd.Sender()] = cmd

	return len(votes)
}

// countMatching counts votes whose block hash matches the given hash.
func countMatching(votes map[string]*net.VoteRequest, hash []byte) int {
	count := 0
	for _, vote := range votes {
		if bytes.Equal(vote.Body.BlockHash, hash) {
			count++
		}
	}
	return count
}

// inFlight reports whether a proposal is being decided in the current view.
func (r *round) inFlight() bool {
	return r.state == RoundProposed ||
		r.state == RoundVotedPrepare ||
		r.state == RoundVotedCommit
}
