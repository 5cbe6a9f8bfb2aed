package node

import (
	"bytes"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/ledger"
	"github.com/gleisnetz/blockstelle/src/net"
	"github.com/gleisnetz/blockstelle/src/peers"
	"github.com/gleisnetz/blockstelle/src/state"
)

// roundRingSize bounds how many heights keep round state in memory. Messages
// for the height right after the working one are buffered in the ring; a gap
// beyond that means this RPU is behind and must transfer blocks instead.
const roundRingSize = 8

// Core implements the consensus state machine for one RPU. It is purely
// reactive: handlers mutate the round state and append outbound messages to
// an outbox which the node broadcasts. All methods must be called under the
// node's core lock; time is passed in so the logic stays deterministic under
// test.
type Core struct {

	// validator is a wrapper around the private key controlling this RPU.
	validator *Validator

	// ledger is the committed chain, the world state derived from it, and
	// the committee that state defines.
	ledger *state.Ledger

	// height is the block height currently being decided, always the
	// committed head plus one.
	height int64

	// rounds keeps the round state for recent heights. The current height
	// is always present; the next height buffers early messages.
	rounds *common.RollingIndex

	// queue holds validated transactions waiting to be ordered.
	queue *txQueue

	// committed remembers recently committed transaction hashes so that
	// duplicates are dropped instead of re-ordered.
	committed *committedWindow

	// behind is raised when a message reveals a height gap this RPU cannot
	// buffer; the node reacts by transferring blocks.
	behind bool

	// outbox collects signed messages produced by the handlers, in the
	// order they must be sent.
	outbox []net.SignedCommand

	conf *Config

	logger *logrus.Entry
}

// NewCore is a factory method that returns a Core over a ledger.
func NewCore(validator *Validator, lgr *state.Ledger, conf *Config, logger *logrus.Entry) *Core {
	return &Core{
		validator: validator,
		ledger:    lgr,
		conf:      conf,
		queue:     newTxQueue(),
		committed: newCommittedWindow(conf.CacheSize),
		rounds:    common.NewRollingIndex("Round", roundRingSize),
		logger:    logger,
	}
}

// Bootstrap brings the ledger to its committed head (genesis on first start,
// replay otherwise) and opens the round for the next height.
func (c *Core) Bootstrap(genesis *state.Genesis) error {
	if err := c.ledger.Bootstrap(genesis); err != nil {
		return err
	}

	c.height = c.ledger.LastBlockIndex() + 1
	c.openRound(c.height, time.Now())

	c.seedCommittedWindow()

	c.logger.WithFields(logrus.Fields{
		"height":    c.height,
		"committee": c.Committee().Len(),
	}).Debug("Bootstrap")

	return nil
}

// seedCommittedWindow reloads the duplicate-detection window from the stored
// chain so a restarted leader does not re-propose transactions that committed
// just before it went down.
func (c *Core) seedCommittedWindow() {
	head := c.ledger.LastBlockIndex()
	from := head - int64(c.committed.size) + 1
	if from < 0 {
		from = 0
	}

	blocks, err := c.ledger.Blocks(from, head)
	if err != nil {
		c.logger.WithError(err).Error("Seeding committed window")
		return
	}

	for _, block := range blocks {
		c.committed.Add(block.Index(), txHexes(block))
	}
}

/*******************************************************************************
Getters
*******************************************************************************/

// Height returns the height currently being decided.
func (c *Core) Height() int64 {
	return c.height
}

// Head returns the committed head of the chain.
func (c *Core) Head() int64 {
	return c.ledger.LastBlockIndex()
}

// View returns the view of the current round.
func (c *Core) View() int64 {
	return c.currentRound().view
}

// RoundState returns the state of the current round.
func (c *Core) RoundState() RoundState {
	return c.currentRound().state
}

// Committee returns the RPU set derived from the last committed state.
func (c *Core) Committee() *peers.PeerSet {
	return c.ledger.PeerSet()
}

// InCommittee reports whether this RPU's key is in the current committee.
func (c *Core) InCommittee() bool {
	_, ok := c.Committee().ByPubKey[c.validator.PublicKeyHex()]
	return ok
}

// CurrentLeader returns the peer expected to propose for the current height
// and view.
func (c *Core) CurrentLeader() *peers.Peer {
	r := c.currentRound()
	return c.Committee().Leader(r.height, int(r.view))
}

// QueueLen returns the number of pending transactions.
func (c *Core) QueueLen() int {
	return c.queue.Len()
}

// Busy reports whether there is incomplete processing: a round in flight or
// transactions waiting to be ordered.
func (c *Core) Busy() bool {
	return c.currentRound().inFlight() || c.queue.Len() > 0
}

// Behind reports whether a height gap was detected.
func (c *Core) Behind() bool {
	return c.behind
}

// ClearBehind resets the gap flag once a block transfer ran.
func (c *Core) ClearBehind() {
	c.behind = false
}

// TakeOutbox removes and returns the pending outbound messages.
func (c *Core) TakeOutbox() []net.SignedCommand {
	out := c.outbox
	c.outbox = nil
	return out
}

func (c *Core) currentRound() *round {
	return c.openRound(c.height, time.Now())
}

// openRound returns the round for a height, creating it when the ring does
// not hold it yet. A block transfer can advance the head past the buffered
// window; the ring is then restarted at the new height.
func (c *Core) openRound(h int64, now time.Time) *round {
	if item, err := c.rounds.GetItem(int(h)); err == nil {
		return item.(*round)
	}

	r := newRound(h, now)
	if err := c.rounds.Set(r, int(h)); err != nil {
		c.rounds = common.NewRollingIndex("Round", roundRingSize)
		c.rounds.Set(r, int(h))
	}
	return r
}

func (c *Core) isLeader(r *round) bool {
	leader := c.Committee().Leader(r.height, int(r.view))
	return leader != nil && leader.PubKeyHex == c.validator.PublicKeyHex()
}

/*******************************************************************************
Transactions
*******************************************************************************/

// AddTransactions validates and enqueues transactions. Locally submitted
// transactions (gossip=true) are forwarded to the committee so every queue
// converges; gossiped ones are not forwarded again. Returns the number of
// transactions accepted into the queue.
func (c *Core) AddTransactions(txs []*ledger.Transaction, gossip bool, now time.Time) int {
	accepted := []ledger.Transaction{}

	for _, tx := range txs {
		hex := tx.Hex()

		if c.committed.Contains(hex) || c.queue.Contains(hex) {
			continue
		}

		if ok, err := tx.Verify(); err != nil || !ok {
			c.logger.WithField("tx", hex).Debug("Dropping transaction with bad signature")
			continue
		}

		if err := c.ledger.CheckTransaction(tx, now.UnixNano()); err != nil {
			c.logger.WithFields(logrus.Fields{
				"tx":    hex,
				"error": err,
			}).Debug("Dropping invalid transaction")
			continue
		}

		c.queue.Push(tx, now)
		accepted = append(accepted, *tx)
	}

	if gossip && len(accepted) > 0 {
		req := &net.TxGossipRequest{
			Body: net.TxGossipBody{
				From:         c.validator.PublicKeyHex(),
				Transactions: accepted,
			},
		}
		if err := req.Sign(c.validator.Key); err != nil {
			c.logger.WithError(err).Error("Signing transaction gossip")
		} else {
			c.outbox = append(c.outbox, req)
		}
	}

	if err := c.maybePropose(now); err != nil {
		c.logger.WithError(err).Error("Proposing")
	}

	return len(accepted)
}

/*******************************************************************************
Propose
*******************************************************************************/

// maybePropose builds and self-processes a proposal when this RPU leads the
// current view, the round is idle, and there is something to order. After a
// view change the locked block is re-proposed unchanged.
func (c *Core) maybePropose(now time.Time) error {
	r := c.currentRound()

	if r.state != RoundIdle || !c.InCommittee() || !c.isLeader(r) {
		return nil
	}

	block := r.lockedBlock

	if block == nil {
		var err error
		block, err = c.buildBlock(r, now)
		if err != nil {
			return err
		}
		if block == nil {
			return nil
		}
	}

	req := &net.ProposeRequest{
		Body: net.ProposeBody{
			From:   c.validator.PublicKeyHex(),
			Height: r.height,
			View:   r.view,
			Block:  *block,
		},
	}
	if err := req.Sign(c.validator.Key); err != nil {
		return err
	}
	c.outbox = append(c.outbox, req)

	c.logger.WithFields(logrus.Fields{
		"height": r.height,
		"view":   r.view,
		"txs":    len(block.Transactions()),
	}).Debug("Proposing block")

	r.block = block
	r.state = RoundProposed

	return c.castPrepare(r, now)
}

// buildBlock drains the queue and assembles a fresh proposal. Transactions
// that became invalid or were committed in the meantime are dropped silently.
// Returns nil when nothing valid is pending.
func (c *Core) buildBlock(r *round, now time.Time) (*ledger.Block, error) {
	if c.queue.Len() == 0 {
		return nil, nil
	}

	timestamp := now.UnixNano()

	drained := c.queue.Drain(c.conf.MaxBlockTransactions)

	txs := []ledger.Transaction{}
	for _, tx := range drained {
		if c.committed.Contains(tx.Hex()) {
			continue
		}
		if err := c.ledger.CheckTransaction(tx, timestamp); err != nil {
			c.logger.WithFields(logrus.Fields{
				"tx":    tx.Hex(),
				"error": err,
			}).Debug("Dropping stale transaction from proposal")
			continue
		}
		txs = append(txs, *tx)
	}

	if len(txs) == 0 {
		return nil, nil
	}

	return ledger.NewBlock(r.height, c.ledger.LastBlockHash(), c.validator.PublicKeyHex(), timestamp, txs)
}

// HandlePropose processes a leader proposal. Malformed or conflicting
// proposals are dropped without a vote. It returns true when the proposal was
// accepted; a non-nil error is fatal.
func (c *Core) HandlePropose(cmd *net.ProposeRequest, now time.Time) (bool, error) {
	h := cmd.Body.Height

	if h < c.height {
		return false, nil
	}
	if h > c.height {
		c.bufferFuture(h, cmd, nil, now)
		return false, nil
	}

	if !c.InCommittee() {
		return false, nil
	}

	r := c.currentRound()

	if cmd.Body.View != r.view {
		c.logger.WithFields(logrus.Fields{
			"height":   h,
			"view":     cmd.Body.View,
			"our_view": r.view,
		}).Debug("Dropping proposal for other view")
		return false, nil
	}

	leader := c.Committee().Leader(h, int(r.view))
	if leader == nil || leader.PubKeyHex != cmd.Sender() {
		c.logger.WithFields(logrus.Fields{
			"height": h,
			"from":   cmd.Sender(),
		}).Warn("Dropping proposal from non-leader")
		return false, nil
	}

	blk := cmd.Body.Block

	if r.state != RoundIdle {
		if r.block != nil && r.block.Hex() == blk.Hex() {
			return true, nil
		}
		c.logger.WithFields(logrus.Fields{
			"height": h,
			"from":   cmd.Sender(),
		}).Warn("Dropping conflicting proposal")
		return false, nil
	}

	if err := c.validateProposal(&blk, cmd.Sender()); err != nil {
		c.logger.WithFields(logrus.Fields{
			"height": h,
			"from":   cmd.Sender(),
			"error":  err,
		}).Debug("Dropping invalid proposal")
		return false, nil
	}

	r.block = &blk
	r.state = RoundProposed

	if err := c.castPrepare(r, now); err != nil {
		return false, err
	}

	return true, nil
}

// validateProposal runs the structural checks a follower performs before it
// votes: chain link, transaction root, transaction signatures, permissions
// against the last committed state, and duplicate detection.
func (c *Core) validateProposal(block *ledger.Block, sender string) error {
	r := c.currentRound()

	if r.lockedHash != nil {
		hash, err := block.Hash()
		if err != nil {
			return err
		}
		if !bytes.Equal(hash, r.lockedHash) {
			return fmt.Errorf("conflicts with commit-voted block")
		}
		// The locked block passed all checks below when the lock was taken.
		return nil
	}

	if block.Index() != c.height {
		return fmt.Errorf("block index %d, expected %d", block.Index(), c.height)
	}

	if !bytes.Equal(block.PreviousHash(), c.ledger.LastBlockHash()) {
		return fmt.Errorf("chain link mismatch")
	}

	// A block re-proposed after a view change keeps its original proposer,
	// so the field is only pinned to the sender in the first view.
	if r.view == 0 && block.Proposer() != sender {
		return fmt.Errorf("proposer field does not match sender")
	}
	if _, ok := c.Committee().ByPubKey[block.Proposer()]; !ok {
		return fmt.Errorf("proposer is not in the committee")
	}

	txs := block.Transactions()

	if len(txs) == 0 {
		return fmt.Errorf("empty proposal")
	}
	if len(txs) > c.conf.MaxBlockTransactions {
		return fmt.Errorf("proposal carries %d transactions, cap is %d", len(txs), c.conf.MaxBlockTransactions)
	}

	txRoot, err := ledger.TxRoot(txs)
	if err != nil {
		return err
	}
	if !bytes.Equal(txRoot, block.Body.TxRoot) {
		return fmt.Errorf("transaction root mismatch")
	}

	seen := map[string]struct{}{}
	for i := range txs {
		tx := &txs[i]
		hex := tx.Hex()

		if _, ok := seen[hex]; ok {
			return fmt.Errorf("duplicate transaction %s", hex)
		}
		seen[hex] = struct{}{}

		if c.committed.Contains(hex) {
			return fmt.Errorf("transaction %s already committed", hex)
		}

		if ok, err := tx.Verify(); err != nil || !ok {
			return fmt.Errorf("bad signature on transaction %s", hex)
		}

		if err := c.ledger.CheckTransaction(tx, block.Body.Timestamp); err != nil {
			return fmt.Errorf("transaction %s: %v", hex, err)
		}
	}

	return nil
}

/*******************************************************************************
Votes
*******************************************************************************/

// castPrepare records and emits this RPU's Prepare vote for the accepted
// proposal, then checks whether buffered votes already complete the quorum.
func (c *Core) castPrepare(r *round, now time.Time) error {
	hash, err := r.block.Hash()
	if err != nil {
		return err
	}

	vote := &net.VoteRequest{
		Body: net.VoteBody{
			From:      c.validator.PublicKeyHex(),
			Height:    r.height,
			View:      r.view,
			Phase:     net.Prepare,
			BlockHash: hash,
		},
	}
	if err := vote.Sign(c.validator.Key); err != nil {
		return err
	}

	r.prepareVotes[c.validator.PublicKeyHex()] = vote
	r.state = RoundVotedPrepare
	c.outbox = append(c.outbox, vote)

	return c.checkPrepareQuorum(r, now)
}

// checkPrepareQuorum moves to the Commit phase once a super-majority of
// matching Prepare votes is in.
func (c *Core) checkPrepareQuorum(r *round, now time.Time) error {
	if r.state != RoundVotedPrepare {
		return nil
	}

	hash, err := r.block.Hash()
	if err != nil {
		return err
	}

	if countMatching(r.prepareVotes, hash) < c.Committee().SuperMajority() {
		return nil
	}

	return c.castCommit(r, now)
}

// castCommit locks this RPU on the block, records and emits its Commit vote
// with the commit signature that will be archived in the block, then checks
// whether buffered Commit votes already complete the quorum.
func (c *Core) castCommit(r *round, now time.Time) error {
	hash, err := r.block.Hash()
	if err != nil {
		return err
	}

	blockSig, err := r.block.Sign(c.validator.Key)
	if err != nil {
		return err
	}

	vote := &net.VoteRequest{
		Body: net.VoteBody{
			From:           c.validator.PublicKeyHex(),
			Height:         r.height,
			View:           r.view,
			Phase:          net.Commit,
			BlockHash:      hash,
			BlockSignature: blockSig,
		},
	}
	if err := vote.Sign(c.validator.Key); err != nil {
		return err
	}

	r.commitVotes[c.validator.PublicKeyHex()] = vote
	r.lockedHash = hash
	r.lockedBlock = r.block
	r.state = RoundVotedCommit
	c.outbox = append(c.outbox, vote)

	return c.checkCommitQuorum(r, now)
}

// checkCommitQuorum finalizes the block once a super-majority of valid Commit
// votes is in. Commit votes that arrived before this RPU finished the Prepare
// phase stay buffered until the round catches up, which keeps the phases in
// order under message reordering.
func (c *Core) checkCommitQuorum(r *round, now time.Time) error {
	if r.state != RoundVotedCommit {
		return nil
	}

	hash, err := r.block.Hash()
	if err != nil {
		return err
	}

	evidence := []ledger.BlockSignature{}
	for _, vote := range r.commitVotes {
		if !bytes.Equal(vote.Body.BlockHash, hash) {
			continue
		}
		ok, err := r.block.Verify(vote.Body.BlockSignature)
		if err != nil || !ok {
			c.logger.WithField("from", vote.Sender()).Warn("Commit vote with bad block signature")
			continue
		}
		evidence = append(evidence, vote.Body.BlockSignature)
	}

	if len(evidence) < c.Committee().SuperMajority() {
		return nil
	}

	for _, sig := range evidence {
		if err := r.block.AppendSignature(sig); err != nil {
			return err
		}
	}

	return c.commitBlock(r, now)
}

// HandleVote processes a Prepare or Commit vote from a committee member. A
// non-nil error is fatal.
func (c *Core) HandleVote(cmd *net.VoteRequest, now time.Time) error {
	h := cmd.Body.Height

	if h < c.height {
		return nil
	}
	if h > c.height {
		c.bufferFuture(h, nil, cmd, now)
		return nil
	}

	if !c.InCommittee() {
		return nil
	}

	if _, ok := c.Committee().ByPubKey[cmd.Sender()]; !ok {
		c.logger.WithField("from", cmd.Sender()).Warn("Dropping vote from outside the committee")
		return nil
	}

	r := c.currentRound()

	if cmd.Body.View != r.view {
		return nil
	}

	switch cmd.Body.Phase {
	case net.Prepare:
		r.prepareVotes[cmd.Sender()] = cmd
		if r.block != nil {
			return c.checkPrepareQuorum(r, now)
		}
	case net.Commit:
		r.commitVotes[cmd.Sender()] = cmd
		if r.block != nil {
			return c.checkCommitQuorum(r, now)
		}
	default:
		c.logger.WithField("phase", cmd.Body.Phase).Warn("Dropping vote with unknown phase")
	}

	return nil
}

/*******************************************************************************
Commit
*******************************************************************************/

// commitBlock durably appends the finalized block, prunes the queue, and
// opens the next height. A non-nil error means storage failed and this RPU
// must stop participating rather than risk divergence.
func (c *Core) commitBlock(r *round, now time.Time) error {
	if err := c.ledger.Commit(r.block); err != nil {
		return err
	}

	r.state = RoundCommitted

	hexes := txHexes(r.block)
	c.committed.Add(r.block.Index(), hexes)
	c.queue.Remove(toSet(hexes))

	c.logger.WithFields(logrus.Fields{
		"height":     r.height,
		"view":       r.view,
		"txs":        len(hexes),
		"signatures": len(r.block.Signatures),
	}).Debug("Committed block")

	return c.advanceHeight(now)
}

// advanceHeight opens the round for the next height and replays messages
// that were buffered for it while the previous height was being committed.
func (c *Core) advanceHeight(now time.Time) error {
	c.height = c.ledger.LastBlockIndex() + 1

	r := c.openRound(c.height, now)
	r.startedAt = now

	pendingProposes := r.pendingProposes
	pendingVotes := r.pendingVotes
	r.pendingProposes = nil
	r.pendingVotes = nil

	for _, cmd := range pendingProposes {
		if _, err := c.HandlePropose(cmd, now); err != nil {
			return err
		}
	}
	for _, cmd := range pendingVotes {
		if err := c.HandleVote(cmd, now); err != nil {
			return err
		}
	}

	return c.maybePropose(now)
}

// bufferFuture stores a message that is one height ahead of the working one;
// it is replayed when the height opens. Anything further ahead reveals that
// this RPU is missing committed blocks.
func (c *Core) bufferFuture(h int64, propose *net.ProposeRequest, vote *net.VoteRequest, now time.Time) {
	if h != c.height+1 {
		c.logger.WithFields(logrus.Fields{
			"height":     h,
			"our_height": c.height,
		}).Debug("Height gap detected")
		c.behind = true
		return
	}

	r := c.openRound(h, now)

	if propose != nil {
		r.pendingProposes = append(r.pendingProposes, propose)
	}
	if vote != nil {
		r.pendingVotes = append(r.pendingVotes, vote)
	}
}

/*******************************************************************************
View changes
*******************************************************************************/

// HandleViewChange processes a vote to rotate the leader of the current
// height. f+1 votes for a higher view pull this RPU into the view change;
// 2f+1 complete it.
func (c *Core) HandleViewChange(cmd *net.ViewChangeRequest, now time.Time) error {
	h := cmd.Body.Height

	if h < c.height {
		return nil
	}
	if h > c.height {
		if h > c.height+1 {
			c.behind = true
		}
		return nil
	}

	if !c.InCommittee() {
		return nil
	}

	if _, ok := c.Committee().ByPubKey[cmd.Sender()]; !ok {
		c.logger.WithField("from", cmd.Sender()).Warn("Dropping view-change vote from outside the committee")
		return nil
	}

	r := c.currentRound()

	nv := cmd.Body.NewView
	if nv <= r.view {
		return nil
	}

	count := r.addViewChangeVote(cmd)

	// Join in: enough distinct voters guarantee an honest one suspects the
	// leader, so this RPU stops waiting for its own timer.
	if count >= c.Committee().TrustCount() && r.suspectedView < nv {
		c.castViewChange(r, nv, now)
	}

	return c.checkViewChangeQuorum(r, nv, now)
}

// castViewChange records and emits this RPU's vote to move the current
// height to view nv.
func (c *Core) castViewChange(r *round, nv int64, now time.Time) {
	req := &net.ViewChangeRequest{
		Body: net.ViewChangeBody{
			From:    c.validator.PublicKeyHex(),
			Height:  r.height,
			NewView: nv,
		},
	}
	if err := req.Sign(c.validator.Key); err != nil {
		c.logger.WithError(err).Error("Signing view-change vote")
		return
	}

	r.addViewChangeVote(req)
	r.suspectedView = nv
	r.lastSuspectAt = now
	c.outbox = append(c.outbox, req)

	c.logger.WithFields(logrus.Fields{
		"height":   r.height,
		"new_view": nv,
	}).Debug("Voting view change")
}

// checkViewChangeQuorum adopts the new view once a super-majority voted for
// it: transactions from the failed round go back to the tail of the queue
// and the next leader takes over.
func (c *Core) checkViewChangeQuorum(r *round, nv int64, now time.Time) error {
	votes, ok := r.viewChangeVotes[nv]
	if !ok || len(votes) < c.Committee().SuperMajority() {
		return nil
	}

	if r.block != nil {
		txs := r.block.Transactions()
		for i := range txs {
			tx := &txs[i]
			if c.committed.Contains(tx.Hex()) {
				continue
			}
			c.queue.Push(tx, now)
		}
	}

	r.reset(nv, now)

	c.logger.WithFields(logrus.Fields{
		"height": r.height,
		"view":   nv,
		"leader": c.Committee().Leader(r.height, int(nv)).PubKeyHex,
	}).Debug("Adopted view")

	return c.maybePropose(now)
}

/*******************************************************************************
Timeouts
*******************************************************************************/

// HandleTick runs the timeout checks: a round stuck in flight, a fresh
// leader that owes a proposal, or a queue head that has waited past the
// censorship bound all trigger a view-change vote. Repeated timeouts
// escalate through the views until one completes.
func (c *Core) HandleTick(now time.Time) error {
	if !c.InCommittee() {
		return nil
	}

	r := c.currentRound()
	age := now.Sub(r.startedAt)

	suspect := false
	switch {
	case r.inFlight() && age >= c.conf.ViewChangeTimeout:
		suspect = true
	case r.expectProposal && r.state == RoundIdle && age >= c.conf.ViewChangeTimeout &&
		(c.queue.Len() > 0 || r.lockedBlock != nil):
		suspect = true
	case r.state == RoundIdle && c.queue.OldestAge(now) >= c.conf.SuspectTimeout:
		suspect = true
	}

	if !suspect {
		return nil
	}

	nv := r.view + 1
	if r.suspectedView >= nv {
		if now.Sub(r.lastSuspectAt) < c.conf.ViewChangeTimeout {
			return nil
		}
		nv = r.suspectedView + 1
	}

	c.castViewChange(r, nv, now)

	return c.checkViewChangeQuorum(r, nv, now)
}

/*******************************************************************************
Block transfer
*******************************************************************************/

// HandleSync serves a run of committed blocks to a peer that fell behind.
func (c *Core) HandleSync(cmd *net.SyncRequest) *net.SyncResponse {
	resp := &net.SyncResponse{
		From: c.validator.PublicKeyHex(),
		Head: c.ledger.LastBlockIndex(),
	}

	from := cmd.Body.FromHeight
	if from < 0 {
		from = 0
	}

	limit := cmd.Body.Limit
	if limit <= 0 || limit > c.conf.SyncLimit {
		limit = c.conf.SyncLimit
	}

	if from > resp.Head {
		return resp
	}

	to := from + int64(limit) - 1
	if to > resp.Head {
		to = resp.Head
	}

	blocks, err := c.ledger.Blocks(from, to)
	if err != nil {
		c.logger.WithError(err).Error("Reading blocks for sync response")
		return resp
	}

	for _, block := range blocks {
		resp.Blocks = append(resp.Blocks, *block)
	}

	return resp
}

// ApplySyncBlocks folds transferred blocks into the ledger. Each block's
// quorum certificate is verified against the committee derived from the
// state it extends, so a lying peer cannot smuggle in an uncertified block.
// Returns how many blocks were applied; a non-nil error is fatal.
func (c *Core) ApplySyncBlocks(blocks []ledger.Block, now time.Time) (int, error) {
	applied := 0

	for i := range blocks {
		block := &blocks[i]

		if block.Index() <= c.ledger.LastBlockIndex() {
			continue
		}
		if block.Index() != c.ledger.LastBlockIndex()+1 {
			c.logger.WithField("index", block.Index()).Warn("Gap in sync response")
			break
		}

		ok, err := block.VerifyQuorum(c.ledger.PeerSet())
		if err != nil || !ok {
			c.logger.WithFields(logrus.Fields{
				"index": block.Index(),
				"error": err,
			}).Warn("Sync block without a valid quorum certificate")
			break
		}

		if err := c.ledger.Commit(block); err != nil {
			if common.IsStore(err, common.ChainMismatch) ||
				common.IsStore(err, common.SkippedIndex) ||
				common.IsStore(err, common.PassedIndex) {
				c.logger.WithError(err).Warn("Rejecting sync block")
				break
			}
			return applied, err
		}

		hexes := txHexes(block)
		c.committed.Add(block.Index(), hexes)
		c.queue.Remove(toSet(hexes))

		applied++
	}

	if applied > 0 {
		if err := c.advanceHeight(now); err != nil {
			return applied, err
		}
	}

	return applied, nil
}

/*******************************************************************************
Helpers
*******************************************************************************/

func txHexes(block *ledger.Block) []string {
	txs := block.Transactions()
	hexes := make([]string, 0, len(txs))
	for i := range txs {
		hexes = append(hexes, txs[i].Hex())
	}
	return hexes
}

func toSet(hexes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hexes))
	for _, hex := range hexes {
		set[hex] = struct{}{}
	}
	return set
}
