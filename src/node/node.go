package node

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gleisnetz/blockstelle/src/ledger"
	"github.com/gleisnetz/blockstelle/src/net"
	"github.com/gleisnetz/blockstelle/src/peers"
	"github.com/gleisnetz/blockstelle/src/state"
)

// observeInterval is the polling cadence of a suspended RPU mirroring the
// chain.
const observeInterval = time.Second

// submitChSize bounds the ingress buffer between the client-facing endpoint
// and the consensus loop.
const submitChSize = 1024

// Node is one RPU process. It wires the consensus core to the peer transport
// and the client ingress and runs the state machine defined in state.go.
type Node struct {
	nodeState

	conf   *Config
	logger *logrus.Entry

	validator *Validator

	genesis *state.Genesis

	core     *Core
	coreLock sync.Mutex

	trans net.Transport
	netCh <-chan net.RPC

	submitCh chan ledger.Transaction

	// syncCh is raised by the RPC handlers when a message reveals missing
	// blocks; the running loop reacts by switching to CatchingUp.
	syncCh chan struct{}

	sigintCh   chan os.Signal
	shutdownCh chan struct{}

	controlTimer *ControlTimer

	// selector picks mirror peers while the node is suspended.
	selector PeerSelector

	start        time.Time
	syncRequests int32
	syncErrors   int32
}

// NewNode is a factory method that returns a Node instance.
func NewNode(conf *Config,
	validator *Validator,
	genesis *state.Genesis,
	lgr *state.Ledger,
	trans net.Transport,
) *Node {
	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	logger := conf.Logger.WithField("this_id", validator.ID())

	node := Node{
		validator:    validator,
		conf:         conf,
		logger:       logger,
		genesis:      genesis,
		core:         NewCore(validator, lgr, conf, logger),
		trans:        trans,
		netCh:        trans.Consumer(),
		submitCh:     make(chan ledger.Transaction, submitChSize),
		syncCh:       make(chan struct{}, 1),
		sigintCh:     sigintCh,
		shutdownCh:   make(chan struct{}),
		controlTimer: NewRandomControlTimer(),
		start:        time.Now(),
	}

	return &node
}

// Init brings the ledger to its committed head and sets the initial state:
// committee members start by checking for missed blocks, everyone else
// mirrors the chain from the sidelines.
func (n *Node) Init() error {
	n.logger.Debug("Bootstrap")

	n.coreLock.Lock()
	err := n.core.Bootstrap(n.genesis)
	member := err == nil && n.core.InCommittee()
	n.coreLock.Unlock()

	if err != nil {
		return err
	}

	if member {
		n.logger.Debug("Node belongs to the committee => CatchingUp")
		n.setState(CatchingUp)
	} else {
		n.logger.Debug("Node does not belong to the committee => Suspended")
		n.setState(Suspended)
	}

	return nil
}

// RunAsync calls Run as a separate thread.
func (n *Node) RunAsync() {
	n.logger.Debug("runasync")

	go n.Run()
}

// Run invokes the main loop of the node.
func (n *Node) Run() {
	//The ControlTimer drives the view-change and censorship checks while the
	//node is in the Running state.
	go n.controlTimer.Run(n.conf.ViewChangeTimeout)

	//Execute some background work regardless of the state of the node.
	go n.doBackgroundWork()

	//Execute Node State Machine
	for {
		//Run different routines depending on node state
		state := n.getState()

		n.logger.WithField("state", state.String()).Debug("Run loop")

		switch state {
		case Running:
			n.running()
		case CatchingUp:
			n.catchUp()
		case Suspended:
			n.observe()
		case Shutdown:
			return
		}
	}
}

func (n *Node) resetTimer() {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	if !n.controlTimer.set {
		ts := n.conf.ViewChangeTimeout

		//Slow the checks down when nothing is pending
		if !n.core.Busy() {
			ts = time.Duration(time.Second)
		}

		n.controlTimer.resetCh <- ts
	}
}

func (n *Node) doBackgroundWork() {
	for {
		select {
		case rpc := <-n.netCh:
			n.goFunc(func() {
				n.logger.Debug("Processing RPC")
				n.processRPC(rpc)
				n.resetTimer()
			})
		case tx := <-n.submitCh:
			n.logger.Debug("Adding Transaction")
			n.addTransaction(tx)
			n.resetTimer()
		case <-n.shutdownCh:
			return
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT")
			n.Shutdown()
			os.Exit(0)
		}
	}
}

// running processes timeouts while the node takes part in consensus. The
// proposals and votes themselves are handled by the RPC routines.
func (n *Node) running() {
	n.logger.Debug("RUNNING")

	for {
		select {
		case <-n.controlTimer.tickCh:
			n.tick()
			if n.getState() != Running {
				return
			}
			n.resetTimer()
		case <-n.syncCh:
			n.logger.Debug("Missing blocks => CatchingUp")
			n.setState(CatchingUp)
			return
		case <-n.shutdownCh:
			return
		}
	}
}

// tick runs the core's timeout checks and sends out whatever votes they
// produced. A committed account transaction can vote this RPU out of the
// committee; the tick is where that demotion takes effect.
func (n *Node) tick() {
	n.coreLock.Lock()
	err := n.core.HandleTick(time.Now())
	member := n.core.InCommittee()
	n.coreLock.Unlock()

	if err != nil {
		n.logger.WithError(err).Error("Timeout check")
		n.Shutdown()
		return
	}

	n.drainOutbox()
	n.logStats()

	if !member {
		n.logger.Debug("Dropped from the committee => Suspended")
		n.setState(Suspended)
	}
}

// catchUp enacts CatchingUp: poll every committee peer for missed blocks and
// fold in the longest verified answer. The node resumes once no peer is ahead
// anymore, or right away when nobody answers, so that an isolated node does
// not spin here forever.
func (n *Node) catchUp() error {
	n.logger.Debug("CATCHING-UP")

	//wait until the RPC handlers finish
	n.waitRoutines()

	resp := n.getBestSyncResponse()
	if resp == nil {
		n.logger.Debug("No sync response => resuming")
		n.clearBehind()
		n.resume()
		return fmt.Errorf("no sync response")
	}

	n.coreLock.Lock()
	applied, err := n.core.ApplySyncBlocks(resp.Blocks, time.Now())
	stillBehind := resp.Head > n.core.Head()
	n.core.ClearBehind()
	n.coreLock.Unlock()

	if err != nil {
		n.logger.WithError(err).Error("Applying transferred blocks")
		n.Shutdown()
		return err
	}

	n.drainOutbox()

	n.logger.WithFields(logrus.Fields{
		"applied": applied,
		"head":    resp.Head,
	}).Debug("Transfer OK")

	//A response that could not move the chain forward is not retried in a
	//tight loop; the gap flag re-triggers the transfer when the next message
	//reveals it again.
	if applied == 0 || !stillBehind {
		n.resume()
	}

	return nil
}

// getBestSyncResponse polls all committee peers and returns the response with
// the highest head.
func (n *Node) getBestSyncResponse() *net.SyncResponse {
	n.coreLock.Lock()
	committee := n.core.Committee()
	head := n.core.Head()
	n.coreLock.Unlock()

	var best *net.SyncResponse

	for _, p := range committee.Peers {
		if p.PubKeyHex == n.validator.PublicKeyHex() {
			continue
		}

		start := time.Now()
		resp, err := n.requestSync(p.NetAddr, head+1)
		elapsed := time.Since(start)
		n.logger.WithField("duration", elapsed.Nanoseconds()).Debug("requestSync()")
		if err != nil {
			n.logger.WithField("error", err).Error("requestSync()")
			continue
		}

		n.logger.WithFields(logrus.Fields{
			"from":   resp.From,
			"head":   resp.Head,
			"blocks": len(resp.Blocks),
		}).Debug("SyncResponse")

		if best == nil || resp.Head > best.Head {
			r := resp
			best = &r
		}
	}

	return best
}

// observe enacts Suspended: mirror the chain from random peers so reads stay
// fresh, and rejoin consensus when the committed state readmits this RPU's
// key.
func (n *Node) observe() {
	n.logger.Debug("OBSERVING")

	for {
		select {
		case <-time.After(observeInterval):
			n.mirror()

			n.coreLock.Lock()
			member := n.core.InCommittee()
			n.coreLock.Unlock()

			if member {
				n.logger.Debug("Readmitted into the committee => CatchingUp")
				n.setState(CatchingUp)
				return
			}
		case <-n.shutdownCh:
			return
		}
	}
}

// mirror pulls committed blocks from one peer.
func (n *Node) mirror() {
	n.coreLock.Lock()
	committee := n.core.Committee()
	head := n.core.Head()
	n.coreLock.Unlock()

	if n.selector == nil || n.selector.Peers().Hex() != committee.Hex() {
		n.selector = NewRandomPeerSelector(committee, n.validator.PublicKeyHex())
	}

	peer := n.selector.Next()
	if peer == nil {
		return
	}

	resp, err := n.requestSync(peer.NetAddr, head+1)
	if err != nil {
		n.logger.WithField("error", err).Debug("mirror requestSync()")
		return
	}

	n.selector.UpdateLast(peer.ID())

	if len(resp.Blocks) == 0 {
		return
	}

	n.coreLock.Lock()
	_, err = n.core.ApplySyncBlocks(resp.Blocks, time.Now())
	n.core.ClearBehind()
	n.coreLock.Unlock()

	if err != nil {
		n.logger.WithError(err).Error("Applying mirrored blocks")
		n.Shutdown()
	}
}

// resume moves back to Running or Suspended according to committee
// membership.
func (n *Node) resume() {
	n.coreLock.Lock()
	member := n.core.InCommittee()
	n.coreLock.Unlock()

	if member {
		n.setState(Running)
	} else {
		n.setState(Suspended)
	}
}

func (n *Node) clearBehind() {
	n.coreLock.Lock()
	n.core.ClearBehind()
	n.coreLock.Unlock()
}

func (n *Node) addTransaction(tx ledger.Transaction) {
	n.coreLock.Lock()
	n.core.AddTransactions([]*ledger.Transaction{&tx}, true, time.Now())
	n.coreLock.Unlock()

	n.drainOutbox()
}

// Submit hands a client transaction to the consensus loop. It never blocks;
// when the ingress buffer is full the transaction is dropped, which the
// fire-and-forget client contract allows.
func (n *Node) Submit(tx ledger.Transaction) {
	select {
	case n.submitCh <- tx:
	default:
		n.logger.Warn("Ingress buffer full, dropping transaction")
	}
}

// SubmitCh returns the channel client transactions are pushed into.
func (n *Node) SubmitCh() chan<- ledger.Transaction {
	return n.submitCh
}

// Shutdown shuts down the node.
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("Shutdown")

		//Exit any non-shutdown state immediately
		n.setState(Shutdown)

		//Stop and wait for concurrent operations
		close(n.shutdownCh)

		n.waitRoutines()

		//This needs to be called after closing the shutdownCh
		n.controlTimer.Shutdown()

		//transport and store should only be closed once all concurrent
		//operations are finished otherwise they will panic trying to use
		//closed objects
		n.trans.Close()

		if err := n.core.ledger.Close(); err != nil {
			n.logger.WithError(err).Error("Closing ledger")
		}
	}
}

// GetStats returns the operational counters served on the stats endpoint.
func (n *Node) GetStats() map[string]string {
	n.coreLock.Lock()
	s := n.core.ledger.Stats()
	s["height"] = strconv.FormatInt(n.core.Height(), 10)
	s["view"] = strconv.FormatInt(n.core.View(), 10)
	s["round_state"] = n.core.RoundState().String()
	s["queued_txs"] = strconv.Itoa(n.core.QueueLen())
	s["num_peers"] = strconv.Itoa(n.core.Committee().Len())
	n.coreLock.Unlock()

	s["id"] = fmt.Sprint(n.validator.ID())
	s["moniker"] = n.validator.Moniker
	s["state"] = n.getState().String()
	s["sync_rate"] = strconv.FormatFloat(n.SyncRate(), 'f', 2, 64)
	s["uptime"] = time.Since(n.start).String()

	return s
}

func (n *Node) logStats() {
	stats := n.GetStats()

	n.logger.WithFields(logrus.Fields{
		"last_block_index": stats["last_block_index"],
		"height":           stats["height"],
		"view":             stats["view"],
		"round_state":      stats["round_state"],
		"queued_txs":       stats["queued_txs"],
		"num_peers":        stats["num_peers"],
		"sync_rate":        stats["sync_rate"],
		"state":            stats["state"],
		"moniker":          stats["moniker"],
	}).Debug("Stats")
}

// SyncRate returns the fraction of block-transfer requests that succeeded.
func (n *Node) SyncRate() float64 {
	var syncErrorRate float64

	requests := atomic.LoadInt32(&n.syncRequests)
	errors := atomic.LoadInt32(&n.syncErrors)

	if requests != 0 {
		syncErrorRate = float64(errors) / float64(requests)
	}

	return 1 - syncErrorRate
}

// GetBlock returns a committed block.
func (n *Node) GetBlock(index int64) (*ledger.Block, error) {
	return n.core.ledger.GetBlock(index)
}

// Ledger exposes the committed chain and derived state for the read API.
func (n *Node) Ledger() *state.Ledger {
	return n.core.ledger
}

// ID returns the validator ID.
func (n *Node) ID() uint32 {
	return n.validator.ID()
}

// Moniker returns the validator moniker.
func (n *Node) Moniker() string {
	return n.validator.Moniker
}

// PeerSet returns the current consensus committee.
func (n *Node) PeerSet() *peers.PeerSet {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	return n.core.Committee()
}

// GetPeers returns the peers of the current committee.
func (n *Node) GetPeers() []*peers.Peer {
	return n.PeerSet().Peers
}

// GetGenesisPeers returns the initial committee named by the genesis
// document.
func (n *Node) GetGenesisPeers() []*peers.Peer {
	ps, err := n.genesis.PeerSet()
	if err != nil {
		return nil
	}
	return ps.Peers
}
