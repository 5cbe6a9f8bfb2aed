package node

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gleisnetz/blockstelle/src/ledger"
	"github.com/gleisnetz/blockstelle/src/net"
)

func (n *Node) requestSync(target string, fromHeight int64) (net.SyncResponse, error) {
	args := net.SyncRequest{
		Body: net.SyncBody{
			From:       n.validator.PublicKeyHex(),
			FromHeight: fromHeight,
			Limit:      n.conf.SyncLimit,
		},
	}

	var out net.SyncResponse

	if err := args.Sign(n.validator.Key); err != nil {
		return out, err
	}

	atomic.AddInt32(&n.syncRequests, 1)

	err := n.trans.Sync(target, &args, &out)
	if err != nil {
		atomic.AddInt32(&n.syncErrors, 1)
	}

	return out, err
}

func (n *Node) processRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.ProposeRequest:
		n.processPropose(rpc, cmd)
	case *net.VoteRequest:
		n.processVote(rpc, cmd)
	case *net.ViewChangeRequest:
		n.processViewChange(rpc, cmd)
	case *net.SyncRequest:
		n.processSyncRequest(rpc, cmd)
	case *net.TxGossipRequest:
		n.processTxGossip(rpc, cmd)
	default:
		n.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, errors.New("unexpected command"))
	}
}

func (n *Node) processPropose(rpc net.RPC, cmd *net.ProposeRequest) {
	n.logger.WithFields(logrus.Fields{
		"from":   cmd.Sender(),
		"height": cmd.Body.Height,
		"view":   cmd.Body.View,
		"txs":    len(cmd.Body.Block.Transactions()),
	}).Debug("process ProposeRequest")

	accepted := false
	var respErr error

	//Proposals are only voted on while the node takes part in consensus;
	//in every other state the leader gets a plain refusal.
	if n.getState() == Running {
		n.coreLock.Lock()
		accepted, respErr = n.core.HandlePropose(cmd, time.Now())
		n.coreLock.Unlock()
	}

	resp := &net.ProposeResponse{
		From:     n.validator.PublicKeyHex(),
		Accepted: accepted,
	}

	n.logger.WithFields(logrus.Fields{
		"accepted": resp.Accepted,
		"rpc_err":  respErr,
	}).Debug("Responding to ProposeRequest")

	rpc.Respond(resp, respErr)

	if respErr != nil {
		n.fatal(respErr)
		return
	}

	n.drainOutbox()
	n.checkBehind()
}

func (n *Node) processVote(rpc net.RPC, cmd *net.VoteRequest) {
	n.logger.WithFields(logrus.Fields{
		"from":   cmd.Sender(),
		"height": cmd.Body.Height,
		"view":   cmd.Body.View,
		"phase":  cmd.Body.Phase.String(),
	}).Debug("process VoteRequest")

	accepted := false
	var respErr error

	if n.getState() == Running {
		n.coreLock.Lock()
		respErr = n.core.HandleVote(cmd, time.Now())
		n.coreLock.Unlock()

		accepted = respErr == nil
	}

	resp := &net.VoteResponse{
		From:     n.validator.PublicKeyHex(),
		Accepted: accepted,
	}

	rpc.Respond(resp, respErr)

	if respErr != nil {
		n.fatal(respErr)
		return
	}

	n.drainOutbox()
	n.checkBehind()
}

func (n *Node) processViewChange(rpc net.RPC, cmd *net.ViewChangeRequest) {
	n.logger.WithFields(logrus.Fields{
		"from":     cmd.Sender(),
		"height":   cmd.Body.Height,
		"new_view": cmd.Body.NewView,
	}).Debug("process ViewChangeRequest")

	accepted := false
	var respErr error

	if n.getState() == Running {
		n.coreLock.Lock()
		respErr = n.core.HandleViewChange(cmd, time.Now())
		n.coreLock.Unlock()

		accepted = respErr == nil
	}

	resp := &net.ViewChangeResponse{
		From:     n.validator.PublicKeyHex(),
		Accepted: accepted,
	}

	rpc.Respond(resp, respErr)

	if respErr != nil {
		n.fatal(respErr)
		return
	}

	n.drainOutbox()
	n.checkBehind()
}

// processSyncRequest serves committed blocks in every state; a suspended or
// lagging RPU can still help others catch up to its head.
func (n *Node) processSyncRequest(rpc net.RPC, cmd *net.SyncRequest) {
	n.logger.WithFields(logrus.Fields{
		"from":        cmd.Sender(),
		"from_height": cmd.Body.FromHeight,
		"limit":       cmd.Body.Limit,
	}).Debug("process SyncRequest")

	n.coreLock.Lock()
	resp := n.core.HandleSync(cmd)
	n.coreLock.Unlock()

	n.logger.WithFields(logrus.Fields{
		"blocks": len(resp.Blocks),
		"head":   resp.Head,
	}).Debug("Responding to SyncRequest")

	rpc.Respond(resp, nil)
}

func (n *Node) processTxGossip(rpc net.RPC, cmd *net.TxGossipRequest) {
	n.logger.WithFields(logrus.Fields{
		"from": cmd.Sender(),
		"txs":  len(cmd.Body.Transactions),
	}).Debug("process TxGossipRequest")

	txs := make([]*ledger.Transaction, len(cmd.Body.Transactions))
	for i := range cmd.Body.Transactions {
		txs[i] = &cmd.Body.Transactions[i]
	}

	n.coreLock.Lock()
	received := n.core.AddTransactions(txs, false, time.Now())
	n.coreLock.Unlock()

	resp := &net.TxGossipResponse{
		From:     n.validator.PublicKeyHex(),
		Received: received,
	}

	rpc.Respond(resp, nil)

	n.drainOutbox()
}

// drainOutbox broadcasts the messages produced by the preceding core calls to
// the other committee members. The sends run detached from the caller so a
// slow peer cannot stall an RPC handler; the protocol tolerates lost
// messages.
func (n *Node) drainOutbox() {
	n.coreLock.Lock()
	out := n.core.TakeOutbox()
	var targets []string
	if len(out) > 0 {
		for _, p := range n.core.Committee().Peers {
			if p.PubKeyHex == n.validator.PublicKeyHex() {
				continue
			}
			targets = append(targets, p.NetAddr)
		}
	}
	n.coreLock.Unlock()

	if len(out) == 0 || len(targets) == 0 {
		return
	}

	//one routine per batch keeps the per-peer ordering of proposal before
	//vote intact
	go func() {
		for _, cmd := range out {
			n.broadcast(cmd, targets)
		}
	}()
}

func (n *Node) broadcast(cmd net.SignedCommand, targets []string) {
	var err error

	switch req := cmd.(type) {
	case *net.ProposeRequest:
		err = net.Broadcast(targets, 0, func(target string) error {
			var out net.ProposeResponse
			return n.trans.Propose(target, req, &out)
		})
	case *net.VoteRequest:
		err = net.Broadcast(targets, 0, func(target string) error {
			var out net.VoteResponse
			return n.trans.Vote(target, req, &out)
		})
	case *net.ViewChangeRequest:
		err = net.Broadcast(targets, 0, func(target string) error {
			var out net.ViewChangeResponse
			return n.trans.ViewChange(target, req, &out)
		})
	case *net.TxGossipRequest:
		err = net.Broadcast(targets, 0, func(target string) error {
			var out net.TxGossipResponse
			return n.trans.TxGossip(target, req, &out)
		})
	default:
		n.logger.WithField("cmd", cmd).Error("Unexpected outbox command")
		return
	}

	if err != nil {
		n.logger.WithField("error", err).Debug("Broadcast")
	}
}

// checkBehind raises the sync signal when the last core call detected a
// height gap.
func (n *Node) checkBehind() {
	n.coreLock.Lock()
	behind := n.core.Behind()
	n.coreLock.Unlock()

	if behind && n.getState() == Running {
		select {
		case n.syncCh <- struct{}{}:
		default:
		}
	}
}

// fatal reacts to an unrecoverable core error, typically a failed durable
// append. The shutdown runs detached because the RPC routines are themselves
// awaited during shutdown.
func (n *Node) fatal(err error) {
	n.logger.WithError(err).Error("Unrecoverable consensus error")
	go n.Shutdown()
}
