package node

import (
	"time"

	"github.com/gleisnetz/blockstelle/src/ledger"
)

type queuedTx struct {
	tx       *ledger.Transaction
	enqueued time.Time
}

// txQueue is the FIFO of pending transactions, deduplicated by transaction
// hash. The leader drains it head-first when building a proposal;
// transactions from a failed round go back in at the tail.
type txQueue struct {
	items  []queuedTx
	member map[string]struct{}
}

func newTxQueue() *txQueue {
	return &txQueue{
		member: make(map[string]struct{}),
	}
}

// Push appends a transaction unless an equal one is already queued. It
// returns false for duplicates.
func (q *txQueue) Push(tx *ledger.Transaction, now time.Time) bool {
	hex := tx.Hex()

	if _, ok := q.member[hex]; ok {
		return false
	}

	q.member[hex] = struct{}{}
	q.items = append(q.items, queuedTx{tx: tx, enqueued: now})

	return true
}

// Drain removes and returns up to max transactions from the head.
func (q *txQueue) Drain(max int) []*ledger.Transaction {
	if max <= 0 || max > len(q.items) {
		max = len(q.items)
	}

	res := make([]*ledger.Transaction, 0, max)
	for _, item := range q.items[:max] {
		delete(q.member, item.tx.Hex())
		res = append(res, item.tx)
	}

	q.items = append([]queuedTx{}, q.items[max:]...)

	return res
}

// Remove drops every queued transaction whose hash appears in hexes.
func (q *txQueue) Remove(hexes map[string]struct{}) {
	if len(hexes) == 0 {
		return
	}

	kept := q.items[:0]
	for _, item := range q.items {
		if _, ok := hexes[item.tx.Hex()]; ok {
			delete(q.member, item.tx.Hex())
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
}

// Contains reports whether a transaction with the given hash is queued.
func (q *txQueue) Contains(hex string) bool {
	_, ok := q.member[hex]
	return ok
}

// Len ...
func (q *txQueue) Len() int {
	return len(q.items)
}

// OldestAge returns how long the head transaction has been waiting, or zero
// for an empty queue.
func (q *txQueue) OldestAge(now time.Time) time.Duration {
	if len(q.items) == 0 {
		return 0
	}
	return now.Sub(q.items[0].enqueued)
}

type windowEntry struct {
	height int64
	hexes  []string
}

// committedWindow remembers the hashes of recently committed transactions so
// that duplicates are dropped from proposals instead of being committed
// twice. The window covers a fixed number of trailing heights; anything
// older is forgotten, which is fine because honest clients do not replay
// stale transactions.
type committedWindow struct {
	size  int
	known map[string]int64
	ring  []windowEntry
}

func newCommittedWindow(size int) *committedWindow {
	if size < 1 {
		size = 1
	}
	return &committedWindow{
		size:  size,
		known: make(map[string]int64),
	}
}

// Add records the transactions committed at a height and evicts heights that
// fell out of the window.
func (w *committedWindow) Add(height int64, hexes []string) {
	w.ring = append(w.ring, windowEntry{height: height, hexes: hexes})
	for _, hex := range hexes {
		w.known[hex] = height
	}

	for len(w.ring) > w.size {
		evicted := w.ring[0]
		w.ring = w.ring[1:]
		for _, hex := range evicted.hexes {
			if w.known[hex] == evicted.height {
				delete(w.known, hex)
			}
		}
	}
}

// Contains reports whether a transaction hash was committed within the
// window.
func (w *committedWindow) Contains(hex string) bool {
	_, ok := w.known[hex]
	return ok
}
