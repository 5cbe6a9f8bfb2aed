package state

import (
	"context"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	cm "github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/ledger"
	"github.com/gleisnetz/blockstelle/src/peers"
)

// Ledger ties the block store, the world state and the value index together
// behind one narrow read/append interface. Appends come exclusively from the
// consensus commit path and are serialized here; reads go to committed,
// immutable state and never wait on an append for long.
type Ledger struct {
	commitLock sync.Mutex

	store   ledger.Store
	ws      *WorldState
	data    *DataStore
	checker *TransactionChecker

	snapshotInterval int64

	logger *logrus.Entry
}

// NewLedger wires an empty ledger over the given stores. snapshotInterval is
// the number of blocks between world-state checkpoints; 0 disables
// checkpointing.
func NewLedger(store ledger.Store, data *DataStore, snapshotInterval int64, logger *logrus.Entry) *Ledger {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	ws := NewWorldState(logger)

	return &Ledger{
		store:            store,
		ws:               ws,
		data:             data,
		checker:          NewTransactionChecker(ws),
		snapshotInterval: snapshotInterval,
		logger:           logger,
	}
}

// Bootstrap brings the ledger to a usable state at startup: an empty store
// gets the genesis block committed, a non-empty store is replayed.
func (l *Ledger) Bootstrap(genesis *Genesis) error {
	if l.store.LastBlockIndex() < 0 {
		genesisBlock, err := genesis.Block()
		if err != nil {
			return err
		}
		return l.Commit(genesisBlock)
	}
	return l.Replay()
}

// Commit durably appends a block, folds it into the world state and indexes
// its values. The consensus core verifies quorum evidence before calling;
// Commit itself enforces sequencing and the chain link. A failed durable
// append is returned as-is and is fatal to this RPU's participation.
func (l *Ledger) Commit(block *ledger.Block) error {
	l.commitLock.Lock()
	defer l.commitLock.Unlock()
	return l.commit(block)
}

func (l *Ledger) commit(block *ledger.Block) error {
	if err := l.store.SetBlock(block); err != nil {
		return err
	}

	receipts, err := l.ws.Apply(block)
	if err != nil {
		return err
	}

	if err := l.data.WriteBlock(context.Background(), block, receipts); err != nil {
		return err
	}

	index := block.Index()
	if l.snapshotInterval > 0 && index > 0 && index%l.snapshotInterval == 0 {
		snapshot, err := l.ws.Marshal()
		if err != nil {
			return err
		}
		if err := l.store.SetSnapshot(index, snapshot); err != nil {
			return err
		}
	}

	return nil
}

// Replay rebuilds the world state and the value index from the committed
// chain, starting from the last usable checkpoint. A checkpoint is usable
// only if the value index already covers it; otherwise everything is
// re-executed from genesis.
func (l *Ledger) Replay() error {
	l.commitLock.Lock()
	defer l.commitLock.Unlock()

	head := l.store.LastBlockIndex()
	if head < 0 {
		return cm.NewStoreErr("Block", cm.Empty, "replay")
	}

	indexed, err := l.data.IndexedHeight(context.Background())
	if err != nil {
		return err
	}

	start := int64(0)
	if snapshotIndex, snapshot, err := l.store.GetSnapshot(); err == nil && snapshotIndex <= head && indexed >= snapshotIndex {
		if err := l.ws.Unmarshal(snapshot); err != nil {
			return err
		}
		start = snapshotIndex + 1
	}

	for h := start; h <= head; h++ {
		block, err := l.store.GetBlock(h)
		if err != nil {
			return err
		}

		receipts, err := l.ws.Apply(block)
		if err != nil {
			return err
		}

		if h > indexed {
			if err := l.data.WriteBlock(context.Background(), block, receipts); err != nil {
				return err
			}
		}
	}

	l.logger.WithFields(logrus.Fields{
		"head": head,
		"from": start,
	}).Debug("Replayed ledger")

	return nil
}

/*******************************************************************************
Read interface
*******************************************************************************/

// LastBlockIndex ...
func (l *Ledger) LastBlockIndex() int64 {
	return l.store.LastBlockIndex()
}

// LastBlockHash returns the hash of the last applied block.
func (l *Ledger) LastBlockHash() []byte {
	return l.ws.LastBlockHash()
}

// GetBlock ...
func (l *Ledger) GetBlock(index int64) (*ledger.Block, error) {
	return l.store.GetBlock(index)
}

// Blocks returns the blocks in the range [from, to], clamped to the chain.
func (l *Ledger) Blocks(from, to int64) ([]*ledger.Block, error) {
	return l.store.Blocks(from, to)
}

// GetAccount ...
func (l *Ledger) GetAccount(peerID string) (*Account, error) {
	return l.ws.GetAccount(peerID)
}

// Accounts ...
func (l *Ledger) Accounts() []*Account {
	return l.ws.Accounts()
}

// PeerSet returns the consensus committee derived from the last committed
// state.
func (l *Ledger) PeerSet() *peers.PeerSet {
	return l.ws.PeerSet()
}

// Checker returns the permission checker bound to the last committed state.
func (l *Ledger) Checker() *TransactionChecker {
	return l.checker
}

// CheckTransaction ...
func (l *Ledger) CheckTransaction(tx *ledger.Transaction, now int64) error {
	return l.ws.CheckTransaction(tx, now)
}

// GetValues ...
func (l *Ledger) GetValues(ctx context.Context, owner, key string, filter ValueFilter) ([]ValueRecord, error) {
	return l.data.GetValues(ctx, owner, key, filter)
}

// CurrentValue ...
func (l *Ledger) CurrentValue(ctx context.Context, owner, key string) (*ValueRecord, error) {
	return l.data.CurrentValue(ctx, owner, key)
}

// Keys ...
func (l *Ledger) Keys(ctx context.Context, owner string) ([]string, error) {
	return l.data.Keys(ctx, owner)
}

// Stats returns counters for the stats endpoint.
func (l *Ledger) Stats() map[string]string {
	values, err := l.data.Count(context.Background())
	if err != nil {
		values = -1
	}

	rpus := len(l.ws.RPUs())

	return map[string]string{
		"last_block_index": strconv.FormatInt(l.store.LastBlockIndex(), 10),
		"last_block_hash":  cm.EncodeToString(l.ws.LastBlockHash()),
		"num_accounts":     strconv.Itoa(len(l.ws.Accounts())),
		"num_rpus":         strconv.Itoa(rpus),
		"num_values":       strconv.FormatInt(values, 10),
		"rejected_txs":     strconv.FormatInt(l.ws.RejectedCount(), 10),
	}
}

// Close releases the underlying stores.
func (l *Ledger) Close() error {
	if err := l.data.Close(); err != nil {
		l.store.Close()
		return err
	}
	return l.store.Close()
}
