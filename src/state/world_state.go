package state

import (
	"bytes"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	cm "github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/ledger"
	"github.com/gleisnetz/blockstelle/src/peers"
)

// TxReceipt records the execution outcome of one transaction in a block.
// Receipts are derived data: every replica recomputes them identically from
// the committed chain, so they are never stored in the signed block body.
type TxReceipt struct {
	Index    int
	TxHash   string
	Accepted bool
	Reason   string
}

// WorldState is the deterministic fold of all committed account transactions,
// in block order. It is mutated exclusively through Apply on the commit path;
// reads are served from a shared lock against the already-committed state.
type WorldState struct {
	l sync.RWMutex

	accounts       map[string]*Account
	lastBlockIndex int64
	lastBlockHash  []byte
	rejected       int64

	logger *logrus.Entry
}

// NewWorldState returns an empty WorldState. It contains no accounts and sits
// before the genesis block.
func NewWorldState(logger *logrus.Entry) *WorldState {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &WorldState{
		accounts:       make(map[string]*Account),
		lastBlockIndex: -1,
		logger:         logger,
	}
}

// LastBlockIndex returns the index of the last applied block, -1 before
// genesis.
func (ws *WorldState) LastBlockIndex() int64 {
	ws.l.RLock()
	defer ws.l.RUnlock()
	return ws.lastBlockIndex
}

// LastBlockHash returns the hash of the last applied block.
func (ws *WorldState) LastBlockHash() []byte {
	ws.l.RLock()
	defer ws.l.RUnlock()

	res := make([]byte, len(ws.lastBlockHash))
	copy(res, ws.lastBlockHash)
	return res
}

// RejectedCount returns the number of transactions skipped at execution since
// genesis (or since the last snapshot restore).
func (ws *WorldState) RejectedCount() int64 {
	ws.l.RLock()
	defer ws.l.RUnlock()
	return ws.rejected
}

// GetAccount returns a copy of the account behind peerID.
func (ws *WorldState) GetAccount(peerID string) (*Account, error) {
	ws.l.RLock()
	defer ws.l.RUnlock()

	account, ok := ws.accounts[peerID]
	if !ok {
		return nil, NewPermissionErr(AccountNotFound, peerID)
	}
	return account.Copy(), nil
}

// Accounts returns copies of all accounts, tombstones included, sorted by
// PeerID.
func (ws *WorldState) Accounts() []*Account {
	ws.l.RLock()
	defer ws.l.RUnlock()

	res := []*Account{}
	for _, account := range ws.accounts {
		res = append(res, account.Copy())
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].PeerID < res[j].PeerID
	})

	return res
}

// RPUs returns the live RPU accounts, sorted by PeerID. Expiry is not
// consulted here: committee membership must be derivable from the committed
// state alone, never from a local clock.
func (ws *WorldState) RPUs() []*Account {
	ws.l.RLock()
	defer ws.l.RUnlock()

	res := []*Account{}
	for _, account := range ws.accounts {
		if account.IsRPU() && !account.Tombstone {
			res = append(res, account.Copy())
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].PeerID < res[j].PeerID
	})

	return res
}

// PeerSet returns the consensus committee derived from the last committed
// state.
func (ws *WorldState) PeerSet() *peers.PeerSet {
	rpus := ws.RPUs()

	members := []*peers.Peer{}
	for _, account := range rpus {
		members = append(members, account.Peer())
	}

	return peers.NewPeerSet(members)
}

func (ws *WorldState) liveRPUCount() int {
	count := 0
	for _, account := range ws.accounts {
		if account.IsRPU() && !account.Tombstone {
			count++
		}
	}
	return count
}

/*******************************************************************************
Validation
*******************************************************************************/

// CheckTransaction runs the full validity check for a transaction: signature
// over the exact serialized body, sender account existence, tombstone and
// expiry, and the permission the payload requires. now is unix nanoseconds;
// consensus callers pass the enclosing block timestamp.
func (ws *WorldState) CheckTransaction(tx *ledger.Transaction, now int64) error {
	ws.l.RLock()
	defer ws.l.RUnlock()
	return ws.checkTransaction(tx, now)
}

func (ws *WorldState) checkTransaction(tx *ledger.Transaction, now int64) error {
	ok, err := tx.Verify()
	if err != nil || !ok {
		return NewPermissionErr(InvalidSignature, tx.Body.Sender)
	}

	sender, found := ws.accounts[tx.Body.Sender]
	if !found {
		return NewPermissionErr(AccountNotFound, tx.Body.Sender)
	}
	if sender.Tombstone {
		return NewPermissionErr(AccountDeleted, tx.Body.Sender)
	}
	if sender.Expired(now) {
		return NewPermissionErr(AccountExpired, tx.Body.Sender)
	}

	switch tx.Body.Type {
	case ledger.KEY_VALUE:
		if tx.Body.Key == "" {
			return NewPermissionErr(MalformedTransaction, tx.Body.Sender)
		}
		if !sender.WritingRights {
			return NewPermissionErr(WriteDenied, tx.Body.Sender)
		}
	case ledger.CREATE_ACCOUNT:
		if err := requireAccountManager(sender); err != nil {
			return err
		}
		return ws.checkCreateAccount(tx)
	case ledger.UPDATE_ACCOUNT:
		if err := requireAccountManager(sender); err != nil {
			return err
		}
		return ws.checkUpdateAccount(tx)
	case ledger.DELETE_ACCOUNT:
		if err := requireAccountManager(sender); err != nil {
			return err
		}
		return ws.checkDeleteAccount(tx)
	default:
		return NewPermissionErr(MalformedTransaction, tx.Body.Sender)
	}

	return nil
}

func requireAccountManager(sender *Account) error {
	if sender.Type != ledger.ADMIN && sender.Type != ledger.RPU {
		return NewPermissionErr(AdminRequired, sender.PeerID)
	}
	return nil
}

func (ws *WorldState) checkCreateAccount(tx *ledger.Transaction) error {
	if tx.Body.Target == "" || tx.Body.Name == "" {
		return NewPermissionErr(MalformedTransaction, tx.Body.Sender)
	}

	// A PeerID permanently names an account; tombstones block re-creation.
	if _, exists := ws.accounts[tx.Body.Target]; exists {
		return NewPermissionErr(TargetExists, tx.Body.Target)
	}

	created := NewAccount(tx.Body.Target, tx.Body.Name)
	created.ApplyUpdate(tx.Body.Update)
	if created.IsRPU() && (created.PeerAddr == "" || created.TuriAddr == "") {
		return NewPermissionErr(MalformedTransaction, tx.Body.Target)
	}

	return nil
}

func (ws *WorldState) checkUpdateAccount(tx *ledger.Transaction) error {
	target, exists := ws.accounts[tx.Body.Target]
	if !exists || target.Tombstone {
		return NewPermissionErr(TargetNotFound, tx.Body.Target)
	}

	updated := target.Copy()
	updated.ApplyUpdate(tx.Body.Update)

	if target.IsRPU() && !updated.IsRPU() && ws.liveRPUCount()-1 < MinRPUs {
		return NewPermissionErr(TooFewRPUs, tx.Body.Target)
	}
	if updated.IsRPU() && (updated.PeerAddr == "" || updated.TuriAddr == "") {
		return NewPermissionErr(MalformedTransaction, tx.Body.Target)
	}

	return nil
}

func (ws *WorldState) checkDeleteAccount(tx *ledger.Transaction) error {
	target, exists := ws.accounts[tx.Body.Target]
	if !exists || target.Tombstone {
		return NewPermissionErr(TargetNotFound, tx.Body.Target)
	}

	if target.IsRPU() && ws.liveRPUCount()-1 < MinRPUs {
		return NewPermissionErr(TooFewRPUs, tx.Body.Target)
	}

	return nil
}

/*******************************************************************************
Execution
*******************************************************************************/

// Apply folds a committed block into the state and returns a receipt per
// transaction. The caller guarantees quorum evidence; Apply re-checks every
// transaction against the state it sees (not the state at proposal time) and
// skips the ones that lost their validity in between. A skipped transaction
// never fails the block.
//
// The genesis block is exempt from sender checks: its account creations
// bootstrap the very accounts those checks would consult.
func (ws *WorldState) Apply(block *ledger.Block) ([]TxReceipt, error) {
	ws.l.Lock()
	defer ws.l.Unlock()

	index := block.Index()
	key := strconv.FormatInt(index, 10)

	expected := ws.lastBlockIndex + 1
	if index < expected {
		return nil, cm.NewStoreErr("WorldState", cm.PassedIndex, key)
	}
	if index > expected {
		return nil, cm.NewStoreErr("WorldState", cm.SkippedIndex, key)
	}
	if expected > 0 {
		if !bytes.Equal(block.PreviousHash(), ws.lastBlockHash) {
			return nil, cm.NewStoreErr("WorldState", cm.ChainMismatch, key)
		}
	} else if len(block.PreviousHash()) != 0 {
		return nil, cm.NewStoreErr("WorldState", cm.ChainMismatch, key)
	}

	genesis := index == 0
	transactions := block.Transactions()

	receipts := make([]TxReceipt, len(transactions))
	for i := range transactions {
		tx := &transactions[i]

		receipts[i] = TxReceipt{
			Index:    i,
			TxHash:   tx.Hex(),
			Accepted: true,
		}

		if err := ws.applyTransaction(tx, block.Body.Timestamp, genesis); err != nil {
			receipts[i].Accepted = false
			receipts[i].Reason = err.Error()
			ws.rejected++

			ws.logger.WithFields(logrus.Fields{
				"block": index,
				"tx":    tx.Hex(),
				"error": err,
			}).Warning("Transaction rejected at execution")
		}
	}

	hash, err := block.Hash()
	if err != nil {
		return nil, err
	}

	ws.lastBlockHash = hash
	ws.lastBlockIndex = index

	return receipts, nil
}

func (ws *WorldState) applyTransaction(tx *ledger.Transaction, now int64, genesis bool) error {
	if !genesis {
		if err := ws.checkTransaction(tx, now); err != nil {
			return err
		}
	} else if tx.Body.Type != ledger.CREATE_ACCOUNT {
		return NewPermissionErr(MalformedTransaction, tx.Body.Sender)
	}

	switch tx.Body.Type {
	case ledger.KEY_VALUE:
		// Values live in the derived time-series index, not here.
	case ledger.CREATE_ACCOUNT:
		if genesis {
			if err := ws.checkCreateAccount(tx); err != nil {
				return err
			}
		}
		created := NewAccount(tx.Body.Target, tx.Body.Name)
		created.ApplyUpdate(tx.Body.Update)
		ws.accounts[tx.Body.Target] = created
	case ledger.UPDATE_ACCOUNT:
		ws.accounts[tx.Body.Target].ApplyUpdate(tx.Body.Update)
	case ledger.DELETE_ACCOUNT:
		ws.accounts[tx.Body.Target].Tombstone = true
	}

	return nil
}

/*******************************************************************************
Snapshots
*******************************************************************************/

type worldStateSnapshot struct {
	Accounts       map[string]*Account
	LastBlockIndex int64
	LastBlockHash  []byte
	Rejected       int64
}

// Marshal returns the canonical encoding of the state for checkpointing.
func (ws *WorldState) Marshal() ([]byte, error) {
	ws.l.RLock()
	defer ws.l.RUnlock()

	snapshot := worldStateSnapshot{
		Accounts:       ws.accounts,
		LastBlockIndex: ws.lastBlockIndex,
		LastBlockHash:  ws.lastBlockHash,
		Rejected:       ws.rejected,
	}

	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(snapshot); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal replaces the state with a checkpoint produced by Marshal.
func (ws *WorldState) Unmarshal(data []byte) error {
	snapshot := new(worldStateSnapshot)

	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(snapshot); err != nil {
		return err
	}

	ws.l.Lock()
	defer ws.l.Unlock()

	if snapshot.Accounts == nil {
		snapshot.Accounts = make(map[string]*Account)
	}

	ws.accounts = snapshot.Accounts
	ws.lastBlockIndex = snapshot.LastBlockIndex
	ws.lastBlockHash = snapshot.LastBlockHash
	ws.rejected = snapshot.Rejected

	return nil
}
