package state

import (
	"github.com/gleisnetz/blockstelle/src/ledger"
)

// Action names the operations subject to permission checks.
type Action uint8

const (
	// WriteValue appends a timestamped value to the sender's namespace.
	WriteValue Action = iota
	// ManageAccounts creates, updates or deletes accounts.
	ManageAccounts
	// ReadValues reads the time series of the target account's namespace.
	ReadValues
	// ReadBlocks reads raw blocks, transactions included.
	ReadBlocks
)

// PermissionChecker is the capability consulted before voting on a proposal
// and again before executing a committed transaction.
type PermissionChecker interface {
	Check(sender *Account, action Action, target string) error
}

// TransactionChecker evaluates permissions against a world state. It holds no
// state of its own beyond the reference; every call sees the last committed
// accounts.
type TransactionChecker struct {
	ws *WorldState
}

// NewTransactionChecker ...
func NewTransactionChecker(ws *WorldState) *TransactionChecker {
	return &TransactionChecker{ws: ws}
}

// CheckTransaction runs the full validity check for a transaction. now is
// unix nanoseconds; consensus callers pass the block timestamp, ingress
// callers the local clock.
func (tc *TransactionChecker) CheckTransaction(tx *ledger.Transaction, now int64) error {
	return tc.ws.CheckTransaction(tx, now)
}

// CheckAccount rejects tombstoned or expired accounts.
func (tc *TransactionChecker) CheckAccount(account *Account, now int64) error {
	if account == nil {
		return NewPermissionErr(AccountNotFound, "")
	}
	if account.Tombstone {
		return NewPermissionErr(AccountDeleted, account.PeerID)
	}
	if account.Expired(now) {
		return NewPermissionErr(AccountExpired, account.PeerID)
	}
	return nil
}

// Check decides whether sender may perform action. For ReadValues the target
// is the PeerID whose namespace is being read; for the other actions it is
// ignored (the per-transaction checks handle targets).
func (tc *TransactionChecker) Check(sender *Account, action Action, target string) error {
	if sender == nil {
		return NewPermissionErr(AccountNotFound, "")
	}
	if sender.Tombstone {
		return NewPermissionErr(AccountDeleted, sender.PeerID)
	}

	switch action {
	case WriteValue:
		if !sender.WritingRights {
			return NewPermissionErr(WriteDenied, sender.PeerID)
		}
	case ManageAccounts:
		return requireAccountManager(sender)
	case ReadValues:
		if !tc.allowedToReadAnyKey(sender, target) {
			return NewPermissionErr(ReadDenied, sender.PeerID)
		}
	case ReadBlocks:
		switch sender.Type {
		case ledger.BLOCK_READER, ledger.ADMIN, ledger.RPU:
		default:
			return NewPermissionErr(ReadDenied, sender.PeerID)
		}
	}

	return nil
}

// AllowedToRead decides whether reader may see the value stored by owner
// under key. Privileged account types and the namespace owner always may;
// everyone else is subject to the reader's reading-rights rules, evaluated in
// order with the first matching rule deciding.
func (tc *TransactionChecker) AllowedToRead(reader *Account, owner, key string) bool {
	if reader == nil || reader.Tombstone {
		return false
	}

	switch reader.Type {
	case ledger.BLOCK_READER, ledger.ADMIN, ledger.RPU:
		return true
	}

	if reader.PeerID == owner {
		return true
	}

	for _, right := range reader.ReadingRights {
		if matchesFilter(right.Accounts, owner) && matchesFilter(right.Namespaces, key) {
			return !right.Blacklist
		}
	}

	return false
}

// allowedToReadAnyKey is the account-level gate: may the reader see anything
// at all in the owner's namespace. Key-level rules are applied per value by
// AllowedToRead.
func (tc *TransactionChecker) allowedToReadAnyKey(reader *Account, owner string) bool {
	if reader == nil || reader.Tombstone {
		return false
	}

	switch reader.Type {
	case ledger.BLOCK_READER, ledger.ADMIN, ledger.RPU:
		return true
	}

	if reader.PeerID == owner {
		return true
	}

	for _, right := range reader.ReadingRights {
		if !right.Blacklist && matchesFilter(right.Accounts, owner) {
			return true
		}
	}

	return false
}

// matchesFilter reports whether v is selected by the filter. An empty filter
// selects everything.
func matchesFilter(filter []string, v string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, entry := range filter {
		if entry == v {
			return true
		}
	}
	return false
}
