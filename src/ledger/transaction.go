package ledger

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/crypto"
	"github.com/gleisnetz/blockstelle/src/crypto/keys"
)

/*******************************************************************************
TransactionBody
*******************************************************************************/

// TransactionType tags the payload carried by a transaction.
type TransactionType uint8

const (
	// KEY_VALUE appends a timestamped value under (sender, key).
	KEY_VALUE TransactionType = iota
	// CREATE_ACCOUNT registers a new account on the ledger.
	CREATE_ACCOUNT
	// UPDATE_ACCOUNT modifies an existing account.
	UPDATE_ACCOUNT
	// DELETE_ACCOUNT tombstones an account.
	DELETE_ACCOUNT
)

// String ...
func (t TransactionType) String() string {
	switch t {
	case KEY_VALUE:
		return "KeyValue"
	case CREATE_ACCOUNT:
		return "CreateAccount"
	case UPDATE_ACCOUNT:
		return "UpdateAccount"
	case DELETE_ACCOUNT:
		return "DeleteAccount"
	default:
		return "Unknown TransactionType"
	}
}

// AccountType is the closed set of roles an account can hold. Behavior
// differences (who may vote, who may write) are resolved by explicit checks
// against this tag.
type AccountType uint8

const (
	// NORMAL accounts submit key-value writes, subject to WritingRights.
	NORMAL AccountType = iota
	// BLOCK_READER accounts read all blocks but never write.
	BLOCK_READER
	// ADMIN accounts manage other accounts.
	ADMIN
	// RPU accounts vote in consensus and manage accounts. They carry the
	// network endpoints of the unit.
	RPU
)

// String ...
func (t AccountType) String() string {
	switch t {
	case NORMAL:
		return "Normal"
	case BLOCK_READER:
		return "BlockReader"
	case ADMIN:
		return "Admin"
	case RPU:
		return "RPU"
	default:
		return "Unknown AccountType"
	}
}

// ParseAccountType is the inverse of String. Genesis documents name account
// types by these strings.
func ParseAccountType(s string) (AccountType, error) {
	switch s {
	case "Normal":
		return NORMAL, nil
	case "BlockReader":
		return BLOCK_READER, nil
	case "Admin":
		return ADMIN, nil
	case "RPU":
		return RPU, nil
	default:
		return NORMAL, fmt.Errorf("unknown AccountType %s", s)
	}
}

// ReadingRight is one rule of an account's reading policy. Rules are
// evaluated in order; the first rule whose account and namespace filters both
// match decides (allow for a whitelist rule, deny for a blacklist rule). An
// empty filter matches everything; no matching rule denies.
type ReadingRight struct {
	Blacklist  bool     `json:"Blacklist,omitempty"`
	Accounts   []string `json:"Accounts,omitempty"`
	Namespaces []string `json:"Namespaces,omitempty"`
}

// AccountUpdate carries the mutable account fields for CREATE_ACCOUNT and
// UPDATE_ACCOUNT payloads. Nil fields leave the current value untouched, so
// an update only states what changes.
type AccountUpdate struct {
	AccountType   *AccountType    `json:"AccountType,omitempty"`
	Expiry        *int64          `json:"Expiry,omitempty"`
	WritingRights *bool           `json:"WritingRights,omitempty"`
	ReadingRights *[]ReadingRight `json:"ReadingRights,omitempty"`
	PeerAddr      *string         `json:"PeerAddr,omitempty"`
	TuriAddr      *string         `json:"TuriAddr,omitempty"`
}

// TransactionBody is the signed content of a transaction. Which fields are
// meaningful depends on Type: Key/Value for KEY_VALUE, Target (and Name,
// Update) for the account types. Timestamp is set by the submitting client;
// it distinguishes otherwise identical writes and becomes the time-series
// timestamp of the value.
type TransactionBody struct {
	Type      TransactionType
	Sender    string
	Timestamp int64

	Key    string         `json:"Key,omitempty"`
	Value  []byte         `json:"Value,omitempty"`
	Target string         `json:"Target,omitempty"`
	Name   string         `json:"Name,omitempty"`
	Update *AccountUpdate `json:"Update,omitempty"`
}

// Marshal returns the canonical json encoding of the body. The canonical
// handle guarantees a deterministic byte sequence across platforms, which is
// required because these bytes feed the hasher and the signer.
func (tb *TransactionBody) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(tb); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (tb *TransactionBody) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(tb); err != nil {
		return err
	}

	return nil
}

// Hash returns the SHA256 hash of the canonical encoding of the body.
func (tb *TransactionBody) Hash() ([]byte, error) {
	hashBytes, err := tb.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(hashBytes), nil
}

/*******************************************************************************
Transaction
*******************************************************************************/

// Transaction is a signed payload submitted by a client. It is immutable once
// signed; any mutation invalidates the signature.
type Transaction struct {
	Body      TransactionBody
	Signature string

	hash []byte
	hex  string
}

// NewKeyValueWrite returns an unsigned KEY_VALUE transaction timestamped with
// the local clock.
func NewKeyValueWrite(sender, key string, value []byte) *Transaction {
	return &Transaction{
		Body: TransactionBody{
			Type:      KEY_VALUE,
			Sender:    sender,
			Timestamp: time.Now().UnixNano(),
			Key:       key,
			Value:     value,
		},
	}
}

// NewCreateAccount returns an unsigned CREATE_ACCOUNT transaction.
func NewCreateAccount(sender, target, name string, update *AccountUpdate) *Transaction {
	return &Transaction{
		Body: TransactionBody{
			Type:      CREATE_ACCOUNT,
			Sender:    sender,
			Timestamp: time.Now().UnixNano(),
			Target:    target,
			Name:      name,
			Update:    update,
		},
	}
}

// NewUpdateAccount returns an unsigned UPDATE_ACCOUNT transaction.
func NewUpdateAccount(sender, target string, update *AccountUpdate) *Transaction {
	return &Transaction{
		Body: TransactionBody{
			Type:      UPDATE_ACCOUNT,
			Sender:    sender,
			Timestamp: time.Now().UnixNano(),
			Target:    target,
			Update:    update,
		},
	}
}

// NewDeleteAccount returns an unsigned DELETE_ACCOUNT transaction.
func NewDeleteAccount(sender, target string) *Transaction {
	return &Transaction{
		Body: TransactionBody{
			Type:      DELETE_ACCOUNT,
			Sender:    sender,
			Timestamp: time.Now().UnixNano(),
			Target:    target,
		},
	}
}

// Hash returns the SHA256 hash of the transaction body. It identifies the
// transaction for deduplication; the signature is not part of it.
func (t *Transaction) Hash() ([]byte, error) {
	if len(t.hash) == 0 {
		hash, err := t.Body.Hash()
		if err != nil {
			return nil, err
		}
		t.hash = hash
	}
	return t.hash, nil
}

// Hex returns the hex representation of the transaction hash.
func (t *Transaction) Hex() string {
	if t.hex == "" {
		hash, _ := t.Hash()
		t.hex = common.EncodeToString(hash)
	}
	return t.hex
}

// Sign signs the transaction body hash with the given key and stores the
// encoded signature in the transaction.
func (t *Transaction) Sign(priv *ecdsa.PrivateKey) error {
	signBytes, err := t.Body.Hash()
	if err != nil {
		return err
	}

	R, S, err := keys.Sign(priv, signBytes)
	if err != nil {
		return err
	}

	t.Signature = keys.EncodeSignature(R, S)

	return nil
}

// Verify checks the transaction signature against the sender public key
// embedded in the body. Malformed senders or signatures yield an error, not a
// panic.
func (t *Transaction) Verify() (bool, error) {
	pubBytes, err := common.DecodeFromString(t.Body.Sender)
	if err != nil {
		return false, fmt.Errorf("malformed sender key: %v", err)
	}

	pubKey := keys.ToPublicKey(pubBytes)
	if pubKey == nil {
		return false, fmt.Errorf("sender key is not a point on the curve")
	}

	signBytes, err := t.Body.Hash()
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(t.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, signBytes, r, s), nil
}

// Marshal returns the canonical json encoding of the whole transaction,
// signature included.
func (t *Transaction) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(t); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (t *Transaction) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(t); err != nil {
		return err
	}

	return nil
}
