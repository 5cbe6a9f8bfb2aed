package ledger

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"
	"github.com/ugorji/go/codec"

	"github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/crypto"
	"github.com/gleisnetz/blockstelle/src/crypto/keys"
	"github.com/gleisnetz/blockstelle/src/peers"
)

/*******************************************************************************
BlockBody
*******************************************************************************/

// BlockBody is the signed content of a block. Its hash is what commit votes
// and the chain link of the next block refer to; the signatures collected on
// top of it never feed the hasher.
type BlockBody struct {
	Index        int64
	Timestamp    int64
	Proposer     string
	PreviousHash []byte
	TxRoot       []byte
	Transactions []Transaction
}

// Marshal returns the canonical json encoding of the body.
func (bb *BlockBody) Marshal() ([]byte, error) {
	bf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)
	if err := enc.Encode(bb); err != nil {
		return nil, err
	}
	return bf.Bytes(), nil
}

// Unmarshal ...
func (bb *BlockBody) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)
	if err := dec.Decode(bb); err != nil {
		return err
	}
	return nil
}

// Hash returns the SHA256 hash of the canonical encoding of the body.
func (bb *BlockBody) Hash() ([]byte, error) {
	hashBytes, err := bb.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(hashBytes), nil
}

/*******************************************************************************
BlockSignature
*******************************************************************************/

// BlockSignature is one RPU's commit signature over a block hash. A quorum of
// them is the commit evidence that finalizes the block.
type BlockSignature struct {
	Validator []byte
	Index     int64
	Signature string
}

// ValidatorHex ...
func (bs *BlockSignature) ValidatorHex() string {
	return common.EncodeToString(bs.Validator)
}

// Key returns a string that uniquely identifies the signature within one
// round.
func (bs *BlockSignature) Key() string {
	return fmt.Sprintf("%d-%s", bs.Index, bs.ValidatorHex())
}

/*******************************************************************************
Block
*******************************************************************************/

// Block is one element of the hash chain. Blocks are proposed by the leader
// of a height, voted on by the committee, and immutable once Signatures holds
// a super-majority of commit signatures.
type Block struct {
	Body       BlockBody
	Signatures map[string]string // [validator hex] => signature

	hash []byte
	hex  string
}

// NewBlock assembles a block over the given transactions and computes its
// transaction root.
func NewBlock(index int64, previousHash []byte, proposer string, timestamp int64, transactions []Transaction) (*Block, error) {
	txRoot, err := TxRoot(transactions)
	if err != nil {
		return nil, err
	}

	body := BlockBody{
		Index:        index,
		Timestamp:    timestamp,
		Proposer:     proposer,
		PreviousHash: previousHash,
		TxRoot:       txRoot,
		Transactions: transactions,
	}

	return &Block{
		Body:       body,
		Signatures: make(map[string]string),
	}, nil
}

// TxRoot computes the RFC 6962 Merkle root over the serialized transactions.
// An empty transaction list yields the hasher's empty root.
func TxRoot(transactions []Transaction) ([]byte, error) {
	if len(transactions) == 0 {
		return rfc6962.DefaultHasher.EmptyRoot(), nil
	}

	rf := &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}
	cr := rf.NewEmptyRange(0)

	for _, tx := range transactions {
		leaf, err := tx.Marshal()
		if err != nil {
			return nil, err
		}
		if err := cr.Append(rfc6962.DefaultHasher.HashLeaf(leaf), nil); err != nil {
			return nil, err
		}
	}

	return cr.GetRootHash(nil)
}

// Index ...
func (b *Block) Index() int64 {
	return b.Body.Index
}

// Transactions ...
func (b *Block) Transactions() []Transaction {
	return b.Body.Transactions
}

// PreviousHash ...
func (b *Block) PreviousHash() []byte {
	return b.Body.PreviousHash
}

// Proposer ...
func (b *Block) Proposer() string {
	return b.Body.Proposer
}

// GetSignatures returns the commit signatures collected on the block.
func (b *Block) GetSignatures() []BlockSignature {
	res := make([]BlockSignature, len(b.Signatures))
	i := 0
	for val, sig := range b.Signatures {
		validatorBytes, _ := common.DecodeFromString(val)
		res[i] = BlockSignature{
			Validator: validatorBytes,
			Index:     b.Index(),
			Signature: sig,
		}
		i++
	}
	return res
}

// GetSignature ...
func (b *Block) GetSignature(validator string) (res BlockSignature, err error) {
	sig, ok := b.Signatures[validator]
	if !ok {
		return res, fmt.Errorf("signature not found")
	}

	validatorBytes, _ := common.DecodeFromString(validator)
	return BlockSignature{
		Validator: validatorBytes,
		Index:     b.Index(),
		Signature: sig,
	}, nil
}

// Sign produces a commit signature over the block hash with the given key.
// It does not store the signature in the block; collection happens through
// AppendSignature once votes are observed.
func (b *Block) Sign(priv *ecdsa.PrivateKey) (bs BlockSignature, err error) {
	signBytes, err := b.Hash()
	if err != nil {
		return bs, err
	}

	R, S, err := keys.Sign(priv, signBytes)
	if err != nil {
		return bs, err
	}

	signature := BlockSignature{
		Validator: keys.FromPublicKey(&priv.PublicKey),
		Index:     b.Index(),
		Signature: keys.EncodeSignature(R, S),
	}

	return signature, nil
}

// AppendSignature stores a commit signature in the block's signature map.
func (b *Block) AppendSignature(bs BlockSignature) error {
	if bs.Index != b.Index() {
		return fmt.Errorf("signature index does not match block index")
	}
	b.Signatures[bs.ValidatorHex()] = bs.Signature
	return nil
}

// Verify checks one commit signature against the block hash.
func (b *Block) Verify(sig BlockSignature) (bool, error) {
	signBytes, err := b.Hash()
	if err != nil {
		return false, err
	}

	pubKey := keys.ToPublicKey(sig.Validator)
	if pubKey == nil {
		return false, fmt.Errorf("validator key is not a point on the curve")
	}

	r, s, err := keys.DecodeSignature(sig.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, signBytes, r, s), nil
}

// VerifyQuorum checks that the block carries valid commit signatures from a
// super-majority of the given committee. Signatures from keys outside the
// committee are ignored, they do not count and do not invalidate the block.
func (b *Block) VerifyQuorum(peerSet *peers.PeerSet) (bool, error) {
	valid := 0

	for validator := range b.Signatures {
		if _, ok := peerSet.ByPubKey[validator]; !ok {
			continue
		}

		sig, err := b.GetSignature(validator)
		if err != nil {
			continue
		}

		ok, err := b.Verify(sig)
		if err != nil || !ok {
			continue
		}

		valid++
	}

	return valid >= peerSet.SuperMajority(), nil
}

// Marshal returns the canonical json encoding of the block, signatures
// included.
func (b *Block) Marshal() ([]byte, error) {
	bf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return bf.Bytes(), nil
}

// Unmarshal ...
func (b *Block) Unmarshal(data []byte) error {
	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bf, jh)
	if err := dec.Decode(b); err != nil {
		return err
	}
	return nil
}

// Hash returns the hash of the block body. Signatures are deliberately
// excluded: the hash must be stable from the moment the leader proposes the
// block through signature collection.
func (b *Block) Hash() ([]byte, error) {
	if len(b.hash) == 0 {
		hash, err := b.Body.Hash()
		if err != nil {
			return nil, err
		}
		b.hash = hash
	}
	return b.hash, nil
}

// Hex ...
func (b *Block) Hex() string {
	if b.hex == "" {
		hash, _ := b.Hash()
		b.hex = common.EncodeToString(hash)
	}
	return b.hex
}
