package net

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/crypto"
	"github.com/gleisnetz/blockstelle/src/crypto/keys"
	"github.com/gleisnetz/blockstelle/src/ledger"
)

// Phase distinguishes the two vote rounds of a height.
type Phase uint8

const (
	// Prepare votes certify that the proposal is valid and safe to commit.
	Prepare Phase = iota
	// Commit votes finalize; a super-majority of them is the commit
	// evidence archived in the block.
	Commit
)

func (p Phase) String() string {
	switch p {
	case Prepare:
		return "Prepare"
	case Commit:
		return "Commit"
	default:
		return "Unknown Phase"
	}
}

// SignedCommand is implemented by every request type. The transport verifies
// inbound commands before handing them to the consumer, so a consumed command
// is always authentic for its claimed sender. Whether that sender belongs to
// the current committee is the consumer's decision.
type SignedCommand interface {
	// Sender returns the claimed sender public key in hex form.
	Sender() string

	// Verify checks the command signature against the claimed sender.
	Verify() (bool, error)
}

/*******************************************************************************
Propose
*******************************************************************************/

// ProposeBody is the signed content of a ProposeRequest.
type ProposeBody struct {
	From   string
	Height int64
	View   int64
	Block  ledger.Block
}

// ProposeRequest carries the leader's candidate block for a height. The block
// itself is unsigned at this point; the request signature authenticates the
// proposal.
type ProposeRequest struct {
	Body      ProposeBody
	Signature string
}

// Sign ...
func (r *ProposeRequest) Sign(priv *ecdsa.PrivateKey) error {
	signature, err := signCommand(priv, r.Body)
	if err != nil {
		return err
	}
	r.Signature = signature
	return nil
}

// Sender implements the SignedCommand interface.
func (r *ProposeRequest) Sender() string {
	return r.Body.From
}

// Verify implements the SignedCommand interface.
func (r *ProposeRequest) Verify() (bool, error) {
	return verifyCommand(r.Body.From, r.Signature, r.Body)
}

// ProposeResponse acknowledges a proposal. Votes travel as separate
// VoteRequests, never inside this response.
type ProposeResponse struct {
	From     string
	Accepted bool
}

/*******************************************************************************
Vote
*******************************************************************************/

// VoteBody is the signed content of a VoteRequest. BlockSignature is the
// voter's signature over the block body hash; for Commit votes it is what
// gets archived into the block's signature map when the quorum certificate
// forms. The request signature covers Phase and View on top of it, so a
// Prepare vote can never be replayed as a Commit vote.
type VoteBody struct {
	From           string
	Height         int64
	View           int64
	Phase          Phase
	BlockHash      []byte
	BlockSignature ledger.BlockSignature
}

// VoteRequest carries one RPU's vote for a block in one phase.
type VoteRequest struct {
	Body      VoteBody
	Signature string
}

// Sign ...
func (r *VoteRequest) Sign(priv *ecdsa.PrivateKey) error {
	signature, err := signCommand(priv, r.Body)
	if err != nil {
		return err
	}
	r.Signature = signature
	return nil
}

// Sender implements the SignedCommand interface.
func (r *VoteRequest) Sender() string {
	return r.Body.From
}

// Verify implements the SignedCommand interface.
func (r *VoteRequest) Verify() (bool, error) {
	return verifyCommand(r.Body.From, r.Signature, r.Body)
}

// VoteResponse acknowledges a vote.
type VoteResponse struct {
	From     string
	Accepted bool
}

/*******************************************************************************
ViewChange
*******************************************************************************/

// ViewChangeBody is the signed content of a ViewChangeRequest.
type ViewChangeBody struct {
	From    string
	Height  int64
	NewView int64
}

// ViewChangeRequest votes to replace the leader of a height with the leader
// of NewView.
type ViewChangeRequest struct {
	Body      ViewChangeBody
	Signature string
}

// Sign ...
func (r *ViewChangeRequest) Sign(priv *ecdsa.PrivateKey) error {
	signature, err := signCommand(priv, r.Body)
	if err != nil {
		return err
	}
	r.Signature = signature
	return nil
}

// Sender implements the SignedCommand interface.
func (r *ViewChangeRequest) Sender() string {
	return r.Body.From
}

// Verify implements the SignedCommand interface.
func (r *ViewChangeRequest) Verify() (bool, error) {
	return verifyCommand(r.Body.From, r.Signature, r.Body)
}

// ViewChangeResponse acknowledges a view-change vote.
type ViewChangeResponse struct {
	From     string
	Accepted bool
}

/*******************************************************************************
Sync
*******************************************************************************/

// SyncBody is the signed content of a SyncRequest. FromHeight is the first
// height the requester is missing; Limit caps the number of blocks in the
// response.
type SyncBody struct {
	From       string
	FromHeight int64
	Limit      int
}

// SyncRequest asks a peer for committed blocks to catch up a lagging chain.
type SyncRequest struct {
	Body      SyncBody
	Signature string
}

// Sign ...
func (r *SyncRequest) Sign(priv *ecdsa.PrivateKey) error {
	signature, err := signCommand(priv, r.Body)
	if err != nil {
		return err
	}
	r.Signature = signature
	return nil
}

// Sender implements the SignedCommand interface.
func (r *SyncRequest) Sender() string {
	return r.Body.From
}

// Verify implements the SignedCommand interface.
func (r *SyncRequest) Verify() (bool, error) {
	return verifyCommand(r.Body.From, r.Signature, r.Body)
}

// SyncResponse returns a run of committed blocks starting at the requested
// height, quorum evidence included, plus the responder's head so the
// requester knows how far behind it still is.
type SyncResponse struct {
	From   string
	Head   int64
	Blocks []ledger.Block
}

/*******************************************************************************
TxGossip
*******************************************************************************/

// TxGossipBody is the signed content of a TxGossipRequest.
type TxGossipBody struct {
	From         string
	Transactions []ledger.Transaction
}

// TxGossipRequest forwards client transactions so every RPU's queue
// converges. The transactions carry their own client signatures; the request
// signature authenticates the forwarding RPU.
type TxGossipRequest struct {
	Body      TxGossipBody
	Signature string
}

// Sign ...
func (r *TxGossipRequest) Sign(priv *ecdsa.PrivateKey) error {
	signature, err := signCommand(priv, r.Body)
	if err != nil {
		return err
	}
	r.Signature = signature
	return nil
}

// Sender implements the SignedCommand interface.
func (r *TxGossipRequest) Sender() string {
	return r.Body.From
}

// Verify implements the SignedCommand interface.
func (r *TxGossipRequest) Verify() (bool, error) {
	return verifyCommand(r.Body.From, r.Signature, r.Body)
}

// TxGossipResponse acknowledges gossiped transactions.
type TxGossipResponse struct {
	From     string
	Received int
}

/*******************************************************************************
Signing helpers
*******************************************************************************/

func commandHash(body interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(body); err != nil {
		return nil, err
	}

	return crypto.SHA256(b.Bytes()), nil
}

func signCommand(priv *ecdsa.PrivateKey, body interface{}) (string, error) {
	hash, err := commandHash(body)
	if err != nil {
		return "", err
	}

	R, S, err := keys.Sign(priv, hash)
	if err != nil {
		return "", err
	}

	return keys.EncodeSignature(R, S), nil
}

func verifyCommand(sender, signature string, body interface{}) (bool, error) {
	pubBytes, err := common.DecodeFromString(sender)
	if err != nil {
		return false, fmt.Errorf("malformed sender key: %v", err)
	}

	pubKey := keys.ToPublicKey(pubBytes)
	if pubKey == nil {
		return false, fmt.Errorf("sender key is not a point on the curve")
	}

	hash, err := commandHash(body)
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, hash, r, s), nil
}
