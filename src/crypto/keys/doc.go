// Package keys implements the public key cryptography used throughout
// blockstelle.
//
// Every participant, whether an RPU or a client, owns exactly one ECDSA
// key-pair at a time. The private key signs transactions, blocks and
// consensus votes; the uncompressed public key doubles as the participant's
// permanent identity on the ledger. Key rotation is an ordinary
// account-update transaction, not a protocol step.
//
// We use the secp256k1 curve, which is also used by Bitcoin and Ethereum, so
// existing tooling for key handling and hardware signers can be reused on
// trackside installations.
package keys
