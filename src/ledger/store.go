package ledger

// Store is the chain store of one RPU. Appends go through SetBlock, which
// enforces the single-writer discipline: heights are strictly sequential and
// every block must link to the hash of the current head. Reads are
// snapshot-consistent against the committed suffix and never block an append
// for long.
//
// Quorum evidence is NOT verified here; the consensus core checks it before
// handing a block to the store, and replay re-checks it against the committee
// recorded in state.
type Store interface {
	// CacheSize returns the size of the in-memory block cache.
	CacheSize() int

	// LastBlockIndex returns the height of the chain head, or -1 when the
	// store holds no blocks.
	LastBlockIndex() int64

	// GetBlock returns the block at the given height.
	GetBlock(index int64) (*Block, error)

	// SetBlock appends a block. The block must be at height
	// LastBlockIndex()+1 and link to the head's hash. Implementations with
	// durable backing must not return before the block is synced to disk.
	SetBlock(block *Block) error

	// Blocks returns the blocks in the inclusive height range [from, to],
	// clamped to the available chain.
	Blocks(from, to int64) ([]*Block, error)

	// GetSnapshot returns the latest persisted state snapshot and the height
	// it covers.
	GetSnapshot() (int64, []byte, error)

	// SetSnapshot persists an opaque state snapshot taken after executing
	// the block at the given height.
	SetSnapshot(index int64, data []byte) error

	// Close releases the store's resources.
	Close() error
}
