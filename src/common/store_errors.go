package common

import "fmt"

// StoreErrType classifies the errors returned by block and state stores.
type StoreErrType uint32

const (
	// KeyNotFound is returned when the requested item is not in the store.
	KeyNotFound StoreErrType = iota
	// TooLate is returned when the requested item was evicted from an
	// in-memory cache and no durable copy is available.
	TooLate
	// PassedIndex is returned when appending at a height at or below the
	// current head.
	PassedIndex
	// SkippedIndex is returned when appending at a height more than one
	// above the current head.
	SkippedIndex
	// Empty is returned when reading from a store with no blocks.
	Empty
	// KeyAlreadyExists is returned when inserting a duplicate item.
	KeyAlreadyExists
	// ChainMismatch is returned when a block does not link to the hash of
	// the current head.
	ChainMismatch
)

// StoreErr ...
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error ...
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case TooLate:
		m = "Too Late"
	case PassedIndex:
		m = "Passed Index"
	case SkippedIndex:
		m = "Skipped Index"
	case Empty:
		m = "Empty"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case ChainMismatch:
		m = "Chain Mismatch"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that its code matches
// the provided StoreErr code.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
