// Package state holds everything derived from the committed chain: the
// account records consulted for permissions, the committee the consensus runs
// with, and the queryable time series of key-value writes. All of it is a
// deterministic fold over the blocks, so replaying the chain from genesis
// always reproduces it exactly.
package state
