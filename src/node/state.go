package node

import (
	"sync"
	"sync/atomic"
)

// State captures the lifecycle state of an RPU node: Running, CatchingUp,
// Suspended, or Shutdown.
type State uint32

const (
	// Running is the normal state in which a committee member proposes,
	// votes and commits blocks.
	Running State = iota
	// CatchingUp is the state in which a node detected a height gap and
	// transfers committed blocks from its peers before it resumes voting.
	CatchingUp
	// Suspended is the state of a node whose key is not in the current
	// committee. It mirrors the committed chain and serves reads, but its
	// votes are not counted and it never proposes.
	Suspended
	// Shutdown is the state in which a node stops responding to external
	// events and closes its transport and stores.
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case CatchingUp:
		return "CatchingUp"
	case Suspended:
		return "Suspended"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// WGLIMIT is the maximum number of goroutines that can be launched through
// nodeState.goFunc
const WGLIMIT = 20

type nodeState struct {
	state   State
	wg      sync.WaitGroup
	wgCount int32
}

func (b *nodeState) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *nodeState) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// Start a goroutine and add it to waitgroup
func (b *nodeState) goFunc(f func()) {
	tempWgCount := atomic.LoadInt32(&b.wgCount)
	if tempWgCount < WGLIMIT {
		b.wg.Add(1)
		atomic.AddInt32(&b.wgCount, 1)
		go func() {
			defer b.wg.Done()
			atomic.AddInt32(&b.wgCount, -1)
			f()
		}()
	}
}

func (b *nodeState) waitRoutines() {
	b.wg.Wait()
}
