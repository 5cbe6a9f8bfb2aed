package common

import "strconv"

// RollingIndex is a bounded window over consecutively indexed items. Old
// entries roll off as newer ones are appended, so a fixed amount of history
// stays addressable by its original index without unbounded growth. The
// consensus core keeps its per-height rounds in one.
type RollingIndex struct {
	name  string
	size  int
	head  int
	items []interface{}
}

// NewRollingIndex returns a window holding between size and 2*size items.
func NewRollingIndex(name string, size int) *RollingIndex {
	return &RollingIndex{
		name:  name,
		size:  size,
		head:  -1,
		items: make([]interface{}, 0, 2*size),
	}
}

// GetItem returns the item stored at index. Indexes that already rolled off
// return a TooLate error; indexes above the newest one return KeyNotFound.
func (r *RollingIndex) GetItem(index int) (interface{}, error) {
	oldest := r.head - len(r.items) + 1
	if index < oldest {
		return nil, NewStoreErr(r.name, TooLate, strconv.Itoa(index))
	}
	if index > r.head {
		return nil, NewStoreErr(r.name, KeyNotFound, strconv.Itoa(index))
	}
	return r.items[index-oldest], nil
}

// Set stores an item: either at the index directly above the newest one,
// which appends and may roll the window, or at an index inside the current
// window, which replaces. Gaps are refused so the window always covers a
// contiguous range. The first item may sit at any index.
func (r *RollingIndex) Set(item interface{}, index int) error {
	if r.head >= 0 && index > r.head+1 {
		return NewStoreErr(r.name, SkippedIndex, strconv.Itoa(index))
	}

	if r.head < 0 || index == r.head+1 {
		if len(r.items) >= 2*r.size {
			r.roll()
		}
		r.items = append(r.items, item)
		r.head = index
		return nil
	}

	oldest := r.head - len(r.items) + 1
	if index < oldest {
		return NewStoreErr(r.name, TooLate, strconv.Itoa(index))
	}

	r.items[index-oldest] = item

	return nil
}

// roll drops the oldest half of the window.
func (r *RollingIndex) roll() {
	kept := make([]interface{}, 0, 2*r.size)
	kept = append(kept, r.items[r.size:]...)
	r.items = kept
}
