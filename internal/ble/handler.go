package ble

import "sync"

const dedupMaxSequencesPerDevice = 500

// SequenceFilter drops repeated advertisements of the same measurement. A
// device broadcasts each measurement several times with the same sequence
// number. The set per device is bounded and starts over when full.
type SequenceFilter struct {
	mu   sync.Mutex
	seen map[string]map[int]struct{}
}

func NewSequenceFilter() *SequenceFilter {
	return &SequenceFilter{seen: make(map[string]map[int]struct{})}
}

// Seen reports whether seq was already observed for address and records it.
func (f *SequenceFilter) Seen(address string, seq int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := f.seen[address]
	if ids == nil {
		ids = make(map[int]struct{})
		f.seen[address] = ids
	}
	if _, ok := ids[seq]; ok {
		return true
	}
	ids[seq] = struct{}{}
	if len(ids) > dedupMaxSequencesPerDevice {
		f.seen[address] = map[int]struct{}{seq: {}}
	}
	return false
}

// Forget drops the state for address.
func (f *SequenceFilter) Forget(address string) {
	f.mu.Lock()
	delete(f.seen, address)
	f.mu.Unlock()
}
