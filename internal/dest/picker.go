package dest

import "sync/atomic"

// Picker hands out destination endpoints round-robin. The endpoint list is
// immutable; only the index advances, so concurrent tasks may share one
// Picker while each pairs an advance with a fresh client binding.
type Picker struct {
	endpoints []string
	index     atomic.Uint64
}

// NewPicker returns a Picker over the given endpoints. The list must be
// non-empty.
func NewPicker(endpoints []string) *Picker {
	cp := make([]string, len(endpoints))
	copy(cp, endpoints)
	return &Picker{endpoints: cp}
}

// Current returns the endpoint the picker points at.
func (p *Picker) Current() string {
	return p.endpoints[p.index.Load()%uint64(len(p.endpoints))]
}

// Advance moves to the next endpoint and returns it.
func (p *Picker) Advance() string {
	return p.endpoints[p.index.Add(1)%uint64(len(p.endpoints))]
}

// Len returns the number of endpoints.
func (p *Picker) Len() int {
	return len(p.endpoints)
}
