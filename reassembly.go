package frag

// reassemblyBuffer tracks one in-flight group. Slots are reused: groupID and
// total only mean something while active is set.
type reassemblyBuffer struct {
	groupID   uint16
	total     uint16
	received  int
	fragments []*Fragment

	active         bool
	activatedAt    float64
	lastActivityAt float64
}

func newReassemblyBuffer(maxFragments int) reassemblyBuffer {
	return reassemblyBuffer{fragments: make([]*Fragment, maxFragments)}
}

func (b *reassemblyBuffer) initialize(groupID, total uint16, time float64) {
	for i := range b.fragments {
		b.fragments[i] = nil
	}
	b.groupID = groupID
	b.total = total
	b.received = 0
	b.active = true
	b.activatedAt = time
	b.lastActivityAt = time
}

// add stores f. A part that was already received is reported as a duplicate
// and left for the caller to recycle. Once every part is in, the group is
// returned in part order and the buffer goes inactive.
func (b *reassemblyBuffer) add(f *Fragment, time float64) (completed []*Fragment, duplicate bool) {
	b.lastActivityAt = time

	if b.fragments[f.Part] != nil {
		return nil, true
	}
	b.fragments[f.Part] = f
	b.received++

	if b.received < int(b.total) {
		return nil, false
	}

	completed = make([]*Fragment, b.total)
	copy(completed, b.fragments[:b.total])
	for i := range b.fragments[:b.total] {
		b.fragments[i] = nil
	}
	b.active = false
	return completed, false
}

// abort recycles whatever the buffer holds and deactivates it without delivering.
func (b *reassemblyBuffer) abort(recycler Recycler) (recycled int) {
	for i, f := range b.fragments {
		if f != nil {
			recycler.Recycle(f)
			b.fragments[i] = nil
			recycled++
		}
	}
	b.received = 0
	b.active = false
	return recycled
}

func (b *reassemblyBuffer) inactiveTime(time float64) float64 {
	return time - b.lastActivityAt
}

func (b *reassemblyBuffer) age(time float64) float64 {
	return time - b.activatedAt
}
