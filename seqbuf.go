package frag

// SequenceBuffer remembers which sequences in a sliding window over the
// wrapping 16-bit sequence space have been inserted.
type SequenceBuffer struct {
	Sequence      uint16
	NumEntries    int
	EntrySequence []uint32
	started       bool
}

const available = 0xFFFFFFFF

func NewSequenceBuffer(numEntries int) *SequenceBuffer {
	sb := &SequenceBuffer{
		NumEntries:    numEntries,
		EntrySequence: make([]uint32, numEntries),
	}
	sb.Reset()
	return sb
}

func (sb *SequenceBuffer) Reset() {
	sb.Sequence = 0
	sb.started = false
	for i := range sb.EntrySequence {
		sb.EntrySequence[i] = available
	}
}

func (sb *SequenceBuffer) removeEntries(start, finish int) {
	if finish < start {
		finish += 65536
	}
	if finish-start < sb.NumEntries {
		for sequence := start; sequence <= finish; sequence++ {
			sb.EntrySequence[sequence%65536%sb.NumEntries] = available
		}
	} else {
		for i := range sb.EntrySequence {
			sb.EntrySequence[i] = available
		}
	}
}

// TestInsert reports whether sequence is recent enough to be inserted.
func (sb *SequenceBuffer) TestInsert(sequence uint16) bool {
	return !sb.started || !LessThan(sequence, sb.Sequence-uint16(sb.NumEntries))
}

// Insert records sequence, advancing the window when it is the newest seen.
// It returns false when sequence has already fallen out of the window.
func (sb *SequenceBuffer) Insert(sequence uint16) bool {
	if !sb.started {
		sb.started = true
		sb.Sequence = sequence
	}
	if LessThan(sequence, sb.Sequence-uint16(sb.NumEntries)) {
		return false
	}
	if GreaterThan(sequence+1, sb.Sequence) {
		sb.removeEntries(int(sb.Sequence), int(sequence))
		sb.Sequence = sequence + 1
	}
	sb.EntrySequence[int(sequence)%sb.NumEntries] = uint32(sequence)
	return true
}

func (sb *SequenceBuffer) Remove(sequence uint16) {
	sb.EntrySequence[int(sequence)%sb.NumEntries] = available
}

func (sb *SequenceBuffer) Exists(sequence uint16) bool {
	return sb.EntrySequence[int(sequence)%sb.NumEntries] == uint32(sequence)
}

func LessThan(s1, s2 uint16) bool {
	return GreaterThan(s2, s1)
}

func GreaterThan(s1, s2 uint16) bool {
	return ((s1 > s2) && (s1-s2 <= 32768)) || ((s1 < s2) && (s2-s1 > 32768))
}
