package frag

import (
	"fmt"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Fragment is one part of a group. Payload aliases the pooled storage returned
// by Bytes, so neither is valid after the fragment has been recycled.
type Fragment struct {
	GroupID uint16
	Part    uint16
	Total   uint16
	Payload []byte

	buf *bytebufferpool.ByteBuffer
}

// Bytes returns the wire encoding of the fragment, header included.
func (f *Fragment) Bytes() []byte {
	if f.buf == nil {
		return nil
	}
	return f.buf.B
}

func (f *Fragment) String() string {
	return fmt.Sprintf("fragment %d/%d of group %d (%d bytes)", f.Part+1, f.Total, f.GroupID, len(f.Payload))
}

// FragmentPool lends out fragment storage and takes it back through Recycle.
type FragmentPool struct {
	buffers     bytebufferpool.Pool
	outstanding int64
}

func NewFragmentPool() *FragmentPool {
	return &FragmentPool{}
}

// New encodes a fragment into pooled storage.
func (p *FragmentPool) New(groupID, part, total uint16, payload []byte) *Fragment {
	f := p.borrow(FragmentHeaderBytes + len(payload))
	WriteFragmentHeader(f.buf.B, groupID, part, total)
	copy(f.buf.B[FragmentHeaderBytes:], payload)

	f.GroupID = groupID
	f.Part = part
	f.Total = total
	f.Payload = f.buf.B[FragmentHeaderBytes:]
	return f
}

// Parse validates a received fragment packet and copies it into pooled
// storage. Nothing is borrowed when an error is returned.
func (p *FragmentPool) Parse(packetData []byte, maxFragments, fragmentSize int) (*Fragment, error) {
	groupID, part, total, err := ReadFragmentHeader(packetData, maxFragments, fragmentSize)
	if err != nil {
		return nil, err
	}

	f := p.borrow(len(packetData))
	copy(f.buf.B, packetData)

	f.GroupID = groupID
	f.Part = part
	f.Total = total
	f.Payload = f.buf.B[FragmentHeaderBytes:]
	return f, nil
}

// Recycle returns the fragment's storage to the pool. Recycling a fragment
// twice is logged and otherwise ignored.
func (p *FragmentPool) Recycle(f *Fragment) {
	if f == nil {
		return
	}
	if f.buf == nil {
		log.Warningf("%v recycled more than once", f)
		return
	}
	p.buffers.Put(f.buf)
	f.buf = nil
	f.Payload = nil
	atomic.AddInt64(&p.outstanding, -1)
}

// Outstanding is the number of fragments currently lent out.
func (p *FragmentPool) Outstanding() int64 {
	return atomic.LoadInt64(&p.outstanding)
}

func (p *FragmentPool) borrow(n int) *Fragment {
	buf := p.buffers.Get()
	if cap(buf.B) < n {
		buf.B = make([]byte, n)
	} else {
		buf.B = buf.B[:n]
	}
	atomic.AddInt64(&p.outstanding, 1)
	return &Fragment{buf: buf}
}
