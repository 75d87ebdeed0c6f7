package frag

// Transmitter hands one fragment to the wire. It must not block and is not retried.
type Transmitter interface {
	Transmit(f *Fragment)
}

// Deliverer receives a complete group ordered by part index. The fragments
// belong to the deliverer afterwards, which is responsible for recycling them.
type Deliverer interface {
	Deliver(fragments []*Fragment)
}

// Recycler takes back fragment storage.
type Recycler interface {
	Recycle(f *Fragment)
}

type TransmitFunc func(f *Fragment)

func (fn TransmitFunc) Transmit(f *Fragment) { fn(f) }

type DeliverFunc func(fragments []*Fragment)

func (fn DeliverFunc) Deliver(fragments []*Fragment) { fn(fragments) }

type RecycleFunc func(f *Fragment)

func (fn RecycleFunc) Recycle(f *Fragment) { fn(f) }
