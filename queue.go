package frag

import (
	"sync"
)

const initialQueueSize = 64

// OutgoingQueue is a FIFO of fragments waiting for the tick loop. Producers may
// enqueue from any goroutine; SendNext drains one fragment per call.
type OutgoingQueue struct {
	mu         sync.Mutex
	fragments  []*Fragment
	head, size int

	transmitter Transmitter
	recycler    Recycler
}

func NewOutgoingQueue(transmitter Transmitter, recycler Recycler) *OutgoingQueue {
	return &OutgoingQueue{
		fragments:   make([]*Fragment, initialQueueSize),
		transmitter: transmitter,
		recycler:    recycler,
	}
}

// Enqueue appends f to the tail of the queue.
func (q *OutgoingQueue) Enqueue(f *Fragment) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.fragments) {
		q.grow()
	}
	q.fragments[(q.head+q.size)%len(q.fragments)] = f
	q.size++
}

// SendNext transmits and then recycles the head of the queue. It reports
// whether a fragment was sent.
func (q *OutgoingQueue) SendNext() bool {
	f := q.dequeue()
	if f == nil {
		return false
	}
	q.transmitter.Transmit(f)
	q.recycler.Recycle(f)
	return true
}

func (q *OutgoingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Reset drops everything still queued, recycling it unsent.
func (q *OutgoingQueue) Reset() {
	for f := q.dequeue(); f != nil; f = q.dequeue() {
		q.recycler.Recycle(f)
	}
}

func (q *OutgoingQueue) dequeue() *Fragment {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	f := q.fragments[q.head]
	q.fragments[q.head] = nil
	q.head = (q.head + 1) % len(q.fragments)
	q.size--
	return f
}

// grow doubles the ring, unwrapping it so head lands at index 0.
func (q *OutgoingQueue) grow() {
	fragments := make([]*Fragment, len(q.fragments)*2)
	n := copy(fragments, q.fragments[q.head:])
	copy(fragments[n:], q.fragments[:q.head])
	q.fragments = fragments
	q.head = 0
}
