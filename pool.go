package frag

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrFragmentCountMismatch = errors.New("fragment count does not match group in progress")
	ErrNoEvictableBuffer     = errors.New("no reassembly buffer could be evicted")
)

// ReassemblyPool reassembles groups in a fixed set of buffers allocated up
// front. When every buffer is busy, the one that has gone longest without a
// fragment is evicted to make room.
type ReassemblyPool struct {
	name         string
	maxFragments int

	mu        sync.Mutex
	time      float64
	buffers   []reassemblyBuffer
	completed *SequenceBuffer

	deliverer Deliverer
	recycler  Recycler
	counters  [CounterMax]uint64
}

// NewReassemblyPool allocates config.MaxInTransit buffers of
// config.MaxFragments entries each.
func NewReassemblyPool(config *Config, deliverer Deliverer, recycler Recycler) (*ReassemblyPool, error) {
	if config.MaxInTransit < 1 {
		return nil, errors.Errorf("max in transit must be at least 1, got %d", config.MaxInTransit)
	}
	if config.MaxFragments < 1 || config.MaxFragments > 0xFFFF {
		return nil, errors.Errorf("max fragments must be in [1, 65535], got %d", config.MaxFragments)
	}

	p := &ReassemblyPool{
		name:         config.Name,
		maxFragments: config.MaxFragments,
		buffers:      make([]reassemblyBuffer, config.MaxInTransit),
		deliverer:    deliverer,
		recycler:     recycler,
	}
	for i := range p.buffers {
		p.buffers[i] = newReassemblyBuffer(config.MaxFragments)
	}
	if config.CompletedHistorySize > 0 {
		p.completed = NewSequenceBuffer(config.CompletedHistorySize)
	}
	return p, nil
}

// Update sets the time, in seconds, used to judge how stale each buffer is.
func (p *ReassemblyPool) Update(time float64) {
	p.mu.Lock()
	p.time = time
	p.mu.Unlock()
}

// ProcessIncoming adds f to the buffer for its group, starting or evicting a
// buffer if needed, and delivers the group once it is complete.
//
// On a nil return the pool owns f. On error the pool state is unchanged and
// f still belongs to the caller.
func (p *ReassemblyPool) ProcessIncoming(f *Fragment) error {
	if err := validateFragment(f.Part, f.Total, p.maxFragments); err != nil {
		p.count(CounterNumFragmentsInvalid)
		log.Errorf("[%s] ignoring invalid fragment %d of group %d: %v", p.name, f.Part, f.GroupID, err)
		return err
	}

	completed, err := p.dispatch(f)
	if err != nil {
		return err
	}
	if completed != nil {
		p.deliverer.Deliver(completed)
	}
	return nil
}

func (p *ReassemblyPool) dispatch(f *Fragment) ([]*Fragment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.buffers {
		b := &p.buffers[i]
		if b.active && b.groupID == f.GroupID {
			if b.total != f.Total {
				p.count(CounterNumFragmentsInvalid)
				log.Errorf("[%s] ignoring fragment %d of group %d. fragment count mismatch. expected %d, got %d", p.name, f.Part, f.GroupID, b.total, f.Total)
				return nil, errors.Wrapf(ErrFragmentCountMismatch, "group %d expected %d, got %d", f.GroupID, b.total, f.Total)
			}
			return p.add(b, f), nil
		}
	}

	if p.completed != nil && p.completed.Exists(f.GroupID) {
		if f.Part != 0 {
			p.count(CounterNumFragmentsStale)
			log.Debugf("[%s] ignoring fragment %d of group %d. group already completed", p.name, f.Part, f.GroupID)
			p.recycler.Recycle(f)
			return nil, nil
		}
		// a fresh part 0 means the sender is reusing the id
		log.Debugf("[%s] group %d started again after completing", p.name, f.GroupID)
		p.completed.Remove(f.GroupID)
	}

	for i := range p.buffers {
		b := &p.buffers[i]
		if !b.active {
			log.Debugf("[%s] starting group %d (%d fragments) in buffer %d", p.name, f.GroupID, f.Total, i)
			b.initialize(f.GroupID, f.Total, p.time)
			return p.add(b, f), nil
		}
	}

	evict := -1
	maxInactiveTime := math.Inf(-1)
	for i := range p.buffers {
		if t := p.buffers[i].inactiveTime(p.time); t > maxInactiveTime {
			maxInactiveTime = t
			evict = i
		}
	}
	if evict < 0 {
		log.Criticalf("[%s] all %d reassembly buffers active but none could be evicted", p.name, len(p.buffers))
		return nil, errors.Wrapf(ErrNoEvictableBuffer, "group %d", f.GroupID)
	}

	b := &p.buffers[evict]
	log.Warningf("[%s] evicting group %d (%d/%d fragments, age %.3fs, inactive %.3fs) from buffer %d for group %d", p.name, b.groupID, b.received, b.total, b.age(p.time), maxInactiveTime, evict, f.GroupID)
	recycled := b.abort(p.recycler)
	p.count(CounterNumGroupsEvicted)
	p.add64(CounterNumFragmentsEvicted, uint64(recycled))
	b.initialize(f.GroupID, f.Total, p.time)
	return p.add(b, f), nil
}

func (p *ReassemblyPool) add(b *reassemblyBuffer, f *Fragment) []*Fragment {
	completed, duplicate := b.add(f, p.time)
	if duplicate {
		p.count(CounterNumFragmentsDuplicate)
		log.Debugf("[%s] ignoring fragment %d of group %d. fragment already received", p.name, f.Part, f.GroupID)
		p.recycler.Recycle(f)
		return nil
	}

	p.count(CounterNumFragmentsReceived)
	log.Debugf("[%s] received fragment %d of group %d (%d/%d)", p.name, f.Part, f.GroupID, b.received, b.total)
	if completed == nil {
		return nil
	}

	p.count(CounterNumGroupsCompleted)
	if p.completed != nil {
		p.completed.Insert(f.GroupID)
	}
	log.Debugf("[%s] completed reassembly of group %d", p.name, f.GroupID)
	return completed
}

// Reset aborts every group in progress, recycling its fragments.
func (p *ReassemblyPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.buffers {
		if p.buffers[i].active {
			p.buffers[i].abort(p.recycler)
		}
	}
	if p.completed != nil {
		p.completed.Reset()
	}
}

// InProgress lists the groups being reassembled, in buffer order.
func (p *ReassemblyPool) InProgress() []uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var groups []uint16
	for i := range p.buffers {
		if p.buffers[i].active {
			groups = append(groups, p.buffers[i].groupID)
		}
	}
	return groups
}

// Progress reports how many of a group's fragments have been received.
func (p *ReassemblyPool) Progress(groupID uint16) (received, total int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.buffers {
		b := &p.buffers[i]
		if b.active && b.groupID == groupID {
			return b.received, int(b.total), true
		}
	}
	return 0, 0, false
}

func (p *ReassemblyPool) Counter(counter int) uint64 {
	return atomic.LoadUint64(&p.counters[counter])
}

func (p *ReassemblyPool) count(counter int) {
	atomic.AddUint64(&p.counters[counter], 1)
}

func (p *ReassemblyPool) add64(counter int, n uint64) {
	atomic.AddUint64(&p.counters[counter], n)
}
