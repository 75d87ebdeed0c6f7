package frag

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type poolRecorder struct {
	mu        sync.Mutex
	delivered [][]*Fragment
	recycled  map[*Fragment]int
}

func newPoolRecorder() *poolRecorder {
	return &poolRecorder{recycled: make(map[*Fragment]int)}
}

func (r *poolRecorder) Deliver(fragments []*Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, fragments)
}

func (r *poolRecorder) Recycle(f *Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recycled[f]++
}

func (r *poolRecorder) recycleCalls() int {
	var n int
	for _, c := range r.recycled {
		n += c
	}
	return n
}

func newTestPool(t *testing.T, maxInTransit, maxFragments, history int) (*ReassemblyPool, *poolRecorder) {
	t.Helper()
	config := NewDefaultConfig()
	config.Name = t.Name()
	config.MaxInTransit = maxInTransit
	config.MaxFragments = maxFragments
	config.CompletedHistorySize = history

	r := newPoolRecorder()
	pool, err := NewReassemblyPool(config, r, r)
	require.NoError(t, err)
	return pool, r
}

func testFragment(groupID, part, total uint16) *Fragment {
	return &Fragment{GroupID: groupID, Part: part, Total: total, Payload: []byte{byte(groupID), byte(part)}}
}

func requireOrdered(t *testing.T, fragments []*Fragment, groupID uint16, total int) {
	t.Helper()
	require.Len(t, fragments, total)
	for i, f := range fragments {
		require.Equal(t, groupID, f.GroupID)
		require.Equal(t, uint16(i), f.Part)
	}
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestReassemblyPool_AnyOrderDeliversOnce(t *testing.T) {
	const total = 4
	pool, r := newTestPool(t, 2, total, 0)

	perms := permutations(total)
	require.Len(t, perms, 24)

	for i, perm := range perms {
		groupID := uint16(i)
		for _, part := range perm {
			require.NoError(t, pool.ProcessIncoming(testFragment(groupID, uint16(part), total)))
		}
		require.Len(t, r.delivered, i+1)
		requireOrdered(t, r.delivered[i], groupID, total)
		require.Empty(t, pool.InProgress())
	}
	require.Zero(t, r.recycleCalls())
	require.Equal(t, uint64(len(perms)), pool.Counter(CounterNumGroupsCompleted))
}

func TestReassemblyPool_SinglePartGroup(t *testing.T) {
	pool, r := newTestPool(t, 1, 4, 0)

	require.NoError(t, pool.ProcessIncoming(testFragment(9, 0, 1)))
	require.Len(t, r.delivered, 1)
	requireOrdered(t, r.delivered[0], 9, 1)
	require.Empty(t, pool.InProgress())
}

func TestReassemblyPool_Duplicate(t *testing.T) {
	pool, r := newTestPool(t, 2, 4, 0)

	first := testFragment(3, 0, 2)
	require.NoError(t, pool.ProcessIncoming(first))

	dup := testFragment(3, 0, 2)
	require.NoError(t, pool.ProcessIncoming(dup))

	received, total, ok := pool.Progress(3)
	require.True(t, ok)
	require.Equal(t, 1, received)
	require.Equal(t, 2, total)
	require.Equal(t, 1, r.recycled[dup])
	require.Zero(t, r.recycled[first])
	require.Empty(t, r.delivered)

	require.NoError(t, pool.ProcessIncoming(testFragment(3, 1, 2)))
	require.Len(t, r.delivered, 1)
	require.Same(t, first, r.delivered[0][0])
	require.Equal(t, uint64(1), pool.Counter(CounterNumFragmentsDuplicate))

	// without a completed history a late duplicate opens a buffer that never completes
	require.NoError(t, pool.ProcessIncoming(testFragment(3, 1, 2)))
	require.Len(t, r.delivered, 1)
	require.Equal(t, []uint16{3}, pool.InProgress())
}

func TestReassemblyPool_LateDuplicateAfterCompletion(t *testing.T) {
	pool, r := newTestPool(t, 2, 4, 64)

	require.NoError(t, pool.ProcessIncoming(testFragment(5, 0, 2)))
	require.NoError(t, pool.ProcessIncoming(testFragment(5, 1, 2)))
	require.Len(t, r.delivered, 1)

	late := testFragment(5, 1, 2)
	require.NoError(t, pool.ProcessIncoming(late))
	require.Len(t, r.delivered, 1)
	require.Empty(t, pool.InProgress())
	require.Equal(t, 1, r.recycled[late])
	require.Equal(t, uint64(1), pool.Counter(CounterNumFragmentsStale))

	// newer groups still reassemble
	require.NoError(t, pool.ProcessIncoming(testFragment(6, 0, 1)))
	require.Len(t, r.delivered, 2)
}

func TestReassemblyPool_ReusedGroupID(t *testing.T) {
	// default config, no completed history
	config := NewDefaultConfig()
	config.Name = t.Name()
	config.MaxInTransit = 2
	config.MaxFragments = 4
	r := newPoolRecorder()
	pool, err := NewReassemblyPool(config, r, r)
	require.NoError(t, err)

	require.NoError(t, pool.ProcessIncoming(testFragment(7, 0, 2)))
	require.NoError(t, pool.ProcessIncoming(testFragment(7, 1, 2)))
	require.NoError(t, pool.ProcessIncoming(testFragment(7, 1, 2)))
	require.NoError(t, pool.ProcessIncoming(testFragment(7, 0, 2)))

	require.Len(t, r.delivered, 2)
	requireOrdered(t, r.delivered[1], 7, 2)
	require.Zero(t, pool.Counter(CounterNumFragmentsStale))
	require.Zero(t, r.recycleCalls())
}

func TestReassemblyPool_ReusedGroupIDWithHistory(t *testing.T) {
	pool, r := newTestPool(t, 2, 4, 64)

	require.NoError(t, pool.ProcessIncoming(testFragment(7, 0, 2)))
	require.NoError(t, pool.ProcessIncoming(testFragment(7, 1, 2)))
	require.Len(t, r.delivered, 1)

	// part 0 of a remembered group starts it over
	require.NoError(t, pool.ProcessIncoming(testFragment(7, 0, 3)))
	require.Equal(t, []uint16{7}, pool.InProgress())
	require.NoError(t, pool.ProcessIncoming(testFragment(7, 2, 3)))
	require.NoError(t, pool.ProcessIncoming(testFragment(7, 1, 3)))

	require.Len(t, r.delivered, 2)
	requireOrdered(t, r.delivered[1], 7, 3)
	require.Zero(t, pool.Counter(CounterNumFragmentsStale))

	// and is remembered again once complete
	late := testFragment(7, 1, 3)
	require.NoError(t, pool.ProcessIncoming(late))
	require.Equal(t, 1, r.recycled[late])
	require.Equal(t, uint64(1), pool.Counter(CounterNumFragmentsStale))
}

func TestReassemblyBuffer_AgeAndInactivity(t *testing.T) {
	b := newReassemblyBuffer(4)
	b.initialize(1, 3, 10)
	b.add(testFragment(1, 0, 3), 12)

	require.Equal(t, 5.0, b.age(15))
	require.Equal(t, 3.0, b.inactiveTime(15))
}

func TestReassemblyPool_EvictsStalest(t *testing.T) {
	pool, r := newTestPool(t, 2, 4, 0)
	const a, b, c = 10, 20, 30

	pool.Update(1)
	a0, a1 := testFragment(a, 0, 3), testFragment(a, 1, 3)
	require.NoError(t, pool.ProcessIncoming(a0))
	require.NoError(t, pool.ProcessIncoming(a1))

	pool.Update(2)
	require.NoError(t, pool.ProcessIncoming(testFragment(b, 0, 2)))

	pool.Update(3)
	require.NoError(t, pool.ProcessIncoming(testFragment(c, 0, 2)))

	require.Equal(t, []uint16{c, b}, pool.InProgress())
	require.Equal(t, 1, r.recycled[a0])
	require.Equal(t, 1, r.recycled[a1])
	require.Equal(t, 2, r.recycleCalls())
	require.Equal(t, uint64(1), pool.Counter(CounterNumGroupsEvicted))
	require.Equal(t, uint64(2), pool.Counter(CounterNumFragmentsEvicted))

	pool.Update(4)
	require.NoError(t, pool.ProcessIncoming(testFragment(c, 1, 2)))
	require.Len(t, r.delivered, 1)
	requireOrdered(t, r.delivered[0], c, 2)
	require.Equal(t, []uint16{b}, pool.InProgress())
	require.Equal(t, 2, r.recycleCalls())
}

func TestReassemblyPool_ActivityRefreshesStaleness(t *testing.T) {
	pool, _ := newTestPool(t, 2, 4, 0)

	pool.Update(1)
	require.NoError(t, pool.ProcessIncoming(testFragment(1, 0, 3)))
	pool.Update(2)
	require.NoError(t, pool.ProcessIncoming(testFragment(2, 0, 3)))

	// touching group 1 again, even with a duplicate, makes group 2 the stalest
	pool.Update(3)
	require.NoError(t, pool.ProcessIncoming(testFragment(1, 0, 3)))

	pool.Update(4)
	require.NoError(t, pool.ProcessIncoming(testFragment(3, 0, 3)))
	require.Equal(t, []uint16{1, 3}, pool.InProgress())
}

func TestReassemblyPool_EvictionTieBreaksToLowestIndex(t *testing.T) {
	pool, _ := newTestPool(t, 3, 4, 0)

	for g := uint16(1); g <= 3; g++ {
		require.NoError(t, pool.ProcessIncoming(testFragment(g, 0, 2)))
	}
	require.NoError(t, pool.ProcessIncoming(testFragment(4, 0, 2)))
	require.Equal(t, []uint16{4, 2, 3}, pool.InProgress())
}

func TestReassemblyPool_SingleSlotEviction(t *testing.T) {
	pool, r := newTestPool(t, 1, 2, 0)

	x0 := testFragment(100, 0, 2)
	require.NoError(t, pool.ProcessIncoming(x0))
	require.NoError(t, pool.ProcessIncoming(testFragment(200, 0, 2)))

	require.Equal(t, []uint16{200}, pool.InProgress())
	require.Equal(t, 1, r.recycled[x0])
	require.Equal(t, 1, r.recycleCalls())
	require.Empty(t, r.delivered)

	received, _, ok := pool.Progress(200)
	require.True(t, ok)
	require.Equal(t, 1, received)
	_, _, ok = pool.Progress(100)
	require.False(t, ok)
}

func TestReassemblyPool_EvictedSlotStartsClean(t *testing.T) {
	pool, r := newTestPool(t, 1, 4, 0)

	// group 1 fills part 1; after eviction group 2 must not see it as received
	require.NoError(t, pool.ProcessIncoming(testFragment(1, 1, 3)))
	require.NoError(t, pool.ProcessIncoming(testFragment(2, 0, 2)))
	require.Empty(t, r.delivered)

	require.NoError(t, pool.ProcessIncoming(testFragment(2, 1, 2)))
	require.Len(t, r.delivered, 1)
	requireOrdered(t, r.delivered[0], 2, 2)
}

func TestReassemblyPool_RejectsInvalid(t *testing.T) {
	pool, r := newTestPool(t, 2, 4, 0)

	err := pool.ProcessIncoming(testFragment(1, 0, 5))
	require.True(t, errors.Is(err, ErrTooManyFragments), "got %v", err)

	err = pool.ProcessIncoming(testFragment(1, 0, 0))
	require.True(t, errors.Is(err, ErrTooManyFragments), "got %v", err)

	err = pool.ProcessIncoming(testFragment(1, 2, 2))
	require.True(t, errors.Is(err, ErrInvalidFragment), "got %v", err)

	require.Empty(t, pool.InProgress())
	require.Empty(t, r.delivered)
	require.Zero(t, r.recycleCalls())
	require.Equal(t, uint64(3), pool.Counter(CounterNumFragmentsInvalid))
}

func TestReassemblyPool_RejectsCountMismatch(t *testing.T) {
	pool, r := newTestPool(t, 2, 4, 0)

	require.NoError(t, pool.ProcessIncoming(testFragment(1, 0, 3)))
	err := pool.ProcessIncoming(testFragment(1, 1, 2))
	require.True(t, errors.Is(err, ErrFragmentCountMismatch), "got %v", err)

	received, total, ok := pool.Progress(1)
	require.True(t, ok)
	require.Equal(t, 1, received)
	require.Equal(t, 3, total)
	require.Zero(t, r.recycleCalls())
}

func TestReassemblyPool_Reset(t *testing.T) {
	pool, r := newTestPool(t, 3, 4, 0)

	require.NoError(t, pool.ProcessIncoming(testFragment(1, 0, 3)))
	require.NoError(t, pool.ProcessIncoming(testFragment(1, 2, 3)))
	require.NoError(t, pool.ProcessIncoming(testFragment(2, 1, 2)))
	pool.Reset()

	require.Empty(t, pool.InProgress())
	require.Equal(t, 3, r.recycleCalls())
	require.Empty(t, r.delivered)
}

func TestNewReassemblyPool_Invalid(t *testing.T) {
	config := NewDefaultConfig()
	config.MaxInTransit = 0
	_, err := NewReassemblyPool(config, DeliverFunc(func([]*Fragment) {}), RecycleFunc(func(*Fragment) {}))
	require.Error(t, err)

	config = NewDefaultConfig()
	config.MaxFragments = 0
	_, err = NewReassemblyPool(config, DeliverFunc(func([]*Fragment) {}), RecycleFunc(func(*Fragment) {}))
	require.Error(t, err)
}

func TestReassemblyPool_Concurrent(t *testing.T) {
	const receivers, groupsPerReceiver, total = 8, 50, 5

	fragments := NewFragmentPool()
	var mu sync.Mutex
	delivered := make(map[uint16]int)

	config := NewDefaultConfig()
	config.Name = t.Name()
	config.MaxInTransit = receivers
	config.MaxFragments = total
	pool, err := NewReassemblyPool(config, DeliverFunc(func(group []*Fragment) {
		mu.Lock()
		defer mu.Unlock()
		for i, f := range group {
			if int(f.Part) != i || f.Payload[0] != byte(i) {
				t.Errorf("group %d out of order at %d", f.GroupID, i)
			}
		}
		delivered[group[0].GroupID]++
		for _, f := range group {
			fragments.Recycle(f)
		}
	}), fragments)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < receivers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for g := 0; g < groupsPerReceiver; g++ {
				groupID := uint16(w*groupsPerReceiver + g)
				for _, part := range rng.Perm(total) {
					f := fragments.New(groupID, uint16(part), total, []byte{byte(part)})
					if err := pool.ProcessIncoming(f); err != nil {
						t.Error(err)
						fragments.Recycle(f)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, delivered, receivers*groupsPerReceiver)
	for groupID, n := range delivered {
		require.Equal(t, 1, n, "group %d", groupID)
	}
	require.Empty(t, pool.InProgress())
	require.Equal(t, int64(0), fragments.Outstanding())
}
