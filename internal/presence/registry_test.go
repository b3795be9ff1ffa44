package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct{ id string }

func (c *stubConn) ID() string { return c.id }

func (c *stubConn) Send(string, any) error { return nil }

func newConn(id string) *stubConn { return &stubConn{id: id} }

type recorder struct {
	mu    sync.Mutex
	snaps [][]int64
}

func (r *recorder) PresenceChanged(s []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() [][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int64(nil), r.snaps...)
}

func TestAdmitLookupSnapshot(t *testing.T) {
	reg := NewRegistry()
	c1, c2 := newConn("a"), newConn("b")

	assert.Nil(t, reg.Admit(7, c1))
	assert.Nil(t, reg.Admit(3, c2))

	got, ok := reg.Lookup(7)
	require.True(t, ok)
	assert.Same(t, c1, got)
	assert.Equal(t, []int64{3, 7}, reg.Snapshot())
	assert.Equal(t, 2, reg.Count())

	_, ok = reg.Lookup(99)
	assert.False(t, ok)
}

func TestAdmitSupersedesPreviousConnection(t *testing.T) {
	reg := NewRegistry()
	old, fresh := newConn("old"), newConn("new")

	reg.Admit(1, old)
	prev := reg.Admit(1, fresh)
	assert.Same(t, old, prev)

	got, ok := reg.Lookup(1)
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assert.Len(t, reg.Connections(), 1)
}

func TestReadmitSameConnectionReportsNoSupersede(t *testing.T) {
	reg := NewRegistry()
	c := newConn("a")
	reg.Admit(1, c)
	assert.Nil(t, reg.Admit(1, c))
}

func TestLateEvictOfSupersededConnectionIsNoop(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	reg.SetNotifier(rec)
	conn1, conn2 := newConn("1"), newConn("2")

	reg.Admit(5, conn1)
	reg.Admit(5, conn2)
	before := len(rec.all())

	assert.False(t, reg.Evict(5, conn1))
	got, ok := reg.Lookup(5)
	require.True(t, ok)
	assert.Same(t, conn2, got)
	assert.Len(t, rec.all(), before, "no broadcast when nothing was evicted")

	assert.True(t, reg.Evict(5, conn2))
	_, ok = reg.Lookup(5)
	assert.False(t, ok)
	assert.Empty(t, reg.Snapshot())
}

func TestNotifierReceivesSnapshots(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	reg.SetNotifier(rec)

	a, b := newConn("a"), newConn("b")
	reg.Admit(2, a)
	reg.Admit(1, b)
	reg.Evict(2, a)

	assert.Equal(t, [][]int64{{2}, {1, 2}, {1}}, rec.all())
}

func TestNotifierFunc(t *testing.T) {
	reg := NewRegistry()
	var got []int64
	reg.SetNotifier(NotifierFunc(func(s []int64) { got = s }))
	reg.Admit(4, newConn("x"))
	assert.Equal(t, []int64{4}, got)
}

func TestSnapshotLookupConsistencyUnderConcurrency(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := int64(i % 10)
			c := newConn(fmt.Sprintf("c%d", i))
			reg.Admit(uid, c)
			if i%3 == 0 {
				reg.Evict(uid, c)
			}
		}(i)
	}
	wg.Wait()

	snap := reg.Snapshot()
	for _, uid := range snap {
		_, ok := reg.Lookup(uid)
		assert.True(t, ok, "user %d in snapshot must resolve", uid)
	}
	for uid := int64(0); uid < 10; uid++ {
		if _, ok := reg.Lookup(uid); ok {
			assert.Contains(t, snap, uid)
		}
	}
	assert.Equal(t, len(snap), reg.Count())
}

func TestLastBroadcastReflectsFinalState(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	reg.SetNotifier(rec)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg.Admit(int64(i), newConn(fmt.Sprint(i)))
		}(i)
	}
	wg.Wait()

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, reg.Snapshot(), snaps[len(snaps)-1])
}
