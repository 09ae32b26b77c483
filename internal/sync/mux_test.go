package sync

import (
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quillsync-be/internal/pkg/logger"
	"quillsync-be/internal/store"
)

func newTestMux(t *testing.T, grace time.Duration) (*Multiplexer, *store.Pool) {
	t.Helper()
	pool := store.NewPool(t.TempDir(), time.Hour, time.Hour, logger.NewNopLogger())
	m := NewMultiplexer(pool, nil, grace, logger.NewNopLogger())
	t.Cleanup(func() {
		m.Shutdown()
		_ = pool.Close()
	})
	return m, pool
}

var testTenant = store.TenantKey{Owner: "ada", Project: "novel"}

func TestConcurrentGetRoomResolvesToOneInstance(t *testing.T) {
	m, _ := newTestMux(t, time.Hour)

	const callers = 16
	rooms := make([]*Room, callers)
	var wg gosync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := m.GetRoom(testTenant, "chapter-1")
			if err != nil {
				t.Error(err)
				return
			}
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for _, r := range rooms[1:] {
		assert.Same(t, rooms[0], r)
	}
}

func TestRoomsOfOneProjectShareContainer(t *testing.T) {
	m, _ := newTestMux(t, time.Hour)

	r1, err := m.GetRoom(testTenant, "chapter-1")
	require.NoError(t, err)
	r2, err := m.GetRoom(testTenant, "chapter-2")
	require.NoError(t, err)

	assert.NotSame(t, r1, r2)
	assert.Equal(t, r1.Tenant(), r2.Tenant())
}

func TestWarmReviveReturnsSameInstance(t *testing.T) {
	m, _ := newTestMux(t, time.Hour)

	room, err := m.GetRoom(testTenant, "chapter-1")
	require.NoError(t, err)

	conn := &memConn{}
	require.NoError(t, room.Attach(conn, "c1"))
	require.NoError(t, room.ApplyIncoming(conn, EncodeMessage(SyncUpdate{Update: insertUpdate(t, "p", "keep me")})))
	room.Detach(conn) // last connection out; room parks

	again, err := m.GetRoom(testTenant, "chapter-1")
	require.NoError(t, err)
	assert.Same(t, room, again, "re-attach inside the grace window revives the live room")
	assert.Equal(t, "keep me", again.Text())
}

func TestParkedRoomRefusesStaleAttach(t *testing.T) {
	m, _ := newTestMux(t, 50*time.Millisecond)

	room, err := m.GetRoom(testTenant, "chapter-1")
	require.NoError(t, err)
	first := &memConn{}
	require.NoError(t, room.Attach(first, "c1"))
	room.Detach(first) // last one out; the room parks

	// A caller still holding the old pointer cannot join the parked
	// instance behind the multiplexer's back.
	second := &memConn{}
	assert.ErrorIs(t, room.Attach(second, "c2"), ErrRoomParked)

	// Re-resolving revives the same room and attaching works again.
	revived, err := m.GetRoom(testTenant, "chapter-1")
	require.NoError(t, err)
	assert.Same(t, room, revived)
	require.NoError(t, revived.Attach(second, "c2"))

	// The grace window passing must not tear down a revived room with
	// a live connection.
	time.Sleep(150 * time.Millisecond)
	assert.False(t, room.Closed())
	assert.False(t, second.isClosed())
	assert.Equal(t, 1, room.ConnCount())
}

func TestIdleRoomEvictedAndReloaded(t *testing.T) {
	m, pool := newTestMux(t, 20*time.Millisecond)

	room, err := m.GetRoom(testTenant, "chapter-1")
	require.NoError(t, err)
	conn := &memConn{}
	require.NoError(t, room.Attach(conn, "c1"))
	require.NoError(t, room.ApplyIncoming(conn, EncodeMessage(SyncUpdate{Update: insertUpdate(t, "p", "durable")})))
	state := room.EncodeState()
	room.Detach(conn)

	// Grace window passes; the warm cache janitor destroys the room
	// and drops its storage reference.
	require.Eventually(t, func() bool {
		return room.Closed()
	}, time.Second, 10*time.Millisecond)

	// With zero references the idle sweep can now evict the store.
	pool.SweepOnce(time.Now().Add(2 * time.Hour))
	assert.False(t, pool.Resident(testTenant))

	// Re-attaching reloads identical state from storage.
	reloaded, err := m.GetRoom(testTenant, "chapter-1")
	require.NoError(t, err)
	assert.NotSame(t, room, reloaded)
	assert.Equal(t, state, reloaded.EncodeState())
	assert.Equal(t, "durable", reloaded.Text())
}

func TestDeleteTenantCascades(t *testing.T) {
	m, pool := newTestMux(t, time.Hour)

	room, err := m.GetRoom(testTenant, "chapter-1")
	require.NoError(t, err)
	conn := &memConn{}
	require.NoError(t, room.Attach(conn, "c1"))
	require.NoError(t, room.ApplyIncoming(conn, EncodeMessage(SyncUpdate{Update: insertUpdate(t, "p", "gone soon")})))

	require.NoError(t, m.DeleteTenant(testTenant))
	assert.True(t, room.Closed())
	assert.True(t, conn.isClosed())
	assert.False(t, pool.Resident(testTenant))

	// The tenant is recreated implicitly, empty.
	fresh, err := m.GetRoom(testTenant, "chapter-1")
	require.NoError(t, err)
	assert.Equal(t, "", fresh.Text())
}

func TestFailedResolveDoesNotPoisonFutureAccess(t *testing.T) {
	pool := store.NewPool(t.TempDir(), time.Hour, time.Hour, logger.NewNopLogger())
	t.Cleanup(func() { _ = pool.Close() })
	m := NewMultiplexer(pool, nil, time.Hour, logger.NewNopLogger())
	t.Cleanup(m.Shutdown)

	// Poison the log with an unreadable record.
	handle, err := pool.Acquire(testTenant)
	require.NoError(t, err)
	require.NoError(t, handle.Log().Append("broken", []byte("garbage")))
	handle.Release()

	_, err = m.GetRoom(testTenant, "broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReplayCorrupt)

	// Other documents of the tenant still resolve.
	room, err := m.GetRoom(testTenant, "healthy")
	require.NoError(t, err)
	assert.Equal(t, "", room.Text())
}

func TestBindingStateMachine(t *testing.T) {
	m, _ := newTestMux(t, time.Hour)

	b := m.NewBinding()
	assert.Equal(t, Unbound, b.State())

	room, err := b.Resolve(testTenant, "chapter-1")
	require.NoError(t, err)
	assert.Equal(t, Bound, b.State())
	assert.Same(t, room, b.Room())

	_, err = b.Resolve(testTenant, "chapter-2")
	assert.Error(t, err, "a bound connection cannot resolve again")

	b.Unbind()
	assert.Equal(t, Unbound, b.State())
	assert.Nil(t, b.Room())
}

func TestGetRoomAfterShutdown(t *testing.T) {
	pool := store.NewPool(t.TempDir(), time.Hour, time.Hour, logger.NewNopLogger())
	t.Cleanup(func() { _ = pool.Close() })
	m := NewMultiplexer(pool, nil, time.Hour, logger.NewNopLogger())

	m.Shutdown()
	_, err := m.GetRoom(testTenant, "chapter-1")
	assert.ErrorIs(t, err, ErrMuxClosed)
}
