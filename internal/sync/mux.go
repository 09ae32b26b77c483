package sync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"quillsync-be/internal/pkg/logger"
	"quillsync-be/internal/store"
)

var ErrMuxClosed = errors.New("multiplexer closed")

// Multiplexer routes connections to document rooms. Rooms of one
// tenant share a project container, so one transport endpoint and one
// storage handle amortize over many documents. At most one room exists
// per (tenant, document) in the process; concurrent requests for the
// same room resolve to the same instance.
//
// A room whose last connection detaches is not destroyed immediately:
// it parks in a warm cache for a grace window and a re-attach inside
// the window gets the live instance back instead of a replay from
// storage.
type Multiplexer struct {
	pool     *store.Pool
	notifier Notifier
	grace    time.Duration
	logger   logger.ILogger

	mu       sync.Mutex
	projects map[string]*projectContainer
	warm     *gocache.Cache
	closed   bool
}

type projectContainer struct {
	tenant store.TenantKey
	slots  map[string]*roomSlot
}

// roomSlot resolves concurrent room creation to one instance: the
// first caller loads, everyone else waits on ready.
type roomSlot struct {
	ready chan struct{}
	room  *Room
	err   error
}

type warmEntry struct {
	room *Room

	mu      sync.Mutex
	revived bool
}

func NewMultiplexer(pool *store.Pool, notifier Notifier, grace time.Duration, log logger.ILogger) *Multiplexer {
	m := &Multiplexer{
		pool:     pool,
		notifier: notifier,
		grace:    grace,
		logger:   log,
		projects: make(map[string]*projectContainer),
	}
	m.warm = gocache.New(grace, grace)
	m.warm.OnEvicted(func(_ string, v interface{}) {
		e := v.(*warmEntry)
		e.mu.Lock()
		revived := e.revived
		e.mu.Unlock()
		if !revived {
			m.finalizeRoom(e.room)
		}
	})
	return m
}

func warmKey(tenant store.TenantKey, documentID string) string {
	return tenant.String() + "#" + documentID
}

// GetRoom returns the live room for (tenant, document), creating and
// replaying it from the update log if it is not resident. The calling
// attach suspends until replay completes.
func (m *Multiplexer) GetRoom(tenant store.TenantKey, documentID string) (*Room, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMuxClosed
	}
	c, ok := m.projects[tenant.String()]
	if !ok {
		c = &projectContainer{tenant: tenant, slots: make(map[string]*roomSlot)}
		m.projects[tenant.String()] = c
	}
	if slot, ok := c.slots[documentID]; ok {
		m.mu.Unlock()
		<-slot.ready
		return slot.room, slot.err
	}
	if room := m.reviveLocked(tenant, documentID, c); room != nil {
		m.mu.Unlock()
		return room, nil
	}
	slot := &roomSlot{ready: make(chan struct{})}
	c.slots[documentID] = slot
	m.mu.Unlock()

	handle, err := m.pool.Acquire(tenant)
	if err == nil {
		room := NewRoom(tenant, documentID, handle, m.notifier, m.logger)
		room.SetOnEmpty(m.ParkIfIdle)
		if lerr := room.Load(); lerr != nil {
			handle.Release()
			err = lerr
		} else {
			slot.room = room
		}
	}
	if err != nil {
		slot.err = fmt.Errorf("resolve room %s/%s: %w", tenant, documentID, err)
		m.mu.Lock()
		delete(c.slots, documentID)
		if len(c.slots) == 0 {
			delete(m.projects, tenant.String())
		}
		m.mu.Unlock()
	} else {
		m.logger.Info("Multiplexer", "Room resident", map[string]interface{}{
			"tenant": tenant.String(), "document": documentID,
		})
	}
	close(slot.ready)
	return slot.room, slot.err
}

// reviveLocked pulls a parked room back out of the warm cache.
// Caller holds m.mu.
func (m *Multiplexer) reviveLocked(tenant store.TenantKey, documentID string, c *projectContainer) *Room {
	key := warmKey(tenant, documentID)
	v, ok := m.warm.Get(key)
	if !ok {
		return nil
	}
	e := v.(*warmEntry)
	e.mu.Lock()
	room := e.room
	if e.revived || room.Closed() {
		room = nil
	} else {
		e.revived = true
	}
	e.mu.Unlock()
	m.warm.Delete(key)
	if room == nil {
		return nil
	}
	room.unpark()

	ready := make(chan struct{})
	close(ready)
	c.slots[documentID] = &roomSlot{ready: ready, room: room}
	return room
}

// ParkIfIdle moves a connectionless room into the warm cache. It is
// the room's onEmpty hook, and services that load a room without
// attaching call it when done.
func (m *Multiplexer) ParkIfIdle(room *Room) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.finalizeRoom(room)
		return
	}
	c, ok := m.projects[room.Tenant().String()]
	if !ok {
		m.mu.Unlock()
		return
	}
	slot, ok := c.slots[room.DocumentID()]
	// markParked is the atomic check against concurrent attaches: once
	// it succeeds no connection can join until the room is revived.
	if !ok || slot.room != room || !room.markParked() {
		m.mu.Unlock()
		return
	}
	delete(c.slots, room.DocumentID())
	if len(c.slots) == 0 {
		delete(m.projects, room.Tenant().String())
	}
	m.warm.Set(warmKey(room.Tenant(), room.DocumentID()), &warmEntry{room: room}, m.grace)
	m.mu.Unlock()
}

// finalizeRoom is the end of a room's life: connections gone, state
// already persisted, storage reference returned.
func (m *Multiplexer) finalizeRoom(room *Room) {
	room.CloseAll()
	room.ReleaseStorage()
	m.logger.Info("Multiplexer", "Room destroyed", map[string]interface{}{
		"tenant": room.Tenant().String(), "document": room.DocumentID(),
	})
}

// CloseRoom tears down one document's room, live or parked. Attached
// connections are closed; the caller typically deletes the document's
// persisted state next.
func (m *Multiplexer) CloseRoom(tenant store.TenantKey, documentID string) {
	m.mu.Lock()
	var slot *roomSlot
	if c, ok := m.projects[tenant.String()]; ok {
		if s, ok := c.slots[documentID]; ok {
			slot = s
			delete(c.slots, documentID)
			if len(c.slots) == 0 {
				delete(m.projects, tenant.String())
			}
		}
	}
	var parked *Room
	key := warmKey(tenant, documentID)
	if v, ok := m.warm.Get(key); ok {
		e := v.(*warmEntry)
		e.mu.Lock()
		if !e.revived {
			e.revived = true
			parked = e.room
		}
		e.mu.Unlock()
		m.warm.Delete(key)
	}
	m.mu.Unlock()

	if slot != nil {
		<-slot.ready
		if slot.room != nil {
			m.finalizeRoom(slot.room)
		}
	}
	if parked != nil {
		m.finalizeRoom(parked)
	}
}

// DeleteTenant tears down every room of the tenant, waits for in-
// flight flushes via the pool, and removes the persisted state.
func (m *Multiplexer) DeleteTenant(tenant store.TenantKey) error {
	m.mu.Lock()
	c := m.projects[tenant.String()]
	delete(m.projects, tenant.String())
	var slots []*roomSlot
	if c != nil {
		for _, s := range c.slots {
			slots = append(slots, s)
		}
	}
	var parked []*Room
	for key, item := range m.warm.Items() {
		e := item.Object.(*warmEntry)
		if e.room.Tenant() == tenant {
			e.mu.Lock()
			if !e.revived {
				e.revived = true
				parked = append(parked, e.room)
			}
			e.mu.Unlock()
			m.warm.Delete(key)
		}
	}
	m.mu.Unlock()

	for _, s := range slots {
		<-s.ready
		if s.room != nil {
			m.finalizeRoom(s.room)
		}
	}
	for _, room := range parked {
		m.finalizeRoom(room)
	}
	return m.pool.EvictNow(tenant, true)
}

// Shutdown closes every resident and parked room. Persisted state is
// already durable; this only releases in-memory resources.
func (m *Multiplexer) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var slots []*roomSlot
	for _, c := range m.projects {
		for _, s := range c.slots {
			slots = append(slots, s)
		}
	}
	m.projects = make(map[string]*projectContainer)
	var parked []*Room
	for key, item := range m.warm.Items() {
		e := item.Object.(*warmEntry)
		e.mu.Lock()
		if !e.revived {
			e.revived = true
			parked = append(parked, e.room)
		}
		e.mu.Unlock()
		m.warm.Delete(key)
	}
	m.mu.Unlock()

	for _, s := range slots {
		<-s.ready
		if s.room != nil {
			m.finalizeRoom(s.room)
		}
	}
	for _, room := range parked {
		m.finalizeRoom(room)
	}
}

// BindingState tracks one physical connection's resolution progress.
type BindingState int

const (
	Unbound BindingState = iota
	Resolving
	Bound
)

// Binding is the per-connection state machine: Unbound until the
// handshake names a document, Resolving while the room loads, Bound
// once attached. Unbind on transport close.
type Binding struct {
	mux *Multiplexer

	mu    sync.Mutex
	state BindingState
	room  *Room
}

func (m *Multiplexer) NewBinding() *Binding {
	return &Binding{mux: m}
}

// Resolve transitions Unbound -> Resolving -> Bound.
func (b *Binding) Resolve(tenant store.TenantKey, documentID string) (*Room, error) {
	b.mu.Lock()
	if b.state != Unbound {
		b.mu.Unlock()
		return nil, fmt.Errorf("binding already %v", b.state)
	}
	b.state = Resolving
	b.mu.Unlock()

	room, err := b.mux.GetRoom(tenant, documentID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.state = Unbound
		return nil, err
	}
	b.state = Bound
	b.room = room
	return room, nil
}

func (b *Binding) State() BindingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Binding) Room() *Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.room
}

// Unbind releases the binding on transport close. The room itself is
// parked or destroyed by its own detach bookkeeping.
func (b *Binding) Unbind() {
	b.mu.Lock()
	b.state = Unbound
	b.room = nil
	b.mu.Unlock()
}
