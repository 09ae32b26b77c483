package sync

import (
	"errors"
	"fmt"
	"sync"

	"quillsync-be/internal/crdt"
	"quillsync-be/internal/pkg/logger"
	"quillsync-be/internal/store"
)

var (
	ErrReplayCorrupt = errors.New("stored update failed to apply")
	ErrRoomClosed    = errors.New("room closed")
	ErrRoomParked    = errors.New("room parked")
)

// Notifier receives a fire-and-forget signal after a room has applied
// and persisted a change. Implementations must not block the caller.
type Notifier interface {
	DocumentChanged(tenant store.TenantKey, documentID string, size int)
}

// NopNotifier drops every change signal.
type NopNotifier struct{}

func (NopNotifier) DocumentChanged(store.TenantKey, string, int) {}

// Room is the live, in-process state of one document: its CRDT state,
// the attached connections and their awareness entries. All state
// mutations run under one mutex, making the room a single-writer
// actor; persistence and broadcast both observe the acceptance order.
type Room struct {
	tenant     store.TenantKey
	documentID string

	mu        sync.Mutex
	doc       *crdt.Doc
	hub       *Hub
	awareness map[string][]byte // client id -> presence payload
	owned     map[Conn][]string // client ids a connection controls
	claimed   map[string]Conn   // reverse index of owned
	parked    bool
	closed    bool

	handle   *store.Handle
	notifier Notifier
	logger   logger.ILogger

	// onEmpty fires (outside the room lock) when the last connection
	// detaches; the multiplexer uses it to park the room.
	onEmpty func(*Room)
}

func NewRoom(tenant store.TenantKey, documentID string, handle *store.Handle, notifier Notifier, log logger.ILogger) *Room {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Room{
		tenant:     tenant,
		documentID: documentID,
		doc:        crdt.New(),
		hub:        NewHub(),
		awareness:  make(map[string][]byte),
		owned:      make(map[Conn][]string),
		claimed:    make(map[string]Conn),
		handle:     handle,
		notifier:   notifier,
		logger:     log,
	}
}

func (r *Room) Tenant() store.TenantKey { return r.tenant }
func (r *Room) DocumentID() string      { return r.documentID }

// SetOnEmpty installs the last-connection-detached hook. Must be set
// before the room serves connections.
func (r *Room) SetOnEmpty(fn func(*Room)) { r.onEmpty = fn }

// Load replays the document's persisted update records into the empty
// CRDT state. It runs once, before any attach; a record that fails to
// apply poisons the room rather than serving a partial document.
func (r *Room) Load() error {
	records, err := r.handle.Log().LoadAll(r.documentID)
	if err != nil {
		return fmt.Errorf("load update log for %s/%s: %w", r.tenant, r.documentID, err)
	}
	for i, rec := range records {
		if _, err := r.doc.ApplyUpdate(rec); err != nil {
			return fmt.Errorf("%w: %s/%s record %d: %v", ErrReplayCorrupt, r.tenant, r.documentID, i, err)
		}
	}
	return nil
}

// Attach registers a connection under the client id it controls, then
// immediately sends sync step 1 (the room's state vector) followed by
// the current awareness table.
func (r *Room) Attach(c Conn, clientID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if r.parked {
		// A stale pointer from before the last detach. The caller must
		// re-resolve through the multiplexer, which revives the room;
		// attaching here would race the warm cache's finalizer.
		r.mu.Unlock()
		return ErrRoomParked
	}
	r.hub.Register(c, clientID)
	r.claim(c, clientID)

	step1 := EncodeMessage(SyncStep1{StateVector: r.doc.EncodeStateVector()})
	var aw []byte
	if len(r.awareness) > 0 {
		entries := make([]AwarenessEntry, 0, len(r.awareness))
		for id, state := range r.awareness {
			entries = append(entries, AwarenessEntry{ClientID: id, State: state})
		}
		aw = EncodeMessage(Awareness{Entries: entries})
	}
	r.mu.Unlock()

	if err := c.Send(step1); err != nil {
		r.Detach(c)
		return fmt.Errorf("send sync step 1: %w", err)
	}
	if aw != nil {
		if err := c.Send(aw); err != nil {
			r.Detach(c)
			return fmt.Errorf("send awareness state: %w", err)
		}
	}
	return nil
}

// ApplyIncoming decodes one frame from a connection and dispatches it.
// A decode error is returned to the caller, which closes that
// connection; sibling connections are unaffected.
func (r *Room) ApplyIncoming(c Conn, frame []byte) error {
	msg, err := DecodeMessage(frame)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}

	var failed []Conn
	switch m := msg.(type) {
	case SyncStep1:
		sv, derr := crdt.DecodeStateVector(m.StateVector)
		if derr != nil {
			r.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrMalformedFrame, derr)
		}
		diff := EncodeMessage(SyncStep2{Update: r.doc.DiffUpdate(sv)})
		r.mu.Unlock()
		if serr := c.Send(diff); serr != nil {
			r.Detach(c)
		}
		return nil

	case SyncStep2:
		failed, err = r.applyUpdateLocked(c, m.Update)
	case SyncUpdate:
		failed, err = r.applyUpdateLocked(c, m.Update)
	case Awareness:
		failed = r.mergeAwarenessLocked(c, m.Entries)
	default:
		r.mu.Unlock()
		return fmt.Errorf("%w: unhandled message %T", ErrMalformedFrame, msg)
	}
	r.mu.Unlock()

	for _, fc := range failed {
		r.Detach(fc)
	}
	return err
}

// applyUpdateLocked applies one CRDT delta, persists it, then fans it
// out to every other connection. The append happens before any peer is
// told about the update, so an acknowledged change survives a crash.
// Caller holds r.mu; returned connections failed their send.
func (r *Room) applyUpdateLocked(origin Conn, update []byte) ([]Conn, error) {
	applied, err := r.doc.ApplyUpdate(update)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !applied {
		// Re-delivered delta; CRDT apply is idempotent, nothing to
		// persist or relay.
		return nil, nil
	}

	if err := r.handle.Log().Append(r.documentID, update); err != nil {
		return nil, fmt.Errorf("persist update for %s/%s: %w", r.tenant, r.documentID, err)
	}

	failed := r.hub.Broadcast(origin, EncodeMessage(SyncUpdate{Update: update}))
	r.notifier.DocumentChanged(r.tenant, r.documentID, len(update))
	return failed, nil
}

// mergeAwarenessLocked merges presence entries last-writer-wins per
// client id and relays them. A connection may only touch client ids it
// introduced; other entries are dropped. Caller holds r.mu.
func (r *Room) mergeAwarenessLocked(origin Conn, entries []AwarenessEntry) []Conn {
	accepted := make([]AwarenessEntry, 0, len(entries))
	for _, e := range entries {
		owner, taken := r.claimed[e.ClientID]
		if taken && owner != origin {
			r.logger.Warn("Room", "Dropping awareness entry for foreign client id", map[string]interface{}{
				"tenant": r.tenant.String(), "document": r.documentID, "client_id": e.ClientID,
			})
			continue
		}
		if !taken {
			r.claim(origin, e.ClientID)
		}
		if e.Tombstone {
			delete(r.awareness, e.ClientID)
		} else {
			r.awareness[e.ClientID] = e.State
		}
		accepted = append(accepted, e)
	}
	if len(accepted) == 0 {
		return nil
	}
	return r.hub.Broadcast(origin, EncodeMessage(Awareness{Entries: accepted}))
}

// Detach removes the connection, broadcasts tombstones for the
// awareness entries it controlled, and fires onEmpty when it was the
// last one out.
func (r *Room) Detach(c Conn) {
	r.mu.Lock()
	if !r.hub.Unregister(c) {
		r.mu.Unlock()
		return
	}
	var tombstones []AwarenessEntry
	for _, id := range r.owned[c] {
		delete(r.claimed, id)
		if _, ok := r.awareness[id]; ok {
			delete(r.awareness, id)
			tombstones = append(tombstones, AwarenessEntry{ClientID: id, Tombstone: true})
		}
	}
	delete(r.owned, c)

	var failed []Conn
	if len(tombstones) > 0 {
		failed = r.hub.Broadcast(c, EncodeMessage(Awareness{Entries: tombstones}))
	}
	empty := r.hub.Len() == 0
	r.mu.Unlock()

	for _, fc := range failed {
		r.Detach(fc)
	}
	if empty && r.onEmpty != nil {
		r.onEmpty(r)
	}
}

// CloseAll force-detaches every connection and marks the room closed.
// Used for tenant deletion and process shutdown.
func (r *Room) CloseAll() {
	for _, c := range r.hub.Conns() {
		r.Detach(c)
		_ = c.Close()
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Closed reports whether the room has been shut down.
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ReleaseStorage returns the room's storage reference to the pool.
// Called exactly once, by the owner of the room's lifecycle.
func (r *Room) ReleaseStorage() {
	r.handle.Release()
}

// Handle exposes the room's storage reference to collaborators that
// persist alongside the document (snapshots).
func (r *Room) Handle() *store.Handle { return r.handle }

func (r *Room) ConnCount() int { return r.hub.Len() }

// Text materializes the current document content.
func (r *Room) Text() string { return r.doc.Text() }

// EncodeState encodes the full document state canonically.
func (r *Room) EncodeState() []byte { return r.doc.EncodeState() }

// ReplaceContent builds a delta replacing the whole document text and
// submits it through the live apply path.
func (r *Room) ReplaceContent(peer, text string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	update, err := r.doc.ReplaceAll(peer, text)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	// ReplaceAll already applied locally; persist and relay.
	if err := r.handle.Log().Append(r.documentID, update); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("persist restore for %s/%s: %w", r.tenant, r.documentID, err)
	}
	failed := r.hub.Broadcast(nil, EncodeMessage(SyncUpdate{Update: update}))
	r.notifier.DocumentChanged(r.tenant, r.documentID, len(update))
	r.mu.Unlock()

	for _, fc := range failed {
		r.Detach(fc)
	}
	return nil
}

// markParked flags the room as parked if it is open and has no
// connections. While parked only the multiplexer may bring the room
// back (via unpark); Attach fails with ErrRoomParked.
func (r *Room) markParked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.hub.Len() > 0 {
		return false
	}
	r.parked = true
	return true
}

func (r *Room) unpark() {
	r.mu.Lock()
	r.parked = false
	r.mu.Unlock()
}

// claim records ownership of a client id. Caller holds r.mu.
func (r *Room) claim(c Conn, clientID string) {
	if _, taken := r.claimed[clientID]; taken {
		return
	}
	r.claimed[clientID] = c
	r.owned[c] = append(r.owned[c], clientID)
}
