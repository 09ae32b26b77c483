package crdt

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
)

// ID identifies one operation: the peer that produced it and that
// peer's operation counter at the time.
type ID struct {
	Peer  string `json:"peer"`
	Clock uint64 `json:"clock"`
}

// op is a single sequence operation. Insert ops carry a position path
// and one rune; delete ops tombstone a previously inserted op.
type op struct {
	ID  ID       `json:"id"`
	Pos []uint32 `json:"pos,omitempty"`
	Val string   `json:"val,omitempty"`
	Del *ID      `json:"del,omitempty"`
}

type update struct {
	Ops []op `json:"ops"`
}

// StateVector summarizes what a peer has already seen: the highest
// clock observed per peer.
type StateVector map[string]uint64

// Doc is a position-addressed sequence CRDT. Updates are opaque binary
// blobs; applying the same update twice is a no-op, and applying a set
// of updates in any order converges to the same state.
type Doc struct {
	mu      sync.RWMutex
	inserts map[ID]op
	deletes map[ID]op
	deleted map[ID]bool
	clocks  StateVector
}

func New() *Doc {
	return &Doc{
		inserts: make(map[ID]op),
		deletes: make(map[ID]op),
		deleted: make(map[ID]bool),
		clocks:  make(StateVector),
	}
}

// ApplyUpdate merges an encoded update into the document. It reports
// whether any operation in the update was new to this document.
func (d *Doc) ApplyUpdate(b []byte) (bool, error) {
	var u update
	if err := json.Unmarshal(b, &u); err != nil {
		return false, fmt.Errorf("decode update: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	applied := false
	for _, o := range u.Ops {
		if o.Del != nil {
			if _, seen := d.deletes[o.ID]; seen {
				continue
			}
			d.deletes[o.ID] = o
			d.deleted[*o.Del] = true
		} else {
			if _, seen := d.inserts[o.ID]; seen {
				continue
			}
			d.inserts[o.ID] = o
		}
		applied = true
		if o.ID.Clock > d.clocks[o.ID.Peer] {
			d.clocks[o.ID.Peer] = o.ID.Clock
		}
	}
	return applied, nil
}

// StateVector returns a copy of the document's current state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sv := make(StateVector, len(d.clocks))
	for p, c := range d.clocks {
		sv[p] = c
	}
	return sv
}

func (d *Doc) EncodeStateVector() []byte {
	b, _ := json.Marshal(d.StateVector())
	return b
}

func DecodeStateVector(b []byte) (StateVector, error) {
	sv := make(StateVector)
	if len(b) == 0 {
		return sv, nil
	}
	if err := json.Unmarshal(b, &sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	return sv, nil
}

// DiffUpdate encodes every operation the given peer state vector has
// not seen yet. The result is a valid update; it is empty (but not
// nil) when the peer is already caught up.
func (d *Doc) DiffUpdate(sv StateVector) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var u update
	for id, o := range d.inserts {
		if id.Clock > sv[id.Peer] {
			u.Ops = append(u.Ops, o)
		}
	}
	for id, o := range d.deletes {
		if id.Clock > sv[id.Peer] {
			u.Ops = append(u.Ops, o)
		}
	}
	sortOpsByID(u.Ops)
	b, _ := json.Marshal(u)
	return b
}

// EncodeState encodes the full document as a single replayable update.
// The encoding is canonical: two documents holding the same operation
// set encode to identical bytes.
func (d *Doc) EncodeState() []byte {
	return d.DiffUpdate(nil)
}

// Text materializes the document content.
func (d *Doc) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vis := d.visible()
	out := make([]byte, 0, len(vis))
	for _, o := range vis {
		out = append(out, o.Val...)
	}
	return string(out)
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.visible())
}

// InsertAt generates insert operations for text at the given visible
// index on behalf of peer, applies them locally, and returns the
// encoded update for distribution.
func (d *Doc) InsertAt(peer string, index int, text string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vis := d.visible()
	if index < 0 || index > len(vis) {
		return nil, fmt.Errorf("insert index %d out of range [0,%d]", index, len(vis))
	}
	var left, right []uint32
	if index > 0 {
		left = vis[index-1].Pos
	}
	if index < len(vis) {
		right = vis[index].Pos
	}

	var u update
	for _, r := range text {
		pos := posBetween(left, right)
		o := op{ID: d.next(peer), Pos: pos, Val: string(r)}
		d.inserts[o.ID] = o
		u.Ops = append(u.Ops, o)
		left = pos
	}
	b, _ := json.Marshal(u)
	return b, nil
}

// DeleteAt tombstones count visible characters starting at index.
func (d *Doc) DeleteAt(peer string, index, count int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vis := d.visible()
	if index < 0 || count < 0 || index+count > len(vis) {
		return nil, fmt.Errorf("delete range [%d,%d) out of range [0,%d]", index, index+count, len(vis))
	}

	var u update
	for _, target := range vis[index : index+count] {
		t := target.ID
		o := op{ID: d.next(peer), Del: &t}
		d.deletes[o.ID] = o
		d.deleted[t] = true
		u.Ops = append(u.Ops, o)
	}
	b, _ := json.Marshal(u)
	return b, nil
}

// ReplaceAll tombstones the entire visible content and inserts text in
// its place, as one update. Used by snapshot restore.
func (d *Doc) ReplaceAll(peer string, text string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var u update
	vis := d.visible()
	for _, target := range vis {
		t := target.ID
		o := op{ID: d.next(peer), Del: &t}
		d.deletes[o.ID] = o
		d.deleted[t] = true
		u.Ops = append(u.Ops, o)
	}

	var left, right []uint32
	for _, r := range text {
		pos := posBetween(left, right)
		o := op{ID: d.next(peer), Pos: pos, Val: string(r)}
		d.inserts[o.ID] = o
		u.Ops = append(u.Ops, o)
		left = pos
	}
	b, _ := json.Marshal(u)
	return b, nil
}

// next allocates the peer's next operation ID. Caller holds d.mu.
func (d *Doc) next(peer string) ID {
	d.clocks[peer]++
	return ID{Peer: peer, Clock: d.clocks[peer]}
}

// visible returns non-tombstoned inserts in document order.
// Caller holds at least a read lock.
func (d *Doc) visible() []op {
	out := make([]op, 0, len(d.inserts))
	for id, o := range d.inserts {
		if !d.deleted[id] {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lessOp(out[i], out[j])
	})
	return out
}

// lessOp orders ops by position path, breaking ties by peer and clock
// so concurrent inserts at the same position sort deterministically.
func lessOp(a, b op) bool {
	if c := comparePos(a.Pos, b.Pos); c != 0 {
		return c < 0
	}
	if a.ID.Peer != b.ID.Peer {
		return a.ID.Peer < b.ID.Peer
	}
	return a.ID.Clock < b.ID.Clock
}

func comparePos(a, b []uint32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func sortOpsByID(ops []op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.Peer != ops[j].ID.Peer {
			return ops[i].ID.Peer < ops[j].ID.Peer
		}
		if ops[i].ID.Clock != ops[j].ID.Clock {
			return ops[i].ID.Clock < ops[j].ID.Clock
		}
		// A peer can emit an insert and a delete under distinct
		// clocks only, so this tie-break never actually fires; it
		// keeps the sort total regardless.
		return ops[i].Del == nil && ops[j].Del != nil
	})
}

// posBetween allocates a position path strictly between left and
// right, descending a level whenever no gap remains.
func posBetween(left, right []uint32) []uint32 {
	var out []uint32
	for i := 0; ; i++ {
		var lo uint32
		if i < len(left) {
			lo = left[i]
		}
		hi := uint32(math.MaxUint32)
		if i < len(right) {
			hi = right[i]
		}
		if hi-lo > 1 {
			out = append(out, lo+(hi-lo)/2)
			return out
		}
		out = append(out, lo)
	}
}
