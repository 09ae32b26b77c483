package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"
)

// TenantKey is the storage-isolation unit: one owner/project pair maps
// to one database file on disk.
type TenantKey struct {
	Owner   string
	Project string
}

func (k TenantKey) String() string {
	return k.Owner + "/" + k.Project
}

var pathSafe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// IsPathSafe reports whether a single identifier component is usable
// in tenant and document keys. Dot-only components ("." and "..")
// would escape the data directory when joined into a file path.
func IsPathSafe(s string) bool {
	return pathSafe.MatchString(s) && strings.Trim(s, ".") != ""
}

// Validate rejects tenant components that cannot be used as file path
// segments.
func (k TenantKey) Validate() error {
	if !IsPathSafe(k.Owner) || !IsPathSafe(k.Project) {
		return fmt.Errorf("%w: %q/%q", ErrBadTenantKey, k.Owner, k.Project)
	}
	return nil
}

var (
	ErrBadTenantKey = errors.New("tenant key is not path-safe")
	ErrClosed       = errors.New("update log already closed")
	ErrCorruptLog   = errors.New("update log record corrupt")
)

const (
	updatesBucket   = "updates"
	snapshotsBucket = "snapshots"

	openTimeout  = 1 * time.Second
	openAttempts = 3
)

// UpdateLog is one tenant's durable append-only store of CRDT update
// records, with a namespace (nested bucket) per document id. Only one
// process may own the underlying file; a second opener fails fast
// after bounded retries on the file lock.
type UpdateLog struct {
	mu     sync.Mutex
	db     *bolt.DB
	path   string
	closed bool

	// lastSeq guards against clock steps backwards so that record
	// keys stay strictly increasing per document.
	lastSeq map[string]uint64
}

// OpenUpdateLog opens (creating if absent) the tenant's database under
// dir. Lock contention from a racing opener is retried with
// exponential backoff before surfacing a fatal storage error.
func OpenUpdateLog(dir string, key TenantKey) (*UpdateLog, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	tenantDir := filepath.Join(dir, key.Owner)
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}
	path := filepath.Join(tenantDir, key.Project+".db")

	var db *bolt.DB
	open := func() error {
		var err error
		db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), openAttempts-1)
	if err := backoff.Retry(open, policy); err != nil {
		return nil, fmt.Errorf("open update log %s: %w", key, err)
	}

	return &UpdateLog{db: db, path: path, lastSeq: make(map[string]uint64)}, nil
}

// Append durably persists one update record for the document. It only
// returns once the record is on disk; record keys are strictly
// increasing per document so replay order is unambiguous.
func (l *UpdateLog) Append(documentID string, record []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	seq := uint64(time.Now().UnixNano())
	if last := l.lastSeq[documentID]; seq <= last {
		seq = last + 1
	}
	l.lastSeq[documentID] = seq

	return l.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(updatesBucket))
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], record)
	})
}

// LoadAll returns every record for the document in persisted order.
func (l *UpdateLog) LoadAll(documentID string) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	var records [][]byte
	err := l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(updatesBucket))
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("%w: key %x", ErrCorruptLog, k)
			}
			rec := make([]byte, len(v))
			copy(rec, v)
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// bbolt iterates keys byte-ordered; remember the tail so later
	// appends in this process stay ahead of persisted history.
	if n := len(records); n > 0 {
		l.rememberTail(documentID)
	}
	return records, nil
}

func (l *UpdateLog) rememberTail(documentID string) {
	_ = l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(updatesBucket))
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		if k, _ := b.Cursor().Last(); len(k) == 8 {
			seq := binary.BigEndian.Uint64(k)
			if seq > l.lastSeq[documentID] {
				l.lastSeq[documentID] = seq
			}
		}
		return nil
	})
}

// DeleteDocument removes every record for one document.
func (l *UpdateLog) DeleteDocument(documentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	delete(l.lastSeq, documentID)
	return l.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(updatesBucket))
		if root == nil {
			return nil
		}
		if root.Bucket([]byte(documentID)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(documentID))
	})
}

// Snapshot is a named point-in-time copy of a document's full state.
type Snapshot struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	WordCount   int       `json:"word_count"`
	CreatedAt   time.Time `json:"created_at"`
	State       []byte    `json:"state"`
}

// PutSnapshot persists one snapshot, keyed by its id.
func (l *UpdateLog) PutSnapshot(s Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(snapshotsBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(s.ID), encodeSnapshot(s))
	})
}

// GetSnapshot loads one snapshot by id; found reports existence.
func (l *UpdateLog) GetSnapshot(id string) (Snapshot, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Snapshot{}, false, ErrClosed
	}
	var (
		snap  Snapshot
		found bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotsBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		s, err := decodeSnapshot(v)
		if err != nil {
			return err
		}
		snap, found = s, true
		return nil
	})
	return snap, found, err
}

// ListSnapshots returns all snapshots for one document, oldest first.
func (l *UpdateLog) ListSnapshots(documentID string) ([]Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	var out []Snapshot
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotsBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			s, err := decodeSnapshot(v)
			if err != nil {
				return err
			}
			if s.DocumentID == documentID {
				out = append(out, s)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortSnapshots(out)
	return out, nil
}

// DeleteSnapshotsFor removes every snapshot belonging to one document.
func (l *UpdateLog) DeleteSnapshotsFor(documentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotsBucket))
		if b == nil {
			return nil
		}
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			s, err := decodeSnapshot(v)
			if err != nil {
				return err
			}
			if s.DocumentID == documentID {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the database file. Closing twice returns ErrClosed so
// callers can tell "already closed" from a real close failure.
func (l *UpdateLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	return l.db.Close()
}

// Destroy closes the log and irreversibly deletes the tenant's file.
func (l *UpdateLog) Destroy() error {
	if err := l.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return os.Remove(l.path)
}

// Path returns the backing file location.
func (l *UpdateLog) Path() string {
	return l.path
}
