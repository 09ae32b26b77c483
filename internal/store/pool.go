package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"quillsync-be/internal/pkg/logger"
)

var ErrPoolClosed = errors.New("storage pool closed")

// Pool is a keyed cache of open per-tenant update logs. Handles are
// reference-counted; a background sweep closes any log that has sat
// unreferenced past the idle threshold.
type Pool struct {
	dir     string
	idleTTL time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*poolEntry
	closed  bool

	stop chan struct{}
	done chan struct{}

	logger logger.ILogger
}

type poolEntry struct {
	key      TenantKey
	log      *UpdateLog
	refs     int
	lastUsed time.Time
	evicting bool
}

// Handle is one caller's reference to a tenant's update log. Release
// must be called exactly once; the log itself stays open for other
// holders and for the idle grace period.
type Handle struct {
	pool    *Pool
	entry   *poolEntry
	release sync.Once
}

func (h *Handle) Log() *UpdateLog {
	return h.entry.log
}

func (h *Handle) Tenant() TenantKey {
	return h.entry.key
}

func (h *Handle) Release() {
	h.release.Do(func() {
		h.pool.mu.Lock()
		h.entry.refs--
		h.entry.lastUsed = time.Now()
		h.pool.cond.Broadcast()
		h.pool.mu.Unlock()
	})
}

// NewPool opens a pool rooted at dir and starts the idle sweep.
func NewPool(dir string, idleTTL, sweepInterval time.Duration, log logger.ILogger) *Pool {
	p := &Pool{
		dir:     dir,
		idleTTL: idleTTL,
		entries: make(map[string]*poolEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  log,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.sweepLoop(sweepInterval)
	return p
}

// Acquire returns a handle on the tenant's update log, opening it (and
// creating the tenant's storage location) on first access.
func (p *Pool) Acquire(key TenantKey) (*Handle, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		e, ok := p.entries[key.String()]
		if !ok {
			break
		}
		if !e.evicting {
			e.refs++
			e.lastUsed = time.Now()
			p.mu.Unlock()
			return &Handle{pool: p, entry: e}, nil
		}
		// A forced eviction is in flight; wait for it to finish and
		// reopen fresh.
		p.cond.Wait()
	}
	p.mu.Unlock()

	ul, err := OpenUpdateLog(p.dir, key)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = ul.Close()
		return nil, ErrPoolClosed
	}
	if e, ok := p.entries[key.String()]; ok && !e.evicting {
		// Lost the open race; use the winner's log.
		_ = ul.Close()
		e.refs++
		e.lastUsed = time.Now()
		return &Handle{pool: p, entry: e}, nil
	}
	e := &poolEntry{key: key, log: ul, refs: 1, lastUsed: time.Now()}
	p.entries[key.String()] = e
	p.logger.Info("StoragePool", "Opened tenant storage", map[string]interface{}{"tenant": key.String()})
	return &Handle{pool: p, entry: e}, nil
}

// EvictNow closes the tenant's log immediately, waiting first for all
// live references (in-flight room flushes hold one) to be released.
// With destroy set, the tenant's file is deleted as well.
func (p *Pool) EvictNow(key TenantKey, destroy bool) error {
	p.mu.Lock()
	e, ok := p.entries[key.String()]
	if !ok {
		p.mu.Unlock()
		if !destroy {
			return nil
		}
		// Not resident; open just to locate and delete the file.
		ul, err := OpenUpdateLog(p.dir, key)
		if err != nil {
			return err
		}
		return ul.Destroy()
	}
	e.evicting = true
	for e.refs > 0 {
		p.cond.Wait()
	}
	delete(p.entries, key.String())
	p.cond.Broadcast()
	p.mu.Unlock()

	if destroy {
		return e.log.Destroy()
	}
	return e.log.Close()
}

func (p *Pool) sweepLoop(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now())
		case <-p.stop:
			return
		}
	}
}

// sweep closes every idle, unreferenced log. Exported indirectly via
// the ticker; tests drive it through SweepOnce.
func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()
	var victims []*poolEntry
	for k, e := range p.entries {
		if e.refs == 0 && !e.evicting && now.Sub(e.lastUsed) >= p.idleTTL {
			e.evicting = true
			victims = append(victims, e)
			delete(p.entries, k)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, e := range victims {
		if err := e.log.Close(); err != nil && !errors.Is(err, ErrClosed) {
			p.logger.Error("StoragePool", "Failed to close idle tenant storage", map[string]interface{}{
				"tenant": e.key.String(), "error": err.Error(),
			})
			continue
		}
		p.logger.Info("StoragePool", "Evicted idle tenant storage", map[string]interface{}{"tenant": e.key.String()})
	}
}

// SweepOnce runs a single sweep pass against the given clock reading.
func (p *Pool) SweepOnce(now time.Time) {
	p.sweep(now)
}

// Resident reports whether the tenant's log is currently open.
func (p *Pool) Resident(key TenantKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key.String()]
	return ok
}

// Close stops the sweep and closes every open log. Close failures are
// aggregated; an already-closed log is not an error.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*poolEntry)
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	var errs []error
	for _, e := range entries {
		if err := e.log.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", e.key, err))
		}
	}
	return errors.Join(errs...)
}
