// Package registry holds visitor connections accepted on public ports until a
// control client claims them or their grace period runs out.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/showport/internal/obs"
)

// DefaultGrace is how long an unclaimed visitor is kept before it is closed.
const DefaultGrace = 10 * time.Second

// NewID returns a random (version 4) identifier for a pending visitor.
func NewID() uuid.UUID { return uuid.New() }

type pending struct {
	conn    net.Conn
	created time.Time
	timer   *time.Timer
}

// Registry maps identifiers to pending visitor connections. Every entry is
// removed exactly once, either by Take or by its eviction timer.
type Registry struct {
	mu      sync.Mutex
	grace   time.Duration
	entries map[uuid.UUID]*pending
	closed  bool

	inserted int64
	claimed  int64
	evicted  int64
}

func New(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Registry{grace: grace, entries: make(map[uuid.UUID]*pending)}
}

// Insert stores conn under id and schedules its eviction. The caller
// guarantees id is fresh (see NewID). After Close, conn is closed right away.
func (r *Registry) Insert(id uuid.UUID, conn net.Conn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	p := &pending{conn: conn, created: time.Now()}
	r.entries[id] = p
	r.inserted++
	// The timer is armed under the lock so evict always observes p.timer set.
	p.timer = time.AfterFunc(r.grace, func() { r.evict(id, p) })
	n := len(r.entries)
	r.mu.Unlock()
	obs.PendingVisitors.Set(float64(n))
}

// Take removes and returns the connection stored under id. The second result
// is false when the id is unknown, already claimed, or already evicted.
func (r *Registry) Take(id uuid.UUID) (net.Conn, bool) {
	r.mu.Lock()
	p, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		r.claimed++
	}
	n := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	p.timer.Stop()
	obs.PendingVisitors.Set(float64(n))
	return p.conn, true
}

// evict closes the entry if it is still the one the timer was armed for.
func (r *Registry) evict(id uuid.UUID, p *pending) {
	r.mu.Lock()
	cur, ok := r.entries[id]
	if !ok || cur != p {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.evicted++
	n := len(r.entries)
	r.mu.Unlock()

	_ = p.conn.Close()
	obs.PendingVisitors.Set(float64(n))
	obs.PendingEvictedTotal.Inc()
	obs.Debug("registry.evicted", obs.Fields{"id": id.String(), "age": time.Since(p.created).String()})
}

// Len reports the number of pending visitors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stats is a point-in-time view of registry counters.
type Stats struct {
	Pending  int   `json:"pending"`
	Inserted int64 `json:"inserted"`
	Claimed  int64 `json:"claimed"`
	Evicted  int64 `json:"evicted"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Pending: len(r.entries), Inserted: r.inserted, Claimed: r.claimed, Evicted: r.evicted}
}

// Close closes every pending visitor and makes later inserts close their
// connection immediately. It returns the number of visitors closed.
func (r *Registry) Close() int {
	r.mu.Lock()
	r.closed = true
	drained := make([]*pending, 0, len(r.entries))
	for id, p := range r.entries {
		drained = append(drained, p)
		delete(r.entries, id)
	}
	r.mu.Unlock()
	for _, p := range drained {
		p.timer.Stop()
		_ = p.conn.Close()
	}
	obs.PendingVisitors.Set(0)
	return len(drained)
}
