// Package directory publishes which public ports this relay is serving, so
// dashboards and peer instances can list live tunnels. It never holds the
// connections themselves.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matst80/showport/internal/obs"
)

// Entry describes one control session serving a public port.
type Entry struct {
	Instance string    `json:"instance"`
	Port     uint16    `json:"port"`
	Remote   string    `json:"remote"`
	Since    time.Time `json:"since"`
	Visitors int64     `json:"visitors"`
	LastSeen time.Time `json:"last_seen"`
}

// Directory abstracts where session entries are kept.
type Directory interface {
	// Publish inserts or refreshes an entry.
	Publish(ctx context.Context, e Entry) error
	Remove(ctx context.Context, port uint16) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// New returns a Redis backed directory when redisAddr is set, otherwise an
// in-memory one.
func New(instance, redisAddr, redisPassword string, redisDB int, ttl time.Duration) (Directory, error) {
	if redisAddr == "" {
		obs.Info("directory.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(instance), nil
	}
	obs.Info("directory.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedis(instance, redisAddr, redisPassword, redisDB, ttl)
}

// Memory keeps entries in process.
type Memory struct {
	instance string
	mu       sync.Mutex
	entries  map[uint16]Entry
}

var _ Directory = (*Memory)(nil)

func NewMemory(instance string) *Memory {
	return &Memory{instance: instance, entries: make(map[uint16]Entry)}
}

func (m *Memory) Publish(_ context.Context, e Entry) error {
	if e.Instance == "" {
		e.Instance = m.instance
	}
	e.LastSeen = time.Now()
	m.mu.Lock()
	m.entries[e.Port] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, port uint16) error {
	m.mu.Lock()
	delete(m.entries, port)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()
	sortEntries(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Instance != es[j].Instance {
			return es[i].Instance < es[j].Instance
		}
		return es[i].Port < es[j].Port
	})
}

// DefaultInstanceID names this process in shared directories.
func DefaultInstanceID() string {
	return fmt.Sprintf("showport-%d", time.Now().UnixNano())
}
