package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return nil
}

func TestInsertTake(t *testing.T) {
	r := New(time.Minute)
	c := &countingConn{}
	id := NewID()
	r.Insert(id, c)
	if r.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", r.Len())
	}
	got, ok := r.Take(id)
	if !ok || got != c {
		t.Fatalf("take returned %v %v", got, ok)
	}
	if _, ok := r.Take(id); ok {
		t.Fatal("second take of the same id must fail")
	}
	if c.closes.Load() != 0 {
		t.Fatal("claimed connection must not be closed by the registry")
	}
	st := r.Stats()
	if st.Inserted != 1 || st.Claimed != 1 || st.Evicted != 0 || st.Pending != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestTakeUnknown(t *testing.T) {
	r := New(time.Minute)
	if _, ok := r.Take(NewID()); ok {
		t.Fatal("unknown id must not be found")
	}
}

func TestEviction(t *testing.T) {
	r := New(30 * time.Millisecond)
	c := &countingConn{}
	id := NewID()
	r.Insert(id, c)
	time.Sleep(150 * time.Millisecond)
	if c.closes.Load() != 1 {
		t.Fatalf("expected evicted connection closed once, got %d", c.closes.Load())
	}
	if _, ok := r.Take(id); ok {
		t.Fatal("evicted id must not be claimable")
	}
	if r.Stats().Evicted != 1 {
		t.Fatalf("expected 1 eviction, got %+v", r.Stats())
	}
}

func TestClaimStopsEviction(t *testing.T) {
	r := New(30 * time.Millisecond)
	c := &countingConn{}
	id := NewID()
	r.Insert(id, c)
	if _, ok := r.Take(id); !ok {
		t.Fatal("take failed")
	}
	time.Sleep(100 * time.Millisecond)
	if c.closes.Load() != 0 {
		t.Fatal("claimed connection was closed by eviction")
	}
}

// Claims racing the eviction timer: every connection ends up either claimed
// or closed, never both and never neither.
func TestClaimEvictionRaceExactlyOnce(t *testing.T) {
	const n = 500
	r := New(5 * time.Millisecond)
	conns := make([]*countingConn, n)
	claimed := make([]atomic.Bool, n)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = &countingConn{}
		id := NewID()
		r.Insert(id, conns[i])
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i%10) * time.Millisecond)
			if _, ok := r.Take(id); ok {
				claimed[i].Store(true)
			}
		}(i)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	for i, c := range conns {
		closes := c.closes.Load()
		if claimed[i].Load() == (closes == 1) || closes > 1 {
			t.Fatalf("conn %d: claimed=%v closes=%d", i, claimed[i].Load(), closes)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestCloseDrains(t *testing.T) {
	r := New(time.Minute)
	a, b := &countingConn{}, &countingConn{}
	r.Insert(NewID(), a)
	r.Insert(NewID(), b)
	if n := r.Close(); n != 2 {
		t.Fatalf("expected 2 drained, got %d", n)
	}
	if a.closes.Load() != 1 || b.closes.Load() != 1 {
		t.Fatal("drained connections must be closed")
	}
	late := &countingConn{}
	r.Insert(NewID(), late)
	if late.closes.Load() != 1 || r.Len() != 0 {
		t.Fatal("insert after close must close the connection")
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 10000; i++ {
		id := NewID().String()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
