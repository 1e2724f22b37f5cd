package directory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T, mr *miniredis.Miniredis, instance string, ttl time.Duration) *Redis {
	t.Helper()
	r, err := NewRedis(instance, mr.Addr(), "", 0, ttl)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisPublishListRemove(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	ttl := 20 * time.Second
	a := newTestRedis(t, mr, "relay-a", ttl)
	b := newTestRedis(t, mr, "relay-b", ttl)

	since := time.Now().Truncate(time.Second)
	if err := b.Publish(ctx, Entry{Port: 9001, Remote: "10.0.0.3:1", Since: since}); err != nil {
		t.Fatal(err)
	}
	if err := a.Publish(ctx, Entry{Port: 9002, Remote: "10.0.0.2:1", Since: since, Visitors: 4}); err != nil {
		t.Fatal(err)
	}
	if err := a.Publish(ctx, Entry{Port: 9001, Remote: "10.0.0.1:1", Since: since}); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"showport:session:relay-a:9001", "showport:session:relay-a:9002", "showport:session:relay-b:9001"} {
		if !mr.Exists(key) {
			t.Fatalf("missing key %s, have %v", key, mr.Keys())
		}
		if got := mr.TTL(key); got != ttl {
			t.Fatalf("ttl of %s = %v, want %v", key, got, ttl)
		}
	}

	// Either instance sees the whole shared directory.
	list, err := b.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 entries, got %+v", list)
	}
	want := []struct {
		instance string
		port     uint16
	}{{"relay-a", 9001}, {"relay-a", 9002}, {"relay-b", 9001}}
	for i, w := range want {
		if list[i].Instance != w.instance || list[i].Port != w.port {
			t.Fatalf("entry %d = %s:%d, want %s:%d", i, list[i].Instance, list[i].Port, w.instance, w.port)
		}
	}
	if list[1].Visitors != 4 || !list[1].Since.Equal(since) || list[1].LastSeen.IsZero() {
		t.Fatalf("entry fields not round-tripped: %+v", list[1])
	}

	if err := a.Remove(ctx, 9001); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("showport:session:relay-a:9001") {
		t.Fatal("remove must delete the key")
	}
	list, _ = a.List(ctx)
	if len(list) != 2 {
		t.Fatalf("expected 2 entries after remove, got %+v", list)
	}
}

func TestRedisEntriesExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	r := newTestRedis(t, mr, "relay-a", 5*time.Second)

	_ = r.Publish(ctx, Entry{Port: 9001})
	mr.FastForward(3 * time.Second)
	// A refresh pushes the expiry out again.
	_ = r.Publish(ctx, Entry{Port: 9001, Visitors: 1})
	mr.FastForward(3 * time.Second)
	if list, _ := r.List(ctx); len(list) != 1 {
		t.Fatalf("refreshed entry must survive, got %+v", list)
	}

	mr.FastForward(6 * time.Second)
	list, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expired entries must not be listed: %+v", list)
	}
}

func TestRedisListSkipsUnreadableValues(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	r := newTestRedis(t, mr, "relay-a", 0)

	_ = r.Publish(ctx, Entry{Port: 9001})
	if _, err := mr.Lpush(keyPrefix+"relay-x:1", "v"); err != nil {
		t.Fatal(err)
	}
	if err := mr.Set(keyPrefix+"relay-y:2", "{not json"); err != nil {
		t.Fatal(err)
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Port != 9001 {
		t.Fatalf("expected only the valid entry, got %+v", list)
	}
	if got := mr.TTL(sessionKey("relay-a", 9001)); got != 30*time.Second {
		t.Fatalf("default ttl = %v", got)
	}
}

func TestEntriesFromValuesSkipsVanishedKeys(t *testing.T) {
	keys := []string{"a", "gone", "b"}
	vals := []any{
		`{"instance":"relay-a","port":1}`,
		nil,
		`{"instance":"relay-a","port":2}`,
	}
	out := entriesFromValues(keys, vals)
	if len(out) != 2 || out[0].Port != 1 || out[1].Port != 2 {
		t.Fatalf("unexpected entries %+v", out)
	}
}
