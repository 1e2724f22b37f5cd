package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matst80/showport/internal/obs"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "showport:session:"

// Redis stores entries as JSON values with a TTL so sessions of a crashed
// instance disappear on their own.
type Redis struct {
	client   *redis.Client
	instance string
	ttl      time.Duration
}

var _ Directory = (*Redis)(nil)

func NewRedis(instance, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{client: rdb, instance: instance, ttl: ttl}, nil
}

func sessionKey(instance string, port uint16) string {
	return keyPrefix + instance + ":" + strconv.Itoa(int(port))
}

func (r *Redis) Publish(ctx context.Context, e Entry) error {
	e.Instance = r.instance
	e.LastSeen = time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(r.instance, e.Port), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, port uint16) error {
	if err := r.client.Del(ctx, sessionKey(r.instance, port)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// List scans entries of every instance sharing the Redis database.
func (r *Redis) List(ctx context.Context) ([]Entry, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	out := entriesFromValues(keys, vals)
	sortEntries(out)
	return out, nil
}

// entriesFromValues decodes MGET results. Keys that expired between SCAN and
// MGET come back as nil and are skipped, as are values that do not decode.
func entriesFromValues(keys []string, vals []any) []Entry {
	out := make([]Entry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			obs.Warn("redis.unmarshal_entry", obs.Fields{"err": err.Error(), "key": keys[i]})
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *Redis) Close() error {
	err := r.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
