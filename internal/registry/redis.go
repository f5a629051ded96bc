package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"utter/internal/domain"
)

// ErrRedisUnavailable wraps every transport failure talking to Redis.
var ErrRedisUnavailable = errors.New("registry: redis unavailable")

// DefaultRedisPrefix namespaces every key written by Redis.
const DefaultRedisPrefix = "utter"

// Redis is a DeviceStore kept in Redis.
//
// Keys:
//
//	<prefix>:dev:<owner>   hash, device_id -> JSON entry
//	<prefix>:conn:<id>     string, "<owner>\x00<device_id>"
//	<prefix>:conns         set of live connection ids
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis returns a Redis-backed registry. An empty prefix selects
// DefaultRedisPrefix.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) ownerKey(owner string) string { return r.prefix + ":dev:" + owner }
func (r *Redis) connKey(connID string) string { return r.prefix + ":conn:" + connID }
func (r *Redis) connsKey() string             { return r.prefix + ":conns" }

// Ping checks connectivity; the relay refuses to start without it.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Reset deletes every key under the prefix. Connections do not outlive the
// relay process, so the relay clears stale entries at startup.
func (r *Redis) Reset(ctx context.Context) error {
	iter := r.rdb.Scan(ctx, 0, r.prefix+":*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (r *Redis) Put(ctx context.Context, d domain.ConnectedDevice) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}

	old, found, err := r.Get(ctx, d.Owner, d.DeviceID)
	if err != nil {
		return "", err
	}
	var replaced string
	if found && old.ConnID != d.ConnID {
		replaced = old.ConnID
	}
	prevOwner, prevDevice, hadPrev, err := r.lookupConn(ctx, d.ConnID)
	if err != nil {
		return "", err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if replaced != "" {
			pipe.Del(ctx, r.connKey(replaced))
			pipe.SRem(ctx, r.connsKey(), replaced)
		}
		if hadPrev && (prevOwner != d.Owner || prevDevice != d.DeviceID) {
			pipe.HDel(ctx, r.ownerKey(prevOwner), prevDevice)
		}
		pipe.HSet(ctx, r.ownerKey(d.Owner), d.DeviceID, data)
		pipe.Set(ctx, r.connKey(d.ConnID), d.Owner+"\x00"+d.DeviceID, 0)
		pipe.SAdd(ctx, r.connsKey(), d.ConnID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return replaced, nil
}

func (r *Redis) Get(ctx context.Context, owner, deviceID string) (domain.ConnectedDevice, bool, error) {
	var d domain.ConnectedDevice
	raw, err := r.rdb.HGet(ctx, r.ownerKey(owner), deviceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return d, false, nil
	}
	if err != nil {
		return d, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, false, fmt.Errorf("registry: corrupt entry %s/%s: %w", owner, deviceID, err)
	}
	return d, true, nil
}

func (r *Redis) ListByOwner(ctx context.Context, owner string) ([]domain.ConnectedDevice, error) {
	all, err := r.rdb.HGetAll(ctx, r.ownerKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	out := make([]domain.ConnectedDevice, 0, len(all))
	for id, raw := range all {
		var d domain.ConnectedDevice
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("registry: corrupt entry %s/%s: %w", owner, id, err)
		}
		out = append(out, d)
	}
	sortDevices(out)
	return out, nil
}

func (r *Redis) RemoveConnection(ctx context.Context, connID string) error {
	owner, deviceID, ok, err := r.lookupConn(ctx, connID)
	if err != nil || !ok {
		return err
	}
	current, found, err := r.Get(ctx, owner, deviceID)
	if err != nil {
		return err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.connKey(connID))
		pipe.SRem(ctx, r.connsKey(), connID)
		if found && current.ConnID == connID {
			pipe.HDel(ctx, r.ownerKey(owner), deviceID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.rdb.SCard(ctx, r.connsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}

func (r *Redis) lookupConn(ctx context.Context, connID string) (owner, deviceID string, ok bool, err error) {
	v, err := r.rdb.Get(ctx, r.connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	owner, deviceID, found := strings.Cut(v, "\x00")
	if !found {
		return "", "", false, fmt.Errorf("registry: corrupt connection index %q", connID)
	}
	return owner, deviceID, true, nil
}

var _ domain.DeviceStore = (*Redis)(nil)
