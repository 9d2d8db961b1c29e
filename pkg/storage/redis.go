package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	redisKeyPrefix = "fleetd:cf"
	scanBatch      = 200
)

// RedisStore implements StateStore on Redis.
//
// Each state lives under its own string key. Two sets index the keys so
// entity and tenant deletes never need a keyspace scan:
//
//	fleetd:cf:state:{tenant}:{entity}:{field}  state bytes
//	fleetd:cf:entity:{tenant}:{entity}         set of state keys
//	fleetd:cf:tenant:{tenant}                  set of entity index keys
type RedisStore struct {
	c *redis.Client
}

// NewRedisStore wraps an existing client
func NewRedisStore(c *redis.Client) *RedisStore {
	return &RedisStore{c: c}
}

// DialRedisStore connects to addr and verifies the connection
func DialRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, unavailable("ping", err)
	}
	return NewRedisStore(c), nil
}

func redisStateKey(k StateKey) string {
	return fmt.Sprintf("%s:state:%s:%s:%s", redisKeyPrefix, k.TenantID, k.EntityID, k.FieldID)
}

func redisEntityKey(tenantID, entityID uuid.UUID) string {
	return fmt.Sprintf("%s:entity:%s:%s", redisKeyPrefix, tenantID, entityID)
}

func redisTenantKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("%s:tenant:%s", redisKeyPrefix, tenantID)
}

func parseRedisStateKey(key string) (StateKey, error) {
	rest := strings.TrimPrefix(key, redisKeyPrefix+":state:")
	if rest == key {
		return StateKey{}, fmt.Errorf("malformed state key %q", key)
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return StateKey{}, fmt.Errorf("malformed state key %q", key)
	}
	var ids [3]uuid.UUID
	for i, p := range parts {
		id, err := uuid.Parse(p)
		if err != nil {
			return StateKey{}, fmt.Errorf("malformed state key %q: %w", key, err)
		}
		ids[i] = id
	}
	return StateKey{TenantID: ids[0], EntityID: ids[1], FieldID: ids[2]}, nil
}

func (r *RedisStore) Get(ctx context.Context, key StateKey) ([]byte, error) {
	val, err := r.c.Get(ctx, redisStateKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("state %s: %w", key, ErrNotFound)
		}
		return nil, unavailable("get state", err)
	}
	return val, nil
}

func (r *RedisStore) Put(ctx context.Context, key StateKey, data []byte) error {
	entityKey := redisEntityKey(key.TenantID, key.EntityID)
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisStateKey(key), data, 0)
		p.SAdd(ctx, entityKey, redisStateKey(key))
		p.SAdd(ctx, redisTenantKey(key.TenantID), entityKey)
		return nil
	})
	if err != nil {
		return unavailable("put state", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key StateKey) error {
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisStateKey(key))
		p.SRem(ctx, redisEntityKey(key.TenantID, key.EntityID), redisStateKey(key))
		return nil
	})
	if err != nil {
		return unavailable("delete state", err)
	}
	return nil
}

func (r *RedisStore) DeleteEntity(ctx context.Context, tenantID, entityID uuid.UUID) error {
	if err := r.deleteEntityIndex(ctx, redisEntityKey(tenantID, entityID)); err != nil {
		return err
	}
	if err := r.c.SRem(ctx, redisTenantKey(tenantID), redisEntityKey(tenantID, entityID)).Err(); err != nil {
		return unavailable("delete entity", err)
	}
	return nil
}

func (r *RedisStore) deleteEntityIndex(ctx context.Context, entityKey string) error {
	keys, err := r.c.SMembers(ctx, entityKey).Result()
	if err != nil {
		return unavailable("list entity states", err)
	}
	keys = append(keys, entityKey)
	if err := r.c.Del(ctx, keys...).Err(); err != nil {
		return unavailable("delete entity", err)
	}
	return nil
}

func (r *RedisStore) DeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	tenantKey := redisTenantKey(tenantID)
	entities, err := r.c.SMembers(ctx, tenantKey).Result()
	if err != nil {
		return unavailable("list tenant entities", err)
	}
	for _, entityKey := range entities {
		if err := r.deleteEntityIndex(ctx, entityKey); err != nil {
			return err
		}
	}
	if err := r.c.Del(ctx, tenantKey).Err(); err != nil {
		return unavailable("delete tenant", err)
	}
	return nil
}

// ForEach walks every stored state with SCAN; order is unspecified
func (r *RedisStore) ForEach(ctx context.Context, fn func(key StateKey, data []byte) error) error {
	var cursor uint64
	for {
		keys, next, err := r.c.Scan(ctx, cursor, redisKeyPrefix+":state:*", scanBatch).Result()
		if err != nil {
			return unavailable("scan states", err)
		}
		for _, k := range keys {
			key, err := parseRedisStateKey(k)
			if err != nil {
				return err
			}
			data, err := r.c.Get(ctx, k).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // deleted mid-scan
			}
			if err != nil {
				return unavailable("get state", err)
			}
			if err := fn(key, data); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks the connection
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.c.Close()
}
