package dynamic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/fleetd/pkg/calc"
	"github.com/cuemby/fleetd/pkg/storage"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "fleetd:cf:dynamic"

// RedisSource serves dynamic argument values provisioned in Redis. Each
// field has one hash with an ArgumentEntry per dynamic argument:
//
//	fleetd:cf:dynamic:{tenant}:{field}  argument name -> entry JSON
type RedisSource struct {
	c *redis.Client
}

// NewRedisSource wraps an existing client
func NewRedisSource(c *redis.Client) *RedisSource {
	return &RedisSource{c: c}
}

// Key returns the hash holding the dynamic arguments of a field
func Key(tenantID, fieldID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, tenantID, fieldID)
}

// Set stores the current value of one dynamic argument
func (s *RedisSource) Set(ctx context.Context, tenantID, fieldID uuid.UUID, name string, entry *calc.ArgumentEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode argument %s: %w", name, err)
	}
	if err := s.c.HSet(ctx, Key(tenantID, fieldID), name, data).Err(); err != nil {
		return fmt.Errorf("failed to store argument %s: %v: %w", name, err, storage.ErrUnavailable)
	}
	return nil
}

// Clear removes every provisioned argument of a field
func (s *RedisSource) Clear(ctx context.Context, tenantID, fieldID uuid.UUID) error {
	if err := s.c.Del(ctx, Key(tenantID, fieldID)).Err(); err != nil {
		return fmt.Errorf("failed to clear arguments: %v: %w", err, storage.ErrUnavailable)
	}
	return nil
}

// Fetch implements calc.DynamicArgumentSource. Arguments with nothing
// provisioned are left out of the result.
func (s *RedisSource) Fetch(ctx context.Context, field *types.CalculatedField) (map[string]*calc.ArgumentEntry, error) {
	var names []string
	for name, arg := range field.Arguments {
		if arg.Dynamic {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	vals, err := s.c.HMGet(ctx, Key(field.TenantID, field.ID), names...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch arguments of %s: %v: %w", field.ID, err, storage.ErrUnavailable)
	}

	out := make(map[string]*calc.ArgumentEntry, len(names))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var entry calc.ArgumentEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("malformed argument %s of %s: %w", names[i], field.ID, err)
		}
		out[names[i]] = &entry
	}
	return out, nil
}

var _ calc.DynamicArgumentSource = (*RedisSource)(nil)
