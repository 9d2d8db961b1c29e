package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const dbFileName = "fleetd.db"

var (
	// Bucket names
	bucketStates = []byte("cf_states")
	bucketFields = []byte("calculated_fields")
	bucketTasks  = []byte("housekeeper_tasks")
)

// BoltStore implements StateStore, FieldStore and TaskQueue on one BoltDB file
type BoltStore struct {
	db   *bolt.DB
	path string
}

// DBPath returns the database file inside dataDir
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, dbFileName)
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBoltStore(DBPath(dataDir))
}

// OpenBoltStore opens or creates the database file at dbPath
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketStates, bucketFields, bucketTasks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: dbPath}, nil
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database can serve a read transaction
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketStates) == nil {
			return fmt.Errorf("bucket %s missing", bucketStates)
		}
		return nil
	})
}

func stateKey(k StateKey) []byte {
	return []byte(k.String())
}

func parseStateKey(raw []byte) (StateKey, error) {
	parts := bytes.Split(raw, []byte("/"))
	if len(parts) != 3 {
		return StateKey{}, fmt.Errorf("malformed state key %q", raw)
	}
	var ids [3]uuid.UUID
	for i, p := range parts {
		id, err := uuid.ParseBytes(p)
		if err != nil {
			return StateKey{}, fmt.Errorf("malformed state key %q: %w", raw, err)
		}
		ids[i] = id
	}
	return StateKey{TenantID: ids[0], EntityID: ids[1], FieldID: ids[2]}, nil
}

// State operations

func (s *BoltStore) Get(ctx context.Context, key StateKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStates).Get(stateKey(key))
		if v == nil {
			return nil
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, unavailable("get state", err)
	}
	if data == nil {
		return nil, fmt.Errorf("state %s: %w", key, ErrNotFound)
	}
	return data, nil
}

func (s *BoltStore) Put(ctx context.Context, key StateKey, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Put(stateKey(key), data)
	})
	if err != nil {
		return unavailable("put state", err)
	}
	return nil
}

func (s *BoltStore) Delete(ctx context.Context, key StateKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Delete(stateKey(key))
	})
	if err != nil {
		return unavailable("delete state", err)
	}
	return nil
}

// DeleteEntity removes every state stored for an entity
func (s *BoltStore) DeleteEntity(ctx context.Context, tenantID, entityID uuid.UUID) error {
	return s.deletePrefix(ctx, bucketStates, []byte(fmt.Sprintf("%s/%s/", tenantID, entityID)))
}

// DeleteTenant removes every state stored for a tenant
func (s *BoltStore) DeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	return s.deletePrefix(ctx, bucketStates, []byte(tenantID.String()+"/"))
}

func (s *BoltStore) deletePrefix(ctx context.Context, bucket, prefix []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("delete prefix", err)
	}
	return nil
}

// ForEach calls fn for every stored state in key order
func (s *BoltStore) ForEach(ctx context.Context, fn func(key StateKey, data []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := parseStateKey(k)
			if err != nil {
				return err
			}
			return fn(key, append([]byte(nil), v...))
		})
	})
}

// Calculated field operations

func fieldKey(tenantID, entityID, fieldID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", tenantID, entityID, fieldID))
}

func (s *BoltStore) SaveField(ctx context.Context, field *types.CalculatedField) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(field)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFields)
		// the entity may have changed; drop any previous binding of this field
		if err := deleteFieldByID(b, field.TenantID, field.ID); err != nil {
			return err
		}
		return b.Put(fieldKey(field.TenantID, field.EntityID, field.ID), data)
	})
}

func (s *BoltStore) GetField(ctx context.Context, tenantID, fieldID uuid.UUID) (*types.CalculatedField, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var field *types.CalculatedField
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(tenantID.String() + "/")
		suffix := []byte("/" + fieldID.String())
		c := tx.Bucket(bucketFields).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !bytes.HasSuffix(k, suffix) {
				continue
			}
			field = &types.CalculatedField{}
			return json.Unmarshal(v, field)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if field == nil {
		return nil, fmt.Errorf("calculated field %s: %w", fieldID, ErrNotFound)
	}
	return field, nil
}

func (s *BoltStore) DeleteField(ctx context.Context, tenantID, fieldID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteFieldByID(tx.Bucket(bucketFields), tenantID, fieldID)
	})
}

func deleteFieldByID(b *bolt.Bucket, tenantID, fieldID uuid.UUID) error {
	prefix := []byte(tenantID.String() + "/")
	suffix := []byte("/" + fieldID.String())

	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if bytes.HasSuffix(k, suffix) {
			keys = append(keys, append([]byte(nil), k...))
		}
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) ListByEntity(ctx context.Context, tenantID, entityID uuid.UUID) ([]*types.CalculatedField, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var fields []*types.CalculatedField
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(fmt.Sprintf("%s/%s/", tenantID, entityID))
		c := tx.Bucket(bucketFields).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var field types.CalculatedField
			if err := json.Unmarshal(v, &field); err != nil {
				return err
			}
			fields = append(fields, &field)
		}
		return nil
	})
	return fields, err
}

func (s *BoltStore) DeleteFieldsByEntity(ctx context.Context, tenantID, entityID uuid.UUID) error {
	return s.deletePrefix(ctx, bucketFields, []byte(fmt.Sprintf("%s/%s/", tenantID, entityID)))
}

func (s *BoltStore) DeleteFieldsByTenant(ctx context.Context, tenantID uuid.UUID) error {
	return s.deletePrefix(ctx, bucketFields, []byte(tenantID.String()+"/"))
}

// Housekeeper task operations

func (s *BoltStore) EnqueueTask(task *types.HousekeeperTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID.String()), data)
	})
}

func (s *BoltStore) UpdateTask(task *types.HousekeeperTask) error {
	return s.EnqueueTask(task) // Same as enqueue (upsert)
}

func (s *BoltStore) RemoveTask(id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id.String()))
	})
}

// ListTasks returns the queued tasks ordered by creation time
func (s *BoltStore) ListTasks() ([]*types.HousekeeperTask, error) {
	var tasks []*types.HousekeeperTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.HousekeeperTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, err
}

// Compact copies the database at srcPath into a new, defragmented file at dstPath
func Compact(srcPath, dstPath string) error {
	src, err := bolt.Open(srcPath, 0600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open source database: %w", err)
	}
	defer src.Close()

	dst, err := bolt.Open(dstPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open destination database: %w", err)
	}
	defer dst.Close()

	if err := bolt.Compact(dst, src, 64*1024); err != nil {
		return fmt.Errorf("failed to compact database: %w", err)
	}
	return nil
}
