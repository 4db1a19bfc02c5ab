// Package cache holds locally cached copies of domain records. The sync
// core overwrites entries on conflict resolution, purges duplicates after a
// confirmed sync, and scans asset references before deleting remote blobs.
package cache

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/kv"
	"github.com/kwliu/sitesync/backend/internal/models"
)

const keyPrefix = "cache/"

// Cache is a durable cache of domain records over the KV store.
type Cache struct {
	store kv.Store
}

// New creates a Cache over the given store.
func New(store kv.Store) *Cache {
	return &Cache{store: store}
}

func recordKey(dt models.DataType, key string) string {
	return keyPrefix + string(dt) + "/" + key
}

// Put stores a record copy.
func (c *Cache) Put(dt models.DataType, key string, record map[string]interface{}) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode cached record", err)
	}
	if err := c.store.Set(recordKey(dt, key), raw); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to cache record", err)
	}
	return nil
}

// Get returns a cached record copy.
func (c *Cache) Get(dt models.DataType, key string) (map[string]interface{}, bool, error) {
	raw, ok, err := c.store.Get(recordKey(dt, key))
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrPersistence, "failed to read cached record", err)
	}
	if !ok {
		return nil, false, nil
	}
	var record map[string]interface{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrInternal, "failed to decode cached record", err)
	}
	return record, true, nil
}

// Delete removes a cached record. Missing entries are a no-op.
func (c *Cache) Delete(dt models.DataType, key string) error {
	if err := c.store.Delete(recordKey(dt, key)); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to delete cached record", err)
	}
	return nil
}

// ListByType returns all cached records of one data type, keyed by record key.
func (c *Cache) ListByType(dt models.DataType) (map[string]map[string]interface{}, error) {
	prefix := keyPrefix + string(dt) + "/"
	keys, err := c.store.Keys(prefix)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to list cached records", err)
	}

	out := make(map[string]map[string]interface{}, len(keys))
	for _, k := range keys {
		raw, ok, err := c.store.Get(k)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to read cached record", err)
		}
		if !ok {
			continue
		}
		var record map[string]interface{}
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to decode cached record", err)
		}
		out[k[len(prefix):]] = record
	}
	return out, nil
}

// Promote moves a record cached under a client-generated temporary key to
// its durable remote key, purging the duplicate local copy.
func (c *Cache) Promote(dt models.DataType, tempKey, durableKey string) error {
	if tempKey == durableKey {
		return nil
	}
	record, ok, err := c.Get(dt, tempKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.Put(dt, durableKey, record); err != nil {
		return err
	}
	return c.Delete(dt, tempKey)
}

// CountAssetRefs scans every cached record and counts how many reference
// the given asset locator or handle in their image_ids field.
func (c *Cache) CountAssetRefs(ref string) (int, error) {
	keys, err := c.store.Keys(keyPrefix)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPersistence, "failed to scan cached records", err)
	}

	count := 0
	for _, k := range keys {
		raw, ok, err := c.store.Get(k)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrPersistence, "failed to read cached record", err)
		}
		if !ok {
			continue
		}
		var record map[string]interface{}
		if err := json.Unmarshal(raw, &record); err != nil {
			continue // corrupt entries don't block a reference scan
		}
		for _, got := range models.AssetRefs(record) {
			if got == ref {
				count++
				break
			}
		}
	}
	return count, nil
}

// ReplaceAssetRef rewrites every cached record holding the local handle so
// it points at the durable locator instead. Returns how many records were
// rewritten.
func (c *Cache) ReplaceAssetRef(handle, locator string) (int, error) {
	keys, err := c.store.Keys(keyPrefix)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPersistence, "failed to scan cached records", err)
	}

	rewritten := 0
	for _, k := range keys {
		raw, ok, err := c.store.Get(k)
		if err != nil {
			return rewritten, apperrors.Wrap(apperrors.ErrPersistence, "failed to read cached record", err)
		}
		if !ok {
			continue
		}
		var record map[string]interface{}
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}

		refs := models.AssetRefs(record)
		changed := false
		for i, got := range refs {
			if got == handle {
				refs[i] = locator
				changed = true
			}
		}
		if !changed {
			continue
		}

		models.SetAssetRefs(record, refs)
		updated, err := json.Marshal(record)
		if err != nil {
			return rewritten, apperrors.Wrap(apperrors.ErrInternal, "failed to encode cached record", err)
		}
		if err := c.store.Set(k, updated); err != nil {
			return rewritten, apperrors.Wrap(apperrors.ErrPersistence, "failed to rewrite cached record", err)
		}
		rewritten++
	}
	return rewritten, nil
}

// String implements fmt.Stringer for debugging.
func (c *Cache) String() string {
	keys, _ := c.store.Keys(keyPrefix)
	return fmt.Sprintf("cache(%d records)", len(keys))
}
