// Package remote defines the remote store collaborators the sync core
// drains into: a record store for domain rows and a blob store for binary
// assets. Both are consumed through abstract contracts; the core owns no
// wire protocol of its own.
package remote

import (
	"context"

	"github.com/kwliu/sitesync/backend/internal/models"
)

// Record is one domain record as exchanged with the remote store.
type Record map[string]interface{}

// Filter matches records by field equality.
type Filter map[string]interface{}

// KeyField is the primary key field used across tables.
const KeyField = "id"

// UpdatedAtField carries the last-modified timestamp used for conflict
// comparison (Unix millis, UTC).
const UpdatedAtField = "updated_at"

// RecordStore is the remote record store contract. Update and Delete are
// idempotent when re-applied with the same key and patch; Insert uses
// upsert-by-key semantics so a crashed-and-retried create never produces a
// duplicate.
type RecordStore interface {
	Insert(ctx context.Context, table models.DataType, record Record) (Record, error)
	Update(ctx context.Context, table models.DataType, key string, patch Record) error
	Delete(ctx context.Context, table models.DataType, key string) error
	Select(ctx context.Context, table models.DataType, filter Filter) ([]Record, error)
}

// BlobStore is the remote blob store contract. Uploads are resumable: a
// partially transferred object keeps its committed offset server-side, and
// the pipeline continues from there.
type BlobStore interface {
	// Committed returns how many bytes of the object at path are already
	// durably stored. 0 means no partial upload exists.
	Committed(ctx context.Context, path string) (int64, error)

	// PutChunk appends one chunk at the given offset. final marks the last
	// chunk; the object becomes visible only after the final chunk commits.
	PutChunk(ctx context.Context, path string, offset int64, chunk []byte, final bool) error

	// Remove deletes the object at path. Removing a missing object is a no-op.
	Remove(ctx context.Context, path string) error

	// List returns object paths under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// URL returns the durable, publicly dereferenceable locator for path.
	URL(path string) string
}
