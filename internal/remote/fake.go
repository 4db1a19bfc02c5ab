// Package remote provides in-memory fakes of the store collaborators so the
// sync core can be tested without a network.
package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/models"
)

// FakeRecordStore is an in-memory RecordStore with failure injection.
type FakeRecordStore struct {
	mu     sync.Mutex
	tables map[models.DataType]map[string]Record
	nextID int

	// FailTimes makes the next N calls fail with FailErr.
	FailTimes int
	FailErr   error

	InsertCalls int
	UpdateCalls int
	DeleteCalls int
	SelectCalls int
}

// NewFakeRecordStore creates an empty FakeRecordStore.
func NewFakeRecordStore() *FakeRecordStore {
	return &FakeRecordStore{
		tables: make(map[models.DataType]map[string]Record),
	}
}

func (f *FakeRecordStore) failNext() error {
	if f.FailTimes > 0 {
		f.FailTimes--
		if f.FailErr != nil {
			return f.FailErr
		}
		return apperrors.Transient(apperrors.ErrRemoteOffline, "injected failure", nil)
	}
	return nil
}

func (f *FakeRecordStore) table(dt models.DataType) map[string]Record {
	t, ok := f.tables[dt]
	if !ok {
		t = make(map[string]Record)
		f.tables[dt] = t
	}
	return t
}

// Insert upserts by key, assigning a durable key when none is present.
func (f *FakeRecordStore) Insert(ctx context.Context, table models.DataType, record Record) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.InsertCalls++
	if err := f.failNext(); err != nil {
		return nil, err
	}

	stored := cloneRecord(record)
	key, _ := stored[KeyField].(string)
	if key == "" {
		f.nextID++
		key = fmt.Sprintf("R-%d", f.nextID)
		stored[KeyField] = key
	}
	f.table(table)[key] = stored
	return cloneRecord(stored), nil
}

// Update patches one record by key.
func (f *FakeRecordStore) Update(ctx context.Context, table models.DataType, key string, patch Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.UpdateCalls++
	if err := f.failNext(); err != nil {
		return err
	}

	t := f.table(table)
	existing, ok := t[key]
	if !ok {
		existing = Record{KeyField: key}
	}
	for field, value := range patch {
		existing[field] = value
	}
	t[key] = existing
	return nil
}

// Delete removes one record by key; missing keys succeed.
func (f *FakeRecordStore) Delete(ctx context.Context, table models.DataType, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DeleteCalls++
	if err := f.failNext(); err != nil {
		return err
	}

	delete(f.table(table), key)
	return nil
}

// Select returns records matching the filter by field equality.
func (f *FakeRecordStore) Select(ctx context.Context, table models.DataType, filter Filter) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.SelectCalls++
	if err := f.failNext(); err != nil {
		return nil, err
	}

	var out []Record
	for _, record := range f.table(table) {
		match := true
		for field, want := range filter {
			if fmt.Sprintf("%v", record[field]) != fmt.Sprintf("%v", want) {
				match = false
				break
			}
		}
		if match {
			out = append(out, cloneRecord(record))
		}
	}
	return out, nil
}

// Seed places a record directly into a table, bypassing counters.
func (f *FakeRecordStore) Seed(table models.DataType, key string, record Record) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := cloneRecord(record)
	stored[KeyField] = key
	f.table(table)[key] = stored
}

// Get returns a stored record for assertions.
func (f *FakeRecordStore) Get(table models.DataType, key string) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.table(table)[key]
	if !ok {
		return nil, false
	}
	return cloneRecord(record), true
}

// Count returns how many records a table holds.
func (f *FakeRecordStore) Count(table models.DataType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.table(table))
}

func cloneRecord(r Record) Record {
	dup := make(Record, len(r))
	for k, v := range r {
		dup[k] = v
	}
	return dup
}

// FakeBlobStore is an in-memory BlobStore with chunk-level failure injection.
type FakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte // finalized objects
	partial map[string][]byte // in-flight uploads keyed by path

	// ChunkFailures makes the next N PutChunk calls fail transiently.
	ChunkFailures int

	PutChunkCalls int
	RemoveCalls   int
}

// NewFakeBlobStore creates an empty FakeBlobStore.
func NewFakeBlobStore() *FakeBlobStore {
	return &FakeBlobStore{
		objects: make(map[string][]byte),
		partial: make(map[string][]byte),
	}
}

// Committed returns the committed offset for a path.
func (f *FakeBlobStore) Committed(ctx context.Context, path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if data, ok := f.objects[path]; ok {
		return int64(len(data)), nil
	}
	return int64(len(f.partial[path])), nil
}

// PutChunk appends one chunk, enforcing offset continuity.
func (f *FakeBlobStore) PutChunk(ctx context.Context, path string, offset int64, chunk []byte, final bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.PutChunkCalls++
	if f.ChunkFailures > 0 {
		f.ChunkFailures--
		return apperrors.Transient(apperrors.ErrRemoteTimeout, "injected chunk failure", nil)
	}

	current := f.partial[path]
	if offset != int64(len(current)) {
		return apperrors.New(apperrors.ErrRemoteRejected,
			fmt.Sprintf("offset mismatch: want %d, got %d", len(current), offset))
	}

	f.partial[path] = append(current, chunk...)
	if final {
		f.objects[path] = f.partial[path]
		delete(f.partial, path)
	}
	return nil
}

// Remove deletes an object.
func (f *FakeBlobStore) Remove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RemoveCalls++
	delete(f.objects, path)
	delete(f.partial, path)
	return nil
}

// List returns finalized object paths under a prefix, sorted.
func (f *FakeBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for path := range f.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// URL returns the fake durable locator for a path.
func (f *FakeBlobStore) URL(path string) string {
	return "https://blobs.test/" + path
}

// Object returns a finalized object's bytes for assertions.
func (f *FakeBlobStore) Object(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[path]
	if !ok {
		return nil, false
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	return dup, true
}
