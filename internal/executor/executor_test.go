package executor

import (
	"context"
	"testing"

	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/models"
	"github.com/kwliu/sitesync/backend/internal/remote"
)

// fakePipeline is a minimal AssetPipeline for dispatch tests.
type fakePipeline struct {
	links       map[string]string // handle -> locator
	uploaded    []string
	deleted     []string
	uploadErr   error
	removedFlag bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{links: make(map[string]string)}
}

func (f *fakePipeline) Resolve(handle string) (string, bool, error) {
	locator, ok := f.links[handle]
	return locator, ok, nil
}

func (f *fakePipeline) Upload(ctx context.Context, handle, fileName string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploaded = append(f.uploaded, handle)
	locator := "https://blobs.test/" + fileName
	f.links[handle] = locator
	return locator, nil
}

func (f *fakePipeline) Delete(ctx context.Context, ref string) (bool, error) {
	f.deleted = append(f.deleted, ref)
	return f.removedFlag, nil
}

func op(kind models.OperationKind, dt models.DataType, key string, payload map[string]interface{}) *models.Operation {
	return &models.Operation{
		ID:         "op-1",
		Kind:       kind,
		DataType:   dt,
		RecordKey:  key,
		Payload:    payload,
		EnqueuedAt: 1000,
		Status:     models.StatusSyncing,
	}
}

func TestCreateAssignsDurableKey(t *testing.T) {
	records := remote.NewFakeRecordStore()
	e := New(records, newFakePipeline())

	out := e.Execute(context.Background(), op(models.OpCreate, models.TypeProject, "tmp-7", map[string]interface{}{
		"id":    "tmp-7",
		"title": "north site",
	}))

	if out.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v (err=%v)", out.Kind, out.Err)
	}
	key, _ := out.Result["key"].(string)
	if key == "" || key == "tmp-7" {
		t.Errorf("Expected a remote-assigned durable key, got %q", key)
	}
	if out.Result["temp_key"] != "tmp-7" {
		t.Errorf("Expected temp key carried in result, got %v", out.Result["temp_key"])
	}

	stored, ok := records.Get(models.TypeProject, key)
	if !ok || stored["title"] != "north site" {
		t.Errorf("Expected record stored under durable key, got %v (ok=%v)", stored, ok)
	}
}

func TestCreateIsIdempotentByKey(t *testing.T) {
	records := remote.NewFakeRecordStore()
	e := New(records, newFakePipeline())

	// A create retried after the remote already assigned a key upserts
	// instead of duplicating.
	records.Seed(models.TypeEmployee, "E-1", remote.Record{"name": "stale"})
	out := e.Execute(context.Background(), op(models.OpCreate, models.TypeEmployee, "E-1", map[string]interface{}{
		"id":   "E-1",
		"name": "fresh",
	}))

	if out.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v (err=%v)", out.Kind, out.Err)
	}
	if records.Count(models.TypeEmployee) != 1 {
		t.Errorf("Expected upsert, got %d records", records.Count(models.TypeEmployee))
	}
	stored, _ := records.Get(models.TypeEmployee, "E-1")
	if stored["name"] != "fresh" {
		t.Errorf("Expected upserted record, got %v", stored)
	}
}

func TestUpdateAppliesWhenLocalNewer(t *testing.T) {
	records := remote.NewFakeRecordStore()
	e := New(records, newFakePipeline())

	records.Seed(models.TypeAttendance, "a1", remote.Record{"hours": float64(8), "updated_at": float64(500)})

	o := op(models.OpUpdate, models.TypeAttendance, "a1", map[string]interface{}{
		"hours":      float64(9),
		"updated_at": float64(2000),
	})
	out := e.Execute(context.Background(), o)

	if out.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v (err=%v)", out.Kind, out.Err)
	}
	stored, _ := records.Get(models.TypeAttendance, "a1")
	if stored["hours"] != float64(9) {
		t.Errorf("Expected update applied, got %v", stored)
	}
}

func TestUpdateDetectsConflictWhenRemoteStrictlyNewer(t *testing.T) {
	records := remote.NewFakeRecordStore()
	e := New(records, newFakePipeline())

	records.Seed(models.TypeAttendance, "a1", remote.Record{"hours": float64(8), "updated_at": float64(9000)})

	o := op(models.OpUpdate, models.TypeAttendance, "a1", map[string]interface{}{
		"hours":      float64(9),
		"updated_at": float64(2000),
	})
	out := e.Execute(context.Background(), o)

	if out.Kind != OutcomeConflict {
		t.Fatalf("Expected conflict, got %v (err=%v)", out.Kind, out.Err)
	}
	if out.Conflict.RemoteTimestamp != 9000 || out.Conflict.LocalTimestamp != 2000 {
		t.Errorf("Unexpected conflict timestamps: %+v", out.Conflict)
	}

	// The stale update was not applied.
	stored, _ := records.Get(models.TypeAttendance, "a1")
	if stored["hours"] != float64(8) {
		t.Errorf("Expected remote record untouched, got %v", stored)
	}
}

func TestUpdateEqualTimestampsIsNotAConflict(t *testing.T) {
	records := remote.NewFakeRecordStore()
	e := New(records, newFakePipeline())

	records.Seed(models.TypeSettlement, "s1", remote.Record{"updated_at": float64(2000)})

	o := op(models.OpUpdate, models.TypeSettlement, "s1", map[string]interface{}{
		"amount":     float64(100),
		"updated_at": float64(2000),
	})
	out := e.Execute(context.Background(), o)
	if out.Kind != OutcomeSuccess {
		t.Errorf("Expected equal timestamps to apply, got %v", out.Kind)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	records := remote.NewFakeRecordStore()
	e := New(records, newFakePipeline())

	out := e.Execute(context.Background(), op(models.OpDelete, models.TypeProject, "gone", nil))
	if out.Kind != OutcomeSuccess {
		t.Errorf("Expected deleting a missing record to succeed, got %v (err=%v)", out.Kind, out.Err)
	}
}

func TestUpdateResolvesLocalHandles(t *testing.T) {
	records := remote.NewFakeRecordStore()
	p := newFakePipeline()
	p.links["local://abc"] = "https://blobs.test/site/photo.jpg"
	e := New(records, p)

	records.Seed(models.TypeWorkRecord, "w1", remote.Record{"updated_at": float64(0)})

	o := op(models.OpUpdate, models.TypeWorkRecord, "w1", map[string]interface{}{
		"image_ids":  []interface{}{"local://abc", "local://unresolved", "https://blobs.test/other.png"},
		"updated_at": float64(5000),
	})
	out := e.Execute(context.Background(), o)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v (err=%v)", out.Kind, out.Err)
	}

	stored, _ := records.Get(models.TypeWorkRecord, "w1")
	refs := models.AssetRefs(stored)
	want := []string{"https://blobs.test/site/photo.jpg", "local://unresolved", "https://blobs.test/other.png"}
	if len(refs) != 3 {
		t.Fatalf("Expected 3 refs, got %v", refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref[%d] = %q, want %q", i, refs[i], want[i])
		}
	}
}

func TestUploadImageDispatch(t *testing.T) {
	p := newFakePipeline()
	e := New(remote.NewFakeRecordStore(), p)

	o := op(models.OpUploadImage, models.TypeImage, "local://fp1", map[string]interface{}{
		"handle":    "local://fp1",
		"file_name": "photo.jpg",
	})
	out := e.Execute(context.Background(), o)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v (err=%v)", out.Kind, out.Err)
	}
	if out.Result["locator"] != "https://blobs.test/photo.jpg" {
		t.Errorf("Unexpected locator %v", out.Result["locator"])
	}
	if len(p.uploaded) != 1 || p.uploaded[0] != "local://fp1" {
		t.Errorf("Expected one upload of the handle, got %v", p.uploaded)
	}
}

func TestUploadFailurePropagates(t *testing.T) {
	p := newFakePipeline()
	p.uploadErr = apperrors.Transient(apperrors.ErrUploadExhausted, "exhausted", nil)
	e := New(remote.NewFakeRecordStore(), p)

	o := op(models.OpUploadImage, models.TypeImage, "local://fp1", map[string]interface{}{"handle": "local://fp1"})
	out := e.Execute(context.Background(), o)
	if out.Kind != OutcomeFailure {
		t.Fatalf("Expected failure, got %v", out.Kind)
	}
	if !apperrors.IsTransient(out.Err) {
		t.Error("Expected transient failure to stay transient")
	}
}

func TestDeleteImageDispatch(t *testing.T) {
	p := newFakePipeline()
	p.removedFlag = true
	e := New(remote.NewFakeRecordStore(), p)

	o := op(models.OpDeleteImage, models.TypeImage, "https://blobs.test/site/old.png", nil)
	out := e.Execute(context.Background(), o)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Expected success, got %v (err=%v)", out.Kind, out.Err)
	}
	if out.Result["removed_remote"] != true {
		t.Errorf("Expected removed_remote=true, got %v", out.Result)
	}
	if len(p.deleted) != 1 || p.deleted[0] != "https://blobs.test/site/old.png" {
		t.Errorf("Expected delete of the ref, got %v", p.deleted)
	}
}

func TestDispatchCoversEveryKind(t *testing.T) {
	e := New(remote.NewFakeRecordStore(), newFakePipeline())
	for _, kind := range []models.OperationKind{
		models.OpCreate, models.OpUpdate, models.OpDelete,
		models.OpUploadImage, models.OpDeleteImage,
	} {
		if _, ok := e.handlers[kind]; !ok {
			t.Errorf("No handler for kind %q", kind)
		}
	}

	out := e.Execute(context.Background(), op("repaint", models.TypeProject, "x", nil))
	if out.Kind != OutcomeFailure {
		t.Error("Expected unknown kind to fail")
	}
}
