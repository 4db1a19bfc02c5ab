package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/kv"
	"github.com/kwliu/sitesync/backend/internal/logging"
	"github.com/kwliu/sitesync/backend/internal/models"
	"github.com/kwliu/sitesync/backend/internal/remote"
)

const (
	linkKeyPrefix    = "upload/link/"    // handle -> AssetLink
	pendingKeyPrefix = "upload/pending/" // fingerprint -> chosen remote path
)

// DefaultChunkSize is the fixed transfer chunk size.
const DefaultChunkSize = 256 * 1024

// DefaultBackoff is the fixed retry schedule for transient transfer
// failures. The first attempt runs immediately.
var DefaultBackoff = []time.Duration{0, 3 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second}

// RefCounter counts and rewrites asset references in the local record set.
// Implemented by the record cache.
type RefCounter interface {
	CountAssetRefs(ref string) (int, error)
	ReplaceAssetRef(handle, locator string) (int, error)
}

// Config holds upload pipeline configuration.
type Config struct {
	PathPrefix  string // domain-scoped object prefix, e.g. "worksite"
	ChunkSize   int
	Backoff     []time.Duration
	Thumbnails  bool
	ThumbWidth  int
	ThumbHeight int
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() *Config {
	return &Config{
		PathPrefix:  "worksite",
		ChunkSize:   DefaultChunkSize,
		Backoff:     DefaultBackoff,
		Thumbnails:  true,
		ThumbWidth:  200,
		ThumbHeight: 200,
	}
}

// Pipeline moves assets from the local content-addressed store to the
// remote blob store. One asset moves LocalOnly -> Uploading -> Remote, with
// failed transfers parked as LocalOnly plus a standalone queued upload.
type Pipeline struct {
	local  *LocalStore
	blob   remote.BlobStore
	remote remote.RecordStore
	store  kv.Store
	refs   RefCounter
	config *Config
	clock  func() time.Time
	sleep  func(time.Duration)
}

// New creates a Pipeline. nil config uses DefaultConfig; nil clock uses
// time.Now.
func New(local *LocalStore, blob remote.BlobStore, records remote.RecordStore, store kv.Store, refs RefCounter, config *Config, clock func() time.Time) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if len(config.Backoff) == 0 {
		config.Backoff = DefaultBackoff
	}
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		local:  local,
		blob:   blob,
		remote: records,
		store:  store,
		refs:   refs,
		config: config,
		clock:  clock,
		sleep:  time.Sleep,
	}
}

// SetSleep overrides the retry sleep, for tests.
func (p *Pipeline) SetSleep(sleep func(time.Duration)) {
	p.sleep = sleep
}

// Stage writes asset bytes into local content-addressable storage and
// returns the local handle. The asset survives offline until a later
// uploadImage operation moves it remote.
func (p *Pipeline) Stage(data []byte) (string, error) {
	fp, err := p.local.Store(data)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrPersistence, "failed to stage asset locally", err)
	}
	return models.LocalHandlePrefix + fp, nil
}

// Resolve maps a local handle to its durable locator, if the upload has
// completed. The mapping persists until swept, so operations enqueued
// before the upload finished still resolve.
func (p *Pipeline) Resolve(handle string) (string, bool, error) {
	link, err := p.link(handle)
	if err != nil {
		return "", false, err
	}
	if link == nil || link.Swept {
		return "", false, nil
	}
	return link.Locator, true, nil
}

// Upload transfers the asset behind a local handle and returns its durable
// locator. Re-invoking after a success is a cheap no-op; re-invoking after a
// partial transfer continues from the committed offset.
func (p *Pipeline) Upload(ctx context.Context, handle, fileName string) (string, error) {
	if locator, ok, err := p.Resolve(handle); err != nil {
		return "", err
	} else if ok {
		return locator, nil
	}

	fp := models.HandleFingerprint(handle)
	if fp == "" {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("not a local handle: %q", handle))
	}

	data, err := p.local.Retrieve(fp)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrAssetNotFound, "staged asset missing", err)
	}

	path, err := p.pendingPath(fp, fileName)
	if err != nil {
		return "", err
	}

	logging.Info("Uploading asset", map[string]interface{}{
		"handle": handle,
		"path":   path,
		"bytes":  len(data),
	})

	if err := p.transfer(ctx, path, data); err != nil {
		return "", err
	}

	if p.config.Thumbnails {
		p.uploadThumbnail(ctx, path, data)
	}

	locator := p.blob.URL(path)
	if err := p.saveLink(&models.AssetLink{
		Handle:     handle,
		Locator:    locator,
		RemotePath: path,
		CreatedAt:  p.clock().UTC().UnixMilli(),
	}); err != nil {
		return "", err
	}
	p.store.Delete(pendingKeyPrefix + fp)

	// Every cached record still holding the local handle now points at the
	// durable locator.
	if p.refs != nil {
		if n, err := p.refs.ReplaceAssetRef(handle, locator); err != nil {
			logging.Error("Failed to rewrite local asset references", err,
				map[string]interface{}{"handle": handle})
		} else if n > 0 {
			logging.Debug("Rewrote local asset references", map[string]interface{}{
				"handle": handle, "records": n,
			})
		}
	}

	return locator, nil
}

// Delete handles a deleteImage operation for a reference (local handle or
// durable locator). The local entry for the reference is always cleared;
// the remote blob is removed only when no live record still references it.
func (p *Pipeline) Delete(ctx context.Context, ref string) (removedRemote bool, err error) {
	if models.IsLocalHandle(ref) {
		fp := models.HandleFingerprint(ref)
		if err := p.local.Delete(fp); err != nil {
			return false, apperrors.Wrap(apperrors.ErrPersistence, "failed to delete staged asset", err)
		}
		p.store.Delete(pendingKeyPrefix + fp)
		p.store.Delete(linkKeyPrefix + ref)
		return false, nil
	}

	// Clear the local side regardless of the remote outcome: the link for
	// this locator and the staged bytes behind it.
	link, err := p.linkByLocator(ref)
	if err != nil {
		return false, err
	}
	if link != nil {
		p.local.Delete(models.HandleFingerprint(link.Handle))
		p.store.Delete(linkKeyPrefix + link.Handle)
	}

	refs, err := p.countReferences(ctx, ref)
	if err != nil {
		return false, err
	}
	if refs > 0 {
		logging.Info("Asset still referenced, keeping remote blob", map[string]interface{}{
			"locator": ref, "references": refs,
		})
		return false, nil
	}

	path := p.pathForLocator(ref, link)
	if err := p.blob.Remove(ctx, path); err != nil {
		return false, err
	}
	if p.config.Thumbnails {
		// Best effort: a stale thumbnail is harmless.
		p.blob.Remove(ctx, ThumbPath(path))
	}

	logging.Info("Deleted remote asset", map[string]interface{}{"locator": ref, "path": path})
	return true, nil
}

// Sweep marks links older than before as swept and drops their staged
// bytes, reclaiming local space once no queued operation can need them.
func (p *Pipeline) Sweep(before time.Time) (int, error) {
	keys, err := p.store.Keys(linkKeyPrefix)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPersistence, "failed to list asset links", err)
	}

	cutoff := before.UTC().UnixMilli()
	swept := 0
	for _, key := range keys {
		raw, ok, err := p.store.Get(key)
		if err != nil || !ok {
			continue
		}
		var link models.AssetLink
		if err := json.Unmarshal(raw, &link); err != nil {
			continue
		}
		if link.Swept || link.CreatedAt >= cutoff {
			continue
		}

		link.Swept = true
		if err := p.saveLink(&link); err != nil {
			return swept, err
		}
		p.local.Delete(models.HandleFingerprint(link.Handle))
		swept++
	}
	return swept, nil
}

// transfer moves data to path with resumable chunks and the fixed backoff
// schedule. Exhaustion surfaces as a transient error so the owning
// operation stays pending.
func (p *Pipeline) transfer(ctx context.Context, path string, data []byte) error {
	var lastErr error

	for attempt, delay := range p.config.Backoff {
		if delay > 0 {
			p.sleep(delay)
		}
		if err := ctx.Err(); err != nil {
			return apperrors.Transient(apperrors.ErrUploadFailed, "upload cancelled", err)
		}

		offset, err := p.blob.Committed(ctx, path)
		if err != nil {
			lastErr = err
			if !apperrors.IsTransient(err) {
				return err
			}
			continue
		}
		if offset > int64(len(data)) {
			// A different object already occupies the path; restart clean.
			if err := p.blob.Remove(ctx, path); err != nil {
				lastErr = err
				continue
			}
			offset = 0
		}

		if err := p.putFrom(ctx, path, data, offset); err != nil {
			lastErr = err
			if !apperrors.IsTransient(err) {
				return err
			}
			logging.Warn("Chunk transfer failed, will resume", map[string]interface{}{
				"path":    path,
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
			continue
		}
		return nil
	}

	return apperrors.Transient(apperrors.ErrUploadExhausted,
		fmt.Sprintf("upload of %s exhausted %d attempts", path, len(p.config.Backoff)), lastErr)
}

// putFrom streams chunks starting at offset.
func (p *Pipeline) putFrom(ctx context.Context, path string, data []byte, offset int64) error {
	size := int64(len(data))
	for offset < size {
		end := offset + int64(p.config.ChunkSize)
		if end > size {
			end = size
		}
		final := end == size
		if err := p.blob.PutChunk(ctx, path, offset, data[offset:end], final); err != nil {
			return err
		}
		offset = end
	}
	if size == 0 {
		return p.blob.PutChunk(ctx, path, 0, nil, true)
	}
	return nil
}

// uploadThumbnail renders and uploads a thumbnail. Failures only log: a
// missing thumbnail never fails the asset upload.
func (p *Pipeline) uploadThumbnail(ctx context.Context, assetPath string, data []byte) {
	thumb, err := Thumbnail(data, p.config.ThumbWidth, p.config.ThumbHeight)
	if err != nil {
		logging.Debug("Skipping thumbnail for non-image asset", map[string]interface{}{
			"path": assetPath,
		})
		return
	}
	if err := p.blob.PutChunk(ctx, ThumbPath(assetPath), 0, thumb, true); err != nil {
		logging.Warn("Thumbnail upload failed", map[string]interface{}{
			"path": assetPath, "error": err.Error(),
		})
	}
}

// countReferences scans local and remote record sets for live references.
func (p *Pipeline) countReferences(ctx context.Context, ref string) (int, error) {
	total := 0
	if p.refs != nil {
		n, err := p.refs.CountAssetRefs(ref)
		if err != nil {
			return 0, err
		}
		total += n
	}

	if p.remote != nil {
		for _, table := range models.DataTypes {
			if table == models.TypeImage || table == models.TypeAudit {
				continue // asset and audit tables don't embed image_ids
			}
			records, err := p.remote.Select(ctx, table, remote.Filter{})
			if err != nil {
				return 0, err
			}
			for _, record := range records {
				for _, got := range models.AssetRefs(record) {
					if got == ref {
						total++
						break
					}
				}
			}
		}
	}
	return total, nil
}

// pendingPath returns the remote path for a fingerprint, reusing the path
// chosen by an earlier partial attempt so continuation stays keyed by
// content.
func (p *Pipeline) pendingPath(fp, fileName string) (string, error) {
	key := pendingKeyPrefix + fp
	raw, ok, err := p.store.Get(key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrPersistence, "failed to read pending upload", err)
	}
	if ok {
		return string(raw), nil
	}

	if fileName == "" {
		fileName = fp[:12] + ".bin"
	}
	path := RemotePath(p.config.PathPrefix, p.clock(), fileName)
	if err := p.store.Set(key, []byte(path)); err != nil {
		return "", apperrors.Wrap(apperrors.ErrPersistence, "failed to persist pending upload", err)
	}
	return path, nil
}

func (p *Pipeline) saveLink(link *models.AssetLink) error {
	raw, err := json.Marshal(link)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode asset link", err)
	}
	if err := p.store.Set(linkKeyPrefix+link.Handle, raw); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to persist asset link", err)
	}
	return nil
}

func (p *Pipeline) link(handle string) (*models.AssetLink, error) {
	raw, ok, err := p.store.Get(linkKeyPrefix + handle)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to read asset link", err)
	}
	if !ok {
		return nil, nil
	}
	var link models.AssetLink
	if err := json.Unmarshal(raw, &link); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to decode asset link", err)
	}
	return &link, nil
}

func (p *Pipeline) linkByLocator(locator string) (*models.AssetLink, error) {
	keys, err := p.store.Keys(linkKeyPrefix)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to list asset links", err)
	}
	for _, key := range keys {
		raw, ok, err := p.store.Get(key)
		if err != nil || !ok {
			continue
		}
		var link models.AssetLink
		if err := json.Unmarshal(raw, &link); err != nil {
			continue
		}
		if link.Locator == locator {
			return &link, nil
		}
	}
	return nil, nil
}

// pathForLocator recovers the object path for a locator, preferring the
// stored link and falling back to the locator's URL path for assets
// uploaded by another device.
func (p *Pipeline) pathForLocator(locator string, link *models.AssetLink) string {
	if link != nil && link.RemotePath != "" {
		return link.RemotePath
	}
	if u, err := url.Parse(locator); err == nil {
		return strings.TrimPrefix(u.Path, "/")
	}
	return locator
}
