// Package upload moves locally-held binary assets to durable remote storage
// and mints stable locators for them.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore keeps asset bytes on disk addressed by their SHA-256 content
// fingerprint. Identical assets are stored only once, and a fingerprint
// doubles as the resumable-upload continuation key.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a LocalStore rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

// Fingerprint calculates the SHA-256 content fingerprint of data.
func Fingerprint(data []byte) string {
	h := sha256.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintReader calculates the fingerprint from an io.Reader.
func FingerprintReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate fingerprint: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Store writes data and returns its fingerprint. The file lands at
// baseDir/{fp[0:2]}/{fp[2:4]}/{fp}; the two-level fan-out keeps directories
// small.
func (s *LocalStore) Store(data []byte) (string, error) {
	fp := Fingerprint(data)

	dir := filepath.Join(s.baseDir, fp[0:2], fp[2:4])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	path := filepath.Join(dir, fp)

	// Deduplication: identical content is already on disk.
	if _, err := os.Stat(path); err == nil {
		return fp, nil
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write asset: %w", err)
	}
	return fp, nil
}

// Retrieve returns asset bytes by fingerprint, verifying content integrity.
func (s *LocalStore) Retrieve(fp string) ([]byte, error) {
	data, err := os.ReadFile(s.path(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("asset not found: %w", err)
		}
		return nil, fmt.Errorf("failed to read asset: %w", err)
	}

	if got := Fingerprint(data); got != fp {
		return nil, fmt.Errorf("fingerprint mismatch: expected %s, got %s", fp, got)
	}
	return data, nil
}

// Delete removes stored content by fingerprint. Missing content is a no-op.
func (s *LocalStore) Delete(fp string) error {
	path := s.path(fp)

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete asset: %w", err)
	}

	// Opportunistically drop empty shard directories.
	dir := filepath.Dir(path)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))

	return nil
}

// Exists checks whether content exists for a fingerprint.
func (s *LocalStore) Exists(fp string) bool {
	_, err := os.Stat(s.path(fp))
	return err == nil
}

// Size returns the size of stored content in bytes.
func (s *LocalStore) Size(fp string) (int64, error) {
	info, err := os.Stat(s.path(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("asset not found: %w", err)
		}
		return 0, fmt.Errorf("failed to stat asset: %w", err)
	}
	return info.Size(), nil
}

func (s *LocalStore) path(fp string) string {
	if len(fp) < 4 {
		return filepath.Join(s.baseDir, "invalid", fp)
	}
	return filepath.Join(s.baseDir, fp[0:2], fp[2:4], fp)
}
