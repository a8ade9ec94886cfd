// Package storage keeps the binary payloads of queued photo operations,
// addressed by their SHA-256 digest.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrBlobNotFound is returned when no blob exists for a digest.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore stores byte payloads by content hash. Identical payloads are
// stored once.
type BlobStore struct {
	fs      afero.Fs
	baseDir string
}

// NewBlobStore creates a BlobStore rooted at baseDir on fs.
func NewBlobStore(fs afero.Fs, baseDir string) *BlobStore {
	return &BlobStore{
		fs:      fs,
		baseDir: filepath.Clean(baseDir),
	}
}

// NewOsBlobStore creates a BlobStore on the OS filesystem.
func NewOsBlobStore(baseDir string) *BlobStore {
	return NewBlobStore(afero.NewOsFs(), baseDir)
}

// CalculateHash returns the hex SHA-256 digest of data.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// Store writes data and returns its content hash.
// The blob lands at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}.
func (s *BlobStore) Store(data []byte) (string, error) {
	hash := CalculateHash(data)

	dir := filepath.Join(s.baseDir, hash[0:2], hash[2:4])
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	path := filepath.Join(dir, hash)
	if exists, _ := afero.Exists(s.fs, path); exists {
		return hash, nil
	}

	// Write then rename so a crash never leaves a partial blob under its final name.
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	return hash, nil
}

// Retrieve returns the blob for hash, verifying its digest.
func (s *BlobStore) Retrieve(hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("%w: malformed hash %q", ErrBlobNotFound, hash)
	}

	data, err := afero.ReadFile(s.fs, s.getPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	if got := CalculateHash(data); got != hash {
		return nil, fmt.Errorf("hash mismatch: expected %s, got %s", hash, got)
	}
	return data, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *BlobStore) Delete(hash string) error {
	if !validHash(hash) {
		return nil
	}
	path := s.getPath(hash)

	if err := s.fs.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	// Prune empty shard directories.
	for dir := filepath.Dir(path); dir != s.baseDir && strings.HasPrefix(dir, s.baseDir); dir = filepath.Dir(dir) {
		if empty, err := afero.IsEmpty(s.fs, dir); err != nil || !empty {
			break
		}
		s.fs.Remove(dir)
	}

	return nil
}

// Exists reports whether a blob is stored for hash.
func (s *BlobStore) Exists(hash string) bool {
	if !validHash(hash) {
		return false
	}
	ok, _ := afero.Exists(s.fs, s.getPath(hash))
	return ok
}

// Size returns the stored blob's length in bytes.
func (s *BlobStore) Size(hash string) (int64, error) {
	if !validHash(hash) {
		return 0, fmt.Errorf("%w: malformed hash %q", ErrBlobNotFound, hash)
	}
	info, err := s.fs.Stat(s.getPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
		}
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	return info.Size(), nil
}

func (s *BlobStore) getPath(hash string) string {
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}

// ListAll lists every stored blob hash.
func (s *BlobStore) ListAll() ([]string, error) {
	var hashes []string

	if ok, _ := afero.DirExists(s.fs, s.baseDir); !ok {
		return nil, nil
	}

	err := afero.Walk(s.fs, s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}

		// {hash[0:2]}/{hash[2:4]}/{hash}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) == 3 && validHash(parts[2]) &&
			parts[2][0:2] == parts[0] && parts[2][2:4] == parts[1] {
			hashes = append(hashes, parts[2])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk blob store: %w", err)
	}

	return hashes, nil
}

// VerifyAll re-hashes every blob and returns the corrupted ones.
func (s *BlobStore) VerifyAll() ([]string, error) {
	hashes, err := s.ListAll()
	if err != nil {
		return nil, err
	}

	var corrupted []string
	for _, hash := range hashes {
		if _, err := s.Retrieve(hash); err != nil {
			corrupted = append(corrupted, hash)
		}
	}
	return corrupted, nil
}

// Prune deletes every blob for which keep returns false and reports how
// many were removed.
func (s *BlobStore) Prune(keep func(hash string) bool) (int, error) {
	hashes, err := s.ListAll()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, hash := range hashes {
		if keep(hash) {
			continue
		}
		if err := s.Delete(hash); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
