// Package blob stores captured page content and screenshots keyed by
// content hash. Keys are opaque strings; writes to an existing key are
// no-ops, which keeps capture idempotent across retries.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/compliscan/compliscan/internal/domain/scanning"
)

// ErrBlobNotFound is returned when no blob exists for a key.
var ErrBlobNotFound = errors.New("blob not found")

// FSStore is a filesystem blob store. Blobs land under
// root/<aa>/<bb>/<key> where aa and bb are the key's first two byte pairs,
// keeping directory fan-out flat. Writes go through a temp file and rename
// so readers never observe partial content.
type FSStore struct {
	root string
}

// Ensure FSStore implements scanning.BlobStore at compile time.
var _ scanning.BlobStore = (*FSStore)(nil)

// NewFSStore creates a filesystem blob store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("blob store root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob store root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put stores data under the key. Existing keys are left untouched: content
// addressing means same key, same bytes.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp blob: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing blob: %w", err)
	}
	return nil
}

// Get retrieves the blob for the key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is stored under the key.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.path(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("probing blob: %w", err)
	}
	return true, nil
}

// path resolves a key to its sharded location, rejecting anything that
// could escape the root.
func (s *FSStore) path(key string) (string, error) {
	name := sanitizeKey(key)
	if name == "" {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	shard1, shard2 := "_", "_"
	if len(name) >= 2 {
		shard1 = name[:2]
	}
	if len(name) >= 4 {
		shard2 = name[2:4]
	}
	return filepath.Join(s.root, shard1, shard2, name), nil
}

// sanitizeKey flattens a key like "verdict:sha256:ab12..." into a safe file
// name. Path separators and dots are rejected outright.
func sanitizeKey(key string) string {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return ""
	}
	return strings.ReplaceAll(key, ":", "_")
}
