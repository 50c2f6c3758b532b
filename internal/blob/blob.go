// Package blob mirrors pipeline outputs into a durable store keyed by path.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store is a durable object store keyed by slash separated paths.
type Store interface {
	// Put copies the local file at src to key.
	Put(ctx context.Context, key, src, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	// DeletePrefix removes every object under prefix and returns how many
	// were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// AssetKey builds the object key for a file derived from an asset.
func AssetKey(assetID, kind, name string) string {
	return path.Join(assetID, kind, path.Base(filepath.ToSlash(name)))
}

func cleanKey(key string) (string, error) {
	cleaned := strings.Trim(path.Clean("/"+filepath.ToSlash(strings.TrimSpace(key))), "/")
	if cleaned == "" || cleaned == "." {
		return "", errors.New("blob key is required")
	}
	return cleaned, nil
}

// LocalStore writes objects below a root directory.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

func (s *LocalStore) Put(ctx context.Context, key, src, _ string) error {
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".blob-*")
	if err != nil {
		return fmt.Errorf("create blob temp: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copy blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *LocalStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	p, err := s.path(prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	err = filepath.WalkDir(p, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			removed++
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan prefix %s: %w", prefix, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return 0, fmt.Errorf("remove prefix %s: %w", prefix, err)
	}
	return removed, nil
}
