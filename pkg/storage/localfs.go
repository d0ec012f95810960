package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalFSBackend stores blobs as files under a root directory, keys
// mapping to relative paths.
type LocalFSBackend struct {
	root string
}

// NewLocalFS constructs a LocalFSBackend rooted at dir.
func NewLocalFS(dir string) (*LocalFSBackend, error) {
	if dir == "" {
		return nil, os.ErrInvalid
	}
	return &LocalFSBackend{root: dir}, nil
}

func (l *LocalFSBackend) Init(ctx context.Context) error {
	return os.MkdirAll(l.root, 0o755)
}

func (l *LocalFSBackend) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *LocalFSBackend) Put(ctx context.Context, key string, data []byte, contentType string) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (l *LocalFSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (l *LocalFSBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.path(key))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func (l *LocalFSBackend) List(ctx context.Context, prefix, pageToken string, maxKeys int) ([]string, string, error) {
	var keys []string
	root := l.root
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	sort.Strings(keys)

	start := 0
	if pageToken != "" {
		idx := sort.SearchStrings(keys, pageToken)
		if idx < len(keys) && keys[idx] == pageToken {
			idx++
		}
		start = idx
	}
	if start >= len(keys) {
		return nil, "", nil
	}
	end := start + maxKeys
	if maxKeys <= 0 || end > len(keys) {
		end = len(keys)
	}
	page := keys[start:end]
	next := ""
	if end < len(keys) {
		next = page[len(page)-1]
	}
	return page, next, nil
}

func (l *LocalFSBackend) Exists(ctx context.Context) (bool, error) {
	info, err := os.Stat(l.root)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (l *LocalFSBackend) Close() error { return nil }
