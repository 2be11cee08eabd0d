// Package objectstore serves corpus objects from a filesystem tree, one
// directory per container.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/trimodal-rag/backend/internal/capability"
)

var ErrNotFound = errors.New("object not found")

type Store struct {
	fs   afero.Fs
	root string
}

var _ capability.ObjectStore = (*Store)(nil)

// New serves containers under root on fsys. Use afero.NewOsFs() in
// production and afero.NewMemMapFs() in tests.
func New(fsys afero.Fs, root string) *Store {
	return &Store{fs: fsys, root: filepath.Clean(root)}
}

func validPart(part string) bool {
	return part != "" && path.Clean("/"+filepath.ToSlash(part)) != "/" && !strings.Contains(part, "..")
}

func (s *Store) resolve(container, key string) (string, error) {
	if !validPart(container) || !validPart(key) {
		return "", fmt.Errorf("invalid object path %q/%q", container, key)
	}
	return filepath.Join(s.root, container, filepath.FromSlash(key)), nil
}

// List returns every object key in container, sorted. Keys use forward
// slashes regardless of platform.
func (s *Store) List(ctx context.Context, container string) ([]string, error) {
	if !validPart(container) || strings.ContainsAny(container, `/\`) {
		return nil, fmt.Errorf("invalid container %q", container)
	}
	dir := filepath.Join(s.root, container)

	var keys []string
	err := afero.Walk(s.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("container %s: %w", container, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to list container %s: %w", container, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Get(ctx context.Context, container, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(container, key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", container, key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s/%s: %w", container, key, err)
	}
	return data, nil
}

// Put writes an object, creating its container as needed.
func (s *Store) Put(ctx context.Context, container, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(container, key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create container %s: %w", container, err)
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", container, key, err)
	}
	return nil
}

// Containers lists the top-level directories under root.
func (s *Store) Containers(ctx context.Context) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read object root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, ctx.Err()
}

func (s *Store) HealthCheck(ctx context.Context) capability.HealthStatus {
	return capability.Probe(ctx, func(context.Context) error {
		info, err := s.fs.Stat(s.root)
		if err != nil {
			return fmt.Errorf("object root unavailable: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("object root %s is not a directory", s.root)
		}
		return nil
	})
}
