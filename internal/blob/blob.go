// Package blob defines the object storage contract used for artifact content and a
// filesystem-backed implementation rooted at a directory.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"worldline/internal/domain"
)

// Store is content storage keyed by blob id. Delete reports whether the blob existed.
type Store interface {
	Put(ctx context.Context, id string, r io.Reader) error
	Get(ctx context.Context, id string) (io.ReadCloser, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Stat(ctx context.Context, id string) (Info, error)
}

// Info describes a stored blob. ModTime is when the blob was last written.
type Info struct {
	ID      string
	Size    int64
	ModTime time.Time
}

const tmpSuffix = ".partial"

// FSStore keeps each blob as a file at <root>/<id>.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Root() string { return s.root }

// CleanID normalizes a blob id to forward slashes and rejects ids that would escape
// the store root. Bundles reuse it to derive blob file paths.
func CleanID(id string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(id, `\`, "/"))
	if raw == "" {
		return "", domain.Invalidf("blob id is empty")
	}
	if strings.HasPrefix(raw, "/") || (len(raw) > 1 && raw[1] == ':') {
		return "", domain.Invalidf("blob id %q must be relative", id)
	}
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", domain.Invalidf("blob id %q must not contain '..'", id)
		}
	}
	cleaned := path.Clean(raw)
	if cleaned == "." || strings.HasSuffix(cleaned, tmpSuffix) {
		return "", domain.Invalidf("blob id %q is not allowed", id)
	}
	return cleaned, nil
}

func (s *FSStore) path(id string) (string, error) {
	clean, err := CleanID(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes through a temp file and renames it into place so readers never see a
// half-written blob.
func (s *FSStore) Put(ctx context.Context, id string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*"+tmpSuffix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("write blob %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *FSStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.NotFoundf("blob %s", id)
	}
	return f, err
}

func (s *FSStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.path(id)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Stat returns ErrNotFound for an absent blob.
func (s *FSStore) Stat(ctx context.Context, id string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	p, err := s.path(id)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !fi.Mode().IsRegular()) {
		return Info{}, domain.NotFoundf("blob %s", id)
	}
	if err != nil {
		return Info{}, err
	}
	clean, _ := CleanID(id)
	return Info{ID: clean, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *FSStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.path(id)
	if err != nil {
		return false, err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the sorted ids that start with prefix. In-flight temp files are skipped.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = filepath.ToSlash(prefix)
	var ids []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

var _ Store = (*FSStore)(nil)
