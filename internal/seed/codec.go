// Package seed exports worlds into portable bundles and imports them back through the
// conflict resolver.
package seed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"worldline/internal/blob"
	"worldline/internal/domain"
	"worldline/internal/repo"
)

// Codec moves worlds between the registry, the blob store and bundle directories.
type Codec struct {
	Repo     repo.Repo
	Blobs    blob.Store
	SeedsDir string
	Workers  int
	Logger   *zap.Logger
	Now      func() time.Time
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c Codec) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c Codec) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return blob.DefaultWorkers
}

type ExportOptions struct {
	Environment  domain.Environment
	IncludeBlobs bool
	OutputPath   string
}

type ExportResult struct {
	Path     string              `json:"path"`
	BundleID string              `json:"bundleId"`
	Blobs    []domain.BundleBlob `json:"blobs"`
	Failed   []domain.ItemError  `json:"failed,omitempty"`
}

// DefaultBundleName is <worldId>_<env>_<YYYYMMDD>.
func DefaultBundleName(worldID string, env domain.Environment, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s", worldID, env, at.UTC().Format("20060102"))
}

// Export writes the world (and optionally its blobs) into a bundle directory. Blobs
// that cannot be copied are reported through a *domain.PartialError while the rest of
// the bundle is still written; seed.json always lands last.
func (c Codec) Export(ctx context.Context, worldID string, opts ExportOptions) (ExportResult, error) {
	w, err := c.Repo.GetWorld(ctx, worldID, opts.Environment)
	if err != nil {
		return ExportResult{}, err
	}
	now := c.now()
	dir := opts.OutputPath
	if dir == "" {
		dir = filepath.Join(c.SeedsDir, DefaultBundleName(w.ID, w.Environment, now))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExportResult{}, fmt.Errorf("create bundle dir: %w", err)
	}
	res := ExportResult{Path: dir, BundleID: uuid.NewString()}
	if opts.IncludeBlobs {
		res.Blobs, res.Failed = c.copyBlobs(ctx, dir, w.BlobIDs())
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	bundle := domain.SeedBundle{
		Manifest: domain.Manifest{
			WorldID:           w.ID,
			SourceEnvironment: w.Environment,
			ExportedAt:        now,
			SchemaVersion:     domain.SchemaVersion,
			BundleID:          res.BundleID,
		},
		World: w,
		Blobs: res.Blobs,
	}
	data, err := encodeBundle(bundle)
	if err != nil {
		return res, err
	}
	if err := writeFileAtomic(filepath.Join(dir, SeedFile), data); err != nil {
		return res, fmt.Errorf("write %s: %w", SeedFile, err)
	}
	c.logger().Info("world exported",
		zap.String("world", w.Key().String()),
		zap.String("path", dir),
		zap.Int("blobs", len(res.Blobs)),
		zap.Int("failed", len(res.Failed)))
	if len(res.Failed) > 0 {
		return res, &domain.PartialError{Kind: domain.ErrPartialExport, Failed: res.Failed}
	}
	return res, nil
}

// copyBlobs copies ids on a bounded worker pool. Results keep the order of ids.
func (c Codec) copyBlobs(ctx context.Context, dir string, ids []string) ([]domain.BundleBlob, []domain.ItemError) {
	copied := make([]*domain.BundleBlob, len(ids))
	var mu sync.Mutex
	var failed []domain.ItemError

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers())
	for i, id := range ids {
		g.Go(func() error {
			bb, err := c.copyBlob(gctx, dir, id)
			if err != nil {
				c.logger().Warn("blob export failed", zap.String("blob", id), zap.Error(err))
				mu.Lock()
				failed = append(failed, domain.ItemError{ID: id, Reason: err.Error()})
				mu.Unlock()
				return nil
			}
			copied[i] = &bb
			return nil
		})
	}
	_ = g.Wait()

	var out []domain.BundleBlob
	for _, bb := range copied {
		if bb != nil {
			out = append(out, *bb)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	return out, failed
}

func (c Codec) copyBlob(ctx context.Context, dir, id string) (domain.BundleBlob, error) {
	rel, err := BlobPath(id)
	if err != nil {
		return domain.BundleBlob{}, err
	}
	rc, err := c.Blobs.Get(ctx, id)
	if err != nil {
		return domain.BundleBlob{}, err
	}
	defer rc.Close()
	dst := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return domain.BundleBlob{}, err
	}
	f, err := os.Create(dst)
	if err != nil {
		return domain.BundleBlob{}, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return domain.BundleBlob{}, err
	}
	return domain.BundleBlob{BlobID: id, RelativePath: rel, SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}
