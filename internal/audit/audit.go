// Package audit compares the blobs referenced by worlds with the blobs actually stored.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"worldline/internal/blob"
	"worldline/internal/domain"
	"worldline/internal/repo"
)

// Auditor finds and removes orphaned blobs. Stored blobs written less than Grace ago
// are never treated as orphans: an import uploads its blobs before it commits the
// world that references them.
type Auditor struct {
	Repo   repo.Repo
	Blobs  blob.Store
	Grace  time.Duration
	Logger *zap.Logger
	// Now is compared with blob modification times, which are wall-clock.
	Now    func() time.Time
}

// Report separates the two integrity problems. Orphaned blobs are stored but referenced
// by no world in any environment; Missing blobs are referenced in the audited scope but
// absent from the store and are never deleted.
type Report struct {
	Environment domain.Environment `json:"environment,omitempty"`
	Orphaned    []string           `json:"orphaned"`
	// Recent lists unreferenced blobs still inside the grace window.
	Recent      []string           `json:"recent"`
	Missing     []string           `json:"missing"`
	Referenced  int                `json:"referenced"`
	Stored      int                `json:"stored"`
}

type CleanupReport struct {
	Deleted     []string           `json:"deleted"`
	AlreadyGone []string           `json:"alreadyGone"`
	Failed      []domain.ItemError `json:"failed,omitempty"`
}

func (a Auditor) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a Auditor) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}

// Detect computes S − R and R − S, holding back unreferenced blobs younger than Grace.
// Scoping to env narrows the Missing set only; a blob referenced from another
// environment is never reported as orphaned.
func (a Auditor) Detect(ctx context.Context, env domain.Environment) (Report, error) {
	all, err := a.Repo.ReferencedBlobIDs(ctx, "")
	if err != nil {
		return Report{}, fmt.Errorf("collect references: %w", err)
	}
	scoped := all
	if env != "" {
		if scoped, err = a.Repo.ReferencedBlobIDs(ctx, env); err != nil {
			return Report{}, fmt.Errorf("collect references: %w", err)
		}
	}
	stored, err := a.Blobs.List(ctx, "")
	if err != nil {
		return Report{}, fmt.Errorf("list blobs: %w", err)
	}
	storedSet := make(map[string]struct{}, len(stored))
	rep := Report{Environment: env, Orphaned: []string{}, Recent: []string{}, Missing: []string{}, Referenced: len(scoped), Stored: len(stored)}
	cutoff := a.now().Add(-a.Grace)
	for _, id := range stored {
		storedSet[id] = struct{}{}
		if _, ok := all[id]; ok {
			continue
		}
		if a.Grace > 0 {
			info, err := a.Blobs.Stat(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return Report{}, fmt.Errorf("stat blob %s: %w", id, err)
			}
			if info.ModTime.After(cutoff) {
				rep.Recent = append(rep.Recent, id)
				continue
			}
		}
		rep.Orphaned = append(rep.Orphaned, id)
	}
	for _, id := range domain.SortedKeys(scoped) {
		if _, ok := storedSet[id]; !ok {
			rep.Missing = append(rep.Missing, id)
		}
	}
	if len(rep.Missing) > 0 {
		a.logger().Warn("referenced blobs missing from store", zap.Strings("blobs", rep.Missing))
	}
	return rep, nil
}

// Cleanup deletes ids one by one. Ids already gone are reported, not counted; a failure
// on one id does not stop the rest.
func (a Auditor) Cleanup(ctx context.Context, ids []string) (CleanupReport, error) {
	rep := CleanupReport{Deleted: []string{}, AlreadyGone: []string{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			rep.Failed = append(rep.Failed, domain.ItemError{ID: id, Reason: err.Error()})
			continue
		}
		deleted, err := a.Blobs.Delete(ctx, id)
		switch {
		case err != nil:
			rep.Failed = append(rep.Failed, domain.ItemError{ID: id, Reason: err.Error()})
		case deleted:
			rep.Deleted = append(rep.Deleted, id)
		default:
			rep.AlreadyGone = append(rep.AlreadyGone, id)
		}
	}
	a.logger().Info("orphan cleanup finished",
		zap.Int("deleted", len(rep.Deleted)),
		zap.Int("already_gone", len(rep.AlreadyGone)),
		zap.Int("failed", len(rep.Failed)))
	if len(rep.Failed) > 0 {
		return rep, &domain.PartialError{Kind: domain.ErrPartialCleanup, Failed: rep.Failed}
	}
	return rep, nil
}

// CleanupOrphans detects and removes orphans in one pass.
func (a Auditor) CleanupOrphans(ctx context.Context, env domain.Environment) (Report, CleanupReport, error) {
	rep, err := a.Detect(ctx, env)
	if err != nil {
		return rep, CleanupReport{}, err
	}
	cr, err := a.Cleanup(ctx, rep.Orphaned)
	return rep, cr, err
}
