// Package transfer copies a world from one environment namespace into another.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"worldline/internal/domain"
	"worldline/internal/repo"
)

type Coordinator struct {
	Repo   repo.Repo
	Logger *zap.Logger
	Now    func() time.Time
}

type Request struct {
	WorldID string             `json:"worldId"`
	Source  domain.Environment `json:"source"`
	Target  domain.Environment `json:"target"`
	DryRun  bool               `json:"dryRun"`
	ActorID string             `json:"-"`
}

// Descriptor describes the record a transfer writes, or would write for a dry run.
type Descriptor struct {
	Source  domain.Key   `json:"source"`
	Target  domain.Key   `json:"target"`
	DryRun  bool         `json:"dryRun"`
	Created bool         `json:"created"`
	World   domain.World `json:"world"`
}

// TargetID is the id a world gets in targetEnv.
func TargetID(worldID string, target domain.Environment) string {
	return fmt.Sprintf("%s_%s", worldID, target)
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Transfer clones the source world under TargetID in the target environment. The copy
// starts with no usage history. An existing target fails with ErrConflict, both on the
// read-only pre-check and on the atomic insert.
func (c Coordinator) Transfer(ctx context.Context, req Request) (Descriptor, error) {
	if !req.Source.Valid() || !req.Target.Valid() {
		return Descriptor{}, domain.Invalidf("transfer needs valid source and target environments, got %q and %q", req.Source, req.Target)
	}
	src, err := c.Repo.GetWorld(ctx, req.WorldID, req.Source)
	if err != nil {
		return Descriptor{}, err
	}
	targetKey := domain.Key{ID: TargetID(src.ID, req.Target), Environment: req.Target}
	_, err = c.Repo.GetWorld(ctx, targetKey.ID, targetKey.Environment)
	switch {
	case err == nil:
		return Descriptor{}, domain.Conflictf("world %s already exists in %s", targetKey.ID, targetKey.Environment)
	case !errors.Is(err, domain.ErrNotFound):
		return Descriptor{}, err
	}

	now := c.now()
	clone := src.Clone()
	clone.ID = targetKey.ID
	clone.Environment = targetKey.Environment
	clone.UsageCount = 0
	clone.LastUsedAt = nil
	clone.CreatedAt = now
	clone.UpdatedAt = now
	if err := clone.Validate(); err != nil {
		return Descriptor{}, err
	}
	desc := Descriptor{Source: src.Key(), Target: targetKey, DryRun: req.DryRun, World: clone}
	if req.DryRun {
		return desc, nil
	}
	desc.World, err = c.Repo.CreateWorld(ctx, clone, req.ActorID)
	if err != nil {
		return Descriptor{}, err
	}
	desc.Created = true
	if c.Logger != nil {
		c.Logger.Info("world transferred", zap.String("source", desc.Source.String()), zap.String("target", targetKey.String()))
	}
	return desc, nil
}
