package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"worldline/internal/blob"
	"worldline/internal/conflict"
	"worldline/internal/domain"
)

// Analyze reports how importing the bundle into env would collide with the current
// state. It only reads. An empty env means the bundle's source environment.
func (c Codec) Analyze(ctx context.Context, dir string, env domain.Environment) (domain.ConflictReport, error) {
	b, err := Validate(dir)
	if err != nil {
		return domain.ConflictReport{}, err
	}
	if env == "" {
		env = b.Manifest.SourceEnvironment
	}
	target, err := c.lookupTarget(ctx, b.World.ID, env)
	if err != nil {
		return domain.ConflictReport{}, err
	}
	missing, err := blob.Missing(ctx, c.Blobs, b.World.BlobIDs(), c.workers())
	if err != nil {
		return domain.ConflictReport{}, err
	}
	rep := domain.ConflictReport{
		WorldID:              b.World.ID,
		TargetEnvironment:    env,
		ConflictingUsers:     []string{},
		ConflictingArtifacts: []string{},
		ConflictingChats:     []string{},
		MissingBlobs:         missing,
	}
	if rep.MissingBlobs == nil {
		rep.MissingBlobs = []string{}
	}
	if target != nil {
		rep.WorldExists = true
		rep.ConflictingUsers, rep.ConflictingArtifacts, rep.ConflictingChats = conflict.Collisions(*target, b.World)
		incoming := b.World.Clone()
		incoming.Environment = env
		if rep.Diff, err = WorldDiff(*target, incoming); err != nil {
			return domain.ConflictReport{}, err
		}
	}
	return rep, nil
}

func (c Codec) lookupTarget(ctx context.Context, id string, env domain.Environment) (*domain.World, error) {
	w, err := c.Repo.GetWorld(ctx, id, env)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// WorldDiff renders a unified diff between two worlds' JSON. Timestamps and usage
// counters are left out since they never match across environments.
func WorldDiff(target, incoming domain.World) (string, error) {
	a, err := diffText(target)
	if err != nil {
		return "", err
	}
	b, err := diffText(incoming)
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "target/" + target.Key().String(),
		ToFile:   "bundle/" + incoming.Key().String(),
		Context:  3,
	})
}

func diffText(w domain.World) (string, error) {
	w.UsageCount = 0
	w.LastUsedAt = nil
	// The outer fields shadow the embedded timestamps and are always omitted.
	data, err := json.MarshalIndent(struct {
		domain.World
		CreatedAt any `json:"createdAt,omitempty"`
		UpdatedAt any `json:"updatedAt,omitempty"`
	}{World: w}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

type ImportOptions struct {
	Environment domain.Environment
	Strategy    domain.ConflictStrategy
	ActorID     string
}

type ImportResult struct {
	Action        conflict.Action   `json:"action"`
	World         domain.World      `json:"world"`
	UploadedBlobs []string          `json:"uploadedBlobs"`
	Warnings      []string          `json:"warnings"`
	RenamedUsers  map[string]string `json:"renamedUsers,omitempty"`
}

// Import resolves the bundle against the target in memory, uploads the planned blobs
// and then writes the world record once. A skip resolution writes nothing.
func (c Codec) Import(ctx context.Context, dir string, opts ImportOptions) (ImportResult, error) {
	strategy := opts.Strategy.WithDefaults()
	if err := strategy.Validate(); err != nil {
		return ImportResult{}, err
	}
	b, err := Validate(dir)
	if err != nil {
		return ImportResult{}, err
	}
	env := opts.Environment
	if env == "" {
		env = b.Manifest.SourceEnvironment
	}
	target, err := c.lookupTarget(ctx, b.World.ID, env)
	if err != nil {
		return ImportResult{}, err
	}
	var missing []string
	if !(target != nil && strategy.World == domain.Skip) {
		if missing, err = blob.Missing(ctx, c.Blobs, b.World.BlobIDs(), c.workers()); err != nil {
			return ImportResult{}, err
		}
	}
	bundleBlobs := make(map[string]string, len(b.Blobs))
	for _, bb := range b.Blobs {
		bundleBlobs[bb.BlobID] = bb.RelativePath
	}
	res, err := conflict.Resolve(conflict.Input{
		Target:       target,
		Incoming:     b.World,
		TargetEnv:    env,
		Strategy:     strategy,
		MissingBlobs: missing,
		BundleBlobs:  bundleBlobs,
		Now:          c.now(),
	})
	if err != nil {
		return ImportResult{}, err
	}
	out := ImportResult{Action: res.Action, World: res.World, Warnings: res.Warnings, RenamedUsers: res.RenamedUsers}
	log := c.logger().With(zap.String("world", res.World.Key().String()), zap.String("action", string(res.Action)))
	if !res.Action.Writes() {
		log.Info("seed import skipped")
		return out, nil
	}
	for _, up := range res.Uploads {
		if err := c.upload(ctx, dir, up); err != nil {
			return out, fmt.Errorf("upload blob %s: %w", up.BlobID, err)
		}
		out.UploadedBlobs = append(out.UploadedBlobs, up.BlobID)
	}
	switch res.Action {
	case conflict.ActionCreate:
		out.World, err = c.Repo.CreateWorld(ctx, res.World, opts.ActorID)
	default:
		out.World, err = c.Repo.ReplaceWorld(ctx, res.World, opts.ActorID)
	}
	if err != nil {
		return out, err
	}
	log.Info("seed imported", zap.Int("uploaded", len(out.UploadedBlobs)), zap.Int("warnings", len(out.Warnings)))
	return out, nil
}

func (c Codec) upload(ctx context.Context, dir string, up conflict.Upload) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(up.RelativePath)))
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Blobs.Put(ctx, up.BlobID, f)
}
