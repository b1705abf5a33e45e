package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"worldline/internal/audit"
	"worldline/internal/blob"
	"worldline/internal/config"
	"worldline/internal/conflict"
	"worldline/internal/domain"
	"worldline/internal/lifecycle"
	"worldline/internal/repo"
	"worldline/internal/seed"
	"worldline/internal/transfer"
)

// Engine is the handle every facade dispatches through. It owns no state beyond the
// record store, the blob store and the loaded config.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Blobs  blob.Store
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, blobs blob.Store, logger *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Blobs:  blobs,
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) registry() repo.Repo {
	r := e.Repo
	if r.DB == nil {
		r.DB = e.DB
	}
	if r.Now == nil {
		r.Now = e.Now
	}
	return r
}

// Codec returns the seed codec bound to this handle.
func (e Engine) Codec() seed.Codec {
	return seed.Codec{
		Repo:     e.registry(),
		Blobs:    e.Blobs,
		SeedsDir: e.config().Seeds.Dir,
		Workers:  e.config().Seeds.ExportWorkers,
		Logger:   e.logger().Named("seed"),
		Now:      e.Now,
	}
}

func (e Engine) Auditor() audit.Auditor {
	return audit.Auditor{
		Repo:   e.registry(),
		Blobs:  e.Blobs,
		Grace:  time.Duration(e.config().Blobs.OrphanGraceMinutes) * time.Minute,
		Logger: e.logger().Named("audit"),
	}
}

func (e Engine) Scheduler() lifecycle.Scheduler {
	cfg := e.config()
	return lifecycle.Scheduler{
		Repo:       e.registry(),
		Floor:      time.Duration(cfg.Retention.FloorHours) * time.Hour,
		DefaultTTL: time.Duration(cfg.Retention.DefaultTTLHours) * time.Hour,
		Logger:     e.logger().Named("lifecycle"),
		Now:        e.Now,
	}
}

func (e Engine) Transfers() transfer.Coordinator {
	return transfer.Coordinator{Repo: e.registry(), Logger: e.logger().Named("transfer"), Now: e.Now}
}

// Environment resolves an optional environment argument against the configured default.
func (e Engine) Environment(raw string) (domain.Environment, error) {
	if strings.TrimSpace(raw) == "" {
		return e.config().Environment(), nil
	}
	return domain.ParseEnvironment(raw)
}

// CreateOptions are parameters for creating a world.
type CreateOptions struct {
	ID                string
	Name              string
	Description       string
	Environment       domain.Environment
	Category          domain.Category
	Tags              []string
	Dependencies      []string
	AutoCleanup       bool
	CleanupAfterHours int
	IsTemplate        bool
	ActorID           string
}

func (e Engine) CreateWorld(ctx context.Context, opts CreateOptions) (domain.World, error) {
	if opts.Environment == "" {
		opts.Environment = e.config().Environment()
	}
	if opts.Category == "" {
		opts.Category = domain.CategoryGeneral
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = "world-" + uuid.NewString()[:8]
	}
	w, err := e.registry().CreateWorld(ctx, domain.World{
		ID:           id,
		Name:         strings.TrimSpace(opts.Name),
		Description:  opts.Description,
		Environment:  opts.Environment,
		Category:     opts.Category,
		Tags:         opts.Tags,
		Dependencies: opts.Dependencies,
		Settings:     domain.Settings{AutoCleanup: opts.AutoCleanup, CleanupAfterHours: opts.CleanupAfterHours},
		IsActive:     true,
		IsTemplate:   opts.IsTemplate,
	}, opts.ActorID)
	if err != nil {
		return domain.World{}, err
	}
	e.logger().Info("world created", zap.String("world", w.Key().String()))
	return w, nil
}

func (e Engine) GetWorld(ctx context.Context, id string, env domain.Environment) (domain.World, error) {
	return e.registry().GetWorld(ctx, id, env)
}

func (e Engine) ListWorlds(ctx context.Context, f repo.WorldFilter) ([]domain.World, error) {
	return e.registry().ListWorlds(ctx, f)
}

func (e Engine) UpdateWorld(ctx context.Context, id string, env domain.Environment, patch repo.WorldPatch, actorID string) (domain.World, error) {
	return e.registry().UpdateWorld(ctx, id, env, patch, actorID)
}

// UseWorld records one use of a world, refreshing its lifecycle clock.
func (e Engine) UseWorld(ctx context.Context, id string, env domain.Environment, actorID string) (domain.World, error) {
	return e.registry().RecordUsage(ctx, id, env, actorID)
}

// PurgeWorld hard-deletes a world. Active dependents in the same environment block it.
func (e Engine) PurgeWorld(ctx context.Context, id string, env domain.Environment, actorID string) error {
	r := e.registry()
	deps, err := r.Dependents(ctx, id, env)
	if err != nil {
		return err
	}
	if len(deps) > 0 {
		return fmt.Errorf("world %s in %s is required by %s: %w", id, env, strings.Join(deps, ", "), domain.ErrDependencyBlocked)
	}
	if err := r.DeleteWorld(ctx, id, env, actorID); err != nil {
		return err
	}
	e.logger().Info("world purged", zap.String("world", domain.Key{ID: id, Environment: env}.String()))
	return nil
}

// SeedWorld fills a world with deterministic sample users, artifacts and chats, stores
// the artifact blobs and records a use. Entities that already exist are left alone.
func (e Engine) SeedWorld(ctx context.Context, id string, env domain.Environment, actorID string) (domain.World, error) {
	r := e.registry()
	w, err := r.GetWorld(ctx, id, env)
	if err != nil {
		return domain.World{}, err
	}
	if e.Blobs == nil {
		return domain.World{}, errors.New("blob store not configured")
	}
	sample := sampleData(w)
	for _, sb := range sample.blobs {
		if err := e.Blobs.Put(ctx, sb.id, strings.NewReader(sb.content)); err != nil {
			return domain.World{}, fmt.Errorf("store sample blob %s: %w", sb.id, err)
		}
	}
	w.Users = appendMissing(w.Users, sample.users, func(u domain.User) string { return u.ID })
	w.Artifacts = appendMissing(w.Artifacts, sample.artifacts, func(a domain.Artifact) string { return a.ID })
	w.Chats = appendMissing(w.Chats, sample.chats, func(c domain.Chat) string { return c.ID })
	if _, err := r.ReplaceWorld(ctx, w, actorID); err != nil {
		return domain.World{}, err
	}
	w, err = r.RecordUsage(ctx, id, env, actorID)
	if err != nil {
		return domain.World{}, err
	}
	e.logger().Info("world seeded",
		zap.String("world", w.Key().String()),
		zap.Int("users", len(w.Users)),
		zap.Int("artifacts", len(w.Artifacts)))
	return w, nil
}

func appendMissing[T any](have, add []T, key func(T) string) []T {
	seen := make(map[string]struct{}, len(have))
	for _, v := range have {
		seen[key(v)] = struct{}{}
	}
	for _, v := range add {
		if _, ok := seen[key(v)]; ok {
			continue
		}
		have = append(have, v)
	}
	return have
}

func (e Engine) Copy(ctx context.Context, req transfer.Request) (transfer.Descriptor, error) {
	return e.Transfers().Transfer(ctx, req)
}

func (e Engine) PlanCleanup(ctx context.Context, env domain.Environment) (lifecycle.Plan, error) {
	return e.Scheduler().Plan(ctx, env)
}

// Cleanup plans TTL expiry for env and, when confirmed, deactivates the candidates.
func (e Engine) Cleanup(ctx context.Context, env domain.Environment, confirmed bool, actorID string) (lifecycle.Plan, lifecycle.Report, error) {
	return e.Scheduler().Cleanup(ctx, env, confirmed, actorID)
}

// ApplyCleanup deactivates exactly the candidates of a plan the caller already showed,
// without planning again.
func (e Engine) ApplyCleanup(ctx context.Context, plan lifecycle.Plan, actorID string) (lifecycle.Report, error) {
	return e.Scheduler().Apply(ctx, plan, actorID)
}

func (e Engine) DetectOrphans(ctx context.Context, env domain.Environment) (audit.Report, error) {
	return e.Auditor().Detect(ctx, env)
}

func (e Engine) CleanupOrphans(ctx context.Context, env domain.Environment) (audit.Report, audit.CleanupReport, error) {
	return e.Auditor().CleanupOrphans(ctx, env)
}

// SeedPath resolves a bundle argument. Paths that do not exist as given are looked up
// under the configured seeds directory.
func (e Engine) SeedPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if _, err := os.Stat(p); err == nil {
		return p
	}
	candidate := filepath.Join(e.config().Seeds.Dir, p)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return p
}

// ConfinedSeedPath resolves p under the seeds directory for callers that must not
// reach the rest of the filesystem. Relative paths are joined to the seeds directory;
// absolute paths are accepted only when they already lie inside it.
func (e Engine) ConfinedSeedPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", domain.Invalidf("seed path is required")
	}
	root, err := filepath.Abs(e.config().Seeds.Dir)
	if err != nil {
		return "", err
	}
	candidate := filepath.FromSlash(p)
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	rel, err := filepath.Rel(root, candidate)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", domain.Invalidf("seed path %q must stay inside the seeds directory", p)
	}
	return candidate, nil
}

func (e Engine) ExportSeed(ctx context.Context, worldID string, opts seed.ExportOptions) (seed.ExportResult, error) {
	if opts.Environment == "" {
		opts.Environment = e.config().Environment()
	}
	return e.Codec().Export(ctx, worldID, opts)
}

func (e Engine) AnalyzeSeed(ctx context.Context, path string, env domain.Environment) (domain.ConflictReport, error) {
	return e.Codec().Analyze(ctx, e.SeedPath(path), env)
}

func (e Engine) ImportSeed(ctx context.Context, path string, opts seed.ImportOptions) (seed.ImportResult, error) {
	return e.Codec().Import(ctx, e.SeedPath(path), opts)
}

func (e Engine) ValidateSeed(path string) (domain.SeedBundle, error) {
	return seed.Validate(e.SeedPath(path))
}

// ListSeeds returns the bundle directories under the seeds directory, sorted.
func (e Engine) ListSeeds() []string {
	return slices.Sorted(seed.ListSeeds(e.config().Seeds.Dir))
}

func (e Engine) Events(ctx context.Context, limit int, worldID string, env domain.Environment, evtType string) ([]domain.Event, error) {
	return e.registry().LatestEvents(ctx, limit, worldID, env, evtType)
}

// ParseStrategy builds a conflict strategy from per-domain flag values; empty values
// take the defaults.
func ParseStrategy(world, users, artifacts, chats, blobs string) (domain.ConflictStrategy, error) {
	var s domain.ConflictStrategy
	var issues []string
	for _, f := range []struct {
		name string
		raw  string
		dst  *domain.Resolution
	}{
		{"world", world, &s.World},
		{"users", users, &s.Users},
		{"artifacts", artifacts, &s.Artifacts},
		{"chats", chats, &s.Chats},
		{"blobs", blobs, &s.Blobs},
	} {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		r, err := domain.ParseResolution(f.raw)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", f.name, err))
			continue
		}
		*f.dst = r
	}
	if len(issues) > 0 {
		return domain.ConflictStrategy{}, &domain.ValidationError{Issues: issues}
	}
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return domain.ConflictStrategy{}, err
	}
	return s, nil
}

// ImportActions lists the possible import outcomes, for help text.
var ImportActions = []conflict.Action{conflict.ActionCreate, conflict.ActionReplace, conflict.ActionMerge, conflict.ActionSkip}
