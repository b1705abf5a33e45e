// Package lifecycle deactivates worlds that have outlived their time-to-live.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"worldline/internal/domain"
	"worldline/internal/repo"
)

const (
	DefaultFloor = time.Hour
	DefaultTTL   = 24 * time.Hour
)

// Scheduler plans and applies soft deactivation. A world's TTL is its
// cleanupAfterHours (DefaultTTL when unset), never less than Floor.
type Scheduler struct {
	Repo       repo.Repo
	Floor      time.Duration
	DefaultTTL time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

type Candidate struct {
	ID          string             `json:"id"`
	Environment domain.Environment `json:"environment"`
	// Since is lastUsedAt, or createdAt for a world that was never used.
	Since    time.Time `json:"since"`
	TTLHours float64   `json:"ttlHours"`
	Idle     string    `json:"idle"`
}

type Blocked struct {
	Candidate
	Dependents []string `json:"dependents"`
	Reason     string   `json:"reason"`
}

func (b Blocked) Err() error {
	return fmt.Errorf("world %s in %s is required by %v: %w", b.ID, b.Environment, b.Dependents, domain.ErrDependencyBlocked)
}

type Plan struct {
	Environment domain.Environment `json:"environment,omitempty"`
	GeneratedAt time.Time          `json:"generatedAt"`
	Candidates  []Candidate        `json:"candidates"`
	Blocked     []Blocked          `json:"blocked"`
}

type Report struct {
	Deactivated     []domain.Key       `json:"deactivated"`
	AlreadyInactive []domain.Key       `json:"alreadyInactive"`
	Blocked         []Blocked          `json:"blocked"`
	Failed          []domain.ItemError `json:"failed,omitempty"`
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Scheduler) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// TTL returns the idle time after which w becomes eligible.
func (s Scheduler) TTL(w domain.World) time.Duration {
	ttl := s.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if w.Settings.CleanupAfterHours > 0 {
		ttl = time.Duration(w.Settings.CleanupAfterHours) * time.Hour
	}
	floor := s.Floor
	if floor <= 0 {
		floor = DefaultFloor
	}
	return max(ttl, floor)
}

// Plan selects active auto-cleanup worlds idle past their TTL. Candidates that another
// active world in the same environment depends on are moved to Blocked. Dependents are
// evaluated against the state before any deactivation.
func (s Scheduler) Plan(ctx context.Context, env domain.Environment) (Plan, error) {
	active, auto := true, true
	worlds, err := s.Repo.ListWorlds(ctx, repo.WorldFilter{
		Environment: env,
		IsActive:    &active,
		AutoCleanup: &auto,
		Order:       repo.OrderInsertion,
	})
	if err != nil {
		return Plan{}, err
	}
	now := s.now()
	plan := Plan{Environment: env, GeneratedAt: now, Candidates: []Candidate{}, Blocked: []Blocked{}}
	for _, w := range worlds {
		since := w.CreatedAt
		if w.LastUsedAt != nil {
			since = *w.LastUsedAt
		}
		ttl := s.TTL(w)
		idle := now.Sub(since)
		if idle <= ttl {
			continue
		}
		c := Candidate{ID: w.ID, Environment: w.Environment, Since: since, TTLHours: ttl.Hours(), Idle: idle.Round(time.Minute).String()}
		deps, err := s.Repo.Dependents(ctx, w.ID, w.Environment)
		if err != nil {
			return Plan{}, err
		}
		if len(deps) > 0 {
			plan.Blocked = append(plan.Blocked, Blocked{Candidate: c, Dependents: deps, Reason: domain.ErrDependencyBlocked.Error()})
			continue
		}
		plan.Candidates = append(plan.Candidates, c)
	}
	return plan, nil
}

// Apply deactivates the planned candidates one at a time. Dependents are checked again
// per world so a dependency added after planning still blocks. Failures are collected
// and the batch continues; rerunning a finished plan is a no-op.
func (s Scheduler) Apply(ctx context.Context, plan Plan, actorID string) (Report, error) {
	rep := Report{
		Deactivated:     []domain.Key{},
		AlreadyInactive: []domain.Key{},
		Blocked:         append([]Blocked{}, plan.Blocked...),
	}
	for _, c := range plan.Candidates {
		key := domain.Key{ID: c.ID, Environment: c.Environment}
		deps, err := s.Repo.Dependents(ctx, c.ID, c.Environment)
		if err != nil {
			rep.Failed = append(rep.Failed, domain.ItemError{ID: key.String(), Reason: err.Error()})
			continue
		}
		if len(deps) > 0 {
			rep.Blocked = append(rep.Blocked, Blocked{Candidate: c, Dependents: deps, Reason: domain.ErrDependencyBlocked.Error()})
			continue
		}
		changed, err := s.Repo.DeactivateWorld(ctx, c.ID, c.Environment, actorID, "ttl expired")
		switch {
		case errors.Is(err, domain.ErrNotFound):
			rep.AlreadyInactive = append(rep.AlreadyInactive, key)
		case err != nil:
			rep.Failed = append(rep.Failed, domain.ItemError{ID: key.String(), Reason: err.Error()})
		case changed:
			rep.Deactivated = append(rep.Deactivated, key)
		default:
			rep.AlreadyInactive = append(rep.AlreadyInactive, key)
		}
	}
	for _, b := range rep.Blocked {
		s.logger().Info("cleanup blocked", zap.String("world", b.ID), zap.Strings("dependents", b.Dependents))
	}
	s.logger().Info("lifecycle cleanup applied",
		zap.Int("deactivated", len(rep.Deactivated)),
		zap.Int("blocked", len(rep.Blocked)),
		zap.Int("failed", len(rep.Failed)))
	if len(rep.Failed) > 0 {
		return rep, &domain.PartialError{Kind: domain.ErrPartialCleanup, Failed: rep.Failed}
	}
	return rep, nil
}

// Cleanup plans and, when confirmed, applies. Without confirmation nothing is written
// and the report is empty.
func (s Scheduler) Cleanup(ctx context.Context, env domain.Environment, confirmed bool, actorID string) (Plan, Report, error) {
	plan, err := s.Plan(ctx, env)
	if err != nil {
		return plan, Report{}, err
	}
	if !confirmed {
		return plan, Report{}, nil
	}
	rep, err := s.Apply(ctx, plan, actorID)
	return plan, rep, err
}
