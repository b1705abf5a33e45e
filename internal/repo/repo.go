package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"worldline/internal/domain"
	"worldline/internal/events"
)

// Repo is the World Registry over the SQLite record store.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = domain.ErrConflict
)

// timeLayout is fixed-width so lexical order in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const worldColumns = `id,environment,name,description,category,tags_json,users_json,artifacts_json,chats_json,dependencies_json,auto_cleanup,cleanup_after_hours,is_active,is_template,usage_count,last_used_at,created_at,updated_at`

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Repo) events() events.Writer {
	w := r.Events
	if w.Now == nil {
		w.Now = r.Now
	}
	return w
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// CreateWorld inserts a world. The (id, environment) primary key makes the
// insert-if-absent atomic across processes; a duplicate yields ErrConflict.
func (r Repo) CreateWorld(ctx context.Context, w domain.World, actorID string) (domain.World, error) {
	w = w.Clone()
	w.Tags = domain.NormalizeTags(w.Tags)
	w.Dependencies = domain.NormalizeTags(w.Dependencies)
	if err := w.Validate(); err != nil {
		return domain.World{}, err
	}
	now := r.now()
	w.CreatedAt = now
	w.UpdatedAt = now
	cols, err := encodeWorld(w)
	if err != nil {
		return domain.World{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.World{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO worlds(`+worldColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, cols...); err != nil {
		if isUniqueViolation(err) {
			return domain.World{}, domain.Conflictf("world %s already exists in %s", w.ID, w.Environment)
		}
		return domain.World{}, fmt.Errorf("insert world: %w", err)
	}
	if err := r.events().Append(ctx, tx, events.WorldCreated, w.Key(), actorID, events.EventPayload{
		"name":     w.Name,
		"category": w.Category,
	}); err != nil {
		return domain.World{}, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return domain.World{}, domain.Conflictf("world %s already exists in %s", w.ID, w.Environment)
		}
		return domain.World{}, err
	}
	return w, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r Repo) GetWorld(ctx context.Context, id string, env domain.Environment) (domain.World, error) {
	return getWorld(ctx, r.DB, id, env)
}

func getWorld(ctx context.Context, q querier, id string, env domain.Environment) (domain.World, error) {
	row := q.QueryRowContext(ctx, `SELECT `+worldColumns+` FROM worlds WHERE id=? AND environment=?`, id, string(env))
	w, err := scanWorld(row)
	if err == sql.ErrNoRows {
		return w, domain.NotFoundf("world %s in %s", id, env)
	}
	return w, err
}

// WorldPatch lists the mutable fields; identity (id, environment) is not patchable.
type WorldPatch struct {
	Name         *string            `json:"name,omitempty"`
	Description  *string            `json:"description,omitempty"`
	Category     *domain.Category   `json:"category,omitempty"`
	Tags         *[]string          `json:"tags,omitempty"`
	Users        *[]domain.User     `json:"users,omitempty"`
	Artifacts    *[]domain.Artifact `json:"artifacts,omitempty"`
	Chats        *[]domain.Chat     `json:"chats,omitempty"`
	Dependencies *[]string          `json:"dependencies,omitempty"`
	Settings     *domain.Settings   `json:"settings,omitempty"`
	IsActive     *bool              `json:"isActive,omitempty"`
	IsTemplate   *bool              `json:"isTemplate,omitempty"`
}

func (p WorldPatch) apply(w *domain.World) {
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.Description != nil {
		w.Description = *p.Description
	}
	if p.Category != nil {
		w.Category = *p.Category
	}
	if p.Tags != nil {
		w.Tags = domain.NormalizeTags(*p.Tags)
	}
	if p.Users != nil {
		w.Users = *p.Users
	}
	if p.Artifacts != nil {
		w.Artifacts = *p.Artifacts
	}
	if p.Chats != nil {
		w.Chats = *p.Chats
	}
	if p.Dependencies != nil {
		w.Dependencies = domain.NormalizeTags(*p.Dependencies)
	}
	if p.Settings != nil {
		w.Settings = *p.Settings
	}
	if p.IsActive != nil {
		w.IsActive = *p.IsActive
	}
	if p.IsTemplate != nil {
		w.IsTemplate = *p.IsTemplate
	}
}

// UpdateWorld applies patch to one record and bumps updatedAt.
func (r Repo) UpdateWorld(ctx context.Context, id string, env domain.Environment, patch WorldPatch, actorID string) (domain.World, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.World{}, err
	}
	defer tx.Rollback()
	w, err := getWorld(ctx, tx, id, env)
	if err != nil {
		return w, err
	}
	patch.apply(&w)
	if err := w.Validate(); err != nil {
		return domain.World{}, err
	}
	w.UpdatedAt = r.now()
	if err := writeWorld(ctx, tx, w); err != nil {
		return domain.World{}, err
	}
	if err := r.events().Append(ctx, tx, events.WorldUpdated, w.Key(), actorID, nil); err != nil {
		return domain.World{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.World{}, err
	}
	return w, nil
}

// ReplaceWorld overwrites every non-identity column of an existing record in one
// statement; createdAt is kept from the stored row.
func (r Repo) ReplaceWorld(ctx context.Context, w domain.World, actorID string) (domain.World, error) {
	w = w.Clone()
	w.Tags = domain.NormalizeTags(w.Tags)
	w.Dependencies = domain.NormalizeTags(w.Dependencies)
	if err := w.Validate(); err != nil {
		return domain.World{}, err
	}
	w.UpdatedAt = r.now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.World{}, err
	}
	defer tx.Rollback()
	if err := writeWorld(ctx, tx, w); err != nil {
		return domain.World{}, err
	}
	if err := r.events().Append(ctx, tx, events.WorldReplaced, w.Key(), actorID, events.EventPayload{
		"users":     len(w.Users),
		"artifacts": len(w.Artifacts),
		"chats":     len(w.Chats),
	}); err != nil {
		return domain.World{}, err
	}
	stored, err := getWorld(ctx, tx, w.ID, w.Environment)
	if err != nil {
		return domain.World{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.World{}, err
	}
	return stored, nil
}

func writeWorld(ctx context.Context, tx *sql.Tx, w domain.World) error {
	cols, err := encodeWorld(w)
	if err != nil {
		return err
	}
	// cols[0:2] are the identity, cols[16] created_at is never rewritten.
	args := append([]any{}, cols[2:16]...)
	args = append(args, cols[17], cols[0], cols[1])
	res, err := tx.ExecContext(ctx, `UPDATE worlds SET name=?, description=?, category=?, tags_json=?, users_json=?, artifacts_json=?, chats_json=?, dependencies_json=?,
auto_cleanup=?, cleanup_after_hours=?, is_active=?, is_template=?, usage_count=?, last_used_at=?, updated_at=? WHERE id=? AND environment=?`, args...)
	if err != nil {
		return fmt.Errorf("update world: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("world %s in %s", w.ID, w.Environment)
	}
	return nil
}

// RecordUsage increments usageCount and stamps lastUsedAt in one statement.
func (r Repo) RecordUsage(ctx context.Context, id string, env domain.Environment, actorID string) (domain.World, error) {
	now := formatTime(r.now())
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.World{}, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE worlds SET usage_count=usage_count+1, last_used_at=?, updated_at=? WHERE id=? AND environment=?`, now, now, id, string(env))
	if err != nil {
		return domain.World{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.World{}, domain.NotFoundf("world %s in %s", id, env)
	}
	key := domain.Key{ID: id, Environment: env}
	if err := r.events().Append(ctx, tx, events.WorldUsed, key, actorID, nil); err != nil {
		return domain.World{}, err
	}
	w, err := getWorld(ctx, tx, id, env)
	if err != nil {
		return domain.World{}, err
	}
	return w, tx.Commit()
}

// DeactivateWorld soft-deletes an active world. It reports false when the world was
// already inactive, so retries are harmless.
func (r Repo) DeactivateWorld(ctx context.Context, id string, env domain.Environment, actorID string, reason string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE worlds SET is_active=0, updated_at=? WHERE id=? AND environment=? AND is_active=1`, formatTime(r.now()), id, string(env))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := getWorld(ctx, tx, id, env); err != nil {
			return false, err
		}
		return false, nil
	}
	key := domain.Key{ID: id, Environment: env}
	if err := r.events().Append(ctx, tx, events.WorldDeactivated, key, actorID, events.EventPayload{"reason": reason}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// DeleteWorld physically removes a world. Only the explicit purge path calls it.
func (r Repo) DeleteWorld(ctx context.Context, id string, env domain.Environment, actorID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM worlds WHERE id=? AND environment=?`, id, string(env))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("world %s in %s", id, env)
	}
	if err := r.events().Append(ctx, tx, events.WorldPurged, domain.Key{ID: id, Environment: env}, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

type Order int

const (
	OrderUpdatedDesc Order = iota
	OrderInsertion
)

type WorldFilter struct {
	Environment domain.Environment
	Category    domain.Category
	IsActive    *bool
	IsTemplate  *bool
	Tags        []string
	AutoCleanup *bool
	Order       Order
	Limit       int
}

func (r Repo) ListWorlds(ctx context.Context, f WorldFilter) ([]domain.World, error) {
	var clauses []string
	var args []any
	if f.Environment != "" {
		clauses = append(clauses, "environment=?")
		args = append(args, string(f.Environment))
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, string(f.Category))
	}
	if f.IsActive != nil {
		clauses = append(clauses, "is_active=?")
		args = append(args, boolInt(*f.IsActive))
	}
	if f.IsTemplate != nil {
		clauses = append(clauses, "is_template=?")
		args = append(args, boolInt(*f.IsTemplate))
	}
	if f.AutoCleanup != nil {
		clauses = append(clauses, "auto_cleanup=?")
		args = append(args, boolInt(*f.AutoCleanup))
	}
	for _, tag := range domain.NormalizeTags(f.Tags) {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(worlds.tags_json) WHERE json_each.value=?)")
		args = append(args, tag)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := "ORDER BY updated_at DESC, rowid DESC"
	if f.Order == OrderInsertion {
		order = "ORDER BY rowid ASC"
	}
	query := `SELECT ` + worldColumns + ` FROM worlds ` + where + ` ` + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.World
	for rows.Next() {
		w, err := scanWorld(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// Dependents returns the other active worlds in env whose dependencies list id.
func (r Repo) Dependents(ctx context.Context, id string, env domain.Environment) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM worlds
WHERE environment=? AND is_active=1 AND id<>?
AND EXISTS (SELECT 1 FROM json_each(worlds.dependencies_json) WHERE json_each.value=?)
ORDER BY id`, string(env), id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		ids = append(ids, dep)
	}
	return ids, rows.Err()
}

// ReferencedBlobIDs collects the blob ids referenced by artifacts of every world in env,
// or of every world when env is empty. Inactive worlds still count.
func (r Repo) ReferencedBlobIDs(ctx context.Context, env domain.Environment) (map[string]struct{}, error) {
	query := `SELECT artifacts_json FROM worlds`
	var args []any
	if env != "" {
		query += ` WHERE environment=?`
		args = append(args, string(env))
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	refs := map[string]struct{}{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var artifacts []domain.Artifact
		if err := json.Unmarshal([]byte(raw), &artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
		for _, a := range artifacts {
			for _, id := range a.BlobIDs() {
				refs[id] = struct{}{}
			}
		}
	}
	return refs, rows.Err()
}

// LatestEvents returns the newest events, optionally narrowed to one world.
func (r Repo) LatestEvents(ctx context.Context, limit int, worldID string, env domain.Environment, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if worldID != "" {
		clauses = append(clauses, "world_id=?")
		args = append(args, worldID)
	}
	if env != "" {
		clauses = append(clauses, "environment=?")
		args = append(args, string(env))
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(world_id,''),COALESCE(environment,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var env string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.WorldID, &env, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.Environment = domain.Environment(env)
		res = append(res, e)
	}
	return res, rows.Err()
}

func encodeWorld(w domain.World) ([]any, error) {
	tags, err := marshalList(w.Tags)
	if err != nil {
		return nil, err
	}
	users, err := marshalList(w.Users)
	if err != nil {
		return nil, err
	}
	artifacts, err := marshalList(w.Artifacts)
	if err != nil {
		return nil, err
	}
	chats, err := marshalList(w.Chats)
	if err != nil {
		return nil, err
	}
	deps, err := marshalList(w.Dependencies)
	if err != nil {
		return nil, err
	}
	var lastUsed any
	if w.LastUsedAt != nil {
		lastUsed = formatTime(*w.LastUsedAt)
	}
	return []any{
		w.ID, string(w.Environment), w.Name, nullable(w.Description), string(w.Category),
		tags, users, artifacts, chats, deps,
		boolInt(w.Settings.AutoCleanup), w.Settings.CleanupAfterHours,
		boolInt(w.IsActive), boolInt(w.IsTemplate), w.UsageCount, lastUsed,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	}, nil
}

func scanWorld(row rowScanner) (domain.World, error) {
	var w domain.World
	var env, category, tags, users, artifacts, chats, deps, createdAt, updatedAt string
	var desc, lastUsed sql.NullString
	var autoCleanup, isActive, isTemplate int
	err := row.Scan(&w.ID, &env, &w.Name, &desc, &category, &tags, &users, &artifacts, &chats, &deps,
		&autoCleanup, &w.Settings.CleanupAfterHours, &isActive, &isTemplate, &w.UsageCount, &lastUsed, &createdAt, &updatedAt)
	if err != nil {
		return w, err
	}
	w.Environment = domain.Environment(env)
	w.Category = domain.Category(category)
	if desc.Valid {
		w.Description = desc.String
	}
	w.Settings.AutoCleanup = autoCleanup != 0
	w.IsActive = isActive != 0
	w.IsTemplate = isTemplate != 0
	for _, col := range []struct {
		raw string
		dst any
	}{
		{tags, &w.Tags},
		{users, &w.Users},
		{artifacts, &w.Artifacts},
		{chats, &w.Chats},
		{deps, &w.Dependencies},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return w, fmt.Errorf("decode world %s: %w", w.ID, err)
		}
	}
	if lastUsed.Valid {
		t, err := parseTime(lastUsed.String)
		if err != nil {
			return w, err
		}
		w.LastUsedAt = &t
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return w, err
	}
	return w, nil
}

func marshalList[T any](in []T) (string, error) {
	if len(in) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
