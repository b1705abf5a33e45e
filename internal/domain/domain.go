package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Environment string

const (
	EnvLocal Environment = "LOCAL"
	EnvBeta  Environment = "BETA"
	EnvProd  Environment = "PROD"
)

var Environments = []Environment{EnvLocal, EnvBeta, EnvProd}

// ParseEnvironment accepts any casing and rejects unknown namespaces.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToUpper(strings.TrimSpace(s)))
	if !env.Valid() {
		return "", Invalidf("unknown environment %q (want LOCAL, BETA or PROD)", s)
	}
	return env, nil
}

func (e Environment) Valid() bool {
	switch e {
	case EnvLocal, EnvBeta, EnvProd:
		return true
	}
	return false
}

type Category string

const (
	CategoryGeneral     Category = "GENERAL"
	CategoryUC          Category = "UC"
	CategoryRegression  Category = "REGRESSION"
	CategoryPerformance Category = "PERFORMANCE"
	CategoryDemo        Category = "DEMO"
	CategoryEnterprise  Category = "ENTERPRISE"
)

var Categories = []Category{CategoryGeneral, CategoryUC, CategoryRegression, CategoryPerformance, CategoryDemo, CategoryEnterprise}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", Invalidf("unknown category %q", s)
	}
	return c, nil
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type User struct {
	ID         string            `json:"id"`
	Email      string            `json:"email"`
	Name       string            `json:"name,omitempty"`
	Type       string            `json:"type,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Artifact struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Title      string            `json:"title,omitempty"`
	ContentRef string            `json:"contentRef,omitempty"`
	BlobRefs   []string          `json:"blobRefs,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// BlobIDs lists the content reference followed by the extra blob references.
func (a Artifact) BlobIDs() []string {
	var ids []string
	if a.ContentRef != "" {
		ids = append(ids, a.ContentRef)
	}
	for _, ref := range a.BlobRefs {
		if ref != "" {
			ids = append(ids, ref)
		}
	}
	return ids
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Chat struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	ArtifactIDs []string  `json:"artifactIds,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
}

type Settings struct {
	AutoCleanup       bool `json:"autoCleanup"`
	CleanupAfterHours int  `json:"cleanupAfterHours,omitempty"`
}

// World is a named, versioned snapshot of fixture data scoped to one environment.
type World struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Environment  Environment `json:"environment" enum:"LOCAL,BETA,PROD"`
	Category     Category    `json:"category" enum:"GENERAL,UC,REGRESSION,PERFORMANCE,DEMO,ENTERPRISE"`
	Tags         []string    `json:"tags,omitempty"`
	Users        []User      `json:"users,omitempty"`
	Artifacts    []Artifact  `json:"artifacts,omitempty"`
	Chats        []Chat      `json:"chats,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"`
	Settings     Settings    `json:"settings"`
	IsActive     bool        `json:"isActive"`
	IsTemplate   bool        `json:"isTemplate"`
	UsageCount   int64       `json:"usageCount"`
	LastUsedAt   *time.Time  `json:"lastUsedAt,omitempty" format:"date-time"`
	CreatedAt    time.Time   `json:"createdAt" format:"date-time"`
	UpdatedAt    time.Time   `json:"updatedAt" format:"date-time"`
}

// Key identifies a world across environments.
type Key struct {
	ID          string      `json:"id"`
	Environment Environment `json:"environment"`
}

func (k Key) String() string { return k.ID + "@" + string(k.Environment) }

func (w World) Key() Key { return Key{ID: w.ID, Environment: w.Environment} }

// BlobIDs returns every blob referenced by the world's artifacts, sorted and de-duplicated.
func (w World) BlobIDs() []string {
	seen := map[string]struct{}{}
	for _, a := range w.Artifacts {
		for _, id := range a.BlobIDs() {
			seen[id] = struct{}{}
		}
	}
	return SortedKeys(seen)
}

// Validate checks the fields a world needs before it may be stored or exported.
func (w World) Validate() error {
	var issues []string
	if strings.TrimSpace(w.ID) == "" {
		issues = append(issues, "world.id is required")
	}
	if strings.TrimSpace(w.Name) == "" {
		issues = append(issues, "world.name is required")
	}
	if !w.Environment.Valid() {
		issues = append(issues, fmt.Sprintf("world.environment %q is invalid", w.Environment))
	}
	if !w.Category.Valid() {
		issues = append(issues, fmt.Sprintf("world.category %q is invalid", w.Category))
	}
	if w.Settings.CleanupAfterHours < 0 {
		issues = append(issues, "world.settings.cleanupAfterHours must be positive")
	}
	for i, u := range w.Users {
		if u.ID == "" {
			issues = append(issues, fmt.Sprintf("world.users[%d].id is required", i))
		}
	}
	for i, a := range w.Artifacts {
		if a.ID == "" {
			issues = append(issues, fmt.Sprintf("world.artifacts[%d].id is required", i))
		}
	}
	for i, c := range w.Chats {
		if c.ID == "" {
			issues = append(issues, fmt.Sprintf("world.chats[%d].id is required", i))
		}
	}
	for _, dep := range w.Dependencies {
		if dep == w.ID {
			issues = append(issues, "world cannot depend on itself")
		}
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored slices.
func (w World) Clone() World {
	out := w
	out.Tags = append([]string(nil), w.Tags...)
	out.Dependencies = append([]string(nil), w.Dependencies...)
	out.Users = nil
	for _, u := range w.Users {
		out.Users = append(out.Users, u.clone())
	}
	out.Artifacts = nil
	for _, a := range w.Artifacts {
		out.Artifacts = append(out.Artifacts, a.clone())
	}
	out.Chats = nil
	for _, c := range w.Chats {
		out.Chats = append(out.Chats, c.clone())
	}
	if w.LastUsedAt != nil {
		t := *w.LastUsedAt
		out.LastUsedAt = &t
	}
	return out
}

func (u User) clone() User {
	u.Attributes = cloneMap(u.Attributes)
	return u
}

func (a Artifact) clone() Artifact {
	a.BlobRefs = append([]string(nil), a.BlobRefs...)
	a.Attributes = cloneMap(a.Attributes)
	return a
}

func (c Chat) clone() Chat {
	c.ArtifactIDs = append([]string(nil), c.ArtifactIDs...)
	c.Messages = append([]Message(nil), c.Messages...)
	return c
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// HasTags reports whether every wanted tag is present.
func (w World) HasTags(want ...string) bool {
	have := make(map[string]struct{}, len(w.Tags))
	for _, t := range w.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

func SortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeTags trims, drops empties and de-duplicates while keeping first-seen order.
func NormalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Event is one row of the append-only world log.
type Event struct {
	ID          int64       `json:"id"`
	TS          string      `json:"ts" format:"date-time"`
	Type        string      `json:"type"`
	WorldID     string      `json:"world_id,omitempty"`
	Environment Environment `json:"environment,omitempty"`
	ActorID     string      `json:"actor_id"`
	Payload     string      `json:"payload_json"`
}
