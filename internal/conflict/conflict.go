// Package conflict reconciles an incoming world with the current target world. It
// performs no I/O: the caller commits the returned world and uploads.
package conflict

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"worldline/internal/domain"
)

type Action string

const (
	ActionCreate  Action = "create"
	ActionReplace Action = "replace"
	ActionMerge   Action = "merge"
	ActionSkip    Action = "skip"
)

// Writes reports whether committing the action touches the world record.
func (a Action) Writes() bool { return a != ActionSkip }

type Input struct {
	Target    *domain.World
	Incoming  domain.World
	TargetEnv domain.Environment
	Strategy  domain.ConflictStrategy
	// MissingBlobs are blob ids absent from the target store.
	MissingBlobs []string
	// BundleBlobs maps blob id to its path relative to the bundle root.
	BundleBlobs map[string]string
	Now         time.Time
}

type Upload struct {
	BlobID       string `json:"blobId"`
	RelativePath string `json:"relativePath"`
}

type Resolution struct {
	Action       Action            `json:"action"`
	World        domain.World      `json:"world"`
	Uploads      []Upload          `json:"uploads"`
	Warnings     []string          `json:"warnings"`
	RenamedUsers map[string]string `json:"renamedUsers,omitempty"`
}

// Resolve computes the world to commit. It is deterministic for a given input.
func Resolve(in Input) (Resolution, error) {
	strategy := in.Strategy.WithDefaults()
	if err := strategy.Validate(); err != nil {
		return Resolution{}, err
	}
	if !in.TargetEnv.Valid() {
		return Resolution{}, domain.Invalidf("target environment %q is invalid", in.TargetEnv)
	}
	incoming := in.Incoming.Clone()
	incoming.Environment = in.TargetEnv

	if in.Target == nil {
		res := Resolution{Action: ActionCreate, World: incoming}
		res.planBlobs(strategy.Blobs, incoming, in)
		return res, nil
	}
	target := in.Target.Clone()
	if incoming.ID != target.ID || target.Environment != in.TargetEnv {
		return Resolution{}, domain.Invalidf("target world %s does not match incoming %s", target.Key(), incoming.Key())
	}

	switch strategy.World {
	case domain.Skip:
		return Resolution{
			Action:   ActionSkip,
			World:    target,
			Warnings: []string{fmt.Sprintf("world %s already exists in %s; import skipped", target.ID, in.TargetEnv)},
		}, nil
	case domain.Replace:
		w := incoming
		w.CreatedAt = target.CreatedAt
		res := Resolution{Action: ActionReplace, World: w}
		res.planBlobs(strategy.Blobs, incoming, in)
		return res, nil
	}

	res := Resolution{Action: ActionMerge}
	w := mergeWorldFields(target, incoming)

	users, aliases, renamed := mergeUsers(target.Users, incoming.Users, strategy.Users, in.Now)
	w.Users = users
	if len(renamed) > 0 {
		res.RenamedUsers = renamed
		for _, oldID := range domain.SortedKeys(renamed) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("user %s renamed to %s", oldID, renamed[oldID]))
		}
	}
	incomingChats := remapChatUsers(incoming.Chats, aliases)
	w.Artifacts = mergeByID(target.Artifacts, incoming.Artifacts, strategy.Artifacts,
		func(a domain.Artifact) string { return a.ID }, mergeArtifact)
	w.Chats = mergeByID(target.Chats, incomingChats, strategy.Chats,
		func(c domain.Chat) string { return c.ID }, mergeChat)
	res.World = w
	res.planBlobs(strategy.Blobs, incoming, in)
	return res, nil
}

func mergeWorldFields(target, incoming domain.World) domain.World {
	w := target
	if incoming.Name != "" {
		w.Name = incoming.Name
	}
	if incoming.Description != "" {
		w.Description = incoming.Description
	}
	if incoming.Category != "" {
		w.Category = incoming.Category
	}
	if len(incoming.Tags) > 0 {
		w.Tags = append([]string(nil), incoming.Tags...)
	}
	if incoming.Settings.CleanupAfterHours > 0 {
		w.Settings.CleanupAfterHours = incoming.Settings.CleanupAfterHours
	}
	if incoming.Settings.AutoCleanup {
		w.Settings.AutoCleanup = true
	}
	w.Dependencies = domain.NormalizeTags(append(append([]string(nil), target.Dependencies...), incoming.Dependencies...))
	return w
}

// planBlobs decides uploads for blobs referenced by incoming artifacts that survived
// resolution. Merge only fills gaps; replace also refreshes blobs the target has.
func (r *Resolution) planBlobs(policy domain.Resolution, incoming domain.World, in Input) {
	kept := map[string]struct{}{}
	for _, id := range r.World.BlobIDs() {
		kept[id] = struct{}{}
	}
	missing := map[string]struct{}{}
	for _, id := range in.MissingBlobs {
		missing[id] = struct{}{}
	}
	for _, id := range incoming.BlobIDs() {
		if _, ok := kept[id]; !ok {
			continue
		}
		_, absent := missing[id]
		rel, inBundle := in.BundleBlobs[id]
		switch {
		case policy == domain.Skip && absent:
			r.Warnings = append(r.Warnings, fmt.Sprintf("blob %s is missing in the target store and was not uploaded", id))
		case policy == domain.Skip:
		case inBundle && (absent || policy == domain.Replace):
			r.Uploads = append(r.Uploads, Upload{BlobID: id, RelativePath: rel})
		case absent:
			r.Warnings = append(r.Warnings, fmt.Sprintf("blob %s is missing in the target store and not included in the bundle", id))
		}
	}
}

func userMatches(a, b domain.User) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	return a.Email != "" && strings.EqualFold(a.Email, b.Email)
}

// mergeUsers returns the reconciled users, the incoming user ids that now resolve to a
// different stored id, and the subset of those produced by rename.
func mergeUsers(target, incoming []domain.User, policy domain.Resolution, now time.Time) ([]domain.User, map[string]string, map[string]string) {
	out := append([]domain.User(nil), target...)
	aliases := map[string]string{}
	var renamed map[string]string
	for _, u := range incoming {
		idx := -1
		for i := range out {
			if userMatches(out[i], u) {
				idx = i
				break
			}
		}
		if idx < 0 {
			out = append(out, u)
			continue
		}
		switch policy {
		case domain.Replace:
			// Every field but the id: the target's chats reference it.
			r := u
			r.ID = out[idx].ID
			out[idx] = r
		case domain.Merge:
			out[idx] = mergeUser(out[idx], u)
		case domain.Rename:
			nu := renameUser(u, out, incoming, now)
			if renamed == nil {
				renamed = map[string]string{}
			}
			renamed[u.ID] = nu.ID
			aliases[u.ID] = nu.ID
			out = append(out, nu)
			continue
		}
		if out[idx].ID != u.ID {
			aliases[u.ID] = out[idx].ID
		}
	}
	return out, aliases, renamed
}

// mergeUser keeps the target's id so chats that reference it stay valid.
func mergeUser(t, in domain.User) domain.User {
	out := t
	if in.Email != "" {
		out.Email = in.Email
	}
	if in.Name != "" {
		out.Name = in.Name
	}
	if in.Type != "" {
		out.Type = in.Type
	}
	out.Attributes = mergeAttributes(t.Attributes, in.Attributes)
	return out
}

func renameUser(u domain.User, existing, incoming []domain.User, now time.Time) domain.User {
	suffix := "-imported-" + strconv.FormatInt(now.Unix(), 10)
	taken := func(c domain.User) bool {
		for _, e := range existing {
			if userMatches(e, c) {
				return true
			}
		}
		for _, e := range incoming {
			if e.ID != u.ID && userMatches(e, c) {
				return true
			}
		}
		return false
	}
	for n := 1; ; n++ {
		s := suffix
		if n > 1 {
			s += "-" + strconv.Itoa(n)
		}
		c := u
		c.ID = u.ID + s
		c.Email = suffixEmail(u.Email, s)
		if !taken(c) {
			return c
		}
	}
}

func suffixEmail(email, suffix string) string {
	if email == "" {
		return ""
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email + suffix
	}
	return email[:at] + suffix + email[at:]
}

func remapChatUsers(chats []domain.Chat, aliases map[string]string) []domain.Chat {
	if len(aliases) == 0 {
		return chats
	}
	out := make([]domain.Chat, len(chats))
	for i, c := range chats {
		if nid, ok := aliases[c.UserID]; ok {
			c.UserID = nid
		}
		out[i] = c
	}
	return out
}

// mergeByID unions target and incoming by id, keeping target order and appending
// new incoming entities in their incoming order.
func mergeByID[T any](target, incoming []T, policy domain.Resolution, id func(T) string, merge func(T, T) T) []T {
	out := append([]T(nil), target...)
	index := make(map[string]int, len(out))
	for i, v := range out {
		index[id(v)] = i
	}
	for _, v := range incoming {
		i, ok := index[id(v)]
		if !ok {
			index[id(v)] = len(out)
			out = append(out, v)
			continue
		}
		switch policy {
		case domain.Replace:
			out[i] = v
		case domain.Merge:
			out[i] = merge(out[i], v)
		}
	}
	return out
}

func mergeArtifact(t, in domain.Artifact) domain.Artifact {
	out := t
	if in.Kind != "" {
		out.Kind = in.Kind
	}
	if in.Title != "" {
		out.Title = in.Title
	}
	if in.ContentRef != "" {
		out.ContentRef = in.ContentRef
	}
	out.BlobRefs = domain.NormalizeTags(append(append([]string(nil), t.BlobRefs...), in.BlobRefs...))
	out.Attributes = mergeAttributes(t.Attributes, in.Attributes)
	return out
}

func mergeChat(t, in domain.Chat) domain.Chat {
	out := t
	if in.Title != "" {
		out.Title = in.Title
	}
	if in.UserID != "" {
		out.UserID = in.UserID
	}
	out.ArtifactIDs = domain.NormalizeTags(append(append([]string(nil), t.ArtifactIDs...), in.ArtifactIDs...))
	if len(in.Messages) > 0 {
		out.Messages = append([]domain.Message(nil), in.Messages...)
	}
	return out
}

func mergeAttributes(t, in map[string]string) map[string]string {
	if len(t) == 0 && len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(t)+len(in))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range in {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Collisions lists the incoming user, artifact and chat ids that already exist in the
// target. Users collide by id or by case-insensitive email.
func Collisions(target domain.World, incoming domain.World) (users, artifacts, chats []string) {
	users, artifacts, chats = []string{}, []string{}, []string{}
	for _, u := range incoming.Users {
		for _, t := range target.Users {
			if userMatches(t, u) {
				users = append(users, u.ID)
				break
			}
		}
	}
	artifactIDs := map[string]struct{}{}
	for _, a := range target.Artifacts {
		artifactIDs[a.ID] = struct{}{}
	}
	for _, a := range incoming.Artifacts {
		if _, ok := artifactIDs[a.ID]; ok {
			artifacts = append(artifacts, a.ID)
		}
	}
	chatIDs := map[string]struct{}{}
	for _, c := range target.Chats {
		chatIDs[c.ID] = struct{}{}
	}
	for _, c := range incoming.Chats {
		if _, ok := chatIDs[c.ID]; ok {
			chats = append(chats, c.ID)
		}
	}
	return users, artifacts, chats
}
