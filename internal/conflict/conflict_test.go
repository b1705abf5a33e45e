package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldline/internal/domain"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func targetWorld() domain.World {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return domain.World{
		ID:           "UC_001",
		Name:         "Checkout",
		Environment:  domain.EnvBeta,
		Category:     domain.CategoryUC,
		Tags:         []string{"old"},
		Dependencies: []string{"BASE"},
		Users: []domain.User{
			{ID: "u1", Email: "alice@example.com", Name: "Alice"},
			{ID: "u2", Email: "bob@example.com", Name: "Bob", Type: "admin"},
		},
		Artifacts: []domain.Artifact{
			{ID: "a1", Kind: "doc", Title: "Runbook", ContentRef: "blobs/a1", Attributes: map[string]string{"lang": "en"}},
		},
		Chats: []domain.Chat{
			{ID: "c1", Title: "Kickoff", UserID: "u1"},
		},
		IsActive:  true,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestResolveCreatesWhenTargetAbsent(t *testing.T) {
	incoming := targetWorld()
	incoming.Environment = domain.EnvLocal
	incoming.Artifacts = append(incoming.Artifacts, domain.Artifact{ID: "a2", Kind: "img", BlobRefs: []string{"blobs/a2"}})

	res, err := Resolve(Input{
		Incoming:     incoming,
		TargetEnv:    domain.EnvBeta,
		Strategy:     domain.DefaultStrategy(),
		MissingBlobs: []string{"blobs/a1", "blobs/a2"},
		BundleBlobs:  map[string]string{"blobs/a1": "blobs/blobs_a1"},
		Now:          fixedNow,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)
	assert.Equal(t, domain.EnvBeta, res.World.Environment)
	assert.Equal(t, []Upload{{BlobID: "blobs/a1", RelativePath: "blobs/blobs_a1"}}, res.Uploads)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "blobs/a2")
}

func TestResolveSkipLeavesTargetUntouched(t *testing.T) {
	target := targetWorld()
	incoming := targetWorld()
	incoming.Name = "Other"

	res, err := Resolve(Input{
		Target:       &target,
		Incoming:     incoming,
		TargetEnv:    domain.EnvBeta,
		Strategy:     domain.ConflictStrategy{World: domain.Skip},
		MissingBlobs: []string{"blobs/a1"},
		BundleBlobs:  map[string]string{"blobs/a1": "blobs/blobs_a1"},
		Now:          fixedNow,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, res.Action)
	assert.False(t, res.Action.Writes())
	assert.Empty(t, res.Uploads)
	if diff := cmp.Diff(target, res.World); diff != "" {
		t.Fatalf("world changed (-want +got):\n%s", diff)
	}
}

func TestResolveRenameKeepsBothUsers(t *testing.T) {
	target := targetWorld()
	incoming := targetWorld()
	incoming.Users = []domain.User{
		{ID: "u1", Email: "alice@example.com", Name: "Alice Imported"},
		{ID: "u3", Email: "Bob@Example.com", Name: "Robert"},
	}
	incoming.Chats = []domain.Chat{{ID: "c2", Title: "Import", UserID: "u3"}}

	res, err := Resolve(Input{
		Target:    &target,
		Incoming:  incoming,
		TargetEnv: domain.EnvBeta,
		Strategy:  domain.ConflictStrategy{World: domain.Merge, Users: domain.Rename},
		Now:       fixedNow,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionMerge, res.Action)

	var ids, emails []string
	for _, u := range res.World.Users {
		ids = append(ids, u.ID)
		emails = append(emails, u.Email)
	}
	assert.Equal(t, []string{"u1", "u2", "u1-imported-1700000000", "u3-imported-1700000000"}, ids)
	assert.Equal(t, []string{
		"alice@example.com",
		"bob@example.com",
		"alice-imported-1700000000@example.com",
		"Bob-imported-1700000000@Example.com",
	}, emails)
	assert.Equal(t, map[string]string{"u1": "u1-imported-1700000000", "u3": "u3-imported-1700000000"}, res.RenamedUsers)

	require.Len(t, res.World.Chats, 2)
	assert.Equal(t, "u3-imported-1700000000", res.World.Chats[1].UserID)
}

func TestResolveRenameAddsTailWhenSuffixTaken(t *testing.T) {
	target := targetWorld()
	target.Users = append(target.Users, domain.User{ID: "u1-imported-1700000000", Email: "someone@example.com"})
	incoming := targetWorld()
	incoming.Users = []domain.User{{ID: "u1", Email: "alice@example.com"}}

	res, err := Resolve(Input{
		Target:    &target,
		Incoming:  incoming,
		TargetEnv: domain.EnvBeta,
		Strategy:  domain.ConflictStrategy{Users: domain.Rename},
		Now:       fixedNow,
	})
	require.NoError(t, err)
	last := res.World.Users[len(res.World.Users)-1]
	assert.Equal(t, "u1-imported-1700000000-2", last.ID)
	assert.Equal(t, "alice-imported-1700000000-2@example.com", last.Email)
}

func TestResolveMergeUnionsDomains(t *testing.T) {
	target := targetWorld()
	incoming := targetWorld()
	incoming.Name = ""
	incoming.Description = "imported"
	incoming.Tags = []string{"new"}
	incoming.Dependencies = []string{"AUTH"}
	incoming.Settings = domain.Settings{AutoCleanup: true, CleanupAfterHours: 6}
	incoming.Users = []domain.User{
		{ID: "u9", Email: "ALICE@example.com", Name: "Alice B."},
		{ID: "u4", Email: "carol@example.com"},
	}
	incoming.Artifacts = []domain.Artifact{
		{ID: "a1", Title: "Runbook v2", BlobRefs: []string{"blobs/extra"}, Attributes: map[string]string{"rev": "2"}},
	}
	incoming.Chats = []domain.Chat{
		{ID: "c1", Messages: []domain.Message{{Role: "user", Content: "hi"}}},
		{ID: "c9", UserID: "u9"},
	}

	res, err := Resolve(Input{
		Target:       &target,
		Incoming:     incoming,
		TargetEnv:    domain.EnvBeta,
		Strategy:     domain.DefaultStrategy(),
		MissingBlobs: []string{"blobs/extra"},
		BundleBlobs:  map[string]string{"blobs/extra": "blobs/blobs_extra", "blobs/a1": "blobs/blobs_a1"},
		Now:          fixedNow,
	})
	require.NoError(t, err)
	w := res.World
	assert.Equal(t, "Checkout", w.Name)
	assert.Equal(t, "imported", w.Description)
	assert.Equal(t, []string{"new"}, w.Tags)
	assert.Equal(t, []string{"BASE", "AUTH"}, w.Dependencies)
	assert.Equal(t, domain.Settings{AutoCleanup: true, CleanupAfterHours: 6}, w.Settings)
	assert.Equal(t, target.CreatedAt, w.CreatedAt)

	require.Len(t, w.Users, 3)
	assert.Equal(t, domain.User{ID: "u1", Email: "ALICE@example.com", Name: "Alice B."}, w.Users[0])
	assert.Equal(t, "u4", w.Users[2].ID)

	require.Len(t, w.Artifacts, 1)
	a := w.Artifacts[0]
	assert.Equal(t, "Runbook v2", a.Title)
	assert.Equal(t, "doc", a.Kind)
	assert.Equal(t, "blobs/a1", a.ContentRef)
	assert.Equal(t, []string{"blobs/extra"}, a.BlobRefs)
	assert.Equal(t, map[string]string{"lang": "en", "rev": "2"}, a.Attributes)

	require.Len(t, w.Chats, 2)
	assert.Equal(t, "Kickoff", w.Chats[0].Title)
	assert.Len(t, w.Chats[0].Messages, 1)
	assert.Equal(t, "u1", w.Chats[1].UserID, "chat follows the merged user")

	assert.Equal(t, []Upload{{BlobID: "blobs/extra", RelativePath: "blobs/blobs_extra"}}, res.Uploads)
	assert.Empty(t, res.Warnings)
}

func TestResolveEntitySkipAndReplace(t *testing.T) {
	target := targetWorld()
	incoming := targetWorld()
	incoming.Users = []domain.User{{ID: "u2", Email: "bob@example.com", Name: "Bobby"}}
	incoming.Artifacts = []domain.Artifact{{ID: "a1", Kind: "video"}}

	res, err := Resolve(Input{
		Target:    &target,
		Incoming:  incoming,
		TargetEnv: domain.EnvBeta,
		Strategy:  domain.ConflictStrategy{Users: domain.Skip, Artifacts: domain.Replace},
		Now:       fixedNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bob", res.World.Users[1].Name)
	assert.Equal(t, []domain.Artifact{{ID: "a1", Kind: "video"}}, res.World.Artifacts)
}

func TestResolveReplaceOverwritesWorld(t *testing.T) {
	target := targetWorld()
	incoming := targetWorld()
	incoming.Name = "Rebuilt"
	incoming.Users = nil
	incoming.CreatedAt = fixedNow

	res, err := Resolve(Input{
		Target:       &target,
		Incoming:     incoming,
		TargetEnv:    domain.EnvBeta,
		Strategy:     domain.ConflictStrategy{World: domain.Replace, Blobs: domain.Replace},
		BundleBlobs:  map[string]string{"blobs/a1": "blobs/blobs_a1"},
		MissingBlobs: nil,
		Now:          fixedNow,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionReplace, res.Action)
	assert.Equal(t, "Rebuilt", res.World.Name)
	assert.Empty(t, res.World.Users)
	assert.Equal(t, target.CreatedAt, res.World.CreatedAt)
	assert.Equal(t, []Upload{{BlobID: "blobs/a1", RelativePath: "blobs/blobs_a1"}}, res.Uploads, "replace refreshes present blobs")
}

func TestResolveBlobSkipWarns(t *testing.T) {
	incoming := targetWorld()
	res, err := Resolve(Input{
		Incoming:     incoming,
		TargetEnv:    domain.EnvProd,
		Strategy:     domain.ConflictStrategy{Blobs: domain.Skip},
		MissingBlobs: []string{"blobs/a1"},
		BundleBlobs:  map[string]string{"blobs/a1": "blobs/blobs_a1"},
		Now:          fixedNow,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Uploads)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "blobs/a1")
}

func TestResolveRejectsRenameOutsideUsers(t *testing.T) {
	w := targetWorld()
	_, err := Resolve(Input{
		Incoming:  w,
		TargetEnv: domain.EnvBeta,
		Strategy:  domain.ConflictStrategy{Artifacts: domain.Rename, Chats: domain.Rename},
	})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Issues, 2)
}

func TestResolveIsDeterministic(t *testing.T) {
	target := targetWorld()
	incoming := targetWorld()
	incoming.Users = []domain.User{{ID: "u1", Email: "alice@example.com"}, {ID: "u2", Email: "bob@example.com"}}
	in := Input{
		Target:    &target,
		Incoming:  incoming,
		TargetEnv: domain.EnvBeta,
		Strategy:  domain.ConflictStrategy{Users: domain.Rename},
		Now:       fixedNow,
	}
	first, err := Resolve(in)
	require.NoError(t, err)
	second, err := Resolve(in)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("resolution differs:\n%s", diff)
	}
	assert.Len(t, target.Users, 2, "input not mutated")
}

func TestCollisions(t *testing.T) {
	target := targetWorld()
	incoming := targetWorld()
	incoming.Users = []domain.User{{ID: "x", Email: "BOB@example.com"}, {ID: "new", Email: "new@example.com"}}
	incoming.Artifacts = append(incoming.Artifacts, domain.Artifact{ID: "a9"})
	incoming.Chats = nil

	users, artifacts, chats := Collisions(target, incoming)
	assert.Equal(t, []string{"x"}, users)
	assert.Equal(t, []string{"a1"}, artifacts)
	assert.Empty(t, chats)
}

func TestResolveUserReplaceKeepsChatOwnersResolvable(t *testing.T) {
	target := targetWorld()
	incoming := targetWorld()
	incoming.Users = []domain.User{{ID: "imp-alice", Email: "ALICE@example.com", Name: "Alice Imported", Type: "buyer"}}
	incoming.Chats = []domain.Chat{{ID: "c2", Title: "Refund", UserID: "imp-alice"}}

	res, err := Resolve(Input{
		Target:    &target,
		Incoming:  incoming,
		TargetEnv: domain.EnvBeta,
		Strategy:  domain.ConflictStrategy{World: domain.Merge, Users: domain.Replace},
		Now:       fixedNow,
	})
	require.NoError(t, err)

	w := res.World
	require.Len(t, w.Users, 2)
	assert.Equal(t, domain.User{ID: "u1", Email: "ALICE@example.com", Name: "Alice Imported", Type: "buyer"}, w.Users[0])

	ids := map[string]bool{}
	for _, u := range w.Users {
		ids[u.ID] = true
	}
	require.Len(t, w.Chats, 2)
	for _, c := range w.Chats {
		assert.True(t, ids[c.UserID], "chat %s owner %s has no user", c.ID, c.UserID)
	}
	assert.Equal(t, "u1", w.Chats[1].UserID)
}
