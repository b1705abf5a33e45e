package seed

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldline/internal/audit"
	"worldline/internal/blob"
	"worldline/internal/conflict"
	"worldline/internal/db"
	"worldline/internal/domain"
	"worldline/internal/migrate"
	"worldline/internal/repo"
)

var testNow = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

type testEnv struct {
	conn  *sql.DB
	repo  repo.Repo
	store *blob.FSStore
	codec Codec
	dir   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	store, err := blob.NewFSStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	now := func() time.Time { return testNow }
	r := repo.Repo{DB: conn, Now: now}
	return testEnv{
		conn:  conn,
		repo:  r,
		store: store,
		codec: Codec{Repo: r, Blobs: store, SeedsDir: filepath.Join(dir, "seeds"), Workers: 2, Now: now},
		dir:   dir,
	}
}

func (e testEnv) eventCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	return n
}

func (e testEnv) putBlob(t *testing.T, id, body string) {
	t.Helper()
	require.NoError(t, e.store.Put(context.Background(), id, strings.NewReader(body)))
}

func (e testEnv) readBlob(t *testing.T, id string) string {
	t.Helper()
	rc, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func sampleWorld() domain.World {
	used := time.Date(2025, 1, 1, 8, 30, 0, 0, time.UTC)
	return domain.World{
		ID:          "UC_001",
		Name:        "Checkout flow",
		Description: "Cart with two buyers",
		Environment: domain.EnvLocal,
		Category:    domain.CategoryUC,
		Tags:        []string{"team-a", "smoke"},
		Users: []domain.User{
			{ID: "u1", Email: "alice@example.com", Name: "Alice", Type: "buyer", Attributes: map[string]string{"plan": "pro"}},
			{ID: "u2", Email: "bob@example.com", Name: "Bob", Type: "buyer"},
		},
		Artifacts: []domain.Artifact{
			{ID: "a1", Kind: "doc", Title: "Receipt", ContentRef: "art/a1.md", BlobRefs: []string{"art/a1.png"}},
		},
		Chats: []domain.Chat{
			{ID: "c1", Title: "Support", UserID: "u1", ArtifactIDs: []string{"a1"}, Messages: []domain.Message{{Role: "user", Content: "where is my order"}}},
		},
		Dependencies: []string{"BASE"},
		Settings:     domain.Settings{AutoCleanup: true, CleanupAfterHours: 12},
		IsActive:     true,
		UsageCount:   3,
		LastUsedAt:   &used,
	}
}

func exportSample(t *testing.T, src testEnv) ExportResult {
	t.Helper()
	ctx := context.Background()
	_, err := src.repo.CreateWorld(ctx, sampleWorld(), "tester")
	require.NoError(t, err)
	src.putBlob(t, "art/a1.md", "# receipt")
	src.putBlob(t, "art/a1.png", "PNG")
	res, err := src.codec.Export(ctx, "UC_001", ExportOptions{Environment: domain.EnvLocal, IncludeBlobs: true})
	require.NoError(t, err)
	return res
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestEnv(t)
	res := exportSample(t, src)
	assert.Equal(t, filepath.Join(src.dir, "seeds", "UC_001_LOCAL_20250304"), res.Path)
	assert.Len(t, res.Blobs, 2)
	_, err := Validate(res.Path)
	require.NoError(t, err)

	want, err := src.repo.GetWorld(ctx, "UC_001", domain.EnvLocal)
	require.NoError(t, err)

	dst := newTestEnv(t)
	all := domain.ConflictStrategy{World: domain.Replace, Users: domain.Replace, Artifacts: domain.Replace, Chats: domain.Replace, Blobs: domain.Replace}
	out, err := dst.codec.Import(ctx, res.Path, ImportOptions{Strategy: all})
	require.NoError(t, err)
	assert.Equal(t, conflict.ActionCreate, out.Action)
	assert.Equal(t, []string{"art/a1.md", "art/a1.png"}, out.UploadedBlobs)

	got, err := dst.repo.GetWorld(ctx, "UC_001", domain.EnvLocal)
	require.NoError(t, err)
	opts := cmp.Options{
		cmpopts.IgnoreFields(domain.World{}, "CreatedAt", "UpdatedAt"),
		cmpopts.EquateEmpty(),
	}
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "# receipt", dst.readBlob(t, "art/a1.md"))
	assert.Equal(t, "PNG", dst.readBlob(t, "art/a1.png"))
}

func TestImportSkipPerformsNoWrites(t *testing.T) {
	ctx := context.Background()
	src := newTestEnv(t)
	res := exportSample(t, src)

	dst := newTestEnv(t)
	_, err := dst.codec.Import(ctx, res.Path, ImportOptions{})
	require.NoError(t, err)
	deleted, err := dst.store.Delete(ctx, "art/a1.png")
	require.NoError(t, err)
	require.True(t, deleted)
	before, err := dst.repo.GetWorld(ctx, "UC_001", domain.EnvLocal)
	require.NoError(t, err)
	events := dst.eventCount(t)

	out, err := dst.codec.Import(ctx, res.Path, ImportOptions{Strategy: domain.ConflictStrategy{World: domain.Skip}})
	require.NoError(t, err)
	assert.Equal(t, conflict.ActionSkip, out.Action)
	assert.Empty(t, out.UploadedBlobs)
	assert.Equal(t, events, dst.eventCount(t))

	after, err := dst.repo.GetWorld(ctx, "UC_001", domain.EnvLocal)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("world changed (-before +after):\n%s", diff)
	}
	ok, err := dst.store.Exists(ctx, "art/a1.png")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnalyzeThenImportWithRenamedUsers(t *testing.T) {
	ctx := context.Background()
	src := newTestEnv(t)
	res := exportSample(t, src)

	dst := newTestEnv(t)
	existing := sampleWorld()
	existing.Users = []domain.User{
		{ID: "t1", Email: "ALICE@example.com", Name: "Alice (beta)"},
		{ID: "t2", Email: "bob@example.com", Name: "Bob (beta)"},
	}
	existing.Artifacts = nil
	existing.Chats = nil
	_, err := dst.repo.CreateWorld(ctx, existing, "tester")
	require.NoError(t, err)
	events := dst.eventCount(t)

	rep, err := dst.codec.Analyze(ctx, res.Path, domain.EnvLocal)
	require.NoError(t, err)
	assert.True(t, rep.WorldExists)
	assert.True(t, rep.HasConflicts())
	assert.Equal(t, []string{"u1", "u2"}, rep.ConflictingUsers)
	assert.Equal(t, []string{"art/a1.md", "art/a1.png"}, rep.MissingBlobs)
	assert.Contains(t, rep.Diff, "+      \"email\": \"alice@example.com\"")
	again, err := dst.codec.Analyze(ctx, res.Path, domain.EnvLocal)
	require.NoError(t, err)
	assert.Equal(t, rep, again)
	assert.Equal(t, events, dst.eventCount(t), "analyze must not write")

	out, err := dst.codec.Import(ctx, res.Path, ImportOptions{
		Strategy: domain.ConflictStrategy{World: domain.Merge, Users: domain.Rename},
	})
	require.NoError(t, err)
	assert.Equal(t, conflict.ActionMerge, out.Action)

	got, err := dst.repo.GetWorld(ctx, "UC_001", domain.EnvLocal)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, u := range got.Users {
		assert.False(t, ids[u.ID], "duplicate id %s", u.ID)
		ids[u.ID] = true
	}
	assert.Len(t, got.Users, 4)
	suffix := "-imported-1741064767"
	assert.True(t, ids["t1"] && ids["t2"] && ids["u1"+suffix] && ids["u2"+suffix], "%v", ids)
	assert.Equal(t, "u1"+suffix, got.Chats[0].UserID)
}

func TestExportReportsMissingBlobs(t *testing.T) {
	ctx := context.Background()
	src := newTestEnv(t)
	w := sampleWorld()
	w.Artifacts = append(w.Artifacts, domain.Artifact{ID: "a2", Kind: "img", ContentRef: "art/gone.bin"})
	_, err := src.repo.CreateWorld(ctx, w, "tester")
	require.NoError(t, err)
	src.putBlob(t, "art/a1.md", "# receipt")
	src.putBlob(t, "art/a1.png", "PNG")

	out := filepath.Join(t.TempDir(), "bundle")
	res, err := src.codec.Export(ctx, "UC_001", ExportOptions{Environment: domain.EnvLocal, IncludeBlobs: true, OutputPath: out})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPartialExport))
	var perr *domain.PartialError
	require.True(t, errors.As(err, &perr))
	require.Len(t, perr.Failed, 1)
	assert.Equal(t, "art/gone.bin", perr.Failed[0].ID)
	assert.Len(t, res.Blobs, 2)

	b, err := Validate(out)
	require.NoError(t, err)
	assert.Equal(t, "UC_001", b.Manifest.WorldID)
	assert.NotEmpty(t, b.Manifest.BundleID)
}

func TestExportUnknownWorld(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.codec.Export(context.Background(), "NOPE", ExportOptions{Environment: domain.EnvLocal})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func writeSeed(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SeedFile), []byte(body), 0o644))
}

func TestUnsupportedSchemaVersion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "future")
	writeSeed(t, dir, `{"manifest":{"worldId":"X","sourceEnvironment":"LOCAL","exportedAt":"2025-01-01T00:00:00Z","schemaVersion":"2"},"world":{"id":"X"}}`)

	_, err := Validate(dir)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedSchema))

	e := newTestEnv(t)
	_, err = e.codec.Import(context.Background(), dir, ImportOptions{})
	assert.True(t, errors.Is(err, domain.ErrUnsupportedSchema))
	assert.Equal(t, 0, e.eventCount(t))
}

func TestValidateAggregatesIssues(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "broken")
	writeSeed(t, dir, `{
  "manifest": {"worldId": "OTHER", "sourceEnvironment": "LOCAL", "exportedAt": "2025-01-01T00:00:00Z", "schemaVersion": "1"},
  "world": {"id": "X", "environment": "LOCAL", "category": "UC"},
  "blobs": [{"blobId": "b1", "relativePath": "blobs/b1"}, {"blobId": "b2", "relativePath": "../escape"}]
}`)
	_, err := Validate(dir)
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Issues, 4, "%v", verr.Issues)

	_, err = Validate(filepath.Join(t.TempDir(), "absent"))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestListSeedsYieldsOnlyBundles(t *testing.T) {
	root := t.TempDir()
	good := `{"manifest":{"worldId":"X","sourceEnvironment":"LOCAL","exportedAt":"2025-01-01T00:00:00Z","schemaVersion":"1"},"world":{"id":"X","name":"x","environment":"LOCAL","category":"UC"}}`
	writeSeed(t, filepath.Join(root, "b_bundle"), good)
	writeSeed(t, filepath.Join(root, "a_bundle"), good)
	writeSeed(t, filepath.Join(root, "junk"), `{not json`)
	writeSeed(t, filepath.Join(root, "empty_manifest"), `{}`)
	writeSeed(t, filepath.Join(root, "mismatched"), strings.Replace(good, `"worldId":"X"`, `"worldId":"Y"`, 1))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	seq := ListSeeds(root)
	names := slices.Sorted(seq)
	assert.Equal(t, []string{"a_bundle", "b_bundle"}, names)
	assert.Empty(t, slices.Collect(seq), "sequence is single-use")

	assert.Empty(t, slices.Collect(ListSeeds(filepath.Join(root, "missing"))))
}

// sweepingStore runs sweep once, right after the first blob lands, to interleave an
// orphan cleanup from another process between an import's uploads and its commit.
type sweepingStore struct {
	*blob.FSStore
	once  sync.Once
	sweep func()
}

func (s *sweepingStore) Put(ctx context.Context, id string, r io.Reader) error {
	if err := s.FSStore.Put(ctx, id, r); err != nil {
		return err
	}
	s.once.Do(s.sweep)
	return nil
}

func TestOrphanCleanupDuringImportKeepsUploadedBlobs(t *testing.T) {
	ctx := context.Background()
	res := exportSample(t, newTestEnv(t))

	dst := newTestEnv(t)
	auditor := audit.Auditor{Repo: dst.repo, Blobs: dst.store, Grace: 10 * time.Minute}
	var swept audit.CleanupReport
	var sweepErr error
	dst.codec.Blobs = &sweepingStore{FSStore: dst.store, sweep: func() {
		_, swept, sweepErr = auditor.CleanupOrphans(ctx, "")
	}}

	_, err := dst.codec.Import(ctx, res.Path, ImportOptions{Strategy: domain.DefaultStrategy()})
	require.NoError(t, err)
	require.NoError(t, sweepErr)
	assert.Empty(t, swept.Deleted)

	rep, err := auditor.Detect(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rep.Missing)
	assert.Empty(t, rep.Orphaned)
	assert.Equal(t, "# receipt", dst.readBlob(t, "art/a1.md"))
}
