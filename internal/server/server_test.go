package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"worldline/internal/blob"
	"worldline/internal/config"
	"worldline/internal/db"
	"worldline/internal/domain"
	"worldline/internal/engine"
	"worldline/internal/migrate"
	"worldline/internal/seed"
	"worldline/internal/transfer"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Resolve(workspace)
	store, err := blob.NewFSStore(cfg.Blobs.Root)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	e := engine.New(conn, cfg, store, nil)
	e.Now = func() time.Time { return time.Date(2025, 5, 6, 7, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env.Error
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
}

func TestWorldLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	actor := map[string]string{actorHeader: "qa-bot"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/worlds", map[string]any{
		"id":       "UC_001",
		"name":     "Checkout",
		"category": "uc",
		"tags":     []string{"smoke"},
	}, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var created domain.World
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal world: %v", err)
	}
	if created.Environment != domain.EnvLocal || created.Category != domain.CategoryUC {
		t.Fatalf("unexpected world %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/worlds", map[string]any{"id": "UC_001", "name": "again"}, nil)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "conflict" {
		t.Fatalf("duplicate create status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/worlds/local/UC_001", map[string]any{
		"description":       "updated",
		"autoCleanup":       true,
		"cleanupAfterHours": 2,
	}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, data)
	}
	var updated domain.World
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Description != "updated" || !updated.Settings.AutoCleanup || updated.Settings.CleanupAfterHours != 2 {
		t.Fatalf("patch not applied: %+v", updated)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/worlds/LOCAL/UC_001/usage", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("usage status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/worlds?environment=LOCAL&tag=smoke", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var list WorldListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 || list.Items[0].UsageCount != 1 {
		t.Fatalf("unexpected list %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?world_id=UC_001", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var evts EventListResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatal(err)
	}
	if len(evts.Items) != 3 || evts.Items[0].Type != "world.used" || evts.Items[0].ActorID != "qa-bot" {
		t.Fatalf("unexpected events %+v", evts.Items)
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/worlds/LOCAL/UC_001", nil, actor)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("purge status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/worlds/LOCAL/UC_001", nil, nil)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("get after purge status %d: %s", res.StatusCode, data)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/worlds/STAGING/X", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Code != "validation_failed" {
		t.Fatalf("bad env status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/worlds?active=maybe", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad bool status %d: %s", res.StatusCode, data)
	}

	ctx := context.Background()
	if _, err := srv.Engine.CreateWorld(ctx, engine.CreateOptions{ID: "BASE", Name: "base"}); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.CreateWorld(ctx, engine.CreateOptions{ID: "TOP", Name: "top", Dependencies: []string{"BASE"}}); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/worlds/LOCAL/BASE", nil, nil)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "dependency_blocked" {
		t.Fatalf("blocked purge status %d: %s", res.StatusCode, data)
	}

	bundle := filepath.Join(srv.Engine.Config.Seeds.Dir, "future")
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, seed.SeedFile), []byte(`{"manifest":{"schemaVersion":"9","worldId":"X"},"world":{"id":"X"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/seeds/validate", map[string]any{"path": "future"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Code != "unsupported_schema" {
		t.Fatalf("future schema status %d: %s", res.StatusCode, data)
	}
}

func TestSeedPathsStayInsideSeedsDir(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	if _, err := srv.Engine.CreateWorld(context.Background(), engine.CreateOptions{ID: "UC_010", Name: "Escape"}); err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/seeds/export", map[string]any{
		"worldId": "UC_010", "outputPath": "../escape",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Code != "validation_failed" {
		t.Fatalf("relative escape status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/seeds/export", map[string]any{
		"worldId": "UC_010", "outputPath": filepath.Join(outside, "bundle"),
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("absolute export status %d: %s", res.StatusCode, data)
	}
	if entries, _ := os.ReadDir(outside); len(entries) != 0 {
		t.Fatalf("export wrote outside the seeds dir: %v", entries)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(srv.Engine.Config.Seeds.Dir), "escape")); !os.IsNotExist(err) {
		t.Fatalf("export created ../escape: %v", err)
	}

	for _, op := range []string{"validate", "analyze", "import"} {
		for _, p := range []string{outside, "../../etc", ""} {
			res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/seeds/"+op, map[string]any{"path": p}, nil)
			if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Code != "validation_failed" {
				t.Fatalf("%s %q status %d: %s", op, p, res.StatusCode, data)
			}
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/seeds/export", map[string]any{
		"worldId": "UC_010", "outputPath": "nested/../kept",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confined export status %d: %s", res.StatusCode, data)
	}
	var exported seed.ExportResult
	if err := json.Unmarshal(data, &exported); err != nil {
		t.Fatal(err)
	}
	if exported.Path != filepath.Join(srv.Engine.Config.Seeds.Dir, "kept") {
		t.Fatalf("unexpected bundle path %s", exported.Path)
	}
}

func TestTransferAndSeedsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()
	if _, err := srv.Engine.CreateWorld(ctx, engine.CreateOptions{ID: "UC_009", Name: "Billing"}); err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/worlds/LOCAL/UC_009/seed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("seed status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transfers", map[string]any{
		"worldId": "UC_009", "source": "LOCAL", "target": "BETA", "dryRun": true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dry run status %d: %s", res.StatusCode, data)
	}
	var desc transfer.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		t.Fatal(err)
	}
	if desc.Created || desc.Target.ID != "UC_009_BETA" {
		t.Fatalf("unexpected descriptor %+v", desc)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/seeds/export", map[string]any{
		"worldId": "UC_009", "environment": "LOCAL", "includeBlobs": true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, data)
	}
	var exported seed.ExportResult
	if err := json.Unmarshal(data, &exported); err != nil {
		t.Fatal(err)
	}
	if len(exported.Blobs) != 2 {
		t.Fatalf("expected 2 exported blobs, got %+v", exported)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/seeds", nil, nil)
	var seeds SeedListResponse
	if err := json.Unmarshal(data, &seeds); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("list seeds status %d: %s", res.StatusCode, data)
	}
	if len(seeds.Items) != 1 || seeds.Items[0] != "UC_009_LOCAL_20250506" {
		t.Fatalf("unexpected seeds %+v", seeds)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/seeds/analyze", map[string]any{"path": exported.Path}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status %d: %s", res.StatusCode, data)
	}
	var report domain.ConflictReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatal(err)
	}
	if !report.WorldExists || len(report.ConflictingUsers) != 3 {
		t.Fatalf("unexpected report %+v", report)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/seeds/import", map[string]any{
		"path":     exported.Path,
		"strategy": map[string]string{"world": "skip"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import status %d: %s", res.StatusCode, data)
	}
	var imported seed.ImportResult
	if err := json.Unmarshal(data, &imported); err != nil {
		t.Fatal(err)
	}
	if imported.Action != "skip" {
		t.Fatalf("expected skip, got %+v", imported)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/blobs/orphans", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("orphans status %d: %s", res.StatusCode, data)
	}
	var orphans OrphanCleanupResponse
	if err := json.Unmarshal(data, &orphans); err != nil {
		t.Fatal(err)
	}
	if len(orphans.Audit.Orphaned) != 0 || orphans.Audit.Stored != 2 {
		t.Fatalf("unexpected audit %+v", orphans.Audit)
	}
}

func TestCleanupPreviewDoesNotWrite(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	old := srv.Engine
	old.Now = func() time.Time { return time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := old.CreateWorld(ctx, engine.CreateOptions{ID: "STALE", Name: "stale", AutoCleanup: true, CleanupAfterHours: 1}); err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/lifecycle/cleanup", map[string]any{"environment": "LOCAL"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cleanup status %d: %s", res.StatusCode, data)
	}
	var resp CleanupResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Confirmed || len(resp.Plan.Candidates) != 1 || len(resp.Report.Deactivated) != 0 {
		t.Fatalf("unexpected preview %+v", resp)
	}
	w, err := srv.Engine.GetWorld(ctx, "STALE", domain.EnvLocal)
	if err != nil || !w.IsActive {
		t.Fatalf("preview deactivated the world: %+v %v", w, err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/lifecycle/cleanup", map[string]any{"environment": "LOCAL", "confirm": true}, nil)
	if err := json.Unmarshal(data, &resp); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("confirmed cleanup status %d: %s", res.StatusCode, data)
	}
	if len(resp.Report.Deactivated) != 1 {
		t.Fatalf("expected one deactivation, got %+v", resp.Report)
	}
}
