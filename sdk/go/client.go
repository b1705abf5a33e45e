package worldlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrPartial is returned alongside a decoded result when the server answered 207.
var ErrPartial = errors.New("partial failure")

// Client is a minimal Worldline HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 30 * time.Second,
	}
}

// World represents the API world model (partial).
type World struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Environment  string   `json:"environment"`
	Category     string   `json:"category"`
	Tags         []string `json:"tags,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Settings     struct {
		AutoCleanup       bool `json:"autoCleanup"`
		CleanupAfterHours int  `json:"cleanupAfterHours,omitempty"`
	} `json:"settings"`
	IsActive   bool       `json:"isActive"`
	IsTemplate bool       `json:"isTemplate"`
	UsageCount int64      `json:"usageCount"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type CreateWorld struct {
	ID                string   `json:"id,omitempty"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Environment       string   `json:"environment,omitempty"`
	Category          string   `json:"category,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
	AutoCleanup       bool     `json:"autoCleanup,omitempty"`
	CleanupAfterHours int      `json:"cleanupAfterHours,omitempty"`
}

type Key struct {
	ID          string `json:"id"`
	Environment string `json:"environment"`
}

type Transfer struct {
	Source  Key   `json:"source"`
	Target  Key   `json:"target"`
	DryRun  bool  `json:"dryRun"`
	Created bool  `json:"created"`
	World   World `json:"world"`
}

type ItemError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type ExportResult struct {
	Path     string `json:"path"`
	BundleID string `json:"bundleId"`
	Blobs    []struct {
		BlobID string `json:"blobId"`
		Size   int64  `json:"size"`
	} `json:"blobs"`
	Failed []ItemError `json:"failed,omitempty"`
}

type ConflictReport struct {
	WorldID              string   `json:"worldId"`
	TargetEnvironment    string   `json:"targetEnvironment"`
	WorldExists          bool     `json:"worldExists"`
	ConflictingUsers     []string `json:"conflictingUsers"`
	ConflictingArtifacts []string `json:"conflictingArtifacts"`
	ConflictingChats     []string `json:"conflictingChats"`
	MissingBlobs         []string `json:"missingBlobs"`
	Diff                 string   `json:"diff,omitempty"`
}

// Strategy holds per-domain resolutions; empty fields take the server defaults.
type Strategy struct {
	World     string `json:"world,omitempty"`
	Users     string `json:"users,omitempty"`
	Artifacts string `json:"artifacts,omitempty"`
	Chats     string `json:"chats,omitempty"`
	Blobs     string `json:"blobs,omitempty"`
}

type ImportResult struct {
	Action        string            `json:"action"`
	World         World             `json:"world"`
	UploadedBlobs []string          `json:"uploadedBlobs"`
	Warnings      []string          `json:"warnings"`
	RenamedUsers  map[string]string `json:"renamedUsers,omitempty"`
}

type CleanupResult struct {
	Confirmed bool `json:"confirmed"`
	Plan      struct {
		Candidates []struct {
			ID          string `json:"id"`
			Environment string `json:"environment"`
		} `json:"candidates"`
		Blocked []struct {
			ID         string   `json:"id"`
			Dependents []string `json:"dependents"`
		} `json:"blocked"`
	} `json:"plan"`
	Report struct {
		Deactivated []Key       `json:"deactivated"`
		Failed      []ItemError `json:"failed,omitempty"`
	} `json:"report"`
}

type OrphanReport struct {
	Audit struct {
		Orphaned   []string `json:"orphaned"`
		Recent     []string `json:"recent"`
		Missing    []string `json:"missing"`
		Referenced int      `json:"referenced"`
		Stored     int      `json:"stored"`
	} `json:"audit"`
	Cleanup struct {
		Deleted     []string    `json:"deleted"`
		AlreadyGone []string    `json:"alreadyGone"`
		Failed      []ItemError `json:"failed,omitempty"`
	} `json:"cleanup"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	WorldID     string         `json:"worldId"`
	Environment string         `json:"environment"`
	ActorID     string         `json:"actorId"`
	Payload     map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateWorld(ctx context.Context, in CreateWorld) (World, error) {
	var resp World
	err := c.do(ctx, http.MethodPost, "worlds", in, &resp)
	return resp, err
}

func (c *Client) GetWorld(ctx context.Context, env, id string) (World, error) {
	var resp World
	err := c.do(ctx, http.MethodGet, worldPath(env, id), nil, &resp)
	return resp, err
}

// ListWorlds lists worlds, optionally narrowed to one environment.
func (c *Client) ListWorlds(ctx context.Context, env string) ([]World, error) {
	endpoint := "worlds"
	if env != "" {
		endpoint += "?environment=" + url.QueryEscape(env)
	}
	var resp struct {
		Items []World `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UseWorld records a use of the world.
func (c *Client) UseWorld(ctx context.Context, env, id string) (World, error) {
	var resp World
	err := c.do(ctx, http.MethodPost, worldPath(env, id)+"/usage", nil, &resp)
	return resp, err
}

func (c *Client) PurgeWorld(ctx context.Context, env, id string) error {
	return c.do(ctx, http.MethodDelete, worldPath(env, id), nil, nil)
}

func (c *Client) Transfer(ctx context.Context, worldID, source, target string, dryRun bool) (Transfer, error) {
	body := map[string]any{
		"worldId": worldID,
		"source":  source,
		"target":  target,
		"dryRun":  dryRun,
	}
	var resp Transfer
	err := c.do(ctx, http.MethodPost, "transfers", body, &resp)
	return resp, err
}

// Cleanup previews TTL expiry, or applies it when confirm is set.
func (c *Client) Cleanup(ctx context.Context, env string, confirm bool) (CleanupResult, error) {
	var resp CleanupResult
	err := c.do(ctx, http.MethodPost, "lifecycle/cleanup", map[string]any{"environment": env, "confirm": confirm}, &resp)
	return resp, err
}

func (c *Client) Orphans(ctx context.Context, env string) (OrphanReport, error) {
	endpoint := "blobs/orphans"
	if env != "" {
		endpoint += "?environment=" + url.QueryEscape(env)
	}
	var resp OrphanReport
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CleanupOrphans(ctx context.Context, env string) (OrphanReport, error) {
	var resp OrphanReport
	err := c.do(ctx, http.MethodPost, "blobs/orphans/cleanup", map[string]any{"environment": env}, &resp)
	return resp, err
}

func (c *Client) ExportSeed(ctx context.Context, worldID, env string, includeBlobs bool, outputPath string) (ExportResult, error) {
	body := map[string]any{
		"worldId":      worldID,
		"environment":  env,
		"includeBlobs": includeBlobs,
		"outputPath":   outputPath,
	}
	var resp ExportResult
	err := c.do(ctx, http.MethodPost, "seeds/export", body, &resp)
	return resp, err
}

func (c *Client) AnalyzeSeed(ctx context.Context, path, env string) (ConflictReport, error) {
	var resp ConflictReport
	err := c.do(ctx, http.MethodPost, "seeds/analyze", map[string]any{"path": path, "environment": env}, &resp)
	return resp, err
}

func (c *Client) ImportSeed(ctx context.Context, path, env string, strategy Strategy) (ImportResult, error) {
	body := map[string]any{
		"path":        path,
		"environment": env,
		"strategy":    strategy,
	}
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, "seeds/import", body, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, worldID string, limit int) ([]Event, error) {
	q := url.Values{}
	if worldID != "" {
		q.Set("world_id", worldID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	if resp.StatusCode == http.StatusMultiStatus {
		return ErrPartial
	}
	return nil
}

func worldPath(env, id string) string {
	return fmt.Sprintf("worlds/%s/%s", url.PathEscape(env), url.PathEscape(id))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
