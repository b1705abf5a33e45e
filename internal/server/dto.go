package server

import (
	"encoding/json"

	"worldline/internal/audit"
	"worldline/internal/domain"
	"worldline/internal/lifecycle"
	"worldline/internal/repo"
)

// Request payloads

type CreateWorldRequest struct {
	ID                string   `json:"id,omitempty"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Environment       string   `json:"environment,omitempty" example:"LOCAL"`
	Category          string   `json:"category,omitempty" example:"UC"`
	Tags              []string `json:"tags,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
	AutoCleanup       bool     `json:"autoCleanup,omitempty"`
	CleanupAfterHours int      `json:"cleanupAfterHours,omitempty" minimum:"0"`
	IsTemplate        bool     `json:"isTemplate,omitempty"`
}

type UpdateWorldRequest struct {
	Name              *string           `json:"name,omitempty"`
	Description       *string           `json:"description,omitempty"`
	Category          *string           `json:"category,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	Users             []domain.User     `json:"users,omitempty"`
	Artifacts         []domain.Artifact `json:"artifacts,omitempty"`
	Chats             []domain.Chat     `json:"chats,omitempty"`
	Dependencies      []string          `json:"dependencies,omitempty"`
	AutoCleanup       *bool             `json:"autoCleanup,omitempty"`
	CleanupAfterHours *int              `json:"cleanupAfterHours,omitempty"`
	IsActive          *bool             `json:"isActive,omitempty"`
	IsTemplate        *bool             `json:"isTemplate,omitempty"`
}

type TransferRequest struct {
	WorldID string `json:"worldId"`
	Source  string `json:"source" example:"LOCAL"`
	Target  string `json:"target" example:"BETA"`
	DryRun  bool   `json:"dryRun,omitempty"`
}

type CleanupRequest struct {
	Environment string `json:"environment,omitempty"`
	Confirm     bool   `json:"confirm,omitempty"`
}

type OrphanCleanupRequest struct {
	Environment string `json:"environment,omitempty"`
}

type ExportSeedRequest struct {
	WorldID      string `json:"worldId"`
	Environment  string `json:"environment,omitempty"`
	IncludeBlobs bool   `json:"includeBlobs,omitempty"`
	OutputPath   string `json:"outputPath,omitempty" doc:"Bundle directory relative to the seeds directory"`
}

type SeedPathRequest struct {
	Path        string `json:"path" doc:"Bundle directory relative to the seeds directory"`
	Environment string `json:"environment,omitempty"`
}

type StrategyRequest struct {
	World     string `json:"world,omitempty" example:"merge"`
	Users     string `json:"users,omitempty" example:"rename"`
	Artifacts string `json:"artifacts,omitempty"`
	Chats     string `json:"chats,omitempty"`
	Blobs     string `json:"blobs,omitempty"`
}

type ImportSeedRequest struct {
	Path        string           `json:"path" doc:"Bundle directory relative to the seeds directory"`
	Environment string           `json:"environment,omitempty"`
	Strategy    *StrategyRequest `json:"strategy,omitempty"`
}

// Response payloads

type WorldListResponse struct {
	Items []domain.World `json:"items"`
}

type CleanupResponse struct {
	Confirmed bool             `json:"confirmed"`
	Plan      lifecycle.Plan   `json:"plan"`
	Report    lifecycle.Report `json:"report"`
}

type OrphanCleanupResponse struct {
	Audit   audit.Report        `json:"audit"`
	Cleanup audit.CleanupReport `json:"cleanup"`
}

type ValidateSeedResponse struct {
	Valid    bool            `json:"valid"`
	Manifest domain.Manifest `json:"manifest"`
	Blobs    int             `json:"blobs"`
}

type SeedListResponse struct {
	Dir   string   `json:"dir"`
	Items []string `json:"items"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	WorldID     string         `json:"worldId,omitempty"`
	Environment string         `json:"environment,omitempty"`
	ActorID     string         `json:"actorId"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type EventListResponse struct {
	Items []EventResponse `json:"items"`
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		WorldID:     e.WorldID,
		Environment: string(e.Environment),
		ActorID:     e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &resp.Payload)
	}
	return resp
}

func worldPatch(req UpdateWorldRequest) (repo.WorldPatch, error) {
	patch := repo.WorldPatch{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
		IsTemplate:  req.IsTemplate,
	}
	if req.Category != nil {
		c, err := domain.ParseCategory(*req.Category)
		if err != nil {
			return repo.WorldPatch{}, err
		}
		patch.Category = &c
	}
	if req.Tags != nil {
		patch.Tags = &req.Tags
	}
	if req.Users != nil {
		patch.Users = &req.Users
	}
	if req.Artifacts != nil {
		patch.Artifacts = &req.Artifacts
	}
	if req.Chats != nil {
		patch.Chats = &req.Chats
	}
	if req.Dependencies != nil {
		patch.Dependencies = &req.Dependencies
	}
	return patch, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
