package domain

import (
	"strings"
	"time"
)

// Resolution is a per-domain conflict policy.
type Resolution string

const (
	Replace Resolution = "replace"
	Merge   Resolution = "merge"
	Skip    Resolution = "skip"
	Rename  Resolution = "rename"
)

func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case Replace, Merge, Skip, Rename:
		return r, nil
	}
	return "", Invalidf("unknown conflict resolution %q", s)
}

// ConflictStrategy holds one resolution per domain. Only users accept rename.
type ConflictStrategy struct {
	World     Resolution `json:"world" enum:"replace,merge,skip"`
	Users     Resolution `json:"users" enum:"replace,merge,skip,rename"`
	Artifacts Resolution `json:"artifacts" enum:"replace,merge,skip"`
	Chats     Resolution `json:"chats" enum:"replace,merge,skip"`
	Blobs     Resolution `json:"blobs" enum:"replace,merge,skip"`
}

func DefaultStrategy() ConflictStrategy {
	return ConflictStrategy{World: Merge, Users: Merge, Artifacts: Merge, Chats: Merge, Blobs: Merge}
}

// WithDefaults fills unset domains with merge.
func (s ConflictStrategy) WithDefaults() ConflictStrategy {
	if s.World == "" {
		s.World = Merge
	}
	if s.Users == "" {
		s.Users = Merge
	}
	if s.Artifacts == "" {
		s.Artifacts = Merge
	}
	if s.Chats == "" {
		s.Chats = Merge
	}
	if s.Blobs == "" {
		s.Blobs = Merge
	}
	return s
}

func (s ConflictStrategy) Validate() error {
	var issues []string
	check := func(domain string, r Resolution, allowRename bool) {
		switch r {
		case Replace, Merge, Skip:
		case Rename:
			if !allowRename {
				issues = append(issues, "strategy."+domain+": rename is only supported for users")
			}
		default:
			issues = append(issues, "strategy."+domain+": unknown resolution "+string(r))
		}
	}
	check("world", s.World, false)
	check("users", s.Users, true)
	check("artifacts", s.Artifacts, false)
	check("chats", s.Chats, false)
	check("blobs", s.Blobs, false)
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ConflictReport is the read-only diff computed before an import.
type ConflictReport struct {
	WorldID              string      `json:"worldId"`
	TargetEnvironment    Environment `json:"targetEnvironment"`
	WorldExists          bool        `json:"worldExists"`
	ConflictingUsers     []string    `json:"conflictingUsers"`
	ConflictingArtifacts []string    `json:"conflictingArtifacts"`
	ConflictingChats     []string    `json:"conflictingChats"`
	MissingBlobs         []string    `json:"missingBlobs"`
	Diff                 string      `json:"diff,omitempty"`
}

// HasConflicts reports whether any strategy choice would matter.
func (r ConflictReport) HasConflicts() bool {
	return r.WorldExists || len(r.ConflictingUsers) > 0 || len(r.ConflictingArtifacts) > 0 ||
		len(r.ConflictingChats) > 0 || len(r.MissingBlobs) > 0
}

const SchemaVersion = "1"

type Manifest struct {
	WorldID           string      `json:"worldId"`
	SourceEnvironment Environment `json:"sourceEnvironment"`
	ExportedAt        time.Time   `json:"exportedAt"`
	SchemaVersion     string      `json:"schemaVersion"`
	BundleID          string      `json:"bundleId,omitempty"`
}

type BundleBlob struct {
	BlobID       string `json:"blobId"`
	RelativePath string `json:"relativePath"`
	SHA256       string `json:"sha256,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// SeedBundle is the document stored as seed.json inside a bundle directory.
type SeedBundle struct {
	Manifest Manifest     `json:"manifest"`
	World    World        `json:"world"`
	Blobs    []BundleBlob `json:"blobs,omitempty"`
}
