package seed

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	"worldline/internal/blob"
	"worldline/internal/domain"
)

const (
	SeedFile = "seed.json"
	BlobsDir = "blobs"
)

// BlobPath is the bundle-relative location of a blob's bytes.
func BlobPath(blobID string) (string, error) {
	clean, err := blob.CleanID(blobID)
	if err != nil {
		return "", err
	}
	return path.Join(BlobsDir, clean), nil
}

// Load reads seed.json from a bundle directory. It only rejects unreadable or
// unsupported bundles; Validate performs the structural checks.
func Load(dir string) (domain.SeedBundle, error) {
	var b domain.SeedBundle
	data, err := os.ReadFile(filepath.Join(dir, SeedFile))
	if errors.Is(err, fs.ErrNotExist) {
		return b, domain.NotFoundf("seed bundle %s", dir)
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, domain.Invalidf("%s: %v", SeedFile, err)
	}
	if v := b.Manifest.SchemaVersion; v != "" && v != domain.SchemaVersion {
		return b, fmt.Errorf("bundle %s has schemaVersion %q, want %q: %w", dir, v, domain.SchemaVersion, domain.ErrUnsupportedSchema)
	}
	return b, nil
}

// Validate checks a bundle offline and reports every issue at once.
func Validate(dir string) (domain.SeedBundle, error) {
	b, err := Load(dir)
	if err != nil {
		return b, err
	}
	issues := structureIssues(b)
	seen := map[string]struct{}{}
	for i, bb := range b.Blobs {
		if _, dup := seen[bb.BlobID]; dup {
			issues = append(issues, fmt.Sprintf("blobs[%d]: duplicate blobId %q", i, bb.BlobID))
		}
		seen[bb.BlobID] = struct{}{}
		if issue := checkBlobFile(dir, bb); issue != "" {
			issues = append(issues, fmt.Sprintf("blobs[%d]: %s", i, issue))
		}
	}
	if len(issues) > 0 {
		return b, &domain.ValidationError{Issues: issues}
	}
	return b, nil
}

// structureIssues checks the manifest and world without touching blob files.
func structureIssues(b domain.SeedBundle) []string {
	var issues []string
	m := b.Manifest
	if m.SchemaVersion == "" {
		issues = append(issues, "manifest.schemaVersion is required")
	}
	if strings.TrimSpace(m.WorldID) == "" {
		issues = append(issues, "manifest.worldId is required")
	} else if m.WorldID != b.World.ID {
		issues = append(issues, fmt.Sprintf("manifest.worldId %q does not match world.id %q", m.WorldID, b.World.ID))
	}
	if !m.SourceEnvironment.Valid() {
		issues = append(issues, fmt.Sprintf("manifest.sourceEnvironment %q is invalid", m.SourceEnvironment))
	}
	if m.ExportedAt.IsZero() {
		issues = append(issues, "manifest.exportedAt is required")
	}
	var verr *domain.ValidationError
	if err := b.World.Validate(); errors.As(err, &verr) {
		issues = append(issues, verr.Issues...)
	}
	return issues
}

func checkBlobFile(dir string, bb domain.BundleBlob) string {
	if bb.BlobID == "" {
		return "blobId is required"
	}
	rel := filepath.ToSlash(bb.RelativePath)
	if rel == "" || path.IsAbs(rel) || strings.HasPrefix(path.Clean(rel), "..") {
		return fmt.Sprintf("relativePath %q must stay inside the bundle", bb.RelativePath)
	}
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Sprintf("file %s: %v", rel, err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Sprintf("file %s: %v", rel, err)
	}
	if bb.Size > 0 && n != bb.Size {
		return fmt.Sprintf("file %s has %d bytes, manifest says %d", rel, n, bb.Size)
	}
	if bb.SHA256 != "" && hex.EncodeToString(h.Sum(nil)) != bb.SHA256 {
		return fmt.Sprintf("file %s checksum mismatch", rel)
	}
	return ""
}

// ListSeeds yields the names of root's immediate subdirectories that hold a valid
// seed.json: supported schema, complete manifest and a valid world. Blob files are not
// hashed. The directory is read in batches as the caller pulls; the sequence can be
// ranged over once.
func ListSeeds(root string) iter.Seq[string] {
	used := false
	return func(yield func(string) bool) {
		if used {
			return
		}
		used = true
		f, err := os.Open(root)
		if err != nil {
			return
		}
		defer f.Close()
		for {
			entries, err := f.ReadDir(64)
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				b, lerr := Load(filepath.Join(root, e.Name()))
				if lerr != nil || len(structureIssues(b)) > 0 {
					continue
				}
				if !yield(e.Name()) {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
}

func encodeBundle(b domain.SeedBundle) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFileAtomic replaces path only after the new bytes are durable, so a crash leaves
// either the old file or the new one.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
