package engine

import (
	"fmt"
	"strings"

	"worldline/internal/domain"
)

type sampleBlob struct {
	id      string
	content string
}

type sample struct {
	users     []domain.User
	artifacts []domain.Artifact
	chats     []domain.Chat
	blobs     []sampleBlob
}

// sampleData derives fixture entities from the world id alone, so seeding the same
// world twice produces the same ids and blob contents.
func sampleData(w domain.World) sample {
	slug := strings.ToLower(strings.NewReplacer(" ", "-", "/", "-", "\\", "-").Replace(w.ID))
	var s sample
	roles := []string{"admin", "member", "viewer"}
	for i, role := range roles {
		s.users = append(s.users, domain.User{
			ID:         fmt.Sprintf("%s-user-%d", slug, i+1),
			Email:      fmt.Sprintf("%s+%s@example.test", role, slug),
			Name:       fmt.Sprintf("Sample %s", role),
			Type:       role,
			Attributes: map[string]string{"seeded": "true"},
		})
	}
	docs := []struct{ kind, title string }{
		{"document", "Onboarding notes"},
		{"dataset", "Quarterly numbers"},
	}
	for i, d := range docs {
		artifactID := fmt.Sprintf("%s-artifact-%d", slug, i+1)
		blobID := fmt.Sprintf("%s/%s.txt", slug, artifactID)
		s.blobs = append(s.blobs, sampleBlob{
			id:      blobID,
			content: fmt.Sprintf("%s for world %s (%s)\n", d.title, w.ID, w.Environment),
		})
		s.artifacts = append(s.artifacts, domain.Artifact{
			ID:         artifactID,
			Kind:       d.kind,
			Title:      d.title,
			ContentRef: blobID,
		})
	}
	s.chats = append(s.chats, domain.Chat{
		ID:          slug + "-chat-1",
		Title:       "Getting started",
		UserID:      s.users[0].ID,
		ArtifactIDs: []string{s.artifacts[0].ID},
		Messages: []domain.Message{
			{Role: "user", Content: "Where are the onboarding notes?"},
			{Role: "assistant", Content: "They are attached to this chat."},
		},
	})
	return s
}
