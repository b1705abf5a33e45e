package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"worldline/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	return s
}

func put(t *testing.T, s Store, id, body string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), id, strings.NewReader(body)))
}

func TestFSStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	put(t, s, "artifacts/a1.txt", "hello")

	rc, err := s.Get(ctx, "artifacts/a1.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	ok, err := s.Exists(ctx, "artifacts/a1.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := s.Delete(ctx, "artifacts/a1.txt")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "artifacts/a1.txt")
	require.NoError(t, err)
	assert.False(t, deleted, "second delete is a no-op")

	_, err = s.Get(ctx, "artifacts/a1.txt")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestFSStorePutOverwrites(t *testing.T) {
	s := newStore(t)
	put(t, s, "x", "one")
	put(t, s, "x", "two")
	data, err := os.ReadFile(filepath.Join(s.Root(), "x"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestFSStoreListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	put(t, s, "b/2", "x")
	put(t, s, "a/1", "x")
	put(t, s, "b/1", "x")
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "b", "3"+tmpSuffix), []byte("x"), 0o644))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "b/1", "b/2"}, all)

	bs, err := s.List(ctx, "b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1", "b/2"}, bs)
}

func TestCleanIDRejectsEscapes(t *testing.T) {
	for _, id := range []string{"", "  ", "../x", "a/../../x", "/etc/passwd", "C:/x", "x" + tmpSuffix} {
		_, err := CleanID(id)
		assert.Truef(t, errors.Is(err, domain.ErrValidation), "id %q", id)
	}
	got, err := CleanID(`a\b//c`)
	require.NoError(t, err)
	assert.Equal(t, "a/b/c", got)
}

func TestMissingProbesConcurrently(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	put(t, s, "have-1", "x")
	put(t, s, "have-2", "x")

	missing, err := Missing(ctx, s, []string{"have-2", "gone-b", "have-1", "gone-a"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone-a", "gone-b"}, missing)

	missing, err = Missing(ctx, s, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMissingStopsOnProbeError(t *testing.T) {
	s := newStore(t)
	_, err := Missing(context.Background(), s, []string{"ok", "../bad"}, 4)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
