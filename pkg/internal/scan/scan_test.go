package scan_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/scan"
	"github.com/yeisme/indexsync/pkg/internal/store/storetest"
)

func write(t *testing.T, root, rel, body string) {
	t.Helper()

	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func TestTrackWalksAndDetectsChanges(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := storetest.New(t)
	sc := scan.New(s, root)

	write(t, root, "docs/a.md", "alpha")
	write(t, root, "docs/sub/b.md", "beta")
	write(t, root, "docs/.git/config", "ignored")
	write(t, root, "notes/c.md", "gamma")

	report, err := sc.Track(ctx, ".")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Seen)
	assert.Equal(t, 3, report.Created)
	assert.Empty(t, report.Missing)

	rec, err := s.Get(ctx, "docs/sub/b.md")
	require.NoError(t, err)
	assert.Equal(t, model.Untracked, rec.LifecycleState)
	assert.Len(t, rec.ContentID, 16)

	_, err = s.Get(ctx, "docs/.git/config")
	require.Error(t, err)

	// 修改一个文件、删除一个文件
	write(t, root, "docs/a.md", "alpha v2")
	require.NoError(t, os.Remove(filepath.Join(root, "docs", "sub", "b.md")))

	report, err = sc.Track(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Seen)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, report.Changed)
	assert.Equal(t, []string{"docs/sub/b.md"}, report.Missing)

	gone, err := s.Get(ctx, "docs/sub/b.md")
	require.NoError(t, err)
	assert.True(t, gone.Missing)

	notes, err := s.Get(ctx, "notes/c.md")
	require.NoError(t, err)
	assert.False(t, notes.Missing, "outside the walked directory")

	// 文件回来后清除 missing
	write(t, root, "docs/sub/b.md", "beta")

	_, err = sc.Track(ctx, "docs/sub/b.md")
	require.NoError(t, err)

	back, err := s.Get(ctx, "docs/sub/b.md")
	require.NoError(t, err)
	assert.False(t, back.Missing)
	assert.Equal(t, rec.ContentID, back.ContentID)
}

func TestTrackVanishedArgument(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := storetest.New(t)
	sc := scan.New(s, root)

	write(t, root, "old/x.md", "x")

	_, err := sc.Track(ctx, "old")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "old")))

	report, err := sc.Track(ctx, "old", "never-existed.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"old/x.md"}, report.Missing)
}

func TestRel(t *testing.T) {
	root := t.TempDir()
	sc := scan.New(storetest.New(t), root)

	p, err := sc.Rel(filepath.Join(root, "a", "b.md"))
	require.NoError(t, err)
	assert.Equal(t, "a/b.md", p)

	p, err = sc.Rel("./a/../c.md")
	require.NoError(t, err)
	assert.Equal(t, "c.md", p)

	_, err = sc.Rel("../escape.md")
	assert.Error(t, err)
}
