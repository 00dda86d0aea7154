package taskdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"taskmaster/lib/ids"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	root := t.TempDir()
	d := New(root)
	require.NoError(t, d.EnsureDirectories())
	return d
}

func TestEnsureDirectoriesCreatesAllFour(t *testing.T) {
	d := newTestDir(t)
	for _, s := range allStates {
		info, err := os.Stat(d.path(s))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestListPendingOrdersByName(t *testing.T) {
	d := newTestDir(t)
	for _, n := range []string{"b.txt", "a.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(d.path(Pending), n), []byte("x"), 0o644))
	}
	files, err := d.ListPending()
	require.NoError(t, err)
	require.Equal(t, []ids.TaskFile{"a.txt", "b.txt"}, files)
}

func TestMoveRoundTripLeavesContentIdentical(t *testing.T) {
	d := newTestDir(t)
	name := ids.TaskFile("t001.txt")
	require.NoError(t, os.WriteFile(filepath.Join(d.path(Pending), string(name)), []byte("hello"), 0o644))

	require.NoError(t, d.Move(name, Pending, Working))
	require.True(t, d.Exists(name, Working))
	require.False(t, d.Exists(name, Pending))

	require.NoError(t, d.Move(name, Working, Pending))
	require.True(t, d.Exists(name, Pending))
	require.False(t, d.Exists(name, Working))

	content, err := d.Read(name, Pending)
	require.NoError(t, err)
	require.Equal(t, "hello", content)
}

func TestMoveOfAlreadyMovedFileIsNoOp(t *testing.T) {
	d := newTestDir(t)
	name := ids.TaskFile("t002.txt")
	require.NoError(t, os.WriteFile(filepath.Join(d.path(Done), string(name)), []byte("done"), 0o644))

	// A duplicate DONE report racing an earlier move: working/ no longer
	// has the file, so Move(working->done) must be a silent no-op.
	require.NoError(t, d.Move(name, Working, Done))
	require.True(t, d.Exists(name, Done))
}

func TestCountReflectsDirectoryContents(t *testing.T) {
	d := newTestDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(d.path(Pending), "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(d.path(Pending), "b.txt"), []byte("x"), 0o644))

	n, err := d.Count(Pending)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = d.Count(Working)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
