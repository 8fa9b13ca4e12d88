package target

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeami/zwatch/internal/ports"
)

// =============================================================================
// Target registry: validation, normalization, overlap handling
// =============================================================================

func mkdirs(t *testing.T, root string, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}
}

func TestRegister_RelativePathResolvesAgainstRoot(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "src")

	r := NewRegistry(root)
	require.NoError(t, r.Register(ports.WatchTarget{Path: "src", Recursive: true}))

	all := r.All()
	require.Len(t, all, 1)
	assert.Equal(t, filepath.Join(r.Root(), "src"), all[0].Path)
	assert.True(t, filepath.IsAbs(all[0].Path))
}

func TestRegister_NonExistentPathIsInvalid(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "src")

	r := NewRegistry(root)
	err := r.Register(ports.WatchTarget{Path: "missing"})
	require.Error(t, err)

	var ite *InvalidTargetError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, "missing", ite.Path)
	assert.True(t, errors.Is(err, ErrInvalidTarget))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 0, r.Len())
}

func TestRegisterAll_InvalidTargetDoesNotBlockOthers(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "src", ".claude")

	r := NewRegistry(root)
	errs := r.RegisterAll([]ports.WatchTarget{
		{Path: ".claude", Recursive: true},
		{Path: "does/not/exist", Recursive: true},
		{Path: "src", Recursive: true},
	})

	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrInvalidTarget))
	assert.Equal(t, 2, r.Len())
}

func TestRegister_DuplicatesAreMerged(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "src")

	r := NewRegistry(root)
	require.NoError(t, r.Register(ports.WatchTarget{Path: "src", Recursive: false, Priority: 3}))
	require.NoError(t, r.Register(ports.WatchTarget{Path: "./src/", Recursive: true, Priority: 8}))
	require.NoError(t, r.Register(ports.WatchTarget{Path: filepath.Join(root, "src")}))

	all := r.All()
	require.Len(t, all, 1)
	assert.True(t, all[0].Recursive, "recursive wins on merge")
	assert.Equal(t, 8, all[0].Priority)
}

func TestRegister_SymlinkCanonicalized(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "real")
	link := filepath.Join(root, "link")
	if err := os.Symlink(filepath.Join(root, "real"), link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	r := NewRegistry(root)
	require.NoError(t, r.Register(ports.WatchTarget{Path: "real", Recursive: true}))
	require.NoError(t, r.Register(ports.WatchTarget{Path: "link", Recursive: true}))
	assert.Equal(t, 1, r.Len())
}

func TestEffective_DropsDescendantsOfRecursiveTargets(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "src/pkg/deep", "docs")

	r := NewRegistry(root)
	require.NoError(t, r.Register(ports.WatchTarget{Path: "src/pkg/deep", Recursive: true}))
	require.NoError(t, r.Register(ports.WatchTarget{Path: "src", Recursive: true}))
	require.NoError(t, r.Register(ports.WatchTarget{Path: "docs", Recursive: false}))

	assert.Equal(t, 3, r.Len(), "descendant registration is accepted")
	assert.True(t, r.Redundant("src/pkg/deep"))
	assert.False(t, r.Redundant("src"))

	eff := r.Effective()
	require.Len(t, eff, 2)
	assert.Equal(t, filepath.Join(r.Root(), "src"), eff[0].Path)
	assert.Equal(t, filepath.Join(r.Root(), "docs"), eff[1].Path)
}

func TestEffective_NonRecursiveParentDoesNotCover(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "src")

	r := NewRegistry(root)
	require.NoError(t, r.Register(ports.WatchTarget{Path: ".", Recursive: false}))
	require.NoError(t, r.Register(ports.WatchTarget{Path: "src", Recursive: true}))

	assert.Len(t, r.Effective(), 2)
}

func TestWithin(t *testing.T) {
	cases := []struct {
		path, dir string
		want      bool
	}{
		{"/a/b", "/a", true},
		{"/a", "/a", true},
		{"/ab", "/a", false},
		{"/a/../b", "/a", false},
		{"/x/y", "/a", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Within(filepath.Clean(tc.path), tc.dir), "%s in %s", tc.path, tc.dir)
	}
}
