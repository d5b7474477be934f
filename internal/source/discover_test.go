package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root, rel string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte("fn main() {}\n"), 0644))
	return p
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "src/main.rs")
	touch(t, root, "src/util/mod.rs")
	touch(t, root, "target/debug/build.rs")
	touch(t, root, "README.md")

	files, err := Discover([]string{root}, Filter{
		Include: []string{"**/*.rs"},
		Exclude: []string{"**/target/**", "**/.git/**"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "src", "main.rs"),
		filepath.Join(root, "src", "util", "mod.rs"),
	}, files)
}

func TestExplicitFileIsAlwaysIncluded(t *testing.T) {
	root := t.TempDir()
	f := touch(t, root, "notes.txt")

	files, err := Discover([]string{f, f}, Filter{Include: []string{"**/*.rs"}})
	require.NoError(t, err)
	assert.Equal(t, []string{f}, files)
}

func TestDiscoverErrors(t *testing.T) {
	_, err := Discover([]string{filepath.Join(t.TempDir(), "missing")}, Filter{})
	assert.Error(t, err)

	_, err = Discover(nil, Filter{Include: []string{"[a-"}})
	assert.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	f := Filter{Include: []string{"src/**/*.rs"}, Exclude: []string{"**/generated/**"}}
	assert.True(t, f.Match("src/a/b.rs"))
	assert.False(t, f.Match("src/generated/b.rs"))
	assert.False(t, f.Match("benches/b.rs"))
	assert.True(t, Filter{}.Match("anything"))
}
