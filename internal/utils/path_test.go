package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "empty path", input: "", wantErr: true},
		{name: "absolute path", input: "/tmp/a/../b", want: filepath.Clean("/tmp/b")},
		{name: "home", input: "~", want: home},
		{name: "under home", input: "~/sync", want: filepath.Join(home, "sync")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	rel, err := ResolvePath("client_files")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(rel))
}

func TestEnsureParent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "file.log")

	require.NoError(t, EnsureParent(target))
	assert.DirExists(t, filepath.Join(dir, "a", "b"))
	assert.NoFileExists(t, target)

	require.NoError(t, EnsureDir(filepath.Join(dir, "a")), "existing directory is fine")
}
