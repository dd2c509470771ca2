package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSecretsParsesUserSecretLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets")
	contents := "# a comment\nalice s3cret\nbob another secret with spaces\n\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	users, err := LoadSecrets(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", users["alice"])
	assert.Equal(t, "another secret with spaces", users["bob"])
	assert.Len(t, users, 2)
}

func TestLoadSecretsMissingFile(t *testing.T) {
	_, err := LoadSecrets(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}
