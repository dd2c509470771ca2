package protocol

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSecrets(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func challengeResponse(challenge, secret string) string {
	sum := sha1.Sum([]byte(challenge + " " + secret))
	return hex.EncodeToString(sum[:])
}

func TestSecretsAuthenticatorAcceptsCorrectResponse(t *testing.T) {
	path := writeSecrets(t, "alice s3cret\n")
	a := &SecretsAuthenticator{SecretsFile: path}
	assert.NoError(t, a.Authenticate("alice", "chal123", challengeResponse("chal123", "s3cret")))
}

func TestSecretsAuthenticatorRejectsWrongResponse(t *testing.T) {
	path := writeSecrets(t, "alice s3cret\n")
	a := &SecretsAuthenticator{SecretsFile: path}
	err := a.Authenticate("alice", "chal123", "not-the-right-hash")
	assert.Error(t, err)
}

func TestSecretsAuthenticatorRejectsUnknownUser(t *testing.T) {
	path := writeSecrets(t, "alice s3cret\n")
	a := &SecretsAuthenticator{SecretsFile: path}
	err := a.Authenticate("mallory", "chal123", challengeResponse("chal123", "s3cret"))
	assert.Error(t, err)
}

func TestChainAuthenticatorTriesEachBackend(t *testing.T) {
	path := writeSecrets(t, "alice s3cret\n")
	chain := &ChainAuthenticator{Backends: []Authenticator{
		&SecretsAuthenticator{SecretsFile: path},
	}}
	assert.NoError(t, chain.Authenticate("alice", "chal123", challengeResponse("chal123", "s3cret")))

	err := chain.Authenticate("alice", "chal123", "wrong")
	assert.Error(t, err)
}

func TestNewSessionIDIsNonEmptyAndUnique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
