package protocol

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/go-ldap/ldap/v3"

	"github.com/sikt-no/zino/internal/config"
)

// Authenticator validates a USER command's challenge/response pair.
type Authenticator interface {
	Authenticate(user, challenge, response string) error
}

// SecretsAuthenticator authenticates against the flat "user secret" file
// this protocol has always used: SHA1(challenge + " " + secret) must equal
// the client-supplied response.
type SecretsAuthenticator struct {
	SecretsFile string
}

func (a *SecretsAuthenticator) Authenticate(user, challenge, response string) error {
	users, err := config.LoadSecrets(a.SecretsFile)
	if err != nil {
		return err
	}
	secret, ok := users[user]
	if !ok {
		return fmt.Errorf("no such user")
	}
	sum := sha1.Sum([]byte(challenge + " " + secret))
	expected := hex.EncodeToString(sum[:])
	if response != expected {
		return fmt.Errorf("authentication failure")
	}
	return nil
}

// LDAPAuthenticator authenticates by binding as the user against an LDAP
// directory, an optional backend alongside the default secrets file.
type LDAPAuthenticator struct {
	Addr       string // "ldap://host:389" or "ldaps://host:636"
	BindDNTmpl string // e.g. "uid=%s,ou=people,dc=example,dc=com"
}

// Authenticate here ignores the challenge/response scheme entirely: LDAP
// bind auth is a distinct mode where "response" is treated as the user's
// cleartext password, matching how the original codebase's fallback
// authentication modes bypass the SHA1 challenge entirely.
func (a *LDAPAuthenticator) Authenticate(user, challenge, response string) error {
	conn, err := ldap.DialURL(a.Addr)
	if err != nil {
		return fmt.Errorf("connect to ldap: %w", err)
	}
	defer conn.Close()

	dn := fmt.Sprintf(a.BindDNTmpl, ldap.EscapeFilter(user))
	if err := conn.Bind(dn, response); err != nil {
		return fmt.Errorf("ldap bind failed: %w", err)
	}
	return nil
}

// ChainAuthenticator tries each Authenticator in order, succeeding on the
// first that accepts the credentials.
type ChainAuthenticator struct {
	Backends []Authenticator
}

func (c *ChainAuthenticator) Authenticate(user, challenge, response string) error {
	var lastErr error
	for _, b := range c.Backends {
		if err := b.Authenticate(user, challenge, response); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no authentication backend configured")
	}
	return lastErr
}

var sessionIDs *snowflake.Node

func init() {
	sessionIDs, _ = snowflake.NewNode(1)
}

// NewSessionID returns a correlation id for a freshly accepted connection,
// attached to every log line for that session so concurrent sessions in the
// same log stream can be told apart.
func NewSessionID() string {
	if sessionIDs == nil {
		return ""
	}
	return sessionIDs.Generate().String()
}
