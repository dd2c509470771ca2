package persist

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// StandbyConfig describes one hot-standby target the snapshot is shipped to
// after every successful write.
type StandbyConfig struct {
	Host       string
	Port       int
	User       string
	KeyPath    string // path to a private key file; password auth is not supported
	RemotePath string
	Timeout    time.Duration
}

// StandbyReplicator copies the local snapshot file to one or more
// standbys over SFTP whenever Push is called, tolerating a standby being
// unreachable without affecting the primary's own persistence.
type StandbyReplicator struct {
	Targets []StandbyConfig
}

// Push uploads localPath to every configured standby. It returns the first
// error encountered but still attempts every target.
func (r *StandbyReplicator) Push(localPath string) error {
	var firstErr error
	for _, t := range r.Targets {
		if err := r.pushOne(t, localPath); err != nil {
			wrapped := errors.Wrapf(err, "replicate snapshot to standby %s", t.Host)
			if firstErr == nil {
				firstErr = wrapped
			}
		}
	}
	return firstErr
}

func (r *StandbyReplicator) pushOne(t StandbyConfig, localPath string) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	key, err := os.ReadFile(t.KeyPath)
	if err != nil {
		return fmt.Errorf("read standby key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parse standby key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(clientConn, chans, reqs)
	defer sshClient.Close()

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local snapshot: %w", err)
	}
	defer local.Close()

	remoteTmp := t.RemotePath + ".tmp"
	remote, err := sftpClient.Create(remoteTmp)
	if err != nil {
		return fmt.Errorf("create remote temp file: %w", err)
	}
	if _, err := remote.ReadFrom(local); err != nil {
		remote.Close()
		return fmt.Errorf("upload snapshot: %w", err)
	}
	if err := remote.Close(); err != nil {
		return fmt.Errorf("close remote temp file: %w", err)
	}
	if err := sftpClient.Rename(remoteTmp, t.RemotePath); err != nil {
		// Some SFTP servers reject Rename onto an existing file; fall back
		// to remove-then-rename.
		_ = sftpClient.Remove(t.RemotePath)
		if err := sftpClient.Rename(remoteTmp, t.RemotePath); err != nil {
			return fmt.Errorf("rename remote snapshot into place: %w", err)
		}
	}
	return nil
}
