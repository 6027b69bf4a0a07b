// Package connector implements the Host Connector: SSH transport to a
// managed Server, privilege escalation, and idempotent file transfer.
//
// A PTY-backed combined stdout/stderr run, sudo-via-stdin escalation
// for non-root users, MD5-gated file uploads, and a publish-then-
// stopword lifecycle so a Stream Bus subscriber knows when a
// connection's output is finished.
package connector

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/auroraproxy/aurora/pkg/metrics"
	"github.com/auroraproxy/aurora/pkg/types"
	"golang.org/x/crypto/ssh"
)

// Publisher is the subset of the Stream Bus a Connection needs in order
// to fan its output out live and signal completion with the stopword.
type Publisher interface {
	Publish(ctx context.Context, channel, text string) error
}

// Credentials bundles the auth material for Open. Exactly one of
// Password or PrivateKeyPEM should be set; SudoPassword is required
// whenever User != "root".
type Credentials struct {
	User         string
	Password     string
	PrivateKeyPEM []byte
	SudoPassword string
}

// Connection is a live SSH session to a Server, plus the bookkeeping
// needed to stream command output and clean up on Close.
type Connection struct {
	client    *ssh.Client
	server    *types.Server
	creds     Credentials
	publisher Publisher
	streamID  string
	stopword  string
	sleepSecs float64
}

// Open dials server over SSH, trying password auth first and falling
// back to the supplied private key, matching the original fabric
// Config.connect_kwargs precedence.
func Open(ctx context.Context, server *types.Server, creds Credentials, timeout time.Duration) (*Connection, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SSHConnectDuration)

	var authMethods []ssh.AuthMethod
	if creds.Password != "" {
		authMethods = append(authMethods, ssh.Password(creds.Password))
	}
	if len(creds.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKeyPEM)
		if err != nil {
			return nil, &types.TransportError{ServerID: server.ID, Err: fmt.Errorf("parse private key: %w", err)}
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if len(authMethods) == 0 {
		return nil, &types.TransportError{ServerID: server.ID, Err: fmt.Errorf("no auth material supplied")}
	}

	clientConfig := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // operator-managed fleet; no prior known_hosts distribution
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(server.Host, portOrDefault(server.SSHPort))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &types.TransportError{ServerID: server.ID, Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, &types.TransportError{ServerID: server.ID, Err: err}
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	return &Connection{
		client: client,
		server: server,
		creds:  creds,
	}, nil
}

func portOrDefault(port int) string {
	if port == 0 {
		return "22"
	}
	return fmt.Sprintf("%d", port)
}

// WithStream attaches a Stream Bus publisher and channel id so Run can
// fan output out live; Close will publish the stopword on this channel.
func (c *Connection) WithStream(publisher Publisher, streamID, stopword string, sleepSecs float64) *Connection {
	c.publisher = publisher
	c.streamID = streamID
	c.stopword = stopword
	c.sleepSecs = sleepSecs
	return c
}

// sudo reports whether commands must be escalated for this connection's user.
func (c *Connection) sudo() bool {
	return c.creds.User != "" && c.creds.User != "root"
}

// Run executes cmd over a PTY-backed session so stdout and stderr are
// combined, escalating through sudo when the connected user isn't root.
// When publish is true and a Stream Bus publisher is attached, the
// combined output is forwarded to the stream as it completes.
func (c *Connection) Run(ctx context.Context, cmd string, publish bool) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		metrics.SSHCommandsTotal.WithLabelValues("error").Inc()
		return "", &types.TransportError{ServerID: c.server.ID, Err: err}
	}
	defer session.Close()

	if err := session.RequestPty("xterm", 80, 40, ssh.TerminalModes{}); err != nil {
		metrics.SSHCommandsTotal.WithLabelValues("error").Inc()
		return "", &types.TransportError{ServerID: c.server.ID, Err: fmt.Errorf("request pty: %w", err)}
	}

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	runCmd := cmd
	if c.sudo() {
		var stdin io.WriteCloser
		stdin, err = session.StdinPipe()
		if err != nil {
			return "", &types.TransportError{ServerID: c.server.ID, Err: err}
		}
		runCmd = fmt.Sprintf("sudo -S -p '' %s", cmd)
		go func() {
			fmt.Fprintf(stdin, "%s\n", c.creds.SudoPassword)
			stdin.Close()
		}()
	}

	runErr := session.Run(runCmd)
	result := strings.TrimSpace(out.String())

	if publish && c.publisher != nil && c.streamID != "" {
		_ = c.publisher.Publish(ctx, c.streamID, result)
	}

	if runErr != nil {
		metrics.SSHCommandsTotal.WithLabelValues("error").Inc()
		return result, &types.RemoteStepError{Output: result, Err: runErr}
	}
	metrics.SSHCommandsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// md5sum returns the lowercase hex MD5 of data, matching the shell
// md5sum output the original compares against.
func md5sum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// EnsureFile uploads content to remotePath only when the remote file's
// MD5 differs from content's, so a re-run of an unchanged plan is a
// no-op on the wire.
func (c *Connection) EnsureFile(ctx context.Context, content []byte, remotePath string, mode string) error {
	remoteSum, _ := c.Run(ctx, fmt.Sprintf("md5sum %s 2>/dev/null | cut -d' ' -f1", remotePath), false)
	if strings.TrimSpace(remoteSum) == md5sum(content) {
		return nil
	}
	return c.PutContent(ctx, content, remotePath, mode)
}

// PutContent stages content to a temp path over SFTP then moves it into
// place, escalating the move through sudo when required so a
// non-writable destination directory is still reachable.
func (c *Connection) PutContent(ctx context.Context, content []byte, remotePath string, mode string) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return &types.TransportError{ServerID: c.server.ID, Err: fmt.Errorf("sftp client: %w", err)}
	}
	defer sftpClient.Close()

	tmpPath := fmt.Sprintf("/tmp/.aurora-%d", time.Now().UnixNano())
	f, err := sftpClient.Create(tmpPath)
	if err != nil {
		return &types.TransportError{ServerID: c.server.ID, Err: fmt.Errorf("sftp create: %w", err)}
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return &types.TransportError{ServerID: c.server.ID, Err: fmt.Errorf("sftp write: %w", err)}
	}
	f.Close()

	if _, err := c.Run(ctx, fmt.Sprintf("sh -c 'mkdir -p \"$(dirname %s)\" && mv %s %s && chmod %s %s'", remotePath, tmpPath, remotePath, mode, remotePath), false); err != nil {
		return err
	}
	return nil
}

// PutFile uploads localContent (a local file's bytes) to remotePath,
// comparing MD5 first when ensureSame is set.
func (c *Connection) PutFile(ctx context.Context, localContent []byte, remotePath string, mode string, ensureSame bool) error {
	if ensureSame {
		return c.EnsureFile(ctx, localContent, remotePath, mode)
	}
	return c.PutContent(ctx, localContent, remotePath, mode)
}

// EnsureFolder makes remotePath (and parents) if it doesn't already exist.
func (c *Connection) EnsureFolder(ctx context.Context, remotePath string) error {
	_, err := c.Run(ctx, fmt.Sprintf("mkdir -p %s", remotePath), false)
	return err
}

// OSRelease returns the remote host's /etc/os-release contents, used to
// populate Server.Config.System during a ProbeFacts step.
func (c *Connection) OSRelease(ctx context.Context) (string, error) {
	return c.Run(ctx, "cat /etc/os-release 2>/dev/null", false)
}

// CombinedUsage returns a one-line snapshot of load average, memory and
// disk usage for a low-priority host-introspection job to publish.
func (c *Connection) CombinedUsage(ctx context.Context) (string, error) {
	return c.Run(ctx, "cat /proc/loadavg; free -m | awk 'NR==2{print $3\"/\"$2\"MB\"}'; df -h / | awk 'NR==2{print $5}'", false)
}

// CPUUsage returns the host's 1/5/15-minute load average.
func (c *Connection) CPUUsage(ctx context.Context) (string, error) {
	return c.Run(ctx, "cat /proc/loadavg", false)
}

// MemoryUsage returns used/total memory in MB.
func (c *Connection) MemoryUsage(ctx context.Context) (string, error) {
	return c.Run(ctx, "free -m | awk 'NR==2{print $3\"/\"$2\"MB\"}'", false)
}

// DiskUsage returns the root filesystem's used-percentage.
func (c *Connection) DiskUsage(ctx context.Context) (string, error) {
	return c.Run(ctx, "df -h / | awk 'NR==2{print $5}'", false)
}

// JournalTail fetches the last n lines of a unit's journal, used to
// populate ForwardRule.Config.Error after a failed plan.
func (c *Connection) JournalTail(ctx context.Context, unit string, n int) (string, error) {
	return c.Run(ctx, fmt.Sprintf("journalctl -u %s -n %d --no-pager 2>/dev/null", unit, n), false)
}

// Close sleeps briefly to give in-flight publishes a grace period, then
// emits the stopword on the attached stream before closing the
// underlying SSH client.
func (c *Connection) Close() error {
	if c.publisher != nil && c.streamID != "" {
		time.Sleep(time.Duration(c.sleepSecs * float64(time.Second)))
		_ = c.publisher.Publish(context.Background(), c.streamID, c.stopword)
	}
	return c.client.Close()
}
