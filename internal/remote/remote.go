// Package remote runs commands on provisioned VMs over SSH.
//
// Host keys are not verified: targets are throwaway debug machines whose
// host keys change on every provision, matching the ssh -o
// StrictHostKeyChecking=no workflow this tool replaces.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	defaultUser    = "root"
	defaultPort    = "22"
	defaultTimeout = 60 * time.Second
)

// Result holds the output of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands on a single remote host.
type Runner struct {
	User    string
	Addr    string // host or host:port
	KeyPath string
	Timeout time.Duration
}

// NewRunner returns a runner for addr authenticating with the private key
// at keyPath as root.
func NewRunner(addr, keyPath string) *Runner {
	return &Runner{
		User:    defaultUser,
		Addr:    addr,
		KeyPath: keyPath,
		Timeout: defaultTimeout,
	}
}

// Run executes one command and returns its captured output. A non-zero
// remote exit status is returned as an error carrying the Result.
func (r *Runner) Run(ctx context.Context, command string) (Result, error) {
	keyData, err := os.ReadFile(r.KeyPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read private key %s: %w", r.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse private key %s: %w", r.KeyPath, err)
	}

	addr := r.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}

	timeout := r.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	cfg := &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return Result{}, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// Close the session if the context is cancelled mid-command.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()

	runErr := session.Run(command)
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if ok := asExitError(runErr, &exitErr); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, fmt.Errorf("remote command exited with status %d: %s", result.ExitCode, firstLine(result.Stderr))
		}
		return result, fmt.Errorf("remote command failed: %w", runErr)
	}
	return result, nil
}

func asExitError(err error, target **ssh.ExitError) bool {
	e, ok := err.(*ssh.ExitError)
	if ok {
		*target = e
	}
	return ok
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

// WaitReachable dials addr:22 repeatedly until the TCP port accepts a
// connection or attempts are exhausted. It does not authenticate; it only
// tells the caller sshd is up.
func WaitReachable(ctx context.Context, addr string, attempts int, interval time.Duration) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, interval)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%s not reachable after %d attempts: %w", addr, attempts, lastErr)
}
