// Package shell provides interactive terminal sessions over a codespace
// tunnel.
//
// It wraps golang.org/x/crypto/ssh to run a PTY-backed shell on the
// tunnel's SSH stream, with support for terminal resizing. The package is
// used by the session bridge to carry browser keystrokes to the codespace
// and shell output back.
package shell

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ngommans/mcode-sub001/internal/relay"
)

// handshakeAddr labels the SSH handshake; the stream has no real network
// address of its own.
const handshakeAddr = "codespace:22"

// Config carries the credentials for the codespace's SSH endpoint.
type Config struct {
	// User is the account to log in as. Defaults to "codespace".
	User string
	// Password authenticates the user. Codespace tunnels accept the tunnel
	// token as the password; the field may be empty when the endpoint does
	// not require client auth.
	Password string
	// Logger receives connection-level messages. Defaults to a "[shell]"
	// tagged logger.
	Logger *log.Logger
}

// Shell is a live PTY session on the codespace. Output is delivered through
// the callback passed to Open; input and resizes go through Write and
// Resize. Done is closed when the session ends for any reason.
type Shell struct {
	logger *log.Logger

	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser

	done     chan struct{}
	doneOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

// Open starts an interactive shell over the transport's SSH stream. The
// remote side allocates a PTY (xterm-256color, 80x24 until the first
// resize) and runs the account's default shell.
//
// onData receives stdout and stderr as they arrive. The slice is only valid
// for the duration of the call; the callback must copy anything it keeps.
func Open(ctx context.Context, t relay.Transport, cfg Config, onData func([]byte)) (*Shell, error) {
	if onData == nil {
		return nil, fmt.Errorf("open shell: nil data callback")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[shell] ", log.LstdFlags)
	}
	user := cfg.User
	if user == "" {
		user = "codespace"
	}

	stream, err := t.OpenStream(ctx, relay.ChannelSSH)
	if err != nil {
		return nil, fmt.Errorf("open ssh stream: %w", err)
	}

	sshCfg := &ssh.ClientConfig{
		User: user,
		// The stream already rides the token-authenticated tunnel; there is
		// no host key to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	if cfg.Password != "" {
		sshCfg.Auth = []ssh.AuthMethod{ssh.Password(cfg.Password)}
	}

	// Bound the handshake by the caller's deadline; the stream itself has
	// no dial timeout.
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(stream, handshakeAddr, sshCfg)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	stream.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	sh := &Shell{
		logger: logger,
		client: client,
		sess:   sess,
		stdin:  stdin,
		done:   make(chan struct{}),
	}

	go sh.pump(stdout, onData)
	go sh.pump(stderr, onData)
	go sh.watch()

	return sh, nil
}

// pump copies remote output to the data callback until the stream ends.
func (s *Shell) pump(r io.Reader, onData func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			onData(buf[:n])
		}
		if err != nil {
			if !relay.IsBenignClose(err) {
				s.logger.Printf("shell output stream ended: %v", err)
			}
			s.signalDone()
			return
		}
	}
}

// watch waits for the remote shell to exit and marks the session done.
func (s *Shell) watch() {
	if err := s.sess.Wait(); err != nil && !relay.IsBenignClose(err) {
		s.logger.Printf("shell exited: %v", err)
	}
	s.signalDone()
}

func (s *Shell) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Write sends raw input, keystrokes included, to the remote shell.
func (s *Shell) Write(p []byte) error {
	if _, err := s.stdin.Write(p); err != nil {
		return fmt.Errorf("write shell input: %w", err)
	}
	return nil
}

// Resize changes the PTY dimensions. Non-positive dimensions are rejected
// by the SSH layer on the remote side, not here.
func (s *Shell) Resize(cols, rows int) error {
	if err := s.sess.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("resize pty to %dx%d: %w", cols, rows, err)
	}
	return nil
}

// Done is closed once the session has ended, whether by Close, remote
// exit, or transport failure.
func (s *Shell) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down. It is safe to call more than once and
// after the session has already ended.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		s.signalDone()
		if err := s.sess.Close(); err != nil && !relay.IsBenignClose(err) {
			s.closeErr = err
		}
		if err := s.client.Close(); err != nil && !relay.IsBenignClose(err) && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
