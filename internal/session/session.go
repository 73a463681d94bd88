// Package session implements the per-connection lifecycle that bridges a
// browser terminal to a codespace: authenticate, select, bridge, teardown.
//
// A Session owns at most one live shell and one live transport at a time.
// Lifecycle-mutating operations (connect, disconnect, close) are serialized
// per session; input, resize, and port reads run against a best-effort view
// of the current bridge. When the controlling connection closes, the RPC
// facility is kept alive for a grace window instead of being disposed with
// the rest of the bridge.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ngommans/mcode-sub001/internal/directory"
	"github.com/ngommans/mcode-sub001/internal/ports"
	"github.com/ngommans/mcode-sub001/internal/protocol"
	"github.com/ngommans/mcode-sub001/internal/relay"
	"github.com/ngommans/mcode-sub001/internal/trace"
)

// DefaultGracePeriod bounds how long a disconnected RPC facility is kept
// alive for possible reassociation before it disposes itself.
const DefaultGracePeriod = 30 * time.Second

// ShellChannel is the live shell the session writes keystrokes to. The
// concrete implementation delivers output through the callback passed at
// open time.
type ShellChannel interface {
	Write(p []byte) error
	Resize(cols, rows int) error
	Done() <-chan struct{}
	Close() error
}

// Deps carries the collaborator constructors and tuning a Session needs.
// The session depends only on these interfaces; production wiring lives in
// main.
type Deps struct {
	// NewDirectory binds a directory client to an authentication token.
	// The token is never validated here; the first directory call is.
	NewDirectory func(token string) directory.Client
	// DialTransport opens a relay tunnel to the codespace.
	DialTransport func(ctx context.Context, info directory.ConnectionInfo) (relay.Transport, error)
	// OpenShell starts the interactive shell over an open transport,
	// delivering output through onData.
	OpenShell func(ctx context.Context, t relay.Transport, info directory.ConnectionInfo, onData func([]byte)) (ShellChannel, error)
	// NewRPC opens the out-of-band port-query facility. Optional; when nil
	// or failing, port snapshots fall back to listener and trace sources.
	NewRPC func(ctx context.Context, t relay.Transport) (relay.RPCFacility, error)

	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
	// TraceHistory is the tracker's FIFO capacity; non-positive values use
	// the tracker default.
	TraceHistory int
	// DebugTrace enables verbose trace categorization logging.
	DebugTrace bool

	// OnEvent, when set, receives bridge lifecycle events for auditing.
	OnEvent func(sessionID, codespace, event, detail string)
}

// Session is one browser connection's lifecycle state.
type Session struct {
	ID        string
	CreatedAt time.Time

	logger *log.Logger
	sender protocol.Sender
	deps   Deps

	// lifecycleMu serializes mutating operations so two bridge sequences
	// never overlap on one session.
	lifecycleMu sync.Mutex

	// mu guards the fields below for best-effort concurrent reads.
	mu            sync.RWMutex
	state         State
	dir           directory.Client
	codespaceName string
	codespace     *directory.Codespace
	connectedAt   time.Time

	transport relay.Transport
	tracker   *trace.Tracker
	sub       *trace.Subscription
	shell     ShellChannel
	rpc       relay.RPCFacility

	// awaited records forwards resolved through WaitForForwardedPort,
	// keyed by remote port.
	awaited map[uint16]ports.PortMapping
	// snapshot is the last merged raw port set; lastPorts is the wire
	// projection last pushed, kept for change detection on refresh.
	snapshot  []ports.TunnelPort
	lastPorts []ports.ForwardedPort

	graceTimer *time.Timer
}

// New creates a session in the Unauthenticated state.
func New(sender protocol.Sender, logger *log.Logger, deps Deps) *Session {
	id := uuid.NewString()
	if logger == nil {
		logger = log.New(log.Writer(), "[session] ", log.LstdFlags)
	}
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		logger:    logger,
		sender:    sender,
		deps:      deps,
		state:     StateUnauthenticated,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CodespaceName reports the currently bridged codespace, empty when none.
func (s *Session) CodespaceName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.codespaceName
}

// ConnectedAt reports when the current bridge was established, zero when no
// bridge is active.
func (s *Session) ConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

func (s *Session) gracePeriod() time.Duration {
	if s.deps.GracePeriod > 0 {
		return s.deps.GracePeriod
	}
	return DefaultGracePeriod
}

// send pushes an outbound message, logging instead of failing when the
// connection is already going away.
func (s *Session) send(msg any) {
	if s.sender == nil {
		return
	}
	if err := s.sender.Send(context.Background(), msg); err != nil {
		if !relay.IsBenignClose(err) {
			s.logger.Printf("send %T: %v", msg, err)
		}
	}
}

func (s *Session) fireEvent(codespace, event, detail string) {
	if s.deps.OnEvent != nil {
		s.deps.OnEvent(s.ID, codespace, event, detail)
	}
}

// Authenticate binds a directory client to the supplied token. It never
// fails; an invalid token surfaces on the first directory call.
func (s *Session) Authenticate(ctx context.Context, token string) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateDraining {
		return ErrClosed
	}
	s.dir = s.deps.NewDirectory(token)
	if s.state == StateUnauthenticated {
		s.state = StateAuthenticated
	}
	s.logger.Printf("session %s authenticated", s.ID)
	return nil
}

// ListCodespaces queries the directory for the caller's codespaces.
func (s *Session) ListCodespaces(ctx context.Context) ([]directory.Codespace, error) {
	s.mu.RLock()
	dir := s.dir
	s.mu.RUnlock()
	if dir == nil {
		return nil, ErrNotAuthenticated
	}
	list, err := dir.List(ctx)
	if err != nil {
		return nil, &DirectoryError{Op: "list codespaces", Err: err}
	}
	return list, nil
}

// Connect runs the full bridge sequence against the named codespace:
// resolve connection info (starting the codespace first when it is shut
// down), dial the transport, attach the port tracker, open the shell, then
// push the initial port snapshot. An existing bridge is torn down first.
// Progress and failure are reported through codespace_state messages; the
// returned error carries the same failure for the caller's log.
func (s *Session) Connect(ctx context.Context, name string) error {
	s.mu.RLock()
	dir := s.dir
	s.mu.RUnlock()
	if dir == nil {
		return ErrNotAuthenticated
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed || s.state == StateDraining {
		s.mu.Unlock()
		return ErrClosed
	}
	replacing := s.transport != nil || s.shell != nil
	s.state = StateBridging
	s.mu.Unlock()

	if replacing {
		s.logger.Printf("session %s replacing active bridge with %s", s.ID, name)
		s.teardown(false)
		s.fireEvent(name, "replaced", "bridge replaced by new connect")
	}

	cs, err := s.resolveCodespace(ctx, dir, name)
	if err != nil {
		s.failBridge(name, nil, err)
		return err
	}

	s.send(protocol.NewCodespaceState(name, protocol.ConnStateConnecting, cs))

	info, err := dir.Connection(ctx, name)
	if err != nil {
		err = &DirectoryError{Op: "resolve connection", Err: err}
		s.failBridge(name, cs, err)
		return err
	}

	transport, err := s.deps.DialTransport(ctx, *info)
	if err != nil {
		err = &BridgeError{Step: "dial transport", Err: err}
		s.failBridge(name, cs, err)
		return err
	}

	tracker := trace.NewTracker(s.deps.TraceHistory, s.deps.DebugTrace, s.logger)
	sub := tracker.Subscribe(transport)

	var rpc relay.RPCFacility
	if s.deps.NewRPC != nil {
		rpc, err = s.deps.NewRPC(ctx, transport)
		if err != nil {
			// Port queries degrade to listener and trace sources.
			s.logger.Printf("session %s rpc facility unavailable: %v", s.ID, err)
			rpc = nil
		}
	}

	sh, err := s.deps.OpenShell(ctx, transport, *info, s.handleShellData)
	if err != nil {
		if rpc != nil {
			rpc.Dispose()
		}
		sub.Unsubscribe()
		transport.Close()
		err = &BridgeError{Step: "open shell", Err: err}
		s.failBridge(name, cs, err)
		return err
	}

	s.mu.Lock()
	s.state = StateBridged
	s.codespaceName = name
	s.codespace = cs
	s.connectedAt = time.Now()
	s.transport = transport
	s.tracker = tracker
	s.sub = sub
	s.shell = sh
	s.rpc = rpc
	s.awaited = make(map[uint16]ports.PortMapping)
	s.snapshot = nil
	s.lastPorts = nil
	s.mu.Unlock()

	go s.watchTransport(transport)
	go s.watchShell(sh)

	s.send(protocol.NewCodespaceState(name, protocol.ConnStateConnected, cs))
	s.logger.Printf("session %s bridged to %s", s.ID, name)
	s.fireEvent(name, "connected", "")

	if err := s.refreshPorts(ctx, true); err != nil {
		s.logger.Printf("session %s initial port snapshot: %v", s.ID, err)
	}
	return nil
}

// resolveCodespace fetches the codespace record and, when it is shut down,
// starts it and waits for it to become available, relaying directory states
// to the client along the way.
func (s *Session) resolveCodespace(ctx context.Context, dir directory.Client, name string) (*directory.Codespace, error) {
	cs, err := dir.Get(ctx, name)
	if err != nil {
		return nil, &DirectoryError{Op: "get codespace", Err: err}
	}
	if cs.State == directory.StateAvailable {
		return cs, nil
	}

	if cs.State == directory.StateShutdown {
		if err := dir.Start(ctx, name); err != nil {
			return nil, &DirectoryError{Op: "start codespace", Err: err}
		}
	}
	s.send(protocol.NewCodespaceState(name, directory.StateStarting, cs))

	cs, err = dir.WaitAvailable(ctx, name, func(state string) {
		s.send(protocol.NewCodespaceState(name, state, nil))
	})
	if err != nil {
		return nil, &DirectoryError{Op: "await codespace start", Err: err}
	}
	return cs, nil
}

// failBridge reports a failed connect and returns the session to
// Authenticated. Partial resources are already rolled back by the caller.
func (s *Session) failBridge(name string, cs *directory.Codespace, err error) {
	s.mu.Lock()
	if s.state == StateBridging {
		s.state = StateAuthenticated
	}
	s.mu.Unlock()
	s.logger.Printf("session %s bridge to %s failed: %v", s.ID, name, err)
	s.send(protocol.NewCodespaceState(name, protocol.ConnStateFailed, cs))
	s.fireEvent(name, "bridge_failed", err.Error())
}

// handleShellData relays shell output to the client. The slice is only
// valid during the call, and string conversion copies it.
func (s *Session) handleShellData(p []byte) {
	s.send(protocol.NewOutput(string(p)))
}

// watchTransport tears the bridge down when the tunnel dies underneath a
// bridged session.
func (s *Session) watchTransport(t relay.Transport) {
	<-t.Done()

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.RLock()
	current := s.transport == t && s.state == StateBridged
	name := s.codespaceName
	cs := s.codespace
	s.mu.RUnlock()
	if !current {
		return
	}

	s.logger.Printf("session %s lost tunnel to %s", s.ID, name)
	s.teardown(false)
	s.mu.Lock()
	s.state = StateAuthenticated
	s.mu.Unlock()
	s.send(protocol.NewCodespaceState(name, protocol.ConnStateDisconnected, cs))
	s.fireEvent(name, "transport_lost", "")
}

// watchShell tears the bridge down when the remote shell exits while the
// session is still bridged.
func (s *Session) watchShell(sh ShellChannel) {
	<-sh.Done()

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.RLock()
	current := s.shell == sh && s.state == StateBridged
	name := s.codespaceName
	cs := s.codespace
	s.mu.RUnlock()
	if !current {
		return
	}

	s.logger.Printf("session %s shell to %s ended", s.ID, name)
	s.teardown(false)
	s.mu.Lock()
	s.state = StateAuthenticated
	s.mu.Unlock()
	s.send(protocol.NewCodespaceState(name, protocol.ConnStateDisconnected, cs))
	s.fireEvent(name, "shell_ended", "")
}

// Disconnect tears down the active bridge and returns the session to
// Authenticated. The RPC facility is disposed immediately; the grace window
// applies only to connection loss.
func (s *Session) Disconnect(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.RLock()
	bridged := s.transport != nil || s.shell != nil
	name := s.codespaceName
	state := s.state
	s.mu.RUnlock()

	if state == StateClosed || state == StateDraining {
		return ErrClosed
	}
	if !bridged {
		return ErrNoBridge
	}

	s.teardown(false)
	s.mu.Lock()
	s.state = StateAuthenticated
	s.mu.Unlock()
	s.logger.Printf("session %s disconnected from %s", s.ID, name)
	s.fireEvent(name, "disconnected", "")
	return nil
}

// Input writes keystrokes to the shell. Without an active bridge it is a
// no-op; write failures on a closing shell are logged, never surfaced.
func (s *Session) Input(ctx context.Context, data string) error {
	s.mu.RLock()
	sh := s.shell
	s.mu.RUnlock()
	if sh == nil {
		return nil
	}
	if err := sh.Write([]byte(data)); err != nil {
		if !relay.IsBenignClose(err) {
			s.logger.Printf("session %s shell write: %v", s.ID, err)
		}
	}
	return nil
}

// Resize changes the shell viewport. Without an active bridge it is a
// no-op. Non-positive dimensions are ignored.
func (s *Session) Resize(ctx context.Context, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	s.mu.RLock()
	sh := s.shell
	s.mu.RUnlock()
	if sh == nil {
		return nil
	}
	if err := sh.Resize(cols, rows); err != nil {
		if !relay.IsBenignClose(err) {
			s.logger.Printf("session %s shell resize: %v", s.ID, err)
		}
	}
	return nil
}

// Close ends the session on transport-level connection loss: the shell goes
// down immediately, the RPC facility enters its grace window, the transport
// is disposed, and all session caches are cleared. Safe to call repeatedly.
func (s *Session) Close() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDraining
	name := s.codespaceName
	s.mu.Unlock()

	s.teardown(true)

	s.mu.Lock()
	s.state = StateClosed
	s.dir = nil
	s.mu.Unlock()

	s.logger.Printf("session %s closed", s.ID)
	s.fireEvent(name, "closed", "")
	return nil
}

// teardown releases the bridge. Disposal order: shell, tracker
// subscription, RPC facility, transport, cached snapshot. With grace set,
// the RPC facility is marked disconnected and left for the grace timer
// instead of being disposed here.
func (s *Session) teardown(grace bool) {
	s.mu.Lock()
	sh := s.shell
	sub := s.sub
	rpc := s.rpc
	transport := s.transport
	s.shell = nil
	s.sub = nil
	s.rpc = nil
	s.transport = nil
	s.tracker = nil
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.mu.Unlock()

	if sh != nil {
		if err := sh.Close(); err != nil && !relay.IsBenignClose(err) {
			s.logger.Printf("session %s shell close: %v", s.ID, err)
		}
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if rpc != nil {
		if grace {
			rpc.MarkDisconnected()
			s.startGrace(rpc)
		} else if err := rpc.Dispose(); err != nil {
			s.logger.Printf("session %s rpc dispose: %v", s.ID, err)
		}
	}
	if transport != nil {
		if err := transport.Close(); err != nil && !relay.IsBenignClose(err) {
			s.logger.Printf("session %s transport close: %v", s.ID, err)
		}
	}

	s.mu.Lock()
	s.codespaceName = ""
	s.codespace = nil
	s.connectedAt = time.Time{}
	s.awaited = nil
	s.snapshot = nil
	s.lastPorts = nil
	s.mu.Unlock()
}

// startGrace schedules the disconnected RPC facility's disposal. The timer
// fires at most once; Dispose itself is idempotent.
func (s *Session) startGrace(rpc relay.RPCFacility) {
	d := s.gracePeriod()
	timer := time.AfterFunc(d, func() {
		if err := rpc.Dispose(); err != nil {
			s.logger.Printf("session %s rpc dispose after grace: %v", s.ID, err)
			return
		}
		s.logger.Printf("session %s rpc facility disposed after %v grace", s.ID, d)
	})
	s.mu.Lock()
	s.graceTimer = timer
	s.mu.Unlock()
	s.logger.Printf("session %s rpc facility entering %v grace window", s.ID, d)
}

// AwaitForwardedPort resolves a remote port to a local listener through the
// transport, recording the result for snapshot assembly.
func (s *Session) AwaitForwardedPort(ctx context.Context, remotePort uint16) (ports.PortMapping, error) {
	s.mu.RLock()
	transport := s.transport
	s.mu.RUnlock()
	if transport == nil {
		return ports.PortMapping{}, ErrNoBridge
	}
	m, err := transport.WaitForForwardedPort(ctx, remotePort)
	if err != nil {
		return ports.PortMapping{}, fmt.Errorf("await forwarded port %d: %w", remotePort, err)
	}
	s.mu.Lock()
	if s.awaited != nil {
		s.awaited[m.RemotePort] = m
	}
	s.mu.Unlock()
	return m, nil
}
