// Package relay maintains the multiplexed tunnel between the bridge and one
// codespace: a yamux session over a WebSocket, carrying the shell stream,
// an out-of-band RPC channel, and local listeners for forwarded ports.
//
// The transport reports its activity through a swappable trace callback so
// a tracker can observe connection progress and port forwards without the
// transport knowing who is listening.
package relay

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/ngommans/mcode-sub001/internal/ports"
	"github.com/ngommans/mcode-sub001/internal/trace"
)

// Transport is the slice of a relay connection the session core drives.
type Transport interface {
	trace.Emitter

	// OpenStream opens a fresh multiplexed stream and writes its channel
	// header, leaving the stream positioned for payload bytes.
	OpenStream(ctx context.Context, channel string) (net.Conn, error)

	// LocalListeners reports the active local listeners bridging forwarded
	// ports, one mapping per listener.
	LocalListeners() []ports.PortMapping

	// WaitForForwardedPort asks the remote side to forward the given port
	// and blocks until a local listener for it exists or ctx ends.
	WaitForForwardedPort(ctx context.Context, remotePort uint16) (ports.PortMapping, error)

	// Done is closed when the tunnel dies, whatever the cause.
	Done() <-chan struct{}

	Close() error
}

// Config carries what Dial needs to establish a tunnel.
type Config struct {
	// Endpoint is the relay WebSocket URL (ws:// or wss://).
	Endpoint string
	// Token is presented as a bearer credential during the handshake.
	Token  string
	Logger *log.Logger
}

// Ping defaults. Tests override PingInterval.
var PingInterval = 30 * time.Second

const PingTimeout = 5 * time.Second

// Tunnel is the production Transport: yamux over WebSocket.
type Tunnel struct {
	logger *log.Logger
	sess   *yamux.Session

	traceMu sync.Mutex
	traceCb trace.Callback

	ctrlMu sync.Mutex
	ctrl   net.Conn

	fwdMu    sync.Mutex
	forwards map[uint16]*forward
	waiters  map[uint16][]chan ports.PortMapping

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*Tunnel)(nil)

// Dial connects to the relay endpoint, establishes the yamux session, opens
// the control channel, and starts the keepalive loop. The returned tunnel
// lives until Close or until the underlying session dies.
func Dial(ctx context.Context, cfg Config) (*Tunnel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[relay] ", log.LstdFlags)
	}

	t := &Tunnel{
		logger:   logger,
		forwards: make(map[uint16]*forward),
		waiters:  make(map[uint16][]chan ports.PortMapping),
		done:     make(chan struct{}),
	}

	t.emit(trace.SeverityInfo, 0, "Connecting to tunnel relay %s", cfg.Endpoint)

	opts := &websocket.DialOptions{}
	if cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
	}
	wsConn, _, err := websocket.Dial(ctx, cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial to %s: %w", cfg.Endpoint, err)
	}

	// The tunnel outlives the dial context; its lifetime is governed by
	// Close and the yamux session state.
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)

	sess, err := yamux.Client(netConn, nil)
	if err != nil {
		wsConn.CloseNow()
		return nil, fmt.Errorf("yamux client init: %w", err)
	}
	t.sess = sess

	ctrl, err := t.OpenStream(ctx, ChannelControl)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("open control channel: %w", err)
	}
	t.ctrl = ctrl

	t.emit(trace.SeverityInfo, 0, "Connected to tunnel %s", cfg.Endpoint)

	go t.controlLoop(ctrl)
	go t.watchSession(cfg.Endpoint)
	go t.pingLoop()

	return t, nil
}

// emit delivers one trace event to the current callback, if any. Events
// before a callback is installed are dropped.
func (t *Tunnel) emit(sev trace.Severity, id int, format string, args ...any) {
	t.traceMu.Lock()
	cb := t.traceCb
	t.traceMu.Unlock()
	if cb == nil {
		return
	}
	cb(trace.Event{
		Time:     time.Now(),
		Severity: sev,
		EventID:  id,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (t *Tunnel) TraceCallback() trace.Callback {
	t.traceMu.Lock()
	defer t.traceMu.Unlock()
	return t.traceCb
}

func (t *Tunnel) SetTraceCallback(cb trace.Callback) {
	t.traceMu.Lock()
	t.traceCb = cb
	t.traceMu.Unlock()
}

func (t *Tunnel) OpenStream(ctx context.Context, channel string) (net.Conn, error) {
	conn, err := t.sess.Open()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if _, err := conn.Write([]byte(channel + "\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write channel header %q: %w", channel, err)
	}

	return conn, nil
}

func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// watchSession turns the yamux session's death into tunnel teardown.
func (t *Tunnel) watchSession(endpoint string) {
	<-t.sess.CloseChan()
	t.emit(trace.SeverityInfo, 0, "Disconnected from tunnel %s", endpoint)
	t.Close()
}

// Close tears down the session, every local listener, and the control
// channel. Safe to call repeatedly.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		t.fwdMu.Lock()
		fwds := make([]*forward, 0, len(t.forwards))
		for _, f := range t.forwards {
			fwds = append(fwds, f)
		}
		t.forwards = make(map[uint16]*forward)
		waiters := t.waiters
		t.waiters = make(map[uint16][]chan ports.PortMapping)
		t.fwdMu.Unlock()

		for _, f := range fwds {
			f.listener.Close()
		}
		for _, chans := range waiters {
			for _, ch := range chans {
				close(ch)
			}
		}

		t.ctrlMu.Lock()
		if t.ctrl != nil {
			t.ctrl.Close()
		}
		t.ctrlMu.Unlock()

		t.closeErr = t.sess.Close()
	})
	return t.closeErr
}

func (t *Tunnel) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.sendPing(); err != nil {
				t.logger.Printf("ping failed: %v, closing tunnel", err)
				t.emit(trace.SeverityError, 0, "tunnel keepalive failed: %v", err)
				t.Close()
				return
			}
		}
	}
}

// sendPing opens the ping channel and expects "pong\n" back within
// PingTimeout. The channel header itself is the ping.
func (t *Tunnel) sendPing() error {
	conn, err := t.OpenStream(context.Background(), ChannelPing)
	if err != nil {
		return fmt.Errorf("open ping channel: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(PingTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if line != "pong\n" {
		return fmt.Errorf("unexpected ping response: %q", line)
	}
	return nil
}
