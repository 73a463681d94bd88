// Package relaytest provides an in-process relay endpoint for tests: a
// WebSocket server running a yamux session per client, routing
// channel-header streams the way a real codespace-side relay does. It
// speaks the ping, control, rpc, ssh, and port:<n> channels.
package relaytest

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
	"golang.org/x/crypto/ssh"

	"github.com/ngommans/mcode-sub001/internal/ports"
)

// Host is a scripted relay endpoint. Configure it before dialing; its URL
// field is the ws:// endpoint clients connect to.
type Host struct {
	URL string

	srv     *httptest.Server
	hostKey ssh.Signer

	mu             sync.Mutex
	token          string
	rpcPorts       []ports.TunnelPort
	rpcErr         string
	forwards       []uint16
	refuseForwards bool
	controls       []net.Conn
	sessions       []*yamux.Session

	// ctrlWriteMu keeps concurrently announced control lines from
	// interleaving mid-frame.
	ctrlWriteMu sync.Mutex
}

// New starts a host and registers its shutdown with t.Cleanup.
func New(t testing.TB) *Host {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("relaytest: generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("relaytest: host key signer: %v", err)
	}

	h := &Host{hostKey: signer}
	h.srv = httptest.NewServer(http.HandlerFunc(h.handleWS))
	h.URL = "ws" + strings.TrimPrefix(h.srv.URL, "http")
	t.Cleanup(h.Close)
	return h
}

// RequireToken makes the handshake reject clients that do not present the
// given bearer token.
func (h *Host) RequireToken(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

// SetRPCPorts scripts the result of the getSharedServers query.
func (h *Host) SetRPCPorts(p []ports.TunnelPort) {
	h.mu.Lock()
	h.rpcPorts = p
	h.mu.Unlock()
}

// SetRPCError makes every RPC call fail with the given message.
func (h *Host) SetRPCError(msg string) {
	h.mu.Lock()
	h.rpcErr = msg
	h.mu.Unlock()
}

// RefuseForwards makes the host ignore request_forward messages.
func (h *Host) RefuseForwards() {
	h.mu.Lock()
	h.refuseForwards = true
	h.mu.Unlock()
}

// AnnouncePort adds a port to the forwarded set and announces it to every
// connected client. Ports announced before any client connects are replayed
// on each new control channel.
func (h *Host) AnnouncePort(port uint16) {
	h.mu.Lock()
	h.forwards = append(h.forwards, port)
	controls := append([]net.Conn(nil), h.controls...)
	h.mu.Unlock()

	for _, c := range controls {
		h.writeControlLine(c, "forward", port)
	}
}

// Close shuts the server and every live session down.
func (h *Host) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = nil
	h.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	h.srv.Close()
}

func (h *Host) handleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	token := h.token
	h.mu.Unlock()
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer c.CloseNow()

	netConn := websocket.NetConn(r.Context(), c, websocket.MessageBinary)
	sess, err := yamux.Server(netConn, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.sessions = append(h.sessions, sess)
	h.mu.Unlock()

	for {
		stream, err := sess.Accept()
		if err != nil {
			return
		}
		go h.route(stream)
	}
}

// route reads the one-line channel header and dispatches the stream.
// Headers longer than the buffer are treated as garbage.
func (h *Host) route(conn net.Conn) {
	reader := bufio.NewReaderSize(conn, 4096)
	header, err := reader.ReadSlice('\n')
	if err != nil {
		conn.Close()
		return
	}
	channel := strings.TrimSuffix(string(header), "\n")
	buffered := bufferedConn{Conn: conn, r: reader}

	switch {
	case channel == "ping":
		conn.Write([]byte("pong\n"))
		conn.Close()
	case channel == "control":
		h.serveControl(buffered)
	case channel == "rpc":
		h.serveRPC(buffered)
	case channel == "ssh":
		h.serveSSH(buffered)
	case strings.HasPrefix(channel, "port:"):
		h.servePort(buffered, strings.TrimPrefix(channel, "port:"))
	default:
		conn.Close()
	}
}

// bufferedConn keeps bytes the header read buffered ahead of the stream.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

type controlLine struct {
	Event string `json:"event"`
	Port  uint16 `json:"port"`
}

func (h *Host) writeControlLine(c net.Conn, event string, port uint16) {
	data, _ := json.Marshal(controlLine{Event: event, Port: port})
	h.ctrlWriteMu.Lock()
	c.Write(append(data, '\n'))
	h.ctrlWriteMu.Unlock()
}

func (h *Host) serveControl(conn bufferedConn) {
	h.mu.Lock()
	h.controls = append(h.controls, conn)
	replay := append([]uint16(nil), h.forwards...)
	h.mu.Unlock()

	for _, p := range replay {
		h.writeControlLine(conn, "forward", p)
	}

	scanner := bufio.NewScanner(conn.r)
	for scanner.Scan() {
		var msg controlLine
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Event != "request_forward" || msg.Port == 0 {
			continue
		}
		h.mu.Lock()
		refuse := h.refuseForwards
		h.mu.Unlock()
		if refuse {
			continue
		}
		h.AnnouncePort(msg.Port)
	}
	conn.Close()
}

func (h *Host) serveRPC(conn bufferedConn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn.r)
	for scanner.Scan() {
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		h.mu.Lock()
		result := append([]ports.TunnelPort(nil), h.rpcPorts...)
		rpcErr := h.rpcErr
		h.mu.Unlock()

		resp := map[string]any{"id": req.ID}
		switch {
		case rpcErr != "":
			resp["error"] = rpcErr
		case req.Method == "getSharedServers":
			resp["result"] = result
		default:
			resp["error"] = fmt.Sprintf("unknown method %q", req.Method)
		}
		data, _ := json.Marshal(resp)
		if _, err := conn.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

// servePort echoes bytes back, standing in for the remote service behind a
// forwarded port.
func (h *Host) servePort(conn bufferedConn, portStr string) {
	defer conn.Close()
	if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
		return
	}
	io.Copy(conn, conn)
}

// serveSSH runs a minimal SSH host on the stream: PTY-aware shell sessions
// that echo stdin back with an "echo:" prefix and confirm resizes.
func (h *Host) serveSSH(conn bufferedConn) {
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(h.hostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleSSHSession(ch, requests)
	}
}

func handleSSHSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var hasPTY bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				ch.Write([]byte(fmt.Sprintf("resize:%dx%d\n", cols, rows)))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell", "exec":
			if req.WantReply {
				req.Reply(true, nil)
			}
			if hasPTY {
				ch.Write([]byte("PTY:true\n"))
			} else {
				ch.Write([]byte("PTY:false\n"))
			}
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}
