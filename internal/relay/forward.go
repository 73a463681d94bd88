package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/ngommans/mcode-sub001/internal/ports"
	"github.com/ngommans/mcode-sub001/internal/trace"
)

// controlMessage is one line on the control channel, in either direction.
// The remote side announces forwards; the client requests them.
type controlMessage struct {
	Event string `json:"event"`
	Port  uint16 `json:"port"`
}

const (
	eventForward        = "forward"
	eventRequestForward = "request_forward"
)

// forward is one remote port bridged to a local listener.
type forward struct {
	remotePort uint16
	localPort  uint16
	listener   net.Listener
}

func (f *forward) mapping(source ports.Provenance) ports.PortMapping {
	return ports.PortMapping{
		LocalPort:  f.localPort,
		RemotePort: f.remotePort,
		IsActive:   true,
		Source:     source,
	}
}

// controlLoop consumes forward announcements until the control stream dies.
func (t *Tunnel) controlLoop(ctrl net.Conn) {
	scanner := bufio.NewScanner(ctrl)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	for scanner.Scan() {
		var msg controlMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.logger.Printf("control: bad message: %v", err)
			continue
		}
		if msg.Event != eventForward || msg.Port == 0 {
			continue
		}
		if err := t.addForward(msg.Port); err != nil {
			t.logger.Printf("control: forward %d: %v", msg.Port, err)
			t.emit(trace.SeverityError, 0, "failed to forward host port %d: %v", msg.Port, err)
		}
	}
}

// addForward opens a local listener bridging remotePort, announces it on the
// trace stream, and wakes any waiters.
func (t *Tunnel) addForward(remotePort uint16) error {
	t.fwdMu.Lock()
	if _, exists := t.forwards[remotePort]; exists {
		t.fwdMu.Unlock()
		return nil
	}
	t.fwdMu.Unlock()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	localPort := uint16(listener.Addr().(*net.TCPAddr).Port)
	host := listener.Addr().(*net.TCPAddr).IP.String()

	f := &forward{remotePort: remotePort, localPort: localPort, listener: listener}

	t.fwdMu.Lock()
	if _, exists := t.forwards[remotePort]; exists {
		t.fwdMu.Unlock()
		listener.Close()
		return nil
	}
	t.forwards[remotePort] = f
	waiters := t.waiters[remotePort]
	delete(t.waiters, remotePort)
	t.fwdMu.Unlock()

	go t.acceptLoop(f)

	// This exact line is what trace-based port discovery parses.
	t.emit(trace.SeverityInfo, 0, "Forwarding from %s:%d to host port %d.", host, localPort, remotePort)

	for _, ch := range waiters {
		ch <- f.mapping(ports.SourceWaitForForwarded)
		close(ch)
	}
	return nil
}

func (t *Tunnel) acceptLoop(f *forward) {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go t.proxyConn(conn, f.remotePort)
	}
}

// proxyConn splices one accepted local connection onto a port stream.
func (t *Tunnel) proxyConn(local net.Conn, remotePort uint16) {
	stream, err := t.OpenStream(context.Background(), PortChannel(remotePort))
	if err != nil {
		local.Close()
		if !IsBenignClose(err) {
			t.emit(trace.SeverityError, 0, "port %d stream failed: %v", remotePort, err)
		}
		return
	}

	go func() {
		defer local.Close()
		defer stream.Close()
		io.Copy(stream, local)
	}()
	io.Copy(local, stream)
	local.Close()
	stream.Close()
}

// LocalListeners reports every active local listener as a port mapping.
func (t *Tunnel) LocalListeners() []ports.PortMapping {
	t.fwdMu.Lock()
	defer t.fwdMu.Unlock()

	out := make([]ports.PortMapping, 0, len(t.forwards))
	for _, f := range t.forwards {
		out = append(out, f.mapping(ports.SourceListeners))
	}
	return out
}

// WaitForForwardedPort asks the remote side to forward remotePort and waits
// for the local listener. If the port is already bridged the mapping returns
// immediately.
func (t *Tunnel) WaitForForwardedPort(ctx context.Context, remotePort uint16) (ports.PortMapping, error) {
	t.fwdMu.Lock()
	if f, ok := t.forwards[remotePort]; ok {
		t.fwdMu.Unlock()
		return f.mapping(ports.SourceWaitForForwarded), nil
	}
	ch := make(chan ports.PortMapping, 1)
	t.waiters[remotePort] = append(t.waiters[remotePort], ch)
	t.fwdMu.Unlock()

	if err := t.requestForward(remotePort); err != nil {
		t.dropWaiter(remotePort, ch)
		return ports.PortMapping{}, err
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return ports.PortMapping{}, fmt.Errorf("tunnel closed waiting for port %d", remotePort)
		}
		return m, nil
	case <-ctx.Done():
		t.dropWaiter(remotePort, ch)
		return ports.PortMapping{}, fmt.Errorf("waiting for forwarded port %d: %w", remotePort, ctx.Err())
	case <-t.done:
		return ports.PortMapping{}, fmt.Errorf("tunnel closed waiting for port %d", remotePort)
	}
}

func (t *Tunnel) dropWaiter(remotePort uint16, ch chan ports.PortMapping) {
	t.fwdMu.Lock()
	defer t.fwdMu.Unlock()
	waiting := t.waiters[remotePort]
	for i, c := range waiting {
		if c == ch {
			t.waiters[remotePort] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(t.waiters[remotePort]) == 0 {
		delete(t.waiters, remotePort)
	}
}

func (t *Tunnel) requestForward(remotePort uint16) error {
	data, err := json.Marshal(controlMessage{Event: eventRequestForward, Port: remotePort})
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	if t.ctrl == nil {
		return fmt.Errorf("control channel not open")
	}
	if _, err := t.ctrl.Write(data); err != nil {
		return fmt.Errorf("request forward of port %d: %w", remotePort, err)
	}
	return nil
}
