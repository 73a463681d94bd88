package relay_test

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/ngommans/mcode-sub001/internal/ports"
	"github.com/ngommans/mcode-sub001/internal/relay"
	"github.com/ngommans/mcode-sub001/internal/relay/relaytest"
	"github.com/ngommans/mcode-sub001/internal/trace"
)

func dialTestTunnel(t *testing.T, h *relaytest.Host) *relay.Tunnel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tun, err := relay.Dial(ctx, relay.Config{Endpoint: h.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { tun.Close() })
	return tun
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventSink collects trace events behind a lock.
type eventSink struct {
	mu     sync.Mutex
	events []trace.Event
}

func (s *eventSink) callback(ev trace.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Message
	}
	return out
}

func TestDialAndClose(t *testing.T) {
	h := relaytest.New(t)
	tun := dialTestTunnel(t, h)

	select {
	case <-tun.Done():
		t.Fatal("tunnel reported done immediately after dial")
	default:
	}

	if err := tun.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	select {
	case <-tun.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}

	// Close must be idempotent.
	if err := tun.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	h := relaytest.New(t)
	h.RequireToken("good")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := relay.Dial(ctx, relay.Config{Endpoint: h.URL, Token: "bad"}); err == nil {
		t.Fatal("Dial with wrong token should fail")
	}
}

func TestAnnouncedPortBridgesAndTraces(t *testing.T) {
	h := relaytest.New(t)
	tun := dialTestTunnel(t, h)

	sink := &eventSink{}
	tun.SetTraceCallback(sink.callback)

	h.AnnouncePort(16634)
	waitUntil(t, 2*time.Second, func() bool {
		return len(tun.LocalListeners()) == 1
	}, "local listener")

	listeners := tun.LocalListeners()
	m := listeners[0]
	if m.RemotePort != 16634 {
		t.Errorf("remote port = %d, want 16634", m.RemotePort)
	}
	if m.Source != ports.SourceListeners {
		t.Errorf("source = %q, want listeners", m.Source)
	}
	if !m.IsActive {
		t.Error("listener mapping should be active")
	}

	// The announcement trace must use the exact parseable format.
	want := fmt.Sprintf("Forwarding from 127.0.0.1:%d to host port 16634.", m.LocalPort)
	waitUntil(t, 2*time.Second, func() bool {
		for _, msg := range sink.messages() {
			if msg == want {
				return true
			}
		}
		return false
	}, "forwarding trace line")

	// The listener must actually bridge to the remote port's service.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", m.LocalPort))
	if err != nil {
		t.Fatalf("dial local listener: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("ping-through")); err != nil {
		t.Fatalf("write through listener: %v", err)
	}
	buf := make([]byte, 32)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if got := string(buf[:n]); got != "ping-through" {
		t.Errorf("echo = %q, want ping-through", got)
	}
}

func TestTraceLineMatchesTrackerPattern(t *testing.T) {
	h := relaytest.New(t)
	tun := dialTestTunnel(t, h)

	tracker := trace.NewTracker(10, false, nil)
	sub := tracker.Subscribe(tun)
	defer sub.Unsubscribe()

	h.AnnouncePort(2222)
	waitUntil(t, 2*time.Second, func() bool {
		return len(tracker.ExtractPortMappings()) == 1
	}, "tracker to extract the forwarded port")

	m := tracker.ExtractPortMappings()[0]
	if m.RemotePort != 2222 {
		t.Errorf("extracted remote = %d, want 2222", m.RemotePort)
	}
	if m.Source != ports.SourceTraceFallback {
		t.Errorf("source = %q, want trace_fallback", m.Source)
	}
	if m.LocalPort == 0 {
		t.Error("extracted local port should be the listener port")
	}
}

func TestWaitForForwardedPort(t *testing.T) {
	h := relaytest.New(t)
	tun := dialTestTunnel(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	m, err := tun.WaitForForwardedPort(ctx, 3000)
	if err != nil {
		t.Fatalf("WaitForForwardedPort: %v", err)
	}
	if m.RemotePort != 3000 {
		t.Errorf("remote = %d, want 3000", m.RemotePort)
	}
	if m.Source != ports.SourceWaitForForwarded {
		t.Errorf("source = %q, want waitForForwarded", m.Source)
	}

	// Already-forwarded ports resolve immediately.
	start := time.Now()
	again, err := tun.WaitForForwardedPort(ctx, 3000)
	if err != nil {
		t.Fatalf("second WaitForForwardedPort: %v", err)
	}
	if again.LocalPort != m.LocalPort {
		t.Errorf("local port changed between waits: %d then %d", m.LocalPort, again.LocalPort)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("second wait should not block")
	}
}

func TestWaitForForwardedPortTimeout(t *testing.T) {
	h := relaytest.New(t)
	h.RefuseForwards()
	tun := dialTestTunnel(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := tun.WaitForForwardedPort(ctx, 9999); err == nil {
		t.Fatal("WaitForForwardedPort should fail when the host refuses")
	}
}

func TestRPCQueryPorts(t *testing.T) {
	h := relaytest.New(t)
	h.SetRPCPorts([]ports.TunnelPort{
		{PortNumber: 3000, Labels: []string{ports.LabelUserForwarded}, URLs: []string{"https://app.test"}},
		{PortNumber: 16634, Labels: []string{ports.LabelInternal}},
	})
	tun := dialTestTunnel(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rpc, err := relay.NewRPC(ctx, tun, nil)
	if err != nil {
		t.Fatalf("NewRPC: %v", err)
	}
	defer rpc.Dispose()

	got, err := rpc.QueryPorts(ctx)
	if err != nil {
		t.Fatalf("QueryPorts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d ports, want 2", len(got))
	}
	if got[0].PortNumber != 3000 || got[1].PortNumber != 16634 {
		t.Errorf("ports = %d,%d", got[0].PortNumber, got[1].PortNumber)
	}
	if !ports.ClassifyUser(got[0]) || ports.ClassifyUser(got[1]) {
		t.Error("user classification lost in transit")
	}
}

func TestRPCScriptedError(t *testing.T) {
	h := relaytest.New(t)
	h.SetRPCError("query exploded")
	tun := dialTestTunnel(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rpc, err := relay.NewRPC(ctx, tun, nil)
	if err != nil {
		t.Fatalf("NewRPC: %v", err)
	}
	defer rpc.Dispose()

	if _, err := rpc.QueryPorts(ctx); err == nil {
		t.Fatal("QueryPorts should surface the scripted error")
	}
}

func TestRPCLifecycleFlags(t *testing.T) {
	h := relaytest.New(t)
	tun := dialTestTunnel(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rpc, err := relay.NewRPC(ctx, tun, nil)
	if err != nil {
		t.Fatalf("NewRPC: %v", err)
	}

	if rpc.Disconnected() || rpc.Disposed() {
		t.Fatal("fresh facility should be connected and undisposed")
	}

	rpc.MarkDisconnected()
	if !rpc.Disconnected() {
		t.Error("MarkDisconnected did not stick")
	}
	if rpc.Disposed() {
		t.Error("MarkDisconnected must not dispose")
	}
	if _, err := rpc.QueryPorts(ctx); err == nil {
		t.Error("QueryPorts on a disconnected facility should fail")
	}

	if err := rpc.Dispose(); err != nil {
		t.Errorf("Dispose: %v", err)
	}
	if !rpc.Disposed() {
		t.Error("Dispose did not stick")
	}
	if err := rpc.Dispose(); err != nil {
		t.Errorf("second Dispose should be a no-op, got %v", err)
	}
}

func TestPingKeepsTunnelAlive(t *testing.T) {
	orig := relay.PingInterval
	relay.PingInterval = 20 * time.Millisecond
	t.Cleanup(func() { relay.PingInterval = orig })

	h := relaytest.New(t)
	tun := dialTestTunnel(t, h)

	// Several ping rounds must pass without the tunnel dying.
	time.Sleep(150 * time.Millisecond)
	select {
	case <-tun.Done():
		t.Fatal("tunnel died despite healthy pings")
	default:
	}
}

func TestTunnelDiesWhenHostCloses(t *testing.T) {
	h := relaytest.New(t)
	tun := dialTestTunnel(t, h)

	h.Close()

	select {
	case <-tun.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("tunnel did not notice host shutdown")
	}
}

func TestForwardLineFormat(t *testing.T) {
	// The transport's announcement must match the documented pattern
	// exactly, trailing period included.
	pattern := regexp.MustCompile(`^Forwarding from (.+):(\d+) to host port (\d+)\.$`)

	h := relaytest.New(t)
	tun := dialTestTunnel(t, h)

	sink := &eventSink{}
	tun.SetTraceCallback(sink.callback)
	h.AnnouncePort(8080)

	waitUntil(t, 2*time.Second, func() bool {
		for _, msg := range sink.messages() {
			if pattern.MatchString(msg) {
				return true
			}
		}
		return false
	}, "pattern-conformant forwarding line")
}
