package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ngommans/mcode-sub001/internal/directory"
	"github.com/ngommans/mcode-sub001/internal/ports"
	"github.com/ngommans/mcode-sub001/internal/protocol"
	"github.com/ngommans/mcode-sub001/internal/session"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []any
}

func (f *fakeSender) Send(ctx context.Context, msg any) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) all() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.msgs...)
}

func (f *fakeSender) errorsSent() []string {
	var out []string
	for _, m := range f.all() {
		if em, ok := m.(protocol.ErrorMessage); ok {
			out = append(out, em.Message)
		}
	}
	return out
}

type fakeLifecycle struct {
	mu       sync.Mutex
	tokens   []string
	connects []string
	inputs   []string
	resizes  [][2]int
	calls    []string

	list     []directory.Codespace
	portInfo ports.PortInfo

	authErr       error
	listErr       error
	connectErr    error
	disconnectErr error
	portErr       error
	refreshErr    error
}

var _ Lifecycle = (*fakeLifecycle)(nil)

func (f *fakeLifecycle) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeLifecycle) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeLifecycle) Authenticate(ctx context.Context, token string) error {
	f.record("authenticate")
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	return f.authErr
}

func (f *fakeLifecycle) ListCodespaces(ctx context.Context) ([]directory.Codespace, error) {
	f.record("list")
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.list, nil
}

func (f *fakeLifecycle) Connect(ctx context.Context, name string) error {
	f.record("connect")
	f.mu.Lock()
	f.connects = append(f.connects, name)
	f.mu.Unlock()
	return f.connectErr
}

func (f *fakeLifecycle) Disconnect(ctx context.Context) error {
	f.record("disconnect")
	return f.disconnectErr
}

func (f *fakeLifecycle) Input(ctx context.Context, data string) error {
	f.record("input")
	f.mu.Lock()
	f.inputs = append(f.inputs, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeLifecycle) Resize(ctx context.Context, cols, rows int) error {
	f.record("resize")
	f.mu.Lock()
	f.resizes = append(f.resizes, [2]int{cols, rows})
	f.mu.Unlock()
	return nil
}

func (f *fakeLifecycle) PortInfo(ctx context.Context) (ports.PortInfo, error) {
	f.record("port_info")
	if f.portErr != nil {
		return ports.PortInfo{}, f.portErr
	}
	return f.portInfo, nil
}

func (f *fakeLifecycle) RefreshPorts(ctx context.Context) error {
	f.record("refresh")
	return f.refreshErr
}

func newTestRouter() (*Router, *fakeLifecycle, *fakeSender) {
	lc := &fakeLifecycle{}
	sender := &fakeSender{}
	return New(lc, sender, nil), lc, sender
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
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

// settle gives async dispatches a moment to run before negative assertions.
func settle() { time.Sleep(50 * time.Millisecond) }

func TestRejectsPayloadsWithoutStringType(t *testing.T) {
	cases := []string{
		`{"data":"x"}`,
		`{"type":12}`,
		`{"type":null}`,
		`[]`,
		`"just a string"`,
		`null`,
		`{not json`,
	}
	for _, raw := range cases {
		r, lc, sender := newTestRouter()
		err := r.Handle(context.Background(), []byte(raw))
		if err == nil {
			t.Errorf("Handle(%s) accepted a malformed payload", raw)
			continue
		}
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			t.Errorf("Handle(%s) error = %v, want *protocol.Error", raw, err)
		}
		if got := len(sender.all()); got != 0 {
			t.Errorf("Handle(%s) sent %d messages, want none", raw, got)
		}
		lc.mu.Lock()
		calls := len(lc.calls)
		lc.mu.Unlock()
		if calls != 0 {
			t.Errorf("Handle(%s) dispatched %d operations", raw, calls)
		}
	}
}

func TestUnknownTypesAreIgnored(t *testing.T) {
	for _, raw := range []string{`{"type":"warp_drive"}`, `{"type":""}`} {
		r, lc, sender := newTestRouter()
		if err := r.Handle(context.Background(), []byte(raw)); err != nil {
			t.Errorf("Handle(%s) = %v, want nil", raw, err)
		}
		settle()
		if got := len(sender.all()); got != 0 {
			t.Errorf("Handle(%s) sent %d messages, want none", raw, got)
		}
		lc.mu.Lock()
		calls := len(lc.calls)
		lc.mu.Unlock()
		if calls != 0 {
			t.Errorf("Handle(%s) dispatched %d operations", raw, calls)
		}
	}
}

func TestAuthenticateDispatch(t *testing.T) {
	r, lc, sender := newTestRouter()

	if err := r.Handle(context.Background(), []byte(`{"type":"authenticate","token":"ghp_abc"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	lc.mu.Lock()
	tokens := append([]string(nil), lc.tokens...)
	lc.mu.Unlock()
	if len(tokens) != 1 || tokens[0] != "ghp_abc" {
		t.Errorf("tokens = %v", tokens)
	}

	msgs := sender.all()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	am, ok := msgs[0].(protocol.AuthenticatedMessage)
	if !ok || !am.Success {
		t.Errorf("message = %+v, want authenticated success", msgs[0])
	}
}

func TestListCodespacesDispatch(t *testing.T) {
	r, lc, sender := newTestRouter()
	lc.list = []directory.Codespace{{Name: "demo-cs", State: directory.StateAvailable}}

	if err := r.Handle(context.Background(), []byte(`{"type":"list_codespaces"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, m := range sender.all() {
			if lm, ok := m.(protocol.CodespacesListMessage); ok {
				return len(lm.Data) == 1 && lm.Data[0].Name == "demo-cs"
			}
		}
		return false
	}, "codespaces_list response")
}

func TestListCodespacesRequiresAuth(t *testing.T) {
	r, lc, sender := newTestRouter()
	lc.listErr = session.ErrNotAuthenticated

	if err := r.Handle(context.Background(), []byte(`{"type":"list_codespaces"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		errs := sender.errorsSent()
		return len(errs) == 1 && errs[0] == "not authenticated"
	}, "auth error message")
}

func TestConnectDispatch(t *testing.T) {
	r, lc, sender := newTestRouter()

	if err := r.Handle(context.Background(), []byte(`{"type":"connect_codespace","codespace_name":"demo-cs"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		lc.mu.Lock()
		defer lc.mu.Unlock()
		return len(lc.connects) == 1 && lc.connects[0] == "demo-cs"
	}, "connect dispatch")

	settle()
	if got := len(sender.all()); got != 0 {
		t.Errorf("successful connect produced %d router messages, want none", got)
	}
}

func TestConnectWithoutNameRejected(t *testing.T) {
	r, lc, sender := newTestRouter()

	if err := r.Handle(context.Background(), []byte(`{"type":"connect_codespace"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	settle()

	if lc.called("connect") {
		t.Error("connect dispatched without a codespace name")
	}
	errs := sender.errorsSent()
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want exactly one", errs)
	}
}

func TestConnectAuthFailureReported(t *testing.T) {
	r, lc, sender := newTestRouter()
	lc.connectErr = session.ErrNotAuthenticated

	if err := r.Handle(context.Background(), []byte(`{"type":"connect_codespace","codespace_name":"demo-cs"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		errs := sender.errorsSent()
		return len(errs) == 1 && errs[0] == "not authenticated"
	}, "auth error message")
}

func TestConnectBridgeFailureNotDoubleReported(t *testing.T) {
	// The lifecycle already pushed codespace_state Failed for bridge
	// failures; the router must not add an error message on top.
	r, lc, sender := newTestRouter()
	lc.connectErr = &session.BridgeError{Step: "dial transport", Err: errors.New("relay unreachable")}

	if err := r.Handle(context.Background(), []byte(`{"type":"connect_codespace","codespace_name":"demo-cs"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return lc.called("connect") }, "connect dispatch")
	settle()
	if errs := sender.errorsSent(); len(errs) != 0 {
		t.Errorf("router duplicated bridge failure: %v", errs)
	}
}

func TestDisconnectDispatch(t *testing.T) {
	r, _, sender := newTestRouter()

	if err := r.Handle(context.Background(), []byte(`{"type":"disconnect_codespace"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, m := range sender.all() {
			if _, ok := m.(protocol.DisconnectedMessage); ok {
				return true
			}
		}
		return false
	}, "disconnected_from_codespace")
}

func TestDisconnectWithoutBridgeReported(t *testing.T) {
	r, lc, sender := newTestRouter()
	lc.disconnectErr = session.ErrNoBridge

	if err := r.Handle(context.Background(), []byte(`{"type":"disconnect_codespace"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(sender.errorsSent()) == 1
	}, "error message")
}

func TestInputAndResizeDispatchInline(t *testing.T) {
	r, lc, sender := newTestRouter()
	ctx := context.Background()

	if err := r.Handle(ctx, []byte(`{"type":"input","data":"ls\n"}`)); err != nil {
		t.Fatalf("Handle(input): %v", err)
	}
	if err := r.Handle(ctx, []byte(`{"type":"resize","cols":120,"rows":40}`)); err != nil {
		t.Fatalf("Handle(resize): %v", err)
	}

	lc.mu.Lock()
	inputs := append([]string(nil), lc.inputs...)
	resizes := append([][2]int(nil), lc.resizes...)
	lc.mu.Unlock()
	if len(inputs) != 1 || inputs[0] != "ls\n" {
		t.Errorf("inputs = %q", inputs)
	}
	if len(resizes) != 1 || resizes[0] != [2]int{120, 40} {
		t.Errorf("resizes = %v", resizes)
	}
	if got := len(sender.all()); got != 0 {
		t.Errorf("fire-and-forget ops produced %d messages", got)
	}
}

func TestMalformedBodyAfterValidType(t *testing.T) {
	r, lc, _ := newTestRouter()

	err := r.Handle(context.Background(), []byte(`{"type":"resize","cols":"wide","rows":40}`))
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *protocol.Error", err)
	}
	if lc.called("resize") {
		t.Error("resize dispatched with a malformed body")
	}
}

func TestGetPortInfoDispatch(t *testing.T) {
	r, lc, sender := newTestRouter()
	lc.portInfo = ports.Bundle(
		[]ports.ForwardedPort{{PortNumber: 3000, URLs: []string{"https://a"}, IsUserPort: true}},
		nil,
		[]ports.ForwardedPort{{PortNumber: 3000, URLs: []string{"https://a"}, IsUserPort: true}},
	)

	if err := r.Handle(context.Background(), []byte(`{"type":"get_port_info"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	msgs := sender.all()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	pm, ok := msgs[0].(protocol.PortInfoResponseMessage)
	if !ok {
		t.Fatalf("message = %+v, want port_info_response", msgs[0])
	}
	if len(pm.PortInfo.UserPorts) != 1 || pm.PortInfo.UserPorts[0].PortNumber != 3000 {
		t.Errorf("portInfo = %+v", pm.PortInfo)
	}
}

func TestRefreshPortsDispatch(t *testing.T) {
	r, lc, sender := newTestRouter()

	if err := r.Handle(context.Background(), []byte(`{"type":"refresh_ports"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return lc.called("refresh") }, "refresh dispatch")
	settle()
	if got := len(sender.all()); got != 0 {
		t.Errorf("refresh produced %d messages, want none", got)
	}
}

func TestRefreshPortsAuthFailureReported(t *testing.T) {
	r, lc, sender := newTestRouter()
	lc.refreshErr = session.ErrNotAuthenticated

	if err := r.Handle(context.Background(), []byte(`{"type":"refresh_ports"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(sender.errorsSent()) == 1
	}, "error message")
}
