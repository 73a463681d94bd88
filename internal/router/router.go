// Package router dispatches inbound browser messages to the session
// lifecycle and serializes responses.
//
// One Router serves one connection. Malformed envelopes are returned to the
// caller as *protocol.Error; every dispatched operation that fails is
// converted into an error message addressed to this connection only. The
// connection itself is never closed from here.
package router

import (
	"context"
	"errors"
	"log"

	"github.com/ngommans/mcode-sub001/internal/directory"
	"github.com/ngommans/mcode-sub001/internal/logging"
	"github.com/ngommans/mcode-sub001/internal/ports"
	"github.com/ngommans/mcode-sub001/internal/protocol"
	"github.com/ngommans/mcode-sub001/internal/session"
)

// Lifecycle is the session surface the router drives.
type Lifecycle interface {
	Authenticate(ctx context.Context, token string) error
	ListCodespaces(ctx context.Context) ([]directory.Codespace, error)
	Connect(ctx context.Context, name string) error
	Disconnect(ctx context.Context) error
	Input(ctx context.Context, data string) error
	Resize(ctx context.Context, cols, rows int) error
	PortInfo(ctx context.Context) (ports.PortInfo, error)
	RefreshPorts(ctx context.Context) error
}

// Router routes one connection's inbound messages.
type Router struct {
	logger *log.Logger
	lc     Lifecycle
	sender protocol.Sender
}

func New(lc Lifecycle, sender protocol.Sender, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.New(log.Writer(), "[router] ", log.LstdFlags)
	}
	return &Router{logger: logger, lc: lc, sender: sender}
}

// Handle processes one inbound payload. The returned error is non-nil only
// for malformed payloads (*protocol.Error); the read loop reports those to
// the sender and keeps the connection open. Directory and bridge operations
// run asynchronously so a slow codespace never stalls the read loop; input,
// resize, and cached port reads are answered inline.
func (r *Router) Handle(ctx context.Context, raw []byte) error {
	msgType, err := protocol.ParseEnvelope(raw)
	if err != nil {
		return err
	}

	switch msgType {
	case protocol.TypeAuthenticate:
		var msg protocol.AuthenticateMessage
		if err := protocol.Decode(raw, &msg); err != nil {
			return err
		}
		if err := r.lc.Authenticate(ctx, msg.Token); err != nil {
			r.reportError(ctx, err)
			return nil
		}
		r.send(ctx, protocol.NewAuthenticated(true))

	case protocol.TypeListCodespaces:
		go r.listCodespaces(ctx)

	case protocol.TypeConnectCodespace:
		var msg protocol.ConnectCodespaceMessage
		if err := protocol.Decode(raw, &msg); err != nil {
			return err
		}
		if msg.CodespaceName == "" {
			r.send(ctx, protocol.NewError("codespace_name is required"))
			return nil
		}
		go r.connect(ctx, msg.CodespaceName)

	case protocol.TypeDisconnectCodespace:
		go r.disconnect(ctx)

	case protocol.TypeInput:
		var msg protocol.InputMessage
		if err := protocol.Decode(raw, &msg); err != nil {
			return err
		}
		if err := r.lc.Input(ctx, msg.Data); err != nil {
			r.reportError(ctx, err)
		}

	case protocol.TypeResize:
		var msg protocol.ResizeMessage
		if err := protocol.Decode(raw, &msg); err != nil {
			return err
		}
		if err := r.lc.Resize(ctx, msg.Cols, msg.Rows); err != nil {
			r.reportError(ctx, err)
		}

	case protocol.TypeGetPortInfo:
		info, err := r.lc.PortInfo(ctx)
		if err != nil {
			r.reportError(ctx, err)
			return nil
		}
		r.send(ctx, protocol.NewPortInfoResponse(info))

	case protocol.TypeRefreshPorts:
		go r.refreshPorts(ctx)

	default:
		r.logger.Printf("ignoring unknown message type %q", logging.Sanitize(msgType))
	}
	return nil
}

func (r *Router) listCodespaces(ctx context.Context) {
	list, err := r.lc.ListCodespaces(ctx)
	if err != nil {
		r.reportError(ctx, err)
		return
	}
	r.send(ctx, protocol.NewCodespacesList(list))
}

// connect reports precondition failures itself; bridge and directory
// failures were already pushed by the lifecycle as codespace_state messages
// and are only logged here.
func (r *Router) connect(ctx context.Context, name string) {
	err := r.lc.Connect(ctx, name)
	if err == nil {
		return
	}
	if errors.Is(err, session.ErrNotAuthenticated) || errors.Is(err, session.ErrClosed) {
		r.reportError(ctx, err)
		return
	}
	r.logger.Printf("connect %s: %v", logging.Sanitize(name), err)
}

func (r *Router) disconnect(ctx context.Context) {
	if err := r.lc.Disconnect(ctx); err != nil {
		r.reportError(ctx, err)
		return
	}
	r.send(ctx, protocol.NewDisconnected())
}

func (r *Router) refreshPorts(ctx context.Context) {
	if err := r.lc.RefreshPorts(ctx); err != nil {
		r.reportError(ctx, err)
	}
}

func (r *Router) reportError(ctx context.Context, err error) {
	r.logger.Printf("operation failed: %v", err)
	r.send(ctx, protocol.NewError(err.Error()))
}

func (r *Router) send(ctx context.Context, msg any) {
	if err := r.sender.Send(ctx, msg); err != nil {
		r.logger.Printf("send %T: %v", msg, err)
	}
}
