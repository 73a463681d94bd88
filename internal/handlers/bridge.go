// Package handlers exposes the HTTP surface: the browser WebSocket endpoint
// plus small JSON endpoints for health, session listing, server logs, and
// the bridge audit trail.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ngommans/mcode-sub001/internal/protocol"
	"github.com/ngommans/mcode-sub001/internal/router"
	"github.com/ngommans/mcode-sub001/internal/session"
)

// Wiring injected from main.go during init.
var (
	// Sessions tracks every live browser session.
	Sessions *session.Registry
	// BridgeDeps carries the collaborator constructors new sessions use.
	BridgeDeps session.Deps
)

// sendTimeout bounds one outbound WebSocket write. Session pushes arrive
// with a background context, so a stalled peer must not wedge a push
// goroutine forever.
const sendTimeout = 10 * time.Second

// maxInboundMessage bounds one browser message: generous enough for pasted
// input, small enough to stop abuse.
const maxInboundMessage = 1 << 20

// BridgeWS upgrades the request and serves one browser session until the
// connection drops. Closing the socket closes the session, which starts the
// RPC grace window.
func BridgeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[bridge] websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxInboundMessage)

	ctx := r.Context()
	sender := &wsSender{conn: conn}
	sess := session.New(sender, nil, BridgeDeps)
	defer sess.Close()
	if Sessions != nil {
		Sessions.Add(sess)
		defer Sessions.Remove(sess.ID)
	}

	log.Printf("[bridge] session %s opened from %s", sess.ID, r.RemoteAddr)

	rt := router.New(sess, sender, nil)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if err := rt.Handle(ctx, data); err != nil {
			// Malformed payload. Report it and keep the connection; only
			// transport-level failures end the loop.
			if serr := sender.Send(ctx, protocol.NewError(err.Error())); serr != nil {
				break
			}
		}
	}

	log.Printf("[bridge] session %s closed", sess.ID)
	conn.Close(websocket.StatusNormalClosure, "")
}

// wsSender serializes outbound messages onto one WebSocket connection. The
// router and the session's push goroutines all write through it.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ protocol.Sender = (*wsSender)(nil)

func (s *wsSender) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(wctx, websocket.MessageText, data)
}
