package relay

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/hashicorp/yamux"
)

// IsBenignClose reports whether err is the ordinary noise of tearing down a
// stream or session that is already going away. Such faults are logged and
// swallowed, never surfaced to the client.
func IsBenignClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, yamux.ErrSessionShutdown) ||
		errors.Is(err, yamux.ErrStreamClosed) ||
		errors.Is(err, yamux.ErrConnectionReset) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "connection reset by peer")
}
