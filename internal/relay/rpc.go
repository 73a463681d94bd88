package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ngommans/mcode-sub001/internal/ports"
)

// RPCFacility is the out-of-band codespace call surface a session holds.
// When the controlling connection drops, the facility is marked disconnected
// and kept alive for a grace period instead of being disposed immediately,
// so a transient drop does not force the remote side to renegotiate. It is
// guaranteed to be disposed eventually if never reattached.
type RPCFacility interface {
	// QueryPorts asks the codespace for its current shared-server records.
	QueryPorts(ctx context.Context) ([]ports.TunnelPort, error)

	// MarkDisconnected flags the facility as having lost its controlling
	// connection without releasing its resources.
	MarkDisconnected()
	Disconnected() bool

	// Dispose releases the facility's resources. Idempotent; only the first
	// call closes anything.
	Dispose() error
	Disposed() bool
}

const rpcMethodSharedServers = "getSharedServers"

type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
}

type rpcResponse struct {
	ID     string             `json:"id"`
	Result []ports.TunnelPort `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// rpcClient speaks newline-delimited JSON request/response over a dedicated
// tunnel stream, one call in flight at a time.
type rpcClient struct {
	logger *log.Logger

	mu     sync.Mutex
	stream net.Conn
	reader *bufio.Reader

	disconnected atomic.Bool
	disposed     atomic.Bool
	disposeOnce  sync.Once
	disposeErr   error
}

var _ RPCFacility = (*rpcClient)(nil)

// NewRPC opens the RPC channel over the given transport.
func NewRPC(ctx context.Context, t Transport, logger *log.Logger) (RPCFacility, error) {
	stream, err := t.OpenStream(ctx, ChannelRPC)
	if err != nil {
		return nil, fmt.Errorf("open rpc channel: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[rpc] ", log.LstdFlags)
	}
	return &rpcClient{
		logger: logger,
		stream: stream,
		reader: bufio.NewReader(stream),
	}, nil
}

func (c *rpcClient) QueryPorts(ctx context.Context) ([]ports.TunnelPort, error) {
	if c.disposed.Load() {
		return nil, errors.New("rpc: facility disposed")
	}
	if c.disconnected.Load() {
		return nil, errors.New("rpc: facility disconnected")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := rpcRequest{ID: uuid.NewString(), Method: rpcMethodSharedServers}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}
	data = append(data, '\n')

	if deadline, ok := ctx.Deadline(); ok {
		c.stream.SetDeadline(deadline)
		defer c.stream.SetDeadline(time.Time{})
	}

	if _, err := c.stream.Write(data); err != nil {
		return nil, fmt.Errorf("rpc: send %s: %w", req.Method, err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("rpc: read response: %w", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("rpc: decode response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("rpc: response id %q does not match request %q", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("rpc: %s: %s", req.Method, resp.Error)
	}
	return resp.Result, nil
}

func (c *rpcClient) MarkDisconnected() {
	if c.disconnected.CompareAndSwap(false, true) {
		c.logger.Printf("facility marked disconnected, awaiting grace elapse or reattach")
	}
}

func (c *rpcClient) Disconnected() bool {
	return c.disconnected.Load()
}

func (c *rpcClient) Dispose() error {
	c.disposeOnce.Do(func() {
		c.disposed.Store(true)
		c.disposeErr = c.stream.Close()
		if c.disposeErr != nil && IsBenignClose(c.disposeErr) {
			c.disposeErr = nil
		}
	})
	return c.disposeErr
}

func (c *rpcClient) Disposed() bool {
	return c.disposed.Load()
}
