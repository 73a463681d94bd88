package relay

import "fmt"

// Channel names for yamux stream multiplexing. The client writes a one-line
// header (e.g. "ssh\n") at the start of each stream so the codespace-side
// router can dispatch it to the correct handler.
const (
	ChannelControl = "control"
	ChannelPing    = "ping"
	ChannelSSH     = "ssh"
	ChannelRPC     = "rpc"
)

// PortChannel names the stream that bridges one remote service port.
func PortChannel(remotePort uint16) string {
	return fmt.Sprintf("port:%d", remotePort)
}
