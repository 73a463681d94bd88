// Package protocol defines the JSON message surface spoken between the
// browser terminal and the bridge, and the envelope parsing that guards it.
//
// Every message is a JSON object with a string "type" field. Inbound types
// are dispatched by the router; outbound types are constructed here so the
// wire shapes live in one place.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ngommans/mcode-sub001/internal/directory"
	"github.com/ngommans/mcode-sub001/internal/ports"
)

// Inbound message types.
const (
	TypeAuthenticate        = "authenticate"
	TypeListCodespaces      = "list_codespaces"
	TypeConnectCodespace    = "connect_codespace"
	TypeDisconnectCodespace = "disconnect_codespace"
	TypeInput               = "input"
	TypeResize              = "resize"
	TypeGetPortInfo         = "get_port_info"
	TypeRefreshPorts        = "refresh_ports"
)

// Outbound message types.
const (
	TypeAuthenticated             = "authenticated"
	TypeCodespacesList            = "codespaces_list"
	TypeOutput                    = "output"
	TypeError                     = "error"
	TypeCodespaceState            = "codespace_state"
	TypePortUpdate                = "port_update"
	TypePortInfoResponse          = "port_info_response"
	TypeDisconnectedFromCodespace = "disconnected_from_codespace"
)

// Connection-level states surfaced through codespace_state. Directory
// provisioning states (Available, Shutdown, Starting, ...) pass through
// verbatim alongside these.
const (
	ConnStateConnecting   = "Connecting"
	ConnStateConnected    = "Connected"
	ConnStateDisconnected = "Disconnected"
	ConnStateFailed       = "Failed"
)

// Error describes an inbound payload that does not deserialize into an
// object carrying a string "type" field. The connection stays open; the
// rejection is reported to the sender only.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// ParseEnvelope extracts the message type from a raw inbound payload.
// A payload that is not a JSON object, or whose "type" field is absent or
// not a string, yields *Error.
func ParseEnvelope(data []byte) (string, error) {
	var env struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", &Error{Reason: "malformed message", Err: err}
	}
	t, ok := env.Type.(string)
	if !ok {
		return "", &Error{Reason: `missing string "type" field`}
	}
	return t, nil
}

// Decode unmarshals a raw payload into the concrete message struct for its
// type, wrapping field-level failures as *Error.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &Error{Reason: "malformed message body", Err: err}
	}
	return nil
}

// Sender delivers one outbound message to the originating connection.
// Implementations must be safe for concurrent use; the lifecycle emits
// output and state messages from multiple goroutines.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// Inbound messages.

type AuthenticateMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type ConnectCodespaceMessage struct {
	Type          string `json:"type"`
	CodespaceName string `json:"codespace_name"`
}

type InputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ResizeMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// Outbound messages.

type AuthenticatedMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

type CodespacesListMessage struct {
	Type string                `json:"type"`
	Data []directory.Codespace `json:"data"`
}

type OutputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type CodespaceStateMessage struct {
	Type               string               `json:"type"`
	CodespaceName      string               `json:"codespace_name"`
	State              string               `json:"state"`
	RepositoryFullName string               `json:"repository_full_name,omitempty"`
	CodespaceData      *directory.Codespace `json:"codespace_data,omitempty"`
}

type PortUpdateMessage struct {
	Type      string                `json:"type"`
	PortCount int                   `json:"portCount"`
	Ports     []ports.ForwardedPort `json:"ports"`
	Timestamp string                `json:"timestamp"`
}

type PortInfoResponseMessage struct {
	Type     string         `json:"type"`
	PortInfo ports.PortInfo `json:"portInfo"`
}

type DisconnectedMessage struct {
	Type string `json:"type"`
}

// Constructors for outbound messages.

func NewAuthenticated(success bool) AuthenticatedMessage {
	return AuthenticatedMessage{Type: TypeAuthenticated, Success: success}
}

func NewCodespacesList(data []directory.Codespace) CodespacesListMessage {
	if data == nil {
		data = []directory.Codespace{}
	}
	return CodespacesListMessage{Type: TypeCodespacesList, Data: data}
}

func NewOutput(data string) OutputMessage {
	return OutputMessage{Type: TypeOutput, Data: data}
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// NewCodespaceState reports a connection-level or provisioning state for a
// codespace. The codespace record is optional and passed through verbatim
// when the directory supplied one.
func NewCodespaceState(name, state string, cs *directory.Codespace) CodespaceStateMessage {
	msg := CodespaceStateMessage{
		Type:          TypeCodespaceState,
		CodespaceName: name,
		State:         state,
	}
	if cs != nil {
		msg.RepositoryFullName = cs.Repository.FullName
		msg.CodespaceData = cs
	}
	return msg
}

func NewPortUpdate(fwd []ports.ForwardedPort, timestamp string) PortUpdateMessage {
	if fwd == nil {
		fwd = []ports.ForwardedPort{}
	}
	return PortUpdateMessage{
		Type:      TypePortUpdate,
		PortCount: len(fwd),
		Ports:     fwd,
		Timestamp: timestamp,
	}
}

func NewPortInfoResponse(info ports.PortInfo) PortInfoResponseMessage {
	return PortInfoResponseMessage{Type: TypePortInfoResponse, PortInfo: info}
}

func NewDisconnected() DisconnectedMessage {
	return DisconnectedMessage{Type: TypeDisconnectedFromCodespace}
}
