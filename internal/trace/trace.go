// Package trace intercepts the diagnostic event stream a relay transport
// emits, keeps a bounded history, and extracts port-forwarding facts from it.
//
// The relay reports connection progress and port forwards as trace events.
// A Tracker tees itself into the transport's trace callback, categorizes
// every event, and retains the most recent ones in a fixed-size ring. Port
// categorization is the fallback source of port mappings when richer sources
// (the port query, live listeners) are unavailable.
package trace

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ngommans/mcode-sub001/internal/ports"
)

// Severity mirrors the relay's trace levels.
type Severity int

const (
	SeverityVerbose Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityVerbose:
		return "verbose"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Category is the derived classification of a trace event.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryPort       Category = "port"
	CategoryError      Category = "error"
	CategoryGeneric    Category = "generic"
)

// Event is one raw trace emission from a relay transport.
type Event struct {
	Time     time.Time
	Severity Severity
	EventID  int
	Message  string
}

// Callback receives trace events. The transport invokes it synchronously on
// its own goroutine, so implementations must not block.
type Callback func(Event)

// Emitter is the slice of a relay transport the tracker needs: read and
// replace the transport's current trace callback.
type Emitter interface {
	TraceCallback() Callback
	SetTraceCallback(Callback)
}

// Record is a categorized trace event retained in history. Immutable once
// created.
type Record struct {
	Time     time.Time
	Severity Severity
	EventID  int
	Message  string
	Category Category
	// ConnState holds the state token for connection records
	// (connecting/connected/disconnected/...).
	ConnState string
	// Mapping holds the parsed pair for port records.
	Mapping *ports.PortMapping
}

// forwardPattern matches the load-bearing listener announcement format:
//
//	Forwarding from <host>:<localPort> to host port <remotePort>.
//
// The host is 127.0.0.1 or an unbracketed IPv6 literal such as ::1.
var forwardPattern = regexp.MustCompile(`^Forwarding from (.+):(\d+) to host port (\d+)\.$`)

// connStates maps connection-progress keywords to their state tokens,
// checked in order.
var connStates = []struct {
	keyword string
	state   string
}{
	{"Reconnecting to tunnel", "reconnecting"},
	{"Connecting to tunnel", "connecting"},
	{"Connected to tunnel", "connected"},
	{"Disconnected from tunnel", "disconnected"},
}

// Categorize classifies one event. Rules are evaluated in order, first match
// wins: port-forward announcement, connection keyword, error severity,
// generic. A line matching no pattern is generic, never an error.
func Categorize(ev Event) Record {
	r := Record{
		Time:     ev.Time,
		Severity: ev.Severity,
		EventID:  ev.EventID,
		Message:  ev.Message,
		Category: CategoryGeneric,
	}

	if m := forwardPattern.FindStringSubmatch(ev.Message); m != nil {
		local, lerr := strconv.ParseUint(m[2], 10, 16)
		remote, rerr := strconv.ParseUint(m[3], 10, 16)
		if lerr == nil && rerr == nil {
			mapping := &ports.PortMapping{
				LocalPort:  uint16(local),
				RemotePort: uint16(remote),
			}
			if strings.Contains(m[1], ":") {
				mapping.Protocol = "ipv6"
			}
			r.Category = CategoryPort
			r.Mapping = mapping
			return r
		}
	}

	for _, cs := range connStates {
		if strings.Contains(ev.Message, cs.keyword) {
			r.Category = CategoryConnection
			r.ConnState = cs.state
			return r
		}
	}

	if ev.Severity == SeverityError {
		r.Category = CategoryError
		return r
	}

	return r
}
