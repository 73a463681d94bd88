// Package ports models forwarded-port facts and their wire representation.
//
// Two shapes flow through the bridge: TunnelPort, the raw record a relay or
// port query reports, and ForwardedPort, the JSON shape pushed to the
// browser. PortMapping is the minimal local⇄remote fact discovered from
// listeners or trace lines. Conversions here are pure and total.
package ports

import (
	"fmt"
	"time"
)

// Provenance identifies which subsystem produced a port-mapping fact, for
// debugging precedence when sources disagree.
type Provenance string

const (
	SourceListeners        Provenance = "listeners"
	SourceWaitForForwarded Provenance = "waitForForwarded"
	SourceTunnelQuery      Provenance = "tunnelQuery"
	SourceTraceFallback    Provenance = "trace_fallback"
)

// Port labels attached by the remote side. A port carrying LabelUserForwarded
// was explicitly shared by the user session; everything else is a
// management/system port.
const (
	LabelUserForwarded = "UserForwardedPort"
	LabelInternal      = "InternalPort"
)

// PortMapping is one local⇄remote forwarding fact.
type PortMapping struct {
	LocalPort  uint16
	RemotePort uint16
	// Protocol is empty when unspecified (the IPv4 case), "ipv6" when the
	// local listener is an IPv6 literal, or an explicit named protocol.
	Protocol string
	IsActive bool
	Source   Provenance
}

// TunnelPort is a raw forwarded-port record as reported by the relay or the
// out-of-band port query.
type TunnelPort struct {
	ClusterID  string   `json:"clusterId,omitempty"`
	PortNumber int      `json:"portNumber"`
	Protocol   string   `json:"protocol,omitempty"`
	URLs       []string `json:"urls,omitempty"`
	Labels     []string `json:"labels,omitempty"`
}

// Key returns the identity of a port record: cluster id plus port number.
func (p TunnelPort) Key() string {
	return fmt.Sprintf("%s:%d", p.ClusterID, p.PortNumber)
}

// ForwardedPort is the wire shape pushed to the browser.
type ForwardedPort struct {
	PortNumber int      `json:"portNumber"`
	Protocol   string   `json:"protocol,omitempty"`
	URLs       []string `json:"urls"`
	IsUserPort bool     `json:"isUserPort"`
}

// PortInfo is the outbound port-info envelope.
type PortInfo struct {
	UserPorts       []ForwardedPort `json:"userPorts"`
	ManagementPorts []ForwardedPort `json:"managementPorts"`
	AllPorts        []ForwardedPort `json:"allPorts"`
	Timestamp       string          `json:"timestamp"`
}

// ToForwarded projects a raw port record into the wire shape, stamping the
// supplied isUserPort flag verbatim.
func ToForwarded(p TunnelPort, isUserPort bool) ForwardedPort {
	urls := p.URLs
	if urls == nil {
		urls = []string{}
	}
	return ForwardedPort{
		PortNumber: p.PortNumber,
		Protocol:   p.Protocol,
		URLs:       urls,
		IsUserPort: isUserPort,
	}
}

// ClassifyUser reports whether a port was explicitly forwarded by the user
// session, i.e. its label set contains the user-forwarded marker.
func ClassifyUser(p TunnelPort) bool {
	for _, l := range p.Labels {
		if l == LabelUserForwarded {
			return true
		}
	}
	return false
}

// ToForwardedMany maps every port in all through ToForwarded, setting
// isUserPort true iff the port's identity appears in userSubset.
func ToForwardedMany(all, userSubset []TunnelPort) []ForwardedPort {
	user := make(map[string]struct{}, len(userSubset))
	for _, p := range userSubset {
		user[p.Key()] = struct{}{}
	}
	out := make([]ForwardedPort, 0, len(all))
	for _, p := range all {
		_, isUser := user[p.Key()]
		out = append(out, ToForwarded(p, isUser))
	}
	return out
}

// Bundle produces the outbound port-info envelope with a capture timestamp.
func Bundle(userPorts, managementPorts, allPorts []ForwardedPort) PortInfo {
	if userPorts == nil {
		userPorts = []ForwardedPort{}
	}
	if managementPorts == nil {
		managementPorts = []ForwardedPort{}
	}
	if allPorts == nil {
		allPorts = []ForwardedPort{}
	}
	return PortInfo{
		UserPorts:       userPorts,
		ManagementPorts: managementPorts,
		AllPorts:        allPorts,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
}

// FromMapping lifts a bare local⇄remote mapping into a TunnelPort, deriving
// a loopback URL from the local listener port.
func FromMapping(m PortMapping) TunnelPort {
	host := "127.0.0.1"
	if m.Protocol == "ipv6" {
		host = "[::1]"
	}
	return TunnelPort{
		PortNumber: int(m.RemotePort),
		Protocol:   m.Protocol,
		URLs:       []string{fmt.Sprintf("http://%s:%d", host, m.LocalPort)},
	}
}
