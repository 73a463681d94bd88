package session

import (
	"context"
	"time"

	"github.com/ngommans/mcode-sub001/internal/ports"
	"github.com/ngommans/mcode-sub001/internal/protocol"
)

// rpcQueryTimeout bounds one out-of-band port query.
const rpcQueryTimeout = 10 * time.Second

// sourceRank orders provenance for snapshot merging. When two sources
// report the same remote port, the higher rank wins.
func sourceRank(p ports.Provenance) int {
	switch p {
	case ports.SourceTunnelQuery:
		return 3
	case ports.SourceListeners:
		return 2
	case ports.SourceWaitForForwarded:
		return 1
	default:
		return 0
	}
}

// assemblePorts merges raw port facts from every source into one snapshot,
// deduplicating by remote port with provenance precedence. Output order is
// first-seen order, highest-precedence source first.
func assemblePorts(queried []ports.TunnelPort, mappings ...[]ports.PortMapping) []ports.TunnelPort {
	type candidate struct {
		port ports.TunnelPort
		rank int
	}
	byRemote := make(map[int]candidate)
	var order []int

	add := func(p ports.TunnelPort, rank int) {
		if existing, ok := byRemote[p.PortNumber]; ok {
			if rank > existing.rank {
				byRemote[p.PortNumber] = candidate{port: p, rank: rank}
			}
			return
		}
		byRemote[p.PortNumber] = candidate{port: p, rank: rank}
		order = append(order, p.PortNumber)
	}

	queryRank := sourceRank(ports.SourceTunnelQuery)
	for _, p := range queried {
		add(p, queryRank)
	}
	for _, set := range mappings {
		for _, m := range set {
			add(ports.FromMapping(m), sourceRank(m.Source))
		}
	}

	out := make([]ports.TunnelPort, 0, len(order))
	for _, key := range order {
		out = append(out, byRemote[key].port)
	}
	return out
}

// equalForwarded reports whether two wire projections carry the same ports.
func equalForwarded(a, b []ports.ForwardedPort) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].PortNumber != b[i].PortNumber ||
			a[i].Protocol != b[i].Protocol ||
			a[i].IsUserPort != b[i].IsUserPort ||
			len(a[i].URLs) != len(b[i].URLs) {
			return false
		}
		for j := range a[i].URLs {
			if a[i].URLs[j] != b[i].URLs[j] {
				return false
			}
		}
	}
	return true
}

// RefreshPorts re-queries every port source, updates the cached snapshot,
// and pushes a port_update when the visible set changed. Without a bridge
// there is nothing to query and the call is a no-op.
func (s *Session) RefreshPorts(ctx context.Context) error {
	return s.refreshPorts(ctx, false)
}

// refreshPorts assembles and caches a fresh snapshot. With force set the
// port_update is pushed even when nothing changed; the initial snapshot
// after bridging always goes out.
func (s *Session) refreshPorts(ctx context.Context, force bool) error {
	s.mu.RLock()
	dir := s.dir
	transport := s.transport
	tracker := s.tracker
	rpc := s.rpc
	awaited := make([]ports.PortMapping, 0, len(s.awaited))
	for _, m := range s.awaited {
		awaited = append(awaited, m)
	}
	s.mu.RUnlock()

	if dir == nil {
		return ErrNotAuthenticated
	}
	if transport == nil {
		return nil
	}

	var queried []ports.TunnelPort
	if rpc != nil && !rpc.Disposed() && !rpc.Disconnected() {
		qctx, cancel := context.WithTimeout(ctx, rpcQueryTimeout)
		q, err := rpc.QueryPorts(qctx)
		cancel()
		if err != nil {
			s.logger.Printf("session %s port query: %v", s.ID, err)
		} else {
			queried = q
		}
	}

	listeners := transport.LocalListeners()
	var traced []ports.PortMapping
	if tracker != nil {
		traced = tracker.ExtractPortMappings()
	}

	merged := assemblePorts(queried, listeners, awaited, traced)
	all := projectAll(merged)

	s.mu.Lock()
	if s.transport != transport {
		// The bridge changed while we were querying; discard.
		s.mu.Unlock()
		return nil
	}
	s.snapshot = merged
	changed := force || !equalForwarded(s.lastPorts, all)
	if changed {
		s.lastPorts = all
	}
	s.mu.Unlock()

	if changed {
		s.send(protocol.NewPortUpdate(all, time.Now().UTC().Format(time.RFC3339)))
	}
	return nil
}

// projectAll converts a raw snapshot to the wire shape with user ports
// flagged by their labels.
func projectAll(snapshot []ports.TunnelPort) []ports.ForwardedPort {
	var userRaw []ports.TunnelPort
	for _, p := range snapshot {
		if ports.ClassifyUser(p) {
			userRaw = append(userRaw, p)
		}
	}
	return ports.ToForwardedMany(snapshot, userRaw)
}

// PortInfo converts the cached snapshot into the port-info envelope. It
// never queries; refresh_ports repopulates the cache.
func (s *Session) PortInfo(ctx context.Context) (ports.PortInfo, error) {
	s.mu.RLock()
	dir := s.dir
	snapshot := s.snapshot
	s.mu.RUnlock()

	if dir == nil {
		return ports.PortInfo{}, ErrNotAuthenticated
	}

	var userRaw, mgmtRaw []ports.TunnelPort
	for _, p := range snapshot {
		if ports.ClassifyUser(p) {
			userRaw = append(userRaw, p)
		} else {
			mgmtRaw = append(mgmtRaw, p)
		}
	}
	user := ports.ToForwardedMany(userRaw, userRaw)
	mgmt := ports.ToForwardedMany(mgmtRaw, nil)
	all := ports.ToForwardedMany(snapshot, userRaw)
	return ports.Bundle(user, mgmt, all), nil
}
