package core

import (
	"sync"
	"time"
)

// Peer is the per-remote-endpoint state tracked by PeerTracker. The key
// into PeerTracker.peers always equals RemoteEndpoint.
type Peer struct {
	LocalEndpoint  Endpoint
	RemoteEndpoint Endpoint
	StateInbound   PeerState
	StateOutbound  PeerState
	LastUpdated    time.Time
}

// SocketTuple is one row of the OS socket snapshot the tracker reconciles
// against, supplied by the sockets collaborator.
type SocketTuple struct {
	LocalEndpoint  Endpoint
	RemoteEndpoint Endpoint
	Established    bool
}

// PeerStats is a snapshot of peer counts per (direction, state), plus a
// total, returned on demand by the statistics activity.
type PeerStats struct {
	Inbound  map[PeerState]int
	Outbound map[PeerState]int
	Total    int
}

// PeerTracker maintains the peer map, applies PeerStateChange
// events, and reconciles against OS socket enumeration.
type PeerTracker struct {
	localListenPort int

	mu    sync.Mutex
	peers map[Endpoint]*Peer

	evictedOnReconcile int
}

// NewPeerTracker builds an empty tracker. localListenPort is the node's own
// listen port, used to filter the OS socket snapshot to sockets that belong
// to this node's P2P listener.
func NewPeerTracker(localListenPort int) *PeerTracker {
	return &PeerTracker{localListenPort: localListenPort, peers: make(map[Endpoint]*Peer)}
}

// Apply applies a PeerStateChange event to the peer map; other variants
// are a caller error and are ignored. It
// returns the state the affected direction held before this event and the
// peer's previous last_updated, which the peer-event notification reports
// as last_state/last_seen.
func (t *PeerTracker) Apply(ev Event) (prev PeerState, lastSeen time.Time) {
	if ev.Variant != VariantPeerStateChange {
		return StateUnknown, time.Time{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[ev.RemoteEndpoint]
	if !ok {
		p = &Peer{
			LocalEndpoint:  ev.LocalEndpoint,
			RemoteEndpoint: ev.RemoteEndpoint,
			StateInbound:   StateUnknown,
			StateOutbound:  StateUnknown,
			LastUpdated:    ev.At,
		}
		t.peers[ev.RemoteEndpoint] = p
	}
	lastSeen = p.LastUpdated

	switch ev.Direction {
	case Inbound:
		prev = p.StateInbound
		p.StateInbound = ev.NewState
	case Outbound:
		prev = p.StateOutbound
		p.StateOutbound = ev.NewState
	}
	if ev.At.After(p.LastUpdated) {
		p.LastUpdated = ev.At
	}
	return prev, lastSeen
}

// ClearAll drops every tracked peer. Called on NodeRestarted when
// OPENBLOCKPERF_CLEAR_PEERS_ON_RESTART is set; off by default, since
// socket reconciliation restores aliveness on its own.
func (t *PeerTracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[Endpoint]*Peer)
}

// Reconcile filters sockets to ESTABLISHED connections on the node's own
// listen port, inserts peers missing from the map, and removes peers no
// longer present in the snapshot. Returns the number removed.
func (t *PeerTracker) Reconcile(sockets []SocketTuple) int {
	present := make(map[Endpoint]bool, len(sockets))
	for _, s := range sockets {
		if !s.Established || s.LocalEndpoint.Port != t.localListenPort {
			continue
		}
		present[s.RemoteEndpoint] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for remote := range present {
		if _, ok := t.peers[remote]; !ok {
			t.peers[remote] = &Peer{
				RemoteEndpoint: remote,
				StateInbound:   StateUnknown,
				StateOutbound:  StateUnknown,
				LastUpdated:    time.Now(),
			}
		}
	}

	removed := 0
	for remote := range t.peers {
		if !present[remote] {
			delete(t.peers, remote)
			removed++
		}
	}
	t.evictedOnReconcile += removed
	return removed
}

// UnknownPeers returns the remote endpoints of peers whose both directions
// are still StateUnknown, candidates for backfill.
func (t *PeerTracker) UnknownPeers() []Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Endpoint
	for remote, p := range t.peers {
		if p.StateInbound == StateUnknown && p.StateOutbound == StateUnknown {
			out = append(out, remote)
		}
	}
	return out
}

// BackfillMatch reports whether a historical record's parsed endpoints
// match the given remote endpoint, for unknown-peer backfill. Both the IP
// and the port must agree; two peers on one host must not satisfy each
// other's searches.
func BackfillMatch(remote Endpoint, candidate Endpoint) bool {
	return remote.IP == candidate.IP && remote.Port == candidate.Port
}

// Get returns a copy of the tracked peer for remote, if any.
func (t *PeerTracker) Get(remote Endpoint) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[remote]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Count returns the number of tracked peers.
func (t *PeerTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Stats returns per-(direction,state) counts and a total.
func (t *PeerTracker) Stats() PeerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := PeerStats{
		Inbound:  make(map[PeerState]int),
		Outbound: make(map[PeerState]int),
	}
	for _, p := range t.peers {
		stats.Inbound[p.StateInbound]++
		stats.Outbound[p.StateOutbound]++
		stats.Total++
	}
	return stats
}
