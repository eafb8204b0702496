package core

import (
	"fmt"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// SocketEnumerator is the collaborator the scheduler hands to the socket-reconciliation
// activity. The default implementation wraps gopsutil.
type SocketEnumerator interface {
	Sockets() ([]SocketTuple, error)
}

// osSocketEnumerator lists the node's TCP connections via gopsutil.
type osSocketEnumerator struct{}

// NewOSSocketEnumerator returns a SocketEnumerator backed by the host's
// connection table via gopsutil, which is portable across the platforms
// the agent runs on.
func NewOSSocketEnumerator() SocketEnumerator {
	return osSocketEnumerator{}
}

func (osSocketEnumerator) Sockets() ([]SocketTuple, error) {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return nil, fmt.Errorf("enumerate tcp sockets: %w", err)
	}
	out := make([]SocketTuple, 0, len(conns))
	for _, c := range conns {
		out = append(out, SocketTuple{
			LocalEndpoint:  Endpoint{IP: c.Laddr.IP, Port: int(c.Laddr.Port)},
			RemoteEndpoint: Endpoint{IP: c.Raddr.IP, Port: int(c.Raddr.Port)},
			Established:    c.Status == "ESTABLISHED",
		})
	}
	return out, nil
}
