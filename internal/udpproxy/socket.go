package udpproxy

import (
	"net"
	"net/netip"
	"time"
)

// Address families used for worker sockets.
const (
	FamilyIPv4 = "udp4"
	FamilyIPv6 = "udp6"
)

// familyOf returns the socket family serving the given endpoint.
func familyOf(ep netip.AddrPort) string {
	if ep.Addr().Is4() || ep.Addr().Is4In6() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// PacketConn is the socket surface a worker needs. *net.UDPConn
// implements it.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// SocketFactory creates proxy sockets. Injecting it keeps the pool
// testable without touching the network.
type SocketFactory interface {
	// Listen binds a new socket on an ephemeral local port for the
	// given address family (FamilyIPv4 or FamilyIPv6).
	Listen(family string) (PacketConn, error)
}

// NetSocketFactory binds real UDP sockets via the net package.
type NetSocketFactory struct{}

// Listen implements SocketFactory.
func (NetSocketFactory) Listen(family string) (PacketConn, error) {
	return net.ListenUDP(family, nil)
}
