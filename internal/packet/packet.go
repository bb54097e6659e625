// Package packet provides raw IPv4 packet helpers for the data plane:
// checksum recomputation, reply synthesis (ICMP unreachable, TCP reset)
// and framing of tunnel buffers into individual packets.
//
// Headers are built and parsed by hand; x/net/ipv4 marshaling is avoided
// because it encodes TotalLen and FragOff in host byte order on some
// platforms for raw-socket use.
package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// IP protocol numbers handled by the helpers.
const (
	ProtocolICMP = 1
	ProtocolTCP  = 6
	ProtocolUDP  = 17
)

const (
	udpHeaderLen  = 8
	tcpHeaderLen  = 20
	icmpHeaderLen = 8

	// unreachablePayloadMax caps how much of the offending packet an
	// ICMP destination-unreachable reply embeds: the IPv4 header plus
	// the first 8 bytes of the transport header.
	unreachablePayloadMax = 28

	// ICMP type 3 (destination unreachable) codes.
	UnreachableCodeHost           = 1
	UnreachableCodePort           = 3
	UnreachableCodeFragmentation  = 4
	UnreachableCodeCommProhibited = 13
)

// TCP flag bits in the 13th octet of the TCP header.
const (
	tcpFlagFin = 0x01
	tcpFlagSyn = 0x02
	tcpFlagRst = 0x04
	tcpFlagAck = 0x10
)

// flagDontFragment is the DF bit in the fragment-offset field.
const flagDontFragment = 0x4000

// InvalidPacketLengthError reports a buffer that cannot hold the packet
// it claims to contain.
type InvalidPacketLengthError struct {
	Length int
	Have   int
}

func (e *InvalidPacketLengthError) Error() string {
	return fmt.Sprintf("invalid packet length %d (buffer holds %d)", e.Length, e.Have)
}

// UnsupportedPacketError reports a packet the helpers cannot process.
type UnsupportedPacketError struct {
	Reason string
}

func (e *UnsupportedPacketError) Error() string {
	return "unsupported packet: " + e.Reason
}

// NextPacket extracts the first IPv4 packet from a tunnel buffer. The
// packet length is the big-endian total-length field at offset 2. It
// returns the packet and the remaining buffer.
func NextPacket(buf []byte) (pkt, rest []byte, err error) {
	if len(buf) < ipv4.HeaderLen {
		return nil, nil, &InvalidPacketLengthError{Length: len(buf), Have: len(buf)}
	}

	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < ipv4.HeaderLen || totalLen > len(buf) {
		return nil, nil, &InvalidPacketLengthError{Length: totalLen, Have: len(buf)}
	}

	return buf[:totalLen], buf[totalLen:], nil
}

// headerLen returns the IPv4 header length of p, or an error if p is not
// a well-formed IPv4 packet prefix.
func headerLen(p []byte) (int, error) {
	if len(p) < ipv4.HeaderLen {
		return 0, &InvalidPacketLengthError{Length: len(p), Have: len(p)}
	}
	if p[0]>>4 != ipv4.Version {
		return 0, &UnsupportedPacketError{Reason: fmt.Sprintf("IP version %d", p[0]>>4)}
	}
	hl := int(p[0]&0x0f) * 4
	if hl < ipv4.HeaderLen || hl > len(p) {
		return 0, &InvalidPacketLengthError{Length: hl, Have: len(p)}
	}
	return hl, nil
}

// Checksum computes the Internet checksum (RFC 1071) over the given
// byte slices as one logical buffer.
func Checksum(data ...[]byte) uint16 {
	var sum uint32
	var odd bool
	var carry byte

	for _, d := range data {
		if len(d) == 0 {
			continue
		}
		if odd {
			sum += uint32(carry)<<8 | uint32(d[0])
			d = d[1:]
			odd = false
		}
		for len(d) >= 2 {
			sum += uint32(d[0])<<8 | uint32(d[1])
			d = d[2:]
		}
		if len(d) == 1 {
			carry = d[0]
			odd = true
		}
	}
	if odd {
		sum += uint32(carry) << 8
	}

	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// pseudoSum computes the checksum contribution of the IPv4 pseudo header
// for the given packet and transport segment length.
func pseudoSum(p []byte, proto byte, segLen int) []byte {
	ph := make([]byte, 12)
	copy(ph[0:4], p[12:16])
	copy(ph[4:8], p[16:20])
	ph[9] = proto
	binary.BigEndian.PutUint16(ph[10:12], uint16(segLen))
	return ph
}

// RecomputeChecksums rewrites the IPv4 header checksum and, for TCP, UDP
// and ICMP payloads, the transport checksum. Call it after mutating
// addresses or ports in place.
func RecomputeChecksums(p []byte) error {
	hl, err := headerLen(p)
	if err != nil {
		return err
	}

	p[10], p[11] = 0, 0
	binary.BigEndian.PutUint16(p[10:12], Checksum(p[:hl]))

	seg := p[hl:]
	switch p[9] {
	case ProtocolTCP:
		if len(seg) < tcpHeaderLen {
			return &InvalidPacketLengthError{Length: len(seg), Have: len(seg)}
		}
		seg[16], seg[17] = 0, 0
		sum := Checksum(pseudoSum(p, ProtocolTCP, len(seg)), seg)
		binary.BigEndian.PutUint16(seg[16:18], sum)
	case ProtocolUDP:
		if len(seg) < udpHeaderLen {
			return &InvalidPacketLengthError{Length: len(seg), Have: len(seg)}
		}
		seg[6], seg[7] = 0, 0
		sum := Checksum(pseudoSum(p, ProtocolUDP, len(seg)), seg)
		if sum == 0 {
			sum = 0xffff
		}
		binary.BigEndian.PutUint16(seg[6:8], sum)
	case ProtocolICMP:
		if len(seg) < icmpHeaderLen {
			return &InvalidPacketLengthError{Length: len(seg), Have: len(seg)}
		}
		seg[2], seg[3] = 0, 0
		binary.BigEndian.PutUint16(seg[2:4], Checksum(seg))
	}

	return nil
}

// buildIPv4Header writes a 20-byte IPv4 header into p.
func buildIPv4Header(p []byte, src, dst netip.Addr, proto byte, totalLen int, noFragment bool) {
	p[0] = byte(ipv4.Version)<<4 | byte(ipv4.HeaderLen/4)
	binary.BigEndian.PutUint16(p[2:4], uint16(totalLen))
	if noFragment {
		binary.BigEndian.PutUint16(p[6:8], flagDontFragment)
	}
	p[8] = 64 // TTL
	p[9] = proto
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(p[12:16], srcBytes[:])
	copy(p[16:20], dstBytes[:])
}

// BuildUnreachableReply synthesizes an ICMPv4 destination-unreachable
// reply for the offending packet orig, embedding its first
// min(len(orig), 28) bytes. The reply is addressed back to the sender.
func BuildUnreachableReply(orig []byte, code byte) ([]byte, error) {
	if _, err := headerLen(orig); err != nil {
		return nil, err
	}

	embed := len(orig)
	if embed > unreachablePayloadMax {
		embed = unreachablePayloadMax
	}

	totalLen := ipv4.HeaderLen + icmpHeaderLen + embed
	p := make([]byte, totalLen)

	src, _ := netip.AddrFromSlice(orig[16:20])
	dst, _ := netip.AddrFromSlice(orig[12:16])
	buildIPv4Header(p, src, dst, ProtocolICMP, totalLen, false)

	icmp := p[ipv4.HeaderLen:]
	icmp[0] = 3 // destination unreachable
	icmp[1] = code
	copy(icmp[icmpHeaderLen:], orig[:embed])

	if err := RecomputeChecksums(p); err != nil {
		return nil, err
	}
	return p, nil
}

// BuildResetReply synthesizes a TCP RST answering the original packet.
// Sequence and acknowledgement numbers follow RFC 793: a SYN without ACK
// is answered with RST+ACK, seq 0, ack orig.seq+1; anything else with a
// bare RST carrying orig.ack in both fields.
func BuildResetReply(orig []byte) ([]byte, error) {
	hl, err := headerLen(orig)
	if err != nil {
		return nil, err
	}
	if orig[9] != ProtocolTCP {
		return nil, &UnsupportedPacketError{Reason: fmt.Sprintf("protocol %d", orig[9])}
	}
	seg := orig[hl:]
	if len(seg) < tcpHeaderLen {
		return nil, &InvalidPacketLengthError{Length: len(seg), Have: len(seg)}
	}

	origSrcPort := binary.BigEndian.Uint16(seg[0:2])
	origDstPort := binary.BigEndian.Uint16(seg[2:4])
	origSeq := binary.BigEndian.Uint32(seg[4:8])
	origAck := binary.BigEndian.Uint32(seg[8:12])
	origFlags := seg[13]

	totalLen := ipv4.HeaderLen + tcpHeaderLen
	p := make([]byte, totalLen)

	src, _ := netip.AddrFromSlice(orig[16:20])
	dst, _ := netip.AddrFromSlice(orig[12:16])
	buildIPv4Header(p, src, dst, ProtocolTCP, totalLen, false)

	tcp := p[ipv4.HeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], origDstPort)
	binary.BigEndian.PutUint16(tcp[2:4], origSrcPort)
	tcp[12] = (tcpHeaderLen / 4) << 4

	if origFlags&tcpFlagSyn != 0 && origFlags&tcpFlagAck == 0 {
		tcp[13] = tcpFlagRst | tcpFlagAck
		binary.BigEndian.PutUint32(tcp[4:8], 0)
		binary.BigEndian.PutUint32(tcp[8:12], origSeq+1)
	} else {
		tcp[13] = tcpFlagRst
		binary.BigEndian.PutUint32(tcp[4:8], origAck)
		binary.BigEndian.PutUint32(tcp[8:12], origAck)
	}

	if err := RecomputeChecksums(p); err != nil {
		return nil, err
	}
	return p, nil
}

// BuildUDPDatagram wraps payload in an IPv4/UDP packet from src to dst.
// The proxy pool's inbound path uses it to address replies from the
// remote endpoint back to the client source.
func BuildUDPDatagram(src, dst netip.AddrPort, payload []byte, noFragment bool) ([]byte, error) {
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		return nil, &UnsupportedPacketError{Reason: "non-IPv4 endpoint"}
	}

	totalLen := ipv4.HeaderLen + udpHeaderLen + len(payload)
	if totalLen > 0xffff {
		return nil, &InvalidPacketLengthError{Length: totalLen, Have: 0xffff}
	}

	p := make([]byte, totalLen)
	buildIPv4Header(p, src.Addr(), dst.Addr(), ProtocolUDP, totalLen, noFragment)

	udp := p[ipv4.HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], src.Port())
	binary.BigEndian.PutUint16(udp[2:4], dst.Port())
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+len(payload)))
	copy(udp[udpHeaderLen:], payload)

	if err := RecomputeChecksums(p); err != nil {
		return nil, err
	}
	return p, nil
}

// SourceAddr returns the IPv4 source address of p.
func SourceAddr(p []byte) (netip.Addr, error) {
	if _, err := headerLen(p); err != nil {
		return netip.Addr{}, err
	}
	addr, _ := netip.AddrFromSlice(p[12:16])
	return addr, nil
}

// DestinationAddr returns the IPv4 destination address of p.
func DestinationAddr(p []byte) (netip.Addr, error) {
	if _, err := headerLen(p); err != nil {
		return netip.Addr{}, err
	}
	addr, _ := netip.AddrFromSlice(p[16:20])
	return addr, nil
}

// UDPPayload returns the source port, destination port and payload of a
// UDP packet.
func UDPPayload(p []byte) (srcPort, dstPort uint16, payload []byte, err error) {
	hl, err := headerLen(p)
	if err != nil {
		return 0, 0, nil, err
	}
	if p[9] != ProtocolUDP {
		return 0, 0, nil, &UnsupportedPacketError{Reason: fmt.Sprintf("protocol %d", p[9])}
	}
	seg := p[hl:]
	if len(seg) < udpHeaderLen {
		return 0, 0, nil, &InvalidPacketLengthError{Length: len(seg), Have: len(seg)}
	}
	return binary.BigEndian.Uint16(seg[0:2]), binary.BigEndian.Uint16(seg[2:4]), seg[udpHeaderLen:], nil
}
