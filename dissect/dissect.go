// Package dissect implements the bounded-loop packet dissector described
// in spec.md §4.1: Ethernet / VLAN / PPPoE / MPLS / IPv4 / IPv6 / TCP /
// UDP / ICMP, without any help from a kernel network stack. Every field
// access is bounds-checked first; a packet that cannot be safely parsed
// is reported as unparseable rather than causing a panic, mirroring the
// "never fault on short packets" contract of the original BPF program.
package dissect

import (
	"encoding/binary"

	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/wire"
)

const (
	maxShellHops   = 10 // VLAN/PPPoE/MPLS shells before giving up, per spec.md §3
	maxTCPOptBytes = 10 // TCP options examined, per spec.md §4.1 step 6 (unrolled)
	ethHeaderLen   = 14
	vlanHdrLen     = 4
	pppoeSesHdrLen = 8
	mplsLabelLen   = 4
	ipv4MinLen     = 20
	ipv6Len        = 40
	tcpMinLen      = 20
	udpLen         = 8
	icmpMinLen     = 8
)

// Packet is the parsed-packet record from spec.md §3: the fields the
// rest of the datapath needs, with no pointer back into the raw buffer
// (the dissector reads everything it needs up front).
type Packet struct {
	SrcIP   canon.Addr
	DstIP   canon.Addr
	EthType uint16 // resolved ethertype after unwrapping shells (ETH_P_IP / ETH_P_IPV6)

	CurrentVLAN uint16 // innermost 802.1Q/802.1AD TCI observed, host order

	IPProtocol uint8
	TOS        uint8

	SrcPort uint16
	DstPort uint16

	TCPFlags wire.TCPFlags
	Window   uint16
	TSval    uint32
	TSecr    uint32
	Sequence uint32
	HasTS    bool

	NowNanos int64
	Len      int
}

// Options control dissector behavior that varies per caller (the ingress
// hook wants VLAN rewriting; the egress re-resolution path does not).
type Options struct {
	// VLANRedirect enables the bifrost VLAN-tag rewrite described in
	// spec.md §4.1 step 3. Lookup is supplied by the caller so the
	// dissector itself stays free of bifrost's map.
	VLANRedirect bool
	VLANLookup   func(vlanID uint16) (redirectTo uint16, ok bool)
}

// Dissect parses buf in place (rewriting at most the inner VLAN tag, the
// only mutation the dissector performs) and returns the parsed record.
// ok is false for anything that cannot be safely or meaningfully parsed:
// short packets, ARP, sub-0x0600 ethertypes, the fictitious IS-IS
// marker, or a shell chain deeper than maxShellHops.
func Dissect(buf []byte, now int64, opts Options) (Packet, bool) {
	var pkt Packet
	pkt.NowNanos = now
	pkt.Len = len(buf)

	if len(buf) < ethHeaderLen {
		return Packet{}, false
	}

	offset := 12 // skip dst+src MAC, point at ethertype
	ethType := binary.BigEndian.Uint16(buf[offset : offset+2])
	offset += 2

	if ethType == wire.EthIPv4 || ethType == wire.EthIPv6 {
		pkt.EthType = ethType
	} else if ethType == wire.EthARP || ethType < wire.Eth802Min || ethType == wire.EthISISFake {
		return Packet{}, false
	} else {
		var ok bool
		offset, ethType, ok = walkShells(buf, offset, ethType, &pkt, opts)
		if !ok {
			return Packet{}, false
		}
		pkt.EthType = ethType
	}

	switch pkt.EthType {
	case wire.EthIPv4:
		if !parseIPv4(buf, offset, &pkt) {
			return Packet{}, false
		}
	case wire.EthIPv6:
		if !parseIPv6(buf, offset, &pkt) {
			return Packet{}, false
		}
	default:
		return Packet{}, false
	}

	return pkt, true
}

// walkShells unwraps VLAN/PPPoE/MPLS shells until an IP ethertype is
// found or maxShellHops is exhausted. Bounded loop per spec.md §3/§9.
func walkShells(buf []byte, offset int, ethType uint16, pkt *Packet, opts Options) (int, uint16, bool) {
	if ethType == wire.EthIPv4 || ethType == wire.EthIPv6 {
		return offset, ethType, true
	}

	for i := 0; i < maxShellHops; i++ {
		switch ethType {
		case wire.Eth8021Q, wire.Eth8021AD:
			if offset+vlanHdrLen > len(buf) {
				return 0, 0, false
			}
			tci := binary.BigEndian.Uint16(buf[offset : offset+2])
			pkt.CurrentVLAN = tci
			nextType := binary.BigEndian.Uint16(buf[offset+2 : offset+4])

			if opts.VLANRedirect && opts.VLANLookup != nil {
				if to, ok := opts.VLANLookup(tci); ok {
					binary.BigEndian.PutUint16(buf[offset:offset+2], to)
					pkt.CurrentVLAN = to
				}
			}

			offset += vlanHdrLen
			ethType = nextType

		case wire.EthPPPoES:
			if offset+pppoeSesHdrLen > len(buf) {
				return 0, 0, false
			}
			proto := binary.BigEndian.Uint16(buf[offset+6 : offset+8])
			switch proto {
			case wire.PPPoEProtoIPv4:
				ethType = wire.EthIPv4
			case wire.PPPoEProtoIPv6:
				ethType = wire.EthIPv6
			default:
				return 0, 0, false
			}
			offset += pppoeSesHdrLen

		case wire.EthMPLSUC, wire.EthMPLSMC:
			if offset+mplsLabelLen > len(buf) {
				return 0, 0, false
			}
			entry := binary.BigEndian.Uint32(buf[offset : offset+mplsLabelLen])
			offset += mplsLabelLen
			if entry&wire.MPLSBottomOfStack != 0 {
				if offset >= len(buf) {
					return 0, 0, false
				}
				version := buf[offset] >> 4
				switch version {
				case 4:
					ethType = wire.EthIPv4
				case 6:
					ethType = wire.EthIPv6
				default:
					return 0, 0, false
				}
			}
			// otherwise loop continues consuming the next label

		default:
			return 0, 0, false
		}

		if ethType == wire.EthIPv4 || ethType == wire.EthIPv6 {
			return offset, ethType, true
		}
	}
	return 0, 0, false
}

func parseIPv4(buf []byte, offset int, pkt *Packet) bool {
	if offset+ipv4MinLen > len(buf) {
		return false
	}
	ihl := int(buf[offset]&0x0F) * 4
	if ihl < ipv4MinLen || offset+ihl > len(buf) {
		return false
	}
	pkt.TOS = buf[offset+1]
	pkt.IPProtocol = buf[offset+9]
	pkt.SrcIP = canon.FromV4Bytes(buf[offset+12 : offset+16])
	pkt.DstIP = canon.FromV4Bytes(buf[offset+16 : offset+20])

	l4 := offset + ihl
	return parseL4(buf, l4, pkt)
}

func parseIPv6(buf []byte, offset int, pkt *Packet) bool {
	if offset+ipv6Len > len(buf) {
		return false
	}
	// tos = the 8-bit traffic class, which straddles the low nibble of
	// byte 0 and the high nibble of byte 1
	pkt.TOS = (buf[offset]&0x0F)<<4 | buf[offset+1]>>4
	pkt.IPProtocol = buf[offset+6]
	pkt.SrcIP = canon.FromV6Bytes(buf[offset+8 : offset+24])
	pkt.DstIP = canon.FromV6Bytes(buf[offset+24 : offset+40])

	l4 := offset + ipv6Len
	return parseL4(buf, l4, pkt)
}

func parseL4(buf []byte, offset int, pkt *Packet) bool {
	switch pkt.IPProtocol {
	case wire.ProtoTCP:
		return parseTCP(buf, offset, pkt)
	case wire.ProtoUDP:
		if offset+udpLen > len(buf) {
			return false
		}
		pkt.SrcPort = binary.BigEndian.Uint16(buf[offset : offset+2])
		pkt.DstPort = binary.BigEndian.Uint16(buf[offset+2 : offset+4])
		return true
	case wire.ProtoICMP, wire.ProtoICMPv6:
		if offset+icmpMinLen > len(buf) {
			return false
		}
		pkt.SrcPort = uint16(buf[offset])   // type
		pkt.DstPort = uint16(buf[offset+1]) // code
		return true
	default:
		// Unrecognized L4 protocol: L3 parse still succeeded.
		return true
	}
}

func parseTCP(buf []byte, offset int, pkt *Packet) bool {
	if offset+tcpMinLen > len(buf) {
		return false
	}
	pkt.SrcPort = binary.BigEndian.Uint16(buf[offset : offset+2])
	pkt.DstPort = binary.BigEndian.Uint16(buf[offset+2 : offset+4])
	pkt.Sequence = binary.BigEndian.Uint32(buf[offset+4 : offset+8])

	dataOffsetWords := int(buf[offset+12] >> 4)
	hdrLen := dataOffsetWords * 4
	if hdrLen < tcpMinLen || offset+hdrLen > len(buf) {
		return false
	}

	flagsByte := buf[offset+13]
	pkt.TCPFlags = wire.PackTCPFlags(
		flagsByte&0x01 != 0, // FIN
		flagsByte&0x02 != 0, // SYN
		flagsByte&0x04 != 0, // RST
		flagsByte&0x08 != 0, // PSH
		flagsByte&0x10 != 0, // ACK
		flagsByte&0x20 != 0, // URG
		flagsByte&0x40 != 0, // ECE
		flagsByte&0x80 != 0, // CWR
	)
	pkt.Window = binary.BigEndian.Uint16(buf[offset+14 : offset+16])

	optsStart := offset + tcpMinLen
	optsEnd := offset + hdrLen
	tsval, tsecr, ok := parseTCPTimestamp(buf[optsStart:optsEnd])
	if ok {
		pkt.TSval = tsval
		pkt.TSecr = tsecr
		pkt.HasTS = true
	}
	return true
}

// parseTCPTimestamp walks up to maxTCPOptBytes of TCP options looking for
// the Timestamp option (kind 8, length 10), per spec.md §4.1 step 6.
func parseTCPTimestamp(opts []byte) (tsval, tsecr uint32, ok bool) {
	pos := 0
	for i := 0; i < maxTCPOptBytes && pos < len(opts); i++ {
		kind := opts[pos]
		switch kind {
		case 0: // end of options
			return 0, 0, false
		case 1: // NOP
			pos++
		case 8: // Timestamp
			if pos+10 > len(opts) {
				return 0, 0, false
			}
			length := opts[pos+1]
			if length != 10 {
				return 0, 0, false
			}
			tsval = binary.BigEndian.Uint32(opts[pos+2 : pos+6])
			tsecr = binary.BigEndian.Uint32(opts[pos+6 : pos+10])
			return tsval, tsecr, true
		default:
			if pos+1 >= len(opts) {
				return 0, 0, false
			}
			length := opts[pos+1]
			if length < 2 {
				return 0, 0, false
			}
			pos += int(length)
		}
	}
	return 0, 0, false
}
