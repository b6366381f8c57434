// Package wire is the protocol vocabulary shared by the dissector, the
// flow tracker, the throughput counters and heimdall. It re-exports the subset of
// gopacket/layers' ethertype/IP-protocol constants the datapath cares
// about instead of declaring a second, parallel set of magic numbers.
package wire

import "github.com/google/gopacket/layers"

// Ethertypes recognized while walking shells in the dissector.
const (
	EthIPv4    = uint16(layers.EthernetTypeIPv4)
	EthIPv6    = uint16(layers.EthernetTypeIPv6)
	EthARP     = uint16(layers.EthernetTypeARP)
	Eth8021Q   = uint16(layers.EthernetTypeDot1Q)
	Eth8021AD  = uint16(layers.EthernetTypeQinQ)
	EthPPPoES  = uint16(layers.EthernetTypePPPoESession)
	EthMPLSUC  = uint16(layers.EthernetTypeMPLSUnicast)
	EthMPLSMC  = uint16(layers.EthernetTypeMPLSMulticast)
	EthISISFake = uint16(0xFEFE) // fictitious marker named explicitly in spec.md
	Eth802Min   = uint16(0x0600) // ethertypes below this are 802.3 length fields
)

// IP protocol numbers.
const (
	ProtoICMP   = uint8(layers.IPProtocolICMPv4)
	ProtoTCP    = uint8(layers.IPProtocolTCP)
	ProtoUDP    = uint8(layers.IPProtocolUDP)
	ProtoICMPv6 = uint8(layers.IPProtocolICMPv6)
)

// PPPoE session payload protocol numbers.
const (
	PPPoEProtoIPv4 = uint16(0x0021)
	PPPoEProtoIPv6 = uint16(0x0057)
)

// MPLS label stack masks.
const (
	MPLSBottomOfStack = uint32(0x00000100)
)

// TCPFlags is the compact bitset packed in the order spec.md §4.1 step 5
// names: fin, syn, rst, psh, ack, urg, ece, cwr.
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
	TCPFlagECE
	TCPFlagCWR
)

// PackTCPFlags builds the compact bitset from the individual boolean
// flags of a TCP header, in the exact bit order the original dissector
// uses (DIS_TCP_FIN=1 .. DIS_TCP_CWR=128).
func PackTCPFlags(fin, syn, rst, psh, ack, urg, ece, cwr bool) TCPFlags {
	var f TCPFlags
	if fin {
		f |= TCPFlagFIN
	}
	if syn {
		f |= TCPFlagSYN
	}
	if rst {
		f |= TCPFlagRST
	}
	if psh {
		f |= TCPFlagPSH
	}
	if ack {
		f |= TCPFlagACK
	}
	if urg {
		f |= TCPFlagURG
	}
	if ece {
		f |= TCPFlagECE
	}
	if cwr {
		f |= TCPFlagCWR
	}
	return f
}

func (f TCPFlags) Has(flag TCPFlags) bool { return f&flag != 0 }

func (f TCPFlags) String() string {
	names := []struct {
		flag TCPFlags
		name string
	}{
		{TCPFlagFIN, "FIN"}, {TCPFlagSYN, "SYN"}, {TCPFlagRST, "RST"},
		{TCPFlagPSH, "PSH"}, {TCPFlagACK, "ACK"}, {TCPFlagURG, "URG"},
		{TCPFlagECE, "ECE"}, {TCPFlagCWR, "CWR"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.flag) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "-"
	}
	return out
}

// FormatTCHandle renders a tc_handle as "major:minor" in hex, matching the
// display convention in the original tc_handle_parser.c. This is used
// only for logging; the wire format of tc_handle stays the raw u32.
func FormatTCHandle(handle uint32) string {
	major := handle >> 16
	minor := handle & 0xFFFF
	return hexU16(major) + ":" + hexU16(minor)
}

func hexU16(v uint32) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [4]byte
	i := 4
	for v > 0 {
		i--
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf[i:])
}
