// Package canon implements the canonical address encoding shared by the
// IPv4 and IPv6 sides of the datapath: a single 128-bit key type so one
// trie, one hot cache, and one flow table can index both families.
package canon

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Addr is the 128-bit canonical encoding of a subscriber or peer address.
// IPv4 addresses are mapped into the reserved all-0xFF high bytes, per
// the encode_ipv4/encode_ipv6 convention in the original BPF dissector:
// 0xFFFF_FFFF_FFFF_FFFF_FFFF_FFFF_<A><B><C><D>.
type Addr [16]byte

// FromNetIP canonicalizes a net/netip.Addr, mapping v4 (and v4-in-v6) into
// the reserved high-byte-0xFF prefix so v4 and v6 share one key space.
func FromNetIP(a netip.Addr) Addr {
	if a.Is4() || a.Is4In6() {
		v4 := a.As4()
		var c Addr
		for i := 0; i < 12; i++ {
			c[i] = 0xFF
		}
		copy(c[12:], v4[:])
		return c
	}
	return Addr(a.As16())
}

// FromV4Bytes canonicalizes a raw 4-byte (network order) IPv4 address, as
// extracted directly by the dissector without going through net/netip.
func FromV4Bytes(b []byte) Addr {
	var c Addr
	for i := 0; i < 12; i++ {
		c[i] = 0xFF
	}
	copy(c[12:], b[:4])
	return c
}

// FromV6Bytes canonicalizes a raw 16-byte IPv6 address.
func FromV6Bytes(b []byte) Addr {
	var c Addr
	copy(c[:], b[:16])
	return c
}

// IsV4 reports whether the canonical address was derived from an IPv4
// address (the reserved high-12-bytes-0xFF prefix is set).
func (a Addr) IsV4() bool {
	for i := 0; i < 12; i++ {
		if a[i] != 0xFF {
			return false
		}
	}
	return true
}

// NetIP converts the canonical address back to a net/netip.Addr, for
// logging and for the iteration protocol's userspace-facing output.
func (a Addr) NetIP() netip.Addr {
	if a.IsV4() {
		var v4 [4]byte
		copy(v4[:], a[12:])
		return netip.AddrFrom4(v4)
	}
	return netip.AddrFrom16([16]byte(a))
}

// String renders the canonical address in its natural (v4 or v6) form.
func (a Addr) String() string {
	return a.NetIP().String()
}

// Less provides a total order over canonical addresses, used by the trie
// and by tests that need deterministic iteration order.
func (a Addr) Less(b Addr) bool {
	for i := 0; i < 16; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Bit returns the bit at position i (0 = most significant bit of byte 0),
// used by the LPM trie walk in package resolver.
func (a Addr) Bit(i int) uint8 {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	return (a[byteIdx] >> bitIdx) & 1
}

// PrefixKey is the key of the shaping-mapping trie: a (length, address)
// pair, per spec.md's Prefix key definition.
type PrefixKey struct {
	Length  uint8 // 0..128
	Address Addr
}

func (k PrefixKey) String() string {
	return fmt.Sprintf("%s/%d", k.Address, k.Length)
}

// HostKey returns the /128 key for an exact-address (hot cache / flow
// table) lookup, as opposed to the trie's variable-length prefix keys.
func HostKey(a Addr) PrefixKey {
	return PrefixKey{Length: 128, Address: a}
}

// Uint64Halves splits the canonical address into its big-endian high and
// low 64-bit halves. Package iter does not use it: the stream encoders
// write the 16 address bytes directly.
func (a Addr) Uint64Halves() (hi, lo uint64) {
	hi = binary.BigEndian.Uint64(a[0:8])
	lo = binary.BigEndian.Uint64(a[8:16])
	return
}

// AddrFromHalves is the inverse of Uint64Halves.
func AddrFromHalves(hi, lo uint64) Addr {
	var a Addr
	binary.BigEndian.PutUint64(a[0:8], hi)
	binary.BigEndian.PutUint64(a[8:16], lo)
	return a
}
