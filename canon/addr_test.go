package canon_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqos-project/xdp-shaper/canon"
)

func TestFromNetIP_V4MatchesV6Tail(t *testing.T) {
	v4 := canon.FromNetIP(netip.MustParseAddr("192.0.2.1"))
	v6 := canon.FromNetIP(netip.MustParseAddr("::ffff:ffff:ffff:ffff:ffff:ffff:c000:0201"))

	assert.Equal(t, v4, v6, "v4 and its v6-mapped equivalent must canonicalize identically")
	assert.True(t, v4.IsV4())
}

func TestFromV4Bytes(t *testing.T) {
	got := canon.FromV4Bytes([]byte{10, 0, 0, 5})
	want := canon.FromNetIP(netip.MustParseAddr("10.0.0.5"))
	assert.Equal(t, want, got)
	assert.Equal(t, "10.0.0.5", got.String())
}

func TestFromV6Bytes_NotV4(t *testing.T) {
	a := netip.MustParseAddr("2001:db8::1")
	raw := a.As16()
	got := canon.FromV6Bytes(raw[:])
	assert.False(t, got.IsV4())
	assert.Equal(t, a, got.NetIP())
}

func TestBitOrderMSBFirst(t *testing.T) {
	a := canon.FromV4Bytes([]byte{0x80, 0, 0, 0}) // top bit of low-32 set
	// byte 12 is 0x80 -> bit 96 (0-indexed from MSB of whole 128 bits) is 1
	require.Equal(t, uint8(1), a.Bit(96))
	require.Equal(t, uint8(0), a.Bit(97))
}

func TestLessTotalOrder(t *testing.T) {
	a := canon.FromV4Bytes([]byte{10, 0, 0, 1})
	b := canon.FromV4Bytes([]byte{10, 0, 0, 2})
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

func TestUint64HalvesRoundTrip(t *testing.T) {
	a := canon.FromV4Bytes([]byte{203, 0, 113, 9})
	hi, lo := a.Uint64Halves()
	got := canon.AddrFromHalves(hi, lo)
	assert.Equal(t, a, got)
}

func TestHostKey(t *testing.T) {
	a := canon.FromV4Bytes([]byte{1, 2, 3, 4})
	k := canon.HostKey(a)
	assert.Equal(t, uint8(128), k.Length)
	assert.Equal(t, a, k.Address)
}
