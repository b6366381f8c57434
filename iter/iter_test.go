package iter_test

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/flowbee"
	"github.com/lqos-project/xdp-shaper/iter"
	"github.com/lqos-project/xdp-shaper/resolver"
	"github.com/lqos-project/xdp-shaper/throughput"
	"github.com/lqos-project/xdp-shaper/wire"
)

func addr(s string) canon.Addr { return canon.FromNetIP(netip.MustParseAddr(s)) }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("component", "iter_test")
}

func TestThroughputStream_RoundTrip(t *testing.T) {
	tbl := throughput.New(2)
	a := addr("10.0.0.1")
	b := addr("10.0.0.2")
	tbl.Update(0, a, throughput.DirDownload, wire.ProtoTCP, 1500, 0x10001, 1, 2, 100)
	tbl.Update(1, a, throughput.DirUpload, wire.ProtoUDP, 200, 0x10001, 1, 2, 110)
	tbl.Update(0, b, throughput.DirDownload, wire.ProtoICMP, 64, 0, 0, 0, 50)

	var buf bytes.Buffer
	require.NoError(t, iter.EncodeThroughputStream(&buf, tbl))

	ncpu, records, err := iter.DecodeThroughputStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, ncpu)
	require.Len(t, records, 2)

	byAddr := map[canon.Addr]iter.ThroughputRecord{}
	for _, r := range records {
		byAddr[r.Addr] = r
	}

	ra, ok := byAddr[a]
	require.True(t, ok)
	require.Len(t, ra.PerCPU, 2)
	assert.EqualValues(t, 1500, ra.PerCPU[0].Bytes[throughput.DirDownload])
	assert.EqualValues(t, 200, ra.PerCPU[1].Bytes[throughput.DirUpload])

	rb, ok := byAddr[b]
	require.True(t, ok)
	assert.EqualValues(t, 64, rb.PerCPU[0].ICMPBytes[throughput.DirDownload])
}

func TestFlowStream_RoundTrip(t *testing.T) {
	res := resolver.New(resolver.DefaultConfig(), testLog())
	res.Insert(canon.HostKey(addr("10.0.0.5")), resolver.ShapingMapping{CPU: 1, TCHandle: 0x10001, CircuitID: 7, DeviceID: 8})
	tr := flowbee.New(res, 16, testLog())

	src, dst := addr("203.0.113.1"), addr("10.0.0.5")
	in := flowbee.PacketInput{
		Src: src, Dst: dst, SrcPort: 443, DstPort: 51000, Protocol: wire.ProtoTCP,
		Flags:    wire.PackTCPFlags(false, true, false, false, false, false, false, false),
		Sequence: 1000, Length: 60, Now: 1,
	}
	key, _, found := tr.OnPacket(resolver.ToLocal, in)
	require.True(t, found)

	var buf bytes.Buffer
	require.NoError(t, iter.EncodeFlowStream(&buf, tr))

	records, err := iter.DecodeFlowStream(&buf)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, key, records[0].Key)
	assert.EqualValues(t, 60, records[0].Bytes[flowbee.DirToLocal])
	assert.EqualValues(t, 0x10001, records[0].TCHandle)
	assert.EqualValues(t, 7, records[0].CircuitID)
}

func TestThroughputStream_EmptyTableRoundTrips(t *testing.T) {
	tbl := throughput.New(3)
	var buf bytes.Buffer
	require.NoError(t, iter.EncodeThroughputStream(&buf, tbl))

	ncpu, records, err := iter.DecodeThroughputStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, ncpu)
	assert.Empty(t, records)
}
