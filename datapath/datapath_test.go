package datapath_test

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqos-project/xdp-shaper/bifrost"
	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/datapath"
	"github.com/lqos-project/xdp-shaper/flowbee"
	"github.com/lqos-project/xdp-shaper/heimdall"
	"github.com/lqos-project/xdp-shaper/resolver"
	"github.com/lqos-project/xdp-shaper/throughput"
	"github.com/lqos-project/xdp-shaper/wire"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("component", "datapath_test")
}

func addr(s string) canon.Addr { return canon.FromNetIP(netip.MustParseAddr(s)) }

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func ethHeader(ethType uint16) []byte {
	b := make([]byte, 14)
	binary.BigEndian.PutUint16(b[12:14], ethType)
	return b
}

func vlanTag(tci, innerType uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], tci)
	binary.BigEndian.PutUint16(b[2:4], innerType)
	return b
}

func ipv4Header(proto byte, src, dst net.IP, totalLen uint16) []byte {
	b := make([]byte, 20)
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], totalLen)
	b[9] = proto
	copy(b[12:16], src.To4())
	copy(b[16:20], dst.To4())
	return b
}

func tcpHeader(srcPort, dstPort uint16, seq uint32, flags byte) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint32(b[4:8], seq)
	b[12] = 5 << 4
	b[13] = flags
	binary.BigEndian.PutUint16(b[14:16], 65535)
	return b
}

func buildTCPSYN(t *testing.T, src, dst net.IP, srcPort, dstPort uint16) []byte {
	t.Helper()
	tcp := tcpHeader(srcPort, dstPort, 1000, 0x02) // SYN
	ip := ipv4Header(wire.ProtoTCP, src, dst, uint16(20+len(tcp)))
	buf := append(ethHeader(wire.EthIPv4), ip...)
	buf = append(buf, tcp...)
	return buf
}

func buildTaggedTCPSYN(t *testing.T, vlanID uint16, src, dst net.IP, srcPort, dstPort uint16) []byte {
	t.Helper()
	tcp := tcpHeader(srcPort, dstPort, 1000, 0x02)
	ip := ipv4Header(wire.ProtoTCP, src, dst, uint16(20+len(tcp)))
	eth := ethHeader(wire.Eth8021Q)
	buf := append(eth, vlanTag(vlanID, wire.EthIPv4)...)
	buf = append(buf, ip...)
	buf = append(buf, tcp...)
	return buf
}

func newTestDatapath(t *testing.T, cfg datapath.Config) (*datapath.Datapath, *resolver.Resolver, *bifrost.Bifrost, *throughput.Table, *flowbee.Tracker) {
	t.Helper()
	res := resolver.New(resolver.DefaultConfig(), testLog())
	bf := bifrost.New()
	tbl := throughput.New(cfg.NumCPU)
	flows := flowbee.New(res, 64, testLog())
	hd := heimdall.New(64, 64)
	dp := datapath.New(cfg, res, bf, tbl, flows, hd, testLog())
	return dp, res, bf, tbl, flows
}

func TestIngress_UnconfiguredDirectionPassesThrough(t *testing.T) {
	cfg := datapath.DefaultConfig()
	cfg.NumCPU = 1
	dp, _, _, _, _ := newTestDatapath(t, cfg)

	buf := buildTCPSYN(t, net.ParseIP("203.0.113.1"), net.ParseIP("10.0.0.5"), 443, 51000)
	res := dp.Ingress(0, 1, buf, 1)
	assert.True(t, res.Parsed)
	assert.False(t, res.Shaped)
	assert.False(t, res.Metadata.Present)
}

func TestIngress_ShapedFlowStampsMetadataAndRedirectsCPU(t *testing.T) {
	cfg := datapath.DefaultConfig()
	cfg.NumCPU = 4
	cfg.Direction = datapath.DirectionToLocal
	dp, res, _, tbl, flows := newTestDatapath(t, cfg)

	subscriber := addr("10.0.0.5")
	res.Insert(canon.HostKey(subscriber), resolver.ShapingMapping{CPU: 2, TCHandle: 0x10001, CircuitID: 7, DeviceID: 9})

	buf := buildTCPSYN(t, net.ParseIP("203.0.113.1"), net.ParseIP("10.0.0.5"), 443, 51000)
	out := dp.Ingress(0, 1, buf, 100)

	require.True(t, out.Parsed)
	require.True(t, out.Shaped)
	assert.EqualValues(t, 2, out.RedirectCPU)
	assert.True(t, out.Metadata.Present)
	assert.EqualValues(t, 0x10001, out.Metadata.TCHandle)

	cnt, ok := tbl.Get(subscriber)
	require.True(t, ok)
	assert.EqualValues(t, 1, cnt.Packets[throughput.DirDownload])

	_, found := flows.Get(out.FlowKey)
	assert.True(t, found)
}

func TestIngress_StickModeResolvesDirectionFromVLAN(t *testing.T) {
	cfg := datapath.DefaultConfig()
	cfg.NumCPU = 1
	cfg.Direction = datapath.DirectionStickMode
	cfg.InternetVLAN = 100
	dp, _, _, _, _ := newTestDatapath(t, cfg)

	// inner VLAN 100 == InternetVLAN -> ToInternet
	buf := buildTaggedTCPSYN(t, 100, net.ParseIP("10.0.0.5"), net.ParseIP("203.0.113.1"), 51000, 443)
	out := dp.Ingress(0, 1, buf, 1)
	require.True(t, out.Parsed)
	assert.Equal(t, resolver.ToInternet, out.Direction)

	// inner VLAN 200 != InternetVLAN -> ToLocal
	buf2 := buildTaggedTCPSYN(t, 200, net.ParseIP("203.0.113.1"), net.ParseIP("10.0.0.5"), 443, 51000)
	out2 := dp.Ingress(0, 1, buf2, 1)
	require.True(t, out2.Parsed)
	assert.Equal(t, resolver.ToLocal, out2.Direction)
}

func TestIngress_BifrostVLANRewriteAppliesBeforeRedirectDecision(t *testing.T) {
	cfg := datapath.DefaultConfig()
	cfg.NumCPU = 1
	cfg.Direction = datapath.DirectionStickMode
	cfg.InternetVLAN = 100
	dp, _, bf, _, _ := newTestDatapath(t, cfg)

	bf.SetVLANRewrite(1, 200, 300)
	bf.SetInterfaceRule(1, bifrost.InterfaceRule{RedirectTo: 2, ScanVLANs: true})

	buf := buildTaggedTCPSYN(t, 200, net.ParseIP("10.0.0.5"), net.ParseIP("203.0.113.1"), 51000, 443)
	out := dp.Ingress(0, 1, buf, 1)

	require.True(t, out.Parsed)
	assert.EqualValues(t, 300, out.Packet.CurrentVLAN)
	assert.Equal(t, resolver.ToLocal, out.Direction) // rewritten VLAN 300 != internet_vlan 100
	assert.True(t, out.Bifrosted)
	assert.Equal(t, 2, out.BifrostTo)
}

func TestEgress_MetadataFastPathSkipsReResolution(t *testing.T) {
	cfg := datapath.DefaultConfig()
	cfg.NumCPU = 1
	dp, _, _, _, _ := newTestDatapath(t, cfg)
	dp.SetTxQueue(0, datapath.TxQueueConfig{QueueMapping: 3})

	out := dp.Egress(0, nil, 1, datapath.Metadata{Present: true, TCHandle: 0xABCD}, resolver.ToInternet)
	assert.EqualValues(t, 3, out.QueueMapping)
	assert.True(t, out.Shaped)
	assert.EqualValues(t, 0xABCD, out.Priority)
}

func TestEgress_FallsBackToReResolutionWithoutMetadata(t *testing.T) {
	cfg := datapath.DefaultConfig()
	cfg.NumCPU = 1
	cfg.Direction = datapath.DirectionToInternet
	dp, res, _, _, _ := newTestDatapath(t, cfg)

	subscriber := addr("203.0.113.1")
	res.Insert(canon.HostKey(subscriber), resolver.ShapingMapping{CPU: 0, TCHandle: 0x555, CircuitID: 1, DeviceID: 1})

	buf := buildTCPSYN(t, net.ParseIP("203.0.113.1"), net.ParseIP("10.0.0.5"), 51000, 443)
	out := dp.Egress(0, buf, 1, datapath.Metadata{}, resolver.ToInternet)
	assert.True(t, out.Shaped)
	assert.EqualValues(t, 0x555, out.Priority)
}

func TestEgress_UnshapedPassesThrough(t *testing.T) {
	cfg := datapath.DefaultConfig()
	cfg.NumCPU = 1
	dp, _, _, _, _ := newTestDatapath(t, cfg)

	buf := buildTCPSYN(t, net.ParseIP("203.0.113.1"), net.ParseIP("10.0.0.5"), 51000, 443)
	out := dp.Egress(0, buf, 1, datapath.Metadata{}, resolver.ToInternet)
	assert.False(t, out.Shaped)
	assert.EqualValues(t, 0, out.Priority)
}

func TestSubmit_DispatchesThroughWorkerPoolAndStops(t *testing.T) {
	cfg := datapath.DefaultConfig()
	cfg.NumCPU = 2
	cfg.Direction = datapath.DirectionToLocal
	dp, _, _, _, _ := newTestDatapath(t, cfg)

	ctx := testContext(t)
	dp.Start(ctx)
	defer dp.Stop()

	buf := buildTCPSYN(t, net.ParseIP("203.0.113.1"), net.ParseIP("10.0.0.5"), 443, 51000)
	ch := dp.Submit(1, buf, 1)
	out := <-ch
	assert.True(t, out.Parsed)
}
