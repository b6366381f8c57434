// Command shaperdemo wires a datapath.Datapath from a JSON config file
// and drives it with a synthetic packet generator, in the same idiom
// as the teacher's examples/socks5/main.go: json.NewDecoder(f).Decode,
// log.Fatalf on a config that cannot be used, a signal channel for
// graceful shutdown.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"math/rand"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/lqos-project/xdp-shaper/bifrost"
	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/datapath"
	"github.com/lqos-project/xdp-shaper/flowbee"
	"github.com/lqos-project/xdp-shaper/heimdall"
	"github.com/lqos-project/xdp-shaper/internal/clock"
	"github.com/lqos-project/xdp-shaper/iter"
	"github.com/lqos-project/xdp-shaper/metrics"
	"github.com/lqos-project/xdp-shaper/resolver"
	"github.com/lqos-project/xdp-shaper/throughput"
	"github.com/lqos-project/xdp-shaper/wire"

	"github.com/prometheus/client_golang/prometheus"
)

// fileConfig is the on-disk shape of the demo's config.json, decoded
// with encoding/json the same way the teacher's socks5 example decodes
// its proxy list.
type fileConfig struct {
	NumCPU       int    `json:"numCPU"`
	Direction    string `json:"direction"` // "to_internet" | "to_local" | "stick"
	InternetVLAN uint16 `json:"internetVLAN"`
	ISPVLAN      uint16 `json:"ispVLAN"`
	StickOffset  uint32 `json:"stickOffset"`
	Verbose      bool   `json:"verbose"`

	Subscribers []struct {
		Prefix    string `json:"prefix"` // CIDR
		CPU       uint32 `json:"cpu"`
		TCHandle  uint32 `json:"tcHandle"`
		CircuitID uint64 `json:"circuitId"`
		DeviceID  uint64 `json:"deviceId"`
	} `json:"subscribers"`

	WatchedSubscribers []string `json:"watchedSubscribers"`
	HeimdallMode       string   `json:"heimdallMode"` // "off" | "count" | "capture"

	PacketCount int `json:"packetCount"`
}

func main() {
	configPath := flag.String("config", "config.json", "path to the demo's JSON config file")
	metricsDump := flag.Bool("dump-metrics", false, "print a Prometheus text dump before exiting")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := log.WithField("component", "shaperdemo")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		entry.Fatalf("failed to load config file: %v", err)
	}

	dpCfg := datapath.DefaultConfig()
	dpCfg.NumCPU = cfg.NumCPU
	if dpCfg.NumCPU < 1 {
		dpCfg.NumCPU = 1
	}
	dpCfg.InternetVLAN = cfg.InternetVLAN
	dpCfg.ISPVLAN = cfg.ISPVLAN
	dpCfg.StickOffset = cfg.StickOffset
	dpCfg.Verbose = cfg.Verbose

	switch cfg.Direction {
	case "to_internet":
		dpCfg.Direction = datapath.DirectionToInternet
	case "to_local":
		dpCfg.Direction = datapath.DirectionToLocal
	case "stick":
		dpCfg.Direction = datapath.DirectionStickMode
	default:
		entry.Fatalf("config.json: unrecognized direction %q (want to_internet, to_local, or stick)", cfg.Direction)
	}

	resCfg := resolver.DefaultConfig()
	resCfg.HotCacheSize = dpCfg.HotCacheSize
	resCfg.StickMode = dpCfg.Direction == datapath.DirectionStickMode
	resCfg.StickOffset = dpCfg.StickOffset
	res := resolver.New(resCfg, entry.WithField("subcomponent", "resolver"))

	for _, sub := range cfg.Subscribers {
		prefix, err := netip.ParsePrefix(sub.Prefix)
		if err != nil {
			entry.Fatalf("config.json: bad subscriber prefix %q: %v", sub.Prefix, err)
		}
		key := canon.PrefixKey{Address: canon.FromNetIP(prefix.Addr()), Length: uint8(prefixBits(prefix))}
		res.Insert(key, resolver.ShapingMapping{CPU: sub.CPU, TCHandle: sub.TCHandle, CircuitID: sub.CircuitID, DeviceID: sub.DeviceID})
	}

	bf := bifrost.New()
	tbl := throughput.New(dpCfg.NumCPU)
	flows := flowbee.New(res, dpCfg.FlowRingSize, entry.WithField("subcomponent", "flowbee"))
	hd := heimdall.New(dpCfg.HeimdallCacheSize, dpCfg.HeimdallRingSize)

	switch cfg.HeimdallMode {
	case "", "off":
		hd.SetMode(heimdall.Off)
	case "count":
		hd.SetMode(heimdall.CountOnly)
	case "capture":
		hd.SetMode(heimdall.FullCapture)
	default:
		entry.Fatalf("config.json: unrecognized heimdallMode %q", cfg.HeimdallMode)
	}
	for _, w := range cfg.WatchedSubscribers {
		a, err := netip.ParseAddr(w)
		if err != nil {
			entry.Fatalf("config.json: bad watchedSubscribers entry %q: %v", w, err)
		}
		hd.Watch(canon.FromNetIP(a))
	}

	dp := datapath.New(dpCfg, res, bf, tbl, flows, hd, entry.WithField("subcomponent", "datapath"))

	collector := metrics.New(tbl, flows, hd)
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		entry.Fatalf("failed to register metrics collector: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dp.Start(ctx)
	entry.Info("datapath started")

	n := cfg.PacketCount
	if n <= 0 {
		n = 1000
	}
	runGenerator(ctx, dp, entry, n, clock.Monotonic{})

	dp.Stop()
	entry.Info("datapath stopped")

	var buf bytes.Buffer
	if err := iter.EncodeThroughputStream(&buf, tbl); err != nil {
		entry.Warnf("failed to encode throughput stream: %v", err)
	} else {
		entry.Infof("encoded throughput stream: %d bytes", buf.Len())
	}

	if *metricsDump {
		dumpMetrics(entry, registry)
	}
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func prefixBits(p netip.Prefix) int {
	bits := p.Bits()
	if p.Addr().Is4() {
		// canon.Addr stores v4 addresses inside the 128-bit space with
		// a 0xFF-prefixed reserved encoding (spec.md §4.1); mask width
		// is therefore counted from the top of the full 128 bits.
		return 96 + bits
	}
	return bits
}

// runGenerator drives the datapath with n synthetic packets across a
// handful of deterministic subscriber/internet address pairs, enough
// to exercise every stage of the ingress pipeline without a real NIC.
func runGenerator(ctx context.Context, dp *datapath.Datapath, log *logrus.Entry, n int, clk clock.Source) {
	rng := rand.New(rand.NewSource(1))
	subscribers := []string{"10.0.0.5", "10.0.0.6", "10.0.0.7"}
	internetHosts := []string{"203.0.113.10", "198.51.100.20"}

	seq := uint32(1)
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sub := subscribers[rng.Intn(len(subscribers))]
		inet := internetHosts[rng.Intn(len(internetHosts))]
		toInternet := rng.Intn(2) == 0

		var src, dst string
		var srcPort, dstPort uint16
		if toInternet {
			src, dst = sub, inet
			srcPort, dstPort = uint16(40000+rng.Intn(1000)), 443
		} else {
			src, dst = inet, sub
			srcPort, dstPort = 443, uint16(40000+rng.Intn(1000))
		}

		buf := buildSyntheticTCP(src, dst, srcPort, dstPort, seq)
		seq += uint32(rng.Intn(1000) + 1)

		now := clk.NowNanos()
		out := dp.Ingress(0, 1, buf, now)
		if out.Shaped {
			log.WithFields(logrus.Fields{"tc_handle": wire.FormatTCHandle(out.Metadata.TCHandle)}).Trace("shaped packet")
		}
	}
}

func buildSyntheticTCP(srcIP, dstIP string, srcPort, dstPort uint16, seq uint32) []byte {
	eth := make([]byte, 14)
	binary.BigEndian.PutUint16(eth[12:14], wire.EthIPv4)

	tcp := make([]byte, 20)
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	tcp[12] = 5 << 4
	tcp[13] = 0x18 // PSH|ACK
	binary.BigEndian.PutUint16(tcp[14:16], 65535)
	tcp = append(tcp, make([]byte, 64)...) // payload

	ip := make([]byte, 20)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(20+len(tcp)))
	ip[9] = wire.ProtoTCP
	srcAddr := netip.MustParseAddr(srcIP).As4()
	dstAddr := netip.MustParseAddr(dstIP).As4()
	copy(ip[12:16], srcAddr[:])
	copy(ip[16:20], dstAddr[:])

	buf := append(eth, ip...)
	buf = append(buf, tcp...)
	return buf
}

func dumpMetrics(log *logrus.Entry, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		log.Warnf("failed to gather metrics: %v", err)
		return
	}
	for _, fam := range families {
		log.Infof("metric family %s: %d samples", fam.GetName(), len(fam.GetMetric()))
	}
}
