// Package datapath implements the ingress/egress hooks (spec.md §4.7,
// C8): the component that glues every other piece together. It
// dissects each packet, resolves its shaping mapping, updates the flow
// tracker and throughput counters, applies the heimdall selector, and
// reports the CPU the resolver selected in IngressResult.RedirectCPU.
// Packets run either synchronously (Ingress) or on one worker goroutine
// per simulated CPU reading off a channel (Submit), the concurrency
// model driver/packet_filter_queued_multi_interface.go uses for its
// read/process/write pipeline. Submit picks the worker by interface
// index; a packet is not handed on to the worker of the CPU the
// resolver selected.
package datapath

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lqos-project/xdp-shaper/bifrost"
	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/dissect"
	"github.com/lqos-project/xdp-shaper/flowbee"
	"github.com/lqos-project/xdp-shaper/heimdall"
	"github.com/lqos-project/xdp-shaper/resolver"
	"github.com/lqos-project/xdp-shaper/throughput"
)

// Direction is the load-time constant from spec.md §6. Unlike
// resolver.Direction (a per-packet, two-way value), this one also
// carries the unconfigured sentinel and the on-a-stick mode, which is
// resolved per-packet by VLAN comparison rather than fixed at load
// time.
type Direction uint8

const (
	DirectionToInternet Direction = 1
	DirectionToLocal    Direction = 2
	DirectionStickMode  Direction = 3
	// DirectionUnconfigured is the sentinel from spec.md §6: "value 255
	// is the unconfigured sentinel and causes every packet to pass
	// through unmodified."
	DirectionUnconfigured Direction = 255
)

// Load-time sizing limits, spec.md §6, mirroring the original's
// maximums.h constants.
const (
	MaxTrackedIPs   = 65536
	MaxFlows        = 2 * MaxTrackedIPs
	DefaultHotCache = 32 * 1024
)

// TxQueueConfig is the per-CPU hardware queue mapping stamped onto
// every egress packet before the shaping-handle fast path is tried,
// spec.md §4.7.
type TxQueueConfig struct {
	QueueMapping uint16
}

// Config is the set of load-time constants and sizing limits from
// spec.md §6.
type Config struct {
	Direction    Direction
	InternetVLAN uint16
	ISPVLAN      uint16
	StickOffset  uint32

	HotCacheSize      int
	MaxHosts          int
	MaxShapingEntries int
	MaxFlowEntries    int
	FlowRingSize      int
	HeimdallCacheSize int
	HeimdallRingSize  int

	NumCPU int

	// Verbose gates the ingress hook's Trace-level logging of every
	// packet's dissection outcome (spec.md §9 redesign note: the original
	// gated this behind a compile-time flag in debug.h; here it is a
	// runtime toggle so a demo process can turn it on without a rebuild).
	// The dissector and resolver themselves do not log.
	Verbose bool
}

// DefaultConfig returns the spec.md §6 defaults. Direction is left at
// the unconfigured sentinel: callers must set it explicitly before
// calling New, mirroring the load-time validation the original
// performs before activating the hook.
func DefaultConfig() Config {
	return Config{
		Direction:         DirectionUnconfigured,
		HotCacheSize:      DefaultHotCache,
		MaxHosts:          MaxTrackedIPs,
		MaxShapingEntries: MaxTrackedIPs,
		MaxFlowEntries:    MaxFlows,
		FlowRingSize:      4096,
		HeimdallCacheSize: 4096,
		HeimdallRingSize:  4096,
		NumCPU:            1,
	}
}

// Metadata is the small head-of-packet record the ingress hook writes
// when the resolver returns a real mapping, spec.md §4.7: "write a
// small metadata record {tc_handle} ahead of the packet payload... the
// egress hook falls back to re-resolution" when it is absent.
type Metadata struct {
	Present  bool
	TCHandle uint32
}

// IngressResult is everything the caller (cmd/shaperdemo, or a test)
// might want to observe about one ingress packet.
type IngressResult struct {
	Parsed      bool
	Packet      dissect.Packet
	Direction   resolver.Direction
	Shaped      bool
	Mapping     resolver.ShapingMapping
	Metadata    Metadata
	RedirectCPU int
	FlowKey     flowbee.FlowKey
	BifrostTo   int
	Bifrosted   bool
}

// EgressResult is the stamped queue mapping and scheduling priority
// for one egress packet, spec.md §4.7.
type EgressResult struct {
	QueueMapping uint16
	Priority     uint32
	Shaped       bool
}

// ingressJob is one unit of work handed to a per-simulated-CPU worker,
// the Go analogue of the teacher's packetReadChan/packetProcessChan
// pipeline.
type ingressJob struct {
	ifIndex int
	buf     []byte
	now     int64
	result  chan IngressResult
}

// Datapath is the C8 component: the wiring of every other component
// behind the ingress/egress hooks, plus a per-CPU worker pool that
// processes submitted packets. The resolver-selected CPU is reported in
// IngressResult.RedirectCPU; the pool does not move a packet to it.
type Datapath struct {
	cfg Config
	log *logrus.Entry

	Bifrost    *bifrost.Bifrost
	Resolver   *resolver.Resolver
	Throughput *throughput.Table
	Flows      *flowbee.Tracker
	Heimdall   *heimdall.Heimdall

	txq []TxQueueConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	jobs   []chan ingressJob
}

// New wires up a Datapath from cfg and its component dependencies. The
// components are constructed by the caller (cmd/shaperdemo, or a test)
// so they can be shared with the metrics collector and the C9 iteration
// protocol without a second set of instances.
func New(cfg Config, res *resolver.Resolver, bf *bifrost.Bifrost, tbl *throughput.Table, flows *flowbee.Tracker, hd *heimdall.Heimdall, log *logrus.Entry) *Datapath {
	if cfg.NumCPU < 1 {
		cfg.NumCPU = 1
	}
	d := &Datapath{
		cfg:        cfg,
		log:        log,
		Bifrost:    bf,
		Resolver:   res,
		Throughput: tbl,
		Flows:      flows,
		Heimdall:   hd,
		txq:        make([]TxQueueConfig, cfg.NumCPU),
	}
	for i := range d.txq {
		d.txq[i] = TxQueueConfig{QueueMapping: uint16(i)}
	}
	return d
}

// SetTxQueue installs the hardware queue mapping stamped onto every
// egress packet processed by simulated CPU cpu.
func (d *Datapath) SetTxQueue(cpu int, q TxQueueConfig) {
	if cpu < 0 || cpu >= len(d.txq) {
		return
	}
	d.txq[cpu] = q
}

// Start spins up one worker goroutine per simulated CPU, each reading
// off its own job channel — the concurrency model grounded on
// driver/packet_filter_queued_multi_interface.go's packetProcessChan
// worker.
func (d *Datapath) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.jobs = make([]chan ingressJob, d.cfg.NumCPU)
	for i := range d.jobs {
		d.jobs[i] = make(chan ingressJob, 256)
		d.wg.Add(1)
		go d.worker(i, d.jobs[i])
	}
}

// Stop cancels every worker and waits for them to drain.
func (d *Datapath) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Datapath) worker(cpu int, in <-chan ingressJob) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-in:
			res := d.processIngress(cpu, job.ifIndex, job.buf, job.now)
			if job.result != nil {
				job.result <- res
			}
		}
	}
}

// Submit dispatches one raw frame to the worker for ifIndex's assigned
// CPU (round-robin by interface index, since the receiving CPU in the
// real datapath is whichever one the NIC's RSS hash happened to pick).
// It returns a channel the caller can read the IngressResult from.
func (d *Datapath) Submit(ifIndex int, buf []byte, now int64) <-chan IngressResult {
	out := make(chan IngressResult, 1)
	cpu := ifIndex % len(d.jobs)
	if cpu < 0 {
		cpu += len(d.jobs)
	}
	select {
	case d.jobs[cpu] <- ingressJob{ifIndex: ifIndex, buf: buf, now: now, result: out}:
	case <-d.ctx.Done():
		out <- IngressResult{}
		close(out)
	}
	return out
}

// Ingress runs the full C8 ingress pipeline synchronously on the
// caller's goroutine, bypassing the worker pool. Tests and
// cmd/shaperdemo's synthetic generator use this directly; Submit is the
// channel-dispatched equivalent used when simulating per-CPU
// concurrency end to end.
func (d *Datapath) Ingress(cpu int, ifIndex int, buf []byte, now int64) IngressResult {
	return d.processIngress(cpu, ifIndex, buf, now)
}

func (d *Datapath) processIngress(receivingCPU, ifIndex int, buf []byte, now int64) IngressResult {
	var result IngressResult

	var vlanLookup func(uint16) (uint16, bool)
	if d.Bifrost != nil {
		vlanLookup = d.Bifrost.VLANLookup(ifIndex)
	}

	pkt, ok := dissect.Dissect(buf, now, dissect.Options{VLANRedirect: true, VLANLookup: vlanLookup})
	if !ok {
		if d.cfg.Verbose && d.log != nil {
			d.log.WithField("if_index", ifIndex).Trace("datapath: unparseable packet")
		}
		return result
	}
	result.Parsed = true
	result.Packet = pkt

	if d.cfg.Verbose && d.log != nil {
		d.log.WithFields(logrus.Fields{
			"if_index": ifIndex,
			"src":      pkt.SrcIP.String(),
			"dst":      pkt.DstIP.String(),
			"proto":    pkt.IPProtocol,
		}).Trace("datapath: dissected packet")
	}

	dir, configured := d.effectiveDirection(pkt)
	if !configured {
		// direction == 255: misconfiguration detected at load time,
		// spec.md §6/§5 — degrade to pass-through.
		return result
	}
	result.Direction = dir

	mapping, shaped := d.Resolver.Resolve(dir, pkt.SrcIP, pkt.DstIP)
	result.Shaped = shaped
	result.Mapping = mapping

	if d.Flows != nil {
		in := flowbee.PacketInput{
			Src: pkt.SrcIP, Dst: pkt.DstIP,
			SrcPort: pkt.SrcPort, DstPort: pkt.DstPort,
			Protocol: pkt.IPProtocol,
			Flags:    pkt.TCPFlags,
			Sequence: pkt.Sequence,
			TSval:    pkt.TSval, TSecr: pkt.TSecr, HasTS: pkt.HasTS,
			Length: pkt.Len, TOS: pkt.TOS, Now: now,
		}
		if key, _, found := d.Flows.OnPacket(dir, in); found {
			result.FlowKey = key
		}
	}

	// Counters are always updated on the CPU that received the packet,
	// never on the shaping-redirect target: per-CPU state is only safe
	// to touch from the goroutine that owns it, and summation happens
	// in userspace at read (throughput.Table.Get).
	subscriber := subscriberAddr(dir, pkt)
	if d.Throughput != nil {
		d.Throughput.Update(receivingCPU, subscriber, directionToThroughput(dir), pkt.IPProtocol, pkt.Len, mapping.TCHandle, mapping.CircuitID, mapping.DeviceID, now)
	}
	if d.Heimdall != nil && d.Heimdall.Mode() != heimdall.Off {
		hkey := heimdall.FlowKey{Src: pkt.SrcIP, Dst: pkt.DstIP, SrcPort: pkt.SrcPort, DstPort: pkt.DstPort, Protocol: pkt.IPProtocol}
		d.Heimdall.OnPacket(subscriber, hkey, pkt.TCPFlags, pkt.Sequence, pkt.Window, pkt.TOS, now, pkt.Len, buf)
	}

	if shaped {
		result.Metadata = Metadata{Present: true, TCHandle: mapping.TCHandle}
		result.RedirectCPU = int(mapping.CPU)
	} else {
		result.RedirectCPU = receivingCPU
	}

	if d.Bifrost != nil {
		hasVLANTag := pkt.CurrentVLAN != 0
		if target, ok := d.Bifrost.Redirect(ifIndex, hasVLANTag); ok {
			result.Bifrosted = true
			result.BifrostTo = target
		}
	}

	return result
}

// Egress runs the C8 egress pipeline, spec.md §4.7: stamp the per-CPU
// txq mapping, then either trust the ingress metadata record or fall
// back to re-dissecting and re-resolving on the egress direction.
func (d *Datapath) Egress(cpu int, buf []byte, now int64, meta Metadata, egressDir resolver.Direction) EgressResult {
	var res EgressResult
	if cpu >= 0 && cpu < len(d.txq) {
		res.QueueMapping = d.txq[cpu].QueueMapping
	}

	if meta.Present && meta.TCHandle != 0 {
		res.Priority = meta.TCHandle
		res.Shaped = true
		return res
	}

	pkt, ok := dissect.Dissect(buf, now, dissect.Options{})
	if !ok {
		return res
	}
	mapping, shaped := d.Resolver.Resolve(egressDir, pkt.SrcIP, pkt.DstIP)
	if !shaped {
		return res
	}
	res.Priority = mapping.TCHandle
	res.Shaped = true
	return res
}

// effectiveDirection resolves the per-packet direction, spec.md §4.7:
// fixed for ToInternet/ToLocal configs, VLAN-compared for stick mode.
func (d *Datapath) effectiveDirection(pkt dissect.Packet) (resolver.Direction, bool) {
	switch d.cfg.Direction {
	case DirectionToInternet:
		return resolver.ToInternet, true
	case DirectionToLocal:
		return resolver.ToLocal, true
	case DirectionStickMode:
		if pkt.CurrentVLAN == d.cfg.InternetVLAN {
			return resolver.ToInternet, true
		}
		return resolver.ToLocal, true
	default:
		return resolver.ToLocal, false
	}
}

func subscriberAddr(dir resolver.Direction, pkt dissect.Packet) canon.Addr {
	if dir == resolver.ToInternet {
		return pkt.SrcIP
	}
	return pkt.DstIP
}

func directionToThroughput(dir resolver.Direction) throughput.Direction {
	if dir == resolver.ToInternet {
		return throughput.DirUpload
	}
	return throughput.DirDownload
}
