// Package flowbee implements the bidirectional flow tracker (spec.md
// §4.5, C6) — the component of greatest design depth in the
// specification: direction-normalized flow keys, per-direction rate
// estimation, RFC 7323 §5.2 sequence-regression retransmit detection,
// and passive RTT sampling via TSval/TSecr ring matching in the style
// of Kathleen Nichols' pping.
package flowbee

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/internal/ringbuf"
	"github.com/lqos-project/xdp-shaper/resolver"
	"github.com/lqos-project/xdp-shaper/wire"
)

// Direction index convention (spec.md §9 Open Question, resolved):
// index 0 is ToLocal (download, toward the subscriber), index 1 is
// ToInternet (upload). Kept consistent between Entry and FlowEvent.
const (
	DirToLocal    = 0
	DirToInternet = 1
)

const (
	tsRingTTLNanos     = 10 * 1_000_000_000  // 10s, spec.md §4.5
	rttCapNanos        = 2 * 1_000_000_000   // 2s, spec.md §4.5 / §8
	rttRateLimitNanos  = 100 * 1_000_000     // 100ms, spec.md §4.5
	rateWindowNanos    = 1_000_000_000       // 1s recompute window, spec.md §4.5
)

// FlowKey is the direction-normalized 5-tuple from spec.md §3.
type FlowKey struct {
	SrcAddr  canon.Addr
	DstAddr  canon.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// BuildFlowKey normalizes (src, dst, ports) so both halves of one
// bidirectional conversation produce the same key: ToLocal traffic
// (arriving from the internet toward the subscriber) is kept as
// observed; ToInternet traffic is swapped to the same ordering.
func BuildFlowKey(dir resolver.Direction, src, dst canon.Addr, srcPort, dstPort uint16, protocol uint8) FlowKey {
	if dir == resolver.ToInternet {
		src, dst = dst, src
		srcPort, dstPort = dstPort, srcPort
	}
	return FlowKey{SrcAddr: src, DstAddr: dst, SrcPort: srcPort, DstPort: dstPort, Protocol: protocol}
}

// EndStatus is the flow's observed closure state, spec.md §3.
type EndStatus uint8

const (
	Alive EndStatus = iota
	Fin
	Rst
)

// tsSample is one slot of the per-direction TSval ring used for
// pping-style passive RTT matching.
type tsSample struct {
	valid bool
	time  int64
	tsval uint32
}

// Entry is the two-sided per-flow record from spec.md §3.
type Entry struct {
	mu sync.Mutex

	StartTime int64
	LastSeen  int64

	Bytes   [2]uint64
	Packets [2]uint64

	NextCountTime  [2]int64
	LastCountTime  [2]int64
	NextCountBytes [2]uint64
	RateBps        [2]float64

	Retransmits  [2]uint16
	LastSequence [2]uint32
	seqSeen      [2]bool

	TSval  [2]uint32
	TSecr  [2]uint32
	tsSeen [2]bool
	tsRing [2][2]tsSample

	LastRTTSampleTime [2]int64

	EndStatus EndStatus
	TOS       uint8
	IPFlags   uint8

	TCHandle     uint32
	CPU          uint32
	CircuitID    uint64
	DeviceID     uint64
	MappingEpoch uint32
	seenMapping  bool // whether MappingEpoch has been set at least once
}

// FlowEvent is emitted onto the shared ring buffer, spec.md §3.
type FlowEvent struct {
	Key               FlowKey
	RoundTripTimeNs   int64
	EffectiveDirection int // DirToLocal or DirToInternet
}

// PacketInput is everything flowbee needs from a dissected packet; kept
// independent of package dissect so flowbee can be tested and reused
// without the dissector (datapath is the only place that bridges them).
type PacketInput struct {
	Src, Dst         canon.Addr
	SrcPort, DstPort uint16
	Protocol         uint8
	Flags            wire.TCPFlags
	Sequence         uint32
	TSval, TSecr     uint32
	HasTS            bool
	PayloadLen       int
	Length           int
	TOS              uint8
	Now              int64
}

// Tracker is the C6 component: a shared flow hash plus the event ring.
type Tracker struct {
	mu       sync.RWMutex
	flows    map[FlowKey]*Entry
	events   *ringbuf.Ring[FlowEvent]
	resolver *resolver.Resolver
	log      *logrus.Entry
}

func New(res *resolver.Resolver, eventRingSize int, log *logrus.Entry) *Tracker {
	return &Tracker{
		flows:    make(map[FlowKey]*Entry),
		events:   ringbuf.New[FlowEvent](eventRingSize),
		resolver: res,
		log:      log,
	}
}

func directionIndex(dir resolver.Direction) int {
	if dir == resolver.ToInternet {
		return DirToInternet
	}
	return DirToLocal
}

// OnPacket runs the C6 algorithm: lookup-or-create per spec.md §4.5's
// creation rules, then updates rate/retransmit/RTT/metadata state.
// found is false for untracked protocols or a miss that doesn't meet
// any creation trigger (e.g. a non-SYN TCP packet to an unshaped
// address).
func (t *Tracker) OnPacket(dir resolver.Direction, in PacketInput) (key FlowKey, entry *Entry, found bool) {
	switch in.Protocol {
	case wire.ProtoTCP, wire.ProtoUDP, wire.ProtoICMP, wire.ProtoICMPv6:
	default:
		return FlowKey{}, nil, false // untracked protocol bypasses flow tracking entirely
	}

	key = BuildFlowKey(dir, in.Src, in.Dst, in.SrcPort, in.DstPort, in.Protocol)

	t.mu.RLock()
	entry, ok := t.flows[key]
	t.mu.RUnlock()

	if !ok {
		if !t.shouldCreate(dir, in) {
			return key, nil, false
		}
		entry = t.getOrCreate(key, in.Now)
	}

	entry.apply(key, directionIndex(dir), dir, in, t.resolver, t.events)
	return key, entry, true
}

// shouldCreate implements spec.md §4.5's "when entries are created"
// rules for a flow-key miss.
func (t *Tracker) shouldCreate(dir resolver.Direction, in PacketInput) bool {
	if in.Protocol != wire.ProtoTCP {
		return true // UDP/ICMP: any miss creates
	}
	if in.Flags.Has(wire.TCPFlagSYN) && !in.Flags.Has(wire.TCPFlagACK) {
		return true // SYN without ACK
	}
	// Later packet whose address maps to a real shaping mapping: seed
	// the entry to cover program reload mid-flow.
	_, shaped := t.resolver.Resolve(dir, in.Src, in.Dst)
	return shaped
}

func (t *Tracker) getOrCreate(key FlowKey, now int64) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.flows[key]; ok {
		return e // another CPU won the insert race; insert-if-absent semantics
	}
	e := &Entry{StartTime: now, LastSeen: now}
	for d := 0; d < 2; d++ {
		e.NextCountTime[d] = now
		e.LastCountTime[d] = now
	}
	t.flows[key] = e
	return e
}

// Get returns the current entry for key, if any (read-only access for
// iteration/tests).
func (t *Tracker) Get(key FlowKey) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.flows[key]
	return e, ok
}

// Each visits every tracked flow. The callback must not mutate the map.
func (t *Tracker) Each(fn func(FlowKey, *Entry)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, e := range t.flows {
		fn(k, e)
	}
}

// PopEvent drains one flow event from the shared ring buffer, if any.
func (t *Tracker) PopEvent() (FlowEvent, bool) { return t.events.Pop() }

// EventsDropped reports how many flow events were dropped because the
// ring buffer was full (spec.md §5 backpressure rule).
func (t *Tracker) EventsDropped() uint64 { return t.events.Dropped() }

// seqLess is the RFC 7323 §5.2 modulo-2^32 serial-number comparison:
// true when a precedes b in sequence-space order.
func seqLess(a, b uint32) bool { return int32(a-b) < 0 }

// apply updates rate, retransmit, RTT, and metadata state for one
// packet observed in direction d (0=ToLocal, 1=ToInternet). key is the
// flow's key, threaded through to stamp any RTT event this packet
// triggers.
func (e *Entry) apply(key FlowKey, d int, dir resolver.Direction, in PacketInput, res *resolver.Resolver, events *ringbuf.Ring[FlowEvent]) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.LastSeen = in.Now
	e.TOS = in.TOS

	e.Bytes[d] += uint64(in.Length)
	e.Packets[d]++
	if in.Now > e.NextCountTime[d] {
		elapsed := in.Now - e.LastCountTime[d]
		if elapsed > 0 {
			deltaBytes := e.Bytes[d] - e.NextCountBytes[d]
			e.RateBps[d] = float64(deltaBytes) * 8 * 1e9 / float64(elapsed)
		}
		e.NextCountTime[d] = in.Now + rateWindowNanos
		e.LastCountTime[d] = in.Now
		e.NextCountBytes[d] = e.Bytes[d]
	}

	if in.Protocol == wire.ProtoTCP {
		e.applyTCP(key, d, in, events)
	}

	e.refreshMapping(dir, in, res)
}

func (e *Entry) applyTCP(key FlowKey, d int, in PacketInput, events *ringbuf.Ring[FlowEvent]) {
	if !e.seqSeen[d] {
		e.LastSequence[d] = in.Sequence
		e.seqSeen[d] = true
	} else if seqLess(e.LastSequence[d], in.Sequence) {
		e.LastSequence[d] = in.Sequence
	} else {
		e.Retransmits[d]++
	}

	switch {
	case in.Flags.Has(wire.TCPFlagRST):
		e.EndStatus = Rst
	case in.Flags.Has(wire.TCPFlagFIN):
		if e.EndStatus != Rst {
			e.EndStatus = Fin
		}
	default:
		if e.EndStatus != Rst && e.EndStatus != Fin {
			e.EndStatus = Alive
		}
	}

	if in.HasTS && in.TSval != 0 {
		e.applyTimestamps(key, d, in, events)
	}
}

// applyTimestamps runs the pping-style TSval/TSecr ring matching
// described in spec.md §4.5.
func (e *Entry) applyTimestamps(key FlowKey, d int, in PacketInput, events *ringbuf.Ring[FlowEvent]) {
	other := 1 - d

	tsvalAdvances := !e.tsSeen[d] || seqLess(e.TSval[d], in.TSval)
	hasPayload := in.Flags.Has(wire.TCPFlagSYN) || in.PayloadLen > 0
	if tsvalAdvances && hasPayload {
		e.insertTSRing(d, in.Now, in.TSval)
	}
	if tsvalAdvances {
		e.TSval[d] = in.TSval
		e.tsSeen[d] = true
	}

	tsecrAdvances := in.TSecr != 0 && (e.TSecr[d] == 0 || seqLess(e.TSecr[d], in.TSecr))
	if tsecrAdvances {
		e.scanRingForMatch(key, d, other, in, events)
		e.TSecr[d] = in.TSecr
	}
}

func (e *Entry) insertTSRing(d int, now int64, tsval uint32) {
	for i := range e.tsRing[d] {
		s := &e.tsRing[d][i]
		if !s.valid || now-s.time > tsRingTTLNanos {
			*s = tsSample{valid: true, time: now, tsval: tsval}
			return
		}
	}
	// Both slots fresh and occupied: spec.md doesn't define an LRU
	// policy here, so the sample is simply dropped (sampling-quality
	// degrades, never correctness, per spec.md §5 backpressure rule).
}

func (e *Entry) scanRingForMatch(key FlowKey, d, reverseDir int, in PacketInput, events *ringbuf.Ring[FlowEvent]) {
	for i := range e.tsRing[reverseDir] {
		s := &e.tsRing[reverseDir][i]
		if !s.valid {
			continue
		}
		if s.tsval == in.TSecr {
			rtt := in.Now - s.time
			if rtt < rttCapNanos && in.Now-e.LastRTTSampleTime[reverseDir] >= rttRateLimitNanos {
				events.Push(FlowEvent{
					Key:                key,
					RoundTripTimeNs:    rtt,
					EffectiveDirection: reverseDir,
				})
				e.LastRTTSampleTime[reverseDir] = in.Now
			}
			s.valid = false
			continue
		}
		// Logical garbage collection: a ring slot whose TSval already
		// precedes the current TSecr can never match a later TSecr.
		if seqLess(s.tsval, in.TSecr) {
			s.valid = false
		}
	}
}

// refreshMapping re-resolves via C3 whenever the cached mapping_epoch
// has gone stale (spec.md §4.5 metadata refresh), letting the control
// plane move a subscriber between shaping classes without waiting for
// the flow to expire.
func (e *Entry) refreshMapping(dir resolver.Direction, in PacketInput, res *resolver.Resolver) {
	epoch := res.Epoch()
	if e.MappingEpoch == epoch && e.seenMapping {
		return
	}
	if m, ok := res.Resolve(dir, in.Src, in.Dst); ok {
		e.TCHandle = m.TCHandle
		e.CPU = m.CPU
		e.CircuitID = m.CircuitID
		e.DeviceID = m.DeviceID
	} else {
		e.TCHandle, e.CPU, e.CircuitID, e.DeviceID = 0, 0, 0, 0
	}
	e.MappingEpoch = epoch
	e.seenMapping = true
}
