// Package throughput implements the per-host counter table (spec.md
// §4.4, C5): one shard per simulated CPU, each a plain map keyed on the
// canonical subscriber address, summed by userspace on read — the
// per-CPU discipline from spec.md §5. Each shard is still guarded by its
// own mutex so readers on other goroutines can iterate it safely.
package throughput

import (
	"sync"

	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/wire"
)

// Direction indexes the two directions a counter tracks traffic in.
type Direction uint8

const (
	DirDownload Direction = iota // ToLocal
	DirUpload                    // ToInternet
)

// Counter is the per-host record from spec.md §3: byte/packet counts
// split by direction and protocol, plus the last resolver outputs.
type Counter struct {
	Bytes   [2]uint64
	Packets [2]uint64

	TCPBytes, UDPBytes, ICMPBytes, OtherBytes     [2]uint64
	TCPPackets, UDPPackets, ICMPPackets, OtherPkts [2]uint64

	TCHandle  uint32
	CircuitID uint64
	DeviceID  uint64
	LastSeen  int64
}

// shard is one simulated CPU's private table; no locking needed since
// only that CPU's goroutine ever touches it, matching spec.md §5's
// per-CPU-resource discipline. A mutex still guards it because the
// iteration protocol (C9) reads every shard from a separate goroutine
// at arbitrary times ("userspace sums on read").
type shard struct {
	mu    sync.RWMutex
	hosts map[canon.Addr]*Counter
}

// Table is the full C5 component: NCPU independent shards.
type Table struct {
	shards []shard
}

func New(numCPU int) *Table {
	if numCPU < 1 {
		numCPU = 1
	}
	t := &Table{shards: make([]shard, numCPU)}
	for i := range t.shards {
		t.shards[i].hosts = make(map[canon.Addr]*Counter)
	}
	return t
}

func (t *Table) NumCPU() int { return len(t.shards) }

// Update records one packet against subscriber's counter on the given
// CPU shard. First sighting creates the counter. tcHandle/circuitID/
// deviceID are the resolver's last outputs, rewritten on every update
// per spec.md §4.4 so userspace never needs a second lookup.
func (t *Table) Update(cpu int, subscriber canon.Addr, dir Direction, proto uint8, length int, tcHandle uint32, circuitID, deviceID uint64, now int64) {
	s := &t.shards[cpu%len(t.shards)]
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.hosts[subscriber]
	if !ok {
		c = &Counter{}
		s.hosts[subscriber] = c
	}

	c.Bytes[dir] += uint64(length)
	c.Packets[dir]++

	switch proto {
	case wire.ProtoTCP:
		c.TCPBytes[dir] += uint64(length)
		c.TCPPackets[dir]++
	case wire.ProtoUDP:
		c.UDPBytes[dir] += uint64(length)
		c.UDPPackets[dir]++
	case wire.ProtoICMP, wire.ProtoICMPv6:
		c.ICMPBytes[dir] += uint64(length)
		c.ICMPPackets[dir]++
	default:
		c.OtherBytes[dir] += uint64(length)
		c.OtherPkts[dir]++
	}

	c.TCHandle = tcHandle
	c.CircuitID = circuitID
	c.DeviceID = deviceID
	c.LastSeen = now
}

// Get returns a copy of the counter for subscriber summed across every
// CPU shard ("userspace sums on read", spec.md §4.4).
func (t *Table) Get(subscriber canon.Addr) (Counter, bool) {
	var sum Counter
	found := false
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		c, ok := s.hosts[subscriber]
		if ok {
			found = true
			sum.Bytes[0] += c.Bytes[0]
			sum.Bytes[1] += c.Bytes[1]
			sum.Packets[0] += c.Packets[0]
			sum.Packets[1] += c.Packets[1]
			sum.TCPBytes[0] += c.TCPBytes[0]
			sum.TCPBytes[1] += c.TCPBytes[1]
			sum.UDPBytes[0] += c.UDPBytes[0]
			sum.UDPBytes[1] += c.UDPBytes[1]
			sum.ICMPBytes[0] += c.ICMPBytes[0]
			sum.ICMPBytes[1] += c.ICMPBytes[1]
			sum.OtherBytes[0] += c.OtherBytes[0]
			sum.OtherBytes[1] += c.OtherBytes[1]
			sum.TCPPackets[0] += c.TCPPackets[0]
			sum.TCPPackets[1] += c.TCPPackets[1]
			sum.UDPPackets[0] += c.UDPPackets[0]
			sum.UDPPackets[1] += c.UDPPackets[1]
			sum.ICMPPackets[0] += c.ICMPPackets[0]
			sum.ICMPPackets[1] += c.ICMPPackets[1]
			sum.OtherPkts[0] += c.OtherPkts[0]
			sum.OtherPkts[1] += c.OtherPkts[1]
			if c.LastSeen > sum.LastSeen {
				sum.LastSeen = c.LastSeen
			}
			sum.TCHandle = c.TCHandle
			sum.CircuitID = c.CircuitID
			sum.DeviceID = c.DeviceID
		}
		s.mu.RUnlock()
	}
	return sum, found
}

// Each calls fn once per (address, per-CPU counter) pair, in the order
// C9's iteration protocol needs: all NCPU counters for one address
// together (spec.md §4.8's "(canonical_address, counter × NCPU)").
func (t *Table) Each(fn func(addr canon.Addr, perCPU []Counter)) {
	seen := make(map[canon.Addr]bool)
	for i := range t.shards {
		t.shards[i].mu.RLock()
		for addr := range t.shards[i].hosts {
			seen[addr] = true
		}
		t.shards[i].mu.RUnlock()
	}
	for addr := range seen {
		perCPU := make([]Counter, len(t.shards))
		for i := range t.shards {
			t.shards[i].mu.RLock()
			if c, ok := t.shards[i].hosts[addr]; ok {
				perCPU[i] = *c
			}
			t.shards[i].mu.RUnlock()
		}
		fn(addr, perCPU)
	}
}
