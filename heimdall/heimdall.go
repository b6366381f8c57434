// Package heimdall implements the event emitter / selective packet
// mirror (spec.md §4.6, C7): a pinned set of watched subscriber
// addresses, and a three-mode switch governing whether watched traffic
// is merely counted or fully mirrored to userspace.
package heimdall

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/internal/ringbuf"
	"github.com/lqos-project/xdp-shaper/wire"
)

// Mode is the three-way switch from spec.md §4.6.
type Mode uint8

const (
	Off Mode = iota
	CountOnly
	FullCapture
)

const capturedBytes = 128 // "first 128 bytes of the packet", spec.md §4.6

// FlowKey keys the count-only LRU by watched 5-tuple.
type FlowKey struct {
	Src, Dst         canon.Addr
	SrcPort, DstPort uint16
	Protocol         uint8
}

// CountEntry is the value of the count-only LRU. There is one LRU per
// Heimdall, shared by every CPU; it is not split per CPU.
type CountEntry struct {
	Bytes    uint64
	Packets  uint64
	TOS      uint8
	LastSeen int64
}

// CaptureEvent is emitted in FullCapture mode: the 5-tuple, TCP state,
// and the first capturedBytes bytes of the packet.
type CaptureEvent struct {
	Key        FlowKey
	Flags      wire.TCPFlags
	Sequence   uint32
	Window     uint16
	Now        int64
	Captured   [capturedBytes]byte
	CapturedLen int
}

// Heimdall is the C7 component.
type Heimdall struct {
	mu      sync.RWMutex
	mode    Mode
	watched map[canon.Addr]bool

	counts  *lru.Cache[FlowKey, *CountEntry]
	events  *ringbuf.Ring[CaptureEvent]
}

func New(countCacheSize, eventRingSize int) *Heimdall {
	if countCacheSize <= 0 {
		countCacheSize = 4096
	}
	counts, err := lru.New[FlowKey, *CountEntry](countCacheSize)
	if err != nil {
		panic(err)
	}
	return &Heimdall{
		mode:    Off,
		watched: make(map[canon.Addr]bool),
		counts:  counts,
		events:  ringbuf.New[CaptureEvent](eventRingSize),
	}
}

func (h *Heimdall) SetMode(m Mode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mode = m
}

func (h *Heimdall) Mode() Mode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

// Watch pins subscriber into the watched set. Unwatch removes it.
func (h *Heimdall) Watch(subscriber canon.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watched[subscriber] = true
}

func (h *Heimdall) Unwatch(subscriber canon.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watched, subscriber)
}

func (h *Heimdall) IsWatched(subscriber canon.Addr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.watched[subscriber]
}

// OnPacket applies the C7 selector: unwatched traffic is untouched,
// Off mode does nothing, CountOnly updates the per-flow LRU counter,
// FullCapture additionally emits a ring-buffer event. raw is the full
// packet buffer, from which up to capturedBytes are copied.
func (h *Heimdall) OnPacket(subscriber canon.Addr, key FlowKey, flags wire.TCPFlags, seq uint32, window uint16, tos uint8, now int64, length int, raw []byte) {
	h.mu.RLock()
	mode := h.mode
	watched := h.watched[subscriber]
	h.mu.RUnlock()

	if !watched || mode == Off {
		return
	}

	if mode == CountOnly || mode == FullCapture {
		h.updateCount(key, length, tos, now)
	}
	if mode == FullCapture {
		h.emitCapture(key, flags, seq, window, now, raw)
	}
}

func (h *Heimdall) updateCount(key FlowKey, length int, tos uint8, now int64) {
	if entry, ok := h.counts.Get(key); ok {
		entry.Bytes += uint64(length)
		entry.Packets++
		entry.TOS = tos
		entry.LastSeen = now
		return
	}
	h.counts.Add(key, &CountEntry{Bytes: uint64(length), Packets: 1, TOS: tos, LastSeen: now})
}

func (h *Heimdall) emitCapture(key FlowKey, flags wire.TCPFlags, seq uint32, window uint16, now int64, raw []byte) {
	var ev CaptureEvent
	ev.Key = key
	ev.Flags = flags
	ev.Sequence = seq
	ev.Window = window
	ev.Now = now
	n := copy(ev.Captured[:], raw)
	ev.CapturedLen = n
	h.events.Push(ev) // drop-on-full, per spec.md §5 backpressure rule
}

// PopEvent drains one capture event, if any.
func (h *Heimdall) PopEvent() (CaptureEvent, bool) { return h.events.Pop() }

// EventsDropped reports how many capture events were dropped because
// the ring buffer was full (spec.md §5: "full-capture mode likewise
// drops rather than blocks").
func (h *Heimdall) EventsDropped() uint64 { return h.events.Dropped() }

// GetCount returns the count-only entry for key, if present.
func (h *Heimdall) GetCount(key FlowKey) (CountEntry, bool) {
	if e, ok := h.counts.Get(key); ok {
		return *e, true
	}
	return CountEntry{}, false
}
