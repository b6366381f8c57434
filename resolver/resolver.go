// Package resolver implements the IP resolver and hot cache (spec.md
// §4.2, C3): a longest-prefix-match trie over canonical addresses
// fronted by a bounded LRU hot cache with negative-hit caching and
// monotonic-epoch-driven invalidation.
//
// The trie itself is hand-rolled (see DESIGN.md — no radix/LPM trie
// library appears anywhere in the retrieved corpus); the hot cache is
// built on hashicorp/golang-lru/v2, the bounded-cache library the
// corpus's goProbe manifests pull in.
package resolver

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/lqos-project/xdp-shaper/canon"
)

// NegativeCPU is the sentinel stored in ShapingMapping.CPU to mark a
// negative hit: an address explicitly known to be unshaped. It only
// ever appears inside the hot cache, never in the trie (spec.md §3).
const NegativeCPU = uint32(0xFFFF_FFFE)

// ShapingMapping is the trie's value type (spec.md §3).
type ShapingMapping struct {
	CPU       uint32
	TCHandle  uint32
	CircuitID uint64
	DeviceID  uint64
}

func (m ShapingMapping) isNegative() bool { return m.CPU == NegativeCPU }

// Direction mirrors the effective-direction enum from spec.md §3.
type Direction uint8

const (
	ToInternet Direction = iota
	ToLocal
)

// Config are the C3-relevant load-time constants from spec.md §6.
type Config struct {
	HotCacheSize int  // default 32Ki, spec.md §6
	StickMode    bool // on-a-stick offset derivation, spec.md §4.2 step 5
	StickOffset  uint32
	// DisableHotCache skips steps 2 and 4 of the C3 algorithm entirely
	// (spec.md "A disabled hot cache (compile-time toggle)...").
	DisableHotCache bool
}

func DefaultConfig() Config {
	return Config{HotCacheSize: 32 * 1024}
}

// Resolver is the C3 component: LPM trie + hot cache + epoch.
type Resolver struct {
	cfg Config
	log *logrus.Entry

	mu   sync.RWMutex // guards trie mutation; lookups take the read lock
	trie *trieNode

	cache *lru.Cache[canon.Addr, ShapingMapping]

	epoch uint32 // atomic, bumped by userspace after a batch of trie writes
}

func New(cfg Config, log *logrus.Entry) *Resolver {
	r := &Resolver{cfg: cfg, log: log, trie: newTrieNode()}
	if !cfg.DisableHotCache {
		size := cfg.HotCacheSize
		if size <= 0 {
			size = 32 * 1024
		}
		c, err := lru.New[canon.Addr, ShapingMapping](size)
		if err != nil {
			// Only returns an error for size <= 0, which is guarded above.
			panic(err)
		}
		r.cache = c
	}
	return r
}

// Epoch returns the current mapping epoch.
func (r *Resolver) Epoch() uint32 { return atomic.LoadUint32(&r.epoch) }

// BumpEpoch is called by userspace after a batch of trie mutations and
// hot-cache clears (spec.md §4.2 cache policy).
func (r *Resolver) BumpEpoch() uint32 { return atomic.AddUint32(&r.epoch, 1) }

// Insert adds or replaces a shaping-mapping prefix entry. Userspace-only
// operation per spec.md's lifecycle note; the datapath never calls this.
func (r *Resolver) Insert(key canon.PrefixKey, mapping ShapingMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trie.insert(key, mapping)
}

// Delete removes a prefix entry, if present.
func (r *Resolver) Delete(key canon.PrefixKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trie.delete(key)
}

// ClearHotCache wipes the hot cache wholesale (must be called by
// userspace before BumpEpoch, per spec.md §4.2 cache policy).
func (r *Resolver) ClearHotCache() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

// Resolve runs the C3 algorithm end to end: subscriber-address
// derivation, hot-cache check, trie fallback, hot-cache population, and
// on-a-stick offset derivation. ok is false for an unshaped address.
func (r *Resolver) Resolve(dir Direction, src, dst canon.Addr) (ShapingMapping, bool) {
	subscriber := dst
	if dir == ToInternet {
		subscriber = src
	}

	if r.cache != nil {
		if m, found := r.cache.Get(subscriber); found {
			if m.isNegative() {
				return ShapingMapping{}, false
			}
			return r.applyStick(dir, m), true
		}
	}

	m, found := r.lookupTrie(subscriber)
	if r.cache != nil {
		if found {
			r.cache.Add(subscriber, m)
		} else {
			r.cache.Add(subscriber, ShapingMapping{CPU: NegativeCPU})
		}
	}
	if !found {
		return ShapingMapping{}, false
	}
	return r.applyStick(dir, m), true
}

func (r *Resolver) lookupTrie(addr canon.Addr) (ShapingMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trie.longestMatch(addr)
}

// applyStick derives the upload shaping class from the download class
// in on-a-stick mode, per spec.md §4.2 step 5: only for ToInternet
// traffic, offsetting the CPU and the high 16 bits (major) of tc_handle.
func (r *Resolver) applyStick(dir Direction, m ShapingMapping) ShapingMapping {
	if !r.cfg.StickMode || dir != ToInternet {
		return m
	}
	out := m
	out.CPU = m.CPU + r.cfg.StickOffset
	major := (m.TCHandle >> 16) + r.cfg.StickOffset
	minor := m.TCHandle & 0xFFFF
	out.TCHandle = major<<16 | minor
	return out
}
