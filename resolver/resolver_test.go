package resolver_test

import (
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/resolver"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("component", "resolver_test")
}

func addr(s string) canon.Addr {
	return canon.FromNetIP(netip.MustParseAddr(s))
}

func TestResolve_TrieMissIsUnshaped(t *testing.T) {
	r := resolver.New(resolver.DefaultConfig(), testLog())
	_, ok := r.Resolve(resolver.ToLocal, addr("1.2.3.4"), addr("10.0.0.1"))
	assert.False(t, ok)
}

func TestResolve_LongestPrefixWins(t *testing.T) {
	r := resolver.New(resolver.DefaultConfig(), testLog())
	broad := resolver.ShapingMapping{CPU: 1, TCHandle: 0x0001_0001, CircuitID: 10, DeviceID: 100}
	narrow := resolver.ShapingMapping{CPU: 2, TCHandle: 0x0002_0002, CircuitID: 20, DeviceID: 200}

	r.Insert(canon.PrefixKey{Length: 120, Address: addr("10.0.0.0")}, broad)
	r.Insert(canon.PrefixKey{Length: 128, Address: addr("10.0.0.5")}, narrow)

	m, ok := r.Resolve(resolver.ToLocal, addr("198.51.100.1"), addr("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, narrow, m)

	m, ok = r.Resolve(resolver.ToLocal, addr("198.51.100.1"), addr("10.0.0.9"))
	require.True(t, ok)
	assert.Equal(t, broad, m)
}

func TestResolve_SubscriberSideByDirection(t *testing.T) {
	r := resolver.New(resolver.DefaultConfig(), testLog())
	mapping := resolver.ShapingMapping{CPU: 3, TCHandle: 0x0003_0003, CircuitID: 1, DeviceID: 1}
	r.Insert(canon.HostKey(addr("10.0.0.7")), mapping)

	// ToLocal: subscriber is the destination.
	m, ok := r.Resolve(resolver.ToLocal, addr("1.1.1.1"), addr("10.0.0.7"))
	require.True(t, ok)
	assert.Equal(t, mapping, m)

	// ToInternet: subscriber is the source.
	m, ok = r.Resolve(resolver.ToInternet, addr("10.0.0.7"), addr("1.1.1.1"))
	require.True(t, ok)
	assert.Equal(t, mapping.CPU, m.CPU)
}

func TestResolve_NegativeHitCachedOnMiss(t *testing.T) {
	r := resolver.New(resolver.DefaultConfig(), testLog())
	_, ok := r.Resolve(resolver.ToLocal, addr("1.2.3.4"), addr("192.0.2.9"))
	require.False(t, ok)

	// Second query for the same address must hit the negative cache
	// entry rather than re-walking the (still empty) trie; behavior is
	// externally identical either way, but inserting a mapping now
	// should NOT retroactively change the cached negative result until
	// the hot cache is cleared — this is the epoch-invalidation contract.
	r.Insert(canon.HostKey(addr("192.0.2.9")), resolver.ShapingMapping{CPU: 9, TCHandle: 1, CircuitID: 1, DeviceID: 1})
	_, ok = r.Resolve(resolver.ToLocal, addr("1.2.3.4"), addr("192.0.2.9"))
	assert.False(t, ok, "stale negative hot-cache entry should still shadow the new mapping")

	r.ClearHotCache()
	m, ok := r.Resolve(resolver.ToLocal, addr("1.2.3.4"), addr("192.0.2.9"))
	require.True(t, ok)
	assert.EqualValues(t, 9, m.CPU)
}

func TestEpoch_BumpIncrementsMonotonically(t *testing.T) {
	r := resolver.New(resolver.DefaultConfig(), testLog())
	assert.EqualValues(t, 0, r.Epoch())
	assert.EqualValues(t, 1, r.BumpEpoch())
	assert.EqualValues(t, 2, r.BumpEpoch())
	assert.EqualValues(t, 2, r.Epoch())
}

func TestResolve_StickModeOffsetsUploadOnly(t *testing.T) {
	cfg := resolver.DefaultConfig()
	cfg.StickMode = true
	cfg.StickOffset = 4
	r := resolver.New(cfg, testLog())

	mapping := resolver.ShapingMapping{CPU: 1, TCHandle: 0x0002_0003, CircuitID: 1, DeviceID: 1}
	r.Insert(canon.HostKey(addr("10.0.0.7")), mapping)

	// ToLocal (download): no stick offset applied.
	m, ok := r.Resolve(resolver.ToLocal, addr("1.1.1.1"), addr("10.0.0.7"))
	require.True(t, ok)
	assert.EqualValues(t, 1, m.CPU)
	assert.EqualValues(t, 0x0002_0003, m.TCHandle)

	// ToInternet (upload): cpu and tc_handle major offset by StickOffset.
	m, ok = r.Resolve(resolver.ToInternet, addr("10.0.0.7"), addr("1.1.1.1"))
	require.True(t, ok)
	assert.EqualValues(t, 5, m.CPU)
	assert.EqualValues(t, 0x0006_0003, m.TCHandle)
}

func TestResolve_DisabledHotCacheStillResolves(t *testing.T) {
	cfg := resolver.DefaultConfig()
	cfg.DisableHotCache = true
	r := resolver.New(cfg, testLog())

	mapping := resolver.ShapingMapping{CPU: 1, TCHandle: 1, CircuitID: 1, DeviceID: 1}
	r.Insert(canon.HostKey(addr("10.0.0.1")), mapping)

	m, ok := r.Resolve(resolver.ToLocal, addr("1.1.1.1"), addr("10.0.0.1"))
	require.True(t, ok)
	assert.Equal(t, mapping, m)
}

func TestDelete_RemovesMapping(t *testing.T) {
	r := resolver.New(resolver.DefaultConfig(), testLog())
	key := canon.HostKey(addr("10.0.0.1"))
	r.Insert(key, resolver.ShapingMapping{CPU: 1, TCHandle: 1, CircuitID: 1, DeviceID: 1})
	r.Delete(key)

	_, ok := r.Resolve(resolver.ToLocal, addr("1.1.1.1"), addr("10.0.0.1"))
	assert.False(t, ok)
}
