// Package bifrost implements the VLAN/interface redirect component
// (spec.md §4.3, C4): an ingress-interface-keyed redirect table and a
// second table keyed on (ifindex, inner VLAN) used by the dissector's
// optional VLAN-tag rewrite.
package bifrost

import "sync"

// InterfaceRule is the value of the interface-keyed redirect table.
type InterfaceRule struct {
	RedirectTo int  // target ifindex
	ScanVLANs  bool // scan-VLANs vs plain mode, spec.md §4.3 loop-safety note
}

// Bifrost holds the two redirect maps described in spec.md §3.
type Bifrost struct {
	mu        sync.RWMutex
	ifaceMap  map[int]InterfaceRule
	vlanMap   map[vlanKey]uint16 // (ifindex, inner vlan) -> redirect-to vlan
}

type vlanKey struct {
	ifIndex int
	vlanID  uint16
}

func New() *Bifrost {
	return &Bifrost{
		ifaceMap: make(map[int]InterfaceRule),
		vlanMap:  make(map[vlanKey]uint16),
	}
}

// SetInterfaceRule installs or replaces the redirect rule for ifIndex.
func (b *Bifrost) SetInterfaceRule(ifIndex int, rule InterfaceRule) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ifaceMap[ifIndex] = rule
}

// DeleteInterfaceRule removes any redirect rule for ifIndex.
func (b *Bifrost) DeleteInterfaceRule(ifIndex int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ifaceMap, ifIndex)
}

// SetVLANRewrite installs a (ifIndex, vlanID) -> redirectToVLAN rule,
// consulted by the dissector's in-place VLAN tag rewrite.
func (b *Bifrost) SetVLANRewrite(ifIndex int, vlanID, redirectToVLAN uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vlanMap[vlanKey{ifIndex, vlanID}] = redirectToVLAN
}

// DeleteVLANRewrite removes a (ifIndex, vlanID) rewrite rule.
func (b *Bifrost) DeleteVLANRewrite(ifIndex int, vlanID uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.vlanMap, vlanKey{ifIndex, vlanID})
}

// VLANLookup returns a lookup closure bound to ifIndex, the shape
// dissect.Options.VLANLookup expects.
func (b *Bifrost) VLANLookup(ifIndex int) func(vlanID uint16) (uint16, bool) {
	return func(vlanID uint16) (uint16, bool) {
		b.mu.RLock()
		defer b.mu.RUnlock()
		to, ok := b.vlanMap[vlanKey{ifIndex, vlanID}]
		return to, ok
	}
}

// Redirect evaluates the interface-redirect rule for a frame arriving on
// ifIndex, applying the loop-safety rules from spec.md §4.3: in
// scan-VLANs mode only tagged frames are redirected; in plain mode a
// redirect whose target equals its source is suppressed. ok is false
// when no redirect should happen (bridge/pass-through as normal).
func (b *Bifrost) Redirect(ifIndex int, hasVLANTag bool) (target int, ok bool) {
	b.mu.RLock()
	rule, found := b.ifaceMap[ifIndex]
	b.mu.RUnlock()
	if !found {
		return 0, false
	}
	if rule.ScanVLANs {
		if !hasVLANTag {
			return 0, false
		}
		return rule.RedirectTo, true
	}
	if rule.RedirectTo == ifIndex {
		return 0, false
	}
	return rule.RedirectTo, true
}
