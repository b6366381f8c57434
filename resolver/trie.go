package resolver

import "github.com/lqos-project/xdp-shaper/canon"

// trieNode is a binary trie node over the 128-bit canonical address
// space. Each node optionally carries a mapping (meaning some prefix
// ending here was inserted) and up to two children, indexed by the
// next bit (0 or 1). There is no compression (no radix-style path
// merging) — this is the simplest correct LPM structure, justified in
// DESIGN.md since nothing in the corpus supplies a ready-made one.
type trieNode struct {
	children [2]*trieNode
	mapping  ShapingMapping
	has      bool
}

func newTrieNode() *trieNode { return &trieNode{} }

// insert walks (or creates) the path for key.Length bits of key.Address
// and stores mapping at the terminal node.
func (n *trieNode) insert(key canon.PrefixKey, mapping ShapingMapping) {
	cur := n
	for i := 0; i < int(key.Length); i++ {
		bit := key.Address.Bit(i)
		if cur.children[bit] == nil {
			cur.children[bit] = newTrieNode()
		}
		cur = cur.children[bit]
	}
	cur.mapping = mapping
	cur.has = true
}

// delete removes the mapping stored at key, if any, without pruning
// now-empty interior nodes (they may still be shared by a
// shorter-matching sibling prefix and pruning correctness is not on the
// hot path; userspace mutation is infrequent and not hot-path sensitive).
func (n *trieNode) delete(key canon.PrefixKey) {
	cur := n
	for i := 0; i < int(key.Length); i++ {
		bit := key.Address.Bit(i)
		if cur.children[bit] == nil {
			return
		}
		cur = cur.children[bit]
	}
	cur.has = false
	cur.mapping = ShapingMapping{}
}

// longestMatch walks addr bit by bit, remembering the deepest node with
// a stored mapping, and returns that mapping — the longest matching
// prefix, per spec.md §4.2 step 3 (lookup is always done at length 128).
func (n *trieNode) longestMatch(addr canon.Addr) (ShapingMapping, bool) {
	cur := n
	var best ShapingMapping
	found := false
	if cur.has {
		best, found = cur.mapping, true
	}
	for i := 0; i < 128; i++ {
		bit := addr.Bit(i)
		next := cur.children[bit]
		if next == nil {
			break
		}
		cur = next
		if cur.has {
			best, found = cur.mapping, true
		}
	}
	return best, found
}
