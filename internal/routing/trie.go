package routing

import "net/netip"

const nilIndex int32 = -1

// node is an arena-allocated binary trie node. Children and the route slot
// are indices, so the arena can grow without invalidating links.
type node struct {
	child [2]int32
	slot  int32
}

var emptyNode = node{child: [2]int32{nilIndex, nilIndex}, slot: nilIndex}

// trie is a binary longest-prefix-match trie for a single address family.
// Addresses are walked in their 16-byte form; IPv4 keys start at bit 96.
type trie struct {
	offset int
	bits   int

	nodes     []node
	freeNodes []int32
	slots     []Route
	freeSlots []int32
	size      int
}

func newTrie(bits int) *trie {
	return &trie{
		offset: 128 - bits,
		bits:   bits,
		nodes:  []node{emptyNode},
	}
}

func bitAt(a *[16]byte, i int) int {
	return int(a[i>>3]>>(7-uint(i&7))) & 1
}

func (t *trie) allocNode() int32 {
	if n := len(t.freeNodes); n > 0 {
		idx := t.freeNodes[n-1]
		t.freeNodes = t.freeNodes[:n-1]
		t.nodes[idx] = emptyNode
		return idx
	}
	t.nodes = append(t.nodes, emptyNode)
	return int32(len(t.nodes) - 1)
}

func (t *trie) allocSlot(r Route) int32 {
	if n := len(t.freeSlots); n > 0 {
		idx := t.freeSlots[n-1]
		t.freeSlots = t.freeSlots[:n-1]
		t.slots[idx] = r
		return idx
	}
	t.slots = append(t.slots, r)
	return int32(len(t.slots) - 1)
}

// insert installs r unless a preferred route already holds the prefix.
func (t *trie) insert(r Route) bool {
	a := r.Prefix.Addr().As16()
	idx := int32(0)
	for i := 0; i < r.Prefix.Bits(); i++ {
		b := bitAt(&a, t.offset+i)
		next := t.nodes[idx].child[b]
		if next == nilIndex {
			next = t.allocNode()
			t.nodes[idx].child[b] = next
		}
		idx = next
	}

	if slot := t.nodes[idx].slot; slot != nilIndex {
		if !preferred(r, t.slots[slot]) {
			return false
		}
		t.slots[slot] = r
		return true
	}
	t.nodes[idx].slot = t.allocSlot(r)
	t.size++
	return true
}

// remove deletes the route for prefix and prunes nodes left without routes
// or children.
func (t *trie) remove(prefix netip.Prefix) (Route, bool) {
	a := prefix.Addr().As16()
	path := make([]int32, 0, prefix.Bits()+1)
	idx := int32(0)
	path = append(path, idx)
	for i := 0; i < prefix.Bits(); i++ {
		idx = t.nodes[idx].child[bitAt(&a, t.offset+i)]
		if idx == nilIndex {
			return Route{}, false
		}
		path = append(path, idx)
	}

	slot := t.nodes[idx].slot
	if slot == nilIndex {
		return Route{}, false
	}
	removed := t.slots[slot]
	t.slots[slot] = Route{}
	t.freeSlots = append(t.freeSlots, slot)
	t.nodes[idx].slot = nilIndex
	t.size--

	for depth := len(path) - 1; depth > 0; depth-- {
		cur := path[depth]
		n := t.nodes[cur]
		if n.slot != nilIndex || n.child[0] != nilIndex || n.child[1] != nilIndex {
			break
		}
		parent := path[depth-1]
		t.nodes[parent].child[bitAt(&a, t.offset+depth-1)] = nilIndex
		t.freeNodes = append(t.freeNodes, cur)
	}
	return removed, true
}

// lookup returns the most specific route covering addr.
func (t *trie) lookup(addr netip.Addr) (Route, bool) {
	a := addr.As16()
	idx := int32(0)
	best := t.nodes[0].slot
	for i := 0; i < t.bits; i++ {
		idx = t.nodes[idx].child[bitAt(&a, t.offset+i)]
		if idx == nilIndex {
			break
		}
		if s := t.nodes[idx].slot; s != nilIndex {
			best = s
		}
	}
	if best == nilIndex {
		return Route{}, false
	}
	return t.slots[best], true
}

// exact returns the route stored for prefix, if any.
func (t *trie) exact(prefix netip.Prefix) (Route, bool) {
	a := prefix.Addr().As16()
	idx := int32(0)
	for i := 0; i < prefix.Bits(); i++ {
		idx = t.nodes[idx].child[bitAt(&a, t.offset+i)]
		if idx == nilIndex {
			return Route{}, false
		}
	}
	if s := t.nodes[idx].slot; s != nilIndex {
		return t.slots[s], true
	}
	return Route{}, false
}

// walk visits routes in pre-order, shorter prefixes first.
func (t *trie) walk(fn func(Route)) {
	var visit func(idx int32)
	visit = func(idx int32) {
		n := t.nodes[idx]
		if n.slot != nilIndex {
			fn(t.slots[n.slot])
		}
		for _, c := range n.child {
			if c != nilIndex {
				visit(c)
			}
		}
	}
	visit(0)
}
