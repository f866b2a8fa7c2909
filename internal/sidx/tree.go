// Package sidx implements the bounding-box partition tree used to find
// candidate records for a query box, and its on-disk .sidx form.
package sidx

import (
	"math"

	"github.com/paulmach/orb"
)

// Entry is one indexed record.
type Entry struct {
	ID  uint32
	Box orb.Bound
}

// Heuristic controls how far the tree is subdivided.
type Heuristic struct {
	// MaxDepth bounds the number of splits from the root.
	MaxDepth int
	// MinObjects is the entry count at or below which a node stays a leaf.
	MinObjects int
	// ErrorTolerance is the factor by which the children's combined padded
	// area may exceed the parent's before a split is rejected.
	ErrorTolerance float64
}

// DefaultHeuristic returns the heuristic for a tree over n entries.
func DefaultHeuristic(n int) Heuristic {
	depth := 1
	if n > 2 {
		depth = int(math.Ceil(math.Log2(float64(n))))
	}
	return Heuristic{MaxDepth: depth, MinObjects: 4, ErrorTolerance: 0.5}
}

type node struct {
	box     orb.Bound
	depth   int
	entries []Entry
	left    *node
	right   *node
}

func (n *node) leaf() bool { return n.left == nil }

// Tree is an immutable bounding-box partition tree. It is safe for
// concurrent searches.
type Tree struct {
	root  *node
	count int
	depth int
}

// Build constructs a tree from entries. Entries with NaN, infinite or
// inverted boxes are left out. The input slice is not modified.
func Build(entries []Entry, h Heuristic) *Tree {
	valid := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if usable(e.Box) {
			valid = append(valid, e)
		}
	}
	if h.MaxDepth < 1 {
		h.MaxDepth = 1
	}
	if h.MinObjects < 1 {
		h.MinObjects = 1
	}

	t := &Tree{count: len(valid)}
	if len(valid) == 0 {
		t.root = &node{}
		return t
	}
	box := union(valid)
	b := builder{h: h, eps: padding(box)}
	t.root = b.build(valid, box, 0)
	t.depth = b.maxDepth
	return t
}

func usable(b orb.Bound) bool {
	for _, v := range [...]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return !b.IsEmpty()
}

func union(entries []Entry) orb.Bound {
	b := entries[0].Box
	for _, e := range entries[1:] {
		b = b.Union(e.Box)
	}
	return b
}

// padding keeps degenerate boxes (points, axis-parallel lines) from having
// zero area in the split test.
func padding(root orb.Bound) float64 {
	eps := math.Max(root.Max[0]-root.Min[0], root.Max[1]-root.Min[1]) * 1e-3
	if eps == 0 {
		return 1
	}
	return eps
}

type builder struct {
	h        Heuristic
	eps      float64
	maxDepth int
}

func (b *builder) area(box orb.Bound) float64 {
	return (box.Max[0] - box.Min[0] + b.eps) * (box.Max[1] - box.Min[1] + b.eps)
}

func (b *builder) build(entries []Entry, box orb.Bound, depth int) *node {
	n := &node{box: box, depth: depth}
	if depth > b.maxDepth {
		b.maxDepth = depth
	}
	if depth >= b.h.MaxDepth || len(entries) <= b.h.MinObjects {
		n.entries = entries
		return n
	}

	axis := 0
	if box.Max[1]-box.Min[1] > box.Max[0]-box.Min[0] {
		axis = 1
	}
	mid := (box.Min[axis] + box.Max[axis]) / 2

	// partition in place by box centre
	split := 0
	for i := range entries {
		c := (entries[i].Box.Min[axis] + entries[i].Box.Max[axis]) / 2
		if c < mid {
			entries[i], entries[split] = entries[split], entries[i]
			split++
		}
	}
	if split == 0 || split == len(entries) {
		n.entries = entries
		return n
	}

	lo, hi := entries[:split:split], entries[split:]
	loBox, hiBox := union(lo), union(hi)
	if b.area(loBox)+b.area(hiBox) > (1+b.h.ErrorTolerance)*b.area(box) {
		n.entries = entries
		return n
	}
	n.left = b.build(lo, loBox, depth+1)
	n.right = b.build(hi, hiBox, depth+1)
	return n
}

// Len returns the number of indexed entries.
func (t *Tree) Len() int { return t.count }

// Depth returns the depth of the deepest node.
func (t *Tree) Depth() int { return t.depth }

// Bound returns the union of all indexed boxes. ok is false for an empty
// tree.
func (t *Tree) Bound() (b orb.Bound, ok bool) {
	if t.count == 0 {
		return orb.Bound{}, false
	}
	return t.root.box, true
}

// Search calls fn with the id of every entry whose box intersects or
// touches b. Search stops and returns false as soon as fn returns false.
func (t *Tree) Search(b orb.Bound, fn func(id uint32) bool) bool {
	if t.count == 0 {
		return true
	}
	return search(t.root, b, fn)
}

func search(n *node, b orb.Bound, fn func(id uint32) bool) bool {
	if !n.box.Intersects(b) {
		return true
	}
	if n.leaf() {
		for _, e := range n.entries {
			if e.Box.Intersects(b) && !fn(e.ID) {
				return false
			}
		}
		return true
	}
	return search(n.left, b, fn) && search(n.right, b, fn)
}

// IDs returns the ids of all entries whose box intersects b.
func (t *Tree) IDs(b orb.Bound) []uint32 {
	var ids []uint32
	t.Search(b, func(id uint32) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
