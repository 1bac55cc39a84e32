package item

// The item index is a red-black tree with parent pointers. Every node
// carries a three bit dirty summary: whether the node itself is dirty and
// whether its left or right subtree contains any dirty node. The summary
// lets flushing walk only the dirty items in key order.
//
// The bits are not a commutative function of the children, they encode
// which side the dirty descendants are on. Rotations therefore recompute
// the summary of both participating nodes from scratch instead of copying
// it across.

const (
	selfDirty  uint8 = 0x1
	leftDirty  uint8 = 0x2
	rightDirty uint8 = 0x4
)

type itemTree struct {
	root *cachedItem
}

// nodeDirtyBit returns bit if the subtree rooted at n contains any dirty
// item. A node with any summary bit set has a dirty item somewhere at or
// below it.
func nodeDirtyBit(n *cachedItem, bit uint8) uint8 {
	if n != nil && n.dirty != 0 {
		return bit
	}
	return 0
}

func computeDirty(it *cachedItem) uint8 {
	return (it.dirty & selfDirty) |
		nodeDirtyBit(it.left, leftDirty) |
		nodeDirtyBit(it.right, rightDirty)
}

// propagate recomputes summaries from it towards the root, stopping early
// once a node's summary is already correct.
func (t *itemTree) propagate(it *cachedItem) {
	for it != nil {
		d := computeDirty(it)
		if it.dirty == d {
			break
		}
		it.dirty = d
		it = it.parent
	}
}

// recomputeUp unconditionally recomputes summaries from it to the root.
// Used after erase, where several nodes along the spine can change at
// once and the early-out in propagate would stop too soon.
func (t *itemTree) recomputeUp(it *cachedItem) {
	for it != nil {
		it.dirty = computeDirty(it)
		it = it.parent
	}
}

func isRed(n *cachedItem) bool {
	return n != nil && n.red
}

// rotateLeft rotates x down to the left. The old parent's summary is
// recomputed first because the new parent's summary depends on it.
func (t *itemTree) rotateLeft(x *cachedItem) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y

	x.dirty = computeDirty(x)
	y.dirty = computeDirty(y)
}

func (t *itemTree) rotateRight(x *cachedItem) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y

	x.dirty = computeDirty(x)
	y.dirty = computeDirty(y)
}

// linkNode attaches it under parent on the given side and rebalances.
// The caller has already updated the dirty summaries along the descent.
func (t *itemTree) linkNode(it, parent *cachedItem, left bool) {
	it.parent = parent
	it.left = nil
	it.right = nil
	it.red = true
	if parent == nil {
		t.root = it
	} else if left {
		parent.left = it
	} else {
		parent.right = it
	}
	t.insertFixup(it)
}

func (t *itemTree) insertFixup(z *cachedItem) {
	for isRed(z.parent) {
		parent := z.parent
		grand := parent.parent
		if parent == grand.left {
			uncle := grand.right
			if isRed(uncle) {
				parent.red = false
				uncle.red = false
				grand.red = true
				z = grand
				continue
			}
			if z == parent.right {
				z = parent
				t.rotateLeft(z)
				parent = z.parent
			}
			parent.red = false
			grand.red = true
			t.rotateRight(grand)
		} else {
			uncle := grand.left
			if isRed(uncle) {
				parent.red = false
				uncle.red = false
				grand.red = true
				z = grand
				continue
			}
			if z == parent.left {
				z = parent
				t.rotateRight(z)
				parent = z.parent
			}
			parent.red = false
			grand.red = true
			t.rotateLeft(grand)
		}
	}
	t.root.red = false
}

func (t *itemTree) transplant(u, v *cachedItem) {
	if u.parent == nil {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

func treeMinimum(n *cachedItem) *cachedItem {
	for n.left != nil {
		n = n.left
	}
	return n
}

// erase removes z from the tree, keeping both the red-black shape and the
// dirty summaries consistent. The caller has already cleared z's dirty
// accounting.
func (t *itemTree) erase(z *cachedItem) {
	y := z
	yRed := y.red
	var x *cachedItem
	var xParent *cachedItem

	if z.left == nil {
		x = z.right
		xParent = z.parent
		t.transplant(z, z.right)
	} else if z.right == nil {
		x = z.left
		xParent = z.parent
		t.transplant(z, z.left)
	} else {
		y = treeMinimum(z.right)
		yRed = y.red
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.red = z.red
	}

	// The spine from the detach point to the root changed membership;
	// fix the summaries bottom-up before any fixup rotations run.
	t.recomputeUp(xParent)

	if !yRed {
		t.eraseFixup(x, xParent)
	}

	z.parent = nil
	z.left = nil
	z.right = nil
}

func (t *itemTree) eraseFixup(x, parent *cachedItem) {
	for x != t.root && !isRed(x) {
		if x == parent.left {
			w := parent.right
			if isRed(w) {
				w.red = false
				parent.red = true
				t.rotateLeft(parent)
				w = parent.right
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.red = true
				x = parent
				parent = x.parent
			} else {
				if !isRed(w.right) {
					w.left.red = false
					w.red = true
					t.rotateRight(w)
					w = parent.right
				}
				w.red = parent.red
				parent.red = false
				if w.right != nil {
					w.right.red = false
				}
				t.rotateLeft(parent)
				x = t.root
				parent = nil
			}
		} else {
			w := parent.left
			if isRed(w) {
				w.red = false
				parent.red = true
				t.rotateRight(parent)
				w = parent.left
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.red = true
				x = parent
				parent = x.parent
			} else {
				if !isRed(w.left) {
					w.right.red = false
					w.red = true
					t.rotateLeft(w)
					w = parent.left
				}
				w.red = parent.red
				parent.red = false
				if w.left != nil {
					w.left.red = false
				}
				t.rotateRight(parent)
				x = t.root
				parent = nil
			}
		}
	}
	if x != nil {
		x.red = false
	}
}

func (t *itemTree) first() *cachedItem {
	if t.root == nil {
		return nil
	}
	return treeMinimum(t.root)
}

// next returns the in-order successor of it.
func (it *cachedItem) next() *cachedItem {
	if it.right != nil {
		return treeMinimum(it.right)
	}
	n := it
	for n.parent != nil && n == n.parent.right {
		n = n.parent
	}
	return n.parent
}

// firstDirty returns the first dirty item, in key order, in the subtree
// rooted at n.
func firstDirty(n *cachedItem) *cachedItem {
	for n != nil {
		if n.dirty&leftDirty != 0 {
			n = n.left
		} else if n.dirty&selfDirty != 0 {
			return n
		} else if n.dirty&rightDirty != 0 {
			n = n.right
		} else {
			break
		}
	}
	return nil
}

// nextDirty returns the next dirty item in key order after it. First the
// right subtree is checked, then we ascend past parents we're the right
// child of. A greater parent is returned if it's dirty itself, otherwise
// the search continues from its right subtree.
func nextDirty(it *cachedItem) *cachedItem {
	for it != nil {
		if it.dirty&rightDirty != 0 {
			return firstDirty(it.right)
		}

		n := it
		for n.parent != nil && n.parent.right == n {
			n = n.parent
		}
		if n.parent == nil {
			break
		}

		it = n.parent
		if it.dirty&selfDirty != 0 {
			return it
		}
	}
	return nil
}
