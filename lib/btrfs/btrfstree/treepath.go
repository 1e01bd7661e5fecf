// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"fmt"
	"strings"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
)

// TreePath and TreePathElem are the mutable, slice-of-struct
// counterpart to Path/PathElem, used by the CompatTreeWalkHandler
// surface (TreeOperatorImpl and its callers): unlike Path, a
// TreePathElem's fields can be updated in place while an iterative
// walk such as prev/next moves through the tree.
type TreePath []TreePathElem

// A TreePathElem essentially represents a KeyPointer. If there is an
// error looking up the tree root, everything but FromTree is zero.
type TreePathElem struct {
	// FromTree is the owning tree ID of the parent node; or the
	// well-known tree ID if this is the root.
	FromTree btrfsprim.ObjID
	// FromGeneration is the generation of the parent node; or the
	// generation stored in the superblock if this is the root.
	FromGeneration btrfsprim.Generation
	// FromItemSlot is the index of this KeyPointer in the parent
	// Node; or -1 if this is the root and there is no KeyPointer.
	FromItemSlot int

	// ToNodeAddr is the address of the node that the KeyPointer
	// points at, or 0 if this is a leaf item and nothing is being
	// pointed at.
	ToNodeAddr btrfsvol.LogicalAddr
	// ToNodeGeneration is the expected or actual generation of the
	// node at ToNodeAddr.
	ToNodeGeneration btrfsprim.Generation
	// ToNodeLevel is the expected or actual level of the node at
	// ToNodeAddr, or 0 if this is a leaf item and nothing is being
	// pointed at.
	ToNodeLevel uint8

	// ToKey is the key of the KeyPointer or Item this path element
	// targets.
	ToKey btrfsprim.Key
	// ToMaxKey is the maximum key that could appear beneath this
	// element (the next sibling's key, minus one; or the parent's
	// ToMaxKey if this is the last sibling).
	ToMaxKey btrfsprim.Key
}

func (elem TreePathElem) writeNodeTo(w *strings.Builder) {
	fmt.Fprintf(w, "node:%d@%v", elem.ToNodeLevel, elem.ToNodeAddr)
}

func (path TreePath) String() string {
	if len(path) == 0 {
		return "(empty-path)"
	}
	var ret strings.Builder
	fmt.Fprintf(&ret, "%s->", path[0].FromTree.Format(btrfsprim.ROOT_TREE_OBJECTID))
	path[0].writeNodeTo(&ret)
	for _, elem := range path[1:] {
		fmt.Fprintf(&ret, "[%d]", elem.FromItemSlot)
		if elem.ToNodeAddr != 0 {
			ret.WriteString("->")
			elem.writeNodeTo(&ret)
		}
	}
	return ret.String()
}

// DeepCopy returns a copy of path that shares no backing array with
// path, so that appending to either does not affect the other.
func (path TreePath) DeepCopy() TreePath {
	return append(TreePath(nil), path...)
}

// Parent returns the path with its last element removed.
func (path TreePath) Parent() TreePath {
	return path[:len(path)-1]
}

// Node is like &path[x], but negative values of x count back from
// the end of path (similar to how list indexing works in Python).
func (path TreePath) Node(x int) *TreePathElem {
	if x < 0 {
		x += len(path)
	}
	return &path[x]
}
