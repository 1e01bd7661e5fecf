// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
)

// RefHooks is the btrfstree.CowHooks implementation every write-path
// call in this package (other than the extent tree's own internal
// edits, see extentref.go) passes, so that a tree block CoW'd or
// shared while building a subvolume's directory structure gets a
// matching back-reference in the extent tree, keeping
// Extent.Head.Refs equal to the number of trees/parents pointing at
// it.
type RefHooks struct {
	Txn *Handle
}

func (h RefHooks) nodeSize() (btrfsvol.AddrDelta, error) {
	sb, err := h.Txn.Superblock()
	if err != nil {
		return 0, err
	}
	return btrfsvol.AddrDelta(sb.NodeSize), nil
}

// OnCOWReplace drops the old tree block's reference (if it had one —
// oldAddr is 0 for a brand new block with no prior copy) and adds the
// new one, mirroring btrfs_inc_ref/btrfs_free_tree_block being called
// around every CoW of a tree block owned by owner.
func (h RefHooks) OnCOWReplace(owner btrfsprim.ObjID, oldAddr, newAddr btrfsvol.LogicalAddr, level uint8) error {
	size, err := h.nodeSize()
	if err != nil {
		return err
	}
	if oldAddr != 0 {
		if err := DropTreeBlockRef(h.Txn, oldAddr, size, owner); err != nil {
			return err
		}
	}
	return AddTreeBlockRef(h.Txn, newAddr, size, owner)
}

// OnCOWShare records a shared reference from dstAddr (CopyRoot's
// freshly-copied node) to each of its children, mirroring the
// btrfs_inc_ref calls snapshot creation makes for every child pointer
// of the root it just duplicated without touching those children's
// own contents.
func (h RefHooks) OnCOWShare(newOwner btrfsprim.ObjID, dstAddr btrfsvol.LogicalAddr, children []btrfsvol.LogicalAddr) error {
	size, err := h.nodeSize()
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := AddSharedBlockRef(h.Txn, child, size, dstAddr); err != nil {
			return err
		}
	}
	return nil
}

var _ btrfstree.CowHooks = RefHooks{}
