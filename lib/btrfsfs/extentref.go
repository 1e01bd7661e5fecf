// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsfs builds a filesystem object tree (inodes, directory
// entries, subvolumes) on top of the CoW write path in
// lib/btrfs/btrfstree, the way original_source/ctree.c's
// btrfs_link_inode/btrfs_add_link/btrfs_mkdir and the extent
// back-reference helpers in extent-tree.c build one on top of
// btrfs_search_slot/btrfs_insert_empty_item.
package btrfsfs

import (
	"fmt"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
	"github.com/dnesting/btrfsgo/lib/btrfs/internal"
	"github.com/dnesting/btrfsgo/lib/btrfstxn"
)

// Handle is the transaction handle type this package's operations
// take; it's lib/btrfstxn.Handle directly; btrfsfs.FS (see fs.go)
// implements btrfstxn.FS so that a btrfstxn.Start against it returns
// one of these.
type Handle = btrfstxn.Handle

func toInternalObjID(id btrfsprim.ObjID) internal.ObjID { return internal.ObjID(id) }

// extentRefKind identifies which of the four inline-ref shapes a
// back-reference is, mirroring BTRFS_{TREE,SHARED}_BLOCK_REF_KEY and
// BTRFS_{EXTENT,SHARED}_DATA_REF_KEY.
type extentRefKind int

const (
	refTreeBlock extentRefKind = iota
	refSharedBlock
	refExtentData
	refSharedData
)

// addExtentRef adds one back-reference of the given kind to the
// EXTENT_ITEM (or METADATA_ITEM) at laddr, creating the extent item
// if this is its first reference, and keeps Extent.Head.Refs equal to
// len(Extent.Refs) (the "refcount = Σ back-ref counts" invariant).
//
// dataRef/offset carry the kind-specific payload: for refTreeBlock and
// refSharedBlock, offset is the parent tree ID/parent block address;
// for refExtentData and refSharedData, dataRef is the already-built
// ExtentDataRef/SharedDataRef (offset is ignored).
func addExtentRef(txn *Handle, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, kind extentRefKind, offset uint64, dataRef btrfsitem.Item) error {
	root, err := txn.Root(btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		return fmt.Errorf("btrfsfs: addExtentRef: %w", err)
	}

	key := btrfsprim.Key{ObjectID: btrfsprim.ObjID(laddr), ItemType: btrfsprim.EXTENT_ITEM_KEY, Offset: uint64(size)}
	extent, existed, err := lookupExtent(txn, &root, key)
	if err != nil {
		return fmt.Errorf("btrfsfs: addExtentRef: %w", err)
	}

	ref := newInlineRef(kind, offset, dataRef)
	extent.Refs = append(extent.Refs, ref)
	extent.Head.Refs++

	if existed {
		if err := btrfstree.TruncateItem(txn, txn.Transid, &root, key, extent, nil); err != nil {
			return fmt.Errorf("btrfsfs: addExtentRef: %w", err)
		}
	} else {
		if err := btrfstree.InsertItem(txn, txn.Transid, &root, key, extent, nil); err != nil {
			return fmt.Errorf("btrfsfs: addExtentRef: %w", err)
		}
	}
	txn.SetRoot(root)
	return nil
}

// dropExtentRef removes one back-reference of the given kind from the
// extent item at laddr, deleting the extent item entirely (and
// releasing its logical space) once its last reference is gone.
func dropExtentRef(txn *Handle, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, kind extentRefKind, offset uint64, dataRef btrfsitem.Item) error {
	root, err := txn.Root(btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		return fmt.Errorf("btrfsfs: dropExtentRef: %w", err)
	}

	key := btrfsprim.Key{ObjectID: btrfsprim.ObjID(laddr), ItemType: btrfsprim.EXTENT_ITEM_KEY, Offset: uint64(size)}
	extent, existed, err := lookupExtent(txn, &root, key)
	if err != nil {
		return fmt.Errorf("btrfsfs: dropExtentRef: %w", err)
	}
	if !existed {
		return fmt.Errorf("btrfsfs: dropExtentRef: no extent item at laddr=%v", laddr)
	}

	want := newInlineRef(kind, offset, dataRef)
	idx := -1
	for i, have := range extent.Refs {
		if sameInlineRef(have, want) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("btrfsfs: dropExtentRef: no matching back-reference on extent at laddr=%v", laddr)
	}
	extent.Refs = append(extent.Refs[:idx], extent.Refs[idx+1:]...)
	extent.Head.Refs--

	if extent.Head.Refs <= 0 {
		if err := btrfstree.DeleteItem(txn, txn.Transid, &root, key, nil); err != nil {
			return fmt.Errorf("btrfsfs: dropExtentRef: %w", err)
		}
		if err := txn.FreeTreeBlock(laddr, uint32(size)); err != nil {
			return fmt.Errorf("btrfsfs: dropExtentRef: %w", err)
		}
	} else {
		if err := btrfstree.TruncateItem(txn, txn.Transid, &root, key, extent, nil); err != nil {
			return fmt.Errorf("btrfsfs: dropExtentRef: %w", err)
		}
	}
	txn.SetRoot(root)
	return nil
}

// AddTreeBlockRef records that owner now holds a non-shared reference
// to the tree block at laddr (the common case: a block with only one
// parent tree).
func AddTreeBlockRef(txn *Handle, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, owner btrfsprim.ObjID) error {
	return addExtentRef(txn, laddr, size, refTreeBlock, uint64(owner), nil)
}

// DropTreeBlockRef is the inverse of AddTreeBlockRef.
func DropTreeBlockRef(txn *Handle, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, owner btrfsprim.ObjID) error {
	return dropExtentRef(txn, laddr, size, refTreeBlock, uint64(owner), nil)
}

// AddSharedBlockRef records that the tree block at parentLAddr holds a
// reference to the tree block at laddr shared across more than one
// owning tree (the snapshot case: CopyRoot's immediate children).
func AddSharedBlockRef(txn *Handle, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, parentLAddr btrfsvol.LogicalAddr) error {
	return addExtentRef(txn, laddr, size, refSharedBlock, uint64(parentLAddr), nil)
}

// DropSharedBlockRef is the inverse of AddSharedBlockRef.
func DropSharedBlockRef(txn *Handle, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, parentLAddr btrfsvol.LogicalAddr) error {
	return dropExtentRef(txn, laddr, size, refSharedBlock, uint64(parentLAddr), nil)
}

// AddExtentDataRef records that inode ino in subvolume root holds
// count references (normally 1) to the data extent at laddr starting
// at file offset fileOffset, the non-shared (ordinary file) case.
func AddExtentDataRef(txn *Handle, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, root, ino btrfsprim.ObjID, fileOffset int64, count int32) error {
	return addExtentRef(txn, laddr, size, refExtentData, 0, btrfsitem.ExtentDataRef{
		Root: toInternalObjID(root), ObjectID: toInternalObjID(ino), Offset: fileOffset, Count: count,
	})
}

// DropExtentDataRef is the inverse of AddExtentDataRef.
func DropExtentDataRef(txn *Handle, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, root, ino btrfsprim.ObjID, fileOffset int64, count int32) error {
	return dropExtentRef(txn, laddr, size, refExtentData, 0, btrfsitem.ExtentDataRef{
		Root: toInternalObjID(root), ObjectID: toInternalObjID(ino), Offset: fileOffset, Count: count,
	})
}

// AddSharedDataRef records that the leaf at leafLAddr holds a
// reference to the data extent at laddr shared across more than one
// file (the reflink / snapshot case), bumping count back-references
// at once.
func AddSharedDataRef(txn *Handle, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, leafLAddr btrfsvol.LogicalAddr, count int32) error {
	return addExtentRef(txn, laddr, size, refSharedData, uint64(leafLAddr), btrfsitem.SharedDataRef{Count: count})
}

// DropSharedDataRef is the inverse of AddSharedDataRef.
func DropSharedDataRef(txn *Handle, laddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, leafLAddr btrfsvol.LogicalAddr, count int32) error {
	return dropExtentRef(txn, laddr, size, refSharedData, uint64(leafLAddr), btrfsitem.SharedDataRef{Count: count})
}

func newInlineRef(kind extentRefKind, offset uint64, dataRef btrfsitem.Item) btrfsitem.ExtentInlineRef {
	switch kind {
	case refTreeBlock:
		return btrfsitem.ExtentInlineRef{Type: btrfsprim.TREE_BLOCK_REF_KEY, Offset: offset}
	case refSharedBlock:
		return btrfsitem.ExtentInlineRef{Type: btrfsprim.SHARED_BLOCK_REF_KEY, Offset: offset}
	case refExtentData:
		return btrfsitem.ExtentInlineRef{Type: btrfsprim.EXTENT_DATA_REF_KEY, Body: dataRef}
	case refSharedData:
		return btrfsitem.ExtentInlineRef{Type: btrfsprim.SHARED_DATA_REF_KEY, Offset: offset, Body: dataRef}
	default:
		panic(fmt.Errorf("btrfsfs: unknown extentRefKind %v", kind))
	}
}

func sameInlineRef(a, b btrfsitem.ExtentInlineRef) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case btrfsprim.TREE_BLOCK_REF_KEY, btrfsprim.SHARED_BLOCK_REF_KEY:
		return a.Offset == b.Offset
	case btrfsprim.EXTENT_DATA_REF_KEY:
		ax, aok := a.Body.(btrfsitem.ExtentDataRef)
		bx, bok := b.Body.(btrfsitem.ExtentDataRef)
		return aok && bok && ax.Root == bx.Root && ax.ObjectID == bx.ObjectID && ax.Offset == bx.Offset
	case btrfsprim.SHARED_DATA_REF_KEY:
		return a.Offset == b.Offset
	default:
		return false
	}
}

// lookupExtent reads the EXTENT_ITEM at key, or returns a fresh zero
// one (existed=false) if none is present yet, for addExtentRef to
// populate on a brand new extent's first reference.
//
// The extent tree's own CoW edits never pass a CowHooks: tracking a
// back-reference for the extent tree's own blocks would mean the
// bookkeeping in this file recursively calling itself, and the real
// kernel special-cases the extent tree the same way (skip_excluded_extents /
// the BTRFS_BLOCK_GROUP_TREE split) rather than back-referencing its own
// metadata.
func lookupExtent(txn *Handle, root *btrfstree.TreeRoot, key btrfsprim.Key) (btrfsitem.Extent, bool, error) {
	path, node, exact, err := btrfstree.SearchSlot(txn, txn.Transid, root, key, 0, false, nil)
	if err != nil {
		return btrfsitem.Extent{}, false, err
	}
	defer btrfstree.FreeNodeRef(node)
	if !exact {
		return btrfsitem.Extent{Head: btrfsitem.ExtentHeader{Generation: txn.Transid}}, false, nil
	}
	slot := path.Node(-1).FromItemSlot
	extent, ok := node.BodyLeaf[slot].Body.(btrfsitem.Extent)
	if !ok {
		return btrfsitem.Extent{}, false, fmt.Errorf("btrfsfs: item at key=%v is not an Extent", key)
	}
	return extent, true, nil
}
