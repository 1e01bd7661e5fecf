// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"fmt"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
)

// MkSubvol creates a new subvolume by cloning rootID's current root
// via btrfstree.CopyRoot (the true-CoW "share everything, diverge
// lazily" snapshot mechanism), registers it as a ROOT_ITEM in the root
// tree, and links it into rootID's own tree under baseName — with
// mutual ROOT_REF/ROOT_BACKREF entries recording the relationship —
// in this order: the DIR_ITEM/DIR_INDEX pair, then the ROOT_ITEM, then
// the backref, then the forward ref.
//
// There is no separate "which directory to link into" parameter (the
// signature only names the tree being cloned): this implementation
// links the new subvolume under rootID's own root directory, matching
// the "snapshot into the same subvolume's root" pattern the converter
// uses for its image subvolume.
func MkSubvol(txn *Handle, baseName string, rootID btrfsprim.ObjID) (btrfsprim.ObjID, error) {
	srcRoot, err := txn.Root(rootID)
	if err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: %w", err)
	}
	srcPath := btrfstree.TreePath{{
		FromTree: srcRoot.ID, FromItemSlot: -1,
		ToNodeAddr: srcRoot.RootNode, ToNodeGeneration: srcRoot.Generation,
		ToNodeLevel: srcRoot.Level, ToMaxKey: btrfsprim.MaxKey,
	}}
	srcNode, err := txn.ReadNode(srcPath)
	if err != nil {
		btrfstree.FreeNodeRef(srcNode)
		return 0, fmt.Errorf("btrfsfs: MkSubvol: read source root: %w", err)
	}
	defer btrfstree.FreeNodeRef(srcNode)

	rootTreeRoot, err := txn.Root(btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: %w", err)
	}
	newRootID, err := allocObjID(txn, &rootTreeRoot)
	if err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: %w", err)
	}

	hooks := RefHooks{Txn: txn}
	newNode, err := btrfstree.CopyRoot(txn, txn.Transid, newRootID, srcNode, hooks)
	if err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: %w", err)
	}

	rootItemKey := btrfsprim.Key{ObjectID: rootID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0}
	srcRootItemBody, existed, err := lookupItem(txn, &rootTreeRoot, rootItemKey)
	if err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: %w", err)
	}
	var dirIno btrfsprim.ObjID
	newRootItem := btrfsitem.Root{
		Inode:      btrfsitem.Inode{Mode: dirMode, NLink: 1},
		Generation: txn.Transid,
		RootDirID:  btrfsprim.FIRST_FREE_OBJECTID,
	}
	if existed {
		if src, ok := srcRootItemBody.(btrfsitem.Root); ok {
			newRootItem.Inode = src.Inode
			newRootItem.RootDirID = src.RootDirID
		}
	}
	dirIno = newRootItem.RootDirID
	newRootItem.ByteNr = newNode.Head.Addr
	newRootItem.Level = newNode.Head.Level
	newRootItem.GenerationV2 = txn.Transid
	newRootItem.Refs = 1

	index, err := nextDirIndex(txn, &srcRoot, dirIno)
	if err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: %w", err)
	}
	dirItemKey := btrfsprim.Key{ObjectID: dirIno, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash([]byte(baseName))}
	dirItem := btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: newRootID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: btrfsprim.MaxOffset},
		Type:     btrfsitem.FT_DIR,
		Name:     []byte(baseName),
	}
	if err := btrfstree.InsertItem(txn, txn.Transid, &srcRoot, dirItemKey, dirItem, hooks); err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: %w", err)
	}
	dirIndexKey := btrfsprim.Key{ObjectID: dirIno, ItemType: btrfsprim.DIR_INDEX_KEY, Offset: index}
	if err := btrfstree.InsertItem(txn, txn.Transid, &srcRoot, dirIndexKey, dirItem, hooks); err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: %w", err)
	}

	if err := btrfstree.InsertItem(txn, txn.Transid, &rootTreeRoot, btrfsprim.Key{
		ObjectID: newRootID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0,
	}, newRootItem, hooks); err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: %w", err)
	}

	refBody := btrfsitem.RootRef{DirID: dirIno, Sequence: int64(index), Name: []byte(baseName)}
	backrefKey := btrfsprim.Key{ObjectID: newRootID, ItemType: btrfsprim.ROOT_BACKREF_KEY, Offset: uint64(rootID)}
	if err := btrfstree.InsertItem(txn, txn.Transid, &rootTreeRoot, backrefKey, refBody, hooks); err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: add backref: %w", err)
	}
	refKey := btrfsprim.Key{ObjectID: rootID, ItemType: btrfsprim.ROOT_REF_KEY, Offset: uint64(newRootID)}
	if err := btrfstree.InsertItem(txn, txn.Transid, &rootTreeRoot, refKey, refBody, hooks); err != nil {
		return 0, fmt.Errorf("btrfsfs: MkSubvol: add ref: %w", err)
	}

	txn.SetRoot(srcRoot)
	txn.SetRoot(rootTreeRoot)
	return newRootID, nil
}
