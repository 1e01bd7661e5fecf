// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"fmt"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/linux"
)

// dirMode is the permission bits a directory created by
// ensureLostAndFound is stamped with (0755, matching mkdir's default
// when no caller-supplied mode is available).
const dirMode = linux.ModeFmtDir | 0o755

// linkTreeID is the subvolume AddLink/Unlink/LinkInodeToLostFound
// operate against. Unlike MkSubvol (which is what creates additional
// subvolumes, and so takes an explicit root to clone), these three
// have no tree parameter in their signature; the image subvolume the
// converter builds, and the only subvolume fsck-style repairs target,
// is always the default FS tree.
const linkTreeID = btrfsprim.FS_TREE_OBJECTID

// lostAndFoundName is the directory LinkInodeToLostFound files orphans
// into, created on first use under the subvolume's root directory.
const lostAndFoundName = "lost+found"

// nextDirIndex returns the DIR_INDEX offset AddLink should use for a
// new entry under dirIno: one past the highest index already present,
// or 2 (the first index after the implicit "." and "..") if dirIno
// has no entries yet.
func nextDirIndex(txn *Handle, root *btrfstree.TreeRoot, dirIno btrfsprim.ObjID) (uint64, error) {
	key := btrfsprim.Key{ObjectID: dirIno, ItemType: btrfsprim.DIR_INDEX_KEY, Offset: btrfsprim.MaxOffset}
	path, node, exact, err := btrfstree.SearchSlot(txn, txn.Transid, root, key, 0, false, nil)
	if err != nil {
		return 0, fmt.Errorf("btrfsfs: nextDirIndex: %w", err)
	}
	defer btrfstree.FreeNodeRef(node)

	slot := path.Node(-1).FromItemSlot
	if !exact {
		slot--
	}
	if slot >= 0 && slot < len(node.BodyLeaf) {
		found := node.BodyLeaf[slot].Key
		if found.ObjectID == dirIno && found.ItemType == btrfsprim.DIR_INDEX_KEY {
			return found.Offset + 1, nil
		}
	}
	return 2, nil
}

// lookupItem reads the item at key, reporting existed=false (rather
// than an error) if no item with that key is present.
func lookupItem(txn *Handle, root *btrfstree.TreeRoot, key btrfsprim.Key) (btrfsitem.Item, bool, error) {
	path, node, exact, err := btrfstree.SearchSlot(txn, txn.Transid, root, key, 0, false, nil)
	if err != nil {
		return nil, false, fmt.Errorf("btrfsfs: lookupItem: %w", err)
	}
	defer btrfstree.FreeNodeRef(node)
	if !exact {
		return nil, false, nil
	}
	slot := path.Node(-1).FromItemSlot
	return node.BodyLeaf[slot].Body, true, nil
}

// allocObjID returns an object ID not already in use within root,
// mirroring btrfs_find_free_objectid's "highest ID in use, plus one"
// approach (rather than the real allocator's free-objectid cache): it
// reads the tree's highest-keyed item and returns one past its
// ObjectID, never below FIRST_FREE_OBJECTID.
func allocObjID(txn *Handle, root *btrfstree.TreeRoot) (btrfsprim.ObjID, error) {
	path, node, exact, err := btrfstree.SearchSlot(txn, txn.Transid, root, btrfsprim.MaxKey, 0, false, nil)
	if err != nil {
		return 0, fmt.Errorf("btrfsfs: allocObjID: %w", err)
	}
	defer btrfstree.FreeNodeRef(node)

	slot := path.Node(-1).FromItemSlot
	if !exact {
		slot--
	}
	next := btrfsprim.FIRST_FREE_OBJECTID
	if slot >= 0 && slot < len(node.BodyLeaf) {
		if found := node.BodyLeaf[slot].Key.ObjectID + 1; found > next {
			next = found
		}
	}
	return next, nil
}

func inodeKey(ino btrfsprim.ObjID) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0}
}

// bumpNLink adds delta to ino's INODE_ITEM.NLink.
func bumpNLink(txn *Handle, root *btrfstree.TreeRoot, ino btrfsprim.ObjID, delta int32) error {
	body, existed, err := lookupItem(txn, root, inodeKey(ino))
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("btrfsfs: bumpNLink: no INODE_ITEM for ino=%v", ino)
	}
	inode, ok := body.(btrfsitem.Inode)
	if !ok {
		return fmt.Errorf("btrfsfs: bumpNLink: item at ino=%v is not an Inode", ino)
	}
	inode.NLink += delta
	return btrfstree.TruncateItem(txn, txn.Transid, root, inodeKey(ino), inode, RefHooks{Txn: txn})
}

// bumpDirSize adjusts dirIno's INODE_ITEM.Size the way btrfs_add_link/
// btrfs_del_item do: += 2*len(name) on link, -= 2*len(name) on unlink.
func bumpDirSize(txn *Handle, root *btrfstree.TreeRoot, dirIno btrfsprim.ObjID, delta int64) error {
	body, existed, err := lookupItem(txn, root, inodeKey(dirIno))
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("btrfsfs: bumpDirSize: no INODE_ITEM for ino=%v", dirIno)
	}
	inode, ok := body.(btrfsitem.Inode)
	if !ok {
		return fmt.Errorf("btrfsfs: bumpDirSize: item at ino=%v is not an Inode", dirIno)
	}
	inode.Size += delta
	return btrfstree.TruncateItem(txn, txn.Transid, root, inodeKey(dirIno), inode, RefHooks{Txn: txn})
}

// AddLink creates a directory entry named name under parent pointing
// at child (of the given directory-entry filetype), inserting the
// matching DIR_ITEM/DIR_INDEX/INODE_REF triple in one transaction and
// bumping child's NLink and parent's directory Size, mirroring
// btrfs_add_link.
//
// A name whose hash collides with a different existing entry in
// parent is rejected rather than built into the multi-entry overflow
// list the real on-disk format supports for that case: the DirEntry
// item model here (like the teacher's read path it's inherited from)
// represents one DIR_ITEM key as exactly one entry.
func AddLink(txn *Handle, child, parent btrfsprim.ObjID, name string, filetype btrfsitem.FileType) error {
	root, err := txn.Root(linkTreeID)
	if err != nil {
		return fmt.Errorf("btrfsfs: AddLink: %w", err)
	}

	index, err := nextDirIndex(txn, &root, parent)
	if err != nil {
		return fmt.Errorf("btrfsfs: AddLink: %w", err)
	}
	hooks := RefHooks{Txn: txn}

	location := btrfsprim.Key{ObjectID: child, ItemType: btrfsprim.INODE_ITEM_KEY, Offset: 0}
	nameHash := btrfsitem.NameHash([]byte(name))

	dirItemKey := btrfsprim.Key{ObjectID: parent, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: nameHash}
	if existing, existed, err := lookupItem(txn, &root, dirItemKey); err != nil {
		return fmt.Errorf("btrfsfs: AddLink: %w", err)
	} else if existed {
		if de, ok := existing.(btrfsitem.DirEntry); !ok || string(de.Name) != name {
			return fmt.Errorf("btrfsfs: AddLink: name hash collision for %q under parent=%v is not supported", name, parent)
		}
		return fmt.Errorf("btrfsfs: AddLink: %q already exists under parent=%v", name, parent)
	}
	dirItem := btrfsitem.DirEntry{Location: location, Type: filetype, Name: []byte(name)}
	if err := btrfstree.InsertItem(txn, txn.Transid, &root, dirItemKey, dirItem, hooks); err != nil {
		return fmt.Errorf("btrfsfs: AddLink: %w", err)
	}

	dirIndexKey := btrfsprim.Key{ObjectID: parent, ItemType: btrfsprim.DIR_INDEX_KEY, Offset: index}
	dirIndex := btrfsitem.DirEntry{Location: location, Type: filetype, Name: []byte(name)}
	if err := btrfstree.InsertItem(txn, txn.Transid, &root, dirIndexKey, dirIndex, hooks); err != nil {
		return fmt.Errorf("btrfsfs: AddLink: %w", err)
	}

	inodeRefKey := btrfsprim.Key{ObjectID: child, ItemType: btrfsprim.INODE_REF_KEY, Offset: uint64(parent)}
	inodeRef := btrfsitem.InodeRef{Index: int64(index), Name: []byte(name)}
	if err := btrfstree.InsertItem(txn, txn.Transid, &root, inodeRefKey, inodeRef, hooks); err != nil {
		return fmt.Errorf("btrfsfs: AddLink: %w", err)
	}

	if err := bumpNLink(txn, &root, child, 1); err != nil {
		return fmt.Errorf("btrfsfs: AddLink: %w", err)
	}
	if err := bumpDirSize(txn, &root, parent, 2*int64(len(name))); err != nil {
		return fmt.Errorf("btrfsfs: AddLink: %w", err)
	}

	txn.SetRoot(root)
	return nil
}

// Unlink removes the directory entry named name under parent that
// points at child at DIR_INDEX offset seq, along with its matching
// DIR_ITEM and INODE_REF, and drops child's NLink. If child's NLink
// reaches zero and addOrphan is true, an ORPHAN_ITEM is inserted for
// it (the caller, or a later fsck-style pass, is responsible for
// actually freeing its extents and INODE_ITEM).
func Unlink(txn *Handle, child, parent btrfsprim.ObjID, name string, seq uint64, addOrphan bool) error {
	root, err := txn.Root(linkTreeID)
	if err != nil {
		return fmt.Errorf("btrfsfs: Unlink: %w", err)
	}

	hooks := RefHooks{Txn: txn}

	nameHash := btrfsitem.NameHash([]byte(name))
	dirItemKey := btrfsprim.Key{ObjectID: parent, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: nameHash}
	if err := btrfstree.DeleteItem(txn, txn.Transid, &root, dirItemKey, hooks); err != nil {
		return fmt.Errorf("btrfsfs: Unlink: %w", err)
	}

	dirIndexKey := btrfsprim.Key{ObjectID: parent, ItemType: btrfsprim.DIR_INDEX_KEY, Offset: seq}
	if err := btrfstree.DeleteItem(txn, txn.Transid, &root, dirIndexKey, hooks); err != nil {
		return fmt.Errorf("btrfsfs: Unlink: %w", err)
	}

	inodeRefKey := btrfsprim.Key{ObjectID: child, ItemType: btrfsprim.INODE_REF_KEY, Offset: uint64(parent)}
	if err := btrfstree.DeleteItem(txn, txn.Transid, &root, inodeRefKey, hooks); err != nil {
		return fmt.Errorf("btrfsfs: Unlink: %w", err)
	}

	if err := bumpDirSize(txn, &root, parent, -2*int64(len(name))); err != nil {
		return fmt.Errorf("btrfsfs: Unlink: %w", err)
	}

	body, existed, err := lookupItem(txn, &root, inodeKey(child))
	if err != nil {
		return fmt.Errorf("btrfsfs: Unlink: %w", err)
	}
	if existed {
		inode, ok := body.(btrfsitem.Inode)
		if !ok {
			return fmt.Errorf("btrfsfs: Unlink: item at ino=%v is not an Inode", child)
		}
		inode.NLink--
		if err := btrfstree.TruncateItem(txn, txn.Transid, &root, inodeKey(child), inode, hooks); err != nil {
			return fmt.Errorf("btrfsfs: Unlink: %w", err)
		}
		if inode.NLink <= 0 && addOrphan {
			orphanKey := btrfsprim.Key{ObjectID: btrfsprim.ORPHAN_OBJECTID, ItemType: btrfsprim.ORPHAN_ITEM_KEY, Offset: uint64(child)}
			if err := btrfstree.InsertItem(txn, txn.Transid, &root, orphanKey, btrfsitem.Empty{}, hooks); err != nil {
				return fmt.Errorf("btrfsfs: Unlink: add orphan: %w", err)
			}
		}
	}

	txn.SetRoot(root)
	return nil
}

// LinkInodeToLostFound links child into the subvolume's "lost+found"
// directory, creating that directory (as a child of the subvolume's
// root directory) on first use, and retrying under "<ino>.<n>" (n = 1,
// 2, ...) if child's natural name ("<ino>") already exists there — mirroring
// fsck's reconnect-orphan behavior of never failing a reconnect over a
// name collision.
func LinkInodeToLostFound(txn *Handle, child btrfsprim.ObjID) error {
	root, err := txn.Root(linkTreeID)
	if err != nil {
		return fmt.Errorf("btrfsfs: LinkInodeToLostFound: %w", err)
	}

	lfDirIno, err := ensureLostAndFound(txn, &root)
	if err != nil {
		return fmt.Errorf("btrfsfs: LinkInodeToLostFound: %w", err)
	}

	name := fmt.Sprintf("%d", child)
	for attempt := 0; ; attempt++ {
		tryName := name
		if attempt > 0 {
			tryName = fmt.Sprintf("%s.%d", name, attempt)
		}
		dirItemKey := btrfsprim.Key{ObjectID: lfDirIno, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash([]byte(tryName))}
		_, existed, err := lookupItem(txn, &root, dirItemKey)
		if err != nil {
			return fmt.Errorf("btrfsfs: LinkInodeToLostFound: %w", err)
		}
		if existed {
			continue
		}
		txn.SetRoot(root)
		return AddLink(txn, child, lfDirIno, tryName, btrfsitem.FT_REG_FILE)
	}
}

// ensureLostAndFound returns the inode number of the subvolume's
// "lost+found" directory, creating it (linked under the subvolume's
// root directory, which always exists) if it's not already there.
func ensureLostAndFound(txn *Handle, root *btrfstree.TreeRoot) (btrfsprim.ObjID, error) {
	sb, err := txn.Superblock()
	if err != nil {
		return 0, err
	}
	rootDirKey := btrfsprim.Key{ObjectID: sb.RootDirObjectID, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash([]byte(lostAndFoundName))}
	if existing, existed, err := lookupItem(txn, root, rootDirKey); err != nil {
		return 0, err
	} else if existed {
		de, ok := existing.(btrfsitem.DirEntry)
		if !ok || string(de.Name) != lostAndFoundName {
			return 0, fmt.Errorf("btrfsfs: ensureLostAndFound: name hash collision for %q", lostAndFoundName)
		}
		return de.Location.ObjectID, nil
	}

	lfIno, err := allocObjID(txn, root)
	if err != nil {
		return 0, err
	}
	inode := btrfsitem.Inode{Mode: dirMode, NLink: 1}
	if err := btrfstree.InsertItem(txn, txn.Transid, root, inodeKey(lfIno), inode, RefHooks{Txn: txn}); err != nil {
		return 0, fmt.Errorf("btrfsfs: ensureLostAndFound: %w", err)
	}
	txn.SetRoot(*root)
	if err := AddLink(txn, lfIno, sb.RootDirObjectID, lostAndFoundName, btrfsitem.FT_DIR); err != nil {
		return 0, err
	}
	r, err := txn.Root(linkTreeID)
	if err != nil {
		return 0, err
	}
	*root = r
	return lfIno, nil
}
