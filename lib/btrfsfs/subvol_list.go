// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"fmt"
	"sort"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
)

// SubvolInfo describes one entry of ROOT_TREE: a subvolume, snapshot,
// or other internal tree (EXTENT_TREE, CSUM_TREE, etc) that hangs off
// a ROOT_ITEM. Name and ParentID come from whichever ROOT_REF points
// at this root; a root with no incoming ROOT_REF (the top subvolume,
// or an orphan awaiting cleanup) reports ParentID 0 and an empty Name.
//
// Mirrors btrfs-list.c's root_lookup, minus its path-cache/sorting
// machinery: callers that want a full path join ParentID chains
// themselves.
type SubvolInfo struct {
	ID           btrfsprim.ObjID
	ParentID     btrfsprim.ObjID
	DirID        btrfsprim.ObjID // directory within the parent this subvolume is linked under
	Name         string
	UUID         btrfsprim.UUID
	ParentUUID   btrfsprim.UUID
	ReceivedUUID btrfsprim.UUID
	Generation   btrfsprim.Generation
	Flags        btrfsitem.RootFlags
}

// ListSubvolumes scans ROOT_TREE for ROOT_ITEM entries and pairs each
// up with its ROOT_REF (the forward link from parent to child, which
// carries the name) to report every subvolume/snapshot/internal tree
// root known to the filesystem. Mirrors btrfs-list.c's
// btrfs_list_subvols.
func ListSubvolumes(fs *FS) ([]SubvolInfo, error) {
	ops := btrfstree.TreeOperatorImpl{CompatNodeSource: fs}

	rootItems, err := ops.TreeSearchAll(btrfsprim.ROOT_TREE_OBJECTID, func(key btrfsprim.Key, _ uint32) int {
		switch {
		case key.ItemType < btrfsprim.ROOT_ITEM_KEY:
			return -1
		case key.ItemType > btrfsprim.ROOT_ITEM_KEY:
			return 1
		default:
			return 0
		}
	})
	if err != nil {
		return nil, fmt.Errorf("btrfsfs: ListSubvolumes: %w", err)
	}

	refItems, err := ops.TreeSearchAll(btrfsprim.ROOT_TREE_OBJECTID, func(key btrfsprim.Key, _ uint32) int {
		switch {
		case key.ItemType < btrfsprim.ROOT_REF_KEY:
			return -1
		case key.ItemType > btrfsprim.ROOT_REF_KEY:
			return 1
		default:
			return 0
		}
	})
	if err != nil {
		return nil, fmt.Errorf("btrfsfs: ListSubvolumes: %w", err)
	}
	// key.objectid=parent, key.offset=child for ROOT_REF.
	refByChild := make(map[btrfsprim.ObjID]btrfstree.Item, len(refItems))
	for _, item := range refItems {
		refByChild[btrfsprim.ObjID(item.Key.Offset)] = item
	}

	ret := make([]SubvolInfo, 0, len(rootItems))
	for _, item := range rootItems {
		root, ok := item.Body.(btrfsitem.Root)
		if !ok {
			continue
		}
		info := SubvolInfo{
			ID:           item.Key.ObjectID,
			UUID:         root.UUID,
			ParentUUID:   root.ParentUUID,
			ReceivedUUID: root.ReceivedUUID,
			Generation:   root.Generation,
			Flags:        root.Flags,
		}
		if ref, ok := refByChild[item.Key.ObjectID]; ok {
			if rr, ok := ref.Body.(btrfsitem.RootRef); ok {
				info.ParentID = ref.Key.ObjectID
				info.DirID = rr.DirID
				info.Name = string(rr.Name)
			}
		}
		ret = append(ret, info)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}
