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

// LookupUUID resolves a UUID to the subvolume ObjID it names, via
// UUID_TREE's UUID_SUBVOL_KEY (and UUID_RECEIVED_SUBVOL_KEY, for
// received snapshots). Mirrors uuid-tree.c's btrfs_uuid_tree_lookup:
// the key itself is the UUID, split objectid/offset, so a lookup is a
// single point search rather than a range scan.
func LookupUUID(fs *FS, uuid btrfsprim.UUID) (btrfsprim.ObjID, bool, error) {
	ops := btrfstree.TreeOperatorImpl{CompatNodeSource: fs}
	key := uuidKey(uuid)

	for _, itemType := range []btrfsprim.ItemType{btrfsprim.UUID_SUBVOL_KEY, btrfsprim.UUID_RECEIVED_SUBVOL_KEY} {
		item, err := ops.TreeSearch(btrfsprim.UUID_TREE_OBJECTID, func(k btrfsprim.Key, _ uint32) int {
			switch {
			case k.ObjectID != key.ObjectID:
				if k.ObjectID < key.ObjectID {
					return -1
				}
				return 1
			case k.ItemType != itemType:
				if k.ItemType < itemType {
					return -1
				}
				return 1
			case k.Offset != key.Offset:
				if k.Offset < key.Offset {
					return -1
				}
				return 1
			default:
				return 0
			}
		})
		if err != nil {
			continue
		}
		m, ok := item.Body.(btrfsitem.UUIDMap)
		if !ok {
			continue
		}
		return m.ObjID, true, nil
	}
	return 0, false, nil
}

// ListUUIDs scans UUID_TREE in full, returning every UUID-to-subvolume
// mapping it holds (both UUID_SUBVOL and UUID_RECEIVED_SUBVOL
// entries). Useful for rebuilding the UUID_TREE->ROOT_TREE cross-check
// btrfs-list.c's resolve_root does via a single lookup.
func ListUUIDs(fs *FS) (map[btrfsprim.UUID]btrfsprim.ObjID, error) {
	ops := btrfstree.TreeOperatorImpl{CompatNodeSource: fs}
	items, err := ops.TreeSearchAll(btrfsprim.UUID_TREE_OBJECTID, func(key btrfsprim.Key, _ uint32) int {
		switch {
		case key.ItemType < btrfsprim.UUID_SUBVOL_KEY:
			return -1
		case key.ItemType > btrfsprim.UUID_RECEIVED_SUBVOL_KEY:
			return 1
		default:
			return 0
		}
	})
	if err != nil {
		return nil, fmt.Errorf("btrfsfs: ListUUIDs: %w", err)
	}
	ret := make(map[btrfsprim.UUID]btrfsprim.ObjID, len(items))
	for _, item := range items {
		m, ok := item.Body.(btrfsitem.UUIDMap)
		if !ok {
			continue
		}
		ret[btrfsitem.KeyToUUID(item.Key)] = m.ObjID
	}
	return ret, nil
}

func uuidKey(uuid btrfsprim.UUID) btrfsprim.Key {
	return btrfsprim.Key{
		ObjectID: btrfsprim.ObjID(beUint64(uuid[:8])),
		Offset:   beUint64(uuid[8:]),
	}
}

func beUint64(b []byte) uint64 {
	// KeyToUUID (item_uuid.go) packs the key halves little-endian;
	// mirror that exactly so round-tripping a UUID through a Key
	// matches what's actually stored on disk.
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
