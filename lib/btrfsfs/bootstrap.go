// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"fmt"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsio"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfssum"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
)

// Bootstrap lays down the minimal real btrfs filesystem a conversion
// run's ConvertFS needs to write into: a single identity-mapped,
// SINGLE-profile chunk spanning the whole device (mirroring
// make_btrfs's initial chunk), with a ROOT_TREE holding ROOT_ITEMs for
// an empty EXTENT_TREE and for an FS_TREE containing just its root
// directory inode.
// Unlike Open, this does not read an existing superblock -- it is
// the mkfs half of conversion, called once on a device that up to
// this call still holds nothing but the foreign filesystem.
//
// dev's full extent is treated as available; callers doing an
// in-place conversion are responsible for having already reserved
// (via the ConvertFS it wires this FS into) the byte ranges the
// source filesystem still has live data in.
func Bootstrap(dev *btrfsio.Device, fsUUID btrfsprim.UUID, label string) (*FS, error) {
	size := dev.Size()

	lv := new(btrfsvol.LogicalVolume[*btrfsio.Device])
	lv.SetName(label)
	const devID = btrfsvol.DeviceID(1)
	if err := lv.AddPhysicalVolume(devID, dev); err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: %w", err)
	}
	if err := lv.AddMapping(btrfsvol.Mapping{
		LAddr: 0,
		PAddr: btrfsvol.QualifiedPhysicalAddr{Dev: devID, Addr: 0},
		Size:  btrfsvol.AddrDelta(size),
	}); err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: %w", err)
	}

	fs := &FS{
		lv:      lv,
		Profile: btrfsvol.ProfileSingle,
		sb: btrfstree.Superblock{
			Magic:        [8]byte{'_', 'B', 'H', 'R', 'f', 'S', '_', 'M'},
			FSUUID:       fsUUID,
			SectorSize:   4096,
			NodeSize:     16384,
			LeafSize:     16384,
			ChecksumType: btrfssum.TYPE_CRC32,
		},
		roots:       make(map[btrfsprim.ObjID]btrfstree.TreeRoot),
		blockGroups: make(map[btrfsprim.ObjID][]*btrfstree.BlockGroup),
	}
	fs.blockGroups[btrfsprim.EXTENT_TREE_OBJECTID] = []*btrfstree.BlockGroup{
		{LAddr: 0, Size: btrfsvol.AddrDelta(size), Flags: btrfsvol.BLOCK_GROUP_METADATA},
	}

	const gen = btrfsprim.Generation(1)
	w := fsWriter{fs: fs, gen: gen}

	rootLeaf, err := fs.AllocTreeBlock(btrfsprim.ROOT_TREE_OBJECTID, gen, 0)
	if err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: root tree: %w", err)
	}
	if err := fs.WriteNode(rootLeaf); err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: root tree: %w", err)
	}
	rootTreeRoot := btrfstree.TreeRoot{ID: btrfsprim.ROOT_TREE_OBJECTID, RootNode: rootLeaf.Head.Addr, Level: 0, Generation: gen}

	extentLeaf, err := fs.AllocTreeBlock(btrfsprim.EXTENT_TREE_OBJECTID, gen, 0)
	if err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: extent tree: %w", err)
	}
	if err := fs.WriteNode(extentLeaf); err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: extent tree: %w", err)
	}
	extentRoot := btrfstree.TreeRoot{ID: btrfsprim.EXTENT_TREE_OBJECTID, RootNode: extentLeaf.Head.Addr, Level: 0, Generation: gen}
	extentItemKey := btrfsprim.Key{ObjectID: btrfsprim.EXTENT_TREE_OBJECTID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0}
	if err := btrfstree.InsertItem(w, gen, &rootTreeRoot, extentItemKey, btrfsitem.Root{
		ByteNr: extentRoot.RootNode, Level: extentRoot.Level, Generation: gen, GenerationV2: gen, Refs: 1,
	}, nil); err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: extent tree root item: %w", err)
	}

	fsLeaf, err := fs.AllocTreeBlock(btrfsprim.FS_TREE_OBJECTID, gen, 0)
	if err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: fs tree: %w", err)
	}
	if err := fs.WriteNode(fsLeaf); err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: fs tree: %w", err)
	}
	fsRoot := btrfstree.TreeRoot{ID: btrfsprim.FS_TREE_OBJECTID, RootNode: fsLeaf.Head.Addr, Level: 0, Generation: gen}
	fsItemKey := btrfsprim.Key{ObjectID: btrfsprim.FS_TREE_OBJECTID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0}
	if err := btrfstree.InsertItem(w, gen, &rootTreeRoot, fsItemKey, btrfsitem.Root{
		Inode: btrfsitem.Inode{Mode: dirMode, NLink: 1}, ByteNr: fsRoot.RootNode, Level: fsRoot.Level,
		RootDirID: btrfsprim.FIRST_FREE_OBJECTID, Generation: gen, GenerationV2: gen, Refs: 1,
	}, nil); err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: fs tree root item: %w", err)
	}

	if err := btrfstree.InsertItem(w, gen, &fsRoot, inodeKey(btrfsprim.FIRST_FREE_OBJECTID),
		btrfsitem.Inode{Mode: dirMode, NLink: 1}, nil); err != nil {
		return nil, fmt.Errorf("btrfsfs: Bootstrap: root inode: %w", err)
	}

	fs.sb.Generation = gen
	fs.sb.RootTree = rootTreeRoot.RootNode
	fs.sb.RootLevel = rootTreeRoot.Level
	fs.sb.RootDirObjectID = btrfsprim.FIRST_FREE_OBJECTID
	fs.roots[btrfsprim.EXTENT_TREE_OBJECTID] = extentRoot
	fs.roots[btrfsprim.FS_TREE_OBJECTID] = fsRoot

	for _, d := range fs.lv.PhysicalVolumes() {
		if err := btrfsio.WriteAllSupers(d, fs.sb); err != nil {
			return nil, fmt.Errorf("btrfsfs: Bootstrap: writing superblock: %w", err)
		}
	}

	if label != "" {
		if err := fs.setLabel(label); err != nil {
			return nil, fmt.Errorf("btrfsfs: Bootstrap: %w", err)
		}
	}
	return fs, nil
}
