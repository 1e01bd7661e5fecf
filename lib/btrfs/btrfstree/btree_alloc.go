// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"fmt"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
)

// BlockGroup describes one of a filesystem's BLOCK_GROUP_ITEMs, as
// far as the tree-block allocator cares: its extent of logical
// address space, its redundancy profile, and how much of it is
// already spoken for.
type BlockGroup struct {
	LAddr  btrfsvol.LogicalAddr
	Size   btrfsvol.AddrDelta
	Used   btrfsvol.AddrDelta
	Flags  btrfsvol.BlockGroupFlags
	cursor btrfsvol.AddrDelta // next unused offset within this group
}

// free returns the number of unallocated bytes remaining in bg.
func (bg *BlockGroup) free() btrfsvol.AddrDelta {
	return bg.Size - bg.cursor
}

// take reserves size bytes from the front of bg's free space and
// returns their logical address.
func (bg *BlockGroup) take(size btrfsvol.AddrDelta) btrfsvol.LogicalAddr {
	addr := bg.LAddr.Add(bg.cursor)
	bg.cursor += size
	bg.Used += size
	return addr
}

// BlockGroupSource is implemented by a filesystem that tracks its
// BLOCK_GROUP_ITEMs and can grow the volume with a brand new chunk
// when none of the existing groups have room.
type BlockGroupSource interface {
	// BlockGroups returns the filesystem's known block groups for
	// owner (the metadata tree or the data tree), most-recently-used
	// first.
	BlockGroups(owner btrfsprim.ObjID) []*BlockGroup

	// NewBlockGroup allocates and registers a brand new block group
	// of at least minSize bytes for owner, via btrfsvol.AllocateChunk,
	// and returns it.
	NewBlockGroup(owner btrfsprim.ObjID, minSize btrfsvol.AddrDelta) (*BlockGroup, error)
}

// AllocLogical reserves size bytes of never-before-used logical
// address space for owner (METADATA or DATA), preferring the
// most-recently-used block group before scanning the rest, and
// falling back to allocating a brand new chunk when no existing
// group has room.
func AllocLogical(src BlockGroupSource, owner btrfsprim.ObjID, size btrfsvol.AddrDelta) (btrfsvol.LogicalAddr, error) {
	for _, bg := range src.BlockGroups(owner) {
		if bg.free() >= size {
			return bg.take(size), nil
		}
	}
	bg, err := src.NewBlockGroup(owner, size)
	if err != nil {
		return 0, fmt.Errorf("btrfstree.AllocLogical: %w", err)
	}
	if bg.free() < size {
		return 0, fmt.Errorf("btrfstree.AllocLogical: new block group of size %v is still too small for a %v-byte allocation",
			bg.Size, size)
	}
	return bg.take(size), nil
}

// AllocTreeBlock allocates and zero-initializes a new tree block for
// owner at the given level and generation, using src to find or
// create the backing logical address space. The returned Node is
// ready for the caller to populate BodyInterior/BodyLeaf and pass to
// a FS's WriteNode.
func AllocTreeBlock(src BlockGroupSource, sb Superblock, owner btrfsprim.ObjID, gen btrfsprim.Generation, level uint8) (*Node, error) {
	addr, err := AllocLogical(src, btrfsprim.EXTENT_TREE_OBJECTID, btrfsvol.AddrDelta(sb.NodeSize))
	if err != nil {
		return nil, fmt.Errorf("btrfstree.AllocTreeBlock: %w", err)
	}
	node, _ := nodePool.Get()
	*node = Node{
		Size:         sb.NodeSize,
		ChecksumType: sb.ChecksumType,
		Head: NodeHeader{
			MetadataUUID: sb.EffectiveMetadataUUID(),
			Addr:         addr,
			Flags:        NodeWritten,
			Generation:   gen,
			Owner:        owner,
			Level:        level,
		},
	}
	if level == 0 {
		node.BodyLeaf = itemPool.Get(0)
	} else {
		node.BodyInterior = nil
	}
	return node, nil
}

// FreeTreeBlock is the inverse of AllocTreeBlock's BlockGroup
// bookkeeping: it marks size bytes starting at addr as free within
// whichever block group owns them. The caller must already have
// confirmed that the tree block's last back-reference is gone.
func FreeTreeBlock(src BlockGroupSource, owner btrfsprim.ObjID, addr btrfsvol.LogicalAddr, size uint32) error {
	for _, bg := range src.BlockGroups(owner) {
		if addr < bg.LAddr || addr >= bg.LAddr.Add(bg.Size) {
			continue
		}
		bg.Used -= btrfsvol.AddrDelta(size)
		return nil
	}
	return fmt.Errorf("btrfstree.FreeTreeBlock: no block group owns laddr=%v", addr)
}
