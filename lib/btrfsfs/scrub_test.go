// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
	"github.com/dnesting/btrfsgo/lib/btrfsscrub"
)

func TestResolveStripesSingleDevice(t *testing.T) {
	fs := bootstrapFS(t)
	paddrs, maxLen := fs.ResolveStripes(0)
	require.Len(t, paddrs, 1)
	assert.EqualValues(t, 1, paddrs[0].Dev)
	assert.EqualValues(t, 0, paddrs[0].Addr)
	assert.EqualValues(t, 64<<20, maxLen)
}

func TestReadWriteStripeRoundTrip(t *testing.T) {
	fs := bootstrapFS(t)
	want := []byte("scrubbed sector contents")
	require.NoError(t, fs.WriteStripe(1, 1<<20, want))
	got, err := fs.ReadStripe(1, 1<<20, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// bootstrapBlockGroup allocates one tree block, stamps it into
// EXTENT_TREE as a BLOCK_GROUP_ITEM plus the EXTENT_ITEM covering it
// (flagged as a tree block, the way a real metadata extent is), and
// returns the btrfstree.BlockGroup ListBlockGroups would discover.
func bootstrapBlockGroup(t *testing.T, fs *FS, gen btrfsprim.Generation) (*btrfstree.Node, btrfstree.BlockGroup) {
	t.Helper()

	node, err := fs.AllocTreeBlock(btrfsprim.FS_TREE_OBJECTID, gen, 0)
	require.NoError(t, err)
	require.NoError(t, fs.WriteNode(node))

	extentRoot, err := fs.TreeRoot(btrfsprim.EXTENT_TREE_OBJECTID)
	require.NoError(t, err)
	w := fsWriter{fs: fs, gen: gen}

	bgKey := btrfsprim.Key{ObjectID: 0, ItemType: btrfsprim.BLOCK_GROUP_ITEM_KEY, Offset: 64 << 20}
	require.NoError(t, btrfstree.InsertItem(w, gen, extentRoot, bgKey, btrfsitem.BlockGroup{
		Used:          int64(node.Size),
		ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
		Flags:         btrfsvol.BLOCK_GROUP_METADATA,
	}, nil))

	extKey := btrfsprim.Key{ObjectID: btrfsprim.ObjID(node.Head.Addr), ItemType: btrfsprim.EXTENT_ITEM_KEY, Offset: uint64(node.Size)}
	require.NoError(t, btrfstree.InsertItem(w, gen, extentRoot, extKey, btrfsitem.Extent{
		Head: btrfsitem.ExtentHeader{Refs: 1, Generation: gen, Flags: btrfsitem.EXTENT_FLAG_TREE_BLOCK},
	}, nil))

	fs.roots[btrfsprim.EXTENT_TREE_OBJECTID] = *extentRoot

	return node, btrfstree.BlockGroup{
		LAddr: 0,
		Size:  64 << 20,
		Used:  btrfsvol.AddrDelta(node.Size),
		Flags: btrfsvol.BLOCK_GROUP_METADATA,
	}
}

func TestListBlockGroupsAndScrubBlockGroupClean(t *testing.T) {
	fs := bootstrapFS(t)
	_, bg := bootstrapBlockGroup(t, fs, 2)

	bgs, err := btrfsscrub.ListBlockGroups(fs)
	require.NoError(t, err)
	require.Len(t, bgs, 1)
	assert.Equal(t, bg.LAddr, bgs[0].LAddr)
	assert.Equal(t, bg.Size, bgs[0].Size)
	assert.Equal(t, bg.Flags, bgs[0].Flags)

	c, err := btrfsscrub.ScrubBlockGroup(context.Background(), fs, bgs[0], false)
	require.NoError(t, err)
	assert.Zero(t, c.ReadErrors)
	assert.Zero(t, c.ChecksumErrors)
	assert.Zero(t, c.UnrecoverableErrors)
	assert.NotZero(t, c.TreeBytesScrubbed)
}

func TestScrubBlockGroupReportsCorruption(t *testing.T) {
	fs := bootstrapFS(t)
	node, bg := bootstrapBlockGroup(t, fs, 2)

	// Flip a byte past the checksum header so the node fails its own
	// checksum but the corruption itself isn't mistaken for a read error.
	buf, err := fs.ReadStripe(1, btrfsvol.PhysicalAddr(node.Head.Addr), int(node.Size))
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xFF
	require.NoError(t, fs.WriteStripe(1, btrfsvol.PhysicalAddr(node.Head.Addr), buf))

	_, err = btrfsscrub.ScrubBlockGroup(context.Background(), fs, bg, true)
	assert.Error(t, err)
}
