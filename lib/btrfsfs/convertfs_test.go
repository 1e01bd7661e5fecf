// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfssum"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
	"github.com/dnesting/btrfsgo/lib/btrfsconvert"
	"github.com/dnesting/btrfsgo/lib/btrfsio"
	"github.com/dnesting/btrfsgo/lib/btrfstxn"
)

// bootstrapFS hand-builds the minimal real filesystem ConvertFS needs
// to run against: a single identity-mapped SINGLE-profile device
// (mirroring make_btrfs's initial chunk) with empty ROOT_TREE,
// EXTENT_TREE, and FS_TREE trees already registered, and a root
// directory inode in FS_TREE. It bypasses btrfstxn entirely (using
// fsWriter directly) since this is a one-time setup step standing in
// for a real mkfs, not anything under test.
func bootstrapFS(t *testing.T) *FS {
	t.Helper()
	const size = 64 << 20

	f, err := os.CreateTemp(t.TempDir(), "convertfs-*.img")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	dev, err := btrfsio.OpenDevice(f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	lv := new(btrfsvol.LogicalVolume[*btrfsio.Device])
	lv.SetName("test")
	const devID = btrfsvol.DeviceID(1)
	require.NoError(t, lv.AddPhysicalVolume(devID, dev))
	require.NoError(t, lv.AddMapping(btrfsvol.Mapping{
		LAddr: 0,
		PAddr: btrfsvol.QualifiedPhysicalAddr{Dev: devID, Addr: 0},
		Size:  btrfsvol.AddrDelta(size),
	}))

	fs := &FS{
		lv:      lv,
		Profile: btrfsvol.ProfileSingle,
		sb: btrfstree.Superblock{
			Magic:        [8]byte{'_', 'B', 'H', 'R', 'f', 'S', '_', 'M'},
			FSUUID:       btrfsprim.UUID{1},
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
	require.NoError(t, err)
	require.NoError(t, fs.WriteNode(rootLeaf))
	rootTreeRoot := btrfstree.TreeRoot{ID: btrfsprim.ROOT_TREE_OBJECTID, RootNode: rootLeaf.Head.Addr, Level: 0, Generation: gen}

	extentLeaf, err := fs.AllocTreeBlock(btrfsprim.EXTENT_TREE_OBJECTID, gen, 0)
	require.NoError(t, err)
	require.NoError(t, fs.WriteNode(extentLeaf))
	extentRoot := btrfstree.TreeRoot{ID: btrfsprim.EXTENT_TREE_OBJECTID, RootNode: extentLeaf.Head.Addr, Level: 0, Generation: gen}
	extentItemKey := btrfsprim.Key{ObjectID: btrfsprim.EXTENT_TREE_OBJECTID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0}
	require.NoError(t, btrfstree.InsertItem(w, gen, &rootTreeRoot, extentItemKey, btrfsitem.Root{
		ByteNr: extentRoot.RootNode, Level: extentRoot.Level, Generation: gen, GenerationV2: gen, Refs: 1,
	}, nil))

	fsLeaf, err := fs.AllocTreeBlock(btrfsprim.FS_TREE_OBJECTID, gen, 0)
	require.NoError(t, err)
	require.NoError(t, fs.WriteNode(fsLeaf))
	fsRoot := btrfstree.TreeRoot{ID: btrfsprim.FS_TREE_OBJECTID, RootNode: fsLeaf.Head.Addr, Level: 0, Generation: gen}
	fsItemKey := btrfsprim.Key{ObjectID: btrfsprim.FS_TREE_OBJECTID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0}
	require.NoError(t, btrfstree.InsertItem(w, gen, &rootTreeRoot, fsItemKey, btrfsitem.Root{
		Inode: btrfsitem.Inode{Mode: dirMode, NLink: 1}, ByteNr: fsRoot.RootNode, Level: fsRoot.Level,
		RootDirID: btrfsprim.FIRST_FREE_OBJECTID, Generation: gen, GenerationV2: gen, Refs: 1,
	}, nil))

	require.NoError(t, btrfstree.InsertItem(w, gen, &fsRoot, inodeKey(btrfsprim.FIRST_FREE_OBJECTID),
		btrfsitem.Inode{Mode: dirMode, NLink: 1}, nil))

	fs.sb.Generation = gen
	fs.sb.RootTree = rootTreeRoot.RootNode
	fs.sb.RootLevel = rootTreeRoot.Level
	fs.sb.RootDirObjectID = btrfsprim.FIRST_FREE_OBJECTID
	fs.roots[btrfsprim.EXTENT_TREE_OBJECTID] = extentRoot
	fs.roots[btrfsprim.FS_TREE_OBJECTID] = fsRoot

	for _, d := range fs.lv.PhysicalVolumes() {
		require.NoError(t, btrfsio.WriteAllSupers(d, fs.sb))
	}
	return fs
}

// lookupAfterCommit opens a throwaway read-only transaction against
// fs (aborted immediately, never committed) to look up key in treeID,
// the way a caller checking ConvertFS's durable output would.
func lookupAfterCommit(t *testing.T, fs *FS, treeID btrfsprim.ObjID, key btrfsprim.Key) (btrfsitem.Item, bool) {
	t.Helper()
	sb, err := fs.Superblock()
	require.NoError(t, err)
	txn := btrfstxn.Start(fs, sb.Generation)
	defer txn.Abort()
	root, err := txn.Root(treeID)
	require.NoError(t, err)
	item, existed, err := lookupItem(txn, &root, key)
	require.NoError(t, err)
	return item, existed
}

func TestConvertFSWriteInodeAndDirEntry(t *testing.T) {
	fs := bootstrapFS(t)
	w, err := NewConvertFS(fs)
	require.NoError(t, err)
	ctx := context.Background()

	const childIno = btrfsprim.FIRST_FREE_OBJECTID + 1
	require.NoError(t, w.WriteInode(ctx, btrfsconvert.Inode{
		Ino: int64(childIno), Mode: 0o10_0644, UID: 1000, GID: 1000, Size: 5, LinkCount: 1,
	}))
	require.NoError(t, w.WriteDirEntry(ctx, int64(btrfsprim.FIRST_FREE_OBJECTID), btrfsconvert.DirEntry{
		Name: "hello.txt", Ino: int64(childIno), FileType: uint8(btrfsitem.FT_REG_FILE),
	}))
	require.NoError(t, w.WriteFileExtent(ctx, int64(childIno), btrfsconvert.Extent{
		FileOffset: 0, DiskOffset: 1 << 20, Length: 5,
	}, false))
	require.NoError(t, w.Commit(ctx))

	item, existed := lookupAfterCommit(t, fs, linkTreeID, inodeKey(childIno))
	require.True(t, existed)
	inode, ok := item.(btrfsitem.Inode)
	require.True(t, ok)
	assert.EqualValues(t, 5, inode.Size)
	assert.EqualValues(t, 1, inode.NLink)

	dirItemKey := btrfsprim.Key{ObjectID: btrfsprim.FIRST_FREE_OBJECTID, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash([]byte("hello.txt"))}
	item, existed = lookupAfterCommit(t, fs, linkTreeID, dirItemKey)
	require.True(t, existed)
	dirEntry, ok := item.(btrfsitem.DirEntry)
	require.True(t, ok)
	assert.Equal(t, "hello.txt", string(dirEntry.Name))
	assert.Equal(t, childIno, dirEntry.Location.ObjectID)

	extentKey := btrfsprim.Key{ObjectID: childIno, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: 0}
	item, existed = lookupAfterCommit(t, fs, linkTreeID, extentKey)
	require.True(t, existed)
	extent, ok := item.(btrfsitem.FileExtent)
	require.True(t, ok)
	assert.EqualValues(t, 1<<20, extent.BodyExtent.DiskByteNr)
	assert.EqualValues(t, 5, extent.BodyExtent.NumBytes)
}

func TestConvertFSWriteXAttr(t *testing.T) {
	fs := bootstrapFS(t)
	w, err := NewConvertFS(fs)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.WriteXAttr(ctx, int64(btrfsprim.FIRST_FREE_OBJECTID), btrfsconvert.XAttr{
		Name: "user.test", Value: []byte("value"),
	}))
	require.NoError(t, w.Commit(ctx))

	key := btrfsprim.Key{ObjectID: btrfsprim.FIRST_FREE_OBJECTID, ItemType: btrfsprim.XATTR_ITEM_KEY, Offset: btrfsitem.NameHash([]byte("user.test"))}
	item, existed := lookupAfterCommit(t, fs, linkTreeID, key)
	require.True(t, existed)
	de, ok := item.(btrfsitem.DirEntry)
	require.True(t, ok)
	assert.Equal(t, "value", string(de.Data))
}

func TestConvertFSCreateImageSubvolume(t *testing.T) {
	fs := bootstrapFS(t)
	w, err := NewConvertFS(fs)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.ReserveMetadataSpace(ctx, 10<<20, 1<<20))
	require.NoError(t, w.CreateImageSubvolume(ctx, "image_saved", []btrfsconvert.UsedRange{
		{Offset: 0, Length: 2 << 20},
		{Offset: 10 << 20, Length: 1 << 20}, // fully claimed by the reservation above
	}))
	require.NoError(t, w.Commit(ctx))

	rootItemKey := btrfsprim.Key{ObjectID: btrfsconvert.ImageSubvolObjectID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0}
	item, existed := lookupAfterCommit(t, fs, btrfsprim.ROOT_TREE_OBJECTID, rootItemKey)
	require.True(t, existed)
	_, ok := item.(btrfsitem.Root)
	require.True(t, ok)

	subvolDirItemKey := btrfsprim.Key{ObjectID: btrfsprim.FIRST_FREE_OBJECTID, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: btrfsitem.NameHash([]byte("image_saved"))}
	item, existed = lookupAfterCommit(t, fs, linkTreeID, subvolDirItemKey)
	require.True(t, existed)
	de, ok := item.(btrfsitem.DirEntry)
	require.True(t, ok)
	assert.Equal(t, "image_saved", string(de.Name))
	assert.Equal(t, btrfsconvert.ImageSubvolObjectID, de.Location.ObjectID)

	// one extent for the reserved-space-excluded first range, none for
	// the second (it was entirely carved out by ReserveMetadataSpace)
	const fileIno = btrfsconvert.ImageSubvolObjectID + 1
	extentKey := btrfsprim.Key{ObjectID: fileIno, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: 0}
	item, existed = lookupAfterCommit(t, fs, btrfsconvert.ImageSubvolObjectID, extentKey)
	require.True(t, existed)
	extent, ok := item.(btrfsitem.FileExtent)
	require.True(t, ok)
	assert.EqualValues(t, 2<<20, extent.BodyExtent.NumBytes)

	reservedKey := btrfsprim.Key{ObjectID: fileIno, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: 10 << 20}
	_, existed = lookupAfterCommit(t, fs, btrfsconvert.ImageSubvolObjectID, reservedKey)
	assert.False(t, existed)
}

func TestConvertFSSetLabel(t *testing.T) {
	fs := bootstrapFS(t)
	w, err := NewConvertFS(fs)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.SetLabel(ctx, "my-label"))
	require.NoError(t, w.Commit(ctx))

	sb, err := fs.Superblock()
	require.NoError(t, err)
	var want [0x100]byte
	copy(want[:], "my-label")
	assert.Equal(t, want, sb.Label)
}

func TestExcludeReserved(t *testing.T) {
	ranges := []btrfsconvert.UsedRange{{Offset: 0, Length: 100}}
	reserved := []btrfsconvert.UsedRange{{Offset: 40, Length: 20}}
	got := excludeReserved(ranges, reserved)
	require.Len(t, got, 2)
	assert.Equal(t, btrfsconvert.UsedRange{Offset: 0, Length: 40}, got[0])
	assert.Equal(t, btrfsconvert.UsedRange{Offset: 60, Length: 40}, got[1])
}
