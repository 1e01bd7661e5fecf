// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext2_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnesting/btrfsgo/lib/btrfsconvert"
	"github.com/dnesting/btrfsgo/lib/btrfsconvert/ext2"
)

const blockSize = 1024

type memDev struct{ data []byte }

func (d *memDev) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.data[off:])
	return n, nil
}

func putU16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

// buildImage hand-assembles a tiny, single-block-group ext2 image: a
// root directory (inode 2) containing one regular file "hello" (inode
// 11) whose contents fit in a single direct block.
func buildImage(t *testing.T) []byte {
	t.Helper()
	const totalBlocks = 64
	img := make([]byte, totalBlocks*blockSize)

	block := func(i int) []byte { return img[i*blockSize : (i+1)*blockSize] }

	// superblock lives at byte offset 1024, i.e. block 1 at this
	// blocksize.
	sb := block(1)
	putU32(sb, 0, 16)  // s_inodes_count
	putU32(sb, 4, 64)  // s_blocks_count
	putU32(sb, 20, 1)  // s_first_data_block
	putU32(sb, 24, 0)  // s_log_block_size (1024 << 0)
	putU32(sb, 32, 64) // s_blocks_per_group
	putU32(sb, 40, 16) // s_inodes_per_group
	putU16(sb, 56, 0xEF53)
	putU32(sb, 84, 11)  // s_first_ino
	putU16(sb, 88, 128) // s_inode_size
	copy(sb[120:136], "testvol")

	// group descriptor table: block 2, one descriptor.
	gd := block(2)
	putU32(gd, 0, 3) // bg_block_bitmap
	putU32(gd, 4, 4) // bg_inode_bitmap
	putU32(gd, 8, 5) // bg_inode_table (blocks 5,6)

	// block bitmap: blocks 1..8 are in use (superblock, GDT,
	// bitmaps, 2 inode-table blocks, root dir block, file data
	// block); first_data_block is 1 so bit 0 == block 1.
	bm := block(3)
	for i := 0; i < 8; i++ {
		bm[i/8] |= 1 << uint(i%8)
	}

	writeInode := func(ino int, mode uint16, links uint16, size uint32, blk uint32) {
		idx := ino - 1
		tableOff := idx * 128
		tableBlock := 5 + tableOff/blockSize
		off := tableOff % blockSize
		in := block(tableBlock)[off : off+128]
		putU16(in, 0, mode)
		putU32(in, 4, size)
		putU16(in, 26, links)
		putU32(in, 40, blk) // i_block[0]
	}

	// root directory, inode 2: one data block (7) with "." ".."
	// and "hello".
	writeInode(2, 0o40755, 2, blockSize, 7)
	dirBlock := block(7)
	writeDirEntry := func(buf []byte, off int, ino uint32, name string, ft byte, recLen uint16) int {
		putU32(buf, off, ino)
		putU16(buf, off+4, recLen)
		buf[off+6] = byte(len(name))
		buf[off+7] = ft
		copy(buf[off+8:], name)
		return off + int(recLen)
	}
	off := 0
	off = writeDirEntry(dirBlock, off, 2, ".", 2, 12)
	off = writeDirEntry(dirBlock, off, 2, "..", 2, 12)
	writeDirEntry(dirBlock, off, 11, "hello", 1, uint16(blockSize-off))

	// regular file, inode 11: one data block (8) holding "hello world".
	contents := []byte("hello world")
	writeInode(11, 0o100644, 1, uint32(len(contents)), 8)
	copy(block(8), contents)

	return img
}

func TestExt2FSReadsTinyImage(t *testing.T) {
	t.Parallel()
	img := buildImage(t)
	dev := &memDev{data: img}

	fs := ext2.New()
	require.NoError(t, fs.Open(context.Background(), dev))
	assert.Equal(t, int64(blockSize), fs.BlockSize())
	assert.Equal(t, "testvol", fs.Label())
	assert.Equal(t, int64(2), fs.RootInode())

	var inodes []btrfsconvert.Inode
	require.NoError(t, fs.WalkInodes(context.Background(), func(ino btrfsconvert.Inode) error {
		inodes = append(inodes, ino)
		return nil
	}))
	require.Len(t, inodes, 2)
	assert.Equal(t, int64(2), inodes[0].Ino)
	assert.Equal(t, int64(11), inodes[1].Ino)
	assert.Equal(t, int64(len("hello world")), inodes[1].Size)

	var entries []btrfsconvert.DirEntry
	require.NoError(t, fs.ReadDir(context.Background(), 2, func(e btrfsconvert.DirEntry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Name)
	assert.Equal(t, int64(11), entries[0].Ino)

	var exts []btrfsconvert.Extent
	require.NoError(t, fs.Extents(context.Background(), 11, func(e btrfsconvert.Extent) error {
		exts = append(exts, e)
		return nil
	}))
	require.Len(t, exts, 1)
	assert.Equal(t, int64(8*blockSize), exts[0].DiskOffset)

	buf := make([]byte, len("hello world"))
	_, err := dev.ReadAt(buf, exts[0].DiskOffset)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))

	var used []struct{ off, length int64 }
	require.NoError(t, fs.UsedRanges(context.Background(), func(offset, length int64) error {
		used = append(used, struct{ off, length int64 }{offset, length})
		return nil
	}))
	require.NotEmpty(t, used)
	assert.Equal(t, int64(1*blockSize), used[0].off)
}
