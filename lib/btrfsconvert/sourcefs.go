// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsconvert drives an in-place conversion of a foreign
// filesystem image into a btrfs filesystem occupying the same bytes,
// without copying the foreign filesystem's user data.
package btrfsconvert

import (
	"context"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
)

// Extent describes one contiguous run of blocks a foreign file
// occupies on disk, as reported by the foreign reader's block
// iterator (c.f. block_iterate_proc in the original conversion
// tooling).
type Extent struct {
	FileOffset int64 // byte offset within the file
	DiskOffset int64 // byte offset on the underlying device
	Length     int64
	Boundary   bool // this extent abuts a hole or file end
}

// Inode is the subset of a foreign inode's metadata the converter
// needs to synthesize the matching btrfs inode item, directory
// entries, and file extents.
type Inode struct {
	Ino       int64
	Mode      uint32
	UID, GID  uint32
	Size      int64
	LinkCount uint32
	MTime     int64
	CTime     int64
	ATime     int64
	Symlink   string // non-empty only for symlinks
}

// sIFDIR is S_IFDIR from the Mode bit layout both ext2 and btrfs share
// with POSIX st_mode.
const sIFDIR = 0o040000

func (in Inode) isDir() bool { return in.Mode&0o170000 == sIFDIR }

// DirEntry is one entry the foreign reader yields while iterating a
// directory inode.
type DirEntry struct {
	Name     string
	Ino      int64
	FileType uint8
}

// XAttr is a single extended attribute as read from the foreign
// filesystem, destined to become a btrfs XATTR_ITEM.
type XAttr struct {
	Name  string
	Value []byte
}

// SourceFS is the foreign-filesystem reader boundary the converter
// consumes. It mirrors struct btrfs_convert_operations from the
// original conversion tooling: Open/Close bracket a conversion run,
// UsedRanges reports which byte ranges the foreign filesystem
// considers allocated (so the converter can build its extent tree
// without copying unused space), and the Walk callbacks stream
// inodes/directories/extents/xattrs without requiring the whole
// foreign tree to be materialized in memory.
//
// Implementations live outside this package (e.g. lib/btrfsconvert/ext2);
// this interface is the only thing the conversion pipeline below
// depends on.
type SourceFS interface {
	// Open prepares to read the foreign filesystem found on dev
	// at byte offset 0. It must not modify dev.
	Open(ctx context.Context, dev ReaderAt) error
	Close() error

	// BlockSize is the foreign filesystem's block size in bytes.
	BlockSize() int64

	// UsedRanges calls fn once for every contiguous byte range on
	// dev that the foreign filesystem considers allocated
	// (superblock, inode tables, data blocks, everything) so the
	// converter can avoid overwriting it while building the btrfs
	// metadata that will live alongside the preserved data.
	UsedRanges(ctx context.Context, fn func(offset, length int64) error) error

	// WalkInodes calls fn once per live inode, in ascending inode
	// number order.
	WalkInodes(ctx context.Context, fn func(Inode) error) error

	// Extents calls fn once per extent belonging to ino, in
	// file-offset order.
	Extents(ctx context.Context, ino int64, fn func(Extent) error) error

	// ReadDir calls fn once per directory entry belonging to the
	// directory inode dirIno.
	ReadDir(ctx context.Context, dirIno int64, fn func(DirEntry) error) error

	// XAttrs calls fn once per extended attribute on ino.
	XAttrs(ctx context.Context, ino int64, fn func(XAttr) error) error

	// Label returns the foreign filesystem's volume label, if any.
	Label() string

	// RootInode is the foreign filesystem's root directory inode
	// number (e.g. EXT2_ROOT_INO).
	RootInode() int64
}

// ReaderAt is the minimal device access SourceFS implementations need;
// satisfied by diskio.File[btrfsvol.PhysicalAddr] and by *os.File.
type ReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// ImageSubvolObjectID is the object ID of the hidden subvolume that
// holds the foreign filesystem's preserved blocks as one giant file,
// matching CONV_IMAGE_SUBVOL_OBJECTID (= BTRFS_FIRST_FREE_OBJECTID).
const ImageSubvolObjectID = btrfsprim.FIRST_FREE_OBJECTID
