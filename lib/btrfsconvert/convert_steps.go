// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsconvert

import (
	"context"
	"fmt"
)

// FSWriter is the subset of a freshly-initialized btrfs filesystem
// that the conversion pipeline writes through. It is intentionally
// narrow: the converter never needs generic tree search, only
// "allocate this metadata, referencing these existing bytes."
// Production callers back it with the real CoW tree (lib/btrfs/btrfstree's
// write path plus lib/btrfsfs); tests back it with a recording fake.
type FSWriter interface {
	// ReserveMetadataSpace marks byte ranges (chosen from the
	// source's free space) as belonging to btrfs metadata, so
	// the image subvolume's preserved-bytes file extent never
	// claims them.
	ReserveMetadataSpace(ctx context.Context, offset, length int64) error

	// CreateImageSubvolume creates the hidden subvolume that owns
	// every byte the source filesystem considered used, as a
	// single sparse file, without copying any of those bytes.
	CreateImageSubvolume(ctx context.Context, name string, usedRanges []UsedRange) error

	// WriteInode creates (or updates) the inode item for ino.
	WriteInode(ctx context.Context, ino Inode) error

	// WriteDirEntry adds one directory entry.
	WriteDirEntry(ctx context.Context, dirIno int64, entry DirEntry) error

	// WriteFileExtent records that file ino owns the bytes at
	// [ext.DiskOffset, ext.DiskOffset+ext.Length) starting at
	// ext.FileOffset, with a checksum computed if dataChecksum is
	// set. It must not copy the bytes.
	WriteFileExtent(ctx context.Context, ino int64, ext Extent, dataChecksum bool) error

	// WriteXAttr adds one extended attribute to ino.
	WriteXAttr(ctx context.Context, ino int64, attr XAttr) error

	// SetLabel sets the new filesystem's volume label.
	SetLabel(ctx context.Context, label string) error

	// Commit writes the final superblock, making the new btrfs
	// filesystem the one a normal mount will see.
	Commit(ctx context.Context) error
}

// FS must be set before calling Convert; it is the sink every write
// step below drives.
func (c *Converter) makeBtrfsInFreeSpace(ctx context.Context) error {
	if c.FS == nil {
		return fmt.Errorf("btrfsconvert: Converter.FS is nil")
	}
	// The new chunk/root/extent trees live in whatever free space
	// calculate_available_space identified; since we don't
	// duplicate that free-space search here (SourceFS.UsedRanges
	// already gives us the complement), reserve each gap before
	// and between the ranges in usedRanges, whatever its size, for
	// the initial metadata trees. Space after the last used range
	// is not reserved. A real FSWriter picks the actual offsets;
	// we just hand it the candidate gaps.
	prevEnd := int64(0)
	for _, r := range c.usedRanges {
		if r.Offset > prevEnd {
			if err := c.FS.ReserveMetadataSpace(ctx, prevEnd, r.Offset-prevEnd); err != nil {
				return err
			}
		}
		prevEnd = r.Offset + r.Length
	}
	return nil
}

func (c *Converter) buildImageSubvolume(ctx context.Context) error {
	name := "image_saved"
	return c.FS.CreateImageSubvolume(ctx, name, c.usedRanges)
}

func (c *Converter) copyMetadata(ctx context.Context) error {
	if err := c.Source.WalkInodes(ctx, func(inode Inode) error {
		if err := c.FS.WriteInode(ctx, inode); err != nil {
			return fmt.Errorf("inode %d: %w", inode.Ino, err)
		}

		if inode.Symlink == "" && !inode.isDir() {
			if err := c.Source.Extents(ctx, inode.Ino, func(ext Extent) error {
				return c.FS.WriteFileExtent(ctx, inode.Ino, ext, c.Options.DataChecksum)
			}); err != nil {
				return fmt.Errorf("inode %d extents: %w", inode.Ino, err)
			}
		}

		if !c.Options.NoXAttrs {
			if err := c.Source.XAttrs(ctx, inode.Ino, func(attr XAttr) error {
				return c.FS.WriteXAttr(ctx, inode.Ino, attr)
			}); err != nil {
				return fmt.Errorf("inode %d xattrs: %w", inode.Ino, err)
			}
		}

		return c.Source.ReadDir(ctx, inode.Ino, func(entry DirEntry) error {
			return c.FS.WriteDirEntry(ctx, inode.Ino, entry)
		})
	}); err != nil {
		return err
	}

	if c.Options.CopyLabel {
		return c.FS.SetLabel(ctx, c.Source.Label())
	}
	if c.Options.Label != "" {
		return c.FS.SetLabel(ctx, c.Options.Label)
	}
	return nil
}

func (c *Converter) finalize(ctx context.Context) error {
	if err := c.saveRegion(primarySuperOffset, superInfoSize); err != nil {
		return err
	}
	return c.FS.Commit(ctx)
}
