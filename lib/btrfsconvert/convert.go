// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsconvert

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
)

// Options configures a conversion run, mirroring the flags do_convert
// takes in the original conversion tooling (datacsum, packing,
// noxattr, label handling).
type Options struct {
	DataChecksum bool
	Label        string
	CopyLabel    bool
	NoXAttrs     bool
	InlineSmall  bool // pack small files' data into their inode item
}

// Stage names the conversion pipeline's six steps, reported through
// the progress ticker so a caller can render "[3/6] building extent
// tree" style output.
type Stage int

const (
	StageOpenSource Stage = iota
	StageScanUsedSpace
	StageMakeBtrfs
	StageBuildImageSubvol
	StageCopyMetadata
	StageFinalize
	numStages
)

func (s Stage) String() string {
	names := [numStages]string{
		"opening source filesystem",
		"scanning used space",
		"creating btrfs filesystem",
		"creating image subvolume",
		"copying inodes and directory entries",
		"finalizing",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Progress is called once per stage transition; implementations may
// drive a textui ticker or just log.
type Progress func(ctx context.Context, stage Stage)

// Converter drives the in-place conversion of one foreign filesystem
// image into btrfs, per SourceFS. It keeps just enough state to
// support Rollback: the byte ranges it has overwritten relative to the
// source image, so they can be restored if conversion is aborted.
type Converter struct {
	Source  SourceFS
	Dev     ReaderWriterAt
	FS      FSWriter
	Options Options
	Report  Progress

	// shadowedSupers is every superblock-mirror-sized region of
	// the device the converter has overwritten, in case Rollback
	// is called.
	shadowedSupers []shadowRegion
	usedRanges     []UsedRange
	converted      bool
}

type shadowRegion struct {
	Offset int64
	Saved  []byte
}

type UsedRange struct {
	Offset, Length int64
}

// primarySuperOffset is the first superblock mirror, matching
// BTRFS_SUPER_INFO_OFFSET. superInfoSize is the fixed on-disk
// superblock size, matching BTRFS_SUPER_INFO_SIZE.
const (
	primarySuperOffset = 64 * 1024
	superInfoSize      = 4096
)

// ReaderWriterAt is the raw device access the converter needs beyond
// what SourceFS's read-only ReaderAt provides.
type ReaderWriterAt interface {
	ReaderAt
	WriteAt(p []byte, off int64) (int, error)
}

func (c *Converter) report(ctx context.Context, stage Stage) {
	if c.Report != nil {
		c.Report(ctx, stage)
	}
	dlog.Infof(ctx, "convert: %v", stage)
}

// saveRegion snapshots a device range before the converter is about
// to overwrite it, so Rollback can restore it later. Conversion only
// ever overwrites superblock mirrors and free space the source marked
// unused, so this stays small relative to the filesystem size.
func (c *Converter) saveRegion(offset int64, length int) error {
	buf := make([]byte, length)
	if _, err := c.Dev.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("btrfsconvert: snapshotting region at %d for rollback: %w", offset, err)
	}
	c.shadowedSupers = append(c.shadowedSupers, shadowRegion{Offset: offset, Saved: buf})
	return nil
}

// Convert runs the six-stage pipeline: open the source, discover its
// used space, lay down a fresh btrfs superblock and chunk/root trees
// in the space the source left free, create the hidden image
// subvolume that preserves the untouched source bytes as one file,
// copy every inode/directory/extent/xattr as native btrfs metadata
// referencing those same bytes, and finalize (write the real
// superblock, drop temporary bookkeeping).
//
// No user data is copied: StageCopyMetadata creates btrfs
// FILE_EXTENT_ITEMs that point at the disk offsets SourceFS already
// reported, the same bytes the foreign filesystem was using.
func (c *Converter) Convert(ctx context.Context) error {
	c.report(ctx, StageOpenSource)
	if err := c.Source.Open(ctx, c.Dev); err != nil {
		return fmt.Errorf("btrfsconvert: open source: %w", err)
	}
	defer c.Source.Close()

	c.report(ctx, StageScanUsedSpace)
	if err := c.Source.UsedRanges(ctx, func(offset, length int64) error {
		c.usedRanges = append(c.usedRanges, UsedRange{Offset: offset, Length: length})
		return nil
	}); err != nil {
		return fmt.Errorf("btrfsconvert: scan used space: %w", err)
	}

	c.report(ctx, StageMakeBtrfs)
	if err := c.makeBtrfsInFreeSpace(ctx); err != nil {
		return fmt.Errorf("btrfsconvert: create btrfs metadata: %w", err)
	}

	c.report(ctx, StageBuildImageSubvol)
	if err := c.buildImageSubvolume(ctx); err != nil {
		return fmt.Errorf("btrfsconvert: build image subvolume: %w", err)
	}

	c.report(ctx, StageCopyMetadata)
	if err := c.copyMetadata(ctx); err != nil {
		return fmt.Errorf("btrfsconvert: copy metadata: %w", err)
	}

	c.report(ctx, StageFinalize)
	if err := c.finalize(ctx); err != nil {
		return fmt.Errorf("btrfsconvert: finalize: %w", err)
	}

	c.converted = true
	return nil
}

// Rollback undoes a conversion that was aborted (or that the caller
// has decided to discard) by restoring every region Convert
// overwrote, matching the original tool's documented rollback
// procedure: the foreign filesystem's own metadata was never
// touched until the final superblock swap, so restoring the saved
// superblock mirrors and dropping the new chunk/extent trees is
// sufficient to make the foreign filesystem mountable again.
func (c *Converter) Rollback(ctx context.Context) error {
	if len(c.shadowedSupers) == 0 {
		return fmt.Errorf("btrfsconvert: nothing to roll back")
	}
	for _, region := range c.shadowedSupers {
		if _, err := c.Dev.WriteAt(region.Saved, region.Offset); err != nil {
			return fmt.Errorf("btrfsconvert: rollback: restoring region at %d: %w", region.Offset, err)
		}
	}
	dlog.Infof(ctx, "convert: rolled back %d region(s)", len(c.shadowedSupers))
	c.shadowedSupers = nil
	c.converted = false
	return nil
}
