// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsio reads and writes the three superblock mirrors of a
// single device, the way original_source/disk-io.c's
// btrfs_read_dev_super/write_dev_supers/write_all_supers do: recover
// the newest valid copy on read, degrade gracefully when a device is
// too small to hold a given mirror offset on write, and drive the
// pre-flush/write/post-flush sequence around the primary copy that
// stands in for the kernel's FUA write ordering.
package btrfsio

import (
	"fmt"
	"os"

	"github.com/dnesting/btrfsgo/lib/binstruct"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
	"github.com/dnesting/btrfsgo/lib/diskio"
)

// SuperblockAddrs is the fixed set of byte offsets superblock mirrors
// are written at: 64KiB, 64MiB, 256GiB. A device need not be large
// enough to hold all three; WriteAllSupers silently skips any that
// don't fit, and ReadSuperblock only considers ones that do.
var SuperblockAddrs = []btrfsvol.PhysicalAddr{
	0x00_0001_0000,
	0x00_0400_0000,
	0x40_0000_0000,
}

// superblockSize is the on-disk size of a btrfstree.Superblock
// (4096 bytes, fixed by binstruct.End in its struct tag).
var superblockSize = btrfsvol.PhysicalAddr(binstruct.StaticSize(btrfstree.Superblock{}))

// Device is a single block device or disk image, opened for both
// reading and writing superblock mirrors.
type Device struct {
	*os.File
}

var _ diskio.File[btrfsvol.PhysicalAddr] = (*Device)(nil)

// OpenDevice opens name for reading and writing.
func OpenDevice(name string) (*Device, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Device{File: f}, nil
}

func (dev *Device) Size() btrfsvol.PhysicalAddr {
	fi, err := dev.Stat()
	if err != nil {
		return 0
	}
	return btrfsvol.PhysicalAddr(fi.Size())
}

func (dev *Device) ReadAt(dat []byte, paddr btrfsvol.PhysicalAddr) (int, error) {
	return dev.File.ReadAt(dat, int64(paddr))
}

func (dev *Device) WriteAt(dat []byte, paddr btrfsvol.PhysicalAddr) (int, error) {
	return dev.File.WriteAt(dat, int64(paddr))
}

// mirrorAddrs returns the subset of SuperblockAddrs that fit within a
// device of the given size, mirroring write_dev_supers's "break once
// bytenr+BTRFS_SUPER_INFO_SIZE > device->total_bytes" early exit.
func mirrorAddrs(size btrfsvol.PhysicalAddr) []btrfsvol.PhysicalAddr {
	var ret []btrfsvol.PhysicalAddr
	for _, addr := range SuperblockAddrs {
		if addr+superblockSize > size {
			break
		}
		ret = append(ret, addr)
	}
	return ret
}

// ReadSuperblock reads and returns the newest valid superblock copy
// from dev, the way btrfs_read_dev_super(..., SBREAD_RECOVER) scans
// all three mirrors and keeps whichever has the highest Generation
// among those that pass ValidateChecksum — rather than insisting all
// copies agree, so a device with one stale or torn mirror still opens.
func ReadSuperblock(dev *Device) (btrfstree.Superblock, error) {
	size := dev.Size()

	var best *btrfstree.Superblock
	var lastErr error
	for i, addr := range mirrorAddrs(size) {
		buf := make([]byte, superblockSize)
		if _, err := dev.ReadAt(buf, addr); err != nil {
			lastErr = fmt.Errorf("mirror %d at %v: %w", i, addr, err)
			continue
		}
		var sb btrfstree.Superblock
		if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
			lastErr = fmt.Errorf("mirror %d at %v: %w", i, addr, err)
			continue
		}
		if sb.Self != addr {
			lastErr = fmt.Errorf("mirror %d at %v: Self=%v does not match", i, addr, sb.Self)
			continue
		}
		if err := sb.ValidateChecksum(); err != nil {
			lastErr = fmt.Errorf("mirror %d at %v: %w", i, addr, err)
			continue
		}
		if best == nil || sb.Generation > best.Generation {
			sbCopy := sb
			best = &sbCopy
		}
	}
	if best == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("no superblock mirrors found")
		}
		return btrfstree.Superblock{}, lastErr
	}
	return *best, nil
}

// WriteAllSupers writes sb to every superblock mirror slot that fits
// on dev, updating sb.Self and recalculating sb.Checksum for each
// mirror's offset, and driving a pre-flush/write/post-flush sequence
// standing in for the kernel's FUA write ordering: fsync before
// writing (everything the superblock points at must already be
// durable), write+fsync the primary copy (mirror 0), then write the
// backup copies.
func WriteAllSupers(dev *Device, sb btrfstree.Superblock) error {
	size := dev.Size()
	addrs := mirrorAddrs(size)
	if len(addrs) == 0 {
		return fmt.Errorf("device %q is too small to hold any superblock mirror", dev.Name())
	}

	if err := dev.Sync(); err != nil {
		return fmt.Errorf("pre-flush %q: %w", dev.Name(), err)
	}

	for i, addr := range addrs {
		mirror := sb
		mirror.Self = addr
		csum, err := mirror.CalculateChecksum()
		if err != nil {
			return fmt.Errorf("mirror %d at %v: %w", i, addr, err)
		}
		mirror.Checksum = csum

		buf, err := binstruct.Marshal(mirror)
		if err != nil {
			return fmt.Errorf("mirror %d at %v: %w", i, addr, err)
		}
		if _, err := dev.WriteAt(buf, addr); err != nil {
			return fmt.Errorf("mirror %d at %v: %w", i, addr, err)
		}
		if i == 0 {
			if err := dev.Sync(); err != nil {
				return fmt.Errorf("post-flush %q: %w", dev.Name(), err)
			}
		}
	}
	return nil
}
