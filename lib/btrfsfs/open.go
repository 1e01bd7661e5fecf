// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"fmt"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsio"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
)

// OpenDevices opens every named device and assembles them into the
// btrfsvol.LogicalVolume Open needs, the way a CLI command wants to
// turn a list of file paths on the command line into a ready FS.
//
// It only reconstructs the chunk mapping for the single-device case:
// CHUNK_TREE isn't read back yet (see DESIGN.md), so a single device's
// whole span is registered as one identity LAddr==PAddr mapping, which
// is exactly how make_btrfs lays out a freshly-made single-device
// filesystem's first chunk. Given more than one path, OpenDevices
// opens and superblock-checks all of them (so a caller immediately
// learns about a missing/corrupt device) but refuses to guess a
// multi-device layout; callers needing real RAID fanout must build
// the LogicalVolume's mappings themselves and call Open directly.
func OpenDevices(paths ...string) (*FS, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("btrfsfs: OpenDevices: no device paths given")
	}

	lv := new(btrfsvol.LogicalVolume[*btrfsio.Device])
	var closers []*btrfsio.Device
	closeAll := func() {
		for _, d := range closers {
			_ = d.Close()
		}
	}

	var fsUUID *btrfsprim.UUID
	for i, path := range paths {
		dev, err := btrfsio.OpenDevice(path)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("btrfsfs: OpenDevices: %w", err)
		}
		closers = append(closers, dev)

		sb, err := btrfsio.ReadSuperblock(dev)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("btrfsfs: OpenDevices: %s: %w", path, err)
		}
		if fsUUID == nil {
			uuid := sb.FSUUID
			fsUUID = &uuid
		} else if sb.FSUUID != *fsUUID {
			closeAll()
			return nil, fmt.Errorf("btrfsfs: OpenDevices: %s: belongs to a different filesystem than the first device", path)
		}

		devID := sb.DevItem.DevID
		if err := lv.AddPhysicalVolume(devID, dev); err != nil {
			closeAll()
			return nil, fmt.Errorf("btrfsfs: OpenDevices: %s: %w", path, err)
		}

		if i == 0 && sb.NumDevices == 1 {
			if err := lv.AddMapping(btrfsvol.Mapping{
				LAddr: 0,
				PAddr: btrfsvol.QualifiedPhysicalAddr{Dev: devID, Addr: 0},
				Size:  btrfsvol.AddrDelta(dev.Size()),
			}); err != nil {
				closeAll()
				return nil, fmt.Errorf("btrfsfs: OpenDevices: %s: %w", path, err)
			}
		} else if sb.NumDevices != 1 {
			closeAll()
			return nil, fmt.Errorf("btrfsfs: OpenDevices: %s: multi-device filesystems (NumDevices=%d) need a chunk-tree-derived mapping; build one and call Open directly", path, sb.NumDevices)
		}
	}

	lv.SetName(paths[0])
	return Open(lv)
}
