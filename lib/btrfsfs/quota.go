// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"fmt"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
)

// QGroupID packs a qgroup's two-part ID (level:subvolume-ObjID, the
// way btrfs_qgroup_level/btrfs_qgroup_subvolid split a QGROUP_INFO/
// QGROUP_LIMIT key's .offset) the way qgroup.c keeps it.
type QGroupID uint64

func (id QGroupID) Level() uint64    { return uint64(id) >> 48 }
func (id QGroupID) SubvolID() uint64 { return uint64(id) & ((1 << 48) - 1) }

// QGroupEntry merges a qgroup's QGROUP_INFO usage counters with its
// QGROUP_LIMIT, the way qgroup.c's btrfs_read_qgroup_config builds its
// in-memory btrfs_qgroup from the two on-disk items.
type QGroupEntry struct {
	ID QGroupID

	Generation                btrfsprim.Generation
	ReferencedBytes           uint64
	ReferencedBytesCompressed uint64
	ExclusiveBytes            uint64
	ExclusiveBytesCompressed  uint64

	HaveLimit     bool
	LimitFlags    btrfsitem.QGroupLimitFlags
	MaxReferenced uint64
	MaxExclusive  uint64
	RsvReferenced uint64
	RsvExclusive  uint64
}

// QGroupStatus is QUOTA_TREE's single QGROUP_STATUS item, recording
// whether quota accounting is enabled/consistent.
type QGroupStatus struct {
	Version        uint64
	Generation     btrfsprim.Generation
	Flags          btrfsitem.QGroupStatusFlags
	RescanProgress btrfsvol.LogicalAddr
}

// ReadQuotas scans QUOTA_TREE for QGROUP_STATUS, QGROUP_INFO, and
// QGROUP_LIMIT items, pairing info/limit pairs up by their shared
// qgroup ID. Mirrors qgroup.c's btrfs_read_qgroup_config.
func ReadQuotas(fs *FS) (*QGroupStatus, []QGroupEntry, error) {
	ops := btrfstree.TreeOperatorImpl{CompatNodeSource: fs}
	items, err := ops.TreeSearchAll(btrfsprim.QUOTA_TREE_OBJECTID, func(key btrfsprim.Key, _ uint32) int {
		switch {
		case key.ItemType < btrfsprim.QGROUP_STATUS_KEY:
			return -1
		case key.ItemType > btrfsprim.QGROUP_LIMIT_KEY:
			return 1
		default:
			return 0
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("btrfsfs: ReadQuotas: %w", err)
	}

	entries := make(map[QGroupID]*QGroupEntry)
	getEntry := func(id QGroupID) *QGroupEntry {
		e, ok := entries[id]
		if !ok {
			e = &QGroupEntry{ID: id}
			entries[id] = e
		}
		return e
	}

	var status *QGroupStatus
	for _, item := range items {
		switch body := item.Body.(type) {
		case btrfsitem.QGroupStatus:
			status = &QGroupStatus{
				Version:        body.Version,
				Generation:     body.Generation,
				Flags:          body.Flags,
				RescanProgress: body.RescanProgress,
			}
		case btrfsitem.QGroupInfo:
			e := getEntry(QGroupID(item.Key.Offset))
			e.Generation = body.Generation
			e.ReferencedBytes = body.ReferencedBytes
			e.ReferencedBytesCompressed = body.ReferencedBytesCompressed
			e.ExclusiveBytes = body.ExclusiveBytes
			e.ExclusiveBytesCompressed = body.ExclusiveBytesCompressed
		case btrfsitem.QGroupLimit:
			e := getEntry(QGroupID(item.Key.Offset))
			e.HaveLimit = true
			e.LimitFlags = body.Flags
			e.MaxReferenced = body.MaxReferenced
			e.MaxExclusive = body.MaxExclusive
			e.RsvReferenced = body.RsvReferenced
			e.RsvExclusive = body.RsvExclusive
		}
	}

	ret := make([]QGroupEntry, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, *e)
	}
	return status, ret, nil
}
