// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol

import (
	"fmt"
	"sort"

	"github.com/dnesting/btrfsgo/lib/containers"
	"github.com/dnesting/btrfsgo/lib/diskio"
)

// ErrNoSpace is returned by AllocateChunk when no combination of
// devices has enough free physical space to satisfy a requested
// chunk.
var ErrNoSpace = fmt.Errorf("btrfsvol: not enough free space to allocate chunk")

// chunkAlignment is the granularity that AllocateChunk rounds stripe
// offsets up to; it matches the 1MiB alignment the real chunk
// allocator (chunk_bytes_by_type) uses for stripe boundaries.
const chunkAlignment = AddrDelta(1 << 20)

// stripesWanted returns how many stripes AllocateChunk should lay a
// chunk of the given profile across, given how many devices are
// available. It mirrors btrfs_alloc_chunk()'s device-count
// preferences without replicating its full device-usage balancing.
func stripesWanted(profile Profile, numDevices int) int {
	switch profile {
	case ProfileSingle:
		return 1
	case ProfileDUP:
		return 2
	case ProfileRAID1:
		return 2
	case ProfileRAID1C3:
		return 3
	case ProfileRAID1C4:
		return 4
	case ProfileRAID10:
		want := profile.SubStripes() * 2
		if numDevices > want {
			return numDevices - (numDevices % profile.SubStripes())
		}
		return want
	case ProfileRAID0:
		if numDevices > 2 {
			return numDevices
		}
		return 2
	case ProfileRAID5:
		if numDevices > 3 {
			return numDevices
		}
		return 3
	case ProfileRAID6:
		if numDevices > 4 {
			return numDevices
		}
		return 4
	default:
		return 1
	}
}

// devUsage tracks, per device, the address just past the
// highest-addressed stripe currently mapped to it; AllocateChunk
// bump-allocates new stripes starting there.
type devUsage struct {
	id   DeviceID
	next PhysicalAddr
	size PhysicalAddr
}

func deviceUsage[PhysicalVolume diskio.File[PhysicalAddr]](lv *LogicalVolume[PhysicalVolume]) map[DeviceID]*devUsage {
	ret := make(map[DeviceID]*devUsage)
	for id, dev := range lv.PhysicalVolumes() {
		ret[id] = &devUsage{id: id, size: dev.Size()}
	}
	for _, mapping := range lv.Mappings() {
		u, ok := ret[mapping.PAddr.Dev]
		if !ok {
			continue
		}
		end := mapping.PAddr.Addr.Add(mapping.Size)
		if end > u.next {
			u.next = end
		}
	}
	return ret
}

// DataStripeCount returns how many of a numStripes-wide chunk's
// columns actually hold distinct data, for dividing up a requested
// logical size into each column's physical share: parity columns
// don't count (RAID5/6), and RAID10's mirrors within a group don't
// either (its data is striped only across numStripes/SubStripes
// groups, each SubStripes-many stripes wide).
func DataStripeCount(p Profile, numStripes int) int {
	switch p {
	case ProfileRAID10:
		if sub := p.SubStripes(); sub > 0 {
			return numStripes / sub
		}
		return numStripes
	case ProfileRAID0, ProfileRAID5, ProfileRAID6:
		return numStripes - p.NumParityStripes()
	default:
		return 1
	}
}

// AllocateChunk carves out `size` bytes of never-before-used logical
// address space and lays down `profile`'s stripes across whichever
// devices currently have the most free physical space, returning the
// per-stripe Mappings in column order (PAddr[i] is column i: for
// RAID0/RAID5/RAID6 the i'th data/parity column, for RAID10 each run
// of SubStripes entries one mirror group); the caller is responsible
// for feeding the whole slice to LogicalVolume.AddChunk in one call
// and for writing the corresponding CHUNK_ITEM/DEV_EXTENT metadata.
//
// It is a pure bump allocator: it never reuses space that a prior
// chunk occupied and was since removed, and (beyond an initial sort
// by free space) it does not try to balance long-term device usage
// the way the real allocator's btrfs_alloc_chunk does.
func AllocateChunk[PhysicalVolume diskio.File[PhysicalAddr]](lv *LogicalVolume[PhysicalVolume], profile Profile, size AddrDelta) ([]Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("btrfsvol.AllocateChunk: size must be positive, got %v", size)
	}
	usage := deviceUsage(lv)
	if len(usage) == 0 {
		return nil, fmt.Errorf("btrfsvol.AllocateChunk: no devices in volume")
	}

	numStripes := stripesWanted(profile, len(usage))
	stripeSize := size
	if dataStripes := DataStripeCount(profile, numStripes); dataStripes > 1 {
		stripeSize = size / AddrDelta(dataStripes)
		if stripeSize <= 0 {
			stripeSize = size
		}
	}

	var candidates []*devUsage
	for _, u := range usage {
		candidates = append(candidates, u)
	}
	sort.Slice(candidates, func(i, j int) bool {
		iFree := candidates[i].size.Sub(candidates[i].next)
		jFree := candidates[j].size.Sub(candidates[j].next)
		return iFree > jFree
	})

	var chosen []*devUsage
	switch profile {
	case ProfileDUP:
		if len(candidates) == 0 {
			return nil, ErrNoSpace
		}
		chosen = []*devUsage{candidates[0], candidates[0]}
	default:
		if len(candidates) < numStripes {
			// Fall back to reusing devices (e.g. a single-device
			// RAID1 volume isn't valid on real hardware, but
			// offline tooling may still need to synthesize a
			// chunk for a degraded array).
			for len(chosen) < numStripes {
				chosen = append(chosen, candidates[len(chosen)%len(candidates)])
			}
		} else {
			chosen = candidates[:numStripes]
		}
	}

	laddr := lv.Size()
	stripes := make([]QualifiedPhysicalAddr, 0, numStripes)
	reserved := make(map[DeviceID]PhysicalAddr)
	for _, u := range chosen {
		// A device chosen twice (DUP, or the degraded fallback
		// above) needs its second reservation to start after the
		// first one actually landed.
		base := u.next
		if already, ok := reserved[u.id]; ok {
			base = already
		}
		paddr := base
		if rem := int64(paddr) % int64(chunkAlignment); rem != 0 {
			paddr = paddr.Add(chunkAlignment - AddrDelta(rem))
		}
		if paddr.Add(stripeSize) > u.size {
			return nil, fmt.Errorf("%w: device id=%v has %v bytes free, need %v",
				ErrNoSpace, u.id, u.size-paddr, stripeSize)
		}
		reserved[u.id] = paddr.Add(stripeSize)
		stripes = append(stripes, QualifiedPhysicalAddr{Dev: u.id, Addr: paddr})
	}
	for id, end := range reserved {
		usage[id].next = end
	}

	flags := containers.OptionalValue(profile.flags())
	mappings := make([]Mapping, 0, len(stripes))
	for _, stripe := range stripes {
		mappings = append(mappings, Mapping{
			LAddr:      laddr,
			PAddr:      stripe,
			Size:       stripeSize,
			ChunkSize:  size,
			SizeLocked: true,
			Flags:      flags,
		})
	}
	return mappings, nil
}

// flags returns the BlockGroupFlags bit corresponding to the
// profile, for stamping newly-allocated chunks; the data/metadata/
// system type bit is left to the caller, who knows what's being
// allocated.
func (p Profile) flags() BlockGroupFlags {
	switch p {
	case ProfileRAID0:
		return BLOCK_GROUP_RAID0
	case ProfileRAID1:
		return BLOCK_GROUP_RAID1
	case ProfileDUP:
		return BLOCK_GROUP_DUP
	case ProfileRAID10:
		return BLOCK_GROUP_RAID10
	case ProfileRAID5:
		return BLOCK_GROUP_RAID5
	case ProfileRAID6:
		return BLOCK_GROUP_RAID6
	case ProfileRAID1C3:
		return BLOCK_GROUP_RAID1C3
	case ProfileRAID1C4:
		return BLOCK_GROUP_RAID1C4
	default:
		return 0
	}
}
