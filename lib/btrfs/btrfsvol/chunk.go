// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol

import (
	"fmt"

	"github.com/dnesting/btrfsgo/lib/containers"
	"github.com/dnesting/btrfsgo/lib/slices"
)

// logical => []physical
type chunkMapping struct {
	LAddr  LogicalAddr
	PAddrs []QualifiedPhysicalAddr
	Size   AddrDelta
	// StripeSize is the physical span of each entry in PAddrs, when
	// that differs from Size (i.e. for striped profiles, where Size
	// is the full logical chunk but each stripe only physically holds
	// Size/dataStripeCount bytes). Zero means "not striped": every
	// PAddrs entry is a full-Size mirror of every other, the only
	// shape AddMapping's single-stripe-at-a-time callers can build.
	StripeSize AddrDelta
	SizeLocked bool
	Flags      containers.Optional[BlockGroupFlags]
}

type ChunkMapping = chunkMapping

// return -1 if 'a' is wholly to the left of 'b'
// return 0 if there is some overlap between 'a' and 'b'
// return 1 if 'a is wholly to the right of 'b'
func (a chunkMapping) cmpRange(b chunkMapping) int {
	switch {
	case a.LAddr.Add(a.Size) <= b.LAddr:
		// 'a' is wholly to the left of 'b'.
		return -1
	case b.LAddr.Add(b.Size) <= a.LAddr:
		// 'a' is wholly to the right of 'b'.
		return 1
	default:
		// There is some overlap.
		return 0
	}
}

func (a chunkMapping) union(rest ...chunkMapping) (chunkMapping, error) {
	// sanity check
	for _, chunk := range rest {
		if a.cmpRange(chunk) != 0 {
			return chunkMapping{}, fmt.Errorf("chunks don't overlap")
		}
	}
	chunks := append([]chunkMapping{a}, rest...)
	// figure out the logical range (.LAddr and .Size)
	beg := chunks[0].LAddr
	end := chunks[0].LAddr.Add(chunks[0].Size)
	for _, chunk := range chunks {
		beg = slices.Min(beg, chunk.LAddr)
		end = slices.Max(end, chunk.LAddr.Add(chunk.Size))
	}
	ret := chunkMapping{
		LAddr: beg,
		Size:  end.Sub(beg),
	}
	for _, chunk := range chunks {
		if chunk.SizeLocked {
			ret.SizeLocked = true
			if ret.Size != chunk.Size {
				return chunkMapping{}, fmt.Errorf("member chunk has locked size=%v, but union would have size=%v",
					chunk.Size, ret.Size)
			}
		}
	}
	// figure out the per-stripe physical span (.StripeSize)
	for _, chunk := range chunks {
		if chunk.StripeSize == 0 {
			continue
		}
		if ret.StripeSize == 0 {
			ret.StripeSize = chunk.StripeSize
		} else if ret.StripeSize != chunk.StripeSize {
			return chunkMapping{}, fmt.Errorf("mismatched stripe size: %v != %v", ret.StripeSize, chunk.StripeSize)
		}
	}
	// figure out the physical stripes (.PAddrs), preserving the order
	// stripes were registered in rather than sorting by address: once
	// a chunk is striped, PAddrs[i] is column i, and re-sorting would
	// scramble which device answers for which part of the chunk.
	// Existing (already-merged) stripes keep their place; whatever a
	// caller is merging in lands after them.
	seen := make(map[QualifiedPhysicalAddr]struct{})
	ret.PAddrs = nil
	for _, chunk := range append(append([]chunkMapping{}, rest...), a) {
		offsetWithinRet := chunk.LAddr.Sub(ret.LAddr)
		for _, stripe := range chunk.PAddrs {
			adjusted := stripe.Add(-offsetWithinRet)
			if _, dup := seen[adjusted]; dup {
				continue
			}
			seen[adjusted] = struct{}{}
			ret.PAddrs = append(ret.PAddrs, adjusted)
		}
	}
	// figure out the flags (.Flags)
	for _, chunk := range chunks {
		if !chunk.Flags.OK {
			continue
		}
		if !ret.Flags.OK {
			ret.Flags = chunk.Flags
		}
		if ret.Flags != chunk.Flags {
			return ret, fmt.Errorf("mismatch flags: %v != %v", ret.Flags.Val, chunk.Flags.Val)
		}
	}
	// done
	return ret, nil
}
