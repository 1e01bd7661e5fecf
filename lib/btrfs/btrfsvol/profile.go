// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol

import "fmt"

// Profile categorizes a BlockGroupFlags value by its redundancy
// scheme, mirroring chunk_bytes_by_type()'s switch in the original
// chunk allocator.
type Profile int

const (
	ProfileSingle Profile = iota
	ProfileRAID0
	ProfileRAID1
	ProfileDUP
	ProfileRAID10
	ProfileRAID5
	ProfileRAID6
	ProfileRAID1C3
	ProfileRAID1C4
)

func (f BlockGroupFlags) Profile() Profile {
	switch {
	case f.Has(BLOCK_GROUP_RAID0):
		return ProfileRAID0
	case f.Has(BLOCK_GROUP_RAID1):
		return ProfileRAID1
	case f.Has(BLOCK_GROUP_DUP):
		return ProfileDUP
	case f.Has(BLOCK_GROUP_RAID10):
		return ProfileRAID10
	case f.Has(BLOCK_GROUP_RAID5):
		return ProfileRAID5
	case f.Has(BLOCK_GROUP_RAID6):
		return ProfileRAID6
	case f.Has(BLOCK_GROUP_RAID1C3):
		return ProfileRAID1C3
	case f.Has(BLOCK_GROUP_RAID1C4):
		return ProfileRAID1C4
	default:
		return ProfileSingle
	}
}

// NumCopies returns how many on-disk copies of a logical byte this
// profile keeps, i.e. how many stripes must agree (or be used for
// parity recovery) to read it back.
func (p Profile) NumCopies() int {
	switch p {
	case ProfileSingle, ProfileRAID0, ProfileRAID5, ProfileRAID6:
		return 1
	case ProfileRAID1, ProfileDUP, ProfileRAID10:
		return 2
	case ProfileRAID1C3:
		return 3
	case ProfileRAID1C4:
		return 4
	default:
		return 1
	}
}

// NumParityStripes returns how many of a chunk's stripes hold parity
// rather than data, mirroring nr_parity_stripes() in the original
// volume-mapping code.
func (p Profile) NumParityStripes() int {
	switch p {
	case ProfileRAID5:
		return 1
	case ProfileRAID6:
		return 2
	default:
		return 0
	}
}

// SubStripes returns the number of stripes that are mirrors of each
// other within a single RAID0 "row"; only meaningful for RAID10.
func (p Profile) SubStripes() int {
	if p == ProfileRAID10 {
		return 2
	}
	return 1
}

func (p Profile) String() string {
	switch p {
	case ProfileSingle:
		return "single"
	case ProfileRAID0:
		return "raid0"
	case ProfileRAID1:
		return "raid1"
	case ProfileDUP:
		return "dup"
	case ProfileRAID10:
		return "raid10"
	case ProfileRAID5:
		return "raid5"
	case ProfileRAID6:
		return "raid6"
	case ProfileRAID1C3:
		return "raid1c3"
	case ProfileRAID1C4:
		return "raid1c4"
	default:
		return fmt.Sprintf("profile(%d)", int(p))
	}
}

// StripeIndex locates, for a byte offset within a chunk of the given
// profile and stripe count, which stripe holds that byte and the
// offset within the stripe. It implements the row/column math used
// by both RAID0 and RAID5/6 (RAID5/6 differ only in skipping each
// row's NumParityStripes parity columns, whose position rotates by
// one column per row; that skip is handled here too).
func (p Profile) StripeIndex(numStripes int, chunkOffset AddrDelta) (stripe int, stripeOffset AddrDelta, err error) {
	dataStripes := numStripes - p.NumParityStripes()
	if dataStripes <= 0 {
		return 0, 0, fmt.Errorf("btrfsvol: profile %v needs at least %d stripes, have %d", p, p.NumParityStripes()+1, numStripes)
	}
	switch p {
	case ProfileSingle, ProfileRAID1, ProfileDUP, ProfileRAID1C3, ProfileRAID1C4:
		return 0, chunkOffset, nil
	case ProfileRAID10:
		sub := p.SubStripes()
		groups := numStripes / sub
		if groups == 0 {
			return 0, 0, fmt.Errorf("btrfsvol: raid10 chunk has fewer than %d stripes", sub)
		}
		stripeNr := int64(chunkOffset) / StripeLen
		group := int(stripeNr % int64(groups))
		within := chunkOffset - AddrDelta(stripeNr)*StripeLen
		rowOffset := (stripeNr / int64(groups)) * StripeLen
		return group * sub, rowOffset + within, nil
	case ProfileRAID0, ProfileRAID5, ProfileRAID6:
		stripeNr := int64(chunkOffset) / StripeLen
		within := chunkOffset - AddrDelta(stripeNr)*StripeLen
		col := int(stripeNr % int64(dataStripes))
		row := stripeNr / int64(dataStripes)
		// For parity profiles, row r's parity occupies the
		// columns starting at r%numStripes; shift the data
		// column index right past them.
		if np := p.NumParityStripes(); np > 0 {
			parityStart := int(row) % numStripes
			col = (parityStart + np + col) % numStripes
		}
		return col, AddrDelta(row)*StripeLen + within, nil
	default:
		return 0, 0, fmt.Errorf("btrfsvol: unknown profile %v", p)
	}
}
