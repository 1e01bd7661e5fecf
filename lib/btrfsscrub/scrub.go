// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsscrub walks a block group's stripes, verifies their
// checksums, and repairs whatever mismatches it can from a surviving
// mirror or from RAID5/6 parity.
package btrfsscrub

import (
	"fmt"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfssum"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
)

// Counters tallies what a scrub pass found, mirroring the fields
// scrub_stat prints at the end of an offline scrub run: how many
// bytes of tree vs. data were covered, how many sectors couldn't be
// read or didn't verify, and how many of those were beyond repair.
type Counters struct {
	TreeBytesScrubbed   uint64
	DataBytesScrubbed   uint64
	ReadErrors          uint64
	VerifyErrors        uint64
	ChecksumErrors      uint64
	UnrecoverableErrors uint64
	CSumDiscards        uint64
}

func (c *Counters) Add(o Counters) {
	c.TreeBytesScrubbed += o.TreeBytesScrubbed
	c.DataBytesScrubbed += o.DataBytesScrubbed
	c.ReadErrors += o.ReadErrors
	c.VerifyErrors += o.VerifyErrors
	c.ChecksumErrors += o.ChecksumErrors
	c.UnrecoverableErrors += o.UnrecoverableErrors
	c.CSumDiscards += o.CSumDiscards
}

// Stripe is one on-disk copy of a logical sector: the mirrored data
// for mirror-redundant profiles, or one data/parity column for
// RAID5/6. A nil Data or non-nil Err means this stripe couldn't be
// read at all (dev_missing in the original's terms).
type Stripe struct {
	Dev  btrfsvol.DeviceID
	Addr btrfsvol.PhysicalAddr
	Data []byte
	Err  error
}

// StripeIO is the device access a caller wires up for scrubbing: read
// the current on-disk contents of a stripe, and write corrected
// contents back during repair.
type StripeIO interface {
	ReadStripe(dev btrfsvol.DeviceID, addr btrfsvol.PhysicalAddr, size int) ([]byte, error)
	WriteStripe(dev btrfsvol.DeviceID, addr btrfsvol.PhysicalAddr, data []byte) error
}

// ScrubMirrors verifies and, if possible, repairs a mirrored sector
// (RAID1/DUP/RAID10/RAID1C3/RAID1C4/single): csumType.Sum-verify every
// stripe against the expected checksum, and if exactly a strict subset
// of stripes agree with the checksum, rewrite the disagreeing ones
// from an agreeing one.
func ScrubMirrors(io StripeIO, stripes []Stripe, size int, csumType btrfssum.CSumType, want btrfssum.CSum) (Counters, error) {
	var c Counters
	good := -1
	var badIdx []int

	for i, s := range stripes {
		if s.Err != nil || s.Data == nil {
			c.ReadErrors++
			badIdx = append(badIdx, i)
			continue
		}
		ok, err := csumType.Verify(s.Data, want)
		if err != nil {
			return c, fmt.Errorf("btrfsscrub: %w", err)
		}
		if !ok {
			c.ChecksumErrors++
			badIdx = append(badIdx, i)
			continue
		}
		if good < 0 {
			good = i
		}
	}

	if good < 0 {
		c.UnrecoverableErrors += uint64(len(badIdx))
		return c, fmt.Errorf("btrfsscrub: no surviving good mirror for this sector")
	}

	for _, i := range badIdx {
		s := stripes[i]
		if err := io.WriteStripe(s.Dev, s.Addr, stripes[good].Data); err != nil {
			c.UnrecoverableErrors++
		}
	}
	return c, nil
}

// ScrubParityStripe verifies a full RAID5/6 stripe (data columns plus
// P, and Q for RAID6) and repairs at most NumParityStripes(profile)
// missing/corrupt data columns using the parity math in
// lib/btrfs/btrfsvol. Columns whose Err is non-nil or whose checksum
// fails are treated as missing; more missing columns than the profile
// can recover from is reported as uncorrectable.
func ScrubParityStripe(io StripeIO, profile btrfsvol.Profile, dataCols []Stripe, p, q Stripe, size int, csumType btrfssum.CSumType, want []btrfssum.CSum) (Counters, error) {
	var c Counters

	var missing []int
	dataBufs := make([][]byte, len(dataCols))
	for i, s := range dataCols {
		dataBufs[i] = s.Data
		if s.Err != nil || s.Data == nil {
			c.ReadErrors++
			missing = append(missing, i)
			continue
		}
		if i >= len(want) {
			continue
		}
		ok, err := csumType.Verify(s.Data, want[i])
		if err != nil {
			return c, fmt.Errorf("btrfsscrub: %w", err)
		}
		if !ok {
			c.ChecksumErrors++
			missing = append(missing, i)
		}
	}

	if len(missing) == 0 {
		return c, nil
	}

	max := profile.NumParityStripes()
	if len(missing) > max {
		c.UnrecoverableErrors += uint64(len(missing))
		return c, fmt.Errorf("btrfsscrub: %d columns missing but profile %v can only recover %d", len(missing), profile, max)
	}

	switch len(missing) {
	case 1:
		recovered, err := btrfsvol.RAID6RecoverOne(dataBufs, missing[0], p.Data)
		if err != nil {
			c.UnrecoverableErrors++
			return c, fmt.Errorf("btrfsscrub: %w", err)
		}
		if err := io.WriteStripe(dataCols[missing[0]].Dev, dataCols[missing[0]].Addr, recovered); err != nil {
			c.UnrecoverableErrors++
			return c, err
		}
	case 2:
		if profile != btrfsvol.ProfileRAID6 {
			c.UnrecoverableErrors += 2
			return c, fmt.Errorf("btrfsscrub: two columns missing but profile %v has no Q parity", profile)
		}
		sa, sb, err := btrfsvol.RAID6RecoverTwo(dataBufs, missing[0], missing[1], p.Data, q.Data)
		if err != nil {
			c.UnrecoverableErrors += 2
			return c, fmt.Errorf("btrfsscrub: %w", err)
		}
		if err := io.WriteStripe(dataCols[missing[0]].Dev, dataCols[missing[0]].Addr, sa); err != nil {
			c.UnrecoverableErrors++
		}
		if err := io.WriteStripe(dataCols[missing[1]].Dev, dataCols[missing[1]].Addr, sb); err != nil {
			c.UnrecoverableErrors++
		}
	}
	return c, nil
}
