// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dnesting/btrfsgo/lib/binstruct"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsio"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
)

var superblockSize = btrfsvol.PhysicalAddr(binstruct.StaticSize(btrfstree.Superblock{}))

func main() {
	full := flag.Bool("f", false, "print the full superblock, including the device item and label")
	force := flag.Bool("F", false, "print mirrors even if their checksum or magic is bad")
	all := flag.Bool("a", false, "print all superblock mirrors, not just the primary")
	mirror := flag.Int("i", -1, "print only this mirror index (0, 1, or 2)")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: %v [-fFa] [-i mirror] dev...\n", os.Args[0])
		os.Exit(1)
	}

	var exitCode int
	for _, devFilename := range flag.Args() {
		if err := Main(os.Stdout, devFilename, *full, *force, *all, *mirror); err != nil {
			fmt.Fprintf(os.Stderr, "%v: %v: error: %v\n", os.Args[0], devFilename, err)
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

// mirrors reads every superblock mirror slot that fits on dev,
// without validating checksum or magic -- that's left to the caller,
// the way show-super's -F lets a caller inspect a mirror btrfs itself
// would refuse to trust.
func mirrors(dev *btrfsio.Device) ([]btrfstree.Superblock, error) {
	size := dev.Size()
	var ret []btrfstree.Superblock
	for _, addr := range btrfsio.SuperblockAddrs {
		if addr+superblockSize > size {
			break
		}
		buf := make([]byte, superblockSize)
		if _, err := dev.ReadAt(buf, addr); err != nil {
			return ret, fmt.Errorf("mirror at %v: %w", addr, err)
		}
		var sb btrfstree.Superblock
		if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
			return ret, fmt.Errorf("mirror at %v: %w", addr, err)
		}
		ret = append(ret, sb)
	}
	return ret, nil
}

func Main(out *os.File, devFilename string, full, force, all bool, mirrorIdx int) error {
	f, err := os.Open(devFilename)
	if err != nil {
		return err
	}
	defer f.Close()
	dev := &btrfsio.Device{File: f}

	sbs, err := mirrors(dev)
	if err != nil {
		return err
	}
	if len(sbs) == 0 {
		return fmt.Errorf("no superblock mirrors fit on this device")
	}

	print := func(i int, sb btrfstree.Superblock) error {
		magicOK := string(sb.Magic[:]) == "_BHRfS_M"
		checksumErr := sb.ValidateChecksum()
		if (!magicOK || checksumErr != nil) && !force {
			return fmt.Errorf("mirror %d: bad magic or checksum (use -F to print anyway): %v", i, checksumErr)
		}
		fmt.Fprintf(out, "superblock: bytenr=%v\n", sb.Self)
		fmt.Fprintf(out, "\tmagic ok %v checksum ok %v\n", magicOK, checksumErr == nil)
		fmt.Fprintf(out, "\tgeneration %v\n", sb.Generation)
		fmt.Fprintf(out, "\troot %v\n", sb.RootTree)
		fmt.Fprintf(out, "\tchunk_root %v\n", sb.ChunkTree)
		fmt.Fprintf(out, "\tlog_root %v\n", sb.LogTree)
		fmt.Fprintf(out, "\tlog_root_transid %v\n", sb.LogRootTransID)
		fmt.Fprintf(out, "\ttotal_bytes %v\n", sb.TotalBytes)
		fmt.Fprintf(out, "\tbytes_used %v\n", sb.BytesUsed)
		fmt.Fprintf(out, "\tsectorsize %v\n", sb.SectorSize)
		fmt.Fprintf(out, "\tnodesize %v\n", sb.NodeSize)
		fmt.Fprintf(out, "\tnum_devices %v\n", sb.NumDevices)
		fmt.Fprintf(out, "\tfsid %v\n", sb.FSUUID)
		if full {
			fmt.Fprintf(out, "\tlabel %q\n", trimLabel(sb.Label))
			fmt.Fprintf(out, "\tdev_item.devid %v\n", sb.DevItem.DevID)
			fmt.Fprintf(out, "\tdev_item.total_bytes %v\n", sb.DevItem.NumBytes)
			fmt.Fprintf(out, "\tdev_item.bytes_used %v\n", sb.DevItem.NumBytesUsed)
			fmt.Fprintf(out, "\tdev_item.uuid %v\n", sb.DevItem.DevUUID)
		}
		return nil
	}

	switch {
	case mirrorIdx >= 0:
		if mirrorIdx >= len(sbs) {
			return fmt.Errorf("mirror %d does not exist on this device (only %d mirrors fit)", mirrorIdx, len(sbs))
		}
		return print(mirrorIdx, sbs[mirrorIdx])
	case all:
		var firstErr error
		for i, sb := range sbs {
			if err := print(i, sb); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	default:
		best := 0
		for i, sb := range sbs {
			if sb.Generation > sbs[best].Generation {
				best = i
			}
		}
		return print(best, sbs[best])
	}
}

func trimLabel(label [0x100]byte) string {
	n := 0
	for n < len(label) && label[n] != 0 {
		n++
	}
	return string(label[:n])
}
