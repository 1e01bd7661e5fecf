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
	mirror := flag.Int("s", -1, "mirror number (1 or 2) to promote to the primary superblock")
	flag.Parse()
	if flag.NArg() != 1 || (*mirror != 1 && *mirror != 2) {
		fmt.Fprintf(os.Stderr, "usage: %v -s N dev\n", os.Args[0])
		os.Exit(1)
	}
	if err := Main(*mirror, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

// Main rewrites every superblock mirror with the contents of mirror
// N, the way btrfs-progs' btrfs-select-super recovers a filesystem
// whose primary superblock (mirror 0) has gone bad but a backup copy
// is still good.
func Main(mirrorIdx int, devFilename string) error {
	f, err := os.OpenFile(devFilename, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	dev := &btrfsio.Device{File: f}
	defer dev.Close()

	size := dev.Size()
	var addrs []btrfsvol.PhysicalAddr
	for _, addr := range btrfsio.SuperblockAddrs {
		if addr+superblockSize > size {
			break
		}
		addrs = append(addrs, addr)
	}
	if mirrorIdx >= len(addrs) {
		return fmt.Errorf("mirror %d does not exist on this device (only %d mirrors fit)", mirrorIdx, len(addrs))
	}

	buf := make([]byte, superblockSize)
	if _, err := dev.ReadAt(buf, addrs[mirrorIdx]); err != nil {
		return fmt.Errorf("reading mirror %d: %w", mirrorIdx, err)
	}
	var sb btrfstree.Superblock
	if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
		return fmt.Errorf("reading mirror %d: %w", mirrorIdx, err)
	}
	if err := sb.ValidateChecksum(); err != nil {
		return fmt.Errorf("mirror %d: %w", mirrorIdx, err)
	}

	return btrfsio.WriteAllSupers(dev, sb)
}
