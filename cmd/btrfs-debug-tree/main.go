// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dnesting/btrfsgo/lib/btrfs"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
	"github.com/dnesting/btrfsgo/lib/btrfsfs"
	"github.com/dnesting/btrfsgo/lib/btrfsprogs/btrfsinspect"
	"github.com/dnesting/btrfsgo/lib/btrfsprogs/btrfsutil"
)

func main() {
	extentsOnly := flag.Bool("e", false, "print only the extent tree")
	devicesOnly := flag.Bool("d", false, "print only the device tree")
	rootsOnly := flag.Bool("r", false, "print only the superblock's root pointers")
	uuidOnly := flag.Bool("u", false, "print only the uuid tree")
	backups := flag.Bool("R", false, "include the superblock's backup roots with -r")
	subvols := flag.Bool("subvols", false, "print the subvolume/snapshot list instead of raw trees")
	bytenr := flag.Uint64("b", 0, "print only the single tree block at this logical address")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %v [-edruR] [-b bytenr] [--subvols] dev\n", os.Args[0])
		os.Exit(1)
	}

	opts := options{
		extentsOnly: *extentsOnly,
		devicesOnly: *devicesOnly,
		rootsOnly:   *rootsOnly,
		uuidOnly:    *uuidOnly,
		backups:     *backups,
		subvols:     *subvols,
		bytenr:      *bytenr,
		hasBytenr:   isFlagPassed("b"),
	}
	if err := Main(opts, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

type options struct {
	extentsOnly bool
	devicesOnly bool
	rootsOnly   bool
	uuidOnly    bool
	backups     bool
	subvols     bool
	bytenr      uint64
	hasBytenr   bool
}

func Main(opts options, devFilename string) (err error) {
	maybeSetErr := func(_err error) {
		if _err != nil && err == nil {
			err = _err
		}
	}
	ctx := context.Background()

	if opts.uuidOnly || opts.subvols {
		fs, err := btrfsfs.OpenDevices(devFilename)
		if err != nil {
			return err
		}
		defer func() { maybeSetErr(fs.Close()) }()
		if opts.subvols {
			return printSubvols(fs)
		}
		return printUUIDTree(fs)
	}

	fs, err := btrfsutil.Open(ctx, os.O_RDONLY, devFilename)
	if err != nil {
		return err
	}
	defer func() { maybeSetErr(fs.Close()) }()

	switch {
	case opts.hasBytenr:
		return btrfsinspect.DumpNodeAt(os.Stdout, fs, btrfsvol.LogicalAddr(opts.bytenr))
	case opts.extentsOnly:
		btrfsinspect.DumpTree(ctx, os.Stdout, os.Stderr, fs, btrfs.EXTENT_TREE_OBJECTID)
		return nil
	case opts.devicesOnly:
		btrfsinspect.DumpTree(ctx, os.Stdout, os.Stderr, fs, btrfs.DEV_TREE_OBJECTID)
		return nil
	case opts.rootsOnly:
		return printRoots(fs, opts.backups)
	default:
		return btrfsinspect.DumpTrees(ctx, os.Stdout, os.Stderr, fs)
	}
}

func printRoots(fs *btrfs.FS, backups bool) error {
	sb, err := fs.Superblock()
	if err != nil {
		return err
	}
	fmt.Printf("root tree bytenr %d level %d\n", sb.Data.RootTree, sb.Data.RootLevel)
	fmt.Printf("chunk tree bytenr %d level %d\n", sb.Data.ChunkTree, sb.Data.ChunkLevel)
	fmt.Printf("log root tree bytenr %d level %d\n", sb.Data.LogTree, sb.Data.LogLevel)
	if !backups {
		return nil
	}
	for i, bak := range sb.Data.SuperRoots {
		fmt.Printf("backup %d:\n", i)
		fmt.Printf("\ttree root gen %d level %d\n", bak.TreeRootGen, bak.TreeRootLevel)
		fmt.Printf("\tchunk root gen %d level %d\n", bak.ChunkRootGen, bak.ChunkRootLevel)
		fmt.Printf("\textent root gen %d level %d\n", bak.ExtentRootGen, bak.ExtentRootLevel)
		fmt.Printf("\tfs root gen %d level %d\n", bak.FSRootGen, bak.FSRootLevel)
		fmt.Printf("\tdev root gen %d level %d\n", bak.DevRootGen, bak.DevRootLevel)
		fmt.Printf("\tcsum root gen %d level %d\n", bak.ChecksumRootGen, bak.ChecksumRootLevel)
		fmt.Printf("\ttotal bytes %d bytes used %d num devices %d\n", bak.TotalBytes, bak.BytesUsed, bak.NumDevices)
	}
	return nil
}

func printUUIDTree(fs *btrfsfs.FS) error {
	uuids, err := btrfsfs.ListUUIDs(fs)
	if err != nil {
		return err
	}
	for uuid, objID := range uuids {
		fmt.Printf("%v -> %v\n", uuid, objID)
	}
	return nil
}

func printSubvols(fs *btrfsfs.FS) error {
	subvols, err := btrfsfs.ListSubvolumes(fs)
	if err != nil {
		return err
	}
	for _, sv := range subvols {
		fmt.Printf("ID %d gen %d parent %d top level %d uuid %v path %s\n",
			sv.ID, sv.Generation, sv.ParentID, sv.DirID, sv.UUID, sv.Name)
	}
	return nil
}
