// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dnesting/btrfsgo/lib/btrfsfs"
	"github.com/dnesting/btrfsgo/lib/btrfsscrub"
)

func main() {
	write := flag.Bool("w", true, "repair mismatches found, not just report them")
	flag.Parse()

	c, err := Main(context.Background(), *write, flag.Args()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
		os.Exit(1)
	}
	fmt.Printf("tree bytes scrubbed: %d\n", c.TreeBytesScrubbed)
	fmt.Printf("data bytes scrubbed: %d\n", c.DataBytesScrubbed)
	fmt.Printf("read errors: %d\n", c.ReadErrors)
	fmt.Printf("checksum errors: %d\n", c.ChecksumErrors)
	fmt.Printf("verify errors: %d\n", c.VerifyErrors)
	fmt.Printf("csum discards: %d\n", c.CSumDiscards)
	fmt.Printf("unrecoverable errors: %d\n", c.UnrecoverableErrors)

	if c.UnrecoverableErrors > 0 {
		os.Exit(2)
	}
}

// Main opens devfilenames as a single filesystem, scrubs (and, if
// write, repairs) every block group it can find, and returns the
// combined Counters across all of them. Non-aborting per-extent
// errors from btrfsscrub.ScrubBlockGroup are accumulated into the
// returned Counters rather than failing the whole run; only an error
// opening the filesystem or listing its block groups is fatal.
func Main(ctx context.Context, write bool, devfilenames ...string) (total btrfsscrub.Counters, err error) {
	if len(devfilenames) == 0 {
		return total, fmt.Errorf("no device given")
	}

	fs, err := btrfsfs.OpenDevices(devfilenames...)
	if err != nil {
		return total, err
	}
	defer func() {
		if cerr := fs.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	bgs, err := btrfsscrub.ListBlockGroups(fs)
	if err != nil {
		return total, err
	}

	for _, bg := range bgs {
		c, scrubErr := btrfsscrub.ScrubBlockGroup(ctx, fs, bg, write)
		total.Add(c)
		if scrubErr != nil {
			fmt.Fprintf(os.Stderr, "btrfs-scrub: block group laddr=%v: %v\n", bg.LAddr, scrubErr)
		}
	}
	return total, nil
}
