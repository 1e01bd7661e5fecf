// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dnesting/btrfsgo/lib/btrfsprogs/btrfsinspect"
	"github.com/dnesting/btrfsgo/lib/btrfsprogs/btrfsutil"
)

func main() {
	if err := Main(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

const version = "5.18.1"

func Main(imgfilename string) (err error) {
	maybeSetErr := func(_err error) {
		if _err != nil && err == nil {
			err = _err
		}
	}

	ctx := context.Background()
	fs, err := btrfsutil.Open(ctx, os.O_RDONLY, imgfilename)
	if err != nil {
		return err
	}
	defer func() {
		maybeSetErr(fs.Close())
	}()

	fmt.Printf("btrfs-progs v%v\n", version)
	return btrfsinspect.DumpTrees(ctx, os.Stdout, os.Stderr, fs)
}
