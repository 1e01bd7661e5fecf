// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsio"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %v dev\n", os.Args[0])
		os.Exit(1)
	}
	if err := Main(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

// Main clears log_root, log_root_level, and log_root_transid, the way
// zero-log discards an unreplayed tree-log after a transaction commit
// has already made it redundant -- without this, a kernel mount would
// try to replay a log tree, which for a log captured in the middle of
// repair tooling may no longer be consistent with the rest of the
// filesystem.
func Main(devFilename string) error {
	dev, err := btrfsio.OpenDevice(devFilename)
	if err != nil {
		return err
	}
	defer dev.Close()

	sb, err := btrfsio.ReadSuperblock(dev)
	if err != nil {
		return err
	}

	sb.LogTree = 0
	sb.LogLevel = 0
	sb.LogRootTransID = 0

	return btrfsio.WriteAllSupers(dev, sb)
}
