// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/dnesting/btrfsgo/lib/btrfs"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
	"github.com/dnesting/btrfsgo/lib/btrfsprogs/btrfsutil"
)

func main() {
	verbose := flag.Bool("v", false, "print a line per block group, not just per-profile totals")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %v [-v] dev\n", os.Args[0])
		os.Exit(1)
	}
	if err := Main(os.Stdout, flag.Arg(0), *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

type profileTotals struct {
	profile    btrfsvol.BlockGroupFlags
	numGroups  int
	chunkBytes int64
	usedBytes  int64
}

// Main tallies chunk and block-group usage by profile, the way
// calc-size estimates how much a filesystem could be shrunk to --
// the minimum size is the chunk-tree's allocated span, not the
// used-bytes sum, since chunks can't be split below their own size.
func Main(out *os.File, devFilename string, verbose bool) error {
	ctx := context.Background()
	fs, err := btrfsutil.Open(ctx, os.O_RDONLY, devFilename)
	if err != nil {
		return err
	}
	defer fs.Close()

	chunks := make(map[btrfsvol.LogicalAddr]btrfsitem.Chunk)
	fs.TreeWalk(ctx, btrfs.CHUNK_TREE_OBJECTID,
		func(treeErr *btrfs.TreeError) { fmt.Fprintf(os.Stderr, "error: %v\n", treeErr) },
		btrfs.TreeWalkHandler{
			Item: func(_ btrfs.TreePath, item btrfs.Item) error {
				if item.Head.Key.ItemType != btrfsitem.CHUNK_ITEM_KEY {
					return nil
				}
				chunk, ok := item.Body.(btrfsitem.Chunk)
				if !ok {
					return nil
				}
				chunks[btrfsvol.LogicalAddr(item.Head.Key.Offset)] = chunk
				return nil
			},
		})

	totals := make(map[btrfsvol.BlockGroupFlags]*profileTotals)
	totalFor := func(flags btrfsvol.BlockGroupFlags) *profileTotals {
		t, ok := totals[flags]
		if !ok {
			t = &profileTotals{profile: flags}
			totals[flags] = t
		}
		return t
	}

	fs.TreeWalk(ctx, btrfs.EXTENT_TREE_OBJECTID,
		func(treeErr *btrfs.TreeError) { fmt.Fprintf(os.Stderr, "error: %v\n", treeErr) },
		btrfs.TreeWalkHandler{
			Item: func(_ btrfs.TreePath, item btrfs.Item) error {
				if item.Head.Key.ItemType != btrfsitem.BLOCK_GROUP_ITEM_KEY {
					return nil
				}
				bg, ok := item.Body.(btrfsitem.BlockGroup)
				if !ok {
					return nil
				}
				t := totalFor(bg.Flags)
				t.numGroups++
				t.usedBytes += bg.Used
				if chunk, ok := chunks[btrfsvol.LogicalAddr(item.Head.Key.ObjectID)]; ok {
					t.chunkBytes += int64(chunk.Head.Size)
				} else {
					t.chunkBytes += item.Head.Key.Offset
				}
				if verbose {
					fmt.Fprintf(out, "block group %v len %v used %v flags %v\n",
						item.Head.Key.ObjectID, item.Head.Key.Offset, bg.Used, bg.Flags)
				}
				return nil
			},
		})

	profiles := make([]btrfsvol.BlockGroupFlags, 0, len(totals))
	for p := range totals {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i] < profiles[j] })

	var grandChunk, grandUsed int64
	for _, p := range profiles {
		t := totals[p]
		fmt.Fprintf(out, "%-16v groups %4d  chunk_size %12d  used %12d\n", p, t.numGroups, t.chunkBytes, t.usedBytes)
		grandChunk += t.chunkBytes
		grandUsed += t.usedBytes
	}
	fmt.Fprintf(out, "total chunk allocation %d, total used %d\n", grandChunk, grandUsed)

	sb, err := fs.Superblock()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "device total_bytes %d, minimum usable size estimate %d\n", sb.Data.TotalBytes, grandChunk)
	return nil
}
