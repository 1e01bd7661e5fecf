// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsio"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
	"github.com/dnesting/btrfsgo/lib/btrfsconvert"
	"github.com/dnesting/btrfsgo/lib/btrfsconvert/ext2"
	"github.com/dnesting/btrfsgo/lib/btrfsfs"
)

// deviceAt adapts *btrfsio.Device's btrfsvol.PhysicalAddr-indexed
// ReadAt/WriteAt to the plain int64 offsets btrfsconvert.ReaderWriterAt
// expects, since SourceFS implementations (ext2) and the converter
// itself work in terms of raw byte offsets rather than any particular
// volume's address type.
type deviceAt struct {
	dev *btrfsio.Device
}

func (d deviceAt) ReadAt(p []byte, off int64) (int, error) {
	return d.dev.ReadAt(p, btrfsvol.PhysicalAddr(off))
}

func (d deviceAt) WriteAt(p []byte, off int64) (int, error) {
	return d.dev.WriteAt(p, btrfsvol.PhysicalAddr(off))
}

func main() {
	datacsum := flag.Bool("d", true, "generate checksums for file data")
	packing := flag.Bool("i", true, "pack small files into their btrfs metadata")
	noxattr := flag.Bool("N", false, "don't copy xattrs from the source filesystem")
	label := flag.String("L", "", "set the new filesystem's label")
	copyLabel := flag.Bool("l", false, "use the source filesystem's label")
	rollback := flag.Bool("r", false, "roll back an aborted conversion instead of converting")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %v [-d -i -N] [-L label | -l] dev\n       %v -r dev\n", os.Args[0], os.Args[0])
		os.Exit(1)
	}

	opts := btrfsconvert.Options{
		DataChecksum: *datacsum,
		InlineSmall:  *packing,
		NoXAttrs:     *noxattr,
		Label:        *label,
		CopyLabel:    *copyLabel,
	}
	if *rollback {
		if err := Rollback(flag.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
			os.Exit(1)
		}
		return
	}
	if err := Main(opts, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

// Main drives an in-place ext2-to-btrfs conversion of devFilename,
// the way the original conversion tooling's do_convert runs: scan the
// source, lay a fresh btrfs skeleton into whatever the source left
// unused, preserve the source's still-live bytes in a hidden image
// subvolume, and replay every inode/dirent/extent/xattr as native
// btrfs metadata pointing at those same bytes. If conversion fails
// partway, the superblock mirror this run has overwritten is restored
// before returning, so the source filesystem stays mountable.
func Main(opts btrfsconvert.Options, devFilename string) error {
	ctx := context.Background()

	dev, err := btrfsio.OpenDevice(devFilename)
	if err != nil {
		return err
	}
	defer dev.Close()

	var fsUUID btrfsprim.UUID
	if _, err := rand.Read(fsUUID[:]); err != nil {
		return fmt.Errorf("generating filesystem UUID: %w", err)
	}

	// The label is set via FSWriter.SetLabel during copyMetadata
	// (honoring Options.Label/CopyLabel once the source is open),
	// not here.
	fs, err := btrfsfs.Bootstrap(dev, fsUUID, "")
	if err != nil {
		return fmt.Errorf("laying down btrfs metadata: %w", err)
	}

	writer, err := btrfsfs.NewConvertFS(fs)
	if err != nil {
		return fmt.Errorf("starting conversion transaction: %w", err)
	}

	c := &btrfsconvert.Converter{
		Source:  ext2.New(),
		Dev:     deviceAt{dev},
		FS:      writer,
		Options: opts,
		Report: func(ctx context.Context, stage btrfsconvert.Stage) {
			fmt.Printf("[%d/6] %v\n", int(stage)+1, stage)
		},
	}

	if err := c.Convert(ctx); err != nil {
		if rerr := c.Rollback(ctx); rerr != nil {
			return fmt.Errorf("conversion failed: %w (rollback also failed: %v)", err, rerr)
		}
		return fmt.Errorf("conversion failed, rolled back: %w", err)
	}
	return nil
}

// Rollback undoes a conversion on devFilename. Converter.Rollback only
// has anything to restore within the process that ran Convert (its
// shadowed-superblock state is in memory, not persisted to disk), so
// this standalone entry point can only ever report that there is
// nothing queued to roll back; a failed Main already rolls itself
// back before returning. -r is kept as a distinct mode so scripts that
// always call "btrfs-convert -r" after a failed run (mirroring the
// original tool's separate rollback invocation) get a clear message
// instead of silently reconverting.
func Rollback(devFilename string) error {
	dev, err := btrfsio.OpenDevice(devFilename)
	if err != nil {
		return err
	}
	defer dev.Close()

	c := &btrfsconvert.Converter{Dev: deviceAt{dev}}
	return c.Rollback(context.Background())
}
