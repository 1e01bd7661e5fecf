// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"compress/zlib"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/dnesting/btrfsgo/lib/btrfs"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
	"github.com/dnesting/btrfsgo/lib/btrfsprogs/btrfsutil"
)

func main() {
	verbose := flag.Bool("v", false, "verbose output")
	ignoreErrors := flag.Bool("i", false, "ignore errors and keep going")
	overwrite := flag.Bool("o", false, "overwrite files that already exist in the output directory")
	dryRun := flag.Bool("d", false, "dry run: don't actually write anything")
	includeSnapshots := flag.Bool("s", false, "has no effect: the contents of snapshots and other nested subvolumes are not restored")
	bytenr := flag.Uint64("t", 0, "use this logical address as the root of the fs tree to restore, instead of the default subvolume")
	fsBytenr := flag.Uint64("f", 0, "use this logical address as the filesystem's superblock root, instead of the on-device one")
	flag.Parse()
	if flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: %v [-sviod] [-t bytenr] [-f fs_bytenr] dev dir\n", os.Args[0])
		os.Exit(1)
	}
	opts := options{
		verbose:          *verbose,
		ignoreErrors:     *ignoreErrors,
		overwrite:        *overwrite,
		dryRun:           *dryRun,
		includeSnapshots: *includeSnapshots,
		bytenr:           *bytenr,
		hasBytenr:        isFlagPassed("t"),
		fsBytenr:         *fsBytenr,
		hasFSBytenr:      isFlagPassed("f"),
	}
	if err := Main(opts, flag.Arg(0), flag.Arg(1)); err != nil {
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
	verbose, ignoreErrors, overwrite, dryRun, includeSnapshots bool
	bytenr                                                     uint64
	hasBytenr                                                  bool
	fsBytenr                                                   uint64
	hasFSBytenr                                                bool
}

// restorer accumulates a single subvolume's inode/dirindex/fileextent
// items from one tree walk, then replays them into outDir -- mirroring
// btrfs-progs' restore, which does the same two-pass (collect, then
// recursively materialize from the root inode down) rather than
// writing files as items are encountered, since a DIR_INDEX can be
// seen before the INODE_ITEM it points at.
type restorer struct {
	opts   options
	outDir string

	inodes  map[btrfs.ObjID]btrfsitem.Inode
	entries map[btrfs.ObjID][]dirEntry // parent inode -> children
	extents map[btrfs.ObjID][]fileExtent
}

type dirEntry struct {
	name   string
	target btrfs.ObjID
	ftype  btrfsitem.FileType
}

type fileExtent struct {
	fileOffset int64
	body       btrfsitem.FileExtent
}

func Main(opts options, devFilename, outDir string) error {
	ctx := context.Background()
	fs, err := btrfsutil.Open(ctx, os.O_RDONLY, devFilename)
	if err != nil {
		return err
	}
	defer fs.Close()

	if !opts.dryRun {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
	}

	r := &restorer{
		opts:    opts,
		outDir:  outDir,
		inodes:  make(map[btrfs.ObjID]btrfsitem.Inode),
		entries: make(map[btrfs.ObjID][]dirEntry),
		extents: make(map[btrfs.ObjID][]fileExtent),
	}

	walkFn := func(treeErr *btrfs.TreeError) {
		if !opts.ignoreErrors {
			fmt.Fprintf(os.Stderr, "warning: %v\n", treeErr)
		}
	}
	handler := btrfs.TreeWalkHandler{
		Item: r.collect,
	}

	switch {
	case opts.hasFSBytenr:
		// -f picks an alternate root-tree root (e.g. one of the
		// superblock's backup roots) to resolve FS_TREE's location
		// from, the way restore falls back to an older root tree
		// when the current one is damaged.
		fsRoot, err := findFSTreeRoot(ctx, fs, btrfsvol.LogicalAddr(opts.fsBytenr))
		if err != nil {
			return fmt.Errorf("resolving fs tree root from root tree at %v: %w", opts.fsBytenr, err)
		}
		fs.RawTreeWalk(ctx, *fsRoot, walkFn, handler)
	case opts.hasBytenr:
		root := btrfs.TreeRoot{
			TreeID:   btrfs.FS_TREE_OBJECTID,
			RootNode: btrfsvol.LogicalAddr(opts.bytenr),
		}
		fs.RawTreeWalk(ctx, root, walkFn, handler)
	default:
		fs.TreeWalk(ctx, btrfs.FS_TREE_OBJECTID, walkFn, handler)
	}

	rootInode := btrfs.ObjID(256) // BTRFS_FIRST_FREE_OBJECTID: the subvolume's top-level directory
	return r.restoreDir(fs, rootInode, outDir)
}

// findFSTreeRoot walks the root tree starting from rootTreeAddr
// looking for the default subvolume's ROOT_ITEM, and returns a
// TreeRoot pointing at its root node.
func findFSTreeRoot(ctx context.Context, fs *btrfs.FS, rootTreeAddr btrfsvol.LogicalAddr) (*btrfs.TreeRoot, error) {
	var found *btrfsitem.Root
	fs.RawTreeWalk(ctx, btrfs.TreeRoot{TreeID: btrfs.ROOT_TREE_OBJECTID, RootNode: rootTreeAddr},
		func(treeErr *btrfs.TreeError) { fmt.Fprintf(os.Stderr, "warning: %v\n", treeErr) },
		btrfs.TreeWalkHandler{
			Item: func(_ btrfs.TreePath, item btrfs.Item) error {
				if item.Head.Key.ItemType != btrfsitem.ROOT_ITEM_KEY || item.Head.Key.ObjectID != btrfs.FS_TREE_OBJECTID {
					return nil
				}
				if root, ok := item.Body.(btrfsitem.Root); ok {
					found = &root
				}
				return nil
			},
		})
	if found == nil {
		return nil, fmt.Errorf("no FS_TREE root item found under root tree at %v", rootTreeAddr)
	}
	return &btrfs.TreeRoot{
		TreeID:     btrfs.FS_TREE_OBJECTID,
		RootNode:   found.ByteNr,
		Level:      found.Level,
		Generation: btrfs.Generation(found.Generation),
	}, nil
}

func (r *restorer) collect(_ btrfs.TreePath, item btrfs.Item) error {
	switch item.Head.Key.ItemType {
	case btrfsitem.INODE_ITEM_KEY:
		inode, ok := item.Body.(btrfsitem.Inode)
		if !ok {
			return nil
		}
		r.inodes[item.Head.Key.ObjectID] = inode
	case btrfsitem.DIR_INDEX_KEY:
		entry, ok := item.Body.(btrfsitem.DirEntry)
		if !ok {
			return nil
		}
		if entry.Type == btrfsitem.FT_XATTR {
			return nil
		}
		if entry.Type == FT_DIRROOT && !r.opts.includeSnapshots {
			return nil
		}
		r.entries[item.Head.Key.ObjectID] = append(r.entries[item.Head.Key.ObjectID], dirEntry{
			name:   string(entry.Name),
			target: btrfs.ObjID(entry.Location.ObjectID),
			ftype:  entry.Type,
		})
	case btrfsitem.EXTENT_DATA_KEY:
		fe, ok := item.Body.(btrfsitem.FileExtent)
		if !ok {
			return nil
		}
		r.extents[item.Head.Key.ObjectID] = append(r.extents[item.Head.Key.ObjectID], fileExtent{
			fileOffset: int64(item.Head.Key.Offset),
			body:       fe,
		})
	}
	return nil
}

// FT_DIRROOT doesn't exist as a real DirEntry type; nested subvolumes
// show up as DIR_ITEM/DIR_INDEX entries whose Location points into a
// different tree, which this single-tree walk can't follow. It is a
// sentinel that never matches, so the -s check above is a no-op and a
// nested subvolume's contents are never restored.
const FT_DIRROOT = btrfsitem.FileType(0xff)

func (r *restorer) restoreDir(fs *btrfs.FS, inodeNr btrfs.ObjID, outPath string) error {
	entries := append([]dirEntry(nil), r.entries[inodeNr]...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	for _, entry := range entries {
		childPath := filepath.Join(outPath, entry.name)
		var err error
		switch entry.ftype {
		case btrfsitem.FT_DIR:
			err = r.restoreMkdir(childPath)
			if err == nil {
				err = r.restoreDir(fs, entry.target, childPath)
			}
		case btrfsitem.FT_REG_FILE:
			err = r.restoreFile(fs, entry.target, childPath)
		case btrfsitem.FT_SYMLINK:
			err = r.restoreSymlink(entry.target, childPath)
		default:
			if r.opts.verbose {
				fmt.Fprintf(os.Stderr, "skipping %v: unsupported type %v\n", childPath, entry.ftype)
			}
			continue
		}
		if err != nil {
			if r.opts.ignoreErrors {
				fmt.Fprintf(os.Stderr, "warning: %v: %v\n", childPath, err)
				continue
			}
			return fmt.Errorf("%v: %w", childPath, err)
		}
	}
	return nil
}

func (r *restorer) restoreMkdir(path string) error {
	if r.opts.verbose {
		fmt.Printf("mkdir %v\n", path)
	}
	if r.opts.dryRun {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}

func (r *restorer) restoreSymlink(inodeNr btrfs.ObjID, path string) error {
	data, err := r.readFileData(nil, inodeNr)
	if err != nil {
		return err
	}
	if r.opts.verbose {
		fmt.Printf("symlink %v -> %s\n", path, data)
	}
	if r.opts.dryRun {
		return nil
	}
	if !r.opts.overwrite {
		if _, err := os.Lstat(path); err == nil {
			return fmt.Errorf("already exists (use -o to overwrite)")
		}
	} else {
		os.Remove(path)
	}
	return os.Symlink(string(data), path)
}

func (r *restorer) restoreFile(fs *btrfs.FS, inodeNr btrfs.ObjID, path string) error {
	if r.opts.verbose {
		fmt.Printf("file %v\n", path)
	}
	if r.opts.dryRun {
		return nil
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !r.opts.overwrite {
		flags |= os.O_EXCL
	}
	inode := r.inodes[inodeNr]
	f, err := os.OpenFile(path, flags, (os.FileMode(inode.Mode) & 0o7777) | 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := r.readFileData(fs, inodeNr)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// readFileData reassembles a file (or symlink target) by walking its
// collected EXTENT_DATA items in file-offset order and decompressing
// each according to its btrfsitem.CompressionType, matching what the
// original kernel read path does transparently for zlib and zstd; an
// lzo-compressed extent makes it return an error.
func (r *restorer) readFileData(fs *btrfs.FS, inodeNr btrfs.ObjID) ([]byte, error) {
	extents := append([]fileExtent(nil), r.extents[inodeNr]...)
	sort.Slice(extents, func(i, j int) bool { return extents[i].fileOffset < extents[j].fileOffset })

	var buf bytes.Buffer
	for _, fe := range extents {
		var raw []byte
		switch fe.body.Type {
		case btrfsitem.FILE_EXTENT_INLINE:
			raw = fe.body.BodyInline
		case btrfsitem.FILE_EXTENT_REG, btrfsitem.FILE_EXTENT_PREALLOC:
			if fe.body.BodyExtent.DiskByteNr == 0 {
				// hole
				buf.Write(make([]byte, fe.body.BodyExtent.NumBytes))
				continue
			}
			if fs == nil {
				return nil, fmt.Errorf("non-inline extent in a context with no filesystem to read from")
			}
			raw = make([]byte, fe.body.BodyExtent.DiskNumBytes)
			if _, err := fs.ReadAt(raw, fe.body.BodyExtent.DiskByteNr); err != nil {
				return nil, fmt.Errorf("reading extent at %v: %w", fe.body.BodyExtent.DiskByteNr, err)
			}
		default:
			continue
		}
		decoded, err := decompress(fe.body.Compression, raw)
		if err != nil {
			return nil, err
		}
		if fe.body.Type != btrfsitem.FILE_EXTENT_INLINE {
			off := int64(fe.body.BodyExtent.Offset)
			end := off + fe.body.BodyExtent.NumBytes
			if off < 0 || end > int64(len(decoded)) {
				return nil, fmt.Errorf("extent offset/length out of range of decoded data")
			}
			decoded = decoded[off:end]
		}
		buf.Write(decoded)
	}
	return buf.Bytes(), nil
}

func decompress(ct btrfsitem.CompressionType, raw []byte) ([]byte, error) {
	switch ct {
	case btrfsitem.COMPRESS_NONE:
		return raw, nil
	case btrfsitem.COMPRESS_ZLIB:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case btrfsitem.COMPRESS_ZSTD:
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case btrfsitem.COMPRESS_LZO:
		return nil, fmt.Errorf("lzo-compressed extents are not supported")
	default:
		return nil, fmt.Errorf("unknown compression type %v", ct)
	}
}
