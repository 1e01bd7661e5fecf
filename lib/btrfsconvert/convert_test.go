// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsconvert_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnesting/btrfsgo/lib/btrfsconvert"
)

type fakeSource struct {
	used   []struct{ off, length int64 }
	inodes []btrfsconvert.Inode
}

func (f *fakeSource) Open(ctx context.Context, dev btrfsconvert.ReaderAt) error { return nil }
func (f *fakeSource) Close() error                                             { return nil }
func (f *fakeSource) BlockSize() int64                                         { return 4096 }

func (f *fakeSource) UsedRanges(ctx context.Context, fn func(offset, length int64) error) error {
	for _, r := range f.used {
		if err := fn(r.off, r.length); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) WalkInodes(ctx context.Context, fn func(btrfsconvert.Inode) error) error {
	for _, ino := range f.inodes {
		if err := fn(ino); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) Extents(ctx context.Context, ino int64, fn func(btrfsconvert.Extent) error) error {
	return fn(btrfsconvert.Extent{FileOffset: 0, DiskOffset: 1 << 20, Length: 4096})
}

func (f *fakeSource) ReadDir(ctx context.Context, dirIno int64, fn func(btrfsconvert.DirEntry) error) error {
	return nil
}

func (f *fakeSource) XAttrs(ctx context.Context, ino int64, fn func(btrfsconvert.XAttr) error) error {
	return nil
}

func (f *fakeSource) Label() string    { return "ext2vol" }
func (f *fakeSource) RootInode() int64 { return 2 }

type fakeWriter struct {
	reserved  []struct{ off, length int64 }
	inodes    []btrfsconvert.Inode
	extents   []btrfsconvert.Extent
	label     string
	committed bool
}

func (w *fakeWriter) ReserveMetadataSpace(ctx context.Context, offset, length int64) error {
	w.reserved = append(w.reserved, struct{ off, length int64 }{offset, length})
	return nil
}
func (w *fakeWriter) CreateImageSubvolume(ctx context.Context, name string, used []btrfsconvert.UsedRange) error {
	return nil
}
func (w *fakeWriter) WriteInode(ctx context.Context, ino btrfsconvert.Inode) error {
	w.inodes = append(w.inodes, ino)
	return nil
}
func (w *fakeWriter) WriteDirEntry(ctx context.Context, dirIno int64, entry btrfsconvert.DirEntry) error {
	return nil
}
func (w *fakeWriter) WriteFileExtent(ctx context.Context, ino int64, ext btrfsconvert.Extent, csum bool) error {
	w.extents = append(w.extents, ext)
	return nil
}
func (w *fakeWriter) WriteXAttr(ctx context.Context, ino int64, attr btrfsconvert.XAttr) error {
	return nil
}
func (w *fakeWriter) SetLabel(ctx context.Context, label string) error {
	w.label = label
	return nil
}
func (w *fakeWriter) Commit(ctx context.Context) error {
	w.committed = true
	return nil
}

type fakeDev struct {
	data []byte
}

func (d *fakeDev) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.data[off:])
	return n, nil
}
func (d *fakeDev) WriteAt(p []byte, off int64) (int, error) {
	n := copy(d.data[off:], p)
	return n, nil
}

func TestConverterConvertRunsAllStages(t *testing.T) {
	t.Parallel()
	src := &fakeSource{
		used: []struct{ off, length int64 }{{off: 0, length: 1 << 20}},
		inodes: []btrfsconvert.Inode{
			{Ino: 2, Mode: 0o755, Size: 4096},
		},
	}
	fw := &fakeWriter{}
	dev := &fakeDev{data: make([]byte, 8<<20)}

	c := &btrfsconvert.Converter{
		Source:  src,
		Dev:     dev,
		FS:      fw,
		Options: btrfsconvert.Options{DataChecksum: true, CopyLabel: true},
	}
	err := c.Convert(context.Background())
	require.NoError(t, err)

	assert.True(t, fw.committed)
	assert.Equal(t, "ext2vol", fw.label)
	require.Len(t, fw.inodes, 1)
	assert.Equal(t, int64(2), fw.inodes[0].Ino)
	require.Len(t, fw.extents, 1)
	assert.Equal(t, int64(1<<20), fw.extents[0].DiskOffset)
}

func TestConverterRollbackRestoresSavedRegions(t *testing.T) {
	t.Parallel()
	src := &fakeSource{used: []struct{ off, length int64 }{{off: 0, length: 1 << 20}}}
	fw := &fakeWriter{}
	dev := &fakeDev{data: bytes.Repeat([]byte{0xAB}, 8<<20)}

	c := &btrfsconvert.Converter{Source: src, Dev: dev, FS: fw}
	require.NoError(t, c.Convert(context.Background()))

	// corrupt the primary superblock region as if a new one had
	// been written there
	for i := 64 * 1024; i < 64*1024+4096; i++ {
		dev.data[i] = 0xFF
	}
	require.NoError(t, c.Rollback(context.Background()))
	for i := 64 * 1024; i < 64*1024+4096; i++ {
		assert.Equal(t, byte(0xAB), dev.data[i])
	}
}
