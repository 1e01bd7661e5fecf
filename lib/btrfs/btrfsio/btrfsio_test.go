// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsio_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsio"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
)

func openTempDevice(t *testing.T, size int64) *btrfsio.Device {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "btrfsio-*.img")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	dev, err := btrfsio.OpenDevice(f.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestWriteAllSupersThenReadSuperblock(t *testing.T) {
	t.Parallel()
	dev := openTempDevice(t, 0x00_0500_0000) // big enough for mirrors 0 and 1, not 2

	sb := btrfstree.Superblock{
		Magic:      [8]byte{'_', 'B', 'H', 'R', 'f', 'S', '_', 'M'},
		Generation: 7,
		SectorSize: 4096,
		NodeSize:   16384,
		LeafSize:   16384,
	}
	require.NoError(t, btrfsio.WriteAllSupers(dev, sb))

	got, err := btrfsio.ReadSuperblock(dev)
	require.NoError(t, err)
	assert.Equal(t, sb.Generation, got.Generation)
	assert.Equal(t, sb.NodeSize, got.NodeSize)
	assert.Equal(t, btrfsio.SuperblockAddrs[0], got.Self)
}

func TestReadSuperblockPicksNewestGeneration(t *testing.T) {
	t.Parallel()
	dev := openTempDevice(t, 0x00_0500_0000)

	require.NoError(t, btrfsio.WriteAllSupers(dev, btrfstree.Superblock{Generation: 3}))
	require.NoError(t, btrfsio.WriteAllSupers(dev, btrfstree.Superblock{Generation: 9}))

	got, err := btrfsio.ReadSuperblock(dev)
	require.NoError(t, err)
	assert.Equal(t, btrfsprim.Generation(9), got.Generation)
}

func TestWriteAllSupersTooSmall(t *testing.T) {
	t.Parallel()
	dev := openTempDevice(t, 1024)
	err := btrfsio.WriteAllSupers(dev, btrfstree.Superblock{})
	assert.Error(t, err)
}
