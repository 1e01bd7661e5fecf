// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfssum"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfsio"
)

// writeSingleDeviceImage hand-writes a superblock (no trees at all,
// just enough for OpenDevices to assemble a LogicalVolume) to a fresh
// temp file, mirroring make_btrfs's single-device first chunk.
func writeSingleDeviceImage(t *testing.T) string {
	t.Helper()
	const size = 64 << 20

	f, err := os.CreateTemp(t.TempDir(), "opendevices-*.img")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	dev, err := btrfsio.OpenDevice(f.Name())
	require.NoError(t, err)
	defer dev.Close()

	sb := btrfstree.Superblock{
		FSUUID:       btrfsprim.UUID{1},
		NumDevices:   1,
		SectorSize:   4096,
		NodeSize:     16384,
		LeafSize:     16384,
		ChecksumType: btrfssum.TYPE_CRC32,
		DevItem: btrfsitem.Dev{
			DevID:    1,
			NumBytes: size,
		},
	}
	require.NoError(t, btrfsio.WriteAllSupers(dev, sb))
	return f.Name()
}

func TestOpenDevicesSingleDevice(t *testing.T) {
	path := writeSingleDeviceImage(t)

	fs, err := OpenDevices(path)
	require.NoError(t, err)
	defer fs.Close()

	paddrs, maxLen := fs.ResolveStripes(0)
	require.Len(t, paddrs, 1)
	assert.EqualValues(t, 1, paddrs[0].Dev)
	assert.EqualValues(t, 0, paddrs[0].Addr)
	assert.EqualValues(t, 64<<20, maxLen)
}

func TestOpenDevicesNoPaths(t *testing.T) {
	_, err := OpenDevices()
	assert.Error(t, err)
}
