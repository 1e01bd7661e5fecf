// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsscrub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfssum"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
	"github.com/dnesting/btrfsgo/lib/btrfsscrub"
)

type fakeIO struct {
	written map[btrfsvol.DeviceID]map[btrfsvol.PhysicalAddr][]byte
}

func newFakeIO() *fakeIO {
	return &fakeIO{written: make(map[btrfsvol.DeviceID]map[btrfsvol.PhysicalAddr][]byte)}
}

func (f *fakeIO) ReadStripe(dev btrfsvol.DeviceID, addr btrfsvol.PhysicalAddr, size int) ([]byte, error) {
	return nil, nil
}

func (f *fakeIO) WriteStripe(dev btrfsvol.DeviceID, addr btrfsvol.PhysicalAddr, data []byte) error {
	if f.written[dev] == nil {
		f.written[dev] = make(map[btrfsvol.PhysicalAddr][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written[dev][addr] = cp
	return nil
}

func TestScrubMirrorsRepairsBadCopy(t *testing.T) {
	t.Parallel()
	good := []byte("good sector data")
	want, err := btrfssum.TYPE_CRC32.Sum(good)
	require.NoError(t, err)

	io := newFakeIO()
	stripes := []btrfsscrub.Stripe{
		{Dev: 1, Addr: 100, Data: good},
		{Dev: 2, Addr: 200, Data: []byte("corrupted sector!")},
	}
	c, err := btrfsscrub.ScrubMirrors(io, stripes, len(good), btrfssum.TYPE_CRC32, want)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.ChecksumErrors)
	assert.Equal(t, uint64(0), c.UnrecoverableErrors)
	assert.Equal(t, good, io.written[2][200])
}

func TestScrubMirrorsAllBadIsUncorrectable(t *testing.T) {
	t.Parallel()
	want, err := btrfssum.TYPE_CRC32.Sum([]byte("expected"))
	require.NoError(t, err)

	io := newFakeIO()
	stripes := []btrfsscrub.Stripe{
		{Dev: 1, Addr: 100, Data: []byte("bad 1")},
		{Dev: 2, Addr: 200, Data: []byte("bad 2")},
	}
	_, err = btrfsscrub.ScrubMirrors(io, stripes, 8, btrfssum.TYPE_CRC32, want)
	assert.Error(t, err)
}

func TestScrubParityStripeRecoversOneColumn(t *testing.T) {
	t.Parallel()
	d0 := []byte{1, 2, 3, 4}
	d1 := []byte{10, 20, 30, 40}
	d2 := []byte{200, 150, 100, 50}
	p := make([]byte, 4)
	q := make([]byte, 4)
	require.NoError(t, btrfsvol.RAID6PQ([][]byte{d0, d1, d2}, p, q))

	sum0, _ := btrfssum.TYPE_CRC32.Sum(d0)
	sum1, _ := btrfssum.TYPE_CRC32.Sum(d1)
	sum2, _ := btrfssum.TYPE_CRC32.Sum(d2)

	io := newFakeIO()
	dataCols := []btrfsscrub.Stripe{
		{Dev: 1, Addr: 10, Data: d0},
		{Dev: 2, Addr: 20, Data: nil, Err: assertErr{}},
		{Dev: 3, Addr: 30, Data: d2},
	}
	c, err := btrfsscrub.ScrubParityStripe(io, btrfsvol.ProfileRAID6, dataCols,
		btrfsscrub.Stripe{Dev: 4, Addr: 40, Data: p},
		btrfsscrub.Stripe{Dev: 5, Addr: 50, Data: q},
		4, btrfssum.TYPE_CRC32, []btrfssum.CSum{sum0, sum1, sum2})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.UnrecoverableErrors)
	assert.Equal(t, d1, io.written[2][20])
}

type assertErr struct{}

func (assertErr) Error() string { return "missing device" }
