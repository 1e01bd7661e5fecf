// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRAID5XorRoundTrip(t *testing.T) {
	t.Parallel()
	d0 := []byte{1, 2, 3, 4}
	d1 := []byte{5, 6, 7, 8}
	d2 := []byte{9, 10, 11, 12}
	p := make([]byte, 4)
	require.NoError(t, RAID5Xor([][]byte{d0, d1, d2}, p))

	// Recover d1 by XORing the rest back out of p.
	recovered := make([]byte, 4)
	copy(recovered, p)
	for i := range recovered {
		recovered[i] ^= d0[i] ^ d2[i]
	}
	assert.True(t, bytes.Equal(d1, recovered))
}

func TestRAID6PQRecoverOne(t *testing.T) {
	t.Parallel()
	d0 := []byte{1, 2, 3, 4, 5}
	d1 := []byte{10, 20, 30, 40, 50}
	d2 := []byte{200, 150, 100, 50, 1}
	p := make([]byte, 5)
	q := make([]byte, 5)
	require.NoError(t, RAID6PQ([][]byte{d0, d1, d2}, p, q))

	recovered, err := RAID6RecoverOne([][]byte{d0, nil, d2}, 1, p)
	require.NoError(t, err)
	assert.Equal(t, d1, recovered)
}

func TestRAID6PQRecoverTwo(t *testing.T) {
	t.Parallel()
	d0 := []byte{1, 2, 3, 4, 5, 6}
	d1 := []byte{10, 20, 30, 40, 50, 60}
	d2 := []byte{200, 150, 100, 50, 1, 2}
	d3 := []byte{7, 8, 9, 10, 11, 12}
	p := make([]byte, 6)
	q := make([]byte, 6)
	require.NoError(t, RAID6PQ([][]byte{d0, d1, d2, d3}, p, q))

	ra, rb, err := RAID6RecoverTwo([][]byte{d0, nil, nil, d3}, 1, 2, p, q)
	require.NoError(t, err)
	assert.Equal(t, d1, ra)
	assert.Equal(t, d2, rb)
}

func TestProfileNumCopies(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, ProfileSingle.NumCopies())
	assert.Equal(t, 2, ProfileRAID1.NumCopies())
	assert.Equal(t, 2, ProfileDUP.NumCopies())
	assert.Equal(t, 1, ProfileRAID5.NumCopies())
	assert.Equal(t, 1, ProfileRAID6.NumCopies())
	assert.Equal(t, 1, ProfileRAID5.NumParityStripes()-1+1) // sanity: constant, not data-dependent
}

func TestProfileStripeIndexRAID0(t *testing.T) {
	t.Parallel()
	stripe, off, err := ProfileRAID0.StripeIndex(3, StripeLen+10)
	require.NoError(t, err)
	assert.Equal(t, 1, stripe)
	assert.Equal(t, AddrDelta(10), off)
}

func TestProfileStripeIndexSingle(t *testing.T) {
	t.Parallel()
	stripe, off, err := ProfileSingle.StripeIndex(1, 12345)
	require.NoError(t, err)
	assert.Equal(t, 0, stripe)
	assert.Equal(t, AddrDelta(12345), off)
}
