// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/go/typedsync"

	"github.com/dnesting/btrfsgo/lib/containers"
)

var bytePool containers.SlicePool[byte]

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	ret := bytePool.Get(len(b))
	copy(ret, b)
	return ret
}

var extentInlineRefPool containers.SlicePool[ExtentInlineRef]

var chunkPool = typedsync.Pool[*Chunk]{
	New: func() *Chunk { return new(Chunk) },
}

var fileExtentPool = typedsync.Pool[*FileExtent]{
	New: func() *FileExtent { return new(FileExtent) },
}

var metadataPool = typedsync.Pool[*Metadata]{
	New: func() *Metadata { return new(Metadata) },
}
