// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"github.com/dnesting/btrfsgo/lib/btrfs/internal"
	"github.com/dnesting/btrfsgo/lib/util"
)

type (
	// (u)int64 types

	Generation = internal.Generation
	ObjID      = internal.ObjID

	// complex types

	Key  = internal.Key
	Time = internal.Time
	UUID = util.UUID
)

// Well-known tree objectids, re-exported from internal so that package
// btrfs's own tree-walking code (and its callers) can refer to them
// without an internal import.
const (
	ROOT_TREE_OBJECTID        = internal.ROOT_TREE_OBJECTID
	EXTENT_TREE_OBJECTID      = internal.EXTENT_TREE_OBJECTID
	CHUNK_TREE_OBJECTID       = internal.CHUNK_TREE_OBJECTID
	DEV_TREE_OBJECTID         = internal.DEV_TREE_OBJECTID
	FS_TREE_OBJECTID          = internal.FS_TREE_OBJECTID
	ROOT_TREE_DIR_OBJECTID    = internal.ROOT_TREE_DIR_OBJECTID
	CSUM_TREE_OBJECTID        = internal.CSUM_TREE_OBJECTID
	QUOTA_TREE_OBJECTID       = internal.QUOTA_TREE_OBJECTID
	UUID_TREE_OBJECTID        = internal.UUID_TREE_OBJECTID
	FREE_SPACE_TREE_OBJECTID  = internal.FREE_SPACE_TREE_OBJECTID
	BLOCK_GROUP_TREE_OBJECTID = internal.BLOCK_GROUP_TREE_OBJECTID

	DEV_STATS_OBJECTID = internal.DEV_STATS_OBJECTID

	BALANCE_OBJECTID         = internal.BALANCE_OBJECTID
	ORPHAN_OBJECTID          = internal.ORPHAN_OBJECTID
	TREE_LOG_OBJECTID        = internal.TREE_LOG_OBJECTID
	TREE_LOG_FIXUP_OBJECTID  = internal.TREE_LOG_FIXUP_OBJECTID
	TREE_RELOC_OBJECTID      = internal.TREE_RELOC_OBJECTID
	DATA_RELOC_TREE_OBJECTID = internal.DATA_RELOC_TREE_OBJECTID
	EXTENT_CSUM_OBJECTID     = internal.EXTENT_CSUM_OBJECTID
	FREE_SPACE_OBJECTID      = internal.FREE_SPACE_OBJECTID
	FREE_INO_OBJECTID        = internal.FREE_INO_OBJECTID

	MULTIPLE_OBJECTIDS = internal.MULTIPLE_OBJECTIDS

	FIRST_FREE_OBJECTID = internal.FIRST_FREE_OBJECTID
	LAST_FREE_OBJECTID  = internal.LAST_FREE_OBJECTID

	FIRST_CHUNK_TREE_OBJECTID = internal.FIRST_CHUNK_TREE_OBJECTID
	DEV_ITEMS_OBJECTID        = internal.DEV_ITEMS_OBJECTID
	EMPTY_SUBVOL_DIR_OBJECTID = internal.EMPTY_SUBVOL_DIR_OBJECTID
)
