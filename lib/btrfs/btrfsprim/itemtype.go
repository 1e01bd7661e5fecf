// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import (
	"github.com/dnesting/btrfsgo/lib/btrfs/internal"
)

type ItemType = internal.ItemType

const (
	UNTYPED_KEY = internal.UNTYPED_KEY

	INODE_ITEM_KEY   = internal.INODE_ITEM_KEY
	INODE_REF_KEY    = internal.INODE_REF_KEY
	INODE_EXTREF_KEY = internal.INODE_EXTREF_KEY
	XATTR_ITEM_KEY   = internal.XATTR_ITEM_KEY

	VERITY_DESC_ITEM_KEY   = internal.VERITY_DESC_ITEM_KEY
	VERITY_MERKLE_ITEM_KEY = internal.VERITY_MERKLE_ITEM_KEY

	ORPHAN_ITEM_KEY = internal.ORPHAN_ITEM_KEY

	DIR_LOG_ITEM_KEY  = internal.DIR_LOG_ITEM_KEY
	DIR_LOG_INDEX_KEY = internal.DIR_LOG_INDEX_KEY
	DIR_ITEM_KEY      = internal.DIR_ITEM_KEY
	DIR_INDEX_KEY     = internal.DIR_INDEX_KEY

	EXTENT_DATA_KEY = internal.EXTENT_DATA_KEY

	CSUM_ITEM_KEY   = internal.CSUM_ITEM_KEY
	EXTENT_CSUM_KEY = internal.EXTENT_CSUM_KEY

	ROOT_ITEM_KEY = internal.ROOT_ITEM_KEY

	ROOT_BACKREF_KEY = internal.ROOT_BACKREF_KEY
	ROOT_REF_KEY     = internal.ROOT_REF_KEY

	EXTENT_ITEM_KEY   = internal.EXTENT_ITEM_KEY
	METADATA_ITEM_KEY = internal.METADATA_ITEM_KEY

	TREE_BLOCK_REF_KEY   = internal.TREE_BLOCK_REF_KEY
	EXTENT_DATA_REF_KEY  = internal.EXTENT_DATA_REF_KEY
	EXTENT_REF_V0_KEY    = internal.EXTENT_REF_V0_KEY
	SHARED_BLOCK_REF_KEY = internal.SHARED_BLOCK_REF_KEY
	SHARED_DATA_REF_KEY  = internal.SHARED_DATA_REF_KEY

	BLOCK_GROUP_ITEM_KEY = internal.BLOCK_GROUP_ITEM_KEY

	FREE_SPACE_INFO_KEY   = internal.FREE_SPACE_INFO_KEY
	FREE_SPACE_EXTENT_KEY = internal.FREE_SPACE_EXTENT_KEY
	FREE_SPACE_BITMAP_KEY = internal.FREE_SPACE_BITMAP_KEY

	DEV_EXTENT_KEY = internal.DEV_EXTENT_KEY
	DEV_ITEM_KEY   = internal.DEV_ITEM_KEY
	CHUNK_ITEM_KEY = internal.CHUNK_ITEM_KEY

	QGROUP_STATUS_KEY   = internal.QGROUP_STATUS_KEY
	QGROUP_INFO_KEY     = internal.QGROUP_INFO_KEY
	QGROUP_LIMIT_KEY    = internal.QGROUP_LIMIT_KEY
	QGROUP_RELATION_KEY = internal.QGROUP_RELATION_KEY

	TEMPORARY_ITEM_KEY  = internal.TEMPORARY_ITEM_KEY
	PERSISTENT_ITEM_KEY = internal.PERSISTENT_ITEM_KEY
	DEV_REPLACE_KEY     = internal.DEV_REPLACE_KEY

	UUID_SUBVOL_KEY          = internal.UUID_SUBVOL_KEY
	UUID_RECEIVED_SUBVOL_KEY = internal.UUID_RECEIVED_SUBVOL_KEY

	STRING_ITEM_KEY = internal.STRING_ITEM_KEY

	MAX_KEY = internal.MAX_KEY
)
