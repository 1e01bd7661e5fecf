// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"reflect"

	"github.com/dnesting/btrfsgo/lib/btrfs/internal"
)

const (
	UNTYPED_KEY = internal.UNTYPED_KEY

	INODE_ITEM_KEY   = internal.INODE_ITEM_KEY
	INODE_REF_KEY    = internal.INODE_REF_KEY
	INODE_EXTREF_KEY = internal.INODE_EXTREF_KEY
	XATTR_ITEM_KEY   = internal.XATTR_ITEM_KEY

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

	UUID_SUBVOL_KEY          = internal.UUID_SUBVOL_KEY
	UUID_RECEIVED_SUBVOL_KEY = internal.UUID_RECEIVED_SUBVOL_KEY

	STRING_ITEM_KEY = internal.STRING_ITEM_KEY
)

// keytype2gotype maps a typed item's key type to the Go type that
// represents its body. Untyped items (UNTYPED_KEY) are looked up by
// object ID instead, through untypedObjID2gotype.
var keytype2gotype = map[Type]reflect.Type{
	BLOCK_GROUP_ITEM_KEY: reflect.TypeOf(BlockGroup{}),
	CHUNK_ITEM_KEY:       reflect.TypeOf(Chunk{}),
	DEV_ITEM_KEY:         reflect.TypeOf(Dev{}),
	DEV_EXTENT_KEY:       reflect.TypeOf(DevExtent{}),

	DIR_ITEM_KEY:  reflect.TypeOf(DirEntry{}),
	DIR_INDEX_KEY: reflect.TypeOf(DirEntry{}),
	XATTR_ITEM_KEY: reflect.TypeOf(DirEntry{}),

	ORPHAN_ITEM_KEY:      reflect.TypeOf(Empty{}),
	TREE_BLOCK_REF_KEY:   reflect.TypeOf(Empty{}),
	SHARED_BLOCK_REF_KEY: reflect.TypeOf(Empty{}),
	FREE_SPACE_EXTENT_KEY: reflect.TypeOf(Empty{}),
	QGROUP_RELATION_KEY:  reflect.TypeOf(Empty{}),

	EXTENT_ITEM_KEY:      reflect.TypeOf(Extent{}),
	EXTENT_CSUM_KEY:      reflect.TypeOf(ExtentCSum{}),
	EXTENT_DATA_REF_KEY:  reflect.TypeOf(ExtentDataRef{}),
	EXTENT_DATA_KEY:      reflect.TypeOf(FileExtent{}),
	FREE_SPACE_BITMAP_KEY: reflect.TypeOf(FreeSpaceBitmap{}),
	FREE_SPACE_INFO_KEY:  reflect.TypeOf(FreeSpaceInfo{}),

	INODE_ITEM_KEY: reflect.TypeOf(Inode{}),
	INODE_REF_KEY:  reflect.TypeOf(InodeRef{}),

	METADATA_ITEM_KEY: reflect.TypeOf(Metadata{}),

	QGROUP_INFO_KEY:   reflect.TypeOf(QGroupInfo{}),
	QGROUP_LIMIT_KEY:  reflect.TypeOf(QGroupLimit{}),
	QGROUP_STATUS_KEY: reflect.TypeOf(QGroupStatus{}),

	ROOT_ITEM_KEY:    reflect.TypeOf(Root{}),
	ROOT_REF_KEY:     reflect.TypeOf(RootRef{}),
	ROOT_BACKREF_KEY: reflect.TypeOf(RootRef{}),

	SHARED_DATA_REF_KEY: reflect.TypeOf(SharedDataRef{}),

	UUID_SUBVOL_KEY:          reflect.TypeOf(UUIDMap{}),
	UUID_RECEIVED_SUBVOL_KEY: reflect.TypeOf(UUIDMap{}),
}

// untypedObjID2gotype maps the object ID of an untyped item
// (ItemType == UNTYPED_KEY) to the Go type representing its body.
var untypedObjID2gotype = map[internal.ObjID]reflect.Type{
	internal.FREE_SPACE_OBJECTID: reflect.TypeOf(FreeSpaceHeader{}),
}

func (BlockGroup) isItem()     {}
func (Chunk) isItem()          {}
func (Dev) isItem()            {}
func (DevExtent) isItem()      {}
func (DirEntry) isItem()       {}
func (Empty) isItem()          {}
func (Extent) isItem()         {}
func (ExtentCSum) isItem()     {}
func (ExtentDataRef) isItem()  {}
func (FileExtent) isItem()     {}
func (FreeSpaceBitmap) isItem() {}
func (FreeSpaceInfo) isItem()  {}
func (Inode) isItem()          {}
func (InodeRef) isItem()       {}
func (Metadata) isItem()       {}
func (QGroupInfo) isItem()     {}
func (QGroupLimit) isItem()    {}
func (QGroupStatus) isItem()   {}
func (Root) isItem()           {}
func (RootRef) isItem()        {}
func (SharedDataRef) isItem()  {}
func (FreeSpaceHeader) isItem() {}
func (UUIDMap) isItem()        {}

// CloneItem returns a deep copy of an item body, for types whose
// storage is shared (e.g. sliced backing arrays) across tree nodes
// that reference the same on-disk extent. Types without nested
// mutable storage are returned as-is, since Go's value semantics
// already copy them on assignment.
func CloneItem(body Item) Item {
	switch body := body.(type) {
	case Chunk:
		return body.Clone()
	case FileExtent:
		return body.Clone()
	case Metadata:
		return body.Clone()
	default:
		return body
	}
}

// FreeItem returns an item body's pooled backing storage, for the
// types that pool one (see btrfstree's node/item pools). Types
// without pooled storage are no-ops.
func FreeItem(body Item) {
	switch body := body.(type) {
	case Chunk:
		body.Free()
	case FileExtent:
		body.Free()
	case Metadata:
		body.Free()
	}
}
