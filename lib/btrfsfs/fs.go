// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsio"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsitem"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
	"github.com/dnesting/btrfsgo/lib/btrfstxn"
	"github.com/dnesting/btrfsgo/lib/diskio"
)

// FS is the production btrfstxn.FS: a multi-device volume (RAID0/1/
// 10/5/6/DUP fanout handled by the embedded btrfsvol.LogicalVolume)
// plus the bookkeeping btrfstree's CoW primitives need to allocate
// tree blocks and publish new tree roots. Mirrors how
// original_source/disk-io.c's struct btrfs_fs_info ties together the
// device list, the superblock, and the extent allocator.
type FS struct {
	lv *btrfsvol.LogicalVolume[*btrfsio.Device]

	// Profile is the redundancy profile new metadata block groups
	// are allocated with. There is no on-disk CHUNK_ITEM/
	// BLOCK_GROUP_ITEM bookkeeping yet to infer this from (see
	// NewBlockGroup), so Open picks a default from the device
	// count and callers may override it before the first write.
	Profile btrfsvol.Profile

	mu              sync.Mutex
	sb              btrfstree.Superblock
	roots           map[btrfsprim.ObjID]btrfstree.TreeRoot
	blockGroups     map[btrfsprim.ObjID][]*btrfstree.BlockGroup
	cacheTreeParent map[btrfsprim.ObjID]btrfsprim.ObjID // child tree ID -> parent tree ID, from ROOT_ITEM.ParentUUID
}

var (
	_ btrfstxn.FS                       = (*FS)(nil)
	_ btrfstree.NodeFile                = (*FS)(nil)
	_ btrfstree.BlockGroupSource        = (*FS)(nil)
	_ diskio.File[btrfsvol.LogicalAddr] = (*FS)(nil)
)

// Open reads the newest superblock from whichever of lv's devices
// has one and returns the FS ready for btrfstxn.Start. lv must
// already have every device's physical volume and chunk-tree mapping
// registered (see btrfsvol.LogicalVolume.AddPhysicalVolume/AddMapping).
func Open(lv *btrfsvol.LogicalVolume[*btrfsio.Device]) (*FS, error) {
	devs := lv.PhysicalVolumes()
	if len(devs) == 0 {
		return nil, fmt.Errorf("btrfsfs: Open: volume has no physical devices")
	}

	var best *btrfstree.Superblock
	var lastErr error
	for _, dev := range devs {
		sb, err := btrfsio.ReadSuperblock(dev)
		if err != nil {
			lastErr = err
			continue
		}
		if best == nil || sb.Generation > best.Generation {
			sbCopy := sb
			best = &sbCopy
		}
	}
	if best == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("no superblock found on any device")
		}
		return nil, fmt.Errorf("btrfsfs: Open: %w", lastErr)
	}

	profile := btrfsvol.ProfileDUP
	if len(devs) > 1 {
		profile = btrfsvol.ProfileRAID1
	}

	return &FS{
		lv:          lv,
		Profile:     profile,
		sb:          *best,
		roots:       make(map[btrfsprim.ObjID]btrfstree.TreeRoot),
		blockGroups: make(map[btrfsprim.ObjID][]*btrfstree.BlockGroup),
	}, nil
}

// diskio.File[LogicalAddr], so FS itself can stand in for the "fs"
// parameter btrfstree.FSReadNode takes.
func (fs *FS) Name() string { return fs.lv.Name() }
func (fs *FS) Size() btrfsvol.LogicalAddr {
	return fs.lv.Size()
}
func (fs *FS) Close() error { return fs.lv.Close() }
func (fs *FS) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) { return fs.lv.ReadAt(p, off) }
func (fs *FS) WriteAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return fs.lv.WriteAt(p, off)
}

func (fs *FS) Superblock() (*btrfstree.Superblock, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	sb := fs.sb
	return &sb, nil
}

// setLabel stamps label onto the superblock and writes it to every
// device, outside of the CommitRoots/transaction machinery: label is
// metadata about the filesystem as a whole, not a tree root, so
// there's nothing for a transaction to dirty. Used by
// ConvertFS.Commit to apply btrfsconvert.Options.Label/CopyLabel
// after the bulk of conversion is durable.
func (fs *FS) setLabel(label string) error {
	fs.mu.Lock()
	var buf [0x100]byte
	copy(buf[:], label)
	fs.sb.Label = buf
	sb := fs.sb
	fs.mu.Unlock()

	for _, dev := range fs.lv.PhysicalVolumes() {
		if err := btrfsio.WriteAllSupers(dev, sb); err != nil {
			return fmt.Errorf("btrfsfs: setLabel: %w", err)
		}
	}
	return nil
}

// ReadNode satisfies btrfstree.CompatNodeSource by delegating to
// FSReadNode, which resolves the node's logical address through our
// diskio.File[LogicalAddr] surface (i.e. through the LogicalVolume's
// RAID-aware fanout) and checks the claimed owner against ParentTree.
func (fs *FS) ReadNode(path btrfstree.TreePath) (*btrfstree.Node, error) {
	return btrfstree.FSReadNode(fs, path)
}

// ParentTree reports the parent subvolume of a FS-tree-like tree, by
// walking ROOT_TREE's ROOT_ITEMs once and matching each one's
// ParentUUID to another ROOT_ITEM's UUID, mirroring
// io3_btree.go's populateTreeUUIDs/cacheTreeParent.
func (fs *FS) ParentTree(id btrfsprim.ObjID) (btrfsprim.ObjID, bool) {
	fs.populateTreeParentCache()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent, ok := fs.cacheTreeParent[id]
	return parent, ok
}

func (fs *FS) populateTreeParentCache() {
	fs.mu.Lock()
	if fs.cacheTreeParent != nil {
		fs.mu.Unlock()
		return
	}
	fs.mu.Unlock()

	uuid2id := make(map[btrfsprim.UUID]btrfsprim.ObjID)
	parentUUIDs := make(map[btrfsprim.ObjID]btrfsprim.UUID)

	op := btrfstree.TreeOperatorImpl{CompatNodeSource: fs}
	op.TreeWalk(context.Background(), btrfsprim.ROOT_TREE_OBJECTID,
		func(*btrfstree.TreeError) {},
		btrfstree.CompatTreeWalkHandler{
			Item: func(_ btrfstree.TreePath, item btrfstree.Item) error {
				var body btrfsitem.Root
				switch b := item.Body.(type) {
				case btrfsitem.Root:
					body = b
				case *btrfsitem.Root:
					body = *b
				default:
					return nil
				}
				if body.UUID != (btrfsprim.UUID{}) {
					uuid2id[body.UUID] = item.Key.ObjectID
				}
				if body.ParentUUID != (btrfsprim.UUID{}) {
					parentUUIDs[item.Key.ObjectID] = body.ParentUUID
				}
				return nil
			},
		},
	)

	parents := make(map[btrfsprim.ObjID]btrfsprim.ObjID, len(parentUUIDs))
	for id, parentUUID := range parentUUIDs {
		if parentID, ok := uuid2id[parentUUID]; ok {
			parents[id] = parentID
		}
	}

	fs.mu.Lock()
	fs.cacheTreeParent = parents
	fs.mu.Unlock()
}

// TreeRoot returns treeID's current root: from the superblock for the
// four well-known trees, or a ROOT_ITEM lookup in ROOT_TREE for every
// other (subvolume) tree, mirroring io3_btree.go's LookupTreeRoot.
func (fs *FS) TreeRoot(treeID btrfsprim.ObjID) (*btrfstree.TreeRoot, error) {
	fs.mu.Lock()
	if root, ok := fs.roots[treeID]; ok {
		fs.mu.Unlock()
		return &root, nil
	}
	sb := fs.sb
	fs.mu.Unlock()

	switch treeID {
	case btrfsprim.ROOT_TREE_OBJECTID:
		return &btrfstree.TreeRoot{ID: treeID, RootNode: sb.RootTree, Level: sb.RootLevel, Generation: sb.Generation}, nil
	case btrfsprim.CHUNK_TREE_OBJECTID:
		return &btrfstree.TreeRoot{ID: treeID, RootNode: sb.ChunkTree, Level: sb.ChunkLevel, Generation: sb.ChunkRootGeneration}, nil
	case btrfsprim.TREE_LOG_OBJECTID:
		return &btrfstree.TreeRoot{ID: treeID, RootNode: sb.LogTree, Level: sb.LogLevel, Generation: sb.Generation}, nil
	case btrfsprim.BLOCK_GROUP_TREE_OBJECTID:
		return &btrfstree.TreeRoot{ID: treeID, RootNode: sb.BlockGroupRoot, Level: sb.BlockGroupRootLevel, Generation: sb.BlockGroupRootGeneration}, nil
	}

	rootTreeRoot, err := fs.TreeRoot(btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return nil, fmt.Errorf("btrfsfs: TreeRoot: %w", err)
	}
	key := btrfsprim.Key{ObjectID: treeID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0}
	path, node, exact, err := btrfstree.SearchSlot(fsWriter{fs: fs}, rootTreeRoot.Generation, rootTreeRoot, key, 0, false, nil)
	if err != nil {
		return nil, fmt.Errorf("btrfsfs: TreeRoot: %w", err)
	}
	defer btrfstree.FreeNodeRef(node)
	if !exact {
		return nil, fmt.Errorf("btrfsfs: TreeRoot: tree %v: %w", treeID, btrfstree.ErrNoTree)
	}
	slot := path.Node(-1).FromItemSlot
	var root btrfsitem.Root
	switch b := node.BodyLeaf[slot].Body.(type) {
	case btrfsitem.Root:
		root = b
	case *btrfsitem.Root:
		root = *b
	default:
		return nil, fmt.Errorf("btrfsfs: TreeRoot: malformed ROOT_ITEM for tree %v", treeID)
	}
	return &btrfstree.TreeRoot{ID: treeID, RootNode: root.ByteNr, Level: root.Level, Generation: root.Generation}, nil
}

// AllocTreeBlock satisfies btrfstxn.FS by delegating to
// btrfstree.AllocTreeBlock, using fs itself as the BlockGroupSource.
func (fs *FS) AllocTreeBlock(owner btrfsprim.ObjID, gen btrfsprim.Generation, level uint8) (*btrfstree.Node, error) {
	sb, err := fs.Superblock()
	if err != nil {
		return nil, err
	}
	return btrfstree.AllocTreeBlock(fs, *sb, owner, gen, level)
}

// FreeTreeBlock marks addr free within whichever block group owns it.
// Unlike btrfstree.FreeTreeBlock, this doesn't take an owner: the
// btrfstxn.FS interface doesn't have one to give (a tree block's
// owner isn't recorded by BlockGroups' map key once allocated, only
// by the node's own Head.Owner), so every owner's groups are searched.
func (fs *FS) FreeTreeBlock(addr btrfsvol.LogicalAddr, size uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, groups := range fs.blockGroups {
		for _, bg := range groups {
			if addr >= bg.LAddr && addr < bg.LAddr.Add(bg.Size) {
				bg.Used -= btrfsvol.AddrDelta(size)
				return nil
			}
		}
	}
	return fmt.Errorf("btrfsfs: FreeTreeBlock: no block group owns laddr=%v", addr)
}

// WriteNode recomputes node's checksum (MarshalBinary fills in
// NumItems itself) and writes it to its claimed logical address.
func (fs *FS) WriteNode(node *btrfstree.Node) error {
	node.Head.Flags |= btrfstree.NodeWritten
	csum, err := node.CalculateChecksum()
	if err != nil {
		return fmt.Errorf("btrfsfs: WriteNode: %w", err)
	}
	node.Head.Checksum = csum
	buf, err := node.MarshalBinary()
	if err != nil {
		return fmt.Errorf("btrfsfs: WriteNode: %w", err)
	}
	if _, err := fs.lv.WriteAt(buf, node.Head.Addr); err != nil {
		return fmt.Errorf("btrfsfs: WriteNode: %w", err)
	}
	return nil
}

// BlockGroups satisfies btrfstree.BlockGroupSource.
func (fs *FS) BlockGroups(owner btrfsprim.ObjID) []*btrfstree.BlockGroup {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]*btrfstree.BlockGroup(nil), fs.blockGroups[owner]...)
}

// ReadStripe and WriteStripe satisfy btrfsscrub.StripeIO, giving a
// scrub pass direct per-mirror device access instead of the
// redundancy-transparent reads lv.ReadAt gives the rest of fs.
func (fs *FS) ReadStripe(dev btrfsvol.DeviceID, addr btrfsvol.PhysicalAddr, size int) ([]byte, error) {
	pv, ok := fs.lv.PhysicalVolumes()[dev]
	if !ok {
		return nil, fmt.Errorf("btrfsfs: ReadStripe: unknown device id=%v", dev)
	}
	buf := make([]byte, size)
	if _, err := pv.ReadAt(buf, addr); err != nil {
		return nil, fmt.Errorf("btrfsfs: ReadStripe: %w", err)
	}
	return buf, nil
}

func (fs *FS) WriteStripe(dev btrfsvol.DeviceID, addr btrfsvol.PhysicalAddr, data []byte) error {
	pv, ok := fs.lv.PhysicalVolumes()[dev]
	if !ok {
		return fmt.Errorf("btrfsfs: WriteStripe: unknown device id=%v", dev)
	}
	if _, err := pv.WriteAt(data, addr); err != nil {
		return fmt.Errorf("btrfsfs: WriteStripe: %w", err)
	}
	return nil
}

// ResolveStripes returns every on-disk stripe that actually answers
// for laddr (mirror copies, or the relevant data column and RAID10
// group), in column order, plus how far that run of stripes extends
// before it needs to be resolved again. It's a thin pass-through to
// the LogicalVolume, which is profile-aware; lv.Resolve's map return
// can't preserve that ordering.
func (fs *FS) ResolveStripes(laddr btrfsvol.LogicalAddr) ([]btrfsvol.QualifiedPhysicalAddr, btrfsvol.AddrDelta) {
	return fs.lv.ResolveStripes(laddr)
}

// blockGroupFlagsForProfile mirrors btrfsvol's own unexported
// (Profile).flags(), which lib/btrfsfs can't call directly: the
// mapping from redundancy profile to the BLOCK_GROUP_RAID*/DUP bit
// it's stamped with.
func blockGroupFlagsForProfile(p btrfsvol.Profile) btrfsvol.BlockGroupFlags {
	switch p {
	case btrfsvol.ProfileRAID0:
		return btrfsvol.BLOCK_GROUP_RAID0
	case btrfsvol.ProfileRAID1:
		return btrfsvol.BLOCK_GROUP_RAID1
	case btrfsvol.ProfileDUP:
		return btrfsvol.BLOCK_GROUP_DUP
	case btrfsvol.ProfileRAID10:
		return btrfsvol.BLOCK_GROUP_RAID10
	case btrfsvol.ProfileRAID5:
		return btrfsvol.BLOCK_GROUP_RAID5
	case btrfsvol.ProfileRAID6:
		return btrfsvol.BLOCK_GROUP_RAID6
	case btrfsvol.ProfileRAID1C3:
		return btrfsvol.BLOCK_GROUP_RAID1C3
	case btrfsvol.ProfileRAID1C4:
		return btrfsvol.BLOCK_GROUP_RAID1C4
	default:
		return 0
	}
}

// NewBlockGroup satisfies btrfstree.BlockGroupSource by growing the
// volume with a new chunk (via btrfsvol.AllocateChunk) in fs.Profile,
// mirroring btrfs_alloc_chunk being called from the tree-block
// allocator when no existing block group has room. The chunk's
// stripes are registered together with LogicalVolume.AddChunk so their
// column order survives, and the block group is stamped with the
// chunk's actual achieved logical size, not the caller's requested
// minSize: a striped profile only ever maps exactly one chunk's worth
// of logical space, which can differ from minSize by up to
// dataStripeCount-1 rounding bytes.
//
// It does not yet persist a CHUNK_ITEM/BLOCK_GROUP_ITEM/DEV_EXTENT
// for the new chunk; the block group exists only in fs's in-memory
// bookkeeping until that's wired up. See DESIGN.md.
func (fs *FS) NewBlockGroup(owner btrfsprim.ObjID, minSize btrfsvol.AddrDelta) (*btrfstree.BlockGroup, error) {
	mappings, err := btrfsvol.AllocateChunk(fs.lv, fs.Profile, minSize)
	if err != nil {
		return nil, fmt.Errorf("btrfsfs: NewBlockGroup: %w", err)
	}
	if err := fs.lv.AddChunk(mappings); err != nil {
		return nil, fmt.Errorf("btrfsfs: NewBlockGroup: %w", err)
	}
	bg := &btrfstree.BlockGroup{
		LAddr: mappings[0].LAddr,
		Size:  mappings[0].ChunkSize,
		Flags: btrfsvol.BLOCK_GROUP_METADATA | blockGroupFlagsForProfile(fs.Profile),
	}
	fs.mu.Lock()
	fs.blockGroups[owner] = append([]*btrfstree.BlockGroup{bg}, fs.blockGroups[owner]...)
	fs.mu.Unlock()
	return bg, nil
}

// fsWriter adapts FS to btrfstree.TreeWriter (whose AllocTreeBlock
// takes no generation, unlike btrfstxn.FS's) for the filesystem's own
// read-only lookups (TreeRoot, ParentTree) and its end-of-transaction
// ROOT_ITEM sync in CommitRoots. Like extentref.go's own internal
// edits, callers built on fsWriter pass nil CowHooks: these are the
// filesystem's own bookkeeping writes, not a user-facing tree edit
// that needs a back-reference recorded.
type fsWriter struct {
	fs  *FS
	gen btrfsprim.Generation
}

func (w fsWriter) Superblock() (*btrfstree.Superblock, error)          { return w.fs.Superblock() }
func (w fsWriter) ReadNode(path btrfstree.TreePath) (*btrfstree.Node, error) {
	return w.fs.ReadNode(path)
}
func (w fsWriter) AllocTreeBlock(owner btrfsprim.ObjID, level uint8) (*btrfstree.Node, error) {
	return w.fs.AllocTreeBlock(owner, w.gen, level)
}
func (w fsWriter) FreeTreeBlock(addr btrfsvol.LogicalAddr, size uint32) error {
	return w.fs.FreeTreeBlock(addr, size)
}
func (w fsWriter) WriteNode(node *btrfstree.Node) error { return w.fs.WriteNode(node) }

var _ btrfstree.TreeWriter = fsWriter{}

// CommitRoots satisfies btrfstxn.FS: for every tree dirtied during
// the transaction, it syncs that tree's ROOT_ITEM in ROOT_TREE (the
// well-known trees are tracked directly in the superblock instead),
// then writes the updated superblock to every device, mirroring
// btrfs_commit_transaction's update_cowonly_root/commit_cowonly_roots
// pass over every root dirtied since the last commit, followed by
// write_all_supers.
func (fs *FS) CommitRoots(gen btrfsprim.Generation, roots map[btrfsprim.ObjID]btrfstree.TreeRoot) error {
	fs.mu.Lock()
	sb := fs.sb
	fs.mu.Unlock()

	rootTreeRoot, err := fs.TreeRoot(btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return fmt.Errorf("btrfsfs: CommitRoots: %w", err)
	}
	if dirty, ok := roots[btrfsprim.ROOT_TREE_OBJECTID]; ok {
		*rootTreeRoot = dirty
	}

	w := fsWriter{fs: fs, gen: gen}
	for treeID, root := range roots {
		switch treeID {
		case btrfsprim.ROOT_TREE_OBJECTID, btrfsprim.CHUNK_TREE_OBJECTID,
			btrfsprim.TREE_LOG_OBJECTID, btrfsprim.BLOCK_GROUP_TREE_OBJECTID:
			continue
		}
		key := btrfsprim.Key{ObjectID: treeID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0}
		path, node, exact, err := btrfstree.SearchSlot(w, gen, rootTreeRoot, key, 0, false, nil)
		if err != nil {
			return fmt.Errorf("btrfsfs: CommitRoots: locate ROOT_ITEM for tree %v: %w", treeID, err)
		}
		if !exact {
			btrfstree.FreeNodeRef(node)
			return fmt.Errorf("btrfsfs: CommitRoots: no ROOT_ITEM for tree %v", treeID)
		}
		slot := path.Node(-1).FromItemSlot
		var item btrfsitem.Root
		switch b := node.BodyLeaf[slot].Body.(type) {
		case btrfsitem.Root:
			item = b
		case *btrfsitem.Root:
			item = *b
		default:
			btrfstree.FreeNodeRef(node)
			return fmt.Errorf("btrfsfs: CommitRoots: malformed ROOT_ITEM for tree %v", treeID)
		}
		btrfstree.FreeNodeRef(node)

		item.ByteNr = root.RootNode
		item.Level = root.Level
		item.Generation = root.Generation
		item.GenerationV2 = root.Generation
		if err := btrfstree.TruncateItem(w, gen, rootTreeRoot, key, item, nil); err != nil {
			return fmt.Errorf("btrfsfs: CommitRoots: update ROOT_ITEM for tree %v: %w", treeID, err)
		}
	}

	sb.Generation = gen
	sb.RootTree = rootTreeRoot.RootNode
	sb.RootLevel = rootTreeRoot.Level
	if root, ok := roots[btrfsprim.CHUNK_TREE_OBJECTID]; ok {
		sb.ChunkTree = root.RootNode
		sb.ChunkLevel = root.Level
		sb.ChunkRootGeneration = root.Generation
	}
	if root, ok := roots[btrfsprim.TREE_LOG_OBJECTID]; ok {
		sb.LogTree = root.RootNode
		sb.LogLevel = root.Level
	}
	if root, ok := roots[btrfsprim.BLOCK_GROUP_TREE_OBJECTID]; ok {
		sb.BlockGroupRoot = root.RootNode
		sb.BlockGroupRootLevel = root.Level
		sb.BlockGroupRootGeneration = root.Generation
	}

	for _, dev := range fs.lv.PhysicalVolumes() {
		if err := btrfsio.WriteAllSupers(dev, sb); err != nil {
			return fmt.Errorf("btrfsfs: CommitRoots: %w", err)
		}
	}

	fs.mu.Lock()
	fs.sb = sb
	fs.roots[btrfsprim.ROOT_TREE_OBJECTID] = *rootTreeRoot
	for treeID, root := range roots {
		fs.roots[treeID] = root
	}
	fs.cacheTreeParent = nil
	fs.mu.Unlock()
	return nil
}
