// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfstxn implements the transaction handle that every CoW
// write to a filesystem's trees is grouped under, mirroring
// btrfs_start_transaction/btrfs_commit_transaction: a transaction
// bumps the filesystem generation once, and every tree touched while
// it is open is CoW'd into that same generation before its new root
// is published.
package btrfstxn

import (
	"fmt"
	"sync"

	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsprim"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfstree"
	"github.com/dnesting/btrfsgo/lib/btrfs/btrfsvol"
)

// FS is the subset of filesystem behavior a Transaction needs: read
// access to existing nodes, the ability to allocate and persist new
// ones, and a way to learn/publish each tree's current root.
//
// lib/btrfsfs.FS is the production implementation.
type FS interface {
	btrfstree.CompatNodeSource

	// TreeRoot returns the root currently published for treeID
	// (from the superblock, for the well-known trees, or from the
	// root tree's ROOT_ITEM otherwise).
	TreeRoot(treeID btrfsprim.ObjID) (*btrfstree.TreeRoot, error)

	// AllocTreeBlock reserves space for, and zero-initializes, a
	// new tree block at the given level belonging to owner.
	AllocTreeBlock(owner btrfsprim.ObjID, gen btrfsprim.Generation, level uint8) (*btrfstree.Node, error)

	// FreeTreeBlock releases a tree block's logical address once
	// its last reference is gone.
	FreeTreeBlock(addr btrfsvol.LogicalAddr, size uint32) error

	// WriteNode persists node at its Head.Addr, after recomputing
	// its checksum and NumItems.
	WriteNode(node *btrfstree.Node) error

	// CommitRoots is called once per Commit, with the final root
	// address/level/generation of every tree dirtied during the
	// transaction, so the filesystem can update ROOT_ITEMs and the
	// superblock.
	CommitRoots(gen btrfsprim.Generation, roots map[btrfsprim.ObjID]btrfstree.TreeRoot) error
}

// Handle is a single in-flight transaction. Only one Handle may be
// open on an FS at a time (mirrors fs_info->running_transaction).
type Handle struct {
	fs     FS
	transl *sync.Mutex // the FS-wide "only one running transaction" lock; held until Commit/Abort

	// Transid is the generation every tree block CoW'd under this
	// transaction is stamped with.
	Transid btrfsprim.Generation

	mu    sync.Mutex
	roots map[btrfsprim.ObjID]btrfstree.TreeRoot // dirty roots, keyed by tree ID
}

// runningTxnMu serializes Start calls against a given FS, the same way
// fs_info->running_transaction does in-kernel.
var runningTxnMu sync.Map // FS -> *sync.Mutex

func txnLockFor(fs FS) *sync.Mutex {
	l, _ := runningTxnMu.LoadOrStore(fs, new(sync.Mutex))
	return l.(*sync.Mutex)
}

// Start begins a new transaction against fs, bumping its generation
// by one. It blocks if another transaction on the same FS is still
// open; callers must Commit or Abort to release it.
func Start(fs FS, curGen btrfsprim.Generation) *Handle {
	lock := txnLockFor(fs)
	lock.Lock()
	return &Handle{
		fs:      fs,
		transl:  lock,
		Transid: curGen + 1,
		roots:   make(map[btrfsprim.ObjID]btrfstree.TreeRoot),
	}
}

// Root returns the working root for treeID: the dirty root recorded
// earlier in this transaction if one exists, otherwise the root
// currently published by the filesystem.
func (h *Handle) Root(treeID btrfsprim.ObjID) (btrfstree.TreeRoot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if root, ok := h.roots[treeID]; ok {
		return root, nil
	}
	root, err := h.fs.TreeRoot(treeID)
	if err != nil {
		return btrfstree.TreeRoot{}, err
	}
	return *root, nil
}

// SetRoot records root as the new (dirty, not yet committed) root of
// treeID for the remainder of this transaction.
func (h *Handle) SetRoot(root btrfstree.TreeRoot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roots[root.ID] = root
}

// AllocTreeBlock allocates a fresh tree block at the transaction's
// generation, for the given tree/level.
func (h *Handle) AllocTreeBlock(owner btrfsprim.ObjID, level uint8) (*btrfstree.Node, error) {
	return h.fs.AllocTreeBlock(owner, h.Transid, level)
}

// FreeTreeBlock releases addr; it is the caller's responsibility to
// have already confirmed that no back-reference to it survives.
func (h *Handle) FreeTreeBlock(addr btrfsvol.LogicalAddr, size uint32) error {
	return h.fs.FreeTreeBlock(addr, size)
}

// WriteNode persists node.
func (h *Handle) WriteNode(node *btrfstree.Node) error {
	return h.fs.WriteNode(node)
}

// ReadNode reads a node via the underlying FS's CompatNodeSource
// surface (satisfying btrfstree.CompatNodeSource for code that is
// handed a *Handle in place of an FS).
func (h *Handle) ReadNode(path btrfstree.TreePath) (*btrfstree.Node, error) {
	return h.fs.ReadNode(path)
}

func (h *Handle) Superblock() (*btrfstree.Superblock, error) {
	return h.fs.Superblock()
}

// Commit publishes every dirty root recorded by SetRoot and releases
// the transaction lock. After Commit returns (with or without error)
// the Handle must not be used again.
func (h *Handle) Commit() error {
	defer h.transl.Unlock()
	h.mu.Lock()
	roots := h.roots
	h.mu.Unlock()
	if len(roots) == 0 {
		return nil
	}
	if err := h.fs.CommitRoots(h.Transid, roots); err != nil {
		return fmt.Errorf("btrfstxn: commit generation %v: %w", h.Transid, err)
	}
	return nil
}

// Abort discards every dirty root recorded by SetRoot (the caller is
// still responsible for having freed any tree blocks it allocated)
// and releases the transaction lock without publishing anything.
func (h *Handle) Abort() {
	h.transl.Unlock()
}
