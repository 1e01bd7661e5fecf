// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol

import (
	"bytes"
	"fmt"
	"os"
	"reflect"

	"github.com/datawire/dlib/derror"

	"github.com/dnesting/btrfsgo/lib/containers"
	"github.com/dnesting/btrfsgo/lib/diskio"
)

type LogicalVolume[PhysicalVolume diskio.File[PhysicalAddr]] struct {
	name string

	id2pv map[DeviceID]PhysicalVolume

	logical2physical *containers.RBTree[containers.NativeOrdered[LogicalAddr], chunkMapping]
	physical2logical map[DeviceID]*containers.RBTree[containers.NativeOrdered[PhysicalAddr], devextMapping]
}

var _ diskio.File[LogicalAddr] = (*LogicalVolume[diskio.File[PhysicalAddr]])(nil)

func (lv *LogicalVolume[PhysicalVolume]) init() {
	if lv.id2pv == nil {
		lv.id2pv = make(map[DeviceID]PhysicalVolume)
	}
	if lv.logical2physical == nil {
		lv.logical2physical = &containers.RBTree[containers.NativeOrdered[LogicalAddr], chunkMapping]{
			KeyFn: func(chunk chunkMapping) containers.NativeOrdered[LogicalAddr] {
				return containers.NativeOrdered[LogicalAddr]{Val: chunk.LAddr}
			},
		}
	}
	if lv.physical2logical == nil {
		lv.physical2logical = make(map[DeviceID]*containers.RBTree[containers.NativeOrdered[PhysicalAddr], devextMapping], len(lv.id2pv))
	}
	for devid := range lv.id2pv {
		if _, ok := lv.physical2logical[devid]; !ok {
			lv.physical2logical[devid] = &containers.RBTree[containers.NativeOrdered[PhysicalAddr], devextMapping]{
				KeyFn: func(ext devextMapping) containers.NativeOrdered[PhysicalAddr] {
					return containers.NativeOrdered[PhysicalAddr]{Val: ext.PAddr}
				},
			}
		}
	}
}

func (lv *LogicalVolume[PhysicalVolume]) SetName(name string) {
	lv.name = name
}

func (lv *LogicalVolume[PhysicalVolume]) Name() string {
	return lv.name
}

func (lv *LogicalVolume[PhysicalVolume]) Size() LogicalAddr {
	lv.init()
	lastChunk := lv.logical2physical.Max()
	if lastChunk == nil {
		return 0
	}
	return lastChunk.Value.LAddr.Add(lastChunk.Value.Size)
}

func (lv *LogicalVolume[PhysicalVolume]) Close() error {
	var errs derror.MultiError
	for _, dev := range lv.id2pv {
		if err := dev.Close(); err != nil && err == nil {
			errs = append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}
func (lv *LogicalVolume[PhysicalVolume]) AddPhysicalVolume(id DeviceID, dev PhysicalVolume) error {
	lv.init()
	if other, exists := lv.id2pv[id]; exists {
		return fmt.Errorf("(%p).AddPhysicalVolume: cannot add physical volume %q: already have physical volume %q with id=%v",
			lv, dev.Name(), other.Name(), id)
	}
	lv.id2pv[id] = dev
	lv.physical2logical[id] = &containers.RBTree[containers.NativeOrdered[PhysicalAddr], devextMapping]{
		KeyFn: func(ext devextMapping) containers.NativeOrdered[PhysicalAddr] {
			return containers.NativeOrdered[PhysicalAddr]{Val: ext.PAddr}
		},
	}
	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) PhysicalVolumes() map[DeviceID]PhysicalVolume {
	dup := make(map[DeviceID]PhysicalVolume, len(lv.id2pv))
	for k, v := range lv.id2pv {
		dup[k] = v
	}
	return dup
}

func (lv *LogicalVolume[PhysicalVolume]) ClearMappings() {
	lv.logical2physical = nil
	lv.physical2logical = nil
}

type Mapping struct {
	LAddr LogicalAddr
	PAddr QualifiedPhysicalAddr
	// Size is the physical span this stripe occupies on PAddr.Dev:
	// the whole chunk for mirrored profiles, one column's share of it
	// for striped ones.
	Size AddrDelta
	// ChunkSize is the full logical size of the chunk this stripe
	// belongs to. It is left zero by callers (like AddMapping's
	// forensic-reconstruction callers) that only know about a single
	// stripe in isolation, in which case it is taken to equal Size.
	ChunkSize  AddrDelta        `json:",omitempty"`
	SizeLocked bool             `json:",omitempty"`
	Flags      containers.Optional[BlockGroupFlags] `json:",omitempty"`
}

func (lv *LogicalVolume[PhysicalVolume]) AddMapping(m Mapping) error {
	lv.init()
	// sanity check
	if _, haveDev := lv.id2pv[m.PAddr.Dev]; !haveDev {
		return fmt.Errorf("(%p).AddMapping: do not have a physical volume with id=%v",
			lv, m.PAddr.Dev)
	}

	// logical2physical
	//
	// m.ChunkSize lets a caller that knows a stripe's full chunk
	// extent (e.g. a CHUNK_ITEM's stripe list) register that here even
	// though it's only handing us one stripe at a time; m.Size becomes
	// this stripe's StripeSize so Resolve can still do per-profile
	// addressing once every stripe has been added this way.
	chunkSize := m.ChunkSize
	if chunkSize == 0 {
		chunkSize = m.Size
	}
	newChunk := chunkMapping{
		LAddr:      m.LAddr,
		PAddrs:     []QualifiedPhysicalAddr{m.PAddr},
		Size:       chunkSize,
		StripeSize: m.Size,
		SizeLocked: m.SizeLocked,
		Flags:      m.Flags,
	}
	logicalOverlaps := lv.logical2physical.SearchRange(newChunk.cmpRange)
	var err error
	newChunk, err = newChunk.union(logicalOverlaps...)
	if err != nil {
		return fmt.Errorf("(%p).AddMapping: %w", lv, err)
	}

	// physical2logical
	newExt := devextMapping{
		PAddr:      m.PAddr.Addr,
		LAddr:      m.LAddr,
		Size:       m.Size,
		SizeLocked: m.SizeLocked,
		Flags:      m.Flags,
	}
	physicalOverlaps := lv.physical2logical[m.PAddr.Dev].SearchRange(newExt.cmpRange)
	newExt, err = newExt.union(physicalOverlaps...)
	if err != nil {
		return fmt.Errorf("(%p).AddMapping: %w", lv, err)
	}

	// optimize
	if len(logicalOverlaps) == 1 && reflect.DeepEqual(newChunk, logicalOverlaps[0]) &&
		len(physicalOverlaps) == 1 && reflect.DeepEqual(newExt, physicalOverlaps[0]) {
		return nil
	}

	// logical2physical
	for _, chunk := range logicalOverlaps {
		lv.logical2physical.Delete(containers.NativeOrdered[LogicalAddr]{Val: chunk.LAddr})
	}
	lv.logical2physical.Insert(newChunk)

	// physical2logical
	for _, ext := range physicalOverlaps {
		lv.physical2logical[m.PAddr.Dev].Delete(containers.NativeOrdered[PhysicalAddr]{Val: ext.PAddr})
	}
	lv.physical2logical[m.PAddr.Dev].Insert(newExt)

	// sanity check
	//
	// This is in-theory unnescessary, but that assumes that I
	// made no mistakes in my algorithm above.
	if os.Getenv("PARANOID") != "" {
		if err := lv.fsck(); err != nil {
			return err
		}
	}

	// done
	return nil
}

// AddChunk registers every stripe of a single chunk at once, in the
// order given (column 0 first, column 1 next, and so on for striped
// profiles; mirror order for the rest), instead of AddMapping's
// single-stripe union/merge. AddMapping collapses whatever it's given
// into an address-sorted, profile-blind mirror set, which is fine for
// forensic reconstruction one stripe at a time but throws away the
// column order striped profiles need. AllocateChunk's result is meant
// to be fed here, not to AddMapping.
func (lv *LogicalVolume[PhysicalVolume]) AddChunk(mappings []Mapping) error {
	lv.init()
	if len(mappings) == 0 {
		return fmt.Errorf("(%p).AddChunk: no mappings given", lv)
	}
	first := mappings[0]
	for _, m := range mappings {
		if _, haveDev := lv.id2pv[m.PAddr.Dev]; !haveDev {
			return fmt.Errorf("(%p).AddChunk: do not have a physical volume with id=%v",
				lv, m.PAddr.Dev)
		}
		if m.LAddr != first.LAddr {
			return fmt.Errorf("(%p).AddChunk: mismatched LAddr across stripes: %v != %v",
				lv, m.LAddr, first.LAddr)
		}
	}

	chunkSize := first.ChunkSize
	if chunkSize == 0 {
		chunkSize = first.Size
	}
	paddrs := make([]QualifiedPhysicalAddr, len(mappings))
	for i, m := range mappings {
		paddrs[i] = m.PAddr
	}
	newChunk := chunkMapping{
		LAddr:      first.LAddr,
		PAddrs:     paddrs,
		Size:       chunkSize,
		StripeSize: first.Size,
		SizeLocked: first.SizeLocked,
		Flags:      first.Flags,
	}
	if overlaps := lv.logical2physical.SearchRange(newChunk.cmpRange); len(overlaps) != 0 {
		return fmt.Errorf("(%p).AddChunk: laddr range [%v,%v) overlaps an existing chunk",
			lv, newChunk.LAddr, newChunk.LAddr.Add(newChunk.Size))
	}
	lv.logical2physical.Insert(newChunk)

	for _, m := range mappings {
		newExt := devextMapping{
			PAddr:      m.PAddr.Addr,
			LAddr:      m.LAddr,
			Size:       m.Size,
			SizeLocked: m.SizeLocked,
			Flags:      m.Flags,
		}
		physicalOverlaps := lv.physical2logical[m.PAddr.Dev].SearchRange(newExt.cmpRange)
		var err error
		newExt, err = newExt.union(physicalOverlaps...)
		if err != nil {
			return fmt.Errorf("(%p).AddChunk: %w", lv, err)
		}
		for _, ext := range physicalOverlaps {
			lv.physical2logical[m.PAddr.Dev].Delete(containers.NativeOrdered[PhysicalAddr]{Val: ext.PAddr})
		}
		lv.physical2logical[m.PAddr.Dev].Insert(newExt)
	}

	if os.Getenv("PARANOID") != "" {
		if err := lv.fsck(); err != nil {
			return err
		}
	}
	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) fsck() error {
	physical2logical := make(map[DeviceID]*containers.RBTree[containers.NativeOrdered[PhysicalAddr], devextMapping])
	if err := lv.logical2physical.Walk(func(node *containers.RBNode[chunkMapping]) error {
		chunk := node.Value
		stripeSize := chunk.Size
		if chunk.StripeSize != 0 {
			stripeSize = chunk.StripeSize
		}
		for _, stripe := range chunk.PAddrs {
			if _, devOK := lv.id2pv[stripe.Dev]; !devOK {
				return fmt.Errorf("(%p).fsck: chunk references physical volume %v which does not exist",
					lv, stripe.Dev)
			}
			if _, exists := physical2logical[stripe.Dev]; !exists {
				physical2logical[stripe.Dev] = &containers.RBTree[containers.NativeOrdered[PhysicalAddr], devextMapping]{
					KeyFn: func(ext devextMapping) containers.NativeOrdered[PhysicalAddr] {
						return containers.NativeOrdered[PhysicalAddr]{Val: ext.PAddr}
					},
				}
			}
			physical2logical[stripe.Dev].Insert(devextMapping{
				PAddr: stripe.Addr,
				LAddr: chunk.LAddr,
				Size:  stripeSize,
				Flags: chunk.Flags,
			})
		}
		return nil
	}); err != nil {
		return err
	}

	if len(lv.physical2logical) != len(physical2logical) {
		return fmt.Errorf("(%p).fsck: skew between chunk tree and devext tree",
			lv)
	}
	for devid := range lv.physical2logical {
		if !lv.physical2logical[devid].Equal(physical2logical[devid]) {
			return fmt.Errorf("(%p).fsck: skew between chunk tree and devext tree",
				lv)
		}
	}

	return nil
}

func (lv *LogicalVolume[PhysicalVolume]) Mappings() []Mapping {
	var ret []Mapping
	_ = lv.logical2physical.Walk(func(node *containers.RBNode[chunkMapping]) error {
		chunk := node.Value
		stripeSize := chunk.Size
		if chunk.StripeSize != 0 {
			stripeSize = chunk.StripeSize
		}
		for _, slice := range chunk.PAddrs {
			ret = append(ret, Mapping{
				LAddr:      chunk.LAddr,
				PAddr:      slice,
				Size:       stripeSize,
				ChunkSize:  chunk.Size,
				SizeLocked: chunk.SizeLocked,
				Flags:      chunk.Flags,
			})
		}
		return nil
	})
	return ret
}

// resolveOrdered is the shared core of Resolve and ResolveStripes: it
// locates the chunk covering laddr and returns the physical stripe(s)
// that actually back that byte, in column order, plus how many bytes
// remain before the next stripe unit or chunk boundary.
//
// A chunk with no profile recorded (Flags unset, as AddMapping's
// forensic callers often leave it when they only ever recovered one
// stripe at a time) or with StripeSize unset falls back to treating
// every one of its PAddrs as a full-chunk mirror of every other,
// exactly as this volume behaved before striping was taught to it.
func (lv *LogicalVolume[PhysicalVolume]) resolveOrdered(laddr LogicalAddr) ([]QualifiedPhysicalAddr, AddrDelta) {
	node := lv.logical2physical.Search(func(chunk chunkMapping) int {
		return chunkMapping{LAddr: laddr, Size: 1}.cmpRange(chunk)
	})
	if node == nil {
		return nil, 0
	}
	chunk := node.Value
	offsetWithinChunk := laddr.Sub(chunk.LAddr)
	maxlen := chunk.Size - offsetWithinChunk

	flatMirror := func() ([]QualifiedPhysicalAddr, AddrDelta) {
		paddrs := make([]QualifiedPhysicalAddr, len(chunk.PAddrs))
		for i, stripe := range chunk.PAddrs {
			paddrs[i] = QualifiedPhysicalAddr{Dev: stripe.Dev, Addr: stripe.Addr.Add(offsetWithinChunk)}
		}
		return paddrs, maxlen
	}

	numStripes := len(chunk.PAddrs)
	if !chunk.Flags.OK || chunk.StripeSize == 0 || numStripes <= 1 {
		return flatMirror()
	}

	profile := chunk.Flags.Val.Profile()
	switch profile {
	case ProfileRAID0, ProfileRAID5, ProfileRAID6:
		stripe, stripeOffset, err := profile.StripeIndex(numStripes, offsetWithinChunk)
		if err != nil || stripe < 0 || stripe >= numStripes {
			return nil, 0
		}
		if rem := StripeLen - stripeOffset%StripeLen; rem < maxlen {
			maxlen = rem
		}
		return []QualifiedPhysicalAddr{{
			Dev:  chunk.PAddrs[stripe].Dev,
			Addr: chunk.PAddrs[stripe].Addr.Add(stripeOffset),
		}}, maxlen
	case ProfileRAID10:
		base, stripeOffset, err := profile.StripeIndex(numStripes, offsetWithinChunk)
		if err != nil {
			return nil, 0
		}
		if rem := StripeLen - stripeOffset%StripeLen; rem < maxlen {
			maxlen = rem
		}
		sub := profile.SubStripes()
		paddrs := make([]QualifiedPhysicalAddr, 0, sub)
		for i := 0; i < sub && base+i < numStripes; i++ {
			paddrs = append(paddrs, QualifiedPhysicalAddr{
				Dev:  chunk.PAddrs[base+i].Dev,
				Addr: chunk.PAddrs[base+i].Addr.Add(stripeOffset),
			})
		}
		return paddrs, maxlen
	default:
		return flatMirror()
	}
}

// Resolve returns the set of physical addresses backing laddr (every
// stripe a caller could read it from, with no guaranteed order) and
// how far that mapping extends before it needs to be re-resolved.
func (lv *LogicalVolume[PhysicalVolume]) Resolve(laddr LogicalAddr) (paddrs map[QualifiedPhysicalAddr]struct{}, maxlen AddrDelta) {
	ordered, maxlen := lv.resolveOrdered(laddr)
	if len(ordered) == 0 {
		return nil, 0
	}
	paddrs = make(map[QualifiedPhysicalAddr]struct{}, len(ordered))
	for _, p := range ordered {
		paddrs[p] = struct{}{}
	}
	return paddrs, maxlen
}

// ResolveStripes is Resolve with order preserved and, for profiles
// where not every stripe is a mirror of every other, narrowed to just
// the stripe(s) that actually answer for laddr: the one data column
// for RAID0/RAID5/RAID6 (parity columns aren't returned; a caller that
// needs those has to read the CHUNK_ITEM stripe list itself), or the
// SubStripes-many mirrors of the relevant group for RAID10. Resolve's
// map return can't express "these aren't all mirrors of each other".
func (lv *LogicalVolume[PhysicalVolume]) ResolveStripes(laddr LogicalAddr) ([]QualifiedPhysicalAddr, AddrDelta) {
	return lv.resolveOrdered(laddr)
}

func (lv *LogicalVolume[PhysicalVolume]) ResolveAny(laddr LogicalAddr, size AddrDelta) (LogicalAddr, QualifiedPhysicalAddr) {
	node := lv.logical2physical.Search(func(chunk chunkMapping) int {
		return chunkMapping{LAddr: laddr, Size: size}.cmpRange(chunk)
	})
	if node == nil {
		return -1, QualifiedPhysicalAddr{0, -1}
	}
	return node.Value.LAddr, node.Value.PAddrs[0]
}

func (lv *LogicalVolume[PhysicalVolume]) UnResolve(paddr QualifiedPhysicalAddr) LogicalAddr {
	node := lv.physical2logical[paddr.Dev].Search(func(ext devextMapping) int {
		return devextMapping{PAddr: paddr.Addr, Size: 1}.cmpRange(ext)
	})
	if node == nil {
		return -1
	}

	ext := node.Value

	offsetWithinExt := paddr.Addr.Sub(ext.PAddr)
	return ext.LAddr.Add(offsetWithinExt)
}

func (lv *LogicalVolume[PhysicalVolume]) ReadAt(dat []byte, laddr LogicalAddr) (int, error) {
	done := 0
	for done < len(dat) {
		n, err := lv.maybeShortReadAt(dat[done:], laddr+LogicalAddr(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (lv *LogicalVolume[PhysicalVolume]) maybeShortReadAt(dat []byte, laddr LogicalAddr) (int, error) {
	paddrs, maxlen := lv.Resolve(laddr)
	if len(paddrs) == 0 {
		return 0, fmt.Errorf("read: could not map logical address %v", laddr)
	}
	if AddrDelta(len(dat)) > maxlen {
		dat = dat[:maxlen]
	}

	buf := make([]byte, len(dat))
	first := true
	for paddr := range paddrs {
		dev, ok := lv.id2pv[paddr.Dev]
		if !ok {
			return 0, fmt.Errorf("device=%v does not exist", paddr.Dev)
		}
		if _, err := dev.ReadAt(buf, paddr.Addr); err != nil {
			return 0, fmt.Errorf("read device=%v paddr=%v: %w", paddr.Dev, paddr.Addr, err)
		}
		if first {
			copy(dat, buf)
		} else {
			if !bytes.Equal(dat, buf) {
				return 0, fmt.Errorf("inconsistent stripes at laddr=%v len=%v", laddr, len(dat))
			}
		}
	}
	return len(dat), nil
}

func (lv *LogicalVolume[PhysicalVolume]) WriteAt(dat []byte, laddr LogicalAddr) (int, error) {
	done := 0
	for done < len(dat) {
		n, err := lv.maybeShortWriteAt(dat[done:], laddr+LogicalAddr(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (lv *LogicalVolume[PhysicalVolume]) maybeShortWriteAt(dat []byte, laddr LogicalAddr) (int, error) {
	paddrs, maxlen := lv.Resolve(laddr)
	if len(paddrs) == 0 {
		return 0, fmt.Errorf("write: could not map logical address %v", laddr)
	}
	if AddrDelta(len(dat)) > maxlen {
		dat = dat[:maxlen]
	}

	for paddr := range paddrs {
		dev, ok := lv.id2pv[paddr.Dev]
		if !ok {
			return 0, fmt.Errorf("device=%v does not exist", paddr.Dev)
		}
		if _, err := dev.WriteAt(dat, paddr.Addr); err != nil {
			return 0, fmt.Errorf("write device=%v paddr=%v: %w", paddr.Dev, paddr.Addr, err)
		}
	}
	return len(dat), nil
}
