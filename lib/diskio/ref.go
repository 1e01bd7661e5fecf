// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

// Ref is a reference to a value of type T that is stored at a given
// address on a File[A]. It is used by parsers that need to remember
// where a value came from (to support writing it back out, or to
// report the address in error messages) in addition to the value
// itself.
type Ref[A ~int64, T any] struct {
	File File[A]
	Addr A
	Data T
}

// Read populates r.Data by parsing from r.File at r.Addr, using the
// given unmarshal function on a buffer of the given size.
func (r *Ref[A, T]) Read(size A, unmarshal func([]byte) error) error {
	buf := make([]byte, size)
	if _, err := r.File.ReadAt(buf, r.Addr); err != nil {
		return err
	}
	return unmarshal(buf)
}

// Write serializes r.Data with the given marshal function and writes
// it to r.File at r.Addr.
func (r *Ref[A, T]) Write(marshal func() ([]byte, error)) error {
	buf, err := marshal()
	if err != nil {
		return err
	}
	_, err = r.File.WriteAt(buf, r.Addr)
	return err
}
