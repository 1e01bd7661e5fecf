// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

type Optional[T any] struct {
	OK  bool
	Val T
}

// OptionalValue wraps v as a present Optional[T], for call sites that
// always have a value on hand and just need it in Optional form.
func OptionalValue[T any](v T) Optional[T] {
	return Optional[T]{OK: true, Val: v}
}
