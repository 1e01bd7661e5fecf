// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package slices

import (
	"sort"
)

// Search searches for an element of slice for which fn returns 0,
// under the assumption that fn is monotonically non-increasing
// across the slice (i.e. "+ + + + 0 - - - -"). If no such element
// exists, it returns (_, false).
func Search[T any](slice []T, fn func(T) int) (int, bool) {
	idx := sort.Search(len(slice), func(i int) bool {
		return fn(slice[i]) <= 0
	})
	if idx < len(slice) && fn(slice[idx]) == 0 {
		return idx, true
	}
	return idx, false
}

// SearchHighest is like Search, but rather than requiring an exact
// zero match, it returns the right-most element for which fn
// returns >=0 (again assuming "+ + + + 0 - - - -" monotonicity). If
// no element has fn>=0, it returns (_, false).
func SearchHighest[T any](slice []T, fn func(T) int) (int, bool) {
	idx := sort.Search(len(slice), func(i int) bool {
		return fn(slice[i]) < 0
	})
	if idx == 0 {
		return 0, false
	}
	return idx - 1, true
}
