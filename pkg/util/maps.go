package util

import (
	"cmp"
	"maps"
	"slices"
)

// SortedKeys returns the keys of a map in sorted order.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

// Set builds a membership set from items.
func Set[K comparable](items []K) map[K]struct{} {
	set := make(map[K]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// Subtract returns the sorted keys of m that are absent from other.
func Subtract[K cmp.Ordered, V, W any](m map[K]V, other map[K]W) []K {
	var out []K
	for k := range m {
		if _, ok := other[k]; !ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// ContainsAny reports whether any of items is in set.
func ContainsAny[K comparable](items []K, set map[K]struct{}) bool {
	for _, item := range items {
		if _, ok := set[item]; ok {
			return true
		}
	}
	return false
}
