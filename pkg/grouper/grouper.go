// Package grouper clusters contiguous point addresses into batch-readable
// groups. It is pure logic shared by the request-response protocol adapters.
package grouper

import "sort"

// Item is one groupable point. Index refers back into the caller's slice so
// readings can be matched to points after the wire reads. Address and Length
// are in the family's native units (registers, words or bits).
type Item struct {
	Index   int
	Family  string
	Address int
	Length  int
}

// Group is a contiguous run of items in one family. Length is the total unit
// span from Start to the end of the furthest item.
type Group struct {
	Family string
	Start  int
	Length int
	Items  []Item
}

// CapFunc returns the maximum units one group may span for a family.
type CapFunc func(family string) int

// Groups partitions items by family, sorts each partition by address and
// merges adjacent runs. A new group starts when the next item leaves a gap
// after the previous one or when adding it would exceed the family cap.
// Families are emitted in first-seen order, groups in the order they were
// started. Duplicate addresses coalesce into the same group.
func Groups(items []Item, capFor CapFunc) []Group {
	if len(items) == 0 {
		return nil
	}

	byFamily := make(map[string][]Item)
	var order []string
	for _, it := range items {
		if _, ok := byFamily[it.Family]; !ok {
			order = append(order, it.Family)
		}
		byFamily[it.Family] = append(byFamily[it.Family], it)
	}

	var groups []Group
	for _, family := range order {
		part := byFamily[family]
		sort.SliceStable(part, func(i, j int) bool { return part[i].Address < part[j].Address })

		limit := capFor(family)
		var cur Group
		open := false
		for _, it := range part {
			length := it.Length
			if length <= 0 {
				length = 1
			}
			gap := open && it.Address > cur.Start+cur.Length
			overCap := open && limit > 0 && it.Address-cur.Start+length > limit
			if gap || overCap {
				groups = append(groups, cur)
				open = false
			}
			if !open {
				cur = Group{Family: family, Start: it.Address}
				open = true
			}
			if span := it.Address - cur.Start + length; span > cur.Length {
				cur.Length = span
			}
			cur.Items = append(cur.Items, it)
		}
		if open {
			groups = append(groups, cur)
		}
	}
	return groups
}
