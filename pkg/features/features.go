// Package features holds the per-VM peer sets that the clustering core consumes.
// A Dict remembers the order in which VMs were first seen so that every
// downstream pass iterates keys deterministically.
package features

import "sort"

// Set is a set of distinct peer identifiers.
type Set map[string]struct{}

// NewSet creates a Set from the given items. Duplicates are collapsed.
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Add inserts item and reports whether it was not already present.
func (s Set) Add(item string) bool {
	if _, ok := s[item]; ok {
		return false
	}
	s[item] = struct{}{}
	return true
}

// Contains reports whether item is in the set.
func (s Set) Contains(item string) bool {
	_, ok := s[item]
	return ok
}

// Len returns the number of items.
func (s Set) Len() int {
	return len(s)
}

// Items returns the items in lexical order.
func (s Set) Items() []string {
	items := make([]string, 0, len(s))
	for item := range s {
		items = append(items, item)
	}
	sort.Strings(items)
	return items
}

// Dict maps VM-ids to their feature sets, preserving discovery order.
type Dict struct {
	order []string
	sets  map[string]Set
}

// NewDict creates an empty Dict.
func NewDict() *Dict {
	return &Dict{sets: make(map[string]Set)}
}

// Add records peer as a feature of vm, creating the entry on first sight.
func (d *Dict) Add(vm, peer string) {
	d.ensure(vm).Add(peer)
}

// Put replaces the feature set of vm. A nil set is stored as empty.
func (d *Dict) Put(vm string, s Set) {
	if s == nil {
		s = make(Set)
	}
	if _, ok := d.sets[vm]; !ok {
		d.order = append(d.order, vm)
	}
	d.sets[vm] = s
}

func (d *Dict) ensure(vm string) Set {
	s, ok := d.sets[vm]
	if !ok {
		s = make(Set)
		d.sets[vm] = s
		d.order = append(d.order, vm)
	}
	return s
}

// Get returns the feature set of vm.
func (d *Dict) Get(vm string) (Set, bool) {
	s, ok := d.sets[vm]
	return s, ok
}

// Has reports whether vm is present.
func (d *Dict) Has(vm string) bool {
	_, ok := d.sets[vm]
	return ok
}

// Keys returns the VM-ids in discovery order. The slice is a copy.
func (d *Dict) Keys() []string {
	keys := make([]string, len(d.order))
	copy(keys, d.order)
	return keys
}

// Len returns the number of VMs.
func (d *Dict) Len() int {
	return len(d.order)
}

// Range calls fn for every VM in discovery order until fn returns false.
func (d *Dict) Range(fn func(vm string, s Set) bool) {
	for _, vm := range d.order {
		if !fn(vm, d.sets[vm]) {
			return
		}
	}
}
