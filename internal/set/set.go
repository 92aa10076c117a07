// Package set provides insertion-ordered string sets. Governance records
// keep elders, approvals and rejections as ordered sets and serialize them
// as JSON arrays.
package set

import (
	"encoding/json"
	"slices"
)

// Ordered is a set of strings that remembers insertion order.
// The zero value is an empty set.
type Ordered struct {
	items []string
}

// Of builds a set from items, dropping duplicates.
func Of(items ...string) Ordered {
	var s Ordered
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Add inserts v and reports whether it was absent.
func (s *Ordered) Add(v string) bool {
	if s.Has(v) {
		return false
	}
	s.items = append(s.items, v)
	return true
}

// Remove deletes v and reports whether it was present.
func (s *Ordered) Remove(v string) bool {
	i := slices.Index(s.items, v)
	if i < 0 {
		return false
	}
	s.items = slices.Delete(s.items, i, i+1)
	return true
}

// Has reports membership.
func (s Ordered) Has(v string) bool {
	return slices.Contains(s.items, v)
}

// Len returns the number of members.
func (s Ordered) Len() int {
	return len(s.items)
}

// Items returns a copy of the members in insertion order.
func (s Ordered) Items() []string {
	return slices.Clone(s.items)
}

// MarshalJSON encodes the set as an array.
func (s Ordered) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

// UnmarshalJSON decodes an array, dropping duplicates.
func (s *Ordered) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = Of(items...)
	return nil
}
