package set

import (
	"encoding/json"
	"slices"
	"testing"
)

func TestOrderedKeepsInsertionOrder(t *testing.T) {
	s := Of("founder", "alice", "founder", "bob")
	if got := s.Items(); !slices.Equal(got, []string{"founder", "alice", "bob"}) {
		t.Fatalf("Items = %v", got)
	}
	if s.Add("alice") {
		t.Fatal("Add of existing member reported true")
	}
	if !s.Remove("alice") || s.Remove("alice") {
		t.Fatal("Remove should report presence exactly once")
	}
	if s.Has("alice") || s.Len() != 2 {
		t.Fatalf("after remove: %v", s.Items())
	}
}

func TestItemsIsACopy(t *testing.T) {
	s := Of("a")
	items := s.Items()
	items[0] = "mutated"
	if !s.Has("a") {
		t.Fatal("Items exposed internal storage")
	}
}

func TestOrderedJSON(t *testing.T) {
	var empty Ordered
	raw, err := json.Marshal(empty)
	if err != nil || string(raw) != "[]" {
		t.Fatalf("empty = %s, %v", raw, err)
	}

	var s Ordered
	if err := json.Unmarshal([]byte(`["b","a","b"]`), &s); err != nil {
		t.Fatal(err)
	}
	if got := s.Items(); !slices.Equal(got, []string{"b", "a"}) {
		t.Fatalf("decoded = %v", got)
	}
}
