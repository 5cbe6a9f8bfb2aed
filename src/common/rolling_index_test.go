package common

import "testing"

func TestRollingIndexAppendAndRoll(t *testing.T) {
	ri := NewRollingIndex("Round", 3)

	for i := 0; i < 6; i++ {
		if err := ri.Set(i, i); err != nil {
			t.Fatal(err)
		}
	}

	//the seventh append rolls the oldest half off
	if err := ri.Set(6, 6); err != nil {
		t.Fatal(err)
	}

	if _, err := ri.GetItem(2); !IsStore(err, TooLate) {
		t.Fatalf("expected TooLate, got %v", err)
	}

	for i := 3; i <= 6; i++ {
		item, err := ri.GetItem(i)
		if err != nil {
			t.Fatal(err)
		}
		if item.(int) != i {
			t.Fatalf("item %d is %v", i, item)
		}
	}

	if _, err := ri.GetItem(7); !IsStore(err, KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}
}

func TestRollingIndexSkippedIndex(t *testing.T) {
	ri := NewRollingIndex("Round", 3)

	if err := ri.Set("a", 0); err != nil {
		t.Fatal(err)
	}
	if err := ri.Set("c", 2); !IsStore(err, SkippedIndex) {
		t.Fatalf("expected SkippedIndex, got %v", err)
	}
}

func TestRollingIndexReplace(t *testing.T) {
	ri := NewRollingIndex("Round", 3)

	for i := 0; i < 3; i++ {
		if err := ri.Set("old", i); err != nil {
			t.Fatal(err)
		}
	}

	if err := ri.Set("new", 1); err != nil {
		t.Fatal(err)
	}

	item, err := ri.GetItem(1)
	if err != nil {
		t.Fatal(err)
	}
	if item.(string) != "new" {
		t.Fatalf("item 1 is %v", item)
	}
}

func TestRollingIndexFirstItemAnywhere(t *testing.T) {
	//a node bootstrapping from a persisted chain opens its first round at
	//the stored height, not at zero
	ri := NewRollingIndex("Round", 3)

	if err := ri.Set("r", 42); err != nil {
		t.Fatal(err)
	}

	item, err := ri.GetItem(42)
	if err != nil {
		t.Fatal(err)
	}
	if item.(string) != "r" {
		t.Fatalf("item 42 is %v", item)
	}

	if _, err := ri.GetItem(41); !IsStore(err, TooLate) {
		t.Fatalf("expected TooLate, got %v", err)
	}
}
