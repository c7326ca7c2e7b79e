package cache

import "testing"

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string](2)
	c.Put(1, "a")
	c.Put(2, "b")

	// touch 1 so 2 becomes the eviction candidate
	if v, ok := c.Get(1); !ok || v != "a" {
		t.Fatalf("get 1: %q %v", v, ok)
	}
	c.Put(3, "c")

	if _, ok := c.Get(2); ok {
		t.Error("2 should have been evicted")
	}
	if _, ok := c.Get(1); !ok {
		t.Error("1 should have survived")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("3 should be present")
	}
}

func TestLRUPutUpdatesInPlace(t *testing.T) {
	c := NewLRU[int](2)
	c.Put(1, 10)
	c.Put(1, 20)
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
	if v, _ := c.Get(1); v != 20 {
		t.Errorf("expected 20, got %d", v)
	}
}

func TestLRUDeleteAndPurge(t *testing.T) {
	c := NewLRU[int](4)
	c.Put(1, 1)
	c.Put(2, 2)

	c.Delete(1)
	if _, ok := c.Get(1); ok {
		t.Error("deleted entry still present")
	}

	c.Purge()
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", c.Len())
	}
	c.Put(3, 3)
	if _, ok := c.Get(3); !ok {
		t.Error("cache unusable after purge")
	}
}

func TestKeySeparatesParts(t *testing.T) {
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("key parts must not concatenate ambiguously")
	}
	if Key("x", "y") != Key("x", "y") {
		t.Error("key must be deterministic")
	}
}
