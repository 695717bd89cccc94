package dedup

import (
	"fmt"
	"reflect"
	"testing"
)

func TestMarkProcessedAndIsDuplicate(t *testing.T) {
	cache := NewCache(4)

	if cache.IsDuplicate("k1") {
		t.Fatal("fresh key must not be a duplicate")
	}
	cache.MarkProcessed("k1")
	if !cache.IsDuplicate("k1") {
		t.Fatal("marked key must be a duplicate")
	}
	if cache.Len() != 1 {
		t.Errorf("len = %d, want 1", cache.Len())
	}

	// Re-marking does not grow the cache or refresh position.
	cache.MarkProcessed("k1")
	if cache.Len() != 1 {
		t.Errorf("len after re-mark = %d, want 1", cache.Len())
	}
}

func TestEvictionOldestFirst(t *testing.T) {
	cache := NewCache(3)
	for i := 1; i <= 3; i++ {
		cache.MarkProcessed(fmt.Sprintf("k%d", i))
	}

	// Re-marking k1 must not move it to the back.
	cache.MarkProcessed("k1")
	cache.MarkProcessed("k4")

	if cache.IsDuplicate("k1") {
		t.Error("k1 should have been evicted as the oldest entry")
	}
	if !cache.IsDuplicate("k2") || !cache.IsDuplicate("k3") || !cache.IsDuplicate("k4") {
		t.Errorf("cache keys = %v, want k2 k3 k4", cache.Keys())
	}
	if cache.Len() != 3 {
		t.Errorf("len = %d, want capacity 3", cache.Len())
	}
}

func TestRestore(t *testing.T) {
	cache := NewCache(3)
	cache.Restore([]string{"a", "b", "a", "c", "d"})

	// Duplicate "a" in the seed is ignored, then "d" evicts "a".
	want := []string{"b", "c", "d"}
	if got := cache.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
}

func TestDuplicateDoesNotChangeSize(t *testing.T) {
	cache := NewCache(8)
	cache.MarkProcessed("evt-1")
	cache.MarkProcessed("evt-2")
	before := cache.Len()

	for i := 0; i < 5; i++ {
		if !cache.IsDuplicate("evt-1") {
			t.Fatal("redelivered key must stay a duplicate")
		}
		cache.MarkProcessed("evt-1")
	}
	if cache.Len() != before {
		t.Errorf("len = %d, want unchanged %d", cache.Len(), before)
	}
}

func TestCapacityFloor(t *testing.T) {
	cache := NewCache(0)
	for i := 0; i < DefaultCapacity+10; i++ {
		cache.MarkProcessed(fmt.Sprintf("k%d", i))
	}
	if cache.Len() != DefaultCapacity {
		t.Errorf("len = %d, want default capacity %d", cache.Len(), DefaultCapacity)
	}
}
