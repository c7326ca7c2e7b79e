package lock

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestSortOrdersByEntityThenPK(t *testing.T) {
	keys := []Key{
		{"post", 2},
		{"comment", 9},
		{"post", 1},
		{"comment", 3},
		{"user", 5},
	}
	Sort(keys)
	want := []Key{
		{"comment", 3},
		{"comment", 9},
		{"post", 1},
		{"post", 2},
		{"user", 5},
	}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("sort order: %v", keys)
	}
}

func TestSortIsDeterministicUnderShuffle(t *testing.T) {
	base := []Key{{"a", 1}, {"a", 2}, {"b", 1}, {"c", 7}, {"c", 8}}
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 10; round++ {
		shuffled := append([]Key(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		Sort(shuffled)
		if !reflect.DeepEqual(shuffled, base) {
			t.Fatalf("round %d: order depends on input order: %v", round, shuffled)
		}
	}
}

func TestTokenStableAndDistinct(t *testing.T) {
	k := Key{Entity: "post", PK: 42}
	if Token(k) != Token(k) {
		t.Error("token must be stable")
	}
	if Token(Key{"post", 1}) == Token(Key{"post", 2}) {
		t.Error("tokens for different pks collide")
	}
	if Token(Key{"post", 1}) == Token(Key{"user", 1}) {
		t.Error("tokens for different entities collide")
	}
}
