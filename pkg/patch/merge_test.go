package patch

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/go-faker/faker/v4"
)

func doc(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return m
}

func TestApplyNestedObject(t *testing.T) {
	current := doc(t, `{
		"title": "hello",
		"author": {"id": "u1", "name": "Alice"},
		"meta": {"views": 3}
	}`)
	fresh := doc(t, `{"id": "u1", "name": "Alice Smith"}`)

	got, err := ApplyNestedObject(current, []string{"author"}, fresh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["author"].(map[string]any)["name"] != "Alice Smith" {
		t.Errorf("subtree not replaced: %#v", got["author"])
	}
	if !reflect.DeepEqual(got["meta"], current["meta"]) {
		t.Error("untouched subtree changed")
	}
	// input must not be mutated
	if current["author"].(map[string]any)["name"] != "Alice" {
		t.Error("merge mutated its input")
	}
}

func TestApplyNestedObjectDeepPath(t *testing.T) {
	current := doc(t, `{"meta": {"assignee": {"id": "a1", "name": "Sam"}, "priority": 2}}`)
	fresh := doc(t, `{"id": "a1", "name": "Sam Chen"}`)

	got, err := ApplyNestedObject(current, []string{"meta", "assignee"}, fresh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	meta := got["meta"].(map[string]any)
	if meta["assignee"].(map[string]any)["name"] != "Sam Chen" {
		t.Errorf("deep subtree not replaced: %#v", meta)
	}
	if meta["priority"] != float64(2) {
		t.Error("sibling key lost")
	}
}

func TestApplyNestedObjectPathErrors(t *testing.T) {
	current := doc(t, `{"author": "not an object"}`)
	fresh := doc(t, `{"id": "u1"}`)

	if _, err := ApplyNestedObject(current, []string{"author", "inner"}, fresh); !errors.Is(err, ErrPathNotObject) {
		t.Errorf("expected ErrPathNotObject, got %v", err)
	}
	if _, err := ApplyNestedObject(current, nil, fresh); !errors.Is(err, ErrPathMissing) {
		t.Errorf("expected ErrPathMissing, got %v", err)
	}
}

func TestReplaceArrayElement(t *testing.T) {
	current := doc(t, `{
		"comments": [
			{"id": "c1", "body": "first"},
			{"id": "c2", "body": "second"},
			{"id": "c3", "body": "third"}
		]
	}`)
	fresh := doc(t, `{"id": "c2", "body": "second, edited"}`)

	got, err := ReplaceArrayElement(current, []string{"comments"}, "id", fresh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arr := got["comments"].([]any)
	if len(arr) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(arr))
	}
	if arr[1].(map[string]any)["body"] != "second, edited" {
		t.Errorf("element not replaced in place: %#v", arr[1])
	}
	if arr[0].(map[string]any)["body"] != "first" || arr[2].(map[string]any)["body"] != "third" {
		t.Error("order or untouched elements not preserved")
	}
}

func TestReplaceArrayElementNotFound(t *testing.T) {
	current := doc(t, `{"comments": [{"id": "c1"}]}`)
	fresh := doc(t, `{"id": "c9", "body": "new"}`)

	if _, err := ReplaceArrayElement(current, []string{"comments"}, "id", fresh); !errors.Is(err, ErrElementNotFound) {
		t.Errorf("expected ErrElementNotFound, got %v", err)
	}
}

func TestReplaceArrayElementTypeErrors(t *testing.T) {
	fresh := doc(t, `{"id": "c1"}`)

	if _, err := ReplaceArrayElement(doc(t, `{"comments": 7}`), []string{"comments"}, "id", fresh); !errors.Is(err, ErrNotArray) {
		t.Errorf("expected ErrNotArray, got %v", err)
	}
	if _, err := ReplaceArrayElement(doc(t, `{}`), []string{"comments"}, "id", fresh); !errors.Is(err, ErrPathMissing) {
		t.Errorf("expected ErrPathMissing, got %v", err)
	}
	if _, err := ReplaceArrayElement(doc(t, `{"comments": []}`), []string{"comments"}, "id", map[string]any{}); !errors.Is(err, ErrNoMatchKey) {
		t.Errorf("expected ErrNoMatchKey, got %v", err)
	}
}

func TestRemoveArrayElement(t *testing.T) {
	current := doc(t, `{"comments": [{"id": "c1"}, {"id": "c2"}, {"id": "c3"}]}`)

	got, err := RemoveArrayElement(current, []string{"comments"}, "id", "c2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arr := got["comments"].([]any)
	if len(arr) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(arr))
	}
	if arr[0].(map[string]any)["id"] != "c1" || arr[1].(map[string]any)["id"] != "c3" {
		t.Errorf("wrong elements survived: %#v", arr)
	}

	// removing a missing element is a no-op
	again, err := RemoveArrayElement(got, []string{"comments"}, "id", "c2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again["comments"].([]any)) != 2 {
		t.Error("no-op removal changed the array")
	}
}

func TestMatchKeyNumericEquality(t *testing.T) {
	// jsonb numbers decode as float64; integer match keys must still match
	current := doc(t, `{"items": [{"id": 1, "v": "a"}, {"id": 2, "v": "b"}]}`)
	fresh := doc(t, `{"id": 2, "v": "b2"}`)

	got, err := ReplaceArrayElement(current, []string{"items"}, "id", fresh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["items"].([]any)[1].(map[string]any)["v"] != "b2" {
		t.Error("numeric match key did not match")
	}
}

// fakeComment drives the equivalence property below with generated data.
type fakeComment struct {
	ID   string `faker:"uuid_hyphenated" json:"id"`
	Body string `faker:"sentence" json:"body"`
	Mail string `faker:"email" json:"mail"`
}

// Replacing one element by match key must be byte-identical to rebuilding
// the whole array with the new element in the same position.
func TestReplaceArrayElementEquivalentToRebuild(t *testing.T) {
	for round := 0; round < 20; round++ {
		var comments []fakeComment
		for i := 0; i < 5; i++ {
			var c fakeComment
			if err := faker.FakeData(&c); err != nil {
				t.Fatalf("faker: %v", err)
			}
			comments = append(comments, c)
		}

		raw, _ := json.Marshal(map[string]any{"comments": comments})
		current := doc(t, string(raw))

		var edited fakeComment
		if err := faker.FakeData(&edited); err != nil {
			t.Fatalf("faker: %v", err)
		}
		edited.ID = comments[2].ID
		freshRaw, _ := json.Marshal(edited)
		fresh := doc(t, string(freshRaw))

		patched, err := ReplaceArrayElement(current, []string{"comments"}, "id", fresh)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		rebuilt := comments
		rebuilt[2] = edited
		rebuiltRaw, _ := json.Marshal(map[string]any{"comments": rebuilt})
		expected := doc(t, string(rebuiltRaw))

		a, _ := json.Marshal(patched)
		b, _ := json.Marshal(expected)
		if string(a) != string(b) {
			t.Fatalf("patch differs from full rebuild\npatched: %s\nrebuilt: %s", a, b)
		}
	}
}
