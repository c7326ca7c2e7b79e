// Package patch selects and applies the minimal JSON update when a
// dependency's document changes: replace a nested subtree, or replace or
// remove matching array elements. Every operation is functionally equivalent
// to recomputing the dependent's document from scratch; when a merge cannot
// be applied cleanly, or cannot be proven equivalent (scalar edges copy
// dependency fields under names the dependent chose), the applier falls back
// to a full recompute instead of surfacing an error.
package patch

import (
	"errors"
	"fmt"
	"strconv"
)

// Merge failures are recoverable: the applier recomputes the row instead.
var (
	ErrPathNotObject   = errors.New("patch path does not traverse objects")
	ErrPathMissing     = errors.New("patch path missing from document")
	ErrNotArray        = errors.New("value at patch path is not an array")
	ErrElementNotFound = errors.New("no array element matches the key")
	ErrNoMatchKey      = errors.New("document lacks the array match key")
)

// ApplyNestedObject returns a copy of doc with the subtree at path replaced
// by sub. Intermediate hops must be objects.
func ApplyNestedObject(doc map[string]any, path []string, sub map[string]any) (map[string]any, error) {
	if len(path) == 0 {
		return nil, ErrPathMissing
	}
	out := copyDoc(doc)
	cur := out
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrPathNotObject, key)
		}
		next = copyDoc(next)
		cur[key] = next
		cur = next
	}
	cur[path[len(path)-1]] = sub
	return out, nil
}

// ReplaceArrayElement returns a copy of doc where every element of the array
// at path whose matchKey equals sub's matchKey is replaced by sub. Order and
// non-matching elements are preserved.
func ReplaceArrayElement(doc map[string]any, path []string, matchKey string, sub map[string]any) (map[string]any, error) {
	want, ok := scalarKey(sub[matchKey])
	if !ok {
		return nil, ErrNoMatchKey
	}
	return patchArray(doc, path, func(arr []any) ([]any, error) {
		out := make([]any, len(arr))
		matched := false
		for i, el := range arr {
			out[i] = el
			obj, ok := el.(map[string]any)
			if !ok {
				continue
			}
			if got, ok := scalarKey(obj[matchKey]); ok && got == want {
				out[i] = sub
				matched = true
			}
		}
		if !matched {
			return nil, ErrElementNotFound
		}
		return out, nil
	})
}

// RemoveArrayElement returns a copy of doc where elements of the array at
// path whose matchKey equals keyValue are dropped. Removing a non-existent
// element is a no-op, matching a delete that was already reflected.
func RemoveArrayElement(doc map[string]any, path []string, matchKey string, keyValue any) (map[string]any, error) {
	want, ok := scalarKey(keyValue)
	if !ok {
		return nil, ErrNoMatchKey
	}
	return patchArray(doc, path, func(arr []any) ([]any, error) {
		out := make([]any, 0, len(arr))
		for _, el := range arr {
			if obj, ok := el.(map[string]any); ok {
				if got, ok := scalarKey(obj[matchKey]); ok && got == want {
					continue
				}
			}
			out = append(out, el)
		}
		return out, nil
	})
}

func patchArray(doc map[string]any, path []string, fn func([]any) ([]any, error)) (map[string]any, error) {
	if len(path) == 0 {
		return nil, ErrPathMissing
	}
	out := copyDoc(doc)
	cur := out
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrPathNotObject, key)
		}
		next = copyDoc(next)
		cur[key] = next
		cur = next
	}
	leaf := path[len(path)-1]
	arr, ok := cur[leaf].([]any)
	if !ok {
		if _, present := cur[leaf]; !present {
			return nil, fmt.Errorf("%w: %q", ErrPathMissing, leaf)
		}
		return nil, fmt.Errorf("%w: %q", ErrNotArray, leaf)
	}
	patched, err := fn(arr)
	if err != nil {
		return nil, err
	}
	cur[leaf] = patched
	return out, nil
}

// scalarKey normalizes a JSON scalar for match-key comparison. Objects and
// arrays are not usable as match keys.
func scalarKey(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return "s:" + x, true
	case float64:
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64), true
	case bool:
		return "b:" + strconv.FormatBool(x), true
	case int64:
		return "n:" + strconv.FormatInt(x, 10), true
	case nil:
		return "", false
	default:
		return "", false
	}
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
