// Package jsonpath reads values out of JSON documents.
//
// Paths may be written JSONPath-style ($.item.notes, $.items[0].id) or in
// gjson syntax (item.notes, items.0.id).
package jsonpath

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Lookup returns the value at path.
func Lookup(body []byte, path string) (gjson.Result, bool) {
	r := gjson.GetBytes(body, ToGjson(path))
	return r, r.Exists()
}

// Extract returns the value at path rendered as a string; null renders as "null".
func Extract(body []byte, path string) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty JSON document")
	}
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	r, ok := Lookup(body, path)
	if !ok {
		return "", fmt.Errorf("path not found: %s", path)
	}
	if r.Type == gjson.Null {
		return "null", nil
	}
	return r.String(), nil
}

// Value returns the native Go value at path, or nil.
func Value(body []byte, path string) interface{} {
	r, ok := Lookup(body, path)
	if !ok {
		return nil
	}
	return r.Value()
}

// Flatten turns a JSON object into a flat map keyed by dotted paths.
//
// Scalars keep their Go value (string, float64, bool, nil). Nested objects and
// arrays are stored both as their raw JSON under their own key and expanded
// into their children, so {"item":{"notes":"x"}} yields "item" and "item.notes".
func Flatten(body []byte) (map[string]interface{}, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("expected a JSON object, got %s", root.Type)
	}

	out := make(map[string]interface{})
	flatten("", root, out)
	return out, nil
}

func flatten(prefix string, r gjson.Result, out map[string]interface{}) {
	switch {
	case r.IsObject() || r.IsArray():
		if prefix != "" {
			out[prefix] = r.Raw
		}
		i := 0
		r.ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			if r.IsArray() {
				name = strconv.Itoa(i)
			}
			i++
			if prefix != "" {
				name = prefix + "." + name
			}
			flatten(name, value, out)
			return true
		})
	default:
		out[prefix] = r.Value()
	}
}

// Keys returns the sorted keys of a flattened map.
func Keys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToGjson converts a JSONPath expression to gjson syntax. Paths that do not
// start with '$' are returned unchanged.
func ToGjson(path string) string {
	if !strings.HasPrefix(path, "$") {
		return path
	}

	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return "@this"
	}
	path = strings.TrimPrefix(path, ".")

	// $['name'] and $["name"]
	path = strings.NewReplacer("['", ".", "']", "", `["`, ".", `"]`, "").Replace(path)

	// [n] -> .n
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	return strings.TrimPrefix(path, ".")
}
