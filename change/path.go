// Package change defines the atomic edit records exchanged between
// replicators and their forward/inverse application against a value.
//
// A Value is any JSON-shaped document: nil, bool, float64/int, string,
// []any or map[string]any. Positions inside a value are addressed with
// dot-delimited paths ("a.b.2"); a numeric segment indexes a sequence when
// the parent is one and is an ordinary string key otherwise. Keys that
// themselves contain dots are not addressable.
package change

import (
	"strconv"
	"strings"

	"github.com/brunoga/deep"
)

type Value = any

// Copy deep-copies a value. The codec never mutates its inputs; every
// application starts from a copy.
func Copy(v Value) Value {
	if v == nil {
		return nil
	}
	c, err := deep.Copy(v)
	if err != nil {
		return v
	}
	return c
}

func segments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func index(seg string) (int, bool) {
	idx, err := strconv.Atoi(seg)
	return idx, err == nil
}

// Get resolves a path against a value.
func Get(root Value, path string) (Value, bool) {
	cur := root
	for _, seg := range segments(path) {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, ok := index(seg)
			if !ok || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at path, creating intermediate mappings as needed, and
// returns the updated root. The last segment may be a numeric index one
// past the end of a sequence, which appends.
func Set(root Value, path string, v Value) Value {
	return setIn(root, segments(path), v)
}

func setIn(cur Value, segs []string, v Value) Value {
	if len(segs) == 0 {
		return v
	}
	head, rest := segs[0], segs[1:]
	switch c := cur.(type) {
	case map[string]any:
		c[head] = setIn(c[head], rest, v)
		return c
	case []any:
		idx, ok := index(head)
		if !ok {
			return c
		}
		switch {
		case idx >= 0 && idx < len(c):
			c[idx] = setIn(c[idx], rest, v)
			return c
		case idx == len(c):
			return append(c, setIn(nil, rest, v))
		default:
			return c
		}
	default:
		m := map[string]any{}
		m[head] = setIn(nil, rest, v)
		return m
	}
}

// Delete removes the position at path and returns the updated root.
// Missing positions are tolerated; deleting the root yields nil.
func Delete(root Value, path string) Value {
	segs := segments(path)
	if len(segs) == 0 {
		return nil
	}
	return delIn(root, segs)
}

func delIn(cur Value, segs []string) Value {
	head, rest := segs[0], segs[1:]
	switch c := cur.(type) {
	case map[string]any:
		if len(rest) == 0 {
			delete(c, head)
			return c
		}
		if child, ok := c[head]; ok {
			c[head] = delIn(child, rest)
		}
		return c
	case []any:
		idx, ok := index(head)
		if !ok || idx < 0 || idx >= len(c) {
			return c
		}
		if len(rest) == 0 {
			return append(c[:idx], c[idx+1:]...)
		}
		c[idx] = delIn(c[idx], rest)
		return c
	default:
		return cur
	}
}
