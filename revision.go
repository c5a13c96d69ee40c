package replicants

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// RevisionLabel fingerprints a revision as sha1 over the canonical JSON
// encoding of (sequence number, value). encoding/json sorts mapping keys,
// which makes the encoding canonical: deeply equal values always hash the
// same. Labels are opaque; equality is their only operation.
func RevisionLabel(seq int64, value Value) string {
	payload := struct {
		Num   int64 `json:"num"`
		Value Value `json:"value"`
	}{seq, value}

	b, err := json.Marshal(payload)
	if err != nil {
		// JSON-shaped values cannot fail to encode; anything else
		// degrades to a constant label
		b = []byte("unencodable")
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// historyAt treats out-of-range positions as empty, which makes the
// parent-match test well-defined on fresh replicants with no history.
func historyAt(h []string, i int) string {
	if i >= 0 && i < len(h) {
		return h[i]
	}
	return ""
}

func historyContains(h []string, label string) bool {
	for _, l := range h {
		if l == label {
			return true
		}
	}
	return false
}

// prependHistory pushes a label onto the chain, trimming the tail at
// limit. The first two positions are load-bearing and never trimmed.
func prependHistory(h []string, label string, limit int) []string {
	if limit < 2 {
		limit = 2
	}
	out := make([]string, 0, min(len(h)+1, limit))
	out = append(out, label)
	for _, l := range h {
		if len(out) >= limit {
			break
		}
		out = append(out, l)
	}
	return out
}

func jsonEqual(a, b Value) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// dottedPath converts a raw observer path ("/a/b", leading slash) to the
// codec's dotted form ("a.b"); the root is the empty path.
func dottedPath(raw string) string {
	trimmed := strings.TrimPrefix(raw, "/")
	if trimmed == "" {
		return ""
	}
	return strings.ReplaceAll(trimmed, "/", ".")
}
