package observe

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

func rawPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func jsonEqual(a, b any) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func diffValues(old, new any, path string, root any, out *[]Raw) {
	om, oldIsMap := old.(map[string]any)
	nm, newIsMap := new.(map[string]any)
	if oldIsMap && newIsMap {
		diffMaps(om, nm, path, root, out)
		return
	}

	os, oldIsSeq := old.([]any)
	ns, newIsSeq := new.([]any)
	if oldIsSeq && newIsSeq {
		diffSeqs(os, ns, path, root, out)
		return
	}

	if !jsonEqual(old, new) {
		*out = append(*out, Raw{
			Type:     "update",
			Path:     rawPath(path),
			Root:     root,
			OldValue: old,
			NewValue: new,
		})
	}
}

func diffMaps(old, new map[string]any, path string, root any, out *[]Raw) {
	okeys := make([]string, 0, len(old))
	for k := range old {
		okeys = append(okeys, k)
	}
	sort.Strings(okeys)
	for _, k := range okeys {
		if _, kept := new[k]; !kept {
			*out = append(*out, Raw{
				Type:     "delete",
				Path:     path + "/" + k,
				Root:     root,
				Object:   new,
				OldValue: old[k],
			})
		}
	}

	nkeys := make([]string, 0, len(new))
	for k := range new {
		nkeys = append(nkeys, k)
	}
	sort.Strings(nkeys)
	for _, k := range nkeys {
		ov, had := old[k]
		if !had {
			*out = append(*out, Raw{
				Type:     "add",
				Path:     path + "/" + k,
				Root:     root,
				Object:   new,
				NewValue: new[k],
			})
			continue
		}
		diffValues(ov, new[k], path+"/"+k, root, out)
	}
}

func diffSeqs(old, new []any, path string, root any, out *[]Raw) {
	p := 0
	for p < len(old) && p < len(new) && jsonEqual(old[p], new[p]) {
		p++
	}
	s := 0
	for s < len(old)-p && s < len(new)-p &&
		jsonEqual(old[len(old)-1-s], new[len(new)-1-s]) {
		s++
	}

	removed := old[p : len(old)-s]
	added := new[p : len(new)-s]
	if len(removed) == 0 && len(added) == 0 {
		return
	}

	// element-wise container edits recurse instead of splicing, so a
	// mutation inside list[2] surfaces as changes under /list/2
	if len(removed) == len(added) && pairwiseContainers(removed, added) {
		for i := range removed {
			diffValues(removed[i], added[i], path+"/"+strconv.Itoa(p+i), root, out)
		}
		return
	}

	*out = append(*out, Raw{
		Type:       "splice",
		Path:       rawPath(path),
		Root:       root,
		Object:     new,
		Index:      p,
		Removed:    append([]any(nil), removed...),
		Added:      append([]any(nil), added...),
		AddedCount: len(added),
	})
}

func pairwiseContainers(a, b []any) bool {
	for i := range a {
		_, am := a[i].(map[string]any)
		_, bm := b[i].(map[string]any)
		_, as := a[i].([]any)
		_, bs := b[i].([]any)
		if !(am && bm || as && bs) {
			return false
		}
	}
	return true
}
