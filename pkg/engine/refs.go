package engine

// References enumerates every reference embedded in the resource's
// attributes, scanning nested lists and maps for Ref leaves. The result
// is in deterministic attribute order; duplicates are preserved.
func (r *Resource) References() []Ref {
	var refs []Ref
	for _, k := range r.Attrs.SortedKeys() {
		refs = appendRefs(refs, r.Attrs[k])
	}
	return refs
}

// ReferencedIdentities returns the distinct identities the resource
// references, implicitly via Ref values and explicitly via DependsOn,
// in first-seen order.
func (r *Resource) ReferencedIdentities() []Identity {
	seen := make(map[Identity]struct{})
	var out []Identity
	add := func(id Identity) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, ref := range r.References() {
		add(ref.Target)
	}
	for _, id := range r.DependsOn {
		add(id)
	}
	return out
}

func appendRefs(refs []Ref, v Value) []Ref {
	switch val := v.(type) {
	case Ref:
		refs = append(refs, val)
	case List:
		for _, item := range val {
			refs = appendRefs(refs, item)
		}
	case Map:
		for _, k := range val.SortedKeys() {
			refs = appendRefs(refs, val[k])
		}
	}
	return refs
}
