package params

// Merge combines layers left to right; later layers win on key collision.
// When both the earlier and the later value are nested sets, they are merged
// recursively instead of replaced, so sibling keys survive. Result keys follow
// first-occurrence order across the layers. With removeNone, every key whose
// final value is None is dropped, at any nesting depth. Nil and empty layers
// are valid. Values are deep-copied, so the layers are never aliased.
func Merge(removeNone bool, layers ...*Set) *Set {
	out := New()
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	if removeNone {
		dropNone(out)
	}
	return out
}

func mergeInto(dst, src *Set) {
	for _, k := range src.Keys() {
		v, _ := src.Get(k)
		if sub, ok := v.(*Set); ok {
			if cur, ok := dst.Get(k); ok {
				if curSub, ok := cur.(*Set); ok {
					mergeInto(curSub, sub)
					continue
				}
			}
		}
		dst.Set(k, cloneValue(v))
	}
}

func dropNone(s *Set) {
	for _, k := range s.Keys() {
		v, _ := s.Get(k)
		switch vv := v.(type) {
		case absent:
			s.Delete(k)
		case *Set:
			dropNone(vv)
		}
	}
}
