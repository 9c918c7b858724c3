package keyfilter

import (
	"math"

	"github.com/dengliu/persistit/internal/keycodec"
)

// Filter is an immutable ordered list of Terms plus depth bounds
// (spec.md §3, C2). Every mutator (Append, Limit, WithWildcardTail) returns
// a new Filter and leaves the receiver unchanged; Limit and WithWildcardTail
// share the receiver's term slice, while Append copies it before adding.
type Filter struct {
	terms        []Term
	minDepth     int
	maxDepth     int
	wildcardTail bool
}

// New builds a filter matching exactly the given terms at exactly their
// depth (minDepth == maxDepth == len(terms)) with no wildcard tail. Use
// Limit and Append to widen it.
func New(terms ...Term) *Filter {
	return &Filter{
		terms:    append([]Term(nil), terms...),
		minDepth: len(terms),
		maxDepth: len(terms),
	}
}

// WithWildcardTail marks the filter as accepting extra depths beyond its
// term list, up to maxDepth (the `*<` suffix of the string form).
func (f *Filter) WithWildcardTail() *Filter {
	nf := *f
	nf.wildcardTail = true
	if nf.maxDepth == len(nf.terms) {
		nf.maxDepth = math.MaxInt32
	}
	return &nf
}

// Append returns a new filter with t appended as the next depth's term.
func (f *Filter) Append(t Term) *Filter {
	nf := *f
	nf.terms = append(append([]Term(nil), f.terms...), t)
	if !f.wildcardTail {
		if f.minDepth == len(f.terms) {
			nf.minDepth = len(nf.terms)
		}
		if f.maxDepth == len(f.terms) {
			nf.maxDepth = len(nf.terms)
		}
	}
	return &nf
}

// Limit returns a new filter with depth bounds [min, max].
func (f *Filter) Limit(min, max int) *Filter {
	nf := *f
	nf.minDepth = min
	nf.maxDepth = max
	return &nf
}

func (f *Filter) MinDepth() int   { return f.minDepth }
func (f *Filter) MaxDepth() int   { return f.maxDepth }
func (f *Filter) Terms() []Term   { return f.terms }
func (f *Filter) HasTail() bool   { return f.wildcardTail }

// Selected reports whether k is matched by f, per spec.md §4.2.
func (f *Filter) Selected(k *keycodec.Key) (bool, error) {
	depth := k.Depth()
	if depth < f.minDepth || depth > f.maxDepth {
		return false, nil
	}
	dec := k.Reset()
	for i := 0; i < depth; i++ {
		seg, err := dec.Next()
		if err != nil {
			return false, err
		}
		if i < len(f.terms) {
			ok, err := f.terms[i].matches(seg)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		} else if !f.wildcardTail {
			return false, nil
		}
	}
	return true, nil
}

// Traverse mutates k, which must not currently be selected, to the next
// (forward) or previous (backward) encoded key value that could be
// selected by f, in strict key order. It returns false if no such key
// exists within f's domain, leaving k unspecified.
func (f *Filter) Traverse(k *keycodec.Key, forward bool) bool {
	if ok, _ := f.Selected(k); ok {
		return true
	}
	depth := k.Depth()
	segs := make([]keycodec.Segment, depth)
	dec := k.Reset()
	for i := 0; i < depth; i++ {
		s, err := dec.Next()
		if err != nil {
			return false
		}
		segs[i] = s
	}
	newSegs, ok := f.advance(segs, forward)
	if !ok {
		return false
	}
	k.Cut(k.Depth())
	for _, s := range newSegs {
		k.Append(s)
	}
	return true
}

func (f *Filter) advance(segs []keycodec.Segment, forward bool) ([]keycodec.Segment, bool) {
	n := len(segs)
	limit := n
	if limit > len(f.terms) {
		limit = len(f.terms)
	}

	reject := -1
	for i := 0; i < limit; i++ {
		ok, err := f.terms[i].matches(segs[i])
		if err != nil || !ok {
			reject = i
			break
		}
	}

	var work []keycodec.Segment
	var ok bool
	switch {
	case reject >= 0:
		work, ok = carry(f.terms, segs[:reject+1], reject, forward, false)
	case limit > 0:
		work, ok = carry(f.terms, segs[:limit], limit-1, forward, true)
	case len(f.terms) == 0:
		work, ok = []keycodec.Segment{}, true
	default:
		v, mok := extremeValue(f.terms[0], forward)
		work, ok = []keycodec.Segment{v}, mok
	}
	if !ok {
		return nil, false
	}

	for len(work) < len(f.terms) && len(work) < f.minDepth {
		idx := len(work)
		v, mok := extremeValue(f.terms[idx], forward)
		if !mok {
			break
		}
		work = append(work, v)
	}
	if len(work) < f.minDepth && !f.wildcardTail {
		return nil, false
	}
	if len(work) > f.maxDepth {
		work = work[:f.maxDepth]
	}
	return work, true
}

// carry resolves the segment at depth d, accepting the current value if
// term[d] still admits it (non-strict) or moving it to the next/previous
// admitted value (strict), recursing to shallower depths on overflow —
// the mixed-radix "odometer" increment/decrement described in spec.md
// §4.2.
func carry(terms []Term, prefix []keycodec.Segment, d int, forward, strictAtD bool) ([]keycodec.Segment, bool) {
	strict := strictAtD
	for d >= 0 {
		cur := prefix[d]
		var v keycodec.Segment
		var ok bool
		if strict {
			v, ok = bumpAt(terms[d], cur, forward)
		} else if forward {
			v, ok = ceilFrom(terms[d], cur)
		} else {
			v, ok = floorFrom(terms[d], cur)
		}
		if ok {
			work := append([]keycodec.Segment(nil), prefix[:d]...)
			return append(work, v), true
		}
		d--
		strict = true
	}
	return nil, false
}

func bumpAt(t Term, cur keycodec.Segment, forward bool) (keycodec.Segment, bool) {
	if forward {
		succ, ok := cur.Successor()
		if !ok {
			return keycodec.Segment{}, false
		}
		return ceilFrom(t, succ)
	}
	pred, ok := cur.Predecessor()
	if !ok {
		return keycodec.Segment{}, false
	}
	return floorFrom(t, pred)
}

func extremeValue(t Term, forward bool) (keycodec.Segment, bool) {
	if forward {
		return minValue(t)
	}
	return maxValue(t)
}

func minValue(t Term) (keycodec.Segment, bool) {
	switch t.kind {
	case TermSimple:
		return t.value, true
	case TermRange:
		if !t.hasLo {
			return keycodec.Segment{}, false
		}
		if t.loIncl {
			return t.lo, true
		}
		return t.lo.Successor()
	case TermOr:
		if len(t.children) == 0 {
			return keycodec.Segment{}, false
		}
		return minValue(t.children[0])
	default: // TermAll
		return keycodec.Segment{}, false
	}
}

func maxValue(t Term) (keycodec.Segment, bool) {
	switch t.kind {
	case TermSimple:
		return t.value, true
	case TermRange:
		if !t.hasHi {
			return keycodec.Segment{}, false
		}
		if t.hiIncl {
			return t.hi, true
		}
		return t.hi.Predecessor()
	case TermOr:
		if len(t.children) == 0 {
			return keycodec.Segment{}, false
		}
		return maxValue(t.children[len(t.children)-1])
	default: // TermAll
		return keycodec.Segment{}, false
	}
}

// ceilFrom returns the smallest value accepted by t that is >= seg.
func ceilFrom(t Term, seg keycodec.Segment) (keycodec.Segment, bool) {
	switch t.kind {
	case TermAll:
		return seg, true
	case TermSimple:
		cmp, err := keycodec.CompareValues(seg, t.value)
		if err != nil {
			return keycodec.Segment{}, false
		}
		if cmp <= 0 {
			return t.value, true
		}
		return keycodec.Segment{}, false
	case TermRange:
		cand := seg
		if t.hasLo {
			cmp, err := keycodec.CompareValues(seg, t.lo)
			if err == nil && (cmp < 0 || (cmp == 0 && !t.loIncl)) {
				if t.loIncl {
					cand = t.lo
				} else {
					v, ok := t.lo.Successor()
					if !ok {
						return keycodec.Segment{}, false
					}
					cand = v
				}
			}
		}
		if t.hasHi {
			cmp, err := keycodec.CompareValues(cand, t.hi)
			if err == nil && (cmp > 0 || (cmp == 0 && !t.hiIncl)) {
				return keycodec.Segment{}, false
			}
		}
		return cand, true
	case TermOr:
		for _, c := range t.children {
			if v, ok := ceilFrom(c, seg); ok {
				return v, true
			}
		}
		return keycodec.Segment{}, false
	default:
		return keycodec.Segment{}, false
	}
}

// floorFrom is the backward mirror of ceilFrom.
func floorFrom(t Term, seg keycodec.Segment) (keycodec.Segment, bool) {
	switch t.kind {
	case TermAll:
		return seg, true
	case TermSimple:
		cmp, err := keycodec.CompareValues(seg, t.value)
		if err != nil {
			return keycodec.Segment{}, false
		}
		if cmp >= 0 {
			return t.value, true
		}
		return keycodec.Segment{}, false
	case TermRange:
		cand := seg
		if t.hasHi {
			cmp, err := keycodec.CompareValues(seg, t.hi)
			if err == nil && (cmp > 0 || (cmp == 0 && !t.hiIncl)) {
				if t.hiIncl {
					cand = t.hi
				} else {
					v, ok := t.hi.Predecessor()
					if !ok {
						return keycodec.Segment{}, false
					}
					cand = v
				}
			}
		}
		if t.hasLo {
			cmp, err := keycodec.CompareValues(cand, t.lo)
			if err == nil && (cmp < 0 || (cmp == 0 && !t.loIncl)) {
				return keycodec.Segment{}, false
			}
		}
		return cand, true
	case TermOr:
		for i := len(t.children) - 1; i >= 0; i-- {
			if v, ok := floorFrom(t.children[i], seg); ok {
				return v, true
			}
		}
		return keycodec.Segment{}, false
	default:
		return keycodec.Segment{}, false
	}
}
