// Package keyfilter implements the KeyFilter selection/navigation DSL:
// a compiled, immutable list of depth-scoped Terms plus depth bounds, with
// a Selected predicate and a Traverse navigation oracle (spec.md §4.2, C2).
package keyfilter

import (
	"github.com/dengliu/persistit/internal/keycodec"
	"github.com/pingcap/errors"
)

// TermKind tags a Term's variant. A tagged enumeration is used in place of
// per-variant subclassing (spec.md §9 REDESIGN FLAGS) so Selected and
// Traverse can switch exhaustively on kind.
type TermKind uint8

const (
	TermAll TermKind = iota
	TermSimple
	TermRange
	TermOr
)

// Term is one depth-scoped predicate. Only the fields relevant to Kind are
// populated.
type Term struct {
	kind TermKind

	// TermSimple
	value keycodec.Segment

	// TermRange
	lo, hi           keycodec.Segment
	hasLo, hasHi     bool
	loIncl, hiIncl   bool

	// TermOr, sorted ascending by lower bound, pairwise disjoint.
	children []Term
}

func All() Term { return Term{kind: TermAll} }

func Simple(v keycodec.Segment) Term { return Term{kind: TermSimple, value: v} }

// Range builds a range term. A missing bound is represented by
// hasLo=false or hasHi=false; its corresponding inclusive flag is then
// meaningless.
func Range(lo keycodec.Segment, hasLo, loIncl bool, hi keycodec.Segment, hasHi, hiIncl bool) Term {
	return Term{kind: TermRange, lo: lo, hasLo: hasLo, loIncl: loIncl, hi: hi, hasHi: hasHi, hiIncl: hiIncl}
}

// Or builds a term matching any child. Children must already be sorted by
// lower bound and pairwise disjoint. Compile sorts parsed children by lower
// bound; it does not check that they are disjoint.
func Or(children ...Term) Term { return Term{kind: TermOr, children: children} }

func (t Term) Kind() TermKind { return t.kind }

var errNotComparable = errors.New("keyfilter: term is not comparable at this segment kind")

// matches reports whether seg satisfies t.
func (t Term) matches(seg keycodec.Segment) (bool, error) {
	switch t.kind {
	case TermAll:
		return true, nil
	case TermSimple:
		cmp, err := keycodec.CompareValues(seg, t.value)
		if err != nil {
			return false, nil // a type mismatch never matches, it isn't fatal to the scan
		}
		return cmp == 0, nil
	case TermRange:
		return t.rangeMatches(seg)
	case TermOr:
		for _, c := range t.children {
			ok, err := c.matches(seg)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, errors.Trace(errNotComparable)
	}
}

func (t Term) rangeMatches(seg keycodec.Segment) (bool, error) {
	if t.hasLo {
		cmp, err := keycodec.CompareValues(seg, t.lo)
		if err != nil {
			return false, nil
		}
		if cmp < 0 || (cmp == 0 && !t.loIncl) {
			return false, nil
		}
	}
	if t.hasHi {
		cmp, err := keycodec.CompareValues(seg, t.hi)
		if err != nil {
			return false, nil
		}
		if cmp > 0 || (cmp == 0 && !t.hiIncl) {
			return false, nil
		}
	}
	return true, nil
}
