package keycodec

import (
	"math"

	"github.com/pingcap/errors"
)

// SegmentKind tags the typed union carried by a Segment. A tagged
// enumeration is used instead of one struct type per primitive so callers
// can switch exhaustively without a type assertion per case (see
// keyfilter.Term for the same pattern applied to filter terms).
type SegmentKind uint8

const (
	KindBool SegmentKind = iota
	KindInt
	KindUint
	KindFloat
	KindString
)

// Segment is one typed value in a Key's ordered tuple.
type Segment struct {
	kind SegmentKind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
}

func BoolSegment(v bool) Segment     { return Segment{kind: KindBool, b: v} }
func IntSegment(v int64) Segment     { return Segment{kind: KindInt, i: v} }
func UintSegment(v uint64) Segment   { return Segment{kind: KindUint, u: v} }
func FloatSegment(v float64) Segment { return Segment{kind: KindFloat, f: v} }
func StringSegment(v string) Segment { return Segment{kind: KindString, s: v} }

func (s Segment) Kind() SegmentKind { return s.kind }

func (s Segment) Bool() (bool, error) {
	if s.kind != KindBool {
		return false, ErrTypeMismatch
	}
	return s.b, nil
}

func (s Segment) Int() (int64, error) {
	if s.kind != KindInt {
		return 0, ErrTypeMismatch
	}
	return s.i, nil
}

func (s Segment) Uint() (uint64, error) {
	if s.kind != KindUint {
		return 0, ErrTypeMismatch
	}
	return s.u, nil
}

func (s Segment) Float() (float64, error) {
	if s.kind != KindFloat {
		return 0, ErrTypeMismatch
	}
	return s.f, nil
}

// StringValue returns the segment's string payload. It is named to avoid
// colliding with fmt.Stringer, whose String() string signature a typed
// accessor returning (string, error) cannot satisfy.
func (s Segment) StringValue() (string, error) {
	if s.kind != KindString {
		return "", ErrTypeMismatch
	}
	return s.s, nil
}

// CompareValues compares two segments of the same kind. It returns
// ErrTypeMismatch if the kinds differ, matching the codec's decode-time
// TypeMismatch failure mode (spec.md §4.1).
func CompareValues(a, b Segment) (int, error) {
	if a.kind != b.kind {
		return 0, errors.Trace(ErrTypeMismatch)
	}
	switch a.kind {
	case KindBool:
		if a.b == b.b {
			return 0, nil
		}
		if !a.b {
			return -1, nil
		}
		return 1, nil
	case KindInt:
		switch {
		case a.i < b.i:
			return -1, nil
		case a.i > b.i:
			return 1, nil
		default:
			return 0, nil
		}
	case KindUint:
		switch {
		case a.u < b.u:
			return -1, nil
		case a.u > b.u:
			return 1, nil
		default:
			return 0, nil
		}
	case KindFloat:
		switch {
		case a.f < b.f:
			return -1, nil
		case a.f > b.f:
			return 1, nil
		default:
			return 0, nil
		}
	case KindString:
		switch {
		case a.s < b.s:
			return -1, nil
		case a.s > b.s:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, errors.Trace(ErrTypeMismatch)
	}
}

// Successor returns the smallest segment strictly greater than s, used by
// KeyFilter.Traverse to turn an exclusive lower bound into a concrete
// starting value. ok is false when s has no successor representable in
// its type (e.g. the boolean true, or math.MaxInt64).
func (s Segment) Successor() (Segment, bool) {
	switch s.kind {
	case KindBool:
		if !s.b {
			return BoolSegment(true), true
		}
		return Segment{}, false
	case KindInt:
		if s.i == math.MaxInt64 {
			return Segment{}, false
		}
		return IntSegment(s.i + 1), true
	case KindUint:
		if s.u == math.MaxUint64 {
			return Segment{}, false
		}
		return UintSegment(s.u + 1), true
	case KindFloat:
		next := math.Nextafter(s.f, math.Inf(1))
		if math.IsInf(next, 1) && !math.IsInf(s.f, 1) {
			return FloatSegment(next), true
		}
		if next == s.f {
			return Segment{}, false
		}
		return FloatSegment(next), true
	case KindString:
		return StringSegment(s.s + "\x00"), true
	default:
		return Segment{}, false
	}
}

// Predecessor is the mirror of Successor for exclusive upper bounds. For
// bool, int, uint and float it returns the largest value strictly less
// than s. For a string it returns s without its last byte, which is less
// than s but not the largest string less than s; ok is false for "".
func (s Segment) Predecessor() (Segment, bool) {
	switch s.kind {
	case KindBool:
		if s.b {
			return BoolSegment(false), true
		}
		return Segment{}, false
	case KindInt:
		if s.i == math.MinInt64 {
			return Segment{}, false
		}
		return IntSegment(s.i - 1), true
	case KindUint:
		if s.u == 0 {
			return Segment{}, false
		}
		return UintSegment(s.u - 1), true
	case KindFloat:
		prev := math.Nextafter(s.f, math.Inf(-1))
		if prev == s.f {
			return Segment{}, false
		}
		return FloatSegment(prev), true
	case KindString:
		if len(s.s) == 0 {
			return Segment{}, false
		}
		return StringSegment(s.s[:len(s.s)-1]), true
	default:
		return Segment{}, false
	}
}
