package keycodec

import (
	"math"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderPreservationInt(t *testing.T) {
	values := []int64{math.MinInt64, -1000, -1, 0, 1, 1000, math.MaxInt64}
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			a := NewKey().Append(IntSegment(values[i]))
			b := NewKey().Append(IntSegment(values[j]))
			assert.Less(t, Compare(a, b), 0, "expected encode(%d) < encode(%d)", values[i], values[j])
		}
	}
}

func TestOrderPreservationUint(t *testing.T) {
	values := []uint64{0, 1, 1000, math.MaxUint64}
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			a := NewKey().Append(UintSegment(values[i]))
			b := NewKey().Append(UintSegment(values[j]))
			assert.Less(t, Compare(a, b), 0)
		}
	}
}

func TestOrderPreservationFloat(t *testing.T) {
	values := []float64{math.Inf(-1), -1.5, -0.001, 0, 0.001, 1.5, math.Inf(1)}
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			a := NewKey().Append(FloatSegment(values[i]))
			b := NewKey().Append(FloatSegment(values[j]))
			assert.Less(t, Compare(a, b), 0, "expected encode(%v) < encode(%v)", values[i], values[j])
		}
	}
}

func TestOrderPreservationString(t *testing.T) {
	values := []string{"", "\x00", "\x00\x00", "\x01", "a", "aa", "ab", "b"}
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			a := NewKey().Append(StringSegment(values[i]))
			b := NewKey().Append(StringSegment(values[j]))
			assert.Less(t, Compare(a, b), 0, "expected encode(%q) < encode(%q)", values[i], values[j])
		}
	}
}

func TestOrderPreservationBool(t *testing.T) {
	a := NewKey().Append(BoolSegment(false))
	b := NewKey().Append(BoolSegment(true))
	assert.Less(t, Compare(a, b), 0)
}

func TestSentinelsOrderOutsideEveryRealKey(t *testing.T) {
	before, after := Before(), After()
	real := []*Key{
		NewKey(),
		NewKey().Append(IntSegment(math.MinInt64)),
		NewKey().Append(StringSegment("")),
		NewKey().Append(StringSegment("zzzzzzzz")).Append(IntSegment(math.MaxInt64)),
	}
	for _, r := range real {
		assert.Less(t, Compare(before, r), 0)
		assert.Greater(t, Compare(after, r), 0)
	}
	assert.Less(t, Compare(before, after), 0)
}

func TestRoundTripDecode(t *testing.T) {
	k := NewKey().
		Append(StringSegment("atlantic")).
		Append(FloatSegment(1.3)).
		Append(IntSegment(-42)).
		Append(UintSegment(7)).
		Append(BoolSegment(true))

	require.Equal(t, 5, k.Depth())

	dec := k.Reset()
	s0, err := dec.Next()
	require.NoError(t, err)
	v0, _ := s0.StringValue()
	assert.Equal(t, "atlantic", v0)

	s1, err := dec.Next()
	require.NoError(t, err)
	v1, _ := s1.Float()
	assert.Equal(t, 1.3, v1)

	s2, err := k.Segment(2)
	require.NoError(t, err)
	v2, _ := s2.Int()
	assert.Equal(t, int64(-42), v2)

	s3, err := k.Segment(3)
	require.NoError(t, err)
	v3, _ := s3.Uint()
	assert.Equal(t, uint64(7), v3)

	s4, err := k.Segment(4)
	require.NoError(t, err)
	v4, _ := s4.Bool()
	assert.True(t, v4)
}

func TestCutAndTo(t *testing.T) {
	k := NewKey().Append(IntSegment(1)).Append(IntSegment(2)).Append(IntSegment(3))
	k.Cut(1)
	require.Equal(t, 2, k.Depth())
	last, err := k.Segment(1)
	require.NoError(t, err)
	v, _ := last.Int()
	assert.Equal(t, int64(2), v)

	k.To(IntSegment(99))
	require.Equal(t, 2, k.Depth())
	last, err = k.Segment(1)
	require.NoError(t, err)
	v, _ = last.Int()
	assert.Equal(t, int64(99), v)
}

func TestDecodeTypeMismatchAndUnderflow(t *testing.T) {
	k := NewKey().Append(IntSegment(5))
	seg, err := k.Segment(0)
	require.NoError(t, err)
	_, err = seg.StringValue()
	assert.Equal(t, ErrTypeMismatch, errors.Cause(err))

	_, err = k.Segment(1)
	assert.Equal(t, ErrUnderflow, errors.Cause(err))
}

func TestCloneIsIndependent(t *testing.T) {
	k := NewKey().Append(IntSegment(1))
	c := k.Clone()
	k.Append(IntSegment(2))
	assert.Equal(t, 1, c.Depth())
	assert.Equal(t, 2, k.Depth())
}

func TestBytesStableAsMapKey(t *testing.T) {
	m := map[string]int{}
	a := NewKey().Append(StringSegment("x"))
	m[string(a.Bytes())] = 1
	b := NewKey().Append(StringSegment("x"))
	assert.Equal(t, 1, m[string(b.Bytes())])
}
