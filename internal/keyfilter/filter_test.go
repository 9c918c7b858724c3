package keyfilter

import (
	"testing"

	"github.com/dengliu/persistit/internal/keycodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyOf(v int64) *keycodec.Key {
	return keycodec.NewKey().Append(keycodec.IntSegment(v))
}

func TestOrFilterOfRangesForwardAndBackward(t *testing.T) {
	f := New(Or(
		Range(keycodec.IntSegment(10), true, true, keycodec.IntSegment(20), true, false),
		Range(keycodec.IntSegment(50), true, true, keycodec.IntSegment(60), true, false),
		Range(keycodec.IntSegment(80), true, false, keycodec.IntSegment(90), true, true),
	))

	var expected []int64
	for v := int64(10); v < 20; v++ {
		expected = append(expected, v)
	}
	for v := int64(50); v < 60; v++ {
		expected = append(expected, v)
	}
	for v := int64(81); v <= 90; v++ {
		expected = append(expected, v)
	}

	var forward []int64
	k := keyOf(-1000)
	for len(forward) <= len(expected) {
		if !f.Traverse(k, true) {
			break
		}
		v, err := k.Segment(0)
		require.NoError(t, err)
		iv, _ := v.Int()
		forward = append(forward, iv)
		k.To(keycodec.IntSegment(iv + 1))
	}
	assert.Equal(t, expected, forward)

	var backward []int64
	k = keyOf(1000)
	for len(backward) <= len(expected) {
		if !f.Traverse(k, false) {
			break
		}
		v, err := k.Segment(0)
		require.NoError(t, err)
		iv, _ := v.Int()
		backward = append(backward, iv)
		k.To(keycodec.IntSegment(iv - 1))
	}
	reversed := make([]int64, len(expected))
	for i, v := range expected {
		reversed[len(expected)-1-i] = v
	}
	assert.Equal(t, reversed, backward)
}

func TestSelectedRespectsDepthBounds(t *testing.T) {
	f := New(Simple(keycodec.IntSegment(1)), Simple(keycodec.IntSegment(2))).Limit(1, 3)
	k := keycodec.NewKey().Append(keycodec.IntSegment(1))
	ok, err := f.Selected(k)
	require.NoError(t, err)
	assert.True(t, ok, "depth 1 satisfies minDepth even though the filter defines two terms")

	k2 := keycodec.NewKey().Append(keycodec.IntSegment(1)).Append(keycodec.IntSegment(2)).Append(keycodec.IntSegment(3)).Append(keycodec.IntSegment(4))
	ok2, err := f.Selected(k2)
	require.NoError(t, err)
	assert.False(t, ok2, "depth 4 exceeds maxDepth 3")
}

func TestTraverseSkipsRejectingPrefix(t *testing.T) {
	f := New(Simple(keycodec.IntSegment(5)), Range(keycodec.IntSegment(0), true, true, keycodec.IntSegment(9), true, true))
	k := keycodec.NewKey().Append(keycodec.IntSegment(3)).Append(keycodec.IntSegment(3))
	ok := f.Traverse(k, true)
	require.True(t, ok)
	v0, _ := k.Segment(0)
	iv0, _ := v0.Int()
	v1, _ := k.Segment(1)
	iv1, _ := v1.Int()
	assert.Equal(t, int64(5), iv0)
	assert.Equal(t, int64(0), iv1)
}

func TestRoundTripParseAndPrint(t *testing.T) {
	cases := []string{
		`{1,2,3}`,
		`{*}`,
		`{"abc"}`,
		`{[10:20)}`,
		`{{10:20,50:60}}`,
		`{1,*<}`,
	}
	for _, text := range cases {
		f, errPos, err := Compile(text)
		require.NoError(t, err)
		require.Equal(t, -1, errPos, "compile %q", text)
		require.NotNil(t, f)
		out := f.String()
		f2, errPos2, err2 := Compile(out)
		require.NoError(t, err2)
		require.Equal(t, -1, errPos2, "recompile %q -> %q", text, out)
		require.NotNil(t, f2)
		assert.Equal(t, f.MinDepth(), f2.MinDepth())
		assert.Equal(t, f.MaxDepth(), f2.MaxDepth())
		assert.Equal(t, f.HasTail(), f2.HasTail())
		assert.Equal(t, f.terms, f2.terms, "recompiling %q -> %q must reproduce the same terms, not just the same count", text, out)
	}
}

func TestCompileRejectsMalformedText(t *testing.T) {
	_, errPos, err := Compile(`{1,2`)
	assert.NotEqual(t, -1, errPos)
	assert.Error(t, err)

	_, errPos2, err2 := Compile(`not a filter`)
	assert.NotEqual(t, -1, errPos2)
	assert.Error(t, err2)
}

func TestCompileTypedLiterals(t *testing.T) {
	f, errPos, err := Compile(`{(float)1.5,(string)abc,(bool)true}`)
	require.NoError(t, err)
	require.Equal(t, -1, errPos)
	require.Len(t, f.Terms(), 3)

	v0 := f.Terms()[0].value
	fv, err := v0.Float()
	require.NoError(t, err)
	assert.Equal(t, 1.5, fv)

	v1 := f.Terms()[1].value
	sv, err := v1.StringValue()
	require.NoError(t, err)
	assert.Equal(t, "abc", sv)

	v2 := f.Terms()[2].value
	bv, err := v2.Bool()
	require.NoError(t, err)
	assert.True(t, bv)
}
