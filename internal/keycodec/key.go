// Package keycodec implements the order-preserving key encoding: typed
// segments packed into a byte buffer such that lexicographic byte
// comparison of two encoded keys equals logical tuple comparison of their
// decoded segments (spec.md §4.1, C1).
package keycodec

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"

	"github.com/pingcap/errors"
)

var (
	// ErrTypeMismatch is returned when a segment is decoded or compared
	// against a value of a different SegmentKind.
	ErrTypeMismatch = errors.New("keycodec: segment type mismatch")
	// ErrUnderflow is returned when a decode cursor is advanced past the
	// key's depth, or a segment's encoded content is truncated.
	ErrUnderflow = errors.New("keycodec: underflow decoding key segment")
)

const (
	envelopeBefore byte = 0x00
	envelopeNormal byte = 0x01
	envelopeAfter  byte = 0x02

	terminator byte = 0x00

	markerBool   byte = 0x10
	markerInt    byte = 0x20
	markerUint   byte = 0x21
	markerFloat  byte = 0x30
	markerString byte = 0x40

	escByte    byte = 0x01
	escZero    byte = 0x01
	escEscByte byte = 0x02

	signBit uint64 = 0x8000000000000000
)

type keySpecial uint8

const (
	specialNone keySpecial = iota
	specialBefore
	specialAfter
)

// Key is a mutable, depth-indexed buffer of encoded segments. It is owned
// by a single goroutine; publish a stable snapshot across goroutines with
// Bytes() or Clone() (spec.md §5).
type Key struct {
	buf     []byte
	bounds  []int // buf offset immediately after each segment's terminator
	special keySpecial
}

// NewKey returns an empty, depth-0 key.
func NewKey() *Key { return &Key{} }

// Before returns the sentinel strictly less than every real key.
func Before() *Key { return &Key{special: specialBefore} }

// After returns the sentinel strictly greater than every real key.
func After() *Key { return &Key{special: specialAfter} }

func (k *Key) IsBefore() bool { return k.special == specialBefore }
func (k *Key) IsAfter() bool  { return k.special == specialAfter }

// Depth is the number of segments appended so far.
func (k *Key) Depth() int { return len(k.bounds) }

// EncodedLength is the number of content bytes (excluding the envelope
// byte prepended by Bytes()).
func (k *Key) EncodedLength() int { return len(k.buf) }

// Append encodes seg and adds it as the new last segment.
func (k *Key) Append(seg Segment) *Key {
	if k.special != specialNone {
		panic("keycodec: cannot append to a sentinel key")
	}
	k.buf = encodeSegment(k.buf, seg)
	k.buf = append(k.buf, terminator)
	k.bounds = append(k.bounds, len(k.buf))
	return k
}

// To replaces the last segment with seg, or appends if the key is empty.
func (k *Key) To(seg Segment) *Key {
	if k.Depth() > 0 {
		k.Cut(1)
	}
	return k.Append(seg)
}

// Cut drops the last n segments.
func (k *Key) Cut(n int) *Key {
	if n <= 0 {
		return k
	}
	d := k.Depth()
	if n > d {
		n = d
	}
	newDepth := d - n
	if newDepth == 0 {
		k.buf = k.buf[:0]
		k.bounds = k.bounds[:0]
		return k
	}
	end := k.bounds[newDepth-1]
	k.buf = k.buf[:end]
	k.bounds = k.bounds[:newDepth]
	return k
}

// Reset returns a decode cursor positioned at segment 0.
func (k *Key) Reset() *Decoder { return &Decoder{key: k} }

// IndexTo returns a decode cursor positioned at segment i.
func (k *Key) IndexTo(i int) (*Decoder, error) {
	if i < 0 || i > k.Depth() {
		return nil, errors.Trace(ErrUnderflow)
	}
	pos := 0
	if i > 0 {
		pos = k.bounds[i-1]
	}
	return &Decoder{key: k, pos: pos, idx: i}, nil
}

// Bytes returns a snapshot of the key's encoded form, including the
// envelope byte that orders sentinels around real keys. It is safe to use
// as a map key or to publish across goroutines.
func (k *Key) Bytes() []byte {
	switch k.special {
	case specialBefore:
		return []byte{envelopeBefore}
	case specialAfter:
		return []byte{envelopeAfter}
	default:
		out := make([]byte, 0, len(k.buf)+1)
		out = append(out, envelopeNormal)
		out = append(out, k.buf...)
		return out
	}
}

// Clone returns an independent copy that may be mutated without affecting k.
func (k *Key) Clone() *Key {
	c := &Key{special: k.special}
	if len(k.buf) > 0 {
		c.buf = append([]byte(nil), k.buf...)
	}
	if len(k.bounds) > 0 {
		c.bounds = append([]int(nil), k.bounds...)
	}
	return c
}

// Segment returns the decoded segment at depth i without disturbing any
// cursor.
func (k *Key) Segment(i int) (Segment, error) {
	d, err := k.IndexTo(i)
	if err != nil {
		return Segment{}, err
	}
	return d.Next()
}

// Compare implements the order-preservation contract of spec.md §4.1:
// Compare(a, b) < 0 iff a's decoded tuple is logically less than b's.
func Compare(a, b *Key) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// Decoder walks a Key's segments from a fixed starting depth forward.
type Decoder struct {
	key *Key
	pos int
	idx int
}

// Index is the depth the next call to Next will decode.
func (d *Decoder) Index() int { return d.idx }

// Next decodes and returns the segment at the cursor, advancing it.
func (d *Decoder) Next() (Segment, error) {
	if d.idx >= d.key.Depth() {
		return Segment{}, errors.Trace(ErrUnderflow)
	}
	end := d.key.bounds[d.idx] - 1 // exclude terminator
	raw := d.key.buf[d.pos:end]
	if len(raw) == 0 {
		return Segment{}, errors.Trace(ErrUnderflow)
	}
	seg, err := decodeSegment(raw[0], raw[1:])
	if err != nil {
		return Segment{}, err
	}
	d.pos = d.key.bounds[d.idx]
	d.idx++
	return seg, nil
}

func encodeSegment(buf []byte, seg Segment) []byte {
	switch seg.kind {
	case KindBool:
		buf = append(buf, markerBool)
		if seg.b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindInt:
		buf = append(buf, markerInt)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(seg.i)^signBit)
		buf = append(buf, tmp[:]...)
	case KindUint:
		buf = append(buf, markerUint)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], seg.u)
		buf = append(buf, tmp[:]...)
	case KindFloat:
		buf = append(buf, markerFloat)
		bits := math.Float64bits(seg.f)
		if bits&signBit != 0 {
			bits = ^bits
		} else {
			bits ^= signBit
		}
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], bits)
		buf = append(buf, tmp[:]...)
	case KindString:
		buf = append(buf, markerString)
		for i := 0; i < len(seg.s); i++ {
			switch c := seg.s[i]; c {
			case 0x00:
				buf = append(buf, escByte, escZero)
			case escByte:
				buf = append(buf, escByte, escEscByte)
			default:
				buf = append(buf, c)
			}
		}
	}
	return buf
}

func decodeSegment(marker byte, payload []byte) (Segment, error) {
	switch marker {
	case markerBool:
		if len(payload) != 1 {
			return Segment{}, errors.Trace(ErrUnderflow)
		}
		return BoolSegment(payload[0] != 0), nil
	case markerInt:
		if len(payload) != 8 {
			return Segment{}, errors.Trace(ErrUnderflow)
		}
		return IntSegment(int64(binary.BigEndian.Uint64(payload) ^ signBit)), nil
	case markerUint:
		if len(payload) != 8 {
			return Segment{}, errors.Trace(ErrUnderflow)
		}
		return UintSegment(binary.BigEndian.Uint64(payload)), nil
	case markerFloat:
		if len(payload) != 8 {
			return Segment{}, errors.Trace(ErrUnderflow)
		}
		bits := binary.BigEndian.Uint64(payload)
		if bits&signBit != 0 {
			bits ^= signBit
		} else {
			bits = ^bits
		}
		return FloatSegment(math.Float64frombits(bits)), nil
	case markerString:
		var sb strings.Builder
		for i := 0; i < len(payload); i++ {
			c := payload[i]
			if c == escByte {
				i++
				if i >= len(payload) {
					return Segment{}, errors.Trace(ErrUnderflow)
				}
				switch payload[i] {
				case escZero:
					sb.WriteByte(0x00)
				case escEscByte:
					sb.WriteByte(escByte)
				default:
					return Segment{}, errors.Trace(ErrTypeMismatch)
				}
			} else {
				sb.WriteByte(c)
			}
		}
		return StringSegment(sb.String()), nil
	default:
		return Segment{}, errors.Trace(ErrTypeMismatch)
	}
}
