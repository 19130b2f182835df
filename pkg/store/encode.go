package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Index keys embed field values with an order-preserving encoding so
// pebble's byte order matches query order. Type tags keep mixed types
// ordered null < false < true < number < string; numbers map to
// big-endian IEEE-754 with the sign bit flipped (and all bits flipped
// when negative) so byte order matches numeric order; strings are raw
// UTF-8 with a NUL terminator, which forbids NUL inside indexed
// strings.
const (
	tagNull   byte = 0x10
	tagFalse  byte = 0x20
	tagTrue   byte = 0x21
	tagNumber byte = 0x30
	tagString byte = 0x40
)

// normalizeValue coerces queryable Go values to the canonical JSON
// scalar set: nil, bool, float64, string.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, float64, string:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("non-numeric json.Number %q", x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("value type %T is not indexable", v)
	}
}

// appendValue appends the order-preserving encoding of v to dst.
func appendValue(dst []byte, v any) ([]byte, error) {
	nv, err := normalizeValue(v)
	if err != nil {
		return nil, err
	}
	switch x := nv.(type) {
	case nil:
		return append(dst, tagNull), nil
	case bool:
		if x {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case float64:
		bits := math.Float64bits(x)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		dst = append(dst, tagNumber)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], bits)
		return append(dst, buf[:]...), nil
	case string:
		if strings.IndexByte(x, 0x00) >= 0 {
			return nil, fmt.Errorf("%w: indexed string contains NUL", ErrBadDoc)
		}
		dst = append(dst, tagString)
		dst = append(dst, x...)
		return append(dst, 0x00), nil
	default:
		return nil, fmt.Errorf("value type %T is not indexable", nv)
	}
}

// decodeValue reads one encoded value from b, returning it and the
// remaining bytes.
func decodeValue(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("decode value: empty input")
	}
	switch b[0] {
	case tagNull:
		return nil, b[1:], nil
	case tagFalse:
		return false, b[1:], nil
	case tagTrue:
		return true, b[1:], nil
	case tagNumber:
		if len(b) < 9 {
			return nil, nil, fmt.Errorf("decode value: truncated number")
		}
		bits := binary.BigEndian.Uint64(b[1:9])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), b[9:], nil
	case tagString:
		i := bytes.IndexByte(b[1:], 0x00)
		if i < 0 {
			return nil, nil, fmt.Errorf("decode value: unterminated string")
		}
		return string(b[1 : 1+i]), b[2+i:], nil
	default:
		return nil, nil, fmt.Errorf("decode value: unknown tag 0x%02x", b[0])
	}
}

// compareValues orders two canonical scalars the same way the encoding
// does. Both inputs must already be normalized.
func compareValues(a, b any) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case rankNumber:
		fa, fb := a.(float64), b.(float64)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case rankString:
		return strings.Compare(a.(string), b.(string))
	default:
		return 0 // null, false, true are singletons within their rank
	}
}

const (
	rankNull = iota
	rankFalse
	rankTrue
	rankNumber
	rankString
)

func valueRank(v any) int {
	switch x := v.(type) {
	case nil:
		return rankNull
	case bool:
		if x {
			return rankTrue
		}
		return rankFalse
	case float64:
		return rankNumber
	default:
		return rankString
	}
}
