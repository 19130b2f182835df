package store

import (
	"bytes"
	"testing"
)

// TestEncodingPreservesOrder verifies byte order of encoded values
// tracks the collation order null < false < true < numbers < strings,
// with numbers in numeric order including negatives and fractions.
func TestEncodingPreservesOrder(t *testing.T) {
	ordered := []any{
		nil,
		false,
		true,
		float64(-1000000),
		float64(-1.5),
		float64(0),
		float64(0.25),
		float64(3),
		float64(42),
		float64(1e12),
		"",
		"Luke",
		"a",
		"ab",
		"b",
	}
	keys := make([][]byte, len(ordered))
	for i, v := range ordered {
		k, err := appendValue(nil, v)
		if err != nil {
			t.Fatalf("encode %v: %v", v, err)
		}
		keys[i] = k
	}
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("order broke between %v and %v", ordered[i-1], ordered[i])
		}
	}
}

// TestEncodingRoundTrips verifies decode inverts encode and consumes
// exactly one value.
func TestEncodingRoundTrips(t *testing.T) {
	values := []any{nil, false, true, float64(-7.5), float64(0), float64(123456), "", "hello there", "ütf-8 ök"}
	var buf []byte
	for _, v := range values {
		var err error
		buf, err = appendValue(buf, v)
		if err != nil {
			t.Fatalf("encode %v: %v", v, err)
		}
	}
	rest := buf
	for _, want := range values {
		var got any
		var err error
		got, rest, err = decodeValue(rest)
		if err != nil {
			t.Fatalf("decode %v: %v", want, err)
		}
		if got != want {
			t.Fatalf("round trip changed %v into %v", want, got)
		}
	}
	if len(rest) != 0 {
		t.Fatalf("decode left %d bytes", len(rest))
	}
}

// TestEncodingRejectsNUL verifies NUL bytes in indexed strings are a
// document error, since they would break the terminator.
func TestEncodingRejectsNUL(t *testing.T) {
	if _, err := appendValue(nil, "a\x00b"); err == nil {
		t.Fatalf("expected error for NUL in string")
	}
}

// TestCompareValuesMatchesEncoding verifies the in-memory comparator
// agrees with the byte encoding for every pair.
func TestCompareValuesMatchesEncoding(t *testing.T) {
	values := []any{nil, false, true, float64(-2), float64(0), float64(9), "", "a", "zz"}
	for i, a := range values {
		ka, _ := appendValue(nil, a)
		for j, b := range values {
			kb, _ := appendValue(nil, b)
			want := bytes.Compare(ka, kb)
			if got := compareValues(a, b); got != want {
				t.Fatalf("compare(%v,%v)=%d, encoding says %d (%d,%d)", a, b, got, want, i, j)
			}
		}
	}
}

// TestSeqFormatting verifies sequence padding keeps byte order and
// round trips.
func TestSeqFormatting(t *testing.T) {
	seqs := []uint64{0, 1, 9, 10, 999, 1 << 40}
	var prev string
	for i, s := range seqs {
		f := FormatSeq(s)
		if len(f) != seqPadWidth {
			t.Fatalf("padded width wrong: %q", f)
		}
		if i > 0 && !(prev < f) {
			t.Fatalf("byte order broke: %q !< %q", prev, f)
		}
		prev = f
		back, err := ParseSeq(f)
		if err != nil || back != s {
			t.Fatalf("round trip %d: got %d err %v", s, back, err)
		}
	}
}
