package digest

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	validHex := strings.Repeat("a", 64)
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"prefixed", "sha256:" + validHex, false},
		{"bare", validHex, false},
		{"wrong algo", "sha512:" + validHex, true},
		{"too short", "sha256:abc", true},
		{"uppercase", "sha256:" + strings.Repeat("A", 64), true},
		{"non hex char", "sha256:" + strings.Repeat("g", 64), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d, err := Parse(c.in)
			if c.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q): expected error, got none", c.in)
				}
				if !errors.Is(err, ErrInvalidFormat) {
					t.Errorf("Parse(%q): error %v does not wrap ErrInvalidFormat", c.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): unexpected error: %v", c.in, err)
			}
			if d.Hex() != validHex {
				t.Errorf("Hex() = %q, want %q", d.Hex(), validHex)
			}
			if d.String() != "sha256:"+validHex {
				t.Errorf("String() = %q", d.String())
			}
		})
	}
}

func TestFromBytesAndFromReader(t *testing.T) {
	content := []byte("hello imgpipe")
	fromBytes := FromBytes(content)
	fromReader, err := FromReader(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("FromReader: %v", err)
	}
	if !fromBytes.Equal(fromReader) {
		t.Errorf("FromBytes and FromReader disagree: %s vs %s", fromBytes, fromReader)
	}
	if fromBytes.IsZero() {
		t.Errorf("digest of non-empty content reported as zero")
	}
}

func TestDigestIsZero(t *testing.T) {
	var d Digest
	if !d.IsZero() {
		t.Errorf("zero value Digest.IsZero() = false, want true")
	}
	if d.String() != "" {
		t.Errorf("zero value String() = %q, want empty", d.String())
	}
}

func TestGoDigestRoundTrip(t *testing.T) {
	d := FromBytes([]byte("round trip me"))
	gd := d.GoDigest()
	back, err := FromGoDigest(gd)
	if err != nil {
		t.Fatalf("FromGoDigest: %v", err)
	}
	if !d.Equal(back) {
		t.Errorf("round trip mismatch: %s vs %s", d, back)
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	d := FromBytes([]byte("marshal me"))
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var back Digest
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if !d.Equal(back) {
		t.Errorf("round trip mismatch: %s vs %s", d, back)
	}

	var zero Digest
	if _, err := zero.MarshalText(); err == nil {
		t.Errorf("expected error marshaling zero value")
	}
}

func TestVerifier(t *testing.T) {
	content := []byte("verify this")
	want := FromBytes(content)

	v := NewVerifier(want)
	if _, err := v.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !v.Verified() {
		t.Errorf("Verified() = false for matching content")
	}
	if !v.Sum().Equal(want) {
		t.Errorf("Sum() = %s, want %s", v.Sum(), want)
	}

	other := NewVerifier(want)
	if _, err := other.Write([]byte("not the same content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if other.Verified() {
		t.Errorf("Verified() = true for mismatched content")
	}
}
