// Package digest implements the content-addressing primitive used
// throughout imgpipe: a fixed algorithm identifier plus a hex-encoded
// content hash, parseable from either "sha256:<hex>" or a bare "<hex>".
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	godigest "github.com/opencontainers/go-digest"
)

// ErrInvalidFormat is returned when a digest string is not a 64-char
// lowercase hex SHA-256, optionally prefixed with "sha256:".
var ErrInvalidFormat = errors.New("invalid digest format")

// Digest is an immutable sha256 content digest. The zero value is not
// valid; construct via Parse or FromBytes/FromReader.
type Digest struct {
	hex string
}

// Parse accepts "sha256:<64 lowercase hex chars>" or a bare 64-char hex
// string. Any other algorithm prefix, or a hex portion of the wrong
// length or case, is ErrInvalidFormat.
func Parse(s string) (Digest, error) {
	algo := "sha256"
	hexPart := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		algo = s[:i]
		hexPart = s[i+1:]
	}
	if algo != "sha256" {
		return Digest{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidFormat, algo)
	}
	if len(hexPart) != 64 {
		return Digest{}, fmt.Errorf("%w: want 64 hex characters, got %d", ErrInvalidFormat, len(hexPart))
	}
	for _, c := range hexPart {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return Digest{}, fmt.Errorf("%w: non-lowercase-hex character %q", ErrInvalidFormat, c)
		}
	}
	return Digest{hex: hexPart}, nil
}

// FromBytes computes the digest of b.
func FromBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest{hex: hex.EncodeToString(sum[:])}
}

// FromReader drains r and returns its digest.
func FromReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return Digest{hex: hex.EncodeToString(h.Sum(nil))}, nil
}

// String renders the canonical "sha256:<hex>" form.
func (d Digest) String() string {
	if d.hex == "" {
		return ""
	}
	return "sha256:" + d.hex
}

// Hex returns the bare hex portion, suitable for use as a path component.
func (d Digest) Hex() string { return d.hex }

// IsZero reports whether d is the unset digest.
func (d Digest) IsZero() bool { return d.hex == "" }

// Equal reports byte-wise equality of the hex portions.
func (d Digest) Equal(other Digest) bool { return d.hex == other.hex }

// GoDigest adapts d to the github.com/opencontainers/go-digest type used
// by library boundaries (image-spec descriptors, go-containerregistry).
func (d Digest) GoDigest() godigest.Digest {
	return godigest.NewDigestFromHex("sha256", d.hex)
}

// FromGoDigest converts a go-digest value, validating it the same way
// Parse does.
func FromGoDigest(d godigest.Digest) (Digest, error) {
	return Parse(d.String())
}

// MarshalText implements encoding.TextMarshaler so Digest can be used
// directly as a JSON string field.
func (d Digest) MarshalText() ([]byte, error) {
	if d.hex == "" {
		return nil, errors.New("digest: cannot marshal zero value")
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Verifier streams bytes through SHA-256 and reports whether the final
// sum matches an expected digest. Used by the registry client (§4.4) to
// abort a blob download on mismatch, and by internal/blob to compute the
// digest of the bytes a Blob writes.
type Verifier struct {
	want Digest
	h    hash.Hash
}

// NewVerifier returns a Verifier that will check want once Sum is called.
func NewVerifier(want Digest) *Verifier {
	return &Verifier{want: want, h: sha256.New()}
}

func (v *Verifier) Write(p []byte) (int, error) { return v.h.Write(p) }

// Verified reports whether the bytes written so far hash to the expected
// digest.
func (v *Verifier) Verified() bool {
	return hex.EncodeToString(v.h.Sum(nil)) == v.want.hex
}

// Sum returns the digest of the bytes written so far.
func (v *Verifier) Sum() Digest {
	return Digest{hex: hex.EncodeToString(v.h.Sum(nil))}
}
