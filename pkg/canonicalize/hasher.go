// Package canonicalize derives the canonical digest of a certificate and
// provides RFC 8785 (JSON Canonicalization Scheme) serialization for receipts.
//
// Canonical encoding v1 (published, do not change without bumping the tag):
//
//	field   := uint32_be(len(utf8)) || utf8
//	message := field("certanchor/v1") || field(certificate_id) ||
//	           field(subject_id) || field(credential_id) || field(issued_at)
//	digest  := sha256(message)
//
// issued_at is rendered in UTC with millisecond precision as
// 2006-01-02T15:04:05.000Z. Sub-millisecond precision is truncated.
//
// Strings are hashed as their exact UTF-8 bytes. No Unicode normalization is
// applied, so NFC and NFD spellings of the same text produce different digests.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// EncodingTag is the domain separation tag of the v1 encoding.
const EncodingTag = "certanchor/v1"

// IssuedAtLayout is the canonical timestamp layout.
const IssuedAtLayout = "2006-01-02T15:04:05.000Z"

// DigestSize is the digest length in bytes.
const DigestSize = sha256.Size

// Attributes are the identity fields of an issued certificate.
type Attributes struct {
	CertificateID string    `json:"certificate_id"`
	SubjectID     string    `json:"subject_id"`
	CredentialID  string    `json:"credential_id"`
	IssuedAt      time.Time `json:"issued_at"`
}

// ValidationError reports a missing or malformed attribute.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid certificate attribute %s: %s", e.Field, e.Reason)
}

// Validate checks that all fields are present and encodable.
func (a Attributes) Validate() error {
	for _, f := range []struct {
		name, value string
	}{
		{"certificate_id", a.CertificateID},
		{"subject_id", a.SubjectID},
		{"credential_id", a.CredentialID},
	} {
		if f.value == "" {
			return &ValidationError{Field: f.name, Reason: "required"}
		}
		if !utf8.ValidString(f.value) {
			return &ValidationError{Field: f.name, Reason: "not valid UTF-8"}
		}
	}
	if a.IssuedAt.IsZero() {
		return &ValidationError{Field: "issued_at", Reason: "required"}
	}
	if y := a.IssuedAt.UTC().Year(); y < 0 || y > 9999 {
		return &ValidationError{Field: "issued_at", Reason: "year out of range"}
	}
	return nil
}

// NormalizeIssuedAt renders t in the canonical timestamp form.
func NormalizeIssuedAt(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(IssuedAtLayout)
}

// ParseIssuedAt parses an RFC 3339 timestamp (fractional seconds optional).
func ParseIssuedAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, &ValidationError{Field: "issued_at", Reason: err.Error()}
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

// Encode returns the canonical byte encoding of a.
func Encode(a Attributes) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	fields := []string{
		EncodingTag,
		a.CertificateID,
		a.SubjectID,
		a.CredentialID,
		NormalizeIssuedAt(a.IssuedAt),
	}

	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}
	var buf bytes.Buffer
	buf.Grow(size)
	var prefix [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(f))) //nolint:gosec // field length bounded by memory
		buf.Write(prefix[:])
		buf.WriteString(f)
	}
	return buf.Bytes(), nil
}

// Hash computes the canonical digest of a.
func Hash(a Attributes) (Digest, error) {
	msg, err := Encode(a)
	if err != nil {
		return Digest{}, err
	}
	return Digest(sha256.Sum256(msg)), nil
}

// Digest is a canonical certificate digest.
type Digest [DigestSize]byte

// ParseDigest decodes a 64 character hex digest. An optional 0x prefix and
// upper case are accepted; the canonical form is always lower case.
func ParseDigest(s string) (Digest, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != hex.EncodedLen(DigestSize) {
		return Digest{}, fmt.Errorf("digest must be %d hex characters, got %d", hex.EncodedLen(DigestSize), len(raw))
	}
	var d Digest
	if _, err := hex.Decode(d[:], []byte(strings.ToLower(raw))); err != nil {
		return Digest{}, fmt.Errorf("invalid digest hex: %w", err)
	}
	return d, nil
}

// Hex returns the lower-case hex form without prefix.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// IsZero reports whether d is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON renders IssuedAt in canonical form.
func (a Attributes) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		CertificateID string `json:"certificate_id"`
		SubjectID     string `json:"subject_id"`
		CredentialID  string `json:"credential_id"`
		IssuedAt      string `json:"issued_at"`
	}{a.CertificateID, a.SubjectID, a.CredentialID, NormalizeIssuedAt(a.IssuedAt)})
}

// UnmarshalJSON accepts any RFC 3339 issued_at and normalizes it.
func (a *Attributes) UnmarshalJSON(b []byte) error {
	var raw struct {
		CertificateID string `json:"certificate_id"`
		SubjectID     string `json:"subject_id"`
		CredentialID  string `json:"credential_id"`
		IssuedAt      string `json:"issued_at"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*a = Attributes{
		CertificateID: raw.CertificateID,
		SubjectID:     raw.SubjectID,
		CredentialID:  raw.CredentialID,
	}
	if raw.IssuedAt != "" {
		t, err := ParseIssuedAt(raw.IssuedAt)
		if err != nil {
			return err
		}
		a.IssuedAt = t
	}
	return nil
}
