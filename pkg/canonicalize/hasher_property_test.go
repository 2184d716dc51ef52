package canonicalize

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func attrsFrom(cert, subject, credential string, ms int64) Attributes {
	return Attributes{
		CertificateID: cert,
		SubjectID:     subject,
		CredentialID:  credential,
		IssuedAt:      time.UnixMilli(ms).UTC(),
	}
}

// Property: Hash(a) == Hash(a) and the digest is always 64 lower-case hex characters.
func TestHashDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is deterministic", prop.ForAll(
		func(cert, subject, credential string, ms int64) bool {
			a := attrsFrom(cert, subject, credential, ms)
			d1, err1 := Hash(a)
			d2, err2 := Hash(a)
			if err1 != nil || err2 != nil {
				return false
			}
			return d1 == d2 && len(d1.Hex()) == 64
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.Int64Range(1, 253402300799000),
	))

	properties.TestingRun(t)
}

// Property: moving a byte from one field into its neighbour changes the digest.
func TestHashBoundaryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("field boundaries are part of the digest", prop.ForAll(
		func(cert, subject, credential string) bool {
			if len(cert) < 2 {
				return true
			}
			a := attrsFrom(cert, subject, credential, 1770287400000)
			b := attrsFrom(cert[:len(cert)-1], cert[len(cert)-1:]+subject, credential, 1770287400000)
			da, err := Hash(a)
			if err != nil {
				return false
			}
			db, err := Hash(b)
			if err != nil {
				return false
			}
			return da != db
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Property: changing the subject changes the digest.
func TestHashSensitivityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct subjects give distinct digests", prop.ForAll(
		func(subject, other string) bool {
			if subject == other {
				return true
			}
			d1, err1 := Hash(attrsFrom("CERT-1", subject, "CRS1", 1770287400000))
			d2, err2 := Hash(attrsFrom("CERT-1", other, "CRS1", 1770287400000))
			return err1 == nil && err2 == nil && d1 != d2
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
