// Package cryptosuite implements the client's cryptographic
// primitives: EC key generation, low-S ECDSA signing, certificate
// verification, hashing and CSR generation. A suite is immutable and
// safe for concurrent use after construction; two suites constructed
// with equal Options are interchangeable.
package cryptosuite

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"

	"github.com/hyperledger/fabric-lib-go/bccsp/utils"
	"golang.org/x/crypto/sha3"

	"github.com/fabclient/fabclient/errs"
)

const (
	HashSHA2 = "SHA2"
	HashSHA3 = "SHA3"
)

// Options is the enumerated option set for a suite. SecurityLevel
// selects the curve (256 -> P-256, 384 -> P-384) and the hash size.
type Options struct {
	SecurityLevel      int
	HashFamily         string // SHA2 or SHA3
	SignatureAlgorithm string // SHA256withECDSA or SHA384withECDSA
}

type Suite struct {
	opts  Options
	curve elliptic.Curve
}

func New(opts Options) (*Suite, error) {
	var curve elliptic.Curve
	switch opts.SecurityLevel {
	case 256:
		curve = elliptic.P256()
	case 384:
		curve = elliptic.P384()
	default:
		return nil, errs.Errorf(errs.Crypto, "unsupported security level %d", opts.SecurityLevel)
	}
	if opts.HashFamily == "" {
		opts.HashFamily = HashSHA2
	}
	if opts.HashFamily != HashSHA2 && opts.HashFamily != HashSHA3 {
		return nil, errs.Errorf(errs.Crypto, "hash family must be SHA2 or SHA3, got %q", opts.HashFamily)
	}
	if opts.SignatureAlgorithm == "" {
		if opts.SecurityLevel == 256 {
			opts.SignatureAlgorithm = "SHA256withECDSA"
		} else {
			opts.SignatureAlgorithm = "SHA384withECDSA"
		}
	}
	switch opts.SignatureAlgorithm {
	case "SHA256withECDSA", "SHA384withECDSA":
	default:
		return nil, errs.Errorf(errs.Crypto, "unsupported signature algorithm %q", opts.SignatureAlgorithm)
	}
	return &Suite{opts: opts, curve: curve}, nil
}

func (s *Suite) Options() Options { return s.opts }

// KeyGen generates an EC key on the curve selected by the security level.
func (s *Suite) KeyGen() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(s.curve, rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "generate EC key")
	}
	return key, nil
}

// Sign hashes msg and produces a DER-encoded ECDSA signature in low-S
// canonical form. Fabric rejects high-S signatures, so if s > n/2 it is
// replaced with n-s.
func (s *Suite) Sign(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	if key == nil {
		return nil, errs.New(errs.Argument, "private key is nil")
	}
	digest := s.Hash(msg)
	r, sig, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "ecdsa sign")
	}
	sig, err = utils.ToLowS(&key.PublicKey, sig)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "canonicalize signature")
	}
	der, err := utils.MarshalECDSASignature(r, sig)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "marshal signature")
	}
	return der, nil
}

// Verify checks signature over msg against the public key in certPEM.
// A malformed certificate is a CryptoError; a cryptographic mismatch
// (including a high-S signature) returns false without an error.
func (s *Suite) Verify(certPEM, signature, msg []byte) (bool, error) {
	cert, err := CertificateFromPEM(certPEM)
	if err != nil {
		return false, err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return false, errs.New(errs.Crypto, "certificate public key is not ECDSA")
	}
	return s.VerifyKey(pub, signature, msg), nil
}

// VerifyKey is Verify against an already-parsed public key.
func (s *Suite) VerifyKey(pub *ecdsa.PublicKey, signature, msg []byte) bool {
	r, sig, err := utils.UnmarshalECDSASignature(signature)
	if err != nil {
		return false
	}
	lowS, err := utils.IsLowS(pub, sig)
	if err != nil || !lowS {
		return false
	}
	return ecdsa.Verify(pub, s.Hash(msg), r, sig)
}

// Hash applies the suite's hash family sized by the security level.
func (s *Suite) Hash(msg []byte) []byte {
	switch s.opts.HashFamily {
	case HashSHA3:
		if s.opts.SecurityLevel == 384 {
			sum := sha3.Sum384(msg)
			return sum[:]
		}
		sum := sha3.Sum256(msg)
		return sum[:]
	default:
		if s.opts.SecurityLevel == 384 {
			sum := sha512.Sum384(msg)
			return sum[:]
		}
		sum := sha256.Sum256(msg)
		return sum[:]
	}
}

// CertificateFromPEM parses the first certificate block in pemBytes.
func CertificateFromPEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errs.New(errs.Crypto, "failed to decode PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "parse certificate")
	}
	return cert, nil
}

// EnrollmentIDFromPEM extracts the subject common name, which Fabric CA
// uses as the enrollment ID.
func EnrollmentIDFromPEM(pemBytes []byte) (string, error) {
	cert, err := CertificateFromPEM(pemBytes)
	if err != nil {
		return "", err
	}
	return cert.Subject.CommonName, nil
}
