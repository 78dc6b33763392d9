package cryptosuite

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"os"

	"github.com/fabclient/fabclient/errs"
)

// KeyPair is an opaque holder for an EC key. It supports PEM and
// PKCS#8 ingestion and export as PEM, raw DER, or a CSR.
type KeyPair struct {
	priv *ecdsa.PrivateKey
}

func NewKeyPair(priv *ecdsa.PrivateKey) (*KeyPair, error) {
	if priv == nil {
		return nil, errs.New(errs.Argument, "private key is nil")
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromPEM parses a PEM-encoded EC private key in either PKCS#8
// or SEC1 form.
func KeyPairFromPEM(pemBytes []byte) (*KeyPair, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errs.New(errs.Crypto, "failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errs.New(errs.Crypto, "not an ECDSA private key")
		}
		return &KeyPair{priv: ec}, nil
	}
	ec, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "parse EC private key")
	}
	return &KeyPair{priv: ec}, nil
}

func KeyPairFromFile(path string) (*KeyPair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrapf(errs.Argument, err, "read key file %s", path)
	}
	return KeyPairFromPEM(b)
}

func (kp *KeyPair) Private() *ecdsa.PrivateKey { return kp.priv }
func (kp *KeyPair) Public() *ecdsa.PublicKey   { return &kp.priv.PublicKey }

// DER exports the key as PKCS#8 DER.
func (kp *KeyPair) DER() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.priv)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "marshal PKCS#8")
	}
	return der, nil
}

func (kp *KeyPair) PEM() ([]byte, error) {
	der, err := kp.DER()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// GenerateCSR produces a PEM-encoded PKCS#10 certificate signing
// request with CN=commonName, signed by the key pair.
func GenerateCSR(commonName string, kp *KeyPair) ([]byte, error) {
	if commonName == "" {
		return nil, errs.New(errs.Argument, "common name is blank")
	}
	if kp == nil || kp.priv == nil {
		return nil, errs.New(errs.Argument, "key pair is nil")
	}
	tmpl := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: commonName},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, kp.priv)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "create CSR")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}
