// Package identity binds a user (MSP id, enrollment certificate,
// private key) into the serialized identity and signatures that go into
// transaction headers.
package identity

import (
	"crypto/ecdsa"
	"crypto/x509"
	"os"
	"path/filepath"

	"github.com/hyperledger/fabric-protos-go-apiv2/msp"
	"google.golang.org/protobuf/proto"

	"github.com/fabclient/fabclient/cryptosuite"
	"github.com/fabclient/fabclient/errs"
)

// User describes an enrolled identity. Immutable once bound into a
// SigningIdentity.
type User struct {
	Name           string
	MSPID          string
	EnrollmentCert []byte // PEM
	Roles          []string
	Affiliation    string
	Account        string
}

// SigningIdentity pairs a user with its private key and the crypto
// suite used for signing. Safe for concurrent use.
type SigningIdentity struct {
	user  User
	key   *ecdsa.PrivateKey
	suite *cryptosuite.Suite
	cert  *x509.Certificate
}

// New validates that the private key matches the enrollment cert's
// subject public key and returns the bound identity.
func New(user User, key *ecdsa.PrivateKey, suite *cryptosuite.Suite) (*SigningIdentity, error) {
	if user.MSPID == "" {
		return nil, errs.New(errs.Argument, "MSP id is blank")
	}
	if key == nil {
		return nil, errs.New(errs.Argument, "private key is nil")
	}
	if suite == nil {
		return nil, errs.New(errs.Argument, "crypto suite is nil")
	}
	cert, err := cryptosuite.CertificateFromPEM(user.EnrollmentCert)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errs.New(errs.Crypto, "enrollment certificate public key is not ECDSA")
	}
	if !pub.Equal(&key.PublicKey) {
		return nil, errs.New(errs.Crypto, "private key does not match enrollment certificate")
	}
	return &SigningIdentity{user: user, key: key, suite: suite, cert: cert}, nil
}

// FromMSPDir loads an identity from a Fabric MSP directory layout
// (keystore/*_sk, signcerts/*.pem).
func FromMSPDir(dir, mspID string, suite *cryptosuite.Suite) (*SigningIdentity, error) {
	keyFiles, err := filepath.Glob(filepath.Join(dir, "keystore", "*_sk"))
	if err != nil || len(keyFiles) == 0 {
		return nil, errs.Errorf(errs.Argument, "no private key under %s/keystore", dir)
	}
	kp, err := cryptosuite.KeyPairFromFile(keyFiles[0])
	if err != nil {
		return nil, err
	}

	certFiles, err := filepath.Glob(filepath.Join(dir, "signcerts", "*.pem"))
	if err != nil || len(certFiles) == 0 {
		return nil, errs.Errorf(errs.Argument, "no signcert under %s/signcerts", dir)
	}
	certPEM, err := os.ReadFile(certFiles[0])
	if err != nil {
		return nil, errs.Wrapf(errs.Argument, err, "read signcert %s", certFiles[0])
	}

	name, _ := cryptosuite.EnrollmentIDFromPEM(certPEM)
	return New(User{Name: name, MSPID: mspID, EnrollmentCert: certPEM}, kp.Private(), suite)
}

func (si *SigningIdentity) User() User                { return si.user }
func (si *SigningIdentity) MSPID() string             { return si.user.MSPID }
func (si *SigningIdentity) Cert() *x509.Certificate   { return si.cert }
func (si *SigningIdentity) CertPEM() []byte           { return si.user.EnrollmentCert }
func (si *SigningIdentity) Suite() *cryptosuite.Suite { return si.suite }

// Serialize returns the protobuf SerializedIdentity (the "creator"
// bytes carried in signature headers).
func (si *SigningIdentity) Serialize() ([]byte, error) {
	b, err := proto.Marshal(&msp.SerializedIdentity{
		Mspid:   si.user.MSPID,
		IdBytes: si.user.EnrollmentCert,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, err, "marshal serialized identity")
	}
	return b, nil
}

func (si *SigningIdentity) Sign(msg []byte) ([]byte, error) {
	return si.suite.Sign(si.key, msg)
}

// Validate checks that the enrollment cert chains to a trusted root and
// that the key still matches the certificate.
func (si *SigningIdentity) Validate(ts *cryptosuite.TrustStore) error {
	if ts == nil {
		return errs.New(errs.Argument, "trust store is nil")
	}
	if !ts.Validate(si.cert) {
		return errs.Errorf(errs.Crypto, "enrollment certificate for %s does not chain to a trusted root", si.user.MSPID)
	}
	pub := si.cert.PublicKey.(*ecdsa.PublicKey)
	if !pub.Equal(&si.key.PublicKey) {
		return errs.New(errs.Crypto, "private key does not match enrollment certificate")
	}
	return nil
}
