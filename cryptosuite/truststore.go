package cryptosuite

import (
	"crypto/x509"
	"os"
	"strings"
	"sync"

	"github.com/fabclient/fabclient/errs"
)

// TrustStore holds the trust anchors for a client. Additions are
// idempotent by (subject, serial); Validate returns a boolean rather
// than an error for certificates that do not chain to an anchor.
type TrustStore struct {
	mu    sync.RWMutex
	certs map[string]*x509.Certificate
}

func NewTrustStore() *TrustStore {
	return &TrustStore{certs: make(map[string]*x509.Certificate)}
}

func certKey(c *x509.Certificate) string {
	return string(c.RawSubject) + "/" + c.SerialNumber.String()
}

// AddCert adds a parsed certificate. Duplicates overwrite.
func (t *TrustStore) AddCert(cert *x509.Certificate) error {
	if cert == nil {
		return errs.New(errs.Argument, "certificate is nil")
	}
	t.mu.Lock()
	t.certs[certKey(cert)] = cert
	t.mu.Unlock()
	return nil
}

// AddPEM adds every certificate found in a PEM string.
func (t *TrustStore) AddPEM(pemStr string) error {
	if strings.TrimSpace(pemStr) == "" {
		return errs.New(errs.Argument, "certificate PEM is blank")
	}
	cert, err := CertificateFromPEM([]byte(pemStr))
	if err != nil {
		return err
	}
	return t.AddCert(cert)
}

func (t *TrustStore) AddFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return errs.New(errs.Argument, "certificate path is blank")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrapf(errs.Argument, err, "read certificate file %s", path)
	}
	return t.AddPEM(string(b))
}

func (t *TrustStore) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.certs)
}

// Pool returns the anchors as an x509 pool for TLS or chain building.
func (t *TrustStore) Pool() *x509.CertPool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pool := x509.NewCertPool()
	for _, c := range t.certs {
		pool.AddCert(c)
	}
	return pool
}

// Validate chain-builds cert to any anchor. Expired certificates and
// certificates that do not reach an anchor return false.
func (t *TrustStore) Validate(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	pool := t.Pool()
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: pool,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}
