package client

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/fabclient/fabclient/channel"
	"github.com/fabclient/fabclient/config"
	"github.com/fabclient/fabclient/cryptosuite"
	"github.com/fabclient/fabclient/errs"
	"github.com/fabclient/fabclient/identity"
)

func testIdentity(t *testing.T) *identity.SigningIdentity {
	t.Helper()
	suite, err := cryptosuite.New(cryptosuite.Options{SecurityLevel: 256, HashFamily: cryptosuite.HashSHA2})
	if err != nil {
		t.Fatal(err)
	}
	key, err := suite.KeyGen()
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "Admin@org1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	si, err := identity.New(identity.User{Name: "Admin", MSPID: "Org1MSP", EnrollmentCert: certPEM}, key, suite)
	if err != nil {
		t.Fatal(err)
	}
	return si
}

func newClient(t *testing.T, storePath string) *Client {
	t.Helper()
	settings, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Options{
		Settings:  &settings,
		Identity:  testIdentity(t),
		StorePath: storePath,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewRequiresIdentity(t *testing.T) {
	settings, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(Options{Settings: &settings}); !errs.IsKind(err, errs.Argument) {
		t.Errorf("no identity: got %v", err)
	}
}

func TestChannelRegistry(t *testing.T) {
	c := newClient(t, "")

	ch, err := c.NewChannel("mychannel")
	if err != nil {
		t.Fatal(err)
	}
	if ch.State() != channel.Created {
		t.Errorf("state: %v", ch.State())
	}
	if _, err := c.NewChannel("mychannel"); !errs.IsKind(err, errs.Argument) {
		t.Errorf("duplicate channel: got %v", err)
	}

	got, ok := c.Channel("mychannel")
	if !ok || got != ch {
		t.Error("registry lookup failed")
	}
	if _, ok := c.Channel("other"); ok {
		t.Error("unknown channel reported as registered")
	}
}

func TestSaveAndLoadChannel(t *testing.T) {
	c := newClient(t, filepath.Join(t.TempDir(), "client.db"))

	if _, err := c.NewChannel("mychannel"); err != nil {
		t.Fatal(err)
	}
	if err := c.SaveChannel("mychannel"); err != nil {
		t.Fatal(err)
	}
	snap, err := c.LoadChannelSnapshot("mychannel")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Name != "mychannel" {
		t.Errorf("name: %q", snap.Name)
	}

	if err := c.SaveChannel("missing"); !errs.IsKind(err, errs.Argument) {
		t.Errorf("unregistered channel: got %v", err)
	}
}

func TestStoreOperationsWithoutStore(t *testing.T) {
	c := newClient(t, "")
	if _, err := c.NewChannel("ch"); err != nil {
		t.Fatal(err)
	}
	if err := c.SaveChannel("ch"); !errs.IsKind(err, errs.Argument) {
		t.Errorf("save without store: got %v", err)
	}
	if _, err := c.LoadChannelSnapshot("ch"); !errs.IsKind(err, errs.Argument) {
		t.Errorf("load without store: got %v", err)
	}
}

func TestCloseShutsChannelsDown(t *testing.T) {
	c := newClient(t, "")
	ch, err := c.NewChannel("mychannel")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if ch.State() != channel.ShutDown {
		t.Errorf("state after close: %v", ch.State())
	}
	if _, err := c.NewChannel("later"); !errs.IsKind(err, errs.ShuttingDown) {
		t.Errorf("new channel after close: got %v", err)
	}
	// idempotent
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewEventHubValidation(t *testing.T) {
	c := newClient(t, "")
	if _, err := c.NewEventHub(nil, "mychannel"); !errs.IsKind(err, errs.Argument) {
		t.Errorf("nil peer: got %v", err)
	}
}
