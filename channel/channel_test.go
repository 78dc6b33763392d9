package channel_test

import (
	"context"
	"crypto/rand"
	"errors"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"

	"github.com/fabclient/fabclient/channel"
	"github.com/fabclient/fabclient/comm"
	"github.com/fabclient/fabclient/config"
	"github.com/fabclient/fabclient/cryptosuite"
	"github.com/fabclient/fabclient/errs"
	"github.com/fabclient/fabclient/eventhub"
	"github.com/fabclient/fabclient/identity"
	"github.com/fabclient/fabclient/proposal"
)

func testSigner(t *testing.T) (*identity.SigningIdentity, *cryptosuite.Suite) {
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
	return si, suite
}

func testSettings() config.Settings {
	return config.Settings{
		ProposalWaitTime:          2 * time.Second,
		ChannelConfigWaitTime:     time.Second,
		TransactionCleanupTimeout: 2 * time.Second,
		OrdererRetryWaitTime:      5 * time.Millisecond,
		OrdererWaitTime:           time.Second,
		GenesisBlockWaitTime:      time.Second,
		ConsistencyValidation:     true,
	}
}

// fakePeer answers endorsement calls with a scripted response.
type fakePeer struct {
	url     string
	roles   comm.Role
	respond func(*peer.SignedProposal) (*peer.ProposalResponse, error)

	mu     sync.Mutex
	calls  int
	closed bool
}

func (p *fakePeer) URL() string              { return p.url }
func (p *fakePeer) Roles() comm.Role         { return p.roles }
func (p *fakePeer) HasRole(r comm.Role) bool { return p.roles.Has(r) }

func (p *fakePeer) ProcessProposal(_ context.Context, prop *peer.SignedProposal) (*peer.ProposalResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.respond(prop)
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func endorse(payload []byte) func(*peer.SignedProposal) (*peer.ProposalResponse, error) {
	return func(*peer.SignedProposal) (*peer.ProposalResponse, error) {
		return &peer.ProposalResponse{
			Response:    &peer.Response{Status: 200, Payload: payload},
			Payload:     payload,
			Endorsement: &peer.Endorsement{Endorser: []byte("e"), Signature: []byte("s")},
		}, nil
	}
}

// fakeOrderer records broadcasts and serves a single scripted block.
type fakeOrderer struct {
	url         string
	onBroadcast func(*common.Envelope) error
	block       *common.Block

	mu     sync.Mutex
	envs   []*common.Envelope
	closed bool
}

func (o *fakeOrderer) URL() string { return o.url }

func (o *fakeOrderer) Broadcast(_ context.Context, env *common.Envelope) error {
	o.mu.Lock()
	o.envs = append(o.envs, env)
	o.mu.Unlock()
	if o.onBroadcast != nil {
		return o.onBroadcast(env)
	}
	return nil
}

func (o *fakeOrderer) Deliver(context.Context, *common.Envelope) (*common.Block, error) {
	if o.block == nil {
		return nil, errs.New(errs.Transaction, "no block scripted").WithEndpoint(o.url)
	}
	return o.block, nil
}

func (o *fakeOrderer) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

// fakeHub tracks registrations and lets the test (or the orderer hook)
// fire commit events.
type fakeHub struct {
	mu        sync.Mutex
	listeners map[string]chan eventhub.TxEvent
	sequence  *[]string
	closed    bool
}

func newFakeHub(sequence *[]string) *fakeHub {
	return &fakeHub{listeners: make(map[string]chan eventhub.TxEvent), sequence: sequence}
}

func (h *fakeHub) Connect(context.Context) error { return nil }

func (h *fakeHub) RegisterTx(txID string) (<-chan eventhub.TxEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sequence != nil {
		*h.sequence = append(*h.sequence, "register")
	}
	ch := make(chan eventhub.TxEvent, 1)
	h.listeners[txID] = ch
	return ch, nil
}

func (h *fakeHub) UnregisterTx(txID string) {
	h.mu.Lock()
	delete(h.listeners, txID)
	h.mu.Unlock()
}

func (h *fakeHub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// commit fires the event for txID; reports false if nobody listens.
func (h *fakeHub) commit(txID string, code peer.TxValidationCode) bool {
	h.mu.Lock()
	ch, ok := h.listeners[txID]
	delete(h.listeners, txID)
	h.mu.Unlock()
	if !ok {
		return false
	}
	ch <- eventhub.TxEvent{TxID: txID, BlockNum: 7, Code: code}
	return true
}

func (h *fakeHub) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func txIDFromEnvelope(t *testing.T, env *common.Envelope) string {
	t.Helper()
	payload := &common.Payload{}
	if err := proto.Unmarshal(env.Payload, payload); err != nil {
		t.Fatal(err)
	}
	cHdr := &common.ChannelHeader{}
	if err := proto.Unmarshal(payload.Header.ChannelHeader, cHdr); err != nil {
		t.Fatal(err)
	}
	return cHdr.TxId
}

type fixture struct {
	ch       *channel.Channel
	peers    []*fakePeer
	orderer  *fakeOrderer
	hub      *fakeHub
	sequence []string
	mu       sync.Mutex
}

func newFixture(t *testing.T, settings config.Settings, peers ...*fakePeer) *fixture {
	t.Helper()
	signer, suite := testSigner(t)
	ch, err := channel.New(channel.Options{
		Name:     "mychannel",
		Signer:   signer,
		Suite:    suite,
		Settings: settings,
	})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{ch: ch, peers: peers}
	f.hub = newFakeHub(&f.sequence)
	f.orderer = &fakeOrderer{
		url:   "grpcs://orderer:7050",
		block: &common.Block{Header: &common.BlockHeader{Number: 0}},
	}
	f.orderer.onBroadcast = func(env *common.Envelope) error {
		f.mu.Lock()
		f.sequence = append(f.sequence, "broadcast")
		f.mu.Unlock()
		txID := txIDFromEnvelope(t, env)
		go func() {
			if !f.hub.commit(txID, peer.TxValidationCode_VALID) {
				t.Errorf("broadcast before commit listener was registered for %s", txID)
			}
		}()
		return nil
	}

	for _, p := range peers {
		if err := ch.AddPeer(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := ch.AddOrderer(f.orderer); err != nil {
		t.Fatal(err)
	}
	if err := ch.AddEventHub(f.hub, "grpcs://peer0:7051"); err != nil {
		t.Fatal(err)
	}
	if err := ch.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestInvokeCommits(t *testing.T) {
	payload := []byte("rwset-digest")
	f := newFixture(t, testSettings(),
		&fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: endorse(payload)},
		&fakePeer{url: "grpcs://peer1:7051", roles: comm.AllRoles, respond: endorse(payload)},
	)

	txID, err := f.ch.Invoke(context.Background(), proposal.Definition{
		Name: "basic",
		Args: [][]byte{[]byte("CreateAsset"), []byte("a1")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if txID == "" {
		t.Error("no txID returned")
	}

	f.mu.Lock()
	seq := append([]string{}, f.sequence...)
	f.mu.Unlock()
	if len(seq) != 2 || seq[0] != "register" || seq[1] != "broadcast" {
		t.Errorf("listener must be registered before broadcast, got %v", seq)
	}
	if f.hub.pending() != 0 {
		t.Error("listener not consumed")
	}
}

func TestDivergentEndorsements(t *testing.T) {
	f := newFixture(t, testSettings(),
		&fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: endorse([]byte("result-a"))},
		&fakePeer{url: "grpcs://peer1:7051", roles: comm.AllRoles, respond: endorse([]byte("result-b"))},
	)

	_, _, err := f.ch.SendProposal(context.Background(), proposal.Definition{
		Kind: proposal.Invoke,
		Name: "basic",
		Args: [][]byte{[]byte("fn")},
	})
	if !errs.IsKind(err, errs.Consistency) {
		t.Errorf("expected consistency error, got %v", err)
	}

	// the error chain carries the per-endorser response groups
	var div *channel.DivergenceError
	if !errors.As(err, &div) {
		t.Fatalf("no divergence details in %v", err)
	}
	if len(div.Groups) != 2 {
		t.Fatalf("groups: %d", len(div.Groups))
	}
	payloads := map[string]string{}
	for _, g := range div.Groups {
		if len(g.Peers) != 1 {
			t.Errorf("group %s peers: %v", g.Digest, g.Peers)
		}
		payloads[string(g.Payload)] = g.Peers[0]
	}
	if payloads["result-a"] != "grpcs://peer0:7051" || payloads["result-b"] != "grpcs://peer1:7051" {
		t.Errorf("per-endorser payloads: %v", payloads)
	}

	f.mu.Lock()
	broadcasts := len(f.orderer.envs)
	f.mu.Unlock()
	if broadcasts != 0 {
		t.Error("divergent endorsements must never reach the orderer")
	}
}

func TestEndorsementFailureSurfacesFirstError(t *testing.T) {
	boom := func(*peer.SignedProposal) (*peer.ProposalResponse, error) {
		return nil, errs.New(errs.Proposal, "simulation failed").WithEndpoint("grpcs://peer0:7051")
	}
	f := newFixture(t, testSettings(),
		&fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: boom},
	)
	_, _, err := f.ch.SendProposal(context.Background(), proposal.Definition{
		Kind: proposal.Invoke,
		Name: "basic",
		Args: [][]byte{[]byte("fn")},
	})
	if !errs.IsKind(err, errs.Proposal) {
		t.Errorf("expected proposal error, got %v", err)
	}
}

func TestCommitTimeout(t *testing.T) {
	settings := testSettings()
	settings.TransactionCleanupTimeout = 50 * time.Millisecond
	f := newFixture(t, settings,
		&fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: endorse([]byte("r"))},
	)
	// the orderer accepts but no commit event ever arrives
	f.orderer.onBroadcast = nil

	built, responses, err := f.ch.SendProposal(context.Background(), proposal.Definition{
		Kind: proposal.Invoke,
		Name: "basic",
		Args: [][]byte{[]byte("fn")},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = f.ch.Submit(context.Background(), built, responses)
	if !errs.IsKind(err, errs.TransactionTimeout) {
		t.Errorf("expected transaction timeout, got %v", err)
	}
	if f.hub.pending() != 0 {
		t.Error("expired listener was not removed")
	}
}

func TestBroadcastRetries(t *testing.T) {
	f := newFixture(t, testSettings(),
		&fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: endorse([]byte("r"))},
	)
	attempts := 0
	base := f.orderer.onBroadcast
	f.orderer.onBroadcast = func(env *common.Envelope) error {
		attempts++
		if attempts == 1 {
			return errs.New(errs.Transaction, "orderer busy").WithRetry()
		}
		return base(env)
	}

	if _, err := f.ch.Invoke(context.Background(), proposal.Definition{
		Name: "basic", Args: [][]byte{[]byte("fn")},
	}); err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Errorf("broadcast attempts: %d", attempts)
	}
}

func TestBroadcastAttemptBudget(t *testing.T) {
	f := newFixture(t, testSettings(),
		&fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: endorse([]byte("r"))},
	)
	attempts := 0
	f.orderer.onBroadcast = func(*common.Envelope) error {
		attempts++
		return errs.New(errs.Transaction, "orderer busy").WithRetry()
	}

	built, responses, err := f.ch.SendProposal(context.Background(), proposal.Definition{
		Kind: proposal.Invoke,
		Name: "basic",
		Args: [][]byte{[]byte("fn")},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = f.ch.Submit(context.Background(), built, responses, channel.WithBroadcastAttempts(3))
	if !errs.IsKind(err, errs.Transaction) {
		t.Errorf("expected transaction error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("broadcast attempts: got %d, want 3", attempts)
	}
	if f.hub.pending() != 0 {
		t.Error("listener not removed after broadcast failure")
	}
}

func TestRefreshConfig(t *testing.T) {
	f := newFixture(t, testSettings(),
		&fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: endorse([]byte("r"))},
	)
	f.orderer.block = &common.Block{Header: &common.BlockHeader{Number: 5}}

	block, err := f.ch.RefreshConfig(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if block.Header.Number != 5 {
		t.Errorf("refreshed block: %d", block.Header.Number)
	}
	if f.ch.ConfigBlock().Header.Number != 5 {
		t.Error("cached config block not replaced")
	}

	// not available before initialization
	signer, suite := testSigner(t)
	bare, err := channel.New(channel.Options{Name: "ch", Signer: signer, Suite: suite, Settings: testSettings()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bare.RefreshConfig(context.Background()); !errs.IsKind(err, errs.Argument) {
		t.Errorf("refresh before init: got %v", err)
	}

	f.ch.Shutdown()
	if _, err := f.ch.RefreshConfig(context.Background()); !errs.IsKind(err, errs.ShuttingDown) {
		t.Errorf("refresh after shutdown: got %v", err)
	}
}

func TestInvalidatedTransaction(t *testing.T) {
	f := newFixture(t, testSettings(),
		&fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: endorse([]byte("r"))},
	)
	f.orderer.onBroadcast = func(env *common.Envelope) error {
		txID := txIDFromEnvelope(t, env)
		go f.hub.commit(txID, peer.TxValidationCode_MVCC_READ_CONFLICT)
		return nil
	}

	_, err := f.ch.Invoke(context.Background(), proposal.Definition{
		Name: "basic", Args: [][]byte{[]byte("fn")},
	})
	if !errs.IsKind(err, errs.Transaction) {
		t.Errorf("expected transaction error, got %v", err)
	}
}

func TestQueryUsesQueryRole(t *testing.T) {
	queryPeer := &fakePeer{url: "grpcs://peer0:7051", roles: comm.ChaincodeQuery | comm.LedgerQuery, respond: endorse([]byte("value"))}
	endorseOnly := &fakePeer{url: "grpcs://peer1:7051", roles: comm.Endorsing, respond: endorse([]byte("value"))}
	f := newFixture(t, testSettings(), queryPeer, endorseOnly)

	got, err := f.ch.Query(context.Background(), proposal.Definition{
		Name: "basic", Args: [][]byte{[]byte("ReadAsset"), []byte("a1")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "value" {
		t.Errorf("payload: %q", got)
	}
	endorseOnly.mu.Lock()
	calls := endorseOnly.calls
	endorseOnly.mu.Unlock()
	if calls != 0 {
		t.Error("query was sent to a peer without the chaincode query role")
	}
}

func TestLedgerQueries(t *testing.T) {
	info, err := proto.Marshal(&common.BlockchainInfo{Height: 42})
	if err != nil {
		t.Fatal(err)
	}
	ledgerPeer := &fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: endorse(info)}
	f := newFixture(t, testSettings(), ledgerPeer)

	got, err := f.ch.QueryInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Height != 42 {
		t.Errorf("height: %d", got.Height)
	}

	if _, err := f.ch.QueryTransaction(context.Background(), ""); !errs.IsKind(err, errs.Argument) {
		t.Errorf("blank txID: got %v", err)
	}
}

func TestInitializeRequiresMembers(t *testing.T) {
	signer, suite := testSigner(t)
	ch, err := channel.New(channel.Options{Name: "ch", Signer: signer, Suite: suite, Settings: testSettings()})
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Initialize(context.Background()); !errs.IsKind(err, errs.Argument) {
		t.Errorf("empty channel: got %v", err)
	}

	// operations before initialization fail
	if _, _, err := ch.SendProposal(context.Background(), proposal.Definition{Kind: proposal.Invoke, Name: "cc"}); !errs.IsKind(err, errs.Argument) {
		t.Errorf("proposal before init: got %v", err)
	}
}

func TestInitializeOnce(t *testing.T) {
	f := newFixture(t, testSettings(),
		&fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: endorse([]byte("r"))},
	)
	if err := f.ch.Initialize(context.Background()); !errs.IsKind(err, errs.Argument) {
		t.Errorf("second initialize: got %v", err)
	}
	if f.ch.ConfigBlock() == nil {
		t.Error("config block not retained")
	}
	if f.ch.State() != channel.Initialized {
		t.Errorf("state: %v", f.ch.State())
	}
}

func TestShutdown(t *testing.T) {
	p := &fakePeer{url: "grpcs://peer0:7051", roles: comm.AllRoles, respond: endorse([]byte("r"))}
	f := newFixture(t, testSettings(), p)

	f.ch.Shutdown()
	f.ch.Shutdown() // idempotent

	if f.ch.State() != channel.ShutDown {
		t.Errorf("state: %v", f.ch.State())
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if !closed || !f.hub.closed {
		t.Error("members not closed")
	}
	f.orderer.mu.Lock()
	oClosed := f.orderer.closed
	f.orderer.mu.Unlock()
	if !oClosed {
		t.Error("orderer not closed")
	}

	if _, _, err := f.ch.SendProposal(context.Background(), proposal.Definition{Kind: proposal.Invoke, Name: "cc"}); !errs.IsKind(err, errs.ShuttingDown) {
		t.Errorf("proposal after shutdown: got %v", err)
	}
	if err := f.ch.AddPeer(&fakePeer{url: "grpcs://late:7051"}); !errs.IsKind(err, errs.ShuttingDown) {
		t.Errorf("add after shutdown: got %v", err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	f := newFixture(t, testSettings(),
		&fakePeer{url: "grpcs://peer0:7051", roles: comm.Endorsing | comm.EventSource, respond: endorse([]byte("r"))},
		&fakePeer{url: "grpcs://peer1:7051", roles: comm.AllRoles, respond: endorse([]byte("r"))},
	)

	blob, err := f.ch.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	snap, err := channel.Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Name != "mychannel" {
		t.Errorf("name: %q", snap.Name)
	}
	if len(snap.Peers) != 2 || snap.Peers[0].URL != "grpcs://peer0:7051" || snap.Peers[0].Roles != comm.Endorsing|comm.EventSource {
		t.Errorf("peers: %+v", snap.Peers)
	}
	if len(snap.Orderers) != 1 || snap.Orderers[0] != "grpcs://orderer:7050" {
		t.Errorf("orderers: %v", snap.Orderers)
	}
	if len(snap.EventHubs) != 1 || snap.EventHubs[0] != "grpcs://peer0:7051" {
		t.Errorf("event hubs: %v", snap.EventHubs)
	}

	if _, err := channel.Decode([]byte{99, 0, 0}); !errs.IsKind(err, errs.Argument) {
		t.Errorf("bad version: got %v", err)
	}
	if _, err := channel.Decode(nil); !errs.IsKind(err, errs.Argument) {
		t.Errorf("empty blob: got %v", err)
	}
}
