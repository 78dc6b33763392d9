// Package channel orchestrates one Fabric channel: its peers, orderers
// and event hubs, the endorse -> order -> commit flow, and ledger
// queries. A channel is assembled in CREATED state, wired up by
// Initialize, and torn down by Shutdown.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/discovery"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/fabclient/fabclient/comm"
	"github.com/fabclient/fabclient/config"
	"github.com/fabclient/fabclient/cryptosuite"
	"github.com/fabclient/fabclient/errs"
	"github.com/fabclient/fabclient/eventhub"
	"github.com/fabclient/fabclient/identity"
	"github.com/fabclient/fabclient/proposal"
)

type State int

const (
	Created State = iota
	Initialized
	ShutDown
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initialized:
		return "initialized"
	case ShutDown:
		return "shut down"
	}
	return "unknown"
}

// Endorser is the peer surface the channel uses. *comm.Peer satisfies it.
type Endorser interface {
	URL() string
	Roles() comm.Role
	HasRole(comm.Role) bool
	ProcessProposal(ctx context.Context, prop *peer.SignedProposal) (*peer.ProposalResponse, error)
	Close() error
}

// Discoverer is implemented by peers that can answer service discovery.
type Discoverer interface {
	Discover(ctx context.Context, req *discovery.SignedRequest) (*discovery.Response, error)
}

// Broadcaster is the orderer surface. *comm.Orderer satisfies it.
type Broadcaster interface {
	URL() string
	Broadcast(ctx context.Context, env *common.Envelope) error
	Deliver(ctx context.Context, seekEnv *common.Envelope) (*common.Block, error)
	Close() error
}

// CommitHub is the event hub surface. *eventhub.Hub satisfies it.
type CommitHub interface {
	Connect(ctx context.Context) error
	RegisterTx(txID string) (<-chan eventhub.TxEvent, error)
	UnregisterTx(txID string)
	Close()
}

type Options struct {
	Name        string
	Signer      *identity.SigningIdentity
	Suite       *cryptosuite.Suite
	Settings    config.Settings
	TLSCertHash []byte
	Log         *zap.Logger
}

type hubMember struct {
	hub    CommitHub
	source string
}

type Channel struct {
	name     string
	signer   *identity.SigningIdentity
	suite    *cryptosuite.Suite
	builder  *proposal.Builder
	settings config.Settings
	tlsHash  []byte
	log      *zap.Logger

	mu       sync.RWMutex
	state    State
	peers    []Endorser
	orderers []Broadcaster
	hubs     []hubMember

	configBlock   *common.Block
	discoveryStop context.CancelFunc
	discoveryDone chan struct{}
}

func New(o Options) (*Channel, error) {
	if o.Name == "" {
		return nil, errs.New(errs.Argument, "channel name is blank")
	}
	if o.Signer == nil || o.Suite == nil {
		return nil, errs.New(errs.Argument, "channel requires a signer and a crypto suite")
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	builder, err := proposal.NewBuilder(o.Signer, o.Suite, o.TLSCertHash)
	if err != nil {
		return nil, err
	}
	return &Channel{
		name:     o.Name,
		signer:   o.Signer,
		suite:    o.Suite,
		builder:  builder,
		settings: o.Settings,
		tlsHash:  o.TLSCertHash,
		log:      o.Log.With(zap.String("channel", o.Name)),
		state:    Created,
	}, nil
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) AddPeer(p Endorser) error {
	if p == nil {
		return errs.New(errs.Argument, "peer is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ShutDown {
		return errs.New(errs.ShuttingDown, "channel is shut down")
	}
	for _, existing := range c.peers {
		if existing.URL() == p.URL() {
			return errs.Errorf(errs.Argument, "peer %s is already a member", p.URL())
		}
	}
	c.peers = append(c.peers, p)
	return nil
}

func (c *Channel) AddOrderer(o Broadcaster) error {
	if o == nil {
		return errs.New(errs.Argument, "orderer is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ShutDown {
		return errs.New(errs.ShuttingDown, "channel is shut down")
	}
	for _, existing := range c.orderers {
		if existing.URL() == o.URL() {
			return errs.Errorf(errs.Argument, "orderer %s is already a member", o.URL())
		}
	}
	c.orderers = append(c.orderers, o)
	return nil
}

// AddEventHub attaches a hub; source is the URL of the peer the hub
// streams from, kept for serialization.
func (c *Channel) AddEventHub(h CommitHub, source string) error {
	if h == nil {
		return errs.New(errs.Argument, "event hub is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ShutDown {
		return errs.New(errs.ShuttingDown, "channel is shut down")
	}
	c.hubs = append(c.hubs, hubMember{hub: h, source: source})
	return nil
}

// Create broadcasts the CONFIG_UPDATE envelope that brings the channel
// into existence on the ordering service. configUpdate is the
// marshalled ConfigUpdate; signatures are the admin signatures already
// collected for it.
func (c *Channel) Create(ctx context.Context, configUpdate []byte, signatures []*common.ConfigSignature) error {
	c.mu.RLock()
	if c.state == ShutDown {
		c.mu.RUnlock()
		return errs.New(errs.ShuttingDown, "channel is shut down")
	}
	orderers := append([]Broadcaster{}, c.orderers...)
	c.mu.RUnlock()
	if len(orderers) == 0 {
		return errs.New(errs.Argument, "channel creation requires an orderer")
	}

	env, err := proposal.NewConfigUpdateEnvelope(c.signer, c.name, configUpdate, signatures)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.settings.OrdererWaitTime)
	defer cancel()
	if err := orderers[0].Broadcast(ctx, env); err != nil {
		return err
	}
	c.log.Info("channel created")
	return nil
}

// Initialize verifies membership, fetches the genesis block and
// connects the event hubs. Valid only once, from CREATED.
func (c *Channel) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Created {
		state := c.state
		c.mu.Unlock()
		if state == ShutDown {
			return errs.New(errs.ShuttingDown, "channel is shut down")
		}
		return errs.New(errs.Argument, "channel is already initialized")
	}
	if len(c.peers) == 0 || len(c.orderers) == 0 {
		c.mu.Unlock()
		return errs.New(errs.Argument, "initialization requires at least one peer and one orderer")
	}
	orderer := c.orderers[0]
	hubs := append([]hubMember{}, c.hubs...)
	c.mu.Unlock()

	seekEnv, err := proposal.NewConfigSeekEnvelope(c.signer, c.name, 0, c.tlsHash)
	if err != nil {
		return err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.settings.GenesisBlockWaitTime)
	block, err := orderer.Deliver(fetchCtx, seekEnv)
	cancel()
	if err != nil {
		return err
	}

	// Hubs and discovery outlive the Initialize call; their lifetime
	// ends at Shutdown, not when the caller's ctx does.
	for _, m := range hubs {
		if err := m.hub.Connect(context.Background()); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.configBlock = block
	c.state = Initialized
	c.mu.Unlock()

	c.startDiscovery(context.Background())
	c.log.Info("channel initialized", zap.Uint64("genesis_block", block.Header.Number))
	return nil
}

// ConfigBlock returns the most recently fetched config block: the
// genesis block from initialization, or whatever RefreshConfig last
// retrieved.
func (c *Channel) ConfigBlock() *common.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configBlock
}

// RefreshConfig fetches the channel's latest block from the ordering
// service and replaces the cached config block.
func (c *Channel) RefreshConfig(ctx context.Context) (*common.Block, error) {
	c.mu.RLock()
	state := c.state
	var orderers []Broadcaster
	orderers = append(orderers, c.orderers...)
	c.mu.RUnlock()
	switch state {
	case ShutDown:
		return nil, errs.New(errs.ShuttingDown, "channel is shut down")
	case Created:
		return nil, errs.New(errs.Argument, "channel is not initialized")
	}

	env, err := proposal.NewNewestSeekEnvelope(c.signer, c.name, c.tlsHash)
	if err != nil {
		return nil, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.settings.ChannelConfigWaitTime)
	block, err := orderers[0].Deliver(fetchCtx, env)
	cancel()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.configBlock = block
	c.mu.Unlock()
	c.log.Debug("config block refreshed", zap.Uint64("block", block.Header.Number))
	return block, nil
}

// startDiscovery polls service discovery on the first capable peer so
// membership drift shows up in the logs long before an endorsement
// fails.
func (c *Channel) startDiscovery(ctx context.Context) {
	if c.settings.DiscoveryFrequency <= 0 {
		return
	}
	c.mu.RLock()
	var target Discoverer
	var url string
	for _, p := range c.peers {
		if d, ok := p.(Discoverer); ok && p.HasRole(comm.ServiceDiscovery) {
			target, url = d, p.URL()
			break
		}
	}
	c.mu.RUnlock()
	if target == nil {
		return
	}

	dCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.discoveryStop = cancel
	c.discoveryDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.settings.DiscoveryFrequency)
		defer ticker.Stop()
		for {
			select {
			case <-dCtx.Done():
				return
			case <-ticker.C:
				if err := c.refreshDiscovery(dCtx, target); err != nil {
					c.log.Warn("service discovery failed", zap.String("peer", url), zap.Error(err))
				}
			}
		}
	}()
}

func (c *Channel) refreshDiscovery(ctx context.Context, target Discoverer) error {
	req, err := c.discoveryRequest()
	if err != nil {
		return err
	}
	resp, err := target.Discover(ctx, req)
	if err != nil {
		return err
	}
	c.log.Debug("service discovery refreshed", zap.Int("results", len(resp.Results)))
	return nil
}

func (c *Channel) discoveryRequest() (*discovery.SignedRequest, error) {
	creator, err := c.signer.Serialize()
	if err != nil {
		return nil, err
	}
	payload, err := proto.Marshal(&discovery.Request{
		Authentication: &discovery.AuthInfo{
			ClientIdentity:    creator,
			ClientTlsCertHash: c.tlsHash,
		},
		Queries: []*discovery.Query{{
			Channel: c.name,
			Query:   &discovery.Query_PeerQuery{PeerQuery: &discovery.PeerMembershipQuery{}},
		}},
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "marshal discovery request")
	}
	sig, err := c.signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	return &discovery.SignedRequest{Payload: payload, Signature: sig}, nil
}

// Shutdown drains pending work and closes every member. Idempotent;
// all later operations fail with a shutting-down error.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.state == ShutDown {
		c.mu.Unlock()
		return
	}
	c.state = ShutDown
	stop, done := c.discoveryStop, c.discoveryDone
	peers := c.peers
	orderers := c.orderers
	hubs := c.hubs
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	// Hubs first: closing them drains commit listeners so in-flight
	// Submit calls fail fast instead of waiting out their timeout.
	for _, m := range hubs {
		m.hub.Close()
	}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p Endorser) {
			defer wg.Done()
			if err := p.Close(); err != nil {
				c.log.Warn("close peer", zap.String("peer", p.URL()), zap.Error(err))
			}
		}(p)
	}
	for _, o := range orderers {
		wg.Add(1)
		go func(o Broadcaster) {
			defer wg.Done()
			if err := o.Close(); err != nil {
				c.log.Warn("close orderer", zap.String("orderer", o.URL()), zap.Error(err))
			}
		}(o)
	}
	wg.Wait()
	c.log.Info("channel shut down")
}
