// Package client is the entry point: it owns the crypto suite, the
// signing identity, the resolved settings and the channel registry, and
// hands out connected peers, orderers and event hubs. Everything flows
// from New; there is no package-level state.
package client

import (
	"context"
	"sync"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"go.uber.org/zap"

	"github.com/fabclient/fabclient/channel"
	"github.com/fabclient/fabclient/comm"
	"github.com/fabclient/fabclient/config"
	"github.com/fabclient/fabclient/cryptosuite"
	"github.com/fabclient/fabclient/endpoint"
	"github.com/fabclient/fabclient/errs"
	"github.com/fabclient/fabclient/eventhub"
	"github.com/fabclient/fabclient/identity"
	"github.com/fabclient/fabclient/proposal"
	"github.com/fabclient/fabclient/store"
)

type Options struct {
	// ConfigPath points at an optional properties file; the environment
	// still overrides it.
	ConfigPath string
	// Settings bypasses Load entirely when non-nil.
	Settings *config.Settings

	// Identity or MSPDir+MSPID, one of the two.
	Identity *identity.SigningIdentity
	MSPDir   string
	MSPID    string

	// StorePath enables channel/cursor persistence. Empty disables it.
	StorePath string

	// ClientTLS is the endpoint whose client certificate binds proposals
	// to the transport (optional).
	ClientTLS *endpoint.Endpoint

	Log *zap.Logger
}

type Client struct {
	settings config.Settings
	suite    *cryptosuite.Suite
	signer   *identity.SigningIdentity
	db       *store.Store
	tlsHash  []byte
	log      *zap.Logger

	mu       sync.Mutex
	channels map[string]*channel.Channel
	closed   bool
}

func New(opts Options) (*Client, error) {
	settings, err := resolveSettings(opts)
	if err != nil {
		return nil, err
	}

	suite, err := cryptosuite.New(cryptosuite.Options{
		SecurityLevel:      settings.SecurityLevel,
		HashFamily:         settings.HashAlgorithm,
		SignatureAlgorithm: settings.SignatureAlgorithm,
	})
	if err != nil {
		return nil, err
	}

	signer := opts.Identity
	if signer == nil {
		if opts.MSPDir == "" {
			return nil, errs.New(errs.Argument, "client requires an identity or an MSP directory")
		}
		signer, err = identity.FromMSPDir(opts.MSPDir, opts.MSPID, suite)
		if err != nil {
			return nil, err
		}
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		settings: settings,
		suite:    suite,
		signer:   signer,
		log:      log,
		channels: make(map[string]*channel.Channel),
	}
	if opts.ClientTLS != nil {
		c.tlsHash = opts.ClientTLS.TLSCertHash()
	}
	if opts.StorePath != "" {
		c.db, err = store.Open(opts.StorePath)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func resolveSettings(opts Options) (config.Settings, error) {
	if opts.Settings != nil {
		return *opts.Settings, nil
	}
	return config.Load(opts.ConfigPath)
}

func (c *Client) Settings() config.Settings           { return c.settings }
func (c *Client) Suite() *cryptosuite.Suite           { return c.suite }
func (c *Client) Identity() *identity.SigningIdentity { return c.signer }

// NewPeer connects a peer endpoint with the given roles (0 means all).
func (c *Client) NewPeer(ep *endpoint.Endpoint, roles comm.Role) (*comm.Peer, error) {
	return comm.NewPeer(ep, roles, c.log)
}

func (c *Client) NewOrderer(ep *endpoint.Endpoint) (*comm.Orderer, error) {
	return comm.NewOrderer(ep, c.log)
}

// NewEventHub builds a hub streaming from the given peer for one
// channel, checkpointing its cursor in the store when one is open.
func (c *Client) NewEventHub(p *comm.Peer, channelName string) (*eventhub.Hub, error) {
	if p == nil {
		return nil, errs.New(errs.Argument, "peer is nil")
	}
	if !p.HasRole(comm.EventSource) {
		return nil, errs.Errorf(errs.Argument, "peer %s is not an event source", p.URL())
	}

	opts := eventhub.Options{
		Stream: func(ctx context.Context) (eventhub.DeliverStream, error) {
			return p.DeliverStream(ctx)
		},
		Seek: func(start uint64, seen bool) (*common.Envelope, error) {
			return proposal.NewSeekEnvelope(c.signer, channelName, start, seen, p.Endpoint().TLSCertHash())
		},
		Log:              c.log.With(zap.String("channel", channelName), zap.String("peer", p.URL())),
		RegistrationWait: c.settings.EventRegistrationWaitTime,
		RetryWait:        c.settings.PeerRetryWaitTime,
		WarningRate:      c.settings.ReconnectionWarningRate,
	}
	if c.db != nil {
		opts.Checkpoint = func(block uint64) error {
			return c.db.MarkProcessed(channelName, block)
		}
	}

	hub, err := eventhub.New(opts)
	if err != nil {
		return nil, err
	}
	if c.db != nil {
		if block, seen, err := c.db.LastProcessedBlock(channelName); err == nil && seen {
			if err := hub.SetCursor(block); err != nil {
				return nil, err
			}
		}
	}
	return hub, nil
}

// NewChannel creates and registers an empty channel in CREATED state.
func (c *Client) NewChannel(name string) (*channel.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errs.New(errs.ShuttingDown, "client is closed")
	}
	if _, dup := c.channels[name]; dup {
		return nil, errs.Errorf(errs.Argument, "channel %q already exists", name)
	}
	ch, err := channel.New(channel.Options{
		Name:        name,
		Signer:      c.signer,
		Suite:       c.suite,
		Settings:    c.settings,
		TLSCertHash: c.tlsHash,
		Log:         c.log,
	})
	if err != nil {
		return nil, err
	}
	c.channels[name] = ch
	return ch, nil
}

// Channel returns a registered channel by name.
func (c *Client) Channel(name string) (*channel.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	return ch, ok
}

// SaveChannel persists the channel's membership snapshot.
func (c *Client) SaveChannel(name string) error {
	if c.db == nil {
		return errs.New(errs.Argument, "client has no store configured")
	}
	ch, ok := c.Channel(name)
	if !ok {
		return errs.Errorf(errs.Argument, "channel %q is not registered", name)
	}
	blob, err := ch.Serialize()
	if err != nil {
		return err
	}
	return c.db.SaveChannel(name, blob)
}

// LoadChannelSnapshot reads a persisted membership snapshot. The caller
// rebuilds the live channel from it with NewChannel plus the factories,
// since endpoints carry key material the store must not hold.
func (c *Client) LoadChannelSnapshot(name string) (*channel.Snapshot, error) {
	if c.db == nil {
		return nil, errs.New(errs.Argument, "client has no store configured")
	}
	blob, err := c.db.LoadChannel(name)
	if err != nil {
		return nil, err
	}
	return channel.Decode(blob)
}

// Close shuts every channel down and releases the store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = make(map[string]*channel.Channel)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch *channel.Channel) {
			defer wg.Done()
			ch.Shutdown()
		}(ch)
	}
	wg.Wait()

	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
