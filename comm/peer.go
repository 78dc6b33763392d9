// Package comm wraps the gRPC services a Fabric client talks to: the
// endorser and deliver services on peers, and atomic broadcast on
// orderers. Connections come from endpoint; failures come back as
// typed errors tagged with the remote.
package comm

import (
	"context"

	"github.com/hyperledger/fabric-protos-go-apiv2/discovery"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fabclient/fabclient/endpoint"
	"github.com/fabclient/fabclient/errs"
)

// Role is a bitmask of what a peer is used for within a channel.
type Role uint8

const (
	Endorsing Role = 1 << iota
	ChaincodeQuery
	LedgerQuery
	EventSource
	ServiceDiscovery

	AllRoles = Endorsing | ChaincodeQuery | LedgerQuery | EventSource | ServiceDiscovery
)

func (r Role) Has(role Role) bool { return r&role != 0 }

// Peer is a connected endorsing/deliver endpoint.
type Peer struct {
	ep    *endpoint.Endpoint
	roles Role
	log   *zap.Logger

	conn      *grpc.ClientConn
	endorser  peer.EndorserClient
	deliver   peer.DeliverClient
	discovery discovery.DiscoveryClient
}

func NewPeer(ep *endpoint.Endpoint, roles Role, log *zap.Logger) (*Peer, error) {
	if ep == nil {
		return nil, errs.New(errs.Argument, "endpoint is nil")
	}
	if roles == 0 {
		roles = AllRoles
	}
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := ep.Dial()
	if err != nil {
		return nil, err
	}
	return &Peer{
		ep:        ep,
		roles:     roles,
		log:       log.With(zap.String("peer", ep.URL())),
		conn:      conn,
		endorser:  peer.NewEndorserClient(conn),
		deliver:   peer.NewDeliverClient(conn),
		discovery: discovery.NewDiscoveryClient(conn),
	}, nil
}

func (p *Peer) URL() string                  { return p.ep.URL() }
func (p *Peer) Roles() Role                  { return p.roles }
func (p *Peer) HasRole(r Role) bool          { return p.roles.Has(r) }
func (p *Peer) Endpoint() *endpoint.Endpoint { return p.ep }

// ProcessProposal submits a signed proposal for endorsement. Transport
// failures and response statuses outside [200,400) are proposal errors
// tagged with this peer.
func (p *Peer) ProcessProposal(ctx context.Context, prop *peer.SignedProposal) (*peer.ProposalResponse, error) {
	resp, err := p.endorser.ProcessProposal(ctx, prop)
	if err != nil {
		return nil, errs.Wrap(errs.Proposal, err, "process proposal").WithEndpoint(p.ep.URL()).WithRetry()
	}
	if resp.Response == nil {
		return nil, errs.New(errs.Proposal, "endorser returned an empty response").WithEndpoint(p.ep.URL())
	}
	if !StatusOK(resp.Response.Status) {
		return nil, errs.Errorf(errs.Proposal, "endorsement failed with status %d: %s",
			resp.Response.Status, resp.Response.Message).WithEndpoint(p.ep.URL())
	}
	return resp, nil
}

// Discover runs one service-discovery request against this peer.
func (p *Peer) Discover(ctx context.Context, req *discovery.SignedRequest) (*discovery.Response, error) {
	if !p.roles.Has(ServiceDiscovery) {
		return nil, errs.New(errs.Argument, "peer is not a service discovery target").WithEndpoint(p.ep.URL())
	}
	resp, err := p.discovery.Discover(ctx, req)
	if err != nil {
		return nil, errs.Wrap(errs.Proposal, err, "service discovery").WithEndpoint(p.ep.URL()).WithRetry()
	}
	return resp, nil
}

// DeliverStream opens the plain Deliver service. The caller sends the
// signed seek envelope and consumes the stream; closing ctx tears the
// stream down.
func (p *Peer) DeliverStream(ctx context.Context) (peer.Deliver_DeliverClient, error) {
	stream, err := p.deliver.Deliver(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.EventHub, err, "open deliver stream").WithEndpoint(p.ep.URL()).WithRetry()
	}
	return stream, nil
}

func (p *Peer) Close() error {
	if err := p.conn.Close(); err != nil {
		return errs.Wrap(errs.Argument, err, "close peer connection").WithEndpoint(p.ep.URL())
	}
	return nil
}

// StatusOK reports whether an endorser response status counts as
// success: [200, 400).
func StatusOK(status int32) bool { return status >= 200 && status < 400 }
