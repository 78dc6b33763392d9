package comm

import (
	"context"
	"io"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/orderer"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fabclient/fabclient/endpoint"
	"github.com/fabclient/fabclient/errs"
)

// Orderer is a connected atomic-broadcast endpoint.
type Orderer struct {
	ep   *endpoint.Endpoint
	log  *zap.Logger
	conn *grpc.ClientConn
	abc  orderer.AtomicBroadcastClient
}

func NewOrderer(ep *endpoint.Endpoint, log *zap.Logger) (*Orderer, error) {
	if ep == nil {
		return nil, errs.New(errs.Argument, "endpoint is nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := ep.Dial()
	if err != nil {
		return nil, err
	}
	return &Orderer{
		ep:   ep,
		log:  log.With(zap.String("orderer", ep.URL())),
		conn: conn,
		abc:  orderer.NewAtomicBroadcastClient(conn),
	}, nil
}

func (o *Orderer) URL() string                  { return o.ep.URL() }
func (o *Orderer) Endpoint() *endpoint.Endpoint { return o.ep }

// Broadcast submits one signed envelope for ordering and waits for the
// single broadcast status. A fresh stream per call keeps envelope and
// status paired under concurrent submits.
func (o *Orderer) Broadcast(ctx context.Context, env *common.Envelope) error {
	stream, err := o.abc.Broadcast(ctx)
	if err != nil {
		return errs.Wrap(errs.Transaction, err, "open broadcast stream").WithEndpoint(o.ep.URL()).WithRetry()
	}
	if err := stream.Send(env); err != nil {
		return errs.Wrap(errs.Transaction, err, "send envelope").WithEndpoint(o.ep.URL()).WithRetry()
	}
	if err := stream.CloseSend(); err != nil {
		return errs.Wrap(errs.Transaction, err, "close broadcast send").WithEndpoint(o.ep.URL()).WithRetry()
	}
	resp, err := stream.Recv()
	if err != nil {
		return errs.Wrap(errs.Transaction, err, "receive broadcast status").WithEndpoint(o.ep.URL()).WithRetry()
	}
	if resp.Status != common.Status_SUCCESS {
		e := errs.Errorf(errs.Transaction, "orderer rejected envelope: %s", resp.Status).WithEndpoint(o.ep.URL())
		if retryableStatus(resp.Status) {
			e = e.WithRetry()
		}
		return e
	}
	return nil
}

// retryableStatus: overload responses are worth retrying, validation
// rejections are not.
func retryableStatus(s common.Status) bool {
	return s == common.Status_SERVICE_UNAVAILABLE || s == common.Status_INTERNAL_SERVER_ERROR
}

// Deliver sends a signed single-block seek envelope and returns the
// delivered block. Used for genesis and config block fetches; the
// stream is expected to yield exactly one block then SUCCESS.
func (o *Orderer) Deliver(ctx context.Context, seekEnv *common.Envelope) (*common.Block, error) {
	stream, err := o.abc.Deliver(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "open deliver stream").WithEndpoint(o.ep.URL()).WithRetry()
	}
	if err := stream.Send(seekEnv); err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "send seek envelope").WithEndpoint(o.ep.URL()).WithRetry()
	}
	if err := stream.CloseSend(); err != nil {
		return nil, errs.Wrap(errs.Transaction, err, "close deliver send").WithEndpoint(o.ep.URL()).WithRetry()
	}

	var block *common.Block
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.Transaction, err, "receive block").WithEndpoint(o.ep.URL()).WithRetry()
		}
		switch t := msg.Type.(type) {
		case *orderer.DeliverResponse_Block:
			block = t.Block
		case *orderer.DeliverResponse_Status:
			if t.Status != common.Status_SUCCESS {
				return nil, errs.Errorf(errs.Transaction, "deliver ended with status %s", t.Status).WithEndpoint(o.ep.URL())
			}
			if block == nil {
				return nil, errs.New(errs.Transaction, "deliver stream closed without a block").WithEndpoint(o.ep.URL())
			}
			return block, nil
		}
	}
	if block == nil {
		return nil, errs.New(errs.Transaction, "deliver stream closed without a block").WithEndpoint(o.ep.URL())
	}
	return block, nil
}

func (o *Orderer) Close() error {
	if err := o.conn.Close(); err != nil {
		return errs.Wrap(errs.Argument, err, "close orderer connection").WithEndpoint(o.ep.URL())
	}
	return nil
}
