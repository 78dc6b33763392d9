package channel

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/fabclient/fabclient/comm"
	"github.com/fabclient/fabclient/errs"
	"github.com/fabclient/fabclient/proposal"
)

const qsccName = "qscc"

// SendProposal builds the proposal for def and fans it out to every
// member peer with the role the proposal kind requires. It returns the
// built proposal and the successful responses; when consistency
// validation is on and the endorsers disagree, it fails with a
// consistency error.
func (c *Channel) SendProposal(ctx context.Context, def proposal.Definition) (*proposal.Built, []*peer.ProposalResponse, error) {
	def.Channel = c.name
	targets, err := c.endorsementTargets(def.Kind)
	if err != nil {
		return nil, nil, err
	}

	built, err := c.builder.Build(def)
	if err != nil {
		return nil, nil, err
	}

	responses := make([]*peer.ProposalResponse, len(targets))
	errors := make([]error, len(targets))
	g, gCtx := errgroup.WithContext(ctx)
	for i, p := range targets {
		i, p := i, p
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gCtx, c.settings.ProposalWaitTime)
			defer cancel()
			resp, err := p.ProcessProposal(callCtx, built.Signed)
			responses[i], errors[i] = resp, err
			// Individual peer failures don't cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	var good []*peer.ProposalResponse
	var firstErr error
	for i := range targets {
		if errors[i] != nil {
			c.log.Debug("endorsement failed",
				zap.String("peer", targets[i].URL()), zap.String("txID", built.TxID), zap.Error(errors[i]))
			if firstErr == nil {
				firstErr = errors[i]
			}
			continue
		}
		good = append(good, responses[i])
	}
	if len(good) == 0 {
		if firstErr == nil {
			firstErr = errs.New(errs.Proposal, "no endorsement targets responded").WithTxID(built.TxID)
		}
		return built, nil, firstErr
	}

	if c.settings.ConsistencyValidation {
		if err := c.validateConsistency(built, good, targets, errors); err != nil {
			return built, nil, err
		}
	}
	return built, good, nil
}

func (c *Channel) endorsementTargets(kind proposal.Kind) ([]Endorser, error) {
	role := comm.Endorsing
	if kind == proposal.Query {
		role = comm.ChaincodeQuery
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case ShutDown:
		return nil, errs.New(errs.ShuttingDown, "channel is shut down")
	case Created:
		return nil, errs.New(errs.Argument, "channel is not initialized")
	}
	var targets []Endorser
	for _, p := range c.peers {
		if p.HasRole(role) {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return nil, errs.Errorf(errs.Argument, "no channel peer carries the required role for %s", kind)
	}
	return targets, nil
}

// EndorsementGroup is one set of endorsers that produced the same
// simulation result.
type EndorsementGroup struct {
	Digest  string
	Peers   []string
	Payload []byte
}

// DivergenceError carries the per-endorser response groups behind a
// consistency failure; retrieve it from the error chain with errors.As.
type DivergenceError struct {
	TxID   string
	Groups []EndorsementGroup
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("endorsers returned %d distinct results for tx %s", len(e.Groups), e.TxID)
}

// validateConsistency groups the successful responses by the digest of
// their response payload. More than one group means the endorsers
// simulated different results and the transaction must not be
// submitted.
func (c *Channel) validateConsistency(built *proposal.Built, good []*peer.ProposalResponse, targets []Endorser, callErrs []error) error {
	groups := make(map[string]*EndorsementGroup)
	var order []string
	gi := 0
	for i, p := range targets {
		if callErrs[i] != nil {
			continue
		}
		resp := good[gi]
		gi++
		msg := make([]byte, 0, len(resp.Payload)+len(resp.Response.Payload))
		msg = append(msg, resp.Payload...)
		msg = append(msg, resp.Response.Payload...)
		digest := hex.EncodeToString(c.suite.Hash(msg))
		g, ok := groups[digest]
		if !ok {
			g = &EndorsementGroup{Digest: digest, Payload: resp.Response.Payload}
			groups[digest] = g
			order = append(order, digest)
		}
		g.Peers = append(g.Peers, p.URL())
	}
	if len(groups) <= 1 {
		return nil
	}

	div := &DivergenceError{TxID: built.TxID}
	for _, digest := range order {
		g := groups[digest]
		div.Groups = append(div.Groups, *g)
		c.log.Warn("divergent endorsement group",
			zap.String("txID", built.TxID),
			zap.String("digest", g.Digest),
			zap.Strings("peers", g.Peers))
	}
	return errs.Wrap(errs.Consistency, div, "endorsement results diverged").WithTxID(built.TxID)
}

type submitOptions struct {
	attempts int
}

// SubmitOption tunes one Submit call.
type SubmitOption func(*submitOptions)

// WithBroadcastAttempts bounds how many broadcast attempts this request
// may spend across the channel's orderers before giving up. The default
// is two rounds over every orderer.
func WithBroadcastAttempts(n int) SubmitOption {
	return func(o *submitOptions) { o.attempts = n }
}

// Submit wraps the endorsed responses into a transaction envelope,
// registers the commit listener, broadcasts, and waits for the commit
// event. The listener is registered strictly before the broadcast so
// a fast commit can never be missed.
func (c *Channel) Submit(ctx context.Context, built *proposal.Built, responses []*peer.ProposalResponse, opts ...SubmitOption) error {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	c.mu.RLock()
	state := c.state
	hubs := append([]hubMember{}, c.hubs...)
	c.mu.RUnlock()
	switch state {
	case ShutDown:
		return errs.New(errs.ShuttingDown, "channel is shut down")
	case Created:
		return errs.New(errs.Argument, "channel is not initialized")
	}
	if len(hubs) == 0 {
		return errs.New(errs.Argument, "commit tracking requires an event hub")
	}

	env, err := proposal.NewTransactionEnvelope(built, responses, c.signer)
	if err != nil {
		return err
	}

	events, err := hubs[0].hub.RegisterTx(built.TxID)
	if err != nil {
		return err
	}

	if err := c.broadcast(ctx, env, so.attempts); err != nil {
		hubs[0].hub.UnregisterTx(built.TxID)
		return err
	}

	select {
	case <-ctx.Done():
		hubs[0].hub.UnregisterTx(built.TxID)
		return errs.Wrap(errs.Transaction, ctx.Err(), "submit cancelled").WithTxID(built.TxID)
	case <-time.After(c.settings.TransactionCleanupTimeout):
		hubs[0].hub.UnregisterTx(built.TxID)
		return errs.Errorf(errs.TransactionTimeout, "no commit event within %s", c.settings.TransactionCleanupTimeout).WithTxID(built.TxID)
	case ev := <-events:
		if ev.Err != nil {
			return ev.Err
		}
		if ev.Code != peer.TxValidationCode_VALID {
			return errs.Errorf(errs.Transaction, "transaction invalidated: %s", ev.Code).WithTxID(built.TxID)
		}
		c.log.Info("transaction committed",
			zap.String("txID", built.TxID), zap.Uint64("block", ev.BlockNum))
		return nil
	}
}

// broadcast walks the orderers round-robin until the attempt budget is
// spent, pausing between retryable failures. A non-retryable rejection
// aborts immediately. budget <= 0 means two rounds over every orderer.
func (c *Channel) broadcast(ctx context.Context, env *common.Envelope, budget int) error {
	c.mu.RLock()
	orderers := append([]Broadcaster{}, c.orderers...)
	c.mu.RUnlock()
	if len(orderers) == 0 {
		return errs.New(errs.Argument, "broadcast requires an orderer")
	}
	if budget <= 0 {
		budget = 2 * len(orderers)
	}

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		o := orderers[attempt%len(orderers)]
		callCtx, cancel := context.WithTimeout(ctx, c.settings.OrdererWaitTime)
		err := o.Broadcast(callCtx, env)
		cancel()
		if err == nil {
			return nil
		}
		if !errs.Retryable(err) {
			return err
		}
		lastErr = err
		if attempt+1 == budget {
			break
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Transaction, ctx.Err(), "broadcast cancelled")
		case <-time.After(c.settings.OrdererRetryWaitTime):
		}
	}
	return lastErr
}

// Invoke is the full write path: endorse, submit, wait for commit.
func (c *Channel) Invoke(ctx context.Context, def proposal.Definition, opts ...SubmitOption) (string, error) {
	if def.Kind == 0 {
		def.Kind = proposal.Invoke
	}
	built, responses, err := c.SendProposal(ctx, def)
	if err != nil {
		return "", err
	}
	return built.TxID, c.Submit(ctx, built, responses, opts...)
}

// Query endorses on the query peers and returns the first successful
// response payload without submitting anything for ordering.
func (c *Channel) Query(ctx context.Context, def proposal.Definition) ([]byte, error) {
	def.Kind = proposal.Query
	_, responses, err := c.SendProposal(ctx, def)
	if err != nil {
		return nil, err
	}
	return responses[0].Response.Payload, nil
}

// ledgerQuery runs one qscc call on the LEDGER_QUERY peers, first
// success wins.
func (c *Channel) ledgerQuery(ctx context.Context, args [][]byte) ([]byte, error) {
	c.mu.RLock()
	state := c.state
	var targets []Endorser
	for _, p := range c.peers {
		if p.HasRole(comm.LedgerQuery) {
			targets = append(targets, p)
		}
	}
	c.mu.RUnlock()
	switch state {
	case ShutDown:
		return nil, errs.New(errs.ShuttingDown, "channel is shut down")
	case Created:
		return nil, errs.New(errs.Argument, "channel is not initialized")
	}
	if len(targets) == 0 {
		return nil, errs.New(errs.Argument, "no channel peer carries the ledger query role")
	}

	built, err := c.builder.Build(proposal.Definition{
		Kind:    proposal.Query,
		Channel: c.name,
		Name:    qsccName,
		Args:    args,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, p := range targets {
		callCtx, cancel := context.WithTimeout(ctx, c.settings.ProposalWaitTime)
		resp, err := p.ProcessProposal(callCtx, built.Signed)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return resp.Response.Payload, nil
	}
	return nil, lastErr
}

// QueryInfo returns the chain height and current hashes.
func (c *Channel) QueryInfo(ctx context.Context) (*common.BlockchainInfo, error) {
	payload, err := c.ledgerQuery(ctx, [][]byte{[]byte("GetChainInfo"), []byte(c.name)})
	if err != nil {
		return nil, err
	}
	info := &common.BlockchainInfo{}
	if err := proto.Unmarshal(payload, info); err != nil {
		return nil, errs.Wrap(errs.Proposal, err, "unmarshal blockchain info")
	}
	return info, nil
}

// QueryBlock fetches one block by number.
func (c *Channel) QueryBlock(ctx context.Context, number uint64) (*common.Block, error) {
	payload, err := c.ledgerQuery(ctx, [][]byte{
		[]byte("GetBlockByNumber"), []byte(c.name), []byte(strconv.FormatUint(number, 10)),
	})
	if err != nil {
		return nil, err
	}
	block := &common.Block{}
	if err := proto.Unmarshal(payload, block); err != nil {
		return nil, errs.Wrap(errs.Proposal, err, "unmarshal block")
	}
	return block, nil
}

// QueryTransaction fetches a committed transaction with its validation
// code.
func (c *Channel) QueryTransaction(ctx context.Context, txID string) (*peer.ProcessedTransaction, error) {
	if txID == "" {
		return nil, errs.New(errs.Argument, "txID is blank")
	}
	payload, err := c.ledgerQuery(ctx, [][]byte{
		[]byte("GetTransactionByID"), []byte(c.name), []byte(txID),
	})
	if err != nil {
		return nil, err
	}
	tx := &peer.ProcessedTransaction{}
	if err := proto.Unmarshal(payload, tx); err != nil {
		return nil, errs.Wrap(errs.Proposal, err, "unmarshal processed transaction")
	}
	return tx, nil
}
