// Package eventhub consumes a peer's deliver stream and turns blocks
// into commit notifications. The hub owns one receiver goroutine, keeps
// a monotonic block cursor, and reconnects with backoff when the stream
// drops, resuming right after the last block it processed.
package eventhub

import (
	"context"
	"sync"
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/fabclient/fabclient/errs"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Shutdown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Shutdown:
		return "shutdown"
	}
	return "unknown"
}

// DeliverStream is the part of the peer deliver client the hub uses.
type DeliverStream interface {
	Send(*common.Envelope) error
	Recv() (*peer.DeliverResponse, error)
}

// StreamFn opens a fresh deliver stream. Cancelling ctx tears it down.
type StreamFn func(ctx context.Context) (DeliverStream, error)

// SeekFn builds the signed seek envelope for a (re)connect. seen=false
// means no block was processed yet and the hub wants NEWEST.
type SeekFn func(start uint64, seen bool) (*common.Envelope, error)

// TxEvent is delivered once to the listener registered for its TxID.
// Err is set only when the hub shuts down before the commit arrives.
type TxEvent struct {
	TxID     string
	BlockNum uint64
	Code     peer.TxValidationCode
	Err      error
}

type Options struct {
	Stream StreamFn
	Seek   SeekFn
	Log    *zap.Logger

	// RegistrationWait bounds how long a (re)connect may wait for the
	// first deliver message before the attempt counts as failed.
	RegistrationWait time.Duration
	// RetryWait is the pause between reconnect attempts.
	RetryWait time.Duration
	// WarningRate: log a warning every this many consecutive failures.
	WarningRate int

	// OnBlock is called after each block is dispatched, in stream order.
	OnBlock func(*common.Block)
	// OnGap is called when the stream resumes past missing blocks:
	// blocks [from, to) were never seen.
	OnGap func(from, to uint64)
	// Checkpoint persists the cursor after each processed block.
	Checkpoint func(block uint64) error
}

type Hub struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	state     State
	listeners map[string]chan TxEvent
	lastBlock uint64
	seen      bool
	fatalErr  error
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(opts Options) (*Hub, error) {
	if opts.Stream == nil || opts.Seek == nil {
		return nil, errs.New(errs.Argument, "event hub requires stream and seek functions")
	}
	if opts.RegistrationWait <= 0 {
		opts.RegistrationWait = 5 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 200 * time.Millisecond
	}
	if opts.WarningRate <= 0 {
		opts.WarningRate = 50
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Hub{
		opts:      opts,
		log:       opts.Log,
		listeners: make(map[string]chan TxEvent),
	}, nil
}

func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error that permanently stopped the hub, if any.
func (h *Hub) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatalErr
}

// LastBlock returns the highest processed block and whether any block
// was processed at all.
func (h *Hub) LastBlock() (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastBlock, h.seen
}

// SetCursor primes the replay position, typically from a persisted
// checkpoint. Only valid before Connect.
func (h *Hub) SetCursor(block uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Disconnected {
		return errs.Errorf(errs.EventHub, "cursor can only be set while disconnected, hub is %s", h.state)
	}
	h.lastBlock = block
	h.seen = true
	return nil
}

// Connect starts the stream loop. It returns once the loop is running;
// connection state is observable via State.
func (h *Hub) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case Shutdown:
		return errs.New(errs.ShuttingDown, "event hub is shut down")
	case Connecting, Connected:
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.state = Connecting
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(runCtx)
	return nil
}

// RegisterTx registers interest in one transaction commit. The returned
// channel receives exactly one event: the commit, or a shutdown error.
func (h *Hub) RegisterTx(txID string) (<-chan TxEvent, error) {
	if txID == "" {
		return nil, errs.New(errs.Argument, "txID is blank")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Shutdown {
		return nil, errs.New(errs.ShuttingDown, "event hub is shut down").WithTxID(txID)
	}
	if _, dup := h.listeners[txID]; dup {
		return nil, errs.Errorf(errs.Argument, "listener for tx %s already registered", txID)
	}
	ch := make(chan TxEvent, 1)
	h.listeners[txID] = ch
	return ch, nil
}

// UnregisterTx drops a listener that no longer cares, e.g. after a
// commit wait timed out.
func (h *Hub) UnregisterTx(txID string) {
	h.mu.Lock()
	delete(h.listeners, txID)
	h.mu.Unlock()
}

// Close stops the stream loop and drains every pending listener with a
// shutdown error. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.state == Shutdown {
		h.mu.Unlock()
		return
	}
	h.state = Shutdown
	cancel, done := h.cancel, h.done
	drained := h.listeners
	h.listeners = make(map[string]chan TxEvent)
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for txID, ch := range drained {
		ch <- TxEvent{TxID: txID, Err: errs.New(errs.ShuttingDown, "event hub closed").WithTxID(txID)}
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	failures := 0
	for {
		if ctx.Err() != nil {
			h.stop(nil)
			return
		}
		err := h.serve(ctx)
		if err == nil || ctx.Err() != nil {
			h.stop(nil)
			return
		}
		if errs.IsKind(err, errs.EventHub) && !errs.Retryable(err) {
			// Malformed data from the peer. Reconnecting would replay
			// the same block, so stop and surface the error.
			h.log.Error("event hub stopped", zap.Error(err))
			h.stop(err)
			return
		}

		failures++
		if failures%h.opts.WarningRate == 0 {
			h.log.Warn("event stream keeps failing",
				zap.Int("consecutive_failures", failures), zap.Error(err))
		} else {
			h.log.Debug("event stream dropped, reconnecting", zap.Error(err))
		}
		h.setState(Connecting)

		select {
		case <-ctx.Done():
			h.stop(nil)
			return
		case <-time.After(h.opts.RetryWait):
		}
	}
}

// stop records why the loop ended and drains every pending listener so
// no commit wait is ever stranded. A Close-initiated stop finds the
// listener map already swapped out and drains nothing.
func (h *Hub) stop(fatal error) {
	h.mu.Lock()
	if fatal != nil {
		h.fatalErr = fatal
	}
	if h.state != Shutdown {
		h.state = Disconnected
	}
	drained := h.listeners
	h.listeners = make(map[string]chan TxEvent)
	h.mu.Unlock()

	for txID, ch := range drained {
		if fatal != nil {
			ch <- TxEvent{TxID: txID, Err: errs.Wrap(errs.EventHub, fatal, "event hub stopped").WithTxID(txID)}
		} else {
			ch <- TxEvent{TxID: txID, Err: errs.New(errs.ShuttingDown, "event hub stopped").WithTxID(txID)}
		}
	}
}

// serve runs one stream session: open, register, receive until the
// stream breaks. A nil return means ctx was cancelled.
func (h *Hub) serve(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := h.opts.Stream(streamCtx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	start, seen := h.lastBlock, h.seen
	h.mu.Unlock()
	if seen {
		start++
	}
	env, err := h.opts.Seek(start, seen)
	if err != nil {
		return err
	}
	if err := stream.Send(env); err != nil {
		return errs.Wrap(errs.EventHub, err, "send seek envelope").WithRetry()
	}

	type result struct {
		msg *peer.DeliverResponse
		err error
	}
	msgs := make(chan result)
	go func() {
		for {
			msg, err := stream.Recv()
			select {
			case msgs <- result{msg, err}:
			case <-streamCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// Registration: the first message within the wait window is the ack.
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(h.opts.RegistrationWait):
		return errs.New(errs.EventHub, "registration was not acknowledged in time").WithRetry()
	case first := <-msgs:
		if first.err != nil {
			return errs.Wrap(errs.EventHub, first.err, "deliver stream").WithRetry()
		}
		h.setState(Connected)
		if err := h.handle(first.msg); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-msgs:
			if r.err != nil {
				return errs.Wrap(errs.EventHub, r.err, "deliver stream").WithRetry()
			}
			if err := h.handle(r.msg); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) handle(msg *peer.DeliverResponse) error {
	switch t := msg.Type.(type) {
	case *peer.DeliverResponse_Block:
		return h.processBlock(t.Block)
	case *peer.DeliverResponse_Status:
		// Any status ends the stream; BLOCK_UNTIL_READY streams are not
		// supposed to finish, so reconnect either way.
		return errs.Errorf(errs.EventHub, "deliver stream ended with status %s", t.Status).WithRetry()
	}
	return errs.Errorf(errs.EventHub, "unexpected deliver response %T", msg.Type)
}

func (h *Hub) processBlock(block *common.Block) error {
	if block == nil || block.Header == nil || block.Data == nil {
		return errs.New(errs.EventHub, "malformed block: missing header or data")
	}
	num := block.Header.Number

	h.mu.Lock()
	lastBlock, seen := h.lastBlock, h.seen
	h.mu.Unlock()
	if seen && num <= lastBlock {
		h.log.Debug("skipping replayed block", zap.Uint64("block", num))
		return nil
	}
	if seen && num > lastBlock+1 && h.opts.OnGap != nil {
		h.opts.OnGap(lastBlock+1, num)
	}

	commits, err := extractCommits(block)
	if err != nil {
		return err
	}
	for _, c := range commits {
		h.dispatch(TxEvent{TxID: c.txID, BlockNum: num, Code: c.code})
	}

	h.mu.Lock()
	h.lastBlock = num
	h.seen = true
	h.mu.Unlock()

	if h.opts.Checkpoint != nil {
		if err := h.opts.Checkpoint(num); err != nil {
			h.log.Warn("checkpoint failed", zap.Uint64("block", num), zap.Error(err))
		}
	}
	if h.opts.OnBlock != nil {
		h.opts.OnBlock(block)
	}
	return nil
}

func (h *Hub) dispatch(ev TxEvent) {
	h.mu.Lock()
	ch, ok := h.listeners[ev.TxID]
	if ok {
		delete(h.listeners, ev.TxID)
	}
	h.mu.Unlock()
	if ok {
		ch <- ev
	}
}

type commit struct {
	txID string
	code peer.TxValidationCode
}

// extractCommits pairs each endorser transaction in the block with its
// validation code from the TRANSACTIONS_FILTER metadata.
func extractCommits(block *common.Block) ([]commit, error) {
	var filter []byte
	if block.Metadata != nil && len(block.Metadata.Metadata) > int(common.BlockMetadataIndex_TRANSACTIONS_FILTER) {
		filter = block.Metadata.Metadata[common.BlockMetadataIndex_TRANSACTIONS_FILTER]
	}

	commits := make([]commit, 0, len(block.Data.Data))
	for i, envBytes := range block.Data.Data {
		env := &common.Envelope{}
		if err := proto.Unmarshal(envBytes, env); err != nil {
			return nil, errs.Wrapf(errs.EventHub, err, "malformed envelope in block %d", block.Header.Number)
		}
		payload := &common.Payload{}
		if err := proto.Unmarshal(env.Payload, payload); err != nil {
			return nil, errs.Wrapf(errs.EventHub, err, "malformed payload in block %d", block.Header.Number)
		}
		if payload.Header == nil {
			return nil, errs.Errorf(errs.EventHub, "envelope without header in block %d", block.Header.Number)
		}
		cHdr := &common.ChannelHeader{}
		if err := proto.Unmarshal(payload.Header.ChannelHeader, cHdr); err != nil {
			return nil, errs.Wrapf(errs.EventHub, err, "malformed channel header in block %d", block.Header.Number)
		}
		if common.HeaderType(cHdr.Type) != common.HeaderType_ENDORSER_TRANSACTION {
			continue
		}
		code := peer.TxValidationCode_VALID
		if i < len(filter) {
			code = peer.TxValidationCode(filter[i])
		}
		commits = append(commits, commit{txID: cHdr.TxId, code: code})
	}
	return commits, nil
}

func (h *Hub) setState(s State) {
	h.mu.Lock()
	if h.state != Shutdown {
		h.state = s
	}
	h.mu.Unlock()
}
