package swillrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/swillrpc/swill/internal/logger"
	"github.com/swillrpc/swill/pkg/swillproto"
	"github.com/swillrpc/swill/pkg/transport"
)

// ReconnectPolicy configures the client reconnect scheduler:
// `delay = base * backoffFactor * attempts + |jitter|`, jitter sampled
// from [MinJitter, MaxJitter], retries capped by MaxRetries.
type ReconnectPolicy struct {
	Base          time.Duration
	BackoffFactor float64
	MinJitter     time.Duration
	MaxJitter     time.Duration
	MaxRetries    int

	// Jitter overrides jitter sampling; tests use this to make reconnect
	// delays deterministic when checking that they stay monotone
	// non-decreasing in attempt count.
	Jitter func(min, max time.Duration) time.Duration
}

// DefaultReconnectPolicy is a reasonable starting point for production use.
var DefaultReconnectPolicy = ReconnectPolicy{
	Base:          time.Second,
	BackoffFactor: 1,
	MaxRetries:    5,
}

func (p ReconnectPolicy) delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor == 0 {
		factor = 1
	}
	base := float64(p.Base) * factor * float64(attempt)

	jitterFn := p.Jitter
	if jitterFn == nil {
		jitterFn = defaultJitter
	}
	j := jitterFn(p.MinJitter, p.MaxJitter)
	if j < 0 {
		j = -j
	}
	return time.Duration(base) + j
}

func defaultJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min+1))) //nolint:gosec
}

type dialConfig struct {
	headers http.Header
	codec   swillproto.Codec
	policy  ReconnectPolicy
}

// DialOption configures [Connect].
type DialOption func(*dialConfig)

// WithHeaders attaches HTTP headers to the WebSocket handshake.
func WithHeaders(h http.Header) DialOption {
	return func(c *dialConfig) { c.headers = h }
}

// WithClientCodec sets the wire codec. Required: [Connect] has no
// built-in default, matching [NewServer]'s explicit codec parameter
// instead of silently depending on a concrete implementation package.
func WithClientCodec(codec swillproto.Codec) DialOption {
	return func(c *dialConfig) { c.codec = codec }
}

// WithReconnectPolicy overrides [DefaultReconnectPolicy].
func WithReconnectPolicy(p ReconnectPolicy) DialOption {
	return func(c *dialConfig) { c.policy = p }
}

type callConfig struct {
	metadata          swillproto.Metadata
	sendMetadataFirst bool
}

// CallOption configures one [Client.Call]/[Client.Rpc] invocation.
type CallOption func(*callConfig)

// WithMetadata attaches leading metadata to the call's first frame.
func WithMetadata(md swillproto.Metadata) CallOption {
	return func(c *callConfig) { c.metadata = md }
}

// WithSendMetadataFirst emits a standalone METADATA frame instead of
// folding metadata onto the first MESSAGE, for calls with no initial args.
func WithSendMetadataFirst() CallOption {
	return func(c *callConfig) { c.sendMetadataFirst = true }
}

// Client is the client side of the protocol: dial, call/rpc, and the
// reconnect scheduler.
type Client struct {
	url     string
	headers http.Header
	codec   swillproto.Codec
	policy  ReconnectPolicy
	logger  *slog.Logger

	mu      sync.Mutex
	tconn   transport.Conn
	seq     uint64
	pending map[uint64]*RpcRequest
	connGen uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Connect dials url and starts the client's inbound read loop.
func Connect(ctx context.Context, url string, opts ...DialOption) (*Client, error) {
	cfg := &dialConfig{policy: DefaultReconnectPolicy}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.codec == nil {
		return nil, errors.New("swillrpc: Connect requires WithClientCodec")
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		url:     url,
		headers: cfg.headers,
		codec:   cfg.codec,
		policy:  cfg.policy,
		logger:  logger.FromContext(ctx),
		pending: map[uint64]*RpcRequest{},
		ctx:     cctx,
		cancel:  cancel,
	}

	if err := c.dial(ctx); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

func (c *Client) dial(ctx context.Context) error {
	tconn, err := transport.Dial(ctx, c.url, c.headers)
	if err != nil {
		return fmt.Errorf("swillrpc: failed to connect: %w", err)
	}

	c.mu.Lock()
	c.tconn = tconn
	// Spec.md §4.9: "On successful connect the attempt counter resets and
	// all per-connection state (sequence counter, request table) is
	// reinitialized." Any still-pending calls from the previous connection
	// are abandoned; they already observed CodeUnavailable in
	// handleDisconnect before this runs.
	c.seq = 0
	c.pending = map[uint64]*RpcRequest{}
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	go c.readLoop(tconn, gen)
	return nil
}

// Close shuts down the client: no further reconnect attempts are made.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	tconn := c.tconn
	c.mu.Unlock()
	if tconn == nil {
		return nil
	}
	return tconn.Close(transport.StatusNormalClosure, "client closing")
}

func (c *Client) sendFrame(f swillproto.RequestFrame) error {
	c.mu.Lock()
	tconn := c.tconn
	codec := c.codec
	c.mu.Unlock()
	if tconn == nil {
		return errors.New("swillrpc: client has no active connection")
	}

	b, err := codec.EncodeRequest(f)
	if err != nil {
		return fmt.Errorf("swillrpc: failed to encode request: %w", err)
	}
	return tconn.WriteMessage(c.ctx, b)
}

// Rpc starts a call and returns the handle for streaming send/receive,
// without waiting for any response.
func (c *Client) Rpc(ctx context.Context, method string, args any, opts ...CallOption) *RpcRequest {
	cfg := &callConfig{}
	for _, o := range opts {
		o(cfg)
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	req := newRpcRequest(c, seq, method)
	c.pending[seq] = req
	c.mu.Unlock()

	f := swillproto.RequestFrame{
		Sequence: seq,
		Data:     args,
		Method:   method,
		Type:     swillproto.ReqMessage,
		Metadata: cfg.metadata,
	}
	if cfg.sendMetadataFirst && args == nil {
		f.Type = swillproto.ReqMetadata
	}

	if err := c.sendFrame(f); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		req.in.cancel(err)
	}
	return req
}

// Call performs a simple request/response invocation: it returns the
// first MESSAGE's data, raises on ERROR, and returns nil on END_OF_STREAM
// without a prior MESSAGE.
func (c *Client) Call(ctx context.Context, method string, args any, opts ...CallOption) (any, error) {
	req := c.Rpc(ctx, method, args, opts...)
	for {
		evt, ok, err := req.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		switch evt.Type {
		case swillproto.RespMetadata:
			continue
		case swillproto.RespMessage:
			return evt.Data, nil
		case swillproto.RespEndOfStream:
			return nil, nil
		case swillproto.RespError:
			return nil, evt.Err
		default:
			continue
		}
	}
}

func (c *Client) readLoop(tconn transport.Conn, gen uint64) {
	for {
		b, err := tconn.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.handleDisconnect(gen, transport.CloseStatusFromError(err))
			return
		}

		f, err := c.codec.DecodeResponse(b)
		if err != nil {
			c.handleDecodeError(err)
			continue
		}
		c.routeInbound(f)
	}
}

func (c *Client) handleDecodeError(err error) {
	var de *swillproto.DecodeError
	if errors.As(err, &de) && de.HasSequence {
		c.mu.Lock()
		req, ok := c.pending[de.Sequence]
		c.mu.Unlock()
		if ok {
			req.in.push(&RpcEvent{Type: swillproto.RespError, Err: swillproto.Wrap(swillproto.CodeInternalError, "malformed response frame", de.Err)})
		}
		return
	}
	c.logger.Warn("dropping undecodable response frame with no attributable sequence", slog.Any("error", err))
}

func (c *Client) routeInbound(f swillproto.ResponseFrame) {
	c.mu.Lock()
	req, ok := c.pending[f.Sequence]
	c.mu.Unlock()
	if !ok {
		return
	}

	if f.LeadingMetadata != nil {
		req.setLeading(f.LeadingMetadata)
	}
	if f.TrailingMetadata != nil {
		req.setTrailing(f.TrailingMetadata)
	}

	evt := &RpcEvent{Type: f.Type, Data: f.Data}
	if f.Type == swillproto.RespError {
		evt.Err = decodeErrorPayload(f.Data)
	}
	req.in.push(evt)

	if f.Type == swillproto.RespEndOfStream || f.Type == swillproto.RespError {
		req.markEnded()
		req.in.end()
		c.mu.Lock()
		delete(c.pending, f.Sequence)
		c.mu.Unlock()
	}
}

// handleDisconnect cancels every pending call on the lost connection and,
// if the close code is reconnectable, starts the backoff scheduler. gen
// guards against a stale reader from an already-superseded connection
// racing with a fresh [Client.dial].
func (c *Client) handleDisconnect(gen uint64, code transport.StatusCode) {
	c.mu.Lock()
	if gen != c.connGen {
		c.mu.Unlock()
		return
	}
	for seq, req := range c.pending {
		req.in.cancel(swillproto.NewError(swillproto.CodeUnavailable, "connection lost", nil))
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if !code.Reconnectable() {
		c.logger.Info("connection closed cleanly, not reconnecting", slog.Int("close_code", int(code)))
		return
	}
	go c.scheduleReconnect()
}

// scheduleReconnect runs the capped backoff loop; each attempt's delay comes
// from [ReconnectPolicy.delay] and grows linearly with the attempt number.
func (c *Client) scheduleReconnect() {
	for attempt := 1; c.policy.MaxRetries <= 0 || attempt <= c.policy.MaxRetries; attempt++ {
		d := c.policy.delay(attempt)
		select {
		case <-time.After(d):
		case <-c.ctx.Done():
			return
		}

		if err := c.dial(c.ctx); err != nil {
			c.logger.Warn("reconnect attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}
		c.logger.Info("reconnected", slog.Int("attempt", attempt))
		return
	}
	c.logger.Error("exceeded max reconnect retries, giving up", slog.Int("max_retries", c.policy.MaxRetries))
}

func decodeErrorPayload(data any) *swillproto.Error {
	code := swillproto.CodeInternalError
	msg := "unknown error"
	var payloadData any

	switch m := data.(type) {
	case map[string]any:
		if v, ok := m["code"]; ok {
			code = toIntBestEffort(v)
		}
		if s, ok := m["message"].(string); ok {
			msg = s
		}
		payloadData = m["data"]
	case map[any]any:
		for k, v := range m {
			ks, _ := k.(string)
			switch ks {
			case "code":
				code = toIntBestEffort(v)
			case "message":
				if s, ok := v.(string); ok {
					msg = s
				}
			case "data":
				payloadData = v
			}
		}
	}

	return swillproto.NewError(code, msg, payloadData)
}

func toIntBestEffort(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case int:
		return n
	case uint:
		return int(n)
	default:
		return swillproto.CodeInternalError
	}
}
