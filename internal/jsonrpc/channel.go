// Package jsonrpc implements a duplex JSON-RPC 2.0 multiplexer over a
// message-oriented transport: requests correlated by id, server-pushed
// notifications dispatched to subscriptions, optional reconnect.
package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	jsonRPCVersion = "2.0"

	reconnectInitialInterval = time.Second
	reconnectMaxInterval     = 30 * time.Second
)

var (
	// ErrConnectionLost is surfaced from pending requests when the channel
	// closes before their response arrives.
	ErrConnectionLost = errors.New("connection lost")

	// ErrProtocol marks malformed frames or JSON-RPC 2.0 violations. It is
	// fatal for the channel.
	ErrProtocol = errors.New("protocol error")

	ErrChannelClosed = errors.New("channel closed")
)

// RPCError is a JSON-RPC error object returned by the peer for a single
// call. It is recoverable; the channel stays up.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON tolerates servers that report errors as a bare string
// instead of a JSON-RPC error object.
func (e *RPCError) UnmarshalJSON(data []byte) error {
	var s string
	if json.Unmarshal(data, &s) == nil {
		e.Message = s
		return nil
	}

	type alias RPCError
	return json.Unmarshal(data, (*alias)(e))
}

// MessageConn is one duplex message stream: each read and write is one
// complete JSON document. Implementations frame however their transport
// requires (newline-delimited on raw streams, one websocket message on WSS).
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

// DialFunc opens a fresh MessageConn. The channel redials through it when
// reconnecting.
type DialFunc func(ctx context.Context) (MessageConn, error)

// NotifyFunc receives subscription payloads: the initial response (wrapped
// in a single-element array) and every subsequent notification's params.
type NotifyFunc func(params json.RawMessage)

type pendingCall struct {
	ch chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

type subscription struct {
	method   string
	params   []any
	paramKey string
	notify   NotifyFunc

	// notifications are queued and delivered on a dedicated goroutine, in
	// arrival order. Callbacks may issue requests on the channel; running
	// them on the read loop would deadlock.
	mu     sync.Mutex
	queue  []json.RawMessage
	signal chan struct{}
	done   chan struct{}
}

func (s *subscription) push(params json.RawMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, params)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
			for {
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.mu.Unlock()
					break
				}
				params := s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()

				s.notify(params)
			}
		}
	}
}

func (s *subscription) stop() {
	close(s.done)
}

// Channel multiplexes requests and notifications over one MessageConn.
type Channel struct {
	logger *slog.Logger
	dial   DialFunc

	nextID atomic.Uint64

	mu          sync.Mutex
	conn        MessageConn
	pending     map[uint64]*pendingCall
	subs        map[string]*subscription
	closed      bool
	closeReason error

	reconnect bool
	runCtx    context.Context
	cancelRun context.CancelFunc
}

type Option func(c *Channel)

// WithReconnect makes the channel redial with capped exponential backoff
// when the transport drops. Pending requests still fail; registered
// subscriptions are re-issued on the new connection.
func WithReconnect() Option {
	return func(c *Channel) {
		c.reconnect = true
	}
}

// Dial opens the transport and starts the read loop.
func Dial(ctx context.Context, dial DialFunc, logger *slog.Logger, opts ...Option) (*Channel, error) {
	c := &Channel{
		logger:  logger,
		dial:    dial,
		pending: map[uint64]*pendingCall{},
		subs:    map[string]*subscription{},
	}

	for _, opt := range opts {
		opt(c)
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	c.conn = conn

	c.runCtx, c.cancelRun = context.WithCancel(context.Background())
	go c.readLoop(conn)

	return c, nil
}

// Request performs one RPC and waits for the matching response.
func (c *Channel) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	id := c.nextID.Add(1)

	call := &pendingCall{ch: make(chan callResult, 1)}

	c.mu.Lock()
	if c.closed {
		reason := c.closeReason
		c.mu.Unlock()
		return nil, errors.Join(ErrConnectionLost, reason)
	}
	conn := c.conn
	if conn == nil {
		// transport dropped, reconnect still in flight
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.pending[id] = call
	c.mu.Unlock()

	msg, err := json.Marshal(request{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.removePending(id)
		return nil, err
	}

	if err := conn.WriteMessage(msg); err != nil {
		c.removePending(id)
		return nil, errors.Join(ErrConnectionLost, err)
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Subscribe registers notify under the subscription method and performs the
// initial subscription request. The response value is forwarded to notify
// wrapped in a single-element array, matching the params shape of later
// notifications.
func (c *Channel) Subscribe(ctx context.Context, method string, notify NotifyFunc, params ...any) error {
	sub := &subscription{
		method:   method,
		params:   params,
		paramKey: paramKey(params),
		notify:   notify,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.subs[subKey(method, sub.paramKey)] = sub
	c.mu.Unlock()

	result, err := c.Request(ctx, method, params...)
	if err != nil {
		c.removeSub(method, sub.paramKey)
		return err
	}

	// notifications that arrived while the request was in flight are
	// already queued; the initial response goes ahead of them
	sub.mu.Lock()
	sub.queue = append([]json.RawMessage{wrapInitial(result)}, sub.queue...)
	sub.mu.Unlock()

	go sub.run()
	select {
	case sub.signal <- struct{}{}:
	default:
	}

	return nil
}

// Unsubscribe drops the local callback. No unsubscribe request is sent to
// the server; notifications it still pushes for the subscription are
// ignored.
func (c *Channel) Unsubscribe(method string, params ...any) {
	c.removeSub(method, paramKey(params))
}

// Close tears down the transport. Pending requests fail with
// ErrConnectionLost wrapping reason. Idempotent, and safe to call from a
// notification callback.
func (c *Channel) Close(reason error) {
	c.close(reason, errors.Join(ErrConnectionLost, reason))
}

func (c *Channel) close(reason, pendingErr error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	conn := c.conn
	calls := c.takePendingLocked()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = map[string]*subscription{}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	c.cancelRun()
	if conn != nil {
		_ = conn.Close()
	}

	for _, call := range calls {
		call.ch <- callResult{err: pendingErr}
	}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// envelope covers responses and notifications; responses carry an id,
// notifications a method.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func (c *Channel) readLoop(conn MessageConn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Error("Malformed frame", slog.String("err", err.Error()))
			c.close(ErrProtocol, errors.Join(ErrProtocol, err))
			return
		}

		switch {
		case env.ID != nil:
			c.deliverResponse(&env)
		case env.Method != "":
			c.dispatchNotification(&env)
		default:
			c.logger.Error("Frame is neither response nor notification")
			c.close(ErrProtocol, ErrProtocol)
			return
		}
	}
}

func (c *Channel) deliverResponse(env *envelope) {
	c.mu.Lock()
	call, ok := c.pending[*env.ID]
	delete(c.pending, *env.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("Response for unknown request id", slog.Uint64("id", *env.ID))
		return
	}

	if env.Error != nil {
		call.ch <- callResult{err: env.Error}
		return
	}

	call.ch <- callResult{result: env.Result}
}

func (c *Channel) dispatchNotification(env *envelope) {
	sub := c.findSub(env.Method, env.Params)
	if sub == nil {
		c.logger.Debug("Notification without subscription", slog.String("method", env.Method))
		return
	}

	sub.push(env.Params)
}

// findSub matches a notification to a subscription: exact (method, first
// param) first, then the parameterless registration for the method.
func (c *Channel) findSub(method string, params json.RawMessage) *subscription {
	var first []json.RawMessage
	key := ""
	if err := json.Unmarshal(params, &first); err == nil && len(first) > 0 {
		var s string
		if json.Unmarshal(first[0], &s) == nil {
			key = s
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[subKey(method, key)]; ok {
		return sub
	}
	if sub, ok := c.subs[subKey(method, "")]; ok {
		return sub
	}

	return nil
}

func (c *Channel) handleDisconnect(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if !c.reconnect {
		c.mu.Unlock()
		c.close(cause, errors.Join(ErrConnectionLost, cause))
		return
	}

	calls := c.takePendingLocked()
	_ = c.conn.Close()
	c.conn = nil
	c.mu.Unlock()

	for _, call := range calls {
		call.ch <- callResult{err: errors.Join(ErrConnectionLost, cause)}
	}

	c.logger.Warn("Transport dropped, reconnecting", slog.String("err", cause.Error()))

	go c.reconnectLoop()
}

func (c *Channel) reconnectLoop() {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(reconnectInitialInterval),
		backoff.WithMaxInterval(reconnectMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)

	operation := func() (MessageConn, error) {
		return c.dial(c.runCtx)
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("Reconnect attempt failed",
			slog.String("err", err.Error()),
			slog.String("next try", next.String()),
		)
	}

	conn, err := backoff.RetryNotifyWithData(operation, backoff.WithContext(policy, c.runCtx), notify)
	if err != nil {
		c.close(err, errors.Join(ErrConnectionLost, err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	c.logger.Info("Reconnected")

	go c.readLoop(conn)

	// re-establish subscriptions on the fresh connection
	for _, sub := range subs {
		result, err := c.Request(c.runCtx, sub.method, sub.params...)
		if err != nil {
			c.logger.Error("Failed to re-subscribe",
				slog.String("method", sub.method),
				slog.String("err", err.Error()),
			)
			continue
		}

		sub.push(wrapInitial(result))
	}
}

func (c *Channel) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) takePendingLocked() []*pendingCall {
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.pending = map[uint64]*pendingCall{}

	return calls
}

func (c *Channel) removeSub(method, key string) {
	c.mu.Lock()
	sub, ok := c.subs[subKey(method, key)]
	delete(c.subs, subKey(method, key))
	c.mu.Unlock()

	if ok {
		sub.stop()
	}
}

func subKey(method, paramKey string) string {
	return method + "|" + paramKey
}

// paramKey identifies a subscription among others on the same method. For
// Electrum this is the scripthash; header subscriptions have no params.
func paramKey(params []any) string {
	if len(params) == 0 {
		return ""
	}
	if s, ok := params[0].(string); ok {
		return s
	}

	return fmt.Sprintf("%v", params[0])
}

func wrapInitial(result json.RawMessage) json.RawMessage {
	wrapped, _ := json.Marshal([]json.RawMessage{result})
	return wrapped
}
