// Package agent runs the per-peer lifecycle: transport selection,
// handshake, head sync, liveness probing and the receipt subscription diff
// that turns Electrum status pushes into transaction events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bitlume/electrum/config"
	"github.com/bitlume/electrum/internal/codec"
	"github.com/bitlume/electrum/internal/electrum"
	"github.com/bitlume/electrum/internal/jsonrpc"
	"github.com/bitlume/electrum/internal/netparams"
	"github.com/bitlume/electrum/internal/store"
)

const (
	// protocolVersionMin and protocolVersionMax bound the negotiated
	// Electrum protocol version.
	protocolVersionMin = "1.4"
	protocolVersionMax = "1.4.2"

	// fetchTimeout bounds the header/transaction fetches the diff and
	// block acceptance paths issue on their own behalf.
	fetchTimeout = 30 * time.Second
)

var (
	ErrNoSuitableTransport = errors.New("no suitable transport for peer")
	ErrWrongGenesis        = errors.New("wrong genesis")
	ErrHandshakeTimeout    = errors.New("handshake timeout")
	ErrBlockTimeout        = errors.New("block timeout")
	ErrPingTimeout         = errors.New("ping timeout")
	ErrNotSynced           = errors.New("agent is not synced")
	ErrAlreadyConnected    = errors.New("agent is already connected")
)

// Agent drives one peer from connect to close. All state transitions are
// serialized behind mu; event callbacks run outside it.
type Agent struct {
	cfg     *config.Config
	network *netparams.Network
	peer    *electrum.Peer
	logger  *slog.Logger

	transport electrum.Transport
	blocks    *store.BlockStore
	txs       *store.TransactionStore
	events    *eventBus

	mu            sync.Mutex
	api           *electrum.Api
	handshaking   bool
	syncing       bool
	synced        bool
	closed        bool
	knownReceipts map[string]map[string]*electrum.Receipt

	blockTimer *time.Timer
	pingCancel context.CancelFunc
	closeOnce  sync.Once

	dial jsonrpc.DialFunc
}

type Option func(a *Agent)

// WithDialer overrides how the transport is opened; tests connect agents
// over in-memory pipes this way.
func WithDialer(dial jsonrpc.DialFunc) Option {
	return func(a *Agent) {
		a.dial = dial
	}
}

// New binds an agent to one peer. The transport is selected here,
// deterministically; an unreachable peer fails with ErrNoSuitableTransport.
func New(cfg *config.Config, network *netparams.Network, peer *electrum.Peer,
	blocks *store.BlockStore, txs *store.TransactionStore, logger *slog.Logger,
	opts ...Option) (*Agent, error) {

	transport, err := selectTransport(cfg, peer)
	if err != nil {
		return nil, err
	}

	agent := &Agent{
		cfg:     cfg,
		network: network,
		peer:    peer,
		logger: logger.With(
			slog.Group("peer",
				slog.String("host", peer.Host),
				slog.String("transport", transport.String()),
			),
		),
		transport:     transport,
		blocks:        blocks,
		txs:           txs,
		events:        newEventBus(),
		knownReceipts: map[string]map[string]*electrum.Receipt{},
	}

	for _, opt := range opts {
		opt(agent)
	}

	return agent, nil
}

// selectTransport prefers the peer's own preference when that port exists
// and the transport is enabled, then WSS (direct), SSL and TCP (both only
// through their configured tunneling proxies).
func selectTransport(cfg *config.Config, peer *electrum.Peer) (electrum.Transport, error) {
	if peer.PreferTransport != electrum.TransportNone &&
		transportUsable(cfg, peer, peer.PreferTransport) {
		return peer.PreferTransport, nil
	}

	for _, t := range []electrum.Transport{electrum.TransportWSS, electrum.TransportSSL, electrum.TransportTCP} {
		if transportUsable(cfg, peer, t) {
			return t, nil
		}
	}

	return electrum.TransportNone, fmt.Errorf("%w: %s", ErrNoSuitableTransport, peer.Host)
}

func transportUsable(cfg *config.Config, peer *electrum.Peer, t electrum.Transport) bool {
	switch t {
	case electrum.TransportWSS:
		return peer.Ports.WSS != 0
	case electrum.TransportSSL:
		return peer.Ports.SSL != 0 && cfg.SSLProxyURL != ""
	case electrum.TransportTCP:
		return peer.Ports.TCP != 0 && cfg.TCPProxyURL != ""
	default:
		return false
	}
}

// Transport returns the transport selected at construction.
func (a *Agent) Transport() electrum.Transport {
	return a.transport
}

// On registers a listener for one event kind and returns its handle.
func (a *Agent) On(kind EventKind, fn func(Event)) *Listener {
	return a.events.on(kind, fn)
}

// Connect dials the peer, performs the handshake and starts the head sync.
// It returns once the handshake has completed; SYNCED is reported through
// the event surface when the first block is accepted.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrNotSynced
	}
	if a.api != nil {
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	a.handshaking = true
	a.mu.Unlock()

	a.logger.Info("Connecting")

	dial := a.dial
	if dial == nil {
		dial = a.dialFunc()
	}

	channel, err := jsonrpc.Dial(ctx, dial, a.logger)
	if err != nil {
		a.fail(err)
		return err
	}

	api := electrum.NewApi(channel, a.network, a.logger)

	a.mu.Lock()
	a.api = api
	a.mu.Unlock()

	if err := a.handshake(ctx); err != nil {
		a.fail(err)
		return err
	}

	a.mu.Lock()
	a.handshaking = false
	a.syncing = true
	a.mu.Unlock()

	a.events.emit(Event{Kind: EventSyncing})
	a.logger.Info("Handshake complete, syncing")

	if err := a.startHeadSync(ctx); err != nil {
		a.fail(err)
		return err
	}

	return nil
}

func (a *Agent) dialFunc() jsonrpc.DialFunc {
	switch a.transport {
	case electrum.TransportWSS:
		url := fmt.Sprintf("wss://%s:%d", a.peer.Host, a.peer.Ports.WSS)
		if a.peer.WSSPath != "" {
			url += "/" + a.peer.WSSPath
		}
		return jsonrpc.WebsocketDialer(url, "")

	case electrum.TransportSSL:
		return jsonrpc.WebsocketDialer(a.cfg.SSLProxyURL, a.tunnelToken())

	default:
		return jsonrpc.WebsocketDialer(a.cfg.TCPProxyURL, a.tunnelToken())
	}
}

// tunnelToken addresses the real peer behind the tunneling proxy.
func (a *Agent) tunnelToken() string {
	return a.network.Name + ":" + a.peer.Host
}

func (a *Agent) handshake(ctx context.Context) error {
	handshakeCtx, cancel := context.WithTimeoutCause(ctx, a.cfg.HandshakeTimeout, ErrHandshakeTimeout)
	defer cancel()

	serverID, protocol, err := a.api.SetProtocolVersion(handshakeCtx, a.cfg.ClientID, protocolVersionMin, protocolVersionMax)
	if err != nil {
		return a.timeoutCause(handshakeCtx, err)
	}

	a.logger.Info("Negotiated protocol",
		slog.String("server", serverID),
		slog.String("protocol", protocol),
	)

	features, err := a.api.GetFeatures(handshakeCtx)
	if err != nil {
		return a.timeoutCause(handshakeCtx, err)
	}

	if features.GenesisHash != a.network.GenesisHash {
		return fmt.Errorf("%w: peer is on %s", ErrWrongGenesis, features.GenesisHash)
	}

	return nil
}

// timeoutCause surfaces the timeout sentinel instead of the raw context
// error when the handshake deadline expired.
func (a *Agent) timeoutCause(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && context.Cause(ctx) != nil {
		return context.Cause(ctx)
	}

	return err
}

func (a *Agent) startHeadSync(ctx context.Context) error {
	a.mu.Lock()
	a.blockTimer = time.AfterFunc(a.cfg.BlockTimeout, func() {
		a.fail(ErrBlockTimeout)
	})
	a.mu.Unlock()

	return a.api.SubscribeHeaders(ctx, a.onHeader)
}

// onHeader runs block acceptance: the predecessor must be known and must
// hash-link to the incoming header, except at the genesis height.
func (a *Agent) onHeader(header *codec.BlockHeader) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	api := a.api
	a.mu.Unlock()

	if header.BlockHeight > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		prev, err := a.ensureHeader(ctx, api, header.BlockHeight-1)
		cancel()
		if err != nil {
			a.logger.Error("Failed to load predecessor header",
				slog.Uint64("height", uint64(header.BlockHeight)),
				slog.String("err", err.Error()),
			)
			return
		}

		if prev.BlockHash != header.PrevHash {
			a.logger.Warn("Dropping non-consecutive header",
				slog.Uint64("height", uint64(header.BlockHeight)),
				slog.String("prev_hash", header.PrevHash),
				slog.String("expected", prev.BlockHash),
			)
			return
		}
	}

	if err := a.blocks.PutHeader(header); err != nil {
		a.logger.Error("Failed to store header", slog.String("err", err.Error()))
		return
	}

	a.mu.Lock()
	if a.blockTimer != nil {
		a.blockTimer.Stop()
		a.blockTimer = nil
	}
	firstBlock := !a.synced
	if firstBlock {
		a.syncing = false
		a.synced = true
	}
	a.mu.Unlock()

	a.logger.Debug("Accepted block",
		slog.Uint64("height", uint64(header.BlockHeight)),
		slog.String("hash", header.BlockHash),
	)

	a.events.emit(Event{Kind: EventBlock, Header: header})

	if firstBlock {
		a.events.emit(Event{Kind: EventSynced, Header: header})
		a.startPing()
		a.logger.Info("Synced", slog.Uint64("height", uint64(header.BlockHeight)))
	}
}

// ensureHeader returns the stored header at height, fetching and caching it
// when missing.
func (a *Agent) ensureHeader(ctx context.Context, api *electrum.Api, height uint32) (*codec.BlockHeader, error) {
	header, err := a.blocks.Header(height)
	if err == nil {
		return header, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	header, err = api.GetBlockHeader(ctx, height)
	if err != nil {
		return nil, err
	}

	if err := a.blocks.PutHeader(header); err != nil {
		return nil, err
	}

	return header, nil
}

// startPing probes the peer on a fixed interval. One retry after a missed
// response; a second miss closes the agent.
func (a *Agent) startPing() {
	pingCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.pingCancel = cancel
	api := a.api
	a.mu.Unlock()

	go func() {
		a.logger.Debug("Start ping loop")
		defer a.logger.Debug("Stop ping loop")

		ticker := time.NewTicker(a.cfg.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pingCtx.Done():
				return

			case <-ticker.C:
				if a.pingOnce(pingCtx, api) {
					continue
				}

				a.logger.Warn("Ping unanswered, retrying")
				if a.pingOnce(pingCtx, api) {
					continue
				}

				a.fail(ErrPingTimeout)
				return
			}
		}
	}()
}

func (a *Agent) pingOnce(ctx context.Context, api *electrum.Api) bool {
	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.PingTimeout)
	defer cancel()

	if err := api.Ping(pingCtx); err != nil {
		return errors.Is(err, context.Canceled)
	}

	return true
}

// fail closes the agent with reason and reports it through the event
// surface.
func (a *Agent) fail(reason error) {
	a.logger.Error("Agent failed", slog.String("reason", reason.Error()))
	a.Close(reason)
}

// Close tears down the agent. Idempotent; the CLOSE event fires at most
// once per agent.
func (a *Agent) Close(reason error) {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.handshaking = false
		a.syncing = false
		a.synced = false
		if a.blockTimer != nil {
			a.blockTimer.Stop()
			a.blockTimer = nil
		}
		cancel := a.pingCancel
		api := a.api
		a.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if api != nil {
			api.Close(reason)
		}

		a.events.emit(Event{Kind: EventClose, Reason: reason})
		a.logger.Info("Closed", slog.String("reason", fmt.Sprintf("%v", reason)))
	})
}

// Synced reports whether the agent has accepted its first block.
func (a *Agent) Synced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.synced
}

// Handshaking reports whether the protocol negotiation is still running.
func (a *Agent) Handshaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.handshaking
}

// Syncing reports whether the agent still waits for its first block.
func (a *Agent) Syncing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.syncing
}

// guard returns the api when the agent is synced.
func (a *Agent) guard() (*electrum.Api, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.synced {
		return nil, ErrNotSynced
	}

	return a.api, nil
}

// GetBalance fetches the balance of an address.
func (a *Agent) GetBalance(ctx context.Context, addr string) (*electrum.Balance, error) {
	api, err := a.guard()
	if err != nil {
		return nil, err
	}

	return api.GetBalance(ctx, addr)
}

// GetTransactionReceipts fetches the history of an address.
func (a *Agent) GetTransactionReceipts(ctx context.Context, addr string) ([]*electrum.Receipt, error) {
	api, err := a.guard()
	if err != nil {
		return nil, err
	}

	return api.GetReceipts(ctx, addr)
}

// ListUnspent fetches the unspent outputs of an address.
func (a *Agent) ListUnspent(ctx context.Context, addr string) ([]*electrum.Utxo, error) {
	api, err := a.guard()
	if err != nil {
		return nil, err
	}

	return api.ListUnspent(ctx, addr)
}

// GetTransaction fetches a transaction. With height > 0 the inclusion in
// that block is proven before block fields are attached.
func (a *Agent) GetTransaction(ctx context.Context, txHash string, height int32) (*codec.Transaction, error) {
	api, err := a.guard()
	if err != nil {
		return nil, err
	}

	var block *codec.BlockHeader
	if height > 0 {
		block, err = a.ensureHeader(ctx, api, uint32(height))
		if err != nil {
			return nil, err
		}
	}

	return api.GetTransaction(ctx, txHash, block)
}

// GetBlockHeader fetches the header at a height, through the block store.
func (a *Agent) GetBlockHeader(ctx context.Context, height uint32) (*codec.BlockHeader, error) {
	api, err := a.guard()
	if err != nil {
		return nil, err
	}

	return a.ensureHeader(ctx, api, height)
}

// GetFeeHistogram fetches the mempool fee histogram.
func (a *Agent) GetFeeHistogram(ctx context.Context) ([]*electrum.FeeBucket, error) {
	api, err := a.guard()
	if err != nil {
		return nil, err
	}

	return api.GetFeeHistogram(ctx)
}

// GetMinimumRelayFee fetches the peer's minimum relay fee.
func (a *Agent) GetMinimumRelayFee(ctx context.Context) (float64, error) {
	api, err := a.guard()
	if err != nil {
		return 0, err
	}

	return api.GetRelayFee(ctx)
}

// EstimateFees asks for a fee estimate per confirmation target. A failing
// slot yields -1 instead of failing the batch; this method tolerates an
// unsynced agent the same way.
func (a *Agent) EstimateFees(ctx context.Context, targets []uint32) []float64 {
	fees := make([]float64, len(targets))

	a.mu.Lock()
	api := a.api
	synced := a.synced
	a.mu.Unlock()

	for i, target := range targets {
		fees[i] = -1

		if !synced || api == nil {
			continue
		}

		fee, err := api.EstimateFee(ctx, target)
		if err != nil {
			a.logger.Warn("Fee estimate failed",
				slog.Uint64("target", uint64(target)),
				slog.String("err", err.Error()),
			)
			continue
		}
		fees[i] = fee
	}

	return fees
}

// BroadcastTransaction submits a raw transaction to the peer.
func (a *Agent) BroadcastTransaction(ctx context.Context, rawTx string) (*codec.Transaction, error) {
	api, err := a.guard()
	if err != nil {
		return nil, err
	}

	return api.BroadcastTransaction(ctx, rawTx)
}

// GetPeers fetches the peer's view of the server network.
func (a *Agent) GetPeers(ctx context.Context) ([]*electrum.Peer, error) {
	api, err := a.guard()
	if err != nil {
		return nil, err
	}

	return api.GetPeers(ctx)
}

// Subscribe watches addresses for receipt changes. The first snapshot per
// address is the diff baseline; later snapshots produce transaction
// events.
func (a *Agent) Subscribe(ctx context.Context, addrs ...string) error {
	api, err := a.guard()
	if err != nil {
		return err
	}

	for _, addr := range addrs {
		addr := addr
		if err := api.SubscribeReceipts(ctx, addr, func(receipts []*electrum.Receipt) {
			a.onReceipts(addr, receipts)
		}); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", addr, err)
		}
	}

	return nil
}

// onReceipts diffs a receipt snapshot against the known baseline. Failures
// on one receipt are logged and do not abort the others.
func (a *Agent) onReceipts(addr string, receipts []*electrum.Receipt) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	api := a.api

	known, haveBaseline := a.knownReceipts[addr]

	snapshot := make(map[string]*electrum.Receipt, len(receipts))
	for _, receipt := range receipts {
		snapshot[receipt.TransactionHash] = receipt
	}
	a.knownReceipts[addr] = snapshot
	a.mu.Unlock()

	if !haveBaseline {
		a.logger.Debug("Stored receipt baseline",
			slog.String("address", addr),
			slog.Int("receipts", len(receipts)),
		)
		return
	}

	for _, receipt := range receipts {
		if previous, ok := known[receipt.TransactionHash]; ok &&
			previous.BlockHeight == receipt.BlockHeight {
			continue
		}

		if err := a.handleReceipt(api, receipt); err != nil {
			a.logger.Error("Failed to handle receipt",
				slog.String("address", addr),
				slog.String("tx", receipt.TransactionHash),
				slog.String("err", err.Error()),
			)
		}
	}
}

// handleReceipt resolves one changed receipt into a transaction event,
// proving block inclusion when the receipt is confirmed.
func (a *Agent) handleReceipt(api *electrum.Api, receipt *electrum.Receipt) error {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	var block *codec.BlockHeader
	if receipt.BlockHeight > 0 {
		var err error
		block, err = a.ensureHeader(ctx, api, uint32(receipt.BlockHeight))
		if err != nil {
			return err
		}
	}

	tx, err := a.txs.Transaction(receipt.TransactionHash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		tx, err = api.GetTransaction(ctx, receipt.TransactionHash, block)
		if err != nil {
			return err
		}
		if err := a.txs.PutTransaction(tx); err != nil {
			return err
		}

	case err != nil:
		return err

	default:
		// already stored; a confirmed receipt still requires a fresh
		// inclusion proof at this height
		if block != nil {
			if err := api.ProofTransaction(ctx, receipt.TransactionHash, block); err != nil {
				return err
			}
			tx.BlockHash = block.BlockHash
			tx.BlockHeight = block.BlockHeight
			tx.Timestamp = block.Timestamp
			if err := a.txs.PutTransaction(tx); err != nil {
				return err
			}
		}
	}

	if block != nil {
		a.events.emit(Event{Kind: EventTransactionMined, Transaction: tx, Header: block})
	} else {
		a.events.emit(Event{Kind: EventTransactionAdded, Transaction: tx})
	}

	return nil
}
