package agent_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitlume/electrum/config"
	"github.com/bitlume/electrum/internal/address"
	"github.com/bitlume/electrum/internal/agent"
	"github.com/bitlume/electrum/internal/electrum"
	"github.com/bitlume/electrum/internal/jsonrpc"
	"github.com/bitlume/electrum/internal/netparams"
	"github.com/bitlume/electrum/internal/store"
	"github.com/bitlume/electrum/internal/testserver"
)

const (
	genesisHeaderHex = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c"
	block1HeaderHex  = "010000006fe28c0ab6f1b372c1a6a246ae63f74f931e8365e15a089c68d6190000000000982051fd1e4ba744bbbe680e1fee14677ba1a3c3540bf7b1cdb606e857233e0e61bc6649ffff001d01e36299"
	header170Hex     = "0100000055bd840a78798ad0da853f68974f3d183e2bd1db6a842c1feecf222a00000000ff104ccb05421ab93e63f8c3ce5c2c2e9dbb37de2764b3a3175c8166562cac7d51b96a49ffff001d283e9e70"

	paymentTxHex = "0100000001c997a5e56e104102fa209c6a852dd90660a20b2d9c352423edce25857fcd3704000000004847304402204e45e16932b8af514961a1d3a1a25fdf3f4f7732e9d624c6c61548ab5fb8cd410220181522ec8eca07de4860a4acdd12909d831cc56cbbac4622082221a8768d1d0901ffffffff0200ca9a3b00000000434104ae1a62fe09c5f51b13905f07f06b99a2f7159b2225f374cd378d71302fa28414e7aab37397f554a7df5f142c21c1b7303b8a0626f1baded5c72a704f7e6cd84cac00286bee0000000043410411db93e1dcdb8a016b49840f8c53bc1eb68a382e97b1482ecad7b148a6909a5cb2e0eaddfb84ccf9744464f82e160bfa9b8b64f9d4c03f999b8643f656b412a3ac00000000"
	paymentTxID  = "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16"

	coinbaseTxHex = "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff4d04ffff001d0104455468652054696d65732030332f4a616e2f32303039204368616e63656c6c6f72206f6e206272696e6b206f66207365636f6e64206261696c6f757420666f722062616e6b73ffffffff0100f2052a01000000434104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac00000000"
	coinbaseTxID  = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

	coinbase170 = "b1fea52486ce0c62bb442b530a3f0132b826c74e473d1f2c220bfa78111c5082"

	watchAddress = "12cbQLTFMXRnSzktFkuoG3eHoMeFtpTu3S"
)

func testConfig() *config.Config {
	return &config.Config{
		Network:          "mainnet",
		ClientID:         "test-client/1.0",
		HandshakeTimeout: 2 * time.Second,
		BlockTimeout:     2 * time.Second,
		PingInterval:     time.Hour,
		PingTimeout:      time.Second,
	}
}

// handshakeServer scripts the happy-path handshake with the genesis block
// as the initial chain tip.
func handshakeServer() (*testserver.Server, jsonrpc.DialFunc) {
	server, dial := testserver.New()
	server.HandleResult("server.version", []string{"ElectrumX 1.16", "1.4.2"})
	server.HandleResult("server.features", map[string]any{
		"genesis_hash": netparams.Mainnet.GenesisHash,
	})
	server.HandleResult("blockchain.headers.subscribe", map[string]any{
		"height": 0,
		"hex":    genesisHeaderHex,
	})

	return server, dial
}

type recorder struct {
	syncing chan agent.Event
	synced  chan agent.Event
	blocks  chan agent.Event
	added   chan agent.Event
	mined   chan agent.Event
	closed  chan agent.Event
}

func record(ag *agent.Agent) *recorder {
	r := &recorder{
		syncing: make(chan agent.Event, 4),
		synced:  make(chan agent.Event, 4),
		blocks:  make(chan agent.Event, 16),
		added:   make(chan agent.Event, 16),
		mined:   make(chan agent.Event, 16),
		closed:  make(chan agent.Event, 4),
	}

	ag.On(agent.EventSyncing, func(ev agent.Event) { r.syncing <- ev })
	ag.On(agent.EventSynced, func(ev agent.Event) { r.synced <- ev })
	ag.On(agent.EventBlock, func(ev agent.Event) { r.blocks <- ev })
	ag.On(agent.EventTransactionAdded, func(ev agent.Event) { r.added <- ev })
	ag.On(agent.EventTransactionMined, func(ev agent.Event) { r.mined <- ev })
	ag.On(agent.EventClose, func(ev agent.Event) { r.closed <- ev })

	return r
}

func waitEvent(t *testing.T, ch chan agent.Event, what string) agent.Event {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return agent.Event{}
	}
}

func requireNoEvent(t *testing.T, ch chan agent.Event, what string) {
	t.Helper()

	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(200 * time.Millisecond):
	}
}

func newAgent(t *testing.T, cfg *config.Config, dial jsonrpc.DialFunc) *agent.Agent {
	t.Helper()

	peer := &electrum.Peer{
		Host:  "peer.example.org",
		Ports: electrum.PeerPorts{WSS: 50004},
	}

	byteStore := store.NewMemoryStore()
	ag, err := agent.New(cfg, netparams.Mainnet, peer,
		store.NewBlockStore(byteStore), store.NewTransactionStore(byteStore),
		slog.Default(), agent.WithDialer(dial))
	require.NoError(t, err)
	t.Cleanup(func() { ag.Close(nil) })

	return ag
}

func TestSelectTransport(t *testing.T) {
	cfg := testConfig()
	cfg.SSLProxyURL = "wss://proxy.example.org/ssl"

	tt := []struct {
		name      string
		peer      *electrum.Peer
		expected  electrum.Transport
		expectErr error
	}{
		{
			name:     "wss preferred over proxied ssl",
			peer:     &electrum.Peer{Host: "a", Ports: electrum.PeerPorts{WSS: 50004, SSL: 50002}},
			expected: electrum.TransportWSS,
		},
		{
			name:     "ssl via proxy when no wss",
			peer:     &electrum.Peer{Host: "a", Ports: electrum.PeerPorts{SSL: 50002}},
			expected: electrum.TransportSSL,
		},
		{
			name: "peer preference wins",
			peer: &electrum.Peer{
				Host:            "a",
				Ports:           electrum.PeerPorts{WSS: 50004, SSL: 50002},
				PreferTransport: electrum.TransportSSL,
			},
			expected: electrum.TransportSSL,
		},
		{
			name:      "tcp without proxy is unusable",
			peer:      &electrum.Peer{Host: "a", Ports: electrum.PeerPorts{TCP: 50001}},
			expectErr: agent.ErrNoSuitableTransport,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			// when
			byteStore := store.NewMemoryStore()
			sut, err := agent.New(cfg, netparams.Mainnet, tc.peer,
				store.NewBlockStore(byteStore), store.NewTransactionStore(byteStore), slog.Default())

			// then
			if tc.expectErr != nil {
				require.ErrorIs(t, err, tc.expectErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, sut.Transport())
		})
	}
}

func TestConnect_Handshake(t *testing.T) {
	t.Run("success reaches synced", func(t *testing.T) {
		// given
		_, dial := handshakeServer()
		sut := newAgent(t, testConfig(), dial)
		events := record(sut)

		// when
		require.NoError(t, sut.Connect(context.Background()))

		// then
		waitEvent(t, events.syncing, "syncing event")
		waitEvent(t, events.blocks, "block event")
		synced := waitEvent(t, events.synced, "synced event")
		require.Equal(t, netparams.Mainnet.GenesisHash, synced.Header.BlockHash)
		require.True(t, sut.Synced())
	})

	t.Run("wrong genesis closes the agent", func(t *testing.T) {
		// given
		server, dial := handshakeServer()
		server.HandleResult("server.features", map[string]any{
			"genesis_hash": "abc0000000000000000000000000000000000000000000000000000000000000",
		})

		sut := newAgent(t, testConfig(), dial)
		events := record(sut)

		// when
		err := sut.Connect(context.Background())

		// then
		require.ErrorIs(t, err, agent.ErrWrongGenesis)

		closed := waitEvent(t, events.closed, "close event")
		require.ErrorIs(t, closed.Reason, agent.ErrWrongGenesis)
		requireNoEvent(t, events.syncing, "syncing event after genesis mismatch")
		require.False(t, sut.Synced())
	})

	t.Run("incompatible protocol closes the agent", func(t *testing.T) {
		// given
		server, dial := handshakeServer()
		server.Handle("server.version", func([]json.RawMessage) (any, *jsonrpc.RPCError) {
			return nil, &jsonrpc.RPCError{Code: 1, Message: "unsupported protocol version: 1.4"}
		})

		sut := newAgent(t, testConfig(), dial)
		events := record(sut)

		// when
		err := sut.Connect(context.Background())

		// then
		require.ErrorIs(t, err, electrum.ErrIncompatibleProtocol)
		waitEvent(t, events.closed, "close event")
	})
}

func TestConnect_BlockTimeout(t *testing.T) {
	// given a tip whose predecessor never links up: the initial header
	// cannot be accepted, so the agent never syncs
	cfg := testConfig()
	cfg.BlockTimeout = 300 * time.Millisecond

	server, dial := handshakeServer()
	server.HandleResult("blockchain.headers.subscribe", map[string]any{
		"height": 170,
		"hex":    header170Hex,
	})
	// serve a header that does not hash-link to block 170
	server.HandleResult("blockchain.block.header", genesisHeaderHex)

	sut := newAgent(t, cfg, dial)
	events := record(sut)

	// when
	_ = sut.Connect(context.Background())

	// then
	closed := waitEvent(t, events.closed, "close event")
	require.ErrorIs(t, closed.Reason, agent.ErrBlockTimeout)
	require.False(t, sut.Synced())
}

func TestBlockAcceptance(t *testing.T) {
	// given a synced agent at the genesis tip
	server, dial := handshakeServer()
	sut := newAgent(t, testConfig(), dial)
	events := record(sut)

	require.NoError(t, sut.Connect(context.Background()))
	waitEvent(t, events.blocks, "initial block")
	waitEvent(t, events.synced, "synced event")

	// when block 1 arrives, hash-linked to genesis
	server.Notify("blockchain.headers.subscribe", map[string]any{
		"height": 1,
		"hex":    block1HeaderHex,
	})

	// then it is accepted
	accepted := waitEvent(t, events.blocks, "block 1")
	require.Equal(t, uint32(1), accepted.Header.BlockHeight)

	// and when a non-consecutive header arrives (its predecessor does not
	// link), it is dropped without an event
	server.HandleResult("blockchain.block.header", block1HeaderHex)
	server.Notify("blockchain.headers.subscribe", map[string]any{
		"height": 170,
		"hex":    header170Hex,
	})

	requireNoEvent(t, events.blocks, "block event for non-consecutive header")

	// synced happened exactly once
	requireNoEvent(t, events.synced, "second synced event")
}

func TestGuards_NotSynced(t *testing.T) {
	// given an agent that never connected
	_, dial := handshakeServer()
	sut := newAgent(t, testConfig(), dial)

	// then every public operation is rejected
	_, err := sut.GetBalance(context.Background(), watchAddress)
	require.ErrorIs(t, err, agent.ErrNotSynced)

	_, err = sut.GetTransactionReceipts(context.Background(), watchAddress)
	require.ErrorIs(t, err, agent.ErrNotSynced)

	_, err = sut.GetTransaction(context.Background(), paymentTxID, 0)
	require.ErrorIs(t, err, agent.ErrNotSynced)

	_, err = sut.GetBlockHeader(context.Background(), 0)
	require.ErrorIs(t, err, agent.ErrNotSynced)

	_, err = sut.BroadcastTransaction(context.Background(), paymentTxHex)
	require.ErrorIs(t, err, agent.ErrNotSynced)

	_, err = sut.GetPeers(context.Background())
	require.ErrorIs(t, err, agent.ErrNotSynced)

	err = sut.Subscribe(context.Background(), watchAddress)
	require.ErrorIs(t, err, agent.ErrNotSynced)

	// except fee estimation, which degrades to -1 per target
	fees := sut.EstimateFees(context.Background(), []uint32{1, 3, 6})
	require.Equal(t, []float64{-1, -1, -1}, fees)
}

func TestEstimateFees_PartialFailure(t *testing.T) {
	// given a synced agent and a server that cannot estimate target 3
	server, dial := handshakeServer()
	server.Handle("blockchain.estimatefee", func(params []json.RawMessage) (any, *jsonrpc.RPCError) {
		var target uint32
		if err := json.Unmarshal(params[0], &target); err != nil {
			return nil, &jsonrpc.RPCError{Code: 1, Message: "bad target"}
		}
		if target == 3 {
			return nil, &jsonrpc.RPCError{Code: 1, Message: "no estimate"}
		}
		return 0.0001 * float64(target), nil
	})

	sut := newAgent(t, testConfig(), dial)
	events := record(sut)
	require.NoError(t, sut.Connect(context.Background()))
	waitEvent(t, events.synced, "synced event")

	// when
	fees := sut.EstimateFees(context.Background(), []uint32{1, 3, 6})

	// then the failing slot is -1, the batch survives
	require.Len(t, fees, 3)
	require.InDelta(t, 0.0001, fees[0], 1e-9)
	require.Equal(t, float64(-1), fees[1])
	require.InDelta(t, 0.0006, fees[2], 1e-9)
}

func TestSubscriptionDiff(t *testing.T) {
	// given a synced agent watching one address
	server, dial := handshakeServer()

	var historyCalls atomic.Int32
	server.Handle("blockchain.scripthash.subscribe", func([]json.RawMessage) (any, *jsonrpc.RPCError) {
		return "status0", nil
	})
	server.Handle("blockchain.scripthash.get_history", func([]json.RawMessage) (any, *jsonrpc.RPCError) {
		if historyCalls.Add(1) == 1 {
			// the baseline snapshot: the payment still unconfirmed
			return []map[string]any{
				{"tx_hash": paymentTxID, "height": 0},
			}, nil
		}
		// the update: the payment confirmed in block 170, a new
		// unconfirmed transaction alongside
		return []map[string]any{
			{"tx_hash": paymentTxID, "height": 170},
			{"tx_hash": coinbaseTxID, "height": 0},
		}, nil
	})
	server.Handle("blockchain.transaction.get", func(params []json.RawMessage) (any, *jsonrpc.RPCError) {
		var hash string
		_ = json.Unmarshal(params[0], &hash)
		switch hash {
		case paymentTxID:
			return paymentTxHex, nil
		case coinbaseTxID:
			return coinbaseTxHex, nil
		}
		return nil, &jsonrpc.RPCError{Code: 1, Message: "unknown transaction"}
	})
	server.HandleResult("blockchain.block.header", header170Hex)
	server.HandleResult("blockchain.transaction.get_merkle", &electrum.MerkleProof{
		BlockHeight: 170,
		Merkle:      []string{coinbase170},
		Pos:         1,
	})

	sut := newAgent(t, testConfig(), dial)
	events := record(sut)
	require.NoError(t, sut.Connect(context.Background()))
	waitEvent(t, events.synced, "synced event")

	// when the baseline snapshot arrives
	require.NoError(t, sut.Subscribe(context.Background(), watchAddress))

	// then it produces no events
	requireNoEvent(t, events.added, "transaction event from the baseline")
	requireNoEvent(t, events.mined, "transaction event from the baseline")

	// and when the status changes
	scriptHash, err := address.ScriptHash(watchAddress, netparams.Mainnet.Params)
	require.NoError(t, err)
	server.Notify("blockchain.scripthash.subscribe", scriptHash, "status1")

	// then the confirmed payment is proven and reported as mined
	mined := waitEvent(t, events.mined, "transaction mined event")
	require.Equal(t, paymentTxID, mined.Transaction.TransactionHash)
	require.Equal(t, uint32(170), mined.Transaction.BlockHeight)
	require.Equal(t, uint32(170), mined.Header.BlockHeight)

	// and the new unconfirmed transaction as added
	added := waitEvent(t, events.added, "transaction added event")
	require.Equal(t, coinbaseTxID, added.Transaction.TransactionHash)
	require.Zero(t, added.Transaction.BlockHeight)
}

func TestPing(t *testing.T) {
	t.Run("failing pings close the agent", func(t *testing.T) {
		// given a synced agent whose peer answers every server.ping with an
		// error
		cfg := testConfig()
		cfg.PingInterval = 100 * time.Millisecond

		server, dial := handshakeServer()
		server.Handle("server.ping", func([]json.RawMessage) (any, *jsonrpc.RPCError) {
			return nil, &jsonrpc.RPCError{Code: 1, Message: "not tonight"}
		})

		sut := newAgent(t, cfg, dial)
		events := record(sut)
		require.NoError(t, sut.Connect(context.Background()))
		waitEvent(t, events.synced, "synced event")

		// then after two consecutive failures
		closed := waitEvent(t, events.closed, "close event")
		require.ErrorIs(t, closed.Reason, agent.ErrPingTimeout)
	})

	t.Run("answered pings keep the agent alive", func(t *testing.T) {
		// given
		cfg := testConfig()
		cfg.PingInterval = 50 * time.Millisecond

		server, dial := handshakeServer()
		server.HandleResult("server.ping", nil)

		sut := newAgent(t, cfg, dial)
		events := record(sut)
		require.NoError(t, sut.Connect(context.Background()))
		waitEvent(t, events.synced, "synced event")

		// then
		requireNoEvent(t, events.closed, "close event while pings are answered")
		require.True(t, sut.Synced())
	})
}

func TestClose(t *testing.T) {
	// given a synced agent
	_, dial := handshakeServer()
	sut := newAgent(t, testConfig(), dial)
	events := record(sut)
	require.NoError(t, sut.Connect(context.Background()))
	waitEvent(t, events.synced, "synced event")

	// when closed twice
	sut.Close(nil)
	sut.Close(agent.ErrPingTimeout)

	// then the close event fires exactly once
	waitEvent(t, events.closed, "close event")
	requireNoEvent(t, events.closed, "second close event")

	// and public operations are rejected
	_, err := sut.GetBalance(context.Background(), watchAddress)
	require.ErrorIs(t, err, agent.ErrNotSynced)
}
