package electrum_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitlume/electrum/internal/address"
	"github.com/bitlume/electrum/internal/codec"
	"github.com/bitlume/electrum/internal/electrum"
	"github.com/bitlume/electrum/internal/jsonrpc"
	"github.com/bitlume/electrum/internal/netparams"
	"github.com/bitlume/electrum/internal/testserver"
)

const (
	firstPaymentHex = "0100000001c997a5e56e104102fa209c6a852dd90660a20b2d9c352423edce25857fcd3704000000004847304402204e45e16932b8af514961a1d3a1a25fdf3f4f7732e9d624c6c61548ab5fb8cd410220181522ec8eca07de4860a4acdd12909d831cc56cbbac4622082221a8768d1d0901ffffffff0200ca9a3b00000000434104ae1a62fe09c5f51b13905f07f06b99a2f7159b2225f374cd378d71302fa28414e7aab37397f554a7df5f142c21c1b7303b8a0626f1baded5c72a704f7e6cd84cac00286bee0000000043410411db93e1dcdb8a016b49840f8c53bc1eb68a382e97b1482ecad7b148a6909a5cb2e0eaddfb84ccf9744464f82e160bfa9b8b64f9d4c03f999b8643f656b412a3ac00000000"

	header170Hex = "0100000055bd840a78798ad0da853f68974f3d183e2bd1db6a842c1feecf222a00000000ff104ccb05421ab93e63f8c3ce5c2c2e9dbb37de2764b3a3175c8166562cac7d51b96a49ffff001d283e9e70"

	genesisAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
)

func newApi(t *testing.T) (*electrum.Api, *testserver.Server) {
	t.Helper()

	server, dial := testserver.New()

	channel, err := jsonrpc.Dial(context.Background(), dial, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { channel.Close(nil) })

	return electrum.NewApi(channel, netparams.Mainnet, slog.Default()), server
}

func ctx(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestSetProtocolVersion(t *testing.T) {
	t.Run("negotiation succeeds", func(t *testing.T) {
		// given
		sut, server := newApi(t)
		server.HandleResult("server.version", []string{"ElectrumX 1.16", "1.4.2"})

		// when
		serverID, protocol, err := sut.SetProtocolVersion(ctx(t), "test-client/1.0", "1.4", "1.4.2")

		// then
		require.NoError(t, err)
		require.Equal(t, "ElectrumX 1.16", serverID)
		require.Equal(t, "1.4.2", protocol)
	})

	t.Run("server cannot satisfy range", func(t *testing.T) {
		// given
		sut, server := newApi(t)
		server.Handle("server.version", func([]json.RawMessage) (any, *jsonrpc.RPCError) {
			return nil, &jsonrpc.RPCError{Code: 1, Message: "unsupported protocol version: 1.4"}
		})

		// when
		_, _, err := sut.SetProtocolVersion(ctx(t), "test-client/1.0", "1.4", "1.4.2")

		// then
		require.ErrorIs(t, err, electrum.ErrIncompatibleProtocol)
	})
}

func TestGetBalance(t *testing.T) {
	// given a server that checks the scripthash parameter
	sut, server := newApi(t)

	scriptHash, err := address.ScriptHash(genesisAddress, netparams.Mainnet.Params)
	require.NoError(t, err)

	server.Handle("blockchain.scripthash.get_balance", func(params []json.RawMessage) (any, *jsonrpc.RPCError) {
		var got string
		if err := json.Unmarshal(params[0], &got); err != nil || got != scriptHash {
			return nil, &jsonrpc.RPCError{Code: 1, Message: "unexpected scripthash"}
		}
		return &electrum.Balance{Confirmed: 5_000_000_000, Unconfirmed: 123}, nil
	})

	// when
	balance, err := sut.GetBalance(ctx(t), genesisAddress)

	// then
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000_000), balance.Confirmed)
	require.Equal(t, int64(123), balance.Unconfirmed)
}

func TestGetReceipts(t *testing.T) {
	// given
	sut, server := newApi(t)
	fee := int64(226)
	server.HandleResult("blockchain.scripthash.get_history", []*electrum.Receipt{
		{BlockHeight: 170, TransactionHash: "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16"},
		{BlockHeight: 0, TransactionHash: "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b", Fee: &fee},
		{BlockHeight: -1, TransactionHash: "0437cd7f8525ceed2324359c2d0ba26006d92d856a9c20fa0241106ee5a597c9"},
	})

	// when
	receipts, err := sut.GetReceipts(ctx(t), genesisAddress)

	// then: unconfirmed heights pass through unchanged
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	require.Equal(t, int32(170), receipts[0].BlockHeight)
	require.Equal(t, int32(0), receipts[1].BlockHeight)
	require.Equal(t, int64(226), *receipts[1].Fee)
	require.Equal(t, int32(-1), receipts[2].BlockHeight)
}

func TestGetTransaction(t *testing.T) {
	block, err := codec.ParseHeader(header170Hex, 170)
	require.NoError(t, err)

	t.Run("with valid inclusion proof", func(t *testing.T) {
		// given
		sut, server := newApi(t)
		server.HandleResult("blockchain.transaction.get", firstPaymentHex)
		server.HandleResult("blockchain.transaction.get_merkle", &electrum.MerkleProof{
			BlockHeight: 170,
			Merkle:      []string{"b1fea52486ce0c62bb442b530a3f0132b826c74e473d1f2c220bfa78111c5082"},
			Pos:         1,
		})

		// when
		tx, err := sut.GetTransaction(ctx(t), "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16", block)

		// then
		require.NoError(t, err)
		require.Equal(t, uint32(170), tx.BlockHeight)
		require.Equal(t, block.BlockHash, tx.BlockHash)
		require.Equal(t, block.Timestamp, tx.Timestamp)

		// the recipient output resolves to an address
		require.NotEmpty(t, tx.Outputs[0].Address)
	})

	t.Run("with corrupted proof", func(t *testing.T) {
		// given
		sut, server := newApi(t)
		server.HandleResult("blockchain.transaction.get", firstPaymentHex)
		server.HandleResult("blockchain.transaction.get_merkle", &electrum.MerkleProof{
			BlockHeight: 170,
			Merkle:      []string{"a1fea52486ce0c62bb442b530a3f0132b826c74e473d1f2c220bfa78111c5082"},
			Pos:         1,
		})

		// when
		_, err := sut.GetTransaction(ctx(t), "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16", block)

		// then
		require.ErrorIs(t, err, electrum.ErrMerkleProofInvalid)
	})

	t.Run("without block", func(t *testing.T) {
		// given
		sut, server := newApi(t)
		server.HandleResult("blockchain.transaction.get", firstPaymentHex)

		// when
		tx, err := sut.GetTransaction(ctx(t), "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16", nil)

		// then: no merkle call, no block fields
		require.NoError(t, err)
		require.Zero(t, tx.BlockHeight)
		require.Empty(t, tx.BlockHash)
	})
}

func TestBroadcastTransaction(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		// given
		sut, server := newApi(t)
		server.HandleResult("blockchain.transaction.broadcast",
			"f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16")

		// when
		tx, err := sut.BroadcastTransaction(ctx(t), firstPaymentHex)

		// then
		require.NoError(t, err)
		require.Equal(t, "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16", tx.TransactionHash)
	})

	t.Run("legacy error string", func(t *testing.T) {
		// given a v1.0-style server reporting the failure in the result
		sut, server := newApi(t)
		server.HandleResult("blockchain.transaction.broadcast", "non-final")

		// when
		_, err := sut.BroadcastTransaction(ctx(t), firstPaymentHex)

		// then
		require.ErrorIs(t, err, electrum.ErrBroadcastRejected)
		require.ErrorContains(t, err, "non-final")
	})
}

func TestGetBlockHeader(t *testing.T) {
	// given
	sut, server := newApi(t)
	server.HandleResult("blockchain.block.header", header170Hex)

	// when
	header, err := sut.GetBlockHeader(ctx(t), 170)

	// then
	require.NoError(t, err)
	require.Equal(t, "00000000d1145790a8694403d4063f323d499e655c83426834d4ce2f8dd4a2ee", header.BlockHash)
	require.Equal(t, uint32(170), header.BlockHeight)
}

func TestGetBlockHeaders(t *testing.T) {
	// given a two-header batch
	genesisHex := "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c"
	block1Hex := "010000006fe28c0ab6f1b372c1a6a246ae63f74f931e8365e15a089c68d6190000000000982051fd1e4ba744bbbe680e1fee14677ba1a3c3540bf7b1cdb606e857233e0e61bc6649ffff001d01e36299"

	sut, server := newApi(t)
	server.HandleResult("blockchain.block.headers", map[string]any{
		"count": 2,
		"hex":   genesisHex + block1Hex,
		"max":   2016,
	})

	// when
	headers, err := sut.GetBlockHeaders(ctx(t), 0, 2)

	// then
	require.NoError(t, err)
	require.Len(t, headers, 2)
	require.Equal(t, uint32(0), headers[0].BlockHeight)
	require.Equal(t, uint32(1), headers[1].BlockHeight)
	require.Equal(t, headers[0].BlockHash, headers[1].PrevHash)
}

func TestGetFeeHistogram(t *testing.T) {
	// given
	sut, server := newApi(t)
	server.HandleResult("mempool.get_fee_histogram", [][]float64{{12, 128812}, {4, 92524}, {1, 174380}})

	// when
	histogram, err := sut.GetFeeHistogram(ctx(t))

	// then
	require.NoError(t, err)
	require.Len(t, histogram, 3)
	require.Equal(t, float64(12), histogram[0].Fee)
	require.Equal(t, uint64(128812), histogram[0].VSize)
}

func TestEstimateFee(t *testing.T) {
	// given
	sut, server := newApi(t)
	server.HandleResult("blockchain.estimatefee", 0.00053)

	// when
	fee, err := sut.EstimateFee(ctx(t), 6)

	// then
	require.NoError(t, err)
	require.InDelta(t, 0.00053, fee, 1e-9)
}

func TestSubscribeReceipts(t *testing.T) {
	// given: every status change triggers a history fetch
	sut, server := newApi(t)

	scriptHash, err := address.ScriptHash(genesisAddress, netparams.Mainnet.Params)
	require.NoError(t, err)

	server.HandleResult("blockchain.scripthash.subscribe", "status0")
	server.HandleResult("blockchain.scripthash.get_history", []*electrum.Receipt{
		{BlockHeight: 170, TransactionHash: "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16"},
	})

	received := make(chan []*electrum.Receipt, 2)

	// when
	err = sut.SubscribeReceipts(ctx(t), genesisAddress, func(receipts []*electrum.Receipt) {
		received <- receipts
	})

	// then: the initial snapshot
	require.NoError(t, err)
	receipts := <-received
	require.Len(t, receipts, 1)
	require.Equal(t, int32(170), receipts[0].BlockHeight)

	// and when the server pushes a status change, a fresh snapshot
	server.Notify("blockchain.scripthash.subscribe", scriptHash, "status1")

	select {
	case receipts = <-received:
		require.Len(t, receipts, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no receipts after status change")
	}
}
