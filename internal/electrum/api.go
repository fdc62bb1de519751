package electrum

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitlume/electrum/internal/address"
	"github.com/bitlume/electrum/internal/codec"
	"github.com/bitlume/electrum/internal/jsonrpc"
	"github.com/bitlume/electrum/internal/netparams"
)

const (
	methodServerVersion     = "server.version"
	methodServerFeatures    = "server.features"
	methodServerPing        = "server.ping"
	methodServerPeers       = "server.peers.subscribe"
	methodGetBalance        = "blockchain.scripthash.get_balance"
	methodGetHistory        = "blockchain.scripthash.get_history"
	methodListUnspent       = "blockchain.scripthash.listunspent"
	methodScriptHashSub     = "blockchain.scripthash.subscribe"
	methodHeadersSub        = "blockchain.headers.subscribe"
	methodBlockHeader       = "blockchain.block.header"
	methodBlockHeaders      = "blockchain.block.headers"
	methodTransactionGet    = "blockchain.transaction.get"
	methodTransactionMerkle = "blockchain.transaction.get_merkle"
	methodTransactionCast   = "blockchain.transaction.broadcast"
	methodEstimateFee       = "blockchain.estimatefee"
	methodRelayFee          = "blockchain.relayfee"
	methodFeeHistogram      = "mempool.get_fee_histogram"

	// notificationFetchTimeout bounds the history fetch a receipt
	// notification triggers.
	notificationFetchTimeout = 30 * time.Second
)

// Api is the typed Electrum method surface over one JSON-RPC channel.
type Api struct {
	channel *jsonrpc.Channel
	network *netparams.Network
	logger  *slog.Logger
}

func NewApi(channel *jsonrpc.Channel, network *netparams.Network, logger *slog.Logger) *Api {
	return &Api{
		channel: channel,
		network: network,
		logger:  logger.With(slog.String("network", network.Name)),
	}
}

// Network returns the network record the api was constructed with.
func (a *Api) Network() *netparams.Network {
	return a.network
}

// Close tears down the underlying channel.
func (a *Api) Close(reason error) {
	a.channel.Close(reason)
}

// SetProtocolVersion negotiates the protocol version via server.version.
// It fails with ErrIncompatibleProtocol when the server cannot satisfy the
// requested range.
func (a *Api) SetProtocolVersion(ctx context.Context, clientID, minVersion, maxVersion string) (serverID, protocol string, err error) {
	raw, err := a.channel.Request(ctx, methodServerVersion, clientID, []string{minVersion, maxVersion})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return "", "", errors.Join(ErrIncompatibleProtocol, err)
		}
		return "", "", err
	}

	var pair [2]string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return "", "", errors.Join(ErrIncompatibleProtocol, err)
	}

	return pair[0], pair[1], nil
}

// GetFeatures fetches server.features.
func (a *Api) GetFeatures(ctx context.Context) (*Features, error) {
	raw, err := a.channel.Request(ctx, methodServerFeatures)
	if err != nil {
		return nil, err
	}

	features := &Features{}
	if err := json.Unmarshal(raw, features); err != nil {
		return nil, fmt.Errorf("malformed features: %w", err)
	}

	return features, nil
}

// Ping probes the connection.
func (a *Api) Ping(ctx context.Context) error {
	_, err := a.channel.Request(ctx, methodServerPing)
	return err
}

// GetPeers fetches and parses the server's peer list.
func (a *Api) GetPeers(ctx context.Context) ([]*Peer, error) {
	raw, err := a.channel.Request(ctx, methodServerPeers)
	if err != nil {
		return nil, err
	}

	return parsePeers(raw, a.network)
}

// GetBalance fetches the confirmed/unconfirmed balance of an address.
func (a *Api) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	scriptHash, err := address.ScriptHash(addr, a.network.Params)
	if err != nil {
		return nil, err
	}

	raw, err := a.channel.Request(ctx, methodGetBalance, scriptHash)
	if err != nil {
		return nil, err
	}

	balance := &Balance{}
	if err := json.Unmarshal(raw, balance); err != nil {
		return nil, fmt.Errorf("malformed balance: %w", err)
	}

	return balance, nil
}

// GetReceipts fetches the transaction history of an address.
func (a *Api) GetReceipts(ctx context.Context, addr string) ([]*Receipt, error) {
	scriptHash, err := address.ScriptHash(addr, a.network.Params)
	if err != nil {
		return nil, err
	}

	return a.GetReceiptsByScriptHash(ctx, scriptHash)
}

// GetReceiptsByScriptHash fetches the transaction history of a script hash.
func (a *Api) GetReceiptsByScriptHash(ctx context.Context, scriptHash string) ([]*Receipt, error) {
	raw, err := a.channel.Request(ctx, methodGetHistory, scriptHash)
	if err != nil {
		return nil, err
	}

	var receipts []*Receipt
	if err := json.Unmarshal(raw, &receipts); err != nil {
		return nil, fmt.Errorf("malformed history: %w", err)
	}

	return receipts, nil
}

// ListUnspent fetches the unspent outputs paying to an address.
func (a *Api) ListUnspent(ctx context.Context, addr string) ([]*Utxo, error) {
	scriptHash, err := address.ScriptHash(addr, a.network.Params)
	if err != nil {
		return nil, err
	}

	raw, err := a.channel.Request(ctx, methodListUnspent, scriptHash)
	if err != nil {
		return nil, err
	}

	var utxos []*Utxo
	if err := json.Unmarshal(raw, &utxos); err != nil {
		return nil, fmt.Errorf("malformed listunspent: %w", err)
	}

	return utxos, nil
}

// GetTransaction fetches and decodes a raw transaction. When block is given
// the server's Merkle path is verified against the header before the block
// fields are attached; a mismatch fails with ErrMerkleProofInvalid and the
// transaction is not returned.
func (a *Api) GetTransaction(ctx context.Context, txHash string, block *codec.BlockHeader) (*codec.Transaction, error) {
	raw, err := a.channel.Request(ctx, methodTransactionGet, txHash)
	if err != nil {
		return nil, err
	}

	var rawTx string
	if err := json.Unmarshal(raw, &rawTx); err != nil {
		return nil, fmt.Errorf("malformed transaction response: %w", err)
	}

	tx, err := codec.ParseTransaction(rawTx)
	if err != nil {
		return nil, err
	}

	a.deriveAddresses(tx)

	if block != nil {
		if err := a.ProofTransaction(ctx, tx.TransactionHash, block); err != nil {
			return nil, err
		}

		tx.BlockHash = block.BlockHash
		tx.BlockHeight = block.BlockHeight
		tx.Timestamp = block.Timestamp
	}

	return tx, nil
}

// ProofTransaction runs a standalone Merkle inclusion proof of a
// transaction against a block header.
func (a *Api) ProofTransaction(ctx context.Context, txHash string, block *codec.BlockHeader) error {
	proof, err := a.GetMerkle(ctx, txHash, block.BlockHeight)
	if err != nil {
		return err
	}

	return VerifyMerkleProof(txHash, proof, block.MerkleRoot)
}

// GetMerkle fetches the Merkle path of a confirmed transaction.
func (a *Api) GetMerkle(ctx context.Context, txHash string, height uint32) (*MerkleProof, error) {
	raw, err := a.channel.Request(ctx, methodTransactionMerkle, txHash, height)
	if err != nil {
		return nil, err
	}

	proof := &MerkleProof{}
	if err := json.Unmarshal(raw, proof); err != nil {
		return nil, fmt.Errorf("malformed merkle proof: %w", err)
	}

	return proof, nil
}

// GetBlockHeader fetches and decodes the header at the given height.
func (a *Api) GetBlockHeader(ctx context.Context, height uint32) (*codec.BlockHeader, error) {
	raw, err := a.channel.Request(ctx, methodBlockHeader, height)
	if err != nil {
		return nil, err
	}

	var rawHeader string
	if err := json.Unmarshal(raw, &rawHeader); err != nil {
		return nil, fmt.Errorf("malformed header response: %w", err)
	}

	return codec.ParseHeader(rawHeader, height)
}

// GetBlockHeaders fetches a contiguous batch of headers starting at start.
// The server may return fewer than count.
func (a *Api) GetBlockHeaders(ctx context.Context, start, count uint32) ([]*codec.BlockHeader, error) {
	raw, err := a.channel.Request(ctx, methodBlockHeaders, start, count)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Count uint32 `json:"count"`
		Hex   string `json:"hex"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed headers response: %w", err)
	}

	concat, err := hex.DecodeString(resp.Hex)
	if err != nil {
		return nil, fmt.Errorf("malformed headers hex: %w", err)
	}
	if len(concat)%80 != 0 {
		return nil, fmt.Errorf("headers payload is not a multiple of 80 bytes: %d", len(concat))
	}

	headers := make([]*codec.BlockHeader, 0, len(concat)/80)
	for i := 0; i < len(concat); i += 80 {
		header, err := codec.ParseHeaderBytes(concat[i:i+80], start+uint32(i/80))
		if err != nil {
			return nil, err
		}
		headers = append(headers, header)
	}

	return headers, nil
}

// BroadcastTransaction submits a raw transaction. Electrum 1.0 servers
// report failures as a plain string result; anything that is not the
// expected transaction hash is treated as the rejection message.
func (a *Api) BroadcastTransaction(ctx context.Context, rawTx string) (*codec.Transaction, error) {
	tx, err := codec.ParseTransaction(rawTx)
	if err != nil {
		return nil, err
	}

	raw, err := a.channel.Request(ctx, methodTransactionCast, rawTx)
	if err != nil {
		return nil, err
	}

	var result string
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed broadcast response: %w", err)
	}

	if result != tx.TransactionHash {
		return nil, fmt.Errorf("%w: %s", ErrBroadcastRejected, result)
	}

	a.deriveAddresses(tx)

	return tx, nil
}

// GetFeeHistogram fetches the mempool fee histogram.
func (a *Api) GetFeeHistogram(ctx context.Context) ([]*FeeBucket, error) {
	raw, err := a.channel.Request(ctx, methodFeeHistogram)
	if err != nil {
		return nil, err
	}

	var histogram []*FeeBucket
	if err := json.Unmarshal(raw, &histogram); err != nil {
		return nil, fmt.Errorf("malformed fee histogram: %w", err)
	}

	return histogram, nil
}

// EstimateFee asks for the fee rate targeting confirmation within the
// given number of blocks. The server answers -1 when it has no estimate.
func (a *Api) EstimateFee(ctx context.Context, target uint32) (float64, error) {
	raw, err := a.channel.Request(ctx, methodEstimateFee, target)
	if err != nil {
		return 0, err
	}

	var fee float64
	if err := json.Unmarshal(raw, &fee); err != nil {
		return 0, fmt.Errorf("malformed fee estimate: %w", err)
	}

	return fee, nil
}

// GetRelayFee fetches the server's minimum relay fee.
func (a *Api) GetRelayFee(ctx context.Context) (float64, error) {
	raw, err := a.channel.Request(ctx, methodRelayFee)
	if err != nil {
		return 0, err
	}

	var fee float64
	if err := json.Unmarshal(raw, &fee); err != nil {
		return 0, fmt.Errorf("malformed relay fee: %w", err)
	}

	return fee, nil
}

// SubscribeHeaders subscribes to the chain tip. The initial response and
// every later notification are decoded and forwarded to notify.
func (a *Api) SubscribeHeaders(ctx context.Context, notify func(*codec.BlockHeader)) error {
	return a.channel.Subscribe(ctx, methodHeadersSub, func(params json.RawMessage) {
		header, err := decodeHeaderNotification(params)
		if err != nil {
			a.logger.Error("Malformed header notification", slog.String("err", err.Error()))
			return
		}

		notify(header)
	})
}

// SubscribeReceipts subscribes to status changes of an address. Electrum
// pushes an opaque status hash; each change triggers a history fetch, and
// notify receives the fresh receipt list.
func (a *Api) SubscribeReceipts(ctx context.Context, addr string, notify func([]*Receipt)) error {
	scriptHash, err := address.ScriptHash(addr, a.network.Params)
	if err != nil {
		return err
	}

	return a.channel.Subscribe(ctx, methodScriptHashSub, func(json.RawMessage) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), notificationFetchTimeout)
		defer cancel()

		receipts, err := a.GetReceiptsByScriptHash(fetchCtx, scriptHash)
		if err != nil {
			a.logger.Error("Failed to fetch receipts after status change",
				slog.String("address", addr),
				slog.String("err", err.Error()),
			)
			return
		}

		notify(receipts)
	}, scriptHash)
}

// UnsubscribeReceipts drops the receipt subscription of an address.
func (a *Api) UnsubscribeReceipts(addr string) error {
	scriptHash, err := address.ScriptHash(addr, a.network.Params)
	if err != nil {
		return err
	}

	a.channel.Unsubscribe(methodScriptHashSub, scriptHash)

	return nil
}

// deriveAddresses attaches addresses to inputs and outputs where the
// script shapes allow it. Underivable shapes are recorded and skipped.
func (a *Api) deriveAddresses(tx *codec.Transaction) {
	for _, in := range tx.Inputs {
		if tx.IsCoinbase {
			break
		}

		addr, err := address.FromInput(in, a.network.Params)
		if err != nil {
			a.logger.Debug("No address for input",
				slog.String("tx", tx.TransactionHash),
				slog.Uint64("index", uint64(in.Index)),
				slog.String("err", err.Error()),
			)
			continue
		}
		in.Address = addr.EncodeAddress()
	}

	for _, out := range tx.Outputs {
		addr, err := address.FromOutputScript(out.Script, a.network.Params)
		if err != nil {
			a.logger.Debug("No address for output",
				slog.String("tx", tx.TransactionHash),
				slog.Uint64("index", uint64(out.Index)),
				slog.String("err", err.Error()),
			)
			continue
		}
		out.Address = addr.EncodeAddress()
	}
}

// decodeHeaderNotification handles both notification params
// ([{height, hex}]) and the wrapped initial response.
func decodeHeaderNotification(params json.RawMessage) (*codec.BlockHeader, error) {
	var items []struct {
		Height uint32 `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := json.Unmarshal(params, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("empty header notification")
	}

	return codec.ParseHeader(items[0].Hex, items[0].Height)
}
