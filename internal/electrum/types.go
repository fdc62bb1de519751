// Package electrum is the typed method surface over the JSON-RPC channel:
// one method per Electrum RPC, with raw payloads converted to plain
// structures at this boundary.
package electrum

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMerkleProofInvalid is returned when the Merkle path the server
	// provides does not resolve to the block's Merkle root.
	ErrMerkleProofInvalid = errors.New("merkle proof invalid")

	// ErrBroadcastRejected carries the server's error message when a
	// broadcast does not return the expected transaction hash.
	ErrBroadcastRejected = errors.New("broadcast rejected")

	ErrIncompatibleProtocol = errors.New("incompatible protocol version")
)

// Transport selects how a peer is reached. TCP and SSL are only reachable
// through a tunneling proxy; WSS connects directly.
type Transport int

const (
	TransportNone Transport = iota
	TransportTCP
	TransportSSL
	TransportWSS
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportSSL:
		return "ssl"
	case TransportWSS:
		return "wss"
	default:
		return "none"
	}
}

// PeerPorts lists the service ports a peer advertises; zero means the
// service is not offered.
type PeerPorts struct {
	TCP uint16 `json:"tcp,omitempty"`
	SSL uint16 `json:"ssl,omitempty"`
	WSS uint16 `json:"wss,omitempty"`
}

// Peer describes one Electrum server. Immutable after construction.
type Peer struct {
	IP              string    `json:"ip"`
	Host            string    `json:"host"`
	Version         string    `json:"version"`
	PruningLimit    uint32    `json:"pruning_limit,omitempty"`
	Ports           PeerPorts `json:"ports"`
	WSSPath         string    `json:"wss_path,omitempty"`
	PreferTransport Transport `json:"-"`
}

// Receipt is one history entry for an address: height 0 means unconfirmed,
// -1 unconfirmed with an unconfirmed parent, >0 the confirmation height.
type Receipt struct {
	BlockHeight     int32  `json:"height"`
	TransactionHash string `json:"tx_hash"`
	Fee             *int64 `json:"fee,omitempty"`
}

// Balance of a script hash, in satoshis.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// Utxo is one unspent output as reported by listunspent.
type Utxo struct {
	TransactionHash string `json:"tx_hash"`
	OutputIndex     uint32 `json:"tx_pos"`
	BlockHeight     int32  `json:"height"`
	Value           int64  `json:"value"`
}

// Features is the server.features response; only the fields the client
// interprets are typed.
type Features struct {
	GenesisHash   string `json:"genesis_hash"`
	ServerVersion string `json:"server_version"`
	ProtocolMin   string `json:"protocol_min"`
	ProtocolMax   string `json:"protocol_max"`
	HashFunction  string `json:"hash_function"`
	PruningLimit  uint32 `json:"pruning"`
}

// MerkleProof is the blockchain.transaction.get_merkle response: the
// sibling hashes from the transaction leaf up to the root, plus the leaf
// position.
type MerkleProof struct {
	BlockHeight uint32   `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         uint32   `json:"pos"`
}

// FeeBucket is one mempool.get_fee_histogram entry: all mempool
// transactions paying at least Fee sat/vbyte sum to VSize vbytes.
type FeeBucket struct {
	Fee   float64
	VSize uint64
}

// UnmarshalJSON decodes the wire form [fee, vsize].
func (b *FeeBucket) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if pair[1] < 0 {
		return fmt.Errorf("negative vsize in fee histogram: %f", pair[1])
	}

	b.Fee = pair[0]
	b.VSize = uint64(pair[1])

	return nil
}
