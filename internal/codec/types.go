package codec

// Transaction is the structural form of a Bitcoin transaction as exposed at
// the API boundary. Hash fields are big-endian lowercase hex.
type Transaction struct {
	TransactionHash string    `json:"transaction_hash"`
	Inputs          []*Input  `json:"inputs"`
	Outputs         []*Output `json:"outputs"`
	Version         int32     `json:"version"`
	VSize           uint64    `json:"vsize"`
	IsCoinbase      bool      `json:"is_coinbase"`
	Weight          uint64    `json:"weight"`
	LockTime        uint32    `json:"locktime"`
	ReplaceByFee    bool      `json:"replace_by_fee"`

	// Set only after the transaction has been proven to be included in a
	// block, see the api package.
	BlockHash   string `json:"block_hash,omitempty"`
	BlockHeight uint32 `json:"block_height,omitempty"`
	Timestamp   uint32 `json:"timestamp,omitempty"`
}

// Input is a transaction input. TransactionHash refers to the funding
// transaction, OutputIndex to the spent output within it, Index to the
// position of this input.
type Input struct {
	Script          HexBytes   `json:"script"`
	TransactionHash string     `json:"transaction_hash"`
	Address         string     `json:"address,omitempty"`
	Witness         []HexBytes `json:"witness"`
	Index           uint32     `json:"index"`
	OutputIndex     uint32     `json:"output_index"`
	Sequence        uint32     `json:"sequence"`
}

// Output is a transaction output. Value is in satoshis.
type Output struct {
	Script  HexBytes `json:"script"`
	Address string   `json:"address,omitempty"`
	Value   int64    `json:"value"`
	Index   uint32   `json:"index"`
}

// BlockHeader is the structural form of an 80-byte block header. PrevHash
// and MerkleRoot are empty for the genesis header only.
type BlockHeader struct {
	BlockHash   string `json:"block_hash"`
	BlockHeight uint32 `json:"block_height"`
	Timestamp   uint32 `json:"timestamp"`
	Bits        uint32 `json:"bits"`
	Nonce       uint32 `json:"nonce"`
	Version     int32  `json:"version"`
	Weight      uint64 `json:"weight"`
	PrevHash    string `json:"prev_hash,omitempty"`
	MerkleRoot  string `json:"merkle_root,omitempty"`

	// raw wire form, kept so headers re-serialize byte-exact even when the
	// genesis header leaves PrevHash/MerkleRoot unset.
	raw []byte
}
