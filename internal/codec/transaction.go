package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ccoveille/go-safecast"
)

const (
	// witnessScaleFactor is the BIP-141 weight multiplier for non-witness
	// bytes.
	witnessScaleFactor = 4

	// coinbaseOutputIndex marks the previous output index of a coinbase
	// input.
	coinbaseOutputIndex = 0xFFFFFFFF

	// rbfSequenceThreshold: any input sequence below this signals
	// replace-by-fee (BIP-125).
	rbfSequenceThreshold = 0xFFFFFFFE

	segwitMarker = 0x00
	segwitFlag   = 0x01
)

var (
	ErrTxTruncated     = errors.New("transaction data truncated")
	ErrTxTrailingBytes = errors.New("trailing bytes after transaction")
	ErrTxInvalidFlag   = errors.New("invalid segwit flag")
)

var zeroHash [32]byte

// ParseTransaction decodes a raw transaction in hex, legacy or BIP-144
// segwit wire form. Block fields are left unset.
func ParseTransaction(rawHex string) (*Transaction, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}

	return ParseTransactionBytes(raw)
}

// ParseTransactionBytes decodes a raw transaction from wire bytes.
func ParseTransactionBytes(raw []byte) (*Transaction, error) {
	r := bytes.NewReader(raw)

	var version int32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, errors.Join(ErrTxTruncated, err)
	}

	// A zero byte where the input count belongs is the segwit marker;
	// a transaction cannot have zero inputs.
	segwit := false
	marker, err := r.ReadByte()
	if err != nil {
		return nil, errors.Join(ErrTxTruncated, err)
	}
	if marker == segwitMarker {
		flag, err := r.ReadByte()
		if err != nil {
			return nil, errors.Join(ErrTxTruncated, err)
		}
		if flag != segwitFlag {
			return nil, fmt.Errorf("%w: 0x%02x", ErrTxInvalidFlag, flag)
		}
		segwit = true
	} else {
		if err = r.UnreadByte(); err != nil {
			return nil, err
		}
	}

	inCount, err := readVarInt(r)
	if err != nil {
		return nil, err
	}

	inputs := make([]*Input, 0, inCount)
	for i := uint64(0); i < inCount; i++ {
		in, err := readInput(r)
		if err != nil {
			return nil, err
		}

		in.Index, err = safecast.ToUint32(i)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}

	outCount, err := readVarInt(r)
	if err != nil {
		return nil, err
	}

	outputs := make([]*Output, 0, outCount)
	for i := uint64(0); i < outCount; i++ {
		out, err := readOutput(r)
		if err != nil {
			return nil, err
		}

		out.Index, err = safecast.ToUint32(i)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	if segwit {
		for _, in := range inputs {
			itemCount, err := readVarInt(r)
			if err != nil {
				return nil, err
			}

			witness := make([]HexBytes, 0, itemCount)
			for j := uint64(0); j < itemCount; j++ {
				item, err := readVarBytes(r)
				if err != nil {
					return nil, err
				}
				witness = append(witness, item)
			}
			in.Witness = witness
		}
	}

	var lockTime uint32
	if err := binary.Read(r, binary.LittleEndian, &lockTime); err != nil {
		return nil, errors.Join(ErrTxTruncated, err)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTxTrailingBytes, r.Len())
	}

	tx := &Transaction{
		Inputs:   inputs,
		Outputs:  outputs,
		Version:  version,
		LockTime: lockTime,
	}

	finalizeTransaction(tx, raw)

	return tx, nil
}

// finalizeTransaction fills in the derived fields: hash, weight, vsize,
// coinbase and RBF flags.
func finalizeTransaction(tx *Transaction, wire []byte) {
	stripped := SerializeTransaction(tx, false)

	hash := Sha256d(stripped)
	tx.TransactionHash = HashToHex(hash)

	baseSize := uint64(len(stripped))
	totalSize := uint64(len(wire))
	tx.Weight = baseSize*(witnessScaleFactor-1) + totalSize
	tx.VSize = (tx.Weight + witnessScaleFactor - 1) / witnessScaleFactor

	tx.IsCoinbase = len(tx.Inputs) == 1 &&
		tx.Inputs[0].TransactionHash == HashToHex(zeroHash) &&
		tx.Inputs[0].OutputIndex == coinbaseOutputIndex

	tx.ReplaceByFee = false
	for _, in := range tx.Inputs {
		if in.Sequence < rbfSequenceThreshold {
			tx.ReplaceByFee = true
			break
		}
	}
}

// SerializeTransaction re-encodes a transaction to wire bytes. With
// withWitness false the legacy (txid) form is produced.
func SerializeTransaction(tx *Transaction, withWitness bool) []byte {
	hasWitness := false
	for _, in := range tx.Inputs {
		if len(in.Witness) > 0 {
			hasWitness = true
			break
		}
	}
	withWitness = withWitness && hasWitness

	var buf bytes.Buffer

	_ = binary.Write(&buf, binary.LittleEndian, tx.Version)

	if withWitness {
		buf.WriteByte(segwitMarker)
		buf.WriteByte(segwitFlag)
	}

	writeVarInt(&buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		prev, err := HexToHash(in.TransactionHash)
		if err != nil {
			prev = zeroHash
		}
		buf.Write(prev[:])
		_ = binary.Write(&buf, binary.LittleEndian, in.OutputIndex)
		writeVarBytes(&buf, in.Script)
		_ = binary.Write(&buf, binary.LittleEndian, in.Sequence)
	}

	writeVarInt(&buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		_ = binary.Write(&buf, binary.LittleEndian, out.Value)
		writeVarBytes(&buf, out.Script)
	}

	if withWitness {
		for _, in := range tx.Inputs {
			writeVarInt(&buf, uint64(len(in.Witness)))
			for _, item := range in.Witness {
				writeVarBytes(&buf, item)
			}
		}
	}

	_ = binary.Write(&buf, binary.LittleEndian, tx.LockTime)

	return buf.Bytes()
}

// SerializeTransactionHex returns the full wire form in lowercase hex.
func SerializeTransactionHex(tx *Transaction) string {
	return hex.EncodeToString(SerializeTransaction(tx, true))
}

func readInput(r *bytes.Reader) (*Input, error) {
	var prev [32]byte
	if _, err := io.ReadFull(r, prev[:]); err != nil {
		return nil, errors.Join(ErrTxTruncated, err)
	}

	var outputIndex uint32
	if err := binary.Read(r, binary.LittleEndian, &outputIndex); err != nil {
		return nil, errors.Join(ErrTxTruncated, err)
	}

	script, err := readVarBytes(r)
	if err != nil {
		return nil, err
	}

	var sequence uint32
	if err := binary.Read(r, binary.LittleEndian, &sequence); err != nil {
		return nil, errors.Join(ErrTxTruncated, err)
	}

	return &Input{
		Script:          script,
		TransactionHash: HashToHex(prev),
		Witness:         []HexBytes{},
		OutputIndex:     outputIndex,
		Sequence:        sequence,
	}, nil
}

func readOutput(r *bytes.Reader) (*Output, error) {
	var value int64
	if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
		return nil, errors.Join(ErrTxTruncated, err)
	}

	script, err := readVarBytes(r)
	if err != nil {
		return nil, err
	}

	return &Output{
		Script: script,
		Value:  value,
	}, nil
}

func readVarInt(r *bytes.Reader) (uint64, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return 0, errors.Join(ErrTxTruncated, err)
	}

	switch prefix {
	case 0xfd:
		var v uint16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, errors.Join(ErrTxTruncated, err)
		}
		return uint64(v), nil
	case 0xfe:
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, errors.Join(ErrTxTruncated, err)
		}
		return uint64(v), nil
	case 0xff:
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, errors.Join(ErrTxTruncated, err)
		}
		return v, nil
	default:
		return uint64(prefix), nil
	}
}

func writeVarInt(buf *bytes.Buffer, v uint64) {
	switch {
	case v < 0xfd:
		buf.WriteByte(byte(v))
	case v <= 0xffff:
		buf.WriteByte(0xfd)
		_ = binary.Write(buf, binary.LittleEndian, uint16(v))
	case v <= 0xffffffff:
		buf.WriteByte(0xfe)
		_ = binary.Write(buf, binary.LittleEndian, uint32(v))
	default:
		buf.WriteByte(0xff)
		_ = binary.Write(buf, binary.LittleEndian, v)
	}
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}

	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrTxTruncated, n, r.Len())
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Join(ErrTxTruncated, err)
	}

	return b, nil
}

func writeVarBytes(buf *bytes.Buffer, b []byte) {
	writeVarInt(buf, uint64(len(b)))
	buf.Write(b)
}
