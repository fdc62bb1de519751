package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// headerSize is the wire size of a block header.
const headerSize = 80

var ErrHeaderSize = errors.New("block header must be 80 bytes")

// ParseHeader decodes an 80-byte block header from hex. The height is not
// part of the wire form; Electrum servers report it alongside.
func ParseHeader(rawHex string, height uint32) (*BlockHeader, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid header hex: %w", err)
	}

	return ParseHeaderBytes(raw, height)
}

// ParseHeaderBytes decodes an 80-byte block header from wire bytes.
func ParseHeaderBytes(raw []byte, height uint32) (*BlockHeader, error) {
	if len(raw) != headerSize {
		return nil, fmt.Errorf("%w: got %d", ErrHeaderSize, len(raw))
	}

	r := bytes.NewReader(raw)

	var version int32
	_ = binary.Read(r, binary.LittleEndian, &version)

	var prevHash, merkleRoot [32]byte
	_, _ = io.ReadFull(r, prevHash[:])
	_, _ = io.ReadFull(r, merkleRoot[:])

	var timestamp, bits, nonce uint32
	_ = binary.Read(r, binary.LittleEndian, &timestamp)
	_ = binary.Read(r, binary.LittleEndian, &bits)
	_ = binary.Read(r, binary.LittleEndian, &nonce)

	h := &BlockHeader{
		BlockHash:   HashToHex(Sha256d(raw)),
		BlockHeight: height,
		Timestamp:   timestamp,
		Bits:        bits,
		Nonce:       nonce,
		Version:     version,
		Weight:      headerSize * witnessScaleFactor,
		raw:         append([]byte(nil), raw...),
	}

	// The genesis header has no predecessor; both link fields stay unset.
	if height > 0 {
		h.PrevHash = HashToHex(prevHash)
		h.MerkleRoot = HashToHex(merkleRoot)
	}

	return h, nil
}

// SerializeHeader re-encodes a header to its 80-byte wire form. Headers
// parsed from the wire keep their original bytes; otherwise the form is
// rebuilt from the structural fields.
func SerializeHeader(h *BlockHeader) ([]byte, error) {
	if len(h.raw) == headerSize {
		return append([]byte(nil), h.raw...), nil
	}

	prevHash := zeroHash
	if h.PrevHash != "" {
		var err error
		prevHash, err = HexToHash(h.PrevHash)
		if err != nil {
			return nil, err
		}
	}

	merkleRoot := zeroHash
	if h.MerkleRoot != "" {
		var err error
		merkleRoot, err = HexToHash(h.MerkleRoot)
		if err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, h.Version)
	buf.Write(prevHash[:])
	buf.Write(merkleRoot[:])
	_ = binary.Write(&buf, binary.LittleEndian, h.Timestamp)
	_ = binary.Write(&buf, binary.LittleEndian, h.Bits)
	_ = binary.Write(&buf, binary.LittleEndian, h.Nonce)

	return buf.Bytes(), nil
}
