package electrum

import (
	"fmt"

	"github.com/bitlume/electrum/internal/codec"
)

// VerifyMerkleProof folds the sibling path over the transaction hash and
// compares the resulting root with merkleRoot (big-endian hex). All hashing
// is SHA-256d over the concatenation in leaf order.
func VerifyMerkleProof(txHash string, proof *MerkleProof, merkleRoot string) error {
	node, err := codec.HexToHash(txHash)
	if err != nil {
		return fmt.Errorf("invalid transaction hash: %w", err)
	}

	pos := proof.Pos
	buf := make([]byte, 64)

	for _, pairHex := range proof.Merkle {
		pair, err := codec.HexToHash(pairHex)
		if err != nil {
			return fmt.Errorf("invalid merkle path element: %w", err)
		}

		if pos%2 == 0 {
			copy(buf[:32], node[:])
			copy(buf[32:], pair[:])
		} else {
			copy(buf[:32], pair[:])
			copy(buf[32:], node[:])
		}

		node = codec.Sha256d(buf)
		pos >>= 1
	}

	if computed := codec.HashToHex(node); computed != merkleRoot {
		return fmt.Errorf("%w: transaction %s resolves to root %s, header has %s",
			ErrMerkleProofInvalid, txHash, computed, merkleRoot)
	}

	return nil
}
