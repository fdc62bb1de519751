package electrum_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitlume/electrum/internal/electrum"
)

const (
	// block 170: the coinbase and the first peer-to-peer payment
	coinbase170   = "b1fea52486ce0c62bb442b530a3f0132b826c74e473d1f2c220bfa78111c5082"
	payment170    = "f4184fc596403b9d638783cf57adfe4c75c605f6356fbc91338530e9831e9e16"
	merkleRoot170 = "7dac2c5666815c17a3b36427de37bb9d2e2c5ccec3f8633eb91a4205cb4c10ff"
)

func TestVerifyMerkleProof(t *testing.T) {
	// given the payment at position 1 with the coinbase as its sibling
	proof := &electrum.MerkleProof{
		BlockHeight: 170,
		Merkle:      []string{coinbase170},
		Pos:         1,
	}

	// when
	err := electrum.VerifyMerkleProof(payment170, proof, merkleRoot170)

	// then
	require.NoError(t, err)
}

func TestVerifyMerkleProof_EvenPosition(t *testing.T) {
	// given the coinbase at position 0 with the payment as its sibling
	proof := &electrum.MerkleProof{
		BlockHeight: 170,
		Merkle:      []string{payment170},
		Pos:         0,
	}

	// when
	err := electrum.VerifyMerkleProof(coinbase170, proof, merkleRoot170)

	// then
	require.NoError(t, err)
}

func TestVerifyMerkleProof_Mismatch(t *testing.T) {
	// given a proof with one corrupted byte
	corrupted := "a1" + coinbase170[2:]
	proof := &electrum.MerkleProof{
		BlockHeight: 170,
		Merkle:      []string{corrupted},
		Pos:         1,
	}

	// when
	err := electrum.VerifyMerkleProof(payment170, proof, merkleRoot170)

	// then
	require.ErrorIs(t, err, electrum.ErrMerkleProofInvalid)
}

func TestVerifyMerkleProof_MalformedPath(t *testing.T) {
	proof := &electrum.MerkleProof{
		BlockHeight: 170,
		Merkle:      []string{"zz"},
		Pos:         1,
	}

	err := electrum.VerifyMerkleProof(payment170, proof, merkleRoot170)
	require.Error(t, err)
	require.NotErrorIs(t, err, electrum.ErrMerkleProofInvalid)
}

func TestVerifyMerkleProof_BadTxHash(t *testing.T) {
	err := electrum.VerifyMerkleProof("beef", &electrum.MerkleProof{}, merkleRoot170)
	require.Error(t, err)
}
