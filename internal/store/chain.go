package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bitlume/electrum/internal/codec"
)

// BlockStore caches block headers by height.
type BlockStore struct {
	store Store
}

func NewBlockStore(store Store) *BlockStore {
	return &BlockStore{store: store}
}

// Header returns the cached header at height, or ErrNotFound.
func (s *BlockStore) Header(height uint32) (*codec.BlockHeader, error) {
	value, err := s.store.Get(blockKey(height))
	if err != nil {
		return nil, err
	}

	header := &codec.BlockHeader{}
	if err := json.Unmarshal(value, header); err != nil {
		return nil, errors.Join(ErrFailedToGet, err)
	}

	return header, nil
}

// PutHeader caches a header under its height. Duplicate writes of the same
// header are benign.
func (s *BlockStore) PutHeader(header *codec.BlockHeader) error {
	value, err := json.Marshal(header)
	if err != nil {
		return errors.Join(ErrFailedToSet, err)
	}

	return s.store.Set(blockKey(header.BlockHeight), value, 0)
}

// TransactionStore caches decoded transactions by hash.
type TransactionStore struct {
	store Store
}

func NewTransactionStore(store Store) *TransactionStore {
	return &TransactionStore{store: store}
}

// Transaction returns the cached transaction, or ErrNotFound.
func (s *TransactionStore) Transaction(txHash string) (*codec.Transaction, error) {
	value, err := s.store.Get(txKey(txHash))
	if err != nil {
		return nil, err
	}

	tx := &codec.Transaction{}
	if err := json.Unmarshal(value, tx); err != nil {
		return nil, errors.Join(ErrFailedToGet, err)
	}

	return tx, nil
}

// PutTransaction caches a transaction under its hash.
func (s *TransactionStore) PutTransaction(tx *codec.Transaction) error {
	value, err := json.Marshal(tx)
	if err != nil {
		return errors.Join(ErrFailedToSet, err)
	}

	return s.store.Set(txKey(tx.TransactionHash), value, 0)
}

func blockKey(height uint32) string {
	return fmt.Sprintf("block/%d", height)
}

func txKey(hash string) string {
	return "tx/" + hash
}
