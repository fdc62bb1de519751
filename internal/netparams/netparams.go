// Package netparams fixes the per-network constants: chain parameters,
// genesis hash and the default Electrum service ports.
package netparams

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

var ErrUnknownNetwork = errors.New("unknown network")

// Network is the immutable per-network configuration record. It is
// constructed once at startup and threaded through everything that needs
// chain parameters or the genesis hash.
type Network struct {
	Name        string
	GenesisHash string
	Params      *chaincfg.Params

	DefaultPortTCP uint16
	DefaultPortSSL uint16
	DefaultPortWSS uint16
}

var (
	Mainnet = &Network{
		Name:           "mainnet",
		GenesisHash:    "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
		Params:         &chaincfg.MainNetParams,
		DefaultPortTCP: 50001,
		DefaultPortSSL: 50002,
		DefaultPortWSS: 50004,
	}

	Testnet = &Network{
		Name:           "testnet",
		GenesisHash:    "000000000933ea01ad0ee984209779baaec3ced90fa3f408719526f8d77f4943",
		Params:         &chaincfg.TestNet3Params,
		DefaultPortTCP: 60001,
		DefaultPortSSL: 60002,
		DefaultPortWSS: 60004,
	}
)

// ByName resolves a configured network name.
func ByName(name string) (*Network, error) {
	switch name {
	case Mainnet.Name:
		return Mainnet, nil
	case Testnet.Name:
		return Testnet, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
}
