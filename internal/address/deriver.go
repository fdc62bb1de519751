// Package address maps between Bitcoin addresses, output scripts and the
// script hashes Electrum uses as index keys, and recovers the paying address
// from input script/witness shapes.
package address

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/bitlume/electrum/internal/codec"
)

var (
	ErrNoAddress      = errors.New("no address for script")
	ErrUnknownShape   = errors.New("unrecognized input shape")
	ErrInvalidAddress = errors.New("invalid address")
)

// FromInput classifies an input by its (script chunks, witness items) shape
// and recovers the paying address. Unrecognized shapes return
// ErrUnknownShape; callers record those, they are not fatal.
func FromInput(in *codec.Input, params *chaincfg.Params) (btcutil.Address, error) {
	chunks, err := txscript.PushedData(in.Script)
	if err != nil {
		return nil, fmt.Errorf("failed to decompile input script: %w", err)
	}

	nChunks, nWitness := len(chunks), len(in.Witness)

	switch {
	// P2PKH: <sig> <pubkey>
	case nChunks == 2 && nWitness == 0:
		return pubKeyHashAddress(chunks[1], params)

	// P2SH-P2WPKH: scriptSig pushes the witness program, pubkey in witness
	case nChunks == 1 && nWitness == 2:
		return nestedWitnessPubKeyAddress(in.Witness[1], params)

	// P2WPKH: empty scriptSig, <sig> <pubkey> witness
	case nChunks == 0 && nWitness == 2:
		return witnessPubKeyHashAddress(in.Witness[1], params)

	// P2SH multisig: OP_0 <sig...> <redeem script>
	case nChunks > 2 && nWitness == 0:
		return scriptHashAddress(chunks[nChunks-1], params)

	// P2SH-P2WSH multisig: scriptSig pushes the witness program,
	// OP_0 <sig...> <witness script> in the witness
	case nChunks == 1 && nWitness > 2:
		return nestedWitnessScriptAddress(in.Witness[nWitness-1], params)

	// P2WSH multisig: empty scriptSig, OP_0 <sig...> <witness script>
	case nChunks == 0 && nWitness > 2:
		return witnessScriptHashAddress(in.Witness[nWitness-1], params)
	}

	return nil, fmt.Errorf("%w: %d chunks, %d witness items", ErrUnknownShape, nChunks, nWitness)
}

// FromOutputScript derives the address encoded by an output script.
func FromOutputScript(script []byte, params *chaincfg.Params) (btcutil.Address, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return nil, fmt.Errorf("failed to extract address: %w", err)
	}
	if len(addrs) != 1 {
		return nil, ErrNoAddress
	}

	return addrs[0], nil
}

// ToOutputScript builds the output script paying to the given address.
func ToOutputScript(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, errors.Join(ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("%w: %s is not a %s address", ErrInvalidAddress, addr, params.Name)
	}

	return txscript.PayToAddrScript(decoded)
}

// ScriptHash converts an address into the script hash Electrum keys its
// index by: SHA-256 of the output script, byte-reversed, lowercase hex.
func ScriptHash(addr string, params *chaincfg.Params) (string, error) {
	script, err := ToOutputScript(addr, params)
	if err != nil {
		return "", err
	}

	return ScriptHashFromScript(script), nil
}

// ScriptHashFromScript converts an output script into the Electrum index
// key form.
func ScriptHashFromScript(script []byte) string {
	sum := sha256.Sum256(script)
	return hex.EncodeToString(codec.ReverseBytes(sum[:]))
}

func pubKeyHashAddress(pubKey []byte, params *chaincfg.Params) (btcutil.Address, error) {
	return btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey), params)
}

func witnessPubKeyHashAddress(pubKey []byte, params *chaincfg.Params) (btcutil.Address, error) {
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey), params)
}

// nestedWitnessPubKeyAddress wraps the P2WPKH program for the pubkey in a
// P2SH address (BIP-141 P2SH-P2WPKH).
func nestedWitnessPubKeyAddress(pubKey []byte, params *chaincfg.Params) (btcutil.Address, error) {
	witnessAddr, err := witnessPubKeyHashAddress(pubKey, params)
	if err != nil {
		return nil, err
	}

	redeem, err := txscript.PayToAddrScript(witnessAddr)
	if err != nil {
		return nil, err
	}

	return btcutil.NewAddressScriptHash(redeem, params)
}

func scriptHashAddress(redeem []byte, params *chaincfg.Params) (btcutil.Address, error) {
	if err := checkMultisig(redeem); err != nil {
		return nil, err
	}

	return btcutil.NewAddressScriptHash(redeem, params)
}

func witnessScriptHashAddress(witnessScript []byte, params *chaincfg.Params) (btcutil.Address, error) {
	if err := checkMultisig(witnessScript); err != nil {
		return nil, err
	}

	program := sha256.Sum256(witnessScript)
	return btcutil.NewAddressWitnessScriptHash(program[:], params)
}

// nestedWitnessScriptAddress wraps the P2WSH program for the witness script
// in a P2SH address (BIP-141 P2SH-P2WSH).
func nestedWitnessScriptAddress(witnessScript []byte, params *chaincfg.Params) (btcutil.Address, error) {
	witnessAddr, err := witnessScriptHashAddress(witnessScript, params)
	if err != nil {
		return nil, err
	}

	redeem, err := txscript.PayToAddrScript(witnessAddr)
	if err != nil {
		return nil, err
	}

	return btcutil.NewAddressScriptHash(redeem, params)
}

// checkMultisig verifies that an inner script decompiles to a multisig
// template before an address is derived from it.
func checkMultisig(script []byte) error {
	if txscript.GetScriptClass(script) != txscript.MultiSigTy {
		return fmt.Errorf("%w: inner script is not multisig", ErrUnknownShape)
	}

	return nil
}
