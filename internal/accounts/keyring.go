package accounts

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keyring holds the private keys of the account pool in configuration order.
type Keyring struct {
	keys  map[common.Address]*ecdsa.PrivateKey
	order []common.Address
}

func NewKeyring(hexKeys []string) (*Keyring, error) {
	if len(hexKeys) == 0 {
		return nil, errors.New("no private keys configured")
	}
	k := &Keyring{keys: make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys))}
	for i, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key #%d: %v", i, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if _, dup := k.keys[addr]; dup {
			return nil, fmt.Errorf("duplicate private key for %s", addr.Hex())
		}
		k.keys[addr] = key
		k.order = append(k.order, addr)
	}
	return k, nil
}

func (k *Keyring) Addresses() []common.Address {
	return append([]common.Address(nil), k.order...)
}

func (k *Keyring) Primary() common.Address {
	return k.order[0]
}

func (k *Keyring) Has(addr common.Address) bool {
	_, ok := k.keys[addr]
	return ok
}

// SignTx signs tx for from with the EIP-155 signer of chainID.
func (k *Keyring) SignTx(from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	key, ok := k.keys[from]
	if !ok {
		return nil, fmt.Errorf("no key for account %s", from.Hex())
	}
	return types.SignTx(tx, types.NewEIP155Signer(chainID), key)
}
