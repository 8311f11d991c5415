package accounts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyA = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	testKeyB = "8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a"
)

func TestKeyring(t *testing.T) {
	keyring, err := NewKeyring([]string{testKeyA, "0x" + testKeyB})
	require.NoError(t, err)

	keyA, _ := crypto.HexToECDSA(testKeyA)
	keyB, _ := crypto.HexToECDSA(testKeyB)
	addrA := crypto.PubkeyToAddress(keyA.PublicKey)
	addrB := crypto.PubkeyToAddress(keyB.PublicKey)

	assert.Equal(t, []common.Address{addrA, addrB}, keyring.Addresses())
	assert.Equal(t, addrA, keyring.Primary())
	assert.True(t, keyring.Has(addrB))
	assert.False(t, keyring.Has(common.Address{}))

	chainID := big.NewInt(1337)
	tx := types.NewTransaction(0, common.Address{1}, big.NewInt(0), 21000, big.NewInt(1), nil)
	signed, err := keyring.SignTx(addrB, tx, chainID)
	require.NoError(t, err)

	sender, err := types.Sender(types.NewEIP155Signer(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, addrB, sender)

	_, err = keyring.SignTx(common.Address{9}, tx, chainID)
	assert.Error(t, err)
}

func TestKeyring_Invalid(t *testing.T) {
	_, err := NewKeyring(nil)
	assert.Error(t, err)

	_, err = NewKeyring([]string{"zz"})
	assert.Error(t, err)

	_, err = NewKeyring([]string{testKeyA, testKeyA})
	assert.ErrorContains(t, err, "duplicate")
}
