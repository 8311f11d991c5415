package flashbot

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedTx(t *testing.T) *types.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := types.NewTransaction(1, common.Address{0x42}, big.NewInt(0), 21000, big.NewInt(1e9), nil)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(1)), key)
	require.NoError(t, err)
	return signed
}

func recoverSigner(t *testing.T, body []byte, header string) common.Address {
	t.Helper()
	parts := strings.SplitN(header, ":", 2)
	require.Len(t, parts, 2)

	sig, err := hexutil.Decode(parts[1])
	require.NoError(t, err)
	require.Len(t, sig, 65)
	sig[64] -= 27

	hash := accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(body))))
	pub, err := crypto.SigToPub(hash, sig)
	require.NoError(t, err)

	recovered := crypto.PubkeyToAddress(*pub)
	assert.Equal(t, common.HexToAddress(parts[0]), recovered)
	return recovered
}

func TestSendTransaction(t *testing.T) {
	authKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := signedTx(t)

	var (
		gotSigner common.Address
		gotReq    Request
		gotTx     types.Transaction
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSigner = recoverSigner(t, body, r.Header.Get("X-Flashbots-Signature"))
		require.NoError(t, json.Unmarshal(body, &gotReq))

		params := gotReq.Params[0].(map[string]interface{})
		raw, err := hexutil.Decode(params["tx"].(string))
		require.NoError(t, err)
		require.NoError(t, gotTx.UnmarshalBinary(raw))

		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"` + tx.Hash().Hex() + `"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, authKey, WithHTTPClient(server.Client()))
	require.NoError(t, client.SendTransaction(context.Background(), tx))

	assert.Equal(t, crypto.PubkeyToAddress(authKey.PublicKey), gotSigner)
	assert.Equal(t, "eth_sendPrivateTransaction", gotReq.Method)
	assert.Equal(t, tx.Hash(), gotTx.Hash())
}

func TestSendTransaction_RelayError(t *testing.T) {
	authKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"nonce too low"}}`))
	}))
	defer server.Close()

	err = NewClient(server.URL, authKey).SendTransaction(context.Background(), signedTx(t))

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.ErrorContains(t, err, "nonce too low")
}

func TestSendTransaction_BadGateway(t *testing.T) {
	authKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>bad gateway</html>`))
	}))
	defer server.Close()

	err = NewClient(server.URL, authKey).SendTransaction(context.Background(), signedTx(t))
	assert.ErrorContains(t, err, "status 502")
}
