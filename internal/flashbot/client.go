// Package flashbot sends signed transactions to a Flashbots-style private relay instead of
// the public mempool.
package flashbot

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/nimazeighami/keeper-engine/internal/logging"
)

type Client struct {
	relayURL   string
	authKey    *ecdsa.PrivateKey
	httpClient *http.Client
	logger     *zap.Logger
	nextID     atomic.Int64
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(logger).Named("flashbot") }
}

// NewClient signs every request to relayURL with authKey. The auth key only identifies the
// searcher to the relay and should not hold funds.
func NewClient(relayURL string, authKey *ecdsa.PrivateKey, opts ...Option) *Client {
	c := &Client{
		relayURL:   relayURL,
		authKey:    authKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendTransaction submits tx with eth_sendPrivateTransaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	rawTx, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %v", err)
	}

	request := Request{
		Jsonrpc: "2.0",
		ID:      int(c.nextID.Add(1)),
		Method:  "eth_sendPrivateTransaction",
		Params:  []interface{}{PrivateTx{Tx: hexutil.Encode(rawTx)}},
	}

	var txHash common.Hash
	if err := c.call(ctx, request, &txHash); err != nil {
		return err
	}
	c.logger.Info("🔒 transaction sent to private relay",
		zap.Stringer("tx", tx.Hash()),
		zap.Stringer("relayHash", txHash))
	return nil
}

func (c *Client) call(ctx context.Context, request Request, result interface{}) error {
	reqBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.relayURL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %v", err)
	}

	signature, err := SignFlashbotsPayload(reqBody, c.authKey)
	if err != nil {
		return fmt.Errorf("failed to sign request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Flashbots-Signature", signature)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %v", err)
	}

	var response Response
	if err := json.Unmarshal(respBody, &response); err != nil {
		return fmt.Errorf("failed to unmarshal response (status %d): %v", resp.StatusCode, err)
	}
	if response.Error != nil {
		return response.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	if result != nil && len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %v", err)
		}
	}
	return nil
}

// SignFlashbotsPayload builds the X-Flashbots-Signature header value: the signer address and
// its personal-sign signature over the hex keccak of body.
func SignFlashbotsPayload(body []byte, key *ecdsa.PrivateKey) (string, error) {
	hexHash := []byte(hexutil.Encode(crypto.Keccak256(body)))
	sig, err := crypto.Sign(accounts.TextHash(hexHash), key)
	if err != nil {
		return "", fmt.Errorf("sign error: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	addr := crypto.PubkeyToAddress(key.PublicKey)
	return fmt.Sprintf("%s:%s", addr.Hex(), hexutil.Encode(sig)), nil
}
