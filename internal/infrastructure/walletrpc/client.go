// Package walletrpc implements the wallet interface against the coin
// daemon's JSON-RPC API.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketd/marketd/internal/wallet"
)

// Client is a minimal JSON-RPC 1.0 client, one HTTP POST per call with
// basic auth, the way bitcoin-family daemons expect.
type Client struct {
	url      string
	username string
	password string
	http     *http.Client
	logger   zerolog.Logger
}

func NewClient(url, username, password string, logger zerolog.Logger) *Client {
	return &Client{
		url:      url,
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With().Str("service", "wallet-rpc").Logger(),
	}
}

type rpcRequest struct {
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	return c.doCall(ctx, c.url, method, params, result)
}

func (c *Client) walletCall(ctx context.Context, walletName, method string, params []interface{}, result interface{}) error {
	url := c.url
	if walletName != "" {
		url += "/wallet/" + walletName
	}
	return c.doCall(ctx, url, method, params, result)
}

func (c *Client) doCall(ctx context.Context, url, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{ID: "marketd", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w: %w", method, wallet.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpc %s: %w: %w", method, wallet.ErrUnavailable, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		// Daemons answer JSON even for errors; anything else is a proxy
		// or a daemon that is not up yet.
		return fmt.Errorf("rpc %s: %w: %w", method, wallet.ErrUnavailable, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// Amounts on the RPC surface are coins with eight decimal places; the
// domain works in the smallest unit.
const coin = 100_000_000

func toSmallestUnit(coins float64) int64 {
	return int64(coins*coin + 0.5)
}

func (c *Client) AddressBalance(ctx context.Context, address string) (int64, error) {
	var balance float64
	if err := c.call(ctx, "getaddressbalance", []interface{}{address}, &balance); err != nil {
		return 0, err
	}
	return toSmallestUnit(balance), nil
}

func (c *Client) NetworkMoneySupply(ctx context.Context) (int64, error) {
	var info struct {
		MoneySupply float64 `json:"moneysupply"`
	}
	if err := c.call(ctx, "getblockchaininfo", nil, &info); err != nil {
		return 0, err
	}
	return toSmallestUnit(info.MoneySupply), nil
}

// SignMessage routes to the named wallet the way bitcoin-family daemons
// multiplex wallets, via the request path.
func (c *Client) SignMessage(ctx context.Context, walletName, address string, payload []byte) (string, error) {
	var signature string
	err := c.walletCall(ctx, walletName, "signmessage", []interface{}{address, string(payload)}, &signature)
	if err != nil {
		return "", err
	}
	return signature, nil
}

func (c *Client) VerifyMessage(ctx context.Context, address, signature string, payload []byte) (bool, error) {
	var ok bool
	err := c.call(ctx, "verifymessage", []interface{}{address, signature, string(payload)}, &ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Client) ListUnspent(ctx context.Context, walletName string, minConfirmations int) ([]wallet.UnspentOutput, error) {
	var outputs []struct {
		Address   string  `json:"address"`
		Amount    float64 `json:"amount"`
		Spendable bool    `json:"spendable"`
		Solvable  bool    `json:"solvable"`
		Safe      bool    `json:"safe"`
	}
	if err := c.walletCall(ctx, walletName, "listunspent", []interface{}{minConfirmations}, &outputs); err != nil {
		return nil, err
	}

	result := make([]wallet.UnspentOutput, 0, len(outputs))
	for _, o := range outputs {
		result = append(result, wallet.UnspentOutput{
			Address:   o.Address,
			Amount:    toSmallestUnit(o.Amount),
			Spendable: o.Spendable,
			Solvable:  o.Solvable,
			Safe:      o.Safe,
		})
	}
	return result, nil
}

var _ wallet.Wallet = (*Client)(nil)
