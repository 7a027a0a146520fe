package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"xswap/services/htlcd/secrets"
)

// JSON-RPC error codes returned by chain signer services.
const (
	CodeLockNotFound    = -32010
	CodeHashAlreadyUsed = -32011
	CodeLockRejected    = -32012
	CodeInvalidSecret   = -32013
	CodeAlreadyClaimed  = -32014
	CodeAlreadyRefunded = -32015
	CodeLockExpired     = -32016
	CodeTimelockActive  = -32017
	CodeUnavailable     = -32018
)

var rpcErrorClasses = map[int]error{
	CodeLockNotFound:    ErrLockNotFound,
	CodeHashAlreadyUsed: ErrHashAlreadyUsed,
	CodeLockRejected:    ErrLockRejected,
	CodeInvalidSecret:   ErrInvalidSecret,
	CodeAlreadyClaimed:  ErrAlreadyClaimed,
	CodeAlreadyRefunded: ErrAlreadyRefunded,
	CodeLockExpired:     ErrLockExpired,
	CodeTimelockActive:  ErrTimelockActive,
	CodeUnavailable:     ErrUnavailable,
}

// RPCAdapter implements Adapter against a chain-side HTLC signer service that
// speaks JSON-RPC 2.0 (htlc_lock, htlc_claim, htlc_refund, htlc_query, htlc_balance).
type RPCAdapter struct {
	chain     string
	endpoint  string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCAdapter constructs an adapter for chain served at endpoint.
func NewRPCAdapter(chain, endpoint, authToken string, timeout time.Duration) *RPCAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCAdapter{
		chain:     strings.TrimSpace(chain),
		endpoint:  strings.TrimSpace(endpoint),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type rpcLockParams struct {
	LockID        string `json:"lockId"`
	AssetID       string `json:"assetId"`
	Amount        string `json:"amount"`
	From          string `json:"from"`
	To            string `json:"to"`
	HashLock      string `json:"hashLock"`
	HashAlgorithm string `json:"hashAlgorithm"`
	TimelockAt    int64  `json:"timelockAt"`
}

type rpcTxResult struct {
	TxHash string `json:"txHash"`
}

type rpcBalanceResult struct {
	Balance string `json:"balance"`
}

// Chain implements Adapter.
func (c *RPCAdapter) Chain() string { return c.chain }

// Lock implements Adapter.
func (c *RPCAdapter) Lock(ctx context.Context, req LockRequest) (LockRef, error) {
	if req.Amount == nil {
		return LockRef{}, fmt.Errorf("%w: amount required", ErrLockRejected)
	}
	params := rpcLockParams{
		LockID:        req.LockID,
		AssetID:       req.AssetID,
		Amount:        req.Amount.String(),
		From:          req.From,
		To:            req.To,
		HashLock:      req.HashLock.Hex(),
		HashAlgorithm: string(req.HashAlgorithm),
		TimelockAt:    req.TimelockAt.Unix(),
	}
	var result rpcTxResult
	if err := c.call(ctx, "htlc_lock", []interface{}{params}, &result); err != nil {
		return LockRef{}, err
	}
	return LockRef{Chain: c.chain, LockID: req.LockID, TxHash: result.TxHash}, nil
}

// Claim implements Adapter. The preimage only leaves the process here.
func (c *RPCAdapter) Claim(ctx context.Context, ref LockRef, secret secrets.Secret) (ClaimRef, error) {
	params := map[string]string{"lockId": ref.LockID, "secret": secret.Reveal()}
	var result rpcTxResult
	if err := c.call(ctx, "htlc_claim", []interface{}{params}, &result); err != nil {
		return ClaimRef{}, err
	}
	return ClaimRef{TxHash: result.TxHash}, nil
}

// Refund implements Adapter.
func (c *RPCAdapter) Refund(ctx context.Context, ref LockRef) (RefundRef, error) {
	params := map[string]string{"lockId": ref.LockID}
	var result rpcTxResult
	if err := c.call(ctx, "htlc_refund", []interface{}{params}, &result); err != nil {
		return RefundRef{}, err
	}
	return RefundRef{TxHash: result.TxHash}, nil
}

// QueryLock implements Adapter.
func (c *RPCAdapter) QueryLock(ctx context.Context, ref LockRef) (LockStatus, error) {
	params := map[string]string{"lockId": ref.LockID}
	var result LockStatus
	if err := c.call(ctx, "htlc_query", []interface{}{params}, &result); err != nil {
		return LockStatus{}, err
	}
	return result, nil
}

// Balance implements Adapter.
func (c *RPCAdapter) Balance(ctx context.Context, account, asset string) (*big.Int, error) {
	params := map[string]string{"account": account, "assetId": asset}
	var result rpcBalanceResult
	if err := c.call(ctx, "htlc_balance", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(strings.TrimSpace(result.Balance), 10)
	if !ok {
		return nil, fmt.Errorf("ledger rpc htlc_balance: invalid balance %q", result.Balance)
	}
	return balance, nil
}

func (c *RPCAdapter) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Transient(err)
		}
		return err
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return Transient(fmt.Errorf("ledger rpc %s: decode response: %w", method, err))
	}
	if rpcResp.Error != nil {
		if class, ok := rpcErrorClasses[rpcResp.Error.Code]; ok {
			return fmt.Errorf("%w: %s", class, rpcResp.Error.Message)
		}
		return fmt.Errorf("ledger rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
