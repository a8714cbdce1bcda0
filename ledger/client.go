package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const defaultConfirmBudget = 30 * time.Second

// Client implements Gateway against the ledger node's JSON-RPC endpoint.
type Client struct {
	baseURL       string
	authToken     string
	confirmBudget time.Duration
	http          *http.Client
	nextID        atomic.Int64
}

// ClientOption customises the client instance.
type ClientOption func(*Client)

// WithConfirmBudget overrides the per-operation confirmation budget.
func WithConfirmBudget(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.confirmBudget = d
		}
	}
}

// WithHTTPClient substitutes the underlying HTTP client, primarily for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient builds a JSON-RPC ledger client for the given endpoint.
func NewClient(baseURL, authToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       strings.TrimSpace(baseURL),
		authToken:     strings.TrimSpace(authToken),
		confirmBudget: defaultConfirmBudget,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.confirmBudget}
	}
	return c
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

type txResult struct {
	TxRef string `json:"txRef"`
}

func (c *Client) AccountExists(ctx context.Context, address string) (bool, error) {
	var result struct {
		Exists bool `json:"exists"`
	}
	params := map[string]string{"address": address}
	if err := c.call(ctx, "account_info", []interface{}{params}, &result); err != nil {
		return false, err
	}
	return result.Exists, nil
}

func (c *Client) CreateRecipientAccount(ctx context.Context, owner string) (string, error) {
	var result txResult
	params := map[string]string{"owner": owner}
	if err := c.call(ctx, "account_create", []interface{}{params}, &result); err != nil {
		return "", &AccountCreateError{Owner: owner, Err: err}
	}
	return result.TxRef, nil
}

func (c *Client) Balance(ctx context.Context, address string) (int64, error) {
	var result struct {
		Amount json.Number `json:"amount"`
	}
	params := map[string]string{"address": address}
	if err := c.call(ctx, "balance_get", []interface{}{params}, &result); err != nil {
		return 0, err
	}
	amount, err := strconv.ParseInt(result.Amount.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: parse balance %q: %w", result.Amount, err)
	}
	return amount, nil
}

func (c *Client) ChallengeActive(ctx context.Context, challengeRef string) (bool, error) {
	var result struct {
		Active bool `json:"active"`
	}
	params := map[string]string{"challenge": challengeRef}
	if err := c.call(ctx, "challenge_state", []interface{}{params}, &result); err != nil {
		return false, err
	}
	return result.Active, nil
}

func (c *Client) Finalize(ctx context.Context, challengeRef string, winnerCount int) (string, error) {
	var result txResult
	params := map[string]interface{}{"challenge": challengeRef, "winnerCount": winnerCount}
	if err := c.call(ctx, "challenge_finalize", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxRef, nil
}

func (c *Client) DistributeReward(ctx context.Context, challengeRef, winner string) (string, error) {
	var result txResult
	params := map[string]string{"challenge": challengeRef, "winner": winner}
	if err := c.call(ctx, "challenge_distributeReward", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxRef, nil
}

func (c *Client) DistributeVotingShare(ctx context.Context, challengeRef, voter string, winningVoterCount int) (string, error) {
	var result txResult
	params := map[string]interface{}{
		"challenge":         challengeRef,
		"voter":             voter,
		"winningVoterCount": winningVoterCount,
	}
	if err := c.call(ctx, "challenge_distributeVotingShare", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxRef, nil
}

func (c *Client) ClaimCreatorRemainder(ctx context.Context, challengeRef string) (string, error) {
	var result txResult
	params := map[string]string{"challenge": challengeRef}
	if err := c.call(ctx, "challenge_claimRemainder", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxRef, nil
}

func (c *Client) RefundAmount(ctx context.Context, challengeRef string, amount int64, recipient string, fromVotingTreasury bool) (string, error) {
	var result txResult
	params := map[string]interface{}{
		"challenge":      challengeRef,
		"amount":         amount,
		"recipient":      recipient,
		"votingTreasury": fromVotingTreasury,
	}
	if err := c.call(ctx, "challenge_refund", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxRef, nil
}

func (c *Client) NativeTransfer(ctx context.Context, to string, amount int64) (string, error) {
	var result txResult
	params := map[string]interface{}{"to": to, "amount": amount}
	if err := c.call(ctx, "native_transfer", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxRef, nil
}

// call submits one JSON-RPC request and maps transport and provider failures
// into the fixed error taxonomy at this boundary. Provider error payloads are
// loosely structured; nothing above this function sees a raw provider error.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
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
	ctx, cancel := context.WithTimeout(ctx, c.confirmBudget)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if timedOut(err) {
			return &TimeoutError{Op: method, Budget: c.confirmBudget}
		}
		return fmt.Errorf("ledger: %s transport failure: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TxError{Op: method, Code: strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(body))}
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("ledger: decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return &TxError{Op: method, Code: strconv.Itoa(rpcResp.Error.Code), Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
