package main

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

// Submission outcomes reported by the ledger for write operations. Pending is
// never collapsed into rejected: a pending transaction may still land, and a
// blind retry under that collapse risks double payment.
const (
	OutcomeConfirmed = "confirmed"
	OutcomePending   = "pending"
	OutcomeRejected  = "rejected"
)

// LedgerClient is the escrow ledger interface consumed by the coordinator.
// Reads are idempotent; writes are not and must never be blindly retried.
type LedgerClient interface {
	Lock(ctx context.Context, req LockRequest) (*LockReceipt, error)
	Approve(ctx context.Context, ledgerID uint64, party, caller string) (*SubmitResult, error)
	Dispute(ctx context.Context, ledgerID uint64, party, caller string) (*SubmitResult, error)
	Cancel(ctx context.Context, ledgerID uint64, caller string) (*SubmitResult, error)
	Get(ctx context.Context, ledgerID uint64) (*LedgerEngagementState, error)
	TxStatus(ctx context.Context, ref string) (*TxStatusResult, error)
	FetchEvents(ctx context.Context, afterSeq int64, limit int) ([]LedgerEvent, error)
	ChainID(ctx context.Context) (string, error)
}

// LockRequest carries the parameters of a locking transaction. The ledger
// only ever sees the metadata digest, never the plaintext details. The
// request token keys the submission so a recheck can resolve an unknown
// outcome without resubmitting.
type LockRequest struct {
	Seeker       string `json:"seeker"`
	Consultant   string `json:"consultant"`
	Amount       string `json:"amount"`
	MetaDigest   string `json:"metaDigest"`
	RequestToken string `json:"requestToken"`
}

// LockReceipt mirrors the ledger RPC result for a locking transaction. The
// engagement's ledger id is carried only inside the confirmation event; an
// absent or unparseable event on a confirmed receipt is an ambiguous state.
type LockReceipt struct {
	Outcome string       `json:"outcome"`
	TxHash  string       `json:"txHash"`
	Reason  string       `json:"reason,omitempty"`
	Event   *LedgerEvent `json:"event,omitempty"`
}

// SubmitResult mirrors the ledger RPC result for transition submissions.
type SubmitResult struct {
	Outcome string `json:"outcome"`
	TxHash  string `json:"txHash"`
	Reason  string `json:"reason,omitempty"`
}

// TxStatusResult resolves a previously submitted transaction by request token
// or transaction hash.
type TxStatusResult struct {
	Outcome  string `json:"outcome"`
	TxHash   string `json:"txHash"`
	LedgerID uint64 `json:"ledgerId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// LedgerEngagementState mirrors the JSON returned by engagement_get.
type LedgerEngagementState struct {
	LedgerID           uint64 `json:"ledgerId"`
	Seeker             string `json:"seeker"`
	Consultant         string `json:"consultant"`
	Amount             string `json:"amount"`
	MetaDigest         string `json:"metaDigest"`
	Status             string `json:"status"`
	SeekerApproved     bool   `json:"seekerApproved"`
	ConsultantApproved bool   `json:"consultantApproved"`
	CreatedAt          int64  `json:"createdAt"`
	CompletedAt        int64  `json:"completedAt,omitempty"`
}

// LedgerEvent represents an engagement event returned by the ledger.
type LedgerEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	TxHash     string            `json:"txHash"`
	Timestamp  int64             `json:"timestamp"`
}

// LedgerID extracts the engagement ledger id from the event attributes.
func (e *LedgerEvent) LedgerID() (uint64, bool) {
	if e == nil {
		return 0, false
	}
	raw := strings.TrimSpace(e.Attributes["ledgerId"])
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// RPCLedgerClient implements LedgerClient against the escrow ledger JSON-RPC
// endpoint.
type RPCLedgerClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCLedgerClient(baseURL, authToken string) *RPCLedgerClient {
	return &RPCLedgerClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 30 * time.Second,
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

func (c *RPCLedgerClient) Lock(ctx context.Context, req LockRequest) (*LockReceipt, error) {
	var result LockReceipt
	if err := c.call(ctx, "engagement_lock", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCLedgerClient) Approve(ctx context.Context, ledgerID uint64, party, caller string) (*SubmitResult, error) {
	return c.submit(ctx, "engagement_approve", map[string]interface{}{
		"ledgerId": ledgerID,
		"party":    party,
		"caller":   caller,
	})
}

func (c *RPCLedgerClient) Dispute(ctx context.Context, ledgerID uint64, party, caller string) (*SubmitResult, error) {
	return c.submit(ctx, "engagement_dispute", map[string]interface{}{
		"ledgerId": ledgerID,
		"party":    party,
		"caller":   caller,
	})
}

func (c *RPCLedgerClient) Cancel(ctx context.Context, ledgerID uint64, caller string) (*SubmitResult, error) {
	return c.submit(ctx, "engagement_cancel", map[string]interface{}{
		"ledgerId": ledgerID,
		"caller":   caller,
	})
}

func (c *RPCLedgerClient) submit(ctx context.Context, method string, params map[string]interface{}) (*SubmitResult, error) {
	var result SubmitResult
	if err := c.call(ctx, method, []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCLedgerClient) Get(ctx context.Context, ledgerID uint64) (*LedgerEngagementState, error) {
	var result LedgerEngagementState
	params := map[string]uint64{"ledgerId": ledgerID}
	if err := c.call(ctx, "engagement_get", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCLedgerClient) TxStatus(ctx context.Context, ref string) (*TxStatusResult, error) {
	var result TxStatusResult
	params := map[string]string{"ref": ref}
	if err := c.call(ctx, "engagement_txStatus", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCLedgerClient) FetchEvents(ctx context.Context, afterSeq int64, limit int) ([]LedgerEvent, error) {
	params := map[string]interface{}{"after": afterSeq}
	if limit > 0 {
		params["limit"] = limit
	}
	var result []LedgerEvent
	if err := c.call(ctx, "engagement_events", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCLedgerClient) ChainID(ctx context.Context) (string, error) {
	var result struct {
		ChainID string `json:"chainId"`
	}
	if err := c.call(ctx, "chain_id", []interface{}{}, &result); err != nil {
		return "", err
	}
	return result.ChainID, nil
}

func (c *RPCLedgerClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
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
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return &LedgerRejectedError{Op: method, Reason: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
