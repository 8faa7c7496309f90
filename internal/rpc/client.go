// Package rpc is a minimal Solana JSON-RPC client covering the three
// documented methods this tool depends on: getVoteAccounts, getHealth, and
// getSlot. No repo in the retrieved pack ships a Solana RPC client, so this
// follows the standard net/http + encoding/json idiom the original Rust
// implementation itself used (reqwest + manual JSON), scaled down to the
// handful of fields the core actually reads.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Xie-Hui/solana-validator-switch/internal/errs"
)

// DefaultTimeout is the per-call deadline applied when the caller's
// context carries no earlier deadline.
const DefaultTimeout = 5 * time.Second

// Client issues JSON-RPC calls against a single Solana endpoint.
type Client struct {
	Endpoint string
	HTTP     *http.Client
}

// NewClient returns a Client for endpoint with a sane default transport.
func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: DefaultTimeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return errs.New(errs.RpcUnavailable, fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.New(errs.RpcUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errs.New(errs.RpcUnavailable, fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errs.New(errs.RpcUnavailable, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode))
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return errs.New(errs.RpcUnavailable, fmt.Errorf("%s: decoding response: %w", method, err))
	}
	if rr.Error != nil {
		return errs.New(errs.RpcUnavailable, fmt.Errorf("%s: rpc error %d: %s", method, rr.Error.Code, rr.Error.Message))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return errs.New(errs.RpcUnavailable, fmt.Errorf("%s: unmarshaling result: %w", method, err))
	}
	return nil
}

// VoteAccountInfo is the subset of getVoteAccounts fields this tool reads.
type VoteAccountInfo struct {
	VotePubkey     string `json:"votePubkey"`
	NodePubkey     string `json:"nodePubkey"`
	LastVote       uint64 `json:"lastVote"`
	ActivatedStake uint64 `json:"activatedStake"`
}

type voteAccountsResult struct {
	Current    []VoteAccountInfo `json:"current"`
	Delinquent []VoteAccountInfo `json:"delinquent"`
}

// GetVoteAccount returns the vote account matching votePubkey, searching
// both the current and delinquent lists. The caller uses NodePubkey to
// determine which physical host currently holds the funded identity and
// LastVote to derive delinquency.
func (c *Client) GetVoteAccount(ctx context.Context, votePubkey string) (*VoteAccountInfo, error) {
	var result voteAccountsResult
	if err := c.call(ctx, "getVoteAccounts", nil, &result); err != nil {
		return nil, err
	}
	for _, list := range [][]VoteAccountInfo{result.Current, result.Delinquent} {
		for _, va := range list {
			if va.VotePubkey == votePubkey {
				v := va
				return &v, nil
			}
		}
	}
	return nil, errs.New(errs.RpcUnavailable, fmt.Errorf("vote account %s not found", votePubkey))
}

// GetHealth calls getHealth, returning nil if the node reports healthy and
// a non-nil error otherwise (including on an RPC-level "unhealthy"
// response, per Solana's JSON-RPC convention of returning a 200 with an
// error object for getHealth).
func (c *Client) GetHealth(ctx context.Context) error {
	return c.call(ctx, "getHealth", nil, nil)
}

// GetSlot returns the current cluster slot. The Switch Orchestrator calls
// it during Phase 1 as a recency anchor: a vote-account snapshot that is
// already far behind the current slot means the RPC endpoint is serving
// stale data, and Planning should refuse to build a plan from it rather
// than arm a switch against a chain state that has already moved on.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, "getSlot", nil, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}
