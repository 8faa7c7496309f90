package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetVoteAccountFindsCurrentAndDelinquent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getVoteAccounts", req.Method)
		resp := rpcResponse{Result: mustJSON(voteAccountsResult{
			Current: []VoteAccountInfo{{VotePubkey: "VOTE1", NodePubkey: "NODE1", LastVote: 100}},
			Delinquent: []VoteAccountInfo{{VotePubkey: "VOTE2", NodePubkey: "NODE2", LastVote: 50}},
		})}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	va, err := c.GetVoteAccount(context.Background(), "VOTE1")
	require.NoError(t, err)
	assert.Equal(t, "NODE1", va.NodePubkey)

	va2, err := c.GetVoteAccount(context.Background(), "VOTE2")
	require.NoError(t, err)
	assert.Equal(t, "NODE2", va2.NodePubkey)

	_, err = c.GetVoteAccount(context.Background(), "MISSING")
	assert.Error(t, err)
}

func TestGetHealthPropagatesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := rpcResponse{Error: &rpcError{Code: -32005, Message: "Node is unhealthy"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.GetHealth(context.Background())
	assert.Error(t, err)
}

func TestGetSlotDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: mustJSON(uint64(12345))})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	slot, err := c.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), slot)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
