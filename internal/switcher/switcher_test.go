package switcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xie-Hui/solana-validator-switch/internal/alert"
	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/probe"
	"github.com/Xie-Hui/solana-validator-switch/internal/rpc"
	"github.com/Xie-Hui/solana-validator-switch/internal/shared"
	"github.com/Xie-Hui/solana-validator-switch/internal/state"
	sshpool "github.com/Xie-Hui/solana-validator-switch/internal/ssh"
	"github.com/Xie-Hui/solana-validator-switch/internal/validatorkind"
)

type fakeProber struct {
	kind           validatorkind.Kind
	identityByHost map[string]string
	ledgerByHost   map[string]string
	execByHost     map[string]string
	unfundedPubkey string
}

func (f fakeProber) Probe(_ context.Context, ep sshpool.Endpoint, _ string) (*probe.Result, error) {
	return &probe.Result{
		Kind:           f.kind,
		Identity:       f.identityByHost[ep.Host],
		LedgerDir:      f.ledgerByHost[ep.Host],
		ExecutablePath: f.execByHost[ep.Host],
	}, nil
}

func (f fakeProber) PubkeyOf(_ context.Context, ep sshpool.Endpoint, _ string) (string, error) {
	if f.unfundedPubkey != "" {
		return f.unfundedPubkey, nil
	}
	return f.identityByHost[ep.Host], nil
}

// fakePool implements execPool, scripted per test.
type fakePool struct {
	exitCode  int
	execErr   error
	streamErr error
}

func (f *fakePool) Execute(_ context.Context, _ sshpool.Endpoint, command string) (string, string, int, error) {
	if f.execErr != nil {
		return "", "", -1, f.execErr
	}
	// Readiness checks always exit 0 and report through stdout; the scripted
	// exit code applies to the set-identity commands.
	if strings.HasPrefix(command, "test ") {
		return "ok", "", 0, nil
	}
	return "ok", "", f.exitCode, nil
}

func (f *fakePool) StreamOut(_ context.Context, _ sshpool.Endpoint, _ string, dst io.Writer) (int, error) {
	if f.streamErr != nil {
		return -1, f.streamErr
	}
	_, _ = dst.Write([]byte("base64data=="))
	return 0, nil
}

func (f *fakePool) StreamIn(_ context.Context, _ sshpool.Endpoint, _ string, src io.Reader) (int, error) {
	if f.streamErr != nil {
		return -1, f.streamErr
	}
	_, _ = io.Copy(io.Discard, src)
	return f.exitCode, nil
}

func newPair() *domain.ValidatorPair {
	return &domain.ValidatorPair{
		Index:             0,
		VoteAccountPubkey: "VOTE",
		NodeA: &domain.Node{
			Label: "primary", Host: "host-a", SSHUser: "root", SSHKeyPath: "/k",
			FundedIdentityPath: "/keys/funded-a.json", UnfundedIdentityPath: "/keys/unfunded-a.json",
		},
		NodeB: &domain.Node{
			Label: "backup", Host: "host-b", SSHUser: "root", SSHKeyPath: "/k",
			FundedIdentityPath: "/keys/funded-b.json", UnfundedIdentityPath: "/keys/unfunded-b.json",
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopSender struct{}

func (noopSender) Send(_ context.Context, _ domain.Alert) error { return nil }

func newOrchestrator(pair *domain.ValidatorPair, pool execPool, prober fakeProber) *Orchestrator {
	st := shared.New([]*domain.ValidatorPair{pair})
	return &Orchestrator{
		Pool:        pool,
		Detector:    &state.Detector{Prober: prober},
		Dispatcher:  alert.New(noopSender{}, 0, discardLogger(), st),
		SharedState: st,
	}
}

// voteAccountServer spins up a JSON-RPC test server that answers
// getVoteAccounts with nodePubkey always pointing at activeHost's identity,
// and advances LastVote after the switch-plan call count-th request so
// Phase 5's verify loop observes a new slot.
func voteAccountServer(t *testing.T, nodePubkey string, baseSlot uint64, advanceAfterCall int) *httptest.Server {
	var calls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(body, &req)

		n := calls.Add(1)
		slot := baseSlot
		if advanceAfterCall > 0 && int(n) > advanceAfterCall {
			slot = baseSlot + 1
		}

		if req.Method == "getSlot" {
			result, err := json.Marshal(slot)
			require.NoError(t, err)
			_ = json.NewEncoder(w).Encode(struct {
				Result json.RawMessage `json:"result"`
			}{Result: result})
			return
		}

		result, err := json.Marshal(struct {
			Current    []rpc.VoteAccountInfo `json:"current"`
			Delinquent []rpc.VoteAccountInfo `json:"delinquent"`
		}{
			Current: []rpc.VoteAccountInfo{{VotePubkey: "VOTE", NodePubkey: nodePubkey, LastVote: slot}},
		})
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(struct {
			Result json.RawMessage `json:"result"`
		}{Result: result})
	}))
}

func TestSwitchDryRunStopsAfterPlanning(t *testing.T) {
	pair := newPair()
	prober := fakeProber{
		kind: validatorkind.Agave,
		identityByHost: map[string]string{
			"host-a": "ACTIVE_ID",
			"host-b": "OTHER_ID",
		},
		ledgerByHost: map[string]string{"host-a": "/ledger-a", "host-b": "/ledger-b"},
		execByHost:   map[string]string{"host-a": "agave-validator", "host-b": "agave-validator"},
	}
	srv := voteAccountServer(t, "ACTIVE_ID", 100, 0)
	defer srv.Close()

	o := newOrchestrator(pair, &fakePool{exitCode: 0}, prober)
	res := o.Switch(context.Background(), pair, rpc.NewClient(srv.URL), true)

	require.NoError(t, res.Err)
	assert.Equal(t, domain.PhasePlanning, res.Phase)
	require.NotNil(t, res.Plan)
	assert.Same(t, pair.NodeA, res.Plan.Source)
	assert.Same(t, pair.NodeB, res.Plan.Destination)
	assert.Equal(t, "/ledger-b/tower-1_9-ACTIVE_ID.bin", res.Plan.DestinationTowerPath)
}

func TestSwitchFailsPlanningOnDualActive(t *testing.T) {
	pair := newPair()
	prober := fakeProber{
		kind: validatorkind.Agave,
		identityByHost: map[string]string{
			"host-a": "ACTIVE_ID",
			"host-b": "ACTIVE_ID",
		},
	}
	srv := voteAccountServer(t, "ACTIVE_ID", 0, 0)
	defer srv.Close()

	o := newOrchestrator(pair, &fakePool{}, prober)
	res := o.Switch(context.Background(), pair, rpc.NewClient(srv.URL), false)

	require.Error(t, res.Err)
	assert.Equal(t, domain.PhasePlanning, res.Phase)
	assert.Contains(t, res.Err.Error(), "state_dual_active")
}

func TestSwitchHappyPathCompletesAllPhases(t *testing.T) {
	pair := newPair()
	prober := fakeProber{
		kind: validatorkind.Agave,
		identityByHost: map[string]string{
			"host-a": "ACTIVE_ID",
			"host-b": "OTHER_ID",
		},
		ledgerByHost: map[string]string{"host-a": "/ledger-a", "host-b": "/ledger-b"},
		execByHost:   map[string]string{"host-a": "agave-validator", "host-b": "agave-validator"},
	}
	// advanceAfterCall=1: the first request (Planning's getVoteAccounts) sees
	// the old slot; every later request (Planning's getSlot and each verify
	// poll) sees the advanced slot.
	srv := voteAccountServer(t, "ACTIVE_ID", 100, 1)
	defer srv.Close()

	o := newOrchestrator(pair, &fakePool{exitCode: 0}, prober)
	res := o.Switch(context.Background(), pair, rpc.NewClient(srv.URL), false)

	require.NoError(t, res.Err)
	assert.Equal(t, domain.PhaseCompleted, res.Phase)
}

func TestSwitchFailsArmingSourceOnNonZeroExit(t *testing.T) {
	pair := newPair()
	prober := fakeProber{
		kind: validatorkind.Agave,
		identityByHost: map[string]string{
			"host-a": "ACTIVE_ID",
			"host-b": "OTHER_ID",
		},
		ledgerByHost: map[string]string{"host-a": "/ledger-a", "host-b": "/ledger-b"},
		execByHost:   map[string]string{"host-a": "agave-validator", "host-b": "agave-validator"},
	}
	srv := voteAccountServer(t, "ACTIVE_ID", 100, 0)
	defer srv.Close()

	o := newOrchestrator(pair, &fakePool{exitCode: 1}, prober)
	res := o.Switch(context.Background(), pair, rpc.NewClient(srv.URL), false)

	require.Error(t, res.Err)
	assert.Equal(t, domain.PhaseArmingSource, res.Phase)
	assert.Contains(t, res.Err.Error(), "remote_exit")
}

func TestIncompatibleKindsRejectsFiredancerAgaveMix(t *testing.T) {
	assert.True(t, incompatibleKinds(validatorkind.Firedancer, validatorkind.Agave))
	assert.False(t, incompatibleKinds(validatorkind.Agave, validatorkind.Jito))
	assert.False(t, incompatibleKinds(validatorkind.Firedancer, validatorkind.Firedancer))
}

func TestTowerPathForUsesIncomingIdentityNotPriorOne(t *testing.T) {
	p, err := towerPathFor(validatorkind.Agave, "/ledger", "NEW_IDENTITY")
	require.NoError(t, err)
	assert.Equal(t, "/ledger/tower-1_9-NEW_IDENTITY.bin", p)

	p, err = towerPathFor(validatorkind.Firedancer, "/ledger", "NEW_IDENTITY")
	require.NoError(t, err)
	assert.Equal(t, "/ledger/funk", p)
}

func TestReadinessItemFailsOnNonOkOutput(t *testing.T) {
	item := readinessItem("check", "fail", 0, nil)
	assert.False(t, item.OK)

	item = readinessItem("check", "ok", 0, nil)
	assert.True(t, item.OK)

	item = readinessItem("check", "", -1, fmt.Errorf("boom"))
	assert.False(t, item.OK)
}
