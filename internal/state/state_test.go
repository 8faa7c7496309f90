package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/probe"
	"github.com/Xie-Hui/solana-validator-switch/internal/rpc"
	sshpool "github.com/Xie-Hui/solana-validator-switch/internal/ssh"
	"github.com/Xie-Hui/solana-validator-switch/internal/validatorkind"
)

type fakeProber struct {
	identityByHost map[string]string
	unfundedPubkey string
}

func (f fakeProber) Probe(_ context.Context, ep sshpool.Endpoint, _ string) (*probe.Result, error) {
	return &probe.Result{
		Kind:     validatorkind.Agave,
		Identity: f.identityByHost[ep.Host],
	}, nil
}

func (f fakeProber) PubkeyOf(_ context.Context, ep sshpool.Endpoint, _ string) (string, error) {
	if f.unfundedPubkey != "" {
		return f.unfundedPubkey, nil
	}
	// Default: assume whichever identity isn't the active one is correct,
	// for tests that don't care about the mismatch path.
	return f.identityByHost[ep.Host], nil
}

type fakeVoteAccounts struct {
	nodePubkey string
	lastVote   uint64
}

func (f fakeVoteAccounts) GetVoteAccount(_ context.Context, _ string) (*rpc.VoteAccountInfo, error) {
	return &rpc.VoteAccountInfo{NodePubkey: f.nodePubkey, LastVote: f.lastVote}, nil
}

func newPair() *domain.ValidatorPair {
	return &domain.ValidatorPair{
		Index:             0,
		VoteAccountPubkey: "VOTE",
		NodeA:             &domain.Node{Label: "a", Host: "host-a"},
		NodeB:             &domain.Node{Label: "b", Host: "host-b"},
	}
}

func TestResolveSingleActiveSingleStandby(t *testing.T) {
	pair := newPair()
	d := &Detector{Prober: fakeProber{identityByHost: map[string]string{
		"host-a": "ACTIVE_ID",
		"host-b": "OTHER_ID",
	}}}
	res, err := d.Resolve(context.Background(), pair, fakeVoteAccounts{nodePubkey: "ACTIVE_ID", lastVote: 42})
	require.NoError(t, err)
	assert.Same(t, pair.NodeA, res.Active)
	assert.Same(t, pair.NodeB, res.Standby)
	assert.Equal(t, uint64(42), res.VoteSlot)
}

func TestResolveDualActiveRejected(t *testing.T) {
	pair := newPair()
	d := &Detector{Prober: fakeProber{identityByHost: map[string]string{
		"host-a": "ACTIVE_ID",
		"host-b": "ACTIVE_ID",
	}}}
	_, err := d.Resolve(context.Background(), pair, fakeVoteAccounts{nodePubkey: "ACTIVE_ID"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_dual_active")
}

func TestResolveNoActiveRejected(t *testing.T) {
	pair := newPair()
	d := &Detector{Prober: fakeProber{identityByHost: map[string]string{
		"host-a": "ID1",
		"host-b": "ID2",
	}}}
	_, err := d.Resolve(context.Background(), pair, fakeVoteAccounts{nodePubkey: "NEITHER"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_no_active")
}

func TestResolveIdentityMismatchRejected(t *testing.T) {
	pair := newPair()
	d := &Detector{Prober: fakeProber{
		identityByHost: map[string]string{
			"host-a": "ACTIVE_ID",
			"host-b": "SOME_OTHER_ID",
		},
		unfundedPubkey: "EXPECTED_UNFUNDED_ID",
	}}
	_, err := d.Resolve(context.Background(), pair, fakeVoteAccounts{nodePubkey: "ACTIVE_ID"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_identity_mismatch")
}

func TestRoleHelper(t *testing.T) {
	pair := newPair()
	res := &Resolved{Active: pair.NodeA, Standby: pair.NodeB}
	assert.Equal(t, domain.RoleActive, Role(res, pair.NodeA))
	assert.Equal(t, domain.RoleStandby, Role(res, pair.NodeB))
	assert.Equal(t, domain.RoleUnknown, Role(res, &domain.Node{}))
}
