// Package state classifies which of a pair's two nodes is Active and which
// is Standby, by comparing each node's live identity (from a probe) to the
// vote account's on-chain authorized voter identity (from RPC). It never
// mutates anything; resolving a pair is a pure read.
package state

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/errs"
	"github.com/Xie-Hui/solana-validator-switch/internal/probe"
	"github.com/Xie-Hui/solana-validator-switch/internal/rpc"
	sshpool "github.com/Xie-Hui/solana-validator-switch/internal/ssh"
)

// identityProber is the subset of *probe.Prober that Resolve depends on,
// accepted as an interface so tests can fake probe results without a real
// SSH pool.
type identityProber interface {
	Probe(ctx context.Context, ep sshpool.Endpoint, ledgerDirHint string) (*probe.Result, error)
	PubkeyOf(ctx context.Context, ep sshpool.Endpoint, keypairPath string) (string, error)
}

// voteAccountGetter is the subset of *rpc.Client that Resolve depends on.
type voteAccountGetter interface {
	GetVoteAccount(ctx context.Context, votePubkey string) (*rpc.VoteAccountInfo, error)
}

// Detector resolves pair roles using a Prober for live identity and an rpc
// Client per pair for the on-chain voter identity.
type Detector struct {
	Prober identityProber

	// sf collapses concurrent Resolve calls for the same pair index into one
	// in-flight probe+RPC round, so concurrent callers never double the
	// SSH/RPC load for the same pair.
	sf singleflight.Group
}

// New returns a Detector backed by prober.
func New(prober *probe.Prober) *Detector {
	return &Detector{Prober: prober}
}

// Resolved is the outcome of resolving a pair: which node is Active, which
// is Standby, the active (vote-account node) identity, and the vote
// account's last vote slot.
type Resolved struct {
	Active       *domain.Node
	Standby      *domain.Node
	ActiveIdentity string
	VoteSlot     uint64
}

// Resolve classifies pair's two nodes. It probes both nodes' live identity
// in sequence (callers that want the two probes concurrent should fan out
// at a higher level and call Prober.Probe directly), fetches the vote
// account's node pubkey via rpcClient, and applies the classification rule:
// Active iff node identity equals the vote account's node pubkey; Standby
// iff node identity equals the node's configured unfunded identity path's
// corresponding pubkey and its peer is Active.
//
// Since the unfunded identity is configured as a keypair file path rather
// than a known pubkey, the non-Active node's unfunded pubkey is resolved on
// that host (Prober.PubkeyOf) and compared to its live identity; a mismatch
// is rejected as StateMismatch.
func (d *Detector) Resolve(ctx context.Context, pair *domain.ValidatorPair, rpcClient voteAccountGetter) (*Resolved, error) {
	key := fmt.Sprintf("pair-%d", pair.Index)
	v, err, _ := d.sf.Do(key, func() (any, error) {
		return d.resolve(ctx, pair, rpcClient)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolved), nil
}

// resolve is Resolve's uncollapsed body, run at most once per in-flight
// singleflight key regardless of how many callers asked concurrently.
func (d *Detector) resolve(ctx context.Context, pair *domain.ValidatorPair, rpcClient voteAccountGetter) (*Resolved, error) {
	va, err := rpcClient.GetVoteAccount(ctx, pair.VoteAccountPubkey)
	if err != nil {
		return nil, err
	}

	identities := make(map[*domain.Node]string, 2)
	for _, n := range pair.Nodes() {
		ep := sshpool.Endpoint{Host: n.Host, User: n.SSHUser, KeyPath: n.SSHKeyPath}
		res, err := d.Prober.Probe(ctx, ep, n.LedgerDir)
		if err != nil {
			return nil, err
		}
		probe.ApplyTo(n, res)
		identities[n] = res.Identity
	}

	var activeCount int
	var active, standby *domain.Node
	for _, n := range pair.Nodes() {
		if identities[n] == va.NodePubkey {
			activeCount++
			active = n
		} else {
			standby = n
		}
	}

	switch {
	case activeCount == 0:
		return nil, errs.WithHost(errs.StateNoActive, "", fmt.Errorf("pair %d: vote-account identity %q matched neither node", pair.Index, va.NodePubkey))
	case activeCount == 2:
		return nil, errs.WithHost(errs.StateDualActive, "", fmt.Errorf("pair %d: both nodes report the vote-account identity", pair.Index))
	}

	standbyEp := sshpool.Endpoint{Host: standby.Host, User: standby.SSHUser, KeyPath: standby.SSHKeyPath}
	unfundedPubkey, err := d.Prober.PubkeyOf(ctx, standbyEp, standby.UnfundedIdentityPath)
	if err != nil {
		return nil, err
	}
	if identities[standby] != unfundedPubkey {
		return nil, errs.WithHost(errs.StateMismatch, standby.Host, fmt.Errorf("pair %d: standby identity %q does not match configured unfunded key %q", pair.Index, identities[standby], unfundedPubkey))
	}

	return &Resolved{
		Active:         active,
		Standby:        standby,
		ActiveIdentity: va.NodePubkey,
		VoteSlot:       va.LastVote,
	}, nil
}

// Role computes the Role of a single node given the pair's resolution.
func Role(r *Resolved, n *domain.Node) domain.Role {
	switch n {
	case r.Active:
		return domain.RoleActive
	case r.Standby:
		return domain.RoleStandby
	default:
		return domain.RoleUnknown
	}
}
