// Package monitor runs one long-lived task per validator pair,
// cooperatively scheduled, tracking vote-credit freshness, RPC getHealth,
// and SSH liveness, and evaluating the delinquency and failure-alert
// predicates every iteration. Alert emission is serialized through the
// alert Dispatcher's channel; no task holds a lock across a suspension
// point.
package monitor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/errs"
	"github.com/Xie-Hui/solana-validator-switch/internal/rpc"
	"github.com/Xie-Hui/solana-validator-switch/internal/shared"
	sshpool "github.com/Xie-Hui/solana-validator-switch/internal/ssh"
)

// Tuning constants for the health-check loop.
const (
	TickInterval          = time.Second
	FailureCountThreshold = 100
	FailureAgeThreshold   = 30 * time.Minute
)

// livenessChecker is the SSH-level capability the monitor needs: a cheap
// command the host can answer to prove reachability. Modeled as an
// interface over *sshpool.Pool so tests can fake liveness without a real
// transport.
type livenessChecker interface {
	Execute(ctx context.Context, ep sshpool.Endpoint, command string) (stdout, stderr string, exitCode int, err error)
}

// RPCSource is the RPC-level capability the monitor needs. Exported so
// callers outside this package can name it when building the
// Monitor.RPCClientFor function.
type RPCSource interface {
	GetVoteAccount(ctx context.Context, votePubkey string) (*rpc.VoteAccountInfo, error)
	GetHealth(ctx context.Context) error
}

// emitter is the subset of *alert.Dispatcher the monitor depends on.
type emitter interface {
	Emit(a domain.Alert)
}

// Monitor runs one task per pair and emits alerts through the shared
// Dispatcher, which runs its own delivery goroutine.
type Monitor struct {
	State      *shared.State
	Pool       livenessChecker
	Dispatcher emitter

	// RPCClientFor returns the RPC client to use for a given pair. Kept as
	// a function rather than a single client since each pair may declare
	// its own endpoint (ValidatorPair.RPCEndpoint).
	RPCClientFor func(pair *domain.ValidatorPair) RPCSource

	// DelinquencyThreshold is alert_config.delinquency_threshold_seconds.
	DelinquencyThreshold time.Duration

	limiters map[int]*rate.Limiter
}

// Run starts one goroutine per pair in State and blocks until ctx is
// cancelled, at which point every task stops cleanly at its next
// suspension point.
func (m *Monitor) Run(ctx context.Context) error {
	if m.limiters == nil {
		m.limiters = make(map[int]*rate.Limiter)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, pair := range m.State.Pairs() {
		pair := pair
		m.limiters[pair.Index] = rate.NewLimiter(rate.Every(TickInterval), 2)
		g.Go(func() error {
			return m.runPair(ctx, pair)
		})
	}
	return g.Wait()
}

func (m *Monitor) runPair(ctx context.Context, pair *domain.ValidatorPair) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick(ctx, pair)
		}
	}
}

// tick performs one iteration's worth of work for pair: RPC lastVote +
// getHealth, per-host SSH liveness, then alert evaluation. RPC and SSH
// checks fan out concurrently via errgroup since they touch independent
// transports.
func (m *Monitor) tick(ctx context.Context, pair *domain.ValidatorPair) {
	ms := m.State.MonitorState(pair.Index)
	if ms == nil {
		return
	}
	if lim := m.limiters[pair.Index]; lim != nil {
		_ = lim.Wait(ctx)
	}

	client := m.RPCClientFor(pair)

	var lastVote uint64
	var voteErr, healthErr error
	var sshErrs = make(map[string]error, 2)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		va, err := client.GetVoteAccount(gctx, pair.VoteAccountPubkey)
		if err != nil {
			voteErr = err
			return nil
		}
		lastVote = va.LastVote
		return nil
	})
	g.Go(func() error {
		healthErr = client.GetHealth(gctx)
		return nil
	})
	for _, n := range pair.Nodes() {
		n := n
		g.Go(func() error {
			ep := sshpool.Endpoint{Host: n.Host, User: n.SSHUser, KeyPath: n.SSHKeyPath}
			_, _, code, err := m.Pool.Execute(gctx, ep, "true")
			if err == nil && code != 0 {
				err = fmt.Errorf("liveness command exited %d", code)
			}
			if err != nil {
				sshErrs[n.Host] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	rpcHealthy := voteErr == nil && healthErr == nil
	m.recordRPC(ms, rpcHealthy, pair.Index, combineErr(voteErr, healthErr))

	allSSHHealthy := true
	for _, n := range pair.Nodes() {
		err, failed := sshErrs[n.Host]
		m.recordSSH(ms, n.Host, !failed, pair.Index, err)
		if failed {
			allSSHHealthy = false
		}
	}

	if voteErr == nil {
		now := time.Now()
		if lastVote != ms.LastVoteSlot {
			ms.LastVoteSlot = lastVote
			ms.LastVoteSlotAt = now
		}
		m.evaluateDelinquency(ms, pair.Index, rpcHealthy, allSSHHealthy, now)
	}
}

func combineErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// recordRPC applies the counter discipline: increment
// on failure, reset on success.
func (m *Monitor) recordRPC(ms *domain.MonitorState, healthy bool, pairIndex int, err error) {
	if healthy {
		ms.ConsecutiveRPCFailures = 0
		ms.FirstRPCFailureAt = time.Time{}
		return
	}
	if ms.ConsecutiveRPCFailures == 0 {
		ms.FirstRPCFailureAt = time.Now()
	}
	ms.ConsecutiveRPCFailures++
	if m.shouldAlert(ms, domain.AlertRpcFailure, ms.ConsecutiveRPCFailures, ms.FirstRPCFailureAt) {
		m.Dispatcher.Emit(domain.Alert{
			Kind:      domain.AlertRpcFailure,
			Severity:  domain.SeverityCritical,
			PairIndex: pairIndex,
			Message:   fmt.Sprintf("%d consecutive RPC failures: %v", ms.ConsecutiveRPCFailures, errs.New(errs.RpcUnavailable, err)),
		})
	}
}

// recordSSH applies the same discipline per host.
func (m *Monitor) recordSSH(ms *domain.MonitorState, host string, healthy bool, pairIndex int, err error) {
	if healthy {
		ms.ConsecutiveSSHFailures[host] = 0
		delete(ms.FirstSSHFailureAt, host)
		return
	}
	if ms.ConsecutiveSSHFailures[host] == 0 {
		ms.FirstSSHFailureAt[host] = time.Now()
	}
	ms.ConsecutiveSSHFailures[host]++
	if m.shouldAlert(ms, domain.AlertSshFailure, ms.ConsecutiveSSHFailures[host], ms.FirstSSHFailureAt[host]) {
		m.Dispatcher.Emit(domain.Alert{
			Kind:      domain.AlertSshFailure,
			Severity:  domain.SeverityCritical,
			PairIndex: pairIndex,
			Message:   fmt.Sprintf("host %s: %d consecutive SSH failures: %v", host, ms.ConsecutiveSSHFailures[host], errs.New(errs.SshTransport, err)),
		})
	}
}

// shouldAlert implements the failure-alert predicate: consecutive
// failures >= 100 OR first-failure age >= 30m, gated by the dispatcher's
// own debounce (the dispatcher is the single source of truth for "no
// alert of the same kind within the last hour" — this function only
// decides whether the threshold condition is met at all).
func (m *Monitor) shouldAlert(_ *domain.MonitorState, _ domain.AlertKind, consecutive int, firstFailureAt time.Time) bool {
	if consecutive >= FailureCountThreshold {
		return true
	}
	if !firstFailureAt.IsZero() && time.Since(firstFailureAt) >= FailureAgeThreshold {
		return true
	}
	return false
}

// evaluateDelinquency implements the delinquency predicate: fires
// iff time_since_last_vote >= threshold AND both SSH and RPC are currently
// healthy at this observation, preventing false positives during a
// monitoring-host network partition.
func (m *Monitor) evaluateDelinquency(ms *domain.MonitorState, pairIndex int, rpcHealthy, sshHealthy bool, now time.Time) {
	if !rpcHealthy || !sshHealthy {
		return
	}
	if ms.LastVoteSlotAt.IsZero() {
		return
	}
	sinceLastVote := now.Sub(ms.LastVoteSlotAt)
	if sinceLastVote < m.DelinquencyThreshold {
		return
	}
	m.Dispatcher.Emit(domain.Alert{
		Kind:      domain.AlertDelinquency,
		Severity:  domain.SeverityCritical,
		PairIndex: pairIndex,
		Message:   fmt.Sprintf("no new vote for %s (last slot %d)", sinceLastVote.Round(time.Second), ms.LastVoteSlot),
	})
}
