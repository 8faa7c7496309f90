// Package switcher implements the identity-switch state machine:
// Idle -> Planning -> ArmingSource -> TransferringTower ->
// ActivatingDest -> Verifying -> {Completed, Failed(Phase)}. It holds the
// per-pair exclusive lock from shared.State for the full lifecycle, so no
// two switches on the same pair run concurrently and the monitor never
// mutates identity state mid-switch. Once Phase 2 starts, the switch is
// not cancellable: the critical window is short and no concurrent mutator
// exists for the same pair.
package switcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Xie-Hui/solana-validator-switch/internal/alert"
	"github.com/Xie-Hui/solana-validator-switch/internal/audit"
	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/errs"
	"github.com/Xie-Hui/solana-validator-switch/internal/rpc"
	"github.com/Xie-Hui/solana-validator-switch/internal/shared"
	"github.com/Xie-Hui/solana-validator-switch/internal/state"
	sshpool "github.com/Xie-Hui/solana-validator-switch/internal/ssh"
)

// VerifyPollInterval is how often Phase 5 re-checks the vote account.
const VerifyPollInterval = 500 * time.Millisecond

// VerifyTimeout bounds Phase 5 (Verifying).
const VerifyTimeout = 30 * time.Second

// CommandTimeout bounds every SSH command the orchestrator issues.
const CommandTimeout = 10 * time.Second

// MaxPlanningSlotLag bounds how far behind the cluster's current slot a
// vote-account snapshot may be before Phase 1 refuses to plan on it.
// ~150 slots is roughly a minute at Solana's ~2.5 slots/sec block rate --
// anything staler than that means the RPC endpoint is probably unhealthy
// in a way getHealth alone would not catch.
const MaxPlanningSlotLag = 150

type execPool interface {
	Execute(ctx context.Context, ep sshpool.Endpoint, command string) (stdout, stderr string, exitCode int, err error)
	StreamOut(ctx context.Context, ep sshpool.Endpoint, command string, dst io.Writer) (exitCode int, err error)
	StreamIn(ctx context.Context, ep sshpool.Endpoint, command string, src io.Reader) (exitCode int, err error)
}

// Orchestrator drives the switch state machine for a single pair.
type Orchestrator struct {
	Pool        execPool
	Detector    *state.Detector
	Dispatcher  *alert.Dispatcher
	SharedState *shared.State

	// Audit, if set, records the plan and the terminal phase outcome of
	// every switch attempt as a structured log line. Optional: a nil Audit
	// silently skips logging rather than failing the switch.
	Audit *audit.Logger
}

// Result describes the outcome of a Switch call.
type Result struct {
	Plan       *domain.SwitchPlan
	Phase      domain.Phase
	Err        error
	Elapsed    time.Duration
}

// Switch runs the full Phase 1-5 state machine for pair, holding its
// exclusive per-pair lock for the call's entire duration. dryRun stops
// after Phase 1 and makes no remote mutation.
func (o *Orchestrator) Switch(ctx context.Context, pair *domain.ValidatorPair, rpcClient *rpc.Client, dryRun bool) *Result {
	lock := o.SharedState.SwitchLock(pair.Index)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()

	plan, err := o.plan(ctx, pair, rpcClient)
	if err != nil {
		return &Result{Phase: domain.PhasePlanning, Err: err, Elapsed: time.Since(started)}
	}
	o.Audit.LogPlan(plan)
	if dryRun {
		return &Result{Plan: plan, Phase: domain.PhasePlanning, Elapsed: time.Since(started)}
	}

	// From here on the switch is not cancellable: Phases 2-4 run to
	// completion or to a named failure phase regardless of ctx.
	execCtx := context.Background()

	if err := o.armSource(execCtx, plan); err != nil {
		o.emitFailure(pair.Index, domain.PhaseArmingSource, err)
		o.Audit.LogPhaseOutcome(plan.ID.String(), pair.Index, domain.PhaseArmingSource, time.Since(started).Milliseconds(), err)
		return &Result{Plan: plan, Phase: domain.PhaseArmingSource, Err: err, Elapsed: time.Since(started)}
	}

	if err := o.transferTower(execCtx, plan); err != nil {
		o.emitFailure(pair.Index, domain.PhaseTransferringTower, err)
		o.Audit.LogPhaseOutcome(plan.ID.String(), pair.Index, domain.PhaseTransferringTower, time.Since(started).Milliseconds(), err)
		return &Result{Plan: plan, Phase: domain.PhaseTransferringTower, Err: err, Elapsed: time.Since(started)}
	}

	if err := o.activateDestination(execCtx, plan); err != nil {
		o.emitFailure(pair.Index, domain.PhaseActivatingDest, err)
		o.Audit.LogPhaseOutcome(plan.ID.String(), pair.Index, domain.PhaseActivatingDest, time.Since(started).Milliseconds(), err)
		return &Result{Plan: plan, Phase: domain.PhaseActivatingDest, Err: err, Elapsed: time.Since(started)}
	}

	verifyCtx, cancel := context.WithTimeout(execCtx, VerifyTimeout)
	defer cancel()
	if err := o.verify(verifyCtx, pair, plan, rpcClient); err != nil {
		o.emitFailure(pair.Index, domain.PhaseVerifying, err)
		o.Audit.LogPhaseOutcome(plan.ID.String(), pair.Index, domain.PhaseVerifying, time.Since(started).Milliseconds(), err)
		return &Result{Plan: plan, Phase: domain.PhaseVerifying, Err: err, Elapsed: time.Since(started)}
	}

	elapsed := time.Since(started)
	o.Dispatcher.Emit(domain.Alert{
		Kind:      domain.AlertSwitchSuccess,
		Severity:  domain.SeverityInfo,
		PairIndex: pair.Index,
		Message:   fmt.Sprintf("switched pair %d: %s -> %s in %s", pair.Index, plan.Source.Label, plan.Destination.Label, elapsed.Round(time.Millisecond)),
	})
	// A successful switch clears any stale failure-alert suppression so a
	// fresh post-switch failure is not swallowed by an old debounce window.
	o.Dispatcher.ClearSuppression(pair.Index, domain.AlertSshFailure)
	o.Dispatcher.ClearSuppression(pair.Index, domain.AlertRpcFailure)
	o.Audit.LogPhaseOutcome(plan.ID.String(), pair.Index, domain.PhaseCompleted, elapsed.Milliseconds(), nil)

	return &Result{Plan: plan, Phase: domain.PhaseCompleted, Elapsed: elapsed}
}

func (o *Orchestrator) emitFailure(pairIndex int, phase domain.Phase, err error) {
	o.Dispatcher.Emit(domain.Alert{
		Kind:      domain.AlertSwitchFailure,
		Severity:  domain.SeverityCritical,
		PairIndex: pairIndex,
		Message:   fmt.Sprintf("switch failed in phase %s: %v", phase, err),
	})
}

// plan implements Phase 1: resolve roles, probe both hosts, sanity-check
// filesystem preconditions, and produce an immutable SwitchPlan. No
// remote mutation occurs in this phase.
func (o *Orchestrator) plan(ctx context.Context, pair *domain.ValidatorPair, rpcClient *rpc.Client) (*domain.SwitchPlan, error) {
	resolved, err := o.Detector.Resolve(ctx, pair, rpcClient)
	if err != nil {
		return nil, err
	}

	currentSlot, err := rpcClient.GetSlot(ctx)
	if err != nil {
		return nil, errs.WithPhase(errs.SwitchPhaseFailure, "planning", fmt.Errorf("getSlot: %w", err))
	}
	if currentSlot > resolved.VoteSlot && currentSlot-resolved.VoteSlot > MaxPlanningSlotLag {
		return nil, errs.WithPhase(errs.SwitchPhaseFailure, "planning",
			fmt.Errorf("vote account snapshot is %d slots behind current cluster slot %d; refusing to plan on stale data", currentSlot-resolved.VoteSlot, currentSlot))
	}

	source, dest := resolved.Active, resolved.Standby

	if incompatibleKinds(source.Kind, dest.Kind) {
		return nil, errs.WithPhase(errs.SwitchPhaseFailure, "planning",
			fmt.Errorf("source kind %s and destination kind %s require divergent tower formats", source.Kind, dest.Kind))
	}

	if !source.Kind.SupportsRequireTower() || !dest.Kind.SupportsRequireTower() {
		return nil, errs.WithPhase(errs.SwitchPhaseFailure, "planning",
			fmt.Errorf("validator kind does not support --require-tower; refusing to proceed per double-vote safety requirement"))
	}

	destTowerPath, err := towerPathFor(dest.Kind, dest.LedgerDir, source.LastIdentity)
	if err != nil {
		return nil, errs.WithPhase(errs.SwitchPhaseFailure, "planning", err)
	}

	readiness := o.CheckReadiness(ctx, source, dest)
	if !readiness.AllOK() {
		return nil, errs.WithPhase(errs.SwitchPhaseFailure, "planning",
			fmt.Errorf("preflight checks failed: %s", summarizeFailures(readiness)))
	}

	armCmd, err := source.Kind.SetIdentityCmd(source.ExecutablePath, source.UnfundedIdentityPath, true)
	if err != nil {
		return nil, errs.WithPhase(errs.SwitchPhaseFailure, "planning", err)
	}
	activateCmd, err := dest.Kind.SetIdentityCmd(dest.ExecutablePath, dest.FundedIdentityPath, true)
	if err != nil {
		return nil, errs.WithPhase(errs.SwitchPhaseFailure, "planning", err)
	}

	return &domain.SwitchPlan{
		ID:                   uuid.New(),
		PairIndex:            pair.Index,
		Source:               source,
		Destination:          dest,
		SourceTowerPath:       source.TowerPath,
		DestinationTowerPath:  destTowerPath,
		DestinationFundedKey:  dest.FundedIdentityPath,
		SourceUnfundedKey:     source.UnfundedIdentityPath,
		SourceKind:            source.Kind,
		DestinationKind:       dest.Kind,
		ArmSourceCmd:          armCmd,
		ActivateDestCmd:       activateCmd,
		Readiness:             readiness,
		PlannedAt:             time.Now(),
		VoteSlotAtPlan:        resolved.VoteSlot,
	}, nil
}

// incompatibleKinds reports whether source and dest require divergent
// tower formats, per spec: Firedancer's funk-based tower state is not
// interchangeable with the Agave-family flat tower file.
func incompatibleKinds(source, dest interface {
	String() string
}) bool {
	sFD := source.String() == "firedancer"
	dFD := dest.String() == "firedancer"
	return sFD != dFD
}

func towerPathFor(kind interface {
	String() string
}, ledgerDir, incomingIdentity string) (string, error) {
	if kind.String() == "firedancer" {
		return ledgerDir + "/funk", nil
	}
	return fmt.Sprintf("%s/tower-1_9-%s.bin", ledgerDir, incomingIdentity), nil
}

// CheckReadiness implements Phase 1's stat-like preconditions, grounded on
// original_source/src/commands/status.rs's check_swap_readiness: the
// source tower file exists and is non-empty, the destination's funded and
// unfunded identity keypairs and vote keypair exist and are readable, and
// the destination ledger directory is writable. Exported so `status` can
// surface the same checklist outside of a switch attempt.
func (o *Orchestrator) CheckReadiness(ctx context.Context, source, dest *domain.Node) domain.ReadinessChecklist {
	sourceEp := sshpool.Endpoint{Host: source.Host, User: source.SSHUser, KeyPath: source.SSHKeyPath}
	destEp := sshpool.Endpoint{Host: dest.Host, User: dest.SSHUser, KeyPath: dest.SSHKeyPath}

	var items []domain.ReadinessItem

	out, _, code, err := o.Pool.Execute(ctx, sourceEp, fmt.Sprintf("test -s %s && echo ok || echo fail", source.TowerPath))
	items = append(items, readinessItem("source tower file exists and is non-empty", out, code, err))

	out, _, code, err = o.Pool.Execute(ctx, destEp, fmt.Sprintf("test -r %s && echo ok || echo fail", dest.FundedIdentityPath))
	items = append(items, readinessItem("destination funded identity exists and is readable", out, code, err))

	out, _, code, err = o.Pool.Execute(ctx, destEp, fmt.Sprintf("test -r %s && echo ok || echo fail", dest.UnfundedIdentityPath))
	items = append(items, readinessItem("destination unfunded identity exists and is readable", out, code, err))

	out, _, code, err = o.Pool.Execute(ctx, destEp, fmt.Sprintf("test -r %s && echo ok || echo fail", dest.VoteKeypairPath))
	items = append(items, readinessItem("destination vote keypair exists and is readable", out, code, err))

	out, _, code, err = o.Pool.Execute(ctx, destEp, fmt.Sprintf("test -d %s -a -w %s && echo ok || echo fail", dest.LedgerDir, dest.LedgerDir))
	items = append(items, readinessItem("destination ledger directory is writable", out, code, err))

	return domain.ReadinessChecklist{Items: items}
}

func readinessItem(name, out string, code int, err error) domain.ReadinessItem {
	if err != nil {
		return domain.ReadinessItem{Name: name, OK: false, Note: err.Error()}
	}
	ok := code == 0 && strings.TrimSpace(out) == "ok"
	note := ""
	if !ok {
		note = "check failed"
	}
	return domain.ReadinessItem{Name: name, OK: ok, Note: note}
}

func summarizeFailures(c domain.ReadinessChecklist) string {
	var failed []string
	for _, item := range c.Items {
		if !item.OK {
			failed = append(failed, item.Name)
		}
	}
	return strings.Join(failed, "; ")
}

// armSource implements Phase 2: set the source to its unfunded identity
// with --require-tower. No rollback is attempted on failure — the source
// is now intentionally non-voting with its tower still on disk, which is
// the safe state: non-voting beats double-voting.
func (o *Orchestrator) armSource(ctx context.Context, plan *domain.SwitchPlan) error {
	ep := sshpool.Endpoint{Host: plan.Source.Host, User: plan.Source.SSHUser, KeyPath: plan.Source.SSHKeyPath}
	cctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	_, stderr, code, err := o.Pool.Execute(cctx, ep, plan.ArmSourceCmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return errs.WithPhase(errs.RemoteExit, "arming_source", fmt.Errorf("set-identity exited %d: %s", code, stderr))
	}
	return nil
}

// transferTower implements Phase 3: stream the tower file source ->
// destination as base64 through the two SSH channels with no temp file on
// the orchestrator host and no intermediate buffering beyond the
// transport window. Neither validator is funded during this phase, so no
// vote can occur regardless of how it ends.
func (o *Orchestrator) transferTower(ctx context.Context, plan *domain.SwitchPlan) error {
	sourceEp := sshpool.Endpoint{Host: plan.Source.Host, User: plan.Source.SSHUser, KeyPath: plan.Source.SSHKeyPath}
	destEp := sshpool.Endpoint{Host: plan.Destination.Host, User: plan.Destination.SSHUser, KeyPath: plan.Destination.SSHKeyPath}

	pr, pw := io.Pipe()

	readCmd := fmt.Sprintf("base64 %s", plan.SourceTowerPath)
	writeCmd := fmt.Sprintf("base64 -d | dd of=%s", plan.DestinationTowerPath)

	readDone := make(chan error, 1)
	go func() {
		_, err := o.Pool.StreamOut(ctx, sourceEp, readCmd, pw)
		pw.CloseWithError(err)
		readDone <- err
	}()

	code, writeErr := o.Pool.StreamIn(ctx, destEp, writeCmd, pr)
	readErr := <-readDone

	if readErr != nil {
		return errs.WithPhase(errs.SshTransport, "transferring_tower", readErr)
	}
	if writeErr != nil {
		return errs.WithPhase(errs.SshTransport, "transferring_tower", writeErr)
	}
	if code != 0 {
		return errs.WithPhase(errs.RemoteExit, "transferring_tower", fmt.Errorf("destination write pipeline exited %d", code))
	}
	return nil
}

// activateDestination implements Phase 4: set the destination to its
// funded identity with --require-tower, so it loads the just-transferred
// tower and resumes voting from the most recent tower slot.
func (o *Orchestrator) activateDestination(ctx context.Context, plan *domain.SwitchPlan) error {
	ep := sshpool.Endpoint{Host: plan.Destination.Host, User: plan.Destination.SSHUser, KeyPath: plan.Destination.SSHKeyPath}
	cctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	_, stderr, code, err := o.Pool.Execute(cctx, ep, plan.ActivateDestCmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return errs.WithPhase(errs.RemoteExit, "activating_dest", fmt.Errorf("set-identity exited %d: %s", code, stderr))
	}
	return nil
}

// verify implements Phase 5: poll the vote account for a new credited
// vote with a slot strictly greater than the slot recorded at plan time.
func (o *Orchestrator) verify(ctx context.Context, pair *domain.ValidatorPair, plan *domain.SwitchPlan, rpcClient *rpc.Client) error {
	ticker := time.NewTicker(VerifyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errs.WithPhase(errs.SwitchPhaseFailure, "verifying", fmt.Errorf("verify timeout after %s", VerifyTimeout))
		case <-ticker.C:
			va, err := rpcClient.GetVoteAccount(ctx, pair.VoteAccountPubkey)
			if err != nil {
				continue
			}
			if va.LastVote > plan.VoteSlotAtPlan {
				return nil
			}
		}
	}
}

// EncodeTowerBase64 returns the standard base64 encoding of raw. The switch
// itself does not call it: production streaming never materializes the
// whole file, it is piped incrementally by transferTower above.
func EncodeTowerBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
