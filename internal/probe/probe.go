// Package probe identifies which validator implementation is running on a
// Node, and extracts its identity, version, ledger path, and tower path.
// The non-identity diagnostic fields (disk usage, load, sync status) are
// batched into one SSH round trip with delimited sections, the way
// original_source/src/commands/status.rs combines df/uptime/catchup; the
// process scan and the identity/version/tower-path probes each remain
// their own command since they gate control flow (kind detection,
// tower-path derivation) that the diagnostics never do.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/errs"
	sshpool "github.com/Xie-Hui/solana-validator-switch/internal/ssh"
	"github.com/Xie-Hui/solana-validator-switch/internal/validatorkind"
)

const processScanCmd = `ps aux | grep -Ei 'solana-validator|agave-validator|fdctl|firedancer|jito-solana' | grep -v grep`

// diagnosticsCmd batches the non-identity health facts into one SSH round
// trip: disk usage of the ledger filesystem, 1-minute load average, and a
// bounded catchup check. Each section is delimited so parseDiagnostics can
// split the single combined stdout blob back apart.
func diagnosticsCmd(ledgerDir, execPath string) string {
	return fmt.Sprintf(
		"echo '=== DISK ===' && df %s | tail -1 | awk '{print $5}' | sed 's/%%//'; "+
			"echo '=== LOAD ===' && uptime | awk -F'load average:' '{print $2}' | awk '{print $1}' | sed 's/,//'; "+
			"echo '=== SYNC ===' && timeout 3 %s catchup --our-localhost 2>/dev/null || echo 'timeout'; "+
			"echo '=== END ==='",
		ledgerDir, execPath)
}

// Result is everything the probe extracted about a node.
type Result struct {
	Kind           validatorkind.Kind
	ExecutablePath string
	LedgerDir      string
	TowerPath      string
	Identity       string
	Version        string

	DiskUsagePercent int
	SystemLoad       float64
	SyncStatus       string
}

// Prober runs probe commands over a session pool.
type Prober struct {
	Pool *sshpool.Pool
}

// New returns a Prober backed by pool.
func New(pool *sshpool.Pool) *Prober {
	return &Prober{Pool: pool}
}

// Probe identifies the validator kind running on n's host, then extracts
// its executable path, ledger directory, running identity, tower path, and
// version. ledgerDirHint lets the caller supply the configured ledger
// directory when it is known ahead of time (e.g. from a previous probe); when empty
// the probe derives it from the process command line.
func (p *Prober) Probe(ctx context.Context, ep sshpool.Endpoint, ledgerDirHint string) (*Result, error) {
	stdout, _, code, err := p.Pool.Execute(ctx, ep, processScanCmd)
	if err != nil {
		return nil, err
	}
	if code != 0 || strings.TrimSpace(stdout) == "" {
		return nil, errs.WithHost(errs.ProbeNotFound, ep.Host, fmt.Errorf("no known validator process running"))
	}

	lines := nonEmptyLines(stdout)
	kinds := map[validatorkind.Kind]string{}
	for _, line := range lines {
		if k, ok := validatorkind.ParseKind(line); ok {
			if _, seen := kinds[k]; !seen {
				kinds[k] = line
			}
		}
	}
	if len(kinds) == 0 {
		return nil, errs.WithHost(errs.ProbeNotFound, ep.Host, fmt.Errorf("process line matched no known validator kind"))
	}
	if len(kinds) > 1 {
		return nil, errs.WithHost(errs.ProbeAmbiguous, ep.Host, fmt.Errorf("more than one validator kind detected: %v", keysOf(kinds)))
	}

	var kind validatorkind.Kind
	var processLine string
	for k, l := range kinds {
		kind, processLine = k, l
	}

	execPath := firstToken(processLine)
	if execPath == "" {
		return nil, errs.WithHost(errs.ProbeParse, ep.Host, fmt.Errorf("could not extract executable path from process line"))
	}

	ledgerDir := ledgerDirHint
	if ledgerDir == "" {
		ledgerDir = extractLedgerDir(processLine)
	}
	if ledgerDir == "" {
		return nil, errs.WithHost(errs.ProbeParse, ep.Host, fmt.Errorf("could not determine ledger directory"))
	}

	identity, err := p.probeIdentity(ctx, ep, kind, execPath, ledgerDir)
	if err != nil {
		return nil, err
	}

	version, err := p.probeVersion(ctx, ep, kind, execPath)
	if err != nil {
		return nil, err
	}

	var towerPath string
	if kind == validatorkind.Firedancer {
		towerPath = validatorkind.FiredancerFunkDir(ledgerDir)
	} else {
		towerPath, err = kind.TowerPath(ledgerDir, identity)
		if err != nil {
			return nil, errs.WithHost(errs.ProbeParse, ep.Host, err)
		}
	}

	result := &Result{
		Kind:           kind,
		ExecutablePath: execPath,
		LedgerDir:      ledgerDir,
		TowerPath:      towerPath,
		Identity:       identity,
		Version:        version,
	}

	// Diagnostics are best-effort: a failure here (host under load, df/uptime
	// missing) should not fail the whole probe.
	if out, _, code, err := p.Pool.Execute(ctx, ep, diagnosticsCmd(ledgerDir, execPath)); err == nil && code == 0 {
		parseDiagnostics(out, result)
	}

	return result, nil
}

func (p *Prober) probeIdentity(ctx context.Context, ep sshpool.Endpoint, kind validatorkind.Kind, execPath, ledgerDir string) (string, error) {
	cmd, err := kind.IdentityProbeCmd(execPath, ledgerDir)
	if err != nil {
		return "", errs.WithHost(errs.ProbeParse, ep.Host, err)
	}
	stdout, _, code, err := p.Pool.Execute(ctx, ep, cmd)
	if err != nil {
		return "", err
	}
	identity := strings.TrimSpace(firstLine(stdout))
	if code != 0 || identity == "" {
		return "", errs.WithHost(errs.ProbeParse, ep.Host, fmt.Errorf("identity probe produced no output"))
	}
	return identity, nil
}

func (p *Prober) probeVersion(ctx context.Context, ep sshpool.Endpoint, kind validatorkind.Kind, execPath string) (string, error) {
	cmd, err := kind.VersionProbeCmd(execPath)
	if err != nil {
		return "", errs.WithHost(errs.ProbeParse, ep.Host, err)
	}
	stdout, _, _, err := p.Pool.Execute(ctx, ep, cmd)
	if err != nil {
		return "", err
	}
	v, ok := extractSemver(stdout)
	if !ok {
		return "", errs.WithHost(errs.ProbeParse, ep.Host, fmt.Errorf("no semver-shaped token in version output: %q", stdout))
	}
	return v, nil
}

// extractSemver scans whitespace-delimited tokens in s for the first one
// that parses as a semver version, preferring it over naive regex matching
// so a trailing build metadata suffix or leading 'v' does not break parsing.
func extractSemver(s string) (string, bool) {
	for _, tok := range strings.Fields(s) {
		tok = strings.TrimPrefix(tok, "v")
		if ver, err := semver.NewVersion(tok); err == nil {
			return ver.String(), true
		}
	}
	return "", false
}

func firstToken(line string) string {
	fields := strings.Fields(line)
	// ps aux columns: USER PID %CPU %MEM VSZ RSS TTY STAT START TIME COMMAND...
	if len(fields) < 11 {
		return ""
	}
	return fields[10]
}

func extractLedgerDir(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "--ledger" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// parseDiagnostics splits a diagnosticsCmd's delimited stdout back into its
// disk/load/sync sections and fills in whichever fields parse cleanly,
// leaving the rest at their zero value.
func parseDiagnostics(output string, r *Result) {
	sections := strings.Split(output, "=== ")
	for _, section := range sections {
		switch {
		case strings.HasPrefix(section, "DISK ==="):
			if v, ok := firstValueLine(section); ok {
				if usage, err := parseInt(v); err == nil {
					r.DiskUsagePercent = usage
				}
			}
		case strings.HasPrefix(section, "LOAD ==="):
			if v, ok := firstValueLine(section); ok {
				if load, err := parseFloat(v); err == nil {
					r.SystemLoad = load
				}
			}
		case strings.HasPrefix(section, "SYNC ==="):
			if v, ok := firstValueLine(section); ok {
				switch {
				case strings.Contains(v, "behind"):
					r.SyncStatus = "behind"
				case strings.Contains(v, "timeout"):
					r.SyncStatus = "timeout"
				default:
					r.SyncStatus = "in sync"
				}
			}
		}
	}
}

// firstValueLine returns the line following a section's "=== NAME ==="
// header, trimmed, or false if the section has no such line.
func firstValueLine(section string) (string, bool) {
	lines := strings.Split(section, "\n")
	if len(lines) < 2 {
		return "", false
	}
	v := strings.TrimSpace(lines[1])
	if v == "" {
		return "", false
	}
	return v, true
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	return f, err
}

func keysOf(m map[validatorkind.Kind]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k.String())
	}
	return out
}

// PubkeyOf resolves the public key corresponding to a keypair file on the
// remote host, used to verify a standby node's on-node identity actually
// matches its configured unfunded keypair rather than assuming it based on
// role alone.
func (p *Prober) PubkeyOf(ctx context.Context, ep sshpool.Endpoint, keypairPath string) (string, error) {
	cmd := fmt.Sprintf("solana-keygen pubkey %s", keypairPath)
	stdout, _, code, err := p.Pool.Execute(ctx, ep, cmd)
	if err != nil {
		return "", err
	}
	pk := strings.TrimSpace(stdout)
	if code != 0 || pk == "" {
		return "", errs.WithHost(errs.ProbeParse, ep.Host, fmt.Errorf("could not resolve pubkey for %s", keypairPath))
	}
	return pk, nil
}

// ApplyTo copies a Result's discovered fields onto node, as "refreshed on
// demand and on every switch" requires.
func ApplyTo(node *domain.Node, r *Result) {
	node.Kind = r.Kind
	node.ExecutablePath = r.ExecutablePath
	node.LedgerDir = r.LedgerDir
	node.TowerPath = r.TowerPath
	node.LastIdentity = r.Identity
	node.LastVersion = r.Version
	node.LastProbedAt = time.Now()
	node.DiskUsagePercent = r.DiskUsagePercent
	node.SystemLoad = r.SystemLoad
	node.SyncStatus = r.SyncStatus
}
