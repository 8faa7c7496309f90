// Package audit records the switch audit trail: one structured JSON line
// per switch attempt's plan and per-phase outcome, appended to a log file
// rooted under os.UserConfigDir(), opened once in append mode and synced
// after every write.
package audit

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
)

const logFileName = "switch.log"

// Logger writes one JSON line per switch-plan and phase-outcome event.
type Logger struct {
	slog *slog.Logger
	file *os.File
}

// Open creates (or appends to) the switch audit log under
// os.UserConfigDir()/solana-validator-switch/switch.log. Callers should
// Close it during teardown.
func Open() (*Logger, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	logDir := filepath.Join(dir, "solana-validator-switch")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Logger{
		slog: slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})),
		file: f,
	}, nil
}

// Close flushes and closes the underlying log file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// LogPlan records a Phase 1 SwitchPlan before any remote mutation occurs.
func (l *Logger) LogPlan(plan *domain.SwitchPlan) {
	if l == nil {
		return
	}
	l.slog.Info("switch_plan",
		"plan_id", plan.ID.String(),
		"pair", plan.PairIndex,
		"source_host", plan.Source.Host,
		"destination_host", plan.Destination.Host,
		"source_tower_path", plan.SourceTowerPath,
		"destination_tower_path", plan.DestinationTowerPath,
		"source_kind", plan.SourceKind.String(),
		"destination_kind", plan.DestinationKind.String(),
		"vote_slot_at_plan", plan.VoteSlotAtPlan,
	)
	l.sync()
}

// LogPhaseOutcome records the terminal outcome of one switch attempt: the
// phase it ended in and, on failure, the underlying error.
func (l *Logger) LogPhaseOutcome(planID string, pairIndex int, phase domain.Phase, elapsedMillis int64, err error) {
	if l == nil {
		return
	}
	if err != nil {
		l.slog.Error("switch_phase_outcome",
			"plan_id", planID,
			"pair", pairIndex,
			"phase", string(phase),
			"elapsed_ms", elapsedMillis,
			"err", err.Error(),
		)
	} else {
		l.slog.Info("switch_phase_outcome",
			"plan_id", planID,
			"pair", pairIndex,
			"phase", string(phase),
			"elapsed_ms", elapsedMillis,
		)
	}
	l.sync()
}

// sync flushes the just-written line to disk so a crash between switch
// phases cannot lose an audit record that was already logged, matching
// the teacher's open-append-sync-close discipline minus the close: the
// handle stays open for the process lifetime, but every write is still
// synced before the next phase can run.
func (l *Logger) sync() {
	if l.file != nil {
		_ = l.file.Sync()
	}
}
