package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Xie-Hui/solana-validator-switch/internal/alert"
	"github.com/Xie-Hui/solana-validator-switch/internal/audit"
	"github.com/Xie-Hui/solana-validator-switch/internal/config"
	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/probe"
	"github.com/Xie-Hui/solana-validator-switch/internal/rpc"
	"github.com/Xie-Hui/solana-validator-switch/internal/shared"
	"github.com/Xie-Hui/solana-validator-switch/internal/state"
	sshpool "github.com/Xie-Hui/solana-validator-switch/internal/ssh"
)

// app bundles every component the CLI commands need, wired once per
// invocation from the user-supplied configuration file.
type app struct {
	doc        *config.Document
	state      *shared.State
	pool       *sshpool.Pool
	prober     *probe.Prober
	detector   *state.Detector
	dispatcher *alert.Dispatcher
	audit      *audit.Logger
	logger     *slog.Logger

	rpcClients map[int]*rpc.Client
}

func newApp(path string) (*app, error) {
	doc, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pairs := config.ToValidatorPairs(doc)
	st := shared.New(pairs)
	pool := sshpool.NewPool()
	prober := probe.New(pool)
	detector := state.New(prober)

	sender := alertSenderFor(doc)
	debounce := time.Hour
	dispatcher := alert.New(sender, debounce, logger, st)

	auditLogger, err := audit.Open()
	if err != nil {
		// The audit trail is a supplementary record, not a correctness
		// requirement; a host without a writable config dir should not
		// block switching.
		logger.Warn("audit log unavailable", "err", err)
		auditLogger = nil
	}

	rpcClients := make(map[int]*rpc.Client, len(pairs))
	for _, p := range pairs {
		rpcClients[p.Index] = rpc.NewClient(p.RPCEndpoint)
	}

	return &app{
		doc:        doc,
		state:      st,
		pool:       pool,
		prober:     prober,
		detector:   detector,
		dispatcher: dispatcher,
		audit:      auditLogger,
		logger:     logger,
		rpcClients: rpcClients,
	}, nil
}

func alertSenderFor(doc *config.Document) alert.Sender {
	if doc.Alert.Enabled && doc.Alert.Telegram != nil {
		return alert.NewTelegramSender(doc.Alert.Telegram.BotToken, doc.Alert.Telegram.ChatID)
	}
	return noopSender{}
}

// noopSender is used when alert_config.enabled is false: alerts still flow
// through the dispatcher's debounce/FIFO logic, they are just not delivered
// anywhere. The switch/monitor core neither depends on nor parses the
// transport when none is configured.
type noopSender struct{}

func (noopSender) Send(context.Context, domain.Alert) error { return nil }

func (a *app) rpcFor(pair *domain.ValidatorPair) *rpc.Client {
	return a.rpcClients[pair.Index]
}

// close tears down every SSH session and drains the alert dispatcher with a
// bounded deadline.
func (a *app) close() {
	a.dispatcher.Shutdown(5 * time.Second)
	a.pool.Close()
	_ = a.audit.Close()
}

// selectPairs returns either every configured pair, or just the one at
// index validatorIdx when validatorIdx >= 0.
func (a *app) selectPairs(validatorIdx int) ([]*domain.ValidatorPair, error) {
	pairs := a.state.Pairs()
	if validatorIdx < 0 {
		return pairs, nil
	}
	for _, p := range pairs {
		if p.Index == validatorIdx {
			return []*domain.ValidatorPair{p}, nil
		}
	}
	return nil, errPairNotFound(validatorIdx)
}

type errPairNotFound int

func (e errPairNotFound) Error() string {
	return fmt.Sprintf("no validator pair at index %d", int(e))
}
