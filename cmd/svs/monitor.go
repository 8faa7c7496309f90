package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the continuous health monitor for every configured pair until interrupted",
	RunE:  runMonitor,
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	if err := requireConfigPath(cmd); err != nil {
		return err
	}
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	threshold := time.Duration(a.doc.Alert.DelinquencyThresholdSeconds) * time.Second
	m := &monitor.Monitor{
		State:      a.state,
		Pool:       a.pool,
		Dispatcher: a.dispatcher,
		RPCClientFor: func(pair *domain.ValidatorPair) monitor.RPCSource {
			return a.rpcFor(pair)
		},
		DelinquencyThreshold: threshold,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a.logger.Info("health monitor starting", "pairs", len(a.state.Pairs()))
	_ = m.Run(ctx)
	a.logger.Info("health monitor stopped")
	return nil
}
