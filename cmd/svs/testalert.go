package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Xie-Hui/solana-validator-switch/internal/alert"
	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
)

var testAlertCmd = &cobra.Command{
	Use:   "test-alert",
	Short: "Send a Test alert through the dispatcher",
	RunE:  runTestAlert,
}

func runTestAlert(cmd *cobra.Command, _ []string) error {
	if err := requireConfigPath(cmd); err != nil {
		return err
	}
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.pool.Close()
	defer a.audit.Close()

	pairs := a.state.Pairs()
	a.dispatcher.Emit(domain.Alert{
		Kind:    domain.AlertTest,
		Message: alert.BuildTestMessage(pairs),
	})
	// Shutdown blocks until the just-emitted alert is delivered (or the
	// deadline passes), since test-alert has nothing else to do but confirm
	// the transport works.
	a.dispatcher.Shutdown(10 * time.Second)

	fmt.Println("test alert sent")
	return nil
}
