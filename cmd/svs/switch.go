package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/switcher"
)

var (
	switchValidatorIdx int
	switchDryRun       bool
)

var switchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Switch the funded identity from the active host to the standby host",
	RunE:  runSwitch,
}

func init() {
	switchCmd.Flags().IntVar(&switchValidatorIdx, "validator", -1, "only switch the pair at this index")
	switchCmd.Flags().BoolVar(&switchDryRun, "dry-run", false, "stop after planning; make no remote mutation")
}

func runSwitch(cmd *cobra.Command, _ []string) error {
	if err := requireConfigPath(cmd); err != nil {
		return err
	}
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	pairs, err := a.selectPairs(switchValidatorIdx)
	if err != nil {
		return err
	}

	orch := &switcher.Orchestrator{
		Pool:        a.pool,
		Detector:    a.detector,
		Dispatcher:  a.dispatcher,
		SharedState: a.state,
		Audit:       a.audit,
	}

	ctx := context.Background()
	var failed int
	for _, pair := range pairs {
		res := orch.Switch(ctx, pair, a.rpcFor(pair), switchDryRun)
		printSwitchResult(pair, res)
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d switches did not complete", failed, len(pairs))
	}
	return nil
}

func printSwitchResult(pair *domain.ValidatorPair, res *switcher.Result) {
	if res.Err != nil {
		fmt.Printf("pair %d: FAILED in phase %s: %v\n", pair.Index, res.Phase, res.Err)
		return
	}
	if res.Phase == domain.PhasePlanning {
		fmt.Printf("pair %d: dry-run plan\n", pair.Index)
		printPlan(res.Plan)
		return
	}
	fmt.Printf("pair %d: switched %s -> %s in %s\n",
		pair.Index, res.Plan.Source.Label, res.Plan.Destination.Label, res.Elapsed.Round(time.Millisecond))
}

func printPlan(plan *domain.SwitchPlan) {
	fmt.Printf("  source:      %s (%s)\n", plan.Source.Label, plan.Source.Host)
	fmt.Printf("  destination: %s (%s)\n", plan.Destination.Label, plan.Destination.Host)
	fmt.Printf("  source tower:      %s\n", plan.SourceTowerPath)
	fmt.Printf("  destination tower: %s\n", plan.DestinationTowerPath)
	fmt.Printf("  source kind:      %s\n", plan.SourceKind)
	fmt.Printf("  destination kind: %s\n", plan.DestinationKind)
	for _, item := range plan.Readiness.Items {
		status := "ok"
		if !item.OK {
			status = "FAILED: " + item.Note
		}
		fmt.Printf("  readiness: %-55s %s\n", item.Name, status)
	}
}
