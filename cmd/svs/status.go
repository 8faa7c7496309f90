package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/state"
	"github.com/Xie-Hui/solana-validator-switch/internal/switcher"
)

var statusValidatorIdx int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print resolved roles and probe data for all pairs, or one by index",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusValidatorIdx, "validator", -1, "only show the pair at this index")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	if err := requireConfigPath(cmd); err != nil {
		return err
	}
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	pairs, err := a.selectPairs(statusValidatorIdx)
	if err != nil {
		return err
	}

	ctx := context.Background()
	orch := &switcher.Orchestrator{Pool: a.pool}
	fmt.Println(strings.Repeat("-", terminalWidth()))
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "PAIR\tROLE\tHOST\tKIND\tIDENTITY\tVERSION\tTOWER\tDISK%\tLOAD\tSYNC")

	var failures int
	for _, pair := range pairs {
		resolved, err := a.detector.Resolve(ctx, pair, a.rpcFor(pair))
		if err != nil {
			fmt.Fprintf(w, "%d\t%s\t\t\t\t\t\t\t\t\n", pair.Index, err)
			failures++
			continue
		}
		printPairRow(w, pair, resolved)
		readiness := orch.CheckReadiness(ctx, resolved.Active, resolved.Standby)
		printReadiness(w, pair.Index, readiness)
	}
	_ = w.Flush()

	if failures > 0 {
		return fmt.Errorf("%d of %d pairs failed to resolve", failures, len(pairs))
	}
	return nil
}

func printPairRow(w *tabwriter.Writer, pair *domain.ValidatorPair, resolved *state.Resolved) {
	for _, n := range pair.Nodes() {
		role := state.Role(resolved, n)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%.2f\t%s\n",
			pair.Index, role, n.Host, n.Kind, n.LastIdentity, n.LastVersion, n.TowerPath,
			n.DiskUsagePercent, n.SystemLoad, n.SyncStatus)
	}
}

// printReadiness surfaces the same pre-switch checklist printSwitchResult's
// dry-run path shows, so status reports readiness without requiring a
// `switch --dry-run` call first.
func printReadiness(w *tabwriter.Writer, pairIndex int, c domain.ReadinessChecklist) {
	status := "READY"
	if !c.AllOK() {
		status = "NOT READY"
	}
	fmt.Fprintf(w, "%d\treadiness: %s\t\t\t\t\t\t\t\t\n", pairIndex, status)
	for _, item := range c.Items {
		mark := "ok"
		if !item.OK {
			mark = "fail"
		}
		fmt.Fprintf(w, "%d\t  %s: %s\t\t\t\t\t\t\t\t\n", pairIndex, item.Name, mark)
	}
}

// terminalWidth returns the current stdout width, falling back to 80 when
// stdout is not a terminal (piped output, CI logs).
func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	if w > 120 {
		return 120
	}
	return w
}
