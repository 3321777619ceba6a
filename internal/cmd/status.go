package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kferreira/mdpilot/internal/config"
	"github.com/kferreira/mdpilot/internal/gate"
	"github.com/kferreira/mdpilot/internal/history"
	"github.com/kferreira/mdpilot/internal/util"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	openStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	unsetStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current run's gates and invocations",
	Long:  `Reconstruct gate states and invocation outcomes from the run history in the working directory.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	records, err := history.Read(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("reading run history: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No run history in", cfg.Workdir)
		return nil
	}

	gates, invocations := replay(records)

	fmt.Println(headerStyle.Render("Gates"))
	printGates(gates)

	fmt.Println()
	fmt.Println(headerStyle.Render("Invocations"))
	for _, r := range invocations {
		line := fmt.Sprintf("  [%d] %s: %s", r.InvocationID, r.Capability, r.Status)
		if r.Reason != "" {
			line += dimStyle.Render(fmt.Sprintf(" (%s)", r.Reason))
		}
		fmt.Println(line)
		if r.Detail != "" {
			fmt.Println(util.TruncateANSI(dimStyle.Render("      "+r.Detail), 100))
		}
	}
	return nil
}

// replay folds the transition log into last-known gate states and
// per-invocation terminal records.
func replay(records []history.Record) ([]gate.Status, []history.Record) {
	gateState := make(map[string]gate.Status)
	var gateOrder []string
	latest := make(map[uint64]history.Record)
	var invOrder []uint64

	for _, r := range records {
		switch {
		case r.Gate != "":
			if _, seen := gateState[r.Gate]; !seen {
				gateOrder = append(gateOrder, r.Gate)
			}
			gateState[r.Gate] = gate.Status{
				Name:         r.Gate,
				State:        gate.State(r.State),
				Evidence:     r.Evidence,
				UpdatedAt:    r.At,
				InvocationID: r.InvocationID,
			}
		case r.InvocationID != 0 && r.Capability != "":
			if _, seen := latest[r.InvocationID]; !seen {
				invOrder = append(invOrder, r.InvocationID)
			}
			latest[r.InvocationID] = r
		}
	}

	gates := make([]gate.Status, 0, len(gateOrder))
	for _, name := range gateOrder {
		gates = append(gates, gateState[name])
	}
	invocations := make([]history.Record, 0, len(invOrder))
	for _, id := range invOrder {
		invocations = append(invocations, latest[id])
	}
	return gates, invocations
}

func printGates(gates []gate.Status) {
	if len(gates) == 0 {
		fmt.Println("  no gates recorded")
		return
	}
	for _, g := range gates {
		var state string
		switch g.State {
		case gate.StateOpen:
			state = openStyle.Render("open")
		case gate.StateBlocked:
			state = blockedStyle.Render("blocked")
		default:
			state = unsetStyle.Render("unset")
		}
		line := fmt.Sprintf("  %-24s %s", g.Name, state)
		if g.Evidence != "" {
			line += dimStyle.Render("  " + util.TruncateString(g.Evidence, 80))
		}
		fmt.Println(line)
	}
}
