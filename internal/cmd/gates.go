package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kferreira/mdpilot/internal/config"
)

var gatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "List the gate vocabulary of the capability set",
	Long:  `List every gate the registered capabilities require or affect, with the capabilities on each side.`,
	RunE:  runGates,
}

func init() {
	rootCmd.AddCommand(gatesCmd)
}

// gateUsage collects, per gate name, which capabilities require it and
// which declare it in their gate effects.
type gateUsage struct {
	requiredBy []string
	affectedBy []string
}

func runGates(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	usage := make(map[string]*gateUsage)
	lookup := func(name string) *gateUsage {
		u, ok := usage[name]
		if !ok {
			u = &gateUsage{}
			usage[name] = u
		}
		return u
	}
	for _, c := range registry.List() {
		for _, g := range c.Requires {
			u := lookup(g)
			u.requiredBy = append(u.requiredBy, c.Name)
		}
		for _, g := range c.Affects {
			u := lookup(g)
			u.affectedBy = append(u.affectedBy, c.Name)
		}
	}

	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		u := usage[name]
		fmt.Println(headerStyle.Render(name))
		if len(u.affectedBy) > 0 {
			fmt.Printf("  affected by: %s\n", strings.Join(u.affectedBy, ", "))
		}
		if len(u.requiredBy) > 0 {
			fmt.Printf("  required by: %s\n", strings.Join(u.requiredBy, ", "))
		}
	}
	return nil
}
