package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kferreira/mdpilot/internal/config"
)

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "List the registered capabilities",
	Long:  `List every capability the pipeline can invoke, with the gates each one requires and affects.`,
	RunE:  runCapabilities,
}

func init() {
	rootCmd.AddCommand(capabilitiesCmd)
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	for _, c := range registry.List() {
		name := c.Name
		if c.Async {
			name += " (async)"
		}
		fmt.Println(headerStyle.Render(name))
		if len(c.Params) > 0 {
			params := make([]string, len(c.Params))
			for i, p := range c.Params {
				params[i] = fmt.Sprintf("%s:%s", p.Name, p.Type)
			}
			fmt.Printf("  params:   %s\n", strings.Join(params, ", "))
		}
		if len(c.Requires) > 0 {
			fmt.Printf("  requires: %s\n", strings.Join(c.Requires, ", "))
		}
		if len(c.Affects) > 0 {
			fmt.Printf("  affects:  %s\n", strings.Join(c.Affects, ", "))
		}
	}
	return nil
}
