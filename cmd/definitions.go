package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/swiftmile/featureserve/internal/registry"
)

var definitionsCmd = &cobra.Command{
	Use:   "definitions",
	Short: "Inspect resolver definitions",
}

var definitionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered features and their resolver chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		for _, name := range reg.Features() {
			defs, err := reg.Lookup(name)
			if err != nil {
				return err
			}
			var chain []string
			for _, d := range defs {
				chain = append(chain, fmt.Sprintf("%s(p%d)", d.SourceID, d.Priority))
			}
			line := fmt.Sprintf("%-40s %s", name, strings.Join(chain, " -> "))
			if deps := reg.Dependencies(name); len(deps) > 0 {
				line += "  [needs " + strings.Join(deps, ", ") + "]"
			}
			if dflt, ok := reg.Default(name); ok {
				line += fmt.Sprintf("  [default %v]", dflt)
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var definitionsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a resolver definitions file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.LoadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d features\n", len(reg.Features()))
		return nil
	},
}

func init() {
	definitionsCmd.AddCommand(definitionsListCmd, definitionsValidateCmd)
	rootCmd.AddCommand(definitionsCmd)
}
