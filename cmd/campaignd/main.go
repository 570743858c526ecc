package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "campaignd",
	Short: "Multi-tenant bulk messaging daemon",
	Long: `campaignd runs messaging campaigns for a tree of accounts and charges
them against a prepaid credit ledger. "serve" runs the daemon; the other
commands operate on the configured store directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./campaignd.json", "path to config (json, yaml or toml)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
