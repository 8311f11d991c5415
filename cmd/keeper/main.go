package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:   "keeper",
	Short: "Keeper transaction execution and event indexing engine",
	Long: `keeper drives bot transactions against an Ethereum node.

It submits transactions with simulation, nonce management and gas price
escalation, and fetches contract events over large block spans with
provider-friendly pagination.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "override the configured log level (debug|info|warn|error)")

	rootCmd.AddCommand(gasCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(proxyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		stop()
		os.Exit(1)
	}
}
