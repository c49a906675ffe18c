package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mailtrack: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "mailtrack",
		Short:         "Outbound mail delivery tracking",
		Long:          "mailtrack follows MTA logs, keeps per-recipient delivery state, maintains a deny list and archives old days.",
		Version:       fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to TOML configuration file")

	app := &application{configPath: &configPath}
	root.AddCommand(
		newServeCommand(app),
		newIngestCommand(app),
		newSMTPDCommand(app),
		newReconcileCommand(app),
		newArchiveCommand(app),
		newCopyCommand(app),
		newExpireDenyListCommand(app),
		newMigrateCommand(app),
	)
	return root
}
