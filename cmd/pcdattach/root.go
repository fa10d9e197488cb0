package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pcdattach/internal/config"
	"pcdattach/internal/format"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		jsonOutput    bool
		outputName    string
		logLevel      string
		logFormatName string
	)
	commandTimeout = defaultCommandTimeout

	cmd := &cobra.Command{
		Use:           "pcdattach",
		Short:         "Manage attachments of tools, RMAs, passdowns and track/trend records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configLevel := ""
			if cfg != nil {
				configLevel = cfg.LogLevel
			}
			warnings, err := configureLoggerForCLI(logLevel, configLevel, logFormatName)
			if err != nil {
				return err
			}
			for _, warning := range warnings {
				fmt.Fprintln(os.Stderr, warning)
			}

			if jsonOutput && outputName == "" {
				outputName = "json"
			}
			return configureOutput(outputName)
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON (same as --output json)")
	cmd.PersistentFlags().StringVarP(&outputName, "output", "o", "", "output format: text, json, pretty or yaml")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&logFormatName, "log-format", "", "log format: text or json")
	cmd.PersistentFlags().DurationVar(&commandTimeout, "timeout", defaultCommandTimeout, "per-command deadline for store operations (0 disables)")

	cmd.AddCommand(
		newServeCmd(cfg),
		newSweepCmd(cfg),
		newAttachCmd(cfg),
		newShowCmd(cfg),
		newCatCmd(cfg),
		newListCmd(cfg),
		newDeleteCmd(cfg),
		newTransferCmd(cfg),
		newShareCmd(cfg),
		newVerifyCmd(cfg),
		newOwnerCmd(cfg),
		newMigrateCmd(cfg),
		newConfigCmd(cfg),
	)

	return cmd
}

func configureOutput(name string) error {
	switch name {
	case "", "text":
		outputFormatter = nil
		return nil
	}
	f, err := format.New(name)
	if err != nil {
		return err
	}
	outputFormatter = f
	return nil
}

const defaultCommandTimeout = 2 * time.Minute

var commandTimeout = defaultCommandTimeout

// commandContext derives the context for one command, bounded by --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if commandTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, commandTimeout)
}
