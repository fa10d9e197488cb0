package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pcdattach/internal/config"
)

func newConfigCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change configuration",
	}

	cmd.AddCommand(
		newConfigGetCmd(cfg),
		newConfigListCmd(cfg),
		newConfigSetCmd(),
		newConfigPathCmd(cfg),
	)
	return cmd
}

func newConfigGetCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one effective config value",
		Args:  requireExactlyArgs(1, "config key is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !config.IsAllowedKey(args[0]) {
				return fmt.Errorf("unknown key: %s (allowed: %v)", args[0], config.AllowedKeys())
			}
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			return writePlain("%s\n", value)
		},
	}
}

type configEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

func newConfigListCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every effective config value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := make([]configEntry, 0, len(config.AllowedKeys()))
			for _, key := range config.AllowedKeys() {
				value, err := cfg.Get(key)
				if err != nil {
					return fmt.Errorf("read %s: %w", key, err)
				}
				entries = append(entries, configEntry{Key: key, Value: value})
			}
			return writeOutput(entries, func(w io.Writer) error {
				for _, e := range entries {
					if _, err := fmt.Fprintf(w, "%s = %s\n", e.Key, e.Value); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a config value",
		Args:  requireExactlyArgs(2, "config key and value are required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configFilePath(global)
			if err != nil {
				return err
			}
			if err := config.SetKey(path, args[0], args[1]); err != nil {
				return err
			}
			return writePlain("%s written to %s\n", args[0], path)
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "write to the global config (~/.pcdattach.toml) instead of ./.pcdattach.toml")
	return cmd
}

type configPaths struct {
	Global         string `json:"global" yaml:"global"`
	Project        string `json:"project" yaml:"project"`
	TrustedProject string `json:"trusted_project,omitempty" yaml:"trusted_project,omitempty"`
}

func newConfigPathCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show which config files are consulted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			global, err := configFilePath(true)
			if err != nil {
				return err
			}
			project, err := configFilePath(false)
			if err != nil {
				return err
			}
			paths := configPaths{Global: global, Project: project}
			if cfg != nil {
				paths.TrustedProject = cfg.TrustedProjectConfigPath
			}
			return writeOutput(paths, func(w io.Writer) error {
				trusted := "(not trusted)"
				if paths.TrustedProject != "" {
					trusted = "(trusted)"
				}
				_, err := fmt.Fprintf(w, "global:  %s\nproject: %s %s\n", paths.Global, paths.Project, trusted)
				return err
			})
		},
	}
}

func configFilePath(global bool) (string, error) {
	if global {
		return config.GlobalPath()
	}
	return config.ProjectPath()
}
