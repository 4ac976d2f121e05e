// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/abide-preproc/abidedl/pkg/abide"
)

// DefaultConfig returns the default configuration keyed by flag name.
func DefaultConfig() map[string]any {
	job := abide.DefaultJob()
	cfg := abide.DefaultSettings()
	return map[string]any{
		"derivative":       job.Derivative,
		"pipeline":         job.Pipeline,
		"strategy":         job.Strategy,
		"mean-fd":          job.Criteria.MeanFDThreshold,
		"require-filename": job.Criteria.RequireFilename,
		"site":             []string{},
		"sex":              "",
		"min-age":          0,
		"max-age":          0,
		"output":           cfg.OutputDir,
		"base-url":         cfg.BaseURL,
		"max-active":       cfg.MaxActiveDownloads,
		"timeout":          "0s",
		"progress":         "auto",
		"strict":           false,
	}
}

// encodeConfig renders cfg in the format implied by ext.
func encodeConfig(cfg map[string]any, ext string) ([]byte, error) {
	switch ext {
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	case ".toml":
		return toml.Marshal(cfg)
	default:
		b, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	}
}

// findConfigFile returns the first existing default config file, or "".
func findConfigFile() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force  bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Long: `Creates a default configuration file at ~/.config/abidedl.json (or .yaml, .toml)

The configuration file sets default values for the download flags.
CLI flags always override config file values.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ext := "." + strings.ToLower(strings.TrimPrefix(format, "."))
			switch ext {
			case ".json", ".yaml", ".yml", ".toml":
			default:
				return fmt.Errorf("unsupported config format %q (expected json, yaml or toml)", format)
			}

			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("could not find home directory: %w", err)
			}
			configDir := filepath.Join(home, ".config")
			configPath := filepath.Join(configDir, "abidedl"+ext)

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
			}
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			data, err := encodeConfig(DefaultConfig(), ext)
			if err != nil {
				return err
			}
			if err := os.WriteFile(configPath, data, 0o644); err != nil {
				return fmt.Errorf("could not write config file: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Created config file: %s\n", configPath)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Edit this file to set your defaults. For example:")
			fmt.Fprintln(out, "  - Pick the derivative, pipeline and strategy you work with")
			fmt.Fprintln(out, "  - Change the default output directory")
			fmt.Fprintln(out, "  - Tighten the mean FD threshold")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing config file")
	cmd.Flags().StringVar(&format, "format", "json", "Config file format: json|yaml|toml")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			configPath, _ := cmd.Flags().GetString("config")
			if configPath == "" {
				configPath = findConfigFile()
			}
			if configPath == "" {
				fmt.Fprintln(out, "No config file found. Searched:")
				for _, p := range configSearchPaths() {
					fmt.Fprintf(out, "  %s\n", p)
				}
				fmt.Fprintln(out, "Run 'abidedl config init' to create one.")
				return nil
			}

			// Decode first so a broken file is reported rather than echoed.
			if _, err := readConfigFile(configPath); err != nil {
				return err
			}
			data, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Config file: %s\n\n", configPath)
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			if p := findConfigFile(); p != "" {
				fmt.Fprintln(cmd.OutOrStdout(), p)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), configSearchPaths()[0])
		},
	}
}
