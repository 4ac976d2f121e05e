// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/abide-preproc/abidedl/internal/logging"
	"github.com/abide-preproc/abidedl/pkg/abide"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogFile  string
	LogLevel string
}

// downloadOpts holds flags that shape the command rather than the job.
type downloadOpts struct {
	dryRun   bool
	planFmt  string
	strict   bool
	progress string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "abidedl",
		Short:         "Download ABIDE Preprocessed derivatives selected from the phenotype table",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events, plan and summary")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (plain progress lines, warnings only)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON, YAML or TOML)")
	root.PersistentFlags().StringVar(&ro.LogFile, "log-file", "", "Write logs to file (in addition to stderr)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")

	downloadCmd := newDownloadCmd(ctx, ro)
	root.AddCommand(downloadCmd)
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newConfigCmd())

	// download is the default command when no subcommand is given
	root.Flags().AddFlagSet(downloadCmd.Flags())
	root.PreRunE = downloadCmd.PreRunE
	root.RunE = downloadCmd.RunE
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newDownloadCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	job := abide.DefaultJob()
	cfg := abide.DefaultSettings()
	opts := &downloadOpts{}

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download derivatives for subjects passing the phenotype filters",
		Long: `Fetches the ABIDE phenotype table, drops subjects without preprocessed data
or with mean framewise displacement at or above --mean-fd, and downloads the
selected derivative for every remaining subject.

Files that already exist under the output directory are skipped.

Example:
  abidedl download
  abidedl download --derivative func_preproc --pipeline cpac --strategy nofilt_noglobal
  abidedl download --site NYU --site UCLA_1 --sex F --max-age 18 --dry-run`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro, &job, &cfg, opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			useTUI := !ro.JSONOut && !ro.Quiet && wantsTUI(opts.progress)

			log, closeLog, err := newLogger(ro, useTUI)
			if err != nil {
				return err
			}
			defer closeLog()

			finalJob, finalCfg, err := finalize(job, cfg, opts, log)
			if err != nil {
				return err
			}

			// Plan-only mode
			if opts.dryRun {
				// --json keeps its JSON-lines contract: one plan_item per target.
				if ro.JSONOut {
					return abide.ScanPlan(ctx, finalJob, finalCfg, jsonProgress(os.Stdout))
				}
				p, err := abide.PlanJob(ctx, finalJob, finalCfg)
				if err != nil {
					return err
				}
				if strings.ToLower(opts.planFmt) == "json" {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(p)
				}
				fmt.Printf("Plan for %s/%s/%s: %s\n", finalJob.Pipeline, finalJob.Strategy, finalJob.Derivative, p)
				fmt.Println(renderPlan(p))
				return nil
			}

			progress, closeUI := selectProgress(ro, opts, useTUI, finalJob, finalCfg)
			sum, err := abide.Download(ctx, finalJob, finalCfg, progress)
			closeUI()
			if err != nil {
				return err
			}

			if ro.JSONOut {
				if err := json.NewEncoder(os.Stdout).Encode(sum); err != nil {
					return err
				}
			} else {
				fmt.Println(renderSummary(sum))
			}

			if opts.strict && sum.Failed > 0 {
				return fmt.Errorf("%d of %d targets failed: %w", sum.Failed, sum.Considered, abide.ErrIncomplete)
			}
			return nil
		},
	}

	// Job flags
	cmd.Flags().StringVarP(&job.Derivative, "derivative", "d", job.Derivative, "Derivative to download (e.g. rois_aal, rois_cc200, func_preproc, alff)")
	cmd.Flags().StringVarP(&job.Pipeline, "pipeline", "p", job.Pipeline, "Preprocessing pipeline: cpac, css, dparsf, niak")
	cmd.Flags().StringVarP(&job.Strategy, "strategy", "s", job.Strategy, "Noise removal strategy: filt_global, filt_noglobal, nofilt_global, nofilt_noglobal")
	cmd.Flags().Float64Var(&job.Criteria.MeanFDThreshold, "mean-fd", job.Criteria.MeanFDThreshold, "Exclude subjects with func_mean_fd >= this value (0 disables)")
	cmd.Flags().BoolVar(&job.Criteria.RequireFilename, "require-filename", job.Criteria.RequireFilename, "Exclude subjects whose FILE_ID is no_filename")
	cmd.Flags().StringSliceVar(&job.Criteria.Sites, "site", nil, "Only include these SITE_IDs (repeatable or comma-separated)")
	cmd.Flags().StringVar(&job.Criteria.Sex, "sex", "", "Only include subjects of this sex: M or F")
	cmd.Flags().Float64Var(&job.Criteria.MinAge, "min-age", 0, "Only include subjects with AGE_AT_SCAN >= this value")
	cmd.Flags().Float64Var(&job.Criteria.MaxAge, "max-age", 0, "Only include subjects with AGE_AT_SCAN < this value")

	// Settings flags
	cmd.Flags().StringVarP(&cfg.OutputDir, "output", "o", cfg.OutputDir, "Destination base directory")
	cmd.Flags().StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Dataset prefix on the bucket")
	cmd.Flags().StringVar(&cfg.PhenotypeURL, "pheno-url", "", "Phenotype CSV location (default <base-url>/"+abide.DefaultPhenotypeFile+")")
	cmd.Flags().IntVar(&cfg.MaxActiveDownloads, "max-active", cfg.MaxActiveDownloads, "Maximum number of files downloading at once")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 0, "Per-request timeout (0 disables)")

	// CLI-only flags
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Plan only: print the selected files and exit")
	cmd.Flags().StringVar(&opts.planFmt, "plan-format", "table", "Plan output format for --dry-run: table|json")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "Exit non-zero when any file fails to download")
	cmd.Flags().StringVar(&opts.progress, "progress", "auto", "Progress display: auto|tui|bar|plain")

	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newLogger(ro *RootOpts, useTUI bool) (*slog.Logger, func() error, error) {
	opts := logging.Options{Level: ro.LogLevel, File: ro.LogFile}
	if ro.Verbose {
		opts.Level = "debug"
	} else if ro.Quiet {
		opts.Level = "warn"
	}
	if ro.JSONOut {
		opts.Format = "json"
	}
	// The live table owns the terminal; records still reach --log-file.
	if useTUI {
		opts.Writer = io.Discard
	}
	return logging.New(opts)
}

func finalize(job abide.Job, cfg abide.Settings, opts *downloadOpts, log *slog.Logger) (abide.Job, abide.Settings, error) {
	j := job
	c := cfg
	c.Logger = log

	if j.Criteria.MeanFDThreshold < 0 {
		return j, c, fmt.Errorf("invalid --mean-fd %v (must be >= 0)", j.Criteria.MeanFDThreshold)
	}
	if j.Criteria.MinAge > 0 && j.Criteria.MaxAge > 0 && j.Criteria.MinAge >= j.Criteria.MaxAge {
		return j, c, fmt.Errorf("invalid age range [%v, %v)", j.Criteria.MinAge, j.Criteria.MaxAge)
	}
	switch strings.ToUpper(strings.TrimSpace(j.Criteria.Sex)) {
	case "", "M", "F", "1", "2":
	default:
		return j, c, fmt.Errorf("invalid --sex %q (expected M or F)", j.Criteria.Sex)
	}
	if c.MaxActiveDownloads < 1 {
		return j, c, fmt.Errorf("invalid --max-active %d (must be >= 1)", c.MaxActiveDownloads)
	}
	switch strings.ToLower(opts.progress) {
	case "auto", "tui", "bar", "plain":
	default:
		return j, c, fmt.Errorf("invalid --progress %q (expected auto, tui, bar or plain)", opts.progress)
	}
	j.Criteria.Sites = splitComma(strings.Join(j.Criteria.Sites, ","))
	return j, c, nil
}

// configSearchPaths lists the default config file locations in lookup order.
func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".config")
	return []string{
		filepath.Join(dir, "abidedl.json"),
		filepath.Join(dir, "abidedl.yaml"),
		filepath.Join(dir, "abidedl.yml"),
		filepath.Join(dir, "abidedl.toml"),
	}
}

// readConfigFile decodes a JSON, YAML or TOML file into a flat map keyed by flag name.
func readConfigFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML config file: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid TOML config file: %w", err)
		}
	default: // .json or unknown
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON config file: %w", err)
		}
	}
	return cfg, nil
}

// applySettingsDefaults fills unchanged flags from the config file.
// Flags given on the command line always win.
func applySettingsDefaults(cmd *cobra.Command, ro *RootOpts, job *abide.Job, dst *abide.Settings, opts *downloadOpts) error {
	path := ro.Config
	if path == "" {
		for _, p := range configSearchPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return nil
	}

	cfg, err := readConfigFile(path)
	if err != nil {
		return err
	}

	lookup := func(flagName string) (string, bool) {
		if cmd.Flags().Changed(flagName) {
			return "", false
		}
		v, ok := cfg[flagName]
		if !ok || v == nil {
			return "", false
		}
		if list, ok := v.([]any); ok {
			parts := make([]string, len(list))
			for i, x := range list {
				parts[i] = fmt.Sprint(x)
			}
			return strings.Join(parts, ","), true
		}
		return fmt.Sprint(v), true
	}
	// An unparsable value is an error, never a zero value.
	var firstErr error
	invalid := func(flagName, v string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("config %s: invalid %s %q: %w", path, flagName, v, err)
		}
	}
	setStr := func(flagName string, set func(string)) {
		if v, ok := lookup(flagName); ok {
			set(v)
		}
	}
	setInt := func(flagName string, set func(int)) {
		if v, ok := lookup(flagName); ok {
			x, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				invalid(flagName, v, err)
				return
			}
			set(x)
		}
	}
	setFloat := func(flagName string, set func(float64)) {
		if v, ok := lookup(flagName); ok {
			x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				invalid(flagName, v, err)
				return
			}
			set(x)
		}
	}
	setBool := func(flagName string, set func(bool)) {
		if v, ok := lookup(flagName); ok {
			x, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				invalid(flagName, v, err)
				return
			}
			set(x)
		}
	}
	setDuration := func(flagName string, set func(time.Duration)) {
		if v, ok := lookup(flagName); ok {
			x, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				invalid(flagName, v, err)
				return
			}
			set(x)
		}
	}

	setStr("derivative", func(v string) { job.Derivative = v })
	setStr("pipeline", func(v string) { job.Pipeline = v })
	setStr("strategy", func(v string) { job.Strategy = v })
	setFloat("mean-fd", func(v float64) { job.Criteria.MeanFDThreshold = v })
	setBool("require-filename", func(v bool) { job.Criteria.RequireFilename = v })
	setStr("site", func(v string) { job.Criteria.Sites = splitComma(v) })
	setStr("sex", func(v string) { job.Criteria.Sex = v })
	setFloat("min-age", func(v float64) { job.Criteria.MinAge = v })
	setFloat("max-age", func(v float64) { job.Criteria.MaxAge = v })

	setStr("output", func(v string) { dst.OutputDir = v })
	setStr("base-url", func(v string) { dst.BaseURL = v })
	setStr("pheno-url", func(v string) { dst.PhenotypeURL = v })
	setInt("max-active", func(v int) { dst.MaxActiveDownloads = v })
	setDuration("timeout", func(v time.Duration) { dst.Timeout = v })

	setStr("progress", func(v string) { opts.progress = v })
	setBool("strict", func(v bool) { opts.strict = v })

	return firstErr
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
