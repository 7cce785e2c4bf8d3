package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"prfsolve/pkg/config"
	"prfsolve/pkg/experiment"
	"prfsolve/pkg/ledger"
	"prfsolve/pkg/logger"
)

const defaultInputDir = "/input"

var (
	configPath string
	workers    int
	method     string
	logLevel   string
	logFormat  string
	ledgerKind string
	ledgerPath string
	quiet      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "prfsolve [input-dir]",
	Short: "Population receptive field estimation for fMRI experiments",
	Long: `prfsolve fits a 2D Gaussian population receptive field to every voxel of
one or more fMRI experiments. Each experiment directory holds a params file,
a stimulus movie and a 4D data volume; results are written next to them as
out_<parameter> volumes.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSolve,
}

var solveCmd = &cobra.Command{
	Use:   "solve [input-dir]",
	Short: "Fit every experiment under input-dir (default /input)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSolve,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write a configuration file holding the default settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(args[0]); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", args[0])
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Run configuration file (YAML)")
	pf.IntVarP(&workers, "workers", "w", 0, "Number of fitting workers (default: from config, all CPUs)")
	pf.StringVar(&method, "method", "", "Local optimizer: nelder-mead or lbfgs")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json")
	pf.StringVar(&ledgerKind, "ledger", "", "Run ledger backend: none, memory or sqlite")
	pf.StringVar(&ledgerPath, "ledger-path", "", "SQLite ledger database path")
	pf.BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")

	rootCmd.AddCommand(solveCmd)
	rootCmd.AddCommand(initConfigCmd)
}

// loadConfig reads the configuration file and applies flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Processing.Workers = workers
	}
	if flags.Changed("method") {
		cfg.Processing.Method = method
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Backend = ledgerKind
	}
	if flags.Changed("ledger-path") {
		cfg.Ledger.Path = ledgerPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSolve(cmd *cobra.Command, args []string) error {
	inputDir := defaultInputDir
	if len(args) == 1 {
		inputDir = args[0]
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	// SIGINT and SIGTERM keep their default action: fits cannot be
	// interrupted, so a signal ends the process
	ctx := context.Background()

	opts, err := experiment.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Logger = log
	if !quiet {
		opts.Progress = newProgressPrinter()
	}

	if b := cfg.Ledger.Backend; b != "" && b != "none" {
		store, err := ledger.Open(ctx, cfg.Ledger.Backend, cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("failed to open run ledger: %w", err)
		}
		defer store.Close()
		opts.Ledger = store
	}

	fmt.Println("================================")
	fmt.Println("POPULATION RECEPTIVE FIELD ESTIMATION")
	fmt.Println("================================")
	fmt.Printf("Input directory: %s\n", inputDir)
	fmt.Printf("Workers: %d, optimizer: %s, precision: %s\n\n",
		cfg.Processing.Workers, cfg.Processing.Method, cfg.Processing.Precision)

	summary, err := experiment.NewRunner(opts).Run(ctx, inputDir)
	printSummary(summary)
	return err
}

// newProgressPrinter reports each experiment's fitting progress in steps of
// ten percent
func newProgressPrinter() func(dir string, done, total int) {
	lastDir, lastStep := "", -1
	return func(dir string, done, total int) {
		if dir != lastDir {
			lastDir, lastStep = dir, -1
		}
		step := 10 * done / max(total, 1)
		if step == lastStep {
			return
		}
		lastStep = step
		fmt.Printf("  %s: %s/%s voxels (%d%%)\n", dir,
			humanize.Comma(int64(done)), humanize.Comma(int64(total)), 10*step)
	}
}

func printSummary(s *experiment.Summary) {
	if s == nil {
		return
	}
	fmt.Printf("\nExperiments: %d discovered, %d solved, %d skipped\n",
		s.Discovered, len(s.Reports), len(s.Skipped))
	for _, dir := range s.Skipped {
		fmt.Printf("  skipped %s\n", dir)
	}
	for _, r := range s.Reports {
		fmt.Printf("  %s: %s voxels fitted, %s failed in %s (run %s)\n", r.Dir,
			humanize.Comma(int64(r.Summary.Fitted)), humanize.Comma(int64(r.Summary.Failed)),
			r.Summary.Elapsed.Round(time.Millisecond), r.RunID)
	}
	fmt.Printf("Total: %s voxels fitted, %s failed in %s\n",
		humanize.Comma(int64(s.Fitted())), humanize.Comma(int64(s.Failed())),
		s.Elapsed.Round(time.Millisecond))
}
