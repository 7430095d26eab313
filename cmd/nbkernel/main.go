package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/LifelessA/NOTEBOOK-LMS/internal/config"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/logging"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/policy"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/registry"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/session"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/snapshot"
	"github.com/LifelessA/NOTEBOOK-LMS/internal/types"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string

	// run flags
	stopOnError bool
	cellIndex   int

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nbkernel",
	Short: "nbkernel - notebook cell execution engine",
	Long: `nbkernel runs notebook code cells against a persistent interpreter
state, one state per notebook. Cells share variables and functions across
runs, outputs (text, errors, images, tables) are captured per run, and
state survives restarts through replayable snapshots.

Notebook files mark cell boundaries with "// %%" (code) and
"// %% markdown" (narrative) lines.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dbPath != "" {
			cfg.Snapshots.DatabasePath = dbPath
		}
		if err := logging.Initialize(".nbkernel", logging.Options{
			DebugMode: cfg.Logging.DebugMode || verbose,
			Level:     cfg.Logging.Level,
		}); err != nil {
			return fmt.Errorf("failed to initialize category logs: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd executes a notebook file
var runCmd = &cobra.Command{
	Use:   "run <notebook.nb.go>",
	Short: "Execute a notebook's code cells in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		nb, err := loadNotebookFile(args[0])
		if err != nil {
			return err
		}

		reg, cleanup, err := buildRegistry()
		if err != nil {
			return err
		}
		defer cleanup()

		sess, err := reg.Get(nb)
		if err != nil {
			return err
		}

		start := time.Now()
		var results []*types.Result
		if cellIndex >= 0 {
			res, err := sess.RunCell(ctx, cellIndex, "")
			if err != nil {
				return fmt.Errorf("run cell %d: %w", cellIndex, err)
			}
			results = []*types.Result{res}
		} else {
			results, err = sess.RunAll(ctx, session.RunAllOptions{StopOnError: stopOnError})
			if err != nil {
				return fmt.Errorf("run notebook: %w", err)
			}
		}

		faults := renderResults(cmd.OutOrStdout(), nb, results)
		logger.Info("notebook run complete",
			zap.String("notebook", nb.ID),
			zap.Int("cells", len(results)),
			zap.Int("faulted", faults),
			zap.Duration("elapsed", time.Since(start)))

		if err := reg.ShutdownAll(ctx); err != nil {
			logger.Warn("shutdown snapshot failed", zap.Error(err))
		}
		if faults > 0 {
			return fmt.Errorf("%d cell(s) faulted", faults)
		}
		return nil
	},
}

// completeCmd runs the notebook, then prints completion candidates
var completeCmd = &cobra.Command{
	Use:   "complete <notebook.nb.go> <prefix>",
	Short: "Run a notebook and suggest identifiers for a prefix",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		nb, err := loadNotebookFile(args[0])
		if err != nil {
			return err
		}

		reg, cleanup, err := buildRegistry()
		if err != nil {
			return err
		}
		defer cleanup()

		sess, err := reg.Get(nb)
		if err != nil {
			return err
		}
		if _, err := sess.RunAll(ctx, session.RunAllOptions{}); err != nil {
			return fmt.Errorf("run notebook: %w", err)
		}

		suggestions := sess.Suggest(args[1])
		if len(suggestions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "(no candidates)")
		}
		for _, sg := range suggestions {
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", sg.Kind, sg.Candidate)
		}
		return reg.ShutdownAll(ctx)
	},
}

// buildRegistry wires policy, snapshot store and registry from config.
func buildRegistry() (*registry.Registry, func(), error) {
	policies := policy.NewStore(cfg)

	var store snapshot.Store
	if cfg.Snapshots.DatabasePath != "" {
		s, err := snapshot.NewSQLiteStore(cfg.Snapshots.DatabasePath, cfg.Snapshots.KeepVersions)
		if err != nil {
			return nil, nil, fmt.Errorf("open snapshot store: %w", err)
		}
		store = s
	}

	reg := registry.New(registry.Options{
		Policies:            policies,
		Snapshots:           store,
		RecoverFromSnapshot: cfg.Sessions.RecoverFromSnapshot,
		QueueDepth:          cfg.Sessions.QueueDepth,
		IdleTimeout:         cfg.IdleTimeout(),
	})

	cleanup := func() {
		if store != nil {
			_ = store.Close()
		}
	}
	return reg, cleanup, nil
}

// loadNotebookFile reads a notebook file and assigns it a stable identity
// derived from its path, so repeat runs resume the same snapshot lineage.
func loadNotebookFile(path string) (*types.Notebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notebook: %w", err)
	}
	abs, err := absPath(path)
	if err != nil {
		abs = path
	}
	nb := &types.Notebook{
		ID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String(),
		Cells: splitCells(string(data)),
	}
	if len(nb.CodeCellIndexes()) == 0 {
		return nil, fmt.Errorf("notebook %s has no code cells", path)
	}
	return nb, nil
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "snapshot database path (overrides config)")

	runCmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "stop at the first faulted cell")
	runCmd.Flags().IntVar(&cellIndex, "cell", -1, "run a single cell by index instead of the whole notebook")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(completeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
