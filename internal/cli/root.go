package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"abengine/internal/config"
	"abengine/internal/db"
	"abengine/internal/experiment"
)

// app carries the state shared by all commands. Fields left nil are filled
// lazily from the environment.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	logLevel string

	gdb *gorm.DB
	svc *experiment.Service
}

// Execute runs the abengine command line.
func Execute() {
	if err := newRootCommand(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "abengine",
		Short: "A/B testing experiment engine",
		Long: `abengine runs controlled experiments: it assigns subjects to variants
deterministically, records their events and reports per-variant
statistics with a significance test against the control.

Run "abengine serve" to start the HTTP API, or use the experiment
commands to manage experiments directly against the database.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides APP_LOG_LEVEL")

	root.AddCommand(
		newServeCommand(a),
		newExperimentCommand(a),
		newCleanupCommand(a),
		newAPIKeyCommand(a),
	)
	return root
}

func (a *app) init() error {
	if a.cfg == nil {
		a.cfg = config.Load()
	}
	if a.logLevel != "" {
		a.cfg.LogLevel = a.logLevel
	}
	if a.logger == nil {
		logger, err := buildLogger(a.cfg.LogLevel)
		if err != nil {
			return err
		}
		a.logger = logger
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// database connects on first use.
func (a *app) database() (*gorm.DB, error) {
	if a.gdb != nil {
		return a.gdb, nil
	}
	gdb, err := db.Connect(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.gdb = gdb
	return gdb, nil
}

// service builds the engine over the database on first use.
func (a *app) service(opts ...experiment.Option) (*experiment.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	gdb, err := a.database()
	if err != nil {
		return nil, err
	}
	opts = append([]experiment.Option{
		experiment.WithLogger(a.logger),
		experiment.WithMinSampleSize(a.cfg.MinSampleSize),
		experiment.WithSignificanceLevel(a.cfg.SignificanceLevel),
	}, opts...)
	a.svc = experiment.NewService(db.NewStore(gdb), db.NewOrderHistory(gdb), opts...)
	return a.svc, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
