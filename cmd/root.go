package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/thinkflow/internal/converge"
	"github.com/joescharf/thinkflow/internal/engine"
	"github.com/joescharf/thinkflow/internal/groups"
	"github.com/joescharf/thinkflow/internal/logging"
	"github.com/joescharf/thinkflow/internal/output"
	"github.com/joescharf/thinkflow/internal/sessions"
	"github.com/joescharf/thinkflow/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
	dryRun  bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "thinkflow",
	Short: "Coordinate multi-step thinking sessions",
	Long: `thinkflow runs structured thinking sessions for AI clients.
It tracks sessions step by step, runs groups of sessions in parallel
under dependency constraints, and reports progress over MCP and REST.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(ui.Out, "thinkflow %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/thinkflow/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// A missing .env is normal.
	_ = godotenv.Load()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".config", "thinkflow"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("THINKFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "thinkflow"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every configuration key with its default.
func setDefaults(stateDir string) {
	sd := sessions.DefaultConfig()
	gd := groups.DefaultConfig()
	ed := engine.DefaultConfig()

	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "thinkflow.db"))

	viper.SetDefault("sessions.max_sessions", sd.MaxSessions)
	viper.SetDefault("sessions.max_session_size", sd.MaxSessionSize)
	viper.SetDefault("sessions.ttl", sd.TTL)
	viper.SetDefault("sessions.cleanup_interval", sd.CleanupInterval)
	viper.SetDefault("sessions.enable_memory_monitoring", false)
	viper.SetDefault("sessions.persist_on_evict", sd.PersistOnEvict)

	viper.SetDefault("persistence.driver", store.DriverSQLite)
	viper.SetDefault("persistence.redis_url", "redis://localhost:6379/0")
	viper.SetDefault("persistence.max_retries", sd.MaxRetries)
	viper.SetDefault("persistence.initial_backoff", sd.InitialBackoff)

	viper.SetDefault("groups.ttl", gd.TTL)
	viper.SetDefault("groups.cleanup_interval", gd.CleanupInterval)
	viper.SetDefault("groups.failure_policy", string(gd.FailurePolicy))

	viper.SetDefault("progress.sample_window", ed.SampleWindow)
	viper.SetDefault("guard.window", ed.GuardWindow)
	viper.SetDefault("engine.request_timeout", ed.RequestTimeout)
	viper.SetDefault("engine.max_plans", ed.MaxPlans)

	viper.SetDefault("log.level", logging.LevelInfo)
	viper.SetDefault("log.file", filepath.Join(stateDir, "thinkflow.log"))

	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.rate_limit", 20.0)
	viper.SetDefault("api.burst", 40)

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", converge.DefaultModel)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
}

// engineConfig builds the engine configuration from viper.
func engineConfig() engine.Config {
	cfg := engine.DefaultConfig()

	cfg.Sessions.MaxSessions = viper.GetInt("sessions.max_sessions")
	cfg.Sessions.MaxSessionSize = viper.GetInt64("sessions.max_session_size")
	cfg.Sessions.TTL = viper.GetDuration("sessions.ttl")
	cfg.Sessions.CleanupInterval = viper.GetDuration("sessions.cleanup_interval")
	cfg.Sessions.EnableMemoryMonitoring = viper.GetBool("sessions.enable_memory_monitoring")
	cfg.Sessions.PersistOnEvict = viper.GetBool("sessions.persist_on_evict")
	cfg.Sessions.MaxRetries = viper.GetInt("persistence.max_retries")
	cfg.Sessions.InitialBackoff = viper.GetDuration("persistence.initial_backoff")

	cfg.Groups.TTL = viper.GetDuration("groups.ttl")
	cfg.Groups.CleanupInterval = viper.GetDuration("groups.cleanup_interval")
	cfg.Groups.FailurePolicy = groups.FailurePolicy(viper.GetString("groups.failure_policy"))

	cfg.SampleWindow = viper.GetInt("progress.sample_window")
	cfg.GuardWindow = viper.GetInt("guard.window")
	cfg.RequestTimeout = viper.GetDuration("engine.request_timeout")
	cfg.MaxPlans = viper.GetInt("engine.max_plans")
	return cfg
}

// newLogger opens the configured log destination. An empty log.file logs
// to stderr.
func newLogger() (*logging.Logger, error) {
	return logging.NewLogger(viper.GetString("log.file"), viper.GetString("log.level"))
}

// openAdapter opens the configured persistence backend. It returns nil for
// the "none" driver.
func openAdapter(ctx context.Context) (store.Adapter, error) {
	a, err := store.Open(ctx, store.Options{
		Driver:   viper.GetString("persistence.driver"),
		DBPath:   viper.GetString("db_path"),
		RedisURL: viper.GetString("persistence.redis_url"),
	})
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}
	return a, nil
}

// runtime bundles a wired engine with the resources it owns.
type runtime struct {
	engine  *engine.Engine
	service engine.Service
	adapter store.Adapter
	logger  *logging.Logger
}

// newRuntime wires the engine from configuration.
func newRuntime(ctx context.Context) (*runtime, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	adapter, err := openAdapter(ctx)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if adapter != nil {
		opts = append(opts, engine.WithAdapter(adapter))
	}
	if key := viper.GetString("anthropic.api_key"); key != "" {
		opts = append(opts, engine.WithSynthesizer(converge.NewLLMSynthesizer(key, viper.GetString("anthropic.model"))))
	}

	e := engine.New(engineConfig(), opts...)
	return &runtime{
		engine:  e,
		service: engine.WithTiming(e, logger),
		adapter: adapter,
		logger:  logger,
	}, nil
}

// Close flushes sessions and releases the adapter and log file.
func (r *runtime) Close(ctx context.Context) error {
	err := r.engine.Close(ctx)
	if r.adapter != nil {
		if cerr := r.adapter.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	_ = r.logger.Close()
	return err
}

// requireAdapter opens persistence for commands that only read stored data.
func requireAdapter(ctx context.Context) (store.Adapter, error) {
	a, err := openAdapter(ctx)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("persistence is disabled (persistence.driver=none)")
	}
	return a, nil
}
