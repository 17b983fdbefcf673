package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "thinkflow"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage thinkflow configuration.

Running bare 'thinkflow config' is the same as 'thinkflow config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# thinkflow configuration
# See: thinkflow config show (for effective values and sources)

# State/data directory (default: ~/.config/thinkflow)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/thinkflow/thinkflow.db)
# db_path: {{ .DBPath }}

sessions:
  # Resident sessions before least-recently-used eviction
  max_sessions: {{ .MaxSessions }}
  # Largest serialized session in bytes
  max_session_size: {{ .MaxSessionSize }}
  # Idle time before a session expires
  ttl: {{ .SessionTTL }}
  cleanup_interval: {{ .SessionCleanup }}
  # Evict down to 90% capacity when heap use passes 80%
  enable_memory_monitoring: {{ .MemoryMonitoring }}
  # Save sessions to persistence before they leave memory
  persist_on_evict: {{ .PersistOnEvict }}

persistence:
  # sqlite, redis or none
  driver: "{{ .Driver }}"
  redis_url: "{{ .RedisURL }}"
  max_retries: {{ .MaxRetries }}
  initial_backoff: {{ .InitialBackoff }}

groups:
  # Lifetime of a finished parallel group
  ttl: {{ .GroupTTL }}
  cleanup_interval: {{ .GroupCleanup }}
  # block: a failed prerequisite leaves dependents waiting
  # cascade: a failed prerequisite fails its dependents
  failure_policy: "{{ .FailurePolicy }}"

log:
  # DEBUG, INFO, WARN or ERROR
  level: "{{ .LogLevel }}"
  # Empty logs to stderr
  file: "{{ .LogFile }}"

api:
  port: {{ .APIPort }}
  # Requests per second per client
  rate_limit: {{ .RateLimit }}
  burst: {{ .Burst }}

anthropic:
  # Enables synthesized convergence; may also come from THINKFLOW_ANTHROPIC_API_KEY
  # api_key: ""
  model: "{{ .Model }}"
`

type configTemplateData struct {
	StateDir         string
	DBPath           string
	MaxSessions      int
	MaxSessionSize   int64
	SessionTTL       string
	SessionCleanup   string
	MemoryMonitoring bool
	PersistOnEvict   bool
	Driver           string
	RedisURL         string
	MaxRetries       int
	InitialBackoff   string
	GroupTTL         string
	GroupCleanup     string
	FailurePolicy    string
	LogLevel         string
	LogFile          string
	APIPort          int
	RateLimit        float64
	Burst            int
	Model            string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:         viper.GetString("state_dir"),
		DBPath:           viper.GetString("db_path"),
		MaxSessions:      viper.GetInt("sessions.max_sessions"),
		MaxSessionSize:   viper.GetInt64("sessions.max_session_size"),
		SessionTTL:       viper.GetDuration("sessions.ttl").String(),
		SessionCleanup:   viper.GetDuration("sessions.cleanup_interval").String(),
		MemoryMonitoring: viper.GetBool("sessions.enable_memory_monitoring"),
		PersistOnEvict:   viper.GetBool("sessions.persist_on_evict"),
		Driver:           viper.GetString("persistence.driver"),
		RedisURL:         viper.GetString("persistence.redis_url"),
		MaxRetries:       viper.GetInt("persistence.max_retries"),
		InitialBackoff:   viper.GetDuration("persistence.initial_backoff").String(),
		GroupTTL:         viper.GetDuration("groups.ttl").String(),
		GroupCleanup:     viper.GetDuration("groups.cleanup_interval").String(),
		FailurePolicy:    viper.GetString("groups.failure_policy"),
		LogLevel:         viper.GetString("log.level"),
		LogFile:          viper.GetString("log.file"),
		APIPort:          viper.GetInt("api.port"),
		RateLimit:        viper.GetFloat64("api.rate_limit"),
		Burst:            viper.GetInt("api.burst"),
		Model:            viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir"},
	{Key: "db_path"},
	{Key: "sessions.max_sessions"},
	{Key: "sessions.max_session_size"},
	{Key: "sessions.ttl"},
	{Key: "sessions.cleanup_interval"},
	{Key: "sessions.enable_memory_monitoring"},
	{Key: "sessions.persist_on_evict"},
	{Key: "persistence.driver"},
	{Key: "persistence.redis_url"},
	{Key: "persistence.max_retries"},
	{Key: "persistence.initial_backoff"},
	{Key: "groups.ttl"},
	{Key: "groups.cleanup_interval"},
	{Key: "groups.failure_policy"},
	{Key: "progress.sample_window"},
	{Key: "guard.window"},
	{Key: "engine.request_timeout"},
	{Key: "engine.max_plans"},
	{Key: "log.level"},
	{Key: "log.file"},
	{Key: "api.port"},
	{Key: "api.rate_limit"},
	{Key: "api.burst"},
	{Key: "anthropic.api_key", Secret: true},
	{Key: "anthropic.model"},
}

func init() {
	for i := range configKeys {
		configKeys[i].EnvVar = envVarFor(configKeys[i].Key)
	}
}

// envVarFor maps a dotted key to the environment variable viper reads.
func envVarFor(key string) string {
	return "THINKFLOW_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-36s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'thinkflow config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
