// Package cli builds the leasecoord command line: run, tick, leases, healthcheck,
// config and version.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/nimburion/leasecoord/pkg/config"
	"github.com/nimburion/leasecoord/pkg/configschema"
	"github.com/nimburion/leasecoord/pkg/observability/logger"
	"github.com/nimburion/leasecoord/pkg/scheduler"
	"github.com/nimburion/leasecoord/pkg/scheduler/factory"
	"github.com/nimburion/leasecoord/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
)

// CommandPolicy tells deployment tooling when a command is meant to be invoked.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyManual    CommandPolicy = "manual"
	PolicyOnDemand  CommandPolicy = "on_demand"
	PolicyScheduled CommandPolicy = "scheduled"
)

// LeaseStoreFactory creates the lease store selected by configuration.
type LeaseStoreFactory func(cfg config.StoreConfig, log logger.Logger) (scheduler.LeaseStore, error)

// CommandOptions defines the service-specific parts of the command line.
type CommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Required for run and tick: registers the tasks this binary executes.
	ConfigureScheduler func(cfg *config.Config, log logger.Logger, runtime *scheduler.Runtime) error

	// Optional: defaults to factory.NewLeaseStore.
	NewLeaseStore LeaseStoreFactory

	// Optional: extra service commands.
	CustomCommands []*cobra.Command
}

// NewCommand creates the root command. Without a subcommand it behaves like run.
func NewCommand(opts CommandOptions) *cobra.Command {
	opts.EnvPrefix = resolveEnvPrefix(opts.EnvPrefix)
	if opts.NewLeaseStore == nil {
		opts.NewLeaseStore = factory.NewLeaseStore
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	var cfgPath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	registerOverrideFlags(rootCmd.PersistentFlags())

	loadConfig := func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, flags, opts.Name)
	}

	rootCmd.AddCommand(newVersionCommand(opts.Name))

	if opts.ConfigureScheduler != nil {
		runCmd := &cobra.Command{
			Use:   "run",
			Short: "Run the scheduler and the management server until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, log, err := loadConfig(cmd.Flags())
				if err != nil {
					return err
				}
				return runScheduler(cmd.Context(), opts, cfg, log)
			},
		}
		SetCommandPolicies(runCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
		rootCmd.AddCommand(runCmd)
		rootCmd.RunE = runCmd.RunE

		tickCmd := &cobra.Command{
			Use:   "tick <task>",
			Short: "Run one lease round of a task, release its lease and exit",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, log, err := loadConfig(cmd.Flags())
				if err != nil {
					return err
				}
				outcome, err := tickOnce(cmd.Context(), opts, cfg, log, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], outcome)
				return nil
			},
		}
		SetCommandPolicies(tickCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
		rootCmd.AddCommand(tickCmd)
	}

	rootCmd.AddCommand(newLeasesCommand(opts, loadConfig))

	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the configured lease store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return checkDependencies(cmd.Context(), opts, cfg, log, cmd.OutOrStdout())
		},
	}
	SetCommandPolicies(healthCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.AddCommand(healthCmd)

	rootCmd.AddCommand(newConfigCommand(opts, &cfgPath))

	for _, customCmd := range opts.CustomCommands {
		ensureDefaultPolicy(customCmd)
		rootCmd.AddCommand(customCmd)
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	for _, subCmd := range rootCmd.Commands() {
		if subCmd != nil && subCmd.Name() == "completion" {
			SetCommandPolicies(subCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
			break
		}
	}

	return rootCmd
}

func registerOverrideFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (json, text)")
	fs.String("store", "", "lease store type (memory, redis, postgres, mysql, mongodb, dynamodb)")
	fs.String("host", "", "host part of this instance's lease ids")
	fs.Int("port", 0, "port part of this instance's lease ids")
	fs.Int("management-port", 0, "management server port")
}

func newVersionCommand(serviceName string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current(serviceName)
			out := cmd.OutOrStdout()
			switch strings.ToLower(output) {
			case "json":
				return writeJSON(out, info)
			case "yaml":
				return writeYAML(out, info)
			case "", "text":
				fmt.Fprintf(out, "Service:    %s\n", info.Service)
				fmt.Fprintf(out, "Version:    %s\n", info.Version)
				fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
				fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
				fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
				return nil
			default:
				return fmt.Errorf("unsupported output format %q", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json, yaml)")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}

func newConfigCommand(opts CommandOptions, cfgPath *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigOnly(*cfgPath, opts.EnvPrefix, cmd.Flags(), opts.Name); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
	SetCommandPolicies(validateCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(validateCmd)

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOnly(*cfgPath, opts.EnvPrefix, cmd.Flags(), opts.Name)
			if err != nil {
				return err
			}
			effective := *cfg
			if !showSecrets {
				effective = cfg.Redacted()
			}
			return writeYAML(cmd.OutOrStdout(), effective)
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	SetCommandPolicies(showCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(showCmd)

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := configschema.Build(nil)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), schema)
		},
	}
	SetCommandPolicies(schemaCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(schemaCmd)

	return configCmd
}

// SetCommandPolicies stores policies as command annotations under the "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	for key := range cmd.Annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			delete(cmd.Annotations, key)
		}
	}
	for context, policy := range policies {
		context = strings.TrimSpace(context)
		if context == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+context] = string(policy)
	}
}

// GetCommandPolicies returns the policies stored on cmd keyed by context.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	policies := map[string]string{}
	if cmd == nil {
		return policies
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		policies[strings.TrimPrefix(key, policiesAnnotationPrefix)] = cmd.Annotations[key]
	}
	return policies
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if _, ok := GetCommandPolicies(cmd)[defaultPolicyContext]; !ok {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// LoadConfigAndLogger loads the configuration with flags > ENV > file > defaults and
// builds the zap logger it describes.
func LoadConfigAndLogger(cfgPath, envPrefix string, flags *pflag.FlagSet, defaultServiceName string) (*config.Config, logger.Logger, error) {
	cfg, err := loadConfigOnly(cfgPath, envPrefix, flags, defaultServiceName)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg)
	return cfg, log, nil
}

func loadConfigOnly(cfgPath, envPrefix string, flags *pflag.FlagSet, defaultServiceName string) (*config.Config, error) {
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).WithFlags(flags).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName)
	return cfg, nil
}

// Execute runs the command and exits with a non-zero code on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", fmt.Sprintf("%+v", cfg.Redacted()))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return config.DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

// resolveServiceNameValue keeps a configured name unless it is still the built-in default.
func resolveServiceNameValue(configured, defaultServiceName string) string {
	configured = strings.TrimSpace(configured)
	fallback := strings.TrimSpace(defaultServiceName)
	if configured != "" && (configured != config.DefaultConfig().Service.Name || fallback == "") {
		return configured
	}
	if fallback != "" {
		return fallback
	}
	return config.DefaultConfig().Service.Name
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
