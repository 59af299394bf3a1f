package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "swarmfire",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Target and population
	flags.StringP("host", "H", "", "Host to load test, e.g. http://10.21.32.33")
	flags.IntP("users", "u", 1, "Peak number of concurrent users")
	flags.Float64P("spawn-rate", "r", 1, "Users to start (or stop) per second")
	flags.DurationP("run-time", "t", 0, "Stop after the given time, e.g. 300s, 20m, 1h30m (0 runs until interrupted)")
	flags.Bool("headless", false, "Start the test immediately without waiting for external control")
	flags.Duration("stop-timeout", 0, "Time users get to finish their current task when stopping (0 interrupts immediately)")
	flags.Bool("reset-stats", false, "Reset statistics once spawning has completed")
	flags.Bool("catch-exceptions", true, "Log task errors and keep the user running instead of aborting it")
	flags.Int("exit-code-on-error", DefaultExitCodeOnError, "Process exit code when a request failed or a task error was logged")

	// Load shapes
	flags.Bool("step-load", false, "Add step-users every step-time until users is reached")
	flags.Int("step-users", 0, "Users added per step when step-load is enabled")
	flags.Duration("step-time", 0, "Duration of each step when step-load is enabled")
	flags.String("shape-file", "", "YAML file describing load stages or patterns")

	// Distribution
	flags.Bool("master", false, "Run as a master that coordinates workers")
	flags.String("master-bind-host", DefaultMasterBindHost, "Interface the master listens on (* for all)")
	flags.Int("master-bind-port", DefaultMasterPort, "Port the master listens on")
	flags.Int("expect-workers", 0, "Headless master waits for this many workers before starting")
	flags.Duration("expect-workers-max-wait", 0, "Give up waiting for workers after this long (0 waits forever)")
	flags.Bool("worker", false, "Run as a worker connected to a master")
	flags.String("master-host", "127.0.0.1", "Master address for a worker")
	flags.Int("master-port", DefaultMasterPort, "Master port for a worker")

	// Output
	flags.String("csv", "", "Write statistics to CSV files with this prefix")
	flags.Bool("csv-full-history", false, "Write every entry, not only the aggregate, to the history CSV")
	flags.Bool("only-summary", false, "Only print the summary statistics")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9646")
	flags.StringP("loglevel", "L", "INFO", "Log level: DEBUG, INFO, WARNING, ERROR or CRITICAL")
	flags.String("logfile", "", "Write logs to this file instead of stderr")
	flags.String("config", "", "Path to configuration file (YAML, JSON or TOML)")

	// HTTP user defaults
	flags.Duration("timeout", DefaultRequestTimeout, "Per-request timeout")
	flags.StringSlice("header", nil, "Header added to every request in key=value form")
	flags.String("auth-token", "", "Bearer token sent as the Authorization header of every request")
	flags.StringSlice("threshold", nil, "Pass/fail criterion checked at the end of the run (repeatable), e.g. 'response_time:p95 < 500'")

	// Tracing
	flags.String("tracing-endpoint", "", "OTLP endpoint for request spans (host:port)")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: grpc or http")
	flags.String("tracing-service-name", "", "Service name reported with spans")
	flags.Float64("tracing-sample-rate", 1.0, "Fraction of spans to sample (0.0 - 1.0)")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Bool("tracing-propagate", true, "Inject W3C trace context into outgoing requests")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

func overrideString(fs *pflag.FlagSet, name string, dst *string) error {
	if !fs.Changed(name) {
		return nil
	}
	val, err := fs.GetString(name)
	if err != nil {
		return err
	}
	*dst = strings.TrimSpace(val)
	return nil
}

func overrideInt(fs *pflag.FlagSet, name string, dst *int) error {
	if !fs.Changed(name) {
		return nil
	}
	val, err := fs.GetInt(name)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func overrideFloat(fs *pflag.FlagSet, name string, dst *float64) error {
	if !fs.Changed(name) {
		return nil
	}
	val, err := fs.GetFloat64(name)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func overrideBool(fs *pflag.FlagSet, name string, dst *bool) error {
	if !fs.Changed(name) {
		return nil
	}
	val, err := fs.GetBool(name)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

func overrideDuration(fs *pflag.FlagSet, name string, dst *time.Duration) error {
	if !fs.Changed(name) {
		return nil
	}
	val, err := fs.GetDuration(name)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	overrides := []error{
		overrideString(fs, "host", &cfg.Host),
		overrideInt(fs, "users", &cfg.Users),
		overrideFloat(fs, "spawn-rate", &cfg.SpawnRate),
		overrideDuration(fs, "run-time", &cfg.RunTime),
		overrideBool(fs, "headless", &cfg.Headless),
		overrideDuration(fs, "stop-timeout", &cfg.StopTimeout),
		overrideBool(fs, "reset-stats", &cfg.ResetStats),
		overrideBool(fs, "catch-exceptions", &cfg.CatchExceptions),
		overrideInt(fs, "exit-code-on-error", &cfg.ExitCodeOnError),

		overrideBool(fs, "step-load", &cfg.StepLoad),
		overrideInt(fs, "step-users", &cfg.StepUsers),
		overrideDuration(fs, "step-time", &cfg.StepTime),
		overrideString(fs, "shape-file", &cfg.ShapeFile),

		overrideBool(fs, "master", &cfg.Master),
		overrideString(fs, "master-bind-host", &cfg.MasterBindHost),
		overrideInt(fs, "master-bind-port", &cfg.MasterBindPort),
		overrideInt(fs, "expect-workers", &cfg.ExpectWorkers),
		overrideDuration(fs, "expect-workers-max-wait", &cfg.ExpectWorkersMaxWait),
		overrideBool(fs, "worker", &cfg.Worker),
		overrideString(fs, "master-host", &cfg.MasterHost),
		overrideInt(fs, "master-port", &cfg.MasterPort),

		overrideString(fs, "csv", &cfg.CSVPrefix),
		overrideBool(fs, "csv-full-history", &cfg.CSVFullHistory),
		overrideBool(fs, "only-summary", &cfg.OnlySummary),
		overrideString(fs, "metrics-addr", &cfg.MetricsAddr),
		overrideString(fs, "loglevel", &cfg.LogLevel),
		overrideString(fs, "logfile", &cfg.LogFile),

		overrideDuration(fs, "timeout", &cfg.Timeout),
		overrideString(fs, "auth-token", &cfg.Auth.StaticToken),

		overrideString(fs, "tracing-endpoint", &cfg.Tracing.Endpoint),
		overrideString(fs, "tracing-protocol", &cfg.Tracing.Protocol),
		overrideString(fs, "tracing-service-name", &cfg.Tracing.ServiceName),
		overrideFloat(fs, "tracing-sample-rate", &cfg.Tracing.SampleRate),
		overrideBool(fs, "tracing-insecure", &cfg.Tracing.Insecure),
		overrideBool(fs, "tracing-propagate", &cfg.Tracing.Propagate),
	}
	for _, err := range overrides {
		if err != nil {
			return err
		}
	}

	if fs.Changed("auth-token") {
		cfg.Auth.Type = AuthTypeBearer
	}
	if fs.Changed("threshold") {
		values, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = values
	}

	if fs.Changed("header") {
		values, err := fs.GetStringSlice("header")
		if err != nil {
			return err
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for _, raw := range values {
			key, value, ok := strings.Cut(raw, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return fmt.Errorf("invalid header %q: expected key=value", raw)
			}
			cfg.Headers[http.CanonicalHeaderKey(key)] = strings.TrimSpace(value)
		}
	}
	return nil
}
