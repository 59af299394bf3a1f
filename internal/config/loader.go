package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Defaults returns the configuration used when neither a file nor a flag sets
// a value.
func Defaults() *Config {
	return &Config{
		Users:           1,
		SpawnRate:       1,
		MasterBindHost:  DefaultMasterBindHost,
		MasterBindPort:  DefaultMasterPort,
		MasterHost:      "127.0.0.1",
		MasterPort:      DefaultMasterPort,
		LogLevel:        "INFO",
		ExitCodeOnError: DefaultExitCodeOnError,
		CatchExceptions: true,
		Timeout:         DefaultRequestTimeout,
		Headers:         map[string]string{},
		Tracing: TracingConfig{
			Protocol:   "grpc",
			SampleRate: 1.0,
			Propagate:  true,
		},
	}
}

// Load parses command-line arguments and configuration files to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}
	return loadFromFlags(cmd.Flags(), func() { displayHelp(cmd) }, len(args) == 0)
}

// LoadFlags builds a Config from an already parsed flag set, such as the one
// of a cobra command registered with RegisterFlags.
func (Loader) LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	return loadFromFlags(fs, nil, false)
}

func loadFromFlags(flagSet *pflag.FlagSet, help func(), noArgs bool) (*Config, error) {
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			if help != nil {
				help()
			}
			return nil, ErrHelpRequested
		}
	}

	// If no arguments provided and no config file, show help/usage
	configPath := flagSet.Lookup("config").Value.String()
	if noArgs && configPath == "" {
		if help != nil {
			help()
		}
		return nil, ErrHelpRequested
	}
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := Defaults()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}
	cfg.StaticLoad = flagSet.Changed("users") || flagSet.Changed("spawn-rate")
	if _, ok := lookupSetting(settings, "users", "spawn_rate", "spawn-rate", "spawnrate"); ok {
		cfg.StaticLoad = true
	}

	applyAuthEnv(&cfg.Auth)
	cfg.Host = strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.LogLevel))
	cfg.Tracing.Protocol = strings.ToLower(cfg.Tracing.Protocol)
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	for i := range cfg.UserClasses {
		for j := range cfg.UserClasses[i].Tasks {
			t := &cfg.UserClasses[i].Tasks[j]
			t.Method = strings.ToUpper(strings.TrimSpace(t.Method))
			if t.Method == "" {
				t.Method = http.MethodGet
			}
		}
	}

	return cfg, nil
}

type settingApplier func(raw interface{}) error

func stringSetting(dst *string) settingApplier {
	return func(raw interface{}) error {
		val, err := asString(raw)
		if err != nil {
			return err
		}
		*dst = strings.TrimSpace(val)
		return nil
	}
}

func intSetting(dst *int) settingApplier {
	return func(raw interface{}) error {
		val, err := asInt(raw)
		if err != nil {
			return err
		}
		*dst = val
		return nil
	}
}

func floatSetting(dst *float64) settingApplier {
	return func(raw interface{}) error {
		val, err := asFloat64(raw)
		if err != nil {
			return err
		}
		*dst = val
		return nil
	}
}

func boolSetting(dst *bool) settingApplier {
	return func(raw interface{}) error {
		val, err := asBool(raw)
		if err != nil {
			return err
		}
		*dst = val
		return nil
	}
}

func durationSetting(dst *time.Duration) settingApplier {
	return func(raw interface{}) error {
		val, err := asDuration(raw)
		if err != nil {
			return err
		}
		*dst = val
		return nil
	}
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	fields := []struct {
		keys  []string
		apply settingApplier
	}{
		{[]string{"host"}, stringSetting(&cfg.Host)},
		{[]string{"users"}, intSetting(&cfg.Users)},
		{[]string{"spawn_rate", "spawn-rate", "spawnrate"}, floatSetting(&cfg.SpawnRate)},
		{[]string{"run_time", "run-time", "runtime"}, durationSetting(&cfg.RunTime)},
		{[]string{"headless"}, boolSetting(&cfg.Headless)},
		{[]string{"stop_timeout", "stop-timeout"}, durationSetting(&cfg.StopTimeout)},
		{[]string{"reset_stats", "reset-stats"}, boolSetting(&cfg.ResetStats)},
		{[]string{"catch_exceptions", "catch-exceptions"}, boolSetting(&cfg.CatchExceptions)},
		{[]string{"exit_code_on_error", "exit-code-on-error"}, intSetting(&cfg.ExitCodeOnError)},
		{[]string{"step_load", "step-load"}, boolSetting(&cfg.StepLoad)},
		{[]string{"step_users", "step-users"}, intSetting(&cfg.StepUsers)},
		{[]string{"step_time", "step-time"}, durationSetting(&cfg.StepTime)},
		{[]string{"shape_file", "shape-file"}, stringSetting(&cfg.ShapeFile)},
		{[]string{"master"}, boolSetting(&cfg.Master)},
		{[]string{"master_bind_host", "master-bind-host"}, stringSetting(&cfg.MasterBindHost)},
		{[]string{"master_bind_port", "master-bind-port"}, intSetting(&cfg.MasterBindPort)},
		{[]string{"expect_workers", "expect-workers"}, intSetting(&cfg.ExpectWorkers)},
		{[]string{"expect_workers_max_wait", "expect-workers-max-wait"}, durationSetting(&cfg.ExpectWorkersMaxWait)},
		{[]string{"worker"}, boolSetting(&cfg.Worker)},
		{[]string{"master_host", "master-host"}, stringSetting(&cfg.MasterHost)},
		{[]string{"master_port", "master-port"}, intSetting(&cfg.MasterPort)},
		{[]string{"csv"}, stringSetting(&cfg.CSVPrefix)},
		{[]string{"csv_full_history", "csv-full-history"}, boolSetting(&cfg.CSVFullHistory)},
		{[]string{"only_summary", "only-summary"}, boolSetting(&cfg.OnlySummary)},
		{[]string{"metrics_addr", "metrics-addr"}, stringSetting(&cfg.MetricsAddr)},
		{[]string{"loglevel", "log_level"}, stringSetting(&cfg.LogLevel)},
		{[]string{"logfile", "log_file"}, stringSetting(&cfg.LogFile)},
		{[]string{"timeout"}, durationSetting(&cfg.Timeout)},
	}
	for _, f := range fields {
		raw, ok := lookupSetting(settings, f.keys...)
		if !ok {
			continue
		}
		if err := f.apply(raw); err != nil {
			return fmt.Errorf("%s: %w", f.keys[0], err)
		}
	}

	if raw, ok := lookupSetting(settings, "headers"); ok {
		hdrs, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for k, v := range hdrs {
			cfg.Headers[http.CanonicalHeaderKey(k)] = v
		}
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := applyTracingSettings(&cfg.Tracing, raw); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "auth"); ok {
		if err := applyAuthSettings(&cfg.Auth, raw); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		thresholds, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = thresholds
	}

	if raw, ok := lookupSetting(settings, "user_classes", "userclasses", "user-classes"); ok {
		classes, err := parseUserClasses(raw)
		if err != nil {
			return fmt.Errorf("user_classes: %w", err)
		}
		cfg.UserClasses = classes
	}

	return nil
}

func applyTracingSettings(t *TracingConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	fields := []struct {
		key   string
		apply settingApplier
	}{
		{"endpoint", stringSetting(&t.Endpoint)},
		{"protocol", stringSetting(&t.Protocol)},
		{"service_name", stringSetting(&t.ServiceName)},
		{"sample_rate", floatSetting(&t.SampleRate)},
		{"insecure", boolSetting(&t.Insecure)},
		{"propagate", boolSetting(&t.Propagate)},
	}
	for _, f := range fields {
		raw, ok := lookupSetting(settings, f.key)
		if !ok {
			continue
		}
		if err := f.apply(raw); err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
	}
	return nil
}

func applyAuthSettings(auth *AuthConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	var authType string
	fields := []struct {
		keys  []string
		apply settingApplier
	}{
		{[]string{"type"}, stringSetting(&authType)},
		{[]string{"token_url", "token-url"}, stringSetting(&auth.TokenURL)},
		{[]string{"client_id", "client-id"}, stringSetting(&auth.ClientID)},
		{[]string{"client_secret", "client-secret"}, stringSetting(&auth.ClientSecret)},
		{[]string{"username"}, stringSetting(&auth.Username)},
		{[]string{"password"}, stringSetting(&auth.Password)},
		{[]string{"static_token", "static-token"}, stringSetting(&auth.StaticToken)},
		{[]string{"refresh_before_expiry", "refresh-before-expiry"}, durationSetting(&auth.RefreshBeforeExpiry)},
	}
	for _, f := range fields {
		raw, ok := lookupSetting(settings, f.keys...)
		if !ok {
			continue
		}
		if err := f.apply(raw); err != nil {
			return fmt.Errorf("%s: %w", f.keys[0], err)
		}
	}
	if authType != "" {
		auth.Type = AuthType(strings.ToLower(strings.TrimSpace(authType)))
	}
	if raw, ok := lookupSetting(settings, "scopes"); ok {
		scopes, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("scopes: %w", err)
		}
		auth.Scopes = scopes
	}
	applyAuthEnv(auth)
	return nil
}

// applyAuthEnv fills secrets left out of the config file from the
// environment.
func applyAuthEnv(auth *AuthConfig) {
	envs := []struct {
		dst *string
		key string
	}{
		{&auth.ClientSecret, "SWARMFIRE_AUTH_CLIENT_SECRET"},
		{&auth.Password, "SWARMFIRE_AUTH_PASSWORD"},
		{&auth.StaticToken, "SWARMFIRE_AUTH_STATIC_TOKEN"},
	}
	for _, e := range envs {
		if *e.dst == "" {
			*e.dst = os.Getenv(e.key)
		}
	}
}

func parseUserClasses(value interface{}) ([]UserClassConfig, error) {
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	classes := make([]UserClassConfig, 0, len(items))
	for idx, item := range items {
		settings, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("user_classes[%d]: %w", idx, err)
		}
		uc, err := buildUserClass(settings)
		if err != nil {
			return nil, fmt.Errorf("user_classes[%d]: %w", idx, err)
		}
		classes = append(classes, uc)
	}
	return classes, nil
}

func buildUserClass(settings map[string]interface{}) (UserClassConfig, error) {
	uc := UserClassConfig{Weight: 1}
	fields := []struct {
		key   string
		apply settingApplier
	}{
		{"name", stringSetting(&uc.Name)},
		{"weight", intSetting(&uc.Weight)},
		{"host", stringSetting(&uc.Host)},
		{"sequential", boolSetting(&uc.Sequential)},
		{"data_file", stringSetting(&uc.DataFile)},
		{"data_rewind", boolSetting(&uc.DataRewind)},
	}
	for _, f := range fields {
		raw, ok := lookupSetting(settings, f.key)
		if !ok {
			continue
		}
		if err := f.apply(raw); err != nil {
			return uc, fmt.Errorf("%s: %w", f.key, err)
		}
	}
	uc.Host = strings.TrimRight(uc.Host, "/")

	if raw, ok := lookupSetting(settings, "wait_time", "wait"); ok {
		wait, err := parseWait(raw)
		if err != nil {
			return uc, fmt.Errorf("wait_time: %w", err)
		}
		uc.Wait = wait
	}

	if raw, ok := lookupSetting(settings, "tasks"); ok {
		items, err := toInterfaceSlice(raw)
		if err != nil {
			return uc, fmt.Errorf("tasks: %w", err)
		}
		for idx, item := range items {
			ts, err := toStringKeyMap(item)
			if err != nil {
				return uc, fmt.Errorf("tasks[%d]: %w", idx, err)
			}
			tc, err := buildTask(ts)
			if err != nil {
				return uc, fmt.Errorf("tasks[%d]: %w", idx, err)
			}
			uc.Tasks = append(uc.Tasks, tc)
		}
	}
	return uc, nil
}

func parseWait(value interface{}) (WaitConfig, error) {
	var wait WaitConfig
	if d, err := asDuration(value); err == nil {
		wait.Constant = d
		return wait, nil
	}
	settings, err := toStringKeyMap(value)
	if err != nil {
		return wait, err
	}
	fields := []struct {
		key   string
		apply settingApplier
	}{
		{"min", durationSetting(&wait.Min)},
		{"max", durationSetting(&wait.Max)},
		{"constant", durationSetting(&wait.Constant)},
		{"pacing", durationSetting(&wait.Pacing)},
	}
	for _, f := range fields {
		raw, ok := lookupSetting(settings, f.key)
		if !ok {
			continue
		}
		if err := f.apply(raw); err != nil {
			return wait, fmt.Errorf("%s: %w", f.key, err)
		}
	}
	return wait, nil
}

func buildTask(settings map[string]interface{}) (TaskConfig, error) {
	tc := TaskConfig{Weight: 1, Method: http.MethodGet}
	fields := []struct {
		key   string
		apply settingApplier
	}{
		{"name", stringSetting(&tc.Name)},
		{"weight", intSetting(&tc.Weight)},
		{"method", stringSetting(&tc.Method)},
		{"path", stringSetting(&tc.Path)},
		{"body", stringSetting(&tc.Body)},
		{"expect_status", intSetting(&tc.ExpectStatus)},
		{"expect_json", stringSetting(&tc.ExpectJSON)},
	}
	for _, f := range fields {
		raw, ok := lookupSetting(settings, f.key)
		if !ok {
			continue
		}
		if err := f.apply(raw); err != nil {
			return tc, fmt.Errorf("%s: %w", f.key, err)
		}
	}
	if raw, ok := lookupSetting(settings, "headers"); ok {
		hdrs, err := asStringMap(raw)
		if err != nil {
			return tc, fmt.Errorf("headers: %w", err)
		}
		tc.Headers = make(map[string]string, len(hdrs))
		for k, v := range hdrs {
			tc.Headers[http.CanonicalHeaderKey(k)] = v
		}
	}
	if raw, ok := lookupSetting(settings, "extract", "extractors"); ok {
		items, err := toInterfaceSlice(raw)
		if err != nil {
			return tc, fmt.Errorf("extract: %w", err)
		}
		for idx, item := range items {
			es, err := toStringKeyMap(item)
			if err != nil {
				return tc, fmt.Errorf("extract[%d]: %w", idx, err)
			}
			ex, err := buildExtract(es)
			if err != nil {
				return tc, fmt.Errorf("extract[%d]: %w", idx, err)
			}
			tc.Extract = append(tc.Extract, ex)
		}
	}
	return tc, nil
}

func buildExtract(settings map[string]interface{}) (ExtractConfig, error) {
	var ex ExtractConfig
	fields := []struct {
		keys  []string
		apply settingApplier
	}{
		{[]string{"variable", "var"}, stringSetting(&ex.Variable)},
		{[]string{"json_path", "jsonpath"}, stringSetting(&ex.JSONPath)},
		{[]string{"regex"}, stringSetting(&ex.Regex)},
		{[]string{"on_error"}, boolSetting(&ex.OnError)},
	}
	for _, f := range fields {
		raw, ok := lookupSetting(settings, f.keys...)
		if !ok {
			continue
		}
		if err := f.apply(raw); err != nil {
			return ex, fmt.Errorf("%s: %w", f.keys[0], err)
		}
	}
	ex.Variable = strings.TrimSpace(ex.Variable)
	ex.JSONPath = strings.TrimSpace(ex.JSONPath)
	return ex, nil
}
