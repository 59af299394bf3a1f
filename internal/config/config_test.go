package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/torosent/swarmfire/internal/config"
)

func TestLoadNoArgsRequestsHelp(t *testing.T) {
	_, err := config.NewLoader().Load([]string{})
	if !errors.Is(err, config.ErrHelpRequested) {
		t.Fatalf("Load() error = %v, want ErrHelpRequested", err)
	}
}

func TestLoadFlagDefaults(t *testing.T) {
	cfg, err := config.NewLoader().Load([]string{"--host", "http://example.com/"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Host != "http://example.com" {
		t.Errorf("Host = %q, want trailing slash trimmed", cfg.Host)
	}
	if cfg.Users != 1 || cfg.SpawnRate != 1 {
		t.Errorf("Users = %d, SpawnRate = %v, want 1 and 1", cfg.Users, cfg.SpawnRate)
	}
	if cfg.MasterBindHost != "*" || cfg.MasterBindPort != 5557 || cfg.MasterPort != 5557 {
		t.Errorf("master defaults = %q:%d / %d", cfg.MasterBindHost, cfg.MasterBindPort, cfg.MasterPort)
	}
	if cfg.MasterHost != "127.0.0.1" {
		t.Errorf("MasterHost = %q, want 127.0.0.1", cfg.MasterHost)
	}
	if cfg.LogLevel != "INFO" {
		t.Errorf("LogLevel = %q, want INFO", cfg.LogLevel)
	}
	if cfg.ExitCodeOnError != 1 {
		t.Errorf("ExitCodeOnError = %d, want 1", cfg.ExitCodeOnError)
	}
	if !cfg.CatchExceptions {
		t.Error("CatchExceptions = false, want true")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s, want 30s", cfg.Timeout)
	}
	if cfg.Tracing.SampleRate != 1 || !cfg.Tracing.Propagate {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadConfigFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.yaml")
	content := `
host: https://api.example.com
users: 100
spawn_rate: 10
run_time: 5m
headless: true
stop_timeout: 10s
reset_stats: true
loglevel: debug
csv: out/run
headers:
  Authorization: Bearer token
user_classes:
  - name: shopper
    weight: 3
    wait_time:
      min: 1s
      max: 3s
    tasks:
      - name: browse
        path: /products
        weight: 5
      - name: checkout
        method: post
        path: /checkout
        body: '{"cart":1}'
        expect_status: 201
        expect_json: order.id
  - name: admin
    host: https://admin.example.com
    sequential: true
    wait_time:
      pacing: 2s
    tasks:
      - path: /stats
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := config.NewLoader().Load([]string{"--config", path, "-u", "40"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Host != "https://api.example.com" {
		t.Errorf("Host = %q", cfg.Host)
	}
	if cfg.Users != 40 {
		t.Errorf("Users = %d, want flag override 40", cfg.Users)
	}
	if cfg.SpawnRate != 10 {
		t.Errorf("SpawnRate = %v, want 10", cfg.SpawnRate)
	}
	if cfg.RunTime != 5*time.Minute || cfg.StopTimeout != 10*time.Second {
		t.Errorf("RunTime = %s, StopTimeout = %s", cfg.RunTime, cfg.StopTimeout)
	}
	if !cfg.Headless || !cfg.ResetStats {
		t.Errorf("Headless = %v, ResetStats = %v", cfg.Headless, cfg.ResetStats)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q, want DEBUG", cfg.LogLevel)
	}
	if cfg.CSVPrefix != "out/run" {
		t.Errorf("CSVPrefix = %q", cfg.CSVPrefix)
	}
	if cfg.Headers["Authorization"] != "Bearer token" {
		t.Errorf("Headers = %v", cfg.Headers)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, path)
	}

	if len(cfg.UserClasses) != 2 {
		t.Fatalf("UserClasses len = %d, want 2", len(cfg.UserClasses))
	}
	shopper := cfg.UserClasses[0]
	if shopper.Weight != 3 || shopper.Wait.Min != time.Second || shopper.Wait.Max != 3*time.Second {
		t.Errorf("shopper = %+v", shopper)
	}
	checkout := shopper.Tasks[1]
	if checkout.Method != "POST" || checkout.ExpectStatus != 201 || checkout.ExpectJSON != "order.id" {
		t.Errorf("checkout = %+v", checkout)
	}
	if checkout.Body != `{"cart":1}` {
		t.Errorf("checkout body = %q", checkout.Body)
	}
	admin := cfg.UserClasses[1]
	if admin.Host != "https://admin.example.com" || !admin.Sequential || admin.Wait.Pacing != 2*time.Second {
		t.Errorf("admin = %+v", admin)
	}
	if admin.Tasks[0].Method != "GET" {
		t.Errorf("admin task method = %q, want GET", admin.Tasks[0].Method)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadConfigFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.json")
	if err := os.WriteFile(path, []byte(`{
		"master": true,
		"expect_workers": 3,
		"expect_workers_max_wait": "30s",
		"master_bind_port": 6000,
		"tracing": {"endpoint": "collector:4318", "protocol": "HTTP", "insecure": true}
	}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := config.NewLoader().Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Master || cfg.ExpectWorkers != 3 || cfg.ExpectWorkersMaxWait != 30*time.Second {
		t.Errorf("master settings = %v %d %s", cfg.Master, cfg.ExpectWorkers, cfg.ExpectWorkersMaxWait)
	}
	if cfg.MasterBindPort != 6000 {
		t.Errorf("MasterBindPort = %d, want 6000", cfg.MasterBindPort)
	}
	if cfg.Tracing.Protocol != "http" || !cfg.Tracing.Insecure || !cfg.Tracing.Enabled() {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := config.NewLoader().Load([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidationErrors(t *testing.T) {
	base := func() config.Config {
		cfg := config.Defaults()
		cfg.Host = "http://example.com"
		return *cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"negative users", func(c *config.Config) { c.Users = -1 }, "users must be >= 0"},
		{"zero spawn rate", func(c *config.Config) { c.SpawnRate = 0 }, "spawn-rate must be > 0"},
		{"exit code range", func(c *config.Config) { c.ExitCodeOnError = 300 }, "exit-code-on-error"},
		{"master and worker", func(c *config.Config) { c.Master, c.Worker = true, true }, "mutually exclusive"},
		{"expect workers without master", func(c *config.Config) { c.ExpectWorkers = 2 }, "only applies to a master"},
		{"bad port", func(c *config.Config) { c.MasterPort = 70000 }, "master-port"},
		{"step load incomplete", func(c *config.Config) { c.StepLoad = true }, "step-users"},
		{"step load with shape", func(c *config.Config) {
			c.StepLoad, c.StepUsers, c.StepTime, c.ShapeFile = true, 5, time.Second, "shape.yaml"
		}, "cannot be combined"},
		{"sample rate", func(c *config.Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
		{"missing host", func(c *config.Config) { c.Host = "" }, "host is required"},
		{"unnamed class", func(c *config.Config) {
			c.UserClasses = []config.UserClassConfig{{Tasks: []config.TaskConfig{{Path: "/", Method: "GET"}}}}
		}, "name is required"},
		{"class without tasks", func(c *config.Config) {
			c.UserClasses = []config.UserClassConfig{{Name: "a"}}
		}, "at least one task"},
		{"bad method", func(c *config.Config) {
			c.UserClasses = []config.UserClassConfig{{Name: "a", Tasks: []config.TaskConfig{{Path: "/", Method: "FETCH"}}}}
		}, "unsupported method"},
		{"inverted wait", func(c *config.Config) {
			c.UserClasses = []config.UserClassConfig{{
				Name:  "a",
				Wait:  config.WaitConfig{Min: 2 * time.Second, Max: time.Second},
				Tasks: []config.TaskConfig{{Path: "/", Method: "GET"}},
			}}
		}, "wait max must be >= min"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() returned nil")
			}
			var verr config.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestMasterDoesNotNeedHost(t *testing.T) {
	cfg := config.Defaults()
	cfg.Master = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFlagsFromCobraCommand(t *testing.T) {
	var got *config.Config
	cmd := &cobra.Command{
		Use: "swarmfire",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader().LoadFlags(cmd.Flags())
			got = cfg
			return err
		},
	}
	config.RegisterFlags(cmd)
	cmd.SetArgs([]string{"--host", "http://example.com", "-u", "25", "--worker"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.Users != 25 || !got.Worker || got.Host != "http://example.com" {
		t.Errorf("config = users %d worker %v host %q", got.Users, got.Worker, got.Host)
	}
}

func TestLoadAuthThresholdsAndData(t *testing.T) {
	t.Setenv("SWARMFIRE_AUTH_CLIENT_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	content := `
host: https://api.example.com
auth:
  type: OAUTH2_CLIENT_CREDENTIALS
  token_url: https://idp.example.com/token
  client_id: swarm
  scopes: [read, write]
  refresh_before_expiry: 30s
thresholds:
  - "response_time:p95 < 500"
  - "failures:rate < 0.01"
user_classes:
  - name: shopper
    data_file: users.csv
    data_rewind: true
    tasks:
      - name: login
        method: POST
        path: /login
        extract:
          - variable: token
            json_path: $.token
          - variable: session
            regex: 'sid=(\w+)'
            on_error: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.NewLoader().Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := config.AuthConfig{
		Type:                config.AuthTypeOAuth2ClientCredentials,
		TokenURL:            "https://idp.example.com/token",
		ClientID:            "swarm",
		ClientSecret:        "from-env",
		Scopes:              []string{"read", "write"},
		RefreshBeforeExpiry: 30 * time.Second,
	}
	got := cfg.Auth
	if got.Type != want.Type || got.TokenURL != want.TokenURL || got.ClientID != want.ClientID ||
		got.ClientSecret != want.ClientSecret || got.RefreshBeforeExpiry != want.RefreshBeforeExpiry ||
		strings.Join(got.Scopes, ",") != "read,write" {
		t.Errorf("Auth = %+v, want %+v", got, want)
	}
	if len(cfg.Thresholds) != 2 || cfg.Thresholds[1] != "failures:rate < 0.01" {
		t.Errorf("Thresholds = %v", cfg.Thresholds)
	}

	if len(cfg.UserClasses) != 1 {
		t.Fatalf("UserClasses = %d, want 1", len(cfg.UserClasses))
	}
	uc := cfg.UserClasses[0]
	if uc.DataFile != "users.csv" || !uc.DataRewind {
		t.Errorf("data = %q rewind %v", uc.DataFile, uc.DataRewind)
	}
	ex := uc.Tasks[0].Extract
	if len(ex) != 2 {
		t.Fatalf("Extract = %+v, want 2 rules", ex)
	}
	if ex[0].Variable != "token" || ex[0].JSONPath != "$.token" || ex[0].OnError {
		t.Errorf("Extract[0] = %+v", ex[0])
	}
	if ex[1].Variable != "session" || ex[1].Regex != `sid=(\w+)` || !ex[1].OnError {
		t.Errorf("Extract[1] = %+v", ex[1])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadAuthTokenFlag(t *testing.T) {
	cfg, err := config.NewLoader().Load([]string{
		"--host", "http://example.com", "--auth-token", "abc",
		"--threshold", "requests:count > 10", "--threshold", "failures:count == 0",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Type != config.AuthTypeBearer || cfg.Auth.StaticToken != "abc" {
		t.Errorf("Auth = %+v, want bearer abc", cfg.Auth)
	}
	if len(cfg.Thresholds) != 2 {
		t.Errorf("Thresholds = %v, want 2", cfg.Thresholds)
	}
}

func TestValidateAuthAndExtract(t *testing.T) {
	task := func(ex ...config.ExtractConfig) []config.UserClassConfig {
		return []config.UserClassConfig{{Name: "a", Tasks: []config.TaskConfig{{Path: "/", Method: "GET", Extract: ex}}}}
	}
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown auth type", func(c *config.Config) { c.Auth.Type = "kerberos" }, "unsupported type"},
		{"bearer without token", func(c *config.Config) { c.Auth.Type = config.AuthTypeBearer }, "static_token is required"},
		{"password grant without user", func(c *config.Config) {
			c.Auth = config.AuthConfig{Type: config.AuthTypeOAuth2ResourceOwner, TokenURL: "http://idp", ClientID: "x", Password: "p"}
		}, "username is required"},
		{"extract without variable", func(c *config.Config) {
			c.UserClasses = task(config.ExtractConfig{JSONPath: "id"})
		}, "variable is required"},
		{"extract with both rules", func(c *config.Config) {
			c.UserClasses = task(config.ExtractConfig{Variable: "v", JSONPath: "id", Regex: "x"})
		}, "exactly one of json_path or regex"},
		{"data file extension", func(c *config.Config) {
			c.UserClasses = task()
			c.UserClasses[0].DataFile = "users.xml"
		}, "data_file must be a .csv or .json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Host = "http://example.com"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestShapeFileExcludesStaticLoad(t *testing.T) {
	dir := t.TempDir()
	fileWithUsers := filepath.Join(dir, "swarm.yaml")
	if err := os.WriteFile(fileWithUsers, []byte("host: http://x\nusers: 20\nshape_file: s.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"shape only", []string{"--host", "http://x", "--shape-file", "s.yaml"}, false},
		{"shape and users", []string{"--host", "http://x", "--shape-file", "s.yaml", "--users", "50"}, true},
		{"shape and spawn rate", []string{"--host", "http://x", "--shape-file", "s.yaml", "-r", "5"}, true},
		{"users in config file", []string{"--config", fileWithUsers}, true},
		{"users without shape", []string{"--host", "http://x", "-u", "50", "-r", "5"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.NewLoader().Load(tt.args)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			err = cfg.Validate()
			if !tt.wantErr {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), "shape-file cannot be combined with users/spawn-rate") {
				t.Errorf("Validate() error = %v, want shape-file conflict", err)
			}
		})
	}
}
