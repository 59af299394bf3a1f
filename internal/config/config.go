package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultMasterPort      = 5557
	DefaultMasterBindHost  = "*"
	DefaultExitCodeOnError = 1
	DefaultRequestTimeout  = 30 * time.Second
)

type Config struct {
	Host                 string
	Users                int
	SpawnRate            float64
	StaticLoad           bool // users or spawn rate was set explicitly
	RunTime              time.Duration
	Headless             bool
	Master               bool
	MasterBindHost       string
	MasterBindPort       int
	Worker               bool
	MasterHost           string
	MasterPort           int
	ExpectWorkers        int
	ExpectWorkersMaxWait time.Duration
	CSVPrefix            string
	CSVFullHistory       bool
	StepLoad             bool
	StepUsers            int
	StepTime             time.Duration
	LogLevel             string
	LogFile              string
	StopTimeout          time.Duration
	ExitCodeOnError      int
	ResetStats           bool
	CatchExceptions      bool
	ShapeFile            string
	MetricsAddr          string
	OnlySummary          bool
	Timeout              time.Duration
	Headers              map[string]string
	Auth                 AuthConfig
	Thresholds           []string
	ConfigFile           string
	Tracing              TracingConfig
	UserClasses          []UserClassConfig
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Endpoint    string
	Protocol    string // "grpc" (default) or "http"
	ServiceName string
	SampleRate  float64
	Insecure    bool
	Propagate   bool
}

// Enabled reports whether an exporter endpoint is configured, either
// directly or through OTEL_EXPORTER_OTLP_ENDPOINT.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

type AuthType string

const (
	AuthTypeBearer                  AuthType = "bearer"
	AuthTypeOAuth2ClientCredentials AuthType = "oauth2_client_credentials"
	AuthTypeOAuth2ResourceOwner     AuthType = "oauth2_resource_owner"
)

// AuthConfig selects how the Authorization header of every request is
// obtained.
type AuthConfig struct {
	Type                AuthType
	TokenURL            string
	ClientID            string
	ClientSecret        string
	Username            string
	Password            string
	Scopes              []string
	StaticToken         string
	RefreshBeforeExpiry time.Duration
}

// UserClassConfig declares an HTTP user class. DataFile, a CSV or JSON file,
// hands each starting user the next record; DataRewind restarts from the
// first record instead of stopping users once the file is used up.
type UserClassConfig struct {
	Name       string
	Weight     int
	Host       string
	Wait       WaitConfig
	Sequential bool
	DataFile   string
	DataRewind bool
	Tasks      []TaskConfig
}

// WaitConfig selects the wait policy: a fixed Constant, pacing so that a
// task starts every Pacing, or a uniform pick between Min and Max.
type WaitConfig struct {
	Min      time.Duration
	Max      time.Duration
	Constant time.Duration
	Pacing   time.Duration
}

// TaskConfig is one HTTP request issued by a user class.
type TaskConfig struct {
	Name         string
	Weight       int
	Method       string
	Path         string
	Headers      map[string]string
	Body         string
	ExpectStatus int
	// ExpectJSON is a gjson path that must resolve in the response body.
	ExpectJSON string
	Extract    []ExtractConfig
}

// ExtractConfig stores a value taken from a response body in the user's
// variables, for use as {{Variable}} in later requests.
type ExtractConfig struct {
	Variable string
	JSONPath string
	Regex    string
	// OnError also extracts from failed responses.
	OnError bool
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	if c.Users < 0 {
		issues = append(issues, "users must be >= 0")
	}
	if c.SpawnRate <= 0 {
		issues = append(issues, "spawn-rate must be > 0")
	}
	if c.RunTime < 0 {
		issues = append(issues, "run-time must be >= 0")
	}
	if c.StopTimeout < 0 {
		issues = append(issues, "stop-timeout must be >= 0")
	}
	if c.ExitCodeOnError < 0 || c.ExitCodeOnError > 255 {
		issues = append(issues, "exit-code-on-error must be between 0 and 255")
	}
	if c.Timeout <= 0 {
		issues = append(issues, "timeout must be > 0")
	}

	issues = append(issues, validateDistribution(c)...)
	issues = append(issues, validateLoadShape(c)...)
	issues = append(issues, validateTracing(c.Tracing)...)
	issues = append(issues, validateUserClasses(c.UserClasses)...)
	issues = append(issues, validateAuth(c.Auth)...)

	if !c.Master && strings.TrimSpace(c.Host) == "" {
		missing := len(c.UserClasses) == 0
		for _, uc := range c.UserClasses {
			if strings.TrimSpace(uc.Host) == "" {
				missing = true
				break
			}
		}
		if missing {
			issues = append(issues, "host is required (use --host or set host on every user class)")
		}
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateDistribution(c Config) []string {
	var issues []string
	if c.Master && c.Worker {
		issues = append(issues, "master and worker are mutually exclusive")
	}
	if c.Worker && strings.TrimSpace(c.MasterHost) == "" {
		issues = append(issues, "worker requires master-host")
	}
	if c.ExpectWorkers < 0 {
		issues = append(issues, "expect-workers must be >= 0")
	}
	if c.ExpectWorkers > 0 && !c.Master {
		issues = append(issues, "expect-workers only applies to a master")
	}
	if c.ExpectWorkersMaxWait < 0 {
		issues = append(issues, "expect-workers-max-wait must be >= 0")
	}
	if c.MasterPort < 1 || c.MasterPort > 65535 {
		issues = append(issues, "master-port must be between 1 and 65535")
	}
	if c.MasterBindPort < 1 || c.MasterBindPort > 65535 {
		issues = append(issues, "master-bind-port must be between 1 and 65535")
	}
	return issues
}

func validateLoadShape(c Config) []string {
	var issues []string
	if c.ShapeFile != "" && c.StaticLoad {
		issues = append(issues, "shape-file cannot be combined with users/spawn-rate")
	}
	if !c.StepLoad {
		return issues
	}
	if c.StepUsers <= 0 {
		issues = append(issues, "step-load requires step-users > 0")
	}
	if c.StepTime <= 0 {
		issues = append(issues, "step-load requires step-time > 0")
	}
	if c.ShapeFile != "" {
		issues = append(issues, "step-load and shape-file cannot be combined")
	}
	return issues
}

func validateTracing(t TracingConfig) []string {
	var issues []string
	if t.SampleRate < 0 || t.SampleRate > 1 {
		issues = append(issues, fmt.Sprintf("tracing: sample_rate must be between 0.0 and 1.0, got %g", t.SampleRate))
	}
	switch strings.ToLower(t.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing: unsupported protocol %q", t.Protocol))
	}
	return issues
}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodOptions: true,
}

func validateUserClasses(classes []UserClassConfig) []string {
	var issues []string
	seen := map[string]bool{}
	for idx, uc := range classes {
		prefix := fmt.Sprintf("user_classes[%d]", idx)
		if strings.TrimSpace(uc.Name) == "" {
			issues = append(issues, prefix+": name is required")
		} else if seen[uc.Name] {
			issues = append(issues, fmt.Sprintf("%s: duplicate name %q", prefix, uc.Name))
		}
		seen[uc.Name] = true
		if uc.Weight < 0 {
			issues = append(issues, prefix+": weight must be >= 0")
		}
		if uc.Wait.Min < 0 || uc.Wait.Max < 0 || uc.Wait.Constant < 0 || uc.Wait.Pacing < 0 {
			issues = append(issues, prefix+": wait times must be >= 0")
		}
		if uc.Wait.Max < uc.Wait.Min {
			issues = append(issues, prefix+": wait max must be >= min")
		}
		if uc.DataFile != "" {
			switch strings.ToLower(filepath.Ext(uc.DataFile)) {
			case ".csv", ".json":
			default:
				issues = append(issues, fmt.Sprintf("%s: data_file must be a .csv or .json file, got %q", prefix, uc.DataFile))
			}
		}
		if len(uc.Tasks) == 0 {
			issues = append(issues, prefix+": at least one task is required")
		}
		for tIdx, tc := range uc.Tasks {
			tPrefix := fmt.Sprintf("%s.tasks[%d]", prefix, tIdx)
			if strings.TrimSpace(tc.Path) == "" {
				issues = append(issues, tPrefix+": path is required")
			}
			if tc.Weight < 0 {
				issues = append(issues, tPrefix+": weight must be >= 0")
			}
			if !validMethods[strings.ToUpper(tc.Method)] {
				issues = append(issues, fmt.Sprintf("%s: unsupported method %q", tPrefix, tc.Method))
			}
			if tc.ExpectStatus != 0 && (tc.ExpectStatus < 100 || tc.ExpectStatus > 599) {
				issues = append(issues, tPrefix+": expect_status must be a valid HTTP status")
			}
			for eIdx, ex := range tc.Extract {
				ePrefix := fmt.Sprintf("%s.extract[%d]", tPrefix, eIdx)
				if strings.TrimSpace(ex.Variable) == "" {
					issues = append(issues, ePrefix+": variable is required")
				}
				if (ex.JSONPath == "") == (ex.Regex == "") {
					issues = append(issues, ePrefix+": exactly one of json_path or regex is required")
				}
			}
		}
	}
	return issues
}

func validateAuth(auth AuthConfig) []string {
	var issues []string
	required := func(value, field string) {
		if strings.TrimSpace(value) == "" {
			issues = append(issues, fmt.Sprintf("auth: %s is required for %s", field, auth.Type))
		}
	}
	switch auth.Type {
	case "":
	case AuthTypeBearer:
		required(auth.StaticToken, "static_token")
	case AuthTypeOAuth2ClientCredentials:
		required(auth.TokenURL, "token_url")
		required(auth.ClientID, "client_id")
		required(auth.ClientSecret, "client_secret")
	case AuthTypeOAuth2ResourceOwner:
		required(auth.TokenURL, "token_url")
		required(auth.ClientID, "client_id")
		required(auth.Username, "username")
		required(auth.Password, "password")
	default:
		issues = append(issues, fmt.Sprintf("auth: unsupported type %q", auth.Type))
	}
	if auth.RefreshBeforeExpiry < 0 {
		issues = append(issues, "auth: refresh_before_expiry must be >= 0")
	}
	return issues
}
