package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"go.uber.org/zap"

	"github.com/torosent/swarmfire/internal/auth"
	"github.com/torosent/swarmfire/internal/config"
	"github.com/torosent/swarmfire/internal/event"
	"github.com/torosent/swarmfire/internal/extractor"
	"github.com/torosent/swarmfire/internal/feeder"
	"github.com/torosent/swarmfire/internal/task"
	"github.com/torosent/swarmfire/internal/tracing"
	"github.com/torosent/swarmfire/internal/variables"
)

const (
	// DefaultClassName is used when no user class is configured.
	DefaultClassName = "default"

	maxBodyReadSize    = 1024 * 1024
	maxLoggedBodyBytes = 1024

	varsKey = "httpclient.vars"
)

// StatusError reports an unexpected response status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Options tune the generated tasks.
type Options struct {
	// Tracer, when set, wraps each request in a client span.
	Tracer trace.Tracer
	// Propagate injects W3C trace context into outgoing requests.
	Propagate bool
	// Auth, when set, adds an Authorization header to every request.
	Auth auth.Provider
}

// UserClasses builds one task.UserClass per configured class. With no
// classes configured a single class named DefaultClassName GETs "/".
func UserClasses(cfg *config.Config, client *http.Client, opts Options) ([]*task.UserClass, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	classCfgs := cfg.UserClasses
	if len(classCfgs) == 0 {
		classCfgs = []config.UserClassConfig{{
			Name:   DefaultClassName,
			Weight: 1,
			Tasks:  []config.TaskConfig{{Method: http.MethodGet, Path: "/", Weight: 1}},
		}}
	}

	classes := make([]*task.UserClass, 0, len(classCfgs))
	for _, uc := range classCfgs {
		class := task.NewUserClass(uc.Name).
			WithWeight(uc.Weight).
			WithHost(uc.Host)
		if uc.Sequential {
			class.Sequential()
		}
		if wait := waitFunc(uc.Wait); wait != nil {
			class.WithWait(wait)
		}
		if uc.DataFile != "" {
			data, err := feeder.Open(uc.DataFile, uc.DataRewind)
			if err != nil {
				return nil, fmt.Errorf("user class %q: %w", uc.Name, err)
			}
			class.OnStart(seedFrom(data))
		}
		for i, tc := range uc.Tasks {
			builder, err := NewRequestBuilder(tc, cfg.Headers)
			if err != nil {
				return nil, fmt.Errorf("user class %q task %d: %w", uc.Name, i, err)
			}
			extractors, err := extractor.Compile(tc.Extract)
			if err != nil {
				return nil, fmt.Errorf("user class %q task %d: %w", uc.Name, i, err)
			}
			ht := &httpTask{
				name:       taskName(tc),
				builder:    builder,
				client:     client,
				expect:     tc.ExpectStatus,
				expectJSON: strings.TrimSpace(tc.ExpectJSON),
				extractors: extractors,
				tracer:     opts.Tracer,
				propagate:  opts.Propagate,
				auth:       opts.Auth,
			}
			class.Task(ht.name, tc.Weight, task.Simple(ht.run))
		}
		if err := class.Validate(); err != nil {
			return nil, err
		}
		classes = append(classes, class)
	}
	return classes, nil
}

// seedFrom hands each starting user the next record of data. A user that
// finds the data exhausted stops before its first task.
func seedFrom(data feeder.Feeder) task.Hook {
	return func(ctx context.Context, u *task.User) error {
		rec, err := data.Next(ctx)
		if errors.Is(err, feeder.ErrExhausted) {
			u.Logger().Info("test data exhausted, stopping user")
			u.RequestStop()
			return nil
		}
		if err != nil {
			return fmt.Errorf("next data record: %w", err)
		}
		variables.SetAll(userVars(u), rec)
		return nil
	}
}

// userVars returns u's variable store, creating it on first use.
func userVars(u *task.User) variables.Store {
	if v, ok := u.Get(varsKey); ok {
		if s, ok := v.(variables.Store); ok {
			return s
		}
	}
	s := variables.NewStore()
	u.Set(varsKey, s)
	return s
}

// templateVars returns the variables of u, or nil before anything was
// seeded or extracted.
func templateVars(u *task.User) map[string]string {
	v, ok := u.Get(varsKey)
	if !ok {
		return nil
	}
	s, ok := v.(variables.Store)
	if !ok {
		return nil
	}
	return s.GetAll()
}

func taskName(tc config.TaskConfig) string {
	if name := strings.TrimSpace(tc.Name); name != "" {
		return name
	}
	return strings.TrimSpace(tc.Path)
}

func waitFunc(w config.WaitConfig) task.WaitFunc {
	switch {
	case w.Pacing > 0:
		return task.ConstantPacing(w.Pacing)
	case w.Max > 0:
		return task.Between(w.Min, w.Max)
	case w.Constant > 0:
		return task.Constant(w.Constant)
	default:
		return nil
	}
}

type httpTask struct {
	name       string
	builder    *RequestBuilder
	client     *http.Client
	expect     int
	expectJSON string
	extractors []extractor.Extractor
	tracer     trace.Tracer
	propagate  bool
	auth       auth.Provider
}

// run issues one request and reports it. Request failures are recorded as
// statistics only; the error returned is reserved for problems that make
// the task itself unusable, such as an unparsable URL.
func (t *httpTask) run(ctx context.Context, u *task.User) error {
	req, err := t.builder.BuildWith(ctx, u.Host(), templateVars(u))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	if t.auth != nil {
		if authErr := t.auth.InjectHeader(ctx, req); authErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			u.ReportRequest(event.Request{
				Method:       t.builder.Method(),
				Name:         t.name,
				ResponseTime: float64(time.Since(start)) / float64(time.Millisecond),
				Err:          fmt.Errorf("auth: %w", authErr),
				StartTime:    start,
			})
			return nil
		}
	}

	var span trace.Span
	if t.tracer != nil {
		var spanCtx context.Context
		spanCtx, span = tracing.StartRequestSpan(ctx, t.tracer, t.builder.Method(), t.name)
		req = req.WithContext(spanCtx)
	}
	if t.propagate {
		tracing.InjectHTTPHeaders(req.Context(), req.Header)
	}

	start = time.Now()
	res := t.do(req)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	if span != nil {
		tracing.EndSpan(span, res.err, attribute.Int("http.response.status_code", res.status))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if len(t.extractors) > 0 && res.status != 0 {
		found := extractor.ExtractAll(res.body, res.err != nil, t.extractors, u.Logger())
		if len(found) > 0 {
			variables.SetAll(userVars(u), found)
			u.Logger().Debug("extracted variables", zap.String("task", t.name), zap.Int("count", len(found)))
		}
	}

	u.ReportRequest(event.Request{
		Method:        t.builder.Method(),
		Name:          t.name,
		ResponseTime:  elapsed,
		ContentLength: res.length,
		Err:           res.err,
		StartTime:     start,
	})
	return nil
}

type result struct {
	body   []byte
	length int64
	status int
	err    error
}

func (t *httpTask) do(req *http.Request) result {
	resp, err := t.client.Do(req)
	if err != nil {
		return result{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyReadSize))
	if err != nil {
		return result{length: int64(len(body)), status: resp.StatusCode, err: fmt.Errorf("read body: %w", err)}
	}
	rest, _ := io.Copy(io.Discard, resp.Body)
	res := result{body: body, length: int64(len(body)) + rest, status: resp.StatusCode}

	if t.statusFailed(resp.StatusCode) {
		snippet := body
		if len(snippet) > maxLoggedBodyBytes {
			snippet = snippet[:maxLoggedBodyBytes]
		}
		res.err = &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
		return res
	}

	if t.expectJSON != "" && !gjson.GetBytes(body, t.expectJSON).Exists() {
		res.err = fmt.Errorf("expected JSON path %q in response", t.expectJSON)
	}
	return res
}

func (t *httpTask) statusFailed(code int) bool {
	if t.expect != 0 {
		return code != t.expect
	}
	return code >= 400
}
