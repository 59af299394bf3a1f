package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/torosent/swarmfire/internal/config"
	"github.com/torosent/swarmfire/internal/feeder"
)

// RequestBuilder creates requests for one configured task.
type RequestBuilder struct {
	method  string
	path    string
	headers http.Header
	body    []byte
}

// NewRequestBuilder merges the run-wide headers with the task's own, the
// task winning on conflicts.
func NewRequestBuilder(tc config.TaskConfig, defaults map[string]string) (*RequestBuilder, error) {
	path := strings.TrimSpace(tc.Path)
	if path == "" {
		return nil, errors.New("task path is required")
	}

	method := strings.TrimSpace(tc.Method)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	headers := http.Header{}
	for _, src := range []map[string]string{defaults, tc.Headers} {
		for key, value := range src {
			canonicalKey, err := checkHeader(key, value)
			if err != nil {
				return nil, err
			}
			headers.Set(canonicalKey, value)
		}
	}

	var body []byte
	if tc.Body != "" {
		body = []byte(tc.Body)
	}

	return &RequestBuilder{
		method:  method,
		path:    path,
		headers: headers,
		body:    body,
	}, nil
}

func checkHeader(key, value string) (string, error) {
	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" || strings.ContainsAny(trimmedKey, "\r\n") {
		return "", fmt.Errorf("invalid header key %q", key)
	}
	canonicalKey := http.CanonicalHeaderKey(trimmedKey)
	if strings.ContainsAny(value, "\r\n") {
		return "", fmt.Errorf("invalid header value for %s", canonicalKey)
	}
	return canonicalKey, nil
}

func (b *RequestBuilder) Method() string { return b.method }
func (b *RequestBuilder) Path() string   { return b.path }

// URL resolves the task path against host. Absolute paths are used as is.
func (b *RequestBuilder) URL(host string) string {
	if strings.HasPrefix(b.path, "http://") || strings.HasPrefix(b.path, "https://") {
		return b.path
	}
	host = strings.TrimRight(host, "/")
	if strings.HasPrefix(b.path, "/") {
		return host + b.path
	}
	return host + "/" + b.path
}

// Build returns a request against host carrying a replayable body.
func (b *RequestBuilder) Build(ctx context.Context, host string) (*http.Request, error) {
	return b.BuildWith(ctx, host, nil)
}

// BuildWith is Build with {{name}} placeholders in the path, header values
// and body replaced from vars. Unknown placeholders are left as they are.
func (b *RequestBuilder) BuildWith(ctx context.Context, host string, vars map[string]string) (*http.Request, error) {
	if b == nil {
		return nil, errors.New("builder cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body := b.body
	target := b.URL(host)
	if len(vars) > 0 {
		target = feeder.SubstitutePlaceholders(target, vars)
		if body != nil {
			body = []byte(feeder.SubstitutePlaceholders(string(body), vars))
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, b.method, target, reader)
	if err != nil {
		return nil, err
	}

	req.Header = make(http.Header, len(b.headers))
	for key, values := range b.headers {
		for _, val := range values {
			if len(vars) > 0 {
				val = feeder.SubstitutePlaceholders(val, vars)
			}
			req.Header.Add(key, val)
		}
	}

	if body != nil {
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return req, nil
}

func NewClient(timeout time.Duration) *http.Client {
	if timeout < 0 {
		timeout = 0
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
