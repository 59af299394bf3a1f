package extractor

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/torosent/swarmfire/internal/config"
)

func mustCompile(t *testing.T, cfgs ...config.ExtractConfig) []Extractor {
	t.Helper()
	ex, err := Compile(cfgs)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return ex
}

func TestExtractAll(t *testing.T) {
	body := []byte(`{"user": {"id": 123, "profile": {"name": "Alice"}}, "items": [{"id": 1}, {"id": 2}], "token": "abc"}`)
	tests := []struct {
		name string
		rule config.ExtractConfig
		want string
	}{
		{"bare path", config.ExtractConfig{Variable: "v", JSONPath: "user.id"}, "123"},
		{"dollar prefix", config.ExtractConfig{Variable: "v", JSONPath: "$.user.profile.name"}, "Alice"},
		{"array index", config.ExtractConfig{Variable: "v", JSONPath: "items.1.id"}, "2"},
		{"regex group", config.ExtractConfig{Variable: "v", Regex: `"token":\s*"([^"]+)"`}, "abc"},
		{"regex whole match", config.ExtractConfig{Variable: "v", Regex: `Ali\w+`}, "Alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractAll(body, false, mustCompile(t, tt.rule), nil)
			if got["v"] != tt.want {
				t.Errorf("v = %q, want %q", got["v"], tt.want)
			}
		})
	}
}

func TestExtractWholeDocument(t *testing.T) {
	got := ExtractAll([]byte(`{"a":1}`), false, mustCompile(t, config.ExtractConfig{Variable: "doc", JSONPath: "$"}), nil)
	if got["doc"] != `{"a":1}` {
		t.Errorf("doc = %q", got["doc"])
	}
}

func TestExtractMissingValueIsOmitted(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	rules := mustCompile(t,
		config.ExtractConfig{Variable: "id", JSONPath: "id"},
		config.ExtractConfig{Variable: "gone", JSONPath: "nope.here"},
		config.ExtractConfig{Variable: "code", Regex: `code=(\d+)`},
	)

	got := ExtractAll([]byte(`{"id": 9}`), false, rules, zap.New(core))
	if len(got) != 1 || got["id"] != "9" {
		t.Errorf("result = %v, want only id", got)
	}
	if logs.FilterMessage("extraction found no value").Len() != 2 {
		t.Errorf("debug logs = %d, want 2", logs.Len())
	}
}

func TestExtractOnFailedResponse(t *testing.T) {
	rules := mustCompile(t,
		config.ExtractConfig{Variable: "error_code", JSONPath: "error.code", OnError: true},
		config.ExtractConfig{Variable: "id", JSONPath: "id"},
	)
	body := []byte(`{"id": 1, "error": {"code": "E42"}}`)

	got := ExtractAll(body, true, rules, nil)
	if got["error_code"] != "E42" {
		t.Errorf("error_code = %q, want E42", got["error_code"])
	}
	if _, ok := got["id"]; ok {
		t.Error("rule without OnError ran on a failed response")
	}

	got = ExtractAll(body, false, rules, nil)
	if len(got) != 2 {
		t.Errorf("successful response result = %v, want both values", got)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		rule config.ExtractConfig
	}{
		{"no variable", config.ExtractConfig{JSONPath: "id"}},
		{"no rule", config.ExtractConfig{Variable: "v"}},
		{"both rules", config.ExtractConfig{Variable: "v", JSONPath: "id", Regex: "x"}},
		{"bad regex", config.ExtractConfig{Variable: "v", Regex: "[unclosed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile([]config.ExtractConfig{tt.rule}); err == nil {
				t.Error("expected error")
			}
		})
	}

	if ex, err := Compile(nil); ex != nil || err != nil {
		t.Errorf("Compile(nil) = %v, %v", ex, err)
	}
}
