// Package extractor pulls values out of response bodies with JSON paths or
// regular expressions so later requests can reuse them.
package extractor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/torosent/swarmfire/internal/config"
)

// Extractor is one compiled extraction rule.
type Extractor struct {
	Variable string
	JSONPath string
	Regex    *regexp.Regexp
	// OnError also extracts from failed responses.
	OnError bool
}

// Compile validates and compiles the configured rules.
func Compile(cfgs []config.ExtractConfig) ([]Extractor, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}
	out := make([]Extractor, 0, len(cfgs))
	for i, c := range cfgs {
		name := strings.TrimSpace(c.Variable)
		if name == "" {
			return nil, fmt.Errorf("extract[%d]: variable is required", i)
		}
		ex := Extractor{Variable: name, OnError: c.OnError}
		switch {
		case c.JSONPath != "" && c.Regex != "":
			return nil, fmt.Errorf("extract[%d]: json_path and regex are mutually exclusive", i)
		case c.JSONPath != "":
			ex.JSONPath = normalizePath(c.JSONPath)
		case c.Regex != "":
			re, err := regexp.Compile(c.Regex)
			if err != nil {
				return nil, fmt.Errorf("extract[%d]: invalid regex: %w", i, err)
			}
			ex.Regex = re
		default:
			return nil, fmt.Errorf("extract[%d]: json_path or regex is required", i)
		}
		out = append(out, ex)
	}
	return out, nil
}

// ExtractAll applies every rule to body and returns the values found.
// Rules that do not match are logged at debug level and left out, so an
// earlier value of the same variable survives. When failed is true only
// rules with OnError run.
func ExtractAll(body []byte, failed bool, extractors []Extractor, logger *zap.Logger) map[string]string {
	if len(extractors) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	result := make(map[string]string, len(extractors))
	for _, ex := range extractors {
		if failed && !ex.OnError {
			continue
		}
		value, ok := ex.extract(body)
		if !ok {
			logger.Debug("extraction found no value",
				zap.String("variable", ex.Variable),
				zap.String("rule", ex.rule()))
			continue
		}
		result[ex.Variable] = value
	}
	return result
}

func (ex Extractor) extract(body []byte) (string, bool) {
	if ex.Regex != nil {
		return findRegex(body, ex.Regex)
	}
	res := gjson.GetBytes(body, ex.JSONPath)
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}

func (ex Extractor) rule() string {
	if ex.Regex != nil {
		return ex.Regex.String()
	}
	return ex.JSONPath
}

// normalizePath accepts "$.a.b", "$" and bare gjson paths.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	switch {
	case path == "$":
		return "@this"
	case strings.HasPrefix(path, "$."):
		return path[2:]
	default:
		return path
	}
}

// findRegex returns the first capture group, or the whole match when the
// pattern has no groups.
func findRegex(body []byte, re *regexp.Regexp) (string, bool) {
	match := re.FindSubmatch(body)
	if match == nil {
		return "", false
	}
	if len(match) > 1 {
		return string(match[1]), true
	}
	return string(match[0]), true
}
