package stats

import (
	"fmt"
	"regexp"
)

var addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// Error is a deduplicated failure: identical method, name and normalized
// error text collapse into one record.
type Error struct {
	Method      string `json:"method"`
	Name        string `json:"name"`
	Error       string `json:"error"`
	Occurrences int64  `json:"occurrences"`
}

// NormalizeError renders err as text with memory addresses masked, so that
// otherwise identical failures from different objects share a key.
func NormalizeError(err error) string {
	if err == nil {
		return ""
	}
	return NormalizeErrorText(err.Error())
}

func NormalizeErrorText(text string) string {
	return addressPattern.ReplaceAllString(text, "0x....")
}

// ErrorKey is the deduplication key of a failure.
func ErrorKey(method, name, normalized string) string {
	return fmt.Sprintf("%s.%s.%s", method, name, normalized)
}

// Key returns the deduplication key of e.
func (e Error) Key() string {
	return ErrorKey(e.Method, e.Name, e.Error)
}

// String formats the record as "METHOD name: error".
func (e Error) String() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.Name, e.Error)
}
