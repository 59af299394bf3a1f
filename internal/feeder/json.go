package feeder

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// JSONFeeder reads records from a JSON array of objects. Values are
// converted to strings.
type JSONFeeder struct {
	cursor
}

func NewJSONFeeder(path string, rewind bool) (*JSONFeeder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open JSON file: %w", err)
	}

	var raw []map[string]any
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("JSON file contains empty array")
	}

	records := make([]Record, 0, len(raw))
	for i, obj := range raw {
		if len(obj) == 0 {
			return nil, fmt.Errorf("record %d is empty", i)
		}
		record := make(Record, len(obj))
		for key, value := range obj {
			record[key] = fmt.Sprintf("%v", value)
		}
		records = append(records, record)
	}

	return &JSONFeeder{cursor: cursor{records: records, rewind: rewind}}, nil
}
