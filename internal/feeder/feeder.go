// Package feeder supplies per-user test data from CSV or JSON files.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Record represents a single row of data with named fields.
type Record map[string]string

// Feeder hands out records in file order. Implementations are safe for
// concurrent use.
type Feeder interface {
	// Next returns the next record, or ErrExhausted once every record was
	// handed out and rewinding is disabled.
	Next(ctx context.Context) (Record, error)

	// Close releases any resources held by the feeder.
	Close() error

	// Len returns the total number of records in the dataset.
	Len() int
}

// ErrExhausted is returned when a feeder has no more records and rewind is disabled.
var ErrExhausted = errors.New("feeder exhausted: no more records available")

// Open loads path as CSV or JSON depending on its extension.
func Open(path string, rewind bool) (Feeder, error) {
	var (
		f   Feeder
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err = NewCSVFeeder(path, rewind)
	case ".json":
		f, err = NewJSONFeeder(path, rewind)
	default:
		return nil, fmt.Errorf("unsupported data file %q: want .csv or .json", path)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// cursor walks a fixed record list.
type cursor struct {
	records []Record
	rewind  bool

	mu    sync.Mutex
	index int
}

func (c *cursor) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index >= len(c.records) {
		if !c.rewind || len(c.records) == 0 {
			return nil, ErrExhausted
		}
		c.index = 0
	}
	record := c.records[c.index]
	c.index++
	return record, nil
}

func (c *cursor) Close() error { return nil }

func (c *cursor) Len() int { return len(c.records) }
