package runner

import (
	"sort"
	"sync"
)

// Exception is a task error aggregated across users and nodes.
type Exception struct {
	Count     int      `json:"count"`
	Msg       string   `json:"msg"`
	Traceback string   `json:"traceback"`
	Nodes     []string `json:"nodes"`
}

// Exceptions deduplicates task errors by traceback, falling back to the
// message when no traceback is available.
type Exceptions struct {
	mu    sync.Mutex
	items map[string]*exceptionRecord
}

type exceptionRecord struct {
	Exception
	nodes map[string]struct{}
}

func NewExceptions() *Exceptions {
	return &Exceptions{items: map[string]*exceptionRecord{}}
}

// Log records one occurrence reported by nodeID.
func (x *Exceptions) Log(nodeID, msg, traceback string) {
	key := traceback
	if key == "" {
		key = msg
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.items[key]
	if !ok {
		rec = &exceptionRecord{
			Exception: Exception{Msg: msg, Traceback: traceback},
			nodes:     map[string]struct{}{},
		}
		x.items[key] = rec
	}
	rec.Count++
	rec.nodes[nodeID] = struct{}{}
}

// List returns the records, most frequent first.
func (x *Exceptions) List() []Exception {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Exception, 0, len(x.items))
	for _, rec := range x.items {
		e := rec.Exception
		e.Nodes = make([]string, 0, len(rec.nodes))
		for n := range rec.nodes {
			e.Nodes = append(e.Nodes, n)
		}
		sort.Strings(e.Nodes)
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Msg < out[j].Msg
	})
	return out
}

func (x *Exceptions) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

func (x *Exceptions) Reset() {
	x.mu.Lock()
	x.items = map[string]*exceptionRecord{}
	x.mu.Unlock()
}
