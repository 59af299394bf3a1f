// Package cluster distributes a run across worker processes. A Master
// partitions the target population over its workers, tracks their liveness
// through heartbeats and aggregates the statistics they report. A Worker
// drives a local runner on the master's behalf.
package cluster

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/torosent/swarmfire/internal/runner"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message types exchanged between master and workers.
const (
	MsgClientReady      = "client_ready"
	MsgClientStopped    = "client_stopped"
	MsgHeartbeat        = "heartbeat"
	MsgStats            = "stats"
	MsgSpawn            = "spawn"
	MsgSpawning         = "spawning"
	MsgSpawningComplete = "spawning_complete"
	MsgStop             = "stop"
	MsgQuit             = "quit"
	MsgException        = "exception"
	MsgReconnect        = "reconnect"
)

// Report keys a worker adds next to the request statistics.
const (
	ReportKeyUserCount   = "user_count"
	ReportKeyUserClasses = "user_classes_count"
	ReportKeyUnhandled   = "unhandled"
)

// Message is the envelope of every frame on the wire.
type Message struct {
	Type   string              `json:"type"`
	NodeID string              `json:"node_id"`
	Data   jsoniter.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes data as the payload. A nil data leaves it empty.
func NewMessage(typ, nodeID string, data any) (Message, error) {
	m := Message{Type: typ, NodeID: nodeID}
	if data == nil {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	m.Data = raw
	return m, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

func encodeFrame(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func decodeFrame(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode frame: missing message type")
	}
	return m, nil
}

// SpawnData asks a worker to reach UserCount users.
type SpawnData struct {
	UserCount int     `json:"user_count"`
	SpawnRate float64 `json:"spawn_rate"`
	Host      string  `json:"host,omitempty"`
}

// HeartbeatData carries the worker state and its CPU usage.
type HeartbeatData struct {
	State runner.State `json:"state"`
	CPU   float64      `json:"current_cpu_usage"`
}

// SpawningCompleteData reports the population a worker reached.
type SpawningCompleteData struct {
	UserCount int            `json:"user_count"`
	Classes   map[string]int `json:"user_classes_count,omitempty"`
}

// ExceptionData forwards one task error to the master.
type ExceptionData struct {
	Msg       string `json:"msg"`
	Traceback string `json:"traceback"`
}
