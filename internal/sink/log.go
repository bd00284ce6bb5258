package sink

import (
	"context"

	"github.com/yanun0323/logs"
)

// Log writes every event to the process log.
type Log struct{}

// NewLog creates a log sink.
func NewLog() *Log { return &Log{} }

func (*Log) Name() string { return "log" }

func (*Log) Write(_ context.Context, msg Message) error {
	logs.Infof("event %s, key: %s, id: %s, trace: %d, payload: %s", msg.Type, msg.Key, msg.EventID, msg.TraceID, msg.Payload)
	return nil
}

func (*Log) Close() error { return nil }
