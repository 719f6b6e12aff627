// Package notify delivers run failure events to the operator. The log sink
// is always present; a webhook and a Kafka topic can be added through
// configuration. Delivery is best effort: callers bound every call with a
// timeout and only log what fails.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
)

// Event describes a failed run.
type Event struct {
	Time     time.Time              `json:"time"`
	RunID    string                 `json:"run_id"`
	Mode     string                 `json:"mode"`
	Host     string                 `json:"host"`
	Stage    string                 `json:"stage"`
	Class    string                 `json:"class"`
	ExitCode int                    `json:"exit_code"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Sink receives failure events.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// Log writes events to the process log.
type Log struct {
	logger *zap.Logger
}

// NewLog creates the log sink.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.With(zap.String("component", "notify"))}
}

// Notify logs ev at error level.
func (l *Log) Notify(_ context.Context, ev Event) error {
	l.logger.Error("run failed",
		zap.String("run_id", ev.RunID),
		zap.String("mode", ev.Mode),
		zap.String("host", ev.Host),
		zap.String("stage", ev.Stage),
		zap.String("class", ev.Class),
		zap.Int("exit_code", ev.ExitCode),
		zap.String("error", ev.Message),
		zap.Any("details", ev.Details))
	return nil
}

// Multi fans an event out to several sinks. Every sink is tried; the
// errors are joined.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build assembles the sinks named by cfg. The returned close function
// releases producer connections and is never nil.
func Build(cfg config.NotifyConfig, logger *zap.Logger) (Sink, func() error, error) {
	sinks := Multi{NewLog(logger)}
	closeFn := func() error { return nil }

	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhook(cfg.WebhookURL, nil))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := NewKafka(cfg.Kafka, logger)
		if err != nil {
			return nil, closeFn, err
		}
		sinks = append(sinks, k)
		closeFn = k.Close
	}
	return sinks, closeFn, nil
}
