package audit

import (
	"context"
	"fmt"

	gojson "github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/agent-gateway/pkg/logger"
)

// SubjectPrefix is the prefix for all audit subjects.
const SubjectPrefix = "audit"

// JetStreamSink publishes audit records to a JetStream stream. Publish
// errors are logged and swallowed.
type JetStreamSink struct {
	js     jetstream.JetStream
	logger *logger.Logger
}

// NewJetStreamSink creates a sink over an existing JetStream context.
func NewJetStreamSink(js jetstream.JetStream, log *logger.Logger) *JetStreamSink {
	return &JetStreamSink{js: js, logger: log}
}

// Record implements Sink.
func (s *JetStreamSink) Record(ctx context.Context, rec Record) error {
	data, err := gojson.Marshal(rec)
	if err != nil {
		s.logger.Warn("failed to marshal audit record", "error", err, "session_id", rec.SessionID)
		return nil
	}
	subject := fmt.Sprintf("%s.%s.%s", SubjectPrefix, rec.Provider, rec.EventType)
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		s.logger.Warn("failed to publish audit record",
			"error", err,
			"session_id", rec.SessionID,
			"subject", subject,
		)
	}
	return nil
}
