package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/agent-gateway/internal/audit"
)

const (
	// AuditStreamName is the JetStream stream holding audit records.
	AuditStreamName = "AUDIT"

	// SessionBucketName is the key-value bucket holding session bindings.
	SessionBucketName = "session-bindings"
)

// EnsureAuditStream creates the audit stream if it does not exist.
func EnsureAuditStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.Stream(ctx, AuditStreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        AuditStreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", audit.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Stream outcome and interactive-pause audit records",
	})
	if err != nil {
		return fmt.Errorf("failed to create audit stream: %w", err)
	}
	return nil
}

// EnsureSessionBucket creates (or opens) the session binding bucket.
func EnsureSessionBucket(ctx context.Context, js jetstream.JetStream) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, SessionBucketName)
	if err == nil {
		return kv, nil
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      SessionBucketName,
		Description: "Internal to provider-side session identity bindings",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session bucket: %w", err)
	}
	return kv, nil
}
