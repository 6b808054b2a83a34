package redpanda

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/drfirst/go-careplan/internal/domain/audit"
)

// Publisher is the synchronous produce call; *Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// AuditMessage is the audit.trail record value.
type AuditMessage struct {
	Scope string      `json:"scope"`
	Entry audit.Entry `json:"entry"`
}

// AuditSink forwards audit entries to the audit.trail topic, keyed by entity
// id so that one entity's history stays ordered within a partition.
type AuditSink struct {
	pub   Publisher
	topic string
	scope string
}

// NewAuditSink creates a sink for scope.
func NewAuditSink(pub Publisher, scope string) *AuditSink {
	return &AuditSink{pub: pub, topic: TopicAuditTrail, scope: scope}
}

// Write publishes e and waits for the acknowledgement.
func (s *AuditSink) Write(ctx context.Context, e audit.Entry) error {
	value, err := json.Marshal(AuditMessage{Scope: s.scope, Entry: e})
	if err != nil {
		return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
	}
	return s.pub.Publish(ctx, s.topic, e.EntityID, value)
}

// DecodeAudit parses an audit.trail record value.
func DecodeAudit(value []byte) (*AuditMessage, error) {
	msg := &AuditMessage{}
	if err := json.Unmarshal(value, msg); err != nil {
		return nil, fmt.Errorf("decode audit message: %w", err)
	}
	if msg.Entry.ID == "" {
		return nil, fmt.Errorf("audit message has no entry id")
	}
	return msg, nil
}
