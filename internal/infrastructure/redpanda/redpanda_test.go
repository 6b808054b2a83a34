package redpanda

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drfirst/go-careplan/internal/domain/audit"
)

type capturePublisher struct {
	topic, key string
	value      []byte
	err        error
}

func (c *capturePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	c.topic, c.key, c.value = topic, key, value
	return c.err
}

func TestAuditSinkPublishesKeyedByEntity(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewAuditSink(pub, "ward-7")

	e := audit.Entry{ID: "a1", EntityType: audit.EntityDose, EntityID: "d1", Action: audit.ActionGiven}
	require.NoError(t, sink.Write(context.Background(), e))
	assert.Equal(t, TopicAuditTrail, pub.topic)
	assert.Equal(t, "d1", pub.key)

	msg, err := DecodeAudit(pub.value)
	require.NoError(t, err)
	assert.Equal(t, "ward-7", msg.Scope)
	assert.Equal(t, "a1", msg.Entry.ID)
	assert.Equal(t, audit.ActionGiven, msg.Entry.Action)
}

func TestAuditSinkSurfacesPublishError(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	err := NewAuditSink(pub, "s").Write(context.Background(), audit.Entry{ID: "a1"})
	assert.Error(t, err)
}

func TestDecodeAuditRequiresEntryID(t *testing.T) {
	_, err := DecodeAudit([]byte(`{"scope":"s","entry":{}}`))
	assert.Error(t, err)
	_, err = DecodeAudit([]byte(`not json`))
	assert.Error(t, err)
}

func TestHeaderCarrier(t *testing.T) {
	rec := &kgo.Record{}
	c := &headerCarrier{rec: rec}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("tracestate", "x=1")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.Equal(t, []string{"traceparent", "tracestate"}, c.Keys())
	assert.Len(t, rec.Headers, 2)
}

func TestDefaultTopicConfigs(t *testing.T) {
	cfgs := DefaultTopicConfigs(0)
	names := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		names = append(names, c.Name)
		assert.Equal(t, int16(1), c.ReplicationFactor)
	}
	assert.ElementsMatch(t, []string{TopicCareReminders, TopicAuditTrail, TopicDeadLetter}, names)
}

func TestCompressionCodec(t *testing.T) {
	_, ok := compression("zstd")
	assert.True(t, ok)
	_, ok = compression("")
	assert.False(t, ok)
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer(ProducerConfig{}, nil)
	assert.Error(t, err)
}
