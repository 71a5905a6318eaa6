package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestDisabledPublisherIsSafe(t *testing.T) {
	p, err := NewPublisher(nil, "lookout", testLogger())
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.NoError(t, p.Ping(context.Background()))

	// None of these may panic or block without a broker.
	p.ItemOutcome("t1", "p1", "accepted")
	p.CycleComplete("t1", 10, 3, time.Second)
	p.CredentialRotated("key-0", "key-1", "rate_limited")
	p.Close()
}

func TestRelayEventJSONShape(t *testing.T) {
	event := RelayEvent{
		EventID:   "e1",
		EventType: TypeItemOutcome,
		Source:    "lookout",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TopicID:   "t1",
		PostID:    "p1",
		Outcome:   "accepted",
	}

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "item_outcome", decoded["event_type"])
	assert.Equal(t, "t1", decoded["topic_id"])
	assert.NotContains(t, decoded, "data", "empty data map is omitted")
}
