package main

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/delivery"
	"lookout/internal/events"
	"lookout/internal/fetch"
	"lookout/internal/pipeline"
	"lookout/internal/store"
	"lookout/internal/upstream"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func mockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewStore(db), mock
}

type captureSink struct {
	sent chan *delivery.Message
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(_ context.Context, msg *delivery.Message) error {
	copied := *msg
	s.sent <- &copied
	return nil
}

func pendingRows() *sqlmock.Rows {
	created := time.Date(2026, 3, 1, 10, 4, 30, 0, time.UTC)
	return sqlmock.NewRows([]string{"post_id", "topic_id", "author_id", "author_handle", "created_at", "text", "payload", "captured_at"}).
		AddRow("100", "topic-a", "42", "streamer", created, "hello",
			[]byte(`{"id":"100","author_handle":"streamer","verified":true,"created_at":"2026-03-01T10:04:30Z","text":"hello"}`),
			created.Add(time.Minute))
}

func TestResumeUndeliveredReenqueuesPending(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery(`FROM lookout\.posts\s+WHERE status = 'pending'`).
		WillReturnRows(pendingRows())
	mock.ExpectQuery(`FROM lookout\.filter_rules`).
		WithArgs("topic-a", 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "topic_id", "rule_type", "value", "target"}))

	pipe := pipeline.New(st, pipeline.DefaultConfig(), quietLogger())
	queue := delivery.NewQueue(&captureSink{}, delivery.DefaultConfig(), quietLogger())
	topics := []fetch.Topic{{ID: "topic-a", Query: "q", Target: "101"}}

	resumeUndelivered(context.Background(), st, pipe, queue, topics, quietLogger())

	assert.Equal(t, 1, queue.Stats().Depth, "pending post must be re-enqueued")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeUndeliveredDropsFilterRejected(t *testing.T) {
	// A rule added after the commit applies on resume: the post is marked
	// terminal instead of being delivered.
	st, mock := mockStore(t)
	mock.ExpectQuery(`FROM lookout\.posts\s+WHERE status = 'pending'`).
		WillReturnRows(pendingRows())
	mock.ExpectQuery(`FROM lookout\.filter_rules`).
		WithArgs("topic-a", 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "topic_id", "rule_type", "value", "target"}).
			AddRow(1, "topic-a", store.RuleKeywordDeny, "hello", nil))
	mock.ExpectExec(`UPDATE lookout\.posts SET status = \$3`).
		WithArgs("100", "topic-a", store.StatusRejected).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pipe := pipeline.New(st, pipeline.DefaultConfig(), quietLogger())
	queue := delivery.NewQueue(&captureSink{}, delivery.DefaultConfig(), quietLogger())
	topics := []fetch.Topic{{ID: "topic-a", Query: "q", Target: "101"}}

	resumeUndelivered(context.Background(), st, pipe, queue, topics, quietLogger())

	assert.Equal(t, 0, queue.Stats().Depth, "rejected post must never reach the queue")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRedirectKeepsStoredTopic(t *testing.T) {
	// A redirect rule changes where the sink posts, not which row the
	// delivery confirmation updates.
	st, mock := mockStore(t)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("100", "topic-a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO lookout\.posts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM lookout\.filter_rules`).
		WithArgs("topic-a", 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "topic_id", "rule_type", "value", "target"}).
			AddRow(1, "topic-a", store.RuleRedirect, "streamer", "vip-topic"))

	logger := quietLogger()
	pipe := pipeline.New(st, pipeline.DefaultConfig(), logger)
	sink := &captureSink{sent: make(chan *delivery.Message, 1)}
	queue := delivery.NewQueue(sink, delivery.Config{MinSendInterval: time.Millisecond}, logger)
	publisher, err := events.NewPublisher(nil, "test", logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	proc := &relayProcessor{
		pipe:      pipe,
		queue:     queue,
		publisher: publisher,
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "test_pipeline_duration_seconds",
		}, []string{"topic"}),
	}
	accepted := proc.Process(ctx, fetch.Topic{ID: "topic-a", Query: "q", Target: "101"}, upstream.Post{
		ID:           "100",
		AuthorID:     "42",
		AuthorHandle: "streamer",
		Verified:     true,
		CreatedAt:    time.Now().Add(-time.Minute),
		Text:         "hello",
	})
	require.True(t, accepted)

	select {
	case msg := <-sink.sent:
		assert.Equal(t, "topic-a", msg.TopicID, "confirmation must key on the stored topic")
		assert.Equal(t, "vip-topic", msg.Target, "sink target follows the redirect")
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the sink")
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseTopics(t *testing.T) {
	topics, err := parseTopics("breaking|(landslide OR flood) lang:en|101; weather|storm warning")
	require.NoError(t, err)

	require.Len(t, topics, 2)
	assert.Equal(t, fetch.Topic{ID: "breaking", Query: "(landslide OR flood) lang:en", Target: "101"}, topics[0])
	assert.Equal(t, fetch.Topic{ID: "weather", Query: "storm warning"}, topics[1])
}

func TestParseTopicsEmpty(t *testing.T) {
	topics, err := parseTopics("  ")
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestParseTopicsMalformed(t *testing.T) {
	_, err := parseTopics("justanid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want id|query")
}
