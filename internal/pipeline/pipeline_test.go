package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/internal/store"
	"lookout/internal/upstream"
)

type fakeStorage struct {
	saved     map[string]int
	rejected  map[string]bool
	rules     []store.FilterRule
	seen      map[string]bool
	saveErr   error
	hasErr    error
	rulesErr  error
	saveCalls int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		saved:    map[string]int{},
		rejected: map[string]bool{},
		seen:     map[string]bool{},
	}
}

func (f *fakeStorage) key(postID, topicID string) string { return postID + "/" + topicID }

func (f *fakeStorage) HasSeen(_ context.Context, postID, topicID string) (bool, error) {
	if f.hasErr != nil {
		return false, f.hasErr
	}
	return f.seen[f.key(postID, topicID)], nil
}

func (f *fakeStorage) SavePost(_ context.Context, topicID string, post upstream.Post) (bool, error) {
	f.saveCalls++
	if f.saveErr != nil {
		return false, f.saveErr
	}
	k := f.key(post.ID, topicID)
	f.saved[k]++
	f.seen[k] = true
	return f.saved[k] == 1, nil
}

func (f *fakeStorage) MarkRejected(_ context.Context, postID, topicID string) error {
	f.rejected[f.key(postID, topicID)] = true
	return nil
}

func (f *fakeStorage) ListFilterRules(_ context.Context, _ string, _ int) ([]store.FilterRule, error) {
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	return f.rules, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func goodPost(id string) upstream.Post {
	return upstream.Post{
		ID:           id,
		AuthorID:     "u1",
		AuthorHandle: "streamer",
		Verified:     true,
		CreatedAt:    time.Now().Add(-time.Minute),
		Text:         "Going live with the new codec benchmark #av1",
		Hashtags:     []string{"av1"},
	}
}

func TestRunAcceptsValidItem(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, DefaultConfig(), testLogger())

	res := p.Run(context.Background(), "topic-1", goodPost("p1"))

	require.True(t, res.OK)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	require.NotNil(t, res.Context.Rendered)
	assert.Contains(t, res.Context.Rendered.Text, "@streamer")
	assert.Contains(t, res.Context.Rendered.Text, "codec benchmark")
	assert.True(t, res.Context.Flags.Formatted)
	assert.Equal(t, 1, storage.saveCalls)
}

func TestRunDuplicateSkipsLaterStages(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, DefaultConfig(), testLogger())

	first := p.Run(context.Background(), "topic-1", goodPost("p1"))
	require.True(t, first.OK)

	second := p.Run(context.Background(), "topic-1", goodPost("p1"))
	require.False(t, second.OK)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, StageDedup, second.Context.Meta["failure_stage"])

	// Only the first run reached storage, filter and format.
	calls := p.StageCalls()
	assert.Equal(t, int64(2), calls[StageDedup])
	assert.Equal(t, int64(1), calls[StageValidate])
	assert.Equal(t, int64(1), calls[StageFilter])
	assert.Equal(t, int64(1), calls[StageFormat])
	assert.Equal(t, 1, storage.saveCalls)
}

func TestRunRaceLosingInsertIsDuplicate(t *testing.T) {
	// Storage says not seen, but the insert reports a pre-existing row, as
	// happens when overlapping windows race past the cache.
	storage := newFakeStorage()
	storage.saved["p1/topic-1"] = 1
	p := New(storage, DefaultConfig(), testLogger())

	res := p.Run(context.Background(), "topic-1", goodPost("p1"))

	require.False(t, res.OK)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, StageValidate, res.Context.Meta["failure_stage"])
}

func TestRunValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*upstream.Post)
		reason string
	}{
		{"empty text", func(p *upstream.Post) { p.Text = "  \n " }, "empty_text"},
		{"missing timestamp", func(p *upstream.Post) { p.CreatedAt = time.Time{} }, "missing_timestamp"},
		{"too old", func(p *upstream.Post) { p.CreatedAt = time.Now().Add(-48 * time.Hour) }, "too_old"},
		{"malformed media", func(p *upstream.Post) {
			p.Media = []upstream.MediaRef{{URL: "", Type: "photo"}}
		}, "malformed_media"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := newFakeStorage()
			p := New(storage, DefaultConfig(), testLogger())
			post := goodPost("p1")
			tt.mutate(&post)

			res := p.Run(context.Background(), "topic-1", post)

			require.False(t, res.OK)
			assert.Equal(t, OutcomeRejected, res.Outcome)
			assert.Equal(t, tt.reason, res.Context.Meta["reject_reason"])
			// Rejected items are never committed.
			assert.Equal(t, 0, storage.saveCalls)
		})
	}
}

func TestRunValidateFailureSkipsFilterAndFormat(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, DefaultConfig(), testLogger())
	post := goodPost("p1")
	post.Text = ""

	res := p.Run(context.Background(), "topic-1", post)

	require.False(t, res.OK)
	calls := p.StageCalls()
	assert.Equal(t, int64(1), calls[StageValidate])
	assert.Equal(t, int64(0), calls[StageFilter])
	assert.Equal(t, int64(0), calls[StageFormat])
}

func TestRunStorageFailureIsError(t *testing.T) {
	storage := newFakeStorage()
	storage.saveErr = errors.New("connection refused")
	p := New(storage, DefaultConfig(), testLogger())

	res := p.Run(context.Background(), "topic-1", goodPost("p1"))

	require.False(t, res.OK)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorContains(t, res.Err, "commit post")
}

func TestFilterKeywordRules(t *testing.T) {
	storage := newFakeStorage()
	storage.rules = []store.FilterRule{
		{Type: store.RuleKeyword, Value: "codec"},
		{Type: store.RuleKeyword, Value: "transcoder"},
	}
	p := New(storage, DefaultConfig(), testLogger())

	res := p.Run(context.Background(), "topic-1", goodPost("p1"))
	require.True(t, res.OK, "any matching keyword rule passes")

	miss := goodPost("p2")
	miss.Text = "unrelated chatter"
	miss.Hashtags = nil
	res = p.Run(context.Background(), "topic-1", miss)
	require.False(t, res.OK)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, "keyword", res.Context.Meta["failed_rule"])
}

func TestFilterDenyRule(t *testing.T) {
	storage := newFakeStorage()
	storage.rules = []store.FilterRule{
		{Type: store.RuleKeywordDeny, Value: "giveaway"},
	}
	p := New(storage, DefaultConfig(), testLogger())

	post := goodPost("p1")
	post.Text = "Huge GIVEAWAY follow and repost"

	res := p.Run(context.Background(), "topic-1", post)

	require.False(t, res.OK)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, "keyword_deny:giveaway", res.Context.Meta["failed_rule"])
	assert.True(t, storage.rejected["p1/topic-1"],
		"committed row must be marked terminal so recovery never delivers it")
}

func TestFilterRejectionAfterRedirectMarksStoredTopic(t *testing.T) {
	storage := newFakeStorage()
	storage.rules = []store.FilterRule{
		{Type: store.RuleRedirect, Value: "streamer", Target: sql.NullString{String: "vip-topic", Valid: true}},
		{Type: store.RuleKeywordDeny, Value: "codec"},
	}
	p := New(storage, DefaultConfig(), testLogger())

	res := p.Run(context.Background(), "topic-1", goodPost("p1"))

	require.False(t, res.OK)
	// The row was committed under the original topic; the terminal mark
	// must land there, not on the redirect target.
	assert.True(t, storage.rejected["p1/topic-1"])
	assert.False(t, storage.rejected["p1/vip-topic"])
}

func TestFilterHashtagRequired(t *testing.T) {
	storage := newFakeStorage()
	storage.rules = []store.FilterRule{
		{Type: store.RuleHashtag, Value: "#av1"},
		{Type: store.RuleHashtag, Value: "codec"},
	}
	p := New(storage, DefaultConfig(), testLogger())

	post := goodPost("p1")
	post.Hashtags = []string{"#AV1", "codec"}
	res := p.Run(context.Background(), "topic-1", post)
	require.True(t, res.OK)

	missing := goodPost("p2")
	missing.Hashtags = []string{"av1"}
	res = p.Run(context.Background(), "topic-1", missing)
	require.False(t, res.OK)
	assert.Equal(t, "hashtag:codec", res.Context.Meta["failed_rule"])
}

func TestFilterAccountAndMentionGroup(t *testing.T) {
	storage := newFakeStorage()
	storage.rules = []store.FilterRule{
		{Type: store.RuleAccount, Value: "@streamer"},
		{Type: store.RuleMention, Value: "othercaster"},
	}
	p := New(storage, DefaultConfig(), testLogger())

	res := p.Run(context.Background(), "topic-1", goodPost("p1"))
	require.True(t, res.OK, "verified author match passes")

	unverified := goodPost("p2")
	unverified.Verified = false
	res = p.Run(context.Background(), "topic-1", unverified)
	require.False(t, res.OK, "unverified author fails account rule")
	assert.Equal(t, "account", res.Context.Meta["failed_rule"])

	mentioner := goodPost("p3")
	mentioner.AuthorHandle = "someoneelse"
	mentioner.Mentions = []string{"@OtherCaster"}
	res = p.Run(context.Background(), "topic-1", mentioner)
	require.True(t, res.OK, "mention match passes the group")
}

func TestFilterRedirectRetargets(t *testing.T) {
	storage := newFakeStorage()
	storage.rules = []store.FilterRule{
		{Type: store.RuleRedirect, Value: "streamer", Target: sql.NullString{String: "vip-topic", Valid: true}},
	}
	p := New(storage, DefaultConfig(), testLogger())

	res := p.Run(context.Background(), "topic-1", goodPost("p1"))

	require.True(t, res.OK)
	assert.Equal(t, "vip-topic", res.Context.TopicID)
	assert.Equal(t, "topic-1", res.Context.Meta["redirected_from"])
}

func TestFilterRulesLoadFailureIsError(t *testing.T) {
	storage := newFakeStorage()
	storage.rulesErr = errors.New("db gone")
	p := New(storage, DefaultConfig(), testLogger())

	res := p.Run(context.Background(), "topic-1", goodPost("p1"))

	require.False(t, res.OK)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, StageFilter, res.Context.Meta["failure_stage"])
}

func TestFormatUnsupportedMediaIsError(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, DefaultConfig(), testLogger())

	post := goodPost("p1")
	post.Media = []upstream.MediaRef{{URL: "https://cdn.example/clip", Type: "hologram"}}

	res := p.Run(context.Background(), "topic-1", post)

	require.False(t, res.OK)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, StageFormat, res.Context.Meta["failure_stage"])
	assert.ErrorContains(t, res.Err, "unsupported media type")
	assert.True(t, storage.rejected["p1/topic-1"], "render failures are terminal for the stored row")
}

func TestResumeReappliesFilter(t *testing.T) {
	storage := newFakeStorage()
	storage.rules = []store.FilterRule{
		{Type: store.RuleKeywordDeny, Value: "giveaway"},
	}
	p := New(storage, DefaultConfig(), testLogger())

	post := goodPost("p1")
	post.Text = "Huge giveaway, repost to enter"

	res := p.Resume(context.Background(), "topic-1", post)

	require.False(t, res.OK)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.True(t, storage.rejected["p1/topic-1"])

	// Resume never touches the pre-commit stages.
	calls := p.StageCalls()
	assert.Equal(t, int64(0), calls[StageDedup])
	assert.Equal(t, int64(0), calls[StageValidate])
	assert.Equal(t, int64(1), calls[StageFilter])
}

func TestResumeRendersAcceptedItem(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, DefaultConfig(), testLogger())

	res := p.Resume(context.Background(), "topic-1", goodPost("p1"))

	require.True(t, res.OK)
	require.NotNil(t, res.Context.Rendered)
	assert.Contains(t, res.Context.Rendered.Text, "@streamer")
	assert.Equal(t, 0, storage.saveCalls, "resume must not re-commit the row")
}

func TestRunDoubleProcessingStoresOnce(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, DefaultConfig(), testLogger())

	accepted := 0
	p.OnOutcome(func(_ string, outcome Outcome) {
		if outcome == OutcomeAccepted {
			accepted++
		}
	})

	p.Run(context.Background(), "topic-1", goodPost("p1"))
	p.Run(context.Background(), "topic-1", goodPost("p1"))

	assert.Equal(t, 1, storage.saved["p1/topic-1"])
	assert.Equal(t, 1, accepted, "only one run may hand the item to delivery")
}

func TestSeenCacheCollapsesLookups(t *testing.T) {
	c := NewSeenCache(2)
	calls := 0
	seen, err := c.Lookup("p1", "t1", func() (bool, error) {
		calls++
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, seen)

	// Positive answers are cached; no second fetch needed.
	assert.True(t, c.Has("p1", "t1"))

	// Generational eviction keeps the previous set queryable.
	c.Mark("p2", "t1")
	c.Mark("p3", "t1")
	c.Mark("p4", "t1")
	assert.True(t, c.Has("p3", "t1"))
	assert.Equal(t, 1, calls)
}
