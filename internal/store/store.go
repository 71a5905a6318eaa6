package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lookout/internal/keypool"
	"lookout/internal/upstream"
)

var ErrNotFound = errors.New("record not found")

// Post delivery states. A row is committed as pending; delivery confirms
// it, while a filter rejection or render failure after the commit marks
// it rejected so restart recovery never resurrects it.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusRejected  = "rejected"
)

// Post is the durable record of one captured item. The (post_id, topic_id)
// primary key doubles as the dedup record: a row existing means the item
// has been seen for that topic.
type Post struct {
	PostID       string
	TopicID      string
	AuthorID     string
	AuthorHandle string
	CreatedAt    time.Time
	Text         string
	Payload      upstream.Post // full snapshot, stored as JSONB
	CapturedAt   time.Time
	Status       string
}

// Filter rule types.
const (
	RuleKeyword     = "keyword"
	RuleKeywordDeny = "keyword_deny"
	RuleHashtag     = "hashtag"
	RuleAccount     = "account"
	RuleMention     = "mention"
	RuleRedirect    = "redirect"
)

// FilterRule is one per-topic routing rule.
type FilterRule struct {
	ID      int64
	TopicID string
	Type    string // keyword, keyword_deny, hashtag, account, mention, redirect
	Value   string
	Target  sql.NullString // redirect rules only: the topic to re-target
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SavePost inserts the post for a topic, relying on the primary key to
// reject duplicates atomically. It reports whether a row was actually
// inserted; false means another pipeline run (for example an overlapping
// search window) got there first.
func (s *Store) SavePost(ctx context.Context, topicID string, post upstream.Post) (bool, error) {
	payload, err := json.Marshal(post)
	if err != nil {
		return false, fmt.Errorf("marshal post payload: %w", err)
	}

	query := `
		INSERT INTO lookout.posts (post_id, topic_id, author_id, author_handle, created_at, text, payload, captured_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), 'pending')
		ON CONFLICT (post_id, topic_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		post.ID, topicID, post.AuthorID, post.AuthorHandle, post.CreatedAt, post.Text, payload,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// HasSeen reports whether a dedup record exists for (postID, topicID).
func (s *Store) HasSeen(ctx context.Context, postID, topicID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM lookout.posts WHERE post_id = $1 AND topic_id = $2)`

	var seen bool
	if err := s.db.QueryRowContext(ctx, query, postID, topicID).Scan(&seen); err != nil {
		return false, err
	}
	return seen, nil
}

// MarkDelivered flags a stored post as delivered to its topic's sink.
func (s *Store) MarkDelivered(ctx context.Context, postID, topicID string) error {
	return s.setStatus(ctx, postID, topicID, StatusDelivered)
}

// MarkRejected flags a stored post as terminally rejected. Set when a
// stage after the commit (filter, format) turns the item away, so a
// restart does not re-enqueue it for delivery.
func (s *Store) MarkRejected(ctx context.Context, postID, topicID string) error {
	return s.setStatus(ctx, postID, topicID, StatusRejected)
}

func (s *Store) setStatus(ctx context.Context, postID, topicID, status string) error {
	query := `UPDATE lookout.posts SET status = $3 WHERE post_id = $1 AND topic_id = $2`

	res, err := s.db.ExecContext(ctx, query, postID, topicID, status)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUndelivered returns the number of stored-but-undelivered posts,
// exposed on the status surface.
func (s *Store) CountUndelivered(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lookout.posts WHERE status = 'pending'`).Scan(&count)
	return count, err
}

// ListUndelivered returns pending posts that never reached their sink,
// newest first. Used at startup to resume deliveries interrupted by a
// crash; the row existing at all means the item already cleared
// validation. Rejected rows are terminal and never listed.
func (s *Store) ListUndelivered(ctx context.Context, limit int) ([]Post, error) {
	query := `
		SELECT post_id, topic_id, author_id, author_handle, created_at, text, payload, captured_at
		FROM lookout.posts
		WHERE status = 'pending'
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		var payload []byte
		if err := rows.Scan(&p.PostID, &p.TopicID, &p.AuthorID, &p.AuthorHandle, &p.CreatedAt, &p.Text, &payload, &p.CapturedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &p.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for post %s: %w", p.PostID, err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// DeletePostsOlderThan removes captured posts past the retention window.
// Dedup guarantees only need to outlive the overlapping search windows.
func (s *Store) DeletePostsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lookout.posts WHERE captured_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListFilterRules returns the rules for one topic, oldest first, capped at
// limit.
func (s *Store) ListFilterRules(ctx context.Context, topicID string, limit int) ([]FilterRule, error) {
	query := `
		SELECT id, topic_id, rule_type, value, target
		FROM lookout.filter_rules
		WHERE topic_id = $1
		ORDER BY id
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, topicID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []FilterRule
	for rows.Next() {
		var r FilterRule
		if err := rows.Scan(&r.ID, &r.TopicID, &r.Type, &r.Value, &r.Target); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SaveCredentialStates upserts the key pool's backoff snapshot so a
// restart resumes cooldowns instead of resetting them.
func (s *Store) SaveCredentialStates(ctx context.Context, states []keypool.State) error {
	query := `
		INSERT INTO lookout.credential_state (credential_id, consecutive_failures, cooldown_until, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (credential_id) DO UPDATE SET
			consecutive_failures = EXCLUDED.consecutive_failures,
			cooldown_until = EXCLUDED.cooldown_until,
			updated_at = NOW()
	`
	for _, state := range states {
		var cooldown sql.NullTime
		if !state.CooldownUntil.IsZero() {
			cooldown = sql.NullTime{Time: state.CooldownUntil, Valid: true}
		}
		if _, err := s.db.ExecContext(ctx, query, state.CredentialID, state.ConsecutiveFailures, cooldown); err != nil {
			return fmt.Errorf("save state for %s: %w", state.CredentialID, err)
		}
	}
	return nil
}

// LoadCredentialStates returns the persisted backoff snapshot.
func (s *Store) LoadCredentialStates(ctx context.Context) ([]keypool.State, error) {
	query := `SELECT credential_id, consecutive_failures, cooldown_until FROM lookout.credential_state`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []keypool.State
	for rows.Next() {
		var state keypool.State
		var cooldown sql.NullTime
		if err := rows.Scan(&state.CredentialID, &state.ConsecutiveFailures, &cooldown); err != nil {
			return nil, err
		}
		if cooldown.Valid {
			state.CooldownUntil = cooldown.Time
		}
		states = append(states, state)
	}
	return states, rows.Err()
}
