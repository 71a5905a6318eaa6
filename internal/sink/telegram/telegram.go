// Package telegram delivers rendered messages through the Telegram Bot
// API, mapping its failure modes onto the delivery queue's retry policy.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"lookout/internal/delivery"
	"lookout/pkg/logging"
)

const defaultBaseURL = "https://api.telegram.org"

// Sink sends messages to a Telegram chat. The target of each message is
// a message-thread id inside the configured chat; an empty target posts
// to the chat's general thread.
type Sink struct {
	baseURL    string
	token      string
	chatID     string
	httpClient *http.Client
	logger     logging.Logger
}

// Option adjusts a Sink.
type Option func(*Sink)

// WithBaseURL overrides the API host, used by tests.
func WithBaseURL(u string) Option {
	return func(s *Sink) { s.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.httpClient = c }
}

// New creates a Telegram sink for one bot token and chat.
func New(token, chatID string, logger logging.Logger, opts ...Option) *Sink {
	s := &Sink{
		baseURL:    defaultBaseURL,
		token:      token,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements delivery.Sink.
func (s *Sink) Name() string { return "telegram" }

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send implements delivery.Sink. Media-bearing messages embed the first
// media URL so Telegram renders a preview; the rest are appended as
// links by the formatter upstream.
func (s *Sink) Send(ctx context.Context, msg *delivery.Message) error {
	payload := map[string]any{
		"chat_id":    s.chatID,
		"text":       msg.Text,
		"parse_mode": "HTML",
	}
	if msg.NoPreview {
		payload["disable_web_page_preview"] = true
	}
	if msg.Target != "" {
		threadID, err := strconv.Atoi(msg.Target)
		if err != nil {
			return &delivery.SendError{
				Kind: delivery.KindNonRetryable,
				Err:  fmt.Errorf("invalid thread id %q: %w", msg.Target, err),
			}
		}
		payload["message_thread_id"] = threadID
	}
	if len(msg.MediaURLs) > 0 {
		payload["text"] = msg.MediaURLs[0] + "\n" + msg.Text
		delete(payload, "disable_web_page_preview")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &delivery.SendError{Kind: delivery.KindNonRetryable, Err: err}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &delivery.SendError{Kind: delivery.KindNonRetryable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// Network trouble is transient by assumption.
		return &delivery.SendError{Kind: delivery.KindRetryable, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var api apiResponse
	_ = json.Unmarshal(raw, &api)

	if resp.StatusCode == http.StatusOK && api.OK {
		return nil
	}
	return s.classify(resp.StatusCode, &api)
}

// classify maps a Bot API failure to a SendError kind. 401/403 kill the
// sink, 400 drops the message, 429 retries after the server-imposed
// wait, and everything else retries with backoff.
func (s *Sink) classify(status int, api *apiResponse) error {
	base := fmt.Errorf("telegram: %d %s", status, api.Description)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &delivery.SendError{Kind: delivery.KindFatal, Err: base}
	case status == http.StatusBadRequest:
		if isMissingThread(api.Description) {
			return &delivery.SendError{Kind: delivery.KindMissingTarget, Err: base}
		}
		return &delivery.SendError{Kind: delivery.KindNonRetryable, Err: base}
	case status == http.StatusTooManyRequests:
		return &delivery.SendError{
			Kind:       delivery.KindRetryable,
			RetryAfter: time.Duration(api.Parameters.RetryAfter) * time.Second,
			Err:        base,
		}
	default:
		return &delivery.SendError{Kind: delivery.KindRetryable, Err: base}
	}
}

func isMissingThread(description string) bool {
	switch description {
	case "Bad Request: message thread not found",
		"Bad Request: chat not found",
		"Bad Request: TOPIC_CLOSED",
		"Bad Request: TOPIC_DELETED":
		return true
	}
	return false
}
