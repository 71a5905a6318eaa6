package pipeline

import (
	"strings"
	"time"

	"lookout/internal/upstream"
)

// validate checks intrinsic item quality. Returns an empty string when the
// item is acceptable, otherwise a short machine-readable reason.
func (p *Pipeline) validate(post upstream.Post) string {
	if post.ID == "" {
		return "missing_id"
	}
	if strings.TrimSpace(post.Text) == "" {
		return "empty_text"
	}
	if post.CreatedAt.IsZero() {
		return "missing_timestamp"
	}
	if time.Since(post.CreatedAt) > p.cfg.MaxPostAge {
		return "too_old"
	}
	for _, m := range post.Media {
		if m.URL == "" || m.Type == "" {
			return "malformed_media"
		}
	}
	return ""
}
