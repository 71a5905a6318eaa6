package upstream

import "time"

// MediaRef is an attachment on a post.
type MediaRef struct {
	URL  string `json:"url"`
	Type string `json:"type"` // photo, video, animated_gif
}

// Post is one ingested item from the upstream feed.
type Post struct {
	ID           string     `json:"id"`
	AuthorID     string     `json:"author_id"`
	AuthorHandle string     `json:"author_handle"`
	Verified     bool       `json:"verified"`
	CreatedAt    time.Time  `json:"created_at"`
	Text         string     `json:"text"`
	Hashtags     []string   `json:"hashtags,omitempty"`
	Mentions     []string   `json:"mentions,omitempty"`
	Likes        int        `json:"likes"`
	Reposts      int        `json:"reposts"`
	Media        []MediaRef `json:"media,omitempty"`
	QuotedPostID string     `json:"quoted_post_id,omitempty"`
}

// SearchFilter describes one search request against the feed.
type SearchFilter struct {
	Query      string
	Since      time.Time
	Until      time.Time
	MaxResults int
}

// SearchPage is one page of search results. NextCursor is empty on the
// last page.
type SearchPage struct {
	Posts      []Post `json:"posts"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// searchResponse is the wire shape of the search endpoint.
type searchResponse struct {
	Data struct {
		Posts      []Post `json:"posts"`
		NextCursor string `json:"next_cursor"`
	} `json:"data"`
	Errors []apiErrorBody `json:"errors,omitempty"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
