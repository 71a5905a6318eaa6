package pipeline

import (
	"fmt"
	"html"
	"strings"
)

const maxRenderedLength = 4096

// format renders the item into sink-ready HTML-mode text. A format
// failure is terminal for the item; retrying cannot repair malformed
// input.
func (p *Pipeline) format(pc *Context) (*Rendered, error) {
	post := pc.Post

	var b strings.Builder
	author := strings.TrimPrefix(post.AuthorHandle, "@")
	if author == "" {
		return nil, fmt.Errorf("render post %s: missing author handle", post.ID)
	}
	fmt.Fprintf(&b, "<b>@%s</b>", html.EscapeString(author))
	if post.Verified {
		b.WriteString(" ✓")
	}
	b.WriteString("\n\n")
	b.WriteString(html.EscapeString(post.Text))

	if post.Likes > 0 || post.Reposts > 0 {
		fmt.Fprintf(&b, "\n\n♡ %d  ↻ %d", post.Likes, post.Reposts)
	}
	fmt.Fprintf(&b, "\n%s", post.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))

	var media []string
	for _, m := range post.Media {
		switch m.Type {
		case "photo", "video", "animated_gif":
			media = append(media, m.URL)
		default:
			return nil, fmt.Errorf("render post %s: unsupported media type %q", post.ID, m.Type)
		}
	}

	text := b.String()
	if len(text) > maxRenderedLength {
		return nil, fmt.Errorf("render post %s: rendered length %d exceeds limit", post.ID, len(text))
	}
	return &Rendered{
		Text:           text,
		DisablePreview: len(media) == 0,
		MediaURLs:      media,
	}, nil
}
