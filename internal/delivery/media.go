package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/astrolane/larkbridge/internal/channel"
)

// mediaTagPattern matches inline structured media tags the agent embeds
// in reply text, e.g. <image src="/tmp/plot.png"/> or <file src="...">.
var mediaTagPattern = regexp.MustCompile(`<(image|file|video|audio)\s+src="([^"]+)"\s*/?>`)

// LooksLikePath reports whether text is a single token that names an
// existing local file. Best-effort convenience for agents that answer
// with a bare output path, not a security boundary.
func LooksLikePath(text string) bool {
	token := strings.TrimSpace(text)
	if token == "" || strings.ContainsAny(token, " \t\n") {
		return false
	}
	if !strings.HasPrefix(token, "/") && !strings.HasPrefix(token, "./") && !strings.HasPrefix(token, "~/") {
		return false
	}
	info, err := os.Stat(expandHome(token))
	return err == nil && !info.IsDir()
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// extractMediaTags pulls inline media tags out of text. Image tag sites
// are left holding a placeholder the router rewrites to an uploaded
// markdown reference; other tag types are removed and returned as
// follow-up attachments.
func extractMediaTags(text string) (clean string, images []string, followups []channel.Attachment) {
	clean = mediaTagPattern.ReplaceAllStringFunc(text, func(tag string) string {
		parts := mediaTagPattern.FindStringSubmatch(tag)
		kind, src := parts[1], strings.TrimSpace(parts[2])
		if src == "" {
			return ""
		}
		if kind == "image" {
			images = append(images, src)
			return imagePlaceholder(len(images) - 1)
		}
		followups = append(followups, classifySource(src, channel.AttachmentType(kind)))
		return ""
	})
	return clean, images, followups
}

func imagePlaceholder(i int) string {
	return fmt.Sprintf("\x00img:%d\x00", i)
}

// classifySource builds an attachment reference from a raw src string.
func classifySource(src string, kind channel.AttachmentType) channel.Attachment {
	att := channel.Attachment{Type: kind, Name: filepath.Base(stripQuery(src))}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		att.URL = src
	} else {
		att.Path = expandHome(src)
	}
	return att
}

func stripQuery(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}

// openMediaSource yields a reader for a remote URL or local path.
func openMediaSource(ctx context.Context, client *http.Client, src string) (io.ReadCloser, string, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("fetch media: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", fmt.Errorf("fetch media: status %d", resp.StatusCode)
		}
		return resp.Body, filepath.Base(stripQuery(src)), nil
	}
	path := expandHome(src)
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open media: %w", err)
	}
	return f, filepath.Base(path), nil
}
