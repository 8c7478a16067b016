package delivery

import (
	"regexp"
	"strings"
)

// silentToken marks a reply the agent wants suppressed entirely.
const silentToken = "NO_REPLY"

var commentPattern = regexp.MustCompile(`<!--[\s\S]*?-->`)

// StripDirectives removes internal control markers from reply text:
// HTML comments and the silent-reply token.
func StripDirectives(text string) string {
	text = commentPattern.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, silentToken, "")
	return strings.TrimSpace(text)
}

// DirectiveOnly reports whether text carries no user-visible payload once
// control markers are removed.
func DirectiveOnly(text string) bool {
	return StripDirectives(text) == ""
}
