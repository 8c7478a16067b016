package delivery

import "strings"

// FormatMarkdown rewrites agent markdown for the platform renderer.
// Tables render poorly natively, so table blocks become fenced code
// blocks. Single newlines between non-blank lines are collapsed by the
// renderer, so a blank line is inserted between them. Fenced code blocks
// pass through untouched.
func FormatMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	inFence := false
	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out = append(out, line)
			i++
			continue
		}
		if inFence {
			out = append(out, line)
			i++
			continue
		}
		if isTableLine(trimmed) {
			j := i
			for j < len(lines) && isTableLine(strings.TrimSpace(lines[j])) {
				j++
			}
			out = append(out, "```")
			out = append(out, lines[i:j]...)
			out = append(out, "```")
			i = j
			continue
		}
		out = append(out, line)
		i++
	}
	return hardBreaks(out)
}

func isTableLine(trimmed string) bool {
	return strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
}

// hardBreaks inserts a blank line between adjacent non-blank lines
// outside code fences.
func hardBreaks(lines []string) string {
	var out []string
	inFence := false
	for i, line := range lines {
		out = append(out, line)
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || trimmed == "" {
			continue
		}
		if i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if next != "" && !strings.HasPrefix(next, "```") {
				out = append(out, "")
			}
		}
	}
	return strings.Join(out, "\n")
}
