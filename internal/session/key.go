// Package session provides conversation-scoped identity and strict per-key
// serial execution for agent runs.
package session

import "strings"

// Key builds the stable session key for a conversation:
// lark:<botID>:<chatKind>:<chatID>, with the sender appended for group chats
// when per-sender isolation is enabled. Identical inputs always yield the
// same key; distinct conversations never collide.
func Key(botID, chatKind, chatID, senderID string, perSender bool) string {
	parts := []string{"lark", strings.TrimSpace(botID), strings.TrimSpace(chatKind), strings.TrimSpace(chatID)}
	if perSender && !isDirectKind(chatKind) {
		if sender := strings.TrimSpace(senderID); sender != "" {
			parts = append(parts, sender)
		}
	}
	return strings.Join(parts, ":")
}

func isDirectKind(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "direct", "p2p", "private":
		return true
	}
	return false
}
