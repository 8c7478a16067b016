// Package channel defines the platform-facing message types and the
// verb-level send surface the dispatch pipeline drives.
package channel

import (
	"path/filepath"
	"strings"
	"time"
)

// ChatKind distinguishes direct conversations from group chats.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// IsGroup reports whether the kind is a group conversation.
func (k ChatKind) IsGroup() bool {
	return k == ChatGroup
}

// AttachmentType classifies a binary attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
)

// Attachment references binary content by exactly one of URL, local path,
// or platform key.
type Attachment struct {
	Type        AttachmentType
	URL         string
	Path        string
	PlatformKey string
	Name        string
	Mime        string
}

// IsImage reports whether the attachment should be sent as an image.
func (a Attachment) IsImage() bool {
	if a.Type == AttachmentImage {
		return true
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Mime)), "image/") {
		return true
	}
	ref := a.URL
	if ref == "" {
		ref = a.Path
	}
	switch strings.ToLower(filepath.Ext(stripQuery(ref))) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return true
	}
	return false
}

func stripQuery(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}

// InboundMessage is one normalized platform event. Immutable once received.
type InboundMessage struct {
	MessageID    string
	ChatID       string
	ChatKind     ChatKind
	SenderOpenID string
	SenderUserID string
	Text         string
	Attachments  []Attachment
	Mentioned    bool
	ReplyTarget  string
	ReceivedAt   time.Time
}

// SenderID returns the strongest available sender identifier.
func (m InboundMessage) SenderID() string {
	if id := strings.TrimSpace(m.SenderOpenID); id != "" {
		return id
	}
	return strings.TrimSpace(m.SenderUserID)
}

// Destination describes where a reply goes: a prefixed delivery target
// (open_id:/user_id:/chat_id:) and, when replying in-thread, the message
// being answered.
type Destination struct {
	Target         string
	ReplyMessageID string
	ChatKind       ChatKind
}

// HasTarget reports whether the destination can receive anything at all.
func (d Destination) HasTarget() bool {
	return strings.TrimSpace(d.Target) != ""
}
