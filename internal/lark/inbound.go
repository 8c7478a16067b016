package lark

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/astrolane/larkbridge/internal/channel"
)

// extractInbound converts a message-receive event into the normalized
// inbound form. botOpenID filters mentions; when it is empty any mention
// counts as a bot mention.
func extractInbound(event *larkim.P2MessageReceiveV1, botOpenID string) channel.InboundMessage {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return channel.InboundMessage{ReceivedAt: time.Now().UTC()}
	}
	message := event.Event.Message

	msg := channel.InboundMessage{ReceivedAt: time.Now().UTC()}
	if message.MessageId != nil {
		msg.MessageID = strings.TrimSpace(*message.MessageId)
	}
	if message.ChatId != nil {
		msg.ChatID = strings.TrimSpace(*message.ChatId)
	}
	chatType := ""
	if message.ChatType != nil {
		chatType = strings.TrimSpace(*message.ChatType)
	}
	if chatType == "p2p" {
		msg.ChatKind = channel.ChatDirect
	} else {
		msg.ChatKind = channel.ChatGroup
	}

	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		if event.Event.Sender.SenderId.OpenId != nil {
			msg.SenderOpenID = strings.TrimSpace(*event.Event.Sender.SenderId.OpenId)
		}
		if event.Event.Sender.SenderId.UserId != nil {
			msg.SenderUserID = strings.TrimSpace(*event.Event.Sender.SenderId.UserId)
		}
	}

	var contentMap map[string]any
	if message.Content != nil {
		if err := json.Unmarshal([]byte(*message.Content), &contentMap); err != nil {
			slog.Warn("lark inbound: unmarshal content failed", slog.Any("error", err))
		}
	}
	msg.Mentioned = isBotMentioned(contentMap, message.Mentions, botOpenID)

	if message.MessageType != nil {
		switch *message.MessageType {
		case larkim.MsgTypeText:
			if text, ok := contentMap["text"].(string); ok {
				msg.Text = stripAtTokens(text)
			}
		case larkim.MsgTypePost:
			msg.Text = extractPostText(contentMap)
			msg.Attachments = append(msg.Attachments, extractPostAttachments(contentMap)...)
		case larkim.MsgTypeImage:
			if key, ok := contentMap["image_key"].(string); ok {
				msg.Attachments = append(msg.Attachments, channel.Attachment{
					Type:        channel.AttachmentImage,
					PlatformKey: strings.TrimSpace(key),
				})
			}
		case larkim.MsgTypeFile, larkim.MsgTypeAudio, larkim.MsgTypeMedia:
			if key, ok := contentMap["file_key"].(string); ok {
				attType := channel.AttachmentFile
				switch *message.MessageType {
				case larkim.MsgTypeAudio:
					attType = channel.AttachmentAudio
				case larkim.MsgTypeMedia:
					attType = channel.AttachmentVideo
				}
				name, _ := contentMap["file_name"].(string)
				msg.Attachments = append(msg.Attachments, channel.Attachment{
					Type:        attType,
					PlatformKey: strings.TrimSpace(key),
					Name:        strings.TrimSpace(name),
				})
			}
		}
	}

	switch {
	case msg.ChatKind.IsGroup() && msg.ChatID != "":
		msg.ReplyTarget = "chat_id:" + msg.ChatID
	case msg.SenderOpenID != "":
		msg.ReplyTarget = "open_id:" + msg.SenderOpenID
	case msg.SenderUserID != "":
		msg.ReplyTarget = "user_id:" + msg.SenderUserID
	}
	return msg
}

var atTokenPattern = regexp.MustCompile(`@_user_\d+\s?`)

// stripAtTokens removes the @_user_N placeholders a mention leaves in the
// text body so the agent sees clean prose.
func stripAtTokens(text string) string {
	return strings.TrimSpace(atTokenPattern.ReplaceAllString(text, ""))
}

func isBotMentioned(contentMap map[string]any, mentions []*larkim.MentionEvent, botOpenID string) bool {
	botOpenID = strings.TrimSpace(botOpenID)
	if botOpenID == "" {
		if len(mentions) > 0 {
			return true
		}
		if text, ok := contentMap["text"].(string); ok {
			lower := strings.ToLower(text)
			return strings.Contains(lower, "@_user_") || strings.Contains(lower, "<at ")
		}
		return false
	}
	for _, m := range mentions {
		if m == nil || m.Id == nil || m.Id.OpenId == nil {
			continue
		}
		if strings.TrimSpace(*m.Id.OpenId) == botOpenID {
			return true
		}
	}
	return matchContentMention(contentMap, botOpenID)
}

// matchContentMention walks rich-text at tags for the bot's open_id.
func matchContentMention(raw any, botOpenID string) bool {
	switch value := raw.(type) {
	case map[string]any:
		if tag, ok := value["tag"].(string); ok && strings.EqualFold(strings.TrimSpace(tag), "at") {
			if uid, ok := value["user_id"].(string); ok && strings.TrimSpace(uid) == botOpenID {
				return true
			}
			if uid, ok := value["open_id"].(string); ok && strings.TrimSpace(uid) == botOpenID {
				return true
			}
		}
		for _, child := range value {
			if matchContentMention(child, botOpenID) {
				return true
			}
		}
	case []any:
		for _, child := range value {
			if matchContentMention(child, botOpenID) {
				return true
			}
		}
	}
	return false
}

func postContentLines(contentMap map[string]any) []any {
	if lines, ok := contentMap["content"].([]any); ok {
		return lines
	}
	return nil
}

func extractPostText(contentMap map[string]any) string {
	var parts []string
	for _, rawLine := range postContentLines(contentMap) {
		line, ok := rawLine.([]any)
		if !ok {
			continue
		}
		for _, rawPart := range line {
			part, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				if t := strings.TrimSpace(text); t != "" {
					parts = append(parts, t)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

func extractPostAttachments(contentMap map[string]any) []channel.Attachment {
	var result []channel.Attachment
	for _, rawLine := range postContentLines(contentMap) {
		line, ok := rawLine.([]any)
		if !ok {
			continue
		}
		for _, rawPart := range line {
			part, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			tag, _ := part["tag"].(string)
			switch strings.ToLower(strings.TrimSpace(tag)) {
			case "img":
				if key, ok := part["image_key"].(string); ok && strings.TrimSpace(key) != "" {
					result = append(result, channel.Attachment{
						Type:        channel.AttachmentImage,
						PlatformKey: strings.TrimSpace(key),
					})
				}
			case "file":
				if key, ok := part["file_key"].(string); ok && strings.TrimSpace(key) != "" {
					name, _ := part["file_name"].(string)
					result = append(result, channel.Attachment{
						Type:        channel.AttachmentFile,
						PlatformKey: strings.TrimSpace(key),
						Name:        strings.TrimSpace(name),
					})
				}
			}
		}
	}
	return result
}

// resolveReceiveID parses a prefixed target into the id and the SDK
// receive_id_type.
func resolveReceiveID(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", errEmptyTarget
	}
	if id, ok := strings.CutPrefix(raw, "open_id:"); ok {
		return id, larkim.ReceiveIdTypeOpenId, nil
	}
	if id, ok := strings.CutPrefix(raw, "user_id:"); ok {
		return id, larkim.ReceiveIdTypeUserId, nil
	}
	if id, ok := strings.CutPrefix(raw, "chat_id:"); ok {
		return id, larkim.ReceiveIdTypeChatId, nil
	}
	return raw, larkim.ReceiveIdTypeOpenId, nil
}
