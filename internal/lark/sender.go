package lark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/astrolane/larkbridge/internal/channel"
)

var errEmptyTarget = errors.New("lark target is required")

const attachmentFetchTimeout = 60 * time.Second

// SendText delivers plain text, replying in-thread when a reply handle
// is present.
func (a *Adapter) SendText(ctx context.Context, dest channel.Destination, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("message is required")
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal text content: %w", err)
	}
	return a.sendContent(ctx, dest, larkim.MsgTypeText, string(payload))
}

// SendMarkdown delivers formatted text as an interactive card with a
// single lark_md element.
func (a *Adapter) SendMarkdown(ctx context.Context, dest channel.Destination, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("message is required")
	}
	content, err := buildMarkdownCardContent(text)
	if err != nil {
		return err
	}
	return a.sendContent(ctx, dest, larkim.MsgTypeInteractive, content)
}

// SendAttachment resolves the attachment reference, uploads the bytes
// when needed, and delivers an image or file message.
func (a *Adapter) SendAttachment(ctx context.Context, dest channel.Destination, att channel.Attachment) error {
	var msgType string
	var contentMap map[string]string

	if key := strings.TrimSpace(att.PlatformKey); key != "" {
		if att.IsImage() {
			msgType = larkim.MsgTypeImage
			contentMap = map[string]string{"image_key": key}
		} else {
			msgType = larkim.MsgTypeFile
			contentMap = map[string]string{"file_key": key}
		}
	} else {
		reader, name, err := a.openAttachment(ctx, att)
		if err != nil {
			return err
		}
		defer reader.Close()
		if att.IsImage() {
			key, err := a.UploadImage(ctx, name, reader)
			if err != nil {
				return err
			}
			msgType = larkim.MsgTypeImage
			contentMap = map[string]string{"image_key": key}
		} else {
			key, err := a.uploadFile(ctx, name, att.Mime, reader)
			if err != nil {
				return err
			}
			msgType = larkim.MsgTypeFile
			contentMap = map[string]string{"file_key": key}
		}
	}

	content, err := json.Marshal(contentMap)
	if err != nil {
		return fmt.Errorf("marshal attachment content: %w", err)
	}
	return a.sendContent(ctx, dest, msgType, string(content))
}

// UploadImage uploads image bytes and returns the image key.
func (a *Adapter) UploadImage(ctx context.Context, name string, r io.Reader) (string, error) {
	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(r).
			Build()).
		Build()
	resp, err := a.client.Im.V1.Image.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return "", fmt.Errorf("upload image failed: %s (code: %d)", msg, code)
	}
	if resp.Data == nil || resp.Data.ImageKey == nil {
		return "", fmt.Errorf("upload image failed: empty image key")
	}
	return *resp.Data.ImageKey, nil
}

func (a *Adapter) uploadFile(ctx context.Context, name, mime string, r io.Reader) (string, error) {
	fileName := strings.TrimSpace(name)
	if fileName == "" {
		fileName = "attachment"
	}
	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(resolveFileType(fileName, mime)).
			FileName(fileName).
			File(r).
			Build()).
		Build()
	resp, err := a.client.Im.V1.File.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return "", fmt.Errorf("upload file failed: %s (code: %d)", msg, code)
	}
	if resp.Data == nil || resp.Data.FileKey == nil {
		return "", fmt.Errorf("upload file failed: empty file key")
	}
	return *resp.Data.FileKey, nil
}

func (a *Adapter) openAttachment(ctx context.Context, att channel.Attachment) (io.ReadCloser, string, error) {
	if path := strings.TrimSpace(att.Path); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("open attachment: %w", err)
		}
		name := att.Name
		if name == "" {
			name = f.Name()
		}
		return f, name, nil
	}
	url := strings.TrimSpace(att.URL)
	if url == "" {
		return nil, "", fmt.Errorf("attachment reference is required: provide platform key, path, or url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}
	httpClient := &http.Client{Timeout: attachmentFetchTimeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download attachment: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("download attachment, status: %d", resp.StatusCode)
	}
	return resp.Body, att.Name, nil
}

func (a *Adapter) sendContent(ctx context.Context, dest channel.Destination, msgType, content string) error {
	if replyID := strings.TrimSpace(dest.ReplyMessageID); replyID != "" {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(replyID).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				Content(content).
				MsgType(msgType).
				Uuid(uuid.NewString()).
				Build()).
			Build()
		resp, err := a.client.Im.V1.Message.Reply(ctx, req)
		if err != nil {
			a.logger.Error("reply failed", slog.Any("error", err))
			return err
		}
		if resp == nil || !resp.Success() {
			code, msg := 0, ""
			if resp != nil {
				code, msg = resp.Code, resp.Msg
			}
			a.logger.Error("reply failed", slog.Int("code", code), slog.String("msg", msg))
			return fmt.Errorf("lark reply failed: %s (code: %d)", msg, code)
		}
		return nil
	}

	receiveID, receiveType, err := resolveReceiveID(dest.Target)
	if err != nil {
		return err
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := a.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		a.logger.Error("send failed", slog.Any("error", err))
		return err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		a.logger.Error("send failed", slog.Int("code", code), slog.String("msg", msg))
		return fmt.Errorf("lark send failed: %s (code: %d)", msg, code)
	}
	return nil
}

var cardHeadingPrefix = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

// buildMarkdownCardContent wraps markdown in a one-element interactive
// card. ATX headings render poorly in lark_md, so they become bold lines.
func buildMarkdownCardContent(text string) (string, error) {
	body := cardHeadingPrefix.ReplaceAllString(text, "**$1**")
	card := map[string]any{
		"config": map[string]any{
			"wide_screen_mode": true,
			"enable_forward":   true,
			"update_multi":     true,
		},
		"elements": []map[string]any{
			{
				"tag": "div",
				"fields": []map[string]any{
					{
						"is_short": false,
						"text": map[string]any{
							"tag":     "lark_md",
							"content": body,
						},
					},
				},
			},
		},
	}
	data, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// resolveFileType maps MIME type and filename to the SDK file type.
func resolveFileType(name, mime string) string {
	lower := strings.ToLower(mime)
	lowerName := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.Contains(lower, "mp4") || strings.Contains(lower, "video") || strings.HasSuffix(lowerName, ".mp4"):
		return larkim.FileTypeMp4
	case strings.Contains(lower, "pdf") || strings.HasSuffix(lowerName, ".pdf"):
		return larkim.FileTypePdf
	case strings.Contains(lower, "msword") || strings.HasSuffix(lowerName, ".doc") || strings.HasSuffix(lowerName, ".docx"):
		return larkim.FileTypeDoc
	case strings.Contains(lower, "spreadsheet") || strings.HasSuffix(lowerName, ".xls") || strings.HasSuffix(lowerName, ".xlsx"):
		return larkim.FileTypeXls
	case strings.Contains(lower, "presentation") || strings.HasSuffix(lowerName, ".ppt") || strings.HasSuffix(lowerName, ".pptx"):
		return larkim.FileTypePpt
	default:
		return larkim.FileTypeStream
	}
}
