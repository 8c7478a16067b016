package lark

import (
	"context"
	"fmt"
	"io"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/astrolane/larkbridge/internal/channel"
)

// ResolveAttachment fetches a user-sent resource through the
// message-resource API, which needs both the carrying message id and the
// file key. Returns the byte stream and the reported file name.
func (a *Adapter) ResolveAttachment(ctx context.Context, messageID string, att channel.Attachment) (io.ReadCloser, string, error) {
	fileKey := strings.TrimSpace(att.PlatformKey)
	if fileKey == "" {
		return nil, "", fmt.Errorf("attachment platform key is required")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, "", fmt.Errorf("attachment message id is required")
	}

	resourceType := "file"
	if att.IsImage() {
		resourceType = "image"
	}
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resourceType).
		Build()
	resp, err := a.client.Im.V1.MessageResource.Get(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("download resource: %w", err)
	}
	if !resp.Success() {
		return nil, "", fmt.Errorf("download resource: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.File == nil {
		return nil, "", fmt.Errorf("download resource: empty payload")
	}

	name := strings.TrimSpace(att.Name)
	if name == "" {
		name = strings.TrimSpace(resp.FileName)
	}
	if name == "" {
		name = fileKey
	}
	return io.NopCloser(resp.File), name, nil
}
