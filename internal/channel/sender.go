package channel

import (
	"context"
	"io"
)

// Sender is the verb-level outbound surface of the chat platform. The
// delivery router decides what to send; implementations decide how the
// platform wants it framed.
type Sender interface {
	// SendText delivers plain text, replying in-thread when the
	// destination carries a reply handle.
	SendText(ctx context.Context, dest Destination, text string) error
	// SendMarkdown delivers markdown-formatted text.
	SendMarkdown(ctx context.Context, dest Destination, text string) error
	// SendAttachment resolves the attachment reference (URL, local path,
	// or platform key), uploads when needed, and delivers it as an image
	// or generic file message.
	SendAttachment(ctx context.Context, dest Destination, att Attachment) error
	// UploadImage uploads image bytes and returns the platform key for
	// inline markdown references.
	UploadImage(ctx context.Context, name string, r io.Reader) (string, error)
}

// AttachmentResolver fetches the bytes of a platform-keyed inbound
// attachment. User-sent resources are scoped to the message that carried
// them, so the message id is required alongside the key.
type AttachmentResolver interface {
	ResolveAttachment(ctx context.Context, messageID string, att Attachment) (io.ReadCloser, string, error)
}
