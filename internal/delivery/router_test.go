package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrolane/larkbridge/internal/agent"
	"github.com/astrolane/larkbridge/internal/card"
	"github.com/astrolane/larkbridge/internal/channel"
	"github.com/astrolane/larkbridge/internal/prune"
)

type fakeSender struct {
	texts       []string
	markdowns   []string
	attachments []channel.Attachment
	uploads     []string
	failText    bool
	failMD      bool
	failAttach  bool
	failUpload  bool
}

func (f *fakeSender) SendText(_ context.Context, _ channel.Destination, text string) error {
	if f.failText {
		return fmt.Errorf("text transport down")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendMarkdown(_ context.Context, _ channel.Destination, text string) error {
	if f.failMD {
		return fmt.Errorf("markdown transport down")
	}
	f.markdowns = append(f.markdowns, text)
	return nil
}

func (f *fakeSender) SendAttachment(_ context.Context, _ channel.Destination, att channel.Attachment) error {
	if f.failAttach {
		return fmt.Errorf("attachment transport down")
	}
	f.attachments = append(f.attachments, att)
	return nil
}

func (f *fakeSender) UploadImage(_ context.Context, name string, r io.Reader) (string, error) {
	if f.failUpload {
		return "", fmt.Errorf("upload failed")
	}
	io.Copy(io.Discard, r)
	f.uploads = append(f.uploads, name)
	return "img_key_" + name, nil
}

type stubCardGateway struct {
	fail   bool
	pushes int
}

func (s *stubCardGateway) Create(context.Context, string, string) (string, error) {
	if s.fail {
		return "", fmt.Errorf("card api down")
	}
	return "card_1", nil
}
func (s *stubCardGateway) Deliver(context.Context, string, string, string) (string, error) {
	return "msg_1", nil
}
func (s *stubCardGateway) SetComposing(context.Context, string, int) error { return nil }
func (s *stubCardGateway) StreamText(context.Context, string, string, string, int, bool) error {
	s.pushes++
	return nil
}
func (s *stubCardGateway) Finish(context.Context, string, string, string, int) error { return nil }

var testDest = channel.Destination{Target: "chat_id:oc_1", ChatKind: channel.ChatGroup}

func TestDeliverPlainFinal(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := NewRouter(nil, sender, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{}, agent.Chunk{Kind: agent.ChunkFinal, Text: "hello"}, &run)
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, sender.texts)
	assert.True(t, run.Delivered())
	assert.Equal(t, 1, run.Deliveries())
}

func TestDeliverOversizedTextClipped(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := NewRouter(nil, sender, nil)
	var run RunState
	huge := strings.Repeat("long answer line\n", 20_000)
	err := r.Deliver(context.Background(), "s1", testDest, Policy{}, agent.Chunk{Kind: agent.ChunkFinal, Text: huge}, &run)
	require.NoError(t, err)
	require.Len(t, sender.texts, 1)
	assert.LessOrEqual(t, len(sender.texts[0]), prune.MaxMessageBytes)
	assert.Contains(t, sender.texts[0], "[...snip...]")
}

func TestDeliverMarkdownFormatting(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := NewRouter(nil, sender, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{Markdown: true}, agent.Chunk{Kind: agent.ChunkFinal, Text: "line one\nline two"}, &run)
	require.NoError(t, err)
	require.Len(t, sender.markdowns, 1)
	assert.Equal(t, "line one\n\nline two", sender.markdowns[0])
	assert.Empty(t, sender.texts)
}

func TestDeliverMarkdownFailureRetriesPlain(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{failMD: true}
	r := NewRouter(nil, sender, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{Markdown: true}, agent.Chunk{Kind: agent.ChunkFinal, Text: "hello"}, &run)
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, sender.texts)
	assert.True(t, run.Delivered())
}

func TestDeliverBlockSuppression(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := NewRouter(nil, sender, nil)
	var run RunState

	err := r.Deliver(context.Background(), "s1", testDest, Policy{}, agent.Chunk{Kind: agent.ChunkBlock, Text: "partial"}, &run)
	require.NoError(t, err)
	assert.Empty(t, sender.texts)
	assert.False(t, run.Delivered())

	err = r.Deliver(context.Background(), "s1", testDest, Policy{StreamPartials: true}, agent.Chunk{Kind: agent.ChunkBlock, Text: "partial"}, &run)
	require.NoError(t, err)
	assert.Equal(t, []string{"partial"}, sender.texts)
}

func TestDeliverDirectiveOnlyDropped(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := NewRouter(nil, sender, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{}, agent.Chunk{Kind: agent.ChunkFinal, Text: "NO_REPLY <!-- handled -->"}, &run)
	require.NoError(t, err)
	assert.Empty(t, sender.texts)
	assert.False(t, run.Delivered())
}

func TestDeliverImplicitPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf"), 0o644))

	sender := &fakeSender{}
	r := NewRouter(nil, sender, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{}, agent.Chunk{Kind: agent.ChunkFinal, Text: path}, &run)
	require.NoError(t, err)
	assert.Empty(t, sender.texts)
	require.Len(t, sender.attachments, 1)
	assert.Equal(t, channel.AttachmentFile, sender.attachments[0].Type)
	assert.Equal(t, path, sender.attachments[0].Path)
	assert.True(t, run.Delivered())
}

func TestDeliverImplicitPathImage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "plot.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))

	sender := &fakeSender{}
	r := NewRouter(nil, sender, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{}, agent.Chunk{Kind: agent.ChunkFinal, Text: path}, &run)
	require.NoError(t, err)
	require.Len(t, sender.attachments, 1)
	assert.Equal(t, channel.AttachmentImage, sender.attachments[0].Type)
}

func TestDeliverInlineImageTag(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "chart.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))

	sender := &fakeSender{}
	r := NewRouter(nil, sender, nil)
	var run RunState
	text := fmt.Sprintf(`Here is the chart <image src="%s"/> as requested.`, path)
	err := r.Deliver(context.Background(), "s1", testDest, Policy{}, agent.Chunk{Kind: agent.ChunkFinal, Text: text}, &run)
	require.NoError(t, err)
	require.Len(t, sender.texts, 1)
	assert.Contains(t, sender.texts[0], "![image](img_key_chart.png)")
	assert.NotContains(t, sender.texts[0], "<image")
	assert.Equal(t, []string{"chart.png"}, sender.uploads)
}

func TestDeliverFileTagQueuedAsFollowup(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := NewRouter(nil, sender, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{},
		agent.Chunk{Kind: agent.ChunkFinal, Text: `Done. <file src="/tmp/out.zip"/>`}, &run)
	require.NoError(t, err)
	require.Equal(t, []string{"Done."}, sender.texts)
	require.Len(t, sender.attachments, 1)
	assert.Equal(t, channel.AttachmentFile, sender.attachments[0].Type)
	assert.Equal(t, "/tmp/out.zip", sender.attachments[0].Path)
	assert.Equal(t, 2, run.Deliveries())
}

func TestDeliverCardMode(t *testing.T) {
	t.Parallel()

	gw := &stubCardGateway{}
	cards := card.NewMachine(nil, gw, "tpl_1", "markdown_1", 0)
	sender := &fakeSender{}
	r := NewRouter(nil, sender, cards)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{Card: true}, agent.Chunk{Kind: agent.ChunkFinal, Text: "answer"}, &run)
	require.NoError(t, err)
	assert.Empty(t, sender.texts)
	assert.Equal(t, 1, gw.pushes)
	assert.True(t, run.Delivered())
}

func TestDeliverCardFailureFallsBackToText(t *testing.T) {
	t.Parallel()

	gw := &stubCardGateway{fail: true}
	cards := card.NewMachine(nil, gw, "tpl_1", "markdown_1", 0)
	sender := &fakeSender{}
	r := NewRouter(nil, sender, cards)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{Card: true}, agent.Chunk{Kind: agent.ChunkFinal, Text: "answer"}, &run)
	require.NoError(t, err)
	require.Equal(t, []string{"answer"}, sender.texts)
	assert.True(t, run.Delivered())
}

func TestDeliverCardFailureBlockChunkNotSuppressed(t *testing.T) {
	t.Parallel()

	// The failed card has already dropped its accumulated text, so the
	// fallback goes out even though partial streaming is off.
	gw := &stubCardGateway{fail: true}
	cards := card.NewMachine(nil, gw, "tpl_1", "markdown_1", 0)
	sender := &fakeSender{}
	r := NewRouter(nil, sender, cards)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{Card: true}, agent.Chunk{Kind: agent.ChunkBlock, Text: "partial"}, &run)
	require.NoError(t, err)
	require.Equal(t, []string{"partial"}, sender.texts)
	assert.True(t, run.Delivered())
}

func TestDeliverFinalFailureSendsNotice(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{failMD: true, failText: true}
	r := NewRouter(nil, sender, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{Markdown: true}, agent.Chunk{Kind: agent.ChunkFinal, Text: "answer"}, &run)
	require.Error(t, err)
	assert.False(t, run.Delivered())
}

func TestDeliverFinalFailureNoticeDelivered(t *testing.T) {
	t.Parallel()

	// Markdown path fails, plain retry fails once, then the transport
	// recovers for the notice.
	sender := &noticeSender{failFirstTexts: 1}
	r := NewRouter(nil, sender, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{}, agent.Chunk{Kind: agent.ChunkFinal, Text: "answer"}, &run)
	require.Error(t, err)
	require.Len(t, sender.texts, 1)
	assert.Contains(t, sender.texts[0], "Reply delivery failed")
	assert.True(t, run.Delivered())
}

type noticeSender struct {
	fakeSender
	failFirstTexts int
}

func (n *noticeSender) SendText(ctx context.Context, dest channel.Destination, text string) error {
	if n.failFirstTexts > 0 {
		n.failFirstTexts--
		return fmt.Errorf("text transport down")
	}
	return n.fakeSender.SendText(ctx, dest, text)
}

func TestDeliverNoDestination(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil, &fakeSender{}, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", channel.Destination{}, Policy{}, agent.Chunk{Kind: agent.ChunkFinal, Text: "x"}, &run)
	require.Error(t, err)
}

func TestDeliverExplicitMediaRefs(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	r := NewRouter(nil, sender, nil)
	var run RunState
	err := r.Deliver(context.Background(), "s1", testDest, Policy{},
		agent.Chunk{Kind: agent.ChunkFinal, Text: "see attached", MediaRefs: []string{"https://example.com/pic.png", "/tmp/data.csv"}}, &run)
	require.NoError(t, err)
	require.Len(t, sender.attachments, 2)
	assert.Equal(t, channel.AttachmentImage, sender.attachments[0].Type)
	assert.Equal(t, "https://example.com/pic.png", sender.attachments[0].URL)
	assert.Equal(t, channel.AttachmentFile, sender.attachments[1].Type)
	assert.Equal(t, 3, run.Deliveries())
}
