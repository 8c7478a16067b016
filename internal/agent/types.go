// Package agent defines the contract with the conversational-agent runtime
// and an HTTP gateway client implementing it.
package agent

import "context"

// ChunkKind tags a unit of agent output. A run is zero or more block
// chunks followed by at most one final chunk; a run may legitimately end
// with no final chunk at all.
type ChunkKind string

const (
	ChunkBlock ChunkKind = "block"
	ChunkFinal ChunkKind = "final"
)

// Chunk is one unit of agent output.
type Chunk struct {
	Kind      ChunkKind
	Text      string
	MediaRefs []string
}

// Request describes one run to dispatch.
type Request struct {
	SessionID   string
	AgentID     string
	Text        string
	SenderID    string
	Attachments []string
	Metadata    map[string]string
}

// Result summarizes what the runtime produced.
type Result struct {
	Blocks int
	Finals int
}

// DeliverFunc receives each chunk as the runtime produces it. Errors are
// reported to the caller's logs; they do not abort the run.
type DeliverFunc func(ctx context.Context, chunk Chunk) error

// Runtime dispatches a run and streams its output through deliver.
type Runtime interface {
	Dispatch(ctx context.Context, req Request, deliver DeliverFunc) (Result, error)
}
