package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxTailBytes bounds how much of a transcript file is read when looking
// for recent entries. Older content is ignored.
const maxTailBytes = 256 * 1024

// Entry is one line of a session transcript.
type Entry struct {
	Role     string    `json:"role"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
	Mirrored bool      `json:"mirrored,omitempty"`
}

// Store reads and appends JSONL transcripts, one file per session key.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: strings.TrimSpace(dir)}
}

// Append writes one entry to the session's transcript file.
func (s *Store) Append(sessionKey string, e Entry) error {
	if s.dir == "" {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(s.path(sessionKey), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Tail returns up to limit most recent entries for the session, oldest
// first. Only the trailing maxTailBytes of the file are considered.
func (s *Store) Tail(sessionKey string, limit int) ([]Entry, error) {
	if s.dir == "" || limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(s.path(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := int64(0)
	if info.Size() > maxTailBytes {
		offset = info.Size() - maxTailBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTailBytes)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// The first line after a mid-file seek is usually truncated.
		if first {
			first = false
			if offset > 0 {
				continue
			}
		}
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (s *Store) path(sessionKey string) string {
	return filepath.Join(s.dir, sanitize(sessionKey)+".jsonl")
}

func sanitize(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
