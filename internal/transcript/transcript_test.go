package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreAppendAndTail(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	key := "lark:bot:group:oc_123"
	for i, text := range []string{"first", "second", "third"} {
		err := s.Append(key, Entry{
			Role:     "assistant",
			Text:     text,
			At:       time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
			Mirrored: i == 1,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := s.Tail(key, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Text != "first" || entries[2].Text != "third" {
		t.Fatalf("order wrong: %+v", entries)
	}
	if !entries[1].Mirrored {
		t.Fatal("mirrored flag dropped")
	}
}

func TestStoreTailLimit(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	for _, text := range []string{"a", "b", "c", "d"} {
		if err := s.Append("k", Entry{Role: "assistant", Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := s.Tail("k", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Text != "c" || entries[1].Text != "d" {
		t.Fatalf("want last two, got %+v", entries)
	}
}

func TestStoreTailMissingFile(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	entries, err := s.Tail("never-written", 5)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if entries != nil {
		t.Fatalf("want nil, got %+v", entries)
	}
}

func TestStoreTailSkipsGarbageLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Append("k", Entry{Role: "assistant", Text: "good"}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "k.jsonl"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{broken\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := s.Append("k", Entry{Role: "assistant", Text: "also good"}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Tail("k", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestSanitizeSessionKey(t *testing.T) {
	t.Parallel()

	got := sanitize("lark:bot/1:group:oc_a.b")
	if got != "lark_bot_1_group_oc_a.b" {
		t.Fatalf("sanitize = %q", got)
	}
}

func TestStoreDisabledDir(t *testing.T) {
	t.Parallel()

	s := NewStore("")
	if err := s.Append("k", Entry{Text: "x"}); err != nil {
		t.Fatalf("append on disabled store: %v", err)
	}
	entries, err := s.Tail("k", 5)
	if err != nil || entries != nil {
		t.Fatalf("tail on disabled store: %v %v", entries, err)
	}
}
