package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gosling/internal/providers"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAppendAndReadMessages(t *testing.T) {
	s := newStore(t)

	msgs := []providers.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "bye"},
	}
	for _, m := range msgs {
		if err := s.AppendMessage("chat-1", m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.ReadMessages("chat-1")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i := range msgs {
		if got[i].Role != msgs[i].Role || got[i].Content != msgs[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, got[i], msgs[i])
		}
	}
}

func TestReadMessages_MissingLogIsEmpty(t *testing.T) {
	s := newStore(t)
	got, err := s.ReadMessages("never-written")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d messages, want 0", len(got))
	}
}

func TestReadMessages_PartialTrailingLineSkipped(t *testing.T) {
	s := newStore(t)
	if err := s.AppendMessage("crashy", providers.Message{Role: "user", Content: "ok"}); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-append: a truncated JSON line at the end.
	f, err := os.OpenFile(s.MessagesPath("crashy"), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"role":"user","con`)
	f.Close()

	got, err := s.ReadMessages("crashy")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(got) != 1 || got[0].Content != "ok" {
		t.Errorf("got %+v, want the one intact message", got)
	}
}

func TestReadMetadata_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.ReadMetadata("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateAndReadMetadata(t *testing.T) {
	s := newStore(t)

	meta := &Metadata{
		WorkingDir:   "/tmp/work",
		Description:  "test session",
		ScheduleID:   "job-1",
		MessageCount: 2,
		InputTokens:  100,
		OutputTokens: 50,
		TotalTokens:  150,
	}
	if err := s.UpdateMetadata("sess", meta); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	got, err := s.ReadMetadata("sess")
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if got.WorkingDir != "/tmp/work" || got.ScheduleID != "job-1" || got.TotalTokens != 150 {
		t.Errorf("metadata = %+v", got)
	}
	if got.Updated.IsZero() || got.Created.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestSaveMessagesWithMetadata_ForcesMessageCount(t *testing.T) {
	s := newStore(t)

	msgs := []providers.Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
	}
	meta := &Metadata{Description: "d", MessageCount: 99}
	if err := s.SaveMessagesWithMetadata("sess", meta, msgs); err != nil {
		t.Fatalf("SaveMessagesWithMetadata: %v", err)
	}

	got, err := s.ReadMetadata("sess")
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 2 {
		t.Errorf("message_count = %d, want 2 (metadata is source of truth)", got.MessageCount)
	}

	read, err := s.ReadMessages("sess")
	if err != nil {
		t.Fatal(err)
	}
	if len(read) != 2 {
		t.Errorf("messages = %d, want 2", len(read))
	}
}

func TestListBySchedule(t *testing.T) {
	s := newStore(t)

	for _, name := range []string{"run-a", "run-b", "other"} {
		scheduleID := "job-x"
		if name == "other" {
			scheduleID = "job-y"
		}
		meta := &Metadata{Description: name, ScheduleID: scheduleID}
		if err := s.UpdateMetadata(name, meta); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond) // distinct Updated timestamps
	}

	infos, err := s.ListBySchedule("job-x", 10)
	if err != nil {
		t.Fatalf("ListBySchedule: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d sessions, want 2", len(infos))
	}
	// Newest first.
	if infos[0].Name != "run-b" || infos[1].Name != "run-a" {
		t.Errorf("order = %s, %s, want run-b, run-a", infos[0].Name, infos[1].Name)
	}

	limited, err := s.ListBySchedule("job-x", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Name != "run-b" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestNameSanitization(t *testing.T) {
	s := newStore(t)

	weird := "job:with/odd chars!"
	if err := s.AppendMessage(weird, providers.Message{Role: "user", Content: "x"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	// The same name always maps to the same files.
	got, err := s.ReadMessages(weird)
	if err != nil || len(got) != 1 {
		t.Errorf("round-trip failed: %v, %d messages", err, len(got))
	}
	if strings.ContainsAny(filepath.Base(s.MessagesPath(weird)), ":! ") {
		t.Errorf("path not sanitized: %s", s.MessagesPath(weird))
	}
}
