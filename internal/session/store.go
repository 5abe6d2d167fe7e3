// Package session persists conversations as two files per session: an
// append-only messages log (one JSON message per line) and a metadata
// sidecar. The metadata is the source of truth for message_count.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gosling/internal/providers"
)

// ErrNotFound is returned when a session has no metadata on disk.
var ErrNotFound = errors.New("session not found")

const (
	messagesExt = ".jsonl"
	metadataExt = ".meta.json"
)

// Metadata is the per-session sidecar record.
type Metadata struct {
	WorkingDir   string `json:"working_dir"`
	Description  string `json:"description"`
	ScheduleID   string `json:"schedule_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	MessageCount int    `json:"message_count"`

	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`

	AccumulatedInputTokens  int64 `json:"accumulated_input_tokens"`
	AccumulatedOutputTokens int64 `json:"accumulated_output_tokens"`
	AccumulatedTotalTokens  int64 `json:"accumulated_total_tokens"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Info pairs a session name with its metadata, for listings.
type Info struct {
	Name     string
	Metadata Metadata
}

// Store maps session names to file pairs under a base directory.
type Store struct {
	dir string
}

// NewStore creates the base directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.dir }

// MessagesPath returns the messages log path for a session name.
func (s *Store) MessagesPath(name string) string {
	return filepath.Join(s.dir, sanitizeName(name)+messagesExt)
}

// MetadataPath returns the metadata sidecar path for a session name.
func (s *Store) MetadataPath(name string) string {
	return filepath.Join(s.dir, sanitizeName(name)+metadataExt)
}

// ReadMessages returns the ordered message log. A missing log reads as empty.
// Lines that fail to parse are skipped; a crash mid-append leaves at most one
// partial trailing line.
func (s *Store) ReadMessages(name string) ([]providers.Message, error) {
	f, err := os.Open(s.MessagesPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session messages: %w", err)
	}
	defer f.Close()

	var msgs []providers.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg providers.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session messages: %w", err)
	}
	return msgs, nil
}

// ReadMetadata returns the session metadata, or ErrNotFound when absent.
func (s *Store) ReadMetadata(name string) (*Metadata, error) {
	data, err := os.ReadFile(s.MetadataPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("read session metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse session metadata: %w", err)
	}
	return &meta, nil
}

// AppendMessage appends one message to the log as a single line write
// followed by fsync. A crash mid-write can leave a partial trailing line,
// which ReadMessages skips, so readers see the log either unchanged or with
// the line fully written.
func (s *Store) AppendMessage(name string, msg providers.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(s.MessagesPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open session messages: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync session messages: %w", err)
	}
	return nil
}

// SaveMessagesWithMetadata rewrites both files, each atomically with respect
// to itself. MessageCount is forced to len(msgs).
func (s *Store) SaveMessagesWithMetadata(name string, meta *Metadata, msgs []providers.Message) error {
	meta.MessageCount = len(msgs)

	var buf strings.Builder
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := atomicWrite(s.dir, s.MessagesPath(name), []byte(buf.String())); err != nil {
		return fmt.Errorf("write session messages: %w", err)
	}

	return s.UpdateMetadata(name, meta)
}

// UpdateMetadata replaces the metadata sidecar atomically.
func (s *Store) UpdateMetadata(name string, meta *Metadata) error {
	now := time.Now()
	if meta.Created.IsZero() {
		meta.Created = now
	}
	meta.Updated = now

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	if err := atomicWrite(s.dir, s.MetadataPath(name), data); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	return nil
}

// List returns all session names, unordered.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metadataExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), metadataExt))
	}
	return names, nil
}

// ListBySchedule returns the most recent limit sessions whose metadata
// carries the given schedule id, newest first.
func (s *Store) ListBySchedule(scheduleID string, limit int) ([]Info, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, name := range names {
		meta, err := s.ReadMetadata(name)
		if err != nil {
			continue
		}
		if meta.ScheduleID != scheduleID {
			continue
		}
		infos = append(infos, Info{Name: name, Metadata: *meta})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Metadata.Updated.After(infos[j].Metadata.Updated)
	})
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// atomicWrite writes via temp file + fsync + rename in the target directory.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".write-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// sanitizeName makes a free-form session name safe as a file stem. The
// mapping is deterministic so a name always addresses the same pair of files.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
