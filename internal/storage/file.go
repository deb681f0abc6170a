package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/support-relay/internal/model"
)

const (
	recordMessage     = "message"
	recordSuggestions = "suggestions"
	recordStatus      = "status"

	maxRecordSize = 4 * 1024 * 1024
)

// fileRecord is one JSON line in the append-only log.
type fileRecord struct {
	Kind           string                    `json:"kind"`
	At             string                    `json:"at"`
	ConversationID string                    `json:"conversationId"`
	Message        *model.NormalizedMessage  `json:"message,omitempty"`
	Revision       int64                     `json:"revision,omitempty"`
	Suggestions    []string                  `json:"suggestions,omitempty"`
	Status         *model.ConversationStatus `json:"status,omitempty"`
}

// FileTier is an append-only JSON-lines log. The log is replayed into an
// index on open; every later append is applied to the index only after it
// reached the file, so reads never observe records the log does not hold.
type FileTier struct {
	path string
	sync bool

	mu      sync.Mutex
	file    *os.File
	index   *MemoryTier
	skipped int
	now     func() time.Time
}

// NewFileTier opens (or creates) the log at path and replays it.
func NewFileTier(path string) (*FileTier, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file tier path is required")
	}
	t := &FileTier{
		path:  path,
		sync:  true,
		index: NewMemoryTier(),
		now:   time.Now,
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	if err := t.openAppend(); err != nil {
		return nil, err
	}
	return t, nil
}

// Name returns the tier name.
func (t *FileTier) Name() string { return "file" }

// Path returns the log location.
func (t *FileTier) Path() string { return t.path }

// Skipped returns the number of malformed lines ignored during replay.
func (t *FileTier) Skipped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipped
}

func (t *FileTier) load() error {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open file tier: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line after a crash is expected; skip it.
			t.skipped++
			continue
		}
		t.apply(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to replay file tier: %w", err)
	}
	return nil
}

func (t *FileTier) openAppend() error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("failed to create file tier directory: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open file tier for append: %w", err)
	}
	t.file = f
	return nil
}

func (t *FileTier) apply(rec fileRecord) {
	at, err := model.ParseTimestamp(rec.At)
	if err != nil {
		at = t.now()
	}
	switch rec.Kind {
	case recordMessage:
		if rec.Message != nil && validMessage(*rec.Message) == nil {
			msg := *rec.Message
			msg.Revision = rec.Revision
			t.index.writeMessageAt(msg, at)
		}
	case recordSuggestions:
		t.index.setSuggestionsAt(rec.ConversationID, rec.Suggestions, at)
	case recordStatus:
		if rec.Status != nil {
			_ = t.index.UpsertStatus(context.Background(), *rec.Status)
		}
	default:
		t.skipped++
	}
}

func (t *FileTier) append(ctx context.Context, rec fileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.At = model.FormatTimestamp(t.now())
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return errors.New("file tier is closed")
	}
	if _, err := t.file.Write(line); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if t.sync {
		if err := t.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync file tier: %w", err)
		}
	}
	t.apply(rec)
	return nil
}

// WriteMessage appends a message record.
func (t *FileTier) WriteMessage(ctx context.Context, msg model.NormalizedMessage) error {
	if err := validMessage(msg); err != nil {
		return err
	}
	return t.append(ctx, fileRecord{Kind: recordMessage, ConversationID: msg.ConversationID, Message: &msg, Revision: msg.Revision})
}

// ReadMessages returns the folded messages for a conversation.
func (t *FileTier) ReadMessages(ctx context.Context, conversationID string, limit int) ([]model.NormalizedMessage, error) {
	return t.index.ReadMessages(ctx, conversationID, limit)
}

// ListConversations returns folded conversation summaries.
func (t *FileTier) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	return t.index.ListConversations(ctx)
}

// GetConversation returns one folded summary or nil.
func (t *FileTier) GetConversation(ctx context.Context, conversationID string) (*model.ConversationSummary, error) {
	return t.index.GetConversation(ctx, conversationID)
}

// SetSuggestions appends a suggestions record.
func (t *FileTier) SetSuggestions(ctx context.Context, conversationID string, suggestions []string) error {
	return t.append(ctx, fileRecord{Kind: recordSuggestions, ConversationID: conversationID, Suggestions: suggestions})
}

// UpsertStatus appends a status record.
func (t *FileTier) UpsertStatus(ctx context.Context, status model.ConversationStatus) error {
	return t.append(ctx, fileRecord{Kind: recordStatus, ConversationID: status.ConversationID, Status: &status})
}

// GetStatus returns the latest status record or nil.
func (t *FileTier) GetStatus(ctx context.Context, conversationID string) (*model.ConversationStatus, error) {
	return t.index.GetStatus(ctx, conversationID)
}

// ListStatuses returns the latest status records in the given status.
func (t *FileTier) ListStatuses(ctx context.Context, status model.Status) ([]model.ConversationStatus, error) {
	return t.index.ListStatuses(ctx, status)
}

// Reset truncates the log.
func (t *FileTier) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return errors.New("file tier is closed")
	}
	if err := t.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate file tier: %w", err)
	}
	return t.index.Reset(ctx)
}

// Compact rewrites the log keeping only the latest record per key. The new
// log is written beside the old one and renamed over it.
func (t *FileTier) Compact(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return 0, errors.New("file tier is closed")
	}

	records := t.snapshotRecords()
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("failed to encode record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp := t.path + ".tmp"
	if err := writeSynced(tmp, buf.Bytes()); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to write compacted log: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return 0, fmt.Errorf("failed to replace log: %w", err)
	}
	syncDir(filepath.Dir(t.path))

	_ = t.file.Close()
	t.file = nil
	if err := t.openAppend(); err != nil {
		return 0, err
	}
	t.skipped = 0
	return len(records), nil
}

// writeSynced writes data to path and fsyncs it before returning.
func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes a directory entry after a rename. Platforms that cannot
// sync directories are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// snapshotRecords renders the index as records in insertion order.
func (t *FileTier) snapshotRecords() []fileRecord {
	idx := t.index
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []fileRecord
	for id, conv := range idx.conversations {
		at := model.FormatTimestamp(conv.updatedAt)
		for _, it := range conv.messages {
			msg := it.msg
			out = append(out, fileRecord{Kind: recordMessage, At: at, ConversationID: id, Message: &msg, Revision: msg.Revision})
		}
		if conv.suggestions != nil {
			out = append(out, fileRecord{Kind: recordSuggestions, At: at, ConversationID: id, Suggestions: conv.suggestions})
		}
	}
	for id, st := range idx.statuses {
		st := st
		out = append(out, fileRecord{Kind: recordStatus, At: model.FormatTimestamp(st.UpdatedAt), ConversationID: id, Status: &st})
	}
	return out
}

// Ping reports whether the log is open for appends.
func (t *FileTier) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return errors.New("file tier is closed")
	}
	return nil
}

// Close closes the log.
func (t *FileTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
