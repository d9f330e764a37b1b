package repository

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/crmweb/internal/domain"
)

// JSONLStore is a file-backed Store. Each session gets a directory at
// sessions/<sessionID>/ holding session.json, messages.jsonl and runs.jsonl.
// Upserts rewrite the file through a temp file and rename.
type JSONLStore struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Store = (*JSONLStore)(nil)

// NewJSONLStore creates a JSONL store rooted at dir.
func NewJSONLStore(dir string) (*JSONLStore, error) {
	if dir == "" {
		return nil, errors.New("jsonl store requires a data directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &JSONLStore{root: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Close is a no-op; every write is flushed before it returns.
func (s *JSONLStore) Close() error { return nil }

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (s *JSONLStore) getLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

func (s *JSONLStore) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(s.root, "sessions", sessionID), nil
}

func (s *JSONLStore) readSession(dir string) (*domain.Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// touchSession creates or bumps session.json. Caller must hold the session lock.
func (s *JSONLStore) touchSession(sessionID string, now time.Time) (*domain.Session, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	session, err := s.readSession(dir)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session = &domain.Session{SessionID: sessionID, CreatedAt: now}
	}
	session.UpdatedAt = now

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, "session.json"), data); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession retrieves a session by ID.
func (s *JSONLStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.readSession(dir)
}

// UpsertMessage replaces the message with the same id in messages.jsonl or
// appends it.
func (s *JSONLStore) UpsertMessage(_ context.Context, msg *domain.Message) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = now
	}

	lock := s.getLock(msg.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.touchSession(msg.SessionID, now); err != nil {
		return err
	}
	dir, _ := s.sessionDir(msg.SessionID)

	return upsertJSONL(filepath.Join(dir, "messages.jsonl"), msg.MessageID, func(m *domain.Message) string {
		return m.MessageID
	}, func(existing *domain.Message) *domain.Message {
		merged := *msg
		if existing != nil {
			merged.CreatedAt = existing.CreatedAt
			if merged.RunID == "" {
				merged.RunID = existing.RunID
			}
		}
		*msg = merged
		return &merged
	})
}

// GetMessages returns up to limit of the newest messages of a session, oldest
// first, optionally only those before the given message id.
func (s *JSONLStore) GetMessages(_ context.Context, sessionID string, limit int, before string) ([]domain.Message, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := readJSONL[domain.Message](filepath.Join(dir, "messages.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return pageMessages(messages, limit, before), nil
}

// UpsertRun replaces the run record with the same id in runs.jsonl or appends it.
func (s *JSONLStore) UpsertRun(_ context.Context, run *domain.RunRecord) error {
	lock := s.getLock(run.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.touchSession(run.SessionID, time.Now()); err != nil {
		return err
	}
	dir, _ := s.sessionDir(run.SessionID)

	return upsertJSONL(filepath.Join(dir, "runs.jsonl"), run.RunID, func(r *domain.RunRecord) string {
		return r.RunID
	}, func(existing *domain.RunRecord) *domain.RunRecord {
		merged := *run
		if existing != nil && merged.StartedAt.IsZero() {
			merged.StartedAt = existing.StartedAt
		}
		return &merged
	})
}

// ListRuns returns the newest runs of a session, newest first.
func (s *JSONLStore) ListRuns(_ context.Context, sessionID string, limit int) ([]domain.RunRecord, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	runs, err := readJSONL[domain.RunRecord](filepath.Join(dir, "runs.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
		}
		out = append(out, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// upsertJSONL rewrites path with the entry keyed id replaced by merge(existing),
// or appended when absent. Caller must hold the session lock.
func upsertJSONL[T any](path, id string, key func(*T) string, merge func(existing *T) *T) error {
	items, err := readJSONL[T](path)
	if err != nil {
		return err
	}

	replaced := false
	for i := range items {
		if key(&items[i]) == id {
			items[i] = *merge(&items[i])
			replaced = true
			break
		}
	}
	if !replaced {
		items = append(items, *merge(nil))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range items {
		if err := enc.Encode(&items[i]); err != nil {
			return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
		}
	}
	return writeAtomic(path, buf.Bytes())
}

// writeAtomic writes to a temp file then renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
