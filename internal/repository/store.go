// Package repository provides durable storage for sessions, messages and run
// records.
package repository

import (
	"context"
	"fmt"

	"github.com/xiaot623/crmweb/internal/domain"
)

// Store is the durable message store behind the persistence sink.
// UpsertMessage and UpsertRun replace an existing entry with the same id in
// place instead of appending a duplicate.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	UpsertMessage(ctx context.Context, msg *domain.Message) error
	GetMessages(ctx context.Context, sessionID string, limit int, before string) ([]domain.Message, error)

	UpsertRun(ctx context.Context, run *domain.RunRecord) error
	ListRuns(ctx context.Context, sessionID string, limit int) ([]domain.RunRecord, error)

	Close() error
}

// Backends accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendJSONL  = "jsonl"
)

// Open creates the store for backend. For sqlite, location is a DSN; for
// jsonl, it is the data directory.
func Open(backend, location string) (Store, error) {
	switch backend {
	case "", BackendSQLite:
		return NewSQLiteStore(location)
	case BackendJSONL:
		return NewJSONLStore(location)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// pageMessages applies the before/limit window to messages sorted oldest
// first: it keeps the newest limit messages strictly older than before. An
// unknown before id matches nothing, as in the SQLite store.
func pageMessages(messages []domain.Message, limit int, before string) []domain.Message {
	if before != "" {
		found := false
		for i, msg := range messages {
			if msg.MessageID == before {
				messages = messages[:i]
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages
}
