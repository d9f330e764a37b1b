package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/crmweb/internal/domain"
)

// GetSession returns a stored session. Sessions are created by their first
// stored message or run.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return session, nil
}

func (s *Service) GetMessages(ctx context.Context, sessionID string, limit int, before string) ([]domain.Message, error) {
	messages, err := s.store.GetMessages(ctx, sessionID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return messages, nil
}

// SaveMessages upserts messages finalized by the client.
func (s *Service) SaveMessages(ctx context.Context, sessionID string, msgs []domain.Message) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrInvalidRequest)
	}
	for _, msg := range msgs {
		if msg.MessageID == "" {
			return fmt.Errorf("%w: every message needs an id", domain.ErrInvalidRequest)
		}
		if msg.Role == "" {
			return fmt.Errorf("%w: message %s has no role", domain.ErrInvalidRequest, msg.MessageID)
		}
	}
	if err := s.sink.SaveMessages(ctx, sessionID, msgs); err != nil {
		return fmt.Errorf("failed to save messages: %w", err)
	}
	return nil
}

func (s *Service) ListRuns(ctx context.Context, sessionID string, limit int) ([]domain.RunRecord, error) {
	runs, err := s.store.ListRuns(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
