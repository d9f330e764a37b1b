package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/crmweb/internal/broadcast"
	"github.com/xiaot623/crmweb/internal/domain"
	"github.com/xiaot623/crmweb/internal/ledger"
	"github.com/xiaot623/crmweb/internal/policy"
)

// StartChat persists the user's message and starts a run for it. The returned
// subscription carries the run's events from the first one on.
func (s *Service) StartChat(ctx context.Context, req domain.StartRequest) (*ledger.Run, *broadcast.Subscription, error) {
	if req.SessionID == "" {
		return nil, nil, fmt.Errorf("%w: sessionId is required", domain.ErrInvalidRequest)
	}
	if req.Message == "" {
		return nil, nil, fmt.Errorf("%w: message is required", domain.ErrInvalidRequest)
	}

	// Reject before the user message is written; StartRun re-checks atomically.
	if s.runs.HasActiveRun(req.SessionID) {
		return nil, nil, domain.ErrConflict
	}

	if err := s.admit(ctx, req); err != nil {
		return nil, nil, err
	}

	msgID := req.MessageID
	if msgID == "" {
		msgID = "msg_" + uuid.New().String()
	}
	s.sink.PersistUserMessage(ctx, req.SessionID, &domain.Message{
		MessageID: msgID,
		Role:      domain.RoleUser,
		Content:   req.Message,
		CreatedAt: time.Now(),
	})

	run, sub, err := s.runs.StartRun(req.SessionID, req.Message, req.AgentSessionID)
	if err != nil {
		return nil, nil, err
	}
	return run, sub, nil
}

func (s *Service) admit(ctx context.Context, req domain.StartRequest) error {
	if s.policyEngine == nil {
		return nil
	}

	active := 0
	for _, info := range s.runs.ActiveRuns() {
		if info.Status.IsActive() {
			active++
		}
	}
	maxBytes := 0
	if s.config != nil {
		maxBytes = s.config.MaxMessageBytes
	}

	decision, err := s.policyEngine.Evaluate(ctx, policy.Input{
		SessionID:       req.SessionID,
		AgentSessionID:  req.AgentSessionID,
		MessageBytes:    len(req.Message),
		MaxMessageBytes: maxBytes,
		ActiveRuns:      active,
	})
	if err != nil {
		return fmt.Errorf("admission policy: %w", err)
	}
	if !decision.Allowed() {
		slog.Info("run denied by policy", "session_id", req.SessionID, "reason", decision.Reason)
		return fmt.Errorf("%w: %s", domain.ErrPolicyDenied, decision.Reason)
	}
	return nil
}

// AttachStream subscribes to the session's run with a full replay. It fails
// with domain.ErrRunNotFound when the session has no run in the ledger.
func (s *Service) AttachStream(sessionID string) (*ledger.Run, *broadcast.Subscription, error) {
	if sessionID == "" {
		return nil, nil, fmt.Errorf("%w: sessionId is required", domain.ErrInvalidRequest)
	}
	run := s.runs.GetRun(sessionID)
	if run == nil {
		return nil, nil, domain.ErrRunNotFound
	}
	sub, err := run.Subscribe(true)
	if err != nil {
		return nil, nil, err
	}
	return run, sub, nil
}

// StopChat aborts the session's active run, if any.
func (s *Service) StopChat(sessionID string) (domain.StopResponse, error) {
	if sessionID == "" {
		return domain.StopResponse{}, fmt.Errorf("%w: sessionId is required", domain.ErrInvalidRequest)
	}
	return domain.StopResponse{
		SessionID: sessionID,
		Aborted:   s.runs.AbortRun(sessionID),
	}, nil
}

// ChatStatus reports the state of the session's run.
func (s *Service) ChatStatus(sessionID string) domain.StatusResponse {
	resp := domain.StatusResponse{SessionID: sessionID}
	if run := s.runs.GetRun(sessionID); run != nil {
		resp.Status = run.Status()
		resp.Active = resp.Status.IsActive()
		resp.RunID = run.ID
	}
	return resp
}

// ActiveRuns lists the runs held by the ledger.
func (s *Service) ActiveRuns() []domain.RunInfo {
	return s.runs.ActiveRuns()
}
