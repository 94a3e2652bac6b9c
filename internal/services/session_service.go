package services

import (
	"context"
	"sync"
	"time"

	"fieldsync/internal/observability"
)

// SessionState is a snapshot of the device session as seen by the sync engine
type SessionState struct {
	Expired   bool       `json:"expired"`
	Reason    string     `json:"reason,omitempty"`
	ExpiredAt *time.Time `json:"expired_at,omitempty"`
}

// SessionService receives session events from the remote clients and holds the
// current state for the agent API. It is injected wherever an expiry can be
// observed instead of being reached through shared globals.
type SessionService struct {
	mu     sync.RWMutex
	state  SessionState
	logger *observability.Logger
}

// NewSessionService creates a session service in the valid state
func NewSessionService(logger *observability.Logger) *SessionService {
	return &SessionService{logger: logger}
}

// SessionExpired records that the remote side rejected the device credentials
func (s *SessionService) SessionExpired(ctx context.Context, reason string) {
	s.mu.Lock()
	alreadyExpired := s.state.Expired
	if !alreadyExpired {
		now := time.Now().UTC()
		s.state = SessionState{Expired: true, Reason: reason, ExpiredAt: &now}
	}
	s.mu.Unlock()

	if !alreadyExpired {
		s.logger.Warn(ctx, "Device session expired", map[string]interface{}{"reason": reason})
	}
}

// SessionRestored clears the expired state after re-authentication
func (s *SessionService) SessionRestored(ctx context.Context) {
	s.mu.Lock()
	wasExpired := s.state.Expired
	s.state = SessionState{}
	s.mu.Unlock()

	if wasExpired {
		s.logger.Info(ctx, "Device session restored")
	}
}

// State returns the current session state
func (s *SessionService) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
