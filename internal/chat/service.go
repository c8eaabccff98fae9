package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/suPer8Hu/chatstream/internal/common"
	"gorm.io/gorm"
)

// ErrNotFoundOrForbidden is returned for both missing and foreign sessions;
// callers must not be able to tell the two apart.
var ErrNotFoundOrForbidden = errors.New("chat session not found")

var ErrEmptyTitle = errors.New("title must not be empty")

type Service struct {
	repo         *Repo
	defaultModel string
}

func NewService(repo *Repo, defaultModel string) *Service {
	if strings.TrimSpace(defaultModel) == "" {
		defaultModel = "gpt-3.5"
	}
	return &Service{repo: repo, defaultModel: defaultModel}
}

func NewSessionID() (string, error) {
	return common.NewULID()
}

func (s *Service) CreateSession(ctx context.Context, userID uint64, model string) (*Session, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = s.defaultModel
	}

	sid, err := NewSessionID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Title:     DefaultTitle,
		Model:     model,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// VerifyOwner is the ownership guard: a pure read that returns the session
// only when userID owns it.
func (s *Service) VerifyOwner(ctx context.Context, sessionID string, userID uint64) (*Session, error) {
	if sessionID == "" || userID == 0 {
		return nil, ErrNotFoundOrForbidden
	}
	sess, err := s.repo.GetOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, hideMissing(err)
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	return s.repo.ListSessions(ctx, userID)
}

func (s *Service) LatestSession(ctx context.Context, userID uint64) (*Session, error) {
	sess, err := s.repo.LatestSession(ctx, userID)
	if err != nil {
		return nil, hideMissing(err)
	}
	return sess, nil
}

func (s *Service) RenameSession(ctx context.Context, userID uint64, sessionID, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	if err := s.repo.UpdateTitle(ctx, userID, sessionID, title); err != nil {
		return nil, hideMissing(err)
	}
	return s.VerifyOwner(ctx, sessionID, userID)
}

func (s *Service) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	return hideMissing(s.repo.DeleteSession(ctx, userID, sessionID))
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string) ([]Message, error) {
	if _, err := s.VerifyOwner(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, userID, sessionID)
}

func hideMissing(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFoundOrForbidden
	}
	return err
}
