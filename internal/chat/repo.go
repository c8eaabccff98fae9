package chat

import (
	"context"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// GetOwnedSession filters by owner in the query itself, so a foreign session
// and a missing one both come back as gorm.ErrRecordNotFound.
func (r *Repo) GetOwnedSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns the user's sessions newest first.
func (r *Repo) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) LatestSession(ctx context.Context, userID uint64) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) UpdateTitle(ctx context.Context, userID uint64, sessionID, title string) error {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteSession removes the session and all of its messages in one transaction.
// The session row goes first so concurrent message inserts, which lock it,
// cannot slip in between.
func (r *Repo) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("session_id = ? AND user_id = ?", sessionID, userID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error
	})
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns messages in ASC id order (oldest -> newest).
func (r *Repo) ListMessages(ctx context.Context, userID uint64, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}
