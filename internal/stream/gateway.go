package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/chatstream/internal/chat"
	"github.com/suPer8Hu/chatstream/internal/usage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrPersistence wraps every failed gateway write.
	ErrPersistence = errors.New("persistence failure")
	// ErrSessionGone is returned when the parent session was deleted while the
	// interaction was still running.
	ErrSessionGone = errors.New("session no longer exists")
)

// Gateway writes the artifacts of an interaction. Every call is independent
// and owns its transaction.
type Gateway interface {
	AppendMessage(ctx context.Context, sessionID string, userID uint64, role, content string) error
	AppendUsage(ctx context.Context, userID uint64, model, query string, est usage.Estimate) error
}

type GormGateway struct {
	db *gorm.DB
}

func NewGormGateway(db *gorm.DB) *GormGateway {
	return &GormGateway{db: db}
}

func (g *GormGateway) AppendMessage(ctx context.Context, sessionID string, userID uint64, role, content string) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the parent row is read under a share lock so a concurrent delete
		// either waits for this insert and removes it too, or wins and we see
		// no row
		q := tx.Model(&chat.Session{}).Where("session_id = ?", sessionID)
		if tx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "SHARE"})
		}
		var ids []uint64
		if err := q.Limit(1).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return ErrSessionGone
		}
		return tx.Create(&chat.Message{
			SessionID: sessionID,
			UserID:    userID,
			Role:      role,
			Content:   content,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: append %s message: %w", ErrPersistence, role, err)
	}
	return nil
}

func (g *GormGateway) AppendUsage(ctx context.Context, userID uint64, model, query string, est usage.Estimate) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&usage.Record{
			UserID:         userID,
			Model:          model,
			UserQuery:      query,
			PromptTokens:   est.PromptTokens,
			ResponseTokens: est.ResponseTokens,
			TotalTokens:    est.TotalTokens,
			Cost:           est.Cost,
			Timestamp:      time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: append usage: %w", ErrPersistence, err)
	}
	return nil
}

var _ Gateway = (*GormGateway)(nil)
