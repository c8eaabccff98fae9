package usage

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

// ListByUser returns the user's records newest first.
func (r *Repo) ListByUser(ctx context.Context, userID uint64) ([]Record, error) {
	var out []Record
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC, id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListAll is the unrestricted admin view, newest first.
func (r *Repo) ListAll(ctx context.Context) ([]Record, error) {
	var out []Record
	if err := r.db.WithContext(ctx).
		Order("timestamp DESC, id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
