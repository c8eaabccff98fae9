package usage

import "time"

// Record is one accounting row per completed streaming interaction.
type Record struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         uint64    `gorm:"index;not null" json:"user_id"`
	Model          string    `gorm:"type:varchar(64);not null" json:"model"`
	UserQuery      string    `gorm:"type:text;not null" json:"user_query"`
	PromptTokens   int       `gorm:"not null;default:0" json:"prompt_tokens"`
	ResponseTokens int       `gorm:"not null;default:0" json:"response_tokens"`
	TotalTokens    int       `gorm:"not null;default:0" json:"total_tokens"`
	Cost           float64   `gorm:"not null;default:0" json:"cost"`
	Timestamp      time.Time `gorm:"index;not null" json:"timestamp"`
}

func (Record) TableName() string { return "token_usage" }
