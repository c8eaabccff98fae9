package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultTitle = "New Chat"
)

type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(255);not null;default:'New Chat'" json:"title"`
	Model     string    `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message rows are append-only; ID order is creation order within a session.
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_session_id,priority:2" json:"session_id"`
	UserID    uint64    `gorm:"not null;index:idx_chat_msg_user_session_id,priority:1" json:"-"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }
