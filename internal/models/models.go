package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"size:255"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Room 的 UpdatedAt 记录最后活跃时间，发送消息时推进。
type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:128;not null"`
	CreatedBy uint   `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Participant struct {
	ID       uint `gorm:"primaryKey"`
	RoomID   uint `gorm:"uniqueIndex:idx_room_user;not null"`
	UserID   uint `gorm:"uniqueIndex:idx_room_user;index;not null"`
	IsAdmin  bool `gorm:"not null;default:false"`
	JoinedAt time.Time
}

// Message 只做软删除；房间被删除时才会物理清理。
type Message struct {
	ID              uint   `gorm:"primaryKey"`
	RoomID          uint   `gorm:"index:idx_msg_room_created,priority:1;not null"`
	SenderID        uint   `gorm:"index;not null"`
	Content         string `gorm:"type:text;not null"`
	ClientTimestamp *time.Time
	IsDeleted       bool      `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"index:idx_msg_room_created,priority:2"`
}

type Friendship struct {
	ID        uint `gorm:"primaryKey"`
	UserID    uint `gorm:"uniqueIndex:idx_friend_pair;not null"`
	FriendID  uint `gorm:"uniqueIndex:idx_friend_pair;not null"`
	CreatedAt time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// All 返回需要迁移的全部模型，顺序即建表顺序。
func All() []any {
	return []any{&User{}, &Room{}, &Participant{}, &Message{}, &Friendship{}, &RefreshToken{}}
}
