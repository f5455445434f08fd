package service

import (
	"context"
	"fmt"
	"time"

	"roomchat/internal/models"

	"gorm.io/gorm"
)

type FriendService struct {
	db *gorm.DB
}

func NewFriendService(db *gorm.DB) *FriendService {
	return &FriendService{db: db}
}

type FriendDTO struct {
	ID        uint      `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// List 返回用户单向添加的好友，按添加时间排序。
func (s *FriendService) List(ctx context.Context, userID uint) ([]FriendDTO, error) {
	tx := s.db.WithContext(ctx)
	var rows []models.Friendship
	if err := tx.Where("user_id = ?", userID).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(rows))
	for _, f := range rows {
		ids = append(ids, f.FriendID)
	}
	names, err := usernamesByID(tx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]FriendDTO, 0, len(rows))
	for _, f := range rows {
		out = append(out, FriendDTO{ID: f.FriendID, Username: names[f.FriendID], CreatedAt: f.CreatedAt})
	}
	return out, nil
}

func (s *FriendService) Add(ctx context.Context, userID uint, username string) (*FriendDTO, error) {
	var out *FriendDTO
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		friend, err := userByName(tx, username)
		if err != nil {
			return err
		}
		if friend.ID == userID {
			return ErrSelfFriend
		}
		var count int64
		if err := tx.Model(&models.Friendship{}).Where("user_id = ? AND friend_id = ?", userID, friend.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w with %s", ErrAlreadyFriends, friend.Username)
		}
		f := models.Friendship{UserID: userID, FriendID: friend.ID}
		if err := tx.Create(&f).Error; err != nil {
			return err
		}
		out = &FriendDTO{ID: friend.ID, Username: friend.Username, CreatedAt: f.CreatedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
