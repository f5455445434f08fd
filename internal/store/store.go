// Package store 是实时通道与 REST 共用的持久化网关。
package store

import (
	"context"
	"errors"
	"time"

	"roomchat/internal/models"

	"gorm.io/gorm"
)

type Gateway struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Gateway {
	return &Gateway{db: db}
}

// CreateMessage 写入一条消息，id 与 created_at 由服务端生成。
func (g *Gateway) CreateMessage(ctx context.Context, roomID, senderID uint, content string, clientTS *time.Time) (*models.Message, error) {
	msg := models.Message{
		RoomID:          roomID,
		SenderID:        senderID,
		Content:         content,
		ClientTimestamp: clientTS,
	}
	if err := g.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

func (g *Gateway) RoomExists(ctx context.Context, roomID uint) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).Count(&count).Error
	return count > 0, err
}

func (g *Gateway) IsParticipant(ctx context.Context, roomID, userID uint) (bool, error) {
	_, err := g.participant(ctx, roomID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (g *Gateway) IsAdmin(ctx context.Context, roomID, userID uint) (bool, error) {
	p, err := g.participant(ctx, roomID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.IsAdmin, nil
}

func (g *Gateway) participant(ctx context.Context, roomID, userID uint) (*models.Participant, error) {
	var p models.Participant
	err := g.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateRoomActivity 推进房间的最后活跃时间，不触发 gorm 的自动 updated_at。
func (g *Gateway) UpdateRoomActivity(ctx context.Context, roomID uint, at time.Time) error {
	return g.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).UpdateColumn("updated_at", at).Error
}

// ListMessages 返回第 page 页（从 1 开始）的消息，按时间正序，以及房间消息总数。
// 分页从最新的消息往前数，第 1 页是最近的 pageSize 条。
func (g *Gateway) ListMessages(ctx context.Context, roomID uint, page, pageSize int) ([]models.Message, int64, error) {
	tx := g.db.WithContext(ctx)

	var total int64
	if err := tx.Model(&models.Message{}).Where("room_id = ?", roomID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var msgs []models.Message
	err := tx.Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, total, nil
}
