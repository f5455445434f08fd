package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/models"
	"roomchat/internal/store"
	"roomchat/internal/ws"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const deletedPlaceholder = "[deleted message]"

// Broadcaster 把 REST 发送的消息推送给房间内的实时连接。
type Broadcaster interface {
	Broadcast(roomID uint, payload any)
}

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	db        *gorm.DB
	gw        *store.Gateway
	rooms     *RoomService
	bcast     Broadcaster
	sanitizer *bluemonday.Policy
}

func NewMessageService(db *gorm.DB, rooms *RoomService, bcast Broadcaster, sanitize bool) *MessageService {
	s := &MessageService{db: db, gw: store.New(db), rooms: rooms, bcast: bcast}
	if sanitize {
		s.sanitizer = bluemonday.StrictPolicy()
	}
	return s
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID              uint      `json:"id"`
	SenderUsername  string    `json:"sender_username"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
	IsDeleted       bool      `json:"is_deleted"`
	ClientTimestamp *string   `json:"client_timestamp"`
}

type MessagePage struct {
	Messages   []MessageDTO `json:"messages"`
	TotalCount int64        `json:"total_count"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
}

// SendInput 是 REST 发送消息的请求体。
type SendInput struct {
	Content        string `json:"content"`
	SenderUsername string `json:"sender_username"`
	Timestamp      string `json:"timestamp"`
}

// Send 保存一条消息并推送给在线成员；无法解析的客户端时间戳被忽略。
func (s *MessageService) Send(ctx context.Context, roomID uint, sender auth.Identity, in SendInput) (*MessageDTO, error) {
	if _, err := s.rooms.loadRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if err := s.rooms.requireMember(ctx, roomID, sender.UserID); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(in.Content)
	if s.sanitizer != nil {
		content = strings.TrimSpace(s.sanitizer.Sanitize(content))
	}
	if content == "" {
		return nil, ErrEmptyContent
	}
	if in.SenderUsername != "" && in.SenderUsername != sender.Username {
		return nil, ErrSenderMismatch
	}

	var clientTS *time.Time
	var rawTS string
	if in.Timestamp != "" {
		if t, err := ws.ParseClientTimestamp(in.Timestamp); err == nil {
			clientTS = &t
			rawTS = in.Timestamp
		}
	}

	msg, err := s.gw.CreateMessage(ctx, roomID, sender.UserID, content, clientTS)
	if err != nil {
		return nil, err
	}
	if err := s.gw.UpdateRoomActivity(ctx, roomID, msg.CreatedAt); err != nil {
		log.Warn().Err(err).Uint("room_id", roomID).Msg("update room activity")
	}
	if s.bcast != nil {
		s.bcast.Broadcast(roomID, ws.NewChatEvent(msg, sender.Username).WithClientTimestamp(rawTS))
	}
	dto := toMessageDTO(*msg, sender.Username)
	return &dto, nil
}

// List 分页返回消息：先取最新的一页，再按时间正序输出。
func (s *MessageService) List(ctx context.Context, roomID, userID uint, page, pageSize int) (*MessagePage, error) {
	if _, err := s.rooms.loadRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if err := s.rooms.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	msgs, total, err := s.gw.ListMessages(ctx, roomID, page, pageSize)
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
	}
	names, err := usernamesByID(s.db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageDTO(m, names[m.SenderID]))
	}
	return &MessagePage{Messages: out, TotalCount: total, Page: page, PageSize: pageSize}, nil
}

// Delete 软删除消息，仅发送者本人或房间管理员可操作。
func (s *MessageService) Delete(ctx context.Context, roomID, messageID, userID uint) (string, error) {
	if _, err := s.rooms.loadRoom(ctx, roomID); err != nil {
		return "", err
	}
	tx := s.db.WithContext(ctx)
	var msg models.Message
	if err := tx.Where("id = ? AND room_id = ?", messageID, roomID).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrMessageNotFound
		}
		return "", err
	}
	if msg.IsDeleted {
		return "Message is already deleted", nil
	}
	if msg.SenderID != userID {
		isAdmin, err := s.gw.IsAdmin(ctx, roomID, userID)
		if err != nil {
			return "", err
		}
		if !isAdmin {
			return "", ErrDeleteForbidden
		}
	}
	if err := tx.Model(&msg).Update("is_deleted", true).Error; err != nil {
		return "", err
	}
	log.Info().Uint("room_id", roomID).Uint("message_id", messageID).Uint("by", userID).Msg("message deleted")
	return "Message successfully deleted", nil
}

func toMessageDTO(m models.Message, sender string) MessageDTO {
	dto := MessageDTO{
		ID:             m.ID,
		SenderUsername: sender,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		IsDeleted:      m.IsDeleted,
	}
	if m.IsDeleted {
		dto.Content = deletedPlaceholder
	}
	if m.ClientTimestamp != nil {
		ts := ws.FormatTime(*m.ClientTimestamp)
		dto.ClientTimestamp = &ts
	}
	return dto
}
