package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"roomchat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Presence 提供房间的实时在线人数。
type Presence interface {
	Online(roomID uint) int
}

// RoomService 封装房间相关的业务逻辑。
type RoomService struct {
	db       *gorm.DB
	presence Presence
}

func NewRoomService(db *gorm.DB, presence Presence) *RoomService {
	return &RoomService{db: db, presence: presence}
}

// ParticipantDTO 是对外输出的参与者数据。
type ParticipantDTO struct {
	Username string    `json:"username"`
	IsAdmin  bool      `json:"is_admin"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID                uint             `json:"id"`
	Name              string           `json:"name"`
	CreatedBy         string           `json:"created_by"`
	ParticipantsCount int              `json:"participants_count"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	LastMessage       *string          `json:"last_message"`
	LastMessageTime   *time.Time       `json:"last_message_time"`
	Online            int              `json:"online"`
	Participants      []ParticipantDTO `json:"participants,omitempty"`
}

func (d RoomDTO) activity() time.Time {
	if d.LastMessageTime != nil {
		return *d.LastMessageTime
	}
	return d.CreatedAt
}

// Create 创建房间，创建者自动成为管理员，其余用户名去重后加入。
func (s *RoomService) Create(ctx context.Context, name string, creatorID uint, usernames []string) (*RoomDTO, error) {
	var room models.Room
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invited, err := s.resolveInvitees(tx, creatorID, usernames)
		if err != nil {
			return err
		}
		if len(invited) == 0 {
			return ErrNoParticipants
		}
		room = models.Room{Name: name, CreatedBy: creatorID}
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		now := time.Now()
		members := []models.Participant{{RoomID: room.ID, UserID: creatorID, IsAdmin: true, JoinedAt: now}}
		for _, u := range invited {
			members = append(members, models.Participant{RoomID: room.ID, UserID: u.ID, JoinedAt: now})
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, err
	}
	log.Info().Uint("room_id", room.ID).Uint("creator_id", creatorID).Msg("room created")
	return s.detail(ctx, &room, true)
}

// resolveInvitees 把用户名解析为用户，跳过创建者与重复项。
func (s *RoomService) resolveInvitees(tx *gorm.DB, creatorID uint, usernames []string) ([]models.User, error) {
	seen := make(map[string]struct{}, len(usernames))
	out := make([]models.User, 0, len(usernames))
	for _, name := range usernames {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		u, err := userByName(tx, name)
		if err != nil {
			return nil, err
		}
		if u.ID == creatorID {
			continue
		}
		out = append(out, *u)
	}
	return out, nil
}

// List 返回用户参与的房间，最近有消息的排在前面。
func (s *RoomService) List(ctx context.Context, userID uint) ([]RoomDTO, error) {
	var rooms []models.Room
	err := s.db.WithContext(ctx).
		Joins("JOIN participants ON participants.room_id = rooms.id").
		Where("participants.user_id = ?", userID).
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for i := range rooms {
		dto, err := s.detail(ctx, &rooms[i], false)
		if err != nil {
			return nil, err
		}
		out = append(out, *dto)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].activity().After(out[j].activity())
	})
	return out, nil
}

// Get 返回房间详情，仅参与者可见。
func (s *RoomService) Get(ctx context.Context, roomID, userID uint) (*RoomDTO, error) {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return s.detail(ctx, room, true)
}

// Rename 修改房间名称，仅管理员可操作。
func (s *RoomService) Rename(ctx context.Context, roomID, userID uint, name string) (*RoomDTO, error) {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(room).Update("name", name).Error; err != nil {
		return nil, err
	}
	room.Name = name
	log.Info().Uint("room_id", roomID).Str("name", name).Msg("room renamed")
	return s.detail(ctx, room, false)
}

// Leave 退出房间；最后一个参与者离开时连同消息一起删除房间。
func (s *RoomService) Leave(ctx context.Context, roomID, userID uint) (roomDeleted bool, err error) {
	if _, err := s.loadRoom(ctx, roomID); err != nil {
		return false, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&models.Participant{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotParticipant
		}
		var remaining int64
		if err := tx.Model(&models.Participant{}).Where("room_id = ?", roomID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Room{}, roomID).Error; err != nil {
			return err
		}
		roomDeleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if roomDeleted {
		log.Info().Uint("room_id", roomID).Msg("room deleted after last participant left")
	}
	return roomDeleted, nil
}

func (s *RoomService) loadRoom(ctx context.Context, roomID uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (s *RoomService) requireMember(ctx context.Context, roomID, userID uint) error {
	_, err := findParticipant(s.db.WithContext(ctx), roomID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotParticipant
	}
	return err
}

func (s *RoomService) requireAdmin(ctx context.Context, roomID, userID uint) error {
	p, err := findParticipant(s.db.WithContext(ctx), roomID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotAdmin
	}
	if err != nil {
		return err
	}
	if !p.IsAdmin {
		return ErrNotAdmin
	}
	return nil
}

func findParticipant(tx *gorm.DB, roomID, userID uint) (*models.Participant, error) {
	var p models.Participant
	if err := tx.Where("room_id = ? AND user_id = ?", roomID, userID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// detail 组装房间输出；withMembers 为 true 时附带参与者列表。
func (s *RoomService) detail(ctx context.Context, room *models.Room, withMembers bool) (*RoomDTO, error) {
	tx := s.db.WithContext(ctx)
	dto := &RoomDTO{
		ID:        room.ID,
		Name:      room.Name,
		CreatedAt: room.CreatedAt,
		UpdatedAt: room.UpdatedAt,
	}

	var creator models.User
	if err := tx.Select("id", "username").First(&creator, room.CreatedBy).Error; err == nil {
		dto.CreatedBy = creator.Username
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	members, err := listParticipants(tx, room.ID)
	if err != nil {
		return nil, err
	}
	dto.ParticipantsCount = len(members)
	if withMembers {
		dto.Participants = members
	}

	var last models.Message
	err = tx.Where("room_id = ? AND is_deleted = ?", room.ID, false).Order("created_at DESC, id DESC").First(&last).Error
	switch {
	case err == nil:
		dto.LastMessage = &last.Content
		dto.LastMessageTime = &last.CreatedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	if s.presence != nil {
		dto.Online = s.presence.Online(room.ID)
	}
	return dto, nil
}

// listParticipants 返回房间参与者，按加入顺序排列。
func listParticipants(tx *gorm.DB, roomID uint) ([]ParticipantDTO, error) {
	var rows []models.Participant
	if err := tx.Where("room_id = ?", roomID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(rows))
	for _, p := range rows {
		ids = append(ids, p.UserID)
	}
	names, err := usernamesByID(tx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ParticipantDTO, 0, len(rows))
	for _, p := range rows {
		out = append(out, ParticipantDTO{Username: names[p.UserID], IsAdmin: p.IsAdmin, JoinedAt: p.JoinedAt})
	}
	return out, nil
}

// usernamesByID 批量获取用户名。
func usernamesByID(tx *gorm.DB, ids []uint) (map[uint]string, error) {
	names := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	var users []models.User
	if err := tx.Select("id", "username").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		names[u.ID] = u.Username
	}
	return names, nil
}
