package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roomchat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ParticipantService 管理房间成员与管理员权限。
type ParticipantService struct {
	db    *gorm.DB
	rooms *RoomService
}

func NewParticipantService(db *gorm.DB, rooms *RoomService) *ParticipantService {
	return &ParticipantService{db: db, rooms: rooms}
}

// Add 由管理员拉人进房，已在房间内的用户跳过。返回给调用方看的提示。
func (s *ParticipantService) Add(ctx context.Context, roomID, actorID uint, usernames []string) (string, error) {
	if _, err := s.rooms.loadRoom(ctx, roomID); err != nil {
		return "", err
	}
	if err := s.rooms.requireAdmin(ctx, roomID, actorID); err != nil {
		return "", err
	}
	var added []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range usernames {
			u, err := userByName(tx, name)
			if err != nil {
				return fmt.Errorf("%w: %s", err, name)
			}
			_, err = findParticipant(tx, roomID, u.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			p := models.Participant{RoomID: roomID, UserID: u.ID, JoinedAt: time.Now()}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
			added = append(added, u.Username)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(added) == 0 {
		return "No new participants added", nil
	}
	log.Info().Uint("room_id", roomID).Strs("usernames", added).Msg("participants added")
	return fmt.Sprintf("Added %s to the chat room", strings.Join(added, ", ")), nil
}

// List 返回房间参与者，仅成员可见。
func (s *ParticipantService) List(ctx context.Context, roomID, actorID uint) ([]ParticipantDTO, error) {
	if _, err := s.rooms.loadRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if err := s.rooms.requireMember(ctx, roomID, actorID); err != nil {
		return nil, err
	}
	return listParticipants(s.db.WithContext(ctx), roomID)
}

// Remove 由管理员移除成员；不能移除自己或房间创建者。
func (s *ParticipantService) Remove(ctx context.Context, roomID, actorID uint, username string) (string, error) {
	room, err := s.rooms.loadRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	if err := s.rooms.requireAdmin(ctx, roomID, actorID); err != nil {
		return "", err
	}
	tx := s.db.WithContext(ctx)
	target, err := userByName(tx, username)
	if err != nil {
		return "", err
	}
	if target.ID == actorID {
		return "", ErrCannotRemoveSelf
	}
	p, err := s.targetParticipant(tx, roomID, target)
	if err != nil {
		return "", err
	}
	if room.CreatedBy == target.ID {
		return "", ErrCannotRemoveOwner
	}
	if err := tx.Delete(p).Error; err != nil {
		return "", err
	}
	log.Info().Uint("room_id", roomID).Str("username", username).Msg("participant removed")
	return fmt.Sprintf("Successfully removed %s from the chat room", username), nil
}

// GrantAdmin 把成员设为管理员，已是管理员时直接返回提示。
func (s *ParticipantService) GrantAdmin(ctx context.Context, roomID, actorID uint, username string) (string, error) {
	if _, err := s.rooms.loadRoom(ctx, roomID); err != nil {
		return "", err
	}
	if err := s.rooms.requireAdmin(ctx, roomID, actorID); err != nil {
		return "", err
	}
	tx := s.db.WithContext(ctx)
	target, err := userByName(tx, username)
	if err != nil {
		return "", err
	}
	p, err := s.targetParticipant(tx, roomID, target)
	if err != nil {
		return "", err
	}
	if p.IsAdmin {
		return fmt.Sprintf("%s is already an admin of this chat room", username), nil
	}
	if err := tx.Model(p).Update("is_admin", true).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully set %s as an admin of this chat room", username), nil
}

// RevokeAdmin 撤销管理员权限，房间创建者的权限不可撤销。
func (s *ParticipantService) RevokeAdmin(ctx context.Context, roomID, actorID uint, username string) (string, error) {
	room, err := s.rooms.loadRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	if err := s.rooms.requireAdmin(ctx, roomID, actorID); err != nil {
		return "", err
	}
	tx := s.db.WithContext(ctx)
	target, err := userByName(tx, username)
	if err != nil {
		return "", err
	}
	if room.CreatedBy == target.ID {
		return "", ErrCannotRevokeOwner
	}
	p, err := s.targetParticipant(tx, roomID, target)
	if err != nil {
		return "", err
	}
	if !p.IsAdmin {
		return fmt.Sprintf("%s is not an admin of this chat room", username), nil
	}
	if err := tx.Model(p).Update("is_admin", false).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully removed admin rights from %s", username), nil
}

func (s *ParticipantService) targetParticipant(tx *gorm.DB, roomID uint, target *models.User) (*models.Participant, error) {
	p, err := findParticipant(tx, roomID, target.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTargetNotMember
	}
	return p, err
}
