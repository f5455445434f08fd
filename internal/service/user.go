package service

import (
	"context"
	"errors"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/config"
	"roomchat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// WelcomeMailer 负责投递注册欢迎邮件任务，返回任务 ID。
type WelcomeMailer interface {
	EnqueueWelcome(ctx context.Context, userID uint) (string, error)
}

// UserService 封装用户相关的业务逻辑。
type UserService struct {
	db     *gorm.DB
	cfg    config.Config
	mailer WelcomeMailer
}

func NewUserService(db *gorm.DB, cfg config.Config, mailer WelcomeMailer) *UserService {
	return &UserService{db: db, cfg: cfg, mailer: mailer}
}

type UserDTO struct {
	ID        uint      `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserDTO(u models.User) UserDTO {
	return UserDTO{ID: u.ID, Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt}
}

// RegisterResult 注册成功后返回的数据。TaskID 为空表示欢迎邮件未能入队。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	TaskID   string `json:"task_id,omitempty"`
}

// Register 注册新用户，并尽力投递一封欢迎邮件。
func (s *UserService) Register(ctx context.Context, username, password, email string) (*RegisterResult, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, Email: email, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	res := &RegisterResult{ID: user.ID, Username: user.Username}
	if s.mailer != nil {
		taskID, err := s.mailer.EnqueueWelcome(ctx, user.ID)
		if err != nil {
			log.Warn().Err(err).Uint("user_id", user.ID).Msg("enqueue welcome email")
		}
		res.TaskID = taskID
	}
	return res, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"-"`
}

// Login 校验用户名密码并签发 token 对。
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := auth.SaveRefreshToken(s.db.WithContext(ctx), user.ID, rt, s.refreshExpiry()); err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: user}, nil
}

func (s *UserService) refreshExpiry() time.Time {
	return time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, s.refreshExpiry()); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Me 返回当前登录用户的资料。
func (s *UserService) Me(ctx context.Context, userID uint) (*UserDTO, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	dto := toUserDTO(user)
	return &dto, nil
}

// userByName 按用户名查找用户，不存在时返回 ErrUserNotFound。
func userByName(tx *gorm.DB, username string) (*models.User, error) {
	var user models.User
	if err := tx.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}
