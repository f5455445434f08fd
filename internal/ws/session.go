package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/metrics"
	"roomchat/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// IdentityVerifier 把连接时携带的凭证解析为用户身份。
type IdentityVerifier interface {
	Resolve(ctx context.Context, token string) (auth.Identity, error)
}

// Store 是会话所需的持久化能力。
type Store interface {
	RoomExists(ctx context.Context, roomID uint) (bool, error)
	IsParticipant(ctx context.Context, roomID, userID uint) (bool, error)
	CreateMessage(ctx context.Context, roomID, senderID uint, content string, clientTS *time.Time) (*models.Message, error)
	UpdateRoomActivity(ctx context.Context, roomID uint, at time.Time) error
}

type SessionConfig struct {
	SendBuffer        int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	Sanitize          bool
}

var (
	errSaveFailed  = errors.New("failed to save message")
	errRateLimited = errors.New("rate limit exceeded, message dropped")
	errFrameFailed = errors.New("failed to process message")
)

// SessionHandler 处理 /chat/rooms/:id/ws：先升级协议，再依次完成认证、授权，
// 之后登记到 Registry 并循环读取上行帧直到连接关闭。
type SessionHandler struct {
	reg       *Registry
	verifier  IdentityVerifier
	store     Store
	cfg       SessionConfig
	sanitizer *bluemonday.Policy
	upgrader  websocket.Upgrader
	now       func() time.Time
}

func NewSessionHandler(reg *Registry, verifier IdentityVerifier, store Store, cfg SessionConfig) *SessionHandler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	h := &SessionHandler{
		reg:      reg,
		verifier: verifier,
		store:    store,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
	if cfg.Sanitize {
		h.sanitizer = bluemonday.StrictPolicy()
	}
	return h
}

func (h *SessionHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade")
		return
	}
	ctx := c.Request.Context()

	// Connecting -> Authenticated
	token := c.Query("token")
	if token == "" {
		token = auth.BearerToken(c.Request)
	}
	if token == "" {
		closeWithCode(conn, websocket.ClosePolicyViolation, "missing token")
		return
	}
	id, err := h.verifier.Resolve(ctx, token)
	if err != nil {
		log.Info().Err(err).Msg("ws auth rejected")
		closeWithCode(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	// Authenticated -> Authorized
	rid, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || rid == 0 {
		closeWithCode(conn, websocket.ClosePolicyViolation, "invalid room id")
		return
	}
	roomID := uint(rid)
	exists, err := h.store.RoomExists(ctx, roomID)
	if err != nil || !exists {
		if err != nil {
			log.Error().Err(err).Uint("room_id", roomID).Msg("ws room lookup")
		}
		closeWithCode(conn, websocket.CloseTryAgainLater, "room unavailable")
		return
	}
	member, err := h.store.IsParticipant(ctx, roomID, id.UserID)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Uint("user_id", id.UserID).Msg("ws membership lookup")
		closeWithCode(conn, websocket.CloseTryAgainLater, "room unavailable")
		return
	}
	if !member {
		closeWithCode(conn, websocket.ClosePolicyViolation, "not a participant")
		return
	}

	// Active
	client := NewClient(conn, h.cfg.SendBuffer)
	go client.writePump()
	s := &session{
		h:      h,
		client: client,
		roomID: roomID,
		user:   id,
		logger: log.With().Uint("room_id", roomID).Uint("user_id", id.UserID).Str("conn_id", client.ID()).Logger(),
	}
	if h.cfg.MessagesPerSecond > 0 {
		burst := h.cfg.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), burst)
	}
	h.reg.Register(roomID, id.UserID, id.Username, client)
	s.logger.Info().Str("username", id.Username).Msg("ws joined")

	// Closed：无论读循环如何结束都要注销，在线列表才与实际连接一致。
	defer func() {
		if notice, ok := h.reg.Deregister(roomID, id.UserID, client); ok {
			h.reg.Broadcast(roomID, notice)
			h.reg.BroadcastPresence(roomID)
		}
		_ = client.Close()
		s.logger.Info().Str("username", id.Username).Msg("ws left")
	}()

	client.readPump(h.cfg.MaxMessageBytes, func(raw []byte) { s.handle(ctx, raw) })
}

type session struct {
	h       *SessionHandler
	client  *Client
	roomID  uint
	user    auth.Identity
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// handle 处理单条上行帧，任何失败只通知发送者本人，连接保持。
func (s *session) handle(ctx context.Context, raw []byte) {
	f := DecodeFrame(raw)
	metrics.WsFramesTotal.WithLabelValues(string(f.Kind)).Inc()
	err := errRateLimited
	if s.limiter == nil || s.limiter.Allow() {
		err = s.safeProcess(ctx, f)
	}
	if err != nil {
		_ = s.h.reg.SendDirect(s.client, NewSystemEvent("Error: "+err.Error()))
	}
}

// safeProcess 把处理单帧时的 panic 转成错误，只影响这一帧。
func (s *session) safeProcess(ctx context.Context, f Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("kind", string(f.Kind)).Msg("ws frame handler panicked")
			err = errFrameFailed
		}
	}()
	return s.process(ctx, f)
}

func (s *session) process(ctx context.Context, f Frame) error {
	if f.Kind == KindTyping || f.Kind == KindRead {
		ts := f.Timestamp
		if ts == "" {
			ts = FormatTime(s.h.now())
		}
		s.h.reg.Broadcast(s.roomID, SignalEvent{
			Type:           string(f.Kind),
			SenderUsername: s.user.Username,
			Timestamp:      ts,
		})
		return nil
	}

	content := strings.TrimSpace(f.Content)
	if s.h.sanitizer != nil {
		content = strings.TrimSpace(s.h.sanitizer.Sanitize(content))
	}
	if content == "" {
		return nil
	}

	var clientTS *time.Time
	var rawTS string
	if f.Timestamp != "" {
		if t, err := ParseClientTimestamp(f.Timestamp); err != nil {
			s.logger.Warn().Str("timestamp", f.Timestamp).Msg("discard invalid client timestamp")
		} else {
			clientTS = &t
			rawTS = f.Timestamp
		}
	}

	msg, err := s.h.store.CreateMessage(ctx, s.roomID, s.user.UserID, content, clientTS)
	if err != nil {
		s.logger.Error().Err(err).Msg("save message")
		return errSaveFailed
	}
	if err := s.h.store.UpdateRoomActivity(ctx, s.roomID, msg.CreatedAt); err != nil {
		s.logger.Warn().Err(err).Uint("message_id", msg.ID).Msg("update room activity")
	}
	metrics.WsMessagesTotal.Inc()
	s.h.reg.Broadcast(s.roomID, NewChatEvent(msg, s.user.Username).WithClientTimestamp(rawTS))
	return nil
}
