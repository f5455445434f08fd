package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"roomchat/internal/auth"
	"roomchat/internal/compute"
	"roomchat/internal/mail"
	"roomchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// TaskLookup 查询异步邮件任务的状态。
type TaskLookup interface {
	Status(ctx context.Context, taskID string) (*mail.Result, error)
}

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc        *service.UserService
	friendSvc      *service.FriendService
	roomSvc        *service.RoomService
	participantSvc *service.ParticipantService
	msgSvc         *service.MessageService
	tasks          TaskLookup
	fib            *compute.Fibonacci
}

// errorStatus 把业务错误映射为 HTTP 状态码；未知错误返回 0。
func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrRoomNotFound),
		errors.Is(err, service.ErrMessageNotFound),
		errors.Is(err, service.ErrTargetNotMember),
		errors.Is(err, mail.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotParticipant),
		errors.Is(err, service.ErrNotAdmin),
		errors.Is(err, service.ErrDeleteForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNoParticipants),
		errors.Is(err, service.ErrCannotRemoveSelf),
		errors.Is(err, service.ErrCannotRemoveOwner),
		errors.Is(err, service.ErrCannotRevokeOwner),
		errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, service.ErrSenderMismatch),
		errors.Is(err, service.ErrSelfFriend),
		errors.Is(err, service.ErrAlreadyFriends),
		errors.Is(err, compute.ErrOutOfRange):
		return http.StatusBadRequest
	}
	return 0
}

// fail 输出错误响应；未映射的错误记录日志并返回 500，不向客户端暴露细节。
func fail(c *gin.Context, err error, op string) {
	if code := errorStatus(err); code != 0 {
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	log.Error().Err(err).Str("op", op).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func parseID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		badRequest(c, "invalid "+strings.ReplaceAll(name, "_", " "))
		return 0, false
	}
	return uint(v), true
}

func identity(c *gin.Context) auth.Identity {
	return auth.Identity{UserID: auth.GetUserID(c), Username: auth.GetUsername(c)}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Password == "" {
		badRequest(c, "invalid payload")
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		badRequest(c, "invalid username")
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		badRequest(c, "invalid password")
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.Username, req.Password, req.Email)
	if err != nil {
		fail(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"token_type":    "bearer",
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Me(c *gin.Context) {
	me, err := h.userSvc.Me(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "load profile")
		return
	}
	c.JSON(http.StatusOK, me)
}

func (h *Handler) ListFriends(c *gin.Context) {
	friends, err := h.friendSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list friends")
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

func (h *Handler) AddFriend(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		badRequest(c, "invalid payload")
		return
	}
	f, err := h.friendSvc.Add(c.Request.Context(), auth.GetUserID(c), strings.TrimSpace(req.Username))
	if err != nil {
		fail(c, err, "add friend")
		return
	}
	c.JSON(http.StatusCreated, f)
}

// CreateRoom 处理创建房间请求。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name         string   `json:"name"`
		Participants []string `json:"participants"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(c, "invalid payload")
		return
	}
	if len(req.Name) > 128 {
		badRequest(c, "invalid room name")
		return
	}
	room, err := h.roomSvc.Create(c.Request.Context(), req.Name, auth.GetUserID(c), req.Participants)
	if err != nil {
		fail(c, err, "create room")
		return
	}
	c.JSON(http.StatusCreated, room)
}

// ListRooms 返回当前用户参与的房间。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_rooms": rooms})
}

func (h *Handler) GetRoom(c *gin.Context) {
	roomID, ok := parseID(c, "id")
	if !ok {
		return
	}
	room, err := h.roomSvc.Get(c.Request.Context(), roomID, auth.GetUserID(c))
	if err != nil {
		fail(c, err, "get room")
		return
	}
	c.JSON(http.StatusOK, room)
}

// RenameRoom 新名称可以放在 JSON body 或 ?name= 中。
func (h *Handler) RenameRoom(c *gin.Context) {
	roomID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = c.Query("name")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		badRequest(c, "invalid room name")
		return
	}
	room, err := h.roomSvc.Rename(c.Request.Context(), roomID, auth.GetUserID(c), req.Name)
	if err != nil {
		fail(c, err, "rename room")
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) LeaveRoom(c *gin.Context) {
	roomID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.roomSvc.Leave(c.Request.Context(), roomID, auth.GetUserID(c)); err != nil {
		fail(c, err, "leave room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Successfully left the chat room"})
}

func (h *Handler) AddParticipants(c *gin.Context) {
	roomID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Usernames []string `json:"usernames"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	msg, err := h.participantSvc.Add(c.Request.Context(), roomID, auth.GetUserID(c), req.Usernames)
	if err != nil {
		fail(c, err, "add participants")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) ListParticipants(c *gin.Context) {
	roomID, ok := parseID(c, "id")
	if !ok {
		return
	}
	list, err := h.participantSvc.List(c.Request.Context(), roomID, auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list participants")
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) RemoveParticipant(c *gin.Context) {
	h.participantAction(c, "remove participant", h.participantSvc.Remove)
}

func (h *Handler) GrantAdmin(c *gin.Context) {
	h.participantAction(c, "grant admin", h.participantSvc.GrantAdmin)
}

func (h *Handler) RevokeAdmin(c *gin.Context) {
	h.participantAction(c, "revoke admin", h.participantSvc.RevokeAdmin)
}

type participantOp func(ctx context.Context, roomID, actorID uint, username string) (string, error)

func (h *Handler) participantAction(c *gin.Context, op string, fn participantOp) {
	roomID, ok := parseID(c, "id")
	if !ok {
		return
	}
	msg, err := fn(c.Request.Context(), roomID, auth.GetUserID(c), c.Param("username"))
	if err != nil {
		fail(c, err, op)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) SendMessage(c *gin.Context) {
	roomID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req service.SendInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	msg, err := h.msgSvc.Send(c.Request.Context(), roomID, identity(c), req)
	if err != nil {
		fail(c, err, "send message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// ListMessages 处理 page / page_size 分页查询。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := parseID(c, "id")
	if !ok {
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		badRequest(c, "invalid page")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize < 1 || pageSize > 100 {
		badRequest(c, "invalid page_size")
		return
	}
	out, err := h.msgSvc.List(c.Request.Context(), roomID, auth.GetUserID(c), page, pageSize)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	roomID, ok := parseID(c, "id")
	if !ok {
		return
	}
	messageID, ok := parseID(c, "message_id")
	if !ok {
		return
	}
	msg, err := h.msgSvc.Delete(c.Request.Context(), roomID, messageID, auth.GetUserID(c))
	if err != nil {
		fail(c, err, "delete message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// TaskStatus 查询欢迎邮件任务状态。
func (h *Handler) TaskStatus(c *gin.Context) {
	if h.tasks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task backend unavailable"})
		return
	}
	res, err := h.tasks.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err, "task status")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Fibonacci(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		badRequest(c, "invalid n")
		return
	}
	res, err := h.fib.Compute(c.Request.Context(), n)
	if err != nil {
		fail(c, err, "fibonacci")
		return
	}
	log.Debug().Int("n", n).Float64("seconds", res.ExecutionTime).Msg("fibonacci computed")
	c.JSON(http.StatusOK, res)
}
