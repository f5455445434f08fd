package server

import (
	"net/http"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/compute"
	"roomchat/internal/config"
	"roomchat/internal/metrics"
	"roomchat/internal/mw"
	"roomchat/internal/service"
	"roomchat/internal/store"
	"roomchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps 是路由需要的外部依赖。Mailer 与 Tasks 为 nil 时相应功能降级。
type Deps struct {
	Config   config.Config
	DB       *gorm.DB
	Registry *ws.Registry
	Mailer   service.WelcomeMailer
	Tasks    TaskLookup
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config
	verifier := auth.NewVerifier(d.DB, cfg.JWTSecret)
	rooms := service.NewRoomService(d.DB, d.Registry)
	h := &Handler{
		userSvc:        service.NewUserService(d.DB, cfg, d.Mailer),
		friendSvc:      service.NewFriendService(d.DB),
		roomSvc:        rooms,
		participantSvc: service.NewParticipantService(d.DB, rooms),
		msgSvc:         service.NewMessageService(d.DB, rooms, d.Registry, cfg.SanitizeMessages),
		tasks:          d.Tasks,
		fib:            compute.NewFibonacci(cfg.FibonacciWorkers),
	}
	sessions := ws.NewSessionHandler(d.Registry, verifier, store.New(d.DB), ws.SessionConfig{
		SendBuffer:        cfg.WSSendBuffer,
		MaxMessageBytes:   cfg.WSMaxMessageBytes,
		MessagesPerSecond: cfg.WSMessagesPerSecond,
		MessageBurst:      cfg.WSMessageBurst,
		Sanitize:          cfg.SanitizeMessages,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，避免教学环境被刷爆。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/stats", func(c *gin.Context) {
		roomCount, conns := d.Registry.Stats()
		c.JSON(http.StatusOK, gin.H{"rooms": roomCount, "connections": conns})
	})

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)
	api.GET("/util/fibonacci/:n", h.Fibonacci)
	api.GET("/tasks/:id", h.TaskStatus)

	// WebSocket 在升级后自行校验 ?token=，不走 Bearer 中间件。
	api.GET("/chat/rooms/:id/ws", sessions.Serve)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(verifier))

	authed.GET("/auth/me", h.Me)
	authed.GET("/friends", h.ListFriends)
	authed.POST("/friends", h.AddFriend)

	chat := authed.Group("/chat/rooms")
	chat.POST("", h.CreateRoom)
	chat.GET("", h.ListRooms)
	chat.GET("/:id", h.GetRoom)
	chat.PUT("/:id", h.RenameRoom)
	chat.DELETE("/:id/leave", h.LeaveRoom)
	chat.POST("/:id/participants", h.AddParticipants)
	chat.GET("/:id/participants", h.ListParticipants)
	chat.DELETE("/:id/participants/:username", h.RemoveParticipant)
	chat.POST("/:id/admins/:username", h.GrantAdmin)
	chat.DELETE("/:id/admins/:username", h.RevokeAdmin)
	chat.POST("/:id/messages", h.SendMessage)
	chat.GET("/:id/messages", h.ListMessages)
	chat.DELETE("/:id/messages/:message_id", h.DeleteMessage)

	return r
}
