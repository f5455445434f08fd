package ws

import (
	"time"

	"roomchat/internal/models"
)

// 下行事件的 type 字段取值。
const (
	TypeChat      = "chat"
	TypeTyping    = "typing"
	TypeRead      = "read"
	TypeSystem    = "system"
	TypeUsersList = "users_list"
)

type ChatEvent struct {
	Type            string `json:"type"`
	ID              uint   `json:"id"`
	Content         string `json:"content"`
	SenderUsername  string `json:"sender_username"`
	Timestamp       string `json:"timestamp"`
	ClientTimestamp string `json:"client_timestamp,omitempty"`
}

// SignalEvent 承载 typing / read 这类不落库的瞬时事件。
type SignalEvent struct {
	Type           string `json:"type"`
	SenderUsername string `json:"sender_username"`
	Timestamp      string `json:"timestamp"`
}

type SystemEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type PresenceEvent struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

func NewChatEvent(msg *models.Message, sender string) ChatEvent {
	ev := ChatEvent{
		Type:           TypeChat,
		ID:             msg.ID,
		Content:        msg.Content,
		SenderUsername: sender,
		Timestamp:      FormatTime(msg.CreatedAt),
	}
	if msg.ClientTimestamp != nil {
		ev.ClientTimestamp = FormatTime(*msg.ClientTimestamp)
	}
	return ev
}

// WithClientTimestamp 用客户端原始字符串回显 client_timestamp，raw 为空时不变。
func (e ChatEvent) WithClientTimestamp(raw string) ChatEvent {
	if raw != "" {
		e.ClientTimestamp = raw
	}
	return e
}

func NewSystemEvent(content string) SystemEvent {
	return SystemEvent{Type: TypeSystem, Content: content}
}

func NewPresenceEvent(users []string) PresenceEvent {
	if users == nil {
		users = []string{}
	}
	return PresenceEvent{Type: TypeUsersList, Users: users}
}

func joinNotice(username string) SystemEvent {
	return NewSystemEvent(username + " joined the room")
}

func leaveNotice(username string) SystemEvent {
	return NewSystemEvent(username + " left the room")
}

// FormatTime 统一以 UTC RFC 3339 输出时间戳。
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
