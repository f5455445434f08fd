package ws

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type Kind string

const (
	KindChat   Kind = "chat"
	KindTyping Kind = "typing"
	KindRead   Kind = "read"
)

// Frame 是一条上行消息解析后的结果。Timestamp 为客户端原样提供的字符串。
type Frame struct {
	Kind      Kind
	Content   string
	Timestamp string
}

type wireFrame struct {
	Content     *string `json:"content"`
	Timestamp   *string `json:"timestamp"`
	MessageType *string `json:"message_type"`
}

// DecodeFrame 先尝试严格解析 JSON 结构，失败时把整段文本去掉首尾空白后当作聊天内容。
// 它从不返回错误。
func DecodeFrame(raw []byte) Frame {
	if f, ok := decodeStructured(raw); ok {
		return f
	}
	return Frame{Kind: KindChat, Content: strings.TrimSpace(string(raw))}
}

func decodeStructured(raw []byte) (Frame, bool) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil || w.Content == nil {
		return Frame{}, false
	}
	f := Frame{Kind: KindChat, Content: *w.Content}
	if w.Timestamp != nil {
		f.Timestamp = *w.Timestamp
	}
	if w.MessageType != nil {
		switch k := Kind(*w.MessageType); k {
		case KindChat, KindTyping, KindRead:
			f.Kind = k
		default:
			return Frame{}, false
		}
	}
	return f, true
}

var errBadTimestamp = errors.New("unrecognised timestamp")

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseClientTimestamp 宽松解析 ISO-8601 时间，未带时区的按 UTC 处理。
func ParseClientTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errBadTimestamp
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errBadTimestamp
}
