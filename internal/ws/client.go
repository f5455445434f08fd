package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var (
	ErrSlowConsumer = errors.New("send queue full")
	ErrClosed       = errors.New("connection closed")
)

// Client 包装一条 gorilla websocket 连接：读在调用方 goroutine，写由独立的 writePump 负责。
// Send 只入队不阻塞，队列满时丢弃，慢连接不会拖住整个房间。
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close 通知 writePump 发送关闭帧并断开底层连接，可重复调用。
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Client) readPump(limit int64, handle func([]byte)) {
	c.conn.SetReadLimit(limit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush 尽力写出关闭前已入队的消息。
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// closeWithCode 在会话进入 Active 之前拒绝连接，客户端据关闭码区分原因。
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = conn.Close()
}
