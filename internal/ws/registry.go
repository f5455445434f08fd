package ws

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"roomchat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Conn 是注册表眼中的一条实时连接。Send 不得阻塞。
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type member struct {
	username string
	conn     Conn
}

// room 内所有操作都持有 mu；closed 置位后该实例不再接受注册。
type room struct {
	mu      sync.Mutex
	closed  atomic.Bool
	members map[uint]member
}

func (rm *room) usernames() []string {
	seen := make(map[string]struct{}, len(rm.members))
	out := make([]string, 0, len(rm.members))
	for _, m := range rm.members {
		if _, ok := seen[m.username]; ok {
			continue
		}
		seen[m.username] = struct{}{}
		out = append(out, m.username)
	}
	sort.Strings(out)
	return out
}

func (rm *room) deliver(data []byte, except uint) {
	for uid, m := range rm.members {
		if except != 0 && uid == except {
			continue
		}
		if err := m.conn.Send(data); err != nil {
			metrics.WsDroppedFrames.Inc()
			log.Debug().Err(err).Str("conn_id", m.conn.ID()).Uint("user_id", uid).Msg("drop frame")
		}
	}
}

// Registry 记录每个房间当前在线的连接，是在线状态的唯一来源。
// 房间表由 mu 保护，每个房间另有自己的锁，不同房间之间互不阻塞。
type Registry struct {
	mu    sync.Mutex
	rooms map[uint]*room
	conns atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[uint]*room)}
}

// acquire 返回可用的房间实例，必要时新建。
func (r *Registry) acquire(roomID uint) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok && !rm.closed.Load() {
		return rm
	}
	rm := &room{members: make(map[uint]member)}
	r.rooms[roomID] = rm
	metrics.WsRooms.Set(float64(len(r.rooms)))
	return rm
}

func (r *Registry) lookup(roomID uint) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok || rm.closed.Load() {
		return nil
	}
	return rm
}

func (r *Registry) forget(roomID uint, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[roomID] == rm {
		delete(r.rooms, roomID)
	}
	metrics.WsRooms.Set(float64(len(r.rooms)))
}

// Register 把连接登记到房间并关闭同一用户之前的连接，
// 随后向房间全体（包括新连接）推送加入通知和最新在线列表。
func (r *Registry) Register(roomID, userID uint, username string, conn Conn) {
	join, _ := json.Marshal(joinNotice(username))
	for {
		rm := r.acquire(roomID)
		rm.mu.Lock()
		if rm.closed.Load() {
			rm.mu.Unlock()
			continue
		}
		prev, replaced := rm.members[userID]
		if !replaced {
			r.conns.Add(1)
			metrics.WsConnections.Inc()
		}
		rm.members[userID] = member{username: username, conn: conn}
		presence, _ := json.Marshal(NewPresenceEvent(rm.usernames()))
		rm.deliver(join, 0)
		rm.deliver(presence, 0)
		rm.mu.Unlock()

		// 同一用户的新连接顶替旧连接，旧连接随后的 Deregister 会因 ID 不匹配而忽略。
		if replaced && prev.conn.ID() != conn.ID() {
			_ = prev.conn.Close()
		}
		return
	}
}

// Deregister 移除用户在房间中的连接。conn 不是当前登记的那条连接时视为已被替换，不做任何事。
// 房间因此变空时整个房间被遗忘，不返回通知；否则返回离开通知，由调用方广播后再推送在线列表。
func (r *Registry) Deregister(roomID, userID uint, conn Conn) (SystemEvent, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return SystemEvent{}, false
	}
	rm.mu.Lock()
	m, ok := rm.members[userID]
	if !ok || (conn != nil && m.conn.ID() != conn.ID()) {
		rm.mu.Unlock()
		return SystemEvent{}, false
	}
	delete(rm.members, userID)
	r.conns.Add(-1)
	metrics.WsConnections.Dec()
	empty := len(rm.members) == 0
	if empty {
		rm.closed.Store(true)
	}
	rm.mu.Unlock()

	if empty {
		r.forget(roomID, rm)
		return SystemEvent{}, false
	}
	return leaveNotice(m.username), true
}

// Broadcast 向房间内所有连接投递同一份负载。房间不存在时静默返回。
func (r *Registry) Broadcast(roomID uint, payload any) {
	r.broadcast(roomID, payload, 0)
}

// BroadcastExcept 与 Broadcast 相同，但跳过 except 用户。
func (r *Registry) BroadcastExcept(roomID uint, payload any, except uint) {
	r.broadcast(roomID, payload, except)
}

func (r *Registry) broadcast(roomID uint, payload any, except uint) {
	rm := r.lookup(roomID)
	if rm == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("marshal broadcast")
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.deliver(data, except)
}

// BroadcastPresence 推送房间最新的在线用户列表。
func (r *Registry) BroadcastPresence(roomID uint) {
	rm := r.lookup(roomID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	data, _ := json.Marshal(NewPresenceEvent(rm.usernames()))
	rm.deliver(data, 0)
}

// SendDirect 只发给一条连接，用于系统提示等私有消息。
func (r *Registry) SendDirect(conn Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		metrics.WsDroppedFrames.Inc()
		return err
	}
	return nil
}

// ListPresence 返回按字母序排列、去重后的在线用户名；房间未被追踪时返回空切片。
func (r *Registry) ListPresence(roomID uint) []string {
	rm := r.lookup(roomID)
	if rm == nil {
		return []string{}
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.usernames()
}

// Online 返回房间内的连接数，供 REST 接口复用。
func (r *Registry) Online(roomID uint) int {
	rm := r.lookup(roomID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Stats 返回被追踪的房间数和连接总数。
func (r *Registry) Stats() (rooms int, conns int) {
	r.mu.Lock()
	rooms = len(r.rooms)
	r.mu.Unlock()
	return rooms, int(r.conns.Load())
}

// Close 关闭所有已登记的连接并清空注册表，用于停服。
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[uint]*room)
	r.mu.Unlock()
	metrics.WsRooms.Set(0)

	for _, rm := range rooms {
		rm.mu.Lock()
		rm.closed.Store(true)
		for uid, m := range rm.members {
			_ = m.conn.Close()
			delete(rm.members, uid)
			r.conns.Add(-1)
			metrics.WsConnections.Dec()
		}
		rm.mu.Unlock()
	}
}
