package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	id       string
	received [][]byte
	closed   bool
	mu       sync.Mutex
	sendErr  error
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) getReceived() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.received...)
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = nil
}

// events 把收到的帧解析成通用 map，便于断言 type 和字段。
func (m *mockConn) events(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range m.getReceived() {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev)
	}
	return out
}

func usersOf(ev map[string]any) []string {
	raw, _ := ev["users"].([]any)
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		out = append(out, u.(string))
	}
	return out
}

func TestRegistry_RegisterAnnouncesJoinAndPresence(t *testing.T) {
	r := NewRegistry()
	alice := &mockConn{id: "a"}
	bob := &mockConn{id: "b"}

	r.Register(1, 1, "alice", alice)
	r.Register(1, 2, "bob", bob)

	evs := alice.events(t)
	require.Len(t, evs, 4)
	assert.Equal(t, TypeSystem, evs[0]["type"])
	assert.Equal(t, "alice joined the room", evs[0]["content"])
	assert.Equal(t, []string{"alice"}, usersOf(evs[1]))
	assert.Equal(t, "bob joined the room", evs[2]["content"])
	assert.Equal(t, []string{"alice", "bob"}, usersOf(evs[3]))

	// 新加入者自己也会收到加入通知和完整在线列表，且各一次。
	bobEvs := bob.events(t)
	require.Len(t, bobEvs, 2)
	assert.Equal(t, "bob joined the room", bobEvs[0]["content"])
	assert.Equal(t, TypeUsersList, bobEvs[1]["type"])
	assert.Equal(t, []string{"alice", "bob"}, usersOf(bobEvs[1]))
}

func TestRegistry_Broadcast(t *testing.T) {
	tests := []struct {
		name    string
		except  uint
		wantGot map[string]int
	}{
		{"all members", 0, map[string]int{"a": 1, "b": 1, "c": 1}},
		{"exclude sender", 2, map[string]int{"a": 1, "b": 0, "c": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			conns := map[string]*mockConn{"a": {id: "a"}, "b": {id: "b"}, "c": {id: "c"}}
			r.Register(1, 1, "alice", conns["a"])
			r.Register(1, 2, "bob", conns["b"])
			r.Register(1, 3, "carol", conns["c"])
			for _, c := range conns {
				c.reset()
			}

			if tt.except == 0 {
				r.Broadcast(1, NewSystemEvent("hello"))
			} else {
				r.BroadcastExcept(1, NewSystemEvent("hello"), tt.except)
			}

			for id, want := range tt.wantGot {
				assert.Len(t, conns[id].getReceived(), want, "conn %s", id)
			}
		})
	}
}

func TestRegistry_NoCrossRoomBroadcast(t *testing.T) {
	r := NewRegistry()
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	r.Register(1, 1, "alice", a)
	r.Register(2, 2, "bob", b)
	b.reset()

	r.Broadcast(1, NewSystemEvent("only room 1"))

	assert.Empty(t, b.getReceived())
}

func TestRegistry_BroadcastUntrackedRoomIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.NotPanics(t, func() {
		r.Broadcast(42, NewSystemEvent("nobody"))
		r.BroadcastPresence(42)
	})
}

func TestRegistry_FailedDeliveryDoesNotStopOthers(t *testing.T) {
	r := NewRegistry()
	bad := &mockConn{id: "bad"}
	good := &mockConn{id: "good"}
	r.Register(1, 1, "alice", bad)
	r.Register(1, 2, "bob", good)
	good.reset()
	bad.mu.Lock()
	bad.sendErr = ErrSlowConsumer
	bad.mu.Unlock()

	r.Broadcast(1, NewSystemEvent("hi"))

	assert.Len(t, good.getReceived(), 1)
}

func TestRegistry_DeregisterReturnsLeaveNotice(t *testing.T) {
	r := NewRegistry()
	alice := &mockConn{id: "a"}
	bob := &mockConn{id: "b"}
	r.Register(1, 1, "alice", alice)
	r.Register(1, 2, "bob", bob)
	bob.reset()

	notice, ok := r.Deregister(1, 1, alice)
	require.True(t, ok)
	assert.Equal(t, TypeSystem, notice.Type)
	assert.Equal(t, "alice left the room", notice.Content)

	r.Broadcast(1, notice)
	r.BroadcastPresence(1)

	evs := bob.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, "alice left the room", evs[0]["content"])
	assert.Equal(t, []string{"bob"}, usersOf(evs[1]))
	assert.Equal(t, []string{"bob"}, r.ListPresence(1))
}

func TestRegistry_LastDeregisterForgetsRoom(t *testing.T) {
	r := NewRegistry()
	alice := &mockConn{id: "a"}
	r.Register(7, 1, "alice", alice)

	_, ok := r.Deregister(7, 1, alice)
	assert.False(t, ok)
	assert.Equal(t, []string{}, r.ListPresence(7))
	rooms, conns := r.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, conns)

	// 房间被遗忘后再次连接会从空状态重建。
	again := &mockConn{id: "a2"}
	r.Register(7, 1, "alice", again)
	assert.Equal(t, []string{"alice"}, r.ListPresence(7))
}

func TestRegistry_DeregisterUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	alice := &mockConn{id: "a"}
	r.Register(1, 1, "alice", alice)

	tests := []struct {
		name   string
		roomID uint
		userID uint
	}{
		{"unknown room", 99, 1},
		{"unknown user", 1, 99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := r.Deregister(tt.roomID, tt.userID, alice)
			assert.False(t, ok)
		})
	}
	assert.Equal(t, []string{"alice"}, r.ListPresence(1))
}

func TestRegistry_ReplacedConnection(t *testing.T) {
	r := NewRegistry()
	first := &mockConn{id: "first"}
	second := &mockConn{id: "second"}
	bob := &mockConn{id: "bob"}
	r.Register(1, 2, "bob", bob)
	r.Register(1, 1, "alice", first)
	r.Register(1, 1, "alice", second)

	assert.True(t, first.isClosed())
	assert.Equal(t, 2, r.Online(1))

	// 旧连接的延迟清理不能把新连接踢掉。
	_, ok := r.Deregister(1, 1, first)
	assert.False(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, r.ListPresence(1))

	second.reset()
	r.Broadcast(1, NewSystemEvent("still here"))
	assert.Len(t, second.getReceived(), 1)
	assert.Len(t, first.getReceived(), 2)
}

func TestRegistry_DuplicateUsernamesCollapse(t *testing.T) {
	r := NewRegistry()
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	r.Register(1, 1, "sam", a)
	r.Register(1, 2, "sam", b)

	assert.Equal(t, []string{"sam"}, r.ListPresence(1))
	assert.Equal(t, 2, r.Online(1))

	_, ok := r.Deregister(1, 1, a)
	require.True(t, ok)
	assert.Equal(t, []string{"sam"}, r.ListPresence(1))
}

func TestRegistry_SendDirect(t *testing.T) {
	r := NewRegistry()
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	r.Register(1, 1, "alice", a)
	r.Register(1, 2, "bob", b)
	a.reset()
	b.reset()

	require.NoError(t, r.SendDirect(a, NewSystemEvent("private")))

	assert.Len(t, a.getReceived(), 1)
	assert.Empty(t, b.getReceived())

	a.mu.Lock()
	a.sendErr = errors.New("gone")
	a.mu.Unlock()
	assert.Error(t, r.SendDirect(a, NewSystemEvent("private")))
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry()
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	r.Register(1, 1, "alice", a)
	r.Register(2, 2, "bob", b)

	r.Close()

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	rooms, conns := r.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, conns)
}

// 并发注册/注销后，房间存在当且仅当仍有连接，在线人数等于去重后的用户名数。
func TestRegistry_ConcurrentRegisterDeregister(t *testing.T) {
	r := NewRegistry()
	const users = 50

	var wg sync.WaitGroup
	conns := make([]*mockConn, users)
	for i := 0; i < users; i++ {
		conns[i] = &mockConn{id: fmt.Sprintf("c%d", i)}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room := uint(i%3 + 1)
			r.Register(room, uint(i+1), fmt.Sprintf("user%d", i), conns[i])
			if i%2 == 0 {
				r.Broadcast(room, NewSystemEvent("ping"))
				r.Deregister(room, uint(i+1), conns[i])
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for room := uint(1); room <= 3; room++ {
		presence := r.ListPresence(room)
		total += len(presence)
		assert.Equal(t, len(presence), r.Online(room))
	}
	assert.Equal(t, users/2, total)
	rooms, live := r.Stats()
	assert.Equal(t, 3, rooms)
	assert.Equal(t, users/2, live)

	for i := 1; i < users; i += 2 {
		r.Deregister(uint(i%3+1), uint(i+1), conns[i])
	}
	rooms, live = r.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, live)
}
