package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"roomchat/internal/config"
	"roomchat/internal/db"
	"roomchat/internal/mail"
	"roomchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTasks map[string]mail.Result

func (f fakeTasks) Status(_ context.Context, id string) (*mail.Result, error) {
	r, ok := f[id]
	if !ok {
		return nil, mail.ErrTaskNotFound
	}
	return &r, nil
}

func testConfig() config.Config {
	return config.Config{
		Port:                  "0",
		JWTSecret:             "secret",
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		WSSendBuffer:          16,
		WSMaxMessageBytes:     1 << 16,
		SanitizeMessages:      true,
		FibonacciWorkers:      2,
	}
}

func newTestEngine(t *testing.T, tasks TaskLookup) (*gin.Engine, *ws.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.Connect("sqlite::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	reg := ws.NewRegistry()
	t.Cleanup(reg.Close)
	return SetupRouter(Deps{Config: testConfig(), DB: gdb, Registry: reg, Tasks: tasks}), reg
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// signup 注册并登录，返回 access token。
func signup(t *testing.T, h http.Handler, username string) string {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": username, "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": username, "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode(t, w)["access_token"].(string)
}

func TestHealthz(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthFlow(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{"short username", gin.H{"username": "a", "password": "secret1"}, http.StatusBadRequest},
		{"short password", gin.H{"username": "alice", "password": "abc"}, http.StatusBadRequest},
		{"missing fields", gin.H{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, engine, http.MethodPost, "/api/v1/auth/register", "", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	token := signup(t, engine, "alice")

	w := doJSON(t, engine, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": "alice", "password": "secret1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, engine, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, engine, http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decode(t, w)["username"])

	w = doJSON(t, engine, http.MethodGet, "/api/v1/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, engine, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoomLifecycle(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	alice := signup(t, engine, "alice")
	bob := signup(t, engine, "bob")
	carol := signup(t, engine, "carol")

	w := doJSON(t, engine, http.MethodPost, "/api/v1/chat/rooms", alice, gin.H{"name": "general", "participants": []string{"ghost"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, engine, http.MethodPost, "/api/v1/chat/rooms", alice, gin.H{"name": "general", "participants": []string{"bob"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	room := decode(t, w)
	base := "/api/v1/chat/rooms/" + jsonID(room["id"])

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"member reads detail", http.MethodGet, base, bob, nil, http.StatusOK},
		{"stranger reads detail", http.MethodGet, base, carol, nil, http.StatusForbidden},
		{"unknown room", http.MethodGet, "/api/v1/chat/rooms/999", alice, nil, http.StatusNotFound},
		{"bad room id", http.MethodGet, "/api/v1/chat/rooms/abc", alice, nil, http.StatusBadRequest},
		{"member renames", http.MethodPut, base, bob, gin.H{"name": "x"}, http.StatusForbidden},
		{"admin renames", http.MethodPut, base + "?name=lobby", alice, nil, http.StatusOK},
		{"empty message", http.MethodPost, base + "/messages", bob, gin.H{"content": "  "}, http.StatusBadRequest},
		{"stranger sends", http.MethodPost, base + "/messages", carol, gin.H{"content": "hi"}, http.StatusForbidden},
		{"member sends", http.MethodPost, base + "/messages", bob, gin.H{"content": "hi"}, http.StatusOK},
		{"page size too large", http.MethodGet, base + "/messages?page_size=101", bob, nil, http.StatusBadRequest},
		{"page zero", http.MethodGet, base + "/messages?page=0", bob, nil, http.StatusBadRequest},
		{"remove creator", http.MethodDelete, base + "/participants/alice", alice, nil, http.StatusBadRequest},
		{"revoke creator", http.MethodDelete, base + "/admins/alice", alice, nil, http.StatusBadRequest},
		{"grant by member", http.MethodPost, base + "/admins/bob", bob, nil, http.StatusForbidden},
		{"add participant", http.MethodPost, base + "/participants", alice, gin.H{"usernames": []string{"carol"}}, http.StatusCreated},
		{"list participants", http.MethodGet, base + "/participants", carol, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, engine, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w = doJSON(t, engine, http.MethodGet, base+"/messages", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w)
	assert.EqualValues(t, 1, page["total_count"])
	assert.EqualValues(t, 20, page["page_size"])

	w = doJSON(t, engine, http.MethodGet, "/api/v1/chat/rooms", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["chat_rooms"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "lobby", list[0].(map[string]any)["name"])
	assert.Equal(t, "hi", list[0].(map[string]any)["last_message"])

	w = doJSON(t, engine, http.MethodDelete, base+"/leave", carol, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, engine, http.MethodDelete, base+"/leave", carol, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFriends(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	alice := signup(t, engine, "alice")
	signup(t, engine, "bob")

	w := doJSON(t, engine, http.MethodPost, "/api/v1/friends", alice, gin.H{"username": "bob"})
	assert.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(t, engine, http.MethodPost, "/api/v1/friends", alice, gin.H{"username": "bob"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(t, engine, http.MethodPost, "/api/v1/friends", alice, gin.H{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(t, engine, http.MethodPost, "/api/v1/friends", alice, gin.H{"username": "zed"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, engine, http.MethodGet, "/api/v1/friends", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["friends"], 1)
}

func TestFibonacciEndpoint(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/util/fibonacci/10", http.StatusOK},
		{"/api/v1/util/fibonacci/36", http.StatusBadRequest},
		{"/api/v1/util/fibonacci/-1", http.StatusBadRequest},
		{"/api/v1/util/fibonacci/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := doJSON(t, engine, http.MethodGet, tt.path, "", nil)
		if w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
		}
	}

	w := doJSON(t, engine, http.MethodGet, "/api/v1/util/fibonacci/10", "", nil)
	assert.EqualValues(t, 55, decode(t, w)["fibonacci"])
}

func TestTaskStatus(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	w := doJSON(t, engine, http.MethodGet, "/api/v1/tasks/abc", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	engine, _ = newTestEngine(t, fakeTasks{"t1": {TaskID: "t1", Status: mail.StatusSuccess}})
	w = doJSON(t, engine, http.MethodGet, "/api/v1/tasks/t1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", decode(t, w)["status"])

	w = doJSON(t, engine, http.MethodGet, "/api/v1/tasks/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRESTMessageReachesWebSocket(t *testing.T) {
	engine, reg := newTestEngine(t, nil)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	alice := signup(t, engine, "alice")
	bob := signup(t, engine, "bob")
	w := doJSON(t, engine, http.MethodPost, "/api/v1/chat/rooms", alice, gin.H{"name": "general", "participants": []string{"bob"}})
	require.Equal(t, http.StatusCreated, w.Code)
	roomID := jsonID(decode(t, w)["id"])

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat/rooms/" + roomID + "/ws?token=" + bob
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return reg.Online(1) == 1 }, 2*time.Second, 10*time.Millisecond)

	w = doJSON(t, engine, http.MethodPost, "/api/v1/chat/rooms/"+roomID+"/messages", alice, gin.H{"content": "hello bob"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev map[string]any
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev["type"] == ws.TypeChat {
			assert.Equal(t, "hello bob", ev["content"])
			assert.Equal(t, "alice", ev["sender_username"])
			return
		}
	}
}

func TestStats(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	w := doJSON(t, engine, http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.EqualValues(t, 0, out["rooms"])
	assert.EqualValues(t, 0, out["connections"])
}

func jsonID(v any) string {
	f, _ := v.(float64)
	return strconv.Itoa(int(f))
}
