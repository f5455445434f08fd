package store

import (
	"context"
	"testing"
	"time"

	"roomchat/internal/db"
	"roomchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("sqlite::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func seed(t *testing.T, gdb *gorm.DB) (room models.Room, admin, member models.User) {
	t.Helper()
	admin = models.User{Username: "alice", PasswordHash: "x"}
	member = models.User{Username: "bob", PasswordHash: "x"}
	require.NoError(t, gdb.Create(&admin).Error)
	require.NoError(t, gdb.Create(&member).Error)
	room = models.Room{Name: "general", CreatedBy: admin.ID}
	require.NoError(t, gdb.Create(&room).Error)
	require.NoError(t, gdb.Create(&models.Participant{RoomID: room.ID, UserID: admin.ID, IsAdmin: true, JoinedAt: time.Now()}).Error)
	require.NoError(t, gdb.Create(&models.Participant{RoomID: room.ID, UserID: member.ID, JoinedAt: time.Now()}).Error)
	return room, admin, member
}

func TestGateway_Membership(t *testing.T) {
	gdb := openTestDB(t)
	room, admin, member := seed(t, gdb)
	g := New(gdb)
	ctx := context.Background()

	tests := []struct {
		name        string
		roomID      uint
		userID      uint
		wantMember  bool
		wantIsAdmin bool
	}{
		{"admin", room.ID, admin.ID, true, true},
		{"plain member", room.ID, member.ID, true, false},
		{"stranger", room.ID, 999, false, false},
		{"unknown room", 999, admin.ID, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := g.IsParticipant(ctx, tt.roomID, tt.userID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMember, ok)

			isAdmin, err := g.IsAdmin(ctx, tt.roomID, tt.userID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIsAdmin, isAdmin)
		})
	}
}

func TestGateway_RoomExists(t *testing.T) {
	gdb := openTestDB(t)
	room, _, _ := seed(t, gdb)
	g := New(gdb)

	ok, err := g.RoomExists(context.Background(), room.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.RoomExists(context.Background(), room.ID+1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateway_CreateMessageAndActivity(t *testing.T) {
	gdb := openTestDB(t)
	room, admin, _ := seed(t, gdb)
	g := New(gdb)
	ctx := context.Background()
	clientTS := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	msg, err := g.CreateMessage(ctx, room.ID, admin.ID, "hello", &clientTS)
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.False(t, msg.IsDeleted)

	at := msg.CreatedAt.Add(time.Minute)
	require.NoError(t, g.UpdateRoomActivity(ctx, room.ID, at))

	var got models.Room
	require.NoError(t, gdb.First(&got, room.ID).Error)
	assert.True(t, got.UpdatedAt.Equal(at), "updated_at = %v, want %v", got.UpdatedAt, at)

	var stored models.Message
	require.NoError(t, gdb.First(&stored, msg.ID).Error)
	require.NotNil(t, stored.ClientTimestamp)
	assert.True(t, stored.ClientTimestamp.Equal(clientTS))
}

func TestGateway_ListMessages(t *testing.T) {
	gdb := openTestDB(t)
	room, admin, _ := seed(t, gdb)
	g := New(gdb)
	ctx := context.Background()

	for _, c := range []string{"m1", "m2", "m3", "m4", "m5"} {
		_, err := g.CreateMessage(ctx, room.ID, admin.ID, c, nil)
		require.NoError(t, err)
	}

	tests := []struct {
		page, size int
		want       []string
	}{
		{1, 2, []string{"m4", "m5"}},
		{2, 2, []string{"m2", "m3"}},
		{3, 2, []string{"m1"}},
		{4, 2, nil},
	}
	for _, tt := range tests {
		msgs, total, err := g.ListMessages(ctx, room.ID, tt.page, tt.size)
		require.NoError(t, err)
		assert.EqualValues(t, 5, total)
		var got []string
		for _, m := range msgs {
			got = append(got, m.Content)
		}
		assert.Equal(t, tt.want, got, "page %d", tt.page)
	}
}
