package server

import (
	"context"
	"testing"
	"time"

	"github.com/glasschat/glasschat/internal/database"
	"github.com/glasschat/glasschat/internal/stats"
	"github.com/glasschat/glasschat/internal/testutil"
	"github.com/glasschat/glasschat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestChatServer(t *testing.T, db database.ChatRepository, su stats.StatsProvider) *ChatServer {
	t.Helper()

	if db == nil {
		db = &database.MockChatRepository{}
	}
	if su == nil {
		m := &stats.MockStatsUpdater{}
		m.On("RegisterMetric", mock.Anything).Times(4)
		m.On("Incr", mock.Anything).Maybe()
		m.On("Decr", mock.Anything).Maybe()
		su = m
	}

	cs, err := NewChatServer(testutil.TestLogger(t), db, su)
	require.NoError(t, err)

	return cs
}

func recvServerMessage(t *testing.T, ch chan *ServerMessage) *ServerMessage {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server message")
	}

	return nil
}

func assertNoServerMessage(t *testing.T, ch chan *ServerMessage) {
	t.Helper()

	select {
	case msg := <-ch:
		t.Fatalf("expected no message, got %+v", msg)
	default:
	}
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", "NumConnections").Once()
	su.On("RegisterMetric", "NumActiveRooms").Once()
	su.On("RegisterMetric", "NumMessages").Once()
	su.On("RegisterMetric", "NumPollVotes").Once()

	db := &database.MockChatRepository{}
	cs, err := NewChatServer(testutil.TestLogger(t), db, su)
	require.NoError(t, err)

	assert.NotNil(t, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected db to be set")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.userMap, "expected user map to be initialized")
	assert.NotNil(t, cs.rooms, "expected rooms map to be initialized")
	assert.NotNil(t, cs.roomIds, "expected room id index to be initialized")
	assert.NotNil(t, cs.routeChan, "expected route channel to be initialized")
	assert.NotNil(t, cs.RegisterChan, "expected register channel to be initialized")
	assert.NotNil(t, cs.deRegisterChan, "expected deregister channel to be initialized")
	assert.NotNil(t, cs.broadcastChan, "expected broadcast channel to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	su.AssertExpectations(t)
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("clean shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, nil, nil)
		go cs.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, cs.Shutdown(ctx), "expected shutdown to succeed")
	})

	t.Run("context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, nil, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected deadline exceeded when run loop is not draining")
	})

	t.Run("exits active rooms", func(t *testing.T) {
		cs := newTestChatServer(t, nil, nil)

		room := newTestRoom(cs, types.Member{Id: 1, Username: "alice", Role: types.RoleMember})
		cs.rooms[room.externalId] = room
		cs.roomIds[room.id] = room.externalId
		go room.start()

		go cs.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, cs.Shutdown(ctx), "expected shutdown to drain the room actor")
	})
}

func TestChatServerAddRemoveClient(t *testing.T) {
	cs := newTestChatServer(t, nil, nil)

	user := types.User{Id: 1, Username: "alice"}
	c1 := NewClient(user, nil, cs, testutil.TestLogger(t))
	c2 := NewClient(user, nil, cs, testutil.TestLogger(t))

	assert.True(t, cs.addClient(c1), "expected first connection to report an online transition")
	assert.False(t, cs.addClient(c2), "expected second connection to be silent")
	assert.Len(t, cs.clients, 2)
	assert.Len(t, cs.userMap[1], 2)
	assert.True(t, cs.isOnline(1))

	assert.False(t, cs.removeClient(c1), "expected no offline transition while a connection remains")
	assert.True(t, cs.removeClient(c2), "expected offline transition on last connection")
	assert.Empty(t, cs.clients)
	assert.NotContains(t, cs.userMap, 1)
	assert.False(t, cs.isOnline(1))
}

func TestChatServerDeliverToUser(t *testing.T) {
	cs := newTestChatServer(t, nil, nil)

	user := types.User{Id: 1, Username: "alice"}
	c1 := NewClient(user, nil, cs, testutil.TestLogger(t))
	c2 := NewClient(user, nil, cs, testutil.TestLogger(t))
	other := NewClient(types.User{Id: 2, Username: "bob"}, nil, cs, testutil.TestLogger(t))
	cs.addClient(c1)
	cs.addClient(c2)
	cs.addClient(other)

	cs.deliverToUser(&ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		Notification: &Notification{Presence: &Presence{UserId: 2, Online: true}},
		UserId:       1,
		SkipClient:   c2,
	})

	msg := recvServerMessage(t, c1.send)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, 2, msg.Notification.Presence.UserId)
	assertNoServerMessage(t, c2.send)
	assertNoServerMessage(t, other.send)
}

func TestChatServerHandleRoute(t *testing.T) {
	t.Run("loads room and delivers join", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetRoomByExternalId", "abc123").Return(database.Room{
			Id:         7,
			ExternalId: "abc123",
			Kind:       types.RoomGroup,
			Name:       "general",
		}, nil)
		db.On("ListMembers", 7).Return([]database.Membership{
			{AccountId: 1, Username: "alice", Role: types.RoleAdmin, RoomId: 7},
		}, nil)
		db.On("GetUnread", 1, 7).Return(0, nil)

		cs := newTestChatServer(t, db, nil)
		client := NewClient(types.User{Id: 1, Username: "alice"}, nil, cs, testutil.TestLogger(t))

		cs.handleRoute(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomId: "abc123"},
			UserId:      1,
			client:      client,
		})

		require.Contains(t, cs.rooms, "abc123", "expected room actor to be loaded")
		assert.Equal(t, "abc123", cs.roomIds[7])

		// the room goroutine processes the join and acks it
		msg := recvServerMessage(t, client.send)
		require.NotNil(t, msg.Response)
		assert.Equal(t, 200, msg.Response.ResponseCode)

		cs.unloadRoom("abc123", false)
		db.AssertExpectations(t)
	})

	t.Run("drops events without a target room", func(t *testing.T) {
		cs := newTestChatServer(t, nil, nil)

		cs.handleRoute(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Read:        &Read{RoomId: "abc123"},
			UserId:      1,
		})

		assert.Empty(t, cs.rooms, "expected no room to be loaded without a route target")
	})
}

func TestChatServerFanOutPresence(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("ListRoomsForAccount", 1).Return([]database.Membership{
		{AccountId: 1, RoomId: 7},
		{AccountId: 1, RoomId: 8},
	}, nil)

	cs := newTestChatServer(t, db, nil)

	room := newTestRoom(cs, types.Member{Id: 1, Username: "alice"}, types.Member{Id: 2, Username: "bob"})
	room.id = 7
	cs.rooms[room.externalId] = room
	cs.roomIds[7] = room.externalId

	watcher := NewClient(types.User{Id: 2, Username: "bob"}, nil, cs, testutil.TestLogger(t))
	room.addClient(watcher)

	cs.fanOutPresence(1, true)

	msg := recvServerMessage(t, watcher.send)
	require.NotNil(t, msg.Notification)
	require.NotNil(t, msg.Notification.Presence)
	assert.Equal(t, 1, msg.Notification.Presence.UserId)
	assert.True(t, msg.Notification.Presence.Online)
	db.AssertExpectations(t)
}

func TestChatServerNotifyUser(t *testing.T) {
	cs := newTestChatServer(t, nil, nil)

	cs.NotifyUser(3, &Notification{RoomDeleted: &RoomDeleted{RoomId: "abc123"}})

	msg := recvServerMessage(t, cs.broadcastChan)
	assert.Equal(t, 3, msg.UserId)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, "abc123", msg.Notification.RoomDeleted.RoomId)
}

func TestChatServerNotifyMessage(t *testing.T) {
	cs := newTestChatServer(t, nil, nil)

	cs.NotifyMessage(3, &types.Message{Id: 10, Content: "alice joined the room"}, "abc123", 4)

	msg := recvServerMessage(t, cs.broadcastChan)
	assert.Equal(t, 3, msg.UserId)
	require.NotNil(t, msg.MessageUnread)
	assert.Equal(t, 10, msg.MessageUnread.Message.Id)
	assert.Equal(t, "abc123", msg.MessageUnread.RoomId)
	assert.Equal(t, 4, msg.MessageUnread.Count)
}

func TestChatServerMarkRoomRead(t *testing.T) {
	cs := newTestChatServer(t, nil, nil)

	cs.MarkRoomRead(1, "abc123")

	select {
	case msg := <-cs.routeChan:
		require.NotNil(t, msg.Read)
		assert.Equal(t, "abc123", msg.Read.RoomId)
		assert.Equal(t, "abc123", msg.routeRoomId)
		assert.Equal(t, 1, msg.UserId)
		assert.Nil(t, msg.client, "expected no client on server-originated reads")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed read")
	}
}

func TestChatServerDropRoom(t *testing.T) {
	cs := newTestChatServer(t, nil, nil)
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	assert.False(t, cs.DropRoom("missing"), "expected drop of an unloaded room to report false")
}

func TestChatServerHandleRefreshRoom(t *testing.T) {
	t.Run("forwards to loaded room", func(t *testing.T) {
		cs := newTestChatServer(t, nil, nil)
		room := newTestRoom(cs, types.Member{Id: 1, Username: "alice"})
		cs.rooms[room.externalId] = room

		cs.handleRefreshRoom(refreshRoomReq{externalId: room.externalId, removedUserId: 2})

		select {
		case req := <-room.refreshChan:
			assert.Equal(t, 2, req.removedUserId)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for refresh request")
		}
	})

	t.Run("evicts removed user when room is unloaded", func(t *testing.T) {
		cs := newTestChatServer(t, nil, nil)
		client := NewClient(types.User{Id: 2, Username: "bob"}, nil, cs, testutil.TestLogger(t))
		cs.addClient(client)

		cs.handleRefreshRoom(refreshRoomReq{externalId: "abc123", removedUserId: 2})

		msg := recvServerMessage(t, client.send)
		require.NotNil(t, msg.Notification)
		require.NotNil(t, msg.Notification.Evicted)
		assert.Equal(t, "abc123", msg.Notification.Evicted.RoomId)
	})
}
