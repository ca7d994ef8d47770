package server

import (
	"encoding/json"
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

func newTestRoom(cs *ChatServer, members ...types.Member) *Room {
	return &Room{
		id:            1,
		externalId:    "abc123",
		kind:          types.RoomGroup,
		name:          "test room",
		cs:            cs,
		members:       members,
		clientMsgChan: make(chan *ClientMessage, 16),
		refreshChan:   make(chan refreshReq, 1),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		log:           cs.log,
		killTimer:     time.NewTimer(idleRoomTimeout),
		exit:          make(chan exitReq),
	}
}

func newTestClient(t *testing.T, cs *ChatServer, user types.User) *Client {
	t.Helper()
	return NewClient(user, nil, cs, testutil.TestLogger(t))
}

func mustPollContent(t *testing.T, poll types.Poll) string {
	t.Helper()
	content, err := json.Marshal(poll)
	require.NoError(t, err)
	return string(content)
}

func TestRoomHandleJoin(t *testing.T) {
	t.Run("member joins and receives a presence snapshot", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetUnread", 1, 1).Return(3, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs,
			types.Member{Id: 1, Username: "alice", Role: types.RoleAdmin},
			types.Member{Id: 2, Username: "bob", Role: types.RoleMember},
		)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
		cs.addClient(client)

		room.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomId: room.externalId},
			UserId:      1,
			client:      client,
		})

		assert.Contains(t, room.clients, client, "expected client to be attached")
		assert.Equal(t, room, client.getRoom(room.externalId))

		ack := recvServerMessage(t, client.send)
		require.NotNil(t, ack.Response)
		assert.Equal(t, 200, ack.Response.ResponseCode)
		joined, ok := ack.Response.Data.(types.Room)
		require.True(t, ok, "expected room payload in ack")
		assert.Equal(t, room.externalId, joined.ExternalId)
		assert.Equal(t, types.RoleAdmin, joined.Role)
		assert.Equal(t, 3, joined.UnreadCount)
		require.Len(t, joined.Members, 2)
		assert.True(t, joined.Members[0].Online, "expected the joining user to show online")

		snapshot := recvServerMessage(t, client.send)
		require.NotNil(t, snapshot.Notification)
		require.NotNil(t, snapshot.Notification.PresenceSnapshot)
		assert.Equal(t, map[int]bool{1: true, 2: false}, snapshot.Notification.PresenceSnapshot.Presence)
		db.AssertExpectations(t)
	})

	t.Run("non-member join is dropped", func(t *testing.T) {
		cs := newTestChatServer(t, nil, nil)
		room := newTestRoom(cs, types.Member{Id: 1, Username: "alice", Role: types.RoleMember})
		client := newTestClient(t, cs, types.User{Id: 99, Username: "mallory"})

		room.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomId: room.externalId},
			UserId:      99,
			client:      client,
		})

		assert.NotContains(t, room.clients, client)
		assertNoServerMessage(t, client.send)
	})
}

func TestRoomHandlePublish(t *testing.T) {
	alice := types.Member{Id: 1, Username: "alice", Role: types.RoleMember}
	bob := types.Member{Id: 2, Username: "bob", Role: types.RoleMember}

	t.Run("message is stored, acked and fanned out with unread counts", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
			return p.RoomId == 1 && p.SenderId == 1 && p.Content == "hello" && p.Type == types.MessageText
		})).Return(database.Message{
			Id:         10,
			RoomId:     1,
			SenderId:   1,
			SenderName: "alice",
			Content:    "hello",
			Type:       types.MessageText,
			CreatedAt:  Now(),
		}, map[int]int{2: 3}, nil)

		su := &stats.MockStatsUpdater{}
		su.On("RegisterMetric", mock.Anything).Times(4)
		su.On("Incr", "NumMessages").Once()

		cs := newTestChatServer(t, db, su)
		room := newTestRoom(cs, alice, bob)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handlePublish(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Publish:     &Publish{RoomId: room.externalId, Content: " hello "},
			UserId:      1,
			client:      client,
		})

		ack := recvServerMessage(t, client.send)
		require.NotNil(t, ack.Response)
		assert.Equal(t, 200, ack.Response.ResponseCode)
		sent, ok := ack.Response.Data.(*types.Message)
		require.True(t, ok, "expected message payload in ack")
		assert.Equal(t, 10, sent.Id)
		assert.Equal(t, "hello", sent.Content)

		// fan-out: the sender gets the bare message, bob gets it with his count
		byUser := map[int]*ServerMessage{}
		for i := 0; i < 2; i++ {
			msg := recvServerMessage(t, cs.broadcastChan)
			byUser[msg.UserId] = msg
		}
		require.NotNil(t, byUser[1].Message)
		assert.Nil(t, byUser[1].MessageUnread)
		require.NotNil(t, byUser[2].MessageUnread)
		assert.Equal(t, 3, byUser[2].MessageUnread.Count)
		assert.Equal(t, room.externalId, byUser[2].MessageUnread.RoomId)

		db.AssertExpectations(t)
		su.AssertExpectations(t)
	})

	t.Run("non-member publish is dropped", func(t *testing.T) {
		db := &database.MockChatRepository{}
		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice)
		client := newTestClient(t, cs, types.User{Id: 99, Username: "mallory"})

		room.handlePublish(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Publish:     &Publish{RoomId: room.externalId, Content: "hello"},
			UserId:      99,
			client:      client,
		})

		assertNoServerMessage(t, client.send)
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("channel member cannot publish top-level", func(t *testing.T) {
		db := &database.MockChatRepository{}
		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice, bob)
		room.kind = types.RoomChannel
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handlePublish(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Publish:     &Publish{RoomId: room.externalId, Content: "hello"},
			UserId:      1,
			client:      client,
		})

		assertNoServerMessage(t, client.send)
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("blocked direct message is dropped", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("BlockedBetween", 1, 2).Return(true, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice, bob)
		room.kind = types.RoomDirect
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handlePublish(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Publish:     &Publish{RoomId: room.externalId, Content: "hello"},
			UserId:      1,
			client:      client,
		})

		assertNoServerMessage(t, client.send)
		assertNoServerMessage(t, cs.broadcastChan)
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
		db.AssertExpectations(t)
	})

	t.Run("reply under a poll root becomes a poll comment", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", 5).Return(database.Message{
			Id:     5,
			RoomId: 1,
			Type:   types.MessagePoll,
		}, nil)
		db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
			return p.Type == types.MessagePollComment && p.ThreadRootId == 5 && p.ThreadKind == types.ThreadPoll
		})).Return(database.Message{
			Id:           11,
			RoomId:       1,
			SenderId:     1,
			SenderName:   "alice",
			Content:      "nice poll",
			Type:         types.MessagePollComment,
			ThreadRootId: 5,
			ThreadKind:   types.ThreadPoll,
			CreatedAt:    Now(),
		}, map[int]int{2: 1}, nil)
		db.On("ThreadCommentCount", 5).Return(2, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice, bob)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handlePublish(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Publish:     &Publish{RoomId: room.externalId, Content: "nice poll", ThreadRootId: 5},
			UserId:      1,
			client:      client,
		})

		ack := recvServerMessage(t, client.send)
		require.NotNil(t, ack.Response)
		sent, ok := ack.Response.Data.(*types.Message)
		require.True(t, ok)
		assert.Equal(t, types.MessagePollComment, sent.Type)
		require.NotNil(t, sent.ThreadCommentCount)
		assert.Equal(t, 2, *sent.ThreadCommentCount)
		db.AssertExpectations(t)
	})
}

func TestRoomHandlePublishCrossRoomThreadRoot(t *testing.T) {
	alice := types.Member{Id: 1, Username: "alice", Role: types.RoleMember}
	bob := types.Member{Id: 2, Username: "bob", Role: types.RoleMember}

	db := &database.MockChatRepository{}
	// the referenced root lives in another room, so the send falls back to a
	// top-level message
	db.On("GetMessageById", 5).Return(database.Message{Id: 5, RoomId: 99, Type: types.MessageText}, nil)
	db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
		return p.Type == types.MessageText && p.ThreadRootId == 0 && p.ThreadKind == ""
	})).Return(database.Message{
		Id:        12,
		RoomId:    1,
		SenderId:  1,
		Content:   "hello",
		Type:      types.MessageText,
		CreatedAt: Now(),
	}, map[int]int{2: 1}, nil)

	cs := newTestChatServer(t, db, nil)
	room := newTestRoom(cs, alice, bob)
	client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

	room.handlePublish(&ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Publish:     &Publish{RoomId: room.externalId, Content: "hello", ThreadRootId: 5},
		UserId:      1,
		client:      client,
	})

	ack := recvServerMessage(t, client.send)
	require.NotNil(t, ack.Response)
	sent, ok := ack.Response.Data.(*types.Message)
	require.True(t, ok)
	assert.Zero(t, sent.ThreadRootId, "expected thread fields to be absent")
	db.AssertExpectations(t)
}

func TestRoomHandleSendPoll(t *testing.T) {
	alice := types.Member{Id: 1, Username: "alice", Role: types.RoleMember}
	bob := types.Member{Id: 2, Username: "bob", Role: types.RoleMember}

	t.Run("poll is stored and fanned out", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
			return p.Type == types.MessagePoll && p.SenderId == 1
		})).Return(database.Message{
			Id:       10,
			RoomId:   1,
			SenderId: 1,
			Content: mustPollContent(t, types.Poll{
				Version:  1,
				Question: "lunch?",
				Options:  []string{"pizza", "sushi"},
			}),
			Type:      types.MessagePoll,
			CreatedAt: Now(),
		}, map[int]int{2: 1}, nil)
		db.On("PollTally", 10, 2).Return([]int{0, 0}, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice, bob)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handleSendPoll(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			SendPoll: &SendPoll{
				RoomId:   room.externalId,
				Question: " lunch? ",
				Options:  []string{"pizza", "", "sushi"},
			},
			UserId: 1,
			client: client,
		})

		ack := recvServerMessage(t, client.send)
		require.NotNil(t, ack.Response)
		sent, ok := ack.Response.Data.(*types.Message)
		require.True(t, ok)
		require.NotNil(t, sent.Poll, "expected rendered poll payload")
		assert.Equal(t, "lunch?", sent.Poll.Question)
		assert.Equal(t, []string{"pizza", "sushi"}, sent.Poll.Options)
		assert.Empty(t, sent.Content, "expected raw poll content to be stripped")
		db.AssertExpectations(t)
	})

	t.Run("poll with a single option is dropped", func(t *testing.T) {
		db := &database.MockChatRepository{}
		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handleSendPoll(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			SendPoll: &SendPoll{
				RoomId:   room.externalId,
				Question: "lunch?",
				Options:  []string{"pizza", "  "},
			},
			UserId: 1,
			client: client,
		})

		assertNoServerMessage(t, client.send)
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})
}

func TestRoomHandleVote(t *testing.T) {
	alice := types.Member{Id: 1, Username: "alice", Role: types.RoleMember}
	bob := types.Member{Id: 2, Username: "bob", Role: types.RoleMember}

	t.Run("single-choice poll locks after the first vote", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{
			Id:     10,
			RoomId: 1,
			Type:   types.MessagePoll,
			Content: mustPollContent(t, types.Poll{
				Version:  1,
				Question: "lunch?",
				Options:  []string{"pizza", "sushi"},
			}),
		}, nil)
		db.On("GetPollVotes", 10, 1).Return([]int{0}, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice, bob)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handleVote(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			VotePoll:    &VotePoll{MessageId: 10, Selected: []int{1}},
			UserId:      1,
			client:      client,
		})

		ack := recvServerMessage(t, cs.broadcastChan)
		assert.Equal(t, 1, ack.UserId)
		require.NotNil(t, ack.Notification)
		require.NotNil(t, ack.Notification.PollAck)
		assert.True(t, ack.Notification.PollAck.Locked)
		assert.Equal(t, []int{0}, ack.Notification.PollAck.Selected, "expected the recorded vote, not the attempted one")
		db.AssertNotCalled(t, "AddPollVotes", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("multiple-choice poll accumulates and broadcasts the tally", func(t *testing.T) {
		pollContent := mustPollContent(t, types.Poll{
			Version:        1,
			Question:       "toppings?",
			Options:        []string{"cheese", "ham", "olives"},
			MultipleChoice: true,
		})

		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{
			Id:      10,
			RoomId:  1,
			Type:    types.MessagePoll,
			Content: pollContent,
		}, nil)
		db.On("GetPollVotes", 10, 1).Return([]int{0}, nil).Once()
		db.On("AddPollVotes", 10, 1, []int{1}).Return(true, nil)
		db.On("GetPollVotes", 10, 1).Return([]int{0, 1}, nil).Once()
		db.On("PollTally", 10, 3).Return([]int{1, 1, 0}, nil)

		su := &stats.MockStatsUpdater{}
		su.On("RegisterMetric", mock.Anything).Times(4)
		su.On("Incr", "NumPollVotes").Once()

		cs := newTestChatServer(t, db, su)
		room := newTestRoom(cs, alice, bob)
		voter := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
		watcher := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
		room.addClient(watcher)

		room.handleVote(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			VotePoll:    &VotePoll{MessageId: 10, Selected: []int{1}},
			UserId:      1,
			client:      voter,
		})

		ack := recvServerMessage(t, cs.broadcastChan)
		require.NotNil(t, ack.Notification.PollAck)
		assert.False(t, ack.Notification.PollAck.Locked)
		assert.Equal(t, []int{0, 1}, ack.Notification.PollAck.Selected)

		update := recvServerMessage(t, watcher.send)
		require.NotNil(t, update.Notification)
		require.NotNil(t, update.Notification.PollUpdated)
		assert.Equal(t, []int{1, 1, 0}, update.Notification.PollUpdated.Poll.Results)

		db.AssertExpectations(t)
		su.AssertExpectations(t)
	})

	t.Run("duplicate vote acks without a tally broadcast", func(t *testing.T) {
		pollContent := mustPollContent(t, types.Poll{
			Version:        1,
			Question:       "toppings?",
			Options:        []string{"cheese", "ham"},
			MultipleChoice: true,
		})

		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{
			Id:      10,
			RoomId:  1,
			Type:    types.MessagePoll,
			Content: pollContent,
		}, nil)
		db.On("GetPollVotes", 10, 1).Return([]int{1}, nil)
		db.On("AddPollVotes", 10, 1, []int{1}).Return(false, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice, bob)
		watcher := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
		room.addClient(watcher)

		room.handleVote(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			VotePoll:    &VotePoll{MessageId: 10, Selected: []int{1}},
			UserId:      1,
			client:      newTestClient(t, cs, types.User{Id: 1, Username: "alice"}),
		})

		ack := recvServerMessage(t, cs.broadcastChan)
		require.NotNil(t, ack.Notification.PollAck)
		assertNoServerMessage(t, watcher.send)
		db.AssertNotCalled(t, "PollTally", mock.Anything, mock.Anything)
	})
}

func TestRoomHandleReaction(t *testing.T) {
	alice := types.Member{Id: 1, Username: "alice", Role: types.RoleMember}

	t.Run("reaction is recorded and broadcast", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{Id: 10, RoomId: 1}, nil)
		db.On("AddReaction", 10, 1, "👍").Return(true, nil)
		db.On("ReactionSummary", 10).Return(map[string][]int{"👍": {1}}, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
		room.addClient(client)

		room.handleReaction(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			React:       &React{MessageId: 10, Emoji: "👍"},
			UserId:      1,
			client:      client,
		})

		ack := recvServerMessage(t, client.send)
		require.NotNil(t, ack.Response)
		assert.Equal(t, 200, ack.Response.ResponseCode)

		update := recvServerMessage(t, client.send)
		require.NotNil(t, update.Notification)
		require.NotNil(t, update.Notification.Reactions)
		assert.Equal(t, map[string][]int{"👍": {1}}, update.Notification.Reactions.Reactions)
		db.AssertExpectations(t)
	})

	t.Run("remove action deletes the reaction", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{Id: 10, RoomId: 1}, nil)
		db.On("RemoveReaction", 10, 1, "👍").Return(nil)
		db.On("ReactionSummary", 10).Return(map[string][]int{}, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handleReaction(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			React:       &React{MessageId: 10, Emoji: "👍", Action: "remove"},
			UserId:      1,
			client:      client,
		})

		ack := recvServerMessage(t, client.send)
		require.NotNil(t, ack.Response)
		db.AssertExpectations(t)
		db.AssertNotCalled(t, "AddReaction", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown emoji is dropped", func(t *testing.T) {
		db := &database.MockChatRepository{}
		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handleReaction(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			React:       &React{MessageId: 10, Emoji: "🍕"},
			UserId:      1,
			client:      client,
		})

		assertNoServerMessage(t, client.send)
		db.AssertNotCalled(t, "GetMessageById", mock.Anything)
	})

	t.Run("reaction to a message from another room is dropped", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{Id: 10, RoomId: 99}, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handleReaction(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			React:       &React{MessageId: 10, Emoji: "👍"},
			UserId:      1,
			client:      client,
		})

		assertNoServerMessage(t, client.send)
		db.AssertNotCalled(t, "AddReaction", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRoomHandleRead(t *testing.T) {
	alice := types.Member{Id: 1, Username: "alice", Role: types.RoleMember}
	bob := types.Member{Id: 2, Username: "bob", Role: types.RoleMember}

	t.Run("resets the counter and broadcasts a receipt", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("ResetUnread", 1, 1).Return(nil)
		db.On("MaxMessageId", 1).Return(42, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice, bob)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
		watcher := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
		room.addClient(watcher)

		room.handleRead(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Read:        &Read{RoomId: room.externalId},
			UserId:      1,
			client:      client,
		})

		ack := recvServerMessage(t, client.send)
		require.NotNil(t, ack.Response)
		assert.Equal(t, 200, ack.Response.ResponseCode)

		receipt := recvServerMessage(t, watcher.send)
		require.NotNil(t, receipt.Notification)
		require.NotNil(t, receipt.Notification.ReadReceipt)
		assert.Equal(t, 1, receipt.Notification.ReadReceipt.ReaderId)
		assert.Equal(t, 42, receipt.Notification.ReadReceipt.LastReadMessageId)
		db.AssertExpectations(t)
	})

	t.Run("tolerates a nil client for server-originated reads", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("ResetUnread", 1, 1).Return(nil)
		db.On("MaxMessageId", 1).Return(0, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice)

		room.handleRead(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Read:        &Read{RoomId: room.externalId},
			UserId:      1,
		})

		db.AssertExpectations(t)
	})
}

func TestRoomHandleEdit(t *testing.T) {
	alice := types.Member{Id: 1, Username: "alice", Role: types.RoleAdmin}

	t.Run("sender edits their own message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{Id: 10, RoomId: 1, SenderId: 1}, nil)
		db.On("UpdateMessageContent", 10, "updated").Return(nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice)
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
		room.addClient(client)

		room.handleEdit(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Edit:        &Edit{MessageId: 10, Content: " updated "},
			UserId:      1,
			client:      client,
		})

		ack := recvServerMessage(t, client.send)
		require.NotNil(t, ack.Response)

		update := recvServerMessage(t, client.send)
		require.NotNil(t, update.Notification)
		require.NotNil(t, update.Notification.MessageEdited)
		assert.Equal(t, "updated", update.Notification.MessageEdited.Content)
		db.AssertExpectations(t)
	})

	t.Run("admin edits another member's message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{Id: 10, RoomId: 1, SenderId: 2}, nil)
		db.On("UpdateMessageContent", 10, "updated").Return(nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, alice, types.Member{Id: 2, Username: "bob", Role: types.RoleMember})
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
		room.addClient(client)

		room.handleEdit(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Edit:        &Edit{MessageId: 10, Content: "updated"},
			UserId:      1,
			client:      client,
		})

		ack := recvServerMessage(t, client.send)
		require.NotNil(t, ack.Response)

		update := recvServerMessage(t, client.send)
		require.NotNil(t, update.Notification)
		require.NotNil(t, update.Notification.MessageEdited)
		assert.Equal(t, 10, update.Notification.MessageEdited.MessageId)
		db.AssertExpectations(t)
	})

	t.Run("plain member cannot edit someone else's message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{Id: 10, RoomId: 1, SenderId: 2}, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, types.Member{Id: 1, Username: "alice", Role: types.RoleMember})
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handleEdit(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Edit:        &Edit{MessageId: 10, Content: "updated"},
			UserId:      1,
			client:      client,
		})

		assertNoServerMessage(t, client.send)
		db.AssertNotCalled(t, "UpdateMessageContent", mock.Anything, mock.Anything)
	})
}

func TestRoomHandleDelete(t *testing.T) {
	t.Run("admin deletes another member's message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{Id: 10, RoomId: 1, SenderId: 2}, nil)
		db.On("DeleteMessage", 10).Return(nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, types.Member{Id: 1, Username: "alice", Role: types.RoleAdmin})
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
		room.addClient(client)

		room.handleDelete(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Delete:      &Delete{MessageId: 10},
			UserId:      1,
			client:      client,
		})

		ack := recvServerMessage(t, client.send)
		require.NotNil(t, ack.Response)

		update := recvServerMessage(t, client.send)
		require.NotNil(t, update.Notification.MessageDeleted)
		assert.Equal(t, 10, update.Notification.MessageDeleted.MessageId)
		db.AssertExpectations(t)
	})

	t.Run("plain member cannot delete someone else's message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessageById", 10).Return(database.Message{Id: 10, RoomId: 1, SenderId: 2}, nil)

		cs := newTestChatServer(t, db, nil)
		room := newTestRoom(cs, types.Member{Id: 1, Username: "alice", Role: types.RoleMember})
		client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

		room.handleDelete(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Delete:      &Delete{MessageId: 10},
			UserId:      1,
			client:      client,
		})

		assertNoServerMessage(t, client.send)
		db.AssertNotCalled(t, "DeleteMessage", mock.Anything)
	})
}

func TestRoomHandleDeleteMany(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("DeleteMessagesBySender", []int{10, 11, 12}, 1).Return([]int{10, 12}, nil)

	cs := newTestChatServer(t, db, nil)
	room := newTestRoom(cs, types.Member{Id: 1, Username: "alice", Role: types.RoleMember})
	client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	room.addClient(client)

	room.handleDeleteMany(&ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		DeleteMany:  &DeleteMany{MessageIds: []int{10, 11, 12}},
		UserId:      1,
		client:      client,
	})

	ack := recvServerMessage(t, client.send)
	require.NotNil(t, ack.Response)
	assert.Equal(t, []int{10, 12}, ack.Response.Data, "expected only the caller's own messages to be deleted")

	update := recvServerMessage(t, client.send)
	require.NotNil(t, update.Notification.MessagesDeleted)
	assert.Equal(t, []int{10, 12}, update.Notification.MessagesDeleted.MessageIds)
	db.AssertExpectations(t)
}

func TestRoomHandleTyping(t *testing.T) {
	cs := newTestChatServer(t, nil, nil)
	room := newTestRoom(cs,
		types.Member{Id: 1, Username: "alice", Role: types.RoleMember},
		types.Member{Id: 2, Username: "bob", Role: types.RoleMember},
	)
	sender := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	watcher := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
	room.addClient(sender)
	room.addClient(watcher)

	room.handleTyping(&ClientMessage{
		Typing: &Typing{RoomId: room.externalId, IsTyping: true},
		UserId: 1,
		client: sender,
	})

	msg := recvServerMessage(t, watcher.send)
	require.NotNil(t, msg.Notification)
	require.NotNil(t, msg.Notification.Typing)
	assert.Equal(t, 1, msg.Notification.Typing.UserId)
	assert.True(t, msg.Notification.Typing.IsTyping)
	assertNoServerMessage(t, sender.send)
}

func TestRoomHandleRoomCall(t *testing.T) {
	alice := types.Member{Id: 1, Username: "alice", Role: types.RoleMember}
	bob := types.Member{Id: 2, Username: "bob", Role: types.RoleMember}

	t.Run("invite is relayed only to the target", func(t *testing.T) {
		cs := newTestChatServer(t, nil, nil)
		room := newTestRoom(cs, alice, bob)

		room.handleRoomCall(&ClientMessage{
			RoomCall: &RoomCall{RoomId: room.externalId, Action: "invite", TargetUserId: 2},
			UserId:   1,
		})

		msg := recvServerMessage(t, cs.broadcastChan)
		assert.Equal(t, 2, msg.UserId)
		require.NotNil(t, msg.Notification.RoomCall)
		assert.Equal(t, "invite", msg.Notification.RoomCall.Action)
		assert.Equal(t, 1, msg.Notification.RoomCall.InitiatorId)
		assert.Equal(t, "alice", msg.Notification.RoomCall.SenderName)
	})

	t.Run("invite to a non-member is dropped", func(t *testing.T) {
		cs := newTestChatServer(t, nil, nil)
		room := newTestRoom(cs, alice, bob)

		room.handleRoomCall(&ClientMessage{
			RoomCall: &RoomCall{RoomId: room.externalId, Action: "invite", TargetUserId: 99},
			UserId:   1,
		})

		assertNoServerMessage(t, cs.broadcastChan)
	})

	t.Run("join is broadcast to the room", func(t *testing.T) {
		cs := newTestChatServer(t, nil, nil)
		room := newTestRoom(cs, alice, bob)
		watcher := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
		room.addClient(watcher)

		room.handleRoomCall(&ClientMessage{
			RoomCall: &RoomCall{RoomId: room.externalId, Action: "join"},
			UserId:   1,
		})

		msg := recvServerMessage(t, watcher.send)
		require.NotNil(t, msg.Notification.RoomCall)
		assert.Equal(t, "join", msg.Notification.RoomCall.Action)
		assert.Equal(t, 1, msg.Notification.RoomCall.UserId)
	})
}

func TestRoomHandleCallCard(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetMessageById", 10).Return(database.Message{Id: 10, RoomId: 1, Type: types.MessageCall}, nil)
	db.On("UpdateCallDuration", 10, "1:23").Return(nil)

	cs := newTestChatServer(t, db, nil)
	room := newTestRoom(cs, types.Member{Id: 1, Username: "alice", Role: types.RoleMember})
	client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	room.addClient(client)

	room.handleCallCard(&ClientMessage{
		CallCard: &CallCard{MessageId: 10, Duration: "1:23", Status: "ended"},
		UserId:   1,
		client:   client,
	})

	msg := recvServerMessage(t, client.send)
	require.NotNil(t, msg.Notification.CallCard)
	assert.Equal(t, "1:23", msg.Notification.CallCard.Duration)
	assert.Equal(t, "ended", msg.Notification.CallCard.Status)
	db.AssertExpectations(t)
}

func TestRoomHandleRefresh(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("ListMembers", 1).Return([]database.Membership{
		{AccountId: 1, Username: "alice", Role: types.RoleAdmin, RoomId: 1},
	}, nil)

	cs := newTestChatServer(t, db, nil)
	room := newTestRoom(cs,
		types.Member{Id: 1, Username: "alice", Role: types.RoleAdmin},
		types.Member{Id: 2, Username: "bob", Role: types.RoleMember},
	)
	stayer := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	evicted := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
	room.addClient(stayer)
	room.addClient(evicted)

	room.handleRefresh(refreshReq{removedUserId: 2})

	require.Len(t, room.members, 1, "expected member cache to be reloaded")
	assert.NotContains(t, room.clients, evicted, "expected removed user's connections to be detached")

	eviction := recvServerMessage(t, cs.broadcastChan)
	assert.Equal(t, 2, eviction.UserId)
	require.NotNil(t, eviction.Notification.Evicted)

	memberList := recvServerMessage(t, stayer.send)
	require.NotNil(t, memberList.Notification.MemberList)
	assert.Len(t, memberList.Notification.MemberList.Members, 1)
	db.AssertExpectations(t)
}

func TestRoomHandleRoomExit(t *testing.T) {
	cs := newTestChatServer(t, nil, nil)
	room := newTestRoom(cs,
		types.Member{Id: 1, Username: "alice", Role: types.RoleAdmin},
		types.Member{Id: 2, Username: "bob", Role: types.RoleMember},
	)
	client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	room.addClient(client)

	done := make(chan bool, 1)
	room.handleRoomExit(exitReq{deleted: true, done: done})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit ack")
	}

	assert.Nil(t, client.getRoom(room.externalId), "expected client to be detached from the room")

	notified := map[int]bool{}
	for i := 0; i < 2; i++ {
		msg := recvServerMessage(t, cs.broadcastChan)
		require.NotNil(t, msg.Notification.RoomDeleted)
		assert.Equal(t, room.externalId, msg.Notification.RoomDeleted.RoomId)
		notified[msg.UserId] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, notified)
}

func TestRoomAddRemoveClient(t *testing.T) {
	cs := newTestChatServer(t, nil, nil)
	room := newTestRoom(cs, types.Member{Id: 1, Username: "alice", Role: types.RoleMember})
	client := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

	room.addClient(client)
	assert.Contains(t, room.clients, client)
	assert.Contains(t, room.userMap[1], client)
	assert.Equal(t, room, client.getRoom(room.externalId))

	room.removeClient(client)
	assert.NotContains(t, room.clients, client)
	assert.NotContains(t, room.userMap, 1)
	assert.Nil(t, client.getRoom(room.externalId))
}
