package server

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/glasschat/glasschat/internal/database"
	"github.com/glasschat/glasschat/internal/types"
)

const idleRoomTimeout = time.Second * 30

const maxPollOptions = 10

type exitReq struct {
	deleted bool
	done    chan bool
}

// refreshReq tells a loaded room that its membership changed. A non-zero
// removedUserId additionally evicts that user's connections.
type refreshReq struct {
	removedUserId int
}

type Room struct {
	id            int
	externalId    string
	kind          string
	name          string
	cs            *ChatServer
	members       []types.Member
	clientMsgChan chan *ClientMessage
	refreshChan   chan refreshReq
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer unloads the room once no clients remain attached
	killTimer *time.Timer
	exit      chan exitReq
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)

	for {
		select {
		case msg := <-r.clientMsgChan:
			r.handleClientMessage(msg)
			r.armKillTimer()
		case req := <-r.refreshChan:
			r.handleRefresh(req)
		case <-r.killTimer.C:
			r.cs.unloadRoomChan <- r.externalId
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleClientMessage(msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		r.handleJoin(msg)
	case msg.Leave != nil:
		r.handleLeave(msg)
	case msg.Publish != nil:
		r.handlePublish(msg)
	case msg.SendPoll != nil:
		r.handleSendPoll(msg)
	case msg.VotePoll != nil:
		r.handleVote(msg)
	case msg.React != nil:
		r.handleReaction(msg)
	case msg.Edit != nil:
		r.handleEdit(msg)
	case msg.Delete != nil:
		r.handleDelete(msg)
	case msg.DeleteMany != nil:
		r.handleDeleteMany(msg)
	case msg.Read != nil:
		r.handleRead(msg)
	case msg.Typing != nil:
		r.handleTyping(msg)
	case msg.RoomCall != nil:
		r.handleRoomCall(msg)
	case msg.CallCard != nil:
		r.handleCallCard(msg)
	}
}

func (r *Room) armKillTimer() {
	r.clientLock.RLock()
	empty := len(r.clients) == 0
	r.clientLock.RUnlock()

	if empty {
		r.killTimer.Reset(idleRoomTimeout)
	} else {
		r.killTimer.Stop()
	}
}

func (r *Room) memberOf(userId int) (types.Member, bool) {
	for _, m := range r.members {
		if m.Id == userId {
			return m, true
		}
	}
	return types.Member{}, false
}

// notifyUser queues a user-addressed message on the chat server without
// blocking the room loop.
func (r *Room) notifyUser(userId int, msg *ServerMessage) {
	msg.UserId = userId
	select {
	case r.cs.broadcastChan <- msg:
	default:
		r.log.Printf("broadcastChan full, dropping message for user %d", userId)
	}
}

func (r *Room) handleJoin(msg *ClientMessage) {
	c := msg.client

	member, ok := r.memberOf(msg.UserId)
	if !ok {
		r.log.Printf("join from non-member %d for room %q", msg.UserId, r.externalId)
		return
	}

	r.addClient(c)

	presence := make(map[int]bool, len(r.members))
	members := make([]types.Member, len(r.members))
	for i, m := range r.members {
		online := r.cs.isOnline(m.Id)
		presence[m.Id] = online
		members[i] = m
		members[i].Online = online
	}

	unread, err := r.cs.db.GetUnread(msg.UserId, r.id)
	if err != nil {
		r.log.Println("GetUnread:", err)
	}

	c.queueMessage(NoErrOK(msg.Id, types.Room{
		Id:          r.id,
		ExternalId:  r.externalId,
		Kind:        r.kind,
		Name:        r.name,
		Role:        member.Role,
		UnreadCount: unread,
		Members:     members,
	}))

	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			PresenceSnapshot: &PresenceSnapshot{
				RoomId:   r.externalId,
				Presence: presence,
			},
		},
	})
}

func (r *Room) handleLeave(msg *ClientMessage) {
	r.removeClient(msg.client)

	if msg.GetUserId() != 0 {
		msg.client.queueMessage(NoErrOK(msg.Id, nil))
	}
}

func (r *Room) handlePublish(msg *ClientMessage) {
	member, ok := r.memberOf(msg.UserId)
	if !ok {
		r.log.Printf("publish from non-member %d for room %q", msg.UserId, r.externalId)
		return
	}

	content := strings.TrimSpace(msg.Publish.Content)
	if content == "" {
		return
	}

	var root database.Message
	var hasRoot bool
	if msg.Publish.ThreadRootId > 0 {
		dbRoot, err := r.cs.db.GetMessageById(msg.Publish.ThreadRootId)
		if err == nil && dbRoot.RoomId == r.id {
			root = dbRoot
			hasRoot = true
		}
	}

	msgType, threadKind, allowed := resolveMessageType(r.kind, member.Role, msg.Publish.Type, msg.Publish.ThreadKind, hasRoot, root.Type)
	if !allowed {
		r.log.Printf("rejected %q message from user %d in room %q", msg.Publish.Type, msg.UserId, r.externalId)
		return
	}

	if r.kind == types.RoomDirect {
		blocked, err := r.cs.db.BlockedBetween(msg.UserId, r.otherMemberId(msg.UserId))
		if err != nil {
			r.log.Println("BlockedBetween:", err)
			msg.client.queueMessage(ErrInternalError(msg.Id))
			return
		}
		if blocked {
			return
		}
	}

	params := database.CreateMessageParams{
		RoomId:       r.id,
		SenderId:     msg.UserId,
		Content:      content,
		Type:         msgType,
		CallDuration: msg.Publish.CallDuration,
		ThreadKind:   threadKind,
	}
	if hasRoot {
		params.ThreadRootId = root.Id
	}

	created, counts, err := r.cs.db.CreateMessage(params)
	if err != nil {
		r.log.Println("CreateMessage:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}
	r.cs.stats.Incr("NumMessages")

	out := r.renderMessage(created)
	if hasRoot {
		if n, err := r.cs.db.ThreadCommentCount(root.Id); err == nil {
			out.ThreadCommentCount = &n
		}
	}

	msg.client.queueMessage(NoErrOK(msg.Id, out))
	r.fanOutMessage(msg.UserId, out, counts)
}

func (r *Room) handleSendPoll(msg *ClientMessage) {
	if _, ok := r.memberOf(msg.UserId); !ok {
		return
	}

	question := strings.TrimSpace(msg.SendPoll.Question)
	if question == "" {
		return
	}

	options := make([]string, 0, len(msg.SendPoll.Options))
	for _, opt := range msg.SendPoll.Options {
		opt = strings.TrimSpace(opt)
		if opt != "" {
			options = append(options, opt)
		}
	}
	if len(options) < 2 || len(options) > maxPollOptions {
		return
	}

	poll := types.Poll{
		Version:        1,
		Question:       question,
		Options:        options,
		MultipleChoice: msg.SendPoll.MultipleChoice,
		Anonymous:      msg.SendPoll.Anonymous,
	}
	content, err := json.Marshal(poll)
	if err != nil {
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	created, counts, err := r.cs.db.CreateMessage(database.CreateMessageParams{
		RoomId:   r.id,
		SenderId: msg.UserId,
		Content:  string(content),
		Type:     types.MessagePoll,
	})
	if err != nil {
		r.log.Println("CreateMessage:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}
	r.cs.stats.Incr("NumMessages")

	out := r.renderMessage(created)
	msg.client.queueMessage(NoErrOK(msg.Id, out))
	r.fanOutMessage(msg.UserId, out, counts)
}

func (r *Room) handleVote(msg *ClientMessage) {
	if _, ok := r.memberOf(msg.UserId); !ok {
		return
	}

	dbMsg, err := r.cs.db.GetMessageById(msg.VotePoll.MessageId)
	if err != nil || dbMsg.RoomId != r.id || dbMsg.Type != types.MessagePoll {
		return
	}

	var poll types.Poll
	if err := json.Unmarshal([]byte(dbMsg.Content), &poll); err != nil {
		r.log.Printf("malformed poll payload in message %d: %v", dbMsg.Id, err)
		return
	}

	selection := normalizeSelection(msg.VotePoll.Selected, len(poll.Options))
	if len(selection) == 0 {
		return
	}

	existing, err := r.cs.db.GetPollVotes(dbMsg.Id, msg.UserId)
	if err != nil {
		r.log.Println("GetPollVotes:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	if !poll.MultipleChoice {
		// single-choice polls lock on the first recorded vote
		if len(existing) > 0 {
			r.notifyUser(msg.UserId, pollAckMessage(dbMsg.Id, existing, true))
			return
		}
		selection = selection[:1]
	}

	added, err := r.cs.db.AddPollVotes(dbMsg.Id, msg.UserId, selection)
	if err != nil {
		r.log.Println("AddPollVotes:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	selected, err := r.cs.db.GetPollVotes(dbMsg.Id, msg.UserId)
	if err != nil {
		r.log.Println("GetPollVotes:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	r.notifyUser(msg.UserId, pollAckMessage(dbMsg.Id, selected, !poll.MultipleChoice && len(selected) > 0))

	if added {
		r.cs.stats.Incr("NumPollVotes")
		tally, err := r.cs.db.PollTally(dbMsg.Id, len(poll.Options))
		if err != nil {
			r.log.Println("PollTally:", err)
			return
		}
		poll.Results = tally

		r.broadcast(&ServerMessage{
			Notification: &Notification{
				PollUpdated: &PollUpdated{
					MessageId: dbMsg.Id,
					Poll:      &poll,
				},
			},
		})
	}
}

func pollAckMessage(messageId int, selected []int, locked bool) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			PollAck: &PollAck{
				MessageId: messageId,
				Selected:  selected,
				Locked:    locked,
			},
		},
	}
}

func (r *Room) handleReaction(msg *ClientMessage) {
	if _, ok := r.memberOf(msg.UserId); !ok {
		return
	}

	if !reactionAllowed(msg.React.Emoji) {
		return
	}

	dbMsg, err := r.cs.db.GetMessageById(msg.React.MessageId)
	if err != nil || dbMsg.RoomId != r.id {
		return
	}

	if msg.React.Action == "remove" {
		err = r.cs.db.RemoveReaction(dbMsg.Id, msg.UserId, msg.React.Emoji)
	} else {
		_, err = r.cs.db.AddReaction(dbMsg.Id, msg.UserId, msg.React.Emoji)
	}
	if err != nil {
		r.log.Println("reaction update:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	summary, err := r.cs.db.ReactionSummary(dbMsg.Id)
	if err != nil {
		r.log.Println("ReactionSummary:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))
	r.broadcast(&ServerMessage{
		Notification: &Notification{
			Reactions: &ReactionUpdate{
				MessageId: dbMsg.Id,
				Reactions: summary,
			},
		},
	})
}

func (r *Room) handleRead(msg *ClientMessage) {
	if _, ok := r.memberOf(msg.UserId); !ok {
		return
	}

	if err := r.cs.db.ResetUnread(msg.UserId, r.id); err != nil {
		r.log.Println("ResetUnread:", err)
		if msg.client != nil {
			msg.client.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	maxId, err := r.cs.db.MaxMessageId(r.id)
	if err != nil {
		r.log.Println("MaxMessageId:", err)
		return
	}

	if msg.client != nil {
		msg.client.queueMessage(NoErrOK(msg.Id, nil))
	}

	if maxId > 0 {
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				ReadReceipt: &ReadReceipt{
					RoomId:            r.externalId,
					ReaderId:          msg.UserId,
					LastReadMessageId: maxId,
				},
			},
		})
	}
}

func (r *Room) handleEdit(msg *ClientMessage) {
	member, ok := r.memberOf(msg.UserId)
	if !ok {
		return
	}

	dbMsg, err := r.cs.db.GetMessageById(msg.Edit.MessageId)
	if err != nil || dbMsg.RoomId != r.id {
		return
	}
	if dbMsg.SenderId != msg.UserId && member.Role != types.RoleAdmin {
		return
	}

	content := strings.TrimSpace(msg.Edit.Content)
	if content == "" {
		return
	}

	if err := r.cs.db.UpdateMessageContent(dbMsg.Id, content); err != nil {
		r.log.Println("UpdateMessageContent:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))
	r.broadcast(&ServerMessage{
		Notification: &Notification{
			MessageEdited: &MessageEdited{
				MessageId: dbMsg.Id,
				Content:   content,
			},
		},
	})
}

func (r *Room) handleDelete(msg *ClientMessage) {
	member, ok := r.memberOf(msg.UserId)
	if !ok {
		return
	}

	dbMsg, err := r.cs.db.GetMessageById(msg.Delete.MessageId)
	if err != nil || dbMsg.RoomId != r.id {
		return
	}
	if dbMsg.SenderId != msg.UserId && member.Role != types.RoleAdmin {
		return
	}

	if err := r.cs.db.DeleteMessage(dbMsg.Id); err != nil {
		r.log.Println("DeleteMessage:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))
	r.broadcast(&ServerMessage{
		Notification: &Notification{
			MessageDeleted: &MessageDeleted{MessageId: dbMsg.Id},
		},
	})
}

func (r *Room) handleDeleteMany(msg *ClientMessage) {
	if _, ok := r.memberOf(msg.UserId); !ok {
		return
	}

	deleted, err := r.cs.db.DeleteMessagesBySender(msg.DeleteMany.MessageIds, msg.UserId)
	if err != nil {
		r.log.Println("DeleteMessagesBySender:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, deleted))
	if len(deleted) > 0 {
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				MessagesDeleted: &MessagesDeleted{MessageIds: deleted},
			},
		})
	}
}

func (r *Room) handleTyping(msg *ClientMessage) {
	if _, ok := r.memberOf(msg.UserId); !ok {
		return
	}

	r.broadcast(&ServerMessage{
		Notification: &Notification{
			Typing: &TypingUpdate{
				RoomId:   r.externalId,
				UserId:   msg.UserId,
				IsTyping: msg.Typing.IsTyping,
			},
		},
		SkipUserId: msg.UserId,
	})
}

func (r *Room) handleRoomCall(msg *ClientMessage) {
	member, ok := r.memberOf(msg.UserId)
	if !ok {
		return
	}

	relay := &RoomCallRelay{
		RoomId:     r.externalId,
		SenderId:   msg.UserId,
		SenderName: member.Username,
		Action:     msg.RoomCall.Action,
	}

	switch msg.RoomCall.Action {
	case "invite":
		if msg.RoomCall.TargetUserId == 0 {
			return
		}
		if _, ok := r.memberOf(msg.RoomCall.TargetUserId); !ok {
			return
		}
		relay.TargetUserId = msg.RoomCall.TargetUserId
		relay.InitiatorId = msg.UserId
		r.notifyUser(msg.RoomCall.TargetUserId, &ServerMessage{
			BaseMessage:  BaseMessage{Timestamp: Now()},
			Notification: &Notification{RoomCall: relay},
		})
	case "lobby_created", "join", "leave", "end":
		relay.UserId = msg.UserId
		r.broadcast(&ServerMessage{
			Notification: &Notification{RoomCall: relay},
		})
	}
}

func (r *Room) handleCallCard(msg *ClientMessage) {
	if _, ok := r.memberOf(msg.UserId); !ok {
		return
	}

	dbMsg, err := r.cs.db.GetMessageById(msg.CallCard.MessageId)
	if err != nil || dbMsg.RoomId != r.id || dbMsg.Type != types.MessageCall {
		return
	}

	if err := r.cs.db.UpdateCallDuration(dbMsg.Id, msg.CallCard.Duration); err != nil {
		r.log.Println("UpdateCallDuration:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	r.broadcast(&ServerMessage{
		Notification: &Notification{
			CallCard: &CallCardUpdated{
				MessageId: dbMsg.Id,
				Duration:  msg.CallCard.Duration,
				Status:    msg.CallCard.Status,
			},
		},
	})
}

func (r *Room) handleRefresh(req refreshReq) {
	members, err := r.cs.db.ListMembers(r.id)
	if err != nil {
		r.log.Println("ListMembers:", err)
		return
	}

	r.members = make([]types.Member, len(members))
	for i, m := range members {
		r.members[i] = types.Member{
			Id:       m.AccountId,
			Username: m.Username,
			Role:     m.Role,
			Online:   r.cs.isOnline(m.AccountId),
		}
	}

	if req.removedUserId != 0 {
		r.notifyUser(req.removedUserId, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				Evicted: &Evicted{RoomId: r.externalId},
			},
		})
		r.removeAllClientsForUser(req.removedUserId)
	}

	r.broadcast(&ServerMessage{
		Notification: &Notification{
			MemberList: &MemberList{
				RoomId:  r.externalId,
				Members: r.members,
			},
		},
	})
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)
	if e.deleted {
		for _, m := range r.members {
			r.notifyUser(m.Id, &ServerMessage{
				BaseMessage: BaseMessage{Timestamp: Now()},
				Notification: &Notification{
					RoomDeleted: &RoomDeleted{
						RoomId: r.externalId,
						Name:   r.name,
					},
				},
			})
		}
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()

	if e.done != nil {
		e.done <- true
	}
}

// fanOutMessage delivers an appended message to every member. The sender's
// connections receive the bare message; everyone else receives it paired
// with their unread count from the same store transaction.
func (r *Room) fanOutMessage(senderId int, out *types.Message, counts map[int]int) {
	for _, m := range r.members {
		if m.Id == senderId {
			r.notifyUser(m.Id, &ServerMessage{
				BaseMessage: BaseMessage{Timestamp: Now()},
				Message:     out,
			})
			continue
		}

		r.notifyUser(m.Id, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			MessageUnread: &MessageUnread{
				Message: out,
				RoomId:  r.externalId,
				Count:   counts[m.Id],
			},
		})
	}
}

func (r *Room) renderMessage(m database.Message) *types.Message {
	out := &types.Message{
		Id:           m.Id,
		RoomId:       r.externalId,
		SenderId:     m.SenderId,
		SenderName:   m.SenderName,
		Content:      m.Content,
		Type:         m.Type,
		CallDuration: m.CallDuration,
		ThreadRootId: m.ThreadRootId,
		ThreadKind:   m.ThreadKind,
		Timestamp:    m.CreatedAt,
	}

	if m.Type == types.MessagePoll {
		var poll types.Poll
		if err := json.Unmarshal([]byte(m.Content), &poll); err == nil {
			if tally, err := r.cs.db.PollTally(m.Id, len(poll.Options)); err == nil {
				poll.Results = tally
			}
			out.Poll = &poll
			out.Content = ""
		}
	}

	return out
}

func (r *Room) otherMemberId(userId int) int {
	for _, m := range r.members {
		if m.Id != userId {
			return m.Id
		}
	}
	return 0
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) removeAllClientsForUser(userId int) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if userClients, ok := r.userMap[userId]; ok {
		for client := range userClients {
			delete(r.clients, client)
			client.delRoom(r.externalId)
		}
		delete(r.userMap, userId)
	}

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	msg.Timestamp = Now()

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}
		if msg.SkipUserId != 0 && client.user.Id == msg.SkipUserId {
			continue
		}

		client.queueMessage(msg)
	}
}
