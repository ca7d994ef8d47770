package server

import (
	"context"
	"log"
	"sync"

	"github.com/glasschat/glasschat/internal/database"
	"github.com/glasschat/glasschat/internal/stats"
	"github.com/glasschat/glasschat/internal/types"
)

type stopReq struct {
	done chan struct{}
}

type refreshRoomReq struct {
	externalId    string
	removedUserId int
}

type dropRoomReq struct {
	externalId string
	done       chan bool
}

type ChatServer struct {
	log   *log.Logger
	db    database.ChatRepository
	stats stats.StatsProvider

	clients     map[*Client]struct{}
	userMap     map[int]map[*Client]struct{}
	clientsLock sync.RWMutex

	routeChan       chan *ClientMessage
	RegisterChan    chan *Client
	deRegisterChan  chan *Client
	broadcastChan   chan *ServerMessage
	unloadRoomChan  chan string
	refreshRoomChan chan refreshRoomReq
	dropRoomChan    chan dropRoomReq

	// rooms indexes loaded room actors by external id; roomIds maps store
	// ids back to external ids. Both are owned by the Run goroutine.
	rooms   map[string]*Room
	roomIds map[int]string

	stop chan stopReq
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, sp stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:             logger,
		db:              db,
		stats:           sp,
		clients:         make(map[*Client]struct{}),
		userMap:         make(map[int]map[*Client]struct{}),
		routeChan:       make(chan *ClientMessage, 256),
		RegisterChan:    make(chan *Client),
		deRegisterChan:  make(chan *Client),
		broadcastChan:   make(chan *ServerMessage, 1024),
		unloadRoomChan:  make(chan string, 16),
		refreshRoomChan: make(chan refreshRoomReq, 16),
		dropRoomChan:    make(chan dropRoomReq),
		rooms:           make(map[string]*Room),
		roomIds:         make(map[int]string),
		stop:            make(chan stopReq),
	}

	for _, name := range []string{"NumConnections", "NumActiveRooms", "NumMessages", "NumPollVotes"} {
		sp.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case msg := <-cs.routeChan:
			cs.handleRoute(msg)
		case client := <-cs.RegisterChan:
			cs.log.Printf("adding connection from %q", client.user.Username)
			if cs.addClient(client) {
				cs.fanOutPresence(client.user.Id, true)
			}
			cs.stats.Incr("NumConnections")
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection from %q", client.user.Username)
			if cs.removeClient(client) {
				cs.fanOutPresence(client.user.Id, false)
			}
			cs.stats.Decr("NumConnections")
		case msg := <-cs.broadcastChan:
			cs.deliverToUser(msg)
		case id := <-cs.unloadRoomChan:
			cs.unloadRoom(id, false)
		case req := <-cs.refreshRoomChan:
			cs.handleRefreshRoom(req)
		case req := <-cs.dropRoomChan:
			_, loaded := cs.rooms[req.externalId]
			cs.unloadRoom(req.externalId, true)
			req.done <- loaded
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				done := make(chan bool, 1)
				r.exit <- exitReq{done: done}
				<-done
			}

			close(req.done)
			return
		}
	}
}

// handleRoute forwards an event to its room actor, loading the room from
// the store on first use. Events for unknown rooms are dropped.
func (cs *ChatServer) handleRoute(msg *ClientMessage) {
	target := msg.routeRoomId
	if msg.Join != nil {
		target = msg.Join.RoomId
	}
	if target == "" {
		return
	}

	room, ok := cs.rooms[target]
	if !ok {
		dbRoom, err := cs.db.GetRoomByExternalId(target)
		if err != nil {
			cs.log.Printf("GetRoomByExternalId %q: %v", target, err)
			return
		}

		memberships, err := cs.db.ListMembers(dbRoom.Id)
		if err != nil {
			cs.log.Println("ListMembers:", err)
			if msg.client != nil {
				msg.client.queueMessage(ErrInternalError(msg.Id))
			}
			return
		}

		members := make([]types.Member, len(memberships))
		for i, m := range memberships {
			members[i] = types.Member{
				Id:       m.AccountId,
				Username: m.Username,
				Role:     m.Role,
			}
		}

		room = &Room{
			id:            dbRoom.Id,
			externalId:    dbRoom.ExternalId,
			kind:          dbRoom.Kind,
			name:          dbRoom.Name,
			cs:            cs,
			members:       members,
			clientMsgChan: make(chan *ClientMessage, 256),
			refreshChan:   make(chan refreshReq, 16),
			clients:       make(map[*Client]struct{}),
			userMap:       make(map[int]map[*Client]struct{}),
			log:           cs.log,
			exit:          make(chan exitReq),
		}

		cs.rooms[room.externalId] = room
		cs.roomIds[room.id] = room.externalId
		cs.stats.Incr("NumActiveRooms")

		go room.start()
	}

	select {
	case room.clientMsgChan <- msg:
	default:
		cs.log.Printf("clientMsgChan full for room %q", room.externalId)
		if msg.client != nil {
			msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
		}
	}
}

func (cs *ChatServer) handleRefreshRoom(req refreshRoomReq) {
	if room, ok := cs.rooms[req.externalId]; ok {
		select {
		case room.refreshChan <- refreshReq{removedUserId: req.removedUserId}:
		default:
			cs.log.Printf("refreshChan full for room %q", req.externalId)
		}
		return
	}

	// room is not loaded, the removed user still needs to hear about it
	if req.removedUserId != 0 {
		cs.deliverToUser(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				Evicted: &Evicted{RoomId: req.externalId},
			},
			UserId: req.removedUserId,
		})
	}
}

func (cs *ChatServer) unloadRoom(externalId string, deleted bool) {
	room, ok := cs.rooms[externalId]
	if !ok {
		return
	}

	done := make(chan bool, 1)
	room.exit <- exitReq{deleted: deleted, done: done}
	<-done

	delete(cs.rooms, externalId)
	delete(cs.roomIds, room.id)
	cs.stats.Decr("NumActiveRooms")
}

// deliverToUser queues a message on every connection the addressed user has.
func (cs *ChatServer) deliverToUser(msg *ServerMessage) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.userMap[msg.UserId] {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

// fanOutPresence announces an online transition to every loaded room the
// user belongs to.
func (cs *ChatServer) fanOutPresence(userId int, online bool) {
	memberships, err := cs.db.ListRoomsForAccount(userId)
	if err != nil {
		cs.log.Println("ListRoomsForAccount:", err)
		return
	}

	msg := &ServerMessage{
		Notification: &Notification{
			Presence: &Presence{
				UserId: userId,
				Online: online,
			},
		},
	}

	for _, m := range memberships {
		if ext, ok := cs.roomIds[m.RoomId]; ok {
			if room, ok := cs.rooms[ext]; ok {
				room.broadcast(msg)
			}
		}
	}
}

// addClient reports whether this is the user's first live connection.
func (cs *ChatServer) addClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	first := len(cs.userMap[c.user.Id]) == 0
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}

	return first
}

// removeClient reports whether the user has no remaining connections.
func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	delete(cs.clients, c)

	userClients, ok := cs.userMap[c.user.Id]
	if !ok {
		return false
	}

	delete(userClients, c)
	if len(userClients) == 0 {
		delete(cs.userMap, c.user.Id)
		return true
	}

	return false
}

func (cs *ChatServer) isOnline(userId int) bool {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	return len(cs.userMap[userId]) > 0
}

// NotifyUser pushes a notification to every connection of one user. Used by
// the HTTP layer for room lifecycle events.
func (cs *ChatServer) NotifyUser(userId int, n *Notification) {
	select {
	case cs.broadcastChan <- &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		Notification: n,
		UserId:       userId,
	}:
	default:
		cs.log.Printf("broadcastChan full, dropping notification for user %d", userId)
	}
}

// NotifyMessage delivers a message paired with the recipient's unread count
// to every connection of one user. Used by the HTTP layer for system
// messages created outside a room actor.
func (cs *ChatServer) NotifyMessage(userId int, msg *types.Message, roomId string, count int) {
	select {
	case cs.broadcastChan <- &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		MessageUnread: &MessageUnread{
			Message: msg,
			RoomId:  roomId,
			Count:   count,
		},
		UserId: userId,
	}:
	default:
		cs.log.Printf("broadcastChan full, dropping message for user %d", userId)
	}
}

// RefreshRoom reloads a loaded room's membership cache and broadcasts the
// updated member list. A non-zero removedUserId evicts that user.
func (cs *ChatServer) RefreshRoom(externalId string, removedUserId int) {
	select {
	case cs.refreshRoomChan <- refreshRoomReq{externalId: externalId, removedUserId: removedUserId}:
	default:
		cs.log.Printf("refreshRoomChan full for room %q", externalId)
	}
}

// DropRoom unloads a deleted room, notifying its members, and reports
// whether the room was loaded. The room must already be gone from the
// store; when DropRoom returns false the caller is responsible for
// notifying members itself.
func (cs *ChatServer) DropRoom(externalId string) bool {
	req := dropRoomReq{externalId: externalId, done: make(chan bool, 1)}
	cs.dropRoomChan <- req
	return <-req.done
}

// MarkRoomRead resets the caller's unread counter and publishes a read
// receipt, on behalf of the HTTP layer.
func (cs *ChatServer) MarkRoomRead(userId int, externalId string) {
	select {
	case cs.routeChan <- &ClientMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Read:        &Read{RoomId: externalId},
		UserId:      userId,
		routeRoomId: externalId,
	}:
	default:
		cs.log.Printf("routeChan full, dropping read for room %q", externalId)
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
