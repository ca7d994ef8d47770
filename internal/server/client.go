package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/glasschat/glasschat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16384
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerMessage
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(time.Duration(pingInterval))
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		c.dispatch(&msg)
	}
}

// dispatch routes an inbound event to the goroutine that owns it. Room and
// message scoped events are serialized through the room actor; user-addressed
// relays go straight to the chat server.
func (c *Client) dispatch(msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		c.routeToServer(msg)
	case msg.Leave != nil:
		c.leaveRoom(msg)
	case msg.Publish != nil:
		c.routeToRoom(msg.Publish.RoomId, msg)
	case msg.SendPoll != nil:
		c.routeToRoom(msg.SendPoll.RoomId, msg)
	case msg.Read != nil:
		c.routeToRoom(msg.Read.RoomId, msg)
	case msg.Typing != nil:
		c.routeToRoom(msg.Typing.RoomId, msg)
	case msg.RoomCall != nil:
		c.routeToRoom(msg.RoomCall.RoomId, msg)
	case msg.VotePoll != nil:
		c.routeToMessageRoom(msg.VotePoll.MessageId, msg)
	case msg.React != nil:
		c.routeToMessageRoom(msg.React.MessageId, msg)
	case msg.Edit != nil:
		c.routeToMessageRoom(msg.Edit.MessageId, msg)
	case msg.Delete != nil:
		c.routeToMessageRoom(msg.Delete.MessageId, msg)
	case msg.CallCard != nil:
		c.routeToMessageRoom(msg.CallCard.MessageId, msg)
	case msg.DeleteMany != nil:
		if len(msg.DeleteMany.MessageIds) > 0 {
			c.routeToMessageRoom(msg.DeleteMany.MessageIds[0], msg)
		}
	case msg.Signal != nil:
		c.relaySignal(msg)
	case msg.CallAction != nil:
		c.relayCallAction(msg)
	}
}

// routeToRoom hands the event to an already-joined room actor, or asks the
// chat server to load the room first.
func (c *Client) routeToRoom(roomId string, msg *ClientMessage) {
	if r := c.getRoom(roomId); r != nil {
		select {
		case r.clientMsgChan <- msg:
		default:
			c.queueMessage(ErrServiceUnavailable(msg.Id))
			c.log.Printf("clientMsgChan full for room %q", r.externalId)
		}
		return
	}

	msg.routeRoomId = roomId
	c.routeToServer(msg)
}

// routeToMessageRoom resolves a message-scoped event to its room and routes
// it there. Unknown message ids are dropped.
func (c *Client) routeToMessageRoom(messageId int, msg *ClientMessage) {
	dbMsg, err := c.chatServer.db.GetMessageById(messageId)
	if err != nil {
		c.log.Printf("GetMessageById %d: %v", messageId, err)
		return
	}

	c.roomsLock.RLock()
	for _, r := range c.rooms {
		if r.id == dbMsg.RoomId {
			c.roomsLock.RUnlock()
			select {
			case r.clientMsgChan <- msg:
			default:
				c.queueMessage(ErrServiceUnavailable(msg.Id))
			}
			return
		}
	}
	c.roomsLock.RUnlock()

	dbRoom, err := c.chatServer.db.GetRoomById(dbMsg.RoomId)
	if err != nil {
		c.log.Printf("GetRoomById %d: %v", dbMsg.RoomId, err)
		return
	}

	msg.routeRoomId = dbRoom.ExternalId
	c.routeToServer(msg)
}

func (c *Client) routeToServer(msg *ClientMessage) {
	select {
	case c.chatServer.routeChan <- msg:
	default:
		c.log.Printf("routeChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) relaySignal(msg *ClientMessage) {
	if msg.Signal.TargetUserId == 0 || len(msg.Signal.Payload) == 0 {
		return
	}

	c.chatServer.broadcastChan <- &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Signal: &SignalRelay{
				SenderId: c.user.Id,
				Payload:  msg.Signal.Payload,
			},
		},
		UserId: msg.Signal.TargetUserId,
	}
}

func (c *Client) relayCallAction(msg *ClientMessage) {
	if msg.CallAction.TargetUserId == 0 || msg.CallAction.Action == "" {
		return
	}

	c.chatServer.broadcastChan <- &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			CallAction: &CallActionRelay{
				SenderId:   c.user.Id,
				SenderName: c.user.Username,
				Action:     msg.CallAction.Action,
			},
		},
		UserId: msg.CallAction.TargetUserId,
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.deRegisterChan <- c
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.RUnlock()

	for _, room := range rooms {
		room.clientMsgChan <- &ClientMessage{
			Leave:  &Leave{RoomId: room.externalId},
			client: c,
		}
	}
}

func (c *Client) leaveRoom(msg *ClientMessage) {
	r := c.getRoom(msg.Leave.RoomId)
	if r == nil {
		return
	}

	select {
	case r.clientMsgChan <- msg:
	default:
		c.log.Printf("clientMsgChan full for room %q", r.externalId)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if room, ok := c.rooms[id]; ok {
		return room
	}

	return nil
}
