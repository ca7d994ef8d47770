package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/glasschat/glasschat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the inbound event envelope. Exactly one of the pointer
// fields is set per event.
type ClientMessage struct {
	BaseMessage
	Join       *Join       `json:"join,omitempty"`
	Leave      *Leave      `json:"leave,omitempty"`
	Publish    *Publish    `json:"publish,omitempty"`
	SendPoll   *SendPoll   `json:"send_poll,omitempty"`
	VotePoll   *VotePoll   `json:"vote_poll,omitempty"`
	React      *React      `json:"react,omitempty"`
	Edit       *Edit       `json:"edit,omitempty"`
	Delete     *Delete     `json:"delete,omitempty"`
	DeleteMany *DeleteMany `json:"delete_many,omitempty"`
	Read       *Read       `json:"read,omitempty"`
	Typing     *Typing     `json:"typing,omitempty"`
	Signal     *Signal     `json:"webrtc_signal,omitempty"`
	CallAction *CallAction `json:"call_action,omitempty"`
	RoomCall   *RoomCall   `json:"room_call_action,omitempty"`
	CallCard   *CallCard   `json:"update_call_card,omitempty"`

	UserId int     `json:"-"`
	client *Client `json:"-"`
	// routeRoomId is the resolved room external id for events routed through
	// the chat server before the room actor is loaded.
	routeRoomId string `json:"-"`
}

func (m *ClientMessage) GetUserId() int {
	if m == nil {
		return 0
	}
	return m.UserId
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type Publish struct {
	RoomId       string `json:"room_id"`
	Content      string `json:"content"`
	Type         string `json:"message_type,omitempty"`
	ThreadRootId int    `json:"thread_root_id,omitempty"`
	ThreadKind   string `json:"thread_kind,omitempty"`
	CallDuration string `json:"call_duration,omitempty"`
}

type SendPoll struct {
	RoomId         string   `json:"room_id"`
	Question       string   `json:"question"`
	Options        []string `json:"options"`
	MultipleChoice bool     `json:"multiple_choice"`
	Anonymous      bool     `json:"anonymous"`
}

type VotePoll struct {
	MessageId int   `json:"message_id"`
	Selected  []int `json:"selected"`
}

type React struct {
	MessageId int    `json:"message_id"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

type Edit struct {
	MessageId int    `json:"message_id"`
	Content   string `json:"content"`
}

type Delete struct {
	MessageId int `json:"message_id"`
}

type DeleteMany struct {
	MessageIds []int `json:"message_ids"`
}

type Read struct {
	RoomId string `json:"room_id"`
}

type Typing struct {
	RoomId   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// Signal carries an opaque WebRTC payload relayed verbatim to the target
// user's connections.
type Signal struct {
	TargetUserId int             `json:"target_user_id"`
	Payload      json.RawMessage `json:"signal"`
}

type CallAction struct {
	TargetUserId int    `json:"target_user_id"`
	Action       string `json:"action"`
}

type RoomCall struct {
	RoomId       string `json:"room_id"`
	Action       string `json:"action"`
	TargetUserId int    `json:"target_user_id,omitempty"`
}

type CallCard struct {
	MessageId int    `json:"message_id"`
	Duration  string `json:"duration"`
	Status    string `json:"status,omitempty"`
}

// ServerMessage is the outbound envelope. UserId addresses delivery to every
// connection of one user; a zero UserId means room-scoped delivery by the
// sending room actor. SkipClient/SkipUserId exclude recipients from a
// room-scoped broadcast.
type ServerMessage struct {
	BaseMessage
	Response      *Response      `json:"response,omitempty"`
	Message       *types.Message `json:"message,omitempty"`
	MessageUnread *MessageUnread `json:"message_with_unread,omitempty"`
	Notification  *Notification  `json:"notification,omitempty"`

	UserId     int     `json:"-"`
	SkipClient *Client `json:"-"`
	SkipUserId int     `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// MessageUnread pairs a delivered message with the recipient's updated
// unread counter. The two are computed in the same store transaction and
// always travel together.
type MessageUnread struct {
	Message *types.Message `json:"message"`
	RoomId  string         `json:"room_id"`
	Count   int            `json:"count"`
}

type Notification struct {
	Presence         *Presence         `json:"presence,omitempty"`
	PresenceSnapshot *PresenceSnapshot `json:"room_presence_snapshot,omitempty"`
	Reactions        *ReactionUpdate   `json:"update_reactions,omitempty"`
	PollAck          *PollAck          `json:"poll_vote_ack,omitempty"`
	PollUpdated      *PollUpdated      `json:"poll_updated,omitempty"`
	ReadReceipt      *ReadReceipt      `json:"room_read_receipt,omitempty"`
	MemberList       *MemberList       `json:"member_list_updated,omitempty"`
	Evicted          *Evicted          `json:"removed_from_room,omitempty"`
	RoomDeleted      *RoomDeleted      `json:"room_deleted,omitempty"`
	NewRoom          *types.Room       `json:"new_room,omitempty"`
	RoomUpdated      *types.Room       `json:"room_updated,omitempty"`
	MessageEdited    *MessageEdited    `json:"message_edited,omitempty"`
	MessageDeleted   *MessageDeleted   `json:"message_deleted,omitempty"`
	MessagesDeleted  *MessagesDeleted  `json:"messages_deleted,omitempty"`
	Typing           *TypingUpdate     `json:"typing,omitempty"`
	Signal           *SignalRelay      `json:"webrtc_signal,omitempty"`
	CallAction       *CallActionRelay  `json:"call_action,omitempty"`
	RoomCall         *RoomCallRelay    `json:"room_call_action,omitempty"`
	CallCard         *CallCardUpdated  `json:"call_card_updated,omitempty"`
}

type Presence struct {
	UserId int  `json:"user_id"`
	Online bool `json:"online"`
}

type PresenceSnapshot struct {
	RoomId   string       `json:"room_id"`
	Presence map[int]bool `json:"presence"`
}

type ReactionUpdate struct {
	MessageId int              `json:"message_id"`
	Reactions map[string][]int `json:"reactions"`
}

type PollAck struct {
	MessageId int   `json:"message_id"`
	Selected  []int `json:"selected"`
	Locked    bool  `json:"locked"`
}

type PollUpdated struct {
	MessageId int         `json:"message_id"`
	Poll      *types.Poll `json:"poll"`
}

type ReadReceipt struct {
	RoomId            string `json:"room_id"`
	ReaderId          int    `json:"reader_id"`
	LastReadMessageId int    `json:"last_read_message_id"`
}

type MemberList struct {
	RoomId  string         `json:"room_id"`
	Members []types.Member `json:"members"`
}

type Evicted struct {
	RoomId string `json:"room_id"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
	Name   string `json:"room_name,omitempty"`
}

type MessageEdited struct {
	MessageId int    `json:"message_id"`
	Content   string `json:"content"`
}

type MessageDeleted struct {
	MessageId int `json:"message_id"`
}

type MessagesDeleted struct {
	MessageIds []int `json:"message_ids"`
}

type TypingUpdate struct {
	RoomId   string `json:"room_id"`
	UserId   int    `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type SignalRelay struct {
	SenderId int             `json:"sender_id"`
	Payload  json.RawMessage `json:"signal"`
}

type CallActionRelay struct {
	SenderId   int    `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Action     string `json:"action"`
}

type RoomCallRelay struct {
	RoomId       string `json:"room_id"`
	SenderId     int    `json:"sender_id"`
	SenderName   string `json:"sender_name,omitempty"`
	Action       string `json:"action"`
	TargetUserId int    `json:"target_user_id,omitempty"`
	InitiatorId  int    `json:"initiator_id,omitempty"`
	UserId       int    `json:"user_id,omitempty"`
}

type CallCardUpdated struct {
	MessageId int    `json:"message_id"`
	Duration  string `json:"duration"`
	Status    string `json:"status,omitempty"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
