package types

import (
	"time"
)

// Room kinds.
const (
	RoomDirect  = "direct"
	RoomGroup   = "group"
	RoomChannel = "channel"
)

// Membership roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Message types.
const (
	MessageText        = "text"
	MessageSystem      = "system"
	MessageCall        = "call"
	MessageVoice       = "voice"
	MessagePoll        = "poll"
	MessageComment     = "comment"
	MessagePollComment = "poll_comment"
)

// Thread kinds.
const (
	ThreadMessage = "message"
	ThreadPoll    = "poll"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	Verified     bool      `json:"verified,omitempty"`
	Bio          string    `json:"bio,omitempty"`
	AvatarUrl    string    `json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Member struct {
	Id       int    `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Online   bool   `json:"online,omitempty"`
}

type Room struct {
	Id          int       `json:"id"`
	ExternalId  string    `json:"external_id"`
	Kind        string    `json:"kind"`
	Name        string    `json:"name,omitempty"`
	AvatarUrl   string    `json:"avatar_url,omitempty"`
	Role        string    `json:"role,omitempty"`
	Archived    bool      `json:"archived,omitempty"`
	UnreadCount int       `json:"unread_count"`
	Members     []Member  `json:"members,omitempty"`
	LastMessage *Preview  `json:"last_message,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Preview is the rendered one-line summary of a room's latest message.
type Preview struct {
	Content   string    `json:"content"`
	Author    string    `json:"author,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Poll is the versioned payload embedded in a poll-type message. It is
// validated when the poll is created and never mutated afterwards; Results
// is recomputed from the vote store on every read.
type Poll struct {
	Version        int      `json:"version"`
	Question       string   `json:"question"`
	Options        []string `json:"options"`
	MultipleChoice bool     `json:"multiple_choice"`
	Anonymous      bool     `json:"anonymous"`
	Results        []int    `json:"results,omitempty"`
}

type Message struct {
	Id                 int              `json:"id"`
	RoomId             string           `json:"room_id"`
	SenderId           int              `json:"sender_id,omitempty"`
	SenderName         string           `json:"sender_name"`
	Content            string           `json:"content"`
	Type               string           `json:"message_type"`
	CallDuration       string           `json:"call_duration,omitempty"`
	ThreadRootId       int              `json:"thread_root_id,omitempty"`
	ThreadKind         string           `json:"thread_kind,omitempty"`
	ThreadCommentCount *int             `json:"thread_comment_count,omitempty"`
	Reactions          map[string][]int `json:"reactions,omitempty"`
	Poll               *Poll            `json:"poll,omitempty"`
	Timestamp          time.Time        `json:"timestamp"`
}
