package database

import "time"

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	Verified     bool
	Bio          string
	AvatarUrl    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id          int
	ExternalId  string
	Kind        string
	Name        string
	AvatarUrl   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Memberships []Membership
}

type Membership struct {
	Id        int
	AccountId int
	Username  string
	RoomId    int
	Role      string
	Archived  bool
	Room      Room
	Unread    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is the stored record. SenderId is zero for system-authored
// messages; ThreadRootId is zero for top-level messages.
type Message struct {
	Id           int
	RoomId       int
	SenderId     int
	SenderName   string
	Content      string
	Type         string
	CallDuration string
	ThreadRootId int
	ThreadKind   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Reaction struct {
	MessageId int
	UserId    int
	Emoji     string
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
	Bio          string
	AvatarUrl    string
}

type CreateRoomParams struct {
	Kind       string
	Name       string
	ExternalId string
	OwnerId    int
	MemberIds  []int
}

type CreateMessageParams struct {
	RoomId       int
	SenderId     int
	Content      string
	Type         string
	CallDuration string
	ThreadRootId int
	ThreadKind   string
}
