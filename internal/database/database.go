package database

// ChatRepository is the persisted state surface the engine consumes. All
// multi-step mutations (message append + unread increments, room deletion
// cascades) are transactional inside the implementation so callers never
// observe partial application.
type ChatRepository interface {
	Ping() error

	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	SearchAccounts(query string, limit int) ([]User, error)

	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoomById(roomId int) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	UpdateRoomName(roomId int, name string) error
	FindDirectRoom(accountA, accountB int) (Room, error)
	DeleteRoom(roomId int) error

	CreateMembership(accountId, roomId int, role string) (Membership, error)
	GetMembership(accountId, roomId int) (Membership, error)
	ListMembers(roomId int) ([]Membership, error)
	ListRoomsForAccount(accountId int) ([]Membership, error)
	UpdateMembershipRole(accountId, roomId int, role string) error
	DeleteMembership(accountId, roomId int) error
	SetMembershipArchived(accountId, roomId int, archived bool) error

	CreateBlock(blockerId, blockedId int) error
	DeleteBlock(blockerId, blockedId int) error
	BlockedBetween(accountA, accountB int) (bool, error)

	// CreateMessage appends the message and increments the unread counter of
	// every member except the sender in one transaction. The returned map
	// holds the fresh counter value per non-sender member.
	CreateMessage(params CreateMessageParams) (Message, map[int]int, error)
	GetMessageById(messageId int) (Message, error)
	UpdateMessageContent(messageId int, content string) error
	UpdateCallDuration(messageId int, duration string) error
	DeleteMessage(messageId int) error
	DeleteMessagesBySender(messageIds []int, senderId int) ([]int, error)
	GetRoomMessages(roomId, limit int) ([]Message, error)
	LastRoomMessage(roomId int) (Message, error)
	GetThreadMessages(roomId, rootId int) ([]Message, error)
	ThreadCommentCount(rootId int) (int, error)
	MaxMessageId(roomId int) (int, error)

	AddReaction(messageId, userId int, emoji string) (bool, error)
	RemoveReaction(messageId, userId int, emoji string) error
	ReactionSummary(messageId int) (map[string][]int, error)

	AddPollVotes(messageId, userId int, optionIndices []int) (bool, error)
	GetPollVotes(messageId, userId int) ([]int, error)
	PollTally(messageId, optionCount int) ([]int, error)

	ResetUnread(accountId, roomId int) error
	GetUnread(accountId, roomId int) (int, error)
}
