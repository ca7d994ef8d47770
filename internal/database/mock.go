package database

import (
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) SearchAccounts(query string, limit int) ([]User, error) {
	args := m.Called(query, limit)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomById(roomId int) (Room, error) {
	args := m.Called(roomId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) UpdateRoomName(roomId int, name string) error {
	args := m.Called(roomId, name)
	return args.Error(0)
}
func (m *MockChatRepository) FindDirectRoom(accountA, accountB int) (Room, error) {
	args := m.Called(accountA, accountB)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) DeleteRoom(roomId int) error {
	args := m.Called(roomId)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMembership(accountId, roomId int, role string) (Membership, error) {
	args := m.Called(accountId, roomId, role)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockChatRepository) GetMembership(accountId, roomId int) (Membership, error) {
	args := m.Called(accountId, roomId)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockChatRepository) ListMembers(roomId int) ([]Membership, error) {
	args := m.Called(roomId)
	return args.Get(0).([]Membership), args.Error(1)
}
func (m *MockChatRepository) ListRoomsForAccount(accountId int) ([]Membership, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Membership), args.Error(1)
}
func (m *MockChatRepository) UpdateMembershipRole(accountId, roomId int, role string) error {
	args := m.Called(accountId, roomId, role)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteMembership(accountId, roomId int) error {
	args := m.Called(accountId, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) SetMembershipArchived(accountId, roomId int, archived bool) error {
	args := m.Called(accountId, roomId, archived)
	return args.Error(0)
}
func (m *MockChatRepository) CreateBlock(blockerId, blockedId int) error {
	args := m.Called(blockerId, blockedId)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteBlock(blockerId, blockedId int) error {
	args := m.Called(blockerId, blockedId)
	return args.Error(0)
}
func (m *MockChatRepository) BlockedBetween(accountA, accountB int) (bool, error) {
	args := m.Called(accountA, accountB)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(params CreateMessageParams) (Message, map[int]int, error) {
	args := m.Called(params)
	counts, _ := args.Get(1).(map[int]int)
	return args.Get(0).(Message), counts, args.Error(2)
}
func (m *MockChatRepository) GetMessageById(messageId int) (Message, error) {
	args := m.Called(messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) UpdateMessageContent(messageId int, content string) error {
	args := m.Called(messageId, content)
	return args.Error(0)
}
func (m *MockChatRepository) UpdateCallDuration(messageId int, duration string) error {
	args := m.Called(messageId, duration)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteMessage(messageId int) error {
	args := m.Called(messageId)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteMessagesBySender(messageIds []int, senderId int) ([]int, error) {
	args := m.Called(messageIds, senderId)
	return args.Get(0).([]int), args.Error(1)
}
func (m *MockChatRepository) GetRoomMessages(roomId, limit int) ([]Message, error) {
	args := m.Called(roomId, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) LastRoomMessage(roomId int) (Message, error) {
	args := m.Called(roomId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetThreadMessages(roomId, rootId int) ([]Message, error) {
	args := m.Called(roomId, rootId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) ThreadCommentCount(rootId int) (int, error) {
	args := m.Called(rootId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) MaxMessageId(roomId int) (int, error) {
	args := m.Called(roomId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) AddReaction(messageId, userId int, emoji string) (bool, error) {
	args := m.Called(messageId, userId, emoji)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) RemoveReaction(messageId, userId int, emoji string) error {
	args := m.Called(messageId, userId, emoji)
	return args.Error(0)
}
func (m *MockChatRepository) ReactionSummary(messageId int) (map[string][]int, error) {
	args := m.Called(messageId)
	summary, _ := args.Get(0).(map[string][]int)
	return summary, args.Error(1)
}
func (m *MockChatRepository) AddPollVotes(messageId, userId int, optionIndices []int) (bool, error) {
	args := m.Called(messageId, userId, optionIndices)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) GetPollVotes(messageId, userId int) ([]int, error) {
	args := m.Called(messageId, userId)
	return args.Get(0).([]int), args.Error(1)
}
func (m *MockChatRepository) PollTally(messageId, optionCount int) ([]int, error) {
	args := m.Called(messageId, optionCount)
	return args.Get(0).([]int), args.Error(1)
}
func (m *MockChatRepository) ResetUnread(accountId, roomId int) error {
	args := m.Called(accountId, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) GetUnread(accountId, roomId int) (int, error) {
	args := m.Called(accountId, roomId)
	return args.Int(0), args.Error(1)
}
