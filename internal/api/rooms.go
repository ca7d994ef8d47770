package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/glasschat/glasschat/internal/database"
	"github.com/glasschat/glasschat/internal/server"
	"github.com/glasschat/glasschat/internal/types"
)

type CreateRoomRequest struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	MemberIds []int  `json:"member_ids"`
}

type UpdateRoomRequest struct {
	RoomId string `json:"room_id"`
	Name   string `json:"name"`
}

type StartDirectRoomRequest struct {
	UserId int `json:"user_id"`
}

type AddMembersRequest struct {
	RoomId    string `json:"room_id"`
	MemberIds []int  `json:"member_ids"`
}

type ManageMemberRequest struct {
	RoomId string `json:"room_id"`
	UserId int    `json:"user_id"`
	Action string `json:"action"`
}

type RoomIdRequest struct {
	RoomId string `json:"room_id"`
}

type ArchiveRoomRequest struct {
	RoomId   string `json:"room_id"`
	Archived bool   `json:"archived"`
}

type BlockRequest struct {
	UserId int `json:"user_id"`
}

func (s *GlassChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" || (req.Kind != types.RoomGroup && req.Kind != types.RoomChannel) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Println("generateShortId:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newRoom, err := s.db.CreateRoom(database.CreateRoomParams{
		Kind:       req.Kind,
		Name:       req.Name,
		ExternalId: sid,
		OwnerId:    userId,
		MemberIds:  req.MemberIds,
	})
	if err != nil {
		s.log.Println("CreateRoom:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room := s.renderRoom(newRoom, userId)

	for _, memberId := range req.MemberIds {
		if memberId == userId {
			continue
		}
		memberRoom := room
		memberRoom.Role = types.RoleMember
		s.cs.NotifyUser(memberId, &server.Notification{NewRoom: &memberRoom})
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *GlassChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	memberships, err := s.db.ListRoomsForAccount(userId)
	if err != nil {
		s.log.Println("ListRoomsForAccount:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms := make([]types.Room, 0, len(memberships))
	for _, m := range memberships {
		room := types.Room{
			Id:          m.RoomId,
			ExternalId:  m.Room.ExternalId,
			Kind:        m.Room.Kind,
			Name:        m.Room.Name,
			AvatarUrl:   m.Room.AvatarUrl,
			Role:        m.Role,
			Archived:    m.Archived,
			UnreadCount: m.Unread,
			CreatedAt:   m.Room.CreatedAt,
			UpdatedAt:   m.Room.UpdatedAt,
		}

		// direct rooms are presented under the other participant's name
		if m.Room.Kind == types.RoomDirect {
			if members, err := s.db.ListMembers(m.RoomId); err == nil {
				for _, rm := range members {
					if rm.AccountId != userId {
						room.Name = rm.Username
						break
					}
				}
			}
		}

		if last, err := s.db.LastRoomMessage(m.RoomId); err == nil {
			room.LastMessage = messagePreview(last)
		}

		rooms = append(rooms, room)
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *GlassChatApp) updateRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req UpdateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomId == "" || req.Name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, apiErr := s.roomForUpdate(req.RoomId, userId)
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	if err := s.db.UpdateRoomName(room.Id, req.Name); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room.Name = req.Name
	rendered := s.renderRoom(room, userId)

	members, err := s.db.ListMembers(room.Id)
	if err == nil {
		for _, m := range members {
			s.cs.NotifyUser(m.AccountId, &server.Notification{RoomUpdated: &rendered})
		}
	}

	s.postSystemMessage(room, fmt.Sprintf("Room renamed to %q", req.Name))

	s.writeJson(w, http.StatusOK, rendered)
}

func (s *GlassChatApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	membership, err := s.db.GetMembership(userId, room.Id)
	if err != nil {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	// any participant may dissolve a direct room, otherwise admins only
	if room.Kind != types.RoomDirect && membership.Role != types.RoleAdmin {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	members, err := s.db.ListMembers(room.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeleteRoom(room.Id); err != nil {
		s.log.Println("DeleteRoom:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.cs.DropRoom(room.ExternalId) {
		for _, m := range members {
			s.cs.NotifyUser(m.AccountId, &server.Notification{
				RoomDeleted: &server.RoomDeleted{
					RoomId: room.ExternalId,
					Name:   room.Name,
				},
			})
		}
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GlassChatApp) startDirectRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req StartDirectRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserId == 0 || req.UserId == userId {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	target, err := s.db.GetAccountById(req.UserId)
	if err != nil {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	blocked, err := s.db.BlockedBetween(userId, target.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if blocked {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	existing, err := s.db.FindDirectRoom(userId, target.Id)
	if err == nil {
		room := s.renderRoom(existing, userId)
		room.Name = target.Username
		s.writeJson(w, http.StatusOK, room)
		return
	}
	if !errors.Is(err, sql.ErrNoRows) {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newRoom, err := s.db.CreateRoom(database.CreateRoomParams{
		Kind:       types.RoomDirect,
		ExternalId: sid,
		OwnerId:    userId,
		MemberIds:  []int{target.Id},
	})
	if err != nil {
		s.log.Println("CreateRoom:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room := s.renderRoom(newRoom, userId)
	room.Name = target.Username

	caller, err := s.db.GetAccountById(userId)
	if err == nil {
		targetRoom := room
		targetRoom.Name = caller.Username
		s.cs.NotifyUser(target.Id, &server.Notification{NewRoom: &targetRoom})
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *GlassChatApp) addMembers(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AddMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomId == "" || len(req.MemberIds) == 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, apiErr := s.roomForUpdate(req.RoomId, userId)
	if apiErr != nil {
		s.writeJson(w, apiErr.StatusCode, apiErr)
		return
	}

	rendered := s.renderRoom(room, userId)
	rendered.Role = types.RoleMember

	for _, memberId := range req.MemberIds {
		if _, err := s.db.GetMembership(memberId, room.Id); err == nil {
			continue
		}

		member, err := s.db.CreateMembership(memberId, room.Id, types.RoleMember)
		if err != nil {
			s.log.Println("CreateMembership:", err)
			continue
		}

		s.cs.NotifyUser(member.AccountId, &server.Notification{NewRoom: &rendered})

		if account, err := s.db.GetAccountById(memberId); err == nil {
			s.postSystemMessage(room, fmt.Sprintf("%s joined the room", account.Username))
		}
	}

	s.cs.RefreshRoom(room.ExternalId, 0)
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GlassChatApp) listMembers(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.db.GetMembership(userId, room.Id); err != nil {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	memberships, err := s.db.ListMembers(room.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
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

	s.writeJson(w, http.StatusOK, members)
}

func (s *GlassChatApp) manageMember(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req ManageMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomId == "" || req.UserId == 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(req.RoomId)
	if err != nil || room.Kind == types.RoomDirect {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	caller, err := s.db.GetMembership(userId, room.Id)
	if err != nil {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch req.Action {
	case "promote", "demote":
		if caller.Role != types.RoleAdmin {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		// role changes always target someone else
		if req.UserId == userId {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		role := types.RoleAdmin
		if req.Action == "demote" {
			role = types.RoleMember
		}

		if err := s.db.UpdateMembershipRole(req.UserId, room.Id, role); err != nil {
			var errResp *ApiError
			if errors.Is(err, sql.ErrNoRows) {
				errResp = NewNotFoundError()
			} else {
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.cs.RefreshRoom(room.ExternalId, 0)
	case "remove":
		// admins remove anyone, members may remove themselves (leave)
		if caller.Role != types.RoleAdmin && req.UserId != userId {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		target, err := s.db.GetMembership(req.UserId, room.Id)
		if err != nil {
			errResp := NewNotFoundError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if err := s.db.DeleteMembership(req.UserId, room.Id); err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if req.UserId == userId {
			s.postSystemMessage(room, fmt.Sprintf("%s left the room", target.Username))
		} else {
			s.postSystemMessage(room, fmt.Sprintf("%s was removed from the room", target.Username))
		}

		s.cs.RefreshRoom(room.ExternalId, req.UserId)
	default:
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GlassChatApp) markRoomRead(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req RoomIdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(req.RoomId)
	if err != nil {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.db.GetMembership(userId, room.Id); err != nil {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.cs.MarkRoomRead(userId, room.ExternalId)
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GlassChatApp) archiveRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req ArchiveRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(req.RoomId)
	if err != nil {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.SetMembershipArchived(userId, room.Id, req.Archived); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GlassChatApp) createBlock(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserId == 0 || req.UserId == userId {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.CreateBlock(userId, req.UserId); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GlassChatApp) deleteBlock(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	blockedId, err := strconv.Atoi(r.URL.Query().Get("user_id"))
	if err != nil || blockedId == 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeleteBlock(userId, blockedId); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GlassChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("room_id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.db.GetMembership(userId, room.Id); err != nil {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var limit int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	dbMessages, err := s.db.GetRoomMessages(room.Id, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// in a blocked direct conversation the other side's messages are hidden
	hideSender := 0
	if room.Kind == types.RoomDirect {
		if members, err := s.db.ListMembers(room.Id); err == nil {
			for _, m := range members {
				if m.AccountId != userId {
					if blocked, err := s.db.BlockedBetween(userId, m.AccountId); err == nil && blocked {
						hideSender = m.AccountId
					}
					break
				}
			}
		}
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, msg := range dbMessages {
		if hideSender != 0 && msg.SenderId == hideSender {
			continue
		}
		messages = append(messages, s.renderMessage(room, msg, true))
	}

	s.writeJson(w, http.StatusOK, messages)
}

// getPollVotes returns the caller's recorded selection and the current tally
// for one poll message.
func (s *GlassChatApp) getPollVotes(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messageId, err := strconv.Atoi(r.URL.Query().Get("message_id"))
	if err != nil || messageId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbMsg, err := s.db.GetMessageById(messageId)
	if err != nil || dbMsg.Type != types.MessagePoll {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.db.GetMembership(userId, dbMsg.RoomId); err != nil {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var poll types.Poll
	if err := json.Unmarshal([]byte(dbMsg.Content), &poll); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	selected, err := s.db.GetPollVotes(dbMsg.Id, userId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if tally, err := s.db.PollTally(dbMsg.Id, len(poll.Options)); err == nil {
		poll.Results = tally
	}

	s.writeJson(w, http.StatusOK, struct {
		MessageId int         `json:"message_id"`
		Selected  []int       `json:"selected"`
		Poll      *types.Poll `json:"poll"`
	}{
		MessageId: dbMsg.Id,
		Selected:  selected,
		Poll:      &poll,
	})
}

func (s *GlassChatApp) getThread(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rootId, err := strconv.Atoi(r.URL.Query().Get("root_id"))
	if err != nil || rootId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	root, err := s.db.GetMessageById(rootId)
	if err != nil {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomById(root.RoomId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, err := s.db.GetMembership(userId, room.Id); err != nil {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbMessages, err := s.db.GetThreadMessages(room.Id, root.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := make([]types.Message, 0, len(dbMessages)+1)
	messages = append(messages, s.renderMessage(room, root, true))
	for _, msg := range dbMessages {
		messages = append(messages, s.renderMessage(room, msg, false))
	}

	s.writeJson(w, http.StatusOK, messages)
}

// roomForUpdate loads a room and checks the caller holds the admin role.
// Direct rooms are never admin-managed.
func (s *GlassChatApp) roomForUpdate(externalId string, userId int) (database.Room, *ApiError) {
	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Room{}, NewNotFoundError()
		}
		return database.Room{}, NewInternalServerError(err)
	}

	if room.Kind == types.RoomDirect {
		return database.Room{}, NewBadRequestError()
	}

	membership, err := s.db.GetMembership(userId, room.Id)
	if err != nil || membership.Role != types.RoleAdmin {
		return database.Room{}, NewForbiddenError()
	}

	return room, nil
}

func (s *GlassChatApp) renderRoom(room database.Room, userId int) types.Room {
	out := types.Room{
		Id:         room.Id,
		ExternalId: room.ExternalId,
		Kind:       room.Kind,
		Name:       room.Name,
		AvatarUrl:  room.AvatarUrl,
		CreatedAt:  room.CreatedAt,
		UpdatedAt:  room.UpdatedAt,
	}

	members, err := s.db.ListMembers(room.Id)
	if err != nil {
		s.log.Println("ListMembers:", err)
		return out
	}

	out.Members = make([]types.Member, len(members))
	for i, m := range members {
		out.Members[i] = types.Member{
			Id:       m.AccountId,
			Username: m.Username,
			Role:     m.Role,
		}
		if m.AccountId == userId {
			out.Role = m.Role
		}
	}

	return out
}

func (s *GlassChatApp) renderMessage(room database.Room, m database.Message, withThreadCount bool) types.Message {
	out := types.Message{
		Id:           m.Id,
		RoomId:       room.ExternalId,
		SenderId:     m.SenderId,
		SenderName:   m.SenderName,
		Content:      m.Content,
		Type:         m.Type,
		CallDuration: m.CallDuration,
		ThreadRootId: m.ThreadRootId,
		ThreadKind:   m.ThreadKind,
		Timestamp:    m.CreatedAt,
	}

	if summary, err := s.db.ReactionSummary(m.Id); err == nil && len(summary) > 0 {
		out.Reactions = summary
	}

	if m.Type == types.MessagePoll {
		var poll types.Poll
		if err := json.Unmarshal([]byte(m.Content), &poll); err == nil {
			if tally, err := s.db.PollTally(m.Id, len(poll.Options)); err == nil {
				poll.Results = tally
			}
			out.Poll = &poll
			out.Content = ""
		}
	}

	if withThreadCount && m.ThreadRootId == 0 {
		if n, err := s.db.ThreadCommentCount(m.Id); err == nil && n > 0 {
			out.ThreadCommentCount = &n
		}
	}

	return out
}

// postSystemMessage appends a sender-less message and fans it out with the
// unread counts from the same transaction, mirroring the realtime path.
func (s *GlassChatApp) postSystemMessage(room database.Room, content string) {
	created, counts, err := s.db.CreateMessage(database.CreateMessageParams{
		RoomId:  room.Id,
		Content: content,
		Type:    types.MessageSystem,
	})
	if err != nil {
		s.log.Println("CreateMessage:", err)
		return
	}

	msg := s.renderMessage(room, created, false)
	for accountId, count := range counts {
		s.cs.NotifyMessage(accountId, &msg, room.ExternalId, count)
	}
}

const previewMaxLen = 140

func messagePreview(m database.Message) *types.Preview {
	var content string

	switch m.Type {
	case types.MessageSystem:
		content = "System update"
	case types.MessageCall:
		content = strings.TrimSpace("Call ended " + m.CallDuration)
	case types.MessageVoice:
		content = "Voice message"
	case types.MessagePoll:
		var poll types.Poll
		if err := json.Unmarshal([]byte(m.Content), &poll); err == nil {
			content = "\U0001F4CA " + poll.Question
		}
	default:
		content = strings.TrimSpace(m.Content)
		if content == "" {
			content = "Media attachment"
		}
	}

	if r := []rune(content); len(r) > previewMaxLen {
		content = string(r[:previewMaxLen])
	}

	return &types.Preview{
		Content:   content,
		Author:    m.SenderName,
		Timestamp: m.CreatedAt,
	}
}
