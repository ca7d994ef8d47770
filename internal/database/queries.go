package database

import (
	"database/sql"
	"fmt"
	"time"
)

const createMembershipQuery = "INSERT INTO memberships (account_id, room_id, role, created_at, updated_at) " +
	"VALUES ($1, $2, $3, $4, $5) RETURNING id, account_id, room_id, role"

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, username, email",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
	)

	return u, err
}

func (db *PgChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $2, password_hash = $3, bio = $4, avatar_url = $5, updated_at = $6 "+
			"WHERE id = $1 RETURNING id, username, email, bio, avatar_url",
		params.UserId,
		params.Username,
		params.PasswordHash,
		params.Bio,
		params.AvatarUrl,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Bio,
		&u.AvatarUrl,
	)

	return u, err
}

func (db *PgChatRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, is_verified, bio, avatar_url, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.Verified,
		&user.Bio,
		&user.AvatarUrl,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, is_verified FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.Verified,
	)

	return user, err
}

func (db *PgChatRepository) SearchAccounts(query string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := db.conn.Query(
		"SELECT id, username, bio, avatar_url FROM accounts WHERE username ILIKE $1 ORDER BY username LIMIT $2",
		"%"+query+"%",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err = rows.Scan(&u.Id, &u.Username, &u.Bio, &u.AvatarUrl); err != nil {
			break
		}

		users = append(users, u)
	}

	return users, err
}

func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO rooms (external_id, kind, name, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, external_id, kind, name, created_at, updated_at",
		params.ExternalId,
		params.Kind,
		params.Name,
		time.Now().UTC(),
		time.Now().UTC(),
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Kind,
		&room.Name,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	ownerRole := "admin"
	if params.Kind == "direct" {
		// direct rooms are never role-managed
		ownerRole = "member"
	}

	_, err = tx.Exec(createMembershipQuery, params.OwnerId, room.Id, ownerRole, time.Now().UTC(), time.Now().UTC())
	if err != nil {
		return Room{}, err
	}

	for _, memberId := range params.MemberIds {
		if memberId == params.OwnerId {
			continue
		}
		_, err = tx.Exec(createMembershipQuery, memberId, room.Id, "member", time.Now().UTC(), time.Now().UTC())
		if err != nil {
			return Room{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, nil
}

func (db *PgChatRepository) GetRoomById(roomId int) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, kind, name, avatar_url, created_at, updated_at FROM rooms "+
			"WHERE id = $1 LIMIT 1",
		roomId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Kind,
		&room.Name,
		&room.AvatarUrl,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, err
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, kind, name, avatar_url, created_at, updated_at FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Kind,
		&room.Name,
		&room.AvatarUrl,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, err
}

func (db *PgChatRepository) UpdateRoomName(roomId int, name string) error {
	_, err := db.conn.Exec(
		"UPDATE rooms SET name = $2, updated_at = $3 WHERE id = $1",
		roomId,
		name,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) FindDirectRoom(accountA, accountB int) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT r.id, r.external_id, r.kind, r.name, r.avatar_url, r.created_at, r.updated_at FROM rooms r "+
			"WHERE r.kind = 'direct' "+
			"AND EXISTS (SELECT 1 FROM memberships WHERE room_id = r.id AND account_id = $1) "+
			"AND EXISTS (SELECT 1 FROM memberships WHERE room_id = r.id AND account_id = $2) "+
			"LIMIT 1",
		accountA,
		accountB,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Kind,
		&room.Name,
		&room.AvatarUrl,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, err
}

// DeleteRoom removes the room and every entity it owns in one transaction:
// poll votes, reactions, messages, memberships, unread counters, then the
// room row itself. No satellite row survives the cascade.
func (db *PgChatRepository) DeleteRoom(roomId int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec("DELETE FROM poll_votes WHERE message_id IN (SELECT id FROM messages WHERE room_id = $1)", roomId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM reactions WHERE message_id IN (SELECT id FROM messages WHERE room_id = $1)", roomId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("UPDATE messages SET thread_root_id = NULL WHERE room_id = $1", roomId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM messages WHERE room_id = $1", roomId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM memberships WHERE room_id = $1", roomId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM unread_counters WHERE room_id = $1", roomId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM rooms WHERE id = $1", roomId)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) CreateMembership(accountId, roomId int, role string) (Membership, error) {
	res := db.conn.QueryRow(
		createMembershipQuery,
		accountId,
		roomId,
		role,
		time.Now().UTC(),
		time.Now().UTC(),
	)

	var m Membership
	err := res.Scan(
		&m.Id,
		&m.AccountId,
		&m.RoomId,
		&m.Role,
	)

	return m, err
}

func (db *PgChatRepository) GetMembership(accountId, roomId int) (Membership, error) {
	row := db.conn.QueryRow(
		"SELECT m.id, m.account_id, a.username, m.room_id, m.role, m.is_archived FROM memberships m "+
			"JOIN accounts a ON m.account_id = a.id "+
			"WHERE m.account_id = $1 AND m.room_id = $2 LIMIT 1",
		accountId,
		roomId,
	)

	var m Membership
	err := row.Scan(
		&m.Id,
		&m.AccountId,
		&m.Username,
		&m.RoomId,
		&m.Role,
		&m.Archived,
	)

	return m, err
}

func (db *PgChatRepository) ListMembers(roomId int) ([]Membership, error) {
	rows, err := db.conn.Query(
		"SELECT m.id, m.account_id, a.username, m.room_id, m.role, m.is_archived FROM memberships m "+
			"JOIN accounts a ON m.account_id = a.id WHERE m.room_id = $1 ORDER BY m.id",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members = make([]Membership, 0)
	for rows.Next() {
		var m Membership
		if err = rows.Scan(&m.Id, &m.AccountId, &m.Username, &m.RoomId, &m.Role, &m.Archived); err != nil {
			break
		}

		members = append(members, m)
	}

	return members, err
}

func (db *PgChatRepository) ListRoomsForAccount(accountId int) ([]Membership, error) {
	rows, err := db.conn.Query(
		"SELECT m.id, m.account_id, m.room_id, m.role, m.is_archived, COALESCE(u.count, 0), "+
			"r.external_id, r.kind, r.name, r.avatar_url, r.created_at, r.updated_at "+
			"FROM memberships m "+
			"JOIN rooms r ON m.room_id = r.id "+
			"LEFT JOIN unread_counters u ON u.account_id = m.account_id AND u.room_id = m.room_id "+
			"WHERE m.account_id = $1 ORDER BY r.updated_at DESC",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		var m Membership
		if err = rows.Scan(
			&m.Id,
			&m.AccountId,
			&m.RoomId,
			&m.Role,
			&m.Archived,
			&m.Unread,
			&m.Room.ExternalId,
			&m.Room.Kind,
			&m.Room.Name,
			&m.Room.AvatarUrl,
			&m.Room.CreatedAt,
			&m.Room.UpdatedAt,
		); err != nil {
			break
		}

		m.Room.Id = m.RoomId
		memberships = append(memberships, m)
	}

	return memberships, err
}

func (db *PgChatRepository) UpdateMembershipRole(accountId, roomId int, role string) error {
	res, err := db.conn.Exec(
		"UPDATE memberships SET role = $3, updated_at = $4 WHERE account_id = $1 AND room_id = $2",
		accountId,
		roomId,
		role,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}

	return err
}

func (db *PgChatRepository) DeleteMembership(accountId, roomId int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec("DELETE FROM memberships WHERE account_id = $1 AND room_id = $2", accountId, roomId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM unread_counters WHERE account_id = $1 AND room_id = $2", accountId, roomId)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) SetMembershipArchived(accountId, roomId int, archived bool) error {
	res, err := db.conn.Exec(
		"UPDATE memberships SET is_archived = $3, updated_at = $4 WHERE account_id = $1 AND room_id = $2",
		accountId,
		roomId,
		archived,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("no membership for account %d in room %d", accountId, roomId)
	}

	return err
}

func (db *PgChatRepository) CreateBlock(blockerId, blockedId int) error {
	_, err := db.conn.Exec(
		"INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		blockerId,
		blockedId,
	)

	return err
}

func (db *PgChatRepository) DeleteBlock(blockerId, blockedId int) error {
	_, err := db.conn.Exec(
		"DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2",
		blockerId,
		blockedId,
	)

	return err
}

// BlockedBetween reports whether a block exists in either direction.
func (db *PgChatRepository) BlockedBetween(accountA, accountB int) (bool, error) {
	row := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM blocks WHERE (blocker_id = $1 AND blocked_id = $2) "+
			"OR (blocker_id = $2 AND blocked_id = $1))",
		accountA,
		accountB,
	)

	var blocked bool
	err := row.Scan(&blocked)

	return blocked, err
}
