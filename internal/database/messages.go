package database

import (
	"database/sql"
	"time"
)

const selectMessageColumns = "m.id, m.room_id, m.sender_id, COALESCE(a.username, ''), m.content, " +
	"m.message_type, m.call_duration, m.thread_root_id, m.thread_kind, m.created_at, m.updated_at"

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		msg      Message
		senderId sql.NullInt64
		rootId   sql.NullInt64
	)

	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&senderId,
		&msg.SenderName,
		&msg.Content,
		&msg.Type,
		&msg.CallDuration,
		&rootId,
		&msg.ThreadKind,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)

	msg.SenderId = int(senderId.Int64)
	msg.ThreadRootId = int(rootId.Int64)

	return msg, err
}

// CreateMessage inserts the message and bumps the unread counter of every
// member of the room except the sender inside a single transaction, so a
// stored message is never visible without its counters. The fresh counter
// values are read back within the same transaction and returned per member.
func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, map[int]int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res := tx.QueryRow(
		"INSERT INTO messages (room_id, sender_id, content, message_type, call_duration, thread_root_id, thread_kind, created_at, updated_at) "+
			"VALUES ($1, NULLIF($2, 0), $3, $4, $5, NULLIF($6, 0), $7, $8, $8) "+
			"RETURNING id, created_at",
		params.RoomId,
		params.SenderId,
		params.Content,
		params.Type,
		params.CallDuration,
		params.ThreadRootId,
		params.ThreadKind,
		now,
	)

	msg := Message{
		RoomId:       params.RoomId,
		SenderId:     params.SenderId,
		Content:      params.Content,
		Type:         params.Type,
		CallDuration: params.CallDuration,
		ThreadRootId: params.ThreadRootId,
		ThreadKind:   params.ThreadKind,
		UpdatedAt:    now,
	}
	if err = res.Scan(&msg.Id, &msg.CreatedAt); err != nil {
		return Message{}, nil, err
	}

	_, err = tx.Exec(
		"INSERT INTO unread_counters (account_id, room_id, count) "+
			"SELECT account_id, room_id, 1 FROM memberships WHERE room_id = $1 AND account_id <> $2 "+
			"ON CONFLICT (account_id, room_id) DO UPDATE SET count = unread_counters.count + 1",
		params.RoomId,
		params.SenderId,
	)
	if err != nil {
		return Message{}, nil, err
	}

	rows, err := tx.Query(
		"SELECT account_id, count FROM unread_counters WHERE room_id = $1 AND account_id <> $2",
		params.RoomId,
		params.SenderId,
	)
	if err != nil {
		return Message{}, nil, err
	}

	counts := make(map[int]int)
	for rows.Next() {
		var accountId, count int
		if err = rows.Scan(&accountId, &count); err != nil {
			rows.Close()
			return Message{}, nil, err
		}
		counts[accountId] = count
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return Message{}, nil, err
	}

	if params.SenderId != 0 {
		row := tx.QueryRow("SELECT username FROM accounts WHERE id = $1", params.SenderId)
		if err = row.Scan(&msg.SenderName); err != nil {
			return Message{}, nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Message{}, nil, err
	}

	return msg, counts, nil
}

func (db *PgChatRepository) GetMessageById(messageId int) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+selectMessageColumns+" FROM messages m "+
			"LEFT JOIN accounts a ON m.sender_id = a.id WHERE m.id = $1 LIMIT 1",
		messageId,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) UpdateMessageContent(messageId int, content string) error {
	res, err := db.conn.Exec(
		"UPDATE messages SET content = $2, updated_at = $3 WHERE id = $1",
		messageId,
		content,
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

func (db *PgChatRepository) UpdateCallDuration(messageId int, duration string) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET call_duration = $2, updated_at = $3 WHERE id = $1",
		messageId,
		duration,
		time.Now().UTC(),
	)

	return err
}

// DeleteMessage removes the message with its reactions and poll votes.
// Thread children are kept; their thread_root_id is nulled by the foreign
// key so they become orphaned top-level lookups rather than dangling refs.
func (db *PgChatRepository) DeleteMessage(messageId int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec("DELETE FROM reactions WHERE message_id = $1", messageId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM poll_votes WHERE message_id = $1", messageId)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM messages WHERE id = $1", messageId)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteMessagesBySender deletes each listed message that the account
// authored, returning the ids actually removed.
func (db *PgChatRepository) DeleteMessagesBySender(messageIds []int, senderId int) ([]int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	deleted := make([]int, 0, len(messageIds))
	for _, id := range messageIds {
		row := tx.QueryRow("SELECT sender_id FROM messages WHERE id = $1", id)

		var owner sql.NullInt64
		if err := row.Scan(&owner); err != nil {
			continue
		}
		if int(owner.Int64) != senderId {
			continue
		}

		if _, err = tx.Exec("DELETE FROM reactions WHERE message_id = $1", id); err != nil {
			return nil, err
		}
		if _, err = tx.Exec("DELETE FROM poll_votes WHERE message_id = $1", id); err != nil {
			return nil, err
		}
		if _, err = tx.Exec("DELETE FROM messages WHERE id = $1", id); err != nil {
			return nil, err
		}

		deleted = append(deleted, id)
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return deleted, nil
}

// GetRoomMessages returns the room's top-level history, oldest first.
// Thread comments are excluded; they are fetched per thread root.
func (db *PgChatRepository) GetRoomMessages(roomId, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.Query(
		"SELECT "+selectMessageColumns+" FROM messages m "+
			"LEFT JOIN accounts a ON m.sender_id = a.id "+
			"WHERE m.room_id = $1 AND m.message_type NOT IN ('comment', 'poll_comment') "+
			"ORDER BY m.id ASC LIMIT $2",
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// LastRoomMessage returns the newest top-level message, for room list
// previews. sql.ErrNoRows means the room has no messages yet.
func (db *PgChatRepository) LastRoomMessage(roomId int) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+selectMessageColumns+" FROM messages m "+
			"LEFT JOIN accounts a ON m.sender_id = a.id "+
			"WHERE m.room_id = $1 AND m.message_type NOT IN ('comment', 'poll_comment') "+
			"ORDER BY m.id DESC LIMIT 1",
		roomId,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) GetThreadMessages(roomId, rootId int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+selectMessageColumns+" FROM messages m "+
			"LEFT JOIN accounts a ON m.sender_id = a.id "+
			"WHERE m.room_id = $1 AND m.thread_root_id = $2 ORDER BY m.id ASC",
		roomId,
		rootId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) ThreadCommentCount(rootId int) (int, error) {
	row := db.conn.QueryRow("SELECT COUNT(*) FROM messages WHERE thread_root_id = $1", rootId)

	var count int
	err := row.Scan(&count)

	return count, err
}

func (db *PgChatRepository) MaxMessageId(roomId int) (int, error) {
	row := db.conn.QueryRow("SELECT COALESCE(MAX(id), 0) FROM messages WHERE room_id = $1", roomId)

	var max int
	err := row.Scan(&max)

	return max, err
}

// AddReaction is idempotent: a duplicate (message, user, emoji) triple is
// swallowed by the conflict target. The bool reports whether a row was
// actually inserted.
func (db *PgChatRepository) AddReaction(messageId, userId int, emoji string) (bool, error) {
	res, err := db.conn.Exec(
		"INSERT INTO reactions (message_id, account_id, emoji) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
		messageId,
		userId,
		emoji,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()

	return n > 0, err
}

func (db *PgChatRepository) RemoveReaction(messageId, userId int, emoji string) error {
	_, err := db.conn.Exec(
		"DELETE FROM reactions WHERE message_id = $1 AND account_id = $2 AND emoji = $3",
		messageId,
		userId,
		emoji,
	)

	return err
}

func (db *PgChatRepository) ReactionSummary(messageId int) (map[string][]int, error) {
	rows, err := db.conn.Query(
		"SELECT emoji, account_id FROM reactions WHERE message_id = $1 ORDER BY emoji, account_id",
		messageId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := make(map[string][]int)
	for rows.Next() {
		var re Reaction
		if err := rows.Scan(&re.Emoji, &re.UserId); err != nil {
			return nil, err
		}

		summary[re.Emoji] = append(summary[re.Emoji], re.UserId)
	}

	return summary, rows.Err()
}

// AddPollVotes inserts a vote row per option index, skipping triples that
// already exist. The bool reports whether any row was inserted.
func (db *PgChatRepository) AddPollVotes(messageId, userId int, optionIndices []int) (bool, error) {
	var added bool
	for _, idx := range optionIndices {
		res, err := db.conn.Exec(
			"INSERT INTO poll_votes (message_id, account_id, option_index) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
			messageId,
			userId,
			idx,
		)
		if err != nil {
			return added, err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return added, err
		}
		if n > 0 {
			added = true
		}
	}

	return added, nil
}

func (db *PgChatRepository) GetPollVotes(messageId, userId int) ([]int, error) {
	rows, err := db.conn.Query(
		"SELECT option_index FROM poll_votes WHERE message_id = $1 AND account_id = $2 ORDER BY option_index",
		messageId,
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indices = make([]int, 0)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}

		indices = append(indices, idx)
	}

	return indices, rows.Err()
}

func (db *PgChatRepository) PollTally(messageId, optionCount int) ([]int, error) {
	rows, err := db.conn.Query(
		"SELECT option_index, COUNT(*) FROM poll_votes WHERE message_id = $1 GROUP BY option_index",
		messageId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tally := make([]int, optionCount)
	for rows.Next() {
		var idx, count int
		if err := rows.Scan(&idx, &count); err != nil {
			return nil, err
		}
		if idx >= 0 && idx < optionCount {
			tally[idx] = count
		}
	}

	return tally, rows.Err()
}

func (db *PgChatRepository) ResetUnread(accountId, roomId int) error {
	_, err := db.conn.Exec(
		"UPDATE unread_counters SET count = 0 WHERE account_id = $1 AND room_id = $2",
		accountId,
		roomId,
	)

	return err
}

func (db *PgChatRepository) GetUnread(accountId, roomId int) (int, error) {
	row := db.conn.QueryRow(
		"SELECT COALESCE((SELECT count FROM unread_counters WHERE account_id = $1 AND room_id = $2), 0)",
		accountId,
		roomId,
	)

	var count int
	err := row.Scan(&count)

	return count, err
}
