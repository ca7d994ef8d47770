package server

import (
	"strings"

	"github.com/glasschat/glasschat/internal/types"
)

// allowedReactions is the closed set of emoji the reaction store accepts.
var allowedReactions = map[string]struct{}{
	"👍":  {},
	"👎":  {},
	"❤️": {},
	"😂":  {},
	"😮":  {},
	"😢":  {},
	"🔥":  {},
}

func reactionAllowed(emoji string) bool {
	_, ok := allowedReactions[emoji]
	return ok
}

// resolveMessageType decides the stored type and thread kind for a send.
// hasRoot reports whether the referenced thread root exists in the same
// room; rootType is only meaningful when hasRoot is true. A false ok means
// the send is rejected.
//
// A reply under a poll root is always stored as poll_comment, and any other
// reply is stored as comment, regardless of the type the sender asked for.
// Top-level sends keep the requested type except in channels, where
// non-admins may only contribute thread replies.
func resolveMessageType(roomKind, senderRole, requested, requestedThreadKind string, hasRoot bool, rootType string) (msgType, threadKind string, ok bool) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested == "" {
		requested = types.MessageText
	}

	if hasRoot {
		threadKind = strings.ToLower(strings.TrimSpace(requestedThreadKind))
		if threadKind != types.ThreadMessage && threadKind != types.ThreadPoll {
			if rootType == types.MessagePoll {
				threadKind = types.ThreadPoll
			} else {
				threadKind = types.ThreadMessage
			}
		}

		if rootType == types.MessagePoll {
			return types.MessagePollComment, threadKind, true
		}
		if requested == types.MessagePollComment {
			return types.MessagePollComment, threadKind, true
		}
		return types.MessageComment, threadKind, true
	}

	if roomKind == types.RoomChannel && senderRole != types.RoleAdmin {
		if requested != types.MessageComment && requested != types.MessagePollComment {
			return "", "", false
		}
	}

	return requested, "", true
}

// normalizeSelection deduplicates, bounds-checks and sorts a poll vote
// selection. Out-of-range indices are dropped rather than failing the vote.
func normalizeSelection(selected []int, optionCount int) []int {
	seen := make(map[int]struct{}, len(selected))
	out := make([]int, 0, len(selected))
	for _, idx := range selected {
		if idx < 0 || idx >= optionCount {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
