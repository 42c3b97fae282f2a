package chatlog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"chatcall/internal/calls"
)

// Message is an append-only chat entry. System messages are written by the call flow;
// user messages are owned by the chat service and never touched here.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Kind           Kind      `json:"kind" db:"kind"`
	Text           string    `json:"text" db:"text"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type Kind string

const (
	KindSystem Kind = "system"
)

// Outcome is how a call ended from the point of view of the side that ended it.
type Outcome string

const (
	OutcomeRejected Outcome = "rejected"
	OutcomeEnded    Outcome = "ended"
)

// GroupIDPrefix marks partner ids that are group conversations rather than users.
const GroupIDPrefix = "group_"

// ConversationID returns the chat the call log belongs to: the group itself for group ids,
// otherwise the sorted pair of user ids joined by "_".
func ConversationID(selfID, partnerID string) string {
	if strings.HasPrefix(partnerID, GroupIDPrefix) {
		return partnerID
	}
	ids := []string{selfID, partnerID}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// CallLogText renders the system message for a finished call, e.g. "📞 Audio Call - rejected".
func CallLogText(callType calls.CallType, outcome Outcome) string {
	icon := "📞"
	if callType.WithVideo() {
		icon = "📹"
	}
	return fmt.Sprintf("%s %s - %s", icon, callType.DisplayName(), outcome)
}
