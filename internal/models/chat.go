package models

import "time"

type User struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	SessionID int64      `json:"session_id"`
	UserID    int64      `json:"user_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
}

type Message struct {
	MessageID   int64     `json:"message_id"`
	SessionID   int64     `json:"session_id"`
	Sender      string    `json:"sender"`
	MessageText string    `json:"message_text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sender values as stored in the messages table.
const (
	SenderUser = "User"
	SenderAI   = "AI"
)

type TurnKind int

const (
	UserTurn TurnKind = iota
	AssistantTurn
)

// Turn is one entry of a conversation history handed to the agent.
type Turn struct {
	Kind TurnKind
	Text string
}

// TurnFromMessage converts a stored message into a history turn. Messages
// with an unknown sender are reported as not ok.
func TurnFromMessage(m Message) (Turn, bool) {
	switch m.Sender {
	case SenderUser:
		return Turn{Kind: UserTurn, Text: m.MessageText}, true
	case SenderAI:
		return Turn{Kind: AssistantTurn, Text: m.MessageText}, true
	default:
		return Turn{}, false
	}
}
