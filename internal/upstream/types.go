package upstream

import "time"

// Session is one conversation on the backend. A session is created fresh for
// every question and discarded once the exchange ends; it is never shared
// between questions.
type Session struct {
	ConversationID string    `json:"id"`
	Token          string    `json:"token"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is one entry of a conversation transcript.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type createConversationResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type postMessageRequest struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

type listMessagesResponse struct {
	Messages []Message `json:"messages"`
}
