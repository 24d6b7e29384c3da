package client

import (
	"strings"
	"sync"
	"time"
)

// Message is one entry in the local chat log: either a system notice or a
// chat message. A message of ours stays Delivered == false until the server
// echo or a partner receipt closes it — an undelivered marker is never
// silently dropped.
type Message struct {
	System    string // non-empty for system notices
	Data      string
	ID        string
	Mine      bool
	Delivered bool
	Timestamp time.Time
}

// ChatState is the client-local view of the conversation, mutated only by
// typed-message dispatch and local sends.
type ChatState struct {
	mu sync.Mutex

	messages          []Message
	strangerConnected bool
	typing            bool
	onlineCount       int
	userID            string

	typingTimeout time.Duration
	typingTimer   *time.Timer
}

// NewChatState creates a ChatState. typingTimeout is how long the partner's
// typing indicator stays visible without a refresh.
func NewChatState(typingTimeout time.Duration) *ChatState {
	return &ChatState{typingTimeout: typingTimeout}
}

// AddLocal records an outbound message as undelivered.
func (cs *ChatState) AddLocal(text, id string) {
	cs.mu.Lock()
	cs.messages = append(cs.messages, Message{
		Data:      text,
		ID:        id,
		Mine:      true,
		Timestamp: time.Now(),
	})
	cs.mu.Unlock()
}

// AddStranger records an inbound partner message (already delivered by
// definition) and clears the typing indicator.
func (cs *ChatState) AddStranger(text, id string) {
	cs.mu.Lock()
	cs.strangerConnected = true
	cs.typing = false
	cs.messages = append(cs.messages, Message{
		Data:      text,
		ID:        id,
		Delivered: true,
		Timestamp: time.Now(),
	})
	cs.mu.Unlock()
}

// MarkDelivered closes the undelivered marker for the given message id.
func (cs *ChatState) MarkDelivered(id string) {
	cs.mu.Lock()
	for i := range cs.messages {
		if cs.messages[i].ID == id && cs.messages[i].Mine {
			cs.messages[i].Delivered = true
		}
	}
	cs.mu.Unlock()
}

// ApplySystem records a system notice and updates the stranger-connected
// flag from the known notice texts. Consecutive duplicates are collapsed,
// matching the web client's behavior for repeated waiting notices.
func (cs *ChatState) ApplySystem(text string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch {
	case strings.Contains(text, "Connected to a stranger"):
		cs.strangerConnected = true
	case strings.Contains(text, "Waiting for a stranger"),
		strings.Contains(text, "No partner available"):
		cs.strangerConnected = false
	case strings.Contains(text, "Stranger has disconnected"):
		cs.strangerConnected = false
		cs.typing = false
	}

	if n := len(cs.messages); n > 0 && cs.messages[n-1].System == text {
		return
	}
	cs.messages = append(cs.messages, Message{System: text, Timestamp: time.Now()})
}

// SetTyping shows the partner's typing indicator and arms its display
// timeout; the indicator clears itself if no refresh arrives.
func (cs *ChatState) SetTyping() {
	cs.mu.Lock()
	cs.typing = true
	if cs.typingTimer != nil {
		cs.typingTimer.Stop()
	}
	cs.typingTimer = time.AfterFunc(cs.typingTimeout, func() {
		cs.mu.Lock()
		cs.typing = false
		cs.mu.Unlock()
	})
	cs.mu.Unlock()
}

// SetOnlineCount stores the latest presence broadcast.
func (cs *ChatState) SetOnlineCount(n int) {
	cs.mu.Lock()
	cs.onlineCount = n
	cs.mu.Unlock()
}

// SetUserID stores the identity assigned by the server.
func (cs *ChatState) SetUserID(id string) {
	cs.mu.Lock()
	cs.userID = id
	cs.mu.Unlock()
}

// UserID returns the identity assigned by the server, if any.
func (cs *ChatState) UserID() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.userID
}

// OnlineCount returns the last broadcast online count.
func (cs *ChatState) OnlineCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.onlineCount
}

// StrangerConnected reports whether a partner is currently linked.
func (cs *ChatState) StrangerConnected() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.strangerConnected
}

// Typing reports whether the partner's typing indicator is visible.
func (cs *ChatState) Typing() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.typing
}

// Messages returns a copy of the chat log.
func (cs *ChatState) Messages() []Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Message, len(cs.messages))
	copy(out, cs.messages)
	return out
}

// Undelivered returns the ids of our messages that have no delivery
// confirmation yet.
func (cs *ChatState) Undelivered() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var ids []string
	for _, m := range cs.messages {
		if m.Mine && !m.Delivered {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// isSystemError reports whether a system text is one of the server's
// protocol error replies.
func isSystemError(text string) bool {
	return strings.Contains(text, "Invalid message format") ||
		strings.Contains(text, "Message missing type field") ||
		strings.Contains(text, "Unknown message type received")
}
