// ABOUTME: Message variants for conversation logs (user, assistant, system)
// ABOUTME: Sealed interface keeps role-specific fields on the variant that owns them

package chat

import "strings"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation log.
// The set of implementations is closed: UserMessage, AssistantMessage, SystemMessage.
type Message interface {
	Role() Role
	Text() string
	IsStreaming() bool
	message()
}

// UserMessage is text submitted by the user.
type UserMessage struct {
	Content     string
	Attachments []string // file names, set once at creation
}

func (UserMessage) Role() Role        { return RoleUser }
func (m UserMessage) Text() string    { return m.Content }
func (UserMessage) IsStreaming() bool { return false }
func (UserMessage) message()          {}

// AssistantMessage is text produced by the remote assistant.
// Content only grows while Streaming is true.
type AssistantMessage struct {
	Content   string
	Streaming bool
}

func (AssistantMessage) Role() Role          { return RoleAssistant }
func (m AssistantMessage) Text() string      { return m.Content }
func (m AssistantMessage) IsStreaming() bool { return m.Streaming }
func (AssistantMessage) message()            {}

// SystemMessage is a note added outside the user/assistant exchange.
type SystemMessage struct {
	Content string
	Files   []string // set when the note is about attachments
}

func (SystemMessage) Role() Role        { return RoleSystem }
func (m SystemMessage) Text() string    { return m.Content }
func (SystemMessage) IsStreaming() bool { return false }
func (SystemMessage) message()          {}

// AttachmentFailureNote builds the system entry recorded when an upload fails.
func AttachmentFailureNote(files []string) SystemMessage {
	names := append([]string(nil), files...)
	return SystemMessage{
		Content: "Attached files (upload failed): " + strings.Join(names, ", "),
		Files:   names,
	}
}

// Clone returns a copy of the log. Message values are immutable, so a shallow
// copy of the slice is enough to let callers append or replace entries.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// OpenStream returns the index of the assistant message that is still
// streaming, or -1 if there is none.
func OpenStream(msgs []Message) int {
	for i, m := range msgs {
		if a, ok := m.(AssistantMessage); ok && a.Streaming {
			return i
		}
	}
	return -1
}

// CountStreaming reports how many messages carry a streaming flag.
func CountStreaming(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.IsStreaming() {
			n++
		}
	}
	return n
}
