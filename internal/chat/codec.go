// ABOUTME: JSON encoding for persisted conversation logs
// ABOUTME: Accepts bare arrays and legacy wrapper objects, writes the wrapper only when named

package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNoMessageList is returned when a persisted value holds no recognizable message list.
var ErrNoMessageList = errors.New("no message list found")

// Document is a decoded persisted conversation.
type Document struct {
	Name     string
	Messages []Message
}

// wireMessage is the persisted shape of a single message.
type wireMessage struct {
	Role        string   `json:"role"`
	Content     string   `json:"content"`
	Streaming   bool     `json:"streaming,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Files       []string `json:"files,omitempty"`
}

// wireDocument is the legacy wrapper object.
type wireDocument struct {
	Name     string        `json:"name"`
	Messages []wireMessage `json:"messages"`
}

// MarshalLog encodes messages as a JSON array. An empty log encodes as [].
func MarshalLog(msgs []Message) ([]byte, error) {
	return json.Marshal(toWire(msgs))
}

// UnmarshalLog decodes a persisted log, discarding any wrapper name.
func UnmarshalLog(data []byte) ([]Message, error) {
	doc, err := DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	return doc.Messages, nil
}

// EncodeDocument writes a bare array when the document has no name and the
// {"name","messages"} wrapper otherwise.
func EncodeDocument(doc Document) ([]byte, error) {
	if doc.Name == "" {
		return MarshalLog(doc.Messages)
	}
	return json.Marshal(wireDocument{Name: doc.Name, Messages: toWire(doc.Messages)})
}

// DecodeDocument parses a persisted value. Arrays are read directly. Objects
// are searched for a "messages" array first, then for any other field holding
// a message array, so older wrappers keep loading.
func DecodeDocument(data []byte) (Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Document{}, fmt.Errorf("decoding log: %w", ErrNoMessageList)
	}

	switch trimmed[0] {
	case '[':
		var wire []wireMessage
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return Document{}, fmt.Errorf("decoding log array: %w", err)
		}
		return Document{Messages: fromWire(wire)}, nil

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return Document{}, fmt.Errorf("decoding log object: %w", err)
		}
		doc := Document{}
		if raw, ok := fields["name"]; ok {
			// A non-string name is ignored rather than failing the load
			_ = json.Unmarshal(raw, &doc.Name)
		}
		msgs, err := findMessageList(fields)
		if err != nil {
			return Document{}, err
		}
		doc.Messages = msgs
		return doc, nil

	default:
		return Document{}, fmt.Errorf("decoding log: %w", ErrNoMessageList)
	}
}

// findMessageList locates the nested message array inside a wrapper object.
func findMessageList(fields map[string]json.RawMessage) ([]Message, error) {
	if raw, ok := fields["messages"]; ok {
		if msgs, ok := decodeList(raw); ok {
			return msgs, nil
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "messages" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if msgs, ok := decodeList(fields[k]); ok {
			return msgs, nil
		}
	}
	return nil, fmt.Errorf("decoding log object: %w", ErrNoMessageList)
}

// decodeList reports whether raw is an array whose entries all carry a role.
func decodeList(raw json.RawMessage) ([]Message, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var wire []wireMessage
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, false
	}
	for _, w := range wire {
		if w.Role == "" {
			return nil, false
		}
	}
	return fromWire(wire), true
}

func toWire(msgs []Message) []wireMessage {
	wire := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		switch v := m.(type) {
		case UserMessage:
			wire = append(wire, wireMessage{Role: string(RoleUser), Content: v.Content, Attachments: v.Attachments})
		case AssistantMessage:
			wire = append(wire, wireMessage{Role: string(RoleAssistant), Content: v.Content, Streaming: v.Streaming})
		case SystemMessage:
			wire = append(wire, wireMessage{Role: string(RoleSystem), Content: v.Content, Files: v.Files})
		}
	}
	return wire
}

// fromWire converts persisted entries, dropping roles it does not know.
func fromWire(wire []wireMessage) []Message {
	msgs := make([]Message, 0, len(wire))
	for _, w := range wire {
		switch Role(w.Role) {
		case RoleUser:
			attachments := w.Attachments
			if len(attachments) == 0 {
				attachments = w.Files
			}
			msgs = append(msgs, UserMessage{Content: w.Content, Attachments: attachments})
		case RoleAssistant:
			msgs = append(msgs, AssistantMessage{Content: w.Content, Streaming: w.Streaming})
		case RoleSystem:
			files := w.Files
			if len(files) == 0 {
				files = w.Attachments
			}
			msgs = append(msgs, SystemMessage{Content: w.Content, Files: files})
		}
	}
	return msgs
}
