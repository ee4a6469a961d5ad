// Package chat defines the message log shared by the conversation engine,
// the store, and the gateway.
//
// # Messages
//
// A conversation is an ordered slice of Message values. Message is a sealed
// interface with three variants:
//
//   - UserMessage: text typed by the user plus the names of any attached files
//   - AssistantMessage: text produced by the assistant; Streaming is true only
//     while increments are still being appended
//   - SystemMessage: notes added by the client or gateway, such as the list of
//     files that failed to upload
//
// Role-specific fields live only on the variant that can carry them, so a
// renderer switches on the concrete type instead of inspecting content.
//
// # Persisted Form
//
// Logs are stored as a JSON array:
//
//	[{"role":"user","content":"Hi"},{"role":"assistant","content":"Hello!"}]
//
// Older entries may be wrapped in an object carrying a display name:
//
//	{"name":"Chat 3/14/2025","messages":[...]}
//
// DecodeDocument accepts both shapes. EncodeDocument writes the wrapper only
// when a name is present.
package chat
