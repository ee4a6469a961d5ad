// Package store persists conversation logs in a key-value medium.
//
// # Architecture
//
// Two layers:
//
//   - KV: a byte store keyed by string (Get, Set, Delete, Keys). Writes are
//     synchronous and last write wins.
//   - Conversations: the conversation store built on a KV. It owns key
//     derivation, JSON encoding, fail-soft loading, and change notification.
//
// KV implementations:
//
//   - SQLiteKV: one "kv" table, driver "sqlite" (modernc.org/sqlite) or
//     "sqlite3" (mattn/go-sqlite3, cgo builds only)
//   - BoltKV: one bucket in a bbolt file
//   - MemoryKV: maps, for tests and throwaway sessions
//
// # Keys
//
// Each conversation lives under "chat_<id>". The value is a JSON message
// array, or a {"name","messages"} wrapper when the conversation has a name.
//
// # Fail-Soft Loading
//
// Load never returns an error. A missing key, an empty value, unparseable
// JSON, or a value without a message list all load as an empty conversation.
// The failure is logged so corrupted entries can still be found.
//
// # Change Notification
//
// Save, Rename, and Delete publish a Change on the Broadcaster. Callers that
// also keep an in-memory view (the conversation engine) publish view changes
// on the same Broadcaster so watchers see streaming progress:
//
//	changes := convs.Watch(ctx, id)
//	for c := range changes {
//	    render(c.Messages)
//	}
//
// # SQLite Configuration
//
// SQLiteKV enables WAL mode on open and creates its table if missing. Parent
// directories of the database path are created as needed.
package store
