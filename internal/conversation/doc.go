// Package conversation keeps conversation views in sync with the assistant.
//
// # Overview
//
// A Service owns the in-memory view of every conversation it has touched.
// Each conversation id gets its own actor goroutine; every read-modify-write
// of that view runs on it, so two streams or a stream and a read never
// interleave halfway through an update. Network work happens outside the
// actor and re-enters it with small operations.
//
// # Sending
//
//	ex, err := svc.Send(ctx, conversation.SendRequest{ConversationID: id, Content: "hi"})
//	if err != nil {
//		return err
//	}
//	res, _ := ex.Wait(ctx)
//
// When Send returns, the user message is already in the view and in durable
// storage. The upload, the stream, and reconciliation run in the background.
// An exchange moves through these states:
//
//	Idle -> Mutating -> Sending -> Streaming -> Settled
//	                           \-> Failed ----/
//
// Failures (transport, non-2xx, decode, idle timeout) deliver one fallback
// increment so the turn always ends with an assistant reply. Cancelling an
// exchange keeps whatever arrived and adds nothing.
//
// # Reconciling
//
// The Reconciler appends each increment to the single streaming assistant
// message, creating it on the first increment, and publishes the view. On
// completion it clears every streaming flag and persists the log once.
package conversation
