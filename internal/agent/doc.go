// Package agent runs assistant turns against a language model.
//
// # Overview
//
// A Manager keeps the in-memory history of every conversation it has seen
// and streams the model's reply to each user turn as Response events:
//
//	responses, err := mgr.SendMessage(ctx, &agent.SendRequest{ConversationID: id, Content: "hi"})
//	for resp := range responses {
//		switch resp.Event {
//		case agent.EventText:
//			// resp.Text is the next chunk
//		case agent.EventError:
//			// resp.Error describes the failure
//		}
//	}
//
// # Models
//
//   - OpenAIModel: any OpenAI-compatible endpoint through langchaingo
//   - EchoModel: repeats the user's last message word by word, for development and tests
package agent
