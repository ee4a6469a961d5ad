// ABOUTME: REPL session: slash commands and streamed sends for one conversation at a time
// ABOUTME: Prints reply text incrementally from the conversation's change feed

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/palladium/internal/chat"
	"github.com/2389/palladium/internal/client"
	"github.com/2389/palladium/internal/conversation"
	"github.com/2389/palladium/internal/store"
)

var errQuit = errors.New("quit")

type session struct {
	convs      *store.Conversations
	svc        *conversation.Service
	out        io.Writer
	interrupts <-chan os.Signal

	current string
	pending []client.File

	// retry holds the key of a turn whose Send failed, so resubmitting the
	// same text reuses it
	retry struct{ content, key string }
}

func newSession(convs *store.Conversations, svc *conversation.Service, out io.Writer, interrupts <-chan os.Signal) *session {
	return &session{convs: convs, svc: svc, out: out, interrupts: interrupts}
}

// open selects id, else the most recent conversation, else a new one.
func (s *session) open(ctx context.Context, id string) error {
	if id != "" {
		s.current = id
		return nil
	}
	list, err := s.convs.List(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	if len(list) > 0 {
		s.current = list[0].ID
		return nil
	}
	sum, err := s.convs.Create(ctx, "")
	if err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}
	s.current = sum.ID
	return nil
}

func (s *session) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
			return
		}
		readErr <- io.EOF
	}()

	for {
		fmt.Fprint(s.out, "> ")

		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-s.interrupts:
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case line = <-lines:
		}

		err := s.handle(ctx, strings.TrimSpace(line))
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(s.out, color.RedString("Error: %v", err))
		}
	}
}

func (s *session) handle(ctx context.Context, input string) error {
	if input == "" {
		return nil
	}
	if !strings.HasPrefix(input, "/") {
		return s.send(ctx, input)
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		s.printHelp()
	case "/new":
		sum, err := s.convs.Create(ctx, arg)
		if err != nil {
			return err
		}
		s.switchTo(ctx, sum.ID)
		fmt.Fprintf(s.out, "Started %s (%s)\n", sum.Title(), sum.ID)
	case "/list":
		return s.list(ctx)
	case "/use":
		if arg == "" {
			return errors.New("usage: /use <conversation-id>")
		}
		s.switchTo(ctx, arg)
		return s.history(ctx)
	case "/rename":
		if arg == "" {
			return errors.New("usage: /rename <name>")
		}
		return s.convs.Rename(ctx, s.current, arg)
	case "/delete":
		if err := s.svc.Forget(ctx, s.current); err != nil {
			return err
		}
		if err := s.convs.Delete(ctx, s.current); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Deleted %s\n", s.current)
		return s.open(ctx, "")
	case "/history":
		return s.history(ctx)
	case "/refresh":
		if _, err := s.svc.Refresh(ctx, s.current); err != nil {
			return err
		}
		return s.history(ctx)
	case "/attach":
		if arg == "" {
			return errors.New("usage: /attach <path>")
		}
		f, err := client.ReadFile(arg)
		if err != nil {
			return err
		}
		s.pending = append(s.pending, f)
		fmt.Fprintf(s.out, "Attached %s (sent with your next message)\n", f.Name)
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return nil
}

// switchTo makes id current and releases the cached view of the previous
// conversation.
func (s *session) switchTo(ctx context.Context, id string) {
	if s.current != "" && s.current != id {
		if err := s.svc.Forget(ctx, s.current); err != nil {
			fmt.Fprintln(s.out, color.YellowString("could not release %s: %v", s.current, err))
		}
	}
	s.current, s.pending = id, nil
	s.retry.content, s.retry.key = "", ""
}

func (s *session) printHelp() {
	fmt.Fprintln(s.out, "Commands:")
	fmt.Fprintln(s.out, "  /new [name]     Start a conversation")
	fmt.Fprintln(s.out, "  /list           List conversations")
	fmt.Fprintln(s.out, "  /use <id>       Switch conversation")
	fmt.Fprintln(s.out, "  /rename <name>  Rename the current conversation")
	fmt.Fprintln(s.out, "  /delete         Delete the current conversation")
	fmt.Fprintln(s.out, "  /history        Show the current conversation")
	fmt.Fprintln(s.out, "  /refresh        Reload the conversation from storage")
	fmt.Fprintln(s.out, "  /attach <path>  Attach a file to the next message")
	fmt.Fprintln(s.out, "  /quit           Exit")
}

func (s *session) list(ctx context.Context) error {
	list, err := s.convs.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(s.out, "No conversations")
		return nil
	}
	for _, sum := range list {
		marker := " "
		if sum.ID == s.current {
			marker = "*"
		}
		fmt.Fprintf(s.out, "%s %s  %s  (%d messages)\n", marker, sum.ID, sum.Title(), sum.Messages)
	}
	return nil
}

func (s *session) history(ctx context.Context) error {
	msgs, err := s.svc.Snapshot(ctx, s.current)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Fprintln(s.out, formatMessage(m))
	}
	return nil
}

func formatMessage(m chat.Message) string {
	switch msg := m.(type) {
	case chat.UserMessage:
		line := color.GreenString("you: ") + msg.Content
		if len(msg.Attachments) > 0 {
			line += color.HiBlackString(" [%s]", strings.Join(msg.Attachments, ", "))
		}
		return line
	case chat.AssistantMessage:
		return color.CyanString("assistant: ") + msg.Content
	default:
		return color.HiBlackString("system: %s", m.Text())
	}
}

// send runs one turn and prints the reply as it streams. An interrupt
// cancels the reply and keeps what arrived.
func (s *session) send(ctx context.Context, content string) error {
	before, err := s.svc.Snapshot(ctx, s.current)
	if err != nil {
		return err
	}
	replyAt := len(before) + 1

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	changes := s.convs.Watch(watchCtx, s.current)

	key := uuid.NewString()
	if s.retry.content == content && s.retry.key != "" {
		key = s.retry.key
	}

	ex, err := s.svc.Send(ctx, conversation.SendRequest{
		ConversationID: s.current,
		Content:        content,
		Attachments:    s.pending,
		IdempotencyKey: key,
	})
	if err != nil {
		s.retry.content, s.retry.key = content, key
		return err
	}
	s.retry.content, s.retry.key = "", ""
	s.pending = nil

	p := &replyPrinter{out: s.out}
	fmt.Fprint(s.out, color.CyanString("assistant: "))

	for done := false; !done; {
		select {
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if change.Kind == store.ChangeView {
				p.update(change.Messages, replyAt)
			}
		case <-s.interrupts:
			ex.Cancel()
		case <-ex.Done():
			done = true
		}
	}

	res, err := ex.Wait(ctx)
	if err != nil {
		return err
	}
	if final, err := s.svc.Snapshot(ctx, s.current); err == nil {
		p.update(final, replyAt)
	}
	fmt.Fprintln(s.out)

	switch {
	case res.Cancelled:
		fmt.Fprintln(s.out, color.YellowString("(cancelled)"))
	case res.Failed:
		fmt.Fprintln(s.out, color.RedString("(reply failed: %v)", res.Err))
	}
	return nil
}

// replyPrinter prints the not-yet-printed tail of the reply, the first
// assistant message at or after the turn's position.
type replyPrinter struct {
	out     io.Writer
	printed string
}

func (p *replyPrinter) update(msgs []chat.Message, from int) {
	at := -1
	for i := from; i < len(msgs); i++ {
		if msgs[i].Role() == chat.RoleAssistant {
			at = i
			break
		}
	}
	if at < 0 {
		return
	}
	text := msgs[at].Text()
	if !strings.HasPrefix(text, p.printed) {
		return
	}
	fmt.Fprint(p.out, text[len(p.printed):])
	p.printed = text
}
